package filters

import "github.com/shulchan/shulchan/internal/model"

// Result is the output of ApplyPostFilters (spec §4.J).
type Result struct {
	Filtered []model.Place
	Applied  model.AppliedFilters
	Relaxed  model.RelaxedFilters
}

// ApplyPostFilters is a pure, deterministic function applying openState,
// price, and rating filters in sequence, auto-relaxing (dropping) any
// filter whose application would reduce a non-empty set to empty.
// Earlier filters in the sequence are never revisited once applied.
func ApplyPostFilters(results []model.Place, final model.FinalFilters) Result {
	applied := model.AppliedFilters{
		OpenState:       final.OpenState,
		PriceIntent:     final.PriceIntent,
		MinRatingBucket: final.MinRatingBucket,
	}
	var relaxed model.RelaxedFilters

	current := results

	if final.OpenState != model.OpenNone {
		next := filterOpenState(current, final)
		if len(current) > 0 && len(next) == 0 {
			relaxed.OpenState = true
			applied.OpenState = model.OpenNone
		} else {
			current = next
		}
	}

	if final.PriceIntent != model.PriceNone {
		next := filterPrice(current, final.PriceIntent)
		if len(current) > 0 && len(next) == 0 {
			relaxed.PriceIntent = true
			applied.PriceIntent = model.PriceNone
		} else {
			current = next
		}
	}

	if final.MinRatingBucket != model.RatingNone {
		next := filterRating(current, final.MinRatingBucket)
		if len(current) > 0 && len(next) == 0 {
			relaxed.MinRatingBucket = true
			applied.MinRatingBucket = model.RatingNone
		} else {
			current = next
		}
	}

	return Result{Filtered: current, Applied: applied, Relaxed: relaxed}
}

// filterOpenState keeps unknown openNow (nil) conservatively; it is never
// the reason a place is excluded.
func filterOpenState(places []model.Place, final model.FinalFilters) []model.Place {
	out := make([]model.Place, 0, len(places))
	for _, p := range places {
		if p.OpenNow == nil {
			out = append(out, p)
			continue
		}
		switch final.OpenState {
		case model.OpenNow:
			if *p.OpenNow {
				out = append(out, p)
			}
		case model.OpenAt, model.OpenBetween:
			// Without structured hours data on Place, OPEN_AT/OPEN_BETWEEN
			// fall back to the same keep-unknown policy as OPEN_NOW once a
			// provider's openNow flag is known; richer hours evaluation
			// belongs to the provider adapter's normalization, not here.
			if *p.OpenNow {
				out = append(out, p)
			}
		default:
			out = append(out, p)
		}
	}
	return out
}

func filterPrice(places []model.Place, intent model.PriceIntent) []model.Place {
	accepted := model.PriceLevels[intent]
	out := make([]model.Place, 0, len(places))
	for _, p := range places {
		if p.PriceLevel == nil || accepted[*p.PriceLevel] {
			out = append(out, p)
		}
	}
	return out
}

func filterRating(places []model.Place, bucket model.MinRatingBucket) []model.Place {
	threshold := model.RatingThreshold[bucket]
	out := make([]model.Place, 0, len(places))
	for _, p := range places {
		if p.Rating == nil || *p.Rating >= threshold {
			out = append(out, p)
		}
	}
	return out
}
