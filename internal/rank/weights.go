package rank

import "github.com/shulchan/shulchan/internal/model"

// Weights are the scoring weights a Ranker combines into a single score
// per place. BaseWeights come from configuration; AdjustWeights applies
// the spec §4.K invariants that must hold before any ranking runs.
type Weights struct {
	Distance float64
	Rating   float64
	OpenNow  float64
	Cuisine  float64
}

// Params is everything the ranker needs beyond the filtered result set.
type Params struct {
	BaseWeights      Weights
	UserLocation     *model.LatLng
	Route            model.Route
	CuisineKey       string
	FinalFilters     model.FinalFilters
	HasCuisineScores bool
}

// AdjustWeights is the single choke point for weight adjustment (spec
// §4.K): distance weight zeroes out with no user location, open-state
// weight zeroes out once OPEN_NOW was applied (the post-filter already
// did the work), and cuisine weight zeroes out with no cuisine scoring
// available. Returns the adjusted weights and whether they differ from
// base, so the caller can decide whether to emit the single
// ranking_weights_final log event spec §4.K calls for.
func AdjustWeights(p Params) (Weights, bool) {
	w := p.BaseWeights

	if p.UserLocation == nil {
		w.Distance = 0
	}
	if p.FinalFilters.OpenState == model.OpenNow {
		w.OpenNow = 0
	}
	if !p.HasCuisineScores {
		w.Cuisine = 0
	}

	return w, w != p.BaseWeights
}
