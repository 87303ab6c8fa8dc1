package model

// OpenState is the requested opening-hours constraint.
type OpenState string

const (
	OpenNone    OpenState = ""
	OpenNow     OpenState = "OPEN_NOW"
	OpenAt      OpenState = "OPEN_AT"
	OpenBetween OpenState = "OPEN_BETWEEN"
)

// PriceIntent is the requested price tier.
type PriceIntent string

const (
	PriceNone      PriceIntent = ""
	PriceCheap     PriceIntent = "CHEAP"
	PriceMid       PriceIntent = "MID"
	PriceExpensive PriceIntent = "EXPENSIVE"
)

// MinRatingBucket is the requested minimum-rating tier.
type MinRatingBucket string

const (
	RatingNone MinRatingBucket = ""
	RatingR35  MinRatingBucket = "R35"
	RatingR40  MinRatingBucket = "R40"
	RatingR45  MinRatingBucket = "R45"
)

// RatingThreshold maps a bucket to its numeric floor (spec §4.J RATING_MATRIX).
var RatingThreshold = map[MinRatingBucket]float64{
	RatingR35: 3.5,
	RatingR40: 4.0,
	RatingR45: 4.5,
}

// PriceLevels maps a price intent to the accepted provider priceLevel set
// (spec §4.J MATRIX).
var PriceLevels = map[PriceIntent]map[int]bool{
	PriceCheap:     {1: true},
	PriceMid:       {2: true},
	PriceExpensive: {3: true, 4: true},
}

// PreGoogleBaseFilters is the raw output of the shared-filters LLM call,
// before deterministic tightening.
type PreGoogleBaseFilters struct {
	Language        string          `json:"language"` // "he" | "en" | "auto"
	OpenState       OpenState       `json:"openState"`
	OpenAt          string          `json:"openAt,omitempty"`
	OpenBetween     string          `json:"openBetween,omitempty"`
	RegionHint      string          `json:"regionHint,omitempty"` // ISO-2
	PriceIntent     PriceIntent     `json:"priceIntent"`
	MinRatingBucket MinRatingBucket `json:"minRatingBucket"`
}

// SafeFallbackFilters is returned by the shared-filters extractor on any
// failure or timeout (spec §4.E).
func SafeFallbackFilters() PreGoogleBaseFilters {
	return PreGoogleBaseFilters{Language: "auto"}
}

// MergeClientFilters overrides extracted's fields with any non-zero field
// present on the client-supplied hint (spec §6's request body `filters?`).
// A client that already knows its own openState/priceIntent/rating floor
// shouldn't need the LLM to re-derive it from free text; extracted still
// wins for anything the client left unset.
func MergeClientFilters(extracted PreGoogleBaseFilters, hint *PreGoogleBaseFilters) PreGoogleBaseFilters {
	if hint == nil {
		return extracted
	}
	merged := extracted
	if hint.Language != "" {
		merged.Language = hint.Language
	}
	if hint.OpenState != OpenNone {
		merged.OpenState = hint.OpenState
	}
	if hint.OpenAt != "" {
		merged.OpenAt = hint.OpenAt
	}
	if hint.OpenBetween != "" {
		merged.OpenBetween = hint.OpenBetween
	}
	if hint.RegionHint != "" {
		merged.RegionHint = hint.RegionHint
	}
	if hint.PriceIntent != PriceNone {
		merged.PriceIntent = hint.PriceIntent
	}
	if hint.MinRatingBucket != RatingNone {
		merged.MinRatingBucket = hint.MinRatingBucket
	}
	return merged
}

// Disclaimers are always attached to a FinalFilters value.
type Disclaimers struct {
	Hours   bool `json:"hours"`
	Dietary bool `json:"dietary"`
}

// FinalFilters is the result of deterministic tightening (spec §3, §4.E).
type FinalFilters struct {
	Language        Language        `json:"language"` // he | en only
	OpenState       OpenState       `json:"openState"`
	OpenAt          string          `json:"openAt,omitempty"`
	OpenBetween     string          `json:"openBetween,omitempty"`
	RegionCode      string          `json:"regionCode"` // required, uppercase ISO-2
	PriceIntent     PriceIntent     `json:"priceIntent"`
	MinRatingBucket MinRatingBucket `json:"minRatingBucket"`
	Disclaimers     Disclaimers     `json:"disclaimers"`
}

// AppliedFilters reports which filters were actually enforced after
// auto-relax; a nil-valued entry means the filter was relaxed away.
type AppliedFilters struct {
	OpenState       OpenState       `json:"openState"`
	PriceIntent     PriceIntent     `json:"priceIntent"`
	MinRatingBucket MinRatingBucket `json:"minRatingBucket"`
}

// RelaxedFilters records which named filters were dropped by auto-relax.
type RelaxedFilters struct {
	OpenState       bool `json:"openState,omitempty"`
	PriceIntent     bool `json:"priceIntent,omitempty"`
	MinRatingBucket bool `json:"minRatingBucket,omitempty"`
}
