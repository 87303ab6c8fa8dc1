package rank

import (
	"testing"

	"github.com/shulchan/shulchan/internal/model"
)

func f(v float64) *float64 { return &v }
func b(v bool) *bool       { return &v }

func TestAdjustWeights_NoUserLocationZeroesDistance(t *testing.T) {
	base := Weights{Distance: 1, Rating: 1, OpenNow: 1, Cuisine: 1}
	got, changed := AdjustWeights(Params{BaseWeights: base})
	if got.Distance != 0 {
		t.Errorf("expected distance weight zeroed, got %v", got.Distance)
	}
	if !changed {
		t.Error("expected changed=true")
	}
}

func TestAdjustWeights_OpenNowAppliedZeroesOpenWeight(t *testing.T) {
	base := Weights{Distance: 1, Rating: 1, OpenNow: 1, Cuisine: 1}
	loc := model.LatLng{Lat: 1, Lng: 1}
	got, _ := AdjustWeights(Params{
		BaseWeights:  base,
		UserLocation: &loc,
		FinalFilters: model.FinalFilters{OpenState: model.OpenNow},
	})
	if got.OpenNow != 0 {
		t.Errorf("expected open-now weight zeroed, got %v", got.OpenNow)
	}
}

func TestAdjustWeights_NoCuisineScoresZeroesCuisine(t *testing.T) {
	base := Weights{Cuisine: 1}
	got, _ := AdjustWeights(Params{BaseWeights: base, HasCuisineScores: false})
	if got.Cuisine != 0 {
		t.Errorf("expected cuisine weight zeroed, got %v", got.Cuisine)
	}
}

func TestAdjustWeights_UnchangedReportsFalse(t *testing.T) {
	base := Weights{Distance: 1, Rating: 1, OpenNow: 1, Cuisine: 1}
	loc := model.LatLng{}
	_, changed := AdjustWeights(Params{
		BaseWeights:      base,
		UserLocation:     &loc,
		HasCuisineScores: true,
	})
	if changed {
		t.Error("expected changed=false when no adjustment applies")
	}
}

func TestScoreRanker_OrdersByRatingWhenDistanceDisabled(t *testing.T) {
	places := []model.Place{
		{ID: "low", Rating: f(3.0)},
		{ID: "high", Rating: f(4.8)},
	}
	r := NewScoreRanker()
	ranked := r.Rank(places, Weights{Rating: 1}, Params{})
	if ranked[0].ID != "high" {
		t.Errorf("expected high-rated place first, got %s", ranked[0].ID)
	}
}

func TestScoreRanker_OpenNowBoostsScore(t *testing.T) {
	places := []model.Place{
		{ID: "closed", OpenNow: b(false)},
		{ID: "open", OpenNow: b(true)},
	}
	r := NewScoreRanker()
	ranked := r.Rank(places, Weights{OpenNow: 1}, Params{})
	if ranked[0].ID != "open" {
		t.Errorf("expected open place first, got %s", ranked[0].ID)
	}
}
