package filters

import (
	"testing"

	"github.com/shulchan/shulchan/internal/model"
)

func ptr[T any](v T) *T { return &v }

func TestApplyPostFilters_KeepsUnknownOpenNow(t *testing.T) {
	places := []model.Place{
		{ID: "1", OpenNow: nil},
		{ID: "2", OpenNow: ptr(false)},
	}
	result := ApplyPostFilters(places, model.FinalFilters{OpenState: model.OpenNow})
	if len(result.Filtered) != 1 || result.Filtered[0].ID != "1" {
		t.Fatalf("expected only place 1 to survive, got %+v", result.Filtered)
	}
	if result.Applied.OpenState != model.OpenNow {
		t.Errorf("expected OpenNow still applied, got %v", result.Applied.OpenState)
	}
}

func TestApplyPostFilters_AutoRelaxOnEmpty(t *testing.T) {
	places := []model.Place{
		{ID: "1", OpenNow: ptr(false)},
		{ID: "2", OpenNow: ptr(false)},
	}
	result := ApplyPostFilters(places, model.FinalFilters{OpenState: model.OpenNow})
	if len(result.Filtered) != 2 {
		t.Fatalf("expected auto-relax to restore both places, got %d", len(result.Filtered))
	}
	if !result.Relaxed.OpenState {
		t.Error("expected OpenState relaxed=true")
	}
	if result.Applied.OpenState != model.OpenNone {
		t.Errorf("expected applied OpenState cleared, got %v", result.Applied.OpenState)
	}
}

func TestApplyPostFilters_PriceMatrix(t *testing.T) {
	places := []model.Place{
		{ID: "cheap", PriceLevel: ptr(1)},
		{ID: "mid", PriceLevel: ptr(2)},
		{ID: "unknown", PriceLevel: nil},
	}
	result := ApplyPostFilters(places, model.FinalFilters{PriceIntent: model.PriceCheap})
	ids := map[string]bool{}
	for _, p := range result.Filtered {
		ids[p.ID] = true
	}
	if !ids["cheap"] || !ids["unknown"] || ids["mid"] {
		t.Fatalf("unexpected filtered set: %+v", result.Filtered)
	}
}

func TestApplyPostFilters_RatingThreshold(t *testing.T) {
	places := []model.Place{
		{ID: "high", Rating: ptr(4.6)},
		{ID: "low", Rating: ptr(3.0)},
		{ID: "unknown", Rating: nil},
	}
	result := ApplyPostFilters(places, model.FinalFilters{MinRatingBucket: model.RatingR45})
	ids := map[string]bool{}
	for _, p := range result.Filtered {
		ids[p.ID] = true
	}
	if !ids["high"] || !ids["unknown"] || ids["low"] {
		t.Fatalf("unexpected filtered set: %+v", result.Filtered)
	}
}

func TestApplyPostFilters_SequentialRelaxKeepsEarlierApplied(t *testing.T) {
	places := []model.Place{
		{ID: "1", OpenNow: ptr(true), PriceLevel: ptr(4)},
	}
	result := ApplyPostFilters(places, model.FinalFilters{
		OpenState:   model.OpenNow,
		PriceIntent: model.PriceCheap,
	})
	if result.Applied.OpenState != model.OpenNow {
		t.Errorf("expected OpenNow to remain applied, got %v", result.Applied.OpenState)
	}
	if !result.Relaxed.PriceIntent {
		t.Error("expected PriceIntent relaxed")
	}
	if len(result.Filtered) != 1 {
		t.Fatalf("expected place to survive via price relax, got %d", len(result.Filtered))
	}
}
