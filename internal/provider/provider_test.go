package provider

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"

	"github.com/shulchan/shulchan/internal/model"
)

func placesServer(t *testing.T, assertBody func(body map[string]any)) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var body map[string]any
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			t.Fatalf("decode request body: %v", err)
		}
		if assertBody != nil {
			assertBody(body)
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{
			"places": []map[string]any{
				{
					"id":          "place-1",
					"displayName": map[string]any{"text": "Test Restaurant"},
					"location":    map[string]any{"latitude": 32.0, "longitude": 34.0},
					"rating":      4.5,
				},
			},
		})
	}))
}

func TestSearchText_IncludedTypesIsPluralArray(t *testing.T) {
	server := placesServer(t, func(body map[string]any) {
		types, ok := body["includedTypes"].([]any)
		if !ok || len(types) != 1 || types[0] != "restaurant" {
			t.Errorf("expected includedTypes: [\"restaurant\"], got %v", body["includedTypes"])
		}
		if _, exists := body["includedType"]; exists {
			t.Error("must not use the scalar includedType field name")
		}
	})
	defer server.Close()

	a := New(server.URL, "key", nil)
	results, err := a.SearchText(context.Background(), model.TextSearchParams{TextQuery: "sushi", Region: "IL", Language: "en"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(results) != 1 || results[0].Name != "Test Restaurant" {
		t.Fatalf("unexpected results: %+v", results)
	}
}

func TestSearchNearby_RankPreferenceDistance(t *testing.T) {
	server := placesServer(t, func(body map[string]any) {
		if body["rankPreference"] != "DISTANCE" {
			t.Errorf("expected rankPreference DISTANCE, got %v", body["rankPreference"])
		}
	})
	defer server.Close()

	a := New(server.URL, "key", nil)
	_, err := a.SearchNearby(context.Background(), model.NearbyParams{
		Location: model.LatLng{Lat: 32.0, Lng: 34.0}, RadiusMeters: 1000, Region: "IL", Language: "en",
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestCall_NonTwoXXIsFailureNotEmptySuccess(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
	}))
	defer server.Close()

	a := New(server.URL, "key", nil)
	_, err := a.SearchText(context.Background(), model.TextSearchParams{TextQuery: "sushi"})
	if err == nil {
		t.Fatal("expected error on non-2xx, got nil")
	}
	if model.KindOf(err) != model.KindUpstreamError {
		t.Errorf("expected KindUpstreamError, got %v", model.KindOf(err))
	}
}

func TestCallRaw_DeduplicatesConcurrentIdenticalRequests(t *testing.T) {
	var calls int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{"places": []map[string]any{}})
	}))
	defer server.Close()

	a := New(server.URL, "key", nil)
	done := make(chan struct{}, 2)
	for i := 0; i < 2; i++ {
		go func() {
			_, _ = a.SearchText(context.Background(), model.TextSearchParams{TextQuery: "sushi", Region: "IL"})
			done <- struct{}{}
		}()
	}
	<-done
	<-done
	if got := atomic.LoadInt32(&calls); got != 1 {
		t.Errorf("expected singleflight to collapse to 1 call, got %d", got)
	}
}
