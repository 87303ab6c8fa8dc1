// Package rank implements the ranking consumer interface (spec §4.K). The
// ranker itself never adjusts or logs weights; it receives the caller's
// already-final Weights and only scores and orders results.
package rank

import (
	"math"
	"sort"

	"github.com/shulchan/shulchan/internal/model"
)

// Ranker orders filtered results given final weights.
type Ranker interface {
	Rank(results []model.Place, weights Weights, params Params) []model.Place
}

// ScoreRanker is the one concrete Ranker this module ships: a weighted
// linear combination of normalized distance, rating, open-now, and
// cuisine-match signals.
type ScoreRanker struct{}

func NewScoreRanker() *ScoreRanker { return &ScoreRanker{} }

func (r *ScoreRanker) Rank(results []model.Place, weights Weights, params Params) []model.Place {
	scored := make([]scoredPlace, len(results))
	for i, p := range results {
		scored[i] = scoredPlace{place: p, score: r.score(p, weights, params)}
	}

	sort.SliceStable(scored, func(i, j int) bool {
		return scored[i].score > scored[j].score
	})

	out := make([]model.Place, len(scored))
	for i, s := range scored {
		out[i] = s.place
	}
	return out
}

type scoredPlace struct {
	place model.Place
	score float64
}

func (r *ScoreRanker) score(p model.Place, w Weights, params Params) float64 {
	var total float64

	if w.Distance > 0 && params.UserLocation != nil {
		total += w.Distance * distanceScore(*params.UserLocation, p.Location)
	}
	if w.Rating > 0 && p.Rating != nil {
		total += w.Rating * (*p.Rating / 5.0)
	}
	if w.OpenNow > 0 && p.OpenNow != nil && *p.OpenNow {
		total += w.OpenNow
	}
	if w.Cuisine > 0 && params.HasCuisineScores && matchesCuisine(p, params.CuisineKey) {
		total += w.Cuisine
	}

	return total
}

// distanceScore returns a value in (0,1], higher for closer places, using
// a simple inverse-distance falloff rather than a true geodesic score:
// ranking only needs a stable ordering, not a calibrated metric.
func distanceScore(user, place model.LatLng) float64 {
	dx := user.Lat - place.Lat
	dy := user.Lng - place.Lng
	dist := math.Sqrt(dx*dx + dy*dy)
	return 1.0 / (1.0 + dist*100)
}

func matchesCuisine(p model.Place, cuisineKey string) bool {
	if cuisineKey == "" {
		return false
	}
	for _, tag := range p.Tags {
		if tag == cuisineKey {
			return true
		}
	}
	return false
}
