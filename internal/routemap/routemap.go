// Package routemap implements the route mapper (spec §4.H): dispatches a
// request, already classified by intent, to one of three bounded LLM
// calls producing the tagged-union RouteMapping.
package routemap

import (
	"context"
	"fmt"
	"time"

	"github.com/shulchan/shulchan/internal/llmclient"
	"github.com/shulchan/shulchan/internal/model"
)

const (
	textSearchTimeout = 3500 * time.Millisecond
	nearbyTimeout     = 4500 * time.Millisecond
	landmarkTimeout   = 4000 * time.Millisecond

	defaultRadiusMeters = 1500
)

// ErrMissingUserLocation is returned by MapNearby when the request has no
// user location; spec §4.H mandates the NEARBY mapper fail fast rather
// than issue an LLM call it cannot use.
var ErrMissingUserLocation = fmt.Errorf("routemap: NEARBY route requires a user location")

type Mapper struct {
	llm *llmclient.Client
}

// withNoExtraProperties clones a response schema and adds
// "additionalProperties": false, for use as the vendor-facing staticSchema
// passed to llmclient.Client's CompleteJSON(NoRetry): the shape the vendor
// is constrained to is stricter than the shape the response is validated
// against, since the vendor should never invent fields this mapper won't
// look at.
func withNoExtraProperties(schema map[string]any) map[string]any {
	clone := make(map[string]any, len(schema)+1)
	for k, v := range schema {
		clone[k] = v
	}
	clone["additionalProperties"] = false
	return clone
}

func New(llm *llmclient.Client) *Mapper {
	return &Mapper{llm: llm}
}

var textSearchSchema = map[string]any{
	"type": "object",
	"properties": map[string]any{
		"textQuery": map[string]any{"type": "string"},
		"region":    map[string]any{"type": "string"},
		"language":  map[string]any{"type": "string"},
	},
	"required": []string{"textQuery", "region", "language"},
}

// textSearchStaticSchema is sent to the vendor verbatim (spec §4.D's
// staticSchema) instead of textSearchSchema: it additionally forbids
// fields the vendor might otherwise be tempted to hallucinate, which
// textSearchSchema itself stays permissive about since it is only used to
// validate the response we actually got back.
var textSearchStaticSchema = withNoExtraProperties(textSearchSchema)

// MapTextSearch preserves the query's own language, strips filler words,
// and adds a "restaurant" place-type keyword only when one is absent.
// No retry (spec §4.H).
func (m *Mapper) MapTextSearch(ctx context.Context, query, region, language string, bias *model.LatLng) (model.RouteMapping, error) {
	callCtx, cancel := context.WithTimeout(ctx, textSearchTimeout)
	defer cancel()

	messages := []llmclient.Message{
		{Role: "system", Content: "Rewrite the query into a concise text-search string for a restaurant search API. Preserve the query's own language. Remove filler words. Add a restaurant/food place-type keyword only if the query doesn't already name one."},
		{Role: "user", Content: fmt.Sprintf("query: %q\nregion: %q\nlanguage: %q", query, region, language)},
	}

	var out struct {
		TextQuery string `json:"textQuery"`
		Region    string `json:"region"`
		Language  string `json:"language"`
	}
	if err := m.llm.CompleteJSONNoRetry(callCtx, messages, textSearchSchema, textSearchStaticSchema, &out); err != nil {
		return model.RouteMapping{}, err
	}

	return model.NewTextSearchMapping(model.TextSearchParams{
		TextQuery: out.TextQuery,
		Region:    out.Region,
		Language:  out.Language,
		Bias:      bias,
	}), nil
}

var nearbySchema = map[string]any{
	"type": "object",
	"properties": map[string]any{
		"keyword":      map[string]any{"type": "string"},
		"region":       map[string]any{"type": "string"},
		"language":     map[string]any{"type": "string"},
		"radiusMeters": map[string]any{"type": "integer"},
	},
	"required": []string{"keyword", "region", "language"},
}

var nearbyStaticSchema = withNoExtraProperties(nearbySchema)

// MapNearby maps a NEARBY intent; fails fast if userLocation is nil.
// One retry (spec §4.H).
func (m *Mapper) MapNearby(ctx context.Context, query, region, language string, userLocation *model.LatLng) (model.RouteMapping, error) {
	if userLocation == nil {
		return model.RouteMapping{}, ErrMissingUserLocation
	}

	callCtx, cancel := context.WithTimeout(ctx, nearbyTimeout)
	defer cancel()

	messages := []llmclient.Message{
		{Role: "system", Content: "Extract the food/cuisine keyword for a nearby-places search. Suggest a search radius in meters if the query implies a distance, otherwise omit it."},
		{Role: "user", Content: fmt.Sprintf("query: %q\nregion: %q\nlanguage: %q", query, region, language)},
	}

	var out struct {
		Keyword      string `json:"keyword"`
		Region       string `json:"region"`
		Language     string `json:"language"`
		RadiusMeters int    `json:"radiusMeters"`
	}
	if err := m.llm.CompleteJSON(callCtx, messages, nearbySchema, nearbyStaticSchema, &out); err != nil {
		return model.RouteMapping{}, err
	}
	if out.RadiusMeters <= 0 {
		out.RadiusMeters = defaultRadiusMeters
	}

	return model.NewNearbyMapping(model.NearbyParams{
		Location:     *userLocation,
		RadiusMeters: out.RadiusMeters,
		Keyword:      out.Keyword,
		Region:       out.Region,
		Language:     out.Language,
	}), nil
}

var landmarkSchema = map[string]any{
	"type": "object",
	"properties": map[string]any{
		"geocodeQuery": map[string]any{"type": "string"},
		"keyword":      map[string]any{"type": "string"},
		"region":       map[string]any{"type": "string"},
		"language":     map[string]any{"type": "string"},
		"radiusMeters": map[string]any{"type": "integer"},
	},
	"required": []string{"geocodeQuery", "keyword", "region", "language"},
}

var landmarkStaticSchema = withNoExtraProperties(landmarkSchema)

// MapLandmark extracts the landmark phrase for separate geocoding and the
// food keyword, respecting an explicit in-query radius. No retry (spec
// §4.H). The geocoded point always feeds a nearby search afterward.
func (m *Mapper) MapLandmark(ctx context.Context, query, region, language string) (model.RouteMapping, error) {
	callCtx, cancel := context.WithTimeout(ctx, landmarkTimeout)
	defer cancel()

	messages := []llmclient.Message{
		{Role: "system", Content: "Extract the full landmark phrase to geocode separately (street, POI, or foreign landmark name) and the food/cuisine keyword. If the query states an explicit radius, return it in meters."},
		{Role: "user", Content: fmt.Sprintf("query: %q\nregion: %q\nlanguage: %q", query, region, language)},
	}

	var out struct {
		GeocodeQuery string `json:"geocodeQuery"`
		Keyword      string `json:"keyword"`
		Region       string `json:"region"`
		Language     string `json:"language"`
		RadiusMeters int    `json:"radiusMeters"`
	}
	if err := m.llm.CompleteJSONNoRetry(callCtx, messages, landmarkSchema, landmarkStaticSchema, &out); err != nil {
		return model.RouteMapping{}, err
	}
	if out.RadiusMeters <= 0 {
		out.RadiusMeters = defaultRadiusMeters
	}

	return model.NewLandmarkMapping(model.LandmarkParams{
		GeocodeQuery: out.GeocodeQuery,
		AfterGeocode: model.AfterGeocodeNearbySearch,
		RadiusMeters: out.RadiusMeters,
		Keyword:      out.Keyword,
		Region:       out.Region,
		Language:     out.Language,
	}), nil
}
