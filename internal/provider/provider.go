// Package provider implements the Places adapter (spec §4.I): three
// request builders (textsearch, nearby, landmark-after-geocode) sharing a
// wire-format contract, a centralized timeout helper, a small response
// cache, and singleflight deduplication of identical in-flight requests.
package provider

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/shulchan/shulchan/internal/model"
)

// hardTimeout is the ceiling every outbound call is bounded by,
// regardless of the caller's own context deadline (spec §4.I).
const hardTimeout = 8 * time.Second

const maxResponseBody = 5 * 1024 * 1024

// Adapter calls the Places provider API.
type Adapter struct {
	httpClient *http.Client
	baseURL    string
	apiKey     string

	cache  *responseCache
	single singleflight.Group
}

func New(baseURL, apiKey string, httpClient *http.Client) *Adapter {
	if httpClient == nil {
		httpClient = &http.Client{}
	}
	return &Adapter{
		httpClient: httpClient,
		baseURL:    baseURL,
		apiKey:     apiKey,
		cache:      newResponseCache(2 * time.Minute),
	}
}

// SearchText issues a TEXTSEARCH request.
func (a *Adapter) SearchText(ctx context.Context, p model.TextSearchParams) ([]model.Place, error) {
	body := map[string]any{
		"textQuery":     p.TextQuery,
		"includedTypes": []string{"restaurant"},
		"regionCode":    p.Region,
		"languageCode":  p.Language,
	}
	if p.Bias != nil {
		body["locationBias"] = map[string]any{
			"circle": map[string]any{
				"center": map[string]any{"latitude": p.Bias.Lat, "longitude": p.Bias.Lng},
				"radius": 5000,
			},
		}
	}
	return a.call(ctx, "/v1/places:searchText", body)
}

// SearchNearby issues a NEARBY request. rankPreference is always DISTANCE
// per spec §4.I.
func (a *Adapter) SearchNearby(ctx context.Context, p model.NearbyParams) ([]model.Place, error) {
	body := map[string]any{
		"includedTypes": []string{"restaurant"},
		"rankPreference": "DISTANCE",
		"regionCode":     p.Region,
		"languageCode":   p.Language,
		"locationRestriction": map[string]any{
			"circle": map[string]any{
				"center": map[string]any{"latitude": p.Location.Lat, "longitude": p.Location.Lng},
				"radius": p.RadiusMeters,
			},
		},
	}
	if p.Keyword != "" {
		body["keyword"] = p.Keyword
	}
	return a.call(ctx, "/v1/places:searchNearby", body)
}

// SearchAfterGeocode issues whichever request LandmarkParams.AfterGeocode
// names once geocoding has resolved the landmark to a point.
func (a *Adapter) SearchAfterGeocode(ctx context.Context, p model.LandmarkParams, geocoded model.LatLng) ([]model.Place, error) {
	switch p.AfterGeocode {
	case model.AfterGeocodeNearbySearch:
		return a.SearchNearby(ctx, model.NearbyParams{
			Location:     geocoded,
			RadiusMeters: p.RadiusMeters,
			Keyword:      p.Keyword,
			Region:       p.Region,
			Language:     p.Language,
		})
	case model.AfterGeocodeTextSearchWithBias:
		return a.SearchText(ctx, model.TextSearchParams{
			TextQuery: p.Keyword,
			Region:    p.Region,
			Language:  p.Language,
			Bias:      &geocoded,
		})
	default:
		return nil, model.NewError(model.KindInternal, fmt.Sprintf("provider: unknown afterGeocode %q", p.AfterGeocode), nil)
	}
}

// Geocode resolves a free-text landmark phrase to a point.
func (a *Adapter) Geocode(ctx context.Context, query, region string) (model.LatLng, error) {
	body := map[string]any{"address": query, "regionCode": region}
	raw, err := a.callRaw(ctx, "/v1/geocode", body)
	if err != nil {
		return model.LatLng{}, err
	}
	var out struct {
		Location model.LatLng `json:"location"`
	}
	if err := json.Unmarshal(raw, &out); err != nil {
		return model.LatLng{}, model.NewError(model.KindUpstreamError, "provider: decode geocode response", err)
	}
	return out.Location, nil
}

// maxPhotoBody caps a proxied photo response; the provider's media is
// already size-bounded on its side, this is a defensive ceiling.
const maxPhotoBody = 10 * 1024 * 1024

// FetchPhoto retrieves a photo's bytes given its provider-issued
// reference name (placeId/photos/photoId form) and an optional width cap.
// The API key is attached as a request header, never as a query
// parameter, so it cannot leak through a redirect URL a proxy might log.
func (a *Adapter) FetchPhoto(ctx context.Context, photoName string, maxWidthPx int) (string, []byte, error) {
	timeoutCtx, cancel := context.WithTimeout(ctx, hardTimeout)
	defer cancel()

	url := fmt.Sprintf("%s/v1/%s/media?maxWidthPx=%d", a.baseURL, photoName, maxWidthPx)
	req, err := http.NewRequestWithContext(timeoutCtx, http.MethodGet, url, nil)
	if err != nil {
		return "", nil, model.NewError(model.KindInternal, "provider: build photo request", err)
	}
	req.Header.Set("X-Goog-Api-Key", a.apiKey)

	resp, err := a.httpClient.Do(req)
	if err != nil {
		if timeoutCtx.Err() != nil {
			return "", nil, model.NewError(model.KindUpstreamTimeout, "provider: photo request timed out", err)
		}
		return "", nil, model.NewError(model.KindUpstreamError, "provider: fetch photo", err)
	}
	defer func() { _ = resp.Body.Close() }()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxPhotoBody))
	if err != nil {
		return "", nil, model.NewError(model.KindUpstreamError, "provider: read photo body", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return "", nil, model.NewError(model.KindUpstreamError, fmt.Sprintf("provider: photo returned %d", resp.StatusCode), nil)
	}
	return resp.Header.Get("Content-Type"), body, nil
}

// call performs a cached, deduplicated, centrally-timed-out request and
// decodes the provider's places array.
func (a *Adapter) call(ctx context.Context, path string, body map[string]any) ([]model.Place, error) {
	raw, err := a.callRaw(ctx, path, body)
	if err != nil {
		return nil, err
	}
	var out struct {
		Places []providerPlace `json:"places"`
	}
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, model.NewError(model.KindUpstreamError, "provider: decode places response", err)
	}
	results := make([]model.Place, 0, len(out.Places))
	for _, p := range out.Places {
		results = append(results, p.toModel())
	}
	return results, nil
}

// callRaw performs the request, satisfying reads from cache where
// possible. Cache reads race against their own independent timeout so a
// degraded cache backend can never stall the hard 8s ceiling; the timer
// is stopped on every exit path to avoid leaking it (spec §4.I).
func (a *Adapter) callRaw(ctx context.Context, path string, body map[string]any) ([]byte, error) {
	raw, err := json.Marshal(body)
	if err != nil {
		return nil, model.NewError(model.KindInternal, "provider: encode request", err)
	}
	cacheKey := path + ":" + string(raw)

	if cached, ok := a.cache.get(cacheKey); ok {
		return cached, nil
	}

	v, err, _ := a.single.Do(cacheKey, func() (any, error) {
		return a.doWithTimeout(ctx, path, raw)
	})
	if err != nil {
		return nil, err
	}
	result := v.([]byte)
	a.cache.set(cacheKey, result)
	return result, nil
}

func (a *Adapter) doWithTimeout(ctx context.Context, path string, body []byte) ([]byte, error) {
	timeoutCtx, cancel := context.WithTimeout(ctx, hardTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(timeoutCtx, http.MethodPost, a.baseURL+path, bytes.NewReader(body))
	if err != nil {
		return nil, model.NewError(model.KindInternal, "provider: build request", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Goog-Api-Key", a.apiKey)

	resp, err := a.httpClient.Do(req)
	if err != nil {
		if timeoutCtx.Err() != nil {
			return nil, model.NewError(model.KindUpstreamTimeout, "provider: request timed out", err)
		}
		return nil, model.NewError(model.KindUpstreamError, "provider: send request", err)
	}
	defer func() { _ = resp.Body.Close() }()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBody))
	if err != nil {
		return nil, model.NewError(model.KindUpstreamError, "provider: read response", err)
	}

	// Non-2xx is always a failure, never reported as empty success
	// (spec §4.I): the orchestrator must see an error here and mark the
	// job FAILED, not silently return zero results.
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, model.NewError(model.KindUpstreamError, fmt.Sprintf("provider: unexpected status %d", resp.StatusCode), nil)
	}
	return respBody, nil
}

type providerDisplayName struct {
	Text string `json:"text"`
}

type providerPhoto struct {
	Name string `json:"name"`
}

type providerPlace struct {
	ID              string              `json:"id"`
	DisplayName     providerDisplayName `json:"displayName"`
	Location        model.LatLng        `json:"location"`
	Rating          *float64            `json:"rating,omitempty"`
	UserRatingCount *int                `json:"userRatingCount,omitempty"`
	PriceLevel      *int                `json:"priceLevel,omitempty"`
	CurrentOpenNow  *bool               `json:"currentOpeningHours.openNow,omitempty"`
	Photos          []providerPhoto     `json:"photos,omitempty"`
	Types           []string            `json:"types,omitempty"`
}

func (p providerPlace) toModel() model.Place {
	photoRefs := make([]string, 0, len(p.Photos))
	for _, ph := range p.Photos {
		photoRefs = append(photoRefs, ph.Name)
	}
	return model.Place{
		ID:               p.ID,
		Name:             p.DisplayName.Text,
		Location:         p.Location,
		Rating:           p.Rating,
		UserRatingsTotal: p.UserRatingCount,
		PriceLevel:       p.PriceLevel,
		OpenNow:          p.CurrentOpenNow,
		PhotoReferences:  photoRefs,
		Tags:             p.Types,
	}
}
