package model

import "time"

// EnrichmentStatus is the outcome of a single provider's deep-link
// resolution attempt for one place.
type EnrichmentStatus string

const (
	EnrichmentFound    EnrichmentStatus = "FOUND"
	EnrichmentNotFound EnrichmentStatus = "NOT_FOUND"
	EnrichmentPending  EnrichmentStatus = "PENDING" // never visible to a client
)

// EnrichmentCacheEntry is keyed (provider, placeId) -> this, TTL-expiring.
type EnrichmentCacheEntry struct {
	Status    EnrichmentStatus `json:"status"`
	URL       string           `json:"url,omitempty"`
	ExpiresAt time.Time        `json:"expiresAt"`
}

// EnrichmentJob is enqueued by the orchestrator and consumed by a single
// per-provider worker.
type EnrichmentJob struct {
	RequestID string
	PlaceID   string
	Name      string
	CityText  string
	Provider  string
}

// ResultPatch is the push event emitted as each enrichment job resolves.
type ResultPatch struct {
	Type      string           `json:"type"` // always "RESULT_PATCH"
	RequestID string           `json:"requestId"`
	PlaceID   string           `json:"placeId"`
	Provider  string           `json:"provider"`
	Status    EnrichmentStatus `json:"status"`
	URL       string           `json:"url,omitempty"`
}
