package model

// Place is a normalized provider result (spec §3). Any field that would
// encode a provider key or signed URL must never be populated here;
// photos are opaque reference identifiers only.
type Place struct {
	ID               string   `json:"id"`
	Name             string   `json:"name"`
	Location         LatLng   `json:"location"`
	Rating           *float64 `json:"rating,omitempty"`
	UserRatingsTotal *int     `json:"userRatingsTotal,omitempty"`
	PriceLevel       *int     `json:"priceLevel,omitempty"` // 0..4
	OpenNow          *bool    `json:"openNow,omitempty"`
	PhotoReferences  []string `json:"photoReferences,omitempty"`
	Tags             []string `json:"tags,omitempty"`

	// DeepLinks is populated asynchronously by enrichment RESULT_PATCH
	// events; absent until at least one provider resolves.
	DeepLinks map[string]DeepLink `json:"deepLinks,omitempty"`
}

// DeepLink is an enrichment worker's resolution for one delivery/booking
// provider against one place.
type DeepLink struct {
	Status EnrichmentStatus `json:"status"`
	URL    string           `json:"url,omitempty"`
}

// Chip is a UI affordance surfaced alongside results; the core never
// populates this today but the response shape reserves it (spec §4.L).
type Chip struct {
	Label string `json:"label"`
	Value string `json:"value"`
}

// AssistantMessageType enumerates the kinds of assistant-facing message
// the orchestrator or SSE stream can emit.
type AssistantMessageType string

const (
	AssistantGateFail         AssistantMessageType = "GATE_FAIL"
	AssistantClarify          AssistantMessageType = "CLARIFY"
	AssistantStop             AssistantMessageType = "STOP"
	AssistantGenericNarration AssistantMessageType = "GENERIC_QUERY_NARRATION"
	AssistantSummary          AssistantMessageType = "SUMMARY"
)

// Assist is the assistant portion of a SearchResponse.
type Assist struct {
	Type    AssistantMessageType `json:"type"`
	Message string               `json:"message"`
}

// ResponseQuery echoes the parsed query alongside the response.
type ResponseQuery struct {
	Original string   `json:"original"`
	Parsed   string   `json:"parsed"`
	Language Language `json:"language"`
}

// ResponseMetaInfo is the meta block of a SearchResponse (spec §4.L stage 8).
type ResponseMetaInfo struct {
	TookMs         int64          `json:"tookMs"`
	Mode           string         `json:"mode"`
	Confidence     float64        `json:"confidence"`
	AppliedFilters AppliedFilters `json:"appliedFilters"`
	Source         string         `json:"source"`
	FailureReason  FailureReason  `json:"failureReason"`
}

// SearchResponse is the orchestrator's final response assembly.
type SearchResponse struct {
	RequestID string           `json:"requestId"`
	Query     ResponseQuery    `json:"query"`
	Results   []Place          `json:"results"`
	Chips     []Chip           `json:"chips"`
	Assist    *Assist          `json:"assist,omitempty"`
	Meta      ResponseMetaInfo `json:"meta"`
}
