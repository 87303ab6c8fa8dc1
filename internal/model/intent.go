package model

// Route is the route the intent classifier resolves to (spec §3, §4.G).
type Route string

const (
	RouteTextSearch Route = "TEXTSEARCH"
	RouteNearby     Route = "NEARBY"
	RouteLandmark   Route = "LANDMARK"
)

// IntentResult is the intent classifier's output.
type IntentResult struct {
	Route      Route   `json:"route"`
	Region     string  `json:"region"`
	Language   string  `json:"language"`
	Confidence float64 `json:"confidence"`
	Reason     string  `json:"reason"`
}
