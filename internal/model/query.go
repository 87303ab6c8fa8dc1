package model

// LatLng is a point on the earth's surface.
type LatLng struct {
	Lat float64 `json:"lat"`
	Lng float64 `json:"lng"`
}

// QueryInput is the free-form request a client submits to /api/v1/search.
type QueryInput struct {
	Query        string                `json:"query"`
	UserLocation *LatLng               `json:"userLocation,omitempty"`
	CityText     string                `json:"cityText,omitempty"`
	Locale       string                `json:"locale,omitempty"`
	SessionID    string                `json:"sessionId,omitempty"`
	Filters      *PreGoogleBaseFilters `json:"filters,omitempty"`
}

// Language is one of the six assistant-facing languages spec §3 allows.
type Language string

const (
	LangHebrew  Language = "he"
	LangEnglish Language = "en"
	LangArabic  Language = "ar"
	LangRussian Language = "ru"
	LangFrench  Language = "fr"
	LangSpanish Language = "es"
	DefaultLang Language = LangEnglish
)
