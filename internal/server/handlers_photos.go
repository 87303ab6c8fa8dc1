package server

import (
	"fmt"
	"net/http"

	"github.com/shulchan/shulchan/internal/model"
)

// HandlePhoto proxies a provider photo's bytes so the provider API key
// never reaches the browser, either in a returned URL or an error body.
func (h *Handlers) HandlePhoto(w http.ResponseWriter, r *http.Request) {
	placeID := r.PathValue("placeId")
	photoID := r.PathValue("photoId")
	if isBlank(placeID) || isBlank(photoID) {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInputInvalid, "placeId and photoId are required")
		return
	}

	maxWidthPx := 800
	if raw := r.URL.Query().Get("maxWidthPx"); raw != "" {
		if n, err := parsePositiveInt(raw); err == nil {
			maxWidthPx = n
		}
	}

	photoName := fmt.Sprintf("places/%s/photos/%s", placeID, photoID)
	contentType, body, err := h.provider.FetchPhoto(r.Context(), photoName, maxWidthPx)
	if err != nil {
		status, code := statusAndCodeForKind(model.KindOf(err))
		writeError(w, r, status, code, "photo unavailable")
		return
	}

	w.Header().Set("Content-Type", contentType)
	w.Header().Set("Cache-Control", "public, max-age=86400")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(body)
}

func parsePositiveInt(s string) (int, error) {
	n := 0
	if s == "" {
		return 0, fmt.Errorf("empty")
	}
	for _, c := range s {
		if c < '0' || c > '9' {
			return 0, fmt.Errorf("not a number: %q", s)
		}
		n = n*10 + int(c-'0')
	}
	if n <= 0 {
		return 0, fmt.Errorf("not positive: %q", s)
	}
	return n, nil
}
