package intent

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/shulchan/shulchan/internal/llmclient"
	"github.com/shulchan/shulchan/internal/model"
)

func chatServer(t *testing.T, content string) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{
			"choices": []map[string]any{
				{"message": map[string]any{"content": content}},
			},
		})
	}))
}

func TestClassify_Textsearch(t *testing.T) {
	server := chatServer(t, `{"route":"TEXTSEARCH","region":"IL","language":"he","confidence":0.8,"reason":"city mentioned"}`)
	defer server.Close()

	c := New(llmclient.New(server.URL, "key", "model", nil))
	result, err := c.Classify(context.Background(), "best sushi in tel aviv", "he")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result.Route != model.RouteTextSearch {
		t.Errorf("expected TEXTSEARCH, got %v", result.Route)
	}
}

func TestClassify_Landmark(t *testing.T) {
	server := chatServer(t, `{"route":"LANDMARK","region":"FR","language":"en","confidence":0.85,"reason":"named landmark anchor"}`)
	defer server.Close()

	c := New(llmclient.New(server.URL, "key", "model", nil))
	result, err := c.Classify(context.Background(), "restaurants 800m from the Eiffel Tower", "en")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result.Route != model.RouteLandmark {
		t.Errorf("expected LANDMARK, got %v", result.Route)
	}
}

func TestClassify_PropagatesUpstreamError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer server.Close()

	c := New(llmclient.New(server.URL, "key", "model", nil))
	_, err := c.Classify(context.Background(), "pizza", "en")
	if err == nil {
		t.Fatal("expected error, got nil")
	}
}
