package llmclient

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/shulchan/shulchan/internal/model"
)

type extraction struct {
	Cuisine string `json:"cuisine"`
}

func chatServer(t *testing.T, content string, status int) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			t.Errorf("unexpected method: %s", r.Method)
		}
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		_ = json.NewEncoder(w).Encode(chatResponse{
			Choices: []struct {
				Message struct {
					Content string `json:"content"`
				} `json:"message"`
			}{{Message: struct {
				Content string `json:"content"`
			}{Content: content}}},
		})
	}))
}

func TestCompleteJSON_Success(t *testing.T) {
	server := chatServer(t, `{"cuisine":"italian"}`, http.StatusOK)
	defer server.Close()

	c := New(server.URL, "test-key", "gpt-test", nil)
	var out extraction
	err := c.CompleteJSON(context.Background(), []Message{{Role: "user", Content: "find pasta"}}, nil, nil, &out)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if out.Cuisine != "italian" {
		t.Errorf("expected italian, got %q", out.Cuisine)
	}
}

func TestCompleteJSON_SchemaMismatch(t *testing.T) {
	server := chatServer(t, `not json at all`, http.StatusOK)
	defer server.Close()

	c := New(server.URL, "test-key", "gpt-test", nil)
	var out extraction
	err := c.CompleteJSON(context.Background(), nil, nil, nil, &out)
	if model.KindOf(err) != model.KindLLMSchemaMismatch {
		t.Errorf("expected KindLLMSchemaMismatch, got %v (%v)", model.KindOf(err), err)
	}
}

func TestCompleteJSON_UpstreamErrorRetriesOnce(t *testing.T) {
	var calls int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer server.Close()

	c := New(server.URL, "test-key", "gpt-test", nil)
	var out extraction
	err := c.CompleteJSON(context.Background(), nil, nil, nil, &out)
	if err == nil {
		t.Fatal("expected error, got nil")
	}
	if got := atomic.LoadInt32(&calls); got != 2 {
		t.Errorf("expected exactly one retry (2 calls total), got %d", got)
	}
}

func TestCompleteJSONNoRetry_DoesNotRetry(t *testing.T) {
	var calls int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer server.Close()

	c := New(server.URL, "test-key", "gpt-test", nil)
	var out extraction
	err := c.CompleteJSONNoRetry(context.Background(), nil, nil, nil, &out)
	if err == nil {
		t.Fatal("expected error, got nil")
	}
	if got := atomic.LoadInt32(&calls); got != 1 {
		t.Errorf("expected exactly one call with no retry, got %d", got)
	}
}

func TestCompleteJSON_TimeoutClassification(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(50 * time.Millisecond)
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	c := New(server.URL, "test-key", "gpt-test", nil)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()

	var out extraction
	err := c.CompleteJSON(ctx, nil, nil, nil, &out)
	if model.KindOf(err) != model.KindLLMTimeout {
		t.Errorf("expected KindLLMTimeout, got %v (%v)", model.KindOf(err), err)
	}
}

func TestCompleteJSON_StaticSchemaSentToVendorVerbatim(t *testing.T) {
	var gotSchema map[string]any
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req chatRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Fatalf("decode request: %v", err)
		}
		gotSchema = req.ResponseFormat.JSONSchema["schema"].(map[string]any)
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(chatResponse{
			Choices: []struct {
				Message struct {
					Content string `json:"content"`
				} `json:"message"`
			}{{Message: struct {
				Content string `json:"content"`
			}{Content: `{"cuisine":"italian"}`}}},
		})
	}))
	defer server.Close()

	c := New(server.URL, "test-key", "gpt-test", nil)
	responseSchema := map[string]any{"type": "object", "properties": map[string]any{"cuisine": map[string]any{"type": "string"}}}
	vendorSchema := map[string]any{"type": "object", "additionalProperties": false}

	var out extraction
	err := c.CompleteJSON(context.Background(), nil, responseSchema, vendorSchema, &out)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if gotSchema["additionalProperties"] != false {
		t.Errorf("expected the vendor to receive staticSchema, got %v", gotSchema)
	}
	if out.Cuisine != "italian" {
		t.Errorf("response should still be decoded normally, got %q", out.Cuisine)
	}
}

func TestFormatFor(t *testing.T) {
	t.Run("nil schema uses json_object", func(t *testing.T) {
		f := formatFor(nil)
		if f.Type != "json_object" {
			t.Errorf("expected json_object, got %q", f.Type)
		}
	})

	t.Run("schema uses json_schema strict mode", func(t *testing.T) {
		f := formatFor(map[string]any{"type": "object"})
		if f.Type != "json_schema" {
			t.Errorf("expected json_schema, got %q", f.Type)
		}
		if f.JSONSchema["strict"] != true {
			t.Errorf("expected strict true")
		}
	})
}
