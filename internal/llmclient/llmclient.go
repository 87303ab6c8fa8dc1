// Package llmclient provides a schema-constrained JSON chat-completion
// client for the gate, intent, and shared-filters extraction stages.
//
// Grounded on internal/service/embedding's OpenAIProvider: a thin HTTP
// wrapper that marshals a request body, posts it, and unmarshals a typed
// response. The retry shape (single retry after a fixed backoff) is
// grounded on internal/storage/retry.go's WithRetry, simplified from
// exponential-with-jitter to the spec's fixed 500ms since there is no
// serialization conflict to back off from, just upstream latency.
package llmclient

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/shulchan/shulchan/internal/model"
)

const maxResponseBody = 2 * 1024 * 1024

// retryBackoff is the fixed delay before the single allowed retry
// (spec §4.D: "at most one retry, fixed 500ms backoff").
const retryBackoff = 500 * time.Millisecond

// Message is a single chat turn.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// Client calls a JSON-mode chat-completion endpoint and decodes the
// response into a caller-provided schema.
type Client struct {
	apiKey     string
	model      string
	endpoint   string
	httpClient *http.Client
}

// New creates a Client. endpoint is the full chat-completions URL;
// httpClient may be nil to use http.DefaultClient's transport with no
// client-level timeout (callers always bound calls via context instead,
// since each stage has its own budget).
func New(endpoint, apiKey, modelName string, httpClient *http.Client) *Client {
	if httpClient == nil {
		httpClient = &http.Client{}
	}
	return &Client{apiKey: apiKey, model: modelName, endpoint: endpoint, httpClient: httpClient}
}

type chatRequest struct {
	Model          string          `json:"model"`
	Messages       []Message       `json:"messages"`
	ResponseFormat *responseFormat `json:"response_format,omitempty"`
}

type responseFormat struct {
	Type       string         `json:"type"`
	JSONSchema map[string]any `json:"json_schema,omitempty"`
}

type chatResponse struct {
	Choices []struct {
		Message struct {
			Content string `json:"content"`
		} `json:"message"`
	} `json:"choices"`
	Error *struct {
		Message string `json:"message"`
		Type    string `json:"type"`
	} `json:"error"`
}

// CompleteJSON sends messages to the model, constrained to emit JSON
// matching schema (a JSON Schema object, may be nil for "any JSON"), and
// decodes the result into out. The call is bounded by ctx's deadline; on
// timeout or transport failure it retries exactly once after
// retryBackoff, then gives up. out must be a pointer. staticSchema, when
// non-nil, is sent to the vendor verbatim as the constrained-output
// schema instead of schema; schema is always what the response is
// validated (decoded) against, regardless of which schema the vendor saw.
func (c *Client) CompleteJSON(ctx context.Context, messages []Message, schema, staticSchema map[string]any, out any) error {
	return c.completeJSON(ctx, messages, schema, staticSchema, out, true)
}

// CompleteJSONNoRetry is identical to CompleteJSON but never retries.
// Several pipeline stages (shared-filters extraction, the textsearch and
// landmark route mappers) have a no-retry contract in spec §4.E/§4.H.
func (c *Client) CompleteJSONNoRetry(ctx context.Context, messages []Message, schema, staticSchema map[string]any, out any) error {
	return c.completeJSON(ctx, messages, schema, staticSchema, out, false)
}

func (c *Client) completeJSON(ctx context.Context, messages []Message, schema, staticSchema map[string]any, out any, retry bool) error {
	vendorSchema := staticSchema
	if vendorSchema == nil {
		vendorSchema = schema
	}
	body, err := json.Marshal(chatRequest{
		Model:          c.model,
		Messages:       messages,
		ResponseFormat: formatFor(vendorSchema),
	})
	if err != nil {
		return model.NewError(model.KindInternal, "llmclient: encode request", err)
	}

	var raw []byte
	if retry {
		raw, err = c.doWithRetry(ctx, body)
	} else {
		raw, err = c.do(ctx, body)
	}
	if err != nil {
		return err
	}

	var resp chatResponse
	if err := json.Unmarshal(raw, &resp); err != nil {
		return model.NewError(model.KindLLMParseError, "llmclient: decode envelope", err)
	}
	if resp.Error != nil {
		return model.NewError(model.KindLLMTransport, fmt.Sprintf("llmclient: upstream error: %s", resp.Error.Message), nil)
	}
	if len(resp.Choices) == 0 {
		return model.NewError(model.KindLLMParseError, "llmclient: no choices returned", nil)
	}

	content := resp.Choices[0].Message.Content
	if err := json.Unmarshal([]byte(content), out); err != nil {
		return model.NewError(model.KindLLMSchemaMismatch, "llmclient: content does not match schema", err)
	}
	return nil
}

func (c *Client) doWithRetry(ctx context.Context, body []byte) ([]byte, error) {
	raw, err := c.do(ctx, body)
	if err == nil {
		return raw, nil
	}
	if !isRetriable(err) {
		return nil, err
	}

	select {
	case <-ctx.Done():
		return nil, model.NewError(model.KindLLMTimeout, "llmclient: context done before retry", ctx.Err())
	case <-time.After(retryBackoff):
	}

	raw, err = c.do(ctx, body)
	if err != nil {
		return nil, err
	}
	return raw, nil
}

func (c *Client) do(ctx context.Context, body []byte) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, model.NewError(model.KindInternal, "llmclient: build request", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+c.apiKey)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return nil, model.NewError(model.KindLLMTimeout, "llmclient: request timed out", err)
		}
		return nil, model.NewError(model.KindLLMTransport, "llmclient: send request", err)
	}
	defer func() { _ = resp.Body.Close() }()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBody))
	if err != nil {
		return nil, model.NewError(model.KindLLMTransport, "llmclient: read response", err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, model.NewError(model.KindLLMTransport, fmt.Sprintf("llmclient: unexpected status %d", resp.StatusCode), nil)
	}
	return raw, nil
}

// isRetriable allows exactly one retry for timeouts and transport
// failures; a parse or schema mismatch from a successful response is not
// retried, since retrying an identical request would reproduce it.
func isRetriable(err error) bool {
	var e *model.Error
	if !errors.As(err, &e) {
		return false
	}
	return e.Kind == model.KindLLMTimeout || e.Kind == model.KindLLMTransport
}

func formatFor(schema map[string]any) *responseFormat {
	if schema == nil {
		return &responseFormat{Type: "json_object"}
	}
	return &responseFormat{
		Type: "json_schema",
		JSONSchema: map[string]any{
			"name":   "extraction",
			"schema": schema,
			"strict": true,
		},
	}
}
