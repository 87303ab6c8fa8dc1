package enrichment

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"

	"github.com/shulchan/shulchan/internal/model"
)

// maxSearchResponseBody caps the response body read, mirroring
// llmclient's maxResponseBody guard against a misbehaving upstream.
const maxSearchResponseBody = 1 * 1024 * 1024

// HTTPSearchClient implements SearchWebAdapter against a generic
// key-authenticated web-search endpoint (the spec treats the vendor
// itself as out of scope, exposed only as searchWeb(query, topN)).
// endpoint is expected to accept ?q=&count= and a bearer API key, the
// shape shared by most hosted search APIs.
type HTTPSearchClient struct {
	apiKey     string
	endpoint   string
	httpClient *http.Client
}

func NewHTTPSearchClient(endpoint, apiKey string, httpClient *http.Client) *HTTPSearchClient {
	if httpClient == nil {
		httpClient = &http.Client{}
	}
	return &HTTPSearchClient{apiKey: apiKey, endpoint: endpoint, httpClient: httpClient}
}

type webSearchResponse struct {
	Results []struct {
		URL string `json:"url"`
	} `json:"results"`
}

func (c *HTTPSearchClient) SearchWeb(ctx context.Context, query string, topN int) ([]string, error) {
	reqURL := fmt.Sprintf("%s?q=%s&count=%d", c.endpoint, url.QueryEscape(query), topN)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, reqURL, nil)
	if err != nil {
		return nil, model.NewError(model.KindInternal, "enrichment: build search request", err)
	}
	req.Header.Set("Authorization", "Bearer "+c.apiKey)
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, model.NewError(model.KindUpstreamError, "enrichment: search request failed", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxSearchResponseBody))
	if err != nil {
		return nil, model.NewError(model.KindUpstreamError, "enrichment: read search response", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, model.NewError(model.KindUpstreamError, fmt.Sprintf("enrichment: search returned %d", resp.StatusCode), nil)
	}

	var parsed webSearchResponse
	if err := json.Unmarshal(body, &parsed); err != nil {
		return nil, model.NewError(model.KindUpstreamError, "enrichment: decode search response", err)
	}

	urls := make([]string, 0, len(parsed.Results))
	for _, r := range parsed.Results {
		if r.URL != "" {
			urls = append(urls, r.URL)
		}
	}
	return urls, nil
}

var _ SearchWebAdapter = (*HTTPSearchClient)(nil)
