// Package intent implements the intent classifier (spec §4.G): resolves a
// query to one of TEXTSEARCH, NEARBY, or LANDMARK.
package intent

import (
	"context"
	"fmt"
	"time"

	"github.com/shulchan/shulchan/internal/llmclient"
	"github.com/shulchan/shulchan/internal/model"
)

const callTimeout = 3500 * time.Millisecond

var schema = map[string]any{
	"type": "object",
	"properties": map[string]any{
		"route":      map[string]any{"type": "string", "enum": []string{"TEXTSEARCH", "NEARBY", "LANDMARK"}},
		"region":     map[string]any{"type": "string"},
		"language":   map[string]any{"type": "string"},
		"confidence": map[string]any{"type": "number"},
		"reason":     map[string]any{"type": "string"},
	},
	"required": []string{"route", "region", "language", "confidence", "reason"},
}

const systemPrompt = `Classify a restaurant search query's routing intent.
NEARBY applies only to distance from the user themselves ("near me", "nearby", "ליד", "ממני").
Distance from a named landmark ("800m from the Eiffel Tower") is LANDMARK, not NEARBY.
LANDMARK applies to any named-place anchor: a street, a point of interest, a foreign landmark.
TEXTSEARCH applies otherwise, and only if the query names a location anchor.`

type Classifier struct {
	llm *llmclient.Client
}

func New(llm *llmclient.Client) *Classifier {
	return &Classifier{llm: llm}
}

// Classify calls the intent LLM with a ≤3.5s timeout and one retry
// (enforced by llmclient). Callers are responsible for the orchestrator's
// near-me pre-check overriding the route to NEARBY before this stage even
// runs, per spec §4.L step 3.
func (c *Classifier) Classify(ctx context.Context, query, uiLocale string) (model.IntentResult, error) {
	callCtx, cancel := context.WithTimeout(ctx, callTimeout)
	defer cancel()

	messages := []llmclient.Message{
		{Role: "system", Content: systemPrompt},
		{Role: "user", Content: fmt.Sprintf("query: %q\nuiLocale: %q", query, uiLocale)},
	}

	var out model.IntentResult
	if err := c.llm.CompleteJSON(callCtx, messages, schema, nil, &out); err != nil {
		return model.IntentResult{}, err
	}
	return out, nil
}
