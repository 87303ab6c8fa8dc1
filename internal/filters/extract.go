// Package filters implements the shared-filters extractor and post-filter
// engine (spec §4.E, §4.J): a bounded LLM extraction of {openState,
// priceIntent, minRatingBucket}, deterministic tightening into
// FinalFilters, and the pure applyPostFilters auto-relax policy.
package filters

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/shulchan/shulchan/internal/llmclient"
	"github.com/shulchan/shulchan/internal/model"
)

const extractTimeout = 900 * time.Millisecond

var extractPromptRules = `Extract filters from the query:
openState: "open now"/"פתוח עכשיו" -> OPEN_NOW; "open at HH:MM" -> OPEN_AT with openAt; "open H1-H2" -> OPEN_BETWEEN with openBetween.
priceIntent: cheap/budget/זול -> CHEAP; moderate/medium/בינוני -> MID; expensive/luxury/יקר -> EXPENSIVE.
minRatingBucket: "3.5+/סביר" -> R35; "4+/high rated/דירוג גבוה" -> R40; "4.5+/best/הכי טובים" -> R45.
Omit any field you cannot infer from the query.`

var extractSchema = map[string]any{
	"type": "object",
	"properties": map[string]any{
		"language":        map[string]any{"type": "string"},
		"openState":       map[string]any{"type": "string"},
		"openAt":          map[string]any{"type": "string"},
		"openBetween":     map[string]any{"type": "string"},
		"regionHint":      map[string]any{"type": "string"},
		"priceIntent":     map[string]any{"type": "string"},
		"minRatingBucket": map[string]any{"type": "string"},
	},
}

// Extractor runs the shared-filters LLM call.
type Extractor struct {
	llm    *llmclient.Client
	logger *slog.Logger
}

func NewExtractor(llm *llmclient.Client, logger *slog.Logger) *Extractor {
	return &Extractor{llm: llm, logger: logger}
}

// Extract calls the shared-filters LLM with a ≤900ms timeout and no
// retry. On any failure or timeout it returns the safe fallback
// (spec §4.E) rather than propagating an error: the caller runs this in
// parallel with the provider call and must never let it block the
// pipeline.
func (e *Extractor) Extract(ctx context.Context, query, route, userHints string) model.PreGoogleBaseFilters {
	callCtx, cancel := context.WithTimeout(ctx, extractTimeout)
	defer cancel()

	messages := []llmclient.Message{
		{Role: "system", Content: extractPromptRules},
		{Role: "user", Content: fmt.Sprintf("query: %q\nroute: %q\nuserHints: %q", query, route, userHints)},
	}

	var out model.PreGoogleBaseFilters
	if err := e.llm.CompleteJSONNoRetry(callCtx, messages, extractSchema, nil, &out); err != nil {
		e.logger.Warn("filters: extraction failed, using safe fallback", "error", err)
		return model.SafeFallbackFilters()
	}
	return out
}
