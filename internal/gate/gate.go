// Package gate implements the gate classifier (spec §4.F): the first LLM
// call in the pipeline, deciding whether a query carries a food signal at
// all before any further (and more expensive) classification runs.
package gate

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/shulchan/shulchan/internal/llmclient"
	"github.com/shulchan/shulchan/internal/model"
)

const callTimeout = 2500 * time.Millisecond

var schema = map[string]any{
	"type": "object",
	"properties": map[string]any{
		"foodSignal": map[string]any{"type": "boolean"},
		"language":   map[string]any{"type": "string"},
		"region":     map[string]any{"type": "string"},
		"confidence": map[string]any{"type": "number"},
	},
	"required": []string{"foodSignal", "language", "region", "confidence"},
}

// Classifier runs the gate stage against an llmclient.Client.
type Classifier struct {
	llm    *llmclient.Client
	logger *slog.Logger
}

func New(llm *llmclient.Client, logger *slog.Logger) *Classifier {
	return &Classifier{llm: llm, logger: logger}
}

type rawOutput struct {
	FoodSignal bool    `json:"foodSignal"`
	Language   string  `json:"language"`
	Region     string  `json:"region"`
	Confidence float64 `json:"confidence"`
}

// Classify calls the gate LLM with a ≤2.5s timeout and one retry (enforced
// by llmclient itself). On timeout exhaustion, it returns CONTINUE with
// confidence 0 and logs a warning, per spec §4.F — the gate must never
// itself become an availability failure for the pipeline.
func (c *Classifier) Classify(ctx context.Context, query, uiLocale string) model.GateResult {
	callCtx, cancel := context.WithTimeout(ctx, callTimeout)
	defer cancel()

	messages := []llmclient.Message{
		{Role: "system", Content: "Classify whether the user query expresses intent to find a restaurant or food establishment. Respond with foodSignal, language (ISO-2), region (ISO-2 if inferable), and confidence (0-1)."},
		{Role: "user", Content: fmt.Sprintf("query: %q\nuiLocale: %q", query, uiLocale)},
	}

	var out rawOutput
	if err := c.llm.CompleteJSON(callCtx, messages, schema, nil, &out); err != nil {
		c.logger.Warn("gate: classification failed, defaulting to CONTINUE", "error", err)
		return model.GateResult{Decision: model.GateContinue, Confidence: 0}
	}

	decision := model.Decide(out.FoodSignal, out.Confidence)
	return model.GateResult{
		FoodSignal: out.FoodSignal,
		Language:   out.Language,
		Region:     out.Region,
		Confidence: out.Confidence,
		Decision:   decision,
	}
}
