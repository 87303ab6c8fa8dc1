package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/shulchan/shulchan/internal/ctxutil"
	"github.com/shulchan/shulchan/internal/model"
	"github.com/shulchan/shulchan/internal/push"
)

type asyncSearchResponse struct {
	RequestID string `json:"requestId"`
	ResultURL string `json:"resultUrl"`
}

type resultPendingResponse struct {
	Status   model.JobStatus `json:"status"`
	Progress int             `json:"progress"`
}

// HandleSearch dispatches a query through the orchestrator, either
// synchronously (mode=sync, the default) or as a background job polled
// via HandleSearchResult (mode=async).
func (h *Handlers) HandleSearch(w http.ResponseWriter, r *http.Request) {
	var input model.QueryInput
	if err := decodeJSON(r, &input, h.maxRequestBodyBytes); err != nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidJSON, "invalid request body")
		return
	}
	if isBlank(input.Query) {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInputInvalid, "query is required")
		return
	}

	claims := ctxutil.ClaimsFromContext(r.Context())
	input.SessionID = claims.SessionID
	requestID := uuid.New().String()

	if r.URL.Query().Get("mode") == "async" {
		idemKey := strings.TrimSpace(r.Header.Get("Idempotency-Key"))
		if idemKey != "" {
			existingID, reserved, err := h.store.ReserveIdempotencyKey(r.Context(), claims.SessionID, idemKey, requestID)
			if err != nil {
				h.logger.Warn("search: idempotency key reservation failed, proceeding without dedup", "requestId", requestID, "error", err)
			} else if !reserved {
				writeJSON(w, r, http.StatusAccepted, asyncSearchResponse{
					RequestID: existingID,
					ResultURL: resultURLFor(existingID),
				})
				return
			}
		}
		h.handleSearchAsync(w, r, requestID, claims.SessionID, claims.UserID, input)
		return
	}
	h.handleSearchSync(w, r, requestID, input)
}

func (h *Handlers) handleSearchSync(w http.ResponseWriter, r *http.Request, requestID string, input model.QueryInput) {
	resp, err := h.orch.Run(r.Context(), requestID, input)
	if err != nil {
		status, code := statusAndCodeForKind(model.KindOf(err))
		writeError(w, r, status, code, err.Error())
		return
	}
	writeJSON(w, r, http.StatusOK, resp)
}

func (h *Handlers) handleSearchAsync(w http.ResponseWriter, r *http.Request, requestID, sessionID, userID string, input model.QueryInput) {
	if !h.store.IsAvailable(r.Context()) {
		h.logger.Warn("search: job store unavailable before first write, continuing async run", "requestId", requestID)
	}

	if err := h.store.CreateJob(r.Context(), requestID, sessionID, userID); err != nil {
		h.logger.Warn("search: job store create failed, continuing async run", "requestId", requestID, "error", err)
	}

	// The run must outlive this handler's response, so it gets a detached
	// context rather than r.Context(), which is cancelled the moment the
	// 202 is written.
	go h.runAsync(context.Background(), requestID, input)

	writeJSON(w, r, http.StatusAccepted, asyncSearchResponse{
		RequestID: requestID,
		ResultURL: resultURLFor(requestID),
	})
}

func (h *Handlers) runAsync(ctx context.Context, requestID string, input model.QueryInput) {
	if err := h.store.SetStatus(ctx, requestID, model.JobRunning, 0); err != nil {
		h.logger.Warn("search: job store status update failed", "requestId", requestID, "error", err)
	}

	resp, err := h.orch.Run(ctx, requestID, input)
	if err != nil {
		_, code := statusAndCodeForKind(model.KindOf(err))
		if setErr := h.store.SetError(ctx, requestID, code, err.Error()); setErr != nil {
			h.logger.Warn("search: job store error-write failed", "requestId", requestID, "error", setErr)
		}
		return
	}
	if setErr := h.store.SetResult(ctx, requestID, resp, len(resp.Results)); setErr != nil {
		h.logger.Warn("search: job store result-write failed", "requestId", requestID, "error", setErr)
	}
}

// HandleSearchResult polls an async job's status. Any ownership mismatch,
// including a legacy job recorded with no owner at all, is reported as a
// plain 404 (spec §6: "never 403, non-disclosure").
func (h *Handlers) HandleSearchResult(w http.ResponseWriter, r *http.Request) {
	requestID := r.PathValue("requestId")
	claims := ctxutil.ClaimsFromContext(r.Context())

	job, ok, err := h.store.Get(r.Context(), requestID)
	if err != nil {
		writeInternalError(h.logger, w, r, "read job", err)
		return
	}
	if !ok || !job.OwnedBy(claims.SessionID) {
		writeError(w, r, http.StatusNotFound, model.ErrCodeNotFound, "no such result")
		return
	}

	switch job.Status {
	case model.JobDoneSuccess:
		writeJSON(w, r, http.StatusOK, job.Result)
	case model.JobDoneFailure:
		code := model.ErrCodeInternal
		message := "search failed"
		if job.Err != nil {
			code, message = job.Err.Code, job.Err.Message
		}
		writeError(w, r, http.StatusInternalServerError, code, message)
	default:
		writeJSON(w, r, http.StatusAccepted, resultPendingResponse{Status: job.Status, Progress: job.Progress})
	}
}

// summaryMessages backs the SUMMARY-typed message the SSE stream
// synthesizes once a result is ready (spec §6's literal event sequence
// names a GENERIC_QUERY_NARRATION/SUMMARY message pair; the orchestrator
// itself only ever publishes a bare "ready" event today, so the narration
// text for the ready path lives here rather than in internal/orchestrator).
var summaryMessages = map[model.Language]string{
	model.LangHebrew:  "הנה מה שמצאתי עבורכם.",
	model.LangEnglish: "Here's what I found for you.",
}

func summaryMessage(lang model.Language) string {
	if msg, ok := summaryMessages[lang]; ok {
		return msg
	}
	return summaryMessages[model.LangEnglish]
}

var narrationMessages = map[model.Language]string{
	model.LangHebrew:  "מחפש בשבילכם עכשיו.",
	model.LangEnglish: "Searching for you now.",
}

func narrationMessage(lang model.Language) string {
	if msg, ok := narrationMessages[lang]; ok {
		return msg
	}
	return narrationMessages[model.LangEnglish]
}

// HandleStreamAssistant returns a closure bound to idleTimeout so New can
// register it without threading idle-timeout through the Handlers struct
// just for this one route.
func (h *Handlers) HandleStreamAssistant(idleTimeout time.Duration) http.HandlerFunc {
	if idleTimeout <= 0 {
		idleTimeout = 15 * time.Minute
	}
	return func(w http.ResponseWriter, r *http.Request) {
		requestID := r.PathValue("requestId")

		flusher, ok := w.(http.Flusher)
		if !ok {
			writeInternalError(h.logger, w, r, "stream unsupported by response writer", errors.New("no flusher"))
			return
		}

		w.Header().Set("Content-Type", "text/event-stream")
		w.Header().Set("Cache-Control", "no-cache")
		w.Header().Set("Connection", "keep-alive")
		w.WriteHeader(http.StatusOK)
		flusher.Flush()

		ch, unsubscribe := h.broker.Subscribe(requestID)
		defer unsubscribe()

		idle := time.NewTimer(idleTimeout)
		defer idle.Stop()

		metaSent := false

		for {
			select {
			case <-r.Context().Done():
				// Client disconnected; the stream contract forbids writing
				// anything further, including an error event.
				return

			case <-idle.C:
				return

			case raw, ok := <-ch:
				if !ok {
					return
				}
				var event model.PushEvent
				if err := json.Unmarshal(raw, &event); err != nil {
					h.logger.Warn("stream: decode push event failed", "requestId", requestID, "error", err)
					continue
				}
				if !idle.Stop() {
					<-idle.C
				}
				idle.Reset(idleTimeout)

				if !metaSent {
					writeSSEJSON(w, flusher, "meta", sseMetaPayload{RequestID: requestID, AssistantLanguage: event.AssistantLanguage})
					metaSent = true
				}

				switch event.Type {
				case model.EventAssistant:
					writeSSEJSON(w, flusher, "message", sseMessagePayload{
						Type:         event.AssistantType,
						Message:      event.Message,
						Question:     event.Question,
						BlocksSearch: event.BlocksSearch,
					})
					writeSSEJSON(w, flusher, "done", struct{}{})
					return

				case model.EventReady:
					writeSSEJSON(w, flusher, "message", sseMessagePayload{
						Type:    model.AssistantGenericNarration,
						Message: narrationMessage(event.AssistantLanguage),
					})
					writeSSEJSON(w, flusher, "message", sseMessagePayload{
						Type:    model.AssistantSummary,
						Message: summaryMessage(event.AssistantLanguage),
					})
					writeSSEJSON(w, flusher, "done", struct{}{})
					return

				case model.EventError:
					writeSSEJSON(w, flusher, "error", sseErrorPayload{Code: event.ErrorCode})
					return

				case model.EventResultPatch:
					// Place-level enrichment patches are a /ws concern only;
					// the literal SSE sequence in spec §6 is meta/message/done.
					continue
				}
			}
		}
	}
}

type sseMetaPayload struct {
	RequestID         string         `json:"requestId"`
	AssistantLanguage model.Language `json:"assistantLanguage"`
}

type sseMessagePayload struct {
	Type         model.AssistantMessageType `json:"type"`
	Message      string                     `json:"message"`
	Question     *string                    `json:"question"`
	BlocksSearch bool                       `json:"blocksSearch"`
}

type sseErrorPayload struct {
	Code string `json:"code"`
}

func writeSSEJSON(w http.ResponseWriter, flusher http.Flusher, eventType string, payload any) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return
	}
	_, _ = w.Write(push.FormatSSE(eventType, raw))
	flusher.Flush()
}
