package push

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"nhooyr.io/websocket"

	"github.com/shulchan/shulchan/internal/model"
)

// WSHandler serves the /ws push-subscription upgrade (spec §6). Unlike the
// SSE stream, a WebSocket connection is not implicitly scoped to a session
// cookie, so the handshake requires a one-time ticket minted by
// POST /api/v1/auth/ws-ticket and passed as a query parameter.
type WSHandler struct {
	broker      *Broker
	tickets     TicketService
	logger      *slog.Logger
	idleTimeout time.Duration
}

func NewWSHandler(broker *Broker, tickets TicketService, logger *slog.Logger, idleTimeout time.Duration) *WSHandler {
	if idleTimeout <= 0 {
		idleTimeout = idleTimeoutDefault
	}
	return &WSHandler{broker: broker, tickets: tickets, logger: logger, idleTimeout: idleTimeout}
}

func (h *WSHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	requestID := r.URL.Query().Get("requestId")
	ticket := r.URL.Query().Get("ticket")
	if requestID == "" || ticket == "" {
		http.Error(w, "requestId and ticket are required", http.StatusBadRequest)
		return
	}

	payload, ok, err := h.tickets.Consume(r.Context(), ticket)
	if err != nil {
		h.logger.Error("push: ticket consume failed", "error", err)
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	if !ok {
		// A failed or replayed handshake is a policy violation, not a
		// server error: the connection is accepted only to be closed at
		// once with (1008, POLICY), and no subscription is made.
		conn, err := websocket.Accept(w, r, nil)
		if err != nil {
			h.logger.Warn("push: websocket accept failed", "error", err, "requestId", requestID)
			return
		}
		_ = conn.Close(websocket.StatusCode(model.CloseCodeFor(model.ClosePolicy)), string(model.ClosePolicy))
		return
	}

	conn, err := websocket.Accept(w, r, nil)
	if err != nil {
		h.logger.Warn("push: websocket accept failed", "error", err, "requestId", requestID)
		return
	}

	h.serve(r.Context(), conn, requestID, payload)
}

func (h *WSHandler) serve(ctx context.Context, conn *websocket.Conn, requestID string, ticket model.PushTicket) {
	ch, unsubscribe := h.broker.Subscribe(requestID)
	defer unsubscribe()

	closeSource := model.CloseError
	defer func() {
		code := model.CloseCodeFor(closeSource)
		_ = conn.Close(websocket.StatusCode(code), string(closeSource))
	}()

	idle := time.NewTimer(h.idleTimeout)
	defer idle.Stop()

	// A reader goroutine turns client-initiated close/disconnect into a
	// context cancellation, since nhooyr.io/websocket has no bare "wait
	// for close" primitive short of attempting a read.
	clientGone := make(chan struct{})
	go func() {
		defer close(clientGone)
		for {
			if _, _, err := conn.Read(ctx); err != nil {
				return
			}
		}
	}()

	for {
		select {
		case <-ctx.Done():
			if h.broker.ShuttingDown() {
				closeSource = model.CloseServerShutdown
			} else {
				closeSource = model.CloseError
			}
			return

		case <-clientGone:
			closeSource = model.CloseClientClose
			return

		case <-idle.C:
			closeSource = model.CloseIdleTimeout
			return

		case raw, ok := <-ch:
			if !ok {
				if h.broker.ShuttingDown() {
					closeSource = model.CloseServerShutdown
				}
				return
			}
			if !idle.Stop() {
				<-idle.C
			}
			idle.Reset(h.idleTimeout)

			writeCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
			err := conn.Write(writeCtx, websocket.MessageText, raw)
			cancel()
			if err != nil {
				h.logger.Warn("push: websocket write failed", "requestId", requestID, "error", err)
				closeSource = model.CloseError
				return
			}

			var event model.PushEvent
			if json.Unmarshal(raw, &event) == nil && event.Type == model.EventError {
				// The orchestrator publishes at most one terminal error
				// event; once delivered, the server closes the socket
				// itself rather than waiting on the client.
				closeSource = model.CloseError
				return
			}
		}
	}
}
