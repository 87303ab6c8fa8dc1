package model

import "time"

// CloseSource enumerates the push-socket close-code taxonomy (spec §4.B).
type CloseSource string

const (
	CloseIdleTimeout    CloseSource = "IDLE_TIMEOUT"
	CloseServerShutdown CloseSource = "SERVER_SHUTDOWN"
	CloseClientClose    CloseSource = "CLIENT_CLOSE"
	ClosePolicy         CloseSource = "POLICY"
	CloseError          CloseSource = "ERROR"
)

// CloseCodeFor returns the WebSocket close code mandated for a CloseSource.
// Code 1001 is reserved for IDLE_TIMEOUT/SERVER_SHUTDOWN only.
func CloseCodeFor(source CloseSource) int {
	switch source {
	case CloseIdleTimeout, CloseServerShutdown:
		return 1001
	case CloseClientClose:
		return 1000
	case ClosePolicy:
		return 1008
	case CloseError:
		return 1011
	default:
		return 1011
	}
}

// PushEventType enumerates the tagged records published on the
// assistant/search channels (spec §4.B).
type PushEventType string

const (
	EventReady       PushEventType = "ready"
	EventAssistant   PushEventType = "assistant"
	EventResultPatch PushEventType = "RESULT_PATCH"
	EventError       PushEventType = "error"
)

// PushEvent is the envelope for every message published through the push
// channel. Every assistant message carries AssistantLanguage at top level.
type PushEvent struct {
	Type              PushEventType         `json:"type"`
	RequestID         string                `json:"requestId"`
	AssistantLanguage Language              `json:"assistantLanguage,omitempty"`
	AssistantType     AssistantMessageType  `json:"assistantType,omitempty"`
	Message           string                `json:"message,omitempty"`
	Question          *string               `json:"question,omitempty"`
	BlocksSearch      bool                  `json:"blocksSearch,omitempty"`
	Patch             *ResultPatch          `json:"patch,omitempty"`
	ErrorCode         string                `json:"errorCode,omitempty"`
}

// PushTicket is a one-time, short-TTL token exchangeable for a push-socket
// connection (spec §3, §4.C).
type PushTicket struct {
	SessionID string    `json:"sessionId"`
	UserID    string    `json:"userId,omitempty"`
	CreatedAt time.Time `json:"createdAt"`
}
