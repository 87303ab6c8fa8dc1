// Package jobstore implements spec §4.A's owner-bound job record store.
//
// All operations are non-blocking for the orchestrator's caller and all
// failures are non-fatal: if the store is unavailable, the pipeline
// continues and relies on the push channel alone. Two backends are
// provided behind the same Store interface: an in-memory map (process
// local) and a Redis-backed remote store, selected at startup by whether
// a Redis client is configured (spec §9 open question).
package jobstore

import (
	"context"
	"time"

	"github.com/shulchan/shulchan/internal/model"
)

// Store is the job-store contract (spec §4.A).
type Store interface {
	CreateJob(ctx context.Context, requestID, ownerSessionID, ownerUserID string) error
	SetStatus(ctx context.Context, requestID string, status model.JobStatus, progress int) error
	SetResult(ctx context.Context, requestID string, result *model.SearchResponse, count int) error
	SetError(ctx context.Context, requestID string, code, message string) error
	Get(ctx context.Context, requestID string) (*model.Job, bool, error)

	// ReserveIdempotencyKey associates key with requestID for ownerSessionID,
	// if no association already exists. If one does, it returns the
	// previously reserved requestID and reserved=false so the caller can
	// replay the original job instead of starting a second one.
	ReserveIdempotencyKey(ctx context.Context, ownerSessionID, key, requestID string) (existingRequestID string, reserved bool, err error)

	// IsAvailable returns true only when the underlying connection is in a
	// ready state. The async search handler calls this before the first
	// write, and the bootstrap handler before minting a session.
	IsAvailable(ctx context.Context) bool

	Close() error
}

// errTerminal is returned to the caller when a write targets an
// already-terminal job; the server's callers log it and carry on, so it is
// never fatal to a run.
type errTerminal struct{ requestID string }

func (e errTerminal) Error() string {
	return "jobstore: job " + e.requestID + " is already terminal"
}

// defaultTTL is used when no TTL is supplied by the caller's config.
const defaultTTL = time.Hour
