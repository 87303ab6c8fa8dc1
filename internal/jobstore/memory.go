package jobstore

import (
	"context"
	"sync"
	"time"

	"github.com/shulchan/shulchan/internal/model"
)

// entry wraps a Job with a TTL deadline for the background sweep.
type entry struct {
	job       model.Job
	expiresAt time.Time
}

// idempotencyEntry maps an (ownerSessionID, key) pair to the requestID it
// was first reserved for.
type idempotencyEntry struct {
	requestID string
	expiresAt time.Time
}

// MemoryStore is the process-local Store backend (spec §4.A: "an in-memory
// map, process-local, not shared").
type MemoryStore struct {
	ttl time.Duration

	mu      sync.Mutex
	jobs    map[string]*entry
	idemKey map[string]*idempotencyEntry

	stopOnce sync.Once
	done     chan struct{}
}

// NewMemoryStore creates a MemoryStore with a background TTL sweep every minute.
func NewMemoryStore(ttl time.Duration) *MemoryStore {
	if ttl <= 0 {
		ttl = defaultTTL
	}
	m := &MemoryStore{
		ttl:     ttl,
		jobs:    make(map[string]*entry),
		idemKey: make(map[string]*idempotencyEntry),
		done:    make(chan struct{}),
	}
	go m.sweep()
	return m
}

func (m *MemoryStore) IsAvailable(_ context.Context) bool { return true }

func (m *MemoryStore) CreateJob(_ context.Context, requestID, ownerSessionID, ownerUserID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.jobs[requestID] = &entry{
		job: model.Job{
			RequestID:      requestID,
			Status:         model.JobAccepted,
			OwnerSessionID: ownerSessionID,
			OwnerUserID:    ownerUserID,
			CreatedAt:      time.Now().UTC(),
		},
		expiresAt: time.Now().Add(m.ttl),
	}
	return nil
}

func (m *MemoryStore) SetStatus(_ context.Context, requestID string, status model.JobStatus, progress int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.jobs[requestID]
	if !ok {
		return nil
	}
	if e.job.Status.IsTerminal() {
		return errTerminal{requestID}
	}
	e.job.Status = status
	e.job.Progress = progress
	return nil
}

func (m *MemoryStore) SetResult(_ context.Context, requestID string, result *model.SearchResponse, count int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.jobs[requestID]
	if !ok {
		return nil
	}
	if e.job.Status.IsTerminal() {
		return errTerminal{requestID}
	}
	e.job.Status = model.JobDoneSuccess
	e.job.Progress = 100
	e.job.Result = result
	e.job.ResultCount = count
	return nil
}

func (m *MemoryStore) SetError(_ context.Context, requestID string, code, message string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.jobs[requestID]
	if !ok {
		return nil
	}
	if e.job.Status.IsTerminal() {
		return errTerminal{requestID}
	}
	e.job.Status = model.JobDoneFailure
	e.job.Err = &model.JobError{Code: code, Message: message}
	return nil
}

func (m *MemoryStore) Get(_ context.Context, requestID string) (*model.Job, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.jobs[requestID]
	if !ok {
		return nil, false, nil
	}
	job := e.job
	return &job, true, nil
}

func (m *MemoryStore) ReserveIdempotencyKey(_ context.Context, ownerSessionID, key, requestID string) (string, bool, error) {
	if key == "" {
		return "", true, nil
	}
	compound := ownerSessionID + "\x00" + key
	m.mu.Lock()
	defer m.mu.Unlock()
	if e, ok := m.idemKey[compound]; ok && time.Now().Before(e.expiresAt) {
		return e.requestID, false, nil
	}
	m.idemKey[compound] = &idempotencyEntry{requestID: requestID, expiresAt: time.Now().Add(m.ttl)}
	return requestID, true, nil
}

func (m *MemoryStore) Close() error {
	m.stopOnce.Do(func() { close(m.done) })
	return nil
}

func (m *MemoryStore) sweep() {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()
	for {
		select {
		case <-m.done:
			return
		case <-ticker.C:
			m.evictExpired()
		}
	}
}

func (m *MemoryStore) evictExpired() {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := time.Now()
	for id, e := range m.jobs {
		if now.After(e.expiresAt) {
			delete(m.jobs, id)
		}
	}
	for k, e := range m.idemKey {
		if now.After(e.expiresAt) {
			delete(m.idemKey, k)
		}
	}
}

var _ Store = (*MemoryStore)(nil)
