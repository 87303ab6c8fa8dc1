package push

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/shulchan/shulchan/internal/model"
)

// TicketService mints and consumes one-time, short-TTL push-channel
// connect tickets (spec §4.C). Two backends, mirroring jobstore: in-memory
// map and Redis, selected by whether a Redis client is configured.
type TicketService interface {
	// Issue mints an opaque ticket string for sessionID/userID with the
	// given TTL (callers must cap this at 60s per spec §3).
	Issue(ctx context.Context, sessionID, userID string, ttl time.Duration) (string, error)

	// Consume atomically gets and deletes the ticket. Returns ok=false on
	// miss or already-consumed.
	Consume(ctx context.Context, ticket string) (model.PushTicket, bool, error)
}

func ticketDigest(ticket string) string {
	sum := sha256.Sum256([]byte(ticket))
	return hex.EncodeToString(sum[:])
}

func newOpaqueTicket() (string, error) {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("push: generate ticket: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(buf), nil
}

// MemoryTicketService is the process-local TicketService backend.
type MemoryTicketService struct {
	mu      sync.Mutex
	entries map[string]memoryTicketEntry
}

type memoryTicketEntry struct {
	payload   model.PushTicket
	expiresAt time.Time
}

func NewMemoryTicketService() *MemoryTicketService {
	return &MemoryTicketService{entries: make(map[string]memoryTicketEntry)}
}

func (m *MemoryTicketService) Issue(_ context.Context, sessionID, userID string, ttl time.Duration) (string, error) {
	ticket, err := newOpaqueTicket()
	if err != nil {
		return "", err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.entries[ticketDigest(ticket)] = memoryTicketEntry{
		payload:   model.PushTicket{SessionID: sessionID, UserID: userID, CreatedAt: time.Now().UTC()},
		expiresAt: time.Now().Add(ttl),
	}
	return ticket, nil
}

func (m *MemoryTicketService) Consume(_ context.Context, ticket string) (model.PushTicket, bool, error) {
	digest := ticketDigest(ticket)
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.entries[digest]
	if !ok {
		return model.PushTicket{}, false, nil
	}
	delete(m.entries, digest) // one-time: removed on this get, regardless of expiry check outcome
	if time.Now().After(e.expiresAt) {
		return model.PushTicket{}, false, nil
	}
	return e.payload, true, nil
}

var _ TicketService = (*MemoryTicketService)(nil)

// RedisTicketService stores ticket payloads in Redis, keyed by a SHA-256
// digest of the opaque ticket so lookup stays O(1) without reversibly
// storing the secret (spec §4.C: "never echoed in URLs or logs").
type RedisTicketService struct {
	client *redis.Client
}

func NewRedisTicketService(client *redis.Client) *RedisTicketService {
	return &RedisTicketService{client: client}
}

// getDeleteScript performs an atomic GET+DEL so a ticket can be consumed
// at most once even under concurrent handshakes.
var getDeleteScript = redis.NewScript(`
local v = redis.call('GET', KEYS[1])
if v then
    redis.call('DEL', KEYS[1])
end
return v
`)

func (r *RedisTicketService) key(ticket string) string {
	return "shulchan:ticket:" + ticketDigest(ticket)
}

func (r *RedisTicketService) Issue(ctx context.Context, sessionID, userID string, ttl time.Duration) (string, error) {
	ticket, err := newOpaqueTicket()
	if err != nil {
		return "", err
	}
	payload := model.PushTicket{SessionID: sessionID, UserID: userID, CreatedAt: time.Now().UTC()}
	raw, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("push: encode ticket: %w", err)
	}
	if err := r.client.Set(ctx, r.key(ticket), raw, ttl).Err(); err != nil {
		return "", fmt.Errorf("push: store ticket: %w", err)
	}
	return ticket, nil
}

func (r *RedisTicketService) Consume(ctx context.Context, ticket string) (model.PushTicket, bool, error) {
	v, err := getDeleteScript.Run(ctx, r.client, []string{r.key(ticket)}).Text()
	if err == redis.Nil {
		return model.PushTicket{}, false, nil
	}
	if err != nil {
		return model.PushTicket{}, false, fmt.Errorf("push: consume ticket: %w", err)
	}
	var payload model.PushTicket
	if err := json.Unmarshal([]byte(v), &payload); err != nil {
		return model.PushTicket{}, false, fmt.Errorf("push: decode ticket: %w", err)
	}
	return payload, true, nil
}

var _ TicketService = (*RedisTicketService)(nil)
