// Package push implements spec §4.B (push channel), §4.C (ticket service),
// and the /ws upgrade handler. The subscription manager fans events out to
// SSE and WebSocket subscribers alike: both are buffered []byte channels
// registered under the same (requestId) key.
package push

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/shulchan/shulchan/internal/model"
)

// Broker fans out push events to per-request subscribers. Keyed by
// requestId per spec §3 (a subscription manager keyed by
// (channel, requestId, sessionId) collapses to requestId here since a job
// is single-owner). Subscribe does not check the subscriber's session
// against the job's owner, and ticket issue is not bound to a requestId.
//
// A Redis client is optional: when configured, published events are also
// broadcast over Redis pub/sub so a subscriber connected to a different
// replica than the one running the request's orchestrator still receives
// it; this mirrors the teacher's Postgres LISTEN/NOTIFY fan-out, adapted
// to Redis since this module has no relational store.
type Broker struct {
	logger *slog.Logger
	redis  *redis.Client

	mu          sync.RWMutex
	subscribers map[string]map[chan []byte]struct{}

	shutdownOnce sync.Once
	closed       chan struct{}
}

// NewBroker creates a Broker. redisClient may be nil (single-replica/dev mode).
func NewBroker(redisClient *redis.Client, logger *slog.Logger) *Broker {
	return &Broker{
		logger:      logger,
		redis:       redisClient,
		subscribers: make(map[string]map[chan []byte]struct{}),
		closed:      make(chan struct{}),
	}
}

const redisChannelPrefix = "shulchan:push:"

// Start begins the Redis pub/sub relay loop, if a Redis client is
// configured. Blocks until ctx is cancelled; call in a goroutine.
func (b *Broker) Start(ctx context.Context) {
	if b.redis == nil {
		return
	}
	sub := b.redis.PSubscribe(ctx, redisChannelPrefix+"*")
	defer sub.Close()

	ch := sub.Channel()
	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-ch:
			if !ok {
				return
			}
			requestID := msg.Channel[len(redisChannelPrefix):]
			b.deliverLocal(requestID, []byte(msg.Payload))
		}
	}
}

// Subscribe registers a new subscriber channel for requestID and returns it
// along with an idempotent unsubscribe function.
func (b *Broker) Subscribe(requestID string) (chan []byte, func()) {
	ch := make(chan []byte, 64)
	b.mu.Lock()
	if b.subscribers[requestID] == nil {
		b.subscribers[requestID] = make(map[chan []byte]struct{})
	}
	b.subscribers[requestID][ch] = struct{}{}
	b.mu.Unlock()

	var once sync.Once
	unsubscribe := func() {
		once.Do(func() { b.unsubscribe(requestID, ch) })
	}
	return ch, unsubscribe
}

// unsubscribe is idempotent: repeated calls (guarded by sync.Once at the
// call site, but also safe bare) are silent no-ops (spec §4.B).
func (b *Broker) unsubscribe(requestID string, ch chan []byte) {
	b.mu.Lock()
	defer b.mu.Unlock()
	set, ok := b.subscribers[requestID]
	if !ok {
		return
	}
	if _, ok := set[ch]; !ok {
		return
	}
	delete(set, ch)
	close(ch)
	if len(set) == 0 {
		delete(b.subscribers, requestID)
	}
}

// Publish broadcasts event to every local subscriber of requestID, and
// (if a Redis client is configured) to subscribers on other replicas.
// Publish failures are never fatal (spec §7).
func (b *Broker) Publish(ctx context.Context, requestID string, event model.PushEvent) {
	raw, err := json.Marshal(event)
	if err != nil {
		b.logger.Error("push: encode event", "requestId", requestID, "error", err)
		return
	}

	b.deliverLocal(requestID, raw)

	if b.redis != nil {
		if err := b.redis.Publish(ctx, redisChannelPrefix+requestID, raw).Err(); err != nil {
			b.logger.Warn("push: redis publish failed, local subscribers still notified",
				"requestId", requestID, "error", err)
		}
	}
}

func (b *Broker) deliverLocal(requestID string, raw []byte) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	for ch := range b.subscribers[requestID] {
		select {
		case ch <- raw:
		default:
			b.logger.Warn("push: dropped event for slow subscriber", "requestId", requestID)
		}
	}
}

// Shutdown closes every local subscriber channel, allowing each owning
// connection handler to close its socket with (1001, SERVER_SHUTDOWN).
func (b *Broker) Shutdown() {
	b.shutdownOnce.Do(func() {
		close(b.closed)
		b.mu.Lock()
		defer b.mu.Unlock()
		for requestID, set := range b.subscribers {
			for ch := range set {
				close(ch)
			}
			delete(b.subscribers, requestID)
		}
	})
}

// ShuttingDown reports whether Shutdown has been called, so connection
// handlers can choose the SERVER_SHUTDOWN close source over ERROR when
// their subscriber channel closes during shutdown.
func (b *Broker) ShuttingDown() bool {
	select {
	case <-b.closed:
		return true
	default:
		return false
	}
}

// PublishAssistant is the single helper through which every assistant
// message must be published (spec §4.B): it stamps the caller-supplied
// assistantLanguage on the event. It does not read the language from ctx;
// the orchestrator passes the value it froze there.
func PublishAssistant(ctx context.Context, b *Broker, requestID string, lang model.Language, msgType model.AssistantMessageType, message string, blocksSearch bool) {
	b.Publish(ctx, requestID, model.PushEvent{
		Type:              model.EventAssistant,
		RequestID:         requestID,
		AssistantLanguage: lang,
		AssistantType:     msgType,
		Message:           message,
		BlocksSearch:      blocksSearch,
	})
}

// PublishReady emits the post-result-ready event.
func PublishReady(ctx context.Context, b *Broker, requestID string, lang model.Language) {
	b.Publish(ctx, requestID, model.PushEvent{
		Type:              model.EventReady,
		RequestID:         requestID,
		AssistantLanguage: lang,
	})
}

// PublishResultPatch emits an enrichment RESULT_PATCH event.
func PublishResultPatch(ctx context.Context, b *Broker, patch model.ResultPatch) {
	b.Publish(ctx, patch.RequestID, model.PushEvent{
		Type:      model.EventResultPatch,
		RequestID: patch.RequestID,
		Patch:     &patch,
	})
}

// PublishError emits an error event. Must never be called after the
// client has disconnected (spec §6 SSE stream contract); callers check
// this via the subscriber channel's closed state before calling.
func PublishError(ctx context.Context, b *Broker, requestID, code string) {
	b.Publish(ctx, requestID, model.PushEvent{
		Type:      model.EventError,
		RequestID: requestID,
		ErrorCode: code,
	})
}

// idleTimeoutDefault matches spec §4.B's example of 15 minutes; the
// server wires the configured value from internal/config.
const idleTimeoutDefault = 15 * time.Minute
