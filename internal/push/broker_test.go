package push

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/shulchan/shulchan/internal/model"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestBrokerFanOut(t *testing.T) {
	b := NewBroker(nil, testLogger())

	ch1, unsub1 := b.Subscribe("req-1")
	ch2, unsub2 := b.Subscribe("req-1")
	defer unsub1()
	defer unsub2()

	b.Publish(context.Background(), "req-1", model.PushEvent{Type: model.EventReady, RequestID: "req-1"})

	for i, ch := range []chan []byte{ch1, ch2} {
		select {
		case got := <-ch:
			if len(got) == 0 {
				t.Errorf("subscriber %d: got empty payload", i)
			}
		case <-time.After(100 * time.Millisecond):
			t.Fatalf("subscriber %d: timed out waiting for event", i)
		}
	}
}

func TestBrokerRequestIsolation(t *testing.T) {
	b := NewBroker(nil, testLogger())

	ch1, unsub1 := b.Subscribe("req-1")
	ch2, unsub2 := b.Subscribe("req-2")
	defer unsub1()
	defer unsub2()

	b.Publish(context.Background(), "req-1", model.PushEvent{Type: model.EventReady, RequestID: "req-1"})

	select {
	case <-ch1:
	case <-time.After(100 * time.Millisecond):
		t.Fatal("ch1: timed out waiting for event")
	}

	select {
	case got := <-ch2:
		t.Fatalf("ch2 (different request) received event it should not have: %q", got)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestBrokerUnsubscribeClosesChannel(t *testing.T) {
	b := NewBroker(nil, testLogger())

	ch, unsubscribe := b.Subscribe("req-1")
	unsubscribe()

	select {
	case _, ok := <-ch:
		if ok {
			t.Fatal("expected channel to be closed after unsubscribe, but received a value")
		}
	case <-time.After(100 * time.Millisecond):
		t.Fatal("channel was not closed after unsubscribe")
	}

	b.mu.RLock()
	_, exists := b.subscribers["req-1"]
	b.mu.RUnlock()
	if exists {
		t.Fatal("subscriber set should be removed once empty")
	}
}

func TestBrokerUnsubscribeIdempotent(t *testing.T) {
	b := NewBroker(nil, testLogger())
	_, unsubscribe := b.Subscribe("req-1")

	unsubscribe()
	unsubscribe() // must not panic on double-close
}

func TestBrokerSlowSubscriberDoesNotBlockFast(t *testing.T) {
	b := NewBroker(nil, testLogger())

	slow, unsubSlow := b.Subscribe("req-1")
	fast, unsubFast := b.Subscribe("req-1")
	defer unsubSlow()
	defer unsubFast()

	for range 100 {
		b.Publish(context.Background(), "req-1", model.PushEvent{Type: model.EventReady, RequestID: "req-1"})
	}
	_ = slow

	select {
	case <-fast:
	case <-time.After(100 * time.Millisecond):
		t.Fatal("fast subscriber should still receive events when slow subscriber's buffer is full")
	}
}

func TestBrokerShutdownClosesSubscribers(t *testing.T) {
	b := NewBroker(nil, testLogger())
	ch, _ := b.Subscribe("req-1")

	if b.ShuttingDown() {
		t.Fatal("ShuttingDown should be false before Shutdown is called")
	}

	b.Shutdown()

	if !b.ShuttingDown() {
		t.Fatal("ShuttingDown should be true after Shutdown")
	}

	select {
	case _, ok := <-ch:
		if ok {
			t.Fatal("expected channel to be closed after Shutdown")
		}
	case <-time.After(100 * time.Millisecond):
		t.Fatal("channel was not closed after Shutdown")
	}

	b.Shutdown() // must be idempotent
}

func TestBrokerConcurrentSubscribe(t *testing.T) {
	b := NewBroker(nil, testLogger())

	const numGoroutines = 50
	channels := make([]chan []byte, numGoroutines)
	unsubs := make([]func(), numGoroutines)

	var wg sync.WaitGroup
	for i := range numGoroutines {
		wg.Add(1)
		go func(idx int) {
			defer wg.Done()
			channels[idx], unsubs[idx] = b.Subscribe("req-1")
		}(i)
	}
	wg.Wait()

	b.mu.RLock()
	count := len(b.subscribers["req-1"])
	b.mu.RUnlock()
	if count != numGoroutines {
		t.Fatalf("expected %d subscribers, got %d", numGoroutines, count)
	}

	b.Publish(context.Background(), "req-1", model.PushEvent{Type: model.EventReady, RequestID: "req-1"})

	for i, ch := range channels {
		select {
		case <-ch:
		case <-time.After(500 * time.Millisecond):
			t.Fatalf("channel %d: timed out waiting for event", i)
		}
	}

	for i := range numGoroutines {
		wg.Add(1)
		go func(idx int) {
			defer wg.Done()
			unsubs[idx]()
		}(i)
	}
	wg.Wait()

	b.mu.RLock()
	_, remaining := b.subscribers["req-1"]
	b.mu.RUnlock()
	if remaining {
		t.Fatal("expected no subscribers left for req-1 after cleanup")
	}
}

func TestPublishAssistantAndReady(t *testing.T) {
	b := NewBroker(nil, testLogger())
	ch, unsubscribe := b.Subscribe("req-1")
	defer unsubscribe()

	PublishAssistant(context.Background(), b, "req-1", model.LangEnglish, model.AssistantSummary, "found 3 places", false)

	select {
	case got := <-ch:
		if len(got) == 0 {
			t.Fatal("expected non-empty assistant event payload")
		}
	case <-time.After(100 * time.Millisecond):
		t.Fatal("timed out waiting for assistant event")
	}

	PublishReady(context.Background(), b, "req-1", model.LangEnglish)

	select {
	case <-ch:
	case <-time.After(100 * time.Millisecond):
		t.Fatal("timed out waiting for ready event")
	}
}
