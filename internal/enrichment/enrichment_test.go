package enrichment

import (
	"context"
	"errors"
	"log/slog"
	"testing"
	"time"

	"github.com/shulchan/shulchan/internal/model"
	"github.com/shulchan/shulchan/internal/push"
)

type fakeWeb struct {
	calls   int
	plans   []string
	results map[string][]string // query -> urls
	err     error
}

func (f *fakeWeb) SearchWeb(_ context.Context, query string, _ int) ([]string, error) {
	f.calls++
	f.plans = append(f.plans, query)
	if f.err != nil {
		return nil, f.err
	}
	return f.results[query], nil
}

func testDispatcher(web SearchWebAdapter, broker *push.Broker) *Dispatcher {
	return New(Config{
		Lock:    NewMemoryLock(),
		Cache:   NewMemoryCache(),
		Web:     web,
		Broker:  broker,
		Workers: 1,
		Queue:   8,
		Logger:  slog.Default(),
	})
}

func waitForPatch(t *testing.T, ch chan []byte) []byte {
	t.Helper()
	select {
	case raw := <-ch:
		return raw
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for RESULT_PATCH")
		return nil
	}
}

func TestResolve_ValidDeepLinkFirstPlan(t *testing.T) {
	web := &fakeWeb{results: map[string][]string{
		"Joe's Pizza Tel Aviv": {"https://wolt.com/en/isr/tel-aviv/restaurant/joes-pizza"},
	}}
	broker := push.NewBroker(nil, slog.Default())
	d := testDispatcher(web, broker)
	d.Start(context.Background())

	ch, unsub := broker.Subscribe("req-1")
	defer unsub()

	d.Enqueue(model.EnrichmentJob{RequestID: "req-1", PlaceID: "p1", Name: "Joe's Pizza", CityText: "Tel Aviv", Provider: "wolt"})

	raw := waitForPatch(t, ch)
	if string(raw) == "" {
		t.Fatal("expected a push event")
	}
	if web.calls != 1 {
		t.Errorf("expected searchWeb called once (first plan matched), got %d", web.calls)
	}
}

func TestResolve_RejectsDisallowedHost(t *testing.T) {
	web := &fakeWeb{results: map[string][]string{
		"Joe's Pizza Tel Aviv":               {"https://evil.example.com/restaurant/joes-pizza"},
		"Joe's Pizza Tel Aviv site:wolt.com": {"https://wolt.com/en/isr/tel-aviv/restaurant/joes-pizza"},
	}}
	broker := push.NewBroker(nil, slog.Default())
	d := testDispatcher(web, broker)
	d.Start(context.Background())

	ch, unsub := broker.Subscribe("req-2")
	defer unsub()

	d.Enqueue(model.EnrichmentJob{RequestID: "req-2", PlaceID: "p2", Name: "Joe's Pizza", CityText: "Tel Aviv", Provider: "wolt"})

	waitForPatch(t, ch)
	if web.calls != 2 {
		t.Errorf("expected the bad host to be rejected and the second query plan tried, got %d calls", web.calls)
	}
}

func TestResolve_RejectsWrongPathPrefix(t *testing.T) {
	web := &fakeWeb{results: map[string][]string{
		"Joe's Pizza Tel Aviv": {"https://wolt.com/en/isr/tel-aviv/menu/joes-pizza"}, // missing /restaurant/
	}}
	d := testDispatcher(web, push.NewBroker(nil, slog.Default()))

	url, status := d.resolve(context.Background(), "wolt", model.EnrichmentJob{Name: "Joe's Pizza", CityText: "Tel Aviv"})
	if status != model.EnrichmentNotFound || url != "" {
		t.Errorf("expected NOT_FOUND for wrong path prefix, got status=%s url=%s", status, url)
	}
}

func TestResolve_NoValidLink_NeverSynthesizesURL(t *testing.T) {
	web := &fakeWeb{results: map[string][]string{}}
	d := testDispatcher(web, push.NewBroker(nil, slog.Default()))

	url, status := d.resolve(context.Background(), "10bis", model.EnrichmentJob{Name: "Unknown Place", CityText: "Haifa"})
	if status != model.EnrichmentNotFound || url != "" {
		t.Errorf("expected NOT_FOUND with empty url, got status=%s url=%q", status, url)
	}
	if web.calls != 3 {
		t.Errorf("expected all three query plans to be tried, got %d calls", web.calls)
	}
}

func TestProcess_SearchWebTransientError_StillEmitsTerminalPatch(t *testing.T) {
	web := &fakeWeb{err: errors.New("upstream unavailable")}
	broker := push.NewBroker(nil, slog.Default())
	d := testDispatcher(web, broker)
	d.Start(context.Background())

	ch, unsub := broker.Subscribe("req-3")
	defer unsub()

	d.Enqueue(model.EnrichmentJob{RequestID: "req-3", PlaceID: "p3", Name: "Place", CityText: "City", Provider: "mishloha"})

	waitForPatch(t, ch) // must still terminate with a patch, never leave the place PENDING
}

func TestEnqueue_UnknownProvider_EmitsNotFound(t *testing.T) {
	broker := push.NewBroker(nil, slog.Default())
	d := testDispatcher(&fakeWeb{}, broker)
	d.Start(context.Background())

	ch, unsub := broker.Subscribe("req-4")
	defer unsub()

	d.Enqueue(model.EnrichmentJob{RequestID: "req-4", PlaceID: "p4", Name: "Place", Provider: "unknown-provider"})

	waitForPatch(t, ch)
}

func TestEnqueue_QueueFull_EmitsNotFoundWithoutBlocking(t *testing.T) {
	broker := push.NewBroker(nil, slog.Default())
	d := New(Config{
		Lock:    NewMemoryLock(),
		Cache:   NewMemoryCache(),
		Web:     &fakeWeb{},
		Broker:  broker,
		Workers: 0, // falls back to 2 workers; the cancelled ctx below keeps them idle
		Queue:   1,
		Logger:  slog.Default(),
	})
	// Start with a cancelled context so no workers ever drain the queue.
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	d.Start(ctx)

	d.Enqueue(model.EnrichmentJob{RequestID: "req-5", PlaceID: "p5", Provider: "wolt"})

	ch, unsub := broker.Subscribe("req-5")
	defer unsub()
	d.Enqueue(model.EnrichmentJob{RequestID: "req-5", PlaceID: "p6", Provider: "wolt"})

	waitForPatch(t, ch)
}

func TestLock_SecondAcquireFailsUntilReleased(t *testing.T) {
	l := NewMemoryLock()
	ok, err := l.Acquire(context.Background(), "wolt:p1", time.Minute)
	if err != nil || !ok {
		t.Fatalf("expected first acquire to succeed, got ok=%v err=%v", ok, err)
	}
	ok, err = l.Acquire(context.Background(), "wolt:p1", time.Minute)
	if err != nil || ok {
		t.Fatalf("expected second acquire to fail while held, got ok=%v err=%v", ok, err)
	}
	if err := l.Release(context.Background(), "wolt:p1"); err != nil {
		t.Fatalf("release failed: %v", err)
	}
	ok, err = l.Acquire(context.Background(), "wolt:p1", time.Minute)
	if err != nil || !ok {
		t.Fatalf("expected acquire to succeed after release, got ok=%v err=%v", ok, err)
	}
}

func TestCache_RoundTrip(t *testing.T) {
	c := NewMemoryCache()
	_, ok, err := c.Get(context.Background(), "wolt:p1")
	if err != nil || ok {
		t.Fatalf("expected cache miss, got ok=%v err=%v", ok, err)
	}
	entry := model.EnrichmentCacheEntry{Status: model.EnrichmentFound, URL: "https://wolt.com/en/isr/tel-aviv/restaurant/joes-pizza", ExpiresAt: time.Now().Add(time.Hour)}
	if err := c.Set(context.Background(), "wolt:p1", entry, time.Hour); err != nil {
		t.Fatalf("set failed: %v", err)
	}
	got, ok, err := c.Get(context.Background(), "wolt:p1")
	if err != nil || !ok {
		t.Fatalf("expected cache hit, got ok=%v err=%v", ok, err)
	}
	if got.URL != entry.URL || got.Status != entry.Status {
		t.Errorf("cache entry mismatch: got %+v", got)
	}
}

func TestHostAllowed_WildcardSubdomain(t *testing.T) {
	allowed := []string{"wolt.com", "*.wolt.com"}
	if !hostAllowed("wolt.com", allowed) {
		t.Error("expected exact host match")
	}
	if !hostAllowed("il.wolt.com", allowed) {
		t.Error("expected wildcard subdomain match")
	}
	if hostAllowed("wolt.com.evil.net", allowed) {
		t.Error("expected suffix-only match to be rejected")
	}
}
