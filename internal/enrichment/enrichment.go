// Package enrichment implements spec §4.M's per-provider enrichment
// workers: bounded in-process queues that resolve a deep-link URL for a
// returned place on each supported delivery provider, publishing
// RESULT_PATCH push events as each job settles.
//
// Grounded on other_examples/liverty-music-backend's venue enrichment
// use case: try collaborators (here, a single searchWeb call per query
// plan) in order, treat a definitive miss as "try the next thing" and a
// transport/transient error as "log and move on", and only give up after
// every avenue is exhausted. Adapted from that shape in one place: the
// grounding file is content to leave a record PENDING on a transient
// failure for a later retry pass, but spec §4.M is stricter ("no code
// path may leave a place in PENDING from the client's perspective"), so
// every exit path here always ends in a RESULT_PATCH, defaulting to
// NOT_FOUND when nothing better was resolved.
package enrichment

import (
	"context"
	"fmt"
	"log/slog"
	"net/url"
	"strings"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/shulchan/shulchan/internal/model"
	"github.com/shulchan/shulchan/internal/push"
)

// processTimeout bounds a single job's lock+cache+search+cache-write
// sequence so one slow upstream can't monopolize a worker slot forever.
const processTimeout = 6 * time.Second

// defaultQueueSize is the per-provider backlog before Enqueue treats the
// worker pool as unavailable (spec §4.M safety guard: "worker-unavailable"
// is itself an exit path that must still emit a patch).
const defaultQueueSize = 256

// ProviderSpec names one delivery provider's allowed deep-link shape.
type ProviderSpec struct {
	Name         string
	AllowedHosts []string // exact host, or "*.domain" wildcard
	PathPrefix   string
}

// defaultProviderSpecs is the spec's named provider set (§4.M step 3).
func defaultProviderSpecs() map[string]ProviderSpec {
	return map[string]ProviderSpec{
		"wolt": {
			Name:         "wolt",
			AllowedHosts: []string{"wolt.com", "*.wolt.com"},
			PathPrefix:   "/restaurant/",
		},
		"10bis": {
			Name:         "10bis",
			AllowedHosts: []string{"10bis.co.il", "*.10bis.co.il"},
			PathPrefix:   "/next/",
		},
		"mishloha": {
			Name:         "mishloha",
			AllowedHosts: []string{"mishloha.co.il", "*.mishloha.co.il"},
			PathPrefix:   "/now/r/",
		},
	}
}

// SearchWebAdapter is the narrow external collaborator named in spec
// §1's scope note ("the web-search adapter beyond searchWeb(query,
// topN)"). It returns candidate result URLs, ranked by the adapter's own
// relevance notion; callers validate before trusting any of them.
type SearchWebAdapter interface {
	SearchWeb(ctx context.Context, query string, topN int) ([]string, error)
}

// Config wires a Dispatcher's collaborators. Fields mirror orchestrator.Config's
// shape: a plain struct of interfaces plus a few tunables, defaulted in New.
type Config struct {
	Lock    LockService
	Cache   CacheService
	Web     SearchWebAdapter
	Broker  *push.Broker
	Specs   map[string]ProviderSpec // nil uses defaultProviderSpecs()
	Workers int                     // per-provider worker count, default 2
	Queue   int                     // per-provider queue depth, default defaultQueueSize

	CacheTTL time.Duration // default 24h
	LockTTL  time.Duration // default 30s

	Logger *slog.Logger
}

// Dispatcher is the concrete orchestrator.EnrichmentDispatcher: it owns
// one bounded queue and worker pool per provider.
type Dispatcher struct {
	lock   LockService
	cache  CacheService
	web    SearchWebAdapter
	broker *push.Broker
	specs  map[string]ProviderSpec

	workers  int
	queueLen int
	cacheTTL time.Duration
	lockTTL  time.Duration

	logger *slog.Logger
	single singleflight.Group

	queues map[string]chan model.EnrichmentJob
}

// New builds a Dispatcher. Call Start to spin up its worker goroutines
// before Enqueue is used; an un-started Dispatcher drops every job to a
// NOT_FOUND patch because its queues map is empty.
func New(cfg Config) *Dispatcher {
	specs := cfg.Specs
	if specs == nil {
		specs = defaultProviderSpecs()
	}
	workers := cfg.Workers
	if workers <= 0 {
		workers = 2
	}
	queueLen := cfg.Queue
	if queueLen <= 0 {
		queueLen = defaultQueueSize
	}
	cacheTTL := cfg.CacheTTL
	if cacheTTL <= 0 {
		cacheTTL = 24 * time.Hour
	}
	lockTTL := cfg.LockTTL
	if lockTTL <= 0 {
		lockTTL = 30 * time.Second
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Dispatcher{
		lock:     cfg.Lock,
		cache:    cfg.Cache,
		web:      cfg.Web,
		broker:   cfg.Broker,
		specs:    specs,
		workers:  workers,
		queueLen: queueLen,
		cacheTTL: cacheTTL,
		lockTTL:  lockTTL,
		logger:   logger.With("component", "enrichment"),
		queues:   make(map[string]chan model.EnrichmentJob, len(specs)),
	}
}

// Start launches workers for every configured provider. ctx governs the
// worker pool's entire lifetime, not any single request: per spec §9's
// "enrichment workers never touch the request's ctx after it returns",
// jobs carry plain IDs rather than a context, and each job gets its own
// bounded processTimeout derived from this long-lived ctx.
func (d *Dispatcher) Start(ctx context.Context) {
	for name := range d.specs {
		q := make(chan model.EnrichmentJob, d.queueLen)
		d.queues[name] = q
		for i := 0; i < d.workers; i++ {
			go d.run(ctx, name, q)
		}
	}
}

func (d *Dispatcher) run(ctx context.Context, provider string, jobs chan model.EnrichmentJob) {
	for {
		select {
		case <-ctx.Done():
			return
		case job := <-jobs:
			d.process(ctx, provider, job)
		}
	}
}

// Enqueue implements orchestrator.EnrichmentDispatcher. A full queue or
// an unknown provider counts as "worker-unavailable" (spec §4.M safety
// guard) and is resolved immediately to a NOT_FOUND patch rather than
// blocking the caller.
func (d *Dispatcher) Enqueue(job model.EnrichmentJob) {
	q, ok := d.queues[job.Provider]
	if !ok {
		d.logger.Warn("enrichment: unknown provider", "provider", job.Provider, "placeId", job.PlaceID)
		d.publishNotFound(job)
		return
	}
	select {
	case q <- job:
	default:
		d.logger.Warn("enrichment: queue full, worker unavailable", "provider", job.Provider, "placeId", job.PlaceID)
		d.publishNotFound(job)
	}
}

func (d *Dispatcher) process(ctx context.Context, provider string, job model.EnrichmentJob) {
	patched := false
	defer func() {
		if !patched {
			d.publishNotFound(job)
		}
	}()

	callCtx, cancel := context.WithTimeout(ctx, processTimeout)
	defer cancel()

	key := lockKey(provider, job.PlaceID)

	v, err, _ := d.single.Do(key, func() (any, error) {
		return d.resolveWithLock(callCtx, provider, job, key)
	})
	if err != nil {
		d.logger.Warn("enrichment: resolve failed", "provider", provider, "placeId", job.PlaceID, "error", err)
		return
	}
	if v == nil {
		// Lock held by another process: skip resolving. That holder patches
		// its own request, so the deferred NOT_FOUND still settles this one.
		return
	}
	entry := v.(model.EnrichmentCacheEntry)
	d.publishPatch(job, entry.Status, entry.URL)
	patched = true
}

// resolveWithLock checks the cache, then the distributed lock, then
// resolves via web search. Returns (nil, nil) when another process holds
// the lock (spec §4.M step 1: "If held → skip").
func (d *Dispatcher) resolveWithLock(ctx context.Context, provider string, job model.EnrichmentJob, key string) (any, error) {
	if entry, ok, err := d.cache.Get(ctx, key); err != nil {
		d.logger.Warn("enrichment: cache read failed, continuing past cache", "error", err)
	} else if ok && entry.ExpiresAt.After(time.Now()) {
		return entry, nil
	}

	acquired, err := d.lock.Acquire(ctx, key, d.lockTTL)
	if err != nil {
		return nil, err
	}
	if !acquired {
		return nil, nil
	}
	defer d.lock.Release(ctx, key)

	link, status := d.resolve(ctx, provider, job)
	entry := model.EnrichmentCacheEntry{Status: status, URL: link, ExpiresAt: time.Now().Add(d.cacheTTL)}
	if err := d.cache.Set(ctx, key, entry, d.cacheTTL); err != nil {
		d.logger.Warn("enrichment: cache write failed", "error", err)
	}
	return entry, nil
}

// resolve runs the provider's query plan against the web-search adapter,
// returning the first candidate URL that passes host/path validation.
func (d *Dispatcher) resolve(ctx context.Context, provider string, job model.EnrichmentJob) (string, model.EnrichmentStatus) {
	spec, ok := d.specs[provider]
	if !ok {
		return "", model.EnrichmentNotFound
	}
	for _, q := range queryPlans(job.Name, job.CityText, spec) {
		urls, err := d.web.SearchWeb(ctx, q, 5)
		if err != nil {
			d.logger.Warn("enrichment: searchWeb failed, trying next query plan", "provider", provider, "placeId", job.PlaceID, "error", err)
			continue
		}
		for _, raw := range urls {
			if isValidDeepLink(raw, spec) {
				return raw, model.EnrichmentFound
			}
		}
	}
	return "", model.EnrichmentNotFound
}

// queryPlans builds the progressive-relaxation sequence from spec §4.M
// step 3: "<name> <city>" -> "<name> <city> site:<hosts>" -> "<name>".
func queryPlans(name, city string, spec ProviderSpec) []string {
	base := strings.TrimSpace(name + " " + city)
	plans := []string{base}
	if len(spec.AllowedHosts) > 0 {
		plans = append(plans, fmt.Sprintf("%s site:%s", base, primaryHost(spec.AllowedHosts)))
	}
	plans = append(plans, name)
	return plans
}

func primaryHost(hosts []string) string {
	for _, h := range hosts {
		if !strings.HasPrefix(h, "*.") {
			return h
		}
	}
	return strings.TrimPrefix(hosts[0], "*.")
}

// isValidDeepLink rejects anything not on the provider's allowed-host
// list or missing its required path prefix (spec §4.M step 3). There is
// no fallback: a provider with no valid deep-link yields NOT_FOUND, never
// a synthesized search URL.
func isValidDeepLink(raw string, spec ProviderSpec) bool {
	u, err := url.Parse(raw)
	if err != nil {
		return false
	}
	if u.Scheme != "https" && u.Scheme != "http" {
		return false
	}
	if !hostAllowed(u.Hostname(), spec.AllowedHosts) {
		return false
	}
	return strings.HasPrefix(u.Path, spec.PathPrefix)
}

func hostAllowed(host string, allowed []string) bool {
	host = strings.ToLower(host)
	for _, a := range allowed {
		if strings.HasPrefix(a, "*.") {
			if strings.HasSuffix(host, strings.TrimPrefix(a, "*")) {
				return true
			}
			continue
		}
		if host == strings.ToLower(a) {
			return true
		}
	}
	return false
}

func lockKey(provider, placeID string) string {
	return provider + ":" + placeID
}

func (d *Dispatcher) publishNotFound(job model.EnrichmentJob) {
	d.publishPatch(job, model.EnrichmentNotFound, "")
}

func (d *Dispatcher) publishPatch(job model.EnrichmentJob, status model.EnrichmentStatus, u string) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	push.PublishResultPatch(ctx, d.broker, model.ResultPatch{
		Type:      "RESULT_PATCH",
		RequestID: job.RequestID,
		PlaceID:   job.PlaceID,
		Provider:  job.Provider,
		Status:    status,
		URL:       u,
	})
}
