package pagesync

import (
	"context"
	"errors"
	"log"
	"net/http"
	"strings"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/singleflight"
)

const DefaultKeyPrefix = "cache:"

type CacheStatus string

const (
	StatusFresh       CacheStatus = "fresh"       // served from the store inside its TTL
	StatusRevalidated CacheStatus = "revalidated" // host answered 304
	StatusRefreshed   CacheStatus = "refreshed"   // full body fetched
	StatusStale       CacheStatus = "stale"       // offline fallback
)

// CacheEntry is the last known state of one remote resource.
type CacheEntry struct {
	Key       string    `json:"key"`
	Content   []byte    `json:"content"`
	ETag      string    `json:"etag,omitempty"`
	FetchedAt time.Time `json:"fetchedAt"`

	// Status says how this copy was obtained. It is not persisted.
	Status CacheStatus `json:"-"`
}

type ManagerOptions struct {
	Prefix    string
	Validator URLValidator
	Metrics   Metrics
	Debug     bool
}

// Manager is the fetch-or-revalidate engine in front of the store.
type Manager struct {
	store     *Store
	origin    Origin
	retry     *Retrier
	network   *Network
	validator URLValidator
	metrics   Metrics
	stats     *statsCollector

	prefix string
	debug  debugLogger
	warn   *rateLimitedLogger
	tracer trace.Tracer
	group  singleflight.Group
	now    func() time.Time

	flightMu sync.Mutex
	flights  map[string]*flight
}

func NewManager(store *Store, origin Origin, retry *Retrier, network *Network, opts ManagerOptions) *Manager {
	prefix := opts.Prefix
	if prefix == "" {
		prefix = DefaultKeyPrefix
	}
	return &Manager{
		store:     store,
		origin:    origin,
		retry:     retry,
		network:   network,
		validator: opts.Validator,
		metrics:   opts.Metrics,
		stats:     newStatsCollector(),
		prefix:    prefix,
		debug:     debugLogger(opts.Debug),
		warn:      newRateLimitedLogger(time.Minute),
		tracer:    otel.Tracer("pagesync"),
		now:       time.Now,
		flights:   map[string]*flight{},
	}
}

// Key is the store key of a relative resource path.
func (m *Manager) Key(relPath string) string {
	return m.prefix + relPath
}

// FetchOrRevalidate returns ref from the store when it is younger than ttl,
// and otherwise asks the host: conditionally when an ETag is known, in full
// when not. When the host cannot be reached the network state decides
// between the stale copy and the error. ttl <= 0 always asks the host.
func (m *Manager) FetchOrRevalidate(ctx context.Context, ref ResourceRef, ttl time.Duration) (CacheEntry, error) {
	key := m.Key(ref.RelPath)
	ctx, span := m.tracer.Start(ctx, "pagesync.FetchOrRevalidate", trace.WithAttributes(
		attribute.String("pagesync.key", key),
		attribute.String("pagesync.base_path", ref.BasePath),
	))
	defer span.End()

	if err := m.validate(m.origin.URL(ref)); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "url rejected")
		return CacheEntry{}, err
	}
	if err := ctx.Err(); err != nil {
		return CacheEntry{}, err
	}

	fk := key + "\x00" + ref.BasePath
	if isReplay(ctx) {
		fk += "\x00replay"
	}
	f := m.joinFlight(ctx, fk)
	ch := m.group.DoChan(fk, func() (any, error) {
		return m.fetch(f.ctx, key, ref, ttl)
	})

	var res singleflight.Result
	select {
	case res = <-ch:
		m.leaveFlight(fk, f)
	case <-ctx.Done():
		m.leaveFlight(fk, f)
		span.SetStatus(codes.Error, "caller gone")
		return CacheEntry{}, ctx.Err()
	}
	v, err, shared := res.Val, res.Err, res.Shared
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return CacheEntry{}, err
	}
	ent := v.(CacheEntry)
	span.SetAttributes(
		attribute.String("pagesync.status", string(ent.Status)),
		attribute.Bool("pagesync.shared", shared),
	)
	return ent, nil
}

func (m *Manager) fetch(ctx context.Context, key string, ref ResourceRef, ttl time.Duration) (CacheEntry, error) {
	cached, hasCached := m.lookup(key)

	if hasCached && ttl > 0 && m.now().Sub(cached.FetchedAt) < ttl {
		m.debug.Printf("[CACHE HIT] %s (fresh)", ref.RelPath)
		m.trackHit(true)
		m.stats.Observe(len(cached.Content))
		cached.Status = StatusFresh
		return cached, nil
	}

	// An entry without ETag is never revalidated, only refetched.
	etag := ""
	if hasCached {
		etag = cached.ETag
	}

	target := m.origin.URL(ref)
	var res FetchResult
	err := m.retry.Do(ctx, ref.RelPath, func() error {
		r, err := m.origin.Fetch(ctx, ref, etag)
		if err != nil {
			return err
		}
		if r.NotModified && !hasCached {
			return &HostError{URL: target, Status: http.StatusNotModified}
		}
		res = r
		return nil
	})
	if err != nil {
		if ctx.Err() != nil || isReplay(ctx) {
			return CacheEntry{}, err
		}
		var stale *CacheEntry
		if hasCached {
			stale = &cached
		}
		ent, ferr := m.network.HandleFailure(QueuedFetch{Ref: ref, TTL: ttl}, stale, err)
		if ferr == nil {
			m.stats.TrackStale()
			log.Printf("[OFFLINE] returning stale cache for %s", ref.RelPath)
		}
		return ent, ferr
	}

	now := m.now()
	if res.NotModified {
		cached.FetchedAt = later(cached.FetchedAt, now)
		m.persist(key, cached)
		m.debug.Printf("[CACHE HIT] %s (304 Not Modified)", ref.RelPath)
		m.trackHit(true)
		m.stats.Observe(len(cached.Content))
		cached.Status = StatusRevalidated
		return cached, nil
	}

	fetchedAt := now
	if hasCached {
		fetchedAt = later(cached.FetchedAt, now)
	}
	ent := CacheEntry{
		Key:       key,
		Content:   res.Content,
		ETag:      res.ETag,
		FetchedAt: fetchedAt,
	}
	m.persist(key, ent)
	m.debug.Printf("[CACHE MISS] %s (fetched fresh)", ref.RelPath)
	m.trackHit(false)
	m.stats.Observe(len(ent.Content))
	ent.Status = StatusRefreshed
	return ent, nil
}

// flight is the context shared by every caller waiting on one fetch. It
// outlives any single caller and is cancelled once the last one leaves.
type flight struct {
	ctx     context.Context
	cancel  context.CancelFunc
	waiters int
}

func (m *Manager) joinFlight(ctx context.Context, fk string) *flight {
	m.flightMu.Lock()
	defer m.flightMu.Unlock()
	f, ok := m.flights[fk]
	if !ok {
		fctx, cancel := context.WithCancel(context.WithoutCancel(ctx))
		f = &flight{ctx: fctx, cancel: cancel}
		m.flights[fk] = f
	}
	f.waiters++
	return f
}

func (m *Manager) leaveFlight(fk string, f *flight) {
	m.flightMu.Lock()
	defer m.flightMu.Unlock()
	f.waiters--
	if f.waiters > 0 {
		return
	}
	f.cancel()
	if m.flights[fk] == f {
		delete(m.flights, fk)
	}
	// An abandoned fetch may still be unwinding; later callers start over.
	m.group.Forget(fk)
}

func (m *Manager) validate(rawURL string) error {
	if m.validator == nil {
		return nil
	}
	return m.validator.Validate(rawURL)
}

// Lookup returns the stored entry for relPath without touching the network.
func (m *Manager) Lookup(relPath string) (CacheEntry, bool) {
	return m.lookup(m.Key(relPath))
}

func (m *Manager) lookup(key string) (CacheEntry, bool) {
	var ent CacheEntry
	ok, err := m.store.Get(key, &ent)
	if err != nil {
		m.warn.Printf("[STORE] unreadable entry %s: %v", key, err)
		return CacheEntry{}, false
	}
	return ent, ok
}

// persist writes ent. A failed write is logged; the caller still gets the
// entry it just fetched.
func (m *Manager) persist(key string, ent CacheEntry) {
	if err := m.store.Set(key, ent); err != nil {
		m.warn.Printf("[STORE] %s: %v", key, err)
	}
}

// trackHit notifies the metrics sink. Nothing it does may fail a fetch.
func (m *Manager) trackHit(hit bool) {
	m.stats.TrackCacheHit(hit)
	if m.metrics == nil {
		return
	}
	defer func() {
		if r := recover(); r != nil {
			m.warn.Printf("[METRICS] tracker panicked: %v", r)
		}
	}()
	m.metrics.TrackCacheHit(hit)
}

// Invalidate drops the cached copy of relPath.
func (m *Manager) Invalidate(relPath string) error {
	return m.store.Remove(m.Key(relPath))
}

// InvalidateAll drops every cached resource and leaves other application
// state alone.
func (m *Manager) InvalidateAll() (int, error) {
	return m.store.RemovePrefix(m.prefix)
}

// Sweep removes entries whose last successful fetch is older than maxAge,
// whatever TTL they were fetched with.
func (m *Manager) Sweep(maxAge time.Duration) (int, error) {
	if maxAge <= 0 {
		return 0, nil
	}
	now := m.now()
	cleaned := 0
	var errs []error
	for _, k := range m.store.Keys() {
		if !strings.HasPrefix(k, m.prefix) {
			continue
		}
		ent, ok := m.lookup(k)
		if !ok || ent.FetchedAt.IsZero() {
			continue
		}
		if now.Sub(ent.FetchedAt) <= maxAge {
			continue
		}
		if err := m.store.Remove(k); err != nil {
			errs = append(errs, err)
			continue
		}
		cleaned++
	}
	if cleaned > 0 {
		m.debug.Printf("[CACHE CLEANUP] removed %d old entries", cleaned)
	}
	return cleaned, errors.Join(errs...)
}

// Stats returns the hit/miss and payload counters.
func (m *Manager) Stats() StatsSnapshot {
	return m.stats.Snapshot()
}

func later(a, b time.Time) time.Time {
	if b.After(a) {
		return b
	}
	return a
}
