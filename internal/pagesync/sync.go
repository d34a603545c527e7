package pagesync

import (
	"context"
	"errors"
	"log"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// CatalogDir is one remote directory the scheduler keeps warm.
type CatalogDir struct {
	Dir      string `yaml:"dir"`
	Ext      string `yaml:"ext"`
	BasePath string `yaml:"basePath"`
}

func defaultCatalog() []CatalogDir {
	return []CatalogDir{
		{Dir: "assets/css", Ext: ".css"},
		{Dir: "assets/js", Ext: ".js"},
	}
}

type SyncReport struct {
	Listed    int           `json:"listed"`
	Refreshed int           `json:"refreshed"`
	Failed    int           `json:"failed"`
	Swept     int           `json:"swept"`
	Took      time.Duration `json:"took"`
}

// Scheduler periodically lists the catalog and revalidates everything in it.
// A run never overlaps another one and is skipped while offline.
type Scheduler struct {
	mgr     *Manager
	origin  Origin
	network *Network
	catalog []CatalogDir
	every   time.Duration
	maxAge  time.Duration

	running atomic.Bool
	started atomic.Bool
	kick    chan struct{}
	stopCh  chan struct{}
	stopped sync.Once
	wg      sync.WaitGroup
	debug   debugLogger
}

func NewScheduler(mgr *Manager, origin Origin, network *Network, catalog []CatalogDir, every, maxAge time.Duration, debug bool) *Scheduler {
	if len(catalog) == 0 {
		catalog = defaultCatalog()
	}
	return &Scheduler{
		mgr:     mgr,
		origin:  origin,
		network: network,
		catalog: catalog,
		every:   every,
		maxAge:  maxAge,
		kick:    make(chan struct{}, 1),
		stopCh:  make(chan struct{}),
		debug:   debugLogger(debug),
	}
}

// Start launches the periodic loop. Calling it again is a no-op.
func (s *Scheduler) Start() bool {
	if s.every <= 0 || !s.started.CompareAndSwap(false, true) {
		return false
	}
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.loop()
	}()
	log.Printf("[BACKGROUND SYNC] background sync started (%s interval)", s.every)
	return true
}

func (s *Scheduler) Started() bool {
	return s.started.Load()
}

// Kick asks a started loop for an extra run without waiting for the next
// tick. It never blocks.
func (s *Scheduler) Kick() {
	if !s.started.Load() {
		return
	}
	select {
	case s.kick <- struct{}{}:
	default:
	}
}

func (s *Scheduler) Stop() {
	s.stopped.Do(func() { close(s.stopCh) })
	s.wg.Wait()
}

func (s *Scheduler) loop() {
	t := time.NewTicker(s.every)
	defer t.Stop()
	for {
		select {
		case <-s.stopCh:
			return
		case <-s.kick:
			s.runLogged()
		case <-t.C:
			s.runLogged()
		}
	}
}

func (s *Scheduler) runLogged() {
	ctx, cancel := s.runContext()
	rep, err := s.RunOnce(ctx)
	cancel()
	switch {
	case errors.Is(err, ErrOffline):
		s.debug.Printf("[BACKGROUND SYNC] skipped, offline")
	case errors.Is(err, ErrSyncInProgress):
		log.Printf("[BACKGROUND SYNC] previous run still in progress, skipping tick")
	case err != nil:
		log.Printf("[BACKGROUND SYNC] error: %v", err)
	default:
		log.Printf("[BACKGROUND SYNC] refreshed=%d failed=%d swept=%d took=%s",
			rep.Refreshed, rep.Failed, rep.Swept, rep.Took.Round(time.Millisecond))
	}
}

// runContext is cancelled when the scheduler stops.
func (s *Scheduler) runContext() (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		select {
		case <-s.stopCh:
			cancel()
		case <-ctx.Done():
		}
	}()
	return ctx, cancel
}

// RunOnce performs one sync pass now.
func (s *Scheduler) RunOnce(ctx context.Context) (SyncReport, error) {
	if !s.network.Online() {
		return SyncReport{}, ErrOffline
	}
	if !s.running.CompareAndSwap(false, true) {
		return SyncReport{}, ErrSyncInProgress
	}
	defer s.running.Store(false)

	ctx, span := s.mgr.tracer.Start(ctx, "pagesync.BackgroundSync")
	defer span.End()

	start := time.Now()
	var rep SyncReport
	s.debug.Printf("[BACKGROUND SYNC] starting cache refresh")

	if n, err := s.mgr.Sweep(s.maxAge); err != nil {
		log.Printf("[BACKGROUND SYNC] sweep: %v", err)
	} else {
		rep.Swept = n
	}

	for _, c := range s.catalog {
		if ctx.Err() != nil {
			return rep, ctx.Err()
		}
		files, err := s.list(ctx, c)
		if err != nil {
			log.Printf("[BACKGROUND SYNC] list %s: %v", c.Dir, err)
			rep.Failed++
			continue
		}
		rep.Listed += len(files)
		for _, f := range files {
			if ctx.Err() != nil {
				return rep, ctx.Err()
			}
			ref := ResourceRef{BasePath: c.BasePath, RelPath: strings.Trim(c.Dir, "/") + "/" + f}
			if _, err := s.mgr.FetchOrRevalidate(ctx, ref, 0); err != nil {
				log.Printf("[BACKGROUND SYNC] %s: %v", ref.RelPath, err)
				rep.Failed++
				continue
			}
			rep.Refreshed++
		}
	}
	rep.Took = time.Since(start)
	span.SetAttributes(
		attribute.Int("pagesync.sync.refreshed", rep.Refreshed),
		attribute.Int("pagesync.sync.failed", rep.Failed),
	)
	s.debug.Printf("[BACKGROUND SYNC] cache refresh complete")
	return rep, nil
}

// ListAvailable lists the files of one catalog kind ("css" or "js").
func (s *Scheduler) ListAvailable(ctx context.Context, kind string) ([]string, error) {
	ext := "." + strings.TrimPrefix(strings.ToLower(kind), ".")
	for _, c := range s.catalog {
		if c.Ext == ext {
			return s.list(ctx, c)
		}
	}
	return nil, &ValidationError{URL: kind, Reason: "unknown catalog kind"}
}

// list asks the URL-safety check before the listing request goes out.
func (s *Scheduler) list(ctx context.Context, c CatalogDir) ([]string, error) {
	if err := s.mgr.validate(s.origin.ListURL(c.Dir)); err != nil {
		return nil, err
	}
	return s.origin.List(ctx, c.Dir, c.Ext)
}

// PreloadSet is the resource set warmed at startup: every file under every
// page.
type PreloadSet struct {
	BasePath string
	Pages    []string
	Files    []string
	TTL      time.Duration
}

type PreloadReport struct {
	Loaded int `json:"loaded"`
	Failed int `json:"failed"`
}

// Preload fetches the known resource set. After a failure the rest of that
// page's files are skipped.
func Preload(ctx context.Context, mgr *Manager, set PreloadSet) PreloadReport {
	ctx, span := mgr.tracer.Start(ctx, "pagesync.Preload", trace.WithAttributes(
		attribute.Int("pagesync.preload.pages", len(set.Pages)),
	))
	defer span.End()

	var rep PreloadReport
	mgr.debug.Printf("[CACHE] preloading frequent pages")
	for _, page := range set.Pages {
		failed := false
		for _, file := range set.Files {
			ref := ResourceRef{BasePath: set.BasePath, RelPath: page + "/" + file}
			if _, err := mgr.FetchOrRevalidate(ctx, ref, set.TTL); err != nil {
				mgr.debug.Printf("[CACHE] failed to preload %s: %v", page, err)
				failed = true
				break
			}
			rep.Loaded++
		}
		if failed {
			rep.Failed++
			continue
		}
		mgr.debug.Printf("[CACHE] preloaded %s", page)
	}
	return rep
}
