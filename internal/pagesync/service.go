package pagesync

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"strings"
	"sync"
	"time"
)

const pagesBasePath = "pages/"

// Options carries collaborators that do not come from the config file.
type Options struct {
	HTTPClient   Doer // transport under the dispatcher; defaults to a 30s http.Client
	Origin       Origin
	Validator    URLValidator
	Metrics      Metrics
	Updater      Updater
	UpdateEvents UpdateEvents
}

// Service owns every component and exposes the operations the UI layer uses.
type Service struct {
	cfg Config

	store      *Store
	dispatcher *Dispatcher
	origin     Origin
	network    *Network
	mgr        *Manager
	scheduler  *Scheduler
	updater    Updater
	events     UpdateEvents

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
	debug  debugLogger
}

func NewService(cfg Config, opts Options) (*Service, error) {
	store, err := OpenStore(StoreOptions{
		Dir:    cfg.Storage.Dir,
		Secret: cfg.Env.EncryptionKey,
		Engine: cfg.Storage.Engine,
		Redis: RedisStoreOptions{
			Addr:     cfg.Storage.Redis.Addr,
			Password: cfg.Env.RedisPassword,
			DB:       cfg.Storage.Redis.DB,
			Key:      cfg.Storage.Redis.Key,
		},
	})
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}

	httpClient := opts.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 30 * time.Second}
	}
	dispatcher := NewDispatcher(httpClient, cfg.spacing)

	ctx, cancel := context.WithCancel(context.Background())
	s := &Service{
		cfg:        cfg,
		store:      store,
		dispatcher: dispatcher,
		updater:    opts.Updater,
		events:     opts.UpdateEvents,
		ctx:        ctx,
		cancel:     cancel,
		debug:      debugLogger(cfg.Logging.Debug),
	}
	if s.updater == nil {
		s.updater = noopUpdater{}
	}
	if s.events == nil {
		s.events = logUpdateEvents{}
	}

	s.origin = opts.Origin
	var hosts []string
	if s.origin == nil {
		switch strings.ToLower(cfg.Origin.Kind) {
		case "s3":
			o, err := NewS3Origin(ctx, S3Options{
				Endpoint:  cfg.Origin.S3.Endpoint,
				Region:    cfg.Origin.S3.Region,
				Bucket:    cfg.Origin.S3.Bucket,
				Prefix:    cfg.Origin.S3.Prefix,
				AccessKey: cfg.Env.S3AccessKey,
				SecretKey: cfg.Env.S3SecretKey,
				MaxBody:   cfg.maxBody,
			}, dispatcher)
			if err != nil {
				s.closeParts()
				return nil, fmt.Errorf("s3 origin: %w", err)
			}
			s.origin, hosts = o, o.Hosts()
		default:
			gh := cfg.Origin.GitHub
			o := NewGitHubOrigin(GitHubOptions{
				Owner:      gh.Owner,
				Repo:       gh.Repo,
				Branch:     gh.Branch,
				Token:      cfg.Env.GitHubToken,
				RawBaseURL: gh.RawBaseURL,
				APIBaseURL: gh.APIBaseURL,
				UserAgent:  gh.UserAgent,
				MaxBody:    cfg.maxBody,
			}, dispatcher)
			s.origin, hosts = o, o.Hosts()
		}
	}

	validator := opts.Validator
	if validator == nil {
		validator = defaultValidator(cfg, hosts)
	}

	retrier := NewRetrier(cfg.retry)
	retrier.OnRetry = func(label string, retry int, delay time.Duration, err error) {
		s.debug.Printf("[RETRY %d/%d] %s after %s - %v", retry, cfg.retry.MaxRetries, label, delay.Round(time.Millisecond), err)
	}

	s.network = NewNetwork(ctx, func(ctx context.Context, q QueuedFetch) error {
		_, err := s.mgr.FetchOrRevalidate(ctx, q.Ref, q.TTL)
		return err
	}, cfg.Logging.Debug)

	s.mgr = NewManager(store, s.origin, retrier, s.network, ManagerOptions{
		Prefix:    cfg.Cache.Prefix,
		Validator: validator,
		Metrics:   opts.Metrics,
		Debug:     cfg.Logging.Debug,
	})
	s.scheduler = NewScheduler(s.mgr, s.origin, s.network, cfg.Sync.Catalog, cfg.syncEvery, cfg.maxAge, cfg.Logging.Debug)
	s.network.OnChange(func(st NetworkState) {
		if st == Online {
			s.scheduler.Kick()
		}
	})
	return s, nil
}

func defaultValidator(cfg Config, originHosts []string) URLValidator {
	hosts := cfg.Security.AllowedHosts
	if len(hosts) == 0 {
		hosts = originHosts
	}
	schemes := []string{"https"}
	if cfg.Security.AllowInsecure {
		schemes = append(schemes, "http")
	}
	if strings.EqualFold(cfg.Origin.Kind, "s3") {
		schemes = append(schemes, "s3")
	}
	return HostAllowlist{Schemes: schemes, Hosts: hosts}
}

// Start runs the startup sequence: staleness sweep, background sync, and the
// delayed preload, update check and stats loop.
func (s *Service) Start() {
	if n, err := s.mgr.Sweep(s.cfg.maxAge); err != nil {
		log.Printf("[CACHE CLEANUP] %v", err)
	} else if n > 0 {
		log.Printf("[CACHE CLEANUP] removed %d old entries", n)
	}

	s.scheduler.Start()

	s.after(s.cfg.preloadDelay, func() {
		rep := s.Preload(s.ctx)
		s.debug.Printf("[CACHE] preload done: loaded=%d failed=%d", rep.Loaded, rep.Failed)
	})
	s.after(s.cfg.updateDelay, func() {
		if err := s.updater.Check(s.ctx); err != nil {
			s.debug.Printf("[UPDATER] check failed: %v", err)
		}
	})

	if s.cfg.logStatsEvery > 0 {
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.statsLoop(s.cfg.logStatsEvery)
		}()
	}
}

// after runs fn once delay has passed, unless the service closes first.
func (s *Service) after(delay time.Duration, fn func()) {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		t := time.NewTimer(delay)
		defer t.Stop()
		select {
		case <-s.ctx.Done():
			return
		case <-t.C:
		}
		fn()
	}()
}

func (s *Service) statsLoop(every time.Duration) {
	t := time.NewTicker(every)
	defer t.Stop()
	for {
		select {
		case <-s.ctx.Done():
			return
		case <-t.C:
			ss := s.mgr.Stats()
			log.Printf(
				"Cached: Entries: %d, Hits: %d, Misses: %d, Stale: %d, Queued: %d, Payload Min/avg/max %s/%s/%s",
				s.store.Len(),
				ss.Hits,
				ss.Misses,
				ss.Stale,
				s.dispatcher.Queued(),
				formatBytes(ss.MinRespBytes),
				formatBytes(ss.AvgRespBytes),
				formatBytes(ss.MaxRespBytes),
			)
		}
	}
}

func (s *Service) Close() {
	s.cancel()
	s.scheduler.Stop()
	s.wg.Wait()
	s.network.Close()
	s.closeParts()
}

func (s *Service) closeParts() {
	s.cancel()
	s.dispatcher.Close()
	if err := s.store.Close(); err != nil {
		log.Printf("[STORE] close: %v", err)
	}
}

// FetchPage returns a page file from the pages/ tree. ttl <= 0 uses the
// configured page TTL.
func (s *Service) FetchPage(ctx context.Context, relPath string, ttl time.Duration) (CacheEntry, error) {
	if ttl <= 0 {
		ttl = s.cfg.pageTTL
	}
	return s.mgr.FetchOrRevalidate(ctx, ResourceRef{BasePath: pagesBasePath, RelPath: relPath}, ttl)
}

// FetchAsset returns a file relative to the repository root. ttl <= 0 uses
// the configured asset TTL.
func (s *Service) FetchAsset(ctx context.Context, relPath string, ttl time.Duration) (CacheEntry, error) {
	if ttl <= 0 {
		ttl = s.cfg.assetTTL
	}
	return s.mgr.FetchOrRevalidate(ctx, ResourceRef{RelPath: relPath}, ttl)
}

func (s *Service) Invalidate(relPath string) error {
	return s.mgr.Invalidate(relPath)
}

func (s *Service) InvalidateAll() (int, error) {
	return s.mgr.InvalidateAll()
}

func (s *Service) ListAvailable(ctx context.Context, kind string) ([]string, error) {
	return s.scheduler.ListAvailable(ctx, kind)
}

// SetOnline feeds a connectivity signal and returns how many deferred
// fetches were handed to replay.
func (s *Service) SetOnline(online bool) int {
	return s.network.SetOnline(online)
}

func (s *Service) NetworkState() NetworkState {
	return s.network.State()
}

func (s *Service) PendingFetches() []QueuedFetch {
	return s.network.Pending()
}

// StartBackgroundSync starts the periodic refresh; false when it was
// already running or is disabled.
func (s *Service) StartBackgroundSync() bool {
	return s.scheduler.Start()
}

func (s *Service) RunSync(ctx context.Context) (SyncReport, error) {
	return s.scheduler.RunOnce(ctx)
}

func (s *Service) Preload(ctx context.Context) PreloadReport {
	return Preload(ctx, s.mgr, PreloadSet{
		BasePath: pagesBasePath,
		Pages:    s.cfg.Preload.Pages,
		Files:    s.cfg.Preload.Files,
		TTL:      s.cfg.pageTTL,
	})
}

// SetState, GetState and RemoveState give the UI layer plain application
// state in the same store. Keys inside the cache namespace are refused.
func (s *Service) SetState(key string, v any) error {
	if err := s.checkStateKey(key); err != nil {
		return err
	}
	return s.store.Set(key, v)
}

func (s *Service) GetState(key string) ([]byte, bool, error) {
	if err := s.checkStateKey(key); err != nil {
		return nil, false, err
	}
	raw, ok := s.store.GetRaw(key)
	return raw, ok, nil
}

func (s *Service) RemoveState(key string) error {
	if err := s.checkStateKey(key); err != nil {
		return err
	}
	return s.store.Remove(key)
}

func (s *Service) checkStateKey(key string) error {
	if strings.TrimSpace(key) == "" {
		return &ValidationError{URL: key, Reason: "empty state key"}
	}
	if strings.HasPrefix(key, s.cfg.Cache.Prefix) {
		return &ValidationError{URL: key, Reason: "key is in the cache namespace"}
	}
	return nil
}

func (s *Service) Update(ctx context.Context, action string) error {
	return runUpdateAction(ctx, s.updater, action)
}

// UpdateEvents is the sink an update channel reports progress to.
func (s *Service) UpdateEvents() UpdateEvents {
	return s.events
}

func (s *Service) Stats() StatsSnapshot {
	return s.mgr.Stats()
}
