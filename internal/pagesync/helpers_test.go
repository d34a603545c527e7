package pagesync

import (
	"context"
	"net/http"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

const testSecret = "0123456789abcdef-test-secret"

type fakeFile struct {
	body string
	etag string
}

type fakeCall struct {
	path string
	etag string
}

// fakeOrigin serves files from memory and honours If-None-Match the way a
// raw content host does.
type fakeOrigin struct {
	mu      sync.Mutex
	files   map[string]fakeFile
	listing map[string][]string
	calls   []fakeCall
	lists   []string
	failN   int   // fail this many fetches with err before serving
	err     error // failure to return; nil means a transient error
	down    bool  // fail every fetch
}

func newFakeOrigin() *fakeOrigin {
	return &fakeOrigin{files: map[string]fakeFile{}, listing: map[string][]string{}}
}

func (o *fakeOrigin) set(path, body, etag string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.files[path] = fakeFile{body: body, etag: etag}
}

func (o *fakeOrigin) setDown(down bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.down = down
}

func (o *fakeOrigin) listLog() []string {
	o.mu.Lock()
	defer o.mu.Unlock()
	return append([]string(nil), o.lists...)
}

func (o *fakeOrigin) callLog() []fakeCall {
	o.mu.Lock()
	defer o.mu.Unlock()
	return append([]fakeCall(nil), o.calls...)
}

func (o *fakeOrigin) URL(ref ResourceRef) string {
	return "https://raw.example.test/" + ref.Path()
}

func (o *fakeOrigin) Fetch(_ context.Context, ref ResourceRef, etag string) (FetchResult, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.calls = append(o.calls, fakeCall{path: ref.Path(), etag: etag})

	if o.down || o.failN > 0 {
		if o.failN > 0 {
			o.failN--
		}
		if o.err != nil {
			return FetchResult{}, o.err
		}
		return FetchResult{}, &TransientNetworkError{URL: o.URL(ref), Err: context.DeadlineExceeded}
	}
	f, ok := o.files[ref.Path()]
	if !ok {
		return FetchResult{}, &HostError{URL: o.URL(ref), Status: http.StatusNotFound}
	}
	if etag != "" && etag == f.etag {
		return FetchResult{NotModified: true}, nil
	}
	return FetchResult{Content: []byte(f.body), ETag: f.etag}, nil
}

func (o *fakeOrigin) ListURL(dir string) string {
	return "https://raw.example.test/" + dir + "/"
}

func (o *fakeOrigin) List(_ context.Context, dir, _ string) ([]string, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.lists = append(o.lists, dir)
	if o.down {
		return nil, &TransientNetworkError{URL: dir, Err: context.DeadlineExceeded}
	}
	return append([]string(nil), o.listing[dir]...), nil
}

func openTestStore(t *testing.T, dir string) *Store {
	t.Helper()
	s, err := OpenStore(StoreOptions{Dir: dir, Secret: testSecret})
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

// fastRetry retries without sleeping.
func fastRetry() *Retrier {
	r := NewRetrier(RetryPolicy{MaxRetries: 3})
	r.jitter = func(time.Duration) time.Duration { return 0 }
	return r
}

type testManager struct {
	*Manager
	store   *Store
	origin  *fakeOrigin
	network *Network
	clock   *testClock
}

type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func newTestManager(t *testing.T, opts ManagerOptions) *testManager {
	t.Helper()
	store := openTestStore(t, t.TempDir())
	origin := newFakeOrigin()
	tm := &testManager{store: store, origin: origin, clock: &testClock{now: time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)}}
	tm.network = NewNetwork(context.Background(), func(ctx context.Context, q QueuedFetch) error {
		_, err := tm.FetchOrRevalidate(ctx, q.Ref, q.TTL)
		return err
	}, false)
	tm.Manager = NewManager(store, origin, fastRetry(), tm.network, opts)
	tm.Manager.now = tm.clock.Now
	return tm
}
