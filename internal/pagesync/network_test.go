package pagesync

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type replayRecorder struct {
	mu   sync.Mutex
	seen []string
	fail map[string]bool
}

func (r *replayRecorder) replay(_ context.Context, q QueuedFetch) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.seen = append(r.seen, q.Ref.RelPath)
	if r.fail[q.Ref.RelPath] {
		return errors.New("still broken")
	}
	return nil
}

func (r *replayRecorder) calls() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.seen...)
}

func queueOffline(t *testing.T, n *Network, paths ...string) {
	t.Helper()
	for _, p := range paths {
		_, err := n.HandleFailure(QueuedFetch{Ref: ResourceRef{RelPath: p}}, nil, errors.New("down"))
		require.Error(t, err)
	}
}

func TestNetworkStartsOnline(t *testing.T) {
	n := NewNetwork(context.Background(), nil, false)
	assert.Equal(t, Online, n.State())
	assert.Equal(t, "online", n.State().String())
	assert.Equal(t, "offline", Offline.String())
}

func TestNetworkReplaysQueueInOrderOnce(t *testing.T) {
	rec := &replayRecorder{}
	n := NewNetwork(context.Background(), rec.replay, false)

	n.SetOnline(false)
	queueOffline(t, n, "a.css", "b.css", "a.css")
	require.Len(t, n.Pending(), 3)

	assert.Equal(t, 3, n.SetOnline(true))
	n.Wait()
	assert.Equal(t, []string{"a.css", "b.css", "a.css"}, rec.calls())
	assert.Empty(t, n.Pending())

	assert.Equal(t, 0, n.SetOnline(true))
	n.Wait()
	assert.Len(t, rec.calls(), 3)
}

func TestNetworkDropsFailedReplays(t *testing.T) {
	rec := &replayRecorder{fail: map[string]bool{"bad.js": true}}
	n := NewNetwork(context.Background(), rec.replay, false)

	n.SetOnline(false)
	queueOffline(t, n, "bad.js", "good.js")
	n.SetOnline(true)
	n.Wait()

	assert.Equal(t, []string{"bad.js", "good.js"}, rec.calls())
	assert.Empty(t, n.Pending())

	n.SetOnline(false)
	n.SetOnline(true)
	n.Wait()
	assert.Len(t, rec.calls(), 2)
}

func TestNetworkOnlineFailureIsNotQueued(t *testing.T) {
	n := NewNetwork(context.Background(), nil, false)
	stale := &CacheEntry{Content: []byte("old")}

	_, err := n.HandleFailure(QueuedFetch{Ref: ResourceRef{RelPath: "x"}}, stale, errors.New("down"))
	assert.Error(t, err)
	assert.Empty(t, n.Pending())
}

func TestNetworkOfflineReturnsStale(t *testing.T) {
	n := NewNetwork(context.Background(), nil, false)
	n.SetOnline(false)
	stale := &CacheEntry{Content: []byte("old"), Status: StatusRefreshed}

	ent, err := n.HandleFailure(QueuedFetch{Ref: ResourceRef{RelPath: "x"}}, stale, errors.New("down"))
	require.NoError(t, err)
	assert.Equal(t, StatusStale, ent.Status)
	assert.Equal(t, StatusRefreshed, stale.Status)

	pending := n.Pending()
	require.Len(t, pending, 1)
	assert.False(t, pending[0].EnqueuedAt.IsZero())
}

func TestNetworkOnChange(t *testing.T) {
	n := NewNetwork(context.Background(), nil, false)
	var got []NetworkState
	n.OnChange(func(s NetworkState) { got = append(got, s) })

	n.SetOnline(true)
	n.SetOnline(false)
	n.SetOnline(false)
	n.SetOnline(true)

	assert.Equal(t, []NetworkState{Offline, Online}, got)
}

func TestNetworkOfflineQueueReplaysThroughManager(t *testing.T) {
	tm := newTestManager(t, ManagerOptions{})
	tm.origin.set("assets/css/main.css", "body{}", `"css1"`)
	tm.origin.setDown(true)
	tm.network.SetOnline(false)

	ref := ResourceRef{RelPath: "assets/css/main.css"}
	_, err := tm.FetchOrRevalidate(context.Background(), ref, 0)
	require.Error(t, err)

	tm.origin.setDown(false)
	assert.Equal(t, 1, tm.network.SetOnline(true))
	tm.network.Wait()

	ent, ok := tm.Lookup("assets/css/main.css")
	require.True(t, ok)
	assert.Equal(t, "body{}", string(ent.Content))
}

func TestNetworkCloseRefusesReplay(t *testing.T) {
	rec := &replayRecorder{}
	n := NewNetwork(context.Background(), rec.replay, false)

	n.SetOnline(false)
	queueOffline(t, n, "a.css")
	n.Close()

	assert.Equal(t, 0, n.SetOnline(true))
	assert.Equal(t, Online, n.State())
	n.Wait()
	assert.Empty(t, rec.calls())
	assert.Len(t, n.Pending(), 1)
}

func TestNetworkReplayContextIsMarked(t *testing.T) {
	var marked []bool
	n := NewNetwork(context.Background(), func(ctx context.Context, _ QueuedFetch) error {
		marked = append(marked, isReplay(ctx))
		return nil
	}, false)

	n.SetOnline(false)
	queueOffline(t, n, "a.css")
	n.SetOnline(true)
	n.Wait()

	assert.Equal(t, []bool{true}, marked)
	assert.False(t, isReplay(context.Background()))
}
