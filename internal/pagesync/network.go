package pagesync

import (
	"context"
	"log"
	"sync"
	"time"
)

type NetworkState int

const (
	Online NetworkState = iota
	Offline
)

func (s NetworkState) String() string {
	if s == Offline {
		return "offline"
	}
	return "online"
}

// QueuedFetch is a fetch deferred while offline.
type QueuedFetch struct {
	Ref        ResourceRef
	TTL        time.Duration
	EnqueuedAt time.Time
}

// ReplayFunc re-runs one deferred fetch.
type ReplayFunc func(ctx context.Context, q QueuedFetch) error

// Network is the online/offline state machine. It only changes state on
// SetOnline; nothing times out on its own. Fetches that fail while offline
// are queued and replayed once, in order, on the next Offline->Online edge.
type Network struct {
	mu        sync.Mutex
	state     NetworkState
	queue     []QueuedFetch
	listeners []func(NetworkState)

	// batches waiting for the single replay goroutine, in edge order
	batches   [][]QueuedFetch
	replaying bool
	closed    bool

	replay ReplayFunc
	wg     sync.WaitGroup
	ctx    context.Context
	debug  debugLogger
}

// NewNetwork starts Online. ctx bounds every replay.
func NewNetwork(ctx context.Context, replay ReplayFunc, debug bool) *Network {
	return &Network{ctx: ctx, replay: replay, debug: debugLogger(debug)}
}

func (n *Network) State() NetworkState {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.state
}

func (n *Network) Online() bool {
	return n.State() == Online
}

// OnChange registers fn to be called after every state change.
func (n *Network) OnChange(fn func(NetworkState)) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.listeners = append(n.listeners, fn)
}

// SetOnline applies an external connectivity signal. Going from Offline to
// Online hands the current queue to a background replay and returns its
// length; every other call returns 0. After Close the queue is kept and no
// replay starts.
func (n *Network) SetOnline(online bool) int {
	next := Offline
	if online {
		next = Online
	}

	n.mu.Lock()
	prev := n.state
	n.state = next
	queued, start := 0, false
	if prev == Offline && next == Online && len(n.queue) > 0 && !n.closed {
		queued = len(n.queue)
		n.batches = append(n.batches, n.queue)
		n.queue = nil
		if !n.replaying {
			n.replaying, start = true, true
			n.wg.Add(1)
		}
	}
	listeners := append([]func(NetworkState)(nil), n.listeners...)
	n.mu.Unlock()

	if prev != next {
		log.Printf("[NETWORK] status changed: %s", next)
		for _, fn := range listeners {
			fn(next)
		}
	}
	if start {
		go n.drain()
	}
	return queued
}

func (n *Network) drain() {
	defer n.wg.Done()
	for {
		n.mu.Lock()
		if len(n.batches) == 0 {
			n.replaying = false
			n.mu.Unlock()
			return
		}
		batch := n.batches[0]
		n.batches = n.batches[1:]
		n.mu.Unlock()
		n.replayBatch(batch)
	}
}

func (n *Network) replayBatch(batch []QueuedFetch) {
	log.Printf("[OFFLINE QUEUE] processing %d queued requests", len(batch))
	for _, q := range batch {
		if n.ctx.Err() != nil {
			log.Printf("[OFFLINE QUEUE] shutting down, dropping remaining requests")
			return
		}
		if err := n.replay(withReplay(n.ctx), q); err != nil {
			log.Printf("[OFFLINE QUEUE] failed to sync %s: %v", q.Ref.RelPath, err)
			continue
		}
		n.debug.Printf("[OFFLINE QUEUE] synced %s", q.Ref.RelPath)
	}
	n.debug.Printf("[OFFLINE QUEUE] sync complete")
}

// HandleFailure decides what a fetch that exhausted its retries returns.
// Online: the error, always. Offline: the fetch is queued, and the stale
// entry is returned when there is one.
func (n *Network) HandleFailure(q QueuedFetch, stale *CacheEntry, err error) (CacheEntry, error) {
	n.mu.Lock()
	if n.state == Online {
		n.mu.Unlock()
		return CacheEntry{}, err
	}
	if q.EnqueuedAt.IsZero() {
		q.EnqueuedAt = time.Now()
	}
	n.queue = append(n.queue, q)
	n.mu.Unlock()

	n.debug.Printf("[OFFLINE QUEUE] adding %s to queue", q.Ref.RelPath)
	if stale == nil {
		return CacheEntry{}, err
	}
	ent := *stale
	ent.Status = StatusStale
	return ent, nil
}

// Pending returns a copy of the queued fetches.
func (n *Network) Pending() []QueuedFetch {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]QueuedFetch(nil), n.queue...)
}

// Wait blocks until every started replay batch has finished.
func (n *Network) Wait() {
	n.wg.Wait()
}

// Close refuses further replays and waits for the running one.
func (n *Network) Close() {
	n.mu.Lock()
	n.closed = true
	n.mu.Unlock()
	n.wg.Wait()
}

type replayCtxKey struct{}

// withReplay marks ctx as belonging to an offline queue replay. A replayed
// fetch that fails is dropped, never queued again.
func withReplay(ctx context.Context) context.Context {
	return context.WithValue(ctx, replayCtxKey{}, true)
}

func isReplay(ctx context.Context) bool {
	v, _ := ctx.Value(replayCtxKey{}).(bool)
	return v
}
