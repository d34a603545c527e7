package pagesync

import (
	"context"
	"net/http"
	"sync"
	"time"
)

// Doer issues one HTTP request. *http.Client satisfies it.
type Doer interface {
	Do(req *http.Request) (*http.Response, error)
}

type dispatchResult struct {
	resp *http.Response
	err  error
}

// ticket is one queued request. done is buffered so the worker never blocks
// on a caller that went away.
type ticket struct {
	req  *http.Request
	done chan dispatchResult
}

// Pending is the future returned by Submit.
type Pending struct {
	t *ticket
}

// Wait blocks until the request was serviced or ctx is done. When ctx wins,
// any response that arrives later is closed on the caller's behalf.
func (p *Pending) Wait(ctx context.Context) (*http.Response, error) {
	select {
	case r := <-p.t.done:
		return r.resp, r.err
	case <-ctx.Done():
		go func() {
			if r := <-p.t.done; r.resp != nil {
				_ = r.resp.Body.Close()
			}
		}()
		return nil, ctx.Err()
	}
}

// Dispatcher funnels every outbound request through one FIFO queue. A single
// worker issues one request at a time and then waits spacing before taking
// the next ticket, whatever the outcome of the previous one.
type Dispatcher struct {
	client  Doer
	spacing time.Duration

	mu     sync.Mutex
	queue  []*ticket
	closed bool

	wake   chan struct{}
	stopCh chan struct{}
	done   chan struct{}
}

func NewDispatcher(client Doer, spacing time.Duration) *Dispatcher {
	if client == nil {
		client = &http.Client{Timeout: 30 * time.Second}
	}
	d := &Dispatcher{
		client:  client,
		spacing: spacing,
		wake:    make(chan struct{}, 1),
		stopCh:  make(chan struct{}),
		done:    make(chan struct{}),
	}
	go d.loop()
	return d
}

// Submit enqueues req and returns immediately.
func (d *Dispatcher) Submit(req *http.Request) *Pending {
	t := &ticket{req: req, done: make(chan dispatchResult, 1)}

	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		t.done <- dispatchResult{err: ErrDispatcherClosed}
		return &Pending{t: t}
	}
	d.queue = append(d.queue, t)
	d.mu.Unlock()

	select {
	case d.wake <- struct{}{}:
	default:
	}
	return &Pending{t: t}
}

// Do submits req and waits for it under req's own context. It lets the
// dispatcher stand in for an *http.Client.
func (d *Dispatcher) Do(req *http.Request) (*http.Response, error) {
	return d.Submit(req).Wait(req.Context())
}

// Queued reports how many tickets wait behind the one in flight.
func (d *Dispatcher) Queued() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.queue)
}

// Close stops the worker and fails every ticket still queued.
func (d *Dispatcher) Close() {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return
	}
	d.closed = true
	d.mu.Unlock()

	close(d.stopCh)
	<-d.done

	d.mu.Lock()
	rest := d.queue
	d.queue = nil
	d.mu.Unlock()
	for _, t := range rest {
		t.done <- dispatchResult{err: ErrDispatcherClosed}
	}
}

func (d *Dispatcher) loop() {
	defer close(d.done)
	for {
		t, ok := d.next()
		if !ok {
			return
		}
		if err := t.req.Context().Err(); err != nil {
			t.done <- dispatchResult{err: err}
			continue
		}

		resp, err := d.client.Do(t.req)
		t.done <- dispatchResult{resp: resp, err: err}

		if d.spacing <= 0 {
			continue
		}
		timer := time.NewTimer(d.spacing)
		select {
		case <-d.stopCh:
			timer.Stop()
			return
		case <-timer.C:
		}
	}
}

func (d *Dispatcher) next() (*ticket, bool) {
	for {
		select {
		case <-d.stopCh:
			return nil, false
		default:
		}

		d.mu.Lock()
		if len(d.queue) > 0 {
			t := d.queue[0]
			d.queue[0] = nil
			d.queue = d.queue[1:]
			d.mu.Unlock()
			return t, true
		}
		d.mu.Unlock()

		select {
		case <-d.stopCh:
			return nil, false
		case <-d.wake:
		}
	}
}
