package pagesync

import (
	"errors"
	"fmt"
	"net/http"
)

var (
	ErrNotFound         = errors.New("entry not found")
	ErrDispatcherClosed = errors.New("dispatcher closed")
	ErrSyncInProgress   = errors.New("background sync already running")
	ErrOffline          = errors.New("network is offline")
	ErrNoUpdater        = errors.New("no update channel configured")
)

// TransientNetworkError is a failed round trip (dial, TLS, reset, timeout).
// The retry controller retries it.
type TransientNetworkError struct {
	URL string
	Err error
}

func (e *TransientNetworkError) Error() string {
	return fmt.Sprintf("fetch %s: %v", e.URL, e.Err)
}

func (e *TransientNetworkError) Unwrap() error { return e.Err }

// ValidationError means the URL-safety check rejected the target. It is never
// retried.
type ValidationError struct {
	URL    string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("unsafe URL blocked: %s (%s)", e.URL, e.Reason)
}

// HostError is a non-success status from the content host.
type HostError struct {
	URL    string
	Status int
}

func (e *HostError) Error() string {
	return fmt.Sprintf("HTTP %d: %s", e.Status, e.URL)
}

// NotFound reports whether the host answered 404.
func (e *HostError) NotFound() bool { return e.Status == http.StatusNotFound }

// DecryptionError is raised inside the store when a value cannot be opened.
// Callers never see it: the store resets itself instead.
type DecryptionError struct {
	Key string
	Err error
}

func (e *DecryptionError) Error() string {
	return fmt.Sprintf("decrypt %q: %v", e.Key, e.Err)
}

func (e *DecryptionError) Unwrap() error { return e.Err }

// PersistenceError wraps a failed write of the store. The in-memory mirror
// already holds the new value when this is returned.
type PersistenceError struct {
	Op  string
	Err error
}

func (e *PersistenceError) Error() string {
	return fmt.Sprintf("store %s: %v", e.Op, e.Err)
}

func (e *PersistenceError) Unwrap() error { return e.Err }
