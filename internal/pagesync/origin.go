package pagesync

import (
	"context"
	"net/url"
	"strings"
)

// ResourceRef names one remote file: BasePath is the directory prefix on the
// host ("pages/" or "" for the repository root), RelPath the file below it.
type ResourceRef struct {
	BasePath string
	RelPath  string
}

func (r ResourceRef) Path() string {
	return r.BasePath + r.RelPath
}

// FetchResult is one answer from the content host. NotModified is set when
// the host confirmed the supplied validator.
type FetchResult struct {
	NotModified bool
	Content     []byte
	ETag        string
}

// Origin is the remote content host.
type Origin interface {
	// URL is the address Fetch will hit for ref. It is what the URL-safety
	// validator sees.
	URL(ref ResourceRef) string
	// Fetch gets ref, conditionally when etag is not empty. Failures are
	// *TransientNetworkError or *HostError.
	Fetch(ctx context.Context, ref ResourceRef, etag string) (FetchResult, error)
	// ListURL is the address List will hit for dir.
	ListURL(dir string) string
	// List returns the names of the files directly under dir whose name
	// ends with ext.
	List(ctx context.Context, dir, ext string) ([]string, error)
}

// URLValidator approves a target URL before any request is issued.
type URLValidator interface {
	Validate(rawURL string) error
}

type URLValidatorFunc func(rawURL string) error

func (f URLValidatorFunc) Validate(rawURL string) error { return f(rawURL) }

// HostAllowlist accepts URLs whose scheme and host are listed.
type HostAllowlist struct {
	Schemes []string
	Hosts   []string
}

func (a HostAllowlist) Validate(rawURL string) error {
	u, err := url.Parse(rawURL)
	if err != nil {
		return &ValidationError{URL: rawURL, Reason: "unparseable"}
	}
	if !containsFold(a.Schemes, u.Scheme) {
		return &ValidationError{URL: rawURL, Reason: "scheme " + u.Scheme + " not allowed"}
	}
	if u.User != nil {
		return &ValidationError{URL: rawURL, Reason: "userinfo not allowed"}
	}
	if !containsFold(a.Hosts, u.Hostname()) {
		return &ValidationError{URL: rawURL, Reason: "host " + u.Hostname() + " not allowed"}
	}
	for _, seg := range strings.Split(u.Path, "/") {
		if seg == ".." {
			return &ValidationError{URL: rawURL, Reason: "path traversal"}
		}
	}
	return nil
}

func containsFold(list []string, v string) bool {
	for _, s := range list {
		if strings.EqualFold(strings.TrimSpace(s), v) {
			return true
		}
	}
	return false
}
