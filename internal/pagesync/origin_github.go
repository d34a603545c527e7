package pagesync

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
)

const (
	defaultRawBaseURL = "https://raw.githubusercontent.com"
	defaultAPIBaseURL = "https://api.github.com"
	defaultUserAgent  = "pagesync"
)

type GitHubOptions struct {
	Owner  string
	Repo   string
	Branch string
	Token  string

	RawBaseURL string
	APIBaseURL string
	UserAgent  string
	MaxBody    int64
}

// GitHubOrigin reads raw files from a repository branch and lists
// directories through the contents API. Every request goes through client,
// normally the shared Dispatcher.
type GitHubOrigin struct {
	opts   GitHubOptions
	client Doer
}

func NewGitHubOrigin(opts GitHubOptions, client Doer) *GitHubOrigin {
	if opts.RawBaseURL == "" {
		opts.RawBaseURL = defaultRawBaseURL
	}
	if opts.APIBaseURL == "" {
		opts.APIBaseURL = defaultAPIBaseURL
	}
	if opts.UserAgent == "" {
		opts.UserAgent = defaultUserAgent
	}
	opts.RawBaseURL = strings.TrimRight(opts.RawBaseURL, "/")
	opts.APIBaseURL = strings.TrimRight(opts.APIBaseURL, "/")
	return &GitHubOrigin{opts: opts, client: client}
}

// Hosts returns the hostnames this origin talks to.
func (g *GitHubOrigin) Hosts() []string {
	var out []string
	for _, raw := range []string{g.opts.RawBaseURL, g.opts.APIBaseURL} {
		if u, err := url.Parse(raw); err == nil {
			out = append(out, u.Hostname())
		}
	}
	return out
}

func (g *GitHubOrigin) URL(ref ResourceRef) string {
	return fmt.Sprintf("%s/%s/%s/%s/%s", g.opts.RawBaseURL, g.opts.Owner, g.opts.Repo, g.opts.Branch, ref.Path())
}

func (g *GitHubOrigin) Fetch(ctx context.Context, ref ResourceRef, etag string) (FetchResult, error) {
	target := g.URL(ref)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return FetchResult{}, err
	}
	req.Header.Set("User-Agent", g.opts.UserAgent)
	if etag != "" {
		req.Header.Set("If-None-Match", etag)
	}

	resp, err := g.client.Do(req)
	if err != nil {
		return FetchResult{}, &TransientNetworkError{URL: target, Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotModified {
		return FetchResult{NotModified: true, ETag: etag}, nil
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
		return FetchResult{}, &HostError{URL: target, Status: resp.StatusCode}
	}

	body, err := readLimited(resp.Body, g.opts.MaxBody)
	if err != nil {
		return FetchResult{}, &TransientNetworkError{URL: target, Err: err}
	}
	return FetchResult{Content: body, ETag: resp.Header.Get("ETag")}, nil
}

type contentsItem struct {
	Name string `json:"name"`
	Type string `json:"type"`
}

func (g *GitHubOrigin) ListURL(dir string) string {
	return fmt.Sprintf("%s/repos/%s/%s/contents/%s?ref=%s",
		g.opts.APIBaseURL, g.opts.Owner, g.opts.Repo, strings.Trim(dir, "/"), url.QueryEscape(g.opts.Branch))
}

func (g *GitHubOrigin) List(ctx context.Context, dir, ext string) ([]string, error) {
	target := g.ListURL(dir)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("User-Agent", g.opts.UserAgent)
	req.Header.Set("Accept", "application/vnd.github.v3+json")
	if g.opts.Token != "" {
		req.Header.Set("Authorization", "token "+g.opts.Token)
	}

	resp, err := g.client.Do(req)
	if err != nil {
		return nil, &TransientNetworkError{URL: target, Err: err}
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, &HostError{URL: target, Status: resp.StatusCode}
	}

	body, err := readLimited(resp.Body, g.opts.MaxBody)
	if err != nil {
		return nil, &TransientNetworkError{URL: target, Err: err}
	}
	var items []contentsItem
	if err := json.Unmarshal(body, &items); err != nil {
		return nil, fmt.Errorf("decode listing %s: %w", target, err)
	}
	out := make([]string, 0, len(items))
	for _, it := range items {
		if it.Type == "file" && it.Name != "" && strings.HasSuffix(it.Name, ext) {
			out = append(out, it.Name)
		}
	}
	return out, nil
}

// readLimited reads r fully, failing when more than max bytes arrive.
// max <= 0 means no limit.
func readLimited(r io.Reader, max int64) ([]byte, error) {
	if max <= 0 {
		return io.ReadAll(r)
	}
	b, err := io.ReadAll(io.LimitReader(r, max+1))
	if err != nil {
		return nil, err
	}
	if int64(len(b)) > max {
		return nil, fmt.Errorf("body exceeds %s", formatBytes(uint64(max)))
	}
	return b, nil
}
