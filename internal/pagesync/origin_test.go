package pagesync

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newGitHubTestServer(t *testing.T) *httptest.Server {
	t.Helper()
	mux := http.NewServeMux()
	mux.HandleFunc("GET /acme/pages/main/pages/dashboard/index.html", func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("If-None-Match") == `"v1"` {
			w.WriteHeader(http.StatusNotModified)
			return
		}
		w.Header().Set("ETag", `"v1"`)
		_, _ = w.Write([]byte("<h1>dashboard</h1>"))
	})
	mux.HandleFunc("GET /acme/pages/main/big.bin", func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(strings.Repeat("x", 64)))
	})
	mux.HandleFunc("GET /repos/acme/pages/contents/assets/css", func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "token s3cret" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		assert.Equal(t, "main", r.URL.Query().Get("ref"))
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`[
			{"name":"main.css","type":"file"},
			{"name":"readme.md","type":"file"},
			{"name":"vendor","type":"dir"},
			{"name":"theme.css","type":"file"}
		]`))
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv
}

func newTestGitHubOrigin(srv *httptest.Server, token string) *GitHubOrigin {
	return NewGitHubOrigin(GitHubOptions{
		Owner:      "acme",
		Repo:       "pages",
		Branch:     "main",
		Token:      token,
		RawBaseURL: srv.URL,
		APIBaseURL: srv.URL + "/",
		MaxBody:    32,
	}, srv.Client())
}

func TestGitHubOriginFetchAndRevalidate(t *testing.T) {
	srv := newGitHubTestServer(t)
	o := newTestGitHubOrigin(srv, "")

	assert.Equal(t, srv.URL+"/acme/pages/main/pages/dashboard/index.html", o.URL(dashboard))

	res, err := o.Fetch(context.Background(), dashboard, "")
	require.NoError(t, err)
	assert.False(t, res.NotModified)
	assert.Equal(t, "<h1>dashboard</h1>", string(res.Content))
	assert.Equal(t, `"v1"`, res.ETag)

	res, err = o.Fetch(context.Background(), dashboard, `"v1"`)
	require.NoError(t, err)
	assert.True(t, res.NotModified)
	assert.Empty(t, res.Content)
}

func TestGitHubOriginErrors(t *testing.T) {
	srv := newGitHubTestServer(t)
	o := newTestGitHubOrigin(srv, "")

	_, err := o.Fetch(context.Background(), ResourceRef{BasePath: "pages/", RelPath: "missing.html"}, "")
	var herr *HostError
	require.ErrorAs(t, err, &herr)
	assert.True(t, herr.NotFound())

	_, err = o.Fetch(context.Background(), ResourceRef{RelPath: "big.bin"}, "")
	var terr *TransientNetworkError
	assert.ErrorAs(t, err, &terr)

	dead := NewGitHubOrigin(GitHubOptions{Owner: "acme", Repo: "pages", Branch: "main", RawBaseURL: "http://127.0.0.1:1"}, http.DefaultClient)
	_, err = dead.Fetch(context.Background(), dashboard, "")
	assert.ErrorAs(t, err, &terr)
}

func TestGitHubOriginList(t *testing.T) {
	srv := newGitHubTestServer(t)

	files, err := newTestGitHubOrigin(srv, "s3cret").List(context.Background(), "/assets/css/", ".css")
	require.NoError(t, err)
	assert.Equal(t, []string{"main.css", "theme.css"}, files)

	_, err = newTestGitHubOrigin(srv, "").List(context.Background(), "assets/css", ".css")
	var herr *HostError
	require.ErrorAs(t, err, &herr)
	assert.Equal(t, http.StatusUnauthorized, herr.Status)
}

func TestGitHubOriginThroughDispatcher(t *testing.T) {
	srv := newGitHubTestServer(t)
	d := NewDispatcher(srv.Client(), 0)
	defer d.Close()

	o := NewGitHubOrigin(GitHubOptions{Owner: "acme", Repo: "pages", Branch: "main", RawBaseURL: srv.URL}, d)
	res, err := o.Fetch(context.Background(), dashboard, "")
	require.NoError(t, err)
	assert.Equal(t, `"v1"`, res.ETag)
}

func TestGitHubOriginHosts(t *testing.T) {
	o := NewGitHubOrigin(GitHubOptions{Owner: "a", Repo: "b", Branch: "main"}, nil)
	assert.Equal(t, []string{"raw.githubusercontent.com", "api.github.com"}, o.Hosts())
}

func TestHostAllowlist(t *testing.T) {
	v := HostAllowlist{Schemes: []string{"https"}, Hosts: []string{"raw.githubusercontent.com"}}

	tests := []struct {
		url string
		ok  bool
	}{
		{"https://raw.githubusercontent.com/o/r/main/pages/x.html", true},
		{"HTTPS://RAW.githubusercontent.com/o/r/main/x.css", true},
		{"http://raw.githubusercontent.com/o/r/main/x.css", false},
		{"https://evil.example/o/r/main/x.css", false},
		{"https://user:pw@raw.githubusercontent.com/x", false},
		{"https://raw.githubusercontent.com/o/r/main/../../secrets", false},
		{"file:///etc/passwd", false},
		{"://nope", false},
	}
	for _, tt := range tests {
		t.Run(tt.url, func(t *testing.T) {
			err := v.Validate(tt.url)
			if tt.ok {
				assert.NoError(t, err)
				return
			}
			var verr *ValidationError
			assert.ErrorAs(t, err, &verr)
		})
	}
}

func TestS3OriginFetch(t *testing.T) {
	t.Setenv("AWS_CONFIG_FILE", filepath.Join(t.TempDir(), "none"))
	t.Setenv("AWS_SHARED_CREDENTIALS_FILE", filepath.Join(t.TempDir(), "none"))
	t.Setenv("AWS_EC2_METADATA_DISABLED", "true")

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch {
		case r.URL.Path == "/site/web/pages/dashboard/index.html":
			if r.Header.Get("If-None-Match") == `"e1"` {
				w.WriteHeader(http.StatusNotModified)
				return
			}
			w.Header().Set("ETag", `"e1"`)
			w.Header().Set("Content-Length", "4")
			_, _ = w.Write([]byte("page"))
		case strings.TrimSuffix(r.URL.Path, "/") == "/site" && r.URL.Query().Get("list-type") == "2":
			assert.Equal(t, "web/assets/css/", r.URL.Query().Get("prefix"))
			w.Header().Set("Content-Type", "application/xml")
			fmt.Fprint(w, `<?xml version="1.0" encoding="UTF-8"?>
<ListBucketResult xmlns="http://s3.amazonaws.com/doc/2006-03-01/">
  <Name>site</Name>
  <Prefix>web/assets/css/</Prefix>
  <KeyCount>2</KeyCount>
  <MaxKeys>1000</MaxKeys>
  <IsTruncated>false</IsTruncated>
  <Contents><Key>web/assets/css/main.css</Key><Size>4</Size></Contents>
  <Contents><Key>web/assets/css/notes.txt</Key><Size>4</Size></Contents>
</ListBucketResult>`)
		default:
			w.Header().Set("Content-Type", "application/xml")
			w.WriteHeader(http.StatusNotFound)
			fmt.Fprint(w, `<?xml version="1.0" encoding="UTF-8"?><Error><Code>NoSuchKey</Code><Message>missing</Message></Error>`)
		}
	}))
	defer srv.Close()

	o, err := NewS3Origin(context.Background(), S3Options{
		Endpoint:  srv.URL,
		Region:    "us-east-1",
		Bucket:    "site",
		Prefix:    "web",
		AccessKey: "AKIDEXAMPLE",
		SecretKey: "secret",
	}, srv.Client())
	require.NoError(t, err)
	assert.Equal(t, "s3://site/web/pages/dashboard/index.html", o.URL(dashboard))

	res, err := o.Fetch(context.Background(), dashboard, "")
	require.NoError(t, err)
	assert.Equal(t, "page", string(res.Content))
	assert.Equal(t, `"e1"`, res.ETag)

	res, err = o.Fetch(context.Background(), dashboard, `"e1"`)
	require.NoError(t, err)
	assert.True(t, res.NotModified)

	_, err = o.Fetch(context.Background(), ResourceRef{RelPath: "nope.css"}, "")
	var herr *HostError
	require.ErrorAs(t, err, &herr)
	assert.True(t, herr.NotFound())

	files, err := o.List(context.Background(), "assets/css", ".css")
	require.NoError(t, err)
	assert.Equal(t, []string{"main.css"}, files)
}
