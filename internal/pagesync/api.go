package pagesync

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log"
	"mime"
	"net/http"
	"path"
	"strings"
	"time"
)

const cacheHeader = "X-Pagesync-Cache"

// Handler exposes the service to the UI layer over HTTP.
func (s *Service) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /healthz", s.handleHealth)
	mux.HandleFunc("GET /pages/{path...}", s.handleFetch(s.FetchPage))
	mux.HandleFunc("GET /assets/{path...}", s.handleFetch(s.FetchAsset))
	mux.HandleFunc("DELETE /cache/{path...}", s.handleInvalidate)
	mux.HandleFunc("DELETE /cache", s.handleInvalidateAll)
	mux.HandleFunc("GET /catalog/{kind}", s.handleCatalog)
	mux.HandleFunc("GET /network", s.handleNetworkGet)
	mux.HandleFunc("PUT /network", s.handleNetworkPut)
	mux.HandleFunc("POST /sync/start", s.handleSyncStart)
	mux.HandleFunc("POST /sync/run", s.handleSyncRun)
	mux.HandleFunc("POST /preload", s.handlePreload)
	mux.HandleFunc("GET /state/{key}", s.handleStateGet)
	mux.HandleFunc("PUT /state/{key}", s.handleStatePut)
	mux.HandleFunc("DELETE /state/{key}", s.handleStateDelete)
	mux.HandleFunc("POST /update/{action}", s.handleUpdate)
	return mux
}

type fetchFunc func(ctx context.Context, relPath string, ttl time.Duration) (CacheEntry, error)

func (s *Service) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"network": s.NetworkState().String(),
		"pending": len(s.PendingFetches()),
		"entries": s.store.Len(),
		"sync":    s.scheduler.Started(),
		"stats":   s.Stats(),
	})
}

func (s *Service) handleFetch(fetch fetchFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		rel := r.PathValue("path")
		if rel == "" {
			http.Error(w, "missing path", http.StatusBadRequest)
			return
		}
		var ttl time.Duration
		if raw := r.URL.Query().Get("ttl"); raw != "" {
			d, err := time.ParseDuration(raw)
			if err != nil {
				http.Error(w, "bad ttl: "+err.Error(), http.StatusBadRequest)
				return
			}
			ttl = d
		}
		ent, err := fetch(r.Context(), rel, ttl)
		if err != nil {
			writeFetchError(w, err)
			return
		}
		writeEntry(w, rel, ent)
	}
}

func writeEntry(w http.ResponseWriter, rel string, ent CacheEntry) {
	ct := mime.TypeByExtension(path.Ext(rel))
	if ct == "" {
		ct = "application/octet-stream"
	}
	h := w.Header()
	h.Set("Content-Type", ct)
	if ent.ETag != "" {
		h.Set("ETag", ent.ETag)
	}
	if !ent.FetchedAt.IsZero() {
		h.Set("Last-Modified", ent.FetchedAt.UTC().Format(http.TimeFormat))
	}
	setCacheHeaders(h, ent.Status)
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(ent.Content)
}

func setCacheHeaders(h http.Header, status CacheStatus) {
	if status != "" {
		h.Set(cacheHeader, string(status))
	}
	ensureExposedHeader(h, cacheHeader)
}

func ensureExposedHeader(h http.Header, name string) {
	const expose = "Access-Control-Expose-Headers"
	cur := h.Values(expose)
	if len(cur) == 0 {
		h.Set(expose, name)
		return
	}
	merged := strings.Join(cur, ",")
	for _, part := range strings.Split(merged, ",") {
		if strings.EqualFold(strings.TrimSpace(part), name) {
			return
		}
	}
	h.Set(expose, strings.TrimSpace(merged)+", "+name)
}

// writeFetchError maps fetch failures onto statuses: rejected URLs are the
// caller's fault, a host 404 passes through, everything else is a gateway
// failure.
func writeFetchError(w http.ResponseWriter, err error) {
	var verr *ValidationError
	var herr *HostError
	switch {
	case errors.As(err, &verr):
		http.Error(w, err.Error(), http.StatusBadRequest)
	case errors.As(err, &herr) && herr.NotFound():
		http.Error(w, err.Error(), http.StatusNotFound)
	case errors.Is(err, ErrOffline), errors.Is(err, ErrSyncInProgress):
		http.Error(w, err.Error(), http.StatusConflict)
	default:
		http.Error(w, err.Error(), http.StatusBadGateway)
	}
}

func (s *Service) handleInvalidate(w http.ResponseWriter, r *http.Request) {
	if err := s.Invalidate(r.PathValue("path")); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Service) handleInvalidateAll(w http.ResponseWriter, r *http.Request) {
	n, err := s.InvalidateAll()
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	log.Printf("[CACHE] cleared %d entries", n)
	writeJSON(w, http.StatusOK, map[string]int{"removed": n})
}

func (s *Service) handleCatalog(w http.ResponseWriter, r *http.Request) {
	files, err := s.ListAvailable(r.Context(), r.PathValue("kind"))
	if err != nil {
		writeFetchError(w, err)
		return
	}
	if files == nil {
		files = []string{}
	}
	writeJSON(w, http.StatusOK, files)
}

type networkBody struct {
	Online  bool `json:"online"`
	Pending int  `json:"pending"`
	Replay  int  `json:"replay,omitempty"`
}

func (s *Service) handleNetworkGet(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, networkBody{
		Online:  s.NetworkState() == Online,
		Pending: len(s.PendingFetches()),
	})
}

func (s *Service) handleNetworkPut(w http.ResponseWriter, r *http.Request) {
	var in struct {
		Online *bool `json:"online"`
	}
	if err := json.NewDecoder(io.LimitReader(r.Body, 1<<10)).Decode(&in); err != nil || in.Online == nil {
		http.Error(w, `body must be {"online": true|false}`, http.StatusBadRequest)
		return
	}
	n := s.SetOnline(*in.Online)
	writeJSON(w, http.StatusOK, networkBody{
		Online:  s.NetworkState() == Online,
		Pending: len(s.PendingFetches()),
		Replay:  n,
	})
}

func (s *Service) handleSyncStart(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]bool{"started": s.StartBackgroundSync()})
}

func (s *Service) handleSyncRun(w http.ResponseWriter, r *http.Request) {
	rep, err := s.RunSync(r.Context())
	if err != nil {
		writeFetchError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, rep)
}

func (s *Service) handlePreload(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.Preload(r.Context()))
}

func (s *Service) handleStateGet(w http.ResponseWriter, r *http.Request) {
	raw, ok, err := s.GetState(r.PathValue("key"))
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if !ok {
		http.Error(w, ErrNotFound.Error(), http.StatusNotFound)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(raw)
}

func (s *Service) handleStatePut(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, 1<<20))
	if err != nil || !json.Valid(body) {
		http.Error(w, "body must be JSON", http.StatusBadRequest)
		return
	}
	if err := s.SetState(r.PathValue("key"), json.RawMessage(body)); err != nil {
		var verr *ValidationError
		if errors.As(err, &verr) {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Service) handleStateDelete(w http.ResponseWriter, r *http.Request) {
	if err := s.RemoveState(r.PathValue("key")); err != nil {
		var verr *ValidationError
		if errors.As(err, &verr) {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Service) handleUpdate(w http.ResponseWriter, r *http.Request) {
	if err := s.Update(r.Context(), r.PathValue("action")); err != nil {
		if errors.Is(err, ErrNoUpdater) {
			http.Error(w, err.Error(), http.StatusNotImplemented)
			return
		}
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	w.WriteHeader(http.StatusAccepted)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Printf("[API] encode response: %v", err)
	}
}
