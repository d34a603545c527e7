package pagesync

import (
	"fmt"
	"math"
	"strings"
	"sync/atomic"
)

// Metrics receives cache hit/miss notifications. Implementations may fail or
// panic; the cache never lets that reach a fetch.
type Metrics interface {
	TrackCacheHit(hit bool)
}

type statsCollector struct {
	hits   atomic.Uint64
	misses atomic.Uint64
	stale  atomic.Uint64

	totalResponses atomic.Uint64
	totalRespBytes atomic.Uint64
	minRespBytes   atomic.Uint64
	maxRespBytes   atomic.Uint64
}

func newStatsCollector() *statsCollector {
	s := &statsCollector{}
	s.minRespBytes.Store(math.MaxUint64)
	return s
}

func (s *statsCollector) TrackCacheHit(hit bool) {
	if hit {
		s.hits.Add(1)
		return
	}
	s.misses.Add(1)
}

func (s *statsCollector) TrackStale() {
	s.stale.Add(1)
}

// Observe records the payload size of one served entry.
func (s *statsCollector) Observe(respBytes int) {
	if respBytes < 0 {
		respBytes = 0
	}
	n := uint64(respBytes)

	s.totalResponses.Add(1)
	s.totalRespBytes.Add(n)

	for {
		cur := s.minRespBytes.Load()
		if n >= cur {
			break
		}
		if s.minRespBytes.CompareAndSwap(cur, n) {
			break
		}
	}
	for {
		cur := s.maxRespBytes.Load()
		if n <= cur {
			break
		}
		if s.maxRespBytes.CompareAndSwap(cur, n) {
			break
		}
	}
}

type StatsSnapshot struct {
	Hits   uint64 `json:"hits"`
	Misses uint64 `json:"misses"`
	Stale  uint64 `json:"stale"`

	TotalResponses uint64 `json:"totalResponses"`
	TotalRespBytes uint64 `json:"totalRespBytes"`
	MinRespBytes   uint64 `json:"minRespBytes"`
	MaxRespBytes   uint64 `json:"maxRespBytes"`
	AvgRespBytes   uint64 `json:"avgRespBytes"`
}

func (s *statsCollector) Snapshot() StatsSnapshot {
	out := StatsSnapshot{
		Hits:   s.hits.Load(),
		Misses: s.misses.Load(),
		Stale:  s.stale.Load(),
	}
	count := s.totalResponses.Load()
	if count == 0 {
		return out
	}
	minv := s.minRespBytes.Load()
	if minv == math.MaxUint64 {
		minv = 0
	}
	out.TotalResponses = count
	out.TotalRespBytes = s.totalRespBytes.Load()
	out.MinRespBytes = minv
	out.MaxRespBytes = s.maxRespBytes.Load()
	out.AvgRespBytes = out.TotalRespBytes / count
	return out
}

// HitRatio is hits over hits+misses, 0 when nothing was served yet.
func (s StatsSnapshot) HitRatio() float64 {
	total := s.Hits + s.Misses
	if total == 0 {
		return 0
	}
	return float64(s.Hits) / float64(total)
}

func formatBytes(b uint64) string {
	const (
		kb = 1024
		mb = 1024 * kb
		gb = 1024 * mb
	)
	if b < kb {
		return fmt.Sprintf("%db", b)
	}
	if b < mb {
		return trimFloat(fmt.Sprintf("%.1f", float64(b)/kb)) + "kb"
	}
	if b < gb {
		return trimFloat(fmt.Sprintf("%.1f", float64(b)/mb)) + "mb"
	}
	return trimFloat(fmt.Sprintf("%.1f", float64(b)/gb)) + "gb"
}

func trimFloat(s string) string {
	s = strings.TrimSpace(s)
	s = strings.TrimSuffix(s, ".0")
	return s
}
