package buzzworker

import (
	"fmt"
	"math"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/DataDog/sketches-go/ddsketch"
)

type statsCollector struct {
	totalResponses atomic.Uint64
	totalRespBytes atomic.Uint64
	minRespBytes   atomic.Uint64
	maxRespBytes   atomic.Uint64

	fetchMu  sync.Mutex
	fetchLat map[string]*ddsketch.DDSketch // partition -> network fetch ms
}

func newStatsCollector() *statsCollector {
	s := &statsCollector{fetchLat: map[string]*ddsketch.DDSketch{}}
	s.minRespBytes.Store(math.MaxUint64)
	return s
}

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

// ObserveFetch records how long a network fetch for partition took.
func (s *statsCollector) ObserveFetch(partition string, d time.Duration) {
	s.fetchMu.Lock()
	defer s.fetchMu.Unlock()
	sk, ok := s.fetchLat[partition]
	if !ok {
		var err error
		sk, err = ddsketch.NewDefaultDDSketch(0.01)
		if err != nil {
			return
		}
		s.fetchLat[partition] = sk
	}
	_ = sk.Add(float64(d.Microseconds()) / 1000.0)
}

type statsSnapshot struct {
	TotalResponses uint64
	TotalRespBytes uint64
	MinRespBytes   uint64
	MaxRespBytes   uint64
	AvgRespBytes   uint64
}

func (s *statsCollector) Snapshot() statsSnapshot {
	count := s.totalResponses.Load()
	total := s.totalRespBytes.Load()
	minv := s.minRespBytes.Load()
	maxv := s.maxRespBytes.Load()
	if count == 0 {
		return statsSnapshot{}
	}
	if minv == math.MaxUint64 {
		minv = 0
	}
	return statsSnapshot{
		TotalResponses: count,
		TotalRespBytes: total,
		MinRespBytes:   minv,
		MaxRespBytes:   maxv,
		AvgRespBytes:   total / count,
	}
}

// fetchSummary renders p50/p99 network latency per partition, sorted by name.
func (s *statsCollector) fetchSummary(partitions []string) string {
	s.fetchMu.Lock()
	defer s.fetchMu.Unlock()
	var parts []string
	for _, p := range partitions {
		sk, ok := s.fetchLat[p]
		if !ok || sk.IsEmpty() {
			continue
		}
		p50, _ := sk.GetValueAtQuantile(0.50)
		p99, _ := sk.GetValueAtQuantile(0.99)
		parts = append(parts, fmt.Sprintf("%s p50=%.1fms p99=%.1fms", p, p50, p99))
	}
	return strings.Join(parts, ", ")
}

func (s *Service) statsLoop(every time.Duration) {
	t := time.NewTicker(every)
	defer t.Stop()
	for {
		select {
		case <-s.stopCh:
			return
		case <-t.C:
			s.logStats()
		}
	}
}

func (s *Service) logStats() {
	ss := s.stats.Snapshot()
	partitions := s.store.Partitions()
	counts := make([]string, 0, len(partitions))
	for _, p := range partitions {
		counts = append(counts, fmt.Sprintf("%s=%d", p, s.store.Len(p)))
	}
	rss := "n/a"
	if b, ok := processRSSBytes(); ok {
		rss = formatBytes(b)
	}
	s.log.Infof(
		"Cached: %s, Disk usage: %s, Resp min/avg/max %s/%s/%s, Fetch: %s, RSS: %s",
		strings.Join(counts, " "),
		formatBytes(uint64(s.store.TotalSize())),
		formatBytes(ss.MinRespBytes),
		formatBytes(ss.AvgRespBytes),
		formatBytes(ss.MaxRespBytes),
		s.stats.fetchSummary(partitions),
		rss,
	)
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
