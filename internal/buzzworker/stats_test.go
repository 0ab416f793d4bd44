package buzzworker

import (
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

func TestStatsSnapshot(t *testing.T) {
	s := newStatsCollector()
	assert.Equal(t, statsSnapshot{}, s.Snapshot())

	for _, n := range []int{100, 300, 200} {
		s.Observe(n)
	}
	assert.Equal(t, statsSnapshot{
		TotalResponses: 3,
		TotalRespBytes: 600,
		MinRespBytes:   100,
		MaxRespBytes:   300,
		AvgRespBytes:   200,
	}, s.Snapshot())
}

func TestFetchSummary(t *testing.T) {
	s := newStatsCollector()
	for i := 1; i <= 100; i++ {
		s.ObserveFetch("pages-cache", time.Duration(i)*time.Millisecond)
	}
	got := s.fetchSummary([]string{"images-cache", "pages-cache"})
	assert.True(t, strings.HasPrefix(got, "pages-cache p50="), got)
	assert.NotContains(t, got, "images-cache", "partitions without fetches are left out")
}

func TestFormatBytes(t *testing.T) {
	assert.Equal(t, "512b", formatBytes(512))
	assert.Equal(t, "1.5kb", formatBytes(1536))
	assert.Equal(t, "2mb", formatBytes(2<<20))
	assert.Equal(t, "1gb", formatBytes(1<<30))
}

func TestLogStatsLine(t *testing.T) {
	core, logs := observer.New(zapcore.InfoLevel)
	st := newTestStore(t)
	require.NoError(t, st.Put("images-cache", "/a.png", CacheEntry{Status: 200, Body: []byte("png")}))

	svc := &Service{log: zap.New(core).Sugar(), store: st, stats: newStatsCollector()}
	svc.stats.Observe(3)
	svc.logStats()

	require.Equal(t, 1, logs.Len())
	msg := logs.All()[0].Message
	assert.Contains(t, msg, "images-cache=1")
	assert.Contains(t, msg, "Resp min/avg/max 3b/3b/3b")
}

func TestRateLimitedLogger(t *testing.T) {
	core, logs := observer.New(zapcore.WarnLevel)
	l := newRateLimitedLogger(zap.New(core).Sugar(), time.Hour)
	for i := 0; i < 10; i++ {
		l.Warnf("origin unreachable %d", i)
	}
	require.Equal(t, 1, logs.Len())
	assert.Equal(t, "origin unreachable 0", logs.All()[0].Message)
}
