package buzzworker

import (
	"fmt"
	"sort"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPartitionAgeBound(t *testing.T) {
	st := newTestStore(t)
	clock := newTestClock()
	const maxAge = 30 * 24 * time.Hour
	p := newPartition("images-cache", Policy{MaxEntries: 60, MaxAge: maxAge}, st, clock.Now)

	require.NoError(t, p.Put("/img/a.png", CacheEntry{Status: 200, Body: []byte("a")}))

	clock.Advance(maxAge - time.Second)
	_, ok := p.Match("/img/a.png")
	assert.True(t, ok, "entry just inside max age is served")

	clock.Advance(2 * time.Second)
	_, ok = p.Match("/img/a.png")
	assert.False(t, ok, "entry past max age is a miss")

	st.Sync()
	assert.Zero(t, p.Len(), "expired entry is removed after the read")
}

func TestPartitionCountBound(t *testing.T) {
	st := newTestStore(t)
	clock := newTestClock()
	p := newPartition("static-assets-cache", Policy{MaxEntries: 100, MaxAge: 7 * 24 * time.Hour}, st, clock.Now)

	var keys []string
	for i := 0; i < 105; i++ {
		k := fmt.Sprintf("/assets/%03d.js", i)
		keys = append(keys, k)
		require.NoError(t, p.Put(k, CacheEntry{Status: 200}))
		clock.Advance(time.Millisecond)
	}
	st.Sync()

	assert.Equal(t, 100, p.Len())
	assert.Equal(t, keys[5:], p.Keys(), "the five oldest are evicted")
	for _, k := range keys[:5] {
		_, ok := p.Match(k)
		assert.False(t, ok, k)
	}
}

func TestPartitionRewriteIsNewest(t *testing.T) {
	st := newTestStore(t)
	clock := newTestClock()
	p := newPartition("images-cache", Policy{MaxEntries: 2}, st, clock.Now)

	require.NoError(t, p.Put("/a", CacheEntry{Status: 200}))
	require.NoError(t, p.Put("/b", CacheEntry{Status: 200}))
	require.NoError(t, p.Put("/a", CacheEntry{Status: 200}))
	require.NoError(t, p.Put("/c", CacheEntry{Status: 200}))
	st.Sync()

	assert.Equal(t, []string{"/a", "/c"}, p.Keys())
}

func TestZeroPolicyNeverEvicts(t *testing.T) {
	st := newTestStore(t)
	clock := newTestClock()
	p := newPartition(PrecachePartition, Policy{}, st, clock.Now)

	require.NoError(t, p.Put("/index.html", CacheEntry{Status: 200}))
	clock.Advance(10 * 365 * 24 * time.Hour)
	st.Sync()

	_, ok := p.Match("/index.html")
	assert.True(t, ok)
}

func TestPolicyVictims(t *testing.T) {
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	at := func(ago time.Duration) int64 { return now.Add(-ago).UnixNano() }

	metas := map[string]entryMeta{
		"old":    {Seq: 1, StoredAt: at(48 * time.Hour)},
		"first":  {Seq: 2, StoredAt: at(time.Hour)},
		"second": {Seq: 3, StoredAt: at(time.Hour)},
		"third":  {Seq: 4, StoredAt: at(time.Minute)},
	}

	tests := []struct {
		name   string
		policy Policy
		want   []string
	}{
		{"zero policy", Policy{}, nil},
		{"age only", Policy{MaxAge: 24 * time.Hour}, []string{"old"}},
		{"count only", Policy{MaxEntries: 2}, []string{"old", "first"}},
		{"age then count", Policy{MaxEntries: 2, MaxAge: 24 * time.Hour}, []string{"old", "first"}},
		{"within bounds", Policy{MaxEntries: 10, MaxAge: 72 * time.Hour}, nil},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := tt.policy.Victims(metas, now)
			sort.Strings(got)
			want := append([]string(nil), tt.want...)
			sort.Strings(want)
			assert.Equal(t, want, got)
		})
	}
}
