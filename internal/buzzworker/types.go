package buzzworker

import "net/http"

type CacheEntry struct {
	Status   int
	Header   http.Header
	Body     []byte
	StoredAt int64 // unix nanoseconds
	Hash32   uint32

	// Revision is set on precache entries only; it decides whether install
	// needs to re-fetch the asset.
	Revision string
}

// entryMeta is the per-key index record kept next to each entry.
type entryMeta struct {
	Seq      uint64 // insertion order within the store
	StoredAt int64  // unix nanoseconds
	Size     int64
}

// Outcome values reported in the X-Buzz-Cache response header.
const (
	OutcomePrecache = "precache"
	OutcomeHit      = "hit"
	OutcomeMiss     = "miss"
	OutcomeNetwork  = "network"
	OutcomeFallback = "fallback"
	OutcomeOffline  = "offline"
	OutcomeBypass   = "bypass"
	// OutcomeCredentialed marks requests that skipped the cache because they
	// carry credentials.
	OutcomeCredentialed = "ignore-by-cookie"
)

const (
	PrecachePartition = "precache"
	// PendingPrecachePartition stages assets of an installed version until
	// it activates.
	PendingPrecachePartition = "precache-pending"
)
