package buzzworker

import (
	"sort"
	"time"
)

// Policy bounds a partition by entry count and entry age. Zero fields are
// unbounded.
type Policy struct {
	MaxEntries int
	MaxAge     time.Duration
}

func (p Policy) IsZero() bool { return p.MaxEntries <= 0 && p.MaxAge <= 0 }

// Expired reports whether an entry stored at storedAt (unix nanoseconds) is
// older than MaxAge at now.
func (p Policy) Expired(storedAt int64, now time.Time) bool {
	if p.MaxAge <= 0 {
		return false
	}
	return now.Sub(time.Unix(0, storedAt)) > p.MaxAge
}

// Victims returns the keys that violate the policy at now: every expired key,
// then the oldest survivors by insertion order until at most MaxEntries remain.
func (p Policy) Victims(metas map[string]entryMeta, now time.Time) []string {
	if p.IsZero() || len(metas) == 0 {
		return nil
	}

	type item struct {
		key string
		seq uint64
	}
	var out []string
	live := make([]item, 0, len(metas))
	for k, m := range metas {
		if p.Expired(m.StoredAt, now) {
			out = append(out, k)
			continue
		}
		live = append(live, item{k, m.Seq})
	}

	if p.MaxEntries > 0 && len(live) > p.MaxEntries {
		sort.Slice(live, func(i, j int) bool { return live[i].seq < live[j].seq })
		for _, it := range live[:len(live)-p.MaxEntries] {
			out = append(out, it.key)
		}
	}
	return out
}

// Partition is a named cache partition with its expiration policy applied on
// every read and write.
type Partition struct {
	name   string
	policy Policy
	store  *Store
	now    func() time.Time
}

func newPartition(name string, policy Policy, store *Store, now func() time.Time) *Partition {
	return &Partition{name: name, policy: policy, store: store, now: now}
}

func (p *Partition) Name() string   { return p.name }
func (p *Partition) Policy() Policy { return p.policy }

// Match returns a fresh entry for key. An expired entry is a miss and is
// removed in the background unless a newer write replaces it first.
func (p *Partition) Match(key string) (CacheEntry, bool) {
	ent, ok := p.store.Get(p.name, key)
	if !ok {
		return CacheEntry{}, false
	}
	if p.policy.Expired(ent.StoredAt, p.now()) {
		p.store.DeleteAsync(p.name, key, ent.StoredAt)
		return CacheEntry{}, false
	}
	return ent, true
}

// Put stores ent under key and schedules an eviction check; it does not wait
// for the check.
func (p *Partition) Put(key string, ent CacheEntry) error {
	if ent.StoredAt == 0 {
		ent.StoredAt = p.now().UnixNano()
	}
	if err := p.store.Put(p.name, key, ent); err != nil {
		return err
	}
	p.store.ScheduleEnforce(p.name, p.policy, p.now())
	return nil
}

func (p *Partition) Delete(key string) error { return p.store.Delete(p.name, key) }

func (p *Partition) Len() int { return p.store.Len(p.name) }

func (p *Partition) Keys() []string { return p.store.Keys(p.name) }

func (p *Partition) Purge() (int, error) { return p.store.PurgePartition(p.name) }
