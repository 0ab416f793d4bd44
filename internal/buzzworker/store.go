package buzzworker

import (
	"bytes"
	"context"
	"encoding/gob"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/gofrs/flock"
	"github.com/syndtr/goleveldb/leveldb"
	"github.com/syndtr/goleveldb/leveldb/storage"
	"github.com/syndtr/goleveldb/leveldb/util"
	"go.uber.org/zap"

	"buzzworker/internal/errors"
	"buzzworker/internal/logger"
)

// Key layout:
//
//	e:<partition>\x00<key>  gob(CacheEntry)
//	m:<partition>\x00<key>  gob(entryMeta)
//	s:<name>                worker state (active version)
const keySep = "\x00"

type storeOp struct {
	// enforce a partition policy
	partition string
	policy    Policy
	now       time.Time

	// delete one key, only while it still holds the version stored at
	// delStoredAt
	delPartition string
	delKey       string
	delStoredAt  int64

	// sync barrier
	synced chan struct{}
}

// Store is a set of named cache partitions persisted in leveldb. Writes of a
// single key are atomic (entry and metadata share one batch); eviction and
// delete-on-read run on one janitor goroutine.
type Store struct {
	db   *leveldb.DB
	lock *flock.Flock

	// wmu orders db writes with index updates so the index always mirrors the
	// last write of a key.
	wmu sync.Mutex

	mu    sync.Mutex
	index map[string]map[string]entryMeta
	total int64
	seq   uint64

	closeMu sync.RWMutex
	closed  bool
	ops     chan storeOp
	done    chan struct{}

	log         *zap.SugaredLogger
	overflowLog *rateLimitedLogger
}

// OpenStore opens the leveldb directory at path. A sibling lock file keeps a
// second process from opening the same partitions.
func OpenStore(ctx context.Context, path string, log *zap.SugaredLogger) (*Store, error) {
	lock := flock.New(path + ".lock")
	ok, err := lock.TryLockContext(ctx, 100*time.Millisecond)
	if err != nil {
		return nil, errors.Wrapf(err, "lock %s", lock.Path())
	}
	if !ok {
		return nil, errors.Newf("store %s is locked by another process", path)
	}
	db, err := leveldb.OpenFile(path, nil)
	if err != nil {
		_ = lock.Unlock()
		return nil, errors.Wrapf(err, "open leveldb %s", path)
	}
	s, err := newStore(db, log)
	if err != nil {
		_ = db.Close()
		_ = lock.Unlock()
		return nil, err
	}
	s.lock = lock
	return s, nil
}

// OpenMemStore returns a store that lives in memory only.
func OpenMemStore(log *zap.SugaredLogger) (*Store, error) {
	db, err := leveldb.Open(storage.NewMemStorage(), nil)
	if err != nil {
		return nil, err
	}
	return newStore(db, log)
}

func newStore(db *leveldb.DB, log *zap.SugaredLogger) (*Store, error) {
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	s := &Store{
		db:          db,
		index:       map[string]map[string]entryMeta{},
		ops:         make(chan storeOp, 1024),
		done:        make(chan struct{}),
		log:         log,
		overflowLog: newRateLimitedLogger(log, time.Minute),
	}
	if err := s.loadIndex(); err != nil {
		return nil, err
	}
	go s.janitorLoop()
	return s, nil
}

func (s *Store) Close() error {
	s.closeMu.Lock()
	if s.closed {
		s.closeMu.Unlock()
		return nil
	}
	s.closed = true
	close(s.ops)
	s.closeMu.Unlock()

	<-s.done
	err := s.db.Close()
	if s.lock != nil {
		if uerr := s.lock.Unlock(); err == nil {
			err = uerr
		}
	}
	return err
}

func (s *Store) loadIndex() error {
	it := s.db.NewIterator(util.BytesPrefix([]byte("m:")), nil)
	defer it.Release()

	idx := map[string]map[string]entryMeta{}
	var total int64
	var maxSeq uint64
	for it.Next() {
		p, k, ok := splitKey(bytes.TrimPrefix(it.Key(), []byte("m:")))
		if !ok {
			continue
		}
		var meta entryMeta
		if err := decodeGob(it.Value(), &meta); err != nil {
			continue
		}
		if idx[p] == nil {
			idx[p] = map[string]entryMeta{}
		}
		idx[p][k] = meta
		total += meta.Size
		if meta.Seq > maxSeq {
			maxSeq = meta.Seq
		}
	}
	if err := it.Error(); err != nil {
		return err
	}
	s.mu.Lock()
	s.index = idx
	s.total = total
	s.seq = maxSeq
	s.mu.Unlock()
	return nil
}

func entryKey(partition, key string) []byte { return []byte("e:" + partition + keySep + key) }
func metaKey(partition, key string) []byte  { return []byte("m:" + partition + keySep + key) }

func splitKey(b []byte) (string, string, bool) {
	p, k, ok := strings.Cut(string(b), keySep)
	return p, k, ok
}

// Get reads an entry without applying any policy.
func (s *Store) Get(partition, key string) (CacheEntry, bool) {
	b, err := s.db.Get(entryKey(partition, key), nil)
	if err != nil {
		return CacheEntry{}, false
	}
	var ent CacheEntry
	if err := decodeGob(b, &ent); err != nil {
		return CacheEntry{}, false
	}
	return ent, true
}

// Put writes an entry as the newest member of its partition.
func (s *Store) Put(partition, key string, ent CacheEntry) error {
	b, err := encodeGob(ent)
	if err != nil {
		return errors.Wrap(err, "encode entry")
	}

	s.wmu.Lock()
	defer s.wmu.Unlock()

	s.mu.Lock()
	s.seq++
	meta := entryMeta{Seq: s.seq, StoredAt: ent.StoredAt, Size: int64(len(b))}
	s.mu.Unlock()

	mb, err := encodeGob(meta)
	if err != nil {
		return errors.Wrap(err, "encode meta")
	}
	batch := new(leveldb.Batch)
	batch.Put(entryKey(partition, key), b)
	batch.Put(metaKey(partition, key), mb)
	if err := s.db.Write(batch, nil); err != nil {
		return errors.Wrapf(err, "write %s %s", partition, key)
	}

	s.mu.Lock()
	part := s.index[partition]
	if part == nil {
		part = map[string]entryMeta{}
		s.index[partition] = part
	}
	if old, ok := part[key]; ok {
		s.total -= old.Size
	}
	part[key] = meta
	s.total += meta.Size
	s.mu.Unlock()
	return nil
}

// Delete removes a key synchronously.
func (s *Store) Delete(partition, key string) error {
	s.wmu.Lock()
	defer s.wmu.Unlock()
	return s.deleteLocked(partition, key)
}

func (s *Store) deleteLocked(partition, key string) error {
	batch := new(leveldb.Batch)
	batch.Delete(entryKey(partition, key))
	batch.Delete(metaKey(partition, key))
	if err := s.db.Write(batch, nil); err != nil {
		return err
	}
	s.mu.Lock()
	if part, ok := s.index[partition]; ok {
		if meta, ok := part[key]; ok {
			s.total -= meta.Size
			delete(part, key)
		}
		if len(part) == 0 {
			delete(s.index, partition)
		}
	}
	s.mu.Unlock()
	return nil
}

// DeleteAsync queues a delete of the version of key stored at storedAt. A
// newer write of key that lands first is left alone.
func (s *Store) DeleteAsync(partition, key string, storedAt int64) {
	s.enqueue(staleDeleteOp(partition, key, storedAt))
}

func staleDeleteOp(partition, key string, storedAt int64) storeOp {
	return storeOp{delPartition: partition, delKey: key, delStoredAt: storedAt}
}

func (s *Store) deleteIfStoredAt(partition, key string, storedAt int64) (bool, error) {
	s.wmu.Lock()
	defer s.wmu.Unlock()
	s.mu.Lock()
	meta, ok := s.index[partition][key]
	s.mu.Unlock()
	if !ok || meta.StoredAt != storedAt {
		return false, nil
	}
	return true, s.deleteLocked(partition, key)
}

// ScheduleEnforce queues a policy pass for partition on the janitor.
func (s *Store) ScheduleEnforce(partition string, policy Policy, now time.Time) {
	if policy.IsZero() {
		return
	}
	s.enqueue(storeOp{partition: partition, policy: policy, now: now})
}

// Sync waits until every operation queued before the call has been applied.
func (s *Store) Sync() {
	ch := make(chan struct{})
	if !s.enqueueWait(storeOp{synced: ch}) {
		return
	}
	<-ch
}

func (s *Store) enqueue(op storeOp) {
	s.closeMu.RLock()
	defer s.closeMu.RUnlock()
	if s.closed {
		return
	}
	select {
	case s.ops <- op:
	default:
		s.overflowLog.Warnf("store janitor queue full, dropping %s", op.describe())
	}
}

func (s *Store) enqueueWait(op storeOp) bool {
	s.closeMu.RLock()
	defer s.closeMu.RUnlock()
	if s.closed {
		return false
	}
	s.ops <- op
	return true
}

func (op storeOp) describe() string {
	if op.delKey != "" {
		return "delete " + op.delPartition + " " + op.delKey
	}
	return "eviction check " + op.partition
}

func (s *Store) janitorLoop() {
	defer close(s.done)
	for op := range s.ops {
		s.apply(op)
	}
}

func (s *Store) apply(op storeOp) {
	switch {
	case op.synced != nil:
		close(op.synced)
	case op.delKey != "":
		if _, err := s.deleteIfStoredAt(op.delPartition, op.delKey, op.delStoredAt); err != nil {
			s.log.Warnw("delete failed", logger.FieldPartition, op.delPartition, logger.FieldKey, op.delKey, logger.FieldError, err)
		}
	case op.partition != "":
		s.Enforce(op.partition, op.policy, op.now)
	}
}

// Enforce evicts entries of partition that violate policy at now and returns
// how many were removed.
func (s *Store) Enforce(partition string, policy Policy, now time.Time) int {
	s.wmu.Lock()
	defer s.wmu.Unlock()
	victims := policy.Victims(s.metas(partition), now)
	if len(victims) == 0 {
		return 0
	}
	n := 0
	for _, k := range victims {
		if err := s.deleteLocked(partition, k); err != nil {
			s.log.Warnw("evict failed", logger.FieldPartition, partition, logger.FieldKey, k, logger.FieldError, err)
			continue
		}
		n++
	}
	s.log.Debugw("evicted", logger.FieldPartition, partition, logger.FieldCount, n)
	return n
}

func (s *Store) metas(partition string) map[string]entryMeta {
	s.mu.Lock()
	defer s.mu.Unlock()
	part := s.index[partition]
	out := make(map[string]entryMeta, len(part))
	for k, m := range part {
		out[k] = m
	}
	return out
}

// Keys returns the keys of partition, oldest first.
func (s *Store) Keys(partition string) []string {
	metas := s.metas(partition)
	out := make([]string, 0, len(metas))
	for k := range metas {
		out = append(out, k)
	}
	sort.Slice(out, func(i, j int) bool { return metas[out[i]].Seq < metas[out[j]].Seq })
	return out
}

func (s *Store) Len(partition string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.index[partition])
}

func (s *Store) Partitions() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, 0, len(s.index))
	for p := range s.index {
		out = append(out, p)
	}
	sort.Strings(out)
	return out
}

func (s *Store) TotalSize() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.total
}

// PurgePartition deletes every entry of partition.
func (s *Store) PurgePartition(partition string) (int, error) {
	keys := s.Keys(partition)
	s.wmu.Lock()
	defer s.wmu.Unlock()
	for i, k := range keys {
		if err := s.deleteLocked(partition, k); err != nil {
			return i, errors.Wrapf(err, "purge %s", partition)
		}
	}
	return len(keys), nil
}

func (s *Store) State(name string) (string, bool) {
	b, err := s.db.Get([]byte("s:"+name), nil)
	if err != nil {
		return "", false
	}
	return string(b), true
}

func (s *Store) SetState(name, value string) error {
	return s.db.Put([]byte("s:"+name), []byte(value), nil)
}

// ---- encoding ----

func encodeGob(v any) ([]byte, error) {
	var buf bytes.Buffer
	enc := gob.NewEncoder(&buf)
	if err := enc.Encode(v); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func decodeGob(b []byte, v any) error {
	dec := gob.NewDecoder(bytes.NewReader(b))
	return dec.Decode(v)
}
