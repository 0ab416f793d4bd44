package buzzworker

import (
	"context"
	"net/url"
	"strings"
	"sync"

	"golang.org/x/sync/errgroup"

	"buzzworker/internal/errors"
	"buzzworker/internal/logger"
)

type InstallReport struct {
	Fetched int
	Skipped int
	Failed  []AssetFailure
	Bytes   int64
}

type AssetFailure struct {
	URL string
	Err error
}

// precacheKey reduces a manifest URL to the path the precache is keyed by.
func precacheKey(raw string) string {
	raw = strings.TrimSpace(raw)
	if u, err := url.Parse(raw); err == nil && u.Path != "" {
		raw = u.Path
	}
	if !strings.HasPrefix(raw, "/") {
		raw = "/" + raw
	}
	return raw
}

// Install loads the manifest and stages changed assets in the pending
// precache partition; Activate promotes them. Assets whose active or staged
// revision matches the manifest are not fetched again. A failed asset is
// reported and skipped; only an unreadable manifest fails the install.
func (s *Service) Install(ctx context.Context) (InstallReport, error) {
	var report InstallReport

	var entries []ManifestEntry
	if path := s.cfg.Worker.Manifest; path != "" {
		var err error
		entries, err = LoadManifest(path)
		if err != nil {
			return report, err
		}
	}
	s.manifestMu.Lock()
	s.manifest = entries
	s.manifestMu.Unlock()

	var mu sync.Mutex
	g := new(errgroup.Group)
	g.SetLimit(s.cfg.Worker.PrecacheConcurrency)

	for _, e := range entries {
		key := precacheKey(e.URL)
		if s.hasRevision(key, e.Revision) {
			report.Skipped++
			s.metrics.observePrecache("skipped")
			continue
		}
		if ctx.Err() != nil {
			break
		}
		g.Go(func() error {
			ent, err := s.fetchAsset(ctx, key)
			if err == nil {
				ent.Revision = e.Revision
				err = s.pending.Put(key, ent)
			}

			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				err = errors.Mark(errors.Wrapf(err, "precache %s", key), errors.ErrAssetFetch)
				report.Failed = append(report.Failed, AssetFailure{URL: key, Err: err})
				s.metrics.observePrecache("failed")
				s.log.Warnw("precache asset failed", logger.FieldPath, key, logger.FieldRevision, e.Revision, logger.FieldError, err)
				s.reporter.ReportAssetFailure(key, err)
				return nil
			}
			report.Fetched++
			report.Bytes += int64(len(ent.Body))
			s.metrics.observePrecache("fetched")
			return nil
		})
	}
	_ = g.Wait()

	if err := ctx.Err(); err != nil {
		return report, err
	}
	s.log.Infow("precache installed",
		logger.FieldCount, report.Fetched, "skipped", report.Skipped,
		"failed", len(report.Failed), logger.FieldSize, formatBytes(uint64(report.Bytes)))
	return report, nil
}

func (s *Service) hasRevision(key, rev string) bool {
	for _, p := range []*Partition{s.precache, s.pending} {
		if cur, ok := p.Match(key); ok && cur.Revision == rev {
			return true
		}
	}
	return false
}

func (s *Service) fetchAsset(ctx context.Context, key string) (CacheEntry, error) {
	ent, err := s.fetchFromOrigin(ctx, key, nil)
	if err != nil {
		return CacheEntry{}, err
	}
	if ent.Status < 200 || ent.Status >= 300 {
		return CacheEntry{}, errors.ServerRejected(ent.Status, "")
	}
	return ent, nil
}

// Activate promotes staged assets into the precache, then purges what the
// new version no longer owns: precache entries that left the manifest or
// carry another revision, partitions outside the strategy table, and on a
// version change every runtime partition. It then records the version as
// active.
func (s *Service) Activate(ctx context.Context) error {
	for _, key := range s.pending.Keys() {
		ent, ok := s.store.Get(PendingPrecachePartition, key)
		if !ok {
			continue
		}
		if err := s.precache.Put(key, ent); err != nil {
			return errors.Wrapf(err, "promote %s", key)
		}
	}
	if _, err := s.pending.Purge(); err != nil {
		return err
	}

	s.manifestMu.Lock()
	want := make(map[string]string, len(s.manifest))
	for _, e := range s.manifest {
		want[precacheKey(e.URL)] = e.Revision
	}
	s.manifestMu.Unlock()

	stale := 0
	for _, key := range s.precache.Keys() {
		if err := ctx.Err(); err != nil {
			return err
		}
		ent, ok := s.store.Get(PrecachePartition, key)
		rev, listed := want[key]
		if ok && listed && ent.Revision == rev {
			continue
		}
		if err := s.precache.Delete(key); err != nil {
			return errors.Wrapf(err, "purge precache %s", key)
		}
		stale++
	}
	s.hot.Flush()

	owned := s.table.partitionNames()
	owned[PrecachePartition] = struct{}{}
	owned[PendingPrecachePartition] = struct{}{}
	for _, p := range s.store.Partitions() {
		if _, ok := owned[p]; ok {
			continue
		}
		n, err := s.store.PurgePartition(p)
		if err != nil {
			return err
		}
		s.log.Infow("purged obsolete partition", logger.FieldPartition, p, logger.FieldCount, n)
	}

	version := s.cfg.Worker.Version
	if prev, ok := s.store.State("version"); ok && prev != version {
		for name := range s.table.partitionNames() {
			n, err := s.store.PurgePartition(name)
			if err != nil {
				return err
			}
			s.log.Infow("purged partition on version change", logger.FieldPartition, name, logger.FieldCount, n, logger.FieldVersion, version)
		}
	}
	if err := s.store.SetState("version", version); err != nil {
		return errors.Wrap(err, "record active version")
	}
	s.log.Infow("activated", logger.FieldVersion, version, logger.FieldCount, stale)
	return nil
}
