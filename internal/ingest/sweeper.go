package ingest

import (
	"context"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/loist/loist/internal/errors"
	"github.com/loist/loist/internal/logger"
	"github.com/loist/loist/internal/storage"
	"github.com/loist/loist/internal/utils"
)

const (
	// quarantineAfter is how long a FAILED row rests before its blobs are
	// moved to the quarantine prefix.
	quarantineAfter = time.Hour
	// deleteAfter is how long quarantined data is retained for audit.
	deleteAfter = 7 * 24 * time.Hour
	// tmpWindow protects fresh blobs in the audio prefix whose row has not
	// landed yet from being treated as orphans.
	tmpWindow = 24 * time.Hour
)

// ReclaimStats summarizes one sweep.
type ReclaimStats struct {
	Quarantined   int `json:"quarantined"`
	Deleted       int `json:"deleted"`
	OrphansFound  int `json:"orphans_found"`
	ObjectsMoved  int `json:"objects_moved"`
	ObjectsErased int `json:"objects_erased"`
}

// Sweeper reclaims storage and rows left behind by failed ingestions.
type Sweeper struct {
	tracks  TrackStore
	objects ObjectStore
	group   singleflight.Group
	pool    *utils.WorkerPool
	log     interface {
		Debug(msg string, args ...interface{})
		Info(msg string, args ...interface{})
		Warn(msg string, args ...interface{})
	}
}

// NewSweeper creates a sweeper sharing the orchestrator's stores.
func NewSweeper(tracks TrackStore, objects ObjectStore, workers int) *Sweeper {
	pool := utils.NewWorkerPool(workers)
	pool.Start()
	return &Sweeper{
		tracks:  tracks,
		objects: objects,
		pool:    pool,
		log:     logger.Named("ingest.sweeper"),
	}
}

// Stop shuts the worker pool down.
func (s *Sweeper) Stop() {
	s.pool.Stop()
}

// Reclaim runs one sweep. Concurrent calls collapse into a single run whose
// stats every caller receives.
//
// Phases: quarantine FAILED rows older than an hour, delete rows quarantined
// longer than seven days, move orphan blobs in the audio prefix to
// quarantine, then erase quarantine blobs past the retention window.
func (s *Sweeper) Reclaim(ctx context.Context) (ReclaimStats, error) {
	result, err, _ := s.group.Do("reclaim", func() (interface{}, error) {
		return s.reclaim(ctx)
	})
	if err != nil {
		return ReclaimStats{}, err
	}
	return result.(ReclaimStats), nil
}

func (s *Sweeper) reclaim(ctx context.Context) (ReclaimStats, error) {
	var stats ReclaimStats
	now := time.Now()

	// FAILED rows past the rest period: move their blobs to quarantine.
	failed, err := s.tracks.ListQuarantinable(ctx, now.Add(-quarantineAfter))
	if err != nil {
		return stats, err
	}
	for _, track := range failed {
		if track.ObjectPath == "" {
			// Nothing stored; the row itself enters quarantine for the
			// retention clock.
			if err := s.tracks.MarkQuarantined(ctx, track.ID, ""); err == nil {
				stats.Quarantined++
			}
			continue
		}
		moved := storage.QuarantineObject(track.ObjectPath)
		if err := s.objects.Move(ctx, track.ObjectPath, moved); err != nil {
			s.log.Warn("quarantine move failed", "track", track.ID, "error", err)
			continue
		}
		stats.ObjectsMoved++
		if track.ThumbnailPath != nil && *track.ThumbnailPath != "" {
			if err := s.objects.Move(ctx, *track.ThumbnailPath, storage.QuarantineObject(*track.ThumbnailPath)); err != nil {
				s.log.Warn("thumbnail quarantine move failed", "track", track.ID, "error", err)
			} else {
				stats.ObjectsMoved++
			}
		}
		if err := s.tracks.MarkQuarantined(ctx, track.ID, moved); err != nil {
			s.log.Warn("quarantine mark failed", "track", track.ID, "error", err)
			continue
		}
		stats.Quarantined++
	}

	// Rows quarantined past retention: delete row and blobs.
	expired, err := s.tracks.ListQuarantined(ctx, now.Add(-deleteAfter))
	if err != nil {
		return stats, err
	}
	for _, track := range expired {
		if track.ObjectPath != "" {
			if err := s.objects.Delete(ctx, track.ObjectPath); err != nil {
				s.log.Warn("quarantine delete failed", "track", track.ID, "error", err)
				continue
			}
			stats.ObjectsErased++
		}
		if track.ThumbnailPath != nil && *track.ThumbnailPath != "" {
			if err := s.objects.Delete(ctx, storage.QuarantineObject(*track.ThumbnailPath)); err == nil {
				stats.ObjectsErased++
			}
		}
		if err := s.tracks.Delete(ctx, track.ID); err != nil {
			s.log.Warn("row delete failed", "track", track.ID, "error", err)
			continue
		}
		stats.Deleted++
	}

	// Orphan scan: audio-prefix blobs older than the temp window whose track
	// row is gone move to quarantine; the retention pass below erases them
	// once they age out. Lookup is by the track id segment of the key, so a
	// live track's thumbnail is never mistaken for an orphan.
	var orphans []storage.ObjectInfo
	seen := make(map[string]bool)
	err = s.objects.List(ctx, storage.AudioPrefix, func(info storage.ObjectInfo) error {
		if now.Sub(info.Created) < tmpWindow {
			return nil
		}
		id := storage.TrackIDFromKey(info.Key)
		if id == "" {
			return nil
		}
		if cached, ok := seen[id]; ok {
			if cached {
				orphans = append(orphans, info)
			}
			return nil
		}
		_, err := s.tracks.Get(ctx, id)
		orphaned := err != nil && errors.KindOf(err) == errors.KindNotFound
		seen[id] = orphaned
		if orphaned {
			orphans = append(orphans, info)
		}
		return nil
	})
	if err != nil {
		s.log.Warn("orphan scan failed", "error", err)
	}
	stats.OrphansFound = len(orphans)
	moved := s.parallel(orphans, func(info storage.ObjectInfo) bool {
		if err := s.objects.Move(ctx, info.Key, storage.QuarantineObject(info.Key)); err != nil {
			s.log.Warn("orphan move failed", "object", info.Key, "error", err)
			return false
		}
		return true
	})
	stats.ObjectsMoved += moved

	// Quarantine retention: erase blobs older than the retention window,
	// covering orphans that never had a row.
	var stale []storage.ObjectInfo
	err = s.objects.List(ctx, storage.QuarantinePrefix, func(info storage.ObjectInfo) error {
		if now.Sub(info.Created) > deleteAfter {
			stale = append(stale, info)
		}
		return nil
	})
	if err != nil {
		s.log.Warn("quarantine scan failed", "error", err)
	}
	erased := s.parallel(stale, func(info storage.ObjectInfo) bool {
		if err := s.objects.Delete(ctx, info.Key); err != nil {
			s.log.Warn("quarantine erase failed", "object", info.Key, "error", err)
			return false
		}
		return true
	})
	stats.ObjectsErased += erased

	s.log.Info("sweep finished",
		"quarantined", stats.Quarantined,
		"deleted", stats.Deleted,
		"orphans", stats.OrphansFound,
		"moved", stats.ObjectsMoved,
		"erased", stats.ObjectsErased)
	return stats, nil
}

// parallel runs op for every item on the worker pool and returns the success
// count. Items fall back to inline execution when the queue is saturated.
func (s *Sweeper) parallel(items []storage.ObjectInfo, op func(storage.ObjectInfo) bool) int {
	var wg sync.WaitGroup
	var mu sync.Mutex
	succeeded := 0

	for _, item := range items {
		item := item
		wg.Add(1)
		task := func() {
			defer wg.Done()
			if op(item) {
				mu.Lock()
				succeeded++
				mu.Unlock()
			}
		}
		if !s.pool.Submit(task) {
			task()
		}
	}
	wg.Wait()
	return succeeded
}
