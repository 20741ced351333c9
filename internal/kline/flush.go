package kline

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
	"go.uber.org/zap"

	"solana-kline-engine/internal/domain"
	"solana-kline-engine/internal/observability"
	"solana-kline-engine/internal/storage"
)

// dirtyTracker remembers, per bucket, how much volume already reached
// history. Flushing writes only the difference, so a bucket flushed on
// several ticks is never double counted by the additive merge.
type dirtyTracker struct {
	mu        sync.Mutex
	retention time.Duration
	entries   map[string]*dirtyEntry // keyed by domain.BucketKey
}

type dirtyEntry struct {
	token         string
	res           domain.Resolution
	bucketStart   int64
	flushedVolume float64
	generation    uint64 // bumped on every mark
	dirty         bool
	touchedAt     time.Time
}

// flushItem is a snapshot of a dirty entry taken for one flush run.
type flushItem struct {
	key           string
	token         string
	res           domain.Resolution
	bucketStart   int64
	flushedVolume float64
	generation    uint64
}

func newDirtyTracker(retention time.Duration) *dirtyTracker {
	return &dirtyTracker{
		retention: retention,
		entries:   make(map[string]*dirtyEntry),
	}
}

func (d *dirtyTracker) mark(token string, res domain.Resolution, bucketStart int64, now time.Time) {
	key := domain.BucketKey(token, res, bucketStart)

	d.mu.Lock()
	defer d.mu.Unlock()

	e, ok := d.entries[key]
	if !ok {
		e = &dirtyEntry{token: token, res: res, bucketStart: bucketStart}
		d.entries[key] = e
	}
	e.dirty = true
	e.generation++
	e.touchedAt = now
}

// collect snapshots dirty entries. Unless all is set, only buckets whose
// window has closed by now are returned. Idle clean entries past retention
// are dropped.
func (d *dirtyTracker) collect(now time.Time, all bool) []flushItem {
	d.mu.Lock()
	defer d.mu.Unlock()

	nowSec := now.Unix()
	var items []flushItem
	for key, e := range d.entries {
		if !e.dirty {
			if now.Sub(e.touchedAt) > d.retention {
				delete(d.entries, key)
			}
			continue
		}
		if !all && e.res.BucketEnd(e.bucketStart) > nowSec {
			continue
		}
		items = append(items, flushItem{
			key:           key,
			token:         e.token,
			res:           e.res,
			bucketStart:   e.bucketStart,
			flushedVolume: e.flushedVolume,
			generation:    e.generation,
		})
	}

	sort.Slice(items, func(i, j int) bool { return items[i].key < items[j].key })
	return items
}

// ack records a successful flush. The entry stays dirty if it was marked
// again after the snapshot was taken.
func (d *dirtyTracker) ack(item flushItem, volume float64) {
	d.mu.Lock()
	defer d.mu.Unlock()

	e, ok := d.entries[item.key]
	if !ok {
		return
	}
	e.flushedVolume = volume
	if e.generation == item.generation {
		e.dirty = false
	}
}

// forget drops an entry whose live bucket no longer exists.
func (d *dirtyTracker) forget(item flushItem) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if e, ok := d.entries[item.key]; ok && e.generation == item.generation {
		delete(d.entries, item.key)
	}
}

func (d *dirtyTracker) dirtyCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()

	n := 0
	for _, e := range d.entries {
		if e.dirty {
			n++
		}
	}
	return n
}

// Start launches the periodic flush job. It is a no-op without a history
// store or when already running.
func (s *Service) Start(ctx context.Context) {
	if s.history == nil {
		return
	}

	s.runMu.Lock()
	defer s.runMu.Unlock()
	if s.cancel != nil {
		return
	}

	ctx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.stopped = make(chan struct{})

	go s.run(ctx, s.stopped)
	s.logger.Info("kline flush job started", zap.Duration("interval", s.flushInterval))
}

func (s *Service) run(ctx context.Context, done chan<- struct{}) {
	defer close(done)

	ticker := time.NewTicker(s.flushInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			runCtx, cancel := context.WithTimeout(ctx, s.flushTimeout)
			if _, err := s.Flush(runCtx, false); err != nil {
				s.logger.Warn("kline flush failed, will retry next tick", zap.Error(err))
			}
			cancel()
		}
	}
}

// Stop stops the flush job and flushes every dirty bucket, open or closed,
// within ctx. Without a history store it returns immediately.
func (s *Service) Stop(ctx context.Context) error {
	if s.history == nil {
		return nil
	}

	s.runMu.Lock()
	cancel, stopped := s.cancel, s.stopped
	s.cancel, s.stopped = nil, nil
	s.runMu.Unlock()

	if cancel != nil {
		cancel()
		select {
		case <-stopped:
		case <-ctx.Done():
			return fmt.Errorf("wait for flush job: %w", ctx.Err())
		}
	}

	rows, err := s.Flush(ctx, true)
	if err != nil {
		return fmt.Errorf("final flush: %w", err)
	}
	s.logger.Info("kline flush job stopped", zap.Int("final_rows", rows))
	return nil
}

// Flush persists dirty buckets to history and returns the number of rows written.
// With all unset only buckets whose window has closed are flushed.
// Buckets that fail stay dirty for the next run.
func (s *Service) Flush(ctx context.Context, all bool) (int, error) {
	if s.history == nil {
		return 0, nil
	}

	s.flushMu.Lock()
	defer s.flushMu.Unlock()

	start := time.Now()
	items := s.tracker.collect(s.now(), all)
	if len(items) == 0 {
		return 0, nil
	}

	var (
		written int
		errs    []error
	)
	for lo := 0; lo < len(items); lo += s.flushBatchSize {
		hi := lo + s.flushBatchSize
		if hi > len(items) {
			hi = len(items)
		}
		n, err := s.flushChunk(ctx, items[lo:hi])
		written += n
		if err != nil {
			errs = append(errs, err)
			if ctx.Err() != nil {
				break
			}
		}
	}

	err := errors.Join(errs...)
	status := "success"
	if err != nil {
		status = "error"
	}
	observability.RecordFlush(status, written, time.Since(start).Seconds(), float64(s.now().Unix()))
	observability.UpdateDirtyBuckets(s.tracker.dirtyCount())

	s.logger.Debug("kline flush run",
		zap.Int("candidates", len(items)),
		zap.Int("rows", written),
		zap.Bool("all", all),
		zap.Error(err))
	return written, err
}

func (s *Service) flushChunk(ctx context.Context, items []flushItem) (int, error) {
	deltas := make([]*domain.KLine, 0, len(items))
	volumes := make([]float64, 0, len(items))
	kept := make([]flushItem, 0, len(items))

	for _, item := range items {
		current, err := s.store.Get(ctx, item.token, item.res, item.bucketStart)
		if errors.Is(err, storage.ErrNotFound) {
			s.logger.Warn("bucket expired before flush",
				zap.String("token", item.token),
				zap.String("resolution", item.res.String()),
				zap.Int64("bucket", item.bucketStart))
			s.tracker.forget(item)
			continue
		}
		if err != nil {
			observability.RecordStoreCall("get", 0, err)
			return 0, fmt.Errorf("read live bucket %s: %w", item.key, err)
		}

		delta := current.Clone()
		delta.Volume = current.Volume - item.flushedVolume
		if delta.Volume < 0 {
			// Live bucket expired and restarted since the last flush.
			delta.Volume = current.Volume
		}

		deltas = append(deltas, delta)
		volumes = append(volumes, current.Volume)
		kept = append(kept, item)
	}
	if len(deltas) == 0 {
		return 0, nil
	}

	_, err := backoff.Retry(ctx, func() (struct{}, error) {
		return struct{}{}, s.history.MergeBatch(ctx, deltas)
	},
		backoff.WithBackOff(backoff.NewExponentialBackOff()),
		backoff.WithMaxTries(s.flushRetries))
	if err != nil {
		return 0, fmt.Errorf("merge %d deltas: %w", len(deltas), err)
	}

	for i, item := range kept {
		s.tracker.ack(item, volumes[i])
	}
	return len(deltas), nil
}
