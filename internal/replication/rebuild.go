// Package replication runs the maintenance passes over the directory: rebuild
// crawls the volume servers and reconciles every object they hold, rebalance
// reports records whose replica set drifted from the current placement.
package replication

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/tunnelmesh/blobmesh/internal/coord"
	"github.com/tunnelmesh/blobmesh/internal/metrics"
	"github.com/tunnelmesh/blobmesh/internal/placement"
	"github.com/tunnelmesh/blobmesh/internal/volume"
)

const (
	defaultRebuildConcurrency = 16
	defaultBusyRetries        = 5
	defaultBusyBackoff        = 10 * time.Millisecond
)

// Reconciler folds a volume report into the directory.
type Reconciler interface {
	Reconcile(key []byte, volume string) error
}

// Lister fetches a volume directory listing.
type Lister interface {
	List(ctx context.Context, url string) ([]volume.Entry, error)
}

// RebuildOptions configures a Rebuilder.
type RebuildOptions struct {
	Volumes []string
	// Concurrency bounds in-flight reconciliations. Zero uses 16.
	Concurrency int
	// Rate limits reconciliations per second. Zero is unlimited.
	Rate float64
	// BusyRetries is how often a locked key is retried before it is skipped.
	BusyRetries int
	BusyBackoff time.Duration
}

// RebuildStats summarises a rebuild run.
type RebuildStats struct {
	Files      uint64 `json:"files"`
	Reconciled uint64 `json:"reconciled"`
	Skipped    uint64 `json:"skipped"`
	Failed     uint64 `json:"failed"`
}

// Rebuilder reconstructs replica sets from what the volume servers hold.
type Rebuilder struct {
	reconciler Reconciler
	lister     Lister
	opts       RebuildOptions
	limiter    *rate.Limiter
	metrics    *metrics.DirectoryMetrics
	logger     zerolog.Logger

	files      atomic.Uint64
	reconciled atomic.Uint64
	skipped    atomic.Uint64
	failed     atomic.Uint64
}

// NewRebuilder creates a rebuilder. If m is nil, metrics will not be recorded.
func NewRebuilder(r Reconciler, l Lister, opts RebuildOptions, m *metrics.DirectoryMetrics, logger zerolog.Logger) *Rebuilder {
	if opts.Concurrency <= 0 {
		opts.Concurrency = defaultRebuildConcurrency
	}
	if opts.BusyRetries <= 0 {
		opts.BusyRetries = defaultBusyRetries
	}
	if opts.BusyBackoff <= 0 {
		opts.BusyBackoff = defaultBusyBackoff
	}

	limiter := rate.NewLimiter(rate.Inf, 0)
	if opts.Rate > 0 {
		limiter = rate.NewLimiter(rate.Limit(opts.Rate), opts.Concurrency)
	}

	return &Rebuilder{
		reconciler: r,
		lister:     l,
		opts:       opts,
		limiter:    limiter,
		metrics:    m,
		logger:     logger.With().Str("component", "rebuild").Logger(),
	}
}

// Stats returns the counters accumulated so far.
func (rb *Rebuilder) Stats() RebuildStats {
	return RebuildStats{
		Files:      rb.files.Load(),
		Reconciled: rb.reconciled.Load(),
		Skipped:    rb.skipped.Load(),
		Failed:     rb.failed.Load(),
	}
}

// Run crawls every configured volume once. Listing failures are logged and
// counted; only cancellation of ctx aborts the run.
func (rb *Rebuilder) Run(ctx context.Context) (RebuildStats, error) {
	start := time.Now()
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(rb.opts.Concurrency)

volumes:
	for _, vol := range rb.opts.Volumes {
		bases, err := rb.volumeRoots(gctx, vol)
		if err != nil {
			if gctx.Err() != nil {
				break
			}
			rb.failed.Add(1)
			rb.logger.Warn().Err(err).Str("volume", vol).Msg("Failed to list volume")
			continue
		}
		for _, base := range bases {
			if err := rb.walk(gctx, g, base); err != nil {
				break volumes
			}
		}
	}

	err := g.Wait()
	if err == nil {
		err = ctx.Err()
	}

	stats := rb.Stats()
	rb.logger.Info().
		Uint64("files", stats.Files).
		Uint64("reconciled", stats.Reconciled).
		Uint64("skipped", stats.Skipped).
		Uint64("failed", stats.Failed).
		Dur("duration", time.Since(start)).
		Msg("Rebuild completed")
	return stats, err
}

// volumeRoots returns the names objects on vol are reported under: one per
// svXX sub-volume directory, or vol itself when it has none.
func (rb *Rebuilder) volumeRoots(ctx context.Context, vol string) ([]string, error) {
	entries, err := rb.lister.List(ctx, "http://"+vol+"/")
	if err != nil {
		return nil, err
	}
	var roots []string
	for _, e := range entries {
		if e.IsDir() && isSubvolumeDir(e.Name) {
			roots = append(roots, vol+"/"+e.Name)
		}
	}
	if len(roots) == 0 {
		roots = append(roots, vol)
	}
	return roots, nil
}

func isSubvolumeDir(name string) bool {
	return len(name) == 4 && strings.HasPrefix(name, "sv")
}

// walk lists the two fan-out levels under base and schedules one
// reconciliation per file. It returns an error only when ctx is done.
func (rb *Rebuilder) walk(ctx context.Context, g *errgroup.Group, base string) error {
	log := rb.logger.With().Str("volume", base).Logger()

	first, err := rb.lister.List(ctx, "http://"+base+"/")
	if err != nil {
		return rb.listFailed(ctx, log, err)
	}
	for _, d1 := range first {
		if !d1.IsDir() || isSubvolumeDir(d1.Name) {
			continue
		}
		second, err := rb.lister.List(ctx, fmt.Sprintf("http://%s/%s/", base, d1.Name))
		if err != nil {
			if err := rb.listFailed(ctx, log, err); err != nil {
				return err
			}
			continue
		}
		for _, d2 := range second {
			if !d2.IsDir() {
				continue
			}
			files, err := rb.lister.List(ctx, fmt.Sprintf("http://%s/%s/%s/", base, d1.Name, d2.Name))
			if err != nil {
				if err := rb.listFailed(ctx, log, err); err != nil {
					return err
				}
				continue
			}
			for _, f := range files {
				if f.IsDir() {
					continue
				}
				if ctx.Err() != nil {
					return ctx.Err()
				}
				name := f.Name
				g.Go(func() error {
					return rb.rebuildFile(ctx, base, name)
				})
			}
		}
	}
	return nil
}

func (rb *Rebuilder) listFailed(ctx context.Context, log zerolog.Logger, err error) error {
	if ctx.Err() != nil {
		return ctx.Err()
	}
	rb.failed.Add(1)
	log.Warn().Err(err).Msg("Failed to list volume directory")
	return nil
}

// rebuildFile reconciles one listed file. Only cancellation is returned as an
// error so that one bad file does not stop the run.
func (rb *Rebuilder) rebuildFile(ctx context.Context, base, name string) error {
	rb.files.Add(1)

	key, err := placement.KeyFromName(name)
	if err != nil {
		rb.skipped.Add(1)
		rb.metrics.RecordRebuildFile("skipped")
		rb.logger.Debug().Str("volume", base).Str("name", name).Err(err).Msg("Skipping undecodable file")
		return nil
	}

	for attempt := 0; ; attempt++ {
		if err := rb.limiter.Wait(ctx); err != nil {
			return err
		}
		err := rb.reconciler.Reconcile(key, base)
		switch {
		case err == nil:
			rb.reconciled.Add(1)
			rb.metrics.RecordRebuildFile("reconciled")
			return nil
		case errors.Is(err, coord.ErrBusy) && attempt < rb.opts.BusyRetries:
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(rb.opts.BusyBackoff):
			}
		case errors.Is(err, coord.ErrBusy):
			rb.skipped.Add(1)
			rb.metrics.RecordRebuildFile("skipped")
			rb.logger.Warn().Str("volume", base).Bytes("key", key).Msg("Key stayed locked, skipping")
			return nil
		default:
			rb.failed.Add(1)
			rb.metrics.RecordRebuildFile("error")
			rb.logger.Warn().Err(err).Str("volume", base).Bytes("key", key).Msg("Reconcile failed")
			return nil
		}
	}
}
