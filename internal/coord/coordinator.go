// Package coord implements the directory operations of blobmesh: lookups,
// writes, the delete state machine and replica set reconciliation.
package coord

import (
	"context"
	"crypto/md5"
	"encoding/hex"
	"errors"
	"fmt"
	"sync"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/tunnelmesh/blobmesh/internal/directory"
	"github.com/tunnelmesh/blobmesh/internal/metrics"
	"github.com/tunnelmesh/blobmesh/internal/placement"
	"github.com/tunnelmesh/blobmesh/internal/record"
)

// VolumeClient is the subset of volume.Client used by the coordinator.
type VolumeClient interface {
	Delete(ctx context.Context, volume string, key []byte) error
	Put(ctx context.Context, volume string, key []byte, body []byte) error
}

// Options holds the placement policy and delete guards.
type Options struct {
	Volumes    []string
	Fallback   string
	Replicas   int
	Subvolumes int
	// Protect refuses destructive deletes of live objects; unlink still works.
	Protect bool
	// MD5Sum records the md5 of object content on write.
	MD5Sum bool
	// MaxObjectSize bounds Put bodies in bytes; zero is unlimited.
	MaxObjectSize int64
}

// Coordinator serves directory operations on top of a Store.
type Coordinator struct {
	store   *directory.Store
	volumes VolumeClient
	opts    Options
	metrics *metrics.DirectoryMetrics
	logger  zerolog.Logger
}

// New creates a coordinator. If m is nil, metrics will not be recorded.
func New(store *directory.Store, volumes VolumeClient, opts Options, m *metrics.DirectoryMetrics, logger zerolog.Logger) *Coordinator {
	if opts.Replicas < 1 {
		opts.Replicas = 1
	}
	if opts.Subvolumes < 1 {
		opts.Subvolumes = 1
	}
	return &Coordinator{
		store:   store,
		volumes: volumes,
		opts:    opts,
		metrics: m,
		logger:  logger.With().Str("component", "coordinator").Logger(),
	}
}

// Options returns the coordinator's configuration.
func (c *Coordinator) Options() Options {
	return c.opts
}

// Desired returns the ranked replica set the current policy wants for key.
func (c *Coordinator) Desired(key []byte) []string {
	return placement.SelectVolumes(key, c.opts.Volumes, c.opts.Replicas, c.opts.Subvolumes)
}

// Get returns the record for key. Absence is ErrNotFound.
func (c *Coordinator) Get(key []byte) (record.Record, error) {
	rec, err := c.store.Get(key)
	if errors.Is(err, directory.ErrNotFound) {
		return record.Record{}, ErrNotFound
	}
	if err != nil {
		return record.Record{}, fmt.Errorf("%w: %w", ErrInternal, err)
	}
	return rec, nil
}

// PutRecord upserts rec for key without touching volume data. Hard-deleted
// records are represented by absence and cannot be stored.
func (c *Coordinator) PutRecord(key []byte, rec record.Record) error {
	if rec.Deleted == record.HardDeleted {
		return fmt.Errorf("%w: hard-deleted records are not stored", ErrInternal)
	}
	if err := c.store.Put(key, rec); err != nil {
		return fmt.Errorf("%w: %w", ErrInternal, err)
	}
	return nil
}

// Locate returns the volume to read key from. Soft-deleted and unknown keys
// are ErrNotFound.
func (c *Coordinator) Locate(key []byte) (string, error) {
	rec, err := c.Get(key)
	if err != nil {
		return "", err
	}
	if rec.Deleted != record.Live {
		return "", ErrNotFound
	}
	for _, v := range rec.Volumes {
		if v != "" {
			return v, nil
		}
	}
	return "", ErrNotFound
}

// Put writes body to every volume of the key's desired replica set and
// records the result. Live objects are never overwritten; a soft-deleted
// object may be.
func (c *Coordinator) Put(ctx context.Context, key []byte, body []byte) error {
	if c.opts.MaxObjectSize > 0 && int64(len(body)) > c.opts.MaxObjectSize {
		return ErrTooLarge
	}
	if !c.store.Lock(key) {
		c.metrics.RecordLockContention("put")
		return ErrBusy
	}
	defer c.store.Unlock(key)

	existing, err := c.store.Get(key)
	switch {
	case err == nil && existing.Deleted == record.Live:
		return ErrExists
	case err != nil && !errors.Is(err, directory.ErrNotFound):
		return fmt.Errorf("%w: %w", ErrInternal, err)
	}

	volumes := c.Desired(key)
	if len(volumes) == 0 {
		return fmt.Errorf("%w: no volumes configured", ErrInternal)
	}

	g, gctx := errgroup.WithContext(ctx)
	for _, v := range volumes {
		g.Go(func() error {
			err := c.volumes.Put(gctx, v, key, body)
			c.metrics.RecordVolumeWrite(err)
			if err != nil {
				return fmt.Errorf("write to %s: %w", v, err)
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		c.logger.Warn().Err(err).Bytes("key", key).Msg("Volume write failed")
		return fmt.Errorf("%w: %w", ErrInternal, err)
	}

	rec := record.Record{Volumes: volumes, Deleted: record.Live}
	if c.opts.MD5Sum {
		sum := md5.Sum(body)
		rec.Hash = hex.EncodeToString(sum[:])
	}
	if err := c.store.Put(key, rec); err != nil {
		return fmt.Errorf("%w: %w", ErrInternal, err)
	}

	c.logger.Debug().Bytes("key", key).Strs("volumes", volumes).Msg("Object written")
	return nil
}

// deleteRemote removes key from every volume concurrently. Every volume is
// attempted; the returned error joins all failures.
func (c *Coordinator) deleteRemote(ctx context.Context, key []byte, volumes []string) error {
	var (
		g    errgroup.Group
		mu   sync.Mutex
		errs []error
	)
	for _, v := range volumes {
		if v == "" {
			continue
		}
		g.Go(func() error {
			err := c.volumes.Delete(ctx, v, key)
			c.metrics.RecordVolumeDelete(err)
			if err != nil {
				mu.Lock()
				errs = append(errs, fmt.Errorf("delete from %s: %w", v, err))
				mu.Unlock()
			}
			return nil
		})
	}
	_ = g.Wait()
	return errors.Join(errs...)
}
