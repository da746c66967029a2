package coord

import (
	"errors"
	"fmt"
	"slices"

	"github.com/tunnelmesh/blobmesh/internal/directory"
	"github.com/tunnelmesh/blobmesh/internal/record"
)

// Reconcile folds "volume holds key" into the key's replica set.
//
// The new set is the desired ranking filtered to the volumes already
// recorded plus the reporting one, so stale volumes fall out. volume must be
// formatted as placement.SelectVolumes formats it, including any /svXX
// suffix. The record becomes Live and keeps its content hash.
//
// ErrBusy means another mutation of key is in flight; retry later.
func (c *Coordinator) Reconcile(key []byte, volume string) error {
	desired := c.Desired(key)

	if !c.store.Lock(key) {
		c.metrics.RecordLockContention("reconcile")
		c.metrics.RecordReconcile("busy")
		return ErrBusy
	}
	defer c.store.Unlock(key)

	rec, err := c.store.Get(key)
	if err != nil && !errors.Is(err, directory.ErrNotFound) {
		c.metrics.RecordReconcile("error")
		return fmt.Errorf("%w: %w", ErrInternal, err)
	}

	held := append(slices.Clone(rec.Volumes), volume)
	next := record.Record{
		Volumes: intersectRanked(desired, held),
		Deleted: record.Live,
		Hash:    rec.Hash,
	}

	if err := c.store.Put(key, next); err != nil {
		c.metrics.RecordReconcile("error")
		return fmt.Errorf("%w: %w", ErrInternal, err)
	}

	c.metrics.RecordReconcile("success")
	c.logger.Debug().
		Bytes("key", key).
		Str("volume", volume).
		Strs("volumes", next.Volumes).
		Msg("Replica set reconciled")
	return nil
}

// intersectRanked keeps the entries of desired present in held, in desired order.
func intersectRanked(desired, held []string) []string {
	out := make([]string, 0, len(desired))
	for _, d := range desired {
		if slices.Contains(held, d) {
			out = append(out, d)
		}
	}
	return out
}
