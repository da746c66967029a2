package coord

import (
	"context"
	"errors"
	"fmt"

	"github.com/tunnelmesh/blobmesh/internal/directory"
	"github.com/tunnelmesh/blobmesh/internal/record"
)

// Delete runs the delete state machine for key.
//
// The record is first tombstoned (SoftDeleted). With unlink the operation
// stops there. Otherwise the object is removed from every replica volume and
// the record is dropped; if any volume fails the tombstone stays so the
// delete can be retried.
func (c *Coordinator) Delete(ctx context.Context, key []byte, unlink bool) error {
	if !c.store.Lock(key) {
		c.metrics.RecordLockContention("delete")
		return ErrBusy
	}
	defer c.store.Unlock(key)

	rec, err := c.store.Get(key)
	if errors.Is(err, directory.ErrNotFound) {
		return ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("%w: %w", ErrInternal, err)
	}

	if err := checkDelete(rec.Deleted, unlink, c.opts.Protect); err != nil {
		return err
	}

	tomb := rec.Clone()
	tomb.Deleted = record.SoftDeleted
	if err := c.store.Put(key, tomb); err != nil {
		return fmt.Errorf("%w: %w", ErrInternal, err)
	}

	log := c.logger.With().Bytes("key", key).Bool("unlink", unlink).Logger()
	if unlink {
		log.Debug().Msg("Object unlinked")
		return nil
	}

	if err := c.deleteRemote(ctx, key, tomb.Volumes); err != nil {
		log.Warn().Err(err).Strs("volumes", tomb.Volumes).Msg("Remote delete failed, keeping tombstone")
		return fmt.Errorf("%w: %w", ErrInternal, err)
	}

	if err := c.store.Delete(key); err != nil {
		return fmt.Errorf("%w: %w", ErrInternal, err)
	}
	log.Debug().Msg("Object deleted")
	return nil
}

// checkDelete applies the delete guards in order.
func checkDelete(state record.DeletionState, unlink, protect bool) error {
	switch {
	case state == record.HardDeleted:
		return ErrNotFound
	case state == record.SoftDeleted && unlink:
		return ErrNotFound
	case state == record.Live && !unlink && protect:
		return ErrForbidden
	}
	return nil
}
