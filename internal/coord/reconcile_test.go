package coord

import (
	"errors"
	"slices"
	"sync"
	"testing"
	"time"

	"github.com/cockroachdb/pebble"
	"github.com/cockroachdb/pebble/vfs"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tunnelmesh/blobmesh/internal/directory"
	"github.com/tunnelmesh/blobmesh/internal/metrics"
	"github.com/tunnelmesh/blobmesh/internal/record"
	"github.com/tunnelmesh/blobmesh/testutil"
)

// outsider returns the configured volume that is not in desired.
func outsider(t *testing.T, desired []string) string {
	t.Helper()
	for _, v := range testVolumes {
		if !slices.Contains(desired, v) {
			return v
		}
	}
	t.Fatal("every volume is desired")
	return ""
}

func TestIntersectRanked(t *testing.T) {
	assert.Equal(t, []string{"a", "c"}, intersectRanked([]string{"a", "b", "c"}, []string{"c", "x", "a"}))
	assert.Empty(t, intersectRanked([]string{"a"}, []string{"b"}))
	assert.Empty(t, intersectRanked(nil, []string{"a"}))
}

func TestReconcile_NewKey(t *testing.T) {
	c, store := newTestCoordinator(t, defaultOptions(), newFakeVolumes())
	key := []byte("k")
	desired := c.Desired(key)

	require.NoError(t, c.Reconcile(key, desired[1]))

	rec, err := store.Get(key)
	require.NoError(t, err)
	assert.Equal(t, []string{desired[1]}, rec.Volumes)
	assert.Equal(t, record.Live, rec.Deleted)
	assert.Empty(t, rec.Hash)

	require.NoError(t, c.Reconcile(key, desired[0]))
	rec, err = store.Get(key)
	require.NoError(t, err)
	assert.Equal(t, desired, rec.Volumes, "volumes follow desired rank order")
}

func TestReconcile_UndesiredVolume(t *testing.T) {
	c, store := newTestCoordinator(t, defaultOptions(), newFakeVolumes())
	key := []byte("k")

	require.NoError(t, c.Reconcile(key, outsider(t, c.Desired(key))))

	rec, err := store.Get(key)
	require.NoError(t, err)
	assert.Nil(t, rec.Volumes)
	assert.Equal(t, record.Live, rec.Deleted)

	// A live record without replicas is neither listed nor served.
	res, err := c.List(nil, nil, 0)
	require.NoError(t, err)
	assert.Empty(t, res.Keys)
	_, err = c.Locate(key)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestReconcile_HealsDrift(t *testing.T) {
	c, store := newTestCoordinator(t, defaultOptions(), newFakeVolumes())
	key := []byte("k")
	desired := c.Desired(key)
	stale := outsider(t, desired)
	require.NoError(t, store.Put(key, record.Record{Volumes: []string{stale, desired[0]}}))

	require.NoError(t, c.Reconcile(key, desired[1]))

	rec, err := store.Get(key)
	require.NoError(t, err)
	assert.NotContains(t, rec.Volumes, stale)
	assert.Equal(t, desired, rec.Volumes)
}

func TestReconcile_PreservesHash(t *testing.T) {
	c, store := newTestCoordinator(t, defaultOptions(), newFakeVolumes())
	key := []byte("k")
	desired := c.Desired(key)
	const hash = "5d41402abc4b2a76b9719d911017c592"
	require.NoError(t, store.Put(key, record.Record{Volumes: desired[:1], Hash: hash}))

	require.NoError(t, c.Reconcile(key, desired[1]))

	rec, err := store.Get(key)
	require.NoError(t, err)
	assert.Equal(t, hash, rec.Hash)
}

func TestReconcile_RevivesSoftDeleted(t *testing.T) {
	c, store := newTestCoordinator(t, defaultOptions(), newFakeVolumes())
	key := []byte("k")
	desired := c.Desired(key)
	require.NoError(t, store.Put(key, record.Record{Volumes: desired, Deleted: record.SoftDeleted}))

	require.NoError(t, c.Reconcile(key, desired[0]))

	rec, err := store.Get(key)
	require.NoError(t, err)
	assert.Equal(t, record.Live, rec.Deleted)
	assert.Equal(t, desired, rec.Volumes)
}

func TestReconcile_Busy(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := metrics.NewDirectoryMetrics(reg)
	store := testutil.OpenStore(t)
	c := New(store, newFakeVolumes(), defaultOptions(), m, zerolog.Nop())
	key := []byte("k")

	require.True(t, store.Lock(key))
	assert.ErrorIs(t, c.Reconcile(key, c.Desired(key)[0]), ErrBusy)
	assert.Equal(t, 1.0, counterValue(t, m.Reconciles.WithLabelValues("busy")))
	assert.Equal(t, 1.0, counterValue(t, m.LockContention.WithLabelValues("reconcile")))

	_, err := store.Get(key)
	assert.Error(t, err, "nothing written while busy")

	store.Unlock(key)
	require.NoError(t, c.Reconcile(key, c.Desired(key)[0]))
	assert.Equal(t, 1.0, counterValue(t, m.Reconciles.WithLabelValues("success")))
}

func TestReconcile_ReleasesLockOnFailure(t *testing.T) {
	c, store := newTestCoordinator(t, defaultOptions(), newFakeVolumes())
	require.NoError(t, store.Close())

	err := c.Reconcile([]byte("k"), "larry")
	assert.ErrorIs(t, err, ErrInternal)
	assert.Zero(t, store.HeldLocks())
}

func TestReconcile_WriteFailure(t *testing.T) {
	key := []byte("k")
	desired := New(nil, nil, defaultOptions(), nil, zerolog.Nop()).Desired(key)

	fs := vfs.NewMem()
	rw, err := directory.Open("db", directory.Options{FS: fs, NoSync: true, Logger: zerolog.Nop()})
	require.NoError(t, err)
	require.NoError(t, rw.Put(key, record.Record{Volumes: desired[:1], Hash: "5d41402abc4b2a76b9719d911017c592"}))
	require.NoError(t, rw.Close())

	// Reads succeed and every write fails.
	store, err := directory.Open("db", directory.Options{FS: fs, ReadOnly: true, Logger: zerolog.Nop()})
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	m := metrics.NewDirectoryMetrics(prometheus.NewRegistry())
	c := New(store, newFakeVolumes(), defaultOptions(), m, zerolog.Nop())

	err = c.Reconcile(key, desired[1])
	assert.ErrorIs(t, err, ErrInternal)
	assert.ErrorIs(t, err, pebble.ErrReadOnly)
	assert.Zero(t, store.HeldLocks())
	assert.Equal(t, 1.0, counterValue(t, m.Reconciles.WithLabelValues("error")))

	rec, err := store.Get(key)
	require.NoError(t, err)
	assert.Equal(t, desired[:1], rec.Volumes, "failed write leaves the record unchanged")

	// The key is not left locked.
	require.True(t, store.Lock(key))
	store.Unlock(key)
}

func TestReconcile_Subvolumes(t *testing.T) {
	opts := defaultOptions()
	opts.Subvolumes = 16
	c, store := newTestCoordinator(t, opts, newFakeVolumes())
	key := []byte("hello")
	desired := c.Desired(key)
	require.Regexp(t, `^[a-z]+/sv[0-9A-F]{2}$`, desired[0])

	// A bare volume name does not match the formatted replica name.
	require.NoError(t, c.Reconcile(key, "larry"))
	rec, err := store.Get(key)
	require.NoError(t, err)
	assert.Nil(t, rec.Volumes)

	require.NoError(t, c.Reconcile(key, desired[0]))
	rec, err = store.Get(key)
	require.NoError(t, err)
	assert.Equal(t, desired[:1], rec.Volumes)
}

func TestReconcile_ConcurrentReports(t *testing.T) {
	opts := defaultOptions()
	opts.Replicas = 3
	c, store := newTestCoordinator(t, opts, newFakeVolumes())
	key := []byte("k")
	desired := c.Desired(key)

	var wg sync.WaitGroup
	for _, v := range desired {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				err := c.Reconcile(key, v)
				if !errors.Is(err, ErrBusy) {
					assert.NoError(t, err)
					return
				}
				time.Sleep(time.Millisecond)
			}
		}()
	}
	wg.Wait()

	rec, err := store.Get(key)
	require.NoError(t, err)
	assert.Equal(t, desired, rec.Volumes)
	assert.Zero(t, store.HeldLocks())
}
