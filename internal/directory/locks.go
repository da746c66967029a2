package directory

import (
	"sync"

	"github.com/cespare/xxhash/v2"
)

// lockTable holds the keys currently owned by a mutating operation.
// Keys are spread over shards by hash; each shard's mutex makes the
// check-and-insert atomic for the keys it owns.
type lockTable struct {
	shards []lockShard
}

type lockShard struct {
	mu   sync.Mutex
	held map[string]struct{}
}

func newLockTable(shards int) *lockTable {
	if shards <= 0 {
		shards = DefaultLockShards
	}
	t := &lockTable{shards: make([]lockShard, shards)}
	for i := range t.shards {
		t.shards[i].held = make(map[string]struct{})
	}
	return t
}

func (t *lockTable) shard(key []byte) *lockShard {
	return &t.shards[xxhash.Sum64(key)%uint64(len(t.shards))]
}

func (t *lockTable) lock(key []byte) bool {
	sh := t.shard(key)
	sh.mu.Lock()
	defer sh.mu.Unlock()

	if _, ok := sh.held[string(key)]; ok {
		return false
	}
	sh.held[string(key)] = struct{}{}
	return true
}

func (t *lockTable) unlock(key []byte) {
	sh := t.shard(key)
	sh.mu.Lock()
	delete(sh.held, string(key))
	sh.mu.Unlock()
}

// held counts locked keys across all shards.
func (t *lockTable) held() int {
	n := 0
	for i := range t.shards {
		sh := &t.shards[i]
		sh.mu.Lock()
		n += len(sh.held)
		sh.mu.Unlock()
	}
	return n
}
