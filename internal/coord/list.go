package coord

import (
	"fmt"

	"github.com/tunnelmesh/blobmesh/internal/directory"
	"github.com/tunnelmesh/blobmesh/internal/record"
)

// DefaultListLimit caps a listing page when the caller gives no limit.
const DefaultListLimit = 1000

// ListResult is one page of a key listing. Next is the key to pass as start
// for the following page, empty when the listing is complete.
type ListResult struct {
	Next string   `json:"next"`
	Keys []string `json:"keys"`
}

// List returns live keys starting with prefix, beginning at start. Keys
// without any replica are skipped, since Locate cannot serve them.
func (c *Coordinator) List(prefix, start []byte, limit int) (ListResult, error) {
	if limit <= 0 {
		limit = DefaultListLimit
	}
	res := ListResult{Keys: []string{}}
	err := c.store.Scan(prefix, start, func(key []byte, rec record.Record) error {
		if rec.Deleted != record.Live || len(rec.Volumes) == 0 {
			return nil
		}
		if len(res.Keys) == limit {
			res.Next = string(key)
			return directory.ErrStopScan
		}
		res.Keys = append(res.Keys, string(key))
		return nil
	})
	if err != nil {
		return ListResult{}, fmt.Errorf("%w: %w", ErrInternal, err)
	}
	return res, nil
}
