// Package record defines the directory metadata kept for every object key
// and its flat on-disk encoding.
//
// Encoding layout, in order:
//
//	["DELETED"] ["HASH" <32 hex chars>] <volume>{,<volume>}
//
// A hard-deleted record is never encoded: absence of the key is the
// hard-deleted state.
package record

import (
	"errors"
	"fmt"
	"slices"
	"strings"
)

const (
	deletedTag = "DELETED"
	hashTag    = "HASH"

	// HashLen is the length of a hex md5 content hash.
	HashLen = 32
)

// ErrTruncatedHash is returned when a HASH tag is not followed by a full digest.
var ErrTruncatedHash = errors.New("record: truncated content hash")

// DeletionState is the lifecycle state of a record.
type DeletionState int

const (
	Live DeletionState = iota
	SoftDeleted
	HardDeleted
)

func (s DeletionState) String() string {
	switch s {
	case Live:
		return "live"
	case SoftDeleted:
		return "soft_deleted"
	case HardDeleted:
		return "hard_deleted"
	default:
		return fmt.Sprintf("DeletionState(%d)", int(s))
	}
}

// Record is the authoritative metadata for one key.
type Record struct {
	// Volumes holds the replica set in ranked preference order.
	Volumes []string
	Deleted DeletionState
	// Hash is the hex md5 of the object content, empty when unknown.
	Hash string
}

// Clone returns a deep copy of r.
func (r Record) Clone() Record {
	r.Volumes = slices.Clone(r.Volumes)
	return r
}

// Marshal encodes r. It panics if r is HardDeleted; callers must delete the
// key instead of storing such a record.
func Marshal(r Record) []byte {
	var b strings.Builder
	switch r.Deleted {
	case HardDeleted:
		panic("record: cannot encode a hard-deleted record")
	case SoftDeleted:
		b.WriteString(deletedTag)
	}
	if len(r.Hash) == HashLen {
		b.WriteString(hashTag)
		b.WriteString(r.Hash)
	}
	b.WriteString(strings.Join(r.Volumes, ","))
	return []byte(b.String())
}

// Unmarshal decodes data produced by Marshal.
//
// An empty volume section decodes to a single empty volume name, matching a
// plain comma split.
func Unmarshal(data []byte) (Record, error) {
	var r Record
	s := string(data)

	if rest, ok := strings.CutPrefix(s, deletedTag); ok {
		r.Deleted = SoftDeleted
		s = rest
	}
	if rest, ok := strings.CutPrefix(s, hashTag); ok {
		if len(rest) < HashLen {
			return Record{}, ErrTruncatedHash
		}
		r.Hash = rest[:HashLen]
		s = rest[HashLen:]
	}
	r.Volumes = strings.Split(s, ",")
	return r, nil
}
