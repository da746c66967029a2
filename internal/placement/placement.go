// Package placement maps object keys to storage volumes.
//
// Every key ranks the full volume list by md5(key || volume) in descending
// order. The ranking is recomputed on demand instead of being kept in a ring,
// so adding or removing a volume reshuffles placement for all keys; that is
// what drives rebalancing.
package placement

import (
	"bytes"
	"crypto/md5"
	"encoding/base64"
	"encoding/binary"
	"fmt"
	"slices"
	"strings"
)

// Path returns the content-addressed path of a key on a volume server:
// "/<md5[0]>/<md5[1]>/<base64(key)>". The two hex levels fan out to 256x256
// directories and the key is recoverable from the last segment.
//
// The key is encoded with the URL-safe base64 alphabet so the segment never
// contains '/' or '+'.
func Path(key []byte) string {
	sum := md5.Sum(key)
	return fmt.Sprintf("/%02x/%02x/%s", sum[0], sum[1], base64.URLEncoding.EncodeToString(key))
}

// KeyFromName decodes the last segment of a volume path back into the raw key.
// Both the URL-safe and the standard alphabet are accepted.
func KeyFromName(name string) ([]byte, error) {
	if strings.ContainsAny(name, "+/") {
		key, err := base64.StdEncoding.DecodeString(name)
		if err != nil {
			return nil, fmt.Errorf("decode key name %q: %w", name, err)
		}
		return key, nil
	}
	key, err := base64.URLEncoding.DecodeString(name)
	if err != nil {
		return nil, fmt.Errorf("decode key name %q: %w", name, err)
	}
	return key, nil
}

type scoredVolume struct {
	score  [md5.Size]byte
	volume string
}

// SelectVolumes returns the first count volumes of the ranking for key.
//
// When subvolumes is greater than one each entry is "<volume>/svXX", where XX
// is the upper-case hex bucket taken from bytes 12..16 of the volume's score.
func SelectVolumes(key []byte, volumes []string, count, subvolumes int) []string {
	scored := make([]scoredVolume, 0, len(volumes))
	for _, v := range volumes {
		buf := make([]byte, 0, len(key)+len(v))
		buf = append(buf, key...)
		buf = append(buf, v...)
		scored = append(scored, scoredVolume{score: md5.Sum(buf), volume: v})
	}

	// Stable so equal scores (duplicate volume names) keep configuration order.
	slices.SortStableFunc(scored, func(a, b scoredVolume) int {
		return bytes.Compare(b.score[:], a.score[:])
	})

	if count > len(scored) {
		count = len(scored)
	}
	if count < 0 {
		count = 0
	}

	out := make([]string, 0, count)
	for _, sv := range scored[:count] {
		out = append(out, formatVolume(sv, subvolumes))
	}
	return out
}

func formatVolume(sv scoredVolume, subvolumes int) string {
	if subvolumes <= 1 {
		return sv.volume
	}
	bucket := binary.BigEndian.Uint32(sv.score[12:16])
	return SubvolumeName(sv.volume, int(bucket%uint32(subvolumes)))
}

// SubvolumeName formats a sub-volume reference the way SelectVolumes does.
func SubvolumeName(volume string, index int) string {
	return fmt.Sprintf("%s/sv%02X", volume, index)
}

// NeedsRebalance reports whether the stored replica order differs from the
// desired ranking. Positions matter, not just membership.
func NeedsRebalance(actual, desired []string) bool {
	return !slices.Equal(actual, desired)
}
