package mesh

import "github.com/cespare/xxhash/v2"

// DefaultDedupCapacity is the fingerprint count at which the set is cleared.
const DefaultDedupCapacity = 2000

// Dedup remembers fingerprints of recently processed shards. Overflowing the
// capacity clears the whole set.
type Dedup struct {
	capacity int
	seen     map[uint64]struct{}
}

func NewDedup(capacity int) *Dedup {
	if capacity <= 0 {
		capacity = DefaultDedupCapacity
	}
	return &Dedup{capacity: capacity, seen: make(map[uint64]struct{}, capacity)}
}

// Seen marks data and reports whether it had already been marked.
func (d *Dedup) Seen(data []byte) bool {
	h := xxhash.Sum64(data)
	if _, ok := d.seen[h]; ok {
		return true
	}
	d.seen[h] = struct{}{}
	if len(d.seen) > d.capacity {
		d.seen = make(map[uint64]struct{}, d.capacity)
	}
	return false
}

func (d *Dedup) Len() int {
	return len(d.seen)
}
