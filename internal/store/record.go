package store

import (
	"encoding/binary"
	"fmt"
	"time"

	"github.com/fxamacker/cbor/v2"
)

// record is the durable representation of a shard.
type record struct {
	TopicID   string `cbor:"1,keyasint"`
	ID        string `cbor:"2,keyasint"`
	Data      []byte `cbor:"3,keyasint"`
	CreatedAt int64  `cbor:"4,keyasint"`
	ExpiresAt int64  `cbor:"5,keyasint"`
}

const expiryStampLen = 8

func newRecord(topicID, shardID string, data []byte, now time.Time, ttl time.Duration) record {
	return record{
		TopicID:   topicID,
		ID:        shardID,
		Data:      data,
		CreatedAt: now.UnixNano(),
		ExpiresAt: now.Add(ttl).UnixNano(),
	}
}

func (r record) expired(now time.Time) bool {
	return r.ExpiresAt <= now.UnixNano()
}

func (r record) shard() Shard {
	return Shard{
		ID:        r.ID,
		TopicID:   r.TopicID,
		Data:      r.Data,
		CreatedAt: time.Unix(0, r.CreatedAt),
	}
}

func encodeRecord(r record) ([]byte, error) {
	return cbor.Marshal(r)
}

func decodeRecord(b []byte) (record, error) {
	var r record
	if err := cbor.Unmarshal(b, &r); err != nil {
		return record{}, fmt.Errorf("decode shard record: %w", err)
	}
	return r, nil
}

// topicPrefix is the shard key prefix of every shard under topicID.
func topicPrefix(topicID string) []byte {
	return append([]byte(topicID), 0)
}

func shardKey(topicID, shardID string) []byte {
	return append(topicPrefix(topicID), shardID...)
}

// expiryKey orders shards by absolute expiration so sweeps stop at the first
// live entry.
func expiryKey(expiresAt int64, key []byte) []byte {
	out := make([]byte, expiryStampLen+len(key))
	binary.BigEndian.PutUint64(out, uint64(expiresAt))
	copy(out[expiryStampLen:], key)
	return out
}

func splitExpiryKey(k []byte) (int64, []byte, bool) {
	if len(k) <= expiryStampLen {
		return 0, nil, false
	}
	return int64(binary.BigEndian.Uint64(k[:expiryStampLen])), k[expiryStampLen:], true
}

func encodeTTL(ttl time.Duration) []byte {
	out := make([]byte, 8)
	binary.BigEndian.PutUint64(out, uint64(ttl))
	return out
}

func decodeTTL(b []byte) (time.Duration, bool) {
	if len(b) != 8 {
		return 0, false
	}
	return time.Duration(binary.BigEndian.Uint64(b)), true
}
