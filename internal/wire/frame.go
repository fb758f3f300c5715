// Package wire defines the frames exchanged between mesh clients and the
// relay, and the gRPC plumbing that carries them.
package wire

import "errors"

// Frame is the unit exchanged on a relay stream. Exactly one body is set.
type Frame struct {
	Join    *Join    `cbor:"1,keyasint,omitempty"`
	Leave   *Leave   `cbor:"2,keyasint,omitempty"`
	Deposit *Deposit `cbor:"3,keyasint,omitempty"`
	Ack     *Ack     `cbor:"4,keyasint,omitempty"`
	Swarm   *Swarm   `cbor:"5,keyasint,omitempty"`
}

// Join subscribes the connection to a rendezvous topic.
type Join struct {
	TopicID string `cbor:"1,keyasint"`
}

// Leave drops a subscription. Stored shards are unaffected.
type Leave struct {
	TopicID string `cbor:"1,keyasint"`
}

// Deposit hands an opaque shard to the relay.
type Deposit struct {
	TopicID string `cbor:"1,keyasint"`
	Shard   []byte `cbor:"2,keyasint"`
}

// Ack confirms processing of a shard so the relay can delete it.
type Ack struct {
	TopicID string `cbor:"1,keyasint"`
	ShardID string `cbor:"2,keyasint"`
}

// Swarm delivers one or more stored shards for a topic.
type Swarm struct {
	TopicID string      `cbor:"1,keyasint"`
	Shards  []ShardItem `cbor:"2,keyasint"`
}

type ShardItem struct {
	ID   string `cbor:"1,keyasint"`
	Data []byte `cbor:"2,keyasint"`
}

const (
	KindJoin    = "join"
	KindLeave   = "leave"
	KindDeposit = "deposit"
	KindAck     = "ack"
	KindSwarm   = "swarm"
	KindUnknown = "unknown"
)

var ErrMalformedFrame = errors.New("frame must carry exactly one body")

// Kind names the body carried by the frame.
func (f *Frame) Kind() string {
	if f == nil {
		return KindUnknown
	}
	switch {
	case f.Join != nil:
		return KindJoin
	case f.Leave != nil:
		return KindLeave
	case f.Deposit != nil:
		return KindDeposit
	case f.Ack != nil:
		return KindAck
	case f.Swarm != nil:
		return KindSwarm
	default:
		return KindUnknown
	}
}

// Validate checks that exactly one body is present.
func (f *Frame) Validate() error {
	if f == nil {
		return ErrMalformedFrame
	}
	n := 0
	for _, set := range []bool{f.Join != nil, f.Leave != nil, f.Deposit != nil, f.Ack != nil, f.Swarm != nil} {
		if set {
			n++
		}
	}
	if n != 1 {
		return ErrMalformedFrame
	}
	return nil
}

// FrameOverhead bounds the encoding cost of a frame beyond its shard bytes.
const FrameOverhead = 64 << 10

// MaxFrameSize is the largest encoded frame a peer must accept when shards
// are capped at maxShardBytes.
func MaxFrameSize(maxShardBytes int) int {
	return maxShardBytes + FrameOverhead
}
