package mesh

import (
	"errors"
	"sync"
	"time"

	"github.com/saurav-z/aether-chat/internal/wire"
)

const (
	// DefaultChunkSize is the envelope size at or above which messages are split.
	DefaultChunkSize = 16 * 1024
	// DefaultMaxChunks caps the fragment count a peer may announce.
	DefaultMaxChunks = 4096
	// DefaultPendingTTL bounds how long an incomplete message is kept.
	DefaultPendingTTL = 24 * time.Hour

	chunkType = "chunk"
)

var ErrInvalidPacket = errors.New("invalid chunk packet")

// Packet is one fragment of a sealed envelope.
type Packet struct {
	Type      string `cbor:"t"`
	MessageID string `cbor:"m"`
	Index     int    `cbor:"i"`
	Total     int    `cbor:"n"`
	Data      []byte `cbor:"d"`
}

// Split cuts envelope into ceil(len/chunkSize) packets sharing messageID.
func Split(envelope []byte, chunkSize int, messageID string) []Packet {
	if chunkSize <= 0 {
		chunkSize = DefaultChunkSize
	}
	total := (len(envelope) + chunkSize - 1) / chunkSize
	out := make([]Packet, 0, total)
	for i := 0; i < total; i++ {
		end := (i + 1) * chunkSize
		if end > len(envelope) {
			end = len(envelope)
		}
		out = append(out, Packet{
			Type:      chunkType,
			MessageID: messageID,
			Index:     i,
			Total:     total,
			Data:      envelope[i*chunkSize : end],
		})
	}
	return out
}

func encodePacket(p Packet) ([]byte, error) {
	return wire.Marshal(p)
}

// decodePacket reports whether raw is a chunk packet. Sealed envelopes and
// foreign data fail to decode and are treated as whole shards.
func decodePacket(raw []byte) (Packet, bool) {
	var p Packet
	if err := wire.Unmarshal(raw, &p); err != nil {
		return Packet{}, false
	}
	if p.Type != chunkType || p.MessageID == "" {
		return Packet{}, false
	}
	return p, true
}

type pendingMessage struct {
	parts    [][]byte
	filled   int
	lastSeen time.Time
}

// Reassembler collects fragments per message id until every index is present.
type Reassembler struct {
	mu        sync.Mutex
	idle      time.Duration
	maxChunks int
	pending   map[string]*pendingMessage
}

// NewReassembler bounds incomplete buffers to idle and announced totals to maxChunks.
func NewReassembler(idle time.Duration, maxChunks int) *Reassembler {
	if idle <= 0 {
		idle = DefaultPendingTTL
	}
	if maxChunks <= 0 {
		maxChunks = DefaultMaxChunks
	}
	return &Reassembler{
		idle:      idle,
		maxChunks: maxChunks,
		pending:   make(map[string]*pendingMessage),
	}
}

// Add stores a fragment. It returns the concatenated envelope and true once
// the last missing index arrives; the buffer is released at that point.
func (r *Reassembler) Add(p Packet, now time.Time) ([]byte, bool, error) {
	if p.MessageID == "" || p.Total <= 0 || p.Total > r.maxChunks || p.Index < 0 || p.Index >= p.Total {
		return nil, false, ErrInvalidPacket
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	buf, ok := r.pending[p.MessageID]
	if !ok {
		buf = &pendingMessage{parts: make([][]byte, p.Total)}
		r.pending[p.MessageID] = buf
	}
	if len(buf.parts) != p.Total {
		return nil, false, ErrInvalidPacket
	}
	buf.lastSeen = now
	if buf.parts[p.Index] == nil {
		buf.parts[p.Index] = append([]byte{}, p.Data...)
		buf.filled++
	}
	if buf.filled < p.Total {
		return nil, false, nil
	}

	size := 0
	for _, part := range buf.parts {
		size += len(part)
	}
	out := make([]byte, 0, size)
	for _, part := range buf.parts {
		out = append(out, part...)
	}
	delete(r.pending, p.MessageID)
	return out, true, nil
}

// Expire drops buffers that have not received a fragment within the idle bound.
func (r *Reassembler) Expire(now time.Time) int {
	r.mu.Lock()
	defer r.mu.Unlock()

	removed := 0
	for id, buf := range r.pending {
		if now.Sub(buf.lastSeen) > r.idle {
			delete(r.pending, id)
			removed++
		}
	}
	return removed
}

// Pending reports the number of incomplete messages.
func (r *Reassembler) Pending() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.pending)
}

// Reset discards all partial state.
func (r *Reassembler) Reset() {
	r.mu.Lock()
	r.pending = make(map[string]*pendingMessage)
	r.mu.Unlock()
}
