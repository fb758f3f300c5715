package mesh

import (
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/saurav-z/aether-chat/internal/wire"
)

// Kind classifies an application message.
type Kind string

const (
	KindText   Kind = "text"
	KindImage  Kind = "image"
	KindFile   Kind = "file"
	KindSystem Kind = "system"
	// KindDelete asks peers to drop the message named by ReplyTo.
	KindDelete Kind = "delete"
	KindInvite Kind = "invite"
)

// Message is the plaintext exchanged between peers. The relay only ever sees
// it sealed.
type Message struct {
	ID          string    `cbor:"id"`
	Kind        Kind      `cbor:"kind,omitempty"`
	Text        string    `cbor:"text,omitempty"`
	File        *File     `cbor:"file,omitempty"`
	Timestamp   time.Time `cbor:"ts"`
	Sender      string    `cbor:"sender,omitempty"`
	SenderAlias string    `cbor:"alias,omitempty"`
	ReplyTo     string    `cbor:"reply_to,omitempty"`
	// ExpiresAt asks the receiving client to discard the message after this instant.
	ExpiresAt time.Time `cbor:"expires_at,omitempty"`
}

// File is an attachment carried inline.
type File struct {
	Name string `cbor:"name"`
	Type string `cbor:"type"`
	Size int64  `cbor:"size"`
	Data []byte `cbor:"data"`
}

// Expired reports whether the sender-requested lifetime has passed.
func (m Message) Expired(now time.Time) bool {
	return !m.ExpiresAt.IsZero() && !now.Before(m.ExpiresAt)
}

func (m *Message) fill(now time.Time) {
	if m.ID == "" {
		m.ID = uuid.NewString()
	}
	if m.Kind == "" {
		m.Kind = KindText
	}
	if m.Timestamp.IsZero() {
		m.Timestamp = now
	}
}

func encodeMessage(m Message) ([]byte, error) {
	raw, err := wire.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("encode message: %w", err)
	}
	return raw, nil
}

func decodeMessage(raw []byte) (Message, error) {
	var m Message
	if err := wire.Unmarshal(raw, &m); err != nil {
		return Message{}, fmt.Errorf("decode message: %w", err)
	}
	return m, nil
}
