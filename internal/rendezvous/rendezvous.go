// Package rendezvous derives the rolling topic identifiers two holders of a
// shared secret use to meet at the relay without revealing who they are.
package rendezvous

import (
	"encoding/hex"
	"strconv"
	"time"

	"github.com/saurav-z/aether-chat/internal/crypto/seal"
)

const (
	// Window is the width of one time bucket.
	Window = 60 * time.Second
	// NextOffset shifts the clock to pre-join the following bucket.
	NextOffset = 60 * time.Second
	// TopicBytes is the number of HMAC bytes kept in a topic (hex encoded to twice as many characters).
	TopicBytes = 16
	// RefreshInterval is how often a session recomputes its topics.
	RefreshInterval = 15 * time.Second
)

// Topic returns hex(HMAC-SHA256(secret, bucket))[:2*TopicBytes] where bucket
// is the decimal index of the Window containing at+offset.
func Topic(secret []byte, at time.Time, offset time.Duration) string {
	bucket := Bucket(at.Add(offset))
	mac := seal.HMAC(secret, []byte(strconv.FormatInt(bucket, 10)))
	return hex.EncodeToString(mac[:TopicBytes])
}

// Bucket returns floor(unix seconds / 60) for t.
func Bucket(t time.Time) int64 {
	secs := t.Unix()
	w := int64(Window / time.Second)
	b := secs / w
	if secs < 0 && secs%w != 0 {
		b--
	}
	return b
}

// Scheme computes topics for one secret against a clock.
type Scheme struct {
	Secret []byte
	Now    func() time.Time
}

func New(secret []byte, now func() time.Time) Scheme {
	if now == nil {
		now = time.Now
	}
	return Scheme{Secret: append([]byte(nil), secret...), Now: now}
}

// Current is the topic for the present window.
func (s Scheme) Current() string {
	return Topic(s.Secret, s.now(), 0)
}

// Next is the topic for the window starting NextOffset from now.
func (s Scheme) Next() string {
	return Topic(s.Secret, s.now(), NextOffset)
}

// Pair returns current and next computed from a single clock reading.
func (s Scheme) Pair() (current, next string) {
	now := s.now()
	return Topic(s.Secret, now, 0), Topic(s.Secret, now, NextOffset)
}

func (s Scheme) now() time.Time {
	if s.Now == nil {
		return time.Now()
	}
	return s.Now()
}
