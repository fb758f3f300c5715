// Package pairing exchanges X25519 public keys with a peer holding the same
// invite code. The code is hashed into a temporary mesh secret; both sides
// meet under it, trade handshake messages and derive a long-term shared
// secret from the keys they saw.
package pairing

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/saurav-z/aether-chat/internal/crypto/seal"
	"github.com/saurav-z/aether-chat/internal/mesh"
	"go.uber.org/zap"
)

const (
	// DefaultResend is how often the joining side repeats its handshake.
	DefaultResend = 1500 * time.Millisecond

	handshakeText      = "handshake"
	handshakeReplyText = "handshake_reply"
	codeLabel          = "aether/v1/pair"
)

// Role selects which side of the exchange a caller plays.
type Role int

const (
	// Inviter created the code and waits for a handshake.
	Inviter Role = iota
	// Joiner received the code and announces itself until answered.
	Joiner
)

// Options configure one pairing attempt.
type Options struct {
	Code     string
	Role     Role
	Identity seal.KeyPair
	Alias    string
	Resend   time.Duration
}

// Peer is the result of a completed exchange.
type Peer struct {
	Alias        string
	PublicKey    []byte
	SharedSecret []byte
}

// NewCode returns a fresh single-use invite code.
func NewCode() string {
	return uuid.NewString()
}

// Secret derives the temporary mesh secret for an invite code.
func Secret(code string) []byte {
	return seal.HMAC([]byte(code), []byte(codeLabel))
}

// Run joins the mesh for opts.Code and blocks until a peer's key has been
// exchanged or ctx ends. base supplies the relay address, TLS and logging;
// its secret and callbacks are replaced.
func Run(ctx context.Context, base mesh.Config, opts Options) (Peer, error) {
	if opts.Code == "" {
		return Peer{}, errors.New("pairing: code is required")
	}
	if len(opts.Identity.Public) == 0 || len(opts.Identity.Private) == 0 {
		return Peer{}, errors.New("pairing: identity key pair is required")
	}
	if opts.Resend <= 0 {
		opts.Resend = DefaultResend
	}
	log := base.Log
	if log == nil {
		log = zap.NewNop()
	}

	incoming := make(chan mesh.Message, 16)
	base.Secret = Secret(opts.Code)
	base.OnStatus = nil
	base.OnMessage = func(m mesh.Message) {
		if m.Kind != mesh.KindSystem {
			return
		}
		select {
		case incoming <- m:
		default:
		}
	}
	sess, err := mesh.Dial(ctx, base)
	if err != nil {
		return Peer{}, err
	}
	defer sess.Close()
	if err := sess.WaitConnected(ctx); err != nil {
		return Peer{}, fmt.Errorf("pairing: connect: %w", err)
	}

	self := base64.RawURLEncoding.EncodeToString(opts.Identity.Public)
	hello := mesh.Message{Kind: mesh.KindSystem, Text: handshakeText, Sender: self, SenderAlias: opts.Alias}
	want := handshakeText
	var resend <-chan time.Time
	if opts.Role == Joiner {
		want = handshakeReplyText
		announce(ctx, sess, hello, log)
		ticker := time.NewTicker(opts.Resend)
		defer ticker.Stop()
		resend = ticker.C
	}

	for {
		select {
		case <-ctx.Done():
			return Peer{}, ctx.Err()
		case <-sess.Done():
			return Peer{}, mesh.ErrClosed
		case <-resend:
			announce(ctx, sess, hello, log)
		case m := <-incoming:
			if m.Text != want || m.Sender == self {
				continue
			}
			peerKey, err := base64.RawURLEncoding.DecodeString(m.Sender)
			if err != nil || seal.ValidatePublicKey(peerKey) != nil {
				log.Debug("ignore malformed handshake", zap.String("alias", m.SenderAlias))
				continue
			}
			if opts.Role == Inviter {
				reply := hello
				reply.Text = handshakeReplyText
				if err := sess.Send(ctx, reply); err != nil {
					log.Debug("send handshake reply", zap.Error(err))
					continue
				}
			}
			shared, err := seal.SharedSecret(opts.Identity.Private, peerKey)
			if err != nil {
				return Peer{}, fmt.Errorf("pairing: derive secret: %w", err)
			}
			return Peer{Alias: m.SenderAlias, PublicKey: peerKey, SharedSecret: shared}, nil
		}
	}
}

func announce(ctx context.Context, sess *mesh.Session, hello mesh.Message, log *zap.Logger) {
	if err := sess.Send(ctx, hello); err != nil {
		log.Debug("send handshake", zap.Error(err))
	}
}
