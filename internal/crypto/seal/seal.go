// Package seal provides the key agreement and authenticated encryption used
// for mesh payloads.
package seal

import (
	"crypto/cipher"
	"crypto/ecdh"
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"fmt"
	"io"

	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/hkdf"
)

const (
	// KeySize is the length of X25519 keys, shared secrets and group keys.
	KeySize = 32
	// Version prefixes every envelope.
	Version byte = 1

	payloadInfo = "aether/v1/payload"
	headerSize  = 1 + chacha20poly1305.NonceSizeX
)

// ErrDecrypt covers every envelope that fails to parse or authenticate.
var ErrDecrypt = errors.New("decrypt: envelope rejected")

// KeyPair holds an X25519 key pair and a short identifier derived from the public key.
type KeyPair struct {
	Public  []byte
	Private []byte
	ID      string
}

var (
	curve          = ecdh.X25519()
	validationPriv *ecdh.PrivateKey
)

func init() {
	priv, err := curve.GenerateKey(rand.Reader)
	if err != nil {
		panic(fmt.Errorf("init validation key: %w", err))
	}
	validationPriv = priv
}

// GenerateKeyPair produces a fresh X25519 key pair. A nil reader uses crypto/rand.
func GenerateKeyPair(r io.Reader) (KeyPair, error) {
	if r == nil {
		r = rand.Reader
	}
	priv, err := curve.GenerateKey(r)
	if err != nil {
		return KeyPair{}, fmt.Errorf("generate x25519 key: %w", err)
	}
	pub := priv.PublicKey().Bytes()
	id, err := KeyIdentifier(pub)
	if err != nil {
		return KeyPair{}, err
	}
	return KeyPair{
		Public:  append([]byte(nil), pub...),
		Private: append([]byte(nil), priv.Bytes()...),
		ID:      id,
	}, nil
}

// ValidatePublicKey ensures the key has the expected size and does not yield a zero shared secret.
func ValidatePublicKey(pub []byte) error {
	if len(pub) != KeySize {
		return fmt.Errorf("public key must be %d bytes (got %d)", KeySize, len(pub))
	}
	parsed, err := curve.NewPublicKey(pub)
	if err != nil {
		return fmt.Errorf("invalid public key: %w", err)
	}
	secret, err := validationPriv.ECDH(parsed)
	if err != nil {
		return fmt.Errorf("public key yielded low-entropy shared secret: %w", err)
	}
	defer Zero(secret)
	if isZero(secret) {
		return errors.New("public key yielded low-entropy shared secret")
	}
	return nil
}

// KeyIdentifier returns the first 12 bytes of SHA-256(pub), base64url encoded.
func KeyIdentifier(pub []byte) (string, error) {
	if len(pub) != KeySize {
		return "", fmt.Errorf("public key must be %d bytes (got %d)", KeySize, len(pub))
	}
	sum := sha256.Sum256(pub)
	return base64.RawURLEncoding.EncodeToString(sum[:12]), nil
}

// SharedSecret computes the X25519 shared secret for a private key and a peer public key.
func SharedSecret(private, peerPublic []byte) ([]byte, error) {
	if len(private) != KeySize {
		return nil, fmt.Errorf("private key must be %d bytes (got %d)", KeySize, len(private))
	}
	if err := ValidatePublicKey(peerPublic); err != nil {
		return nil, err
	}
	privKey, err := curve.NewPrivateKey(private)
	if err != nil {
		return nil, fmt.Errorf("parse private key: %w", err)
	}
	pubKey, err := curve.NewPublicKey(peerPublic)
	if err != nil {
		return nil, fmt.Errorf("parse peer public key: %w", err)
	}
	secret, err := privKey.ECDH(pubKey)
	if err != nil {
		return nil, fmt.Errorf("derive shared secret: %w", err)
	}
	return secret, nil
}

// GroupKey returns a random secret shared out of band among group members.
func GroupKey() ([]byte, error) {
	key := make([]byte, KeySize)
	if _, err := io.ReadFull(rand.Reader, key); err != nil {
		return nil, fmt.Errorf("generate group key: %w", err)
	}
	return key, nil
}

// HMAC returns HMAC-SHA256(secret, msg).
func HMAC(secret, msg []byte) []byte {
	mac := hmac.New(sha256.New, secret)
	mac.Write(msg)
	return mac.Sum(nil)
}

// Encrypt seals plaintext under a key derived from secret. The envelope is
// version || nonce || ciphertext.
func Encrypt(secret, plaintext []byte) ([]byte, error) {
	aead, err := payloadAEAD(secret)
	if err != nil {
		return nil, err
	}
	out := make([]byte, headerSize, headerSize+len(plaintext)+aead.Overhead())
	out[0] = Version
	if _, err := io.ReadFull(rand.Reader, out[1:headerSize]); err != nil {
		return nil, fmt.Errorf("generate nonce: %w", err)
	}
	return aead.Seal(out, out[1:headerSize], plaintext, out[:1]), nil
}

// Decrypt opens an envelope produced by Encrypt.
func Decrypt(secret, envelope []byte) ([]byte, error) {
	if len(envelope) < headerSize+chacha20poly1305.Overhead || envelope[0] != Version {
		return nil, ErrDecrypt
	}
	aead, err := payloadAEAD(secret)
	if err != nil {
		return nil, ErrDecrypt
	}
	plain, err := aead.Open(nil, envelope[1:headerSize], envelope[headerSize:], envelope[:1])
	if err != nil {
		return nil, ErrDecrypt
	}
	return plain, nil
}

func payloadAEAD(secret []byte) (cipher.AEAD, error) {
	if len(secret) == 0 {
		return nil, errors.New("secret required")
	}
	key := make([]byte, chacha20poly1305.KeySize)
	defer Zero(key)
	if _, err := io.ReadFull(hkdf.New(sha256.New, secret, nil, []byte(payloadInfo)), key); err != nil {
		return nil, fmt.Errorf("derive payload key: %w", err)
	}
	aead, err := chacha20poly1305.NewX(key)
	if err != nil {
		return nil, fmt.Errorf("init cipher: %w", err)
	}
	return aead, nil
}

// Provider adapts the package functions to the mesh cipher interface.
type Provider struct{}

func (Provider) Encrypt(secret, plaintext []byte) ([]byte, error) { return Encrypt(secret, plaintext) }
func (Provider) Decrypt(secret, envelope []byte) ([]byte, error)  { return Decrypt(secret, envelope) }

// Zero overwrites b in place.
func Zero(b []byte) {
	for i := range b {
		b[i] = 0
	}
}

func isZero(b []byte) bool {
	acc := byte(0)
	for _, v := range b {
		acc |= v
	}
	return acc == 0
}
