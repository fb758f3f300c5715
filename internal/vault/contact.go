package vault

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/saurav-z/aether-chat/internal/crypto/seal"
)

var ErrInvalidContact = errors.New("invalid contact")

// Contact is a conversation partner or group and the secret shared with it.
type Contact struct {
	Alias        string    `json:"alias"`
	SharedSecret []byte    `json:"shared_secret"`
	IsGroup      bool      `json:"is_group,omitempty"`
	PeerPublic   []byte    `json:"peer_public,omitempty"`
	CreatedAt    time.Time `json:"created_at"`
}

func (c Contact) clone() Contact {
	out := c
	out.SharedSecret = append([]byte(nil), c.SharedSecret...)
	if len(c.PeerPublic) > 0 {
		out.PeerPublic = append([]byte(nil), c.PeerPublic...)
	}
	return out
}

func (c *Contact) zero() {
	seal.Zero(c.SharedSecret)
}

func normalizeContact(in Contact, now time.Time) (Contact, error) {
	out := in.clone()
	out.Alias = strings.TrimSpace(out.Alias)
	if out.Alias == "" {
		return Contact{}, fmt.Errorf("alias is required: %w", ErrInvalidContact)
	}
	if len(out.SharedSecret) != seal.KeySize {
		return Contact{}, fmt.Errorf("shared secret must be %d bytes (got %d): %w", seal.KeySize, len(out.SharedSecret), ErrInvalidContact)
	}
	if len(out.PeerPublic) > 0 {
		if err := seal.ValidatePublicKey(out.PeerPublic); err != nil {
			return Contact{}, fmt.Errorf("%v: %w", err, ErrInvalidContact)
		}
	}
	if out.CreatedAt.IsZero() {
		out.CreatedAt = now
	}
	out.CreatedAt = out.CreatedAt.UTC()
	return out, nil
}

// PutContact stores or replaces a contact keyed by alias.
func (v *Vault) PutContact(ctx context.Context, c Contact) error {
	v.mu.Lock()
	defer v.mu.Unlock()

	if err := v.ensureUnlocked(); err != nil {
		return err
	}
	normalized, err := normalizeContact(c, time.Now())
	if err != nil {
		return err
	}
	if existing, ok := v.contacts[normalized.Alias]; ok {
		existing.zero()
	}
	v.contacts[normalized.Alias] = normalized
	if err := v.persist(); err != nil {
		return fmt.Errorf("persist contact: %w", err)
	}
	return ctx.Err()
}

func (v *Vault) Contact(ctx context.Context, alias string) (Contact, error) {
	v.mu.RLock()
	defer v.mu.RUnlock()

	if err := v.ensureUnlocked(); err != nil {
		return Contact{}, err
	}
	c, ok := v.contacts[alias]
	if !ok {
		return Contact{}, fmt.Errorf("contact %s: %w", alias, ErrNotFound)
	}
	return c.clone(), ctx.Err()
}

// Contacts returns all contacts sorted by alias.
func (v *Vault) Contacts(ctx context.Context) ([]Contact, error) {
	v.mu.RLock()
	defer v.mu.RUnlock()

	if err := v.ensureUnlocked(); err != nil {
		return nil, err
	}
	out := make([]Contact, 0, len(v.contacts))
	for _, c := range v.contacts {
		out = append(out, c.clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Alias < out[j].Alias })
	return out, ctx.Err()
}

func (v *Vault) DeleteContact(ctx context.Context, alias string) error {
	v.mu.Lock()
	defer v.mu.Unlock()

	if err := v.ensureUnlocked(); err != nil {
		return err
	}
	c, ok := v.contacts[alias]
	if !ok {
		return fmt.Errorf("contact %s: %w", alias, ErrNotFound)
	}
	c.zero()
	delete(v.contacts, alias)
	if err := v.persist(); err != nil {
		return fmt.Errorf("persist vault after delete: %w", err)
	}
	return ctx.Err()
}

type identityRecord struct {
	Public  []byte `json:"public"`
	Private []byte `json:"private"`
}

// SetIdentity stores the local X25519 key pair.
func (v *Vault) SetIdentity(ctx context.Context, kp seal.KeyPair) error {
	raw, err := json.Marshal(identityRecord{Public: kp.Public, Private: kp.Private})
	if err != nil {
		return fmt.Errorf("encode identity: %w", err)
	}
	defer seal.Zero(raw)
	return v.Put(ctx, identityObject, raw)
}

// Identity loads the local key pair. ErrNotFound means none was created yet.
func (v *Vault) Identity(ctx context.Context) (seal.KeyPair, error) {
	raw, err := v.Get(ctx, identityObject)
	if err != nil {
		return seal.KeyPair{}, err
	}
	defer seal.Zero(raw)

	var rec identityRecord
	if err := json.Unmarshal(raw, &rec); err != nil {
		return seal.KeyPair{}, fmt.Errorf("decode identity: %w", ErrCorruptFile)
	}
	id, err := seal.KeyIdentifier(rec.Public)
	if err != nil {
		return seal.KeyPair{}, fmt.Errorf("identity public key: %w", err)
	}
	return seal.KeyPair{Public: rec.Public, Private: rec.Private, ID: id}, nil
}
