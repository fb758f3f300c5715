package vault

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/saurav-z/aether-chat/internal/crypto/seal"
)

func TestDeriveMasterKeyDeterministic(t *testing.T) {
	salt := []byte("1234567890abcdef")
	key1 := deriveMasterKey("password", salt)
	key2 := deriveMasterKey("password", salt)
	if !bytes.Equal(key1, key2) {
		t.Fatal("expected deterministic key derivation")
	}
	if bytes.Equal(key1, deriveMasterKey("different", salt)) {
		t.Fatal("expected different passphrase to yield different key")
	}
}

func TestInitializeUnlockAndRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "vault.json")
	ctx := context.Background()

	v := New(path)
	if err := v.Initialize(ctx, "topsecret"); err != nil {
		t.Fatalf("initialize: %v", err)
	}
	if err := v.Put(ctx, "note", []byte("remember the milk")); err != nil {
		t.Fatalf("put: %v", err)
	}
	kp, err := seal.GenerateKeyPair(nil)
	if err != nil {
		t.Fatalf("keypair: %v", err)
	}
	if err := v.SetIdentity(ctx, kp); err != nil {
		t.Fatalf("set identity: %v", err)
	}
	peer, err := seal.GenerateKeyPair(nil)
	if err != nil {
		t.Fatalf("peer keypair: %v", err)
	}
	shared, err := seal.SharedSecret(kp.Private, peer.Public)
	if err != nil {
		t.Fatalf("shared secret: %v", err)
	}
	if err := v.PutContact(ctx, Contact{Alias: " bob ", SharedSecret: shared, PeerPublic: peer.Public}); err != nil {
		t.Fatalf("put contact: %v", err)
	}

	info, err := os.Stat(path)
	if err != nil {
		t.Fatalf("stat vault: %v", err)
	}
	if perm := info.Mode().Perm(); perm != 0o600 {
		t.Fatalf("expected 0600 permissions, got %o", perm)
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read vault: %v", err)
	}
	if strings.Contains(string(raw), "remember the milk") {
		t.Fatal("vault file leaks plaintext")
	}

	reopened := New(path)
	if _, err := reopened.Get(ctx, "note"); !errors.Is(err, ErrLocked) {
		t.Fatalf("expected ErrLocked before unlock, got %v", err)
	}
	if err := reopened.Unlock(ctx, "topsecret"); err != nil {
		t.Fatalf("unlock: %v", err)
	}
	note, err := reopened.Get(ctx, "note")
	if err != nil || string(note) != "remember the milk" {
		t.Fatalf("unexpected note %q err=%v", note, err)
	}
	names, err := reopened.List(ctx)
	if err != nil || len(names) != 2 || names[0] != "identity" || names[1] != "note" {
		t.Fatalf("unexpected names %v err=%v", names, err)
	}
	id, err := reopened.Identity(ctx)
	if err != nil {
		t.Fatalf("identity: %v", err)
	}
	if id.ID != kp.ID || !bytes.Equal(id.Private, kp.Private) {
		t.Fatal("identity did not round trip")
	}
	bob, err := reopened.Contact(ctx, "bob")
	if err != nil {
		t.Fatalf("contact: %v", err)
	}
	if !bytes.Equal(bob.SharedSecret, shared) || bob.IsGroup || bob.CreatedAt.IsZero() {
		t.Fatalf("unexpected contact %+v", bob)
	}

	reopened.Lock()
	if _, err := reopened.Contacts(ctx); !errors.Is(err, ErrLocked) {
		t.Fatalf("expected ErrLocked after lock, got %v", err)
	}
}

func TestUnlockRejectsWrongPassphrase(t *testing.T) {
	path := filepath.Join(t.TempDir(), "vault.json")
	ctx := context.Background()
	if err := New(path).Initialize(ctx, "right"); err != nil {
		t.Fatalf("initialize: %v", err)
	}
	if err := New(path).Unlock(ctx, "wrong"); !errors.Is(err, ErrInvalidPass) {
		t.Fatalf("expected ErrInvalidPass, got %v", err)
	}
	if err := New(filepath.Join(t.TempDir(), "missing.json")).Unlock(ctx, "right"); !errors.Is(err, ErrNotInitialized) {
		t.Fatalf("expected ErrNotInitialized, got %v", err)
	}
	if err := New(path).Initialize(ctx, "again"); !errors.Is(err, ErrAlreadyExists) {
		t.Fatalf("expected ErrAlreadyExists, got %v", err)
	}
}

func TestUnlockDetectsTampering(t *testing.T) {
	path := filepath.Join(t.TempDir(), "vault.json")
	ctx := context.Background()
	v := New(path)
	if err := v.Initialize(ctx, "pw"); err != nil {
		t.Fatalf("initialize: %v", err)
	}
	if err := v.Put(ctx, "k", []byte("v")); err != nil {
		t.Fatalf("put: %v", err)
	}

	raw, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	var file vaultFile
	if err := json.Unmarshal(raw, &file); err != nil {
		t.Fatalf("decode: %v", err)
	}
	file.Ciphertext = "AAAA" + file.Ciphertext[4:]
	tampered, _ := json.Marshal(file)
	if err := os.WriteFile(path, tampered, 0o600); err != nil {
		t.Fatalf("write: %v", err)
	}
	if err := New(path).Unlock(ctx, "pw"); err == nil {
		t.Fatal("expected tampered vault to be rejected")
	}
}

func TestContactValidationAndDelete(t *testing.T) {
	ctx := context.Background()
	v := New(filepath.Join(t.TempDir(), "vault.json"))
	if err := v.Initialize(ctx, "pw"); err != nil {
		t.Fatalf("initialize: %v", err)
	}

	if err := v.PutContact(ctx, Contact{Alias: "", SharedSecret: make([]byte, seal.KeySize)}); !errors.Is(err, ErrInvalidContact) {
		t.Fatalf("expected missing alias to fail, got %v", err)
	}
	if err := v.PutContact(ctx, Contact{Alias: "x", SharedSecret: []byte("short")}); !errors.Is(err, ErrInvalidContact) {
		t.Fatalf("expected short secret to fail, got %v", err)
	}

	group, err := seal.GroupKey()
	if err != nil {
		t.Fatalf("group key: %v", err)
	}
	for _, alias := range []string{"team", "alice"} {
		if err := v.PutContact(ctx, Contact{Alias: alias, SharedSecret: group, IsGroup: alias == "team"}); err != nil {
			t.Fatalf("put %s: %v", alias, err)
		}
	}
	contacts, err := v.Contacts(ctx)
	if err != nil || len(contacts) != 2 || contacts[0].Alias != "alice" || !contacts[1].IsGroup {
		t.Fatalf("unexpected contacts %+v err=%v", contacts, err)
	}

	if err := v.DeleteContact(ctx, "alice"); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if _, err := v.Contact(ctx, "alice"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	if err := v.DeleteContact(ctx, "alice"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound on second delete, got %v", err)
	}
}
