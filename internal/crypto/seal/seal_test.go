package seal

import (
	"bytes"
	"errors"
	"testing"
)

func TestSharedSecretSymmetric(t *testing.T) {
	alice, err := GenerateKeyPair(nil)
	if err != nil {
		t.Fatalf("alice keypair: %v", err)
	}
	bob, err := GenerateKeyPair(nil)
	if err != nil {
		t.Fatalf("bob keypair: %v", err)
	}

	s1, err := SharedSecret(alice.Private, bob.Public)
	if err != nil {
		t.Fatalf("alice secret: %v", err)
	}
	s2, err := SharedSecret(bob.Private, alice.Public)
	if err != nil {
		t.Fatalf("bob secret: %v", err)
	}
	if !bytes.Equal(s1, s2) {
		t.Fatal("shared secrets differ")
	}
	if alice.ID == bob.ID || alice.ID == "" {
		t.Fatalf("unexpected key ids %q / %q", alice.ID, bob.ID)
	}
}

func TestValidatePublicKeyRejectsInvalid(t *testing.T) {
	if err := ValidatePublicKey([]byte{1, 2, 3}); err == nil {
		t.Fatal("expected error for short key")
	}
	if err := ValidatePublicKey(make([]byte, KeySize)); err == nil {
		t.Fatal("expected error for low-order key")
	}
}

func TestEncryptDecryptRoundTrip(t *testing.T) {
	secret := bytes.Repeat([]byte{7}, KeySize)
	for _, size := range []int{0, 1, 50, 40 * 1024} {
		plain := bytes.Repeat([]byte{0xAB}, size)
		env, err := Encrypt(secret, plain)
		if err != nil {
			t.Fatalf("encrypt %d: %v", size, err)
		}
		if env[0] != Version {
			t.Fatalf("unexpected version byte %d", env[0])
		}
		got, err := Decrypt(secret, env)
		if err != nil {
			t.Fatalf("decrypt %d: %v", size, err)
		}
		if !bytes.Equal(got, plain) {
			t.Fatalf("round trip mismatch for %d bytes", size)
		}
	}
}

func TestEncryptUsesFreshNonces(t *testing.T) {
	secret := []byte("group-secret")
	a, _ := Encrypt(secret, []byte("same"))
	b, _ := Encrypt(secret, []byte("same"))
	if bytes.Equal(a, b) {
		t.Fatal("identical envelopes for identical plaintext")
	}
}

func TestDecryptRejects(t *testing.T) {
	secret := []byte("right")
	env, err := Encrypt(secret, []byte("payload"))
	if err != nil {
		t.Fatalf("encrypt: %v", err)
	}

	cases := map[string]struct {
		secret []byte
		env    []byte
	}{
		"wrong secret": {[]byte("wrong"), env},
		"truncated":    {secret, env[:10]},
		"bad version":  {secret, append([]byte{9}, env[1:]...)},
		"flipped byte": {secret, flip(env, len(env)-1)},
		"empty":        {secret, nil},
		"missing key":  {nil, env},
	}
	for name, tc := range cases {
		if _, err := Decrypt(tc.secret, tc.env); !errors.Is(err, ErrDecrypt) {
			t.Fatalf("%s: expected ErrDecrypt, got %v", name, err)
		}
	}
}

func TestHMACDeterministic(t *testing.T) {
	a := HMAC([]byte("k"), []byte("m"))
	b := HMAC([]byte("k"), []byte("m"))
	if !bytes.Equal(a, b) || len(a) != 32 {
		t.Fatalf("unexpected hmac output %x / %x", a, b)
	}
	if bytes.Equal(a, HMAC([]byte("k2"), []byte("m"))) {
		t.Fatal("hmac ignored key")
	}
}

func TestGroupKey(t *testing.T) {
	k1, err := GroupKey()
	if err != nil {
		t.Fatalf("group key: %v", err)
	}
	k2, _ := GroupKey()
	if len(k1) != KeySize || bytes.Equal(k1, k2) {
		t.Fatal("group keys must be random 32-byte values")
	}
}

func flip(b []byte, i int) []byte {
	out := append([]byte(nil), b...)
	out[i] ^= 0xFF
	return out
}
