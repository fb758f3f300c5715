// Package vault keeps local secrets sealed at rest under a passphrase: the
// identity key pair, contacts and their shared secrets, and arbitrary named
// objects.
package vault

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"

	"github.com/saurav-z/aether-chat/internal/crypto/seal"
	"golang.org/x/crypto/argon2"
	"golang.org/x/crypto/chacha20poly1305"
)

const (
	currentVersion = 1
	argonTime      = 1
	argonMemory    = 64 * 1024
	argonThreads   = 4
	argonKeyLength = 32
	saltSize       = 16
	nonceSize      = chacha20poly1305.NonceSizeX
	maxObjectBytes = 64 * 1024

	identityObject = "identity"
)

var (
	ErrLocked         = errors.New("vault is locked")
	ErrAlreadyExists  = errors.New("vault already exists")
	ErrNotInitialized = errors.New("vault not initialized")
	ErrInvalidName    = errors.New("object name is required")
	ErrObjectTooBig   = errors.New("object exceeds size limit")
	ErrInvalidPass    = errors.New("invalid passphrase")
	ErrCorruptFile    = errors.New("corrupted vault")
	ErrNotFound       = errors.New("not found")
)

type vaultFile struct {
	Version    int    `json:"version"`
	Salt       string `json:"salt"`
	Nonce      string `json:"nonce"`
	Ciphertext string `json:"ciphertext"`
}

type sealedPayload struct {
	Objects  map[string][]byte  `json:"objects,omitempty"`
	Contacts map[string]Contact `json:"contacts,omitempty"`
}

// Vault is a single sealed JSON file. Every mutation rewrites it.
type Vault struct {
	path      string
	salt      []byte
	masterKey []byte
	objects   map[string][]byte
	contacts  map[string]Contact
	mu        sync.RWMutex
}

func New(path string) *Vault {
	return &Vault{
		path:     path,
		objects:  make(map[string][]byte),
		contacts: make(map[string]Contact),
	}
}

func (v *Vault) Path() string {
	return v.path
}

// Exists reports whether the vault file is present.
func (v *Vault) Exists() bool {
	_, err := os.Stat(v.path)
	return err == nil
}

// Initialize creates an empty vault sealed under passphrase and leaves it unlocked.
func (v *Vault) Initialize(ctx context.Context, passphrase string) error {
	v.mu.Lock()
	defer v.mu.Unlock()

	if passphrase == "" {
		return fmt.Errorf("passphrase required: %w", ErrInvalidPass)
	}
	if _, err := os.Stat(v.path); err == nil {
		return ErrAlreadyExists
	}
	if err := os.MkdirAll(filepath.Dir(v.path), 0o700); err != nil {
		return fmt.Errorf("create vault directory: %w", err)
	}

	salt := make([]byte, saltSize)
	if _, err := rand.Read(salt); err != nil {
		return fmt.Errorf("generate salt: %w", err)
	}

	v.wipe()
	v.salt = salt
	v.masterKey = deriveMasterKey(passphrase, salt)
	if err := v.persist(); err != nil {
		return fmt.Errorf("persist vault: %w", err)
	}
	return ctx.Err()
}

// Unlock reads the vault file and opens it with passphrase.
func (v *Vault) Unlock(ctx context.Context, passphrase string) error {
	v.mu.Lock()
	defer v.mu.Unlock()

	raw, err := os.ReadFile(v.path)
	if err != nil {
		if os.IsNotExist(err) {
			return ErrNotInitialized
		}
		return fmt.Errorf("read vault: %w", err)
	}

	var file vaultFile
	if err := json.Unmarshal(raw, &file); err != nil {
		return fmt.Errorf("decode vault: %w", ErrCorruptFile)
	}
	if file.Version != currentVersion {
		return fmt.Errorf("unsupported vault version %d", file.Version)
	}
	salt, err := base64.StdEncoding.DecodeString(file.Salt)
	if err != nil {
		return fmt.Errorf("decode salt: %w", ErrCorruptFile)
	}
	nonce, err := base64.StdEncoding.DecodeString(file.Nonce)
	if err != nil {
		return fmt.Errorf("decode nonce: %w", ErrCorruptFile)
	}
	ciphertext, err := base64.StdEncoding.DecodeString(file.Ciphertext)
	if err != nil {
		return fmt.Errorf("decode ciphertext: %w", ErrCorruptFile)
	}

	master := deriveMasterKey(passphrase, salt)
	payload, err := openPayload(master, nonce, ciphertext)
	if err != nil {
		seal.Zero(master)
		return err
	}

	v.wipe()
	v.masterKey = master
	v.salt = salt
	v.objects = payload.Objects
	v.contacts = payload.Contacts
	return ctx.Err()
}

// Lock discards the master key and all decrypted state.
func (v *Vault) Lock() {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.wipe()
}

// Put stores or replaces a named object.
func (v *Vault) Put(ctx context.Context, name string, data []byte) error {
	v.mu.Lock()
	defer v.mu.Unlock()

	if err := v.ensureUnlocked(); err != nil {
		return err
	}
	if name == "" {
		return ErrInvalidName
	}
	if len(data) > maxObjectBytes {
		return fmt.Errorf("object %s exceeds %d bytes: %w", name, maxObjectBytes, ErrObjectTooBig)
	}
	if existing, ok := v.objects[name]; ok {
		seal.Zero(existing)
	}
	v.objects[name] = append([]byte{}, data...)
	if err := v.persist(); err != nil {
		return fmt.Errorf("persist object: %w", err)
	}
	return ctx.Err()
}

func (v *Vault) Get(ctx context.Context, name string) ([]byte, error) {
	v.mu.RLock()
	defer v.mu.RUnlock()

	if err := v.ensureUnlocked(); err != nil {
		return nil, err
	}
	data, ok := v.objects[name]
	if !ok {
		return nil, fmt.Errorf("object %s: %w", name, ErrNotFound)
	}
	return append([]byte{}, data...), ctx.Err()
}

// Delete removes a named object. Missing names are not an error.
func (v *Vault) Delete(ctx context.Context, name string) error {
	v.mu.Lock()
	defer v.mu.Unlock()

	if err := v.ensureUnlocked(); err != nil {
		return err
	}
	if existing, ok := v.objects[name]; ok {
		seal.Zero(existing)
		delete(v.objects, name)
	}
	if err := v.persist(); err != nil {
		return fmt.Errorf("persist vault after delete: %w", err)
	}
	return ctx.Err()
}

// List returns the sorted object names.
func (v *Vault) List(ctx context.Context) ([]string, error) {
	v.mu.RLock()
	defer v.mu.RUnlock()

	if err := v.ensureUnlocked(); err != nil {
		return nil, err
	}
	names := make([]string, 0, len(v.objects))
	for name := range v.objects {
		names = append(names, name)
	}
	sort.Strings(names)
	return names, ctx.Err()
}

func (v *Vault) ensureUnlocked() error {
	if len(v.masterKey) == 0 || len(v.salt) == 0 {
		return ErrLocked
	}
	return nil
}

func (v *Vault) wipe() {
	seal.Zero(v.masterKey)
	v.masterKey = nil
	v.salt = nil
	for name, data := range v.objects {
		seal.Zero(data)
		delete(v.objects, name)
	}
	for alias, c := range v.contacts {
		c.zero()
		delete(v.contacts, alias)
	}
}

func (v *Vault) persist() error {
	if err := v.ensureUnlocked(); err != nil {
		return err
	}
	nonce, ciphertext, err := sealPayload(v.masterKey, sealedPayload{
		Objects:  v.objects,
		Contacts: v.contacts,
	})
	if err != nil {
		return err
	}

	serialized, err := json.MarshalIndent(vaultFile{
		Version:    currentVersion,
		Salt:       base64.StdEncoding.EncodeToString(v.salt),
		Nonce:      base64.StdEncoding.EncodeToString(nonce),
		Ciphertext: base64.StdEncoding.EncodeToString(ciphertext),
	}, "", "  ")
	if err != nil {
		return fmt.Errorf("encode vault: %w", err)
	}

	tmp := v.path + ".tmp"
	if err := os.WriteFile(tmp, serialized, 0o600); err != nil {
		return err
	}
	return os.Rename(tmp, v.path)
}

func deriveMasterKey(passphrase string, salt []byte) []byte {
	return argon2.IDKey([]byte(passphrase), salt, argonTime, argonMemory, argonThreads, argonKeyLength)
}

func sealPayload(masterKey []byte, payload sealedPayload) ([]byte, []byte, error) {
	serialized, err := json.Marshal(payload)
	if err != nil {
		return nil, nil, fmt.Errorf("marshal vault: %w", err)
	}
	defer seal.Zero(serialized)

	aead, err := chacha20poly1305.NewX(masterKey)
	if err != nil {
		return nil, nil, fmt.Errorf("init cipher: %w", err)
	}
	nonce := make([]byte, nonceSize)
	if _, err := rand.Read(nonce); err != nil {
		return nil, nil, fmt.Errorf("generate nonce: %w", err)
	}
	return nonce, aead.Seal(nil, nonce, serialized, nil), nil
}

func openPayload(masterKey, nonce, ciphertext []byte) (sealedPayload, error) {
	if len(nonce) != nonceSize {
		return sealedPayload{}, fmt.Errorf("invalid nonce size: %w", ErrCorruptFile)
	}
	aead, err := chacha20poly1305.NewX(masterKey)
	if err != nil {
		return sealedPayload{}, fmt.Errorf("init cipher: %w", err)
	}
	plaintext, err := aead.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return sealedPayload{}, fmt.Errorf("decrypt vault: %w", ErrInvalidPass)
	}
	defer seal.Zero(plaintext)

	var payload sealedPayload
	if err := json.Unmarshal(plaintext, &payload); err != nil {
		return sealedPayload{}, fmt.Errorf("unmarshal vault: %w", ErrCorruptFile)
	}
	if payload.Objects == nil {
		payload.Objects = make(map[string][]byte)
	}
	if payload.Contacts == nil {
		payload.Contacts = make(map[string]Contact)
	}
	return payload, nil
}
