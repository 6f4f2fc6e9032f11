package inkstone

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"sync"

	"golang.org/x/crypto/pbkdf2"
)

const (
	vaultNonceSize = 12
	vaultSaltSize  = 32
	vaultKeySize   = 32

	// vaultMetaKey is where the vault's salt and verification value live.
	vaultMetaKey = "vault/meta"

	// vaultContentType marks encrypted note content.
	vaultContentType = "encrypted"
)

// VaultConfig tunes key derivation for locked notes.
type VaultConfig struct {
	// Iterations is the PBKDF2 iteration count.
	Iterations int `yaml:"iterations"`
}

// DefaultVaultConfig returns the default key derivation parameters.
func DefaultVaultConfig() VaultConfig {
	return VaultConfig{Iterations: 100000}
}

// vaultMeta persists alongside the items so the same password unlocks
// the vault after a restart. Check is a known plaintext sealed with the
// derived key; a wrong password fails GCM authentication on it.
type vaultMeta struct {
	Salt       []byte `json:"salt"`
	Iterations int    `json:"iterations"`
	Check      []byte `json:"check"`
}

// Vault guards locked notes with a password-derived AES-256-GCM key.
// Locked note content is stored and synced only in encrypted form; the
// key never leaves the process and is dropped again on Lock.
type Vault struct {
	storage Storage
	notes   *Notes
	config  VaultConfig

	mu  sync.Mutex
	gcm cipher.AEAD
}

func newVault(storage Storage, notes *Notes, config VaultConfig) *Vault {
	if config.Iterations <= 0 {
		config.Iterations = 100000
	}
	return &Vault{storage: storage, notes: notes, config: config}
}

// Exists reports whether a vault password has been created.
func (v *Vault) Exists() (bool, error) {
	_, err := v.loadMeta()
	if err == ErrVaultNotSetup {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

// Create sets up the vault with a password. It fails if a vault already
// exists; use ChangePassword to rotate.
func (v *Vault) Create(password string) error {
	if password == "" {
		return newValidationError("password", "cannot be empty", nil)
	}
	if ok, err := v.Exists(); err != nil {
		return err
	} else if ok {
		return newValidationError("password", "vault already exists", nil)
	}

	salt := make([]byte, vaultSaltSize)
	if _, err := rand.Read(salt); err != nil {
		return err
	}
	gcm, err := deriveAEAD(password, salt, v.config.Iterations)
	if err != nil {
		return err
	}
	check, err := seal(gcm, []byte("inkstone-vault"))
	if err != nil {
		return err
	}

	meta := vaultMeta{Salt: salt, Iterations: v.config.Iterations, Check: check}
	data, err := json.Marshal(meta)
	if err != nil {
		return err
	}
	if err := v.storage.Set(vaultMetaKey, data); err != nil {
		return err
	}

	v.mu.Lock()
	v.gcm = gcm
	v.mu.Unlock()
	return nil
}

// Unlock derives the key from the password and verifies it against the
// stored check value. The vault stays unlocked until Lock is called.
func (v *Vault) Unlock(password string) error {
	meta, err := v.loadMeta()
	if err != nil {
		return err
	}
	gcm, err := deriveAEAD(password, meta.Salt, meta.Iterations)
	if err != nil {
		return err
	}
	if _, err := open(gcm, meta.Check); err != nil {
		return ErrInvalidPassword
	}

	v.mu.Lock()
	v.gcm = gcm
	v.mu.Unlock()
	return nil
}

// Lock drops the derived key. Locked notes remain readable only as
// ciphertext until the next Unlock.
func (v *Vault) Lock() {
	v.mu.Lock()
	v.gcm = nil
	v.mu.Unlock()
}

// Unlocked reports whether the key is currently held.
func (v *Vault) Unlocked() bool {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.gcm != nil
}

// Add encrypts a note's content in place and marks it locked. The vault
// must be unlocked.
func (v *Vault) Add(noteID string) error {
	gcm, err := v.aead()
	if err != nil {
		return err
	}
	note := v.notes.Note(noteID)
	if note == nil {
		return newValidationError("id", fmt.Sprintf("no note with id %q", noteID), nil)
	}
	if note.Locked {
		return nil
	}

	plaintext, err := json.Marshal(note.Content)
	if err != nil {
		return err
	}
	sealed, err := seal(gcm, plaintext)
	if err != nil {
		return err
	}

	locked := *note
	locked.Content = NoteContent{
		Type: vaultContentType,
		Data: base64.StdEncoding.EncodeToString(sealed),
	}
	locked.Locked = true
	_, err = v.notes.coll.Add(&locked)
	return err
}

// Open decrypts a locked note's content without modifying the stored
// item. The returned note is a detached copy.
func (v *Vault) Open(noteID string) (*Note, error) {
	gcm, err := v.aead()
	if err != nil {
		return nil, err
	}
	note := v.notes.Note(noteID)
	if note == nil {
		return nil, newValidationError("id", fmt.Sprintf("no note with id %q", noteID), nil)
	}
	if !note.Locked {
		return note, nil
	}

	content, err := v.decryptContent(gcm, note.Content)
	if err != nil {
		return nil, err
	}
	opened := *note
	opened.Content = content
	return &opened, nil
}

// Remove decrypts a note's content and stores it back in the clear,
// unmarking it as locked.
func (v *Vault) Remove(noteID string) error {
	gcm, err := v.aead()
	if err != nil {
		return err
	}
	note := v.notes.Note(noteID)
	if note == nil {
		return newValidationError("id", fmt.Sprintf("no note with id %q", noteID), nil)
	}
	if !note.Locked {
		return nil
	}

	content, err := v.decryptContent(gcm, note.Content)
	if err != nil {
		return err
	}
	unlocked := *note
	unlocked.Content = content
	unlocked.Locked = false
	_, err = v.notes.coll.Add(&unlocked)
	return err
}

// ChangePassword re-derives the key and re-encrypts every locked note.
// The old password must verify first.
func (v *Vault) ChangePassword(oldPassword, newPassword string) error {
	if newPassword == "" {
		return newValidationError("password", "cannot be empty", nil)
	}
	if err := v.Unlock(oldPassword); err != nil {
		return err
	}
	oldGCM, _ := v.aead()

	salt := make([]byte, vaultSaltSize)
	if _, err := rand.Read(salt); err != nil {
		return err
	}
	newGCM, err := deriveAEAD(newPassword, salt, v.config.Iterations)
	if err != nil {
		return err
	}

	for _, note := range v.notes.All() {
		if !note.Locked {
			continue
		}
		content, err := v.decryptContent(oldGCM, note.Content)
		if err != nil {
			return err
		}
		plaintext, err := json.Marshal(content)
		if err != nil {
			return err
		}
		sealed, err := seal(newGCM, plaintext)
		if err != nil {
			return err
		}
		relocked := *note
		relocked.Content = NoteContent{
			Type: vaultContentType,
			Data: base64.StdEncoding.EncodeToString(sealed),
		}
		if _, err := v.notes.coll.Add(&relocked); err != nil {
			return err
		}
	}

	check, err := seal(newGCM, []byte("inkstone-vault"))
	if err != nil {
		return err
	}
	meta := vaultMeta{Salt: salt, Iterations: v.config.Iterations, Check: check}
	data, err := json.Marshal(meta)
	if err != nil {
		return err
	}
	if err := v.storage.Set(vaultMetaKey, data); err != nil {
		return err
	}

	v.mu.Lock()
	v.gcm = newGCM
	v.mu.Unlock()
	return nil
}

func (v *Vault) aead() (cipher.AEAD, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	if v.gcm == nil {
		return nil, ErrVaultLocked
	}
	return v.gcm, nil
}

func (v *Vault) loadMeta() (vaultMeta, error) {
	var meta vaultMeta
	data, err := v.storage.Get(vaultMetaKey)
	if err != nil {
		return meta, ErrVaultNotSetup
	}
	if err := json.Unmarshal(data, &meta); err != nil {
		return meta, fmt.Errorf("corrupt vault metadata: %w", err)
	}
	return meta, nil
}

func (v *Vault) decryptContent(gcm cipher.AEAD, enc NoteContent) (NoteContent, error) {
	var content NoteContent
	sealed, err := base64.StdEncoding.DecodeString(enc.Data)
	if err != nil {
		return content, fmt.Errorf("corrupt locked content: %w", err)
	}
	plaintext, err := open(gcm, sealed)
	if err != nil {
		return content, ErrInvalidPassword
	}
	if err := json.Unmarshal(plaintext, &content); err != nil {
		return content, fmt.Errorf("corrupt locked content: %w", err)
	}
	return content, nil
}

func deriveAEAD(password string, salt []byte, iterations int) (cipher.AEAD, error) {
	key := pbkdf2.Key([]byte(password), salt, iterations, vaultKeySize, sha256.New)
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	return cipher.NewGCM(block)
}

func seal(gcm cipher.AEAD, plaintext []byte) ([]byte, error) {
	nonce := make([]byte, vaultNonceSize)
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, err
	}
	return gcm.Seal(nonce, nonce, plaintext, nil), nil
}

func open(gcm cipher.AEAD, sealed []byte) ([]byte, error) {
	if len(sealed) < vaultNonceSize {
		return nil, fmt.Errorf("ciphertext too short")
	}
	nonce, ciphertext := sealed[:vaultNonceSize], sealed[vaultNonceSize:]
	return gcm.Open(nil, nonce, ciphertext, nil)
}
