// Package credentials stores the platform token and login credentials
// encrypted under an operator passphrase.
package credentials

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/pbkdf2"
)

const (
	envelopeVersion = 1
	kdfName         = "pbkdf2-sha256"
	iterations      = 100_000
	// maxIterations bounds the unauthenticated count read from the file.
	maxIterations   = 10 * iterations
	saltSize        = 16
	keySize         = chacha20poly1305.KeySize

	// FileName is the credentials file inside the data directory.
	FileName = "credentials.enc"
)

var (
	// ErrNotFound means no credentials have been saved.
	ErrNotFound = errors.New("no stored credentials")
	// ErrDecrypt means the passphrase is wrong or the file was altered.
	ErrDecrypt = errors.New("cannot decrypt credentials: wrong passphrase or tampered file")
)

// Blob is the secret payload.
type Blob struct {
	Token        string    `json:"token,omitempty"`
	RefreshToken string    `json:"refresh_token,omitempty"`
	ExpiresAt    time.Time `json:"expires_at,omitzero"`
	Email        string    `json:"email,omitempty"`
	Password     string    `json:"password,omitempty"`
}

type envelope struct {
	Version    int    `json:"version"`
	KDF        string `json:"kdf"`
	Iterations int    `json:"iterations"`
	Salt       string `json:"salt"`
	Nonce      string `json:"nonce"`
	Ciphertext string `json:"ciphertext"`
}

// Store reads and writes one encrypted credentials file.
type Store struct {
	path string
}

// NewStore returns a store backed by path.
func NewStore(path string) *Store {
	return &Store{path: path}
}

// Path returns the file location.
func (s *Store) Path() string { return s.path }

func deriveKey(passphrase string, salt []byte, iter int) []byte {
	return pbkdf2.Key([]byte(passphrase), salt, iter, keySize, sha256.New)
}

// Save encrypts blob under passphrase and replaces the file atomically.
func (s *Store) Save(blob *Blob, passphrase string) error {
	if passphrase == "" {
		return errors.New("save credentials: empty passphrase")
	}
	plain, err := json.Marshal(blob)
	if err != nil {
		return fmt.Errorf("marshal credentials: %w", err)
	}

	salt := make([]byte, saltSize)
	if _, err := rand.Read(salt); err != nil {
		return fmt.Errorf("generate salt: %w", err)
	}
	aead, err := chacha20poly1305.NewX(deriveKey(passphrase, salt, iterations))
	if err != nil {
		return fmt.Errorf("create cipher: %w", err)
	}
	nonce := make([]byte, aead.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return fmt.Errorf("generate nonce: %w", err)
	}

	env := envelope{
		Version:    envelopeVersion,
		KDF:        kdfName,
		Iterations: iterations,
		Salt:       base64.StdEncoding.EncodeToString(salt),
		Nonce:      base64.StdEncoding.EncodeToString(nonce),
	}
	env.Ciphertext = base64.StdEncoding.EncodeToString(aead.Seal(nil, nonce, plain, env.header()))

	data, err := json.MarshalIndent(env, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal envelope: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(s.path), 0o700); err != nil {
		return fmt.Errorf("create credentials dir: %w", err)
	}
	tmp := s.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return fmt.Errorf("write temp credentials: %w", err)
	}
	if err := os.Rename(tmp, s.path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("rename credentials: %w", err)
	}
	return nil
}

// header binds the envelope parameters to the ciphertext.
func (e *envelope) header() []byte {
	return fmt.Appendf(nil, "v%d|%s|%d|%s", e.Version, e.KDF, e.Iterations, e.Salt)
}

// Load decrypts the stored blob. A wrong passphrase or any modification of
// the file yields ErrDecrypt, never partial plaintext.
func (s *Store) Load(passphrase string) (*Blob, error) {
	data, err := os.ReadFile(s.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("read credentials: %w", err)
	}
	var env envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDecrypt, err)
	}
	if env.Version != envelopeVersion || env.KDF != kdfName {
		return nil, fmt.Errorf("%w: unsupported envelope", ErrDecrypt)
	}
	if env.Iterations <= 0 || env.Iterations > maxIterations {
		return nil, fmt.Errorf("%w: iteration count %d out of range", ErrDecrypt, env.Iterations)
	}
	salt, err1 := base64.StdEncoding.DecodeString(env.Salt)
	nonce, err2 := base64.StdEncoding.DecodeString(env.Nonce)
	ct, err3 := base64.StdEncoding.DecodeString(env.Ciphertext)
	if err := errors.Join(err1, err2, err3); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDecrypt, err)
	}

	aead, err := chacha20poly1305.NewX(deriveKey(passphrase, salt, env.Iterations))
	if err != nil {
		return nil, fmt.Errorf("create cipher: %w", err)
	}
	if len(nonce) != aead.NonceSize() {
		return nil, fmt.Errorf("%w: bad nonce", ErrDecrypt)
	}
	plain, err := aead.Open(nil, nonce, ct, env.header())
	if err != nil {
		return nil, ErrDecrypt
	}
	var blob Blob
	if err := json.Unmarshal(plain, &blob); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDecrypt, err)
	}
	return &blob, nil
}

// Exists reports whether a credentials file is present.
func (s *Store) Exists() bool {
	_, err := os.Stat(s.path)
	return err == nil
}

// Clear removes the stored credentials.
func (s *Store) Clear() error {
	if err := os.Remove(s.path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("remove credentials: %w", err)
	}
	return nil
}
