// Package secretsfile provides an AES-256-GCM encrypted local file for
// holding sandbox secret values at rest, so a caller does not need to keep
// them in a shell environment or a checked-in .env file. The master key is
// stored at a configurable path (default ~/.matchlock/master.key) and
// auto-generated on first use.
package secretsfile

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
)

const masterKeyLen = 32 // AES-256

// Store provides encrypt/decrypt operations using a persisted master key,
// plus a convenience map-of-secrets file format on top of them.
type Store struct {
	masterKey []byte
	keyPath   string
}

// NewStore loads the master key from keyPath, or generates one if it
// doesn't exist.
func NewStore(keyPath string) (*Store, error) {
	s := &Store{keyPath: keyPath}

	data, err := os.ReadFile(keyPath)
	if err == nil {
		if len(data) != masterKeyLen {
			return nil, fmt.Errorf("master key at %s has invalid length %d (expected %d)", keyPath, len(data), masterKeyLen)
		}
		s.masterKey = data
		return s, nil
	}

	if !os.IsNotExist(err) {
		return nil, fmt.Errorf("read master key: %w", err)
	}

	key := make([]byte, masterKeyLen)
	if _, err := rand.Read(key); err != nil {
		return nil, fmt.Errorf("generate master key: %w", err)
	}

	if err := os.MkdirAll(filepath.Dir(keyPath), 0700); err != nil {
		return nil, fmt.Errorf("create key directory: %w", err)
	}
	if err := os.WriteFile(keyPath, key, 0600); err != nil {
		return nil, fmt.Errorf("write master key: %w", err)
	}

	s.masterKey = key
	return s, nil
}

// Encrypt encrypts plaintext using AES-256-GCM. Returns nonce || ciphertext.
func (s *Store) Encrypt(plaintext []byte) ([]byte, error) {
	block, err := aes.NewCipher(s.masterKey)
	if err != nil {
		return nil, fmt.Errorf("create cipher: %w", err)
	}

	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("create GCM: %w", err)
	}

	nonce := make([]byte, gcm.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return nil, fmt.Errorf("generate nonce: %w", err)
	}

	return gcm.Seal(nonce, nonce, plaintext, nil), nil
}

// Decrypt decrypts data produced by Encrypt (nonce || ciphertext).
func (s *Store) Decrypt(ciphertext []byte) ([]byte, error) {
	block, err := aes.NewCipher(s.masterKey)
	if err != nil {
		return nil, fmt.Errorf("create cipher: %w", err)
	}

	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("create GCM: %w", err)
	}

	nonceSize := gcm.NonceSize()
	if len(ciphertext) < nonceSize {
		return nil, fmt.Errorf("ciphertext too short")
	}

	nonce, ct := ciphertext[:nonceSize], ciphertext[nonceSize:]
	plaintext, err := gcm.Open(nil, nonce, ct, nil)
	if err != nil {
		return nil, fmt.Errorf("decrypt: %w", err)
	}
	return plaintext, nil
}

// Load reads and decrypts the map of secrets at filePath. A missing file
// is treated as an empty map.
func (s *Store) Load(filePath string) (map[string]string, error) {
	data, err := os.ReadFile(filePath)
	if err != nil {
		if os.IsNotExist(err) {
			return map[string]string{}, nil
		}
		return nil, fmt.Errorf("read secrets file: %w", err)
	}

	plaintext, err := s.Decrypt(data)
	if err != nil {
		return nil, fmt.Errorf("decrypt secrets file: %w", err)
	}

	var secrets map[string]string
	if err := json.Unmarshal(plaintext, &secrets); err != nil {
		return nil, fmt.Errorf("parse secrets file: %w", err)
	}
	return secrets, nil
}

// Save encrypts and writes the given map of secrets to filePath.
func (s *Store) Save(filePath string, secrets map[string]string) error {
	plaintext, err := json.Marshal(secrets)
	if err != nil {
		return fmt.Errorf("marshal secrets: %w", err)
	}

	ciphertext, err := s.Encrypt(plaintext)
	if err != nil {
		return err
	}

	if err := os.MkdirAll(filepath.Dir(filePath), 0700); err != nil {
		return fmt.Errorf("create secrets directory: %w", err)
	}
	return os.WriteFile(filePath, ciphertext, 0600)
}

// Set decrypts filePath, sets name to value, and re-encrypts it in place.
func (s *Store) Set(filePath, name, value string) error {
	secrets, err := s.Load(filePath)
	if err != nil {
		return err
	}
	secrets[name] = value
	return s.Save(filePath, secrets)
}
