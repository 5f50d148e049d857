package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/binary"
	"errors"
	"fmt"
	"io"

	"golang.org/x/crypto/pbkdf2"
)

const (
	// PBKDF2Iterations is the number of iterations for key derivation (NIST recommendation)
	PBKDF2Iterations = 100000
	// SealVersion is the current sealed record format version
	SealVersion = 1
	// SaltSize is the size of the salt for PBKDF2
	SaltSize = 32
)

// ErrSealedTooShort is returned by Open when the input cannot hold a
// version, nonce and authentication tag.
var ErrSealedTooShort = errors.New("sealed record too short")

// Sealer encrypts individual store records with AES-256-GCM under a key
// derived from a user passphrase. The salt is owned by the caller so that a
// store can keep it next to the records it protects.
//
// Format: [version:2][nonce:12][ciphertext+tag:N]
type Sealer struct {
	key [32]byte
	gcm cipher.AEAD
}

// NewSalt returns SaltSize random bytes suitable for NewSealer.
func NewSalt() ([]byte, error) {
	salt := make([]byte, SaltSize)
	if _, err := rand.Read(salt); err != nil {
		return nil, fmt.Errorf("failed to generate salt: %w", err)
	}
	return salt, nil
}

// NewSealer derives a record key from passphrase and salt. The passphrase
// slice is wiped before returning.
func NewSealer(passphrase, salt []byte) (*Sealer, error) {
	if len(passphrase) == 0 {
		return nil, fmt.Errorf("passphrase cannot be empty")
	}
	if len(salt) != SaltSize {
		return nil, fmt.Errorf("invalid salt size: got %d, want %d", len(salt), SaltSize)
	}

	s := &Sealer{}
	derived := pbkdf2.Key(passphrase, salt, PBKDF2Iterations, 32, sha256.New)
	copy(s.key[:], derived)
	SecureWipe(derived)
	SecureWipe(passphrase)

	block, err := aes.NewCipher(s.key[:])
	if err != nil {
		return nil, fmt.Errorf("failed to create cipher: %w", err)
	}
	s.gcm, err = cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("failed to create GCM: %w", err)
	}
	return s, nil
}

// Seal encrypts plaintext. additional is authenticated but not encrypted;
// stores pass the record key so sealed values cannot be swapped between keys.
func (s *Sealer) Seal(plaintext, additional []byte) ([]byte, error) {
	nonce := make([]byte, s.gcm.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, fmt.Errorf("failed to generate nonce: %w", err)
	}

	out := make([]byte, 2+len(nonce), 2+len(nonce)+len(plaintext)+s.gcm.Overhead())
	binary.BigEndian.PutUint16(out[0:2], SealVersion)
	copy(out[2:], nonce)
	return s.gcm.Seal(out, nonce, plaintext, additional), nil
}

// Open decrypts a record produced by Seal with the same additional data.
func (s *Sealer) Open(sealed, additional []byte) ([]byte, error) {
	nonceSize := s.gcm.NonceSize()
	if len(sealed) < 2+nonceSize+s.gcm.Overhead() {
		return nil, fmt.Errorf("%w: %d bytes", ErrSealedTooShort, len(sealed))
	}

	version := binary.BigEndian.Uint16(sealed[0:2])
	if version != SealVersion {
		return nil, fmt.Errorf("unsupported seal version: %d (expected %d)", version, SealVersion)
	}

	nonce := sealed[2 : 2+nonceSize]
	plaintext, err := s.gcm.Open(nil, nonce, sealed[2+nonceSize:], additional)
	if err != nil {
		return nil, fmt.Errorf("decryption failed (wrong passphrase or corrupted data): %w", err)
	}
	return plaintext, nil
}

// Close wipes the record key. The Sealer must not be used afterwards.
func (s *Sealer) Close() error {
	ZeroBytes(s.key[:])
	return nil
}
