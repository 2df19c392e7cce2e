// Package security derives the database's AEAD key from the user's
// password and performs authenticated encryption of snapshot bodies and WAL
// records. Grounded on original_source/hvpdb/security.py: Argon2id key
// derivation feeding AES-256-GCM, a fresh random nonce per call, a best-effort
// zeroized key on Clear.
package security

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"fmt"

	"github.com/8w6s/hvpdb/internal/hvperrors"
	"github.com/8w6s/hvpdb/internal/hvplog"
	"golang.org/x/crypto/argon2"
)

const (
	saltSize  = 16
	nonceSize = 12
	keySize   = 32
)

// KDFParams are the Argon2id tuning knobs, persisted alongside the salt in
// every file header so a file can be reopened without guessing them.
type KDFParams struct {
	TimeCost    uint32 `msgpack:"time_cost"`
	MemoryCost  uint32 `msgpack:"memory_cost"`
	Parallelism uint8  `msgpack:"parallelism"`
}

// DefaultKDFParams matches the teacher spec's defaults: time_cost 4,
// memory_cost 100MiB (102400 KiB, matching original_source's literal),
// parallelism 4.
func DefaultKDFParams() KDFParams {
	return KDFParams{TimeCost: 4, MemoryCost: 102400, Parallelism: 4}
}

// Security derives and holds the AEAD key for one open database. The
// password is dropped immediately after derivation; only the derived key is
// retained, and Clear best-effort zeroizes it.
type Security struct {
	salt []byte
	kdf  KDFParams
	key  []byte
}

// New derives a key from password. If salt is nil, 16 random bytes are
// generated. If kdf is nil, DefaultKDFParams is used.
func New(password string, salt []byte, kdf *KDFParams) (*Security, error) {
	if password == "" {
		return nil, hvperrors.AuthRequiredf("password required to open database")
	}
	s := &Security{}
	if len(salt) == saltSize {
		s.salt = append([]byte(nil), salt...)
	} else {
		s.salt = make([]byte, saltSize)
		if _, err := rand.Read(s.salt); err != nil {
			return nil, hvperrors.WrapIo(err, "generating key derivation salt")
		}
	}
	if kdf != nil {
		s.kdf = *kdf
	} else {
		s.kdf = DefaultKDFParams()
	}

	pw := []byte(password)
	s.key = argon2.IDKey(pw, s.salt, s.kdf.TimeCost, s.kdf.MemoryCost, s.kdf.Parallelism, keySize)
	for i := range pw {
		pw[i] = 0
	}
	return s, nil
}

// Salt returns the KDF salt, for persistence in a file header.
func (s *Security) Salt() []byte { return append([]byte(nil), s.salt...) }

// Params returns the KDF parameters, for persistence in a file header.
func (s *Security) Params() KDFParams { return s.kdf }

// Encrypt performs AES-256-GCM encryption with a fresh random nonce. aad is
// authenticated but not encrypted.
func (s *Security) Encrypt(plaintext, aad []byte) (nonce, ciphertext []byte, err error) {
	if s.key == nil {
		return nil, nil, hvperrors.InvalidArgumentf("security key has been cleared")
	}
	block, err := aes.NewCipher(s.key)
	if err != nil {
		return nil, nil, hvperrors.WrapIo(err, "constructing AES cipher")
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, nil, hvperrors.WrapIo(err, "constructing GCM mode")
	}
	nonce = make([]byte, nonceSize)
	if _, err := rand.Read(nonce); err != nil {
		return nil, nil, hvperrors.WrapIo(err, "generating nonce")
	}
	ciphertext = gcm.Seal(nil, nonce, plaintext, aad)
	return nonce, ciphertext, nil
}

// Decrypt performs AES-256-GCM decryption. Any tag mismatch (wrong
// password, tampered bytes, wrong salt/KDF, wrong aad) fails with a
// hvperrors.BadPassword error — the engine never attempts to distinguish the
// cause, since doing so would leak an oracle.
func (s *Security) Decrypt(nonce, ciphertext, aad []byte) ([]byte, error) {
	if s.key == nil {
		return nil, hvperrors.InvalidArgumentf("security key has been cleared")
	}
	block, err := aes.NewCipher(s.key)
	if err != nil {
		return nil, hvperrors.WrapIo(err, "constructing AES cipher")
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, hvperrors.WrapIo(err, "constructing GCM mode")
	}
	plaintext, err := gcm.Open(nil, nonce, ciphertext, aad)
	if err != nil {
		return nil, &hvperrors.Error{Kind: hvperrors.BadPassword, Msg: "authentication tag mismatch", Err: err}
	}
	return plaintext, nil
}

// Clear best-effort zeroizes the derived key in memory.
func (s *Security) Clear() {
	for i := range s.key {
		s.key[i] = 0
	}
	s.key = nil
	hvplog.WithComponent("security").Debug().Msg("key cleared")
}

// Rotate re-derives the key under a new password and a fresh salt, for
// password-change operations (original_source/hvpdb/security.py: rotate_key).
func (s *Security) Rotate(newPassword string) error {
	if newPassword == "" {
		return hvperrors.InvalidArgumentf("new password must not be empty")
	}
	fresh, err := New(newPassword, nil, &s.kdf)
	if err != nil {
		return err
	}
	s.Clear()
	*s = *fresh
	return nil
}

// String never reveals key material.
func (s *Security) String() string {
	return fmt.Sprintf("Security{salt=%x, kdf=%+v}", s.salt, s.kdf)
}
