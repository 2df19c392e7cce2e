package security

import (
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"strings"

	"github.com/8w6s/hvpdb/internal/hvperrors"
	"golang.org/x/crypto/argon2"
	"golang.org/x/crypto/scrypt"
)

// userPasswordParams are deliberately lighter than the file KDF: these
// hashes protect user records stored *inside* an already-encrypted
// database, not the database key itself.
const (
	userPwTime    = 3
	userPwMemory  = 64 * 1024
	userPwThreads = 4
	userPwKeyLen  = 32
)

// HashPassword Argon2id-hashes a user's password for storage in the
// database's users section (spec §4.6, §3 "User record"). It never accepts
// an empty password, matching the invariant that persisted users must have
// a real password.
func HashPassword(password string) (string, error) {
	if password == "" {
		return "", hvperrors.InvalidArgumentf("user password must not be empty")
	}
	salt := make([]byte, saltSize)
	if _, err := rand.Read(salt); err != nil {
		return "", hvperrors.WrapIo(err, "generating password salt")
	}
	hash := argon2.IDKey([]byte(password), salt, userPwTime, userPwMemory, userPwThreads, userPwKeyLen)
	encoded := fmt.Sprintf("$argon2id$v=%d$m=%d,t=%d,p=%d$%s$%s",
		argon2.Version, userPwMemory, userPwTime, userPwThreads,
		base64.RawStdEncoding.EncodeToString(salt),
		base64.RawStdEncoding.EncodeToString(hash))
	return encoded, nil
}

// VerifyPassword checks password against a stored hash. It supports the
// current Argon2id encoding, the legacy "scrypt$<saltHex>$<keyHex>" format
// named in spec §4.6 for migration, and the legacy "<salt>$<sha256hex>"
// format from an earlier revision of the original implementation.
// Comparison is constant-time throughout.
func VerifyPassword(stored, password string) bool {
	if stored == "" {
		return false
	}
	switch {
	case strings.HasPrefix(stored, "scrypt$"):
		return verifyScrypt(stored, password)
	case strings.HasPrefix(stored, "$argon2id$"):
		return verifyArgon2id(stored, password)
	default:
		return verifyLegacySHA256(stored, password)
	}
}

func verifyArgon2id(stored, password string) bool {
	parts := strings.Split(stored, "$")
	// "", "argon2id", "v=19", "m=...,t=...,p=...", salt, hash
	if len(parts) != 6 {
		return false
	}
	var version int
	if _, err := fmt.Sscanf(parts[2], "v=%d", &version); err != nil {
		return false
	}
	var memory, time uint32
	var threads uint8
	if _, err := fmt.Sscanf(parts[3], "m=%d,t=%d,p=%d", &memory, &time, &threads); err != nil {
		return false
	}
	salt, err := base64.RawStdEncoding.DecodeString(parts[4])
	if err != nil {
		return false
	}
	want, err := base64.RawStdEncoding.DecodeString(parts[5])
	if err != nil {
		return false
	}
	got := argon2.IDKey([]byte(password), salt, time, memory, threads, uint32(len(want)))
	return subtle.ConstantTimeCompare(got, want) == 1
}

func verifyScrypt(stored, password string) bool {
	parts := strings.Split(stored, "$")
	if len(parts) != 3 {
		return false
	}
	salt, err := hex.DecodeString(parts[1])
	if err != nil {
		return false
	}
	want, err := hex.DecodeString(parts[2])
	if err != nil {
		return false
	}
	got, err := scrypt.Key([]byte(password), salt, 16384, 8, 1, 32)
	if err != nil {
		return false
	}
	return subtle.ConstantTimeCompare(got, want) == 1
}

func verifyLegacySHA256(stored, password string) bool {
	parts := strings.SplitN(stored, "$", 2)
	if len(parts) != 2 || len(parts[0]) != 16 {
		return false
	}
	salt, val := parts[0], parts[1]
	sum := sha256.Sum256([]byte(salt + password))
	want := hex.EncodeToString(sum[:])
	return subtle.ConstantTimeCompare([]byte(want), []byte(val)) == 1
}
