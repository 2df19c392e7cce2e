package storage

import (
	"encoding/binary"
	"io"
	"os"

	"github.com/8w6s/hvpdb/internal/hvperrors"
	"github.com/8w6s/hvpdb/security"
	"github.com/vmihailenco/msgpack/v5"
)

// SnapshotMagic and SnapshotVersion identify the v2 snapshot file format
// (spec §4.4): HEADER(5)="HVPDB" || VERSION(u16)=2 || SALT(16) ||
// KDF_LEN(u16) || KDF_PARAMS(MsgPack) || NONCE(12) || CIPHERTEXT.
var SnapshotMagic = [5]byte{'H', 'V', 'P', 'D', 'B'}

const SnapshotVersion uint16 = 2

// legacyVersion1 salt+nonce+ciphertext with no KDF params and no AAD, kept
// readable for backward compatibility per spec §6.
const legacyVersion1 uint16 = 1

// body is the cleartext snapshot payload: Zstd(MsgPack(body)).
type body struct {
	Groups  map[string]map[string]map[string]interface{} `msgpack:"groups"`
	Indexes map[string]map[string]IndexSpec               `msgpack:"_indexes"`
	Users   map[string]UserRecord                          `msgpack:"users"`
	Seq     uint64                                         `msgpack:"seq"`
	Meta    map[string]interface{}                         `msgpack:"meta"`
}

func emptyBody() body {
	return body{
		Groups:  make(map[string]map[string]map[string]interface{}),
		Indexes: make(map[string]map[string]IndexSpec),
		Users:   make(map[string]UserRecord),
		Meta:    make(map[string]interface{}),
	}
}

// IndexSpec records whether a group field index enforces uniqueness,
// persisted under the snapshot's "_indexes" section.
type IndexSpec struct {
	Unique bool `msgpack:"unique"`
}

// UserRecord is a row of the snapshot's reserved "users" section (spec §3).
type UserRecord struct {
	Role         string   `msgpack:"role"`
	Groups       []string `msgpack:"groups"`
	PasswordHash string   `msgpack:"password_hash"`
	CreatedAt    int64    `msgpack:"created_at"`
}

// buildAAD reproduces the exact header byte sequence that is authenticated
// (but not encrypted) alongside the snapshot body, per spec §4.4.
func buildAAD(version uint16, salt []byte, kdfBytes []byte) []byte {
	aad := make([]byte, 0, 5+2+16+2+len(kdfBytes))
	aad = append(aad, SnapshotMagic[:]...)
	var vb [2]byte
	binary.BigEndian.PutUint16(vb[:], version)
	aad = append(aad, vb[:]...)
	aad = append(aad, salt...)
	var lb [2]byte
	binary.BigEndian.PutUint16(lb[:], uint16(len(kdfBytes)))
	aad = append(aad, lb[:]...)
	aad = append(aad, kdfBytes...)
	return aad
}

// readSnapshot loads and decrypts the snapshot at path. ok is false when
// the file does not exist (the caller should start from an empty body).
func readSnapshot(path string, password string, presetSalt []byte, presetKDF *security.KDFParams) (b body, sec *security.Security, ok bool, err error) {
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return body{}, nil, false, nil
		}
		return body{}, nil, false, hvperrors.WrapIo(err, "opening snapshot file")
	}
	defer f.Close()

	magic := make([]byte, 5)
	if _, err := io.ReadFull(f, magic); err != nil {
		return body{}, nil, false, hvperrors.WrapCorrupt(err, "reading snapshot header magic")
	}
	if string(magic) != string(SnapshotMagic[:]) {
		return body{}, nil, false, hvperrors.Corruptf("snapshot file has an invalid header")
	}

	versionBuf := make([]byte, 2)
	if _, err := io.ReadFull(f, versionBuf); err != nil {
		return body{}, nil, false, hvperrors.WrapCorrupt(err, "reading snapshot version")
	}
	version := binary.BigEndian.Uint16(versionBuf)

	switch version {
	case legacyVersion1:
		salt := make([]byte, 16)
		if _, err := io.ReadFull(f, salt); err != nil {
			return body{}, nil, false, hvperrors.WrapCorrupt(err, "reading legacy snapshot salt")
		}
		nonce := make([]byte, 12)
		if _, err := io.ReadFull(f, nonce); err != nil {
			return body{}, nil, false, hvperrors.WrapCorrupt(err, "reading legacy snapshot nonce")
		}
		ciphertext, err := io.ReadAll(f)
		if err != nil {
			return body{}, nil, false, hvperrors.WrapCorrupt(err, "reading legacy snapshot body")
		}
		sec, err = security.New(password, salt, nil)
		if err != nil {
			return body{}, nil, false, err
		}
		plain, err := sec.Decrypt(nonce, ciphertext, nil)
		if err != nil {
			return body{}, nil, false, err
		}
		b, err := decodeBody(plain)
		return b, sec, true, err

	case SnapshotVersion:
		salt := make([]byte, 16)
		if _, err := io.ReadFull(f, salt); err != nil {
			return body{}, nil, false, hvperrors.WrapCorrupt(err, "reading snapshot salt")
		}
		kdfLenBuf := make([]byte, 2)
		if _, err := io.ReadFull(f, kdfLenBuf); err != nil {
			return body{}, nil, false, hvperrors.WrapCorrupt(err, "reading snapshot KDF length")
		}
		kdfLen := binary.BigEndian.Uint16(kdfLenBuf)
		kdfBytes := make([]byte, kdfLen)
		if _, err := io.ReadFull(f, kdfBytes); err != nil {
			return body{}, nil, false, hvperrors.WrapCorrupt(err, "reading snapshot KDF params")
		}
		var kdf security.KDFParams
		if err := msgpack.Unmarshal(kdfBytes, &kdf); err != nil {
			return body{}, nil, false, hvperrors.WrapCorrupt(err, "decoding snapshot KDF params")
		}
		nonce := make([]byte, 12)
		if _, err := io.ReadFull(f, nonce); err != nil {
			return body{}, nil, false, hvperrors.WrapCorrupt(err, "reading snapshot nonce")
		}
		ciphertext, err := io.ReadAll(f)
		if err != nil {
			return body{}, nil, false, hvperrors.WrapCorrupt(err, "reading snapshot body")
		}
		sec, err = security.New(password, salt, &kdf)
		if err != nil {
			return body{}, nil, false, err
		}
		aad := buildAAD(version, salt, kdfBytes)
		plain, err := sec.Decrypt(nonce, ciphertext, aad)
		if err != nil {
			return body{}, nil, false, err
		}
		b, err := decodeBody(plain)
		return b, sec, true, err

	default:
		return body{}, nil, false, hvperrors.Unsupportedf("unsupported snapshot version %d", version)
	}
}

// readSnapshotWithSecurity re-reads path using an already-derived Security
// (the key is not re-derived from a password), for Refresh, which must not
// need the original password a second time.
func readSnapshotWithSecurity(path string, sec *security.Security) (b body, ok bool, err error) {
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return body{}, false, nil
		}
		return body{}, false, hvperrors.WrapIo(err, "opening snapshot file")
	}
	defer f.Close()

	magic := make([]byte, 5)
	if _, err := io.ReadFull(f, magic); err != nil {
		return body{}, false, hvperrors.WrapCorrupt(err, "reading snapshot header magic")
	}
	if string(magic) != string(SnapshotMagic[:]) {
		return body{}, false, hvperrors.Corruptf("snapshot file has an invalid header")
	}

	versionBuf := make([]byte, 2)
	if _, err := io.ReadFull(f, versionBuf); err != nil {
		return body{}, false, hvperrors.WrapCorrupt(err, "reading snapshot version")
	}
	version := binary.BigEndian.Uint16(versionBuf)
	if version != SnapshotVersion {
		return body{}, false, hvperrors.Unsupportedf("unsupported snapshot version %d", version)
	}

	salt := make([]byte, 16)
	if _, err := io.ReadFull(f, salt); err != nil {
		return body{}, false, hvperrors.WrapCorrupt(err, "reading snapshot salt")
	}
	kdfLenBuf := make([]byte, 2)
	if _, err := io.ReadFull(f, kdfLenBuf); err != nil {
		return body{}, false, hvperrors.WrapCorrupt(err, "reading snapshot KDF length")
	}
	kdfLen := binary.BigEndian.Uint16(kdfLenBuf)
	kdfBytes := make([]byte, kdfLen)
	if _, err := io.ReadFull(f, kdfBytes); err != nil {
		return body{}, false, hvperrors.WrapCorrupt(err, "reading snapshot KDF params")
	}
	nonce := make([]byte, 12)
	if _, err := io.ReadFull(f, nonce); err != nil {
		return body{}, false, hvperrors.WrapCorrupt(err, "reading snapshot nonce")
	}
	ciphertext, err := io.ReadAll(f)
	if err != nil {
		return body{}, false, hvperrors.WrapCorrupt(err, "reading snapshot body")
	}

	aad := buildAAD(version, salt, kdfBytes)
	plain, err := sec.Decrypt(nonce, ciphertext, aad)
	if err != nil {
		return body{}, false, err
	}
	b, err = decodeBody(plain)
	return b, true, err
}

func decodeBody(compressed []byte) (body, error) {
	plain, err := decompress(compressed)
	if err != nil {
		return body{}, err
	}
	b := emptyBody()
	if err := msgpack.Unmarshal(plain, &b); err != nil {
		return body{}, hvperrors.WrapCorrupt(err, "decoding snapshot body")
	}
	if b.Groups == nil {
		b.Groups = make(map[string]map[string]map[string]interface{})
	}
	if b.Indexes == nil {
		b.Indexes = make(map[string]map[string]IndexSpec)
	}
	if b.Users == nil {
		b.Users = make(map[string]UserRecord)
	}
	if b.Meta == nil {
		b.Meta = make(map[string]interface{})
	}
	return b, nil
}

// writeSnapshot atomically replaces path with a freshly encrypted
// serialization of b, per spec §4.4's save protocol: temp file (mode 0600)
// + flush + fsync, then rename with retry.
func writeSnapshot(path string, b body, sec *security.Security, level int) error {
	plain, err := msgpack.Marshal(b)
	if err != nil {
		return hvperrors.WrapIo(err, "encoding snapshot body")
	}
	compressed, err := compress(plain, level)
	if err != nil {
		return err
	}

	salt := sec.Salt()
	kdf := sec.Params()
	kdfBytes, err := msgpack.Marshal(kdf)
	if err != nil {
		return hvperrors.WrapIo(err, "encoding snapshot KDF params")
	}
	aad := buildAAD(SnapshotVersion, salt, kdfBytes)
	nonce, ciphertext, err := sec.Encrypt(compressed, aad)
	if err != nil {
		return err
	}

	tmpPath := path + ".tmp"
	f, err := os.OpenFile(tmpPath, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o600)
	if err != nil {
		return hvperrors.WrapIo(err, "creating temp snapshot file")
	}

	write := func() error {
		if _, err := f.Write(SnapshotMagic[:]); err != nil {
			return err
		}
		var vb [2]byte
		binary.BigEndian.PutUint16(vb[:], SnapshotVersion)
		if _, err := f.Write(vb[:]); err != nil {
			return err
		}
		if _, err := f.Write(salt); err != nil {
			return err
		}
		var lb [2]byte
		binary.BigEndian.PutUint16(lb[:], uint16(len(kdfBytes)))
		if _, err := f.Write(lb[:]); err != nil {
			return err
		}
		if _, err := f.Write(kdfBytes); err != nil {
			return err
		}
		if _, err := f.Write(nonce); err != nil {
			return err
		}
		if _, err := f.Write(ciphertext); err != nil {
			return err
		}
		return nil
	}

	if err := write(); err != nil {
		f.Close()
		os.Remove(tmpPath)
		return hvperrors.WrapIo(err, "writing temp snapshot file")
	}
	if err := f.Sync(); err != nil {
		f.Close()
		os.Remove(tmpPath)
		return hvperrors.WrapIo(err, "fsyncing temp snapshot file")
	}
	if err := f.Close(); err != nil {
		os.Remove(tmpPath)
		return hvperrors.WrapIo(err, "closing temp snapshot file")
	}

	return renameWithRetry(tmpPath, path)
}
