package wal

import (
	"encoding/binary"
	"hash/crc32"
	"io"

	"github.com/8w6s/hvpdb/internal/hvperrors"
	"github.com/8w6s/hvpdb/security"
	"github.com/vmihailenco/msgpack/v5"
)

// Magic identifies a WAL file carrying the v2 header. A file whose first
// six bytes are anything else is treated as a legacy, header-less WAL for
// backward compatibility (spec §6).
var Magic = [6]byte{'H', 'V', 'P', 'W', 'A', 'L'}

// Version is the only WAL wire version this engine writes or accepts.
const Version uint16 = 2

// maxFrameLen bounds a single ciphertext's length; anything larger is
// treated as corruption rather than an allocation request (spec §4.3).
const maxFrameLen = 64 * 1024 * 1024

// castagnoliTable matches the CRC32 variant named in spec §4.3, and the one
// the teacher's own WAL checksum.go already used.
var castagnoliTable = crc32.MakeTable(crc32.Castagnoli)

// writeHeader serializes the v2 WAL file header: magic, version, KDF salt,
// KDF params length, MsgPack-encoded KDF params. Returns the header's byte
// length.
func writeHeader(w io.Writer, salt []byte, kdf security.KDFParams) (int, error) {
	kdfBytes, err := msgpack.Marshal(kdf)
	if err != nil {
		return 0, hvperrors.WrapIo(err, "encoding WAL header KDF params")
	}
	buf := make([]byte, 0, 6+2+len(salt)+2+len(kdfBytes))
	buf = append(buf, Magic[:]...)
	var versionBuf [2]byte
	binary.BigEndian.PutUint16(versionBuf[:], Version)
	buf = append(buf, versionBuf[:]...)
	buf = append(buf, salt...)
	var lenBuf [2]byte
	binary.BigEndian.PutUint16(lenBuf[:], uint16(len(kdfBytes)))
	buf = append(buf, lenBuf[:]...)
	buf = append(buf, kdfBytes...)
	n, err := w.Write(buf)
	if err != nil {
		return 0, hvperrors.WrapIo(err, "writing WAL header")
	}
	return n, nil
}

// header describes a parsed v2 WAL header, or reports that the file is a
// legacy header-less WAL.
type header struct {
	Legacy bool
	Salt   []byte
	KDF    security.KDFParams
	Length int64
}

// readHeader reads and validates the WAL header at the current position of
// r, which must be positioned at offset 0. If the file does not begin with
// the WAL magic, it is reported as legacy and the caller should treat
// offset 0 as the first frame.
func readHeader(r io.Reader) (header, error) {
	probe := make([]byte, 6)
	n, err := io.ReadFull(r, probe)
	if err != nil {
		if err == io.EOF || err == io.ErrUnexpectedEOF {
			return header{Legacy: true}, nil
		}
		return header{}, hvperrors.WrapIo(err, "reading WAL header magic")
	}
	if n != 6 || string(probe) != string(Magic[:]) {
		return header{Legacy: true}, nil
	}

	rest := make([]byte, 2+16+2)
	if _, err := io.ReadFull(r, rest); err != nil {
		return header{}, hvperrors.WrapCorrupt(err, "truncated WAL header")
	}
	version := binary.BigEndian.Uint16(rest[0:2])
	if version != Version {
		return header{}, hvperrors.Unsupportedf("unsupported WAL version %d", version)
	}
	salt := append([]byte(nil), rest[2:18]...)
	kdfLen := binary.BigEndian.Uint16(rest[18:20])

	kdfBytes := make([]byte, kdfLen)
	if _, err := io.ReadFull(r, kdfBytes); err != nil {
		return header{}, hvperrors.WrapCorrupt(err, "truncated WAL header KDF params")
	}
	var kdf security.KDFParams
	if err := msgpack.Unmarshal(kdfBytes, &kdf); err != nil {
		return header{}, hvperrors.WrapCorrupt(err, "decoding WAL header KDF params")
	}

	return header{
		Salt:   salt,
		KDF:    kdf,
		Length: int64(6 + 2 + 16 + 2 + int(kdfLen)),
	}, nil
}

// encodeFrame builds CRC32(u32 BE) || LEN(u32 BE) || NONCE(12B) ||
// CIPHERTEXT(LEN) as described in spec §4.3. LEN counts only the
// ciphertext.
func encodeFrame(nonce, ciphertext []byte) []byte {
	body := make([]byte, 0, len(nonce)+len(ciphertext))
	body = append(body, nonce...)
	body = append(body, ciphertext...)
	crc := crc32.Checksum(body, castagnoliTable)

	frame := make([]byte, 8+len(body))
	binary.BigEndian.PutUint32(frame[0:4], crc)
	binary.BigEndian.PutUint32(frame[4:8], uint32(len(ciphertext)))
	copy(frame[8:], body)
	return frame
}

// frameHeader is the fixed 8-byte CRC+LEN prefix of a frame.
type frameHeader struct {
	CRC uint32
	Len uint32
}

func readFrameHeader(r io.Reader) (frameHeader, bool, error) {
	buf := make([]byte, 8)
	if _, err := io.ReadFull(r, buf); err != nil {
		if err == io.EOF {
			return frameHeader{}, false, nil
		}
		// A short read mid-header is a truncated tail, not a hard error:
		// replay treats it exactly like a clean EOF (spec §7, tolerant tail).
		if err == io.ErrUnexpectedEOF {
			return frameHeader{}, false, nil
		}
		return frameHeader{}, false, hvperrors.WrapIo(err, "reading WAL frame header")
	}
	return frameHeader{
		CRC: binary.BigEndian.Uint32(buf[0:4]),
		Len: binary.BigEndian.Uint32(buf[4:8]),
	}, true, nil
}

// readFrameBody reads the nonce+ciphertext body for a frame whose
// ciphertext length is cipherLen, verifying the CRC. ok is false when the
// length is zero or above maxFrameLen, the body is short (a truncated
// tail), or the CRC does not match; replay stops at any of these. err is
// always nil.
func readFrameBody(r io.Reader, crc uint32, cipherLen uint32) (nonce, ciphertext []byte, ok bool, err error) {
	if cipherLen == 0 || cipherLen > maxFrameLen {
		return nil, nil, false, nil
	}
	body := make([]byte, 12+int(cipherLen))
	if _, err := io.ReadFull(r, body); err != nil {
		return nil, nil, false, nil
	}
	if crc32.Checksum(body, castagnoliTable) != crc {
		return nil, nil, false, nil
	}
	return body[:12], body[12:], true, nil
}
