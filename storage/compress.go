package storage

import (
	"github.com/8w6s/hvpdb/internal/hvperrors"
	"github.com/klauspost/compress/zstd"
)

func compress(plain []byte, level int) ([]byte, error) {
	if level <= 0 {
		level = 3
	}
	enc, err := zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.EncoderLevelFromZstd(level)))
	if err != nil {
		return nil, hvperrors.WrapIo(err, "constructing zstd encoder")
	}
	defer enc.Close()
	return enc.EncodeAll(plain, nil), nil
}

func decompress(compressed []byte) ([]byte, error) {
	dec, err := zstd.NewReader(nil)
	if err != nil {
		return nil, hvperrors.WrapIo(err, "constructing zstd decoder")
	}
	defer dec.Close()
	plain, err := dec.DecodeAll(compressed, nil)
	if err != nil {
		return nil, hvperrors.WrapCorrupt(err, "decompressing snapshot body")
	}
	return plain, nil
}
