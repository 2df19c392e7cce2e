package storage

import (
	"time"

	"github.com/8w6s/hvpdb/security"
)

// Options configures one opened Storage. Unlike the teacher pack (which
// takes no Options at all), SPEC_FULL's ambient configuration stack passes
// one Options value to Open instead of reading a config file, matching the
// embedded-library calling convention described in original_source's
// HVPStorage.__init__ keyword arguments.
type Options struct {
	// Durable controls whether WAL writes wait for fsync. With false,
	// records written since the last fsync may be lost in an OS crash;
	// replay still applies only whole committed transactions.
	Durable bool

	// KDF overrides the Argon2id tuning knobs for a newly created
	// database. Ignored when reopening an existing file, whose header
	// already records the params it was written with.
	KDF *security.KDFParams

	// ZstdLevel is the conventional zstd compression level (1-22) used for
	// both the snapshot body and WAL records. Zero means the spec default
	// of 3.
	ZstdLevel int

	// LockTimeout bounds how long the advisory file locks wait before
	// degrading to a warning-and-proceed (spec §4.2, §7).
	LockTimeout time.Duration
}

// DefaultOptions matches the spec's documented defaults.
func DefaultOptions() Options {
	return Options{
		Durable:     true,
		ZstdLevel:   3,
		LockTimeout: 5 * time.Second,
	}
}

func (o Options) zstdLevel() int {
	if o.ZstdLevel <= 0 {
		return 3
	}
	return o.ZstdLevel
}

func (o Options) lockTimeout() time.Duration {
	if o.LockTimeout <= 0 {
		return 5 * time.Second
	}
	return o.LockTimeout
}
