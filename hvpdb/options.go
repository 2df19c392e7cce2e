package hvpdb

import "github.com/8w6s/hvpdb/storage"

// Options re-exports storage.Options as the single configuration value
// passed to Open, per SPEC_FULL's ambient configuration stack.
type Options = storage.Options

// DefaultOptions returns Durable=true, Zstd level 3, a 5s lock timeout.
func DefaultOptions() Options { return storage.DefaultOptions() }
