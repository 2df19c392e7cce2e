package storage

import (
	"time"

	"github.com/8w6s/hvpdb/internal/hvperrors"
	natomic "github.com/natefinch/atomic"
)

const (
	renameRetries = 5
	renameBackoff = 100 * time.Millisecond
)

// renameWithRetry replaces dst with src, making up to renameRetries
// attempts in all with a fixed backoff after each failed one (spec
// §4.4 save protocol, step 5). The swap itself is natefinch/atomic's
// ReplaceFile, the same cross-platform atomic-rename primitive the rest of
// the retrieval pack reaches for instead of a bare os.Rename.
func renameWithRetry(src, dst string) error {
	var lastErr error
	for attempt := 0; attempt < renameRetries; attempt++ {
		if err := natomic.ReplaceFile(src, dst); err != nil {
			lastErr = err
			time.Sleep(renameBackoff)
			continue
		}
		return nil
	}
	return hvperrors.WrapIo(lastErr, "renaming snapshot temp file after retries")
}
