package replay

import (
	"errors"
	"fmt"
)

// SkipError marks a recoverable per-block failure: the block is logged
// and skipped without retry, and no partial records are written.
type SkipError struct {
	BlockNumber uint64
	Err         error
}

func (e *SkipError) Error() string {
	return fmt.Sprintf("skipping block %d: %v", e.BlockNumber, e.Err)
}

func (e *SkipError) Unwrap() error {
	return e.Err
}

// IsSkip reports whether err is (or wraps) a SkipError.
func IsSkip(err error) bool {
	var skip *SkipError

	return errors.As(err, &skip)
}

func skipf(blockNumber uint64, format string, args ...any) error {
	return &SkipError{BlockNumber: blockNumber, Err: fmt.Errorf(format, args...)}
}
