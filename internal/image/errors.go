package image

import (
	"errors"
	"fmt"

	"github.com/rasfw/rasfw/internal/trailer"
)

var (
	ErrTooSmall       = fmt.Errorf("image too small: %w", trailer.ErrMalformed)
	ErrInvalidFSLen   = errors.New("declared rootfs length exceeds image body")
	ErrCRCMismatch    = errors.New("crc32 mismatch")
	ErrDigestMismatch = errors.New("sha256 mismatch")
	ErrKernelTooLarge = errors.New("kernel too large")
	ErrRootFSTooLarge = errors.New("rootfs too large")
)

// Check identifies one of the integrity checks run by Validate
type Check string

const (
	CheckWholeCRC Check = "crc32"
	CheckFSLen    Check = "fs_len"
	CheckFSCRC    Check = "fs_crc32"
	CheckDigest   Check = "sha256"
)

// IntegrityError reports the first integrity check an image failed
type IntegrityError struct {
	Check    Check
	Expected string
	Actual   string
	Err      error
}

func (e *IntegrityError) Error() string {
	switch e.Check {
	case CheckWholeCRC:
		return fmt.Sprintf("failed CRC32 check of image: trailer has %s, computed %s", e.Expected, e.Actual)
	case CheckFSCRC:
		return fmt.Sprintf("failed CRC32 check of rootfs: trailer has %s, computed %s", e.Expected, e.Actual)
	case CheckDigest:
		return fmt.Sprintf("failed SHA256 check of image: trailer has %s, computed %s", e.Expected, e.Actual)
	case CheckFSLen:
		return fmt.Sprintf("invalid rootfs length %s: body is only %s bytes", e.Expected, e.Actual)
	default:
		return fmt.Sprintf("integrity check %s failed", e.Check)
	}
}

func (e *IntegrityError) Unwrap() error {
	return e.Err
}

// IsIntegrityError returns true if err is or wraps an IntegrityError
func IsIntegrityError(err error) bool {
	var ie *IntegrityError
	return errors.As(err, &ie)
}

// FailedCheck returns the check that failed, or "" if err is not an integrity error
func FailedCheck(err error) Check {
	var ie *IntegrityError
	if !errors.As(err, &ie) {
		return ""
	}
	return ie.Check
}

// BuildError reports why an image could not be assembled
type BuildError struct {
	Size  int64
	Limit int64
	Err   error
}

func (e *BuildError) Error() string {
	return fmt.Sprintf("%v: %d bytes, limit is %d", e.Err, e.Size, e.Limit)
}

func (e *BuildError) Unwrap() error {
	return e.Err
}
