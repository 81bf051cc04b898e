// Package image validates, splits and builds RAS firmware images.
//
// An image is laid out as
//
//	[kernel region][rootfs region][trailer]
//
// where the trailer is a fixed-size record (see package trailer) and the
// kernel region length is implied by the trailer's rootfs length.
package image

import (
	"encoding/hex"
	"fmt"

	"github.com/rasfw/rasfw/internal/checksum"
	"github.com/rasfw/rasfw/internal/trailer"
)

// Validated is an image that passed every integrity check
type Validated struct {
	Trailer   *trailer.Trailer
	Body      []byte
	KernelLen int
	FSLen     int
}

// Kernel returns the kernel region, including any 0xFF padding
func (v *Validated) Kernel() []byte {
	return v.Body[:v.KernelLen]
}

// RootFS returns the root filesystem region
func (v *Validated) RootFS() []byte {
	return v.Body[v.KernelLen:]
}

// Size returns the total image size including the trailer
func (v *Validated) Size() int {
	return len(v.Body) + trailer.Size
}

// Split separates an image into body and decoded trailer without checking it
func Split(data []byte) ([]byte, *trailer.Trailer, error) {
	if len(data) < trailer.Size {
		return nil, nil, fmt.Errorf("%w: %d bytes, trailer alone is %d", ErrTooSmall, len(data), trailer.Size)
	}

	bodyLen := len(data) - trailer.Size
	t, err := trailer.Parse(data[bodyLen:])
	if err != nil {
		return nil, nil, err
	}

	return data[:bodyLen], t, nil
}

// Validate decodes the trailer of data and runs the integrity checks in order:
// whole-body CRC32, rootfs length, rootfs CRC32, mixed digest. The first
// failing check is returned as an *IntegrityError; later checks are skipped.
func Validate(data []byte) (*Validated, error) {
	body, t, err := Split(data)
	if err != nil {
		return nil, err
	}

	// Whole image
	if crc := checksum.CRC32(body); crc != t.CRC32 {
		return nil, &IntegrityError{
			Check:    CheckWholeCRC,
			Expected: fmt.Sprintf("0x%08X", t.CRC32),
			Actual:   fmt.Sprintf("0x%08X", crc),
			Err:      ErrCRCMismatch,
		}
	}

	if uint64(t.FSLen) > uint64(len(body)) {
		return nil, &IntegrityError{
			Check:    CheckFSLen,
			Expected: fmt.Sprintf("%d", t.FSLen),
			Actual:   fmt.Sprintf("%d", len(body)),
			Err:      ErrInvalidFSLen,
		}
	}
	kernelLen := len(body) - int(t.FSLen)

	// Rootfs
	if crc := checksum.CRC32(body[kernelLen:]); crc != t.FSCRC32 {
		return nil, &IntegrityError{
			Check:    CheckFSCRC,
			Expected: fmt.Sprintf("0x%08X", t.FSCRC32),
			Actual:   fmt.Sprintf("0x%08X", crc),
			Err:      ErrCRCMismatch,
		}
	}

	if digest := checksum.MixedDigest(body); digest != t.SHA256 {
		return nil, &IntegrityError{
			Check:    CheckDigest,
			Expected: hex.EncodeToString(t.SHA256[:]),
			Actual:   hex.EncodeToString(digest[:]),
			Err:      ErrDigestMismatch,
		}
	}

	return &Validated{
		Trailer:   t,
		Body:      body,
		KernelLen: kernelLen,
		FSLen:     int(t.FSLen),
	}, nil
}
