package image

import (
	"math"

	"github.com/rasfw/rasfw/internal/checksum"
	"github.com/rasfw/rasfw/internal/trailer"
)

const (
	// KernelCapacity is the fixed size of the kernel region (4MB)
	KernelCapacity = 4 * 1024 * 1024

	// PadByte fills unused kernel capacity, as in factory images
	PadByte = 0xFF

	// MaxRootFSSize keeps the image body within a uint32
	MaxRootFSSize = math.MaxUint32 - KernelCapacity
)

// BuildOptions controls the flag bytes of a built trailer
type BuildOptions struct {
	FSType    trailer.FSType
	ImageType uint8
}

// DefaultBuildOptions returns the values found in every factory image
func DefaultBuildOptions() BuildOptions {
	return BuildOptions{
		FSType:    trailer.FSTypeUBIFS,
		ImageType: trailer.DefaultImageType,
	}
}

// Build assembles a firmware image from a kernel and a rootfs
func Build(kernel, rootfs []byte) ([]byte, error) {
	return BuildWithOptions(kernel, rootfs, DefaultBuildOptions())
}

// BuildWithOptions assembles a firmware image.
// Format: [kernel + 0xFF padding up to KernelCapacity][rootfs][trailer]
func BuildWithOptions(kernel, rootfs []byte, opts BuildOptions) ([]byte, error) {
	if err := checkSizes(uint64(len(kernel)), uint64(len(rootfs))); err != nil {
		return nil, err
	}

	bodyLen := KernelCapacity + len(rootfs)

	// Allocate body and trailer together so the result is a single buffer
	out := make([]byte, bodyLen+trailer.Size)
	body := out[:bodyLen]
	for i := range body {
		body[i] = PadByte
	}
	copy(body, kernel)
	copy(body[KernelCapacity:], rootfs)

	t := trailer.New()
	t.FSLen = uint32(len(rootfs))
	t.CRC32 = checksum.CRC32(body)
	t.FSCRC32 = checksum.CRC32(rootfs)
	t.SHA256 = checksum.MixedDigest(body)
	t.FSType = opts.FSType
	t.ImageType = opts.ImageType
	t.Reserved1 = trailer.DefaultReserved1
	t.Reserved2 = trailer.DefaultReserved2

	if err := t.MarshalTo(out[bodyLen:]); err != nil {
		return nil, err
	}

	return out, nil
}

// checkSizes rejects a kernel over KernelCapacity and a rootfs whose image
// body would not fit the 32-bit length fields
func checkSizes(kernelLen, rootfsLen uint64) error {
	if kernelLen > KernelCapacity {
		return &BuildError{Size: int64(kernelLen), Limit: KernelCapacity, Err: ErrKernelTooLarge}
	}
	if rootfsLen > MaxRootFSSize {
		return &BuildError{Size: int64(rootfsLen), Limit: MaxRootFSSize, Err: ErrRootFSTooLarge}
	}
	return nil
}
