// Package trailer encodes and decodes the fixed-size metadata record found at
// the end of every RAS firmware image.
package trailer

import (
	"encoding/binary"
	"errors"
	"fmt"
)

// Magic is the trailer sentinel, stored big-endian
const Magic uint32 = 0x1B05CE17

// Field offsets within the trailer
const (
	offFill      = 0
	offMagic     = 128
	offImageType = 132
	offReserved1 = 133
	offFSType    = 134
	offReserved2 = 135
	offReserved3 = 136
	offReserved4 = 140
	offCRC32     = 144
	offReserved5 = 148
	offReserved6 = 152
	offFSCRC32   = 156
	offFSLen     = 160
	offSHA256    = 164
	offReserved7 = 196
	offReserved8 = 200

	// FillSize is the length of the leading padding block
	FillSize = offMagic - offFill
	// DigestSize is the length of the stored mixed digest
	DigestSize = offReserved7 - offSHA256
	// Size is the total on-disk size of a trailer
	Size = offReserved8 + 4
)

// Image type and reserved values written by the reference firmware
const (
	DefaultImageType uint8 = 1
	DefaultReserved1 uint8 = 2
	DefaultReserved2 uint8 = 0
)

var (
	ErrMalformed = errors.New("malformed trailer")
)

// FSType identifies the root filesystem format embedded in an image
type FSType uint8

const (
	FSTypeUBIFS FSType = iota + 1
	FSTypeSquashFS
	FSTypeInitRAMFS
	FSTypeSquashFSNoPadding
)

// String returns the name of the filesystem type
func (f FSType) String() string {
	switch f {
	case FSTypeUBIFS:
		return "ubifs"
	case FSTypeSquashFS:
		return "squashfs"
	case FSTypeInitRAMFS:
		return "initramfs"
	case FSTypeSquashFSNoPadding:
		return "squashfs-nopad"
	default:
		return fmt.Sprintf("unknown(0x%02X)", uint8(f))
	}
}

// ParseFSType maps a name or numeric value to an FSType
func ParseFSType(s string) (FSType, error) {
	for _, f := range []FSType{FSTypeUBIFS, FSTypeSquashFS, FSTypeInitRAMFS, FSTypeSquashFSNoPadding} {
		if s == f.String() || s == fmt.Sprintf("%d", uint8(f)) {
			return f, nil
		}
	}
	return 0, fmt.Errorf("unknown filesystem type %q", s)
}

// Trailer is the metadata record appended to a firmware image.
//
// Magic, CRC32 and FSCRC32 are stored big-endian. FSLen and the 32-bit
// reserved words are stored little-endian, the host order of every known
// reference image; the format has never been observed from a big-endian
// producer, so this is kept as found rather than normalized.
type Trailer struct {
	Fill      [FillSize]byte
	Magic     uint32
	ImageType uint8
	Reserved1 uint8
	FSType    FSType
	Reserved2 uint8
	Reserved3 uint32
	Reserved4 uint32
	CRC32     uint32 // crc32(kernel+rootfs)
	Reserved5 uint32
	Reserved6 uint32
	FSCRC32   uint32 // crc32(rootfs)
	FSLen     uint32
	SHA256    [DigestSize]byte // mixed digest of kernel+rootfs
	Reserved7 uint32
	Reserved8 uint32
}

// New returns a zeroed trailer carrying the sentinel magic
func New() *Trailer {
	return &Trailer{Magic: Magic}
}

// Parse decodes a trailer from the first Size bytes of data
func Parse(data []byte) (*Trailer, error) {
	t := &Trailer{}
	if err := t.Unmarshal(data); err != nil {
		return nil, err
	}
	return t, nil
}

// HasValidMagic reports whether the trailer carries the sentinel magic
func (t *Trailer) HasValidMagic() bool {
	return t.Magic == Magic
}

// Marshal serializes the trailer to exactly Size bytes
func (t *Trailer) Marshal() []byte {
	buf := make([]byte, Size)
	// buf is always Size bytes long
	_ = t.MarshalTo(buf)
	return buf
}

// MarshalTo serializes the trailer into the first Size bytes of dst
func (t *Trailer) MarshalTo(dst []byte) error {
	if len(dst) < Size {
		return fmt.Errorf("%w: buffer of %d bytes, need %d", ErrMalformed, len(dst), Size)
	}
	buf := dst[:Size]

	copy(buf[offFill:offMagic], t.Fill[:])
	binary.BigEndian.PutUint32(buf[offMagic:], t.Magic)

	buf[offImageType] = t.ImageType
	buf[offReserved1] = t.Reserved1
	buf[offFSType] = byte(t.FSType)
	buf[offReserved2] = t.Reserved2

	binary.LittleEndian.PutUint32(buf[offReserved3:], t.Reserved3)
	binary.LittleEndian.PutUint32(buf[offReserved4:], t.Reserved4)
	binary.BigEndian.PutUint32(buf[offCRC32:], t.CRC32)
	binary.LittleEndian.PutUint32(buf[offReserved5:], t.Reserved5)
	binary.LittleEndian.PutUint32(buf[offReserved6:], t.Reserved6)
	binary.BigEndian.PutUint32(buf[offFSCRC32:], t.FSCRC32)
	binary.LittleEndian.PutUint32(buf[offFSLen:], t.FSLen)

	copy(buf[offSHA256:offReserved7], t.SHA256[:])

	binary.LittleEndian.PutUint32(buf[offReserved7:], t.Reserved7)
	binary.LittleEndian.PutUint32(buf[offReserved8:], t.Reserved8)

	return nil
}

// Unmarshal decodes the trailer from the first Size bytes of data.
// No semantic checks are made; magic and checksums are left to the caller.
func (t *Trailer) Unmarshal(data []byte) error {
	if len(data) < Size {
		return fmt.Errorf("%w: got %d bytes, need %d", ErrMalformed, len(data), Size)
	}

	copy(t.Fill[:], data[offFill:offMagic])
	t.Magic = binary.BigEndian.Uint32(data[offMagic:])

	t.ImageType = data[offImageType]
	t.Reserved1 = data[offReserved1]
	t.FSType = FSType(data[offFSType])
	t.Reserved2 = data[offReserved2]

	t.Reserved3 = binary.LittleEndian.Uint32(data[offReserved3:])
	t.Reserved4 = binary.LittleEndian.Uint32(data[offReserved4:])
	t.CRC32 = binary.BigEndian.Uint32(data[offCRC32:])
	t.Reserved5 = binary.LittleEndian.Uint32(data[offReserved5:])
	t.Reserved6 = binary.LittleEndian.Uint32(data[offReserved6:])
	t.FSCRC32 = binary.BigEndian.Uint32(data[offFSCRC32:])
	t.FSLen = binary.LittleEndian.Uint32(data[offFSLen:])

	copy(t.SHA256[:], data[offSHA256:offReserved7])

	t.Reserved7 = binary.LittleEndian.Uint32(data[offReserved7:])
	t.Reserved8 = binary.LittleEndian.Uint32(data[offReserved8:])

	return nil
}
