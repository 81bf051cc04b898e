// Package checksum implements the integrity primitives of the RAS firmware
// format: the standard CRC-32 used for the whole-image and rootfs checksums,
// and the two-stage "mixed" SHA-256 digest.
package checksum

import (
	"encoding/hex"
	"hash/crc32"

	"github.com/minio/sha256-simd"
)

const (
	// DigestSize is the size of a mixed digest in bytes
	DigestSize = sha256.Size

	// MixerToken is appended to the hex-encoded first-stage digest
	MixerToken = "MSTC_SHA256_MIXER"
)

var (
	// Reflected polynomial 0xEDB88320, shared by every caller.
	crc32Table = crc32.MakeTable(crc32.IEEE)
)

// CRC32 computes the CRC-32 (IEEE) of data
func CRC32(data []byte) uint32 {
	return crc32.Checksum(data, crc32Table)
}

// VerifyCRC32 verifies data against expected checksum
func VerifyCRC32(data []byte, expected uint32) bool {
	return CRC32(data) == expected
}

// MixedDigest computes SHA256(hex(SHA256(data)) + MixerToken).
// The hex string is lowercase and the second stage hashes exactly
// 2*DigestSize+len(MixerToken) bytes.
func MixedDigest(data []byte) [DigestSize]byte {
	first := sha256.Sum256(data)

	mixed := make([]byte, hex.EncodedLen(DigestSize), hex.EncodedLen(DigestSize)+len(MixerToken))
	hex.Encode(mixed, first[:])
	mixed = append(mixed, MixerToken...)

	return sha256.Sum256(mixed)
}

// VerifyMixedDigest reports whether the mixed digest of data equals expected
func VerifyMixedDigest(data []byte, expected [DigestSize]byte) bool {
	return MixedDigest(data) == expected
}
