package checksum

import (
	"crypto/sha256"
	"encoding/hex"
	"hash/crc32"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestCRC32(t *testing.T) {
	tests := []struct {
		name     string
		data     []byte
		expected uint32
	}{
		{"empty", nil, 0x00000000},
		{"check string", []byte("123456789"), 0xCBF43926},
		{"rootfs fill", []byte{0x42, 0x42, 0x42, 0x42, 0x42}, 0xFC8F3817},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expected, CRC32(tt.data))
			assert.True(t, VerifyCRC32(tt.data, tt.expected))
		})
	}
}

func TestCRC32MatchesReferenceTable(t *testing.T) {
	// First entries of the classic table for polynomial 0xEDB88320
	expected := []uint32{0x00000000, 0x77073096, 0xee0e612c, 0x990951ba, 0x076dc419, 0x706af48f}
	for i, v := range expected {
		assert.Equal(t, v, crc32Table[i], "table entry %d", i)
	}
	assert.Equal(t, crc32.IEEE, 0xedb88320)
}

func TestMixedDigestKnownAnswers(t *testing.T) {
	tests := []struct {
		name     string
		data     []byte
		expected string
	}{
		{"empty", []byte{}, "53cc08df6481f687b5892140f5265bbdc946ae9f1b18494df1351a4c293fcbe6"},
		{"abc", []byte("abc"), "076bfca965205101afd81bbe16920958fb9eb631e46e384a4c1def1f7fc56715"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			digest := MixedDigest(tt.data)
			assert.Equal(t, tt.expected, hex.EncodeToString(digest[:]))
		})
	}
}

func TestMixedDigestDeterministic(t *testing.T) {
	data := []byte("firmware body")

	first := MixedDigest(data)
	second := MixedDigest(append([]byte(nil), data...))
	assert.Equal(t, first, second)
	assert.True(t, VerifyMixedDigest(data, first))

	other := MixedDigest([]byte("firmware bodz"))
	assert.NotEqual(t, first, other)
	assert.False(t, VerifyMixedDigest([]byte("firmware bodz"), first))
}

func TestMixedDigestIsNotPlainDoubleHash(t *testing.T) {
	data := []byte("abc")

	inner := sha256.Sum256(data)
	double := sha256.Sum256(inner[:])
	hexOnly := sha256.Sum256([]byte(hex.EncodeToString(inner[:])))

	digest := MixedDigest(data)
	assert.NotEqual(t, double, digest)
	assert.NotEqual(t, hexOnly, digest)

	withToken := sha256.Sum256([]byte(hex.EncodeToString(inner[:]) + MixerToken))
	assert.Equal(t, withToken, digest)
}
