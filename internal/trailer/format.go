package trailer

import (
	"encoding/hex"
	"fmt"
)

// Field is a printable trailer field
type Field struct {
	Name  string `json:"name"`
	Value string `json:"value"`
}

// Fields returns every trailer field, reserved ones included, in display order.
// Integers are rendered in hexadecimal except for the filesystem length.
func (t *Trailer) Fields() []Field {
	return []Field{
		{"magic", fmt.Sprintf("0x%08X", t.Magic)},
		{"crc32", fmt.Sprintf("0x%08X", t.CRC32)},
		{"fs_crc32", fmt.Sprintf("0x%08X", t.FSCRC32)},
		{"fs_len", fmt.Sprintf("%d", t.FSLen)},
		{"fs_type", fmt.Sprintf("0x%02X (%s)", uint8(t.FSType), t.FSType)},
		{"image_type", fmt.Sprintf("0x%02X", t.ImageType)},
		{"sha256", hex.EncodeToString(t.SHA256[:])},
		{"reserved1", fmt.Sprintf("0x%02X", t.Reserved1)},
		{"reserved2", fmt.Sprintf("0x%02X", t.Reserved2)},
		{"reserved3", fmt.Sprintf("0x%08X", t.Reserved3)},
		{"reserved4", fmt.Sprintf("0x%08X", t.Reserved4)},
		{"reserved5", fmt.Sprintf("0x%08X", t.Reserved5)},
		{"reserved6", fmt.Sprintf("0x%08X", t.Reserved6)},
		{"reserved7", fmt.Sprintf("0x%08X", t.Reserved7)},
		{"reserved8", fmt.Sprintf("0x%08X", t.Reserved8)},
		{"fill", hex.EncodeToString(t.Fill[:])},
	}
}

// Summary is the JSON view of a trailer
type Summary struct {
	Magic     string   `json:"magic"`
	MagicOK   bool     `json:"magic_ok"`
	ImageType uint8    `json:"image_type"`
	FSType    string   `json:"fs_type"`
	FSTypeRaw uint8    `json:"fs_type_raw"`
	FSLen     uint32   `json:"fs_len"`
	CRC32     string   `json:"crc32"`
	FSCRC32   string   `json:"fs_crc32"`
	SHA256    string   `json:"sha256"`
	Reserved  []string `json:"reserved"`
}

// Summarize builds the JSON view of the trailer
func (t *Trailer) Summarize() Summary {
	return Summary{
		Magic:     fmt.Sprintf("0x%08X", t.Magic),
		MagicOK:   t.HasValidMagic(),
		ImageType: t.ImageType,
		FSType:    t.FSType.String(),
		FSTypeRaw: uint8(t.FSType),
		FSLen:     t.FSLen,
		CRC32:     fmt.Sprintf("0x%08X", t.CRC32),
		FSCRC32:   fmt.Sprintf("0x%08X", t.FSCRC32),
		SHA256:    hex.EncodeToString(t.SHA256[:]),
		Reserved: []string{
			fmt.Sprintf("0x%02X", t.Reserved1),
			fmt.Sprintf("0x%02X", t.Reserved2),
			fmt.Sprintf("0x%08X", t.Reserved3),
			fmt.Sprintf("0x%08X", t.Reserved4),
			fmt.Sprintf("0x%08X", t.Reserved5),
			fmt.Sprintf("0x%08X", t.Reserved6),
			fmt.Sprintf("0x%08X", t.Reserved7),
			fmt.Sprintf("0x%08X", t.Reserved8),
		},
	}
}
