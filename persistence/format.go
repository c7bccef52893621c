package persistence

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

const (
	// MagicNumber identifies snapshot files (ASCII: "ANN1").
	MagicNumber = 0x414E4E31
	// Version is the current file format version (v1.0.0).
	Version = 0x00010000

	// HeaderSize is the encoded size of FileHeader.
	HeaderSize = 64

	codecNameSize = 12
)

var (
	ErrInvalidMagic       = errors.New("invalid magic number")
	ErrInvalidVersion     = errors.New("unsupported version")
	ErrInvalidCompression = errors.New("unknown compression")
	ErrUnknownCodec       = errors.New("unknown codec")
	ErrCorrupt            = errors.New("corrupt snapshot")
)

// Compression selects how body blocks are stored.
type Compression uint8

const (
	// CompressionNone stores blocks as-is.
	CompressionNone Compression = 0
	// CompressionLZ4 uses LZ4 block compression (fast).
	CompressionLZ4 Compression = 1
	// CompressionZstd uses zstd (better ratio).
	CompressionZstd Compression = 2
)

func (c Compression) String() string {
	switch c {
	case CompressionNone:
		return "none"
	case CompressionLZ4:
		return "lz4"
	case CompressionZstd:
		return "zstd"
	default:
		return fmt.Sprintf("compression(%d)", uint8(c))
	}
}

// Valid reports whether c is a known compression.
func (c Compression) Valid() bool { return c <= CompressionZstd }

// ParseCompression parses "none", "lz4" or "zstd".
func ParseCompression(s string) (Compression, error) {
	switch strings.ToLower(s) {
	case "", "none":
		return CompressionNone, nil
	case "lz4":
		return CompressionLZ4, nil
	case "zstd":
		return CompressionZstd, nil
	default:
		return 0, fmt.Errorf("%w: %q", ErrInvalidCompression, s)
	}
}

// FileHeader is the 64-byte header at the start of every snapshot.
type FileHeader struct {
	Magic        uint32 // 0x414E4E31 ("ANN1")
	Version      uint32 // File format version
	Compression  Compression
	Padding      [3]byte
	Dimension    uint32
	SlotCount    uint64 // Slots including tombstones
	LiveCount    uint64
	StoreVersion uint64 // Mutation counter at save time
	MetaLength   uint32
	Codec        [codecNameSize]byte // Zero-padded codec name
	Reserved     [8]byte
}

// CodecName returns the codec name stored in the header.
func (h *FileHeader) CodecName() string {
	return strings.TrimRight(string(h.Codec[:]), "\x00")
}

func (h *FileHeader) setCodecName(name string) error {
	if len(name) > codecNameSize {
		return fmt.Errorf("%w: name %q too long", ErrUnknownCodec, name)
	}
	h.Codec = [codecNameSize]byte{}
	copy(h.Codec[:], name)
	return nil
}

// Meta is the codec-encoded metadata section.
type Meta struct {
	// Metric is the metric name ("euclidean", "minkowski", a custom name, ...).
	Metric string `json:"metric"`

	// P is the Minkowski exponent; zero for other metrics.
	P float64 `json:"p,omitempty"`

	MaxDeletedRatio float64   `json:"max_deleted_ratio"`
	CreatedAt       time.Time `json:"created_at"`
}
