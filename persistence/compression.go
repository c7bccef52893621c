package persistence

import (
	"encoding/binary"
	"fmt"
	"io"
	"sync"

	"github.com/klauspost/compress/zstd"
	"github.com/pierrec/lz4/v4"
)

// Body blocks are framed as [RawSize uint32][StoredSize uint32][Data...].
// StoredSize 0 means the data is stored uncompressed. RawSize 0 ends the body.
const blockHeaderSize = 8

// maxBlockSize bounds a single decoded block.
const maxBlockSize = 256 << 20

var (
	zstdEncoderPool sync.Pool
	zstdDecoderPool sync.Pool
)

func getZstdEncoder() *zstd.Encoder {
	if v := zstdEncoderPool.Get(); v != nil {
		return v.(*zstd.Encoder)
	}
	enc, _ := zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
	return enc
}

func putZstdEncoder(enc *zstd.Encoder) { zstdEncoderPool.Put(enc) }

func getZstdDecoder() *zstd.Decoder {
	if v := zstdDecoderPool.Get(); v != nil {
		return v.(*zstd.Decoder)
	}
	dec, _ := zstd.NewReader(nil)
	return dec
}

func putZstdDecoder(dec *zstd.Decoder) { zstdDecoderPool.Put(dec) }

type blockWriter struct {
	w           io.Writer
	compression Compression
	scratch     []byte
}

func newBlockWriter(w io.Writer, c Compression) *blockWriter {
	return &blockWriter{w: w, compression: c}
}

// writeBlock frames data, compressing it when that saves space.
func (bw *blockWriter) writeBlock(data []byte) error {
	if len(data) == 0 {
		return nil
	}
	if len(data) > maxBlockSize {
		return fmt.Errorf("block of %d bytes exceeds %d", len(data), maxBlockSize)
	}

	stored, err := bw.compress(data)
	if err != nil {
		return err
	}

	var hdr [blockHeaderSize]byte
	binary.LittleEndian.PutUint32(hdr[0:], uint32(len(data)))
	if stored == nil {
		stored = data
	} else {
		binary.LittleEndian.PutUint32(hdr[4:], uint32(len(stored)))
	}

	if _, err := bw.w.Write(hdr[:]); err != nil {
		return err
	}
	_, err = bw.w.Write(stored)
	return err
}

// compress returns nil when data should be stored raw.
func (bw *blockWriter) compress(data []byte) ([]byte, error) {
	var out []byte
	switch bw.compression {
	case CompressionLZ4:
		bw.scratch = grow(bw.scratch, lz4.CompressBlockBound(len(data)))
		n, err := lz4.CompressBlock(data, bw.scratch, nil)
		if err != nil {
			return nil, err
		}
		out = bw.scratch[:n]
	case CompressionZstd:
		enc := getZstdEncoder()
		bw.scratch = enc.EncodeAll(data, bw.scratch[:0])
		putZstdEncoder(enc)
		out = bw.scratch
	default:
		return nil, nil
	}

	if len(out) == 0 || len(out) >= len(data) {
		return nil, nil
	}
	return out, nil
}

// close writes the end-of-body marker.
func (bw *blockWriter) close() error {
	var hdr [blockHeaderSize]byte
	_, err := bw.w.Write(hdr[:])
	return err
}

type blockReader struct {
	r           io.Reader
	compression Compression
	stored      []byte
	raw         []byte
}

func newBlockReader(r io.Reader, c Compression) *blockReader {
	return &blockReader{r: r, compression: c}
}

// next returns the next decoded block, or nil at the end of the body. The
// returned slice is reused by the following call.
func (br *blockReader) next() ([]byte, error) {
	var hdr [blockHeaderSize]byte
	if _, err := io.ReadFull(br.r, hdr[:]); err != nil {
		return nil, fmt.Errorf("%w: block header: %w", ErrCorrupt, err)
	}
	rawSize := binary.LittleEndian.Uint32(hdr[0:])
	storedSize := binary.LittleEndian.Uint32(hdr[4:])
	if rawSize == 0 {
		return nil, nil
	}
	if rawSize > maxBlockSize || storedSize > rawSize {
		return nil, fmt.Errorf("%w: block sizes %d/%d", ErrCorrupt, rawSize, storedSize)
	}

	if storedSize == 0 {
		br.raw = grow(br.raw, int(rawSize))
		if _, err := io.ReadFull(br.r, br.raw); err != nil {
			return nil, fmt.Errorf("%w: block data: %w", ErrCorrupt, err)
		}
		return br.raw, nil
	}

	br.stored = grow(br.stored, int(storedSize))
	if _, err := io.ReadFull(br.r, br.stored); err != nil {
		return nil, fmt.Errorf("%w: block data: %w", ErrCorrupt, err)
	}

	var (
		out []byte
		err error
	)
	switch br.compression {
	case CompressionLZ4:
		br.raw = grow(br.raw, int(rawSize))
		var n int
		n, err = lz4.UncompressBlock(br.stored, br.raw)
		out = br.raw[:max(n, 0)]
	case CompressionZstd:
		dec := getZstdDecoder()
		out, err = dec.DecodeAll(br.stored, br.raw[:0])
		putZstdDecoder(dec)
		br.raw = out
	default:
		return nil, fmt.Errorf("%w: compressed block in uncompressed snapshot", ErrCorrupt)
	}
	if err != nil {
		return nil, fmt.Errorf("%w: decompress: %w", ErrCorrupt, err)
	}
	if len(out) != int(rawSize) {
		return nil, fmt.Errorf("%w: block decoded to %d bytes, want %d", ErrCorrupt, len(out), rawSize)
	}
	return out, nil
}

// grow returns b resized to n, reallocating only when capacity is short.
func grow(b []byte, n int) []byte {
	if cap(b) < n {
		return make([]byte, n)
	}
	return b[:n]
}
