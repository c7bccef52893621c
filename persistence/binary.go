package persistence

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"io"
	"math/rand/v2"
	"os"
	"path/filepath"
	"unsafe"

	"github.com/hupe1980/annie/internal/fs"
	"github.com/hupe1980/annie/internal/store"
)

const (
	recordTombstone byte = 0
	recordLive      byte = 1
)

// BinaryWriter writes the fixed-size parts of a snapshot.
type BinaryWriter struct {
	w         io.Writer
	byteOrder binary.ByteOrder
}

// NewBinaryWriter creates a new binary writer.
func NewBinaryWriter(w io.Writer) *BinaryWriter {
	return &BinaryWriter{w: w, byteOrder: binary.LittleEndian}
}

// WriteHeader stamps magic and version and writes the file header.
func (bw *BinaryWriter) WriteHeader(header *FileHeader) error {
	header.Magic = MagicNumber
	header.Version = Version
	return binary.Write(bw.w, bw.byteOrder, header)
}

// WriteUint32 writes a single little-endian uint32.
func (bw *BinaryWriter) WriteUint32(v uint32) error {
	return binary.Write(bw.w, bw.byteOrder, v)
}

// BinaryReader reads the fixed-size parts of a snapshot.
type BinaryReader struct {
	r         io.Reader
	byteOrder binary.ByteOrder
}

// NewBinaryReader creates a new binary reader.
func NewBinaryReader(r io.Reader) *BinaryReader {
	return &BinaryReader{r: r, byteOrder: binary.LittleEndian}
}

// ReadHeader reads and validates the file header.
func (br *BinaryReader) ReadHeader() (*FileHeader, error) {
	var header FileHeader
	if err := binary.Read(br.r, br.byteOrder, &header); err != nil {
		return nil, err
	}
	if header.Magic != MagicNumber {
		return nil, fmt.Errorf("%w: got 0x%08x", ErrInvalidMagic, header.Magic)
	}
	if header.Version != Version {
		return nil, fmt.Errorf("%w: got 0x%08x", ErrInvalidVersion, header.Version)
	}
	if !header.Compression.Valid() {
		return nil, fmt.Errorf("%w: %d", ErrInvalidCompression, header.Compression)
	}
	return &header, nil
}

// ReadUint32 reads a single little-endian uint32.
func (br *BinaryReader) ReadUint32() (uint32, error) {
	var v uint32
	err := binary.Read(br.r, br.byteOrder, &v)
	return v, err
}

// appendRecord encodes one slot. Live slots carry their id and raw vector.
func appendRecord(dst []byte, e *store.Entry) ([]byte, error) {
	if e == nil {
		return append(dst, recordTombstone), nil
	}
	if err := validateFloat32SliceAlignment(e.Vector); err != nil {
		return nil, err
	}
	dst = append(dst, recordLive)
	dst = binary.LittleEndian.AppendUint64(dst, uint64(e.ID))
	if len(e.Vector) > 0 {
		dst = append(dst, unsafe.Slice((*byte)(unsafe.Pointer(&e.Vector[0])), len(e.Vector)*4)...)
	}
	return dst, nil
}

// decodeRecord decodes one slot from src and returns the bytes consumed.
func decodeRecord(src []byte, dim int) (*store.Entry, int, error) {
	if len(src) == 0 {
		return nil, 0, fmt.Errorf("%w: truncated record", ErrCorrupt)
	}
	switch src[0] {
	case recordTombstone:
		return nil, 1, nil
	case recordLive:
	default:
		return nil, 0, fmt.Errorf("%w: bad record flag %d", ErrCorrupt, src[0])
	}

	size := 1 + 8 + dim*4
	if len(src) < size {
		return nil, 0, fmt.Errorf("%w: truncated record", ErrCorrupt)
	}
	id := int64(binary.LittleEndian.Uint64(src[1:9]))
	vec := make([]float32, dim)
	copy(unsafe.Slice((*byte)(unsafe.Pointer(&vec[0])), dim*4), src[9:size])
	return &store.Entry{ID: id, Vector: vec}, size, nil
}

// SaveToFile writes through writeFunc into a temp file next to filename and
// atomically renames it into place.
func SaveToFile(filename string, writeFunc func(io.Writer) error) error {
	return SaveToFileFS(fs.Default, filename, writeFunc)
}

// SaveToFileFS is SaveToFile on fsys. On any failure the temp file is
// removed and an existing filename is left untouched.
func SaveToFileFS(fsys fs.FileSystem, filename string, writeFunc func(io.Writer) error) error {
	dir := filepath.Dir(filename)
	tmpName := filepath.Join(dir, fmt.Sprintf("%s.tmp-%016x", filepath.Base(filename), rand.Uint64()))

	tmp, err := fsys.OpenFile(tmpName, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o644)
	if err != nil {
		return err
	}
	closed := false
	defer func() {
		if !closed {
			_ = tmp.Close()
		}
		if tmpName != "" {
			_ = fsys.Remove(tmpName)
		}
	}()

	buf := bufio.NewWriterSize(tmp, 256*1024)
	if err := writeFunc(buf); err != nil {
		return err
	}
	if err := buf.Flush(); err != nil {
		return err
	}
	if err := tmp.Sync(); err != nil {
		return err
	}
	closed = true
	if err := tmp.Close(); err != nil {
		return err
	}

	if err := fsys.Rename(tmpName, filename); err != nil {
		return err
	}
	tmpName = ""

	// Best-effort: fsync the directory so the rename is durable on POSIX.
	if d, err := fsys.Open(dir); err == nil {
		_ = d.Sync()
		_ = d.Close()
	}
	return nil
}

// LoadFromFile opens filename and hands a buffered reader to readFunc.
func LoadFromFile(filename string, readFunc func(io.Reader) error) error {
	f, err := fs.Default.Open(filename)
	if err != nil {
		return err
	}
	defer f.Close()

	return readFunc(bufio.NewReaderSize(f, 256*1024))
}
