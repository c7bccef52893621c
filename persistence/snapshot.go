package persistence

import (
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/hupe1980/annie/codec"
	"github.com/hupe1980/annie/distance"
	"github.com/hupe1980/annie/internal/conv"
	"github.com/hupe1980/annie/internal/resource"
	"github.com/hupe1980/annie/internal/store"
)

// DefaultBlockSize is the raw size at which a body block is flushed.
const DefaultBlockSize = 1 << 20

// maxMetaLength bounds the metadata section accepted on read.
const maxMetaLength = 1 << 20

const cancelCheckInterval = 4096

// ErrInvalidSnapshot is returned when a snapshot cannot be written as given.
var ErrInvalidSnapshot = errors.New("invalid snapshot")

// Snapshot is the in-memory form of a snapshot file.
type Snapshot struct {
	Dimension int

	// Version is the store mutation counter at save time.
	Version uint64

	Meta Meta

	// Slots holds every slot in order; nil marks a tombstone.
	Slots []*store.Entry
}

// LiveCount returns the number of non-tombstone slots.
func (s *Snapshot) LiveCount() int {
	n := 0
	for _, e := range s.Slots {
		if e != nil {
			n++
		}
	}
	return n
}

// Options configures snapshot encoding and IO.
type Options struct {
	// Compression is applied to body blocks on write. Reads use the header.
	Compression Compression

	// Codec encodes the metadata section on write.
	Codec codec.Codec

	// Controller throttles snapshot IO through its transfer budget.
	Controller *resource.Controller

	// BlockSize is the raw block flush size.
	BlockSize int
}

// Option configures Options.
type Option func(*Options)

// WithCompression sets the body compression.
func WithCompression(c Compression) Option {
	return func(o *Options) { o.Compression = c }
}

// WithCodec sets the metadata codec.
func WithCodec(c codec.Codec) Option {
	return func(o *Options) { o.Codec = c }
}

// WithController throttles IO through c.
func WithController(c *resource.Controller) Option {
	return func(o *Options) { o.Controller = c }
}

// WithBlockSize sets the raw block flush size.
func WithBlockSize(n int) Option {
	return func(o *Options) { o.BlockSize = n }
}

func applyOptions(optFns []Option) Options {
	opts := Options{
		Compression: CompressionNone,
		Codec:       codec.Default,
		BlockSize:   DefaultBlockSize,
	}
	for _, fn := range optFns {
		fn(&opts)
	}
	if opts.Codec == nil {
		opts.Codec = codec.Default
	}
	if opts.BlockSize <= 0 {
		opts.BlockSize = DefaultBlockSize
	}
	return opts
}

// Write encodes snap to w.
func Write(ctx context.Context, w io.Writer, snap *Snapshot, optFns ...Option) error {
	opts := applyOptions(optFns)
	if !opts.Compression.Valid() {
		return fmt.Errorf("%w: %d", ErrInvalidCompression, opts.Compression)
	}
	if snap.Dimension <= 0 {
		return fmt.Errorf("%w: dimension %d", ErrInvalidSnapshot, snap.Dimension)
	}

	meta, err := opts.Codec.Marshal(snap.Meta)
	if err != nil {
		return fmt.Errorf("encode meta: %w", err)
	}

	dim, err := conv.IntToUint32(snap.Dimension)
	if err != nil {
		return fmt.Errorf("%w: dimension: %w", ErrInvalidSnapshot, err)
	}
	metaLen, err := conv.IntToUint32(len(meta))
	if err != nil {
		return fmt.Errorf("%w: meta: %w", ErrInvalidSnapshot, err)
	}

	header := FileHeader{
		Compression:  opts.Compression,
		Dimension:    dim,
		SlotCount:    uint64(len(snap.Slots)),
		LiveCount:    uint64(snap.LiveCount()),
		StoreVersion: snap.Version,
		MetaLength:   metaLen,
	}
	if err := header.setCodecName(opts.Codec.Name()); err != nil {
		return err
	}

	out := throttleWriter(ctx, w, opts.Controller)
	cw := NewChecksumWriter(out)

	if err := NewBinaryWriter(cw).WriteHeader(&header); err != nil {
		return err
	}
	if _, err := cw.Write(meta); err != nil {
		return err
	}

	blocks := newBlockWriter(cw, opts.Compression)
	buf := make([]byte, 0, opts.BlockSize+1+8+snap.Dimension*4)

	for i, e := range snap.Slots {
		if i%cancelCheckInterval == 0 {
			if err := ctx.Err(); err != nil {
				return err
			}
		}
		if e != nil && len(e.Vector) != snap.Dimension {
			return fmt.Errorf("%w: slot %d has dimension %d, want %d", ErrInvalidSnapshot, i, len(e.Vector), snap.Dimension)
		}
		if buf, err = appendRecord(buf, e); err != nil {
			return err
		}
		if len(buf) >= opts.BlockSize {
			if err := blocks.writeBlock(buf); err != nil {
				return err
			}
			buf = buf[:0]
		}
	}
	if err := blocks.writeBlock(buf); err != nil {
		return err
	}
	if err := blocks.close(); err != nil {
		return err
	}

	return NewBinaryWriter(out).WriteUint32(cw.Sum())
}

// ReadInfo reads only the header and metadata section of a snapshot.
func ReadInfo(r io.Reader) (*FileHeader, Meta, error) {
	return readPreamble(r)
}

func readPreamble(r io.Reader) (*FileHeader, Meta, error) {
	var meta Meta

	header, err := NewBinaryReader(r).ReadHeader()
	if err != nil {
		return nil, meta, err
	}
	if header.Dimension == 0 {
		return nil, meta, fmt.Errorf("%w: zero dimension", ErrCorrupt)
	}
	if header.LiveCount > header.SlotCount {
		return nil, meta, fmt.Errorf("%w: %d live of %d slots", ErrCorrupt, header.LiveCount, header.SlotCount)
	}
	if header.MetaLength > maxMetaLength {
		return nil, meta, fmt.Errorf("%w: metadata of %d bytes", ErrCorrupt, header.MetaLength)
	}

	c, ok := codec.ByName(header.CodecName())
	if !ok {
		return nil, meta, fmt.Errorf("%w: %q", ErrUnknownCodec, header.CodecName())
	}

	raw := make([]byte, header.MetaLength)
	if _, err := io.ReadFull(r, raw); err != nil {
		return nil, meta, fmt.Errorf("%w: metadata: %w", ErrCorrupt, err)
	}
	if err := c.Unmarshal(raw, &meta); err != nil {
		return nil, meta, fmt.Errorf("%w: metadata: %w", ErrCorrupt, err)
	}
	return header, meta, nil
}

// Read decodes a snapshot from r and verifies its checksum. Squared norms
// of live entries are recomputed.
func Read(ctx context.Context, r io.Reader, optFns ...Option) (*Snapshot, error) {
	opts := applyOptions(optFns)

	in := throttleReader(ctx, r, opts.Controller)
	cr := NewChecksumReader(in)

	header, meta, err := readPreamble(cr)
	if err != nil {
		return nil, err
	}

	dim := int(header.Dimension)
	slotCount, err := conv.Uint64ToInt(header.SlotCount)
	if err != nil {
		return nil, fmt.Errorf("%w: slot count: %w", ErrCorrupt, err)
	}
	snap := &Snapshot{
		Dimension: dim,
		Version:   header.StoreVersion,
		Meta:      meta,
		Slots:     make([]*store.Entry, 0, min(slotCount, 1<<20)),
	}

	blocks := newBlockReader(cr, header.Compression)
	live := uint64(0)
	for {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		block, err := blocks.next()
		if err != nil {
			return nil, err
		}
		if block == nil {
			break
		}
		for off := 0; off < len(block); {
			e, n, err := decodeRecord(block[off:], dim)
			if err != nil {
				return nil, err
			}
			off += n
			if len(snap.Slots) >= slotCount {
				return nil, fmt.Errorf("%w: more than %d slots", ErrCorrupt, header.SlotCount)
			}
			if e != nil {
				e.SquaredNorm = distance.SquaredNorm(e.Vector)
				live++
			}
			snap.Slots = append(snap.Slots, e)
		}
	}

	if len(snap.Slots) != slotCount || live != header.LiveCount {
		return nil, fmt.Errorf("%w: read %d slots (%d live), header says %d (%d live)",
			ErrCorrupt, len(snap.Slots), live, header.SlotCount, header.LiveCount)
	}

	expected, err := NewBinaryReader(in).ReadUint32()
	if err != nil {
		return nil, fmt.Errorf("%w: trailer: %w", ErrCorrupt, err)
	}
	if err := cr.Verify(expected); err != nil {
		return nil, err
	}
	return snap, nil
}

type throttledWriter struct {
	ctx  context.Context
	w    io.Writer
	ctrl *resource.Controller
}

func (t *throttledWriter) Write(p []byte) (int, error) {
	if err := t.ctrl.AcquireTransfer(t.ctx, len(p)); err != nil {
		return 0, err
	}
	return t.w.Write(p)
}

type throttledReader struct {
	ctx  context.Context
	r    io.Reader
	ctrl *resource.Controller
}

func (t *throttledReader) Read(p []byte) (int, error) {
	n, err := t.r.Read(p)
	if n > 0 {
		if werr := t.ctrl.AcquireTransfer(t.ctx, n); werr != nil {
			return n, werr
		}
	}
	return n, err
}

func throttleWriter(ctx context.Context, w io.Writer, ctrl *resource.Controller) io.Writer {
	if ctrl == nil {
		return w
	}
	return &throttledWriter{ctx: ctx, w: w, ctrl: ctrl}
}

func throttleReader(ctx context.Context, r io.Reader, ctrl *resource.Controller) io.Reader {
	if ctrl == nil {
		return r
	}
	return &throttledReader{ctx: ctx, r: r, ctrl: ctrl}
}
