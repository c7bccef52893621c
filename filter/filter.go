// Package filter provides composable predicates evaluated against
// (id, slot position) pairs during a search.
//
// Filters are immutable and safe to share between goroutines. Composites
// hold their children by reference; underlying id sets and bitvectors are
// never copied when composed.
package filter

import (
	"errors"
	"fmt"
	"strings"

	"github.com/RoaringBitmap/roaring/v2/roaring64"
	"github.com/bits-and-blooms/bitset"
)

// MaxDepth is the deepest composite nesting accepted by Validate.
const MaxDepth = 64

var (
	// ErrTooDeep is returned for filters nested deeper than MaxDepth.
	ErrTooDeep = errors.New("filter nesting exceeds maximum depth")

	// ErrNilFilter is returned when a composite contains a nil child.
	ErrNilFilter = errors.New("filter contains a nil child")
)

// Filter decides whether a candidate participates in a search.
type Filter interface {
	// Accepts reports whether the entry with the given id stored at slot
	// position pos passes the filter.
	Accepts(id int64, pos int) bool

	// Depth returns the nesting depth; leaves have depth 1.
	Depth() int

	fmt.Stringer

	valid() bool
}

// Validate checks that f is usable: no nil children and at most MaxDepth levels.
// A nil f is valid and accepts everything.
func Validate(f Filter) error {
	if f == nil {
		return nil
	}
	if !f.valid() {
		return ErrNilFilter
	}
	if d := f.Depth(); d > MaxDepth {
		return fmt.Errorf("%w: depth %d > %d", ErrTooDeep, d, MaxDepth)
	}
	return nil
}

type idRange struct {
	min, max int64
}

// IDRange accepts ids in the inclusive range [min, max].
func IDRange(min, max int64) Filter {
	return idRange{min: min, max: max}
}

func (f idRange) Accepts(id int64, _ int) bool { return id >= f.min && id <= f.max }
func (idRange) Depth() int                     { return 1 }
func (idRange) valid() bool                    { return true }
func (f idRange) String() string               { return fmt.Sprintf("id_range(%d, %d)", f.min, f.max) }

type idSet struct {
	ids *roaring64.Bitmap
}

// IDSet accepts the listed ids.
func IDSet(ids ...int64) Filter {
	bm := roaring64.New()
	for _, id := range ids {
		bm.Add(uint64(id))
	}
	bm.RunOptimize()
	return idSet{ids: bm}
}

// IDBitmap accepts ids contained in bm. The bitmap is shared, not copied, and
// must not be modified afterwards.
func IDBitmap(bm *roaring64.Bitmap) Filter {
	if bm == nil {
		bm = roaring64.New()
	}
	return idSet{ids: bm}
}

func (f idSet) Accepts(id int64, _ int) bool { return f.ids.Contains(uint64(id)) }
func (idSet) Depth() int                     { return 1 }
func (idSet) valid() bool                    { return true }
func (f idSet) String() string               { return fmt.Sprintf("id_set(%d ids)", f.ids.GetCardinality()) }

type boolean struct {
	bits *bitset.BitSet
	n    uint
}

// Boolean accepts slot positions whose bit is set. Positions beyond
// len(bits) are rejected.
func Boolean(bits []bool) Filter {
	bs := bitset.New(uint(len(bits)))
	for i, b := range bits {
		if b {
			bs.Set(uint(i))
		}
	}
	return boolean{bits: bs, n: uint(len(bits))}
}

// Bitset accepts slot positions set in bs, which covers n positions.
// The bitset is shared, not copied, and must not be modified afterwards.
func Bitset(bs *bitset.BitSet, n uint) Filter {
	if bs == nil {
		bs = bitset.New(0)
		n = 0
	}
	return boolean{bits: bs, n: n}
}

func (f boolean) Accepts(_ int64, pos int) bool {
	if pos < 0 || uint(pos) >= f.n {
		return false
	}
	return f.bits.Test(uint(pos))
}
func (boolean) Depth() int       { return 1 }
func (boolean) valid() bool      { return true }
func (f boolean) String() string { return fmt.Sprintf("boolean(%d/%d)", f.bits.Count(), f.n) }

type predicate struct {
	name string
	fn   func(id int64, pos int) bool
}

// Func wraps an arbitrary predicate. fn must be safe for concurrent use.
func Func(name string, fn func(id int64, pos int) bool) Filter {
	return predicate{name: name, fn: fn}
}

func (f predicate) Accepts(id int64, pos int) bool { return f.fn(id, pos) }
func (predicate) Depth() int                       { return 1 }
func (f predicate) valid() bool                    { return f.fn != nil }
func (f predicate) String() string                 { return "func(" + f.name + ")" }

type and struct {
	children []Filter
	depth    int
	ok       bool
}

// And accepts candidates accepted by every child. And() accepts everything.
func And(children ...Filter) Filter {
	d, ok := composite(children)
	return and{children: children, depth: d, ok: ok}
}

func (f and) Accepts(id int64, pos int) bool {
	for _, c := range f.children {
		if !c.Accepts(id, pos) {
			return false
		}
	}
	return true
}
func (f and) Depth() int     { return f.depth }
func (f and) valid() bool    { return f.ok }
func (f and) String() string { return "and(" + join(f.children) + ")" }

type or struct {
	children []Filter
	depth    int
	ok       bool
}

// Or accepts candidates accepted by at least one child. Or() accepts nothing.
func Or(children ...Filter) Filter {
	d, ok := composite(children)
	return or{children: children, depth: d, ok: ok}
}

func (f or) Accepts(id int64, pos int) bool {
	for _, c := range f.children {
		if c.Accepts(id, pos) {
			return true
		}
	}
	return false
}
func (f or) Depth() int     { return f.depth }
func (f or) valid() bool    { return f.ok }
func (f or) String() string { return "or(" + join(f.children) + ")" }

type not struct {
	child Filter
	depth int
	ok    bool
}

// Not negates child pointwise.
func Not(child Filter) Filter {
	d, ok := composite([]Filter{child})
	return not{child: child, depth: d, ok: ok}
}

func (f not) Accepts(id int64, pos int) bool { return !f.child.Accepts(id, pos) }
func (f not) Depth() int                     { return f.depth }
func (f not) valid() bool                    { return f.ok }
func (f not) String() string {
	if f.child == nil {
		return "not(<nil>)"
	}
	return "not(" + f.child.String() + ")"
}

// composite computes depth and validity once at construction so that
// Validate runs in constant time.
func composite(children []Filter) (depth int, ok bool) {
	ok = true
	for _, c := range children {
		if c == nil {
			ok = false
			continue
		}
		depth = max(depth, c.Depth())
		ok = ok && c.valid()
	}
	return depth + 1, ok
}

func join(fs []Filter) string {
	parts := make([]string, len(fs))
	for i, f := range fs {
		if f == nil {
			parts[i] = "<nil>"
			continue
		}
		parts[i] = f.String()
	}
	return strings.Join(parts, ", ")
}
