// Package store implements the versioned, tombstone-capable vector store
// backing an index.
//
// Store is not synchronized for writers: callers serialize mutations and
// exclude readers while mutating. Version may be read concurrently.
package store

import (
	"errors"
	"fmt"
	"slices"
	"sync/atomic"

	"github.com/hupe1980/annie/distance"
)

// DefaultChunkSize is the number of rows applied between progress callbacks.
const DefaultChunkSize = 1000

// DefaultMaxDeletedRatio triggers compaction once more than 20% of slots are tombstones.
const DefaultMaxDeletedRatio = 0.2

var (
	// ErrInvalidDimension is returned for dim <= 0.
	ErrInvalidDimension = errors.New("dimension must be positive")

	// ErrInputLengthMismatch is returned when vectors and ids differ in length.
	ErrInputLengthMismatch = errors.New("vectors and ids must have the same length")

	// ErrNotFound is returned when updating an id that is not live.
	ErrNotFound = errors.New("id not found")

	// ErrInvalidRatio is returned for a deleted ratio outside [0, 1].
	ErrInvalidRatio = errors.New("max deleted ratio must be within [0, 1]")
)

// Entry is a stored vector with its cached squared norm.
type Entry struct {
	ID          int64
	Vector      []float32
	SquaredNorm float32
}

// Limits bounds the store against oversized requests.
type Limits struct {
	MaxDimension int
	MaxBatchSize int
	MaxVectors   int
}

// ErrDimensionMismatch indicates a vector whose length differs from the store dimension.
type ErrDimensionMismatch struct {
	Expected int
	Actual   int
	Row      int
}

func (e *ErrDimensionMismatch) Error() string {
	if e.Row >= 0 {
		return fmt.Sprintf("dimension mismatch at row %d: expected %d, got %d", e.Row, e.Expected, e.Actual)
	}
	return fmt.Sprintf("dimension mismatch: expected %d, got %d", e.Expected, e.Actual)
}

// ErrLimitExceeded indicates a request above an administrative ceiling.
type ErrLimitExceeded struct {
	What   string
	Limit  int
	Actual int
}

func (e *ErrLimitExceeded) Error() string {
	return fmt.Sprintf("%s %d exceeds limit %d", e.What, e.Actual, e.Limit)
}

// ErrDuplicateID reports an id that already exists or repeats within a batch.
type ErrDuplicateID struct {
	ID      int64
	InBatch bool
}

func (e *ErrDuplicateID) Error() string {
	if e.InBatch {
		return fmt.Sprintf("duplicate id %d within batch", e.ID)
	}
	return fmt.Sprintf("duplicate id %d already present", e.ID)
}

// Store holds entries in a slot array. Removed entries leave a nil slot
// until compaction rewrites the array.
type Store struct {
	dim    int
	limits Limits

	slots           []*Entry
	byID            map[int64]int
	deleted         int
	maxDeletedRatio float64

	version atomic.Uint64
}

// New creates an empty store for vectors of length dim.
func New(dim int, limits Limits) (*Store, error) {
	if dim <= 0 {
		return nil, fmt.Errorf("%w: %d", ErrInvalidDimension, dim)
	}
	if limits.MaxDimension > 0 && dim > limits.MaxDimension {
		return nil, &ErrLimitExceeded{What: "dimension", Limit: limits.MaxDimension, Actual: dim}
	}
	return &Store{
		dim:             dim,
		limits:          limits,
		byID:            make(map[int64]int),
		maxDeletedRatio: DefaultMaxDeletedRatio,
	}, nil
}

// Dim returns the vector dimension.
func (s *Store) Dim() int { return s.dim }

// Len returns the number of live entries.
func (s *Store) Len() int { return len(s.slots) - s.deleted }

// Capacity returns the number of slots, including tombstones.
func (s *Store) Capacity() int { return len(s.slots) }

// DeletedCount returns the number of tombstones.
func (s *Store) DeletedCount() int { return s.deleted }

// Version returns the mutation counter. Safe for concurrent use.
func (s *Store) Version() uint64 { return s.version.Load() }

// MaxDeletedRatio returns the auto-compaction threshold.
func (s *Store) MaxDeletedRatio() float64 { return s.maxDeletedRatio }

// Slots returns the slot array. Nil elements are tombstones. The slice must
// not be modified and is only valid until the next mutation.
func (s *Store) Slots() []*Entry { return s.slots }

// Get returns the live entry for id.
func (s *Store) Get(id int64) (*Entry, bool) {
	slot, ok := s.byID[id]
	if !ok {
		return nil, false
	}
	return s.slots[slot], true
}

// Add inserts a batch atomically.
func (s *Store) Add(vectors [][]float32, ids []int64) error {
	return s.AddChunked(vectors, ids, 0, nil)
}

// AddChunked validates the whole batch, then applies it in chunks of
// chunkSize rows, calling progress(applied, total) after each chunk.
//
// Validation failures leave the store unchanged. If progress returns an
// error, the chunks applied so far stay committed and the error is returned.
// The version is bumped once whenever the batch is accepted, so an empty
// batch counts as a mutation just like Remove of unknown ids.
func (s *Store) AddChunked(vectors [][]float32, ids []int64, chunkSize int, progress func(done, total int) error) error {
	if err := s.validateBatch(vectors, ids); err != nil {
		return err
	}
	if len(vectors) == 0 {
		s.version.Add(1)
		return nil
	}
	if chunkSize <= 0 {
		chunkSize = DefaultChunkSize
	}

	total := len(vectors)
	s.slots = slices.Grow(s.slots, total)

	applied := 0
	defer func() {
		if applied > 0 {
			s.version.Add(1)
		}
	}()

	for start := 0; start < total; start += chunkSize {
		end := min(start+chunkSize, total)
		for i := start; i < end; i++ {
			s.append(ids[i], vectors[i])
		}
		applied = end

		if progress != nil {
			if err := progress(end, total); err != nil {
				return err
			}
		}
	}
	return nil
}

func (s *Store) validateBatch(vectors [][]float32, ids []int64) error {
	if len(vectors) != len(ids) {
		return fmt.Errorf("%w: %d vectors, %d ids", ErrInputLengthMismatch, len(vectors), len(ids))
	}
	if s.limits.MaxBatchSize > 0 && len(vectors) > s.limits.MaxBatchSize {
		return &ErrLimitExceeded{What: "batch size", Limit: s.limits.MaxBatchSize, Actual: len(vectors)}
	}
	if s.limits.MaxVectors > 0 && s.Len()+len(vectors) > s.limits.MaxVectors {
		return &ErrLimitExceeded{What: "vector count", Limit: s.limits.MaxVectors, Actual: s.Len() + len(vectors)}
	}

	seen := make(map[int64]struct{}, len(ids))
	for i, v := range vectors {
		if len(v) != s.dim {
			return &ErrDimensionMismatch{Expected: s.dim, Actual: len(v), Row: i}
		}
		id := ids[i]
		if _, ok := s.byID[id]; ok {
			return &ErrDuplicateID{ID: id}
		}
		if _, ok := seen[id]; ok {
			return &ErrDuplicateID{ID: id, InBatch: true}
		}
		seen[id] = struct{}{}
	}
	return nil
}

func (s *Store) append(id int64, v []float32) {
	vec := slices.Clone(v)
	s.byID[id] = len(s.slots)
	s.slots = append(s.slots, &Entry{ID: id, Vector: vec, SquaredNorm: distance.SquaredNorm(vec)})
}

// Remove tombstones the given ids. Unknown ids are ignored. If the share of
// tombstones exceeds the configured ratio the store is compacted in the same
// call. Returns the number of entries removed.
func (s *Store) Remove(ids []int64) int {
	removed := 0
	for _, id := range ids {
		slot, ok := s.byID[id]
		if !ok {
			continue
		}
		s.slots[slot] = nil
		delete(s.byID, id)
		s.deleted++
		removed++
	}
	if s.shouldCompact() {
		s.compact()
	}
	s.version.Add(1)
	return removed
}

// Update replaces the vector stored under id.
func (s *Store) Update(id int64, v []float32) error {
	if len(v) != s.dim {
		return &ErrDimensionMismatch{Expected: s.dim, Actual: len(v), Row: -1}
	}
	slot, ok := s.byID[id]
	if !ok {
		return fmt.Errorf("%w: %d", ErrNotFound, id)
	}
	vec := slices.Clone(v)
	s.slots[slot] = &Entry{ID: id, Vector: vec, SquaredNorm: distance.SquaredNorm(vec)}
	s.version.Add(1)
	return nil
}

// Compact rewrites the slot array to hold only live entries.
func (s *Store) Compact() {
	s.compact()
	s.version.Add(1)
}

// SetMaxDeletedRatio configures the auto-compaction threshold.
func (s *Store) SetMaxDeletedRatio(ratio float64) error {
	if !(ratio >= 0 && ratio <= 1) {
		return fmt.Errorf("%w: got %v", ErrInvalidRatio, ratio)
	}
	s.maxDeletedRatio = ratio
	return nil
}

func (s *Store) shouldCompact() bool {
	if len(s.slots) == 0 || s.deleted == 0 {
		return false
	}
	return float64(s.deleted)/float64(len(s.slots)) > s.maxDeletedRatio
}

// compact allocates a fresh slot array so that readers holding the previous
// one keep a consistent view.
func (s *Store) compact() {
	live := make([]*Entry, 0, s.Len())
	for _, e := range s.slots {
		if e != nil {
			live = append(live, e)
		}
	}
	clear(s.byID)
	for i, e := range live {
		s.byID[e.ID] = i
	}
	s.slots = live
	s.deleted = 0
}

// Restore replaces the contents with slots read from a snapshot. Nil slots
// are kept as tombstones. The version is set to version.
func (s *Store) Restore(slots []*Entry, version uint64) error {
	byID := make(map[int64]int, len(slots))
	deleted := 0
	for i, e := range slots {
		if e == nil {
			deleted++
			continue
		}
		if len(e.Vector) != s.dim {
			return &ErrDimensionMismatch{Expected: s.dim, Actual: len(e.Vector), Row: i}
		}
		if _, ok := byID[e.ID]; ok {
			return &ErrDuplicateID{ID: e.ID}
		}
		byID[e.ID] = i
	}
	s.slots = slots
	s.byID = byID
	s.deleted = deleted
	s.version.Store(version)
	return nil
}
