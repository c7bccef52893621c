// Package topk selects the k nearest candidates in expected linear time.
package topk

import (
	"cmp"
	"math"
	"math/bits"
	"slices"
)

// Candidate is a scored entry produced by a distance scan.
type Candidate struct {
	ID       int64
	Slot     int
	Distance float32
}

// CompareDistance orders distances with NaN sorting after every other value.
func CompareDistance(a, b float32) int {
	an, bn := isNaN(a), isNaN(b)
	switch {
	case an && bn:
		return 0
	case an:
		return 1
	case bn:
		return -1
	}
	return cmp.Compare(a, b)
}

// Compare is the total order used for selection: distance first, id second.
func Compare(a, b Candidate) int {
	if c := CompareDistance(a.Distance, b.Distance); c != 0 {
		return c
	}
	return cmp.Compare(a.ID, b.ID)
}

// Select reorders c so that its first k elements are the k smallest under
// Compare, sorts that prefix and returns it. k is clamped to len(c).
func Select(c []Candidate, k int) []Candidate {
	if k <= 0 || len(c) == 0 {
		return c[:0]
	}
	if k > len(c) {
		k = len(c)
	}
	if k < len(c) {
		nthElement(c, k-1)
	}
	prefix := c[:k]
	slices.SortFunc(prefix, Compare)
	return prefix
}

// Merge selects the k smallest candidates across lists.
func Merge(k int, lists ...[]Candidate) []Candidate {
	n := 0
	for _, l := range lists {
		n += len(l)
	}
	all := make([]Candidate, 0, n)
	for _, l := range lists {
		all = append(all, l...)
	}
	return Select(all, k)
}

// nthElement partially orders c so that c[n] holds the element that would be
// there if c were sorted, with smaller elements before it.
func nthElement(c []Candidate, n int) {
	lo, hi := 0, len(c)-1
	budget := 2 * bits.Len(uint(len(c)))
	for lo < hi {
		if budget == 0 {
			slices.SortFunc(c[lo:hi+1], Compare)
			return
		}
		budget--

		p := partition(c, lo, hi)
		switch {
		case n == p:
			return
		case n < p:
			hi = p - 1
		default:
			lo = p + 1
		}
	}
}

func partition(c []Candidate, lo, hi int) int {
	mid := lo + (hi-lo)/2
	if Compare(c[mid], c[lo]) < 0 {
		c[mid], c[lo] = c[lo], c[mid]
	}
	if Compare(c[hi], c[lo]) < 0 {
		c[hi], c[lo] = c[lo], c[hi]
	}
	if Compare(c[mid], c[hi]) < 0 {
		c[mid], c[hi] = c[hi], c[mid]
	}

	pivot := c[hi]
	i := lo
	for j := lo; j < hi; j++ {
		if Compare(c[j], pivot) < 0 {
			c[i], c[j] = c[j], c[i]
			i++
		}
	}
	c[i], c[hi] = c[hi], c[i]
	return i
}

func isNaN(f float32) bool {
	return math.IsNaN(float64(f))
}
