// Package conv provides bounds-checked integer conversions for values that
// cross the snapshot wire format.
package conv
