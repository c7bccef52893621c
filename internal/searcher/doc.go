// Package searcher implements the exhaustive scan behind every query.
//
// A scan splits the slot array into contiguous chunks, scores each chunk in
// its own goroutine with pooled scratch buffers and merges the per-chunk
// top-k lists. Metrics flagged as single-threaded are scanned inline.
package searcher
