// Package persistence implements the binary snapshot format of an index.
//
// A snapshot is laid out as:
//
//	FileHeader (64 bytes, little-endian)
//	metadata   (MetaLength bytes, encoded with the codec named in the header)
//	body       (framed blocks, each optionally compressed)
//	trailer    (CRC32 of everything before it)
//
// The body holds one record per slot, tombstones included, so slot
// positions survive a save/load cycle. Files are written to a temp file
// and renamed into place.
//
// PLATFORM REQUIREMENTS:
// - Endianness: little-endian (native on amd64 and arm64)
// - Alignment: 4-byte for float32
package persistence
