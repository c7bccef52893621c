// Package blobstore provides destinations for index snapshots beyond a plain
// file path.
//
// Snapshots are written and read as whole streams: Create returns a
// WritableBlob that becomes visible under its name only once Close succeeds,
// and Abort discards it. Implementations must be safe for concurrent use.
//
// # Built-in Implementations
//
//   - LocalStore: a directory on the local filesystem
//   - MemoryStore: in-process map, for tests
//   - CachingStore: read-through mirror of a remote store into a local one
//   - s3.Store: Amazon S3 with multipart uploads
//   - minio.Store: MinIO and other S3-compatible services
package blobstore
