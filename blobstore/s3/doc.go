// Package s3 provides an S3 implementation of the blobstore.BlobStore interface.
//
// # Usage
//
//	store, err := s3.New(ctx, "my-bucket",
//	    s3.WithPrefix("indices/"),
//	    s3.WithRegion("us-east-1"),
//	)
//
//	err = idx.SaveTo(ctx, store, "products")
//
// # Features
//
//   - Streaming multipart uploads for large snapshots
//   - CRC32C integrity validation on upload
//   - Automatic pagination for listing
//   - Configurable prefix for multi-tenant isolation
package s3
