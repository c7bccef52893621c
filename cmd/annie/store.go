package main

import (
	"context"
	"fmt"
	"net/url"
	"strings"

	"github.com/hupe1980/annie/blobstore"
	"github.com/hupe1980/annie/blobstore/minio"
	"github.com/hupe1980/annie/blobstore/s3"
)

// openStore returns the blob store named by cfg.URL, or nil when snapshots
// live in the data directory.
func openStore(ctx context.Context, cfg StoreConfig) (blobstore.BlobStore, error) {
	if cfg.URL == "" {
		return nil, nil
	}
	u, err := url.Parse(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("store url: %w", err)
	}

	var bs blobstore.BlobStore
	switch u.Scheme {
	case "file":
		dir := u.Path
		if u.Host != "" {
			dir = u.Host + u.Path
		}
		if dir == "" {
			return nil, fmt.Errorf("store url %q: missing directory", cfg.URL)
		}
		return blobstore.NewLocalStore(dir), nil
	case "s3":
		if u.Host == "" {
			return nil, fmt.Errorf("store url %q: missing bucket", cfg.URL)
		}
		opts := []s3.Option{s3.WithPrefix(strings.Trim(u.Path, "/"))}
		if cfg.S3.Region != "" {
			opts = append(opts, s3.WithRegion(cfg.S3.Region))
		}
		if cfg.S3.Endpoint != "" {
			opts = append(opts, s3.WithEndpoint(cfg.S3.Endpoint))
		}
		bs, err = s3.New(ctx, u.Host, opts...)
	case "minio":
		bucket, prefix, _ := strings.Cut(strings.Trim(u.Path, "/"), "/")
		if u.Host == "" || bucket == "" {
			return nil, fmt.Errorf("store url %q: want minio://endpoint/bucket[/prefix]", cfg.URL)
		}
		bs, err = minio.Connect(u.Host, cfg.MinIO.AccessKey, cfg.MinIO.SecretKey, cfg.MinIO.Secure, bucket, prefix)
	default:
		return nil, fmt.Errorf("store url %q: unsupported scheme %q", cfg.URL, u.Scheme)
	}
	if err != nil {
		return nil, err
	}

	if cfg.CacheDir != "" {
		bs = blobstore.NewCachingStore(bs, blobstore.NewLocalStore(cfg.CacheDir))
	}
	return bs, nil
}
