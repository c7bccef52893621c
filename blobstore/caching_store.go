package blobstore

import (
	"context"
	"errors"
	"io"

	"golang.org/x/sync/errgroup"
)

// DefaultWarmConcurrency bounds parallel downloads in Warm.
const DefaultWarmConcurrency = 4

// CachingStore wraps a (typically remote) BlobStore and mirrors every blob
// it reads into a local cache store. Later opens are served from the cache.
type CachingStore struct {
	inner BlobStore
	cache BlobStore
}

// NewCachingStore creates a new CachingStore.
func NewCachingStore(inner, cache BlobStore) *CachingStore {
	return &CachingStore{inner: inner, cache: cache}
}

// Open serves name from the cache, fetching it from the inner store on a miss.
func (s *CachingStore) Open(ctx context.Context, name string) (Blob, error) {
	b, err := s.cache.Open(ctx, name)
	if err == nil {
		return b, nil
	}
	if !errors.Is(err, ErrNotFound) {
		return nil, err
	}

	if err := s.fetch(ctx, name); err != nil {
		return nil, err
	}
	return s.cache.Open(ctx, name)
}

func (s *CachingStore) fetch(ctx context.Context, name string) (err error) {
	src, err := s.inner.Open(ctx, name)
	if err != nil {
		return err
	}
	defer src.Close()

	dst, err := s.cache.Create(ctx, name)
	if err != nil {
		return err
	}
	if _, err := io.Copy(dst, src); err != nil {
		_ = dst.Abort()
		return err
	}
	return dst.Close()
}

// Create writes through to the inner store and drops the cached copy.
func (s *CachingStore) Create(ctx context.Context, name string) (WritableBlob, error) {
	if err := s.cache.Delete(ctx, name); err != nil {
		return nil, err
	}
	return s.inner.Create(ctx, name)
}

// Delete removes name from both stores.
func (s *CachingStore) Delete(ctx context.Context, name string) error {
	if err := s.cache.Delete(ctx, name); err != nil {
		return err
	}
	return s.inner.Delete(ctx, name)
}

// List lists the inner store.
func (s *CachingStore) List(ctx context.Context, prefix string) ([]string, error) {
	return s.inner.List(ctx, prefix)
}

// Warm fetches every blob matching prefix into the cache, downloading up to
// concurrency blobs at once. Blobs already cached are skipped.
func (s *CachingStore) Warm(ctx context.Context, prefix string, concurrency int) error {
	names, err := s.inner.List(ctx, prefix)
	if err != nil {
		return err
	}
	cached, err := s.cache.List(ctx, prefix)
	if err != nil {
		return err
	}
	have := make(map[string]struct{}, len(cached))
	for _, n := range cached {
		have[n] = struct{}{}
	}

	if concurrency <= 0 {
		concurrency = DefaultWarmConcurrency
	}
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(concurrency)

	for _, name := range names {
		if _, ok := have[name]; ok {
			continue
		}
		g.Go(func() error {
			return s.fetch(gctx, name)
		})
	}
	return g.Wait()
}
