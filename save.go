package annie

import (
	"bufio"
	"context"
	"io"
	"slices"
	"time"

	"github.com/hupe1980/annie/blobstore"
	"github.com/hupe1980/annie/distance"
	"github.com/hupe1980/annie/internal/pathguard"
	"github.com/hupe1980/annie/persistence"
)

// SnapshotSuffix is appended to every path passed to Save and Load.
const SnapshotSuffix = ".bin"

// Save writes the index to path+SnapshotSuffix.
//
// path must be relative and is resolved inside the allowed directories
// (pathguard.DefaultAllowed unless WithAllowedDirs is given). Absolute
// paths, traversal segments (also percent-encoded) and control characters
// fail with ErrInvalidPath. The file is replaced atomically.
//
// optFns override the save options the index was created with, e.g.
// WithCompression.
func (idx *Index) Save(ctx context.Context, path string, optFns ...Option) (err error) {
	o := idx.saveOptions(optFns)

	target, err := resolvePath(o, path)
	if err != nil {
		return translateError(err)
	}
	snap, err := idx.snapshot()
	if err != nil {
		return translateError(err)
	}
	defer func() {
		idx.logger.LogSnapshot(ctx, target, snap.LiveCount(), err)
	}()

	err = persistence.SaveToFile(target, func(w io.Writer) error {
		return persistence.Write(ctx, w, snap, persistenceOptions(o)...)
	})
	return translateError(err)
}

// SaveTo writes the index as blob name of bs. The name is used as given.
func (idx *Index) SaveTo(ctx context.Context, bs blobstore.BlobStore, name string, optFns ...Option) (err error) {
	o := idx.saveOptions(optFns)

	snap, err := idx.snapshot()
	if err != nil {
		return translateError(err)
	}
	defer func() {
		idx.logger.LogSnapshot(ctx, name, snap.LiveCount(), err)
	}()

	w, err := bs.Create(ctx, name)
	if err != nil {
		return translateError(err)
	}
	if err := persistence.Write(ctx, w, snap, persistenceOptions(o)...); err != nil {
		_ = w.Abort()
		return translateError(err)
	}
	return translateError(w.Close())
}

// Load reads an index saved with Save. path is validated like in Save.
// Dimension, metric, tombstones, version and deleted ratio are restored
// from the snapshot; optFns configure everything else.
func Load(ctx context.Context, path string, optFns ...Option) (*Index, error) {
	o := applyOptions(optFns)

	source, err := resolvePath(o, path)
	if err != nil {
		return nil, translateError(err)
	}

	var snap *persistence.Snapshot
	err = persistence.LoadFromFile(source, func(r io.Reader) error {
		s, err := persistence.Read(ctx, r, persistence.WithController(o.ioController))
		snap = s
		return err
	})
	if err != nil {
		err = translateError(err)
		o.logger.LogLoad(ctx, source, 0, err)
		return nil, err
	}
	return fromSnapshot(ctx, snap, source, o)
}

// LoadFrom reads an index saved with SaveTo.
func LoadFrom(ctx context.Context, bs blobstore.BlobStore, name string, optFns ...Option) (*Index, error) {
	o := applyOptions(optFns)

	snap, err := readBlob(ctx, bs, name, o)
	if err != nil {
		err = translateError(err)
		o.logger.LogLoad(ctx, name, 0, err)
		return nil, err
	}
	return fromSnapshot(ctx, snap, name, o)
}

func readBlob(ctx context.Context, bs blobstore.BlobStore, name string, o options) (*persistence.Snapshot, error) {
	b, err := bs.Open(ctx, name)
	if err != nil {
		return nil, err
	}
	defer b.Close()

	return persistence.Read(ctx, bufio.NewReaderSize(b, 256*1024), persistence.WithController(o.ioController))
}

func fromSnapshot(ctx context.Context, snap *persistence.Snapshot, source string, o options) (*Index, error) {
	metric := metricFromMeta(snap.Meta)
	o.maxDeletedRatio = snap.Meta.MaxDeletedRatio

	created := snap.Meta.CreatedAt
	if created.IsZero() {
		created = time.Now().UTC()
	}

	idx, err := newIndex(snap.Dimension, metric, o, created)
	if err == nil {
		err = translateError(idx.store.Restore(snap.Slots, snap.Version))
	}
	if err != nil {
		o.logger.LogLoad(ctx, source, 0, err)
		return nil, err
	}

	o.metricsCollector.RecordIndex(idx.info())
	o.logger.LogLoad(ctx, source, idx.store.Len(), nil)
	return idx, nil
}

// snapshot copies the slot array under the read lock. Entries are never
// modified in place, so the copy stays consistent after the lock is released.
func (idx *Index) snapshot() (*persistence.Snapshot, error) {
	var snap *persistence.Snapshot
	err := idx.mu.Read(func() error {
		snap = &persistence.Snapshot{
			Dimension: idx.store.Dim(),
			Version:   idx.store.Version(),
			Meta: persistence.Meta{
				Metric:          metricName(idx.metric),
				P:               float64(idx.metric.P),
				MaxDeletedRatio: idx.store.MaxDeletedRatio(),
				CreatedAt:       idx.created,
			},
			Slots: slices.Clone(idx.store.Slots()),
		}
		return nil
	})
	return snap, err
}

func (idx *Index) saveOptions(optFns []Option) options {
	o := idx.opts
	for _, fn := range optFns {
		fn(&o)
	}
	return o
}

func persistenceOptions(o options) []persistence.Option {
	return []persistence.Option{
		persistence.WithCompression(o.compression),
		persistence.WithCodec(o.codec),
		persistence.WithController(o.ioController),
	}
}

func resolvePath(o options, path string) (string, error) {
	g, err := pathguard.New(o.allowedDirs...)
	if err != nil {
		return "", err
	}
	return g.Resolve(path + SnapshotSuffix)
}

func metricName(m distance.Metric) string {
	if m.Kind == distance.Custom {
		return m.Name
	}
	return m.Kind.String()
}

func metricFromMeta(meta persistence.Meta) distance.Metric {
	if meta.Metric == distance.Minkowski.String() {
		return distance.Metric{Kind: distance.Minkowski, P: float32(meta.P)}
	}
	return distance.FromName(meta.Metric)
}
