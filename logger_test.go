package annie

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hupe1980/annie/distance"
)

func newBufferLogger(level slog.Level) (*Logger, *bytes.Buffer) {
	var buf bytes.Buffer
	return NewLogger(slog.NewTextHandler(&buf, &slog.HandlerOptions{Level: level})), &buf
}

func TestLogger(t *testing.T) {
	ctx := context.Background()

	t.Run("Fields", func(t *testing.T) {
		l, buf := newBufferLogger(slog.LevelDebug)
		l.WithDimension(8).WithMetric("cosine").WithK(3).LogSearch(ctx, 2, 3, 6, nil)

		out := buf.String()
		assert.Contains(t, out, "search completed")
		assert.Contains(t, out, "dimension=8")
		assert.Contains(t, out, "metric=cosine")
		assert.Contains(t, out, "results=6")
	})

	t.Run("ErrorsAtErrorLevel", func(t *testing.T) {
		l, buf := newBufferLogger(slog.LevelError)
		l.LogAdd(ctx, 3, 1, nil)
		assert.Empty(t, buf.String())

		l.WithCount(3).LogAdd(ctx, 3, 0, errors.New("boom"))
		assert.Contains(t, buf.String(), "level=ERROR")
		assert.Contains(t, buf.String(), "error=boom")
	})

	t.Run("Noop", func(t *testing.T) {
		assert.NotPanics(t, func() {
			NoopLogger().WithID(1).LogUpdate(ctx, 1, nil)
		})
	})
}

func TestIndexLogging(t *testing.T) {
	ctx := context.Background()
	l, buf := newBufferLogger(slog.LevelInfo)

	idx := newTestIndex(t, 2, distance.Of(distance.Euclidean), WithLogger(l))
	require.NoError(t, idx.Add(ctx, [][]float32{{0, 0}, {1, 1}}, []int64{1, 2}))
	assert.Empty(t, buf.String())

	require.NoError(t, idx.Compact(ctx))
	_, err := idx.Search(ctx, []float32{0}, 1, nil)
	require.Error(t, err)

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	require.Len(t, lines, 2)
	assert.Contains(t, lines[0], "compaction completed")
	assert.Contains(t, lines[0], "dimension=2")
	assert.Contains(t, lines[1], "search failed")
	assert.Contains(t, lines[1], "metric=euclidean")
}
