package distance

import (
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRegistry(t *testing.T) {
	t.Run("Builtins", func(t *testing.T) {
		r := NewRegistry()
		names, err := r.List()
		require.NoError(t, err)
		assert.Equal(t, []string{"chebyshev", "cosine", "euclidean", "manhattan"}, names)

		fn, err := r.Resolve("euclidean")
		require.NoError(t, err)
		assert.InDelta(t, 5, fn.Distance([]float32{0, 0}, []float32{3, 4}), 1e-6)
	})

	t.Run("BuiltinsProtected", func(t *testing.T) {
		r := NewRegistry()
		assert.ErrorIs(t, r.Register(FuncOf("cosine", ManhattanDistance)), ErrBuiltinMetric)
		assert.ErrorIs(t, r.Unregister("euclidean"), ErrBuiltinMetric)
	})

	t.Run("RegisterOverwrite", func(t *testing.T) {
		r := NewRegistry()
		require.NoError(t, r.Register(FuncOf("const", func(a, b []float32) float32 { return 1 })))
		require.NoError(t, r.Register(FuncOf("const", func(a, b []float32) float32 { return 2 })))

		fn, err := r.Resolve("const")
		require.NoError(t, err)
		assert.Equal(t, float32(2), fn.Distance(nil, nil))

		require.NoError(t, r.Unregister("const"))
		_, err = r.Resolve("const")
		assert.ErrorIs(t, err, ErrMetricNotFound)
	})

	t.Run("ZeroValue", func(t *testing.T) {
		var r Registry
		_, err := r.Resolve("euclidean")
		assert.ErrorIs(t, err, ErrRegistryNotInitialized)
		assert.ErrorIs(t, r.Register(FuncOf("x", ManhattanDistance)), ErrRegistryNotInitialized)

		var nilReg *Registry
		_, err = nilReg.List()
		assert.ErrorIs(t, err, ErrRegistryNotInitialized)
	})

	t.Run("EmptyName", func(t *testing.T) {
		r := NewRegistry()
		assert.ErrorIs(t, r.Register(FuncOf("", ManhattanDistance)), ErrEmptyMetricName)
	})

	t.Run("Concurrent", func(t *testing.T) {
		r := NewRegistry()
		var wg sync.WaitGroup
		for i := 0; i < 16; i++ {
			wg.Add(1)
			go func(i int) {
				defer wg.Done()
				name := fmt.Sprintf("m%d", i)
				assert.NoError(t, r.Register(FuncOf(name, ChebyshevDistance)))
				_, err := r.Resolve(name)
				assert.NoError(t, err)
			}(i)
		}
		wg.Wait()

		names, err := r.List()
		require.NoError(t, err)
		assert.Len(t, names, 20)
	})
}

func TestCapabilities(t *testing.T) {
	info := Capabilities()
	assert.NotEmpty(t, info.Arch)
}
