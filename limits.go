package annie

import "github.com/hupe1980/annie/internal/store"

// Limits bounds an index against oversized requests.
// A zero field disables that check.
type Limits struct {
	// MaxDimension caps the vector dimension (default: 65536).
	MaxDimension int `json:"max_dimension" yaml:"max_dimension"`

	// MaxVectors caps the number of live vectors (default: 100M).
	MaxVectors int `json:"max_vectors" yaml:"max_vectors"`

	// MaxK caps the results per query (default: 10000).
	MaxK int `json:"max_k" yaml:"max_k"`

	// MaxBatchSize caps the rows of one add (default: 10000).
	MaxBatchSize int `json:"max_batch_size" yaml:"max_batch_size"`
}

// DefaultLimits returns safe production defaults.
func DefaultLimits() Limits {
	return Limits{
		MaxDimension: 65536,
		MaxVectors:   100_000_000,
		MaxK:         10000,
		MaxBatchSize: 10000,
	}
}

func (l Limits) store() store.Limits {
	return store.Limits{
		MaxDimension: l.MaxDimension,
		MaxBatchSize: l.MaxBatchSize,
		MaxVectors:   l.MaxVectors,
	}
}
