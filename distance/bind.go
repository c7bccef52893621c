package distance

// Kernel computes the distance between a query q and a stored vector v.
// qNorm and vNorm are the cached squared norms of q and v.
type Kernel func(q []float32, qNorm float32, v []float32, vNorm float32) float32

// Binding is a metric resolved to a callable kernel.
type Binding struct {
	Metric Metric
	Kernel Kernel

	// Serial is set when the kernel must not be evaluated concurrently.
	Serial bool
}

// Bind resolves m to a Kernel. Custom metrics are looked up in reg; an
// unknown name fails with ErrMetricNotFound.
func Bind(m Metric, reg *Registry) (Binding, error) {
	if err := m.Validate(); err != nil {
		return Binding{}, err
	}

	b := Binding{Metric: m}
	switch m.Kind {
	case Euclidean:
		b.Kernel = EuclideanWithNorms
	case Cosine:
		b.Kernel = CosineWithNorms
	case Angular:
		b.Kernel = AngularWithNorms
	case Manhattan:
		b.Kernel = ignoreNorms(ManhattanDistance)
	case Chebyshev:
		b.Kernel = ignoreNorms(ChebyshevDistance)
	case Hamming:
		b.Kernel = ignoreNorms(HammingDistance)
	case Jaccard:
		b.Kernel = ignoreNorms(JaccardDistance)
	case Canberra:
		b.Kernel = ignoreNorms(CanberraDistance)
	case Minkowski:
		p := m.P
		b.Kernel = func(q []float32, _ float32, v []float32, _ float32) float32 {
			return MinkowskiP(q, v, p)
		}
	case Custom:
		fn, err := reg.Resolve(m.Name)
		if err != nil {
			return Binding{}, err
		}
		b.Kernel = ignoreNorms(fn.Distance)
		if st, ok := fn.(SingleThreaded); ok {
			b.Serial = st.SingleThreaded()
		}
	}
	return b, nil
}

// Compute evaluates metric m on a and b.
func Compute(m Metric, reg *Registry, a, b []float32) (float32, error) {
	bd, err := Bind(m, reg)
	if err != nil {
		return 0, err
	}
	return bd.Kernel(a, SquaredNorm(a), b, SquaredNorm(b)), nil
}

func ignoreNorms(fn func(a, b []float32) float32) Kernel {
	return func(q []float32, _ float32, v []float32, _ float32) float32 {
		return fn(q, v)
	}
}
