package distance

import (
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"
)

var (
	// ErrInvalidMinkowskiP is returned when a Minkowski metric has p <= 0 or a non-finite p.
	ErrInvalidMinkowskiP = errors.New("minkowski parameter p must be a finite value > 0")

	// ErrEmptyMetricName is returned for a custom metric without a name.
	ErrEmptyMetricName = errors.New("custom metric name must not be empty")
)

// Kind identifies a distance metric family.
type Kind uint8

const (
	Euclidean Kind = iota
	Cosine
	Manhattan
	Chebyshev
	Minkowski
	Hamming
	Jaccard
	Angular
	Canberra
	Custom
)

func (k Kind) String() string {
	switch k {
	case Euclidean:
		return "euclidean"
	case Cosine:
		return "cosine"
	case Manhattan:
		return "manhattan"
	case Chebyshev:
		return "chebyshev"
	case Minkowski:
		return "minkowski"
	case Hamming:
		return "hamming"
	case Jaccard:
		return "jaccard"
	case Angular:
		return "angular"
	case Canberra:
		return "canberra"
	case Custom:
		return "custom"
	default:
		return fmt.Sprintf("Unknown(%d)", k)
	}
}

// Metric is the distance configuration bound to an index.
//
// P is only meaningful for Minkowski, Name only for Custom.
type Metric struct {
	Kind Kind    `json:"kind"`
	P    float32 `json:"p,omitempty"`
	Name string  `json:"name,omitempty"`
}

// NewMinkowski returns a validated Minkowski metric.
func NewMinkowski(p float32) (Metric, error) {
	m := Metric{Kind: Minkowski, P: p}
	if err := m.Validate(); err != nil {
		return Metric{}, err
	}
	return m, nil
}

// NewCustom returns a metric resolved through a Registry by name.
func NewCustom(name string) Metric {
	return Metric{Kind: Custom, Name: name}
}

// Of returns the metric for a parameterless kind.
func Of(k Kind) Metric {
	return Metric{Kind: k}
}

// FromName maps a metric name to a Metric. Built-in names are matched
// case-insensitively; anything else becomes a Custom metric.
func FromName(name string) Metric {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "euclidean", "l2":
		return Of(Euclidean)
	case "cosine":
		return Of(Cosine)
	case "manhattan", "l1":
		return Of(Manhattan)
	case "chebyshev", "linf":
		return Of(Chebyshev)
	case "hamming":
		return Of(Hamming)
	case "jaccard":
		return Of(Jaccard)
	case "angular":
		return Of(Angular)
	case "canberra":
		return Of(Canberra)
	default:
		return NewCustom(name)
	}
}

// Validate checks metric parameters.
func (m Metric) Validate() error {
	switch m.Kind {
	case Minkowski:
		p := float64(m.P)
		if math.IsNaN(p) || math.IsInf(p, 0) || p <= 0 {
			return fmt.Errorf("%w: got %v", ErrInvalidMinkowskiP, m.P)
		}
	case Custom:
		if strings.TrimSpace(m.Name) == "" {
			return ErrEmptyMetricName
		}
	case Euclidean, Cosine, Manhattan, Chebyshev, Hamming, Jaccard, Angular, Canberra:
	default:
		return fmt.Errorf("unknown metric kind %d", m.Kind)
	}
	return nil
}

func (m Metric) String() string {
	switch m.Kind {
	case Minkowski:
		return "minkowski(p=" + strconv.FormatFloat(float64(m.P), 'g', -1, 32) + ")"
	case Custom:
		return m.Name
	default:
		return m.Kind.String()
	}
}
