package gpu

import (
	"context"
	"fmt"
	"math"
	"sync"

	"gonum.org/v1/gonum/blas"
	"gonum.org/v1/gonum/blas/blas32"

	"github.com/hupe1980/annie/internal/guard"
	"github.com/hupe1980/annie/internal/mem"
	"github.com/hupe1980/annie/internal/resource"
)

// HostConfig configures a HostRuntime.
type HostConfig struct {
	// Devices is the number of emulated devices. Defaults to 1.
	Devices int

	// MemoryPerDevice caps each device's memory. Zero means unlimited.
	MemoryPerDevice int64

	// StreamsPerDevice bounds concurrently open streams. Defaults to 4.
	StreamsPerDevice int64

	// TransferBytesPerSec throttles uploads to a device. Zero means unlimited.
	TransferBytesPerSec int64
}

// HostRuntime emulates devices in host memory and runs kernels with BLAS.
type HostRuntime struct {
	devices []*resource.Controller
	cfg     HostConfig
}

// NewHostRuntime creates a host runtime.
func NewHostRuntime(cfg HostConfig) *HostRuntime {
	if cfg.Devices <= 0 {
		cfg.Devices = 1
	}
	if cfg.StreamsPerDevice <= 0 {
		cfg.StreamsPerDevice = 4
	}

	r := &HostRuntime{cfg: cfg, devices: make([]*resource.Controller, cfg.Devices)}
	for i := range r.devices {
		r.devices[i] = resource.NewController(resource.Config{
			MemoryBytes:         cfg.MemoryPerDevice,
			Streams:             cfg.StreamsPerDevice,
			TransferBytesPerSec: cfg.TransferBytesPerSec,
		})
	}
	return r
}

func (r *HostRuntime) Name() string     { return "host" }
func (r *HostRuntime) DeviceCount() int { return len(r.devices) }

// Device implements Runtime.
func (r *HostRuntime) Device(id int) (DeviceInfo, error) {
	if _, err := r.controller("device", id); err != nil {
		return DeviceInfo{}, err
	}
	return DeviceInfo{
		ID:          id,
		Name:        fmt.Sprintf("host-%d", id),
		MemoryBytes: r.cfg.MemoryPerDevice,
		Streams:     r.cfg.StreamsPerDevice,
	}, nil
}

// DeviceMemory returns the bytes currently reserved on device.
func (r *HostRuntime) DeviceMemory(device int) int64 {
	c, err := r.controller("memory", device)
	if err != nil {
		return 0
	}
	return c.MemoryUsage()
}

// Alloc implements Runtime.
func (r *HostRuntime) Alloc(device, size int) ([]byte, error) {
	c, err := r.controller("alloc", device)
	if err != nil {
		return nil, err
	}
	if size <= 0 {
		return nil, newError("alloc", device, ErrInvalidInput, nil, "size %d", size)
	}
	if err := c.AcquireMemory(int64(size)); err != nil {
		return nil, newError("alloc", device, ErrAllocation, err, "%d bytes", size)
	}
	return mem.AllocAligned(size), nil
}

// Free implements Runtime.
func (r *HostRuntime) Free(device int, buf []byte) {
	c, err := r.controller("free", device)
	if err != nil || len(buf) == 0 {
		return
	}
	c.ReleaseMemory(int64(len(buf)))
}

// NewStream implements Runtime.
func (r *HostRuntime) NewStream(ctx context.Context, device int) (Stream, error) {
	c, err := r.controller("stream", device)
	if err != nil {
		return nil, err
	}
	if err := c.AcquireStream(ctx); err != nil {
		return nil, newError("stream", device, ErrRuntime, err, "acquire stream")
	}
	return &hostStream{device: device, ctrl: c}, nil
}

func (r *HostRuntime) controller(op string, device int) (*resource.Controller, error) {
	if device < 0 || device >= len(r.devices) {
		return nil, newError(op, device, ErrDeviceIndex, nil, "have %d devices", len(r.devices))
	}
	return r.devices[device], nil
}

// hostStream runs each launch on its own goroutine, chained so that
// launches complete in submission order.
type hostStream struct {
	device int
	ctrl   *resource.Controller

	mu     sync.Mutex
	last   chan struct{}
	err    error
	closed bool
}

func (s *hostStream) LaunchL2(ctx context.Context, l L2Launch) error {
	if err := validateLaunch(l); err != nil {
		return newError("launch", s.device, ErrInvalidInput, nil, "%s", err.Error())
	}
	if err := s.ctrl.AcquireTransfer(ctx, len(l.Queries)+len(l.Corpus)); err != nil {
		return newError("launch", s.device, ErrRuntime, err, "upload")
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return newError("launch", s.device, ErrRuntime, nil, "stream closed")
	}

	prev := s.last
	done := make(chan struct{})
	s.last = done

	go func() {
		defer close(done)
		if prev != nil {
			<-prev
		}

		var err error
		func() {
			defer guard.Recover(&err)
			hostL2(l)
		}()
		if err != nil {
			s.mu.Lock()
			if s.err == nil {
				s.err = newError("kernel", s.device, ErrRuntime, err, "%s", l.Precision.KernelName())
			}
			s.mu.Unlock()
		}
	}()
	return nil
}

func (s *hostStream) Synchronize() error {
	s.mu.Lock()
	last := s.last
	s.mu.Unlock()

	if last != nil {
		<-last
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

func (s *hostStream) Close() error {
	err := s.Synchronize()

	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.closed {
		s.closed = true
		s.ctrl.ReleaseStream()
	}
	return err
}

func validateLaunch(l L2Launch) error {
	if l.Dim <= 0 || l.NQ <= 0 || l.NV <= 0 {
		return fmt.Errorf("dim=%d nq=%d nv=%d", l.Dim, l.NQ, l.NV)
	}
	es := l.Precision.ElementSize()
	if len(l.Queries) < l.NQ*l.Dim*es || len(l.Corpus) < l.NV*l.Dim*es {
		return fmt.Errorf("input buffers too small for %s", l.Precision)
	}
	if len(l.Out) < l.NQ*l.NV*4 {
		return fmt.Errorf("output buffer holds %d bytes, need %d", len(l.Out), l.NQ*l.NV*4)
	}
	return nil
}

// hostL2 computes ||q - c|| for every query/corpus pair as
// sqrt(|q|^2 + |c|^2 - 2 q.c) with the cross terms from one GEMM.
func hostL2(l L2Launch) {
	q := Decode(nil, l.Queries, l.Precision, l.NQ*l.Dim)
	c := Decode(nil, l.Corpus, l.Precision, l.NV*l.Dim)
	out := mem.Float32s(l.Out)[:l.NQ*l.NV]

	qm := blas32.General{Rows: l.NQ, Cols: l.Dim, Stride: l.Dim, Data: q}
	cm := blas32.General{Rows: l.NV, Cols: l.Dim, Stride: l.Dim, Data: c}
	om := blas32.General{Rows: l.NQ, Cols: l.NV, Stride: l.NV, Data: out}
	blas32.Gemm(blas.NoTrans, blas.Trans, 1, qm, cm, 0, om)

	qn := rowNorms(q, l.NQ, l.Dim)
	cn := rowNorms(c, l.NV, l.Dim)
	for i := 0; i < l.NQ; i++ {
		row := out[i*l.NV : (i+1)*l.NV]
		for j := range row {
			d := qn[i] + cn[j] - 2*row[j]
			if d < 0 {
				d = 0
			}
			row[j] = float32(math.Sqrt(float64(d)))
		}
	}
}

func rowNorms(m []float32, rows, dim int) []float32 {
	norms := make([]float32, rows)
	for i := range norms {
		v := blas32.Vector{N: dim, Inc: 1, Data: m[i*dim : (i+1)*dim]}
		norms[i] = blas32.Dot(v, v)
	}
	return norms
}
