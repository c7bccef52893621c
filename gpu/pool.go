package gpu

import (
	"cmp"
	"maps"
	"math"
	"slices"
	"sync"
)

// Allocator provides raw device memory to a pool. Runtime implements it.
type Allocator interface {
	Alloc(device, size int) ([]byte, error)
	Free(device int, buf []byte)
}

// PoolConfig configures every DevicePool of a MemoryPool.
type PoolConfig struct {
	// MaxPoolSize bounds the bytes a device pool holds (checked out plus cached).
	MaxPoolSize int64 `json:"max_pool_size" yaml:"max_pool_size"`

	// FragmentationThreshold is the distinct-key to cached-buffer ratio above
	// which the cache is considered fragmented.
	FragmentationThreshold float64 `json:"fragmentation_threshold" yaml:"fragmentation_threshold"`
}

// DefaultPoolConfig returns a 1 GiB pool with a 0.5 fragmentation threshold.
func DefaultPoolConfig() PoolConfig {
	return PoolConfig{
		MaxPoolSize:            1 << 30,
		FragmentationThreshold: 0.5,
	}
}

type poolKey struct {
	size      int
	precision Precision
}

// PoolStats is a point-in-time view of a DevicePool.
type PoolStats struct {
	Device        int     `json:"device"`
	Allocated     int64   `json:"allocated"`
	Peak          int64   `json:"peak"`
	MaxPoolSize   int64   `json:"max_pool_size"`
	Pressure      float64 `json:"pressure"`
	CachedBuffers int     `json:"cached_buffers"`
	CachedBytes   int64   `json:"cached_bytes"`
	CachedKeys    int     `json:"cached_keys"`
	Allocations   uint64  `json:"allocations"`
	Deallocations uint64  `json:"deallocations"`
	CacheHits     uint64  `json:"cache_hits"`
	CacheMisses   uint64  `json:"cache_misses"`
}

// CacheEfficiency returns hits / (hits + misses), or 0 before the first request.
func (s PoolStats) CacheEfficiency() float64 {
	total := s.CacheHits + s.CacheMisses
	if total == 0 {
		return 0
	}
	return float64(s.CacheHits) / float64(total)
}

// DevicePool caches reusable buffers of one device keyed by (size, precision).
//
// Allocated counts the bytes currently checked out; Peak is its high-water
// mark. Cached buffers still occupy device memory but are not counted in
// Allocated.
type DevicePool struct {
	device int
	alloc  Allocator

	mu            sync.Mutex
	cache         map[poolKey][][]byte
	cachedCount   int
	cachedBytes   int64
	allocated     int64
	peak          int64
	maxPoolSize   int64
	fragThreshold float64

	allocations   uint64
	deallocations uint64
	hits          uint64
	misses        uint64
}

func newDevicePool(device int, alloc Allocator, cfg PoolConfig) *DevicePool {
	return &DevicePool{
		device:        device,
		alloc:         alloc,
		cache:         make(map[poolKey][][]byte),
		maxPoolSize:   cfg.MaxPoolSize,
		fragThreshold: cfg.FragmentationThreshold,
	}
}

// Device returns the device id.
func (p *DevicePool) Device() int { return p.device }

// Get borrows a buffer of size bytes tagged with precision.
func (p *DevicePool) Get(size int, precision Precision) (*Buffer, error) {
	if size <= 0 {
		return nil, newError("get_buffer", p.device, ErrInvalidInput, nil, "size %d", size)
	}
	key := poolKey{size: size, precision: precision}

	p.mu.Lock()
	defer p.mu.Unlock()

	if list := p.cache[key]; len(list) > 0 {
		data := list[len(list)-1]
		list[len(list)-1] = nil
		p.setList(key, list[:len(list)-1])
		p.cachedCount--
		p.cachedBytes -= int64(size)
		p.hits++
		p.recordAllocation(size)
		return p.newBuffer(data, key), nil
	}

	p.misses++
	if p.allocated+int64(size) > p.maxPoolSize {
		p.cleanupFragmented()
	}

	data, err := p.alloc.Alloc(p.device, size)
	if err != nil && p.cachedCount > 0 {
		// Device full: give the cache back and retry once.
		p.dropCache()
		data, err = p.alloc.Alloc(p.device, size)
	}
	if err != nil {
		return nil, err
	}

	p.recordAllocation(size)
	return p.newBuffer(data, key), nil
}

func (p *DevicePool) newBuffer(data []byte, key poolKey) *Buffer {
	return &Buffer{pool: p, data: data, key: key}
}

func (p *DevicePool) recordAllocation(size int) {
	p.allocations++
	p.allocated += int64(size)
	p.peak = max(p.peak, p.allocated)
}

// put takes a buffer back. It is cached unless the pool already holds
// MaxPoolSize bytes, in which case the memory is freed.
func (p *DevicePool) put(data []byte, key poolKey) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.allocated+p.cachedBytes < p.maxPoolSize {
		p.cache[key] = append(p.cache[key], data)
		p.cachedCount++
		p.cachedBytes += int64(key.size)
	} else {
		p.alloc.Free(p.device, data)
	}

	p.deallocations++
	p.allocated = max(p.allocated-int64(key.size), 0)
}

func (p *DevicePool) setList(key poolKey, list [][]byte) {
	if len(list) == 0 {
		delete(p.cache, key)
		return
	}
	p.cache[key] = list
}

// CleanupFragmented evicts cached buffers when the cache is fragmented and
// returns the number of bytes freed.
func (p *DevicePool) CleanupFragmented() int64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.cleanupFragmented()
}

// cleanupFragmented evicts the least-populated keys until the key to buffer
// ratio is back under the threshold, then caps every remaining key at twice
// the average depth.
func (p *DevicePool) cleanupFragmented() int64 {
	if p.cachedCount == 0 {
		return 0
	}
	if p.fragmentation() <= p.fragThreshold {
		return 0
	}

	avg := float64(p.cachedCount) / float64(len(p.cache))
	keys := slices.SortedFunc(maps.Keys(p.cache), func(a, b poolKey) int {
		if c := cmp.Compare(len(p.cache[a]), len(p.cache[b])); c != 0 {
			return c
		}
		if c := cmp.Compare(a.size, b.size); c != 0 {
			return c
		}
		return cmp.Compare(a.precision, b.precision)
	})

	var freed int64
	for _, key := range keys {
		if len(p.cache) <= 1 || p.fragmentation() <= p.fragThreshold {
			break
		}
		freed += p.evict(key, 0)
	}

	depth := max(1, int(math.Ceil(2*avg)))
	for key := range p.cache {
		freed += p.evict(key, depth)
	}
	return freed
}

// evict frees cached buffers of key beyond keep.
func (p *DevicePool) evict(key poolKey, keep int) int64 {
	list := p.cache[key]
	if len(list) <= keep {
		return 0
	}
	for _, data := range list[keep:] {
		p.alloc.Free(p.device, data)
	}
	n := len(list) - keep
	clear(list[keep:])
	p.setList(key, list[:keep])
	p.cachedCount -= n
	p.cachedBytes -= int64(n * key.size)
	return int64(n * key.size)
}

func (p *DevicePool) fragmentation() float64 {
	if p.cachedCount == 0 {
		return 0
	}
	return float64(len(p.cache)) / float64(p.cachedCount)
}

func (p *DevicePool) dropCache() {
	for key, list := range p.cache {
		for _, data := range list {
			p.alloc.Free(p.device, data)
		}
		delete(p.cache, key)
	}
	p.cachedCount = 0
	p.cachedBytes = 0
}

// EmergencyCleanup frees every cached buffer and resets Allocated to zero.
// Buffers still checked out return normally and are accounted with saturation.
func (p *DevicePool) EmergencyCleanup() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.dropCache()
	p.allocated = 0
}

// SetMaxPoolSize changes the pool bound and runs fragmentation cleanup when
// the checked-out bytes already exceed it.
func (p *DevicePool) SetMaxPoolSize(bytes int64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.maxPoolSize = bytes
	if p.allocated > p.maxPoolSize {
		p.cleanupFragmented()
	}
}

// MemoryUsage returns the checked-out bytes and their high-water mark.
func (p *DevicePool) MemoryUsage() (allocated, peak int64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.allocated, p.peak
}

// Pressure returns Allocated / MaxPoolSize.
func (p *DevicePool) Pressure() float64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.pressure()
}

func (p *DevicePool) pressure() float64 {
	if p.maxPoolSize <= 0 {
		return 0
	}
	return float64(p.allocated) / float64(p.maxPoolSize)
}

// Stats returns a snapshot of the pool counters.
func (p *DevicePool) Stats() PoolStats {
	p.mu.Lock()
	defer p.mu.Unlock()
	return PoolStats{
		Device:        p.device,
		Allocated:     p.allocated,
		Peak:          p.peak,
		MaxPoolSize:   p.maxPoolSize,
		Pressure:      p.pressure(),
		CachedBuffers: p.cachedCount,
		CachedBytes:   p.cachedBytes,
		CachedKeys:    len(p.cache),
		Allocations:   p.allocations,
		Deallocations: p.deallocations,
		CacheHits:     p.hits,
		CacheMisses:   p.misses,
	}
}

// MemoryPool holds one DevicePool per device, created on first use.
type MemoryPool struct {
	alloc Allocator
	cfg   PoolConfig

	mu    sync.RWMutex
	pools map[int]*DevicePool
}

// NewMemoryPool creates a pool that obtains memory from alloc.
func NewMemoryPool(alloc Allocator, cfg PoolConfig) *MemoryPool {
	def := DefaultPoolConfig()
	if cfg.MaxPoolSize <= 0 {
		cfg.MaxPoolSize = def.MaxPoolSize
	}
	if cfg.FragmentationThreshold <= 0 {
		cfg.FragmentationThreshold = def.FragmentationThreshold
	}
	return &MemoryPool{alloc: alloc, cfg: cfg, pools: make(map[int]*DevicePool)}
}

// Device returns the pool of device, creating it if needed.
func (m *MemoryPool) Device(device int) *DevicePool {
	m.mu.RLock()
	p, ok := m.pools[device]
	m.mu.RUnlock()
	if ok {
		return p
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if p, ok := m.pools[device]; ok {
		return p
	}
	p = newDevicePool(device, m.alloc, m.cfg)
	m.pools[device] = p
	return p
}

// Get borrows a buffer from device's pool.
func (m *MemoryPool) Get(device, size int, precision Precision) (*Buffer, error) {
	return m.Device(device).Get(size, precision)
}

// GetBatch borrows one buffer per size. On failure every buffer already
// borrowed for the batch is released.
func (m *MemoryPool) GetBatch(device int, sizes []int, precision Precision) (*BufferBatch, error) {
	batch := &BufferBatch{}
	for _, size := range sizes {
		buf, err := m.Get(device, size, precision)
		if err != nil {
			batch.Release()
			return nil, err
		}
		batch.Add(buf)
	}
	return batch, nil
}

// Devices returns the ids of the pools created so far.
func (m *MemoryPool) Devices() []int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return slices.Sorted(maps.Keys(m.pools))
}

// MemoryUsage returns (allocated, peak) for device.
func (m *MemoryPool) MemoryUsage(device int) (allocated, peak int64) {
	return m.Device(device).MemoryUsage()
}

// SetMaxPoolSize changes the bound of device's pool.
func (m *MemoryPool) SetMaxPoolSize(device int, bytes int64) {
	m.Device(device).SetMaxPoolSize(bytes)
}

// EmergencyCleanup empties device's pool.
func (m *MemoryPool) EmergencyCleanup(device int) {
	m.Device(device).EmergencyCleanup()
}

// EmergencyCleanupAll empties every pool.
func (m *MemoryPool) EmergencyCleanupAll() {
	for _, p := range m.snapshot() {
		p.EmergencyCleanup()
	}
}

// TotalMemoryUsage sums (allocated, peak) across devices.
func (m *MemoryPool) TotalMemoryUsage() (allocated, peak int64) {
	for _, p := range m.snapshot() {
		a, pk := p.MemoryUsage()
		allocated += a
		peak += pk
	}
	return allocated, peak
}

// Stats returns per-device statistics ordered by device id.
func (m *MemoryPool) Stats() []PoolStats {
	pools := m.snapshot()
	stats := make([]PoolStats, len(pools))
	for i, p := range pools {
		stats[i] = p.Stats()
	}
	return stats
}

func (m *MemoryPool) snapshot() []*DevicePool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	pools := make([]*DevicePool, 0, len(m.pools))
	for _, id := range slices.Sorted(maps.Keys(m.pools)) {
		pools = append(pools, m.pools[id])
	}
	return pools
}
