package distance

import (
	"runtime"

	"github.com/viterin/vek/vek32"
)

// CPU feature flags, set by platform-specific init.
var (
	hasAVX2     bool
	hasAVX512F  bool
	hasAVX512BW bool
	hasASIMD    bool
	hasSVE2     bool
)

// CapabilityInfo describes the kernel implementation selected for this CPU.
type CapabilityInfo struct {
	Arch        string
	Accelerated bool
	Features    []string
	AVX2        bool
	AVX512      bool
	NEON        bool
	SVE2        bool
}

// Capabilities reports the CPU features available to the distance kernels.
func Capabilities() CapabilityInfo {
	info := vek32.Info()
	return CapabilityInfo{
		Arch:        runtime.GOARCH,
		Accelerated: info.Acceleration,
		Features:    info.CPUFeatures,
		AVX2:        hasAVX2,
		AVX512:      hasAVX512F && hasAVX512BW,
		NEON:        hasASIMD,
		SVE2:        hasSVE2,
	}
}
