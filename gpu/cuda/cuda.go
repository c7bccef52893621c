// Package cuda probes for an NVIDIA CUDA driver without cgo.
//
// The driver library is loaded at runtime through purego. Probing never
// fails the process: on machines without a driver Probe returns
// ErrUnavailable and callers fall back to gpu.HostRuntime.
package cuda

import (
	"errors"
	"fmt"
	"os"
	"sync"
)

// LibraryEnv overrides the driver library path.
const LibraryEnv = "ANNIE_CUDA_LIBRARY"

var (
	// ErrUnavailable is returned when no usable driver library is found.
	ErrUnavailable = errors.New("cuda: driver not available")

	// ErrDriver is returned when the driver reports a failure.
	ErrDriver = errors.New("cuda: driver call failed")
)

// Device describes one CUDA device.
type Device struct {
	Ordinal     int    `json:"ordinal"`
	Name        string `json:"name"`
	MemoryBytes uint64 `json:"memory_bytes"`
}

// DriverInfo is the result of a successful probe.
type DriverInfo struct {
	Library string   `json:"library"`
	Version int      `json:"version"`
	Devices []Device `json:"devices"`
}

// VersionString formats the driver version as "major.minor".
func (d DriverInfo) VersionString() string {
	return FormatVersion(d.Version)
}

// FormatVersion formats a CUDA version number such as 12040 as "12.4".
func FormatVersion(v int) string {
	return fmt.Sprintf("%d.%d", v/1000, (v%1000)/10)
}

var (
	probeOnce sync.Once
	probeInfo DriverInfo
	probeErr  error
)

// Probe loads the driver once and reports its version and devices.
func Probe() (DriverInfo, error) {
	probeOnce.Do(func() {
		probeInfo, probeErr = probe(candidates())
	})
	return probeInfo, probeErr
}

// Available reports whether a driver with at least one device was found.
func Available() bool {
	info, err := Probe()
	return err == nil && len(info.Devices) > 0
}

func candidates() []string {
	if p := os.Getenv(LibraryEnv); p != "" {
		return []string{p}
	}
	return defaultLibraries
}

type driverError struct {
	call string
	code int32
}

func (e *driverError) Error() string {
	return fmt.Sprintf("%s returned CUresult %d", e.call, e.code)
}

func (e *driverError) Unwrap() error { return ErrDriver }
