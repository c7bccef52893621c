//go:build linux || darwin

package cuda

import (
	"bytes"
	"fmt"

	"github.com/ebitengine/purego"
)

var defaultLibraries = []string{"libcuda.so.1", "libcuda.so", "/usr/lib/wsl/lib/libcuda.so.1"}

type driver struct {
	cuInit             func(flags uint32) int32
	cuDriverGetVersion func(version *int32) int32
	cuDeviceGetCount   func(count *int32) int32
	cuDeviceGet        func(device *int32, ordinal int32) int32
	cuDeviceGetName    func(name *byte, length int32, device int32) int32
	cuDeviceTotalMem   func(bytes *uint64, device int32) int32
}

func probe(libs []string) (DriverInfo, error) {
	var (
		handle uintptr
		path   string
		errs   []error
	)
	for _, lib := range libs {
		h, err := purego.Dlopen(lib, purego.RTLD_NOW|purego.RTLD_GLOBAL)
		if err == nil {
			handle, path = h, lib
			break
		}
		errs = append(errs, err)
	}
	if handle == 0 {
		return DriverInfo{}, fmt.Errorf("%w: %v", ErrUnavailable, errs)
	}

	var d driver
	symbols := []struct {
		fptr any
		name string
	}{
		{&d.cuInit, "cuInit"},
		{&d.cuDriverGetVersion, "cuDriverGetVersion"},
		{&d.cuDeviceGetCount, "cuDeviceGetCount"},
		{&d.cuDeviceGet, "cuDeviceGet"},
		{&d.cuDeviceGetName, "cuDeviceGetName"},
		{&d.cuDeviceTotalMem, "cuDeviceTotalMem_v2"},
	}
	for _, s := range symbols {
		sym, err := purego.Dlsym(handle, s.name)
		if err != nil {
			return DriverInfo{}, fmt.Errorf("%w: %s: %v", ErrUnavailable, s.name, err)
		}
		purego.RegisterFunc(s.fptr, sym)
	}

	if rc := d.cuInit(0); rc != 0 {
		return DriverInfo{}, &driverError{call: "cuInit", code: rc}
	}

	info := DriverInfo{Library: path}

	var version int32
	if rc := d.cuDriverGetVersion(&version); rc != 0 {
		return DriverInfo{}, &driverError{call: "cuDriverGetVersion", code: rc}
	}
	info.Version = int(version)

	var count int32
	if rc := d.cuDeviceGetCount(&count); rc != 0 {
		return DriverInfo{}, &driverError{call: "cuDeviceGetCount", code: rc}
	}

	for i := int32(0); i < count; i++ {
		var dev int32
		if rc := d.cuDeviceGet(&dev, i); rc != 0 {
			return DriverInfo{}, &driverError{call: "cuDeviceGet", code: rc}
		}

		name := make([]byte, 256)
		if rc := d.cuDeviceGetName(&name[0], int32(len(name)), dev); rc != 0 {
			return DriverInfo{}, &driverError{call: "cuDeviceGetName", code: rc}
		}
		if n := bytes.IndexByte(name, 0); n >= 0 {
			name = name[:n]
		}

		var total uint64
		if rc := d.cuDeviceTotalMem(&total, dev); rc != 0 {
			return DriverInfo{}, &driverError{call: "cuDeviceTotalMem_v2", code: rc}
		}

		info.Devices = append(info.Devices, Device{Ordinal: int(i), Name: string(name), MemoryBytes: total})
	}
	return info, nil
}
