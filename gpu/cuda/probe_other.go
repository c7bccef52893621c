//go:build !linux && !darwin

package cuda

var defaultLibraries []string

func probe([]string) (DriverInfo, error) {
	return DriverInfo{}, ErrUnavailable
}
