package system

import (
	"fmt"
	"runtime"
)

// GetInfo returns the current system information in a human-readable way.
func GetInfo() string {
	return fmt.Sprintf("OS: %s, Architecture: %s, CPUs: %d, Go Version: %s", runtime.GOOS, runtime.GOARCH, runtime.NumCPU(), runtime.Version())
}
