package system

import (
	"log/slog"
	"runtime"
)

// LogMemoryUsage logs heap figures after a large allocation such as loading
// a model artifact.
func LogMemoryUsage(tag string) {
	var m runtime.MemStats
	runtime.ReadMemStats(&m)

	slog.Info("memory usage",
		"tag", tag,
		"alloc_mb", bToMb(m.Alloc),
		"sys_mb", bToMb(m.Sys),
		"heap_objects", m.HeapObjects,
		"num_gc", m.NumGC,
	)
}

// AllocMB reports the live heap in megabytes.
func AllocMB() uint64 {
	var m runtime.MemStats
	runtime.ReadMemStats(&m)
	return bToMb(m.Alloc)
}

func bToMb(b uint64) uint64 {
	return b / 1024 / 1024
}
