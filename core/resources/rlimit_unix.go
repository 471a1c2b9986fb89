//go:build linux || darwin

package resources

import (
	"math"
	"time"

	"golang.org/x/sys/unix"
)

// processFileLimit returns the soft RLIMIT_NOFILE, or 0 when unknown.
func processFileLimit() int64 {
	var rlimit unix.Rlimit
	if err := unix.Getrlimit(unix.RLIMIT_NOFILE, &rlimit); err != nil {
		return 0
	}
	cur := uint64(rlimit.Cur)
	if cur > math.MaxInt64 {
		return 0
	}
	return int64(cur)
}

// processCPUTime returns user plus system CPU time consumed by the process.
func processCPUTime() time.Duration {
	var usage unix.Rusage
	if err := unix.Getrusage(unix.RUSAGE_SELF, &usage); err != nil {
		return 0
	}
	return time.Duration(usage.Utime.Nano() + usage.Stime.Nano())
}
