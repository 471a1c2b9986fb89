//go:build !linux && !darwin

package resources

import "time"

func processFileLimit() int64 {
	return 0
}

func processCPUTime() time.Duration {
	return 0
}
