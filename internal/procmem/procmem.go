// Package procmem samples the resident memory of OS processes.
package procmem

import (
	"github.com/prometheus/procfs"
)

const bytesPerMB = 1024 * 1024

// ResidentMB returns the resident set size of pid in megabytes.
//
// Any failure, including a pid that already exited or was never valid,
// yields 0. It never panics and holds no state, so concurrent calls for the
// same dying pid are safe.
func ResidentMB(pid int) float64 {
	if pid <= 0 {
		return 0
	}
	proc, err := procfs.NewProc(pid)
	if err != nil {
		return 0
	}
	stat, err := proc.Stat()
	if err != nil {
		return 0
	}
	rss := stat.ResidentMemory()
	if rss <= 0 {
		return 0
	}
	return float64(rss) / bytesPerMB
}
