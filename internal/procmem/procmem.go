// Package procmem samples a process's resident set size for the recycler's
// memory-threshold check.
package procmem

import (
	"fmt"

	"github.com/prometheus/procfs"
)

// RSSMB returns the resident set size of pid in megabytes, read from
// /proc/<pid>/status (Linux-class kernels only). Callers on other
// platforms must substitute an equivalent OS query — this package does not
// attempt one.
func RSSMB(pid int) (uint64, error) {
	fs, err := procfs.NewDefaultFS()
	if err != nil {
		return 0, fmt.Errorf("procmem: open procfs: %w", err)
	}

	proc, err := fs.Proc(pid)
	if err != nil {
		return 0, fmt.Errorf("procmem: open /proc/%d: %w", pid, err)
	}

	status, err := proc.NewStatus()
	if err != nil {
		return 0, fmt.Errorf("procmem: read status for pid %d: %w", pid, err)
	}

	// VmRSS is reported in bytes by procfs.ProcStatus; callers want
	// megabytes.
	return status.VmRSS / (1024 * 1024), nil
}
