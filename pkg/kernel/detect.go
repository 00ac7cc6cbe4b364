//go:build linux

package kernel

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"strings"
)

const schedExtSysDir = "/sys/kernel/sched_ext"

// Probe checks that the running kernel can host the scheduler: a bpf
// filesystem must be mounted and the sched_ext sysfs directory present.
// Returns a human-readable detail string for the startup log.
//
// Probing up front beats letting the attach fail late with an opaque
// verifier error on kernels without sched_ext.
func Probe() (string, error) {
	f, err := os.Open("/proc/self/mountinfo")
	if err != nil {
		return "", fmt.Errorf("kernel: open mountinfo: %w", err)
	}
	defer func() {
		_ = f.Close()
	}()

	bpfMounts, err := scanBpfMounts(f)
	if err != nil {
		return "", err
	}
	if len(bpfMounts) == 0 {
		return "", fmt.Errorf("%w: no bpf filesystem mounted", ErrNotSupported)
	}
	if _, err := os.Stat(schedExtSysDir); err != nil {
		return "", fmt.Errorf("%w: %s: %v", ErrNotSupported, schedExtSysDir, err)
	}
	return fmt.Sprintf("bpffs on %s; sched_ext present", strings.Join(bpfMounts, ",")), nil
}

// scanBpfMounts returns the mount points carrying a bpf filesystem.
//
// mountinfo lines have the shape: <fields> - <fstype> <source> <superopts>
// with the mount point at field 5 of the pre-separator part (man 5 proc).
func scanBpfMounts(r io.Reader) ([]string, error) {
	var mounts []string
	sc := bufio.NewScanner(r)
	for sc.Scan() {
		line := sc.Text()
		sep := " - "
		i := strings.LastIndex(line, sep)
		if i < 0 {
			continue
		}
		tail := strings.Fields(line[i+len(sep):])
		if len(tail) < 1 || tail[0] != "bpf" {
			continue
		}
		pre := strings.Fields(line[:i])
		if len(pre) < 5 {
			continue
		}
		mounts = append(mounts, pre[4])
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("kernel: scan mountinfo: %w", err)
	}
	return mounts, nil
}
