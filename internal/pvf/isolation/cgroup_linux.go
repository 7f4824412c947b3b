//go:build linux

package isolation

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
)

func createJobCgroup(root string, workerPID int, seq uint64) (string, func(), error) {
	if root == "" {
		return "", func() {}, fmt.Errorf("cgroup root is required")
	}
	cgroupPath := filepath.Join(root, fmt.Sprintf("pvf-worker-%d", workerPID), fmt.Sprintf("job-%d", seq))
	if err := os.MkdirAll(cgroupPath, 0750); err != nil {
		return "", func() {}, fmt.Errorf("create cgroup path: %w", err)
	}
	cleanup := func() {
		// A cgroup directory can only be removed once empty; the job has been reaped by then.
		_ = os.Remove(cgroupPath)
	}
	return cgroupPath, cleanup, nil
}

func applyCgroupLimits(cgroupPath string, cfg CgroupConfig) error {
	pidsValue := "max"
	if cfg.PIDs > 0 {
		pidsValue = strconv.FormatInt(cfg.PIDs, 10)
	}
	if err := writeCgroupValue(cgroupPath, "pids.max", pidsValue); err != nil {
		return err
	}
	if cfg.MemoryBytes > 0 {
		if err := writeCgroupValue(cgroupPath, "memory.max", strconv.FormatInt(cfg.MemoryBytes, 10)); err != nil {
			return err
		}
	}
	return writeCgroupValue(cgroupPath, "cpu.max", "max 100000")
}

func addProcessToCgroup(cgroupPath string, pid int) error {
	if pid <= 0 {
		return fmt.Errorf("invalid pid")
	}
	return writeCgroupValue(cgroupPath, "cgroup.procs", strconv.Itoa(pid))
}

func wasOOMKilled(cgroupPath string) bool {
	if cgroupPath == "" {
		return false
	}
	data, err := os.ReadFile(filepath.Join(cgroupPath, "memory.events"))
	if err != nil {
		return false
	}
	for _, line := range strings.Split(string(data), "\n") {
		fields := strings.Fields(line)
		if len(fields) != 2 {
			continue
		}
		if fields[0] == "oom_kill" {
			val, _ := strconv.ParseInt(fields[1], 10, 64)
			return val > 0
		}
	}
	return false
}

func writeCgroupValue(cgroupPath, name, value string) error {
	return os.WriteFile(filepath.Join(cgroupPath, name), []byte(value), 0640)
}
