package worker

import (
	"time"

	"golang.org/x/sys/unix"
)

// JobTimeoutOverhead is added to every monitor sleep so the monitor wakes after the deadline
// rather than just before it.
const JobTimeoutOverhead = 50 * time.Millisecond

// CPUClock reports CPU time consumed so far.
type CPUClock func() (time.Duration, error)

// ProcessCPUTime returns the CPU time of the calling process across all of its threads.
func ProcessCPUTime() (time.Duration, error) {
	var ts unix.Timespec
	if err := unix.ClockGettime(unix.CLOCK_PROCESS_CPUTIME_ID, &ts); err != nil {
		return 0, err
	}
	return time.Duration(ts.Nano()), nil
}

// CPUTimeMonitorLoop sleeps until either finished is closed or the CPU time spent since
// start reaches timeout, the same bound the worker applies to the job's measured CPU time.
// It returns the elapsed CPU time and true when the job overran.
// It kills nothing; acting on the result is up to the caller.
func CPUTimeMonitorLoop(clock CPUClock, start, timeout time.Duration, finished <-chan struct{}) (time.Duration, bool, error) {
	for {
		now, err := clock()
		if err != nil {
			return 0, false, err
		}
		elapsed := now - start
		if elapsed >= timeout {
			return elapsed, true, nil
		}

		timer := time.NewTimer(timeout - elapsed + JobTimeoutOverhead)
		select {
		case <-finished:
			timer.Stop()
			return elapsed, false, nil
		case <-timer.C:
		}
	}
}

// ChildrenUsage returns the resource usage of all reaped children of the calling process.
func ChildrenUsage() (unix.Rusage, error) {
	var ru unix.Rusage
	err := unix.Getrusage(unix.RUSAGE_CHILDREN, &ru)
	return ru, err
}

// TotalCPUUsage is user plus system time.
func TotalCPUUsage(ru *unix.Rusage) time.Duration {
	return time.Duration(ru.Utime.Nano() + ru.Stime.Nano())
}

// CPUDelta returns the CPU time children consumed between two ChildrenUsage samples.
func CPUDelta(before, after *unix.Rusage) time.Duration {
	d := TotalCPUUsage(after) - TotalCPUUsage(before)
	if d < 0 {
		return 0
	}
	return d
}
