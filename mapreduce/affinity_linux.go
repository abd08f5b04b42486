//go:build linux

package mapreduce

import (
	"fmt"
	"runtime"

	"golang.org/x/sys/unix"
)

// pinToCore locks the calling goroutine to its OS thread and restricts that
// thread to one CPU. The returned func restores the previous affinity and
// unlocks the thread.
func pinToCore(core int) (unpin func(), err error) {
	runtime.LockOSThread()

	var old unix.CPUSet
	if err := unix.SchedGetaffinity(0, &old); err != nil {
		runtime.UnlockOSThread()
		return nil, fmt.Errorf("get affinity: %w", err)
	}

	var set unix.CPUSet
	set.Zero()
	set.Set(core % runtime.NumCPU())
	if err := unix.SchedSetaffinity(0, &set); err != nil {
		runtime.UnlockOSThread()
		return nil, fmt.Errorf("set affinity to cpu %d: %w", core%runtime.NumCPU(), err)
	}

	return func() {
		_ = unix.SchedSetaffinity(0, &old)
		runtime.UnlockOSThread()
	}, nil
}
