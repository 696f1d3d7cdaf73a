//go:build linux

package worker

import (
	"runtime"

	"golang.org/x/sys/unix"
)

// pinWorker locks the calling goroutine to its OS thread and restricts the
// thread to core id % NumCPU. The returned func restores the thread's
// previous mask, unlocks the thread and must always be called, even when
// pinning failed.
func pinWorker(id int) (func(), error) {
	runtime.LockOSThread()

	// 0 = current thread
	var orig unix.CPUSet
	if err := unix.SchedGetaffinity(0, &orig); err != nil {
		return func() { runtime.UnlockOSThread() }, err
	}
	release := func() {
		// 還原失敗時不能把被綁核的執行緒還給排程器，讓它隨 goroutine 結束
		if err := unix.SchedSetaffinity(0, &orig); err != nil {
			return
		}
		runtime.UnlockOSThread()
	}

	var mask unix.CPUSet
	mask.Zero()
	mask.Set(id % runtime.NumCPU())
	if err := unix.SchedSetaffinity(0, &mask); err != nil {
		return release, err
	}
	return release, nil
}
