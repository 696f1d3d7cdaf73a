//go:build !linux

package worker

import "runtime"

// pinWorker only locks the goroutine to its OS thread; core pinning is
// Linux only.
func pinWorker(int) (func(), error) {
	runtime.LockOSThread()
	return func() { runtime.UnlockOSThread() }, nil
}
