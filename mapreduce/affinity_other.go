//go:build !linux

package mapreduce

import "runtime"

func pinToCore(int) (unpin func(), err error) {
	runtime.LockOSThread()
	return runtime.UnlockOSThread, nil
}
