//go:build unix

package conversation

import (
	"os"
	"syscall"
)

func lockFile(fh *os.File, exclusive bool) error {
	how := syscall.LOCK_SH
	if exclusive {
		how = syscall.LOCK_EX
	}
	for {
		err := syscall.Flock(int(fh.Fd()), how)
		if err != syscall.EINTR {
			return err
		}
	}
}

func unlockFile(fh *os.File) {
	_ = syscall.Flock(int(fh.Fd()), syscall.LOCK_UN)
}
