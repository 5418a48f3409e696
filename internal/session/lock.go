package session

import (
	"fmt"
	"os"
	"time"
)

// fileLock is an advisory lock backed by a separate .lock file created with
// O_EXCL, which works the same on every OS (unlike flock/LockFileEx).
type fileLock struct {
	path string
}

const (
	lockRetryInterval = 10 * time.Millisecond
	lockTimeout       = 5 * time.Second
	lockStaleAge      = 30 * time.Second
)

// acquireLock creates the lock file, waiting for a holder to release.
// Locks older than lockStaleAge are treated as abandoned by a crashed
// process and broken.
func acquireLock(path string) (*fileLock, error) {
	deadline := time.Now().Add(lockTimeout)
	for {
		f, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o644)
		if err == nil {
			fmt.Fprintf(f, "%d\n", os.Getpid())
			f.Close()
			return &fileLock{path: path}, nil
		}
		if !os.IsExist(err) {
			return nil, err
		}

		if info, statErr := os.Stat(path); statErr == nil {
			if time.Since(info.ModTime()) > lockStaleAge {
				os.Remove(path)
				continue
			}
		}

		if time.Now().After(deadline) {
			return nil, fmt.Errorf("timed out waiting for lock %s", path)
		}
		time.Sleep(lockRetryInterval)
	}
}

func (l *fileLock) release() {
	os.Remove(l.path)
}
