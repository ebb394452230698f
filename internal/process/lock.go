package process

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/gofrs/flock"
)

// instanceLock guards a PID file so that two supervisors never run the same
// spec at once. The lock lives beside the PID file as <pid_file>.lock.
type instanceLock struct {
	fl *flock.Flock
}

func lockPath(pidFile string) string { return pidFile + ".lock" }

// acquireInstanceLock takes a non-blocking exclusive lock. It returns
// ErrAlreadyRunning when another holder exists.
func acquireInstanceLock(pidFile string) (*instanceLock, error) {
	if pidFile == "" {
		return &instanceLock{}, nil
	}
	if err := os.MkdirAll(filepath.Dir(pidFile), 0o750); err != nil {
		return nil, err
	}
	fl := flock.New(lockPath(pidFile))
	ok, err := fl.TryLock()
	if err != nil {
		return nil, fmt.Errorf("lock %s: %w", fl.Path(), err)
	}
	if !ok {
		return nil, fmt.Errorf("lock %s: %w", fl.Path(), ErrAlreadyRunning)
	}
	return &instanceLock{fl: fl}, nil
}

func (l *instanceLock) release() {
	if l == nil || l.fl == nil {
		return
	}
	_ = l.fl.Unlock()
}
