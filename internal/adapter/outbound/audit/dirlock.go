package audit

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
)

const lockFileName = ".quotaguard.lock"

var errDirLocked = errors.New("locked by another process")

// dirLock keeps a second process from interleaving writes into the same
// event directory.
type dirLock struct {
	f *os.File
}

func lockDir(dir string) (*dirLock, error) {
	f, err := os.OpenFile(filepath.Join(dir, lockFileName), os.O_CREATE|os.O_RDWR, 0600)
	if err != nil {
		return nil, fmt.Errorf("open lock file: %w", err)
	}
	if err := tryLock(f.Fd()); err != nil {
		_ = f.Close()
		return nil, fmt.Errorf("event directory %s: %w", dir, err)
	}
	return &dirLock{f: f}, nil
}

func (l *dirLock) release() error {
	if l == nil || l.f == nil {
		return nil
	}
	_ = unlock(l.f.Fd())
	err := l.f.Close()
	l.f = nil
	return err
}
