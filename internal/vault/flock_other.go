//go:build !unix

package vault

import (
	"fmt"
	"os"
)

// fileLock falls back to an O_EXCL marker file where flock is unavailable.
type fileLock struct {
	path string
}

func acquireLock(path string) (*fileLock, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0600)
	if err != nil {
		return nil, fmt.Errorf("wallet table locked by another process: %w", err)
	}
	f.Close()
	return &fileLock{path: path}, nil
}

func (l *fileLock) release() error {
	return os.Remove(l.path)
}
