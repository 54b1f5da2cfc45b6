//go:build !unix

package build

import (
	"errors"
	"fmt"
	"os"
)

func lockDir(path string) (func(), error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_RDWR, 0o644)
	if err != nil {
		if errors.Is(err, os.ErrExist) {
			return nil, ErrLocked
		}
		return nil, fmt.Errorf("open lock: %w", err)
	}
	return func() {
		f.Close()
		os.Remove(path)
	}, nil
}
