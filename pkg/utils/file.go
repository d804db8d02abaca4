package utils

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
)

// WriteFileAtomic streams content produced by write into a temp file next to path,
// syncs it and renames it over path. A failed write never leaves a partial file at path.
func WriteFileAtomic(path string, write func(w io.Writer) error) (err error) {
	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, "."+filepath.Base(path)+".*.tmp")
	if err != nil {
		return fmt.Errorf("%w: creating temp file in '%s': %w", ErrFilesystem, dir, err)
	}
	tmpPath := tmp.Name()
	defer func() {
		if err != nil {
			tmp.Close()
			os.Remove(tmpPath)
		}
	}()

	if err = write(tmp); err != nil {
		return err
	}
	if err = tmp.Sync(); err != nil {
		return fmt.Errorf("%w: syncing '%s': %w", ErrFilesystem, tmpPath, err)
	}
	if err = tmp.Close(); err != nil {
		return fmt.Errorf("%w: closing '%s': %w", ErrFilesystem, tmpPath, err)
	}
	if err = os.Chmod(tmpPath, 0644); err != nil {
		return fmt.Errorf("%w: chmod '%s': %w", ErrFilesystem, tmpPath, err)
	}
	if err = os.Rename(tmpPath, path); err != nil {
		return fmt.Errorf("%w: renaming '%s' to '%s': %w", ErrFilesystem, tmpPath, path, err)
	}
	return nil
}
