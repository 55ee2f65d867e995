//go:build !windows

package atomicfile

import "os"

// replace performs an atomic rename on POSIX systems.
func replace(tmpPath, dest string) error {
	return os.Rename(tmpPath, dest)
}

// syncDir best-effort fsyncs the parent directory to persist the rename.
func syncDir(dir string) error {
	f, err := os.Open(dir)
	if err != nil {
		return err
	}
	defer f.Close()
	return f.Sync()
}
