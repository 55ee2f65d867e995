//go:build !unix

package rootlock

import "os"

// Without flock only the in-process lock applies.
func lockFile(*os.File, bool) error { return nil }

func unlockFile(*os.File) error { return nil }
