//go:build !unix

package conversation

import "os"

// Without flock, appends are only serialized within one process.
func lockFile(*os.File, bool) error { return nil }

func unlockFile(*os.File) {}
