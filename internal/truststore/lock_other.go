//go:build !unix

package truststore

import "os"

// Only the in-process mutex serializes handles here.
func lockFile(*os.File) error { return nil }

func unlockFile(*os.File) error { return nil }
