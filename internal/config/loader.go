package config

import (
	"fmt"
	"os"
)

// checkConfigFilePermissions rejects a config file with overly permissive
// permissions. Config files may contain sensitive paths and network
// topology. Returns an error when any group or other permission bit is
// set; a file that cannot be stat'ed passes.
func checkConfigFilePermissions(path string) error {
	info, err := os.Stat(path)
	if err != nil {
		return nil // file access errors are handled by the caller
	}
	mode := info.Mode().Perm()
	if mode&0077 != 0 {
		return fmt.Errorf("config file %s has overly permissive mode %04o; expected 0600 — fix with: chmod 600 %s", path, mode, path)
	}
	return nil
}
