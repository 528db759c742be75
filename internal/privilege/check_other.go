//go:build !windows

package privilege

import "os"

// IsElevated reports whether the process runs as root.
func IsElevated() bool {
	return os.Getuid() == 0
}
