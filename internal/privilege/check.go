// Package privilege decides which commands need an elevated process.
package privilege

import (
	"errors"
	"fmt"
)

// ErrNotElevated is returned when a command needs administrator rights.
var ErrNotElevated = errors.New("administrator privileges required")

// elevatedCommands lists the CLI commands that install, remove or roll back
// software or create restore points.
var elevatedCommands = map[string]bool{
	"update":    true,
	"rollback":  true,
	"bootstrap": true,
}

// RequiresElevation reports whether command needs root/administrator.
func RequiresElevation(command string) bool {
	return elevatedCommands[command]
}

// Check returns ErrNotElevated when command needs elevation and the process
// does not have it.
func Check(command string) error {
	if !RequiresElevation(command) || IsElevated() {
		return nil
	}
	return fmt.Errorf("%s: %w", command, ErrNotElevated)
}
