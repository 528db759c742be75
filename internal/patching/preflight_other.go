//go:build !windows

package patching

import "fmt"

func systemDiskPath() string {
	return "/"
}

// checkServiceHealth passes off Windows; there is no service manager to ask.
func checkServiceHealth(name string) PreflightCheck {
	return PreflightCheck{
		Name:    "service_health",
		Passed:  true,
		Message: fmt.Sprintf("%s: not applicable on this platform", name),
	}
}

// CreateRestorePoint is unsupported off Windows.
func CreateRestorePoint(string) error {
	return ErrRestorePointUnsupported
}
