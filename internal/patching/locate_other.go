//go:build !windows

package patching

// registryInstallLocation has no registry to consult off Windows.
func registryInstallLocation(string) (string, bool) {
	return "", false
}
