//go:build windows

package patching

import (
	"strings"

	"golang.org/x/sys/windows/registry"
)

var uninstallRegistryPaths = []struct {
	root registry.Key
	path string
}{
	{registry.LOCAL_MACHINE, `SOFTWARE\Microsoft\Windows\CurrentVersion\Uninstall`},
	{registry.LOCAL_MACHINE, `SOFTWARE\WOW6432Node\Microsoft\Windows\CurrentVersion\Uninstall`},
	{registry.CURRENT_USER, `SOFTWARE\Microsoft\Windows\CurrentVersion\Uninstall`},
}

// registryInstallLocation searches the Uninstall keys for an entry whose key
// name or DisplayName matches the package and returns its InstallLocation.
func registryInstallLocation(name string) (string, bool) {
	want := executablePrefix(name)
	if want == "" {
		return "", false
	}

	for _, regPath := range uninstallRegistryPaths {
		key, err := registry.OpenKey(regPath.root, regPath.path, registry.READ)
		if err != nil {
			continue
		}
		subkeys, err := key.ReadSubKeyNames(-1)
		if err != nil {
			key.Close()
			continue
		}

		for _, subkeyName := range subkeys {
			subkey, err := registry.OpenKey(key, subkeyName, registry.QUERY_VALUE)
			if err != nil {
				continue
			}
			displayName, _, _ := subkey.GetStringValue("DisplayName")
			location, _, _ := subkey.GetStringValue("InstallLocation")
			subkey.Close()

			if strings.TrimSpace(location) == "" {
				continue
			}
			if strings.Contains(normalizeName(subkeyName), want) || strings.Contains(normalizeName(displayName), want) {
				key.Close()
				return location, true
			}
		}
		key.Close()
	}
	return "", false
}
