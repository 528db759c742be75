//go:build !windows

package patching

import "context"

// triggerStoreUpdateScan is a no-op off Windows.
func triggerStoreUpdateScan(context.Context) error {
	return nil
}
