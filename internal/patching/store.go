package patching

import (
	"context"

	"github.com/breeze-rmm/winpatch/internal/logging"
)

var log = logging.L("patching")

// StoreSource manages Microsoft Store apps through winget's msstore catalog.
// Before listing upgrades it asks the Store to refresh its own update scan.
type StoreSource struct {
	*WingetSource
	triggerScan func(ctx context.Context) error
}

// NewStoreSource creates the Microsoft Store source.
func NewStoreSource(exec ExecFunc, timeouts Timeouts) *StoreSource {
	return &StoreSource{
		WingetSource: newWingetSource(SourceStore, "msstore", exec, timeouts),
		triggerScan:  triggerStoreUpdateScan,
	}
}

// Name returns the human-readable source name.
func (s *StoreSource) Name() string {
	return "Microsoft Store"
}

// ListAvailableUpgrades refreshes the Store scan (best effort) and then
// lists msstore upgrades through winget.
func (s *StoreSource) ListAvailableUpgrades(ctx context.Context) ([]Upgrade, error) {
	if s.triggerScan != nil {
		if err := s.triggerScan(ctx); err != nil {
			log.Warn("store update scan trigger failed", logging.KeyError, err.Error())
		}
	}
	return s.WingetSource.ListAvailableUpgrades(ctx)
}
