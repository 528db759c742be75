package patching

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMaintenanceWindowSameDay(t *testing.T) {
	at := func(h, m int) time.Time { return time.Date(2024, 6, 3, h, m, 0, 0, time.Local) } // Monday

	assert.True(t, checkMaintenanceWindow("02:00", "06:00", nil, at(3, 0)).Passed)
	assert.False(t, checkMaintenanceWindow("02:00", "06:00", nil, at(6, 0)).Passed)
	assert.False(t, checkMaintenanceWindow("02:00", "06:00", nil, at(1, 59)).Passed)
}

func TestMaintenanceWindowOvernight(t *testing.T) {
	at := func(h, m int) time.Time { return time.Date(2024, 6, 3, h, m, 0, 0, time.Local) }

	assert.True(t, checkMaintenanceWindow("22:00", "06:00", nil, at(23, 30)).Passed)
	assert.True(t, checkMaintenanceWindow("22:00", "06:00", nil, at(5, 0)).Passed)
	assert.False(t, checkMaintenanceWindow("22:00", "06:00", nil, at(12, 0)).Passed)
}

func TestMaintenanceWindowDays(t *testing.T) {
	monday := time.Date(2024, 6, 3, 3, 0, 0, 0, time.Local)
	assert.True(t, checkMaintenanceWindow("02:00", "06:00", []string{"Monday"}, monday).Passed)

	check := checkMaintenanceWindow("02:00", "06:00", []string{"saturday", "sunday"}, monday)
	assert.False(t, check.Passed)
	assert.Contains(t, check.Message, "monday")
}

func TestMaintenanceWindowInvalidTime(t *testing.T) {
	check := checkMaintenanceWindow("25:00", "06:00", nil, time.Now())
	assert.False(t, check.Passed)
	assert.Contains(t, check.Message, "invalid maintenance start")
}

func TestRunPreflightReportsFirstFailure(t *testing.T) {
	result := RunPreflight(PreflightOptions{
		CheckMaintWindow: true,
		MaintenanceStart: "01:00",
		MaintenanceEnd:   "02:00",
		Now:              func() time.Time { return time.Date(2024, 6, 3, 12, 0, 0, 0, time.Local) },
	})
	require.False(t, result.OK)

	var pf *ErrPreflightFailed
	require.True(t, errors.As(result.FirstError(), &pf))
	assert.Equal(t, "maintenance_window", pf.Check)
}

func TestRunPreflightDiskSpace(t *testing.T) {
	result := RunPreflight(PreflightOptions{
		CheckDiskSpace: true,
		MinDiskSpaceGB: 0,
		DiskPath:       t.TempDir(),
	})
	assert.True(t, result.OK, "%+v", result.Checks)
	assert.NoError(t, result.FirstError())

	result = RunPreflight(PreflightOptions{
		CheckDiskSpace: true,
		MinDiskSpaceGB: 1 << 30,
		DiskPath:       t.TempDir(),
	})
	assert.False(t, result.OK)
}

func TestRunPreflightWarnsOnLowDiskSpace(t *testing.T) {
	dir := t.TempDir()
	_, free := checkDiskSpace(dir, 0)
	if free == 0 {
		t.Skip("disk usage unavailable")
	}

	result := RunPreflight(PreflightOptions{
		CheckDiskSpace: true,
		MinDiskSpaceGB: free * 0.75,
		DiskPath:       dir,
	})
	assert.True(t, result.OK, "%+v", result.Checks)
	require.Len(t, result.Warnings, 1)
	assert.Contains(t, result.Warnings[0], "low disk space")
}
