//go:build windows

package patching

import (
	"fmt"
	"os"
	"time"
	"unsafe"

	"golang.org/x/sys/windows"
	"golang.org/x/sys/windows/svc"
	"golang.org/x/sys/windows/svc/mgr"
)

func systemDiskPath() string {
	systemDrive := os.Getenv("SystemDrive")
	if systemDrive == "" {
		systemDrive = "C:"
	}
	return systemDrive + "\\"
}

// checkServiceHealth ensures a Windows service is running, starting it and
// waiting up to 30 seconds when it is stopped.
func checkServiceHealth(name string) PreflightCheck {
	check := PreflightCheck{Name: "service_health"}

	m, err := mgr.Connect()
	if err != nil {
		check.Message = fmt.Sprintf("failed to connect to service manager: %v", err)
		return check
	}
	defer m.Disconnect()

	s, err := m.OpenService(name)
	if err != nil {
		check.Message = fmt.Sprintf("failed to open %s service: %v", name, err)
		return check
	}
	defer s.Close()

	status, err := s.Query()
	if err != nil {
		check.Message = fmt.Sprintf("failed to query %s status: %v", name, err)
		return check
	}

	if status.State == svc.Running {
		check.Passed = true
		check.Message = name + " is running"
		return check
	}

	// Demand-start services (InstallService) are healthy while stopped as
	// long as they are not disabled.
	if cfg, err := s.Config(); err == nil && cfg.StartType == mgr.StartManual && status.State == svc.Stopped {
		check.Passed = true
		check.Message = name + " is stopped (demand start)"
		return check
	}

	if err := s.Start(); err != nil {
		check.Message = fmt.Sprintf("%s is %s and failed to start: %v", name, svcStateName(status.State), err)
		return check
	}

	deadline := time.Now().Add(30 * time.Second)
	for time.Now().Before(deadline) {
		status, err = s.Query()
		if err != nil {
			check.Message = fmt.Sprintf("failed to query %s after start: %v", name, err)
			return check
		}
		if status.State == svc.Running {
			check.Passed = true
			check.Message = name + " started successfully"
			return check
		}
		time.Sleep(1 * time.Second)
	}

	check.Message = fmt.Sprintf("%s did not reach running state within 30s (state: %s)", name, svcStateName(status.State))
	return check
}

func svcStateName(state svc.State) string {
	switch state {
	case svc.Stopped:
		return "Stopped"
	case svc.StartPending:
		return "StartPending"
	case svc.StopPending:
		return "StopPending"
	case svc.Running:
		return "Running"
	case svc.ContinuePending:
		return "ContinuePending"
	case svc.PausePending:
		return "PausePending"
	case svc.Paused:
		return "Paused"
	default:
		return fmt.Sprintf("Unknown(%d)", state)
	}
}

var (
	srclientDLL           = windows.NewLazySystemDLL("srclient.dll")
	procSRSetRestorePoint = srclientDLL.NewProc("SRSetRestorePointW")
)

// restorePointInfo is RESTOREPOINTINFOW.
type restorePointInfo struct {
	EventType        uint32
	RestorePointType uint32
	SequenceNumber   int64
	Description      [256]uint16
}

// stateMgrStatus is STATEMGRSTATUS, which is declared pack(1): the INT64
// sequence number sits at offset 4.
type stateMgrStatus struct {
	Status         uint32
	SequenceNumber [2]uint32
}

const (
	beginSystemChange   = 100
	modifySettings      = 12
	errorServiceDisable = 1058
)

// CreateRestorePoint creates a System Restore point. Callers decide whether
// a failure blocks the run.
func CreateRestorePoint(description string) error {
	if err := procSRSetRestorePoint.Find(); err != nil {
		return fmt.Errorf("SRSetRestorePoint not available: %w", err)
	}

	rpi := restorePointInfo{
		EventType:        beginSystemChange,
		RestorePointType: modifySettings,
	}

	descUTF16, err := windows.UTF16FromString(description)
	if err != nil {
		return fmt.Errorf("failed to convert description: %w", err)
	}
	if len(descUTF16) > len(rpi.Description) {
		descUTF16 = descUTF16[:len(rpi.Description)-1]
		descUTF16 = append(descUTF16, 0)
	}
	copy(rpi.Description[:], descUTF16)

	var status stateMgrStatus
	r, _, callErr := procSRSetRestorePoint.Call(
		uintptr(unsafe.Pointer(&rpi)),
		uintptr(unsafe.Pointer(&status)),
	)
	if r == 0 {
		if status.Status == errorServiceDisable {
			return fmt.Errorf("system restore is disabled on this machine")
		}
		return fmt.Errorf("SRSetRestorePoint failed: status=%d err=%v", status.Status, callErr)
	}

	return nil
}
