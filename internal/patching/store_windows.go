//go:build windows

package patching

import (
	"context"
	"fmt"
	"runtime"

	"github.com/go-ole/go-ole"
	"github.com/go-ole/go-ole/oleutil"
)

const (
	storeWMINamespace = `root\cimv2\mdm\dmmap`
	storeWMIQuery     = `SELECT * FROM MDM_EnterpriseModernAppManagement_AppManagement01`
)

// triggerStoreUpdateScan invokes UpdateScanMethod on the MDM AppManagement
// WMI bridge so the Store evaluates pending app updates. Needs SYSTEM or an
// elevated administrator.
func triggerStoreUpdateScan(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return withWMI(storeWMINamespace, func(services *ole.IDispatch) error {
		resultVar, err := oleutil.CallMethod(services, "ExecQuery", storeWMIQuery)
		if err != nil {
			return fmt.Errorf("query AppManagement: %w", err)
		}
		defer resultVar.Clear()

		result := resultVar.ToIDispatch()
		if result == nil {
			return fmt.Errorf("query AppManagement: nil result")
		}

		invoked := 0
		err = oleutil.ForEach(result, func(v *ole.VARIANT) error {
			item := v.ToIDispatch()
			if item == nil {
				return nil
			}
			callVar, callErr := oleutil.CallMethod(item, "UpdateScanMethod")
			if callErr != nil {
				return fmt.Errorf("UpdateScanMethod: %w", callErr)
			}
			callVar.Clear()
			invoked++
			return nil
		})
		if err != nil {
			return err
		}
		if invoked == 0 {
			return fmt.Errorf("no AppManagement instance found")
		}
		log.Debug("store update scan triggered", "instances", invoked)
		return nil
	})
}

// withWMI runs action against an SWbemServices connection on a locked OS
// thread with COM initialised.
func withWMI(namespace string, action func(services *ole.IDispatch) error) error {
	runtime.LockOSThread()
	defer runtime.UnlockOSThread()

	if err := ole.CoInitializeEx(0, ole.COINIT_MULTITHREADED); err != nil {
		// S_FALSE: already initialised on this thread.
		if oleErr, ok := err.(*ole.OleError); !ok || oleErr.Code() != 1 {
			return fmt.Errorf("failed to initialize COM: %w", err)
		}
	}
	defer ole.CoUninitialize()

	unknown, err := oleutil.CreateObject("WbemScripting.SWbemLocator")
	if err != nil {
		return fmt.Errorf("failed to create WMI locator: %w", err)
	}
	defer unknown.Release()

	locator, err := unknown.QueryInterface(ole.IID_IDispatch)
	if err != nil {
		return fmt.Errorf("failed to query WMI locator: %w", err)
	}
	defer locator.Release()

	servicesVar, err := oleutil.CallMethod(locator, "ConnectServer", nil, namespace)
	if err != nil {
		return fmt.Errorf("connect to %s: %w", namespace, err)
	}
	defer servicesVar.Clear()

	services := servicesVar.ToIDispatch()
	if services == nil {
		return fmt.Errorf("connect to %s: nil services", namespace)
	}

	return action(services)
}
