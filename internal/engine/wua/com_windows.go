//go:build windows

package wua

import (
	"errors"
	"fmt"
	"runtime"
	"time"

	ole "github.com/go-ole/go-ole"
	"github.com/go-ole/go-ole/oleutil"

	"github.com/EliaSaSe/windows-update-remote-service-sub000/internal/engine"
)

const (
	sFalse          = 0x00000001
	dispEException  = 0x80020009
	rpcEChangedMode = 0x80010106
	retryAttempts   = 3
	retryBackoff    = 5 * time.Second
)

// withCOM runs fn on a locked OS thread joined to the process MTA. The
// engine keeps one anchor thread in the MTA for its whole life so agent
// objects created here stay valid across calls.
func withCOM(fn func() error) error {
	runtime.LockOSThread()
	defer runtime.UnlockOSThread()

	if err := ole.CoInitializeEx(0, ole.COINIT_MULTITHREADED); err != nil {
		code := hresultOf(err)
		if code != sFalse {
			if code == rpcEChangedMode {
				return fmt.Errorf("failed to initialize COM: thread already in a single-threaded apartment: %w", err)
			}
			return fmt.Errorf("failed to initialize COM: %w", err)
		}
	}
	defer ole.CoUninitialize()

	return fn()
}

// createDispatch instantiates a COM class by ProgID and returns its IDispatch.
func createDispatch(progID string) (*ole.IDispatch, error) {
	unknown, err := oleutil.CreateObject(progID)
	if err != nil {
		return nil, fmt.Errorf("failed to create %s: %w", progID, err)
	}
	defer unknown.Release()

	disp, err := unknown.QueryInterface(ole.IID_IDispatch)
	if err != nil {
		return nil, fmt.Errorf("failed to query %s: %w", progID, err)
	}
	return disp, nil
}

// callDispatch calls a method returning an object.
func callDispatch(disp *ole.IDispatch, method string, args ...interface{}) (*ole.IDispatch, error) {
	v, err := oleutil.CallMethod(disp, method, args...)
	if err != nil {
		return nil, fmt.Errorf("%s failed: %w", method, err)
	}
	obj := v.ToIDispatch()
	if obj == nil {
		v.Clear()
		return nil, fmt.Errorf("%s failed: nil result", method)
	}
	return obj, nil
}

// getDispatch reads an object-valued property.
func getDispatch(disp *ole.IDispatch, name string) (*ole.IDispatch, error) {
	v, err := oleutil.GetProperty(disp, name)
	if err != nil {
		return nil, fmt.Errorf("%s failed: %w", name, err)
	}
	obj := v.ToIDispatch()
	if obj == nil {
		v.Clear()
		return nil, fmt.Errorf("%s missing", name)
	}
	return obj, nil
}

// callWithRetry retries agent calls rejected because a conflicting operation
// is running, backing off 5s, 10s and 20s.
func callWithRetry(operation string, fn func() (*ole.VARIANT, error)) (*ole.VARIANT, error) {
	result, err := fn()
	if err == nil {
		return result, nil
	}

	backoff := retryBackoff
	for attempt := 0; attempt < retryAttempts; attempt++ {
		if !engine.IsOperationInProgress(hresultOf(err)) {
			return nil, err
		}
		log.Warn("update agent operation in progress, retrying",
			"operation", operation, "attempt", attempt+2, "backoff", backoff)
		time.Sleep(backoff)
		backoff *= 2

		result, err = fn()
		if err == nil {
			return result, nil
		}
	}
	return nil, fmt.Errorf("%s failed after retries: %w", operation, err)
}

// hresultOf extracts the HRESULT carried by a COM error. Exceptions raised
// by the agent arrive as DISP_E_EXCEPTION with the real code in EXCEPINFO.
func hresultOf(err error) int {
	if err == nil {
		return 0
	}
	var oleErr *ole.OleError
	if errors.As(err, &oleErr) {
		code := uint32(oleErr.Code())
		if code == dispEException {
			if sub, ok := oleErr.SubError().(interface{ SCODE() uint32 }); ok && sub.SCODE() != 0 {
				return int(sub.SCODE())
			}
		}
		return int(code)
	}
	return parseHResult(err.Error())
}

func getStringProperty(disp *ole.IDispatch, name string) (string, error) {
	value, err := oleutil.GetProperty(disp, name)
	if err != nil {
		return "", err
	}
	defer value.Clear()
	return value.ToString(), nil
}

// getIntProperty reads integer and DECIMAL properties; for DECIMAL sizes
// Val carries the low 64 bits.
func getIntProperty(disp *ole.IDispatch, name string) (int, error) {
	value, err := oleutil.GetProperty(disp, name)
	if err != nil {
		return 0, err
	}
	defer value.Clear()
	return int(value.Val), nil
}

func getBoolProperty(disp *ole.IDispatch, name string) (bool, error) {
	value, err := oleutil.GetProperty(disp, name)
	if err != nil {
		return false, err
	}
	defer value.Clear()
	return value.Val != 0, nil
}
