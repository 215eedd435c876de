//go:build !windows

package main

import "errors"

// isWindowsService always returns false on non-Windows platforms.
func isWindowsService() bool { return false }

func runAsService(_ func() (*components, error)) error {
	return errors.New("Windows service mode is not available on this platform")
}
