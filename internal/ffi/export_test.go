package ffi

import "testing"

// Hooks for the external test package.

func InstallFakeShim(t *testing.T) { withFakeShim(t) }

var (
	DispatchStateChange          = dispatchStateChange
	DispatchMessage              = dispatchMessage
	DispatchBufferedAmountChange = dispatchBufferedAmountChange
)
