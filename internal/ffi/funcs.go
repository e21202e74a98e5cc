package ffi

import (
	"fmt"

	"github.com/ebitengine/purego"
)

// Shim function pointers, populated by registerFunctions.
var (
	shimVersion          func() uintptr
	shimLibwebrtcVersion func() uintptr

	shimDataChannelReadyState         func(dc uintptr) int32
	shimDataChannelID                 func(dc uintptr) int32
	shimDataChannelBufferedAmount     func(dc uintptr) uint64
	shimDataChannelLabel              func(dc uintptr) uintptr
	shimDataChannelRegisterObserver   func(params uintptr) int32
	shimDataChannelUnregisterObserver func(dc uintptr)
)

type shimFunc struct {
	name string
	fptr any
}

func shimFuncs() []shimFunc {
	return []shimFunc{
		{"shim_version", &shimVersion},
		{"shim_libwebrtc_version", &shimLibwebrtcVersion},
		{"shim_data_channel_ready_state", &shimDataChannelReadyState},
		{"shim_data_channel_id", &shimDataChannelID},
		{"shim_data_channel_buffered_amount", &shimDataChannelBufferedAmount},
		{"shim_data_channel_label", &shimDataChannelLabel},
		{"shim_data_channel_register_observer", &shimDataChannelRegisterObserver},
		{"shim_data_channel_unregister_observer", &shimDataChannelUnregisterObserver},
	}
}

// registerFunctions resolves every shim symbol before binding any of them,
// so a partially exported library is rejected as a whole.
func registerFunctions(handle uintptr) error {
	funcs := shimFuncs()
	syms := make([]uintptr, len(funcs))
	for i, fn := range funcs {
		sym, err := dlsymLibrary(handle, fn.name)
		if err != nil || sym == 0 {
			return fmt.Errorf("%w: %s", ErrSymbolNotFound, fn.name)
		}
		syms[i] = sym
	}
	for i, fn := range funcs {
		purego.RegisterFunc(fn.fptr, syms[i])
	}
	return nil
}

func resetFunctions() {
	shimVersion = nil
	shimLibwebrtcVersion = nil
	shimDataChannelReadyState = nil
	shimDataChannelID = nil
	shimDataChannelBufferedAmount = nil
	shimDataChannelLabel = nil
	shimDataChannelRegisterObserver = nil
	shimDataChannelUnregisterObserver = nil
}
