package ffi

import "unsafe"

// shimDataChannelObserverParams matches ShimDataChannelObserverParams in shim.h.
// The shim stores Ctx and passes it back as the first argument of every
// callback.
type shimDataChannelObserverParams struct {
	DC                     uintptr
	OnStateChange          uintptr
	OnMessage              uintptr
	OnBufferedAmountChange uintptr
	Ctx                    uintptr
}

func (p *shimDataChannelObserverParams) ptr() uintptr {
	return uintptr(unsafe.Pointer(p))
}
