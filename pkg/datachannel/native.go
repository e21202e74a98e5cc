package datachannel

import (
	"errors"
	"fmt"

	"github.com/thesyncim/dcbridge/internal/ffi"
)

// ErrInvalidHandle is returned when a native data channel handle is zero.
var ErrInvalidHandle = errors.New("invalid data channel handle")

// NativeChannel is a Channel backed by a libwebrtc shim data channel handle.
type NativeChannel struct {
	handle uintptr
}

// NewNativeChannel wraps a shim data channel handle.
func NewNativeChannel(handle uintptr) NativeChannel {
	return NativeChannel{handle: handle}
}

// Handle returns the native handle.
func (c NativeChannel) Handle() uintptr { return c.handle }

// Label returns the data channel label.
func (c NativeChannel) Label() string { return ffi.DataChannelLabel(c.handle) }

// State returns the ready state. Closed if the shim is not loaded.
func (c NativeChannel) State() NativeState { return ffi.DataChannelState(c.handle) }

// ID returns the SCTP stream id, or -1 if it is not known yet.
func (c NativeChannel) ID() int { return ffi.DataChannelID(c.handle) }

// BufferedAmount returns the number of bytes queued for send.
func (c NativeChannel) BufferedAmount() uint64 { return ffi.DataChannelBufferedAmount(c.handle) }

// LoadLibrary loads the libwebrtc shim. It is safe to call more than once.
// The library is located through LIBWEBRTC_SHIM_PATH, then
// lib/{os}_{arch}/, then the system loader path.
func LoadLibrary() error {
	return ffi.LoadLibrary()
}

// MustLoadLibrary loads the libwebrtc shim and panics on failure.
func MustLoadLibrary() {
	ffi.MustLoadLibrary()
}

// AttachNative creates an observer for a shim data channel and registers it
// with the native library, loading the library first if needed. The caller
// owns the handle and must call DetachNative before releasing it.
func AttachNative(handle uintptr, opts ...Option) (*Observer, error) {
	if handle == 0 {
		return nil, ErrInvalidHandle
	}
	if err := ffi.LoadLibrary(); err != nil {
		return nil, fmt.Errorf("attach native data channel: %w", err)
	}
	o := NewObserver(NewNativeChannel(handle), opts...)
	err := ffi.DataChannelRegisterObserver(handle, ffi.DataChannelObserverCallbacks{
		OnStateChange:          o.OnStateChange,
		OnMessage:              func(data []byte, _ bool) { o.OnMessage(data) },
		OnBufferedAmountChange: o.OnBufferedAmountChange,
	})
	if err != nil {
		return nil, fmt.Errorf("attach native data channel: %w", err)
	}
	return o, nil
}

// DetachNative removes the native observer registration for handle.
func DetachNative(handle uintptr) {
	ffi.DataChannelUnregisterObserver(handle)
}
