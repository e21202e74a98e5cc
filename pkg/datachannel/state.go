package datachannel

import "github.com/thesyncim/dcbridge/internal/ffi"

// NativeState is a data channel state in libwebrtc's encoding, as reported
// by a Channel.
type NativeState = ffi.DataState

// Native state values.
const (
	NativeConnecting = ffi.DataStateConnecting
	NativeOpen       = ffi.DataStateOpen
	NativeClosing    = ffi.DataStateClosing
	NativeClosed     = ffi.DataStateClosed
)

// State represents the state of a data channel.
// The numeric values are part of the public API and equal libwebrtc's.
type State int

const (
	StateConnecting State = iota
	StateOpen
	StateClosing
	StateClosed
)

func _() {
	// An "invalid array index" compiler error signifies that libwebrtc's
	// DataState encoding changed and stateFromNative needs a mapping table.
	var x [1]struct{}
	_ = x[StateConnecting-State(ffi.DataStateConnecting)]
	_ = x[StateOpen-State(ffi.DataStateOpen)]
	_ = x[StateClosing-State(ffi.DataStateClosing)]
	_ = x[StateClosed-State(ffi.DataStateClosed)]
}

func stateFromNative(s NativeState) State {
	return State(s)
}

// String returns the W3C name of the state, or "unknown".
func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateOpen:
		return "open"
	case StateClosing:
		return "closing"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}
