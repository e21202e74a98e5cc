package ffi

import (
	"runtime"
	"sync"
	"unsafe"

	"github.com/ebitengine/purego"
	"github.com/sirupsen/logrus"
)

// DataState matches webrtc::DataChannelInterface::DataState (int32 to match C int).
// Values are validated against ExpectedLibWebRTCVersion.
type DataState int32

const (
	DataStateConnecting DataState = 0
	DataStateOpen       DataState = 1
	DataStateClosing    DataState = 2
	DataStateClosed     DataState = 3
)

// maxMessageSize bounds message lengths reported by the shim.
const maxMessageSize = 256 * 1024 * 1024

// safeCallback wraps a callback invocation with panic recovery.
// A panic unwinding through C stack frames is undefined behavior.
func safeCallback(event string, fn func()) {
	defer func() {
		if r := recover(); r != nil {
			logrus.WithFields(logrus.Fields{
				"event": event,
				"panic": r,
			}).Error("panic recovered in data channel callback")
		}
	}()
	fn()
}

// DataChannelState returns the ready state of a data channel.
// Returns DataStateClosed if the library is not loaded.
func DataChannelState(dc uintptr) DataState {
	if !libLoaded.Load() || shimDataChannelReadyState == nil {
		return DataStateClosed
	}
	return DataState(shimDataChannelReadyState(dc))
}

// DataChannelID returns the SCTP stream id of a data channel, or -1 if it
// has not been negotiated yet.
func DataChannelID(dc uintptr) int {
	if !libLoaded.Load() || shimDataChannelID == nil {
		return -1
	}
	return int(shimDataChannelID(dc))
}

// DataChannelBufferedAmount returns the number of bytes queued for send.
func DataChannelBufferedAmount(dc uintptr) uint64 {
	if !libLoaded.Load() || shimDataChannelBufferedAmount == nil {
		return 0
	}
	return shimDataChannelBufferedAmount(dc)
}

// DataChannelLabel returns the label of a data channel.
func DataChannelLabel(dc uintptr) string {
	if !libLoaded.Load() || shimDataChannelLabel == nil {
		return ""
	}
	return GoString(shimDataChannelLabel(dc))
}

// DataChannelObserverCallbacks receives native observer events for one
// data channel. Nil fields are skipped.
type DataChannelObserverCallbacks struct {
	OnStateChange func()
	// OnMessage receives a view of native memory that is only valid until
	// the callback returns.
	OnMessage              func(data []byte, isBinary bool)
	OnBufferedAmountChange func(previous uint64)
}

var (
	dcObserverMu sync.RWMutex
	dcObservers  = make(map[uintptr]DataChannelObserverCallbacks)

	// purego callback pointers (must be kept alive)
	dcStateCallbackPtr    uintptr
	dcMessageCallbackPtr  uintptr
	dcBufferedCallbackPtr uintptr
	dcTrampolinesInit     bool
	dcTrampolinesMu       sync.Mutex
)

// initDCTrampolines creates the three native entry points once per process.
func initDCTrampolines() {
	dcTrampolinesMu.Lock()
	defer dcTrampolinesMu.Unlock()
	if dcTrampolinesInit {
		return
	}
	// Signature: void(ctx)
	dcStateCallbackPtr = purego.NewCallback(func(ctx uintptr) {
		dispatchStateChange(ctx)
	})
	// Signature: void(ctx, data, size, is_binary)
	// NOTE: C uses 'int' (32-bit) for size/is_binary, so we must use int32 to match
	dcMessageCallbackPtr = purego.NewCallback(func(ctx uintptr, data uintptr, size int32, isBinary int32) {
		dispatchMessage(ctx, data, size, isBinary)
	})
	// Signature: void(ctx, previous_amount)
	dcBufferedCallbackPtr = purego.NewCallback(func(ctx uintptr, previous uint64) {
		dispatchBufferedAmountChange(ctx, previous)
	})
	dcTrampolinesInit = true
}

func lookupObserver(ctx uintptr) (DataChannelObserverCallbacks, bool) {
	dcObserverMu.RLock()
	cbs, ok := dcObservers[ctx]
	dcObserverMu.RUnlock()
	return cbs, ok
}

func dispatchStateChange(ctx uintptr) {
	cbs, ok := lookupObserver(ctx)
	if !ok || cbs.OnStateChange == nil {
		return
	}
	safeCallback("state", cbs.OnStateChange)
}

//go:nocheckptr
func dispatchMessage(ctx uintptr, data uintptr, size int32, isBinary int32) {
	cbs, ok := lookupObserver(ctx)
	if !ok || cbs.OnMessage == nil {
		return
	}
	if size < 0 || size > maxMessageSize {
		logrus.WithFields(logrus.Fields{
			"channel": ctx,
			"size":    size,
		}).Warn("dropping data channel message with invalid size")
		return
	}
	var view []byte
	if size > 0 && data != 0 {
		view = unsafe.Slice((*byte)(unsafe.Pointer(data)), int(size)) //nolint:govet
	}
	safeCallback("message", func() { cbs.OnMessage(view, isBinary != 0) })
}

func dispatchBufferedAmountChange(ctx uintptr, previous uint64) {
	cbs, ok := lookupObserver(ctx)
	if !ok || cbs.OnBufferedAmountChange == nil {
		return
	}
	safeCallback("buffered_amount", func() { cbs.OnBufferedAmountChange(previous) })
}

func storeObserver(dc uintptr, cbs DataChannelObserverCallbacks) bool {
	dcObserverMu.Lock()
	defer dcObserverMu.Unlock()
	if _, exists := dcObservers[dc]; exists {
		return false
	}
	dcObservers[dc] = cbs
	return true
}

func removeObserver(dc uintptr) {
	dcObserverMu.Lock()
	delete(dcObservers, dc)
	dcObserverMu.Unlock()
}

// DataChannelRegisterObserver attaches native observer callbacks to a data
// channel. The channel handle is used as the callback context. Only one
// observer may be registered per channel.
func DataChannelRegisterObserver(dc uintptr, cbs DataChannelObserverCallbacks) error {
	if !libLoaded.Load() || shimDataChannelRegisterObserver == nil {
		return ErrLibraryNotLoaded
	}
	if dc == 0 {
		return ErrInvalidParam
	}
	initDCTrampolines()

	if !storeObserver(dc, cbs) {
		return ErrAlreadyExists
	}

	params := &shimDataChannelObserverParams{
		DC:                     dc,
		OnStateChange:          dcStateCallbackPtr,
		OnMessage:              dcMessageCallbackPtr,
		OnBufferedAmountChange: dcBufferedCallbackPtr,
		Ctx:                    dc,
	}
	result := shimDataChannelRegisterObserver(params.ptr())
	runtime.KeepAlive(params)
	if err := ShimError(result); err != nil {
		removeObserver(dc)
		return err
	}
	return nil
}

// DataChannelUnregisterObserver detaches the native observer and removes
// its callbacks. Deliveries already running on a native thread may still
// complete after this returns.
func DataChannelUnregisterObserver(dc uintptr) {
	if libLoaded.Load() && shimDataChannelUnregisterObserver != nil {
		shimDataChannelUnregisterObserver(dc)
	}
	removeObserver(dc)
}
