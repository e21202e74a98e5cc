package ffi

import (
	"errors"
	"runtime"
	"sync"
	"testing"
	"unsafe"

	"github.com/sirupsen/logrus"
	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// withFakeShim marks the library as loaded and installs Go implementations
// of the query functions for the duration of the test.
func withFakeShim(t *testing.T) {
	t.Helper()
	if libLoaded.Load() {
		t.Skip("real shim loaded")
	}
	libLoaded.Store(true)
	label := CString("chat")
	shimDataChannelReadyState = func(dc uintptr) int32 { return int32(DataStateOpen) }
	shimDataChannelID = func(dc uintptr) int32 { return int32(dc & 0xffff) }
	shimDataChannelBufferedAmount = func(dc uintptr) uint64 { return 4096 }
	shimDataChannelLabel = func(dc uintptr) uintptr { return ByteSlicePtr(label) }
	shimDataChannelRegisterObserver = func(params uintptr) int32 { return ShimOK }
	t.Cleanup(func() {
		libLoaded.Store(false)
		resetFunctions()
		_ = label
	})
}

func withLogHook(t *testing.T) *test.Hook {
	t.Helper()
	hook := test.NewGlobal()
	t.Cleanup(hook.Reset)
	return hook
}

func TestDataChannelQueries_NotLoaded(t *testing.T) {
	if libLoaded.Load() {
		t.Skip("real shim loaded")
	}
	assert.Equal(t, DataStateClosed, DataChannelState(1))
	assert.Equal(t, -1, DataChannelID(1))
	assert.Zero(t, DataChannelBufferedAmount(1))
	assert.Empty(t, DataChannelLabel(1))
}

func TestDataChannelQueries_FakeShim(t *testing.T) {
	withFakeShim(t)

	assert.Equal(t, DataStateOpen, DataChannelState(0x10007))
	assert.Equal(t, 7, DataChannelID(0x10007))
	assert.Equal(t, uint64(4096), DataChannelBufferedAmount(0x10007))
	assert.Equal(t, "chat", DataChannelLabel(0x10007))
}

func TestDataChannelRegisterObserver_Errors(t *testing.T) {
	if libLoaded.Load() {
		t.Skip("real shim loaded")
	}
	err := DataChannelRegisterObserver(1, DataChannelObserverCallbacks{})
	assert.ErrorIs(t, err, ErrLibraryNotLoaded)

	withFakeShim(t)
	err = DataChannelRegisterObserver(0, DataChannelObserverCallbacks{})
	assert.ErrorIs(t, err, ErrInvalidParam)
}

// captureRegister replaces the fake register function with one that
// records the params struct handed to the shim and returns code.
func captureRegister(code int32) *[]shimDataChannelObserverParams {
	var got []shimDataChannelObserverParams
	shimDataChannelRegisterObserver = func(params uintptr) int32 {
		got = append(got, *(*shimDataChannelObserverParams)(unsafe.Pointer(params))) //nolint:govet
		return code
	}
	return &got
}

func TestDataChannelRegisterObserver_Success(t *testing.T) {
	withFakeShim(t)
	params := captureRegister(ShimOK)

	const dc = uintptr(0xdc10)
	var states, messages int
	var previous uint64
	err := DataChannelRegisterObserver(dc, DataChannelObserverCallbacks{
		OnStateChange:          func() { states++ },
		OnMessage:              func([]byte, bool) { messages++ },
		OnBufferedAmountChange: func(prev uint64) { previous = prev },
	})
	require.NoError(t, err)
	defer DataChannelUnregisterObserver(dc)

	require.Len(t, *params, 1)
	p := (*params)[0]
	assert.Equal(t, dc, p.DC)
	assert.Equal(t, dc, p.Ctx)
	assert.NotZero(t, p.OnStateChange)
	assert.NotZero(t, p.OnMessage)
	assert.NotZero(t, p.OnBufferedAmountChange)
	assert.Equal(t, dcStateCallbackPtr, p.OnStateChange)
	assert.Equal(t, dcMessageCallbackPtr, p.OnMessage)
	assert.Equal(t, dcBufferedCallbackPtr, p.OnBufferedAmountChange)

	_, ok := lookupObserver(dc)
	assert.True(t, ok)

	buf := []byte{0x01}
	dispatchStateChange(p.Ctx)
	dispatchMessage(p.Ctx, ByteSlicePtr(buf), int32(len(buf)), 1)
	dispatchBufferedAmountChange(p.Ctx, 42)
	runtime.KeepAlive(buf)
	assert.Equal(t, 1, states)
	assert.Equal(t, 1, messages)
	assert.Equal(t, uint64(42), previous)

	// A second registration is refused before reaching the shim.
	err = DataChannelRegisterObserver(dc, DataChannelObserverCallbacks{})
	assert.ErrorIs(t, err, ErrAlreadyExists)
	assert.Len(t, *params, 1)
}

func TestDataChannelRegisterObserver_ShimRejects(t *testing.T) {
	withFakeShim(t)
	params := captureRegister(ShimErrNotFound)

	const dc = uintptr(0xdc11)
	err := DataChannelRegisterObserver(dc, DataChannelObserverCallbacks{OnStateChange: func() {}})
	assert.ErrorIs(t, err, ErrNotFound)
	assert.Len(t, *params, 1)

	_, ok := lookupObserver(dc)
	assert.False(t, ok, "rejected registration must not stay in the registry")
}

func TestDataChannelUnregisterObserver_CallsShim(t *testing.T) {
	withFakeShim(t)
	var unregistered []uintptr
	shimDataChannelUnregisterObserver = func(dc uintptr) { unregistered = append(unregistered, dc) }

	const dc = uintptr(0xdc12)
	require.NoError(t, DataChannelRegisterObserver(dc, DataChannelObserverCallbacks{}))
	DataChannelUnregisterObserver(dc)

	assert.Equal(t, []uintptr{dc}, unregistered)
	_, ok := lookupObserver(dc)
	assert.False(t, ok)
}

func TestDispatch_RoutesByContext(t *testing.T) {
	const dc = uintptr(0xdc01)
	var (
		states   int
		messages [][]byte
		binary   []bool
		previous []uint64
	)
	require.True(t, storeObserver(dc, DataChannelObserverCallbacks{
		OnStateChange: func() { states++ },
		OnMessage: func(data []byte, isBinary bool) {
			messages = append(messages, append([]byte(nil), data...))
			binary = append(binary, isBinary)
		},
		OnBufferedAmountChange: func(prev uint64) { previous = append(previous, prev) },
	}))
	defer removeObserver(dc)

	buf := []byte{0x01, 0x02, 0x03}
	dispatchStateChange(dc)
	dispatchMessage(dc, ByteSlicePtr(buf), int32(len(buf)), 1)
	dispatchMessage(dc, 0, 0, 0)
	dispatchBufferedAmountChange(dc, 100)

	// Unknown contexts are ignored.
	dispatchStateChange(dc + 1)
	dispatchMessage(dc+1, ByteSlicePtr(buf), int32(len(buf)), 1)
	dispatchBufferedAmountChange(dc+1, 1)
	runtime.KeepAlive(buf)

	assert.Equal(t, 1, states)
	require.Len(t, messages, 2)
	assert.Equal(t, []byte{0x01, 0x02, 0x03}, messages[0])
	assert.Empty(t, messages[1])
	assert.Equal(t, []bool{true, false}, binary)
	assert.Equal(t, []uint64{100}, previous)
}

func TestDispatchMessage_ZeroCopy(t *testing.T) {
	const dc = uintptr(0xdc02)
	buf := []byte("payload")
	var seen *byte
	require.True(t, storeObserver(dc, DataChannelObserverCallbacks{
		OnMessage: func(data []byte, _ bool) { seen = &data[0] },
	}))
	defer removeObserver(dc)

	dispatchMessage(dc, ByteSlicePtr(buf), int32(len(buf)), 0)
	assert.Same(t, &buf[0], seen)
}

func TestDispatchMessage_InvalidSize(t *testing.T) {
	hook := withLogHook(t)
	const dc = uintptr(0xdc03)
	called := false
	require.True(t, storeObserver(dc, DataChannelObserverCallbacks{
		OnMessage: func([]byte, bool) { called = true },
	}))
	defer removeObserver(dc)

	dispatchMessage(dc, 0, -1, 0)
	dispatchMessage(dc, 0, maxMessageSize+1, 0)

	assert.False(t, called)
	require.Len(t, hook.AllEntries(), 2)
	assert.Equal(t, logrus.WarnLevel, hook.LastEntry().Level)
}

func TestDispatch_PanicRecovered(t *testing.T) {
	hook := withLogHook(t)
	const dc = uintptr(0xdc04)
	require.True(t, storeObserver(dc, DataChannelObserverCallbacks{
		OnStateChange:          func() { panic("state") },
		OnBufferedAmountChange: func(uint64) { panic(errors.New("buffered")) },
	}))
	defer removeObserver(dc)

	require.NotPanics(t, func() {
		dispatchStateChange(dc)
		dispatchBufferedAmountChange(dc, 1)
	})
	entries := hook.AllEntries()
	require.Len(t, entries, 2)
	assert.Equal(t, "state", entries[0].Data["event"])
	assert.Equal(t, "buffered_amount", entries[1].Data["event"])
	assert.Equal(t, logrus.ErrorLevel, entries[1].Level)
}

func TestStoreObserver_Duplicate(t *testing.T) {
	const dc = uintptr(0xdc05)
	require.True(t, storeObserver(dc, DataChannelObserverCallbacks{}))
	assert.False(t, storeObserver(dc, DataChannelObserverCallbacks{}))

	DataChannelUnregisterObserver(dc)
	assert.True(t, storeObserver(dc, DataChannelObserverCallbacks{}))
	removeObserver(dc)
}

func TestConcurrent_DispatchAndUnregister(t *testing.T) {
	const numGoroutines = 4
	const iterations = 200

	var wg sync.WaitGroup
	for g := 0; g < numGoroutines; g++ {
		dc := uintptr(0xe000 + g)
		wg.Add(2)
		go func() {
			defer wg.Done()
			for i := 0; i < iterations; i++ {
				storeObserver(dc, DataChannelObserverCallbacks{
					OnStateChange:          func() {},
					OnBufferedAmountChange: func(uint64) {},
				})
				removeObserver(dc)
			}
		}()
		go func() {
			defer wg.Done()
			for i := 0; i < iterations; i++ {
				dispatchStateChange(dc)
				dispatchBufferedAmountChange(dc, uint64(i))
			}
		}()
	}
	wg.Wait()
}
