// Package testutil provides shared test utilities for dcbridge tests.
package testutil

import (
	"sync"
	"testing"
	"time"

	"github.com/thesyncim/dcbridge/internal/ffi"
)

// RequireShim skips the test if the shim library is not available.
func RequireShim(tb testing.TB) {
	tb.Helper()
	if err := ffi.LoadLibrary(); err != nil {
		tb.Skipf("shim library required: %v", err)
	}
}

// FakeChannel is a settable data channel for observer tests. It counts the
// queries made against it.
type FakeChannel struct {
	mu       sync.Mutex
	state    ffi.DataState
	id       int
	buffered uint64
	queries  int
}

// NewFakeChannel returns a channel in the given state with the given id.
func NewFakeChannel(state ffi.DataState, id int) *FakeChannel {
	return &FakeChannel{state: state, id: id}
}

func (c *FakeChannel) State() ffi.DataState {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.queries++
	return c.state
}

func (c *FakeChannel) ID() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.queries++
	return c.id
}

func (c *FakeChannel) BufferedAmount() uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.queries++
	return c.buffered
}

// SetState changes the reported state.
func (c *FakeChannel) SetState(s ffi.DataState) {
	c.mu.Lock()
	c.state = s
	c.mu.Unlock()
}

// SetBufferedAmount changes the reported buffered amount.
func (c *FakeChannel) SetBufferedAmount(n uint64) {
	c.mu.Lock()
	c.buffered = n
	c.mu.Unlock()
}

// Queries returns how many times the channel was queried.
func (c *FakeChannel) Queries() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.queries
}

// Returned reports whether done is closed within d.
func Returned(done <-chan struct{}, d time.Duration) bool {
	select {
	case <-done:
		return true
	case <-time.After(d):
		return false
	}
}
