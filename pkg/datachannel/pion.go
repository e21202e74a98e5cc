package datachannel

import (
	"sync"
	"sync/atomic"

	"github.com/pion/webrtc/v4"
)

const defaultBufferedAmountLowThreshold uint64 = 512 * 1024 // 512 KB

// WithBufferedAmountLowThreshold sets the threshold below which a Pion
// channel reports its send buffer draining. Ignored by other transports.
func WithBufferedAmountLowThreshold(n uint64) Option {
	return func(o *options) { o.lowThreshold = n }
}

// Pion does not share libwebrtc's state encoding, so states go through a
// table instead of a conversion.
var pionStates = map[webrtc.DataChannelState]NativeState{
	webrtc.DataChannelStateConnecting: NativeConnecting,
	webrtc.DataChannelStateOpen:       NativeOpen,
	webrtc.DataChannelStateClosing:    NativeClosing,
	webrtc.DataChannelStateClosed:     NativeClosed,
}

func nativeFromPion(s webrtc.DataChannelState) NativeState {
	if n, ok := pionStates[s]; ok {
		return n
	}
	return NativeClosed
}

// PionChannel is a Channel backed by a Pion data channel.
type PionChannel struct {
	dc *webrtc.DataChannel
}

// NewPionChannel wraps dc.
func NewPionChannel(dc *webrtc.DataChannel) PionChannel {
	return PionChannel{dc: dc}
}

// State returns Pion's ready state in libwebrtc's encoding.
func (c PionChannel) State() NativeState { return nativeFromPion(c.dc.ReadyState()) }

// ID returns the SCTP stream id, or -1 until Pion assigns one.
func (c PionChannel) ID() int {
	id := c.dc.ID()
	if id == nil {
		return -1
	}
	return int(*id)
}

// BufferedAmount returns the number of bytes queued for send.
func (c PionChannel) BufferedAmount() uint64 { return c.dc.BufferedAmount() }

// PionObserver is an Observer driven by a Pion data channel's event hooks.
type PionObserver struct {
	*Observer
	dc       *webrtc.DataChannel
	detached atomic.Bool

	// Reports run one at a time so each previous value is the current value
	// of the report before it.
	reportMu       sync.Mutex
	lastBuffered   uint64
	bufferedAmount func() uint64
}

// AttachPion creates an observer for dc and installs Pion handlers that
// feed it. It replaces any OnOpen, OnClose, OnMessage and
// OnBufferedAmountLow handlers already set on dc.
func AttachPion(dc *webrtc.DataChannel, opts ...Option) *PionObserver {
	cfg := buildOptions(opts)
	p := &PionObserver{
		Observer:       newObserver(NewPionChannel(dc), cfg),
		dc:             dc,
		bufferedAmount: dc.BufferedAmount,
	}
	p.lastBuffered = dc.BufferedAmount()

	dc.OnOpen(func() {
		if !p.detached.Load() {
			p.OnStateChange()
		}
	})
	dc.OnClose(func() {
		if !p.detached.Load() {
			p.OnStateChange()
		}
	})
	dc.OnMessage(func(msg webrtc.DataChannelMessage) {
		if !p.detached.Load() {
			p.OnMessage(msg.Data)
		}
	})
	dc.SetBufferedAmountLowThreshold(cfg.lowThreshold)
	dc.OnBufferedAmountLow(p.reportBuffered)
	return p
}

// Channel returns the underlying Pion data channel.
func (p *PionObserver) Channel() *webrtc.DataChannel { return p.dc }

// Send sends binary data. The resulting buffered amount change is reported
// asynchronously, so Send may be called from inside an observer callback.
func (p *PionObserver) Send(data []byte) error {
	if err := p.dc.Send(data); err != nil {
		return err
	}
	go p.reportBuffered()
	return nil
}

// SendText sends text data. See Send.
func (p *PionObserver) SendText(text string) error {
	if err := p.dc.SendText(text); err != nil {
		return err
	}
	go p.reportBuffered()
	return nil
}

// Detach stops forwarding Pion events to the observer. Pion keeps the
// installed handlers; they become no-ops.
func (p *PionObserver) Detach() {
	p.detached.Store(true)
}

func (p *PionObserver) reportBuffered() {
	if p.detached.Load() {
		return
	}
	p.reportMu.Lock()
	defer p.reportMu.Unlock()
	current := p.bufferedAmount()
	previous := p.lastBuffered
	if previous == current {
		return
	}
	p.lastBuffered = current
	p.bufferedAmountChange(previous, func() uint64 { return current })
}
