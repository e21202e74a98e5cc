// Package datachannel forwards data channel events from a WebRTC transport
// to application callbacks.
//
// An Observer is attached to one channel for the channel's lifetime. The
// transport calls OnStateChange, OnMessage and OnBufferedAmountChange from
// its own goroutines or native threads; the application installs callbacks
// with the Set* methods. Deliveries and callback swaps share one mutex, so
// at most one delivery runs at a time and a swap waits for it to finish.
// Events that arrive while no callback is installed are dropped.
package datachannel

import (
	"context"
	"fmt"
	"sync"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// MaxBufferedAmount is libwebrtc's hard ceiling on bytes queued for send
// on one data channel (16 MiB).
const MaxBufferedAmount uint64 = 0x1000000

const tracerName = "github.com/thesyncim/dcbridge/pkg/datachannel"

// Channel is the transport-side view of a data channel. The observer only
// queries it.
type Channel interface {
	// State returns the current state in libwebrtc's encoding.
	State() NativeState
	// ID returns the SCTP stream id, or -1 if none has been assigned.
	ID() int
	// BufferedAmount returns the number of bytes queued for send.
	BufferedAmount() uint64
}

// StateFunc receives the channel's state after a transition.
type StateFunc func(state State, id int)

// MessageFunc receives an inbound message. data is owned by the transport
// and must not be retained after the callback returns.
type MessageFunc func(data []byte)

// BufferingFunc receives buffered amount transitions.
type BufferingFunc func(previous, current, max uint64)

// Observer bridges transport events to application callbacks.
type Observer struct {
	channel Channel
	id      string
	log     *logrus.Entry
	tracer  trace.Tracer

	mu          sync.Mutex
	onState     StateFunc
	onMessage   MessageFunc
	onBuffering BufferingFunc
}

type options struct {
	logger       logrus.FieldLogger
	tracer       trace.Tracer
	id           string
	lowThreshold uint64
}

// Option configures an Observer.
type Option func(*options)

// WithLogger sets the logger used for recovered callback panics and
// dropped events. Defaults to the logrus standard logger.
func WithLogger(l logrus.FieldLogger) Option {
	return func(o *options) { o.logger = l }
}

// WithTracer sets the tracer used for delivery spans. Defaults to the
// global OpenTelemetry tracer provider.
func WithTracer(t trace.Tracer) Option {
	return func(o *options) { o.tracer = t }
}

// WithID sets the observer id used in log fields. Defaults to a random UUID.
func WithID(id string) Option {
	return func(o *options) { o.id = id }
}

func buildOptions(opts []Option) options {
	cfg := options{lowThreshold: defaultBufferedAmountLowThreshold}
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.logger == nil {
		cfg.logger = logrus.StandardLogger()
	}
	if cfg.tracer == nil {
		cfg.tracer = otel.Tracer(tracerName)
	}
	if cfg.id == "" {
		cfg.id = uuid.NewString()
	}
	return cfg
}

// NewObserver creates an observer over ch. It has no side effects on ch.
func NewObserver(ch Channel, opts ...Option) *Observer {
	return newObserver(ch, buildOptions(opts))
}

func newObserver(ch Channel, cfg options) *Observer {
	return &Observer{
		channel: ch,
		id:      cfg.id,
		log:     cfg.logger.WithField("observer", cfg.id),
		tracer:  cfg.tracer,
	}
}

// ID returns the observer id.
func (o *Observer) ID() string { return o.id }

// SetStateCallback installs cb for state changes. nil clears the slot.
func (o *Observer) SetStateCallback(cb StateFunc) {
	o.mu.Lock()
	o.onState = cb
	o.mu.Unlock()
}

// SetMessageCallback installs cb for inbound messages. nil clears the slot.
func (o *Observer) SetMessageCallback(cb MessageFunc) {
	o.mu.Lock()
	o.onMessage = cb
	o.mu.Unlock()
}

// SetBufferingCallback installs cb for buffered amount changes. nil clears
// the slot.
func (o *Observer) SetBufferingCallback(cb BufferingFunc) {
	o.mu.Lock()
	o.onBuffering = cb
	o.mu.Unlock()
}

// OnStateChange reports the channel's current state and id to the state
// callback.
func (o *Observer) OnStateChange() {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.onState == nil {
		o.dropped("state")
		return
	}
	state := stateFromNative(o.channel.State())
	id := o.channel.ID()
	o.deliver("state", func() { o.onState(state, id) },
		attribute.String("datachannel.state", state.String()),
		attribute.Int("datachannel.id", id),
	)
}

// OnMessage hands data to the message callback without copying.
func (o *Observer) OnMessage(data []byte) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.onMessage == nil {
		o.dropped("message")
		return
	}
	o.deliver("message", func() { o.onMessage(data) },
		attribute.Int("datachannel.message.size", len(data)),
	)
}

// OnBufferedAmountChange reports previous and the channel's current
// buffered amount to the buffering callback.
func (o *Observer) OnBufferedAmountChange(previous uint64) {
	o.bufferedAmountChange(previous, o.channel.BufferedAmount)
}

// bufferedAmountChange reports previous and the value returned by current,
// which is only called once a buffering callback is known to be installed.
func (o *Observer) bufferedAmountChange(previous uint64, current func() uint64) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.onBuffering == nil {
		o.dropped("buffered_amount")
		return
	}
	cur := current()
	o.deliver("buffered_amount", func() { o.onBuffering(previous, cur, MaxBufferedAmount) },
		attribute.Int64("datachannel.buffered.previous", int64(previous)),
		attribute.Int64("datachannel.buffered.current", int64(cur)),
	)
}

// deliver runs fn inside a span. A panic in fn is recorded and swallowed:
// it must not unwind into the transport's delivery thread.
func (o *Observer) deliver(event string, fn func(), attrs ...attribute.KeyValue) {
	_, span := o.tracer.Start(context.Background(), "datachannel."+event, trace.WithAttributes(attrs...))
	defer span.End()
	defer func() {
		if r := recover(); r != nil {
			err := fmt.Errorf("datachannel: %s callback panicked: %v", event, r)
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
			o.log.WithFields(logrus.Fields{
				"event": event,
				"panic": r,
			}).Error("panic recovered in observer callback")
		}
	}()
	fn()
}

func (o *Observer) dropped(event string) {
	o.log.WithField("event", event).Trace("no callback registered, event dropped")
}
