package mux

import (
	"github.com/1ureka/chanmux/internal/peer"
	"github.com/1ureka/chanmux/internal/protocol"
	"github.com/1ureka/chanmux/internal/util"
)

// Defaults, in ticks where time is involved.
const (
	DefaultWindow    = 32
	DefaultTimeout   = 60
	DefaultResend    = 2
	DefaultResendMax = 32
)

// Transport carries packets to a peer. Send is fire-and-forget and must not
// call back into the Switch.
type Transport interface {
	Send(to peer.ID, p *protocol.Packet)
}

// TransportFunc adapts a function to Transport.
type TransportFunc func(to peer.ID, p *protocol.Packet)

func (f TransportFunc) Send(to peer.ID, p *protocol.Packet) { f(to, p) }

type options struct {
	window         int
	timeout        uint32
	resend         uint32
	resendMax      uint32
	resetFailsOpen bool
	stats          *util.Counters
}

func defaultOptions() options {
	return options{
		window:    DefaultWindow,
		timeout:   DefaultTimeout,
		resend:    DefaultResend,
		resendMax: DefaultResendMax,
		stats:     util.Stats,
	}
}

// Option configures a Switch.
type Option func(*options)

// WithWindow sets the window used by Start and by channels the remote opens
// in reliable mode.
func WithWindow(n int) Option {
	return func(o *options) {
		if n > 0 {
			o.window = n
		}
	}
}

// WithTimeout sets the default channel timeout and free grace, in ticks.
// Zero disables the liveness timeout.
func WithTimeout(ticks uint32) Option {
	return func(o *options) { o.timeout = ticks }
}

// WithResend sets the initial and maximum retransmission backoff in ticks.
func WithResend(initial, max uint32) Option {
	return func(o *options) {
		if initial > 0 {
			o.resend = initial
		}
		if max >= o.resend {
			o.resendMax = max
		}
	}
}

// WithResetFailsOpen makes Reset fail channels that are already OPEN with a
// "reset" error instead of resending their pending packets.
func WithResetFailsOpen(on bool) Option {
	return func(o *options) { o.resetFailsOpen = on }
}

// WithStats directs counters to c instead of the process-wide util.Stats.
func WithStats(c *util.Counters) Option {
	return func(o *options) {
		if c != nil {
			o.stats = c
		}
	}
}
