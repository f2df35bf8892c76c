// Package session drives a mux.Switch for one peer link. All calls into the
// switch happen on the goroutine running Run: inbound packets, application
// requests and the periodic tick are serialized as events on that loop.
package session

import (
	"context"
	"errors"
	"time"

	"github.com/1ureka/chanmux/internal/mux"
	"github.com/1ureka/chanmux/internal/peer"
	"github.com/1ureka/chanmux/internal/protocol"
	"github.com/1ureka/chanmux/internal/util"
)

const (
	DefaultTick     = 50 * time.Millisecond
	eventBufferSize = 256
)

// ErrClosed is returned once the session loop has exited.
var ErrClosed = errors.New("session closed")

// Link is the packet link to the remote peer. transport.Transport is the
// production implementation.
type Link interface {
	Send(to peer.ID, p *protocol.Packet)
	OnPacket(fn func(*protocol.Packet, error))
	Done() <-chan struct{}
}

// Reconnector is implemented by links that can report a renegotiated path.
// The session resets the switch for the remote peer when it fires.
type Reconnector interface {
	OnReconnect(fn func())
}

// Handler is called on the loop for every channel with pending work.
type Handler func(*mux.Channel)

// Session owns a Switch and the goroutine allowed to touch it.
type Session struct {
	sw     *mux.Switch
	remote peer.ID
	link   Link
	tick   time.Duration

	handler Handler
	events  chan func()
	done    chan struct{}
}

// New creates a session between local and remote over link. Inbound packets
// are queued as soon as New returns, but only processed once Run starts.
func New(local, remote peer.ID, link Link, tick time.Duration, opts ...mux.Option) *Session {
	if tick <= 0 {
		tick = DefaultTick
	}
	s := &Session{
		sw:     mux.New(local, link, opts...),
		remote: remote,
		link:   link,
		tick:   tick,
		events: make(chan func(), eventBufferSize),
		done:   make(chan struct{}),
	}

	link.OnPacket(func(p *protocol.Packet, err error) {
		if err != nil {
			util.LogWarning("dropping undecodable packet from %08x: %v", remote.Short(), err)
			return
		}
		s.Deliver(p)
	})

	if rc, ok := link.(Reconnector); ok {
		rc.OnReconnect(func() {
			// Post, not Do: the callback must not wait on the loop.
			_ = s.Post(func(sw *mux.Switch) { sw.Reset(remote) })
		})
	}

	return s
}

// Local returns the local identity.
func (s *Session) Local() peer.ID { return s.sw.Local() }

// Remote returns the identity of the peer at the other end of the link.
func (s *Session) Remote() peer.ID { return s.remote }

// SetHandler sets the function that consumes channels with pending work.
// It must be called before Run. Without a handler, inbound packets are
// discarded.
func (s *Session) SetHandler(h Handler) { s.handler = h }

// Done is closed when Run has returned.
func (s *Session) Done() <-chan struct{} { return s.done }

// ---------------------------------------------------------------------------
// Loop
// ---------------------------------------------------------------------------

// Run processes events until ctx is cancelled or the link goes down. It must
// be called exactly once.
func (s *Session) Run(ctx context.Context) error {
	defer close(s.done)

	ticker := time.NewTicker(s.tick)
	defer ticker.Stop()

	for {
		select {
		case fn := <-s.events:
			fn()

		case <-ticker.C:
			s.sw.Advance()
			s.sw.TickAll()

		case <-s.link.Done():
			util.LogDebug("link to %08x closed, stopping session", s.remote.Short())
			return nil

		case <-ctx.Done():
			return nil
		}

		s.sw.Drain(s.handle)
	}
}

func (s *Session) handle(c *mux.Channel) {
	if s.handler != nil {
		s.handler(c)
		return
	}
	for c.Pop() != nil {
	}
	for c.PopNote() != nil {
	}
	if c.ReleaseRequested() {
		c.Release()
	}
}

// ---------------------------------------------------------------------------
// Entry points
// ---------------------------------------------------------------------------

// Deliver queues an inbound packet. It blocks while the event buffer is full.
func (s *Session) Deliver(p *protocol.Packet) {
	s.post(func() { s.sw.Dispatch(s.remote, p) })
}

// Post queues fn to run on the loop without waiting for it.
func (s *Session) Post(fn func(*mux.Switch)) error {
	if !s.post(func() { fn(s.sw) }) {
		return ErrClosed
	}
	return nil
}

// Do runs fn on the loop and waits for it to finish.
func (s *Session) Do(ctx context.Context, fn func(*mux.Switch)) error {
	finished := make(chan struct{})
	if !s.post(func() {
		defer close(finished)
		fn(s.sw)
	}) {
		return ErrClosed
	}

	select {
	case <-finished:
		return nil
	case <-s.done:
		// The loop may have run fn right before exiting.
		select {
		case <-finished:
			return nil
		default:
			return ErrClosed
		}
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Reset tells the switch the link was renegotiated.
func (s *Session) Reset(ctx context.Context) error {
	return s.Do(ctx, func(sw *mux.Switch) { sw.Reset(s.remote) })
}

func (s *Session) post(fn func()) bool {
	select {
	case <-s.done:
		return false
	default:
	}
	select {
	case s.events <- fn:
		return true
	case <-s.done:
		return false
	}
}
