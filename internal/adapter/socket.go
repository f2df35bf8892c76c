package adapter

import (
	"context"
	"errors"
	"io"
	"net"
	"sync"

	"github.com/1ureka/chanmux/internal/mux"
	"github.com/1ureka/chanmux/internal/protocol"
	"github.com/1ureka/chanmux/internal/session"
	"github.com/1ureka/chanmux/internal/util"
)

// Tuning constants.
const (
	maxPayloadSize  = 16 * 1024 // 16 KB per packet body
	inboxBufferSize = 64        // per-socket inbox channel capacity
	highWaterMark   = 64        // pause TCP reads when this many packets are unacked
	lowWaterMark    = 16        // resume TCP reads below this
)

// Socket bridges one TCP connection and one channel.
//
// The channel is only touched on the session loop: by feed, and by the
// closures the Socket's goroutines run through the session. Everything else
// belongs to the Socket's goroutines.
type Socket struct {
	// Identity
	tag string

	// Lifecycle
	ctx       context.Context
	cancel    context.CancelFunc
	closeOnce sync.Once
	onDone    func() // loop only

	// Communication
	ch    *mux.Channel
	sess  *session.Session
	inbox chan *protocol.Packet // fed on the loop by feed
	wake  chan struct{}         // signalled on the loop when the backlog drains

	// TCP side
	tcpConn net.Conn
}

// newSocket creates a Socket without a TCP connection (used by host mode).
// It retains c until cleanup releases it. Loop only.
func newSocket(parentCtx context.Context, c *mux.Channel, sess *session.Session) *Socket {
	ctx, cancel := context.WithCancel(parentCtx)
	s := &Socket{
		tag:    util.ChanTag(c.Peer().Short(), c.ID()),
		ctx:    ctx,
		cancel: cancel,
		ch:     c,
		sess:   sess,
		inbox:  make(chan *protocol.Packet, inboxBufferSize),
		wake:   make(chan struct{}, 1),
	}

	c.Retain()
	c.OnTick(func(*mux.Channel) { s.feed() })

	// The session may end before the socket's own context.
	go func() {
		select {
		case <-sess.Done():
			cancel()
		case <-ctx.Done():
		}
	}()

	return s
}

// newSocketWithConn creates a Socket with an already-established TCP connection
// (used by client mode, where the local TCP accept happens first).
func newSocketWithConn(parentCtx context.Context, c *mux.Channel, sess *session.Session, conn net.Conn) *Socket {
	s := newSocket(parentCtx, c, sess)
	s.tcpConn = conn
	return s
}

// feed moves popped packets into the inbox and wakes a paused TCP reader.
// Loop only.
func (s *Socket) feed() {
	if s.ch.ReleaseRequested() {
		s.cancel()
	}

	for len(s.inbox) < cap(s.inbox) {
		p := s.ch.Pop()
		if p == nil {
			break
		}
		s.inbox <- p
	}

	if s.ch.Outstanding() < lowWaterMark {
		select {
		case s.wake <- struct{}{}:
		default:
		}
	}
}

// ---------------------------------------------------------------------------
// Host-side entry point
// ---------------------------------------------------------------------------

// runAsHost dials targetAddr for a channel opened by the client, then
// forwards in both directions until either side ends.
func (s *Socket) runAsHost(targetAddr string) {
	var d net.Dialer
	conn, err := d.DialContext(s.ctx, "tcp", targetAddr)
	if err != nil {
		util.LogWarning("%s TCP dial failed: %v", s.tag, err)
		s.cleanup("dial failed")
		return
	}
	s.tcpConn = conn
	util.LogDebug("%s TCP connected to %s", s.tag, targetAddr)

	go s.pumpTCPToChannel()
	s.cleanup(s.pumpChannelToTCP())
}

// ---------------------------------------------------------------------------
// Client-side entry point
// ---------------------------------------------------------------------------

// runAsClient forwards an accepted connection in both directions until
// either side ends.
func (s *Socket) runAsClient() {
	go s.pumpTCPToChannel()
	s.cleanup(s.pumpChannelToTCP())
}

// ---------------------------------------------------------------------------
// Channel → TCP
// ---------------------------------------------------------------------------

// pumpChannelToTCP writes popped bodies to the TCP connection until the
// channel ends or fails. It returns the reason to fail the channel with, or
// "" for a clean end.
func (s *Socket) pumpChannelToTCP() string {
	for {
		select {
		case p := <-s.inbox:
			if err := mux.PacketError(p); err != nil {
				util.LogDebug("%s %v", s.tag, err)
				return ""
			}
			if body := p.Body(); len(body) > 0 {
				if _, err := s.tcpConn.Write(body); err != nil {
					util.LogDebug("%s TCP write error: %v", s.tag, err)
					return "write failed"
				}
			}
			if p.IsEnd() {
				util.LogDebug("%s received end", s.tag)
				return ""
			}

		case <-s.ctx.Done():
			return ""
		}
	}
}

// ---------------------------------------------------------------------------
// TCP → Channel
// ---------------------------------------------------------------------------

// pumpTCPToChannel reads from the TCP connection and sends body packets.
// It uses a blocking Read; cleanup() closes the TCP connection to unblock it.
func (s *Socket) pumpTCPToChannel() {
	defer s.cleanup("")

	buf := make([]byte, maxPayloadSize)
	for {
		n, err := s.tcpConn.Read(buf)

		if n > 0 {
			payload := make([]byte, n)
			copy(payload, buf[:n])
			if !s.send(payload) {
				return
			}
		}

		if err != nil {
			select {
			case <-s.ctx.Done():
				// Already shutting down, no need to log.
			default:
				if !errors.Is(err, io.EOF) {
					util.LogDebug("%s TCP read error: %v", s.tag, err)
				}
			}
			return
		}
	}
}

// send queues payload on the channel, then blocks while too much is unacked.
// It reports false once the socket should stop.
func (s *Socket) send(payload []byte) bool {
	var outstanding int
	var sendErr error
	err := s.sess.Do(s.ctx, func(*mux.Switch) {
		sendErr = s.ch.Send(s.ch.Packet().SetBody(payload))
		outstanding = s.ch.Outstanding()
	})
	if err != nil || sendErr != nil {
		return false
	}

	if outstanding >= highWaterMark {
		select {
		case <-s.wake:
		case <-s.ctx.Done():
			return false
		}
	}
	return true
}

// cleanup consolidates all shutdown actions behind sync.Once so that
// regardless of which goroutine exits first, resources are released
// exactly once and the peer sees a single end, or an error when reason is
// set.
func (s *Socket) cleanup(reason string) {
	s.closeOnce.Do(func() {
		s.cancel()
		if s.tcpConn != nil {
			s.tcpConn.Close()
		}

		// Best effort: a closed session has already dropped the channel.
		_ = s.sess.Post(func(*mux.Switch) {
			switch {
			case s.ch.State() == mux.Ended:
			case reason != "":
				s.ch.Fail(reason)
			default:
				s.ch.End(nil)
			}
			s.ch.OnTick(nil)
			s.ch.Release()
			if s.onDone != nil {
				s.onDone()
			}
		})
		util.LogDebug("%s socket cleanup complete", s.tag)
	})
}
