// Package adapter bridges TCP connections over reliable mux channels.
// Each TCP connection maps to one channel of type "tcp": the client opens
// the channel when it accepts a connection, and the host dials the target
// when the channel arrives.
package adapter

import (
	"context"
	"fmt"
	"net"

	"github.com/1ureka/chanmux/internal/mux"
	"github.com/1ureka/chanmux/internal/session"
	"github.com/1ureka/chanmux/internal/util"
)

// ChannelType is the mux channel type carrying one TCP connection.
const ChannelType = "tcp"

// adapter manages the channel → Socket route table. The table is only
// touched on the session loop, so it needs no lock.
type adapter struct {
	ctx    context.Context
	sess   *session.Session
	routes map[string]*Socket
}

// newAdapter creates an empty adapter bound to the given context and session.
func newAdapter(ctx context.Context, sess *session.Session) *adapter {
	return &adapter{
		ctx:    ctx,
		sess:   sess,
		routes: make(map[string]*Socket),
	}
}

// register adds a socket to the route table. Loop only.
func (a *adapter) register(s *Socket) {
	a.routes[s.ch.UID()] = s
	s.onDone = func() { delete(a.routes, s.ch.UID()) }
}

// handle routes a channel with pending work to its socket. Channels without
// a socket go to accept, which may create one; returning nil rejects them.
func (a *adapter) handle(c *mux.Channel, accept func(*mux.Channel) *Socket) {
	s, ok := a.routes[c.UID()]
	if !ok && c.State() != mux.Ended {
		s = accept(c)
	}
	if s == nil {
		// Rejected, or its socket is gone: nothing will read it.
		for c.Pop() != nil {
		}
		return
	}
	s.feed()
}

// ---------------------------------------------------------------------------
// Public API
// ---------------------------------------------------------------------------

// RunAsHost starts the host-side adapter. Every inbound "tcp" channel gets a
// Socket that dials targetAddr. It runs the session loop and blocks until
// the session ends.
func RunAsHost(ctx context.Context, sess *session.Session, targetAddr string) error {
	a := newAdapter(ctx, sess)

	sess.SetHandler(func(c *mux.Channel) {
		a.handle(c, func(c *mux.Channel) *Socket {
			if c.Type() != ChannelType {
				util.LogWarning("%s rejecting channel of type %q", util.ChanTag(c.Peer().Short(), c.ID()), c.Type())
				c.Fail("unsupported channel type")
				return nil
			}
			s := newSocket(ctx, c, sess)
			a.register(s)
			go s.runAsHost(targetAddr)
			return s
		})
	})

	return sess.Run(ctx)
}

// RunAsClient starts the client-side adapter. It listens on localAddr; each
// accepted TCP connection opens a reliable channel to the host. It runs the
// session loop and blocks until the session ends.
func RunAsClient(ctx context.Context, sess *session.Session, localAddr string) error {
	a := newAdapter(ctx, sess)

	sess.SetHandler(func(c *mux.Channel) {
		a.handle(c, func(c *mux.Channel) *Socket {
			util.LogWarning("%s rejecting inbound channel of type %q", util.ChanTag(c.Peer().Short(), c.ID()), c.Type())
			c.Fail("client accepts no channels")
			return nil
		})
	})

	// Start TCP listener.
	listener, err := net.Listen("tcp", localAddr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", localAddr, err)
	}

	go func() {
		select {
		case <-ctx.Done():
		case <-sess.Done():
		}
		listener.Close()
	}()

	util.LogInfo("virtual service started, listening on %s", localAddr)

	// Accept loop in a separate goroutine so the session loop runs here.
	go func() {
		for {
			conn, err := listener.Accept()
			if err != nil {
				select {
				case <-ctx.Done():
				case <-sess.Done():
				default:
					util.LogError("accept error: %v", err)
				}
				return
			}
			util.LogDebug("[%08x] new connection from %s", util.ConnTag(conn), conn.RemoteAddr())

			if err := a.open(conn); err != nil {
				util.LogWarning("[%08x] failed to open channel: %v", util.ConnTag(conn), err)
				conn.Close()
			}
		}
	}()

	return sess.Run(ctx)
}

// open starts a reliable channel for an accepted connection and launches its
// Socket.
func (a *adapter) open(conn net.Conn) error {
	var s *Socket
	var openErr error

	err := a.sess.Do(a.ctx, func(sw *mux.Switch) {
		c, err := sw.Start(a.sess.Remote(), ChannelType)
		if err != nil {
			openErr = err
			return
		}
		s = newSocketWithConn(a.ctx, c, a.sess, conn)
		a.register(s)

		// An empty first packet opens the channel, so the host dials even
		// for protocols where the server speaks first.
		openErr = c.Send(c.Packet())
	})
	if err != nil {
		return err
	}
	if openErr != nil {
		if s != nil {
			s.cleanup("")
		}
		return openErr
	}

	go s.runAsClient()
	return nil
}
