package session

import (
	"bytes"
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/1ureka/chanmux/internal/mux"
	"github.com/1ureka/chanmux/internal/peer"
	"github.com/1ureka/chanmux/internal/protocol"
	"github.com/1ureka/chanmux/internal/util"
)

const (
	peerA peer.ID = "aaaa"
	peerB peer.ID = "bbbb"
)

// pipe is one end of an in-memory Link. Packets go through the wire codec
// and arrive on their own goroutine, so ordering is not preserved.
type pipe struct {
	mu   sync.RWMutex
	fn   func(*protocol.Packet, error)
	peer *pipe
	done chan struct{}
	once sync.Once
}

func newPipe() (*pipe, *pipe) {
	a := &pipe{done: make(chan struct{})}
	b := &pipe{done: make(chan struct{})}
	a.peer, b.peer = b, a
	return a, b
}

func (p *pipe) Send(_ peer.ID, pkt *protocol.Packet) {
	data, err := protocol.Encode(pkt)
	if err != nil {
		panic(err)
	}
	go func() {
		p.peer.mu.RLock()
		fn := p.peer.fn
		p.peer.mu.RUnlock()
		if fn != nil {
			fn(protocol.Decode(data))
		}
	}()
}

func (p *pipe) OnPacket(fn func(*protocol.Packet, error)) {
	p.mu.Lock()
	p.fn = fn
	p.mu.Unlock()
}

func (p *pipe) Done() <-chan struct{} { return p.done }

func (p *pipe) Close() { p.once.Do(func() { close(p.done) }) }

func opts() []mux.Option {
	return []mux.Option{mux.WithStats(&util.Counters{}), mux.WithResend(2, 8)}
}

func TestSessionRoundTrip(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	la, lb := newPipe()
	a := New(peerA, peerB, la, 5*time.Millisecond, opts()...)
	b := New(peerB, peerA, lb, 5*time.Millisecond, opts()...)

	// b echoes every body back upper-cased.
	b.SetHandler(func(c *mux.Channel) {
		for p := c.Pop(); p != nil; p = c.Pop() {
			if len(p.Body()) > 0 {
				c.Send(c.Packet().SetBody(bytes.ToUpper(p.Body())))
			}
		}
	})
	got := make(chan string, 16)
	a.SetHandler(func(c *mux.Channel) {
		for p := c.Pop(); p != nil; p = c.Pop() {
			got <- string(p.Body())
		}
	})

	go a.Run(ctx)
	go b.Run(ctx)

	var openErr error
	err := a.Do(ctx, func(sw *mux.Switch) {
		ch, err := sw.Start(peerB, "echo")
		if err != nil {
			openErr = err
			return
		}
		for _, w := range []string{"one", "two", "three"} {
			ch.Send(ch.Packet().SetBody([]byte(w)))
		}
	})
	require.NoError(t, err)
	require.NoError(t, openErr)

	var replies []string
	for len(replies) < 3 {
		select {
		case s := <-got:
			replies = append(replies, s)
		case <-ctx.Done():
			t.Fatalf("timed out, got %v", replies)
		}
	}
	assert.Equal(t, []string{"ONE", "TWO", "THREE"}, replies)
}

func TestSessionTicks(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	la, _ := newPipe()
	s := New(peerA, peerB, la, time.Millisecond, opts()...)
	go s.Run(ctx)

	var ticks atomic.Int32
	var openErr error
	require.NoError(t, s.Do(ctx, func(sw *mux.Switch) {
		c, err := sw.Open(peerB, "idle", 0)
		if err != nil {
			openErr = err
			return
		}
		c.OnTick(func(*mux.Channel) { ticks.Add(1) })
	}))
	require.NoError(t, openErr)

	assert.Eventually(t, func() bool { return ticks.Load() >= 3 }, 2*time.Second, time.Millisecond)
}

func TestSessionStopsWithLink(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	la, _ := newPipe()
	s := New(peerA, peerB, la, time.Millisecond, opts()...)

	errCh := make(chan error, 1)
	go func() { errCh <- s.Run(ctx) }()
	la.Close()

	select {
	case err := <-errCh:
		assert.NoError(t, err)
	case <-ctx.Done():
		t.Fatal("Run did not return after the link closed")
	}

	assert.ErrorIs(t, s.Do(ctx, func(*mux.Switch) {}), ErrClosed)
	assert.ErrorIs(t, s.Post(func(*mux.Switch) {}), ErrClosed)
}

// flakyLink records outgoing packets and lets the test report a recovered
// connection.
type flakyLink struct {
	sent      chan *protocol.Packet
	done      chan struct{}
	reconnect func()
}

func (l *flakyLink) Send(_ peer.ID, p *protocol.Packet) { l.sent <- p }

func (l *flakyLink) OnPacket(func(*protocol.Packet, error)) {}

func (l *flakyLink) Done() <-chan struct{} { return l.done }

func (l *flakyLink) OnReconnect(fn func()) { l.reconnect = fn }

func TestSessionResetsOnReconnect(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	link := &flakyLink{sent: make(chan *protocol.Packet, 16), done: make(chan struct{})}
	// the ticker never fires, so only the reconnect can resend
	s := New(peerA, peerB, link, time.Hour, opts()...)
	require.NotNil(t, link.reconnect, "session registers for reconnects")
	go s.Run(ctx)

	var sendErr error
	require.NoError(t, s.Do(ctx, func(sw *mux.Switch) {
		c, err := sw.Start(peerB, "bulk")
		if err != nil {
			sendErr = err
			return
		}
		sendErr = c.Send(c.Packet().SetBody([]byte("pending")))
	}))
	require.NoError(t, sendErr)

	first := <-link.sent
	seq, ok := first.Int(protocol.FieldSeq)
	require.True(t, ok)
	assert.Equal(t, int64(0), seq)

	link.reconnect()

	select {
	case p := <-link.sent:
		again, ok := p.Int(protocol.FieldSeq)
		assert.True(t, ok)
		assert.Equal(t, seq, again)
		assert.Equal(t, []byte("pending"), p.Body())
	case <-ctx.Done():
		t.Fatal("unacked packet was not resent after reconnect")
	}
}
