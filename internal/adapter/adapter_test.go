package adapter

import (
	"bytes"
	"context"
	"errors"
	"io"
	"math/rand/v2"
	"net"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/1ureka/chanmux/internal/mux"
	"github.com/1ureka/chanmux/internal/peer"
	"github.com/1ureka/chanmux/internal/protocol"
	"github.com/1ureka/chanmux/internal/session"
	"github.com/1ureka/chanmux/internal/util"
)

func TestMain(m *testing.M) {
	util.SetLogOutput(io.Discard)
	os.Exit(m.Run())
}

// Compile-time interface check.
var _ session.Link = (*mockTransport)(nil)

// mockTransport implements session.Link for in-process testing.
// Two linked mockTransport instances simulate a bidirectional network link:
// packets sent by one side go through the wire codec and are delivered to
// the other side's OnPacket handler after a random delay in [0, 20ms), so
// they routinely arrive out of order.
type mockTransport struct {
	mu      sync.RWMutex
	handler func(*protocol.Packet, error)
	peer    *mockTransport
	done    chan struct{}
	once    sync.Once
}

// mockTransports creates a linked pair of mock transports.
// Call Close() on either transport to signal Done().
func mockTransports() (clientTransport, hostTransport *mockTransport) {
	client := &mockTransport{done: make(chan struct{})}
	host := &mockTransport{done: make(chan struct{})}
	client.peer = host
	host.peer = client
	return client, host
}

// Close signals that this transport is done. Safe to call multiple times.
func (m *mockTransport) Close() {
	m.once.Do(func() { close(m.done) })
}

// Done returns a channel that is closed when Close() is called.
func (m *mockTransport) Done() <-chan struct{} {
	return m.done
}

// OnPacket registers a callback for incoming packets.
func (m *mockTransport) OnPacket(fn func(*protocol.Packet, error)) {
	m.mu.Lock()
	m.handler = fn
	m.mu.Unlock()
}

// Send schedules asynchronous delivery of a packet to the peer.
// If either side is closed before the delay elapses, the packet is silently dropped.
func (m *mockTransport) Send(_ peer.ID, pkt *protocol.Packet) {
	data, err := protocol.Encode(pkt)
	if err != nil {
		panic(err)
	}

	go func() {
		delay := time.Duration(rand.Int64N(20)) * time.Millisecond

		select {
		case <-time.After(delay):
		case <-m.done:
			return
		case <-m.peer.done:
			return
		}

		m.peer.mu.RLock()
		fn := m.peer.handler
		m.peer.mu.RUnlock()

		if fn != nil {
			fn(protocol.Decode(data))
		}
	}()
}

// ---------------------------------------------------------------------------
// Test helpers
// ---------------------------------------------------------------------------

const (
	clientID peer.ID = "client-0000"
	hostID   peer.ID = "host-0000"
)

func newSessions(clientTr, hostTr *mockTransport) (client, host *session.Session) {
	opts := func() []mux.Option {
		return []mux.Option{mux.WithStats(&util.Counters{}), mux.WithResend(4, 16)}
	}
	client = session.New(clientID, hostID, clientTr, 10*time.Millisecond, opts()...)
	host = session.New(hostID, clientID, hostTr, 10*time.Millisecond, opts()...)
	return client, host
}

// startEchoServer starts a TCP echo server that copies everything it receives
// back to the sender. Returns the address (host:port) it is listening on.
func startEchoServer(t *testing.T, ctx context.Context) string {
	t.Helper()
	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err, "echo server: listen failed")
	go func() {
		<-ctx.Done()
		l.Close()
	}()
	go func() {
		for {
			conn, err := l.Accept()
			if err != nil {
				return
			}
			go func(c net.Conn) {
				defer c.Close()
				io.Copy(c, c)
			}(conn)
		}
	}()
	return l.Addr().String()
}

// getFreeAddr finds a free TCP port on loopback and returns its address.
func getFreeAddr(t *testing.T) string {
	t.Helper()
	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := l.Addr().String()
	l.Close()
	return addr
}

// waitForListener polls the given address until a TCP connection succeeds or
// the timeout elapses. The probe connection is immediately closed.
func waitForListener(t *testing.T, addr string, timeout time.Duration) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		conn, err := net.DialTimeout("tcp", addr, 100*time.Millisecond)
		if err == nil {
			conn.Close()
			return
		}
		time.Sleep(50 * time.Millisecond)
	}
	t.Fatalf("listener at %s not ready within %v", addr, timeout)
}

// makeTestData generates deterministic test data of the given size.
// Each byte is derived from its index XOR-ed with the seed, ensuring that
// different connections produce distinguishable payloads.
func makeTestData(size int, seed byte) []byte {
	data := make([]byte, size)
	for i := range data {
		data[i] = byte(i%251) ^ seed
	}
	return data
}

// ---------------------------------------------------------------------------
// Tests
// ---------------------------------------------------------------------------

// TestRunAsHostAndClient exercises the full tunnel path:
//
//	[TCP client] <-> [RunAsClient] <-> [mockTransport] <-> [RunAsHost] <-> [echo server]
//
// Multiple concurrent connections each send a payload that spans many
// packets. The mockTransport delivers packets with random delays, so the
// reliable channels' reordering is exercised. Data integrity is verified by
// comparing the echoed bytes to the original.
func TestRunAsHostAndClient(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)

	// 1. Infrastructure
	echoAddr := startEchoServer(t, ctx)
	clientTr, hostTr := mockTransports()
	clientSess, hostSess := newSessions(clientTr, hostTr)
	clientAddr := getFreeAddr(t)

	var wg sync.WaitGroup
	defer func() {
		cancel()
		clientTr.Close()
		hostTr.Close()
		wg.Wait()
	}()

	// 2. Start both sides of the tunnel
	wg.Add(2)
	go func() {
		defer wg.Done()
		RunAsHost(ctx, hostSess, echoAddr)
	}()
	go func() {
		defer wg.Done()
		RunAsClient(ctx, clientSess, clientAddr)
	}()

	waitForListener(t, clientAddr, 5*time.Second)

	// 3. Open multiple TCP connections through the tunnel concurrently
	const numConns = 5
	const dataSize = 1024 * 1024 // 1 MiB, 64 packets per direction

	var connWg sync.WaitGroup
	for i := range numConns {
		connWg.Add(1)
		go func(idx int) {
			defer connWg.Done()

			conn, err := net.Dial("tcp", clientAddr)
			if !assert.NoError(t, err, "[conn %d] dial", idx) {
				return
			}
			defer conn.Close()

			sent := makeTestData(dataSize, byte(idx))

			// Write and read concurrently to avoid TCP buffer deadlock.
			errCh := make(chan error, 1)
			go func() {
				_, err := conn.Write(sent)
				errCh <- err
			}()

			got := make([]byte, dataSize)
			conn.SetReadDeadline(time.Now().Add(20 * time.Second))
			if _, err := io.ReadFull(conn, got); !assert.NoError(t, err, "[conn %d] read echo", idx) {
				return
			}
			if !assert.NoError(t, <-errCh, "[conn %d] write", idx) {
				return
			}

			if !bytes.Equal(sent, got) {
				t.Errorf("[conn %d] echoed data mismatch (sent %d bytes, got %d bytes)",
					idx, len(sent), len(got))
			}
		}(i)
	}

	connWg.Wait()
}

// TestHostDialFailure verifies that a failed dial on the host side closes
// the client's TCP connection.
func TestHostDialFailure(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)

	clientTr, hostTr := mockTransports()
	clientSess, hostSess := newSessions(clientTr, hostTr)
	clientAddr := getFreeAddr(t)
	deadAddr := getFreeAddr(t) // nothing listens here

	var wg sync.WaitGroup
	defer func() {
		cancel()
		clientTr.Close()
		hostTr.Close()
		wg.Wait()
	}()

	wg.Add(2)
	go func() {
		defer wg.Done()
		RunAsHost(ctx, hostSess, deadAddr)
	}()
	go func() {
		defer wg.Done()
		RunAsClient(ctx, clientSess, clientAddr)
	}()

	waitForListener(t, clientAddr, 5*time.Second)

	conn, err := net.Dial("tcp", clientAddr)
	require.NoError(t, err)
	defer conn.Close()

	conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	_, err = conn.Read(make([]byte, 1))
	require.Error(t, err)
	var netErr net.Error
	if errors.As(err, &netErr) {
		assert.False(t, netErr.Timeout(), "the tunnel should close the connection, not stall")
	}
}
