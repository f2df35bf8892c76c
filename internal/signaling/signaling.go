package signaling

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/gorilla/websocket"
	"github.com/pion/webrtc/v4"
	"github.com/pterm/pterm"

	"github.com/1ureka/chanmux/internal/peer"
	"github.com/1ureka/chanmux/internal/transport"
	"github.com/1ureka/chanmux/internal/util"
)

// EstablishAsHost executes the full host-side signaling flow:
//  1. Start a WS server on wsAddr
//  2. Print port info
//  3. Wait for the client to connect
//  4. Create a Transport and announce the local identity
//  5. Perform SDP/ICE exchange
//  6. Wait for the DataChannel to be ready and the remote identity to be known
//  7. Close the WS server and connection (resource cleanup)
//
// It returns the ready Transport and the remote identity.
func EstablishAsHost(ctx context.Context, wsAddr string, local peer.ID, stun ...string) (*transport.Transport, peer.ID, error) {
	// 1. Start WS server.
	srv := newServer()
	wsPort, err := srv.start(wsAddr)
	if err != nil {
		return nil, "", err
	}
	defer srv.close()

	// 2. Print port info.
	pterm.DefaultBox.WithTitle("WebSocket Signaling Server").Println(
		fmt.Sprintf("Port : %d\nPeer : %s", wsPort, local),
	)
	util.LogInfo("waiting for client to connect...")

	// 3. Wait for client WS connection.
	wsConn, err := srv.waitForClient(ctx)
	if err != nil {
		return nil, "", fmt.Errorf("failed to wait for client: %w", err)
	}
	defer wsConn.Close()
	util.LogInfo("client connected")

	// 4. Create Transport.
	tr, err := transport.NewTransport(ctx, stun...)
	if err != nil {
		return nil, "", fmt.Errorf("failed to create Transport: %w", err)
	}

	// 5. Exchange. The host speaks first.
	return exchange(ctx, wsConn, tr, local, true)
}

// EstablishAsClient executes the full client-side signaling flow:
//  1. Connect to the host's WS server
//  2. Create a Transport and announce the local identity
//  3. Perform SDP/ICE exchange
//  4. Wait for the DataChannel to be ready and the remote identity to be known
//  5. Close the WS connection (resource cleanup)
//
// It returns the ready Transport and the remote identity.
func EstablishAsClient(ctx context.Context, wsURL string, local peer.ID, stun ...string) (*transport.Transport, peer.ID, error) {
	// 1. Connect to WS server.
	util.LogInfo("connecting to host...")
	wsConn, err := connect(ctx, wsURL)
	if err != nil {
		return nil, "", err
	}
	defer wsConn.Close()
	util.LogDebug("WS connected: %s", wsURL)

	// 2. Create Transport.
	tr, err := transport.NewTransport(ctx, stun...)
	if err != nil {
		return nil, "", fmt.Errorf("failed to create Transport: %w", err)
	}

	return exchange(ctx, wsConn, tr, local, false)
}

// exchange runs the hello + SDP/ICE exchange over wsConn until the
// DataChannel is open and the remote identity is known. On failure tr is
// closed.
func exchange(ctx context.Context, wsConn *websocket.Conn, tr *transport.Transport, local peer.ID, offer bool) (*transport.Transport, peer.ID, error) {
	// Assemble sender and receiver.
	s := &sender{tr: tr, conn: wsConn}
	r := newReceiver(tr, wsConn, s)

	// Register ICE candidate callback, forward via sender.
	tr.OnICECandidate(func(c *webrtc.ICECandidate) {
		if c != nil {
			data, _ := json.Marshal(c.ToJSON())
			// Error intentionally ignored: sendCandidate is best-effort.
			s.sendCandidate(string(data))
		}
	})

	// Start receiver loop (background goroutine).
	errCh := make(chan error, 1)
	go func() {
		errCh <- r.watch() // Exits when wsConn is closed by the caller's defer.
	}()

	fail := func(err error) (*transport.Transport, peer.ID, error) {
		tr.Close()
		return nil, "", err
	}

	if err := s.sendHello(local); err != nil {
		return fail(fmt.Errorf("failed to send hello: %w", err))
	}
	if offer {
		if err := s.sendOffer(); err != nil {
			return fail(fmt.Errorf("failed to send Offer: %w", err))
		}
	}

	// The hello always precedes the offer, so it is known by the time the
	// DataChannel opens; waiting on both keeps that an explicit requirement.
	ready, hello := tr.Ready(), r.hello
	for ready != nil || hello != nil {
		select {
		case <-ready:
			ready = nil
		case <-hello:
			hello = nil
		case err := <-errCh:
			return fail(fmt.Errorf("signaling failed: %w", err))
		case <-ctx.Done():
			return fail(ctx.Err())
		}
	}

	remote := tr.Remote()
	if remote == local {
		return fail(fmt.Errorf("signaling failed: remote announced our own identity %s", local))
	}
	util.LogDebug("WebRTC DataChannel established with %s, closing WS", remote)
	return tr, remote, nil
}
