package transport

import (
	"context"
	"errors"
	"sync"

	"github.com/pion/webrtc/v4"

	"github.com/1ureka/chanmux/internal/peer"
	"github.com/1ureka/chanmux/internal/protocol"
	"github.com/1ureka/chanmux/internal/util"
)

// Transport wraps a single PeerConnection + DataChannel pair, providing a
// high-level API for signaling exchange, packet sending with backpressure,
// and packet receiving. It is the encrypted link to exactly one peer.
//
// Its lifecycle is governed by the DataChannel state and the context passed
// at construction time. The PeerConnection state does not drive open/close
// decisions; a recovery from Disconnected is reported through OnReconnect.
type Transport struct {
	pc *webrtc.PeerConnection
	dc *webrtc.DataChannel

	sender     *sender
	openSignal chan struct{}

	ctx    context.Context
	cancel context.CancelFunc

	mu          sync.RWMutex
	pcState     webrtc.PeerConnectionState
	remote      peer.ID
	onReconnect func()
}

// NewTransport creates a Transport backed by a new PeerConnection and a
// pre-negotiated DataChannel. The caller should perform signaling via the
// exposed methods (CreateOffer / CreateAnswer / …) and then use Send /
// OnPacket for data transfer. stun overrides DefaultSTUNServers when set.
//
// The Transport is considered alive as long as the DataChannel is open and
// ctx has not been cancelled.
func NewTransport(ctx context.Context, stun ...string) (*Transport, error) {
	pc, err := newPeerConnection(stun)
	if err != nil {
		return nil, err
	}

	dc, err := newDataChannel(pc)
	if err != nil {
		pc.Close()
		return nil, err
	}

	tCtx, tCancel := context.WithCancel(ctx)

	t := &Transport{
		pc:         pc,
		dc:         dc,
		openSignal: make(chan struct{}),
		ctx:        tCtx,
		cancel:     tCancel,
		pcState:    webrtc.PeerConnectionStateNew,
	}

	// DC open gate.
	var openOnce sync.Once
	dc.OnOpen(func() {
		openOnce.Do(func() { close(t.openSignal) })
	})

	// DC close → cancel transport context.
	dc.OnClose(func() {
		util.LogDebug("DataChannel closed")
		tCancel()
	})

	// Record PC state; recovering from Disconnected means the path was
	// renegotiated and packets in flight may be lost.
	pc.OnConnectionStateChange(t.stateChanged)

	// Start the sender goroutine.
	t.sender = newSender(tCtx, dc, t.openSignal)

	return t, nil
}

// ---------------------------------------------------------------------------
// Lifecycle
// ---------------------------------------------------------------------------

// Ready returns a channel that is closed when the DataChannel is open and
// the Transport is ready to send and receive.
func (t *Transport) Ready() <-chan struct{} {
	return t.openSignal
}

// Done returns a channel that is closed when the Transport is shut down
// (DataChannel closed or parent context cancelled).
func (t *Transport) Done() <-chan struct{} {
	return t.ctx.Done()
}

// Close shuts down the DataChannel and PeerConnection.
func (t *Transport) Close() error {
	t.cancel()
	return errors.Join(t.dc.Close(), t.pc.Close())
}

// ConnectionState returns the last observed PeerConnection state.
func (t *Transport) ConnectionState() webrtc.PeerConnectionState {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.pcState
}

// OnReconnect registers fn to run when the connection recovers after being
// disconnected. fn runs on a pion callback goroutine.
func (t *Transport) OnReconnect(fn func()) {
	t.mu.Lock()
	t.onReconnect = fn
	t.mu.Unlock()
}

func (t *Transport) stateChanged(state webrtc.PeerConnectionState) {
	util.LogDebug("PeerConnection state: %s", state.String())
	t.mu.Lock()
	prev := t.pcState
	t.pcState = state
	fn := t.onReconnect
	t.mu.Unlock()

	if prev == webrtc.PeerConnectionStateDisconnected && state == webrtc.PeerConnectionStateConnected {
		util.LogInfo("connection recovered, resending pending packets")
		if fn != nil {
			fn()
		}
	}
}

// Remote returns the identity the peer announced during signaling.
func (t *Transport) Remote() peer.ID {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.remote
}

// SetRemote records the identity the peer announced during signaling.
func (t *Transport) SetRemote(id peer.ID) {
	t.mu.Lock()
	t.remote = id
	t.mu.Unlock()
}

// ---------------------------------------------------------------------------
// Signaling
// ---------------------------------------------------------------------------

// CreateOffer generates an SDP offer.
func (t *Transport) CreateOffer() (webrtc.SessionDescription, error) {
	return t.pc.CreateOffer(nil)
}

// CreateAnswer generates an SDP answer.
func (t *Transport) CreateAnswer() (webrtc.SessionDescription, error) {
	return t.pc.CreateAnswer(nil)
}

// SetLocalDescription applies the local SDP.
func (t *Transport) SetLocalDescription(sdp webrtc.SessionDescription) error {
	return t.pc.SetLocalDescription(sdp)
}

// SetRemoteDescription applies the remote SDP.
func (t *Transport) SetRemoteDescription(sdp webrtc.SessionDescription) error {
	return t.pc.SetRemoteDescription(sdp)
}

// OnICECandidate registers a callback invoked whenever a new local ICE
// candidate is gathered. A nil candidate signals the end of gathering.
func (t *Transport) OnICECandidate(fn func(*webrtc.ICECandidate)) {
	t.pc.OnICECandidate(fn)
}

// AddICECandidate adds a remote ICE candidate received through signaling.
func (t *Transport) AddICECandidate(candidate webrtc.ICECandidateInit) error {
	return t.pc.AddICECandidate(candidate)
}

// ---------------------------------------------------------------------------
// Data
// ---------------------------------------------------------------------------

// Send enqueues p for the peer. The link reaches a single peer, so a
// mismatching to is logged and the packet is dropped.
func (t *Transport) Send(to peer.ID, p *protocol.Packet) {
	if remote := t.Remote(); remote != "" && to != remote {
		util.LogWarning("dropping packet for %08x: link is to %08x", to.Short(), remote.Short())
		return
	}
	t.sender.send(t.ctx, p)
}

// OnPacket registers a callback invoked for every inbound DataChannel message.
// The callback receives the decoded packet and any decoding error.
func (t *Transport) OnPacket(fn func(*protocol.Packet, error)) {
	t.dc.OnMessage(func(msg webrtc.DataChannelMessage) {
		util.Stats.AddRecv(len(msg.Data))
		pkt, err := protocol.Decode(msg.Data)
		fn(pkt, err)
	})
}
