package transport

import (
	"github.com/pion/webrtc/v4"
)

// DefaultSTUNServers are used when no ICE servers are configured. There is no
// TURN fallback: the link is meant to be direct.
var DefaultSTUNServers = []string{
	"stun:stun.l.google.com:19302",
	"stun:stun1.l.google.com:19302",
}

// newPeerConnection creates a PeerConnection gathering candidates from the
// given STUN servers.
func newPeerConnection(stun []string) (*webrtc.PeerConnection, error) {
	if len(stun) == 0 {
		stun = DefaultSTUNServers
	}
	config := webrtc.Configuration{
		ICEServers: []webrtc.ICEServer{
			{URLs: stun},
		},
	}
	return webrtc.NewPeerConnection(config)
}

// newDataChannel creates the pre-negotiated DataChannel (ID 0) that carries
// every mux channel. Both sides create it independently, so no OnDataChannel
// round trip is needed.
//
// Delivery is unordered: reliable mux channels reorder by seq themselves, and
// one slow channel must not hold back the others.
func newDataChannel(pc *webrtc.PeerConnection) (*webrtc.DataChannel, error) {
	ordered := false
	negotiated := true
	id := uint16(0)

	return pc.CreateDataChannel("chanmux", &webrtc.DataChannelInit{
		Ordered:    &ordered,
		Negotiated: &negotiated,
		ID:         &id,
	})
}
