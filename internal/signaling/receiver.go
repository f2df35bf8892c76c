package signaling

import (
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"github.com/gorilla/websocket"
	"github.com/pion/webrtc/v4"

	"github.com/1ureka/chanmux/internal/peer"
	"github.com/1ureka/chanmux/internal/transport"
)

// errBadHello is returned when the remote announces an unusable identity.
var errBadHello = errors.New("invalid peer identity in hello")

// receiver applies incoming signaling messages to the Transport (private).
type receiver struct {
	tr     *transport.Transport
	conn   *websocket.Conn
	sender *sender

	helloOnce sync.Once
	hello     chan struct{} // closed once the remote identity is known
}

func newReceiver(tr *transport.Transport, conn *websocket.Conn, s *sender) *receiver {
	return &receiver{tr: tr, conn: conn, sender: s, hello: make(chan struct{})}
}

// watch reads messages until the WebSocket fails or is closed.
func (r *receiver) watch() error {
	for {
		var msg message
		if err := r.conn.ReadJSON(&msg); err != nil {
			return fmt.Errorf("failed to read WS message: %w", err)
		}

		switch msg.Type {
		case msgTypeHello:
			id, ok := peer.Parse(msg.Peer)
			if !ok {
				return errBadHello
			}
			r.tr.SetRemote(id)
			r.helloOnce.Do(func() { close(r.hello) })

		case msgTypeOffer:
			if err := r.tr.SetRemoteDescription(webrtc.SessionDescription{
				Type: webrtc.SDPTypeOffer, SDP: msg.SDP,
			}); err != nil {
				return err
			}
			if err := r.sender.sendAnswer(); err != nil {
				return err
			}

		case msgTypeAnswer:
			if err := r.tr.SetRemoteDescription(webrtc.SessionDescription{
				Type: webrtc.SDPTypeAnswer, SDP: msg.SDP,
			}); err != nil {
				return err
			}

		case msgTypeCandidate:
			var init webrtc.ICECandidateInit
			if err := json.Unmarshal([]byte(msg.Candidate), &init); err != nil {
				return fmt.Errorf("failed to parse ICE candidate: %w", err)
			}
			if err := r.tr.AddICECandidate(init); err != nil {
				return err
			}
		}
	}
}
