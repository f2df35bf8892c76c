// Package signaling handles the WebSocket-based signaling phase: SDP/ICE
// exchange plus the peer identity announcement that names the link.
package signaling

// messageType identifies the kind of signaling message.
type messageType string

const (
	msgTypeHello     messageType = "hello"
	msgTypeOffer     messageType = "offer"
	msgTypeAnswer    messageType = "answer"
	msgTypeCandidate messageType = "candidate"
)

// message is the JSON structure exchanged over the WebSocket during signaling.
type message struct {
	Type      messageType `json:"type"`
	Peer      string      `json:"peer,omitempty"` // hello: sender's peer.ID
	SDP       string      `json:"sdp,omitempty"`
	Candidate string      `json:"candidate,omitempty"` // JSON-encoded ICECandidateInit
}
