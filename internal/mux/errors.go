package mux

import (
	"errors"
	"fmt"

	"github.com/1ureka/chanmux/internal/protocol"
)

var (
	// ErrNoPeer is returned when a channel is requested without a peer identity.
	ErrNoPeer = errors.New("no peer identity")

	// ErrNoType is returned when a channel is created without a type.
	ErrNoType = errors.New("channel type required")

	// ErrIDConflict is returned when an explicit channel id has the local
	// parity or is not above the peer's replay floor.
	ErrIDConflict = errors.New("channel id conflict")

	// ErrEnded is returned when sending on a channel that has already ended.
	ErrEnded = errors.New("channel ended")

	// ErrNoRoute is returned when a note is addressed to an unknown channel.
	ErrNoRoute = errors.New("no channel for note")
)

// Reason strings of locally synthesized errors.
const (
	ReasonTimeout = "timeout"
	ReasonReset   = "reset"
	ReasonUnknown = "unknown"
)

// RemoteError is the err field of a popped packet.
type RemoteError struct {
	ID     uint32
	Reason string
}

func (e *RemoteError) Error() string {
	return fmt.Sprintf("channel %d failed: %s", e.ID, e.Reason)
}

// PacketError returns the packet's err field as an error, or nil when the
// packet carries none.
func PacketError(p *protocol.Packet) error {
	if !p.IsErr() {
		return nil
	}
	id, _ := p.Int(protocol.FieldChannel)
	return &RemoteError{ID: uint32(id), Reason: p.Str(protocol.FieldErr)}
}
