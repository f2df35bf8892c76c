package mux

import (
	"fmt"

	"github.com/1ureka/chanmux/internal/protocol"
)

// Note delivers p to the channel whose global id is in its ".to" field. The
// target is queued for processing; its state is not touched.
func (s *Switch) Note(p *protocol.Packet) error {
	to := p.Str(protocol.FieldTo)
	c := s.index[to]
	if c == nil || c.freed {
		return fmt.Errorf("%w: %q", ErrNoRoute, to)
	}
	c.notes.push(p)
	s.queue.Push(c)
	return nil
}

// Note sends p as a note from this channel. The caller sets ".to".
func (c *Channel) Note(p *protocol.Packet) error {
	p.SetStr(protocol.FieldFrom, c.uid)
	return c.sw.Note(p)
}

// NoteTo sends p as a note from this channel to the channel with global id uid.
func (c *Channel) NoteTo(uid string, p *protocol.Packet) error {
	p.SetStr(protocol.FieldTo, uid)
	return c.Note(p)
}

// Reply sends note back to its sender, from this channel.
func (c *Channel) Reply(note *protocol.Packet) error {
	from := note.Str(protocol.FieldFrom)
	if from == "" {
		return fmt.Errorf("%w: note has no sender", ErrNoRoute)
	}
	return c.NoteTo(from, note)
}

// PopNote returns the next note delivered to this channel, or nil.
func (c *Channel) PopNote() *protocol.Packet {
	return c.notes.pop()
}

// Notes returns the number of undelivered notes.
func (c *Channel) Notes() int {
	return c.notes.len()
}
