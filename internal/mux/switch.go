// Package mux multiplexes typed logical channels over one packet link per
// peer. Channels can be made reliable with a sliding window; a tick driver
// ages out idle channels and drives retransmission.
//
// Nothing here is safe for concurrent use. A single scheduler goroutine must
// make every call into a Switch and its channels.
package mux

import (
	"fmt"
	"math"
	"slices"

	"github.com/google/uuid"

	"github.com/1ureka/chanmux/internal/peer"
	"github.com/1ureka/chanmux/internal/protocol"
	"github.com/1ureka/chanmux/internal/util"
)

// Switch holds the channel state for one local identity: a registry per
// peer, the global channel index and the processing queue.
type Switch struct {
	local peer.ID
	tr    Transport
	opts  options
	stats *util.Counters

	now   uint32
	links map[peer.ID]*link
	index map[string]*Channel
	queue Queue
}

// New returns a Switch for the local identity, sending through tr.
func New(local peer.ID, tr Transport, opts ...Option) *Switch {
	o := defaultOptions()
	for _, opt := range opts {
		opt(&o)
	}
	return &Switch{
		local: local,
		tr:    tr,
		opts:  o,
		stats: o.stats,
		links: make(map[peer.ID]*link),
		index: make(map[string]*Channel),
	}
}

// Local returns the local identity.
func (s *Switch) Local() peer.ID { return s.local }

// Now returns the logical tick counter.
func (s *Switch) Now() uint32 { return s.now }

// Advance moves the logical clock forward one tick.
func (s *Switch) Advance() { s.now++ }

// Pending returns the number of channels in the processing queue.
func (s *Switch) Pending() int { return s.queue.Len() }

// Peers returns every peer with a registry, sorted.
func (s *Switch) Peers() []peer.ID {
	out := make([]peer.ID, 0, len(s.links))
	for id := range s.links {
		out = append(out, id)
	}
	slices.Sort(out)
	return out
}

// Lookup returns the addressable channel with id on the link to peer, or nil.
func (s *Switch) Lookup(to peer.ID, id uint32) *Channel {
	if l := s.links[to]; l != nil {
		return l.chans[id]
	}
	return nil
}

// ByUID returns the channel with the global id, or nil once it was freed.
func (s *Switch) ByUID(uid string) *Channel {
	return s.index[uid]
}

// Channels returns the addressable channels to peer, ordered by id.
func (s *Switch) Channels(to peer.ID) []*Channel {
	if l := s.links[to]; l != nil {
		return l.live()
	}
	return nil
}

// Open creates a channel of type typ to peer to. With id 0 a fresh local id
// is allocated. A non-zero id names a channel created by the remote side: an
// existing channel with that id is returned as is, otherwise the id is
// checked against the peer's parity and replay floor.
func (s *Switch) Open(to peer.ID, typ string, id uint32) (*Channel, error) {
	if to == "" {
		return nil, ErrNoPeer
	}
	if typ == "" {
		return nil, ErrNoType
	}

	l, known := s.links[to]
	if !known {
		l = newLink(to)
	}

	if id == 0 {
		id = l.allocate(s.local)
	} else {
		if c := l.chans[id]; c != nil {
			return c, nil
		}
		if err := l.admit(s.local, id); err != nil {
			return nil, fmt.Errorf("open %s to %s: %w", typ, to, err)
		}
	}

	if !known {
		s.links[to] = l
	}

	c := &Channel{
		sw:      s,
		link:    l,
		to:      to,
		id:      id,
		uid:     uuid.NewString(),
		typ:     typ,
		state:   Opening,
		created: s.now,
		timeout: s.opts.timeout,
	}
	l.register(c)
	s.index[c.uid] = c
	s.stats.ChannelsOpened.Add(1)
	util.LogDebug("%s new %s", c.tag(), typ)
	return c, nil
}

// Start opens a reliable channel using the switch's default window.
func (s *Switch) Start(to peer.ID, typ string) (*Channel, error) {
	c, err := s.Open(to, typ, 0)
	if err != nil {
		return nil, err
	}
	return c.Reliable(s.opts.window), nil
}

// Dispatch routes an inbound packet from peer to its channel, creating the
// channel if the packet opens one. It returns the channel that took the
// packet, or nil if the packet was dropped or absorbed by an ended channel.
func (s *Switch) Dispatch(from peer.ID, p *protocol.Packet) *Channel {
	v, ok := p.Int(protocol.FieldChannel)
	if from == "" || !ok || v <= 0 || v > math.MaxUint32 {
		util.LogDebug("dropping packet without a valid channel id: %v", p)
		return nil
	}
	id := uint32(v)

	if l := s.links[from]; l != nil {
		if c := l.chans[id]; c != nil {
			c.receive(p)
			return c
		}
		if c := l.ending[id]; c != nil {
			c.absorb(p)
			return nil
		}
	}

	// errors never open a channel
	if p.IsErr() {
		util.LogDebug("%s dropping error for unknown channel", util.ChanTag(from.Short(), id))
		return nil
	}
	typ := p.Str(protocol.FieldType)
	if typ == "" {
		util.LogDebug("%s dropping packet for unknown channel without type", util.ChanTag(from.Short(), id))
		return nil
	}

	c, err := s.Open(from, typ, id)
	if err != nil {
		s.stats.IDRejects.Add(1)
		util.LogDebug("%s dropping: %v", util.ChanTag(from.Short(), id), err)
		return nil
	}
	if p.Has(protocol.FieldSeq) {
		c.Reliable(s.opts.window)
	}
	c.receive(p)
	return c
}

// Drain pops every channel queued at the time of the call and hands it to
// fn. Channels queued again by fn wait for the next Drain.
func (s *Switch) Drain(fn func(*Channel)) {
	for n := s.queue.Len(); n > 0; n-- {
		c := s.queue.Pop()
		if c == nil {
			return
		}
		fn(c)
	}
}

// Reset handles a renegotiated link to peer: pending packets of live
// channels are sent again and the replay floor is cleared.
func (s *Switch) Reset(to peer.ID) {
	l := s.links[to]
	if l == nil {
		return
	}
	for _, c := range l.live() {
		if s.opts.resetFailsOpen && c.state == Open {
			c.abort(nil, ReasonReset)
			continue
		}
		switch {
		case c.rel != nil:
			c.rel.resendAll()
		case c.start != nil:
			s.transmit(to, c.start.Copy())
		}
	}
	l.floor = 0
	util.LogInfo("link to %08x reset, %d channels live", to.Short(), len(l.chans))
}

func (s *Switch) transmit(to peer.ID, p *protocol.Packet) {
	if util.DebugEnabled() {
		id, _ := p.Int(protocol.FieldChannel)
		util.LogDebug("%s out %v", util.ChanTag(to.Short(), uint32(id)), p)
	}
	s.tr.Send(to, p)
}
