package mux

import (
	"cmp"
	"fmt"
	"slices"

	"github.com/1ureka/chanmux/internal/peer"
)

// link is the channel registry for one remote identity.
type link struct {
	to peer.ID

	// out is the next id to hand out locally. Zero until the parity is
	// fixed; afterwards it always keeps the local parity.
	out uint32

	// floor is the highest remote-created id that has ended. Inbound ids at
	// or below it are replays.
	floor uint32

	chans  map[uint32]*Channel // addressable by id
	ending map[uint32]*Channel // ended, not yet freed; absorbs trailing acks
	owned  []*Channel          // every channel not yet freed, in creation order
}

func newLink(to peer.ID) *link {
	return &link{
		to:     to,
		chans:  make(map[uint32]*Channel),
		ending: make(map[uint32]*Channel),
	}
}

// fixParity derives the local id parity once: odd when the local identity
// sorts after the peer, even otherwise.
func (l *link) fixParity(local peer.ID) {
	if l.out != 0 {
		return
	}
	if peer.Compare(local, l.to) > 0 {
		l.out = 1
	} else {
		l.out = 2
	}
}

func (l *link) local(id uint32) bool {
	return id%2 == l.out%2
}

// allocate returns the next locally created id.
func (l *link) allocate(local peer.ID) uint32 {
	l.fixParity(local)
	id := l.out
	l.out += 2
	return id
}

// admit checks an id chosen by the remote side.
func (l *link) admit(local peer.ID, id uint32) error {
	l.fixParity(local)
	if l.local(id) {
		return fmt.Errorf("%w: id %d has the local parity", ErrIDConflict, id)
	}
	if id <= l.floor {
		return fmt.Errorf("%w: id %d is not above replay floor %d", ErrIDConflict, id, l.floor)
	}
	return nil
}

func (l *link) register(c *Channel) {
	l.chans[c.id] = c
	l.owned = append(l.owned, c)
}

// unregister makes c unreachable by id and raises the replay floor for
// remote-created ids.
func (l *link) unregister(c *Channel) {
	if l.chans[c.id] == c {
		delete(l.chans, c.id)
		l.ending[c.id] = c
	}
	if !l.local(c.id) && c.id > l.floor {
		l.floor = c.id
	}
}

// forget drops every reference the link holds to c.
func (l *link) forget(c *Channel) {
	if l.chans[c.id] == c {
		delete(l.chans, c.id)
	}
	if l.ending[c.id] == c {
		delete(l.ending, c.id)
	}
	if i := slices.Index(l.owned, c); i >= 0 {
		l.owned = slices.Delete(l.owned, i, i+1)
	}
}

// live returns the addressable channels ordered by id.
func (l *link) live() []*Channel {
	out := make([]*Channel, 0, len(l.chans))
	for _, c := range l.chans {
		out = append(out, c)
	}
	slices.SortFunc(out, func(a, b *Channel) int { return cmp.Compare(a.id, b.id) })
	return out
}
