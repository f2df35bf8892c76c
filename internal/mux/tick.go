package mux

import (
	"slices"

	"github.com/1ureka/chanmux/internal/peer"
)

// Tick runs one period of housekeeping for the channels to peer: ended
// channels past their grace are freed, tick callbacks run, reliable channels
// resend and unreliable channels are checked for liveness.
func (s *Switch) Tick(to peer.ID) {
	l := s.links[to]
	if l == nil {
		return
	}

	// Free and callbacks may both edit l.owned.
	for _, c := range slices.Clone(l.owned) {
		if c.freed {
			continue
		}
		if c.state == Ended {
			if c.releaseReq {
				continue
			}
			c.tfree++
			if c.tfree > c.timeout {
				c.Free()
				continue
			}
		}

		if c.onTick != nil {
			c.onTick(c)
			if c.freed {
				continue
			}
		}

		// nothing to drive on a loopback link
		if to == s.local {
			continue
		}

		if c.rel != nil {
			c.rel.tick()
		} else {
			c.checkTimeout()
		}
	}
}

// TickAll runs Tick for every known peer.
func (s *Switch) TickAll() {
	for _, to := range s.Peers() {
		s.Tick(to)
	}
}
