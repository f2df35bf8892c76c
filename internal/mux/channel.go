package mux

import (
	"container/list"

	"github.com/1ureka/chanmux/internal/peer"
	"github.com/1ureka/chanmux/internal/protocol"
	"github.com/1ureka/chanmux/internal/util"
)

// State is the lifecycle state of a channel.
type State uint8

const (
	Opening State = iota
	Open
	Ended
)

func (s State) String() string {
	switch s {
	case Opening:
		return "OPENING"
	case Open:
		return "OPEN"
	case Ended:
		return "ENDED"
	}
	return "UNKNOWN"
}

// Channel is one multiplexed stream to a peer. It is owned by its Switch and
// must only be touched from the goroutine driving that Switch.
type Channel struct {
	sw   *Switch
	link *link
	to   peer.ID
	id   uint32
	uid  string
	typ  string

	state State

	in    fifo             // unreliable packets and errors, in arrival order
	notes fifo             // notes routed to this channel
	start *protocol.Packet // first unreliable packet, resent after a reset
	rel   *reliable        // nil unless reliable

	created      uint32
	tsent, trecv uint32
	sent, recvd  bool
	timeout      uint32
	tfree        uint32

	elem *list.Element // processing queue membership

	held       bool
	releaseReq bool
	freed      bool

	onTick func(*Channel)
}

// ID returns the channel id, unique per peer.
func (c *Channel) ID() uint32 { return c.id }

// UID returns the switch-wide id used to address notes.
func (c *Channel) UID() string { return c.uid }

// Type returns the channel type.
func (c *Channel) Type() string { return c.typ }

// Peer returns the remote identity.
func (c *Channel) Peer() peer.ID { return c.to }

// State returns the lifecycle state.
func (c *Channel) State() State { return c.state }

// Freed reports whether the channel has been released from every registry.
func (c *Channel) Freed() bool { return c.freed }

// Window returns the reliable window, or 0 for an unreliable channel.
func (c *Channel) Window() int {
	if c.rel == nil {
		return 0
	}
	return int(c.rel.window)
}

// Timeout returns the liveness timeout in ticks.
func (c *Channel) Timeout() uint32 { return c.timeout }

// SetTimeout sets the liveness timeout and the free grace, in ticks.
func (c *Channel) SetTimeout(ticks uint32) { c.timeout = ticks }

// OnTick sets a callback run on every tick of the channel's peer.
func (c *Channel) OnTick(fn func(*Channel)) { c.onTick = fn }

// Reliable switches the channel to reliable delivery with the given window.
// It has no effect once any packet was sent or received, or if the channel is
// already reliable.
func (c *Channel) Reliable(window int) *Channel {
	if window <= 0 || c.sent || c.recvd || c.rel != nil {
		return c
	}
	c.rel = newReliable(c, uint32(window))
	return c
}

// Packet returns a fresh packet for this channel, carrying the type while
// the channel has seen no traffic.
func (c *Channel) Packet() *protocol.Packet {
	p := protocol.New().SetInt(protocol.FieldChannel, int64(c.id))
	if !c.sent && !c.recvd {
		p.SetStr(protocol.FieldType, c.typ)
	}
	return p
}

// Size returns the number of bytes buffered in or out.
func (c *Channel) Size() int {
	n := c.in.size()
	if c.rel != nil {
		n += c.rel.size()
	}
	return n
}

// Outstanding returns the number of reliable packets sent and not yet
// acknowledged, plus those held back by the window.
func (c *Channel) Outstanding() int {
	if c.rel == nil {
		return 0
	}
	return int(c.rel.outstanding()) + c.rel.backlog.len()
}

func (c *Channel) tag() string {
	return util.ChanTag(c.to.Short(), c.id)
}

// ---------------------------------------------------------------------------
// Inbound
// ---------------------------------------------------------------------------

// receive processes a packet routed to this channel.
func (c *Channel) receive(p *protocol.Packet) {
	c.trecv = c.sw.now
	c.recvd = true
	if util.DebugEnabled() {
		util.LogDebug("%s in %v", c.tag(), p)
	}

	// errors are immediate
	if p.IsErr() {
		c.abort(p, "")
		return
	}

	if c.state == Opening {
		util.LogDebug("%s opened", c.tag())
		c.state = Open
		c.start = nil
	}

	if c.rel != nil {
		ready := c.rel.receive(p)
		if c.rel.ackNow {
			c.rel.sendAck()
		}
		if !ready {
			return
		}
	} else {
		c.in.push(p)
	}

	c.sw.queue.Push(c)
}

// absorb handles a packet for a channel that ended but is not yet freed.
// Only acknowledgements of our own packets are applied; nothing is
// buffered or queued.
func (c *Channel) absorb(p *protocol.Packet) {
	if c.rel != nil {
		c.rel.absorb(p)
	}
}

// Pop returns the next inbound packet, or nil. Popping an err or end packet
// ends the channel.
func (c *Channel) Pop() *protocol.Packet {
	p := c.in.pop()
	if p == nil && c.rel != nil {
		p = c.rel.pop()
	}
	if p != nil && (p.IsErr() || p.IsEnd()) {
		c.terminate()
	}
	return p
}

// Pending returns the number of packets Pop would return right now, without
// counting reliable packets still waiting for a gap to fill.
func (c *Channel) Pending() int {
	n := c.in.len()
	if c.rel != nil {
		n += c.rel.ready()
	}
	return n
}

// ---------------------------------------------------------------------------
// Outbound
// ---------------------------------------------------------------------------

// Send transmits p on this channel, filling in the channel id and, for the
// first packet, the type.
func (c *Channel) Send(p *protocol.Packet) error {
	if c.state == Ended || c.freed {
		return ErrEnded
	}
	if !p.Has(protocol.FieldChannel) {
		p.SetInt(protocol.FieldChannel, int64(c.id))
	}
	if !c.sent && !c.recvd && !p.Has(protocol.FieldType) {
		p.SetStr(protocol.FieldType, c.typ)
	}
	c.tsent = c.sw.now
	c.sent = true

	ending := p.IsErr() || p.IsEnd()
	if c.rel != nil {
		c.rel.send(p)
	} else {
		if !ending && c.state == Opening && c.start == nil {
			c.start = p.Copy()
		}
		c.sw.transmit(c.to, p)
	}

	if ending {
		c.terminate()
	}
	return nil
}

// End sends p, or a fresh packet, marked end=true.
func (c *Channel) End(p *protocol.Packet) error {
	if p == nil {
		p = c.Packet()
	}
	p.SetStr(protocol.FieldEnd, "true")
	return c.Send(p)
}

// Fail sends an error to the remote side and ends the channel at once.
func (c *Channel) Fail(reason string) {
	if c.state == Ended {
		return
	}
	if reason == "" {
		reason = ReasonUnknown
	}
	p := protocol.New().
		SetInt(protocol.FieldChannel, int64(c.id)).
		SetStr(protocol.FieldErr, reason)
	c.sw.transmit(c.to, p)
	c.terminate()
	if c.rel != nil {
		c.rel.stop()
	}
}

// Ack sends an ack-only packet if a reliable channel owes one.
func (c *Channel) Ack() {
	if c.rel != nil && c.rel.ackOwed() {
		c.rel.sendAck()
	}
}

// ---------------------------------------------------------------------------
// Termination
// ---------------------------------------------------------------------------

// terminate moves the channel to ENDED. Every path that ends a channel
// comes through here.
func (c *Channel) terminate() {
	if c.state == Ended {
		return
	}
	c.state = Ended
	c.tfree = 0
	c.link.unregister(c)
	c.sw.stats.ChannelsEnded.Add(1)
	util.LogDebug("%s ended", c.tag())

	// the remote may be retransmitting until it hears from us
	if c.rel != nil && c.rel.ackOwed() {
		c.rel.sendAck()
	}
}

// abort ends the channel and queues an error as its final deliverable item.
// p is the remote error packet, or nil to synthesize one with reason.
func (c *Channel) abort(p *protocol.Packet, reason string) {
	if c.state == Ended {
		return
	}
	util.LogDebug("%s fail %s", c.tag(), reason+p.Str(protocol.FieldErr))
	if p == nil {
		p = protocol.New().
			SetInt(protocol.FieldChannel, int64(c.id)).
			SetStr(protocol.FieldErr, reason)
	}

	// in-order reliable data stays ahead of the error
	if c.rel != nil {
		for q := c.rel.pop(); q != nil; q = c.rel.pop() {
			c.in.push(q)
		}
	}
	c.in.push(p)
	c.terminate()
	if c.rel != nil {
		c.rel.stop()
	}
	c.sw.queue.Push(c)
}

// checkTimeout ends an unreliable channel with no liveness within timeout.
func (c *Channel) checkTimeout() {
	if c.rel != nil || c.timeout == 0 || c.state == Ended {
		return
	}
	last := c.created
	if c.recvd {
		last = c.trecv
	} else if c.sent {
		last = c.tsent
	}
	if c.sw.now-last > c.timeout {
		c.sw.stats.Timeouts.Add(1)
		c.abort(nil, ReasonTimeout)
	}
}

// ---------------------------------------------------------------------------
// Ownership
// ---------------------------------------------------------------------------

// Retain marks the channel as held by an external owner. While held, the
// channel is never deallocated: a free becomes a release request.
//
// The holder must call Release once it sees ReleaseRequested, or the channel
// leaks.
func (c *Channel) Retain() { c.held = true }

// Release drops the external hold. If a free was requested meanwhile, the
// channel is freed now.
func (c *Channel) Release() {
	c.held = false
	if c.releaseReq {
		c.releaseReq = false
		c.Free()
	}
}

// Held reports whether an external owner holds the channel.
func (c *Channel) Held() bool { return c.held }

// ReleaseRequested reports whether the switch wants to free the channel and
// is waiting for the holder to Release it.
func (c *Channel) ReleaseRequested() bool { return c.releaseReq }

// Free ends the channel if needed and removes it from every registry,
// dropping buffered packets and notes.
func (c *Channel) Free() {
	if c.freed {
		return
	}
	c.terminate()

	if c.held {
		if !c.releaseReq {
			c.releaseReq = true
			c.sw.stats.ReleaseRequests.Add(1)
			util.LogWarning("%s free deferred: channel is still held, waiting for Release", c.tag())
		}
		c.sw.queue.Push(c)
		return
	}

	c.link.forget(c)
	delete(c.sw.index, c.uid)
	c.sw.queue.Remove(c)

	if n := c.in.clear(); n > 0 {
		util.LogDebug("%s dropped %d unread packets", c.tag(), n)
	}
	if n := c.notes.clear(); n > 0 {
		util.LogDebug("%s dropped %d unread notes", c.tag(), n)
	}
	if c.rel != nil {
		c.rel.clear()
	}
	c.start = nil
	c.freed = true
	c.sw.stats.ChannelsFreed.Add(1)
	util.LogDebug("%s freed", c.tag())
}
