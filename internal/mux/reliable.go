package mux

import (
	"math"

	"github.com/1ureka/chanmux/internal/protocol"
	"github.com/1ureka/chanmux/internal/util"
)

// outPacket is a sent original retained until acknowledged.
type outPacket struct {
	p  *protocol.Packet
	at uint32 // tick of the last transmission
}

// reliable is the sliding-window state of a reliable channel. Sequence
// numbers start at 0 in both directions.
//
// Outgoing: seqs in [low, next) are in flight and retained in sent; at most
// window of them at a time, the rest wait in backlog.
//
// Incoming: seqs below recvNext arrived contiguously; seqs in
// [popNext, recvNext) are ready to pop; buf also holds out-of-order arrivals
// above recvNext.
type reliable struct {
	c      *Channel
	window uint32

	next     uint32
	low      uint32
	sent     map[uint32]*outPacket
	backlog  fifo
	lastSend uint32
	backoff  uint32

	recvNext uint32
	popNext  uint32
	buf      map[uint32]*protocol.Packet
	maxSeen  uint32
	seen     bool
	ackedOut uint32
	ackNow   bool
	lastAck  uint32
}

func newReliable(c *Channel, window uint32) *reliable {
	return &reliable{
		c:       c,
		window:  window,
		sent:    make(map[uint32]*outPacket),
		buf:     make(map[uint32]*protocol.Packet),
		backoff: c.sw.opts.resend,
	}
}

func (r *reliable) outstanding() uint32 {
	return r.next - r.low
}

// ready returns how many in-order packets can be popped.
func (r *reliable) ready() int {
	return int(r.recvNext - r.popNext)
}

// ---------------------------------------------------------------------------
// Outgoing
// ---------------------------------------------------------------------------

// send stamps and transmits p, or holds it back while the window is full.
func (r *reliable) send(p *protocol.Packet) {
	if r.backlog.len() > 0 || r.outstanding() >= r.window {
		r.backlog.push(p)
		return
	}
	r.stamp(p)
}

func (r *reliable) stamp(p *protocol.Packet) {
	s := r.next
	r.next++
	p.SetInt(protocol.FieldSeq, int64(s))
	if r.outstanding() == 1 {
		// the resend timer runs from the oldest unacked packet
		r.lastSend = r.c.sw.now
		r.backoff = r.c.sw.opts.resend
	}
	op := &outPacket{p: p}
	r.sent[s] = op
	r.transmit(op)
}

// transmit sends a copy of the retained original with fresh ack fields.
func (r *reliable) transmit(op *outPacket) {
	op.at = r.c.sw.now
	q := op.p.Copy()
	r.stampAck(q)
	r.c.sw.transmit(r.c.to, q)
}

// stampAck puts the current ack and gap list on p.
func (r *reliable) stampAck(p *protocol.Packet) {
	p.Del(protocol.FieldAck)
	p.Del(protocol.FieldMiss)
	if r.recvNext > 0 {
		p.SetInt(protocol.FieldAck, int64(r.recvNext-1))
	}
	if miss := r.missing(); len(miss) > 0 {
		p.SetInts(protocol.FieldMiss, miss)
	}
	r.ackedOut = r.recvNext
	r.ackNow = false
	r.lastAck = r.c.sw.now
}

// missing lists the absolute seqs not yet received between the contiguous
// point and the highest seq seen.
func (r *reliable) missing() []int64 {
	if !r.seen || r.maxSeen < r.recvNext {
		return nil
	}
	var out []int64
	for s := r.recvNext; s < r.maxSeen; s++ {
		if _, ok := r.buf[s]; !ok {
			out = append(out, int64(s))
		}
	}
	return out
}

func (r *reliable) ackOwed() bool {
	return r.ackNow || r.recvNext != r.ackedOut
}

// sendAck transmits an ack-only packet.
func (r *reliable) sendAck() {
	p := protocol.New().SetInt(protocol.FieldChannel, int64(r.c.id))
	r.stampAck(p)
	r.c.sw.transmit(r.c.to, p)
}

// applyAck releases acknowledged originals and retransmits the missing ones.
func (r *reliable) applyAck(p *protocol.Packet) {
	if a, ok := p.Int(protocol.FieldAck); ok && a >= 0 && a < int64(r.next) {
		acked := uint32(a)
		if acked >= r.low {
			for s := r.low; s <= acked; s++ {
				delete(r.sent, s)
			}
			r.low = acked + 1
			r.lastSend = r.c.sw.now
			r.backoff = r.c.sw.opts.resend
		}
	}

	for _, m := range p.Ints(protocol.FieldMiss) {
		if m < int64(r.low) || m >= int64(r.next) {
			continue
		}
		op := r.sent[uint32(m)]
		if op == nil || op.at == r.c.sw.now {
			continue
		}
		r.c.sw.stats.Retransmits.Add(1)
		r.transmit(op)
	}

	r.release()
}

// release moves held-back packets into the window as capacity frees up.
func (r *reliable) release() {
	for r.backlog.len() > 0 && r.outstanding() < r.window {
		r.stamp(r.backlog.pop())
	}
}

// resendAll retransmits every unacknowledged original.
func (r *reliable) resendAll() {
	for s := r.low; s != r.next; s++ {
		if op := r.sent[s]; op != nil {
			r.c.sw.stats.Retransmits.Add(1)
			r.transmit(op)
		}
	}
	r.lastSend = r.c.sw.now
}

// tick drives retransmission with exponential backoff, and otherwise sends
// an ack when one is owed or a gap persists.
func (r *reliable) tick() {
	now := r.c.sw.now
	if r.outstanding() > 0 && now-r.lastSend >= r.backoff {
		util.LogDebug("%s resend %d unacked after %d ticks", r.c.tag(), r.outstanding(), r.backoff)
		r.resendAll()
		r.backoff = min(r.backoff*2, r.c.sw.opts.resendMax)
		return
	}
	if r.ackOwed() || (len(r.missing()) > 0 && now-r.lastAck >= r.c.sw.opts.resend) {
		r.sendAck()
	}
}

// ---------------------------------------------------------------------------
// Incoming
// ---------------------------------------------------------------------------

// receive applies the ack fields of p and buffers its payload by seq. It
// reports whether new in-order packets became ready.
func (r *reliable) receive(p *protocol.Packet) bool {
	r.applyAck(p)

	v, ok := p.Int(protocol.FieldSeq)
	if !ok {
		// ack-only
		return false
	}
	if v < 0 || v > math.MaxUint32 {
		util.LogDebug("%s drop invalid seq %d", r.c.tag(), v)
		return false
	}
	s := uint32(v)

	if s < r.recvNext {
		r.ackNow = true
		return false
	}
	if s-r.popNext >= r.window {
		util.LogDebug("%s drop seq %d outside window [%d,%d)", r.c.tag(), s, r.popNext, r.popNext+r.window)
		return false
	}
	if _, dup := r.buf[s]; dup {
		r.ackNow = true
		return false
	}

	r.buf[s] = p
	if !r.seen || s > r.maxSeen {
		r.maxSeen = s
		r.seen = true
	}
	if s != r.recvNext {
		r.ackNow = true
		return false
	}
	for {
		if _, ok := r.buf[r.recvNext]; !ok {
			break
		}
		r.recvNext++
	}
	return true
}

// pop returns the next in-order packet, or nil.
func (r *reliable) pop() *protocol.Packet {
	if r.popNext == r.recvNext {
		return nil
	}
	p := r.buf[r.popNext]
	delete(r.buf, r.popNext)
	r.popNext++
	return p
}

// absorb handles traffic after the channel ended: acks still release
// originals. Trailing data is never buffered; it is answered with an
// ack-only packet so the remote sees where delivery stopped.
func (r *reliable) absorb(p *protocol.Packet) {
	r.applyAck(p)
	if p.Has(protocol.FieldSeq) {
		r.sendAck()
	}
}

// stop abandons outgoing delivery after the channel failed.
func (r *reliable) stop() {
	clear(r.sent)
	r.backlog.clear()
	r.low = r.next
}

func (r *reliable) size() int {
	n := r.backlog.size()
	for _, op := range r.sent {
		n += op.p.Size()
	}
	for _, p := range r.buf {
		n += p.Size()
	}
	return n
}

func (r *reliable) clear() {
	clear(r.sent)
	clear(r.buf)
	r.backlog.clear()
}
