package mux

import (
	"container/list"

	"github.com/1ureka/chanmux/internal/protocol"
)

// Queue is the switch-wide list of channels with pending inbound work.
// A channel is a member at most once; Push on a member is a no-op.
type Queue struct {
	l list.List
}

// Push appends c unless it is already queued. It reports whether c was added.
func (q *Queue) Push(c *Channel) bool {
	if c.elem != nil {
		return false
	}
	c.elem = q.l.PushBack(c)
	return true
}

// Pop removes and returns the oldest queued channel, or nil.
func (q *Queue) Pop() *Channel {
	e := q.l.Front()
	if e == nil {
		return nil
	}
	q.l.Remove(e)
	c := e.Value.(*Channel)
	c.elem = nil
	return c
}

// Remove takes c out of the queue if it is queued.
func (q *Queue) Remove(c *Channel) {
	if c.elem == nil {
		return
	}
	q.l.Remove(c.elem)
	c.elem = nil
}

// Len returns the number of queued channels.
func (q *Queue) Len() int {
	return q.l.Len()
}

// fifo is an owned packet queue. It never links packets to each other.
type fifo struct {
	items []*protocol.Packet
	head  int
}

func (f *fifo) push(p *protocol.Packet) {
	f.items = append(f.items, p)
}

func (f *fifo) pop() *protocol.Packet {
	if f.head == len(f.items) {
		return nil
	}
	p := f.items[f.head]
	f.items[f.head] = nil
	f.head++
	if f.head == len(f.items) {
		f.items = f.items[:0]
		f.head = 0
	}
	return p
}

func (f *fifo) len() int {
	return len(f.items) - f.head
}

func (f *fifo) size() int {
	n := 0
	for _, p := range f.items[f.head:] {
		n += p.Size()
	}
	return n
}

// clear drops every queued packet and returns how many there were.
func (f *fifo) clear() int {
	n := f.len()
	clear(f.items)
	f.items = nil
	f.head = 0
	return n
}
