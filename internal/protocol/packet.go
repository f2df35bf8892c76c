// Package protocol defines the packet carried by channels and its wire encoding.
package protocol

import (
	"maps"
	"slices"
	"strconv"
	"strings"
)

// Well-known field names.
const (
	FieldChannel = "c"    // channel id
	FieldType    = "type" // channel type, only on the first packet of a channel
	FieldErr     = "err"  // channel failed, value is the reason
	FieldEnd     = "end"  // "true" when the sender is done
	FieldSeq     = "seq"  // reliable sequence number
	FieldAck     = "ack"  // highest contiguous sequence received
	FieldMiss    = "miss" // sequences missing above ack

	// Fields starting with '.' are local-only and never encoded.
	FieldFrom = ".from"
	FieldTo   = ".to"
)

// Packet is a set of named fields plus an opaque body.
// Field values are string, int64, []byte or []int64.
type Packet struct {
	fields map[string]any
	body   []byte
}

// New returns an empty packet.
func New() *Packet {
	return &Packet{fields: make(map[string]any)}
}

// Has reports whether the field is set. It is safe on a nil packet.
func (p *Packet) Has(key string) bool {
	if p == nil {
		return false
	}
	_, ok := p.fields[key]
	return ok
}

// Del removes a field.
func (p *Packet) Del(key string) {
	delete(p.fields, key)
}

// Keys returns the field names in sorted order.
func (p *Packet) Keys() []string {
	return slices.Sorted(maps.Keys(p.fields))
}

// Str returns a field as a string. Integers are formatted in decimal;
// missing or non-scalar fields give "". It is safe on a nil packet.
func (p *Packet) Str(key string) string {
	if p == nil {
		return ""
	}
	switch v := p.fields[key].(type) {
	case string:
		return v
	case int64:
		return strconv.FormatInt(v, 10)
	}
	return ""
}

// SetStr sets a string field.
func (p *Packet) SetStr(key, val string) *Packet {
	p.fields[key] = val
	return p
}

// Int returns a field as an integer. Decimal strings are parsed.
func (p *Packet) Int(key string) (int64, bool) {
	if p == nil {
		return 0, false
	}
	switch v := p.fields[key].(type) {
	case int64:
		return v, true
	case string:
		n, err := strconv.ParseInt(v, 10, 64)
		return n, err == nil
	}
	return 0, false
}

// SetInt sets an integer field.
func (p *Packet) SetInt(key string, val int64) *Packet {
	p.fields[key] = val
	return p
}

// Bytes returns a binary field, or nil.
func (p *Packet) Bytes(key string) []byte {
	if p == nil {
		return nil
	}
	switch v := p.fields[key].(type) {
	case []byte:
		return v
	case string:
		return []byte(v)
	}
	return nil
}

// SetBytes sets a binary field. The slice is not copied.
func (p *Packet) SetBytes(key string, val []byte) *Packet {
	p.fields[key] = val
	return p
}

// Ints returns an integer list field, or nil.
func (p *Packet) Ints(key string) []int64 {
	if p == nil {
		return nil
	}
	switch v := p.fields[key].(type) {
	case []int64:
		return v
	case []any:
		out := make([]int64, 0, len(v))
		for _, e := range v {
			if n, ok := e.(int64); ok {
				out = append(out, n)
			}
		}
		return out
	}
	return nil
}

// SetInts sets an integer list field.
func (p *Packet) SetInts(key string, val []int64) *Packet {
	p.fields[key] = val
	return p
}

// Body returns the packet body.
func (p *Packet) Body() []byte {
	if p == nil {
		return nil
	}
	return p.body
}

// SetBody replaces the body. The slice is not copied.
func (p *Packet) SetBody(body []byte) *Packet {
	p.body = body
	return p
}

// IsEnd reports whether the packet carries end=="true".
func (p *Packet) IsEnd() bool {
	return p.Str(FieldEnd) == "true"
}

// IsErr reports whether the packet carries an err field.
func (p *Packet) IsErr() bool {
	return p.Has(FieldErr)
}

// Size approximates the number of bytes the packet occupies: field names,
// field values and body.
func (p *Packet) Size() int {
	if p == nil {
		return 0
	}
	n := len(p.body)
	for k, v := range p.fields {
		n += len(k)
		switch v := v.(type) {
		case string:
			n += len(v)
		case []byte:
			n += len(v)
		case int64:
			n += 8
		case []int64:
			n += 8 * len(v)
		case []any:
			n += 8 * len(v)
		}
	}
	return n
}

// Copy returns a deep copy of the packet, including sequencing fields.
func (p *Packet) Copy() *Packet {
	if p == nil {
		return nil
	}
	c := &Packet{fields: make(map[string]any, len(p.fields))}
	for k, v := range p.fields {
		switch v := v.(type) {
		case []byte:
			c.fields[k] = slices.Clone(v)
		case []int64:
			c.fields[k] = slices.Clone(v)
		case []any:
			c.fields[k] = slices.Clone(v)
		default:
			c.fields[k] = v
		}
	}
	if p.body != nil {
		c.body = slices.Clone(p.body)
	}
	return c
}

// String renders the fields for debug logging.
func (p *Packet) String() string {
	if p == nil {
		return "<nil>"
	}
	var b strings.Builder
	b.WriteByte('{')
	for i, k := range p.Keys() {
		if i > 0 {
			b.WriteByte(' ')
		}
		b.WriteString(k)
		b.WriteByte('=')
		switch v := p.fields[k].(type) {
		case []byte:
			b.WriteString(strconv.Itoa(len(v)))
			b.WriteByte('B')
		case []int64:
			b.WriteString(strconv.Itoa(len(v)))
			b.WriteString("ints")
		default:
			b.WriteString(p.Str(k))
		}
	}
	b.WriteString("} +")
	b.WriteString(strconv.Itoa(len(p.body)))
	b.WriteByte('B')
	return b.String()
}
