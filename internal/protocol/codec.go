package protocol

import (
	"errors"
	"fmt"
	"reflect"
	"strings"

	cbor "github.com/fxamacker/cbor/v2"
)

// wirePacket is the on-the-wire layout: a CBOR map of fields and a byte-string body.
type wirePacket struct {
	Fields map[string]any `cbor:"1,keyasint,omitempty"`
	Body   []byte         `cbor:"2,keyasint,omitempty"`
}

var (
	encMode cbor.EncMode
	decMode cbor.DecMode
)

func init() {
	var err error
	if encMode, err = cbor.CanonicalEncOptions().EncMode(); err != nil {
		panic(err)
	}
	decMode, err = cbor.DecOptions{
		DefaultMapType: reflect.TypeOf(map[string]any(nil)),
		IntDec:         cbor.IntDecConvertSigned,
	}.DecMode()
	if err != nil {
		panic(err)
	}
}

// ErrEmptyPacket is returned by Decode for zero-length input.
var ErrEmptyPacket = errors.New("empty packet")

// Encode serializes a Packet for transmission. Local fields are dropped.
func Encode(pkt *Packet) ([]byte, error) {
	w := wirePacket{Body: pkt.body}
	for k, v := range pkt.fields {
		if strings.HasPrefix(k, ".") {
			continue
		}
		if w.Fields == nil {
			w.Fields = make(map[string]any, len(pkt.fields))
		}
		w.Fields[k] = v
	}
	data, err := encMode.Marshal(w)
	if err != nil {
		return nil, fmt.Errorf("encode packet: %w", err)
	}
	return data, nil
}

// Decode deserializes a byte slice into a Packet.
func Decode(data []byte) (*Packet, error) {
	if len(data) == 0 {
		return nil, ErrEmptyPacket
	}
	var w wirePacket
	if err := decMode.Unmarshal(data, &w); err != nil {
		return nil, fmt.Errorf("decode packet: %w", err)
	}
	pkt := New()
	for k, v := range w.Fields {
		if strings.HasPrefix(k, ".") {
			continue
		}
		switch v := v.(type) {
		case string, int64, []byte:
			pkt.fields[k] = v
		case []any:
			pkt.fields[k] = normalizeList(v)
		default:
			return nil, fmt.Errorf("decode packet: field %q has unsupported type %T", k, v)
		}
	}
	pkt.body = w.Body
	return pkt, nil
}

// normalizeList turns a decoded CBOR array of integers back into []int64.
func normalizeList(v []any) any {
	out := make([]int64, 0, len(v))
	for _, e := range v {
		n, ok := e.(int64)
		if !ok {
			return v
		}
		out = append(out, n)
	}
	return out
}
