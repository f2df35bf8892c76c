package protocol

import (
	"bytes"
	"fmt"
	"slices"
	"testing"
)

// TestEncodeDecodeRoundTrip verifies that encoding and decoding are inverse operations
// for the packet shapes channels produce.
func TestEncodeDecodeRoundTrip(t *testing.T) {
	testCases := []struct {
		name string
		pkt  *Packet
	}{
		{
			name: "open with type and no body",
			pkt:  New().SetInt(FieldChannel, 1).SetStr(FieldType, "ping"),
		},
		{
			name: "reliable data with small body",
			pkt:  New().SetInt(FieldChannel, 3).SetInt(FieldSeq, 42).SetBody([]byte("hello world")),
		},
		{
			name: "ack with gap list",
			pkt:  New().SetInt(FieldChannel, 2).SetInt(FieldAck, 0).SetInts(FieldMiss, []int64{1, 4, 5}),
		},
		{
			name: "end with large body (16KB)",
			pkt:  New().SetInt(FieldChannel, 7).SetStr(FieldEnd, "true").SetBody(make([]byte, 16*1024)),
		},
		{
			name: "error with binary field",
			pkt:  New().SetInt(FieldChannel, 9).SetStr(FieldErr, "timeout").SetBytes("k", []byte{0, 1, 2}),
		},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			encoded, err := Encode(tc.pkt)
			if err != nil {
				t.Fatalf("Encode failed: %v", err)
			}

			decoded, err := Decode(encoded)
			if err != nil {
				t.Fatalf("Decode failed: %v", err)
			}

			if !slices.Equal(decoded.Keys(), tc.pkt.Keys()) {
				t.Fatalf("Keys mismatch: got %v, want %v", decoded.Keys(), tc.pkt.Keys())
			}
			for _, k := range tc.pkt.Keys() {
				if decoded.Str(k) != tc.pkt.Str(k) {
					t.Errorf("field %q mismatch: got %q, want %q", k, decoded.Str(k), tc.pkt.Str(k))
				}
				if !bytes.Equal(decoded.Bytes(k), tc.pkt.Bytes(k)) {
					t.Errorf("field %q bytes mismatch", k)
				}
				if !slices.Equal(decoded.Ints(k), tc.pkt.Ints(k)) {
					t.Errorf("field %q ints mismatch: got %v, want %v", k, decoded.Ints(k), tc.pkt.Ints(k))
				}
			}
			if !bytes.Equal(decoded.Body(), tc.pkt.Body()) {
				t.Errorf("Body mismatch: got %d bytes, want %d", len(decoded.Body()), len(tc.pkt.Body()))
			}
		})
	}
}

// TestDecodeInvalid verifies that Decode rejects empty and malformed input.
func TestDecodeInvalid(t *testing.T) {
	testCases := []struct {
		name string
		data []byte
	}{
		{"empty", []byte{}},
		{"truncated map", []byte{0xa2, 0x01}},
		{"not a map", []byte{0x01}},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			if _, err := Decode(tc.data); err == nil {
				t.Fatal("Expected error, got nil")
			}
		})
	}
}

// TestEncodeDropsLocalFields verifies that note routing fields never reach the wire.
func TestEncodeDropsLocalFields(t *testing.T) {
	pkt := New().SetInt(FieldChannel, 5).SetStr(FieldFrom, "a").SetStr(FieldTo, "b")

	encoded, err := Encode(pkt)
	if err != nil {
		t.Fatalf("Encode failed: %v", err)
	}
	decoded, err := Decode(encoded)
	if err != nil {
		t.Fatalf("Decode failed: %v", err)
	}

	if decoded.Has(FieldFrom) || decoded.Has(FieldTo) {
		t.Errorf("local fields leaked: %v", decoded)
	}
	if n, ok := decoded.Int(FieldChannel); !ok || n != 5 {
		t.Errorf("channel id mismatch: got %d (%v)", n, ok)
	}
}

// TestEncodeBoundaryValues tests channel ids and sequence numbers at the uint32 edges.
func TestEncodeBoundaryValues(t *testing.T) {
	testCases := []struct {
		name string
		id   int64
		seq  int64
	}{
		{"zero values", 0, 0},
		{"max channel id", 0xFFFFFFFF, 123},
		{"max seq", 456, 0xFFFFFFFF},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			encoded, err := Encode(New().SetInt(FieldChannel, tc.id).SetInt(FieldSeq, tc.seq))
			if err != nil {
				t.Fatalf("Encode failed: %v", err)
			}
			decoded, err := Decode(encoded)
			if err != nil {
				t.Fatalf("Decode failed: %v", err)
			}

			if n, _ := decoded.Int(FieldChannel); n != tc.id {
				t.Errorf("channel id mismatch: got %d, want %d", n, tc.id)
			}
			if n, _ := decoded.Int(FieldSeq); n != tc.seq {
				t.Errorf("seq mismatch: got %d, want %d", n, tc.seq)
			}
		})
	}
}

// TestEncodeLargeBody verifies that large bodies are handled correctly.
func TestEncodeLargeBody(t *testing.T) {
	sizes := []int{
		1024,       // 1 KB
		16 * 1024,  // 16 KB
		256 * 1024, // 256 KB
	}

	for _, size := range sizes {
		t.Run(fmt.Sprintf("%d bytes", size), func(t *testing.T) {
			body := make([]byte, size)
			for i := range body {
				body[i] = byte(i % 256)
			}

			encoded, err := Encode(New().SetInt(FieldChannel, 1).SetBody(body))
			if err != nil {
				t.Fatalf("Encode failed: %v", err)
			}
			decoded, err := Decode(encoded)
			if err != nil {
				t.Fatalf("Decode failed for size %d: %v", size, err)
			}

			if !bytes.Equal(decoded.Body(), body) {
				t.Errorf("Body mismatch for size %d", size)
			}
		})
	}
}

// TestDecodePreservesBody verifies that the decoded body is not aliased to the input buffer.
func TestDecodePreservesBody(t *testing.T) {
	encoded, err := Encode(New().SetInt(FieldChannel, 1).SetBody([]byte("original")))
	if err != nil {
		t.Fatalf("Encode failed: %v", err)
	}

	decoded, err := Decode(encoded)
	if err != nil {
		t.Fatalf("Decode failed: %v", err)
	}

	// Overwrite the tail of the encoded buffer, where the body lives.
	encoded[len(encoded)-1] = 0xFF

	if !bytes.Equal(decoded.Body(), []byte("original")) {
		t.Errorf("Body was incorrectly aliased: got %q", decoded.Body())
	}
}
