package protocol

import (
	"testing"
)

func TestPacketFieldConversions(t *testing.T) {
	pkt := New().SetInt(FieldChannel, 12).SetStr("n", "34").SetStr(FieldType, "ping")

	if got := pkt.Str(FieldChannel); got != "12" {
		t.Errorf("Str on int field: got %q, want %q", got, "12")
	}
	if n, ok := pkt.Int("n"); !ok || n != 34 {
		t.Errorf("Int on decimal string: got %d (%v), want 34", n, ok)
	}
	if _, ok := pkt.Int(FieldType); ok {
		t.Error("Int on non-numeric string should fail")
	}
	if got := pkt.Str("missing"); got != "" {
		t.Errorf("Str on missing field: got %q", got)
	}
}

func TestPacketNilSafe(t *testing.T) {
	var pkt *Packet

	if pkt.Has(FieldErr) || pkt.IsEnd() || pkt.IsErr() {
		t.Error("nil packet should report no fields")
	}
	if pkt.Size() != 0 || pkt.Body() != nil || pkt.Copy() != nil {
		t.Error("nil packet should be empty")
	}
}

func TestPacketCopyIsDeep(t *testing.T) {
	orig := New().SetInt(FieldSeq, 7).SetInts(FieldMiss, []int64{1, 2}).SetBody([]byte("abc"))
	cp := orig.Copy()

	cp.SetInt(FieldSeq, 8)
	cp.Ints(FieldMiss)[0] = 99
	cp.Body()[0] = 'z'

	if n, _ := orig.Int(FieldSeq); n != 7 {
		t.Errorf("seq changed through copy: %d", n)
	}
	if orig.Ints(FieldMiss)[0] != 1 {
		t.Error("miss list aliased by copy")
	}
	if string(orig.Body()) != "abc" {
		t.Error("body aliased by copy")
	}
}

func TestPacketEndAndErr(t *testing.T) {
	if !New().SetStr(FieldEnd, "true").IsEnd() {
		t.Error("end=true should be end")
	}
	if New().SetStr(FieldEnd, "false").IsEnd() {
		t.Error("end=false should not be end")
	}
	if !New().SetStr(FieldErr, "boom").IsErr() {
		t.Error("err field should be err")
	}
}

func TestPacketSize(t *testing.T) {
	pkt := New().SetStr(FieldType, "ping").SetBody(make([]byte, 100))

	// "type" + "ping" + body
	if got := pkt.Size(); got != 4+4+100 {
		t.Errorf("Size: got %d, want %d", got, 108)
	}
}
