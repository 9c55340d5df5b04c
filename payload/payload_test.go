package payload

import "testing"

func TestU32RoundTrip(t *testing.T) {
	v := U32(0xdeadbeef)
	b, err := v.MarshalBinary()
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	var got U32
	if err := got.UnmarshalBinary(b); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if got != v {
		t.Fatalf("got %#x, want %#x", got, v)
	}
}

func TestBytesFixedWidth(t *testing.T) {
	b := NewBytes(8, []byte("abc"))
	out, err := b.MarshalBinary()
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	if len(out) != 8 {
		t.Fatalf("len = %d, want 8", len(out))
	}
	if string(out[:3]) != "abc" {
		t.Fatalf("got %q, want prefix %q", out, "abc")
	}

	var got Bytes
	got.Size = 8
	if err := got.UnmarshalBinary(out); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if string(got.Data[:3]) != "abc" {
		t.Fatalf("got %q, want prefix %q", got.Data, "abc")
	}
}

func TestBytesTruncatesOversizedInput(t *testing.T) {
	b := NewBytes(2, []byte("toolong"))
	out, err := b.MarshalBinary()
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	if len(out) != 2 || string(out) != "to" {
		t.Fatalf("got %q, want %q", out, "to")
	}
}
