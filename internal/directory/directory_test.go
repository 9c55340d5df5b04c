package directory

import (
	"testing"

	"github.com/markusgerber/vnvheap/nvalloc"
	"github.com/markusgerber/vnvheap/vnverrors"
)

func TestPutGetRemove(t *testing.T) {
	d := New()
	d.Put(Entry{ObjectID: 10, Size: 4, TypeTag: 1})
	e, ok := d.Get(10)
	if !ok {
		t.Fatalf("expected entry 10 to be present")
	}
	if e.Size != 4 || e.TypeTag != 1 {
		t.Fatalf("entry = %+v, want {Size:4 TypeTag:1}", e)
	}
	d.Remove(10)
	if _, ok := d.Get(10); ok {
		t.Fatalf("entry 10 still present after remove")
	}
}

func TestEachIteratesInAscendingOrder(t *testing.T) {
	d := New()
	d.Put(Entry{ObjectID: 30, Size: 1})
	d.Put(Entry{ObjectID: 10, Size: 1})
	d.Put(Entry{ObjectID: 20, Size: 1})

	var order []nvalloc.Offset
	d.Each(func(e Entry) bool {
		order = append(order, e.ObjectID)
		return true
	})
	want := []nvalloc.Offset{10, 20, 30}
	if len(order) != len(want) {
		t.Fatalf("order = %v, want %v", order, want)
	}
	for i := range want {
		if order[i] != want[i] {
			t.Fatalf("order = %v, want %v", order, want)
		}
	}
}

func TestEncodeDecodeRoundTrip(t *testing.T) {
	d := New()
	d.Put(Entry{ObjectID: 1, Size: 8, TypeTag: 0x10})
	d.Put(Entry{ObjectID: 2, Size: 16, TypeTag: 0x20})

	buf := make([]byte, d.EncodedSize())
	d.Encode(buf)

	decoded, err := Decode(buf)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if decoded.Len() != 2 {
		t.Fatalf("len = %d, want 2", decoded.Len())
	}
	e, ok := decoded.Get(2)
	if !ok || e.Size != 16 || e.TypeTag != 0x20 {
		t.Fatalf("entry 2 = %+v, ok=%v", e, ok)
	}
}

func TestDecodeRejectsTruncatedInput(t *testing.T) {
	if _, err := Decode([]byte{1, 2, 3}); err != vnverrors.ErrCorruptedImage {
		t.Fatalf("decode short input: got %v, want ErrCorruptedImage", err)
	}

	d := New()
	d.Put(Entry{ObjectID: 1, Size: 1})
	full := make([]byte, d.EncodedSize())
	d.Encode(full)
	if _, err := Decode(full[:len(full)-1]); err != vnverrors.ErrCorruptedImage {
		t.Fatalf("decode truncated entry: got %v, want ErrCorruptedImage", err)
	}
}
