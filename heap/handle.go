package heap

import (
	"encoding"
	"fmt"
	"hash/fnv"

	"github.com/markusgerber/vnvheap/nvalloc"
	"github.com/markusgerber/vnvheap/vnverrors"
)

// Handle is a typed, stable reference to one object living in a Heap. It
// is cheap to copy and stays valid across persist/restore cycles as long
// as the object is not deallocated.
type Handle[T any] struct {
	id nvalloc.Offset
	h  *Heap
}

// ID returns the handle's underlying object id.
func (hd Handle[T]) ID() nvalloc.Offset { return hd.id }

func typeTagFor[T any]() uint16 {
	var zero T
	name := fmt.Sprintf("%T", zero)
	sum := fnv.New32a()
	_, _ = sum.Write([]byte(name))
	return uint16(sum.Sum32())
}

// Allocate reserves a new object sized and initialized from value, whose
// type must implement encoding.BinaryMarshaler (and, to be read back
// later, encoding.BinaryUnmarshaler on its pointer receiver).
func Allocate[T any](h *Heap, value T) (Handle[T], error) {
	marshaler, ok := any(&value).(encoding.BinaryMarshaler)
	if !ok {
		return Handle[T]{}, vnverrors.ErrPayloadMismatch
	}
	bytes, err := marshaler.MarshalBinary()
	if err != nil {
		return Handle[T]{}, err
	}
	id, err := h.AllocateRaw(uint32(len(bytes)), typeTagFor[T](), bytes)
	if err != nil {
		return Handle[T]{}, err
	}
	return Handle[T]{id: id, h: h}, nil
}

// Drop deallocates the handle's underlying object. The handle must not be
// used again afterward.
func (hd Handle[T]) Drop() error {
	return hd.h.DeallocateRaw(hd.id)
}

func (hd Handle[T]) decode(payload []byte) (T, error) {
	var value T
	unmarshaler, ok := any(&value).(encoding.BinaryUnmarshaler)
	if !ok {
		return value, vnverrors.ErrPayloadMismatch
	}
	if err := unmarshaler.UnmarshalBinary(payload); err != nil {
		return value, err
	}
	return value, nil
}

// Get acquires a shared borrow guard, decoding the object's current
// payload. The guard must be released (Release) once the caller is done
// reading it.
func (hd Handle[T]) Get() (SharedGuard[T], error) {
	payload, err := hd.h.mgr.GetShared(hd.id)
	if err != nil {
		return SharedGuard[T]{}, err
	}
	value, err := hd.decode(payload)
	if err != nil {
		hd.h.mgr.ReleaseShared(hd.id)
		return SharedGuard[T]{}, err
	}
	return SharedGuard[T]{value: value, id: hd.id, h: hd.h}, nil
}

// GetMut acquires an exclusive borrow guard, decoding the object's
// current payload into a mutable copy. Modifications are written back to
// the resident copy only on Release.
func (hd Handle[T]) GetMut() (ExclusiveGuard[T], error) {
	payload, err := hd.h.mgr.GetExclusive(hd.id)
	if err != nil {
		return ExclusiveGuard[T]{}, err
	}
	value, err := hd.decode(payload)
	if err != nil {
		if relErr := hd.h.mgr.ReleaseExclusive(hd.id); relErr != nil {
			return ExclusiveGuard[T]{}, relErr
		}
		return ExclusiveGuard[T]{}, err
	}
	return ExclusiveGuard[T]{value: value, id: hd.id, h: hd.h, payload: payload}, nil
}

// SharedGuard is a read-only borrow on a resident object's decoded value.
type SharedGuard[T any] struct {
	value    T
	id       nvalloc.Offset
	h        *Heap
	released bool
}

// Value returns the decoded payload as it was at acquire time.
func (g SharedGuard[T]) Value() T { return g.value }

// Release ends the shared borrow. Calling it more than once is a no-op.
func (g *SharedGuard[T]) Release() {
	if g.released {
		return
	}
	g.released = true
	g.h.mgr.ReleaseShared(g.id)
}

// ExclusiveGuard is a mutable borrow on a resident object. Value returns
// a pointer the caller may mutate in place; the mutated value is
// re-encoded into the resident payload bytes on Release.
type ExclusiveGuard[T any] struct {
	value    T
	id       nvalloc.Offset
	h        *Heap
	payload  []byte
	released bool
}

// Value returns a pointer to the guard's mutable copy of the object.
func (g *ExclusiveGuard[T]) Value() *T { return &g.value }

// Release re-encodes the guard's (possibly mutated) value back into the
// resident payload bytes and ends the exclusive borrow, charging the
// dirty budget. If the value cannot be re-encoded to the object's size,
// the borrow is still ended, the resident bytes are left as they were,
// and the error is returned. Calling it more than once is a no-op.
func (g *ExclusiveGuard[T]) Release() error {
	if g.released {
		return nil
	}
	g.released = true
	marshaler, ok := any(&g.value).(encoding.BinaryMarshaler)
	if !ok {
		_ = g.h.mgr.ReleaseExclusive(g.id)
		return vnverrors.ErrPayloadMismatch
	}
	bytes, err := marshaler.MarshalBinary()
	if err != nil {
		_ = g.h.mgr.ReleaseExclusive(g.id)
		return err
	}
	if len(bytes) != len(g.payload) {
		_ = g.h.mgr.ReleaseExclusive(g.id)
		return vnverrors.ErrPayloadMismatch
	}
	copy(g.payload, bytes)
	return g.h.mgr.ReleaseExclusive(g.id)
}
