// Package payload provides ready-made object payload types for
// heap.Allocate. vNV-Heap is type-agnostic at the storage layer: any *T
// satisfying encoding.BinaryMarshaler and encoding.BinaryUnmarshaler can
// be stored, since those are the plain byte-image codecs the standard
// library already defines. The types here cover the scalar and
// fixed-size-blob shapes common workloads need (a u32 counter,
// fixed-size key-value bytes).
package payload

import "encoding/binary"

// U32 is a little-endian 32-bit counter payload.
type U32 uint32

func (v U32) MarshalBinary() ([]byte, error) {
	b := make([]byte, 4)
	binary.LittleEndian.PutUint32(b, uint32(v))
	return b, nil
}

func (v *U32) UnmarshalBinary(b []byte) error {
	*v = U32(binary.LittleEndian.Uint32(b))
	return nil
}

// Bytes is a fixed-size opaque payload, suited to queue and key-value
// workloads: its size is fixed at construction and every MarshalBinary
// call produces exactly that many bytes, zero-padded or truncated as
// needed so the directory's recorded size never changes across the
// handle's lifetime.
type Bytes struct {
	Data []byte
	Size int
}

// NewBytes wraps data as a fixed-size payload of the given width.
func NewBytes(size int, data []byte) Bytes {
	b := Bytes{Size: size, Data: make([]byte, size)}
	copy(b.Data, data)
	return b
}

func (b Bytes) MarshalBinary() ([]byte, error) {
	out := make([]byte, b.Size)
	copy(out, b.Data)
	return out, nil
}

func (b *Bytes) UnmarshalBinary(data []byte) error {
	if b.Size == 0 {
		b.Size = len(data)
	}
	b.Data = make([]byte, b.Size)
	copy(b.Data, data)
	return nil
}
