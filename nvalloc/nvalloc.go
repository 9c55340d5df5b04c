// Package nvalloc implements the non-resident allocator module: it
// manages logical offsets inside the object region of PersistentStorage.
// Every operation is written to be cheap in terms of storage accesses,
// since each one may pay SPI latency on real hardware.
package nvalloc

// Offset is a byte offset into the object region of storage. It is also
// used directly as an ObjectId, since an object's identity is exactly
// its non-resident offset.
type Offset uint32

// Slot is a permanent storage slot: the (offset, length) pair every
// logically live object has exactly one of.
type Slot struct {
	Offset Offset
	Length uint32
}

// Allocator is the module contract for non-resident (storage-backed)
// allocation.
type Allocator interface {
	// Allocate reserves size bytes in the object region and returns the
	// slot. Returns vnverrors.ErrOutOfStorage if no run of free bytes of
	// that size exists.
	Allocate(size uint32) (Slot, error)

	// Deallocate returns slot to the free pool.
	Deallocate(slot Slot)

	// MarshalState encodes the allocator's metadata for storage in the
	// superblock's non-resident-allocator-state field.
	MarshalState() []byte

	// StateSize returns the fixed size in bytes MarshalState will produce,
	// i.e. the reserved width of the superblock field.
	StateSize() int

	// Capacity returns the size of the object region in bytes.
	Capacity() uint32
}
