// Package valloc implements the volatile allocator module: it carves
// variably sized resident slots out of the single fixed RAM buffer the
// heap was constructed with. Implementations never relocate a live
// allocation; fragmentation is surfaced to the caller (the resident object
// manager), which handles it by evicting resident objects rather than
// asking the allocator to compact.
package valloc

// Layout describes a requested allocation: size in bytes and the
// alignment it must start on (the object header plus payload).
type Layout struct {
	Size  uint32
	Align uint32
}

// SlotPtr is an offset into the RAM buffer the allocator was constructed
// over.
type SlotPtr uint32

// Allocator is the module contract for volatile (RAM-buffer) allocation.
type Allocator interface {
	// Allocate reserves layout.Size bytes aligned to layout.Align and
	// returns their offset. It returns vnverrors.ErrOutOfMemory if the
	// buffer cannot fit the request in its current fragmentation state;
	// the caller is responsible for asking the policy to free room first.
	Allocate(layout Layout) (SlotPtr, error)

	// Deallocate returns a previously allocated slot to the free pool.
	// layout must match the Layout passed to the corresponding Allocate.
	Deallocate(ptr SlotPtr, layout Layout)

	// BufferSize returns the total capacity of the underlying RAM buffer.
	BufferSize() uint32
}

func align(off, a uint32) uint32 {
	if a <= 1 {
		return off
	}
	rem := off % a
	if rem == 0 {
		return off
	}
	return off + (a - rem)
}
