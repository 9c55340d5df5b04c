package valloc

import (
	"sort"

	"github.com/markusgerber/vnvheap/vnverrors"
)

// freeBlock is one run of free bytes in the buffer, kept in a sorted free
// list rather than an intrusive linked list threaded through the buffer
// itself — the buffer holds live object headers and payloads, not
// allocator bookkeeping; the allocator's own state lives beside the
// buffer, not inside unused regions of it.
type freeBlock struct {
	off, size uint32
}

// FirstFit is a first-fit allocator: it walks the free list in
// address order and takes the first block that satisfies the aligned
// request, splitting off any remainder. Freed blocks are merged with
// adjacent free neighbors immediately, keeping the list compact.
type FirstFit struct {
	bufSize uint32
	free    []freeBlock // kept sorted by off
}

// NewFirstFit constructs a FirstFit allocator over a buffer of the given
// size, initially entirely free.
func NewFirstFit(bufSize uint32) *FirstFit {
	return &FirstFit{
		bufSize: bufSize,
		free:    []freeBlock{{off: 0, size: bufSize}},
	}
}

func (a *FirstFit) BufferSize() uint32 { return a.bufSize }

func (a *FirstFit) Allocate(layout Layout) (SlotPtr, error) {
	for i, blk := range a.free {
		start := align(blk.off, layout.Align)
		pad := start - blk.off
		need := pad + layout.Size
		if need > blk.size {
			continue
		}
		end := blk.off + blk.size
		a.free = append(a.free[:i], a.free[i+1:]...)
		if pad > 0 {
			a.free = append(a.free, freeBlock{off: blk.off, size: pad})
		}
		tailOff := start + layout.Size
		if tailOff < end {
			a.free = append(a.free, freeBlock{off: tailOff, size: end - tailOff})
		}
		a.sortFree()
		return SlotPtr(start), nil
	}
	return 0, vnverrors.ErrOutOfMemory
}

func (a *FirstFit) Deallocate(ptr SlotPtr, layout Layout) {
	a.free = append(a.free, freeBlock{off: uint32(ptr), size: layout.Size})
	a.sortFree()
	a.coalesce()
}

func (a *FirstFit) sortFree() {
	sort.Slice(a.free, func(i, j int) bool { return a.free[i].off < a.free[j].off })
}

func (a *FirstFit) coalesce() {
	merged := a.free[:0]
	for _, blk := range a.free {
		if n := len(merged); n > 0 && merged[n-1].off+merged[n-1].size == blk.off {
			merged[n-1].size += blk.size
			continue
		}
		merged = append(merged, blk)
	}
	a.free = merged
}
