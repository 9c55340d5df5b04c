package valloc

import (
	"math/bits"

	"github.com/markusgerber/vnvheap/vnverrors"
)

// Buddy is a buddy-system allocator over the RAM buffer, parameterized by
// order (log2 of the minimum block size): the buffer is treated as
// 2^maxOrder minimum-sized blocks, and splits
// happen by halving until a block's size matches the rounded-up request.
// This is the second of two interchangeable volatile allocator
// implementations, alongside FirstFit.
type Buddy struct {
	order     uint // log2 of the minimum block size
	bufSize   uint32
	maxOrder  uint // log2 of bufSize / minBlock, i.e. number of levels above the leaf
	freeLists [][]uint32 // freeLists[level] holds block indices at that level, level 0 = largest
}

// NewBuddy constructs a Buddy allocator. minOrder is log2 of the smallest
// block size it will ever hand out; bufSize must be a multiple of
// 1<<minOrder (the remainder, if any, is simply never addressable).
func NewBuddy(bufSize uint32, minOrder uint) *Buddy {
	minBlock := uint32(1) << minOrder
	// levels need not be a power of two; maxOrder rounds down to the
	// largest power-of-two block count that fits, and any remainder past
	// that is simply never addressable.
	levels := uint32(bufSize / minBlock)
	maxOrder := uint(bits.Len32(levels)) - 1
	b := &Buddy{
		order:    minOrder,
		bufSize:  bufSize,
		maxOrder: maxOrder,
		freeLists: make([][]uint32, maxOrder+1),
	}
	if maxOrder < uint(len(b.freeLists)) {
		b.freeLists[0] = []uint32{0}
	}
	return b
}

func (b *Buddy) BufferSize() uint32 { return b.bufSize }

// levelFor returns the deepest level (0 = largest block, maxOrder =
// smallest) whose block size is >= the requested size.
func (b *Buddy) levelFor(size uint32) (uint, bool) {
	blockOrder := b.order
	for blockOrder < b.order+b.maxOrder && (uint32(1)<<blockOrder) < size {
		blockOrder++
	}
	if uint32(1)<<blockOrder < size {
		return 0, false
	}
	level := b.order + b.maxOrder - blockOrder
	return level, true
}

func (b *Buddy) blockSizeAtLevel(level uint) uint32 {
	return uint32(1) << (b.order + b.maxOrder - level)
}

func (b *Buddy) Allocate(layout Layout) (SlotPtr, error) {
	size := layout.Size
	if layout.Align > b.blockSizeAtLevel(b.maxOrder) {
		size = layout.Align // smallest block already satisfies typical header/payload alignment
	}
	level, ok := b.levelFor(size)
	if !ok {
		return 0, vnverrors.ErrOutOfMemory
	}
	idx, found := b.takeFree(level)
	if !found {
		return 0, vnverrors.ErrOutOfMemory
	}
	return SlotPtr(idx * b.blockSizeAtLevel(level)), nil
}

// takeFree returns a free block index at level, splitting a block from a
// shallower (larger) level if none is directly available.
func (b *Buddy) takeFree(level uint) (uint32, bool) {
	if len(b.freeLists[level]) > 0 {
		n := len(b.freeLists[level])
		idx := b.freeLists[level][n-1]
		b.freeLists[level] = b.freeLists[level][:n-1]
		return idx, true
	}
	if level == 0 {
		return 0, false
	}
	parentIdx, ok := b.takeFree(level - 1)
	if !ok {
		return 0, false
	}
	leftChild := parentIdx * 2
	rightChild := leftChild + 1
	b.freeLists[level] = append(b.freeLists[level], rightChild)
	return leftChild, true
}

func (b *Buddy) Deallocate(ptr SlotPtr, layout Layout) {
	size := layout.Size
	if layout.Align > b.blockSizeAtLevel(b.maxOrder) {
		size = layout.Align
	}
	level, ok := b.levelFor(size)
	if !ok {
		return
	}
	blockSize := b.blockSizeAtLevel(level)
	idx := uint32(ptr) / blockSize
	b.freeBlock(level, idx)
}

// freeBlock returns a block to its free list, merging with its buddy (and
// recursively up the tree) whenever the buddy is also free.
func (b *Buddy) freeBlock(level uint, idx uint32) {
	if level == 0 {
		b.freeLists[0] = append(b.freeLists[0], idx)
		return
	}
	buddy := idx ^ 1
	list := b.freeLists[level]
	for i, v := range list {
		if v == buddy {
			b.freeLists[level] = append(list[:i], list[i+1:]...)
			b.freeBlock(level-1, idx/2)
			return
		}
	}
	b.freeLists[level] = append(b.freeLists[level], idx)
}
