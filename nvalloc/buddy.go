package nvalloc

import (
	"encoding/binary"
	"math/bits"

	"github.com/markusgerber/vnvheap/storage"
	"github.com/markusgerber/vnvheap/vnverrors"
)

// BitmapBuddy is a non-resident allocator: a buddy allocator over the
// object region, parameterized by a minimum order, whose occupancy is
// tracked as one bit per minimum-size block. The bitmap, together with
// the zero-size id counter (zeroNext), is the allocator's entire
// persistent state, and both are mirrored to storage on every change (not just at persist_all), so the free-space metadata
// itself survives a crash that happens between two persist_all calls —
// Heap.PersistAll's own control-region write then simply re-affirms the
// same bytes.
type BitmapBuddy struct {
	order        uint // log2 of minimum block size
	maxOrder     uint // number of buddy levels above the leaf
	capacity     uint32
	bitmapOffset uint32 // offset of the bitmap within storage
	bitmap       []byte // one bit per leaf block; 1 = occupied
	freeLists    [][]uint32
	store        storage.Storage

	// zeroNext is the next offset to hand out for a zero-size allocation.
	// Zero-size objects occupy no leaf blocks, so they cannot be given
	// identity by block offset the way every other allocation is; instead
	// they draw from an id space starting just past the object region
	// (capacity), which no real block offset ever reaches, so a zero-size
	// id can never collide with a live block's offset or with another
	// live zero-size object's id.
	zeroNext uint32
}

func leafCount(capacity uint32, order uint) uint32 {
	return capacity >> order
}

func bitmapBytes(leaves uint32) int {
	return int((leaves + 7) / 8)
}

// NewBitmapBuddy constructs a fresh, entirely-free allocator and writes its
// initial (all-zero) bitmap to storage at bitmapOffset.
func NewBitmapBuddy(store storage.Storage, bitmapOffset, capacity uint32, minOrder uint) (*BitmapBuddy, error) {
	leaves := leafCount(capacity, minOrder)
	maxOrder := uint(bits.Len32(leaves)) - 1
	b := &BitmapBuddy{
		order:        minOrder,
		maxOrder:     maxOrder,
		capacity:     capacity,
		bitmapOffset: bitmapOffset,
		bitmap:       make([]byte, bitmapBytes(leaves)),
		freeLists:    make([][]uint32, maxOrder+1),
		store:        store,
		zeroNext:     capacity,
	}
	b.freeLists[0] = []uint32{0}
	if err := b.flushBitmap(); err != nil {
		return nil, err
	}
	if err := b.flushZeroNext(); err != nil {
		return nil, err
	}
	return b, nil
}

// RestoreBitmapBuddy rebuilds a BitmapBuddy's in-RAM free lists from a
// bitmap previously written by NewBitmapBuddy/Allocate/Deallocate, read
// back from storage at bitmapOffset.
func RestoreBitmapBuddy(store storage.Storage, bitmapOffset, capacity uint32, minOrder uint) (*BitmapBuddy, error) {
	leaves := leafCount(capacity, minOrder)
	maxOrder := uint(bits.Len32(leaves)) - 1
	bitmap := make([]byte, bitmapBytes(leaves))
	if err := store.Read(bitmapOffset, bitmap); err != nil {
		return nil, vnverrors.ErrIoFatal
	}
	b := &BitmapBuddy{
		order:        minOrder,
		maxOrder:     maxOrder,
		capacity:     capacity,
		bitmapOffset: bitmapOffset,
		bitmap:       bitmap,
		freeLists:    make([][]uint32, maxOrder+1),
		store:        store,
	}
	zeroBuf := make([]byte, 4)
	if err := store.Read(b.zeroNextOffset(), zeroBuf); err != nil {
		return nil, vnverrors.ErrIoFatal
	}
	b.zeroNext = binary.LittleEndian.Uint32(zeroBuf)
	if b.zeroNext < capacity {
		b.zeroNext = capacity
	}
	b.rebuildFreeLists()
	return b, nil
}

// rebuildFreeLists walks the leaf bitmap and folds maximal free runs
// upward, level by level, the same way Deallocate merges buddies.
func (b *BitmapBuddy) rebuildFreeLists() {
	level := b.maxOrder
	free := make([]bool, leafCount(b.capacity, b.order))
	for i := range free {
		free[i] = b.bitAt(uint32(i)) == 0
	}
	for level > 0 {
		next := make([]bool, len(free)/2)
		for i := range next {
			next[i] = free[2*i] && free[2*i+1]
			if !next[i] {
				for _, child := range [2]uint32{uint32(2 * i), uint32(2*i + 1)} {
					if free[child] {
						b.freeLists[level] = append(b.freeLists[level], child)
					}
				}
			}
		}
		free = next
		level--
	}
	for i, v := range free {
		if v {
			b.freeLists[0] = append(b.freeLists[0], uint32(i))
		}
	}
}

func (b *BitmapBuddy) bitAt(leaf uint32) byte {
	return (b.bitmap[leaf/8] >> (leaf % 8)) & 1
}

func (b *BitmapBuddy) setBit(leaf uint32, v byte) {
	mask := byte(1) << (leaf % 8)
	if v != 0 {
		b.bitmap[leaf/8] |= mask
	} else {
		b.bitmap[leaf/8] &^= mask
	}
}

func (b *BitmapBuddy) blockSizeAtLevel(level uint) uint32 {
	return uint32(1) << (b.order + b.maxOrder - level)
}

func (b *BitmapBuddy) leavesPerBlock(level uint) uint32 {
	return uint32(1) << (b.maxOrder - level)
}

func (b *BitmapBuddy) levelFor(size uint32) (uint, bool) {
	blockOrder := b.order
	for blockOrder < b.order+b.maxOrder && (uint32(1)<<blockOrder) < size {
		blockOrder++
	}
	if uint32(1)<<blockOrder < size {
		return 0, false
	}
	return b.order + b.maxOrder - blockOrder, true
}

func (b *BitmapBuddy) Capacity() uint32 { return b.capacity }

func (b *BitmapBuddy) Allocate(size uint32) (Slot, error) {
	if size == 0 {
		id := b.zeroNext
		b.zeroNext++
		if err := b.flushZeroNext(); err != nil {
			b.zeroNext--
			return Slot{}, err
		}
		return Slot{Offset: Offset(id), Length: 0}, nil
	}
	level, ok := b.levelFor(size)
	if !ok {
		return Slot{}, vnverrors.ErrOutOfStorage
	}
	idx, found := b.takeFree(level)
	if !found {
		return Slot{}, vnverrors.ErrOutOfStorage
	}
	b.markLeaves(uint32(level), idx, 1)
	if err := b.flushBitmap(); err != nil {
		b.markLeaves(uint32(level), idx, 0)
		return Slot{}, err
	}
	off := idx * b.blockSizeAtLevel(level)
	return Slot{Offset: Offset(off), Length: b.blockSizeAtLevel(level)}, nil
}

func (b *BitmapBuddy) takeFree(level uint) (uint32, bool) {
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
	left, right := parentIdx*2, parentIdx*2+1
	b.freeLists[level] = append(b.freeLists[level], right)
	return left, true
}

func (b *BitmapBuddy) markLeaves(level, idx uint32, v byte) {
	per := b.leavesPerBlock(uint(level))
	base := idx * per
	for i := uint32(0); i < per; i++ {
		b.setBit(base+i, v)
	}
}

func (b *BitmapBuddy) Deallocate(slot Slot) {
	if slot.Length == 0 {
		return
	}
	level, ok := b.levelFor(slot.Length)
	if !ok {
		return
	}
	idx := uint32(slot.Offset) / b.blockSizeAtLevel(level)
	b.markLeaves(uint32(level), idx, 0)
	b.freeBlock(level, idx)
	_ = b.flushBitmap()
}

func (b *BitmapBuddy) freeBlock(level uint, idx uint32) {
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

func (b *BitmapBuddy) flushBitmap() error {
	if err := b.store.Write(b.bitmapOffset, b.bitmap); err != nil {
		return vnverrors.ErrIoFatal
	}
	return nil
}

// zeroNextOffset is where the zero-size id counter is mirrored, directly
// after the occupancy bitmap.
func (b *BitmapBuddy) zeroNextOffset() uint32 {
	return b.bitmapOffset + uint32(len(b.bitmap))
}

// flushZeroNext mirrors the zero-size id counter to storage on every
// zero-size Allocate, the same way flushBitmap mirrors occupancy on every
// real allocation: the counter must survive a crash between two
// PersistAll calls, or a restored allocator could hand out an id already
// used by a zero-size object that is still live in the directory.
func (b *BitmapBuddy) flushZeroNext() error {
	buf := make([]byte, 4)
	binary.LittleEndian.PutUint32(buf, b.zeroNext)
	if err := b.store.Write(b.zeroNextOffset(), buf); err != nil {
		return vnverrors.ErrIoFatal
	}
	return nil
}

// StateSize reports the bitmap's fixed on-disk width plus the 4-byte
// leaf-count header and the 4-byte zero-size id counter that let
// MarshalState be self-describing in the superblock.
func (b *BitmapBuddy) StateSize() int {
	return 4 + len(b.bitmap) + 4
}

// MarshalState returns the leaf count, the occupancy bitmap, and the
// zero-size id counter; the bitmap and counter are already mirrored to
// storage incrementally, so this is used only by the directory/superblock
// writer in persist_all to embed a consistent copy alongside the
// directory in one commit-ordered write.
func (b *BitmapBuddy) MarshalState() []byte {
	out := make([]byte, b.StateSize())
	binary.LittleEndian.PutUint32(out[:4], leafCount(b.capacity, b.order))
	copy(out[4:4+len(b.bitmap)], b.bitmap)
	binary.LittleEndian.PutUint32(out[4+len(b.bitmap):], b.zeroNext)
	return out
}
