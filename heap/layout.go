package heap

import (
	"encoding/binary"

	"github.com/markusgerber/vnvheap/config"
	"github.com/markusgerber/vnvheap/internal/directory"
)

// Magic identifies a vNV-Heap storage image. Version is bumped whenever
// the on-disk layout changes incompatibly.
const (
	Magic          uint32 = 0x564E5648 // "VNVH"
	Version        uint16 = 1
	superblockFixedSize = 4 + 2 + 4 // magic + version + config_digest
)

// layout is the set of fixed byte offsets derived once from a HeapConfig:
//
//	offset 0              : superblock { magic, version, config_digest,
//	                         non_resident_alloc_state }
//	offset directoryOff   : directory { entry_count, entries[...] }
//	offset objectRegionOff: payload bytes under the non-resident allocator
type layout struct {
	nvAllocStateOffset uint32
	nvAllocStateSize   uint32
	directoryOffset    uint32
	directorySize      uint32
	objectRegionOffset uint32
	objectRegionSize   uint32
}

func computeLayout(cfg config.HeapConfig) layout {
	leaves := cfg.StorageCapacity >> cfg.NvAllocMinOrder
	nvStateSize := uint32(4 + (leaves+7)/8 + 4) // matches nvalloc.BitmapBuddy.StateSize()

	l := layout{
		nvAllocStateOffset: superblockFixedSize,
		nvAllocStateSize:   nvStateSize,
	}
	l.directoryOffset = l.nvAllocStateOffset + l.nvAllocStateSize
	l.directorySize = 4 + cfg.MaxObjects*directory.EntrySize
	l.objectRegionOffset = l.directoryOffset + l.directorySize
	l.objectRegionSize = cfg.StorageCapacity
	return l
}

func (l layout) totalSize() uint32 {
	return l.objectRegionOffset + l.objectRegionSize
}

func encodeSuperblockHeader(dst []byte, digest uint32) {
	binary.LittleEndian.PutUint32(dst[0:4], Magic)
	binary.LittleEndian.PutUint16(dst[4:6], Version)
	binary.LittleEndian.PutUint32(dst[6:10], digest)
}

func decodeSuperblockHeader(src []byte) (magic uint32, version uint16, digest uint32) {
	magic = binary.LittleEndian.Uint32(src[0:4])
	version = binary.LittleEndian.Uint16(src[4:6])
	digest = binary.LittleEndian.Uint32(src[6:10])
	return
}
