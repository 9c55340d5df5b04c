// Package config holds the vNV-Heap's immutable-after-init configuration:
// the dirty-byte budget, RAM buffer size, and the build-time feature
// flags. Values are constructed programmatically by the embedding
// application; LoadTOML exists for tooling (the inspector command, and
// tests that want a fixture file) rather than as a requirement of the core.
package config

import (
	"github.com/BurntSushi/toml"

	"github.com/markusgerber/vnvheap/vnverrors"
)

// HeapConfig is immutable after Heap.New validates or initializes the
// storage image against it.
type HeapConfig struct {
	// MaxDirtyBytes upper-bounds the sum of every Resident-Dirty object's
	// size at any instant, which bounds the worst-case latency of a
	// persist pass.
	MaxDirtyBytes uint32 `toml:"max_dirty_bytes"`

	// BufferSize is the length in bytes of the caller-supplied RAM buffer.
	BufferSize uint32 `toml:"buffer_size"`

	// StorageCapacity is the size in bytes of the non-resident allocator's
	// object region. The backing PersistentStorage must be at least this
	// large plus the fixed control-region overhead Heap.New computes from
	// NvAllocMinOrder and MaxObjects.
	StorageCapacity uint32 `toml:"storage_capacity"`

	// NvAllocMinOrder is log2 of the non-resident buddy allocator's
	// minimum block size.
	NvAllocMinOrder uint8 `toml:"nvalloc_min_order"`

	// MaxObjects bounds how many directory entries the control region
	// reserves space for. Embedded storage images are statically sized,
	// so the directory's on-disk area — unlike the in-RAM B-tree mirror
	// of it — cannot grow past what was provisioned at format time.
	MaxObjects uint32 `toml:"max_objects"`

	Flags FeatureFlags `toml:"flags"`
}

// FeatureFlags are the optional build-time switches.
type FeatureFlags struct {
	// BenchmarksEnabled routes per-operation counters to an optional
	// manager.Metrics sink; it gates nothing else in the core, since the
	// benchmark harness itself is out of this module's scope.
	BenchmarksEnabled bool `toml:"benchmarks_enabled"`

	// PersistDebugPrints logs state transitions at Debug level from
	// application-thread code paths. Safe: it never runs from the
	// interrupt-time persist trigger itself.
	PersistDebugPrints bool `toml:"persist_debug_prints"`

	// PersistDebugUnsafePrints additionally logs from inside the
	// interrupt-time persist path. Documented as unsafe: if the
	// application thread was itself mid-log-call when preempted, logrus's
	// shared hook table is not reentrancy-safe and this can corrupt or
	// deadlock the log stream. Only enable on a build where the persist
	// trigger is known not to preempt logging code.
	PersistDebugUnsafePrints bool `toml:"persist_debug_unsafe_prints"`
}

// ConfigDigest returns the 32-bit digest stored in the on-disk superblock.
// It must change whenever a config change would make an existing image
// unsafe to restore (buffer size, storage capacity, the non-resident
// allocator's minimum order and MaxObjects are structural, the last three
// because they fix the image's layout offsets; MaxDirtyBytes and feature
// flags are not part of the on-disk contract and are intentionally
// excluded so that they may be tuned across reboots).
func (c HeapConfig) ConfigDigest() uint32 {
	h := fnv32a(0x811c9dc5, c.BufferSize)
	h = fnv32a(h, c.StorageCapacity)
	h = fnv32a(h, uint32(c.NvAllocMinOrder))
	h = fnv32a(h, c.MaxObjects)
	return h
}

func fnv32a(h uint32, v uint32) uint32 {
	const prime = 16777619
	for i := 0; i < 4; i++ {
		h ^= (v >> (8 * uint(i))) & 0xff
		h *= prime
	}
	return h
}

// LoadTOML decodes a HeapConfig from a TOML file, for tooling and test
// fixtures; the core never reads this itself.
func LoadTOML(path string) (HeapConfig, error) {
	var cfg HeapConfig
	if _, err := toml.DecodeFile(path, &cfg); err != nil {
		return HeapConfig{}, vnverrors.ErrCorruptedImage
	}
	return cfg, nil
}
