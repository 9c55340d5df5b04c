// Package heap provides the top-level facade that wires the volatile
// allocator, non-resident allocator, object directory, resident object
// manager, and persist driver into a single storage image: the thing an
// embedding application actually constructs and calls Allocate/PersistAll
// on.
package heap

import (
	"github.com/sirupsen/logrus"

	"github.com/markusgerber/vnvheap/config"
	"github.com/markusgerber/vnvheap/internal/directory"
	"github.com/markusgerber/vnvheap/internal/ioretry"
	"github.com/markusgerber/vnvheap/manager"
	"github.com/markusgerber/vnvheap/nvalloc"
	"github.com/markusgerber/vnvheap/persist"
	"github.com/markusgerber/vnvheap/policy"
	"github.com/markusgerber/vnvheap/storage"
	"github.com/markusgerber/vnvheap/valloc"
	"github.com/markusgerber/vnvheap/vnverrors"
)

// Heap is the assembled engine over one RAM buffer and one storage image.
type Heap struct {
	cfg    config.HeapConfig
	store  storage.Storage
	ram    []byte
	va     valloc.Allocator
	nva    *nvalloc.BitmapBuddy
	dir    *directory.Directory
	mgr    *manager.Manager
	flag   *persist.Flag
	driver *persist.Driver
	layout layout
	log    *logrus.Logger
}

// dirAdapter exposes the directory to the manager without the manager
// needing to know the directory's on-disk encoding. An entry's storage
// slot is never stored separately: ObjectId already equals the object's
// offset within the object region, so the slot is reconstructed from it
// directly; regionOffset rebases that region-relative offset to the
// absolute storage offset the manager actually reads and writes.
type dirAdapter struct {
	dir          *directory.Directory
	regionOffset uint32
}

func (a dirAdapter) Get(id nvalloc.Offset) (uint32, nvalloc.Slot, bool) {
	e, ok := a.dir.Get(id)
	if !ok {
		return 0, nvalloc.Slot{}, false
	}
	abs := nvalloc.Offset(uint32(id) + a.regionOffset)
	return e.Size, nvalloc.Slot{Offset: abs, Length: e.Size}, true
}

// New opens or initializes a storage image. If store already holds a
// valid superblock matching cfg's digest, every live object's directory
// entry and the non-resident allocator's free-space bitmap are restored
// from it; otherwise a fresh image is formatted and committed before
// returning.
//
// va is the caller's choice of volatile allocator (valloc.NewBuddy or
// valloc.NewFirstFit) over ram; pol is the eviction/sync policy
// (policy.NewDefault, or a caller-supplied one). metrics and log may be
// nil. onDone is invoked once per PersistAll call that runs, successful
// or not; a call rejected as reentrant does not invoke it.
func New(ram []byte, store storage.Storage, va valloc.Allocator, pol policy.Policy, cfg config.HeapConfig, metrics manager.Metrics, log *logrus.Logger, onDone persist.CompletionFunc) (*Heap, error) {
	if log == nil {
		log = logrus.New()
		log.SetLevel(logrus.PanicLevel)
	}

	l := computeLayout(cfg)
	if store.Capacity() < l.totalSize() {
		return nil, vnverrors.ErrOutOfStorage
	}

	h := &Heap{cfg: cfg, store: store, ram: ram, va: va, layout: l, log: log}

	fresh := true
	hdr := make([]byte, superblockFixedSize)
	if err := store.Read(0, hdr); err == nil {
		magic, version, digest := decodeSuperblockHeader(hdr)
		if magic == Magic && version == Version && digest == cfg.ConfigDigest() {
			fresh = false
		}
	}

	bitmapOffset := l.nvAllocStateOffset + 4
	if fresh {
		nva, err := nvalloc.NewBitmapBuddy(store, bitmapOffset, cfg.StorageCapacity, uint(cfg.NvAllocMinOrder))
		if err != nil {
			return nil, err
		}
		h.nva = nva
		h.dir = directory.New()
	} else {
		nva, err := nvalloc.RestoreBitmapBuddy(store, bitmapOffset, cfg.StorageCapacity, uint(cfg.NvAllocMinOrder))
		if err != nil {
			return nil, err
		}
		h.nva = nva

		dirBuf := make([]byte, l.directorySize)
		if err := ioretry.Read(store, l.directoryOffset, dirBuf, log); err != nil {
			return nil, err
		}
		dir, err := directory.Decode(dirBuf)
		if err != nil {
			return nil, err
		}
		h.dir = dir
	}

	h.flag = persist.NewFlag()
	h.mgr = manager.New(cfg, store, ram, va, pol, dirAdapter{dir: h.dir, regionOffset: l.objectRegionOffset}, h.flag, metrics, log)
	h.driver = persist.NewDriver(h.flag, h.mgr, h, store, cfg.Flags, log, onDone)

	if fresh {
		if err := h.WriteControlRegion(); err != nil {
			return nil, err
		}
		if err := h.WriteSuperblock(); err != nil {
			return nil, err
		}
		if err := store.Flush(); err != nil {
			return nil, err
		}
	}

	return h, nil
}

// Manager exposes the underlying resident object manager to callers
// outside this package; the typed handles in handle.go use the field
// directly.
func (h *Heap) Manager() *manager.Manager { return h.mgr }

// Flag exposes the shared persisting flag so application code can check
// h.Flag().Get() before starting work it would rather not have
// interrupted by a concurrent persist trigger.
func (h *Heap) Flag() *persist.Flag { return h.flag }

// AllocateRaw reserves size bytes of non-resident storage, writes
// initial into them, and records a new directory entry. It returns the
// new object's id (its non-resident offset). initial must be exactly
// size bytes, or empty for a zero-valued object.
func (h *Heap) AllocateRaw(size uint32, typeTag uint16, initial []byte) (nvalloc.Offset, error) {
	if h.flag.Get() {
		return 0, vnverrors.ErrLocked
	}
	if uint32(h.dir.Len()) >= h.cfg.MaxObjects {
		return 0, vnverrors.ErrOutOfStorage
	}
	slot, err := h.nva.Allocate(size)
	if err != nil {
		return 0, err
	}
	if size > 0 {
		if err := ioretry.Write(h.store, h.layout.objectRegionOffset+uint32(slot.Offset), initial, h.log); err != nil {
			h.nva.Deallocate(slot)
			return 0, err
		}
	}
	h.dir.Put(directory.Entry{ObjectID: slot.Offset, Size: size, TypeTag: typeTag})
	return slot.Offset, nil
}

// DeallocateRaw evicts any resident copy of id, frees its non-resident
// storage, and removes its directory entry.
func (h *Heap) DeallocateRaw(id nvalloc.Offset) error {
	if h.flag.Get() {
		return vnverrors.ErrLocked
	}
	e, ok := h.dir.Get(id)
	if !ok {
		return vnverrors.ErrNotFound
	}
	if err := h.mgr.ForceUnload(id); err != nil {
		return err
	}
	h.nva.Deallocate(nvalloc.Slot{Offset: id, Length: e.Size})
	h.dir.Remove(id)
	return nil
}

// PersistAll runs the five-step commit algorithm: lock and persist every
// dirty object, write the control region, commit the superblock, flush,
// and fire the completion callback.
func (h *Heap) PersistAll() error {
	return h.driver.PersistAll()
}

// WriteControlRegion implements persist.StateWriter: it writes the
// non-resident allocator's state and the directory, in that order, ahead
// of the superblock that will make the pair durable as one unit.
func (h *Heap) WriteControlRegion() error {
	state := h.nva.MarshalState()
	if err := ioretry.Write(h.store, h.layout.nvAllocStateOffset, state, h.log); err != nil {
		return err
	}
	buf := make([]byte, h.dir.EncodedSize())
	h.dir.Encode(buf)
	return ioretry.Write(h.store, h.layout.directoryOffset, buf, h.log)
}

// WriteSuperblock implements persist.StateWriter: it is always called
// strictly after WriteControlRegion, so that a crash between the two
// writes leaves the previous (still self-consistent) superblock pointing
// at a previous, still self-consistent control region.
func (h *Heap) WriteSuperblock() error {
	buf := make([]byte, superblockFixedSize)
	encodeSuperblockHeader(buf, h.cfg.ConfigDigest())
	return ioretry.Write(h.store, 0, buf, h.log)
}
