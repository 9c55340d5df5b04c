// Package manager implements the resident object manager, the core of the
// core: the per-object state machine (load, sync, unload, lock, persist)
// and the dirty-byte accounting that bounds worst-case persist latency.
// It is deliberately unaware of typed payloads — the heap is
// type-agnostic at the storage layer — and of the directory's on-disk
// encoding; both are the heap facade's concern.
package manager

import (
	"github.com/sirupsen/logrus"

	"github.com/markusgerber/vnvheap/borrow"
	"github.com/markusgerber/vnvheap/config"
	"github.com/markusgerber/vnvheap/internal/ioretry"
	"github.com/markusgerber/vnvheap/nvalloc"
	"github.com/markusgerber/vnvheap/object"
	"github.com/markusgerber/vnvheap/persist"
	"github.com/markusgerber/vnvheap/policy"
	"github.com/markusgerber/vnvheap/storage"
	"github.com/markusgerber/vnvheap/valloc"
	"github.com/markusgerber/vnvheap/vnverrors"
)

// ObjectState is one position in the per-object state machine;
// "Non-resident" is modeled as the absence of an entry in
// Manager.resident rather than a fourth enumerator.
type ObjectState int

const (
	StateResidentClean ObjectState = iota
	StateResidentDirty
	StateResidentLocked
)

// DirectoryLookup is the slice of the object directory the manager needs:
// enough to size and locate an object's storage slot on load, without
// coupling the manager to the directory's on-disk encoding.
type DirectoryLookup interface {
	Get(id nvalloc.Offset) (size uint32, slot nvalloc.Slot, ok bool)
}

type residentEntry struct {
	id     nvalloc.Offset
	slot   valloc.SlotPtr
	size   uint32
	nvSlot nvalloc.Slot
	state  ObjectState
	index  uint16
	tick   uint64
}

// Manager orchestrates residency and dirty-budget accounting for every
// live object. It is not safe for concurrent use from multiple OS
// threads, matching a single-threaded cooperative execution model; it does
// tolerate being interrupted mid-operation by the persist driver, which is
// why every field it touches on a hot path is updated in a single
// uninterruptible step from the application's point of view (Go code on
// a single goroutine is not preempted mid-statement).
type Manager struct {
	cfg     config.HeapConfig
	store   storage.Storage
	ram     []byte
	valloc  valloc.Allocator
	policy  policy.Policy
	dir     DirectoryLookup
	tracker *borrow.Tracker
	flag    *persist.Flag
	metrics Metrics
	log     *logrus.Logger

	resident    map[nvalloc.Offset]*residentEntry
	indexToID   []nvalloc.Offset // free-listed slice; index -> id, 0xffff sentinel marks free
	freeIndexes []uint16

	dirtyBytes uint32
	tick       uint64
}

const freeIndexSentinel = 0xffff

// New constructs a Manager over an already-allocated RAM buffer and the
// module instances it will drive. log may be nil, in which case a
// disabled logger is used (logging is gated by cfg.Flags regardless).
func New(cfg config.HeapConfig, store storage.Storage, ram []byte, va valloc.Allocator, pol policy.Policy, dir DirectoryLookup, flag *persist.Flag, metrics Metrics, log *logrus.Logger) *Manager {
	if metrics == nil || !cfg.Flags.BenchmarksEnabled {
		metrics = NoopMetrics{}
	}
	if log == nil {
		log = logrus.New()
		log.SetLevel(logrus.PanicLevel)
	}
	return &Manager{
		cfg:     cfg,
		store:   store,
		ram:     ram,
		valloc:  va,
		policy:  pol,
		dir:     dir,
		tracker: borrow.NewTracker(),
		flag:    flag,
		metrics: metrics,
		log:     log,
		resident: make(map[nvalloc.Offset]*residentEntry),
	}
}

func (m *Manager) debugf(format string, args ...interface{}) {
	if m.cfg.Flags.PersistDebugPrints {
		m.log.Debugf(format, args...)
	}
}

// IsResident reports whether id currently has a RAM-resident copy.
func (m *Manager) IsResident(id nvalloc.Offset) bool {
	_, ok := m.resident[id]
	return ok
}

// DirtyBytes returns the current sum of Resident-Dirty payload sizes.
func (m *Manager) DirtyBytes() uint32 { return m.dirtyBytes }

// Load brings id into residency, evicting or syncing other objects via
// the policy if necessary.
func (m *Manager) Load(id nvalloc.Offset) error {
	if _, ok := m.resident[id]; ok {
		return nil
	}
	size, nvSlot, ok := m.dir.Get(id)
	if !ok {
		return vnverrors.ErrNotFound
	}
	required := uint32(object.HeaderSize) + size
	if required > m.valloc.BufferSize() {
		return vnverrors.ErrOutOfMemory
	}

	layout := valloc.Layout{Size: required, Align: 1}
	ptr, err := m.valloc.Allocate(layout)
	if err != nil {
		if execErr := m.makeRoom(required, 0); execErr != nil {
			return execErr
		}
		ptr, err = m.valloc.Allocate(layout)
		if err != nil {
			return vnverrors.ErrOutOfMemory
		}
	}

	payload := m.ram[uint32(ptr)+object.HeaderSize : uint32(ptr)+required]
	if size > 0 {
		if err := m.storageRead(uint32(nvSlot.Offset), payload); err != nil {
			m.valloc.Deallocate(ptr, layout)
			return err
		}
	}

	idx := m.allocIndex(id)
	hdr := object.Header{Index: idx}
	hdr.Encode(m.ram[ptr : uint32(ptr)+object.HeaderSize])

	m.tick++
	m.resident[id] = &residentEntry{
		id: id, slot: ptr, size: size, nvSlot: nvSlot,
		state: StateResidentClean, index: idx, tick: m.tick,
	}
	m.metrics.ObjectLoaded(uint32(id), size)
	m.debugf("manager: loaded object %d (%d bytes) at ram offset %d", id, size, ptr)
	return nil
}

// Sync writes a Resident-Dirty object's payload back to storage and
// returns it to Resident-Clean. Flush is deliberately not called here;
// durability is deferred to PersistAll.
func (m *Manager) Sync(id nvalloc.Offset) error {
	e, ok := m.resident[id]
	if !ok {
		return nil
	}
	if e.state == StateResidentLocked {
		return vnverrors.ErrLocked
	}
	if e.state != StateResidentDirty {
		return nil
	}
	payload := m.payloadBytes(e)
	if err := m.storageWrite(uint32(e.nvSlot.Offset), payload); err != nil {
		return err
	}
	m.dirtyBytes -= e.size
	e.state = StateResidentClean
	m.setHeaderFlags(e)
	m.metrics.ObjectSynced(uint32(id), e.size)
	m.debugf("manager: synced object %d (%d bytes)", id, e.size)
	return nil
}

// Unload evicts a resident object, requiring it be clean and unpinned.
func (m *Manager) Unload(id nvalloc.Offset) error {
	e, ok := m.resident[id]
	if !ok {
		return nil
	}
	if m.tracker.Pinned(uint32(id)) {
		return vnverrors.ErrBorrowConflict
	}
	if e.state == StateResidentDirty {
		return vnverrors.ErrDirtyBudgetExhausted
	}
	if e.state == StateResidentLocked {
		return vnverrors.ErrLocked
	}
	m.evict(e)
	return nil
}

// ForceUnload drops a resident copy unconditionally, for use by
// Deallocate where the object is being freed regardless of dirty state.
// It still refuses to unload a pinned object: freeing storage out from
// under an outstanding guard would leave that guard's pointer dangling.
func (m *Manager) ForceUnload(id nvalloc.Offset) error {
	e, ok := m.resident[id]
	if !ok {
		return nil
	}
	if m.tracker.Pinned(uint32(id)) {
		return vnverrors.ErrBorrowConflict
	}
	if e.state == StateResidentDirty {
		m.dirtyBytes -= e.size
	}
	m.evict(e)
	return nil
}

func (m *Manager) evict(e *residentEntry) {
	layout := valloc.Layout{Size: object.HeaderSize + e.size, Align: 1}
	m.valloc.Deallocate(e.slot, layout)
	m.freeIndex(e.index)
	delete(m.resident, e.id)
	m.metrics.ObjectEvicted(uint32(e.id), e.size)
	m.debugf("manager: evicted object %d", e.id)
}

// GetShared acquires a shared borrow guard on id, loading it if necessary.
// It returns a read-only view into the RAM buffer's payload bytes.
func (m *Manager) GetShared(id nvalloc.Offset) ([]byte, error) {
	if m.flag.Get() {
		return nil, vnverrors.ErrLocked
	}
	if err := m.Load(id); err != nil {
		return nil, err
	}
	e := m.resident[id]
	if e.state == StateResidentLocked {
		return nil, vnverrors.ErrLocked
	}
	if err := m.tracker.Acquire(uint32(id), borrow.Shared); err != nil {
		return nil, err
	}
	return m.payloadBytes(e), nil
}

// ReleaseShared releases a previously acquired shared guard.
func (m *Manager) ReleaseShared(id nvalloc.Offset) {
	m.tracker.Release(uint32(id), borrow.Shared)
}

// GetExclusive acquires an exclusive borrow guard on id, loading it if
// necessary, and pre-validates that the dirty budget can absorb this
// object becoming dirty: acquisition fails immediately rather than
// blocking, and charging itself happens on release.
func (m *Manager) GetExclusive(id nvalloc.Offset) ([]byte, error) {
	if m.flag.Get() {
		return nil, vnverrors.ErrLocked
	}
	if err := m.Load(id); err != nil {
		return nil, err
	}
	e := m.resident[id]
	if e.state == StateResidentLocked {
		return nil, vnverrors.ErrLocked
	}
	if err := m.tracker.Acquire(uint32(id), borrow.Exclusive); err != nil {
		return nil, err
	}
	if e.state != StateResidentDirty && !m.canAffordDirty(id, e.size) {
		m.tracker.Release(uint32(id), borrow.Exclusive)
		return nil, vnverrors.ErrDirtyBudgetExhausted
	}
	return m.payloadBytes(e), nil
}

// ReleaseExclusive releases a previously acquired exclusive guard.
// Release unconditionally marks the object dirty and charges the dirty
// budget, the conservative choice, rather than tracking a write-witness
// flag to detect no-op exclusive borrows.
func (m *Manager) ReleaseExclusive(id nvalloc.Offset) error {
	m.tracker.Release(uint32(id), borrow.Exclusive)
	e, ok := m.resident[id]
	if !ok {
		return nil
	}
	if e.state == StateResidentDirty {
		return nil
	}
	if err := m.chargeDirty(id, e.size); err != nil {
		return err
	}
	e.state = StateResidentDirty
	m.setHeaderFlags(e)
	return nil
}

// committedDirtyBytes sums bytes already charged as dirty plus the size
// of every other resident object currently held under an open exclusive
// guard but not yet marked dirty. Such an object is certain to become
// dirty on release (ReleaseExclusive charges unconditionally), and it
// cannot be synced to free room while the guard is outstanding, so its
// size must be reserved against the budget now rather than left
// undiscovered until the guard is released.
func (m *Manager) committedDirtyBytes(excludeID nvalloc.Offset) uint32 {
	total := m.dirtyBytes
	for id, e := range m.resident {
		if id == excludeID || e.state == StateResidentDirty {
			continue
		}
		if m.tracker.PinnedExclusive(uint32(id)) {
			total += e.size
		}
	}
	return total
}

// canAffordDirty reports whether marking id (currently not dirty, of the
// given size) dirty can be absorbed by the budget, either directly or by
// synchronizing other unpinned dirty objects.
func (m *Manager) canAffordDirty(excludeID nvalloc.Offset, size uint32) bool {
	committed := m.committedDirtyBytes(excludeID) + size
	if committed <= m.cfg.MaxDirtyBytes {
		return true
	}
	needed := committed - m.cfg.MaxDirtyBytes
	var avail uint32
	for id, e := range m.resident {
		if id == excludeID || e.state != StateResidentDirty {
			continue
		}
		if m.tracker.Pinned(uint32(id)) {
			continue
		}
		avail += e.size
	}
	return avail >= needed
}

// chargeDirty commits size bytes of dirty budget, synchronizing other
// dirty objects via the policy if headroom is required.
func (m *Manager) chargeDirty(excludeID nvalloc.Offset, size uint32) error {
	committed := m.committedDirtyBytes(excludeID) + size
	if committed <= m.cfg.MaxDirtyBytes {
		m.dirtyBytes += size
		return nil
	}
	needed := committed - m.cfg.MaxDirtyBytes
	if err := m.makeRoom(0, needed); err != nil {
		return err
	}
	if m.committedDirtyBytes(excludeID)+size > m.cfg.MaxDirtyBytes {
		return vnverrors.ErrDirtyBudgetExhausted
	}
	m.dirtyBytes += size
	return nil
}

// makeRoom asks the policy for a victim plan and executes it — syncing
// dirty candidates, evicting clean ones — until the free-RAM and
// dirty-headroom requirements are met or the plan is exhausted.
func (m *Manager) makeRoom(requiredFreeBytes, requiredDirtyHeadroom uint32) error {
	info := make([]policy.ResidentInfo, 0, len(m.resident))
	for id, e := range m.resident {
		info = append(info, policy.ResidentInfo{
			ID:       policy.ObjectId(id),
			Size:     e.size,
			Dirty:    e.state == StateResidentDirty,
			Pinned:   m.tracker.Pinned(uint32(id)),
			Locked:   e.state == StateResidentLocked,
			LoadTick: e.tick,
		})
	}
	plan := m.policy.ChooseVictims(info, requiredFreeBytes, requiredDirtyHeadroom)

	var freed, headroom uint32
	for _, pid := range plan {
		if freed >= requiredFreeBytes && headroom >= requiredDirtyHeadroom {
			break
		}
		id := nvalloc.Offset(pid)
		e, ok := m.resident[id]
		if !ok {
			continue
		}
		if e.state == StateResidentDirty {
			before := e.size
			if err := m.Sync(id); err != nil {
				return err
			}
			headroom += before
		}
		if requiredFreeBytes > 0 {
			if err := m.Unload(id); err == nil {
				freed += e.size + object.HeaderSize
			}
		}
	}
	if requiredFreeBytes > 0 && freed < requiredFreeBytes {
		return vnverrors.ErrOutOfMemory
	}
	if requiredDirtyHeadroom > 0 && headroom < requiredDirtyHeadroom {
		return vnverrors.ErrDirtyBudgetExhausted
	}
	return nil
}

// LockAndPersistDirty implements persist.ObjectPersister: it transitions
// every resident object to Resident-Locked, writing dirty payloads to
// storage on the way, and returns the total dirty bytes written and the
// first write error. A dirty object whose write fails is skipped: it
// stays Resident-Dirty and is not locked. A
// shared guard outstanding at the moment of an interrupt-time trigger is
// treated as frozen rather than awaited — the caller (the persist
// driver) is responsible for only calling this from a context where the
// application is actually suspended, or after draining synchronous
// callers.
func (m *Manager) LockAndPersistDirty() (uint32, error) {
	var written uint32
	var firstErr error
	for id, e := range m.resident {
		if e.state == StateResidentDirty {
			payload := m.payloadBytes(e)
			if err := m.storageWrite(uint32(e.nvSlot.Offset), payload); err != nil {
				if firstErr == nil {
					firstErr = err
				}
				continue
			}
			written += e.size
			m.dirtyBytes -= e.size
		}
		e.state = StateResidentLocked
		m.setHeaderFlags(e)
		_ = id
	}
	return written, firstErr
}

// UnlockAll implements persist.ObjectPersister: it returns every
// Resident-Locked object to Resident-Clean once a persist_all attempt is
// over, whether it succeeded or stopped at a failing step.
func (m *Manager) UnlockAll() {
	for _, e := range m.resident {
		if e.state == StateResidentLocked {
			e.state = StateResidentClean
			m.setHeaderFlags(e)
		}
	}
}

func (m *Manager) payloadBytes(e *residentEntry) []byte {
	start := uint32(e.slot) + object.HeaderSize
	return m.ram[start : start+e.size]
}

func (m *Manager) setHeaderFlags(e *residentEntry) {
	hdr := object.Header{
		Index:  e.index,
		Dirty:  e.state == StateResidentDirty,
		Locked: e.state == StateResidentLocked,
	}
	hdr.Encode(m.ram[e.slot : uint32(e.slot)+object.HeaderSize])
}

func (m *Manager) allocIndex(id nvalloc.Offset) uint16 {
	if n := len(m.freeIndexes); n > 0 {
		idx := m.freeIndexes[n-1]
		m.freeIndexes = m.freeIndexes[:n-1]
		m.indexToID[idx] = id
		return idx
	}
	m.indexToID = append(m.indexToID, id)
	return uint16(len(m.indexToID) - 1)
}

func (m *Manager) freeIndex(idx uint16) {
	m.indexToID[idx] = nvalloc.Offset(freeIndexSentinel)
	m.freeIndexes = append(m.freeIndexes, idx)
}

// storageRead retries a transient failure up to ioretry.MaxRetries times
// before promoting it to ErrIoFatal.
func (m *Manager) storageRead(off uint32, dst []byte) error {
	return ioretry.Read(m.store, off, dst, m.log)
}

func (m *Manager) storageWrite(off uint32, src []byte) error {
	return ioretry.Write(m.store, off, src, m.log)
}
