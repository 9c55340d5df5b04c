package manager

import (
	"testing"

	"github.com/markusgerber/vnvheap/config"
	"github.com/markusgerber/vnvheap/nvalloc"
	"github.com/markusgerber/vnvheap/persist"
	"github.com/markusgerber/vnvheap/policy"
	"github.com/markusgerber/vnvheap/storage"
	"github.com/markusgerber/vnvheap/valloc"
	"github.com/markusgerber/vnvheap/vnverrors"
)

type fakeEntry struct {
	size uint32
	slot nvalloc.Slot
}

type fakeDir struct {
	entries map[nvalloc.Offset]fakeEntry
}

func newFakeDir() *fakeDir { return &fakeDir{entries: make(map[nvalloc.Offset]fakeEntry)} }

func (d *fakeDir) put(id nvalloc.Offset, size uint32) {
	d.entries[id] = fakeEntry{size: size, slot: nvalloc.Slot{Offset: id, Length: size}}
}

func (d *fakeDir) Get(id nvalloc.Offset) (uint32, nvalloc.Slot, bool) {
	e, ok := d.entries[id]
	return e.size, e.slot, ok
}

func testConfig(maxDirty uint32) config.HeapConfig {
	return config.HeapConfig{MaxDirtyBytes: maxDirty}
}

func newTestManager(t *testing.T, ramSize uint32, maxDirty uint32) (*Manager, *fakeDir, storage.Storage) {
	t.Helper()
	store := storage.NewMemory(1024)
	dir := newFakeDir()
	va := valloc.NewFirstFit(ramSize)
	ram := make([]byte, ramSize)
	mgr := New(testConfig(maxDirty), store, ram, va, policy.NewDefault(), dir, persist.NewFlag(), nil, nil)
	return mgr, dir, store
}

func TestLoadReadsPayloadFromStorage(t *testing.T) {
	mgr, dir, store := newTestManager(t, 256, 1024)
	if err := store.Write(0, []byte{1, 2, 3, 4}); err != nil {
		t.Fatalf("seed storage: %v", err)
	}
	dir.put(0, 4)

	if err := mgr.Load(0); err != nil {
		t.Fatalf("load: %v", err)
	}
	if !mgr.IsResident(0) {
		t.Fatalf("object 0 should be resident after load")
	}

	payload, err := mgr.GetShared(0)
	if err != nil {
		t.Fatalf("get shared: %v", err)
	}
	defer mgr.ReleaseShared(0)
	want := []byte{1, 2, 3, 4}
	for i, b := range want {
		if payload[i] != b {
			t.Fatalf("payload = %v, want %v", payload, want)
		}
	}
}

func TestLoadUnknownObjectFails(t *testing.T) {
	mgr, _, _ := newTestManager(t, 256, 1024)
	if err := mgr.Load(99); err != vnverrors.ErrNotFound {
		t.Fatalf("load unknown id: got %v, want ErrNotFound", err)
	}
}

func TestExclusiveBorrowChargesDirtyOnRelease(t *testing.T) {
	mgr, dir, _ := newTestManager(t, 256, 1024)
	dir.put(0, 8)

	if _, err := mgr.GetExclusive(0); err != nil {
		t.Fatalf("get exclusive: %v", err)
	}
	if mgr.DirtyBytes() != 0 {
		t.Fatalf("dirty bytes should not be charged until release, got %d", mgr.DirtyBytes())
	}
	if err := mgr.ReleaseExclusive(0); err != nil {
		t.Fatalf("release exclusive: %v", err)
	}
	if mgr.DirtyBytes() != 8 {
		t.Fatalf("dirty bytes = %d, want 8", mgr.DirtyBytes())
	}
}

// TestDirtyBudgetExhaustedOnAcquire holds an exclusive guard on one object
// open (never released) and then tries to acquire a second one, matching
// the exhausted-budget scenario: the held guard is certain to become
// dirty on release, so its size must already be reserved against the
// budget even though the object itself is still state-clean.
func TestDirtyBudgetExhaustedOnAcquire(t *testing.T) {
	mgr, dir, _ := newTestManager(t, 256, 4) // budget for exactly one 4-byte object
	dir.put(0, 4)
	dir.put(1, 4)

	if _, err := mgr.GetExclusive(0); err != nil {
		t.Fatalf("get exclusive 0: %v", err)
	}
	if mgr.DirtyBytes() != 0 {
		t.Fatalf("dirty bytes should not be charged until release, got %d", mgr.DirtyBytes())
	}

	// Object 0's guard is still outstanding: it is pinned and cannot be
	// synced, so there is no way to free room for object 1 within the
	// 4-byte budget. This must fail immediately rather than succeed and
	// later lose object 0's write when its guard is released.
	if _, err := mgr.GetExclusive(1); err != vnverrors.ErrDirtyBudgetExhausted {
		t.Fatalf("get exclusive 1: got %v, want ErrDirtyBudgetExhausted", err)
	}

	if err := mgr.ReleaseExclusive(0); err != nil {
		t.Fatalf("release exclusive 0: %v", err)
	}
	if mgr.DirtyBytes() != 4 {
		t.Fatalf("dirty bytes = %d, want 4", mgr.DirtyBytes())
	}
}

// TestReacquiringDirtyObjectExhaustsBudgetForOthers covers the related
// case where the first object has already been released into dirty state
// and is then re-pinned exclusively: it is no longer available as
// sync-to-free headroom either, so a second object's acquire must fail.
func TestReacquiringDirtyObjectExhaustsBudgetForOthers(t *testing.T) {
	mgr, dir, _ := newTestManager(t, 256, 10) // budget for one 8-byte object plus a little slack
	dir.put(0, 8)
	dir.put(1, 8)

	if _, err := mgr.GetExclusive(0); err != nil {
		t.Fatalf("get exclusive 0: %v", err)
	}
	if err := mgr.ReleaseExclusive(0); err != nil {
		t.Fatalf("release exclusive 0: %v", err)
	}
	if mgr.DirtyBytes() != 8 {
		t.Fatalf("dirty bytes = %d, want 8", mgr.DirtyBytes())
	}

	// Re-acquiring object 0 exclusively pins it while it is still dirty,
	// so it is no longer available as sync-to-free headroom: a second
	// object's exclusive acquire must now fail outright, since 8 + 8 > 10
	// and nothing can be synced to make room.
	if _, err := mgr.GetExclusive(0); err != nil {
		t.Fatalf("re-acquire exclusive 0: %v", err)
	}
	if _, err := mgr.GetExclusive(1); err != vnverrors.ErrDirtyBudgetExhausted {
		t.Fatalf("get exclusive 1: got %v, want ErrDirtyBudgetExhausted", err)
	}
}

func TestSyncClearsDirtyAndWritesBack(t *testing.T) {
	mgr, dir, store := newTestManager(t, 256, 1024)
	dir.put(0, 4)

	payload, err := mgr.GetExclusive(0)
	if err != nil {
		t.Fatalf("get exclusive: %v", err)
	}
	copy(payload, []byte{9, 9, 9, 9})
	if err := mgr.ReleaseExclusive(0); err != nil {
		t.Fatalf("release exclusive: %v", err)
	}
	if err := mgr.Sync(0); err != nil {
		t.Fatalf("sync: %v", err)
	}
	if mgr.DirtyBytes() != 0 {
		t.Fatalf("dirty bytes after sync = %d, want 0", mgr.DirtyBytes())
	}

	got := make([]byte, 4)
	if err := store.Read(0, got); err != nil {
		t.Fatalf("read back: %v", err)
	}
	want := []byte{9, 9, 9, 9}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("storage = %v, want %v", got, want)
		}
	}
}

func TestUnloadRefusesDirtyAndPinned(t *testing.T) {
	mgr, dir, _ := newTestManager(t, 256, 1024)
	dir.put(0, 4)
	if _, err := mgr.GetExclusive(0); err != nil {
		t.Fatalf("get exclusive: %v", err)
	}
	if err := mgr.ReleaseExclusive(0); err != nil {
		t.Fatalf("release exclusive: %v", err)
	}
	if err := mgr.Unload(0); err != vnverrors.ErrDirtyBudgetExhausted {
		t.Fatalf("unload dirty: got %v, want ErrDirtyBudgetExhausted", err)
	}

	if err := mgr.Sync(0); err != nil {
		t.Fatalf("sync: %v", err)
	}
	if _, err := mgr.GetShared(0); err != nil {
		t.Fatalf("get shared: %v", err)
	}
	if err := mgr.Unload(0); err != vnverrors.ErrBorrowConflict {
		t.Fatalf("unload pinned: got %v, want ErrBorrowConflict", err)
	}
	mgr.ReleaseShared(0)
	if err := mgr.Unload(0); err != nil {
		t.Fatalf("unload clean unpinned: %v", err)
	}
	if mgr.IsResident(0) {
		t.Fatalf("object 0 should not be resident after unload")
	}
}

func TestLoadEvictsToMakeRoom(t *testing.T) {
	// Buffer fits exactly one 8-byte object plus its 3-byte header;
	// loading a second must evict the first.
	mgr, dir, _ := newTestManager(t, 11, 1024)
	dir.put(0, 8)
	dir.put(1, 8)

	if err := mgr.Load(0); err != nil {
		t.Fatalf("load 0: %v", err)
	}
	if err := mgr.Load(1); err != nil {
		t.Fatalf("load 1 (should evict 0): %v", err)
	}
	if mgr.IsResident(0) {
		t.Fatalf("object 0 should have been evicted")
	}
	if !mgr.IsResident(1) {
		t.Fatalf("object 1 should be resident")
	}
}

func TestLockAndPersistDirtyThenUnlockAll(t *testing.T) {
	mgr, dir, store := newTestManager(t, 256, 1024)
	dir.put(0, 4)
	payload, err := mgr.GetExclusive(0)
	if err != nil {
		t.Fatalf("get exclusive: %v", err)
	}
	copy(payload, []byte{7, 7, 7, 7})
	if err := mgr.ReleaseExclusive(0); err != nil {
		t.Fatalf("release exclusive: %v", err)
	}

	written, err := mgr.LockAndPersistDirty()
	if err != nil {
		t.Fatalf("lock and persist: %v", err)
	}
	if written != 4 {
		t.Fatalf("written = %d, want 4", written)
	}
	if mgr.DirtyBytes() != 0 {
		t.Fatalf("dirty bytes after persist = %d, want 0", mgr.DirtyBytes())
	}
	if _, err := mgr.GetShared(0); err != vnverrors.ErrLocked {
		t.Fatalf("borrow while locked: got %v, want ErrLocked", err)
	}

	got := make([]byte, 4)
	if err := store.Read(0, got); err != nil {
		t.Fatalf("read back: %v", err)
	}
	for i, b := range []byte{7, 7, 7, 7} {
		if got[i] != b {
			t.Fatalf("storage = %v, want [7 7 7 7]", got)
		}
	}

	mgr.UnlockAll()
	if _, err := mgr.GetShared(0); err != nil {
		t.Fatalf("borrow after unlock: %v", err)
	}
	mgr.ReleaseShared(0)
}
