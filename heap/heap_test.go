package heap

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/markusgerber/vnvheap/config"
	"github.com/markusgerber/vnvheap/policy"
	"github.com/markusgerber/vnvheap/storage"
	"github.com/markusgerber/vnvheap/valloc"
	"github.com/markusgerber/vnvheap/vnverrors"
)

func testHeapConfig() config.HeapConfig {
	return config.HeapConfig{
		MaxDirtyBytes:   1024,
		BufferSize:      128,
		StorageCapacity: 256,
		NvAllocMinOrder: 4,
		MaxObjects:      8,
	}
}

func newTestHeap(t *testing.T, store storage.Storage) *Heap {
	t.Helper()
	cfg := testHeapConfig()
	ram := make([]byte, cfg.BufferSize)
	h, err := New(ram, store, valloc.NewFirstFit(cfg.BufferSize), policy.NewDefault(), cfg, nil, nil, nil)
	if err != nil {
		t.Fatalf("new heap: %v", err)
	}
	return h
}

func TestNewFormatsFreshImageWithValidSuperblock(t *testing.T) {
	store := storage.NewMemory(512)
	h := newTestHeap(t, store)

	hdr := make([]byte, superblockFixedSize)
	if err := store.Read(0, hdr); err != nil {
		t.Fatalf("read superblock: %v", err)
	}
	magic, version, digest := decodeSuperblockHeader(hdr)
	if magic != Magic || version != Version || digest != h.cfg.ConfigDigest() {
		t.Fatalf("superblock = {%x %d %x}, want {%x %d %x}", magic, version, digest, Magic, Version, h.cfg.ConfigDigest())
	}
}

func TestAllocateRawWritesIntoObjectRegionNotControlRegion(t *testing.T) {
	store := storage.NewMemory(512)
	h := newTestHeap(t, store)

	id, err := h.AllocateRaw(4, 1, []byte{1, 2, 3, 4})
	if err != nil {
		t.Fatalf("allocate raw: %v", err)
	}

	// The payload must land inside the object region, strictly after the
	// control region this same store holds, never overlapping it.
	if uint32(id)+h.layout.objectRegionOffset < h.layout.objectRegionOffset {
		t.Fatalf("object id overflowed")
	}
	got := make([]byte, 4)
	if err := store.Read(h.layout.objectRegionOffset+uint32(id), got); err != nil {
		t.Fatalf("read object region: %v", err)
	}
	want := []byte{1, 2, 3, 4}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("object region bytes = %v, want %v", got, want)
		}
	}

	// Reading the control region back should still show the unmodified,
	// freshly formatted directory/allocator state from New, not garbage
	// from an overlapping write.
	ctrl := make([]byte, h.layout.directorySize)
	if err := store.Read(h.layout.directoryOffset, ctrl); err != nil {
		t.Fatalf("read directory region: %v", err)
	}
	if ctrl[0] != 0 || ctrl[1] != 0 || ctrl[2] != 0 || ctrl[3] != 0 {
		t.Fatalf("directory entry count bytes = %v, want all zero as freshly formatted", ctrl[:4])
	}
}

func TestAllocateRawRejectsBeyondMaxObjects(t *testing.T) {
	store := storage.NewMemory(512)
	h := newTestHeap(t, store)

	for i := 0; i < int(h.cfg.MaxObjects); i++ {
		if _, err := h.AllocateRaw(4, 1, []byte{0, 0, 0, 0}); err != nil {
			t.Fatalf("allocate raw #%d: %v", i, err)
		}
	}
	if _, err := h.AllocateRaw(4, 1, []byte{0, 0, 0, 0}); err != vnverrors.ErrOutOfStorage {
		t.Fatalf("allocate beyond max objects: got %v, want ErrOutOfStorage", err)
	}
}

func TestAllocateRawZeroSizeObjectsGetDistinctIds(t *testing.T) {
	store := storage.NewMemory(512)
	h := newTestHeap(t, store)

	first, err := h.AllocateRaw(0, 1, nil)
	if err != nil {
		t.Fatalf("allocate raw zero 1: %v", err)
	}
	second, err := h.AllocateRaw(0, 1, nil)
	if err != nil {
		t.Fatalf("allocate raw zero 2: %v", err)
	}
	if first == second {
		t.Fatalf("two live zero-size objects share id %d", first)
	}

	if _, ok := h.dir.Get(first); !ok {
		t.Fatalf("first zero-size object's directory entry was overwritten")
	}
	if _, ok := h.dir.Get(second); !ok {
		t.Fatalf("second zero-size object's directory entry is missing")
	}
	if got := h.dir.Len(); got != 2 {
		t.Fatalf("directory has %d entries, want 2", got)
	}
}

func TestDeallocateRawFreesDirectoryAndStorage(t *testing.T) {
	store := storage.NewMemory(512)
	h := newTestHeap(t, store)

	id, err := h.AllocateRaw(4, 1, []byte{1, 2, 3, 4})
	if err != nil {
		t.Fatalf("allocate raw: %v", err)
	}
	if err := h.DeallocateRaw(id); err != nil {
		t.Fatalf("deallocate raw: %v", err)
	}
	if err := h.DeallocateRaw(id); err != vnverrors.ErrNotFound {
		t.Fatalf("double deallocate: got %v, want ErrNotFound", err)
	}

	// The freed region should be reusable by a subsequent allocation of
	// the same size.
	if _, err := h.AllocateRaw(4, 1, []byte{9, 9, 9, 9}); err != nil {
		t.Fatalf("reallocate after free: %v", err)
	}
}

func TestPersistAllThenReopenRestoresDirectoryAndPayload(t *testing.T) {
	store := storage.NewMemory(512)
	h := newTestHeap(t, store)

	id, err := h.AllocateRaw(4, 7, []byte{0, 0, 0, 0})
	require.NoError(t, err)
	payload, err := h.mgr.GetExclusive(id)
	require.NoError(t, err)
	copy(payload, []byte{0xde, 0xad, 0xbe, 0xef})
	require.NoError(t, h.mgr.ReleaseExclusive(id))
	require.NoError(t, h.PersistAll())

	snapshot := store.Snapshot()
	reopened := storage.NewMemoryFromSnapshot(snapshot)
	h2 := newTestHeap(t, reopened)

	payload2, err := h2.mgr.GetShared(id)
	require.NoError(t, err)
	defer h2.mgr.ReleaseShared(id)
	require.Equal(t, []byte{0xde, 0xad, 0xbe, 0xef}, payload2)
}

func TestCrashBeforePersistAllLeavesPreviousImageIntact(t *testing.T) {
	store := storage.NewMemory(512)
	h := newTestHeap(t, store)

	id, err := h.AllocateRaw(4, 7, []byte{1, 1, 1, 1})
	require.NoError(t, err)
	require.NoError(t, h.PersistAll())
	committed := store.Snapshot()

	payload, err := h.mgr.GetExclusive(id)
	require.NoError(t, err)
	copy(payload, []byte{2, 2, 2, 2})
	require.NoError(t, h.mgr.ReleaseExclusive(id))

	// Simulate a crash before PersistAll runs: reopen from the
	// last-committed snapshot, which must still show the old value.
	reopened := storage.NewMemoryFromSnapshot(committed)
	h2 := newTestHeap(t, reopened)

	payload2, err := h2.mgr.GetShared(id)
	require.NoError(t, err)
	defer h2.mgr.ReleaseShared(id)
	require.Equal(t, []byte{1, 1, 1, 1}, payload2, "dirty write must not have leaked into the pre-crash image")
}

func TestInspectReportsEntriesWithoutMutatingStore(t *testing.T) {
	store := storage.NewMemory(512)
	h := newTestHeap(t, store)
	if _, err := h.AllocateRaw(4, 3, []byte{5, 5, 5, 5}); err != nil {
		t.Fatalf("allocate raw: %v", err)
	}
	if err := h.PersistAll(); err != nil {
		t.Fatalf("persist all: %v", err)
	}

	before := store.Snapshot()
	rep, err := Inspect(store, h.cfg)
	if err != nil {
		t.Fatalf("inspect: %v", err)
	}
	if !rep.DigestMatches {
		t.Fatalf("expected digest to match")
	}
	if len(rep.Entries) != 1 || rep.Entries[0].TypeTag != 3 {
		t.Fatalf("entries = %+v, want one entry with type tag 3", rep.Entries)
	}
	after := store.Snapshot()
	if len(before) != len(after) {
		t.Fatalf("inspect must not resize storage")
	}
	for i := range before {
		if before[i] != after[i] {
			t.Fatalf("inspect must not mutate storage at byte %d", i)
		}
	}
}
