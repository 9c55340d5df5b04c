// Package vnverrors defines the sentinel error values returned across the
// vNV-Heap module boundary. Each value identifies one error kind from the
// resident-object manager's fallible-operation contract; callers compare
// against them with errors.Is rather than switching on dynamic type.
package vnverrors

import "errors"

var (
	// ErrOutOfStorage is returned when the non-resident allocator cannot
	// satisfy an allocation request.
	ErrOutOfStorage = errors.New("vnvheap: non-resident allocator exhausted")

	// ErrOutOfMemory is returned when the volatile allocator cannot satisfy
	// a residency request even after the policy's eviction plan has run.
	ErrOutOfMemory = errors.New("vnvheap: volatile allocator exhausted")

	// ErrDirtyBudgetExhausted is returned when honoring a borrow would push
	// total dirty bytes past max_dirty_bytes and no dirty object could be
	// synchronized to make room.
	ErrDirtyBudgetExhausted = errors.New("vnvheap: dirty budget exhausted")

	// ErrLocked is returned when a borrow is attempted on an object that is
	// Resident-Locked, or on any object while persist_all is in flight.
	ErrLocked = errors.New("vnvheap: object locked for persist")

	// ErrIoTransient identifies a retryable storage failure. Callers should
	// not normally observe this value directly; the manager retries it a
	// bounded number of times and promotes persistent failures to
	// ErrIoFatal.
	ErrIoTransient = errors.New("vnvheap: transient storage I/O failure")

	// ErrIoFatal identifies a storage failure that survived the manager's
	// bounded retry budget and is surfaced to the caller.
	ErrIoFatal = errors.New("vnvheap: fatal storage I/O failure")

	// ErrCorruptedImage is returned by Heap.New when the superblock magic,
	// version and digest match but the directory does not parse. A
	// superblock whose digest does not match is treated as absent and the
	// image is reformatted; the allocator state is not validated.
	// config.LoadTOML also returns it for a file that does not decode.
	ErrCorruptedImage = errors.New("vnvheap: storage image failed validation")

	// ErrNotFound is returned when an ObjectId has no directory entry, e.g.
	// a handle outlived a concurrent deallocation of the same id (which
	// cannot happen under the single-writer model but is guarded against
	// defensively since handles are long-lived and type-erased by id).
	ErrNotFound = errors.New("vnvheap: object id not present in directory")

	// ErrBorrowConflict is returned when a guard is requested that would
	// violate the shared/exclusive aliasing rule for an object.
	ErrBorrowConflict = errors.New("vnvheap: borrow would violate aliasing rule")

	// ErrReentrantPersist is returned by PersistAll when called again before
	// a previous call's completion callback has fired.
	ErrReentrantPersist = errors.New("vnvheap: persist_all already in flight")

	// ErrPayloadMismatch is returned when a handle's compile-time type does
	// not implement the binary payload contract, or an exclusive guard's
	// value re-encodes on release to a size other than the object's.
	ErrPayloadMismatch = errors.New("vnvheap: payload does not match directory entry")
)

// IsIo reports whether err is (or wraps) ErrIoTransient or ErrIoFatal.
func IsIo(err error) bool {
	return errors.Is(err, ErrIoTransient) || errors.Is(err, ErrIoFatal)
}
