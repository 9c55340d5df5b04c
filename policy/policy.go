// Package policy implements the object-management policy module: given
// the current resident set, it decides which objects to evict or
// synchronize to satisfy a free-RAM or dirty-headroom request.
package policy

// ObjectId is the stable identifier of a live object, equal to its
// non-resident storage offset.
type ObjectId uint32

// ResidentInfo is the policy's view of one resident object: enough to
// decide whether it is a legal and preferable eviction/sync candidate,
// without exposing manager-internal bookkeeping.
type ResidentInfo struct {
	ID       ObjectId
	Size     uint32 // payload bytes; the resident header is not included
	Dirty    bool
	Pinned   bool // pin count > 0
	Locked   bool // Resident-Locked (persist in flight)
	LoadTick uint64
}

// Policy is the module contract for eviction/sync decisions.
type Policy interface {
	// ChooseVictims returns, in the order they should be acted on, the
	// ids of objects to evict (if clean) or synchronize-then-evict (if
	// dirty) so that at least requiredFreeBytes of RAM and
	// requiredDirtyHeadroom of dirty-budget headroom become available.
	// A pinned or locked object must never appear in the result. The
	// caller executes the plan opportunistically and stops as soon as its
	// requirement is met; Policy does not need to reason about whether
	// the plan as a whole suffices.
	ChooseVictims(resident []ResidentInfo, requiredFreeBytes, requiredDirtyHeadroom uint32) []ObjectId
}
