// Package borrow implements the reference tracker and borrow gate: it
// enforces the shared/exclusive aliasing rule per object and records the
// pin count that keeps a resident slot from being evicted, moved, or
// overwritten while any guard is outstanding. It is deliberately ignorant
// of load/sync/unload and dirty accounting — the manager orchestrates
// those around Tracker's Acquire/Release calls, keeping aliasing
// bookkeeping separate from the I/O that loads and evicts objects.
package borrow

import "github.com/markusgerber/vnvheap/vnverrors"

// Kind distinguishes the two borrow flavors a caller can hold on an object.
type Kind int

const (
	Shared Kind = iota
	Exclusive
)

// pin is one object's outstanding-borrow bookkeeping.
type pin struct {
	shared    int
	exclusive bool
}

// Tracker owns the pin state for every resident object. The zero value is
// ready to use.
type Tracker struct {
	pins map[uint32]*pin
}

// NewTracker constructs an empty Tracker.
func NewTracker() *Tracker {
	return &Tracker{pins: make(map[uint32]*pin)}
}

// Acquire registers a new guard of the given kind for id. It fails with
// ErrBorrowConflict if an exclusive guard is requested while any guard
// exists, or a shared guard is requested while an exclusive guard exists.
func (t *Tracker) Acquire(id uint32, kind Kind) error {
	if t.pins == nil {
		t.pins = make(map[uint32]*pin)
	}
	p, ok := t.pins[id]
	if !ok {
		p = &pin{}
		t.pins[id] = p
	}
	switch kind {
	case Shared:
		if p.exclusive {
			return vnverrors.ErrBorrowConflict
		}
		p.shared++
	case Exclusive:
		if p.exclusive || p.shared > 0 {
			return vnverrors.ErrBorrowConflict
		}
		p.exclusive = true
	}
	return nil
}

// Release unregisters one guard of the given kind for id.
func (t *Tracker) Release(id uint32, kind Kind) {
	p, ok := t.pins[id]
	if !ok {
		return
	}
	switch kind {
	case Shared:
		if p.shared > 0 {
			p.shared--
		}
	case Exclusive:
		p.exclusive = false
	}
	if p.shared == 0 && !p.exclusive {
		delete(t.pins, id)
	}
}

// Pinned reports whether id has any outstanding guard.
func (t *Tracker) Pinned(id uint32) bool {
	p, ok := t.pins[id]
	return ok && (p.shared > 0 || p.exclusive)
}

// PinnedExclusive reports whether id has an outstanding exclusive guard.
func (t *Tracker) PinnedExclusive(id uint32) bool {
	p, ok := t.pins[id]
	return ok && p.exclusive
}

// Count returns the number of outstanding guards on id (shared guards
// count individually; an exclusive guard counts as 1).
func (t *Tracker) Count(id uint32) int {
	p, ok := t.pins[id]
	if !ok {
		return 0
	}
	if p.exclusive {
		return 1
	}
	return p.shared
}
