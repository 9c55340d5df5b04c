// Package persist implements the persist driver: the interrupt-time
// worst-case checkpoint routine and its completion callback, plus the
// single global persisting flag that is the sole cross-context shared
// state in the whole engine.
package persist

import (
	"sync/atomic"
	"time"

	pkgerrors "github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/markusgerber/vnvheap/config"
	"github.com/markusgerber/vnvheap/vnverrors"
)

// Flag is the global `persisting` flag: settable from the interrupt
// context that trips a persist, readable from application code to reject
// new borrows. It is the only piece of heap state that needs to be an
// atomic — everything else is protected by a single-writer,
// preempt-to-completion discipline.
type Flag struct {
	v atomic.Bool
}

// NewFlag returns a cleared Flag.
func NewFlag() *Flag { return &Flag{} }

func (f *Flag) Set(v bool) { f.v.Store(v) }
func (f *Flag) Get() bool  { return f.v.Load() }

// ObjectPersister is the slice of the resident object manager the driver
// needs: write every dirty object back to storage and lock it, then
// release the lock once the snapshot attempt is over.
type ObjectPersister interface {
	LockAndPersistDirty() (bytesWritten uint32, err error)
	UnlockAll()
}

// StateWriter is the slice of the heap facade the driver needs to finish
// a snapshot: the control region (allocator state + directory) and,
// strictly afterward, the superblock that commits it.
type StateWriter interface {
	WriteControlRegion() error
	WriteSuperblock() error
}

// Flusher is satisfied by storage.Storage; declared locally so this
// package does not need to import storage for a single method.
type Flusher interface {
	Flush() error
}

// CompletionFunc is the user-supplied callback fired exactly once per
// PersistAll call that runs, regardless of whether it fully succeeded. A
// call rejected with ErrReentrantPersist does not fire it.
type CompletionFunc func(Status)

// Status reports the outcome of one persist_all invocation.
type Status struct {
	Err               error
	DirtyBytesWritten uint32
	Duration          time.Duration
}

// Driver runs the five-step persist algorithm: lock and persist dirty
// objects, write the control region, commit the superblock, flush, and
// fire the completion callback.
type Driver struct {
	flag     *Flag
	objects  ObjectPersister
	state    StateWriter
	store    Flusher
	onDone   CompletionFunc
	flags    config.FeatureFlags
	log      *logrus.Logger
	inFlight atomic.Bool
}

// NewDriver constructs a Driver. onDone may be nil, in which case the
// outcome is simply discarded after being computed.
func NewDriver(flag *Flag, objects ObjectPersister, state StateWriter, store Flusher, flags config.FeatureFlags, log *logrus.Logger, onDone CompletionFunc) *Driver {
	if onDone == nil {
		onDone = func(Status) {}
	}
	if log == nil {
		log = logrus.New()
		log.SetLevel(logrus.PanicLevel)
	}
	return &Driver{flag: flag, objects: objects, state: state, store: store, onDone: onDone, flags: flags, log: log}
}

// PersistAll runs the commit algorithm. A second call while a first is
// still in flight returns ErrReentrantPersist without touching any state.
// It is otherwise callable from either application code or an
// interrupt-time trigger — the caller decides which, this type has no
// opinion.
func (d *Driver) PersistAll() error {
	if !d.inFlight.CompareAndSwap(false, true) {
		return vnverrors.ErrReentrantPersist
	}
	defer d.inFlight.Store(false)

	start := time.Now()
	d.flag.Set(true)
	defer d.flag.Set(false)

	d.debugfUnsafe("persist: starting")

	written, objErr := d.objects.LockAndPersistDirty()
	defer d.objects.UnlockAll()

	var finalErr error
	if objErr != nil {
		finalErr = pkgerrors.Wrap(objErr, "persist: failed writing dirty objects")
	}

	if finalErr == nil {
		if err := d.state.WriteControlRegion(); err != nil {
			finalErr = pkgerrors.Wrap(err, "persist: failed writing control region")
		}
	}
	if finalErr == nil {
		if err := d.state.WriteSuperblock(); err != nil {
			finalErr = pkgerrors.Wrap(err, "persist: failed writing superblock")
		}
	}
	if finalErr == nil {
		if err := d.store.Flush(); err != nil {
			finalErr = pkgerrors.Wrap(err, "persist: flush failed")
		}
	}

	status := Status{Err: finalErr, DirtyBytesWritten: written, Duration: time.Since(start)}
	d.debugfUnsafe("persist: complete in %s, wrote %d dirty bytes, err=%v", status.Duration, written, finalErr)
	d.onDone(status)
	return finalErr
}

func (d *Driver) debugf(format string, args ...interface{}) {
	if d.flags.PersistDebugPrints {
		d.log.Debugf(format, args...)
	}
}

// debugfUnsafe logs the start and the terminal step of a persist that may
// have been triggered from interrupt context (config.FeatureFlags doc
// comment explains the reentrancy hazard this accepts).
func (d *Driver) debugfUnsafe(format string, args ...interface{}) {
	if d.flags.PersistDebugUnsafePrints {
		d.log.Debugf(format, args...)
	}
}
