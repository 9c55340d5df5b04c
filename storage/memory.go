package storage

import (
	"github.com/markusgerber/vnvheap/vnverrors"
)

// Memory is an in-RAM Storage used by tests and by hosts that model FRAM
// directly as addressable memory. Flush is a no-op: every Write is
// already visible, matching byte-persistent media such as FRAM.
type Memory struct {
	bytes []byte
}

// NewMemory allocates a zero-filled Memory of the given capacity.
func NewMemory(capacity uint32) *Memory {
	return &Memory{bytes: make([]byte, capacity)}
}

// Snapshot returns a copy of the underlying bytes, useful for tests that
// want to simulate a crash by forking the image before a mutation that is
// never persisted.
func (m *Memory) Snapshot() []byte {
	out := make([]byte, len(m.bytes))
	copy(out, m.bytes)
	return out
}

// NewMemoryFromSnapshot rehydrates a Memory from bytes captured by
// Snapshot, modeling a reboot against the same physical image.
func NewMemoryFromSnapshot(b []byte) *Memory {
	out := make([]byte, len(b))
	copy(out, b)
	return &Memory{bytes: out}
}

func (m *Memory) Read(off uint32, dst []byte) error {
	if uint64(off)+uint64(len(dst)) > uint64(len(m.bytes)) {
		return vnverrors.ErrIoFatal
	}
	copy(dst, m.bytes[off:off+uint32(len(dst))])
	return nil
}

func (m *Memory) Write(off uint32, src []byte) error {
	if uint64(off)+uint64(len(src)) > uint64(len(m.bytes)) {
		return vnverrors.ErrIoFatal
	}
	copy(m.bytes[off:off+uint32(len(src))], src)
	return nil
}

func (m *Memory) Flush() error { return nil }

func (m *Memory) Capacity() uint32 { return uint32(len(m.bytes)) }
