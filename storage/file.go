package storage

import (
	"os"

	"golang.org/x/sys/unix"

	"github.com/markusgerber/vnvheap/vnverrors"
)

// File is a reference Storage backed by a regular file, for running the
// engine against a real filesystem in development rather than simulated
// FRAM. Flush calls unix.Fdatasync for a genuine durability barrier; unlike
// Memory, this implementation cannot treat Flush as a no-op.
type File struct {
	f        *os.File
	capacity uint32
}

// OpenFile opens or creates path, truncating or extending it to capacity
// bytes so offsets up to Capacity() are always addressable.
func OpenFile(path string, capacity uint32) (*File, error) {
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0o600)
	if err != nil {
		return nil, vnverrors.ErrIoFatal
	}
	if err := f.Truncate(int64(capacity)); err != nil {
		f.Close()
		return nil, vnverrors.ErrIoFatal
	}
	return &File{f: f, capacity: capacity}, nil
}

func (s *File) Read(off uint32, dst []byte) error {
	if _, err := s.f.ReadAt(dst, int64(off)); err != nil {
		return vnverrors.ErrIoTransient
	}
	return nil
}

func (s *File) Write(off uint32, src []byte) error {
	if _, err := s.f.WriteAt(src, int64(off)); err != nil {
		return vnverrors.ErrIoTransient
	}
	return nil
}

func (s *File) Flush() error {
	if err := unix.Fdatasync(int(s.f.Fd())); err != nil {
		return vnverrors.ErrIoFatal
	}
	return nil
}

func (s *File) Capacity() uint32 { return s.capacity }

// Close releases the underlying file descriptor.
func (s *File) Close() error {
	return s.f.Close()
}
