// Package object defines the resident object metadata header: a
// 3-byte-minimum record living in the RAM buffer immediately before every
// resident payload. The header itself holds only what must be inspectable
// without consulting the manager's side tables — the manager's resident
// map is still the source of truth for pin counts and the storage slot,
// neither of which are needed on the hot read/write path through a guard.
package object

// HeaderSize is the on-the-wire size of Header in the RAM buffer.
const HeaderSize = 3

const (
	flagDirty  = 1 << 0
	flagLocked = 1 << 1
)

// Header is the per-object record stored inline in the RAM buffer. Index
// is the object's slot in the manager's resident table (not its ObjectId,
// which is wider than fits in the 2 spare bytes this header budgets);
// the manager looks up the full ObjectId and storage slot from Index.
type Header struct {
	Index uint16
	Dirty bool
	Locked bool
}

// Encode writes the header's 3-byte wire form into dst, which must be at
// least HeaderSize bytes.
func (h Header) Encode(dst []byte) {
	dst[0] = byte(h.Index)
	dst[1] = byte(h.Index >> 8)
	var flags byte
	if h.Dirty {
		flags |= flagDirty
	}
	if h.Locked {
		flags |= flagLocked
	}
	dst[2] = flags
}

// Decode parses a Header from its 3-byte wire form.
func Decode(src []byte) Header {
	index := uint16(src[0]) | uint16(src[1])<<8
	flags := src[2]
	return Header{
		Index:  index,
		Dirty:  flags&flagDirty != 0,
		Locked: flags&flagLocked != 0,
	}
}
