// Package directory implements the object directory: the control-region
// table mapping every logically live ObjectId to its size and type tag
// (its storage slot is derived from the ObjectId itself, which doubles as
// the object's non-resident offset). It is kept as an in-RAM mirror
// backed by a B-tree (github.com/google/btree), rebuilt from storage at
// Heap.New and re-serialized on every persist_all — ordered iteration by
// ObjectId gives the persist writer deterministic output and serves
// range-scanning workloads more cheaply than re-sorting a map once the
// directory grows past a few hundred entries.
package directory

import (
	"encoding/binary"

	"github.com/google/btree"

	"github.com/markusgerber/vnvheap/nvalloc"
	"github.com/markusgerber/vnvheap/vnverrors"
)

// EntrySize is the fixed on-disk width of one directory entry: object_id
// u32, size u32, type_tag u16.
const EntrySize = 4 + 4 + 2

// Entry is one live object's directory record.
type Entry struct {
	ObjectID nvalloc.Offset
	Size     uint32
	TypeTag  uint16
}

func (e Entry) less(than btree.Item) bool {
	return e.ObjectID < than.(Entry).ObjectID
}

// Less implements btree.Item.
func (e Entry) Less(than btree.Item) bool { return e.less(than) }

// Directory is the in-RAM mirror of the on-disk object directory.
type Directory struct {
	tree *btree.BTree
}

// New constructs an empty Directory.
func New() *Directory {
	return &Directory{tree: btree.New(32)}
}

// Put inserts or replaces the entry for e.ObjectID.
func (d *Directory) Put(e Entry) {
	d.tree.ReplaceOrInsert(e)
}

// Remove deletes the entry for id, if present.
func (d *Directory) Remove(id nvalloc.Offset) {
	d.tree.Delete(Entry{ObjectID: id})
}

// Get returns the entry for id.
func (d *Directory) Get(id nvalloc.Offset) (Entry, bool) {
	item := d.tree.Get(Entry{ObjectID: id})
	if item == nil {
		return Entry{}, false
	}
	return item.(Entry), true
}

// Len returns the number of live entries.
func (d *Directory) Len() int { return d.tree.Len() }

// Each calls fn for every entry in ascending ObjectID order, stopping
// early if fn returns false.
func (d *Directory) Each(fn func(Entry) bool) {
	d.tree.Ascend(func(item btree.Item) bool {
		return fn(item.(Entry))
	})
}

// EncodedSize returns the total byte width Encode will produce: a 4-byte
// entry count followed by Len() fixed-width entries.
func (d *Directory) EncodedSize() int {
	return 4 + d.Len()*EntrySize
}

// Encode serializes the directory in ascending ObjectID order into dst,
// which must be at least EncodedSize() bytes.
func (d *Directory) Encode(dst []byte) {
	binary.LittleEndian.PutUint32(dst[:4], uint32(d.Len()))
	off := 4
	d.Each(func(e Entry) bool {
		binary.LittleEndian.PutUint32(dst[off:], uint32(e.ObjectID))
		binary.LittleEndian.PutUint32(dst[off+4:], e.Size)
		binary.LittleEndian.PutUint16(dst[off+8:], e.TypeTag)
		off += EntrySize
		return true
	})
}

// Decode parses a directory previously produced by Encode.
func Decode(src []byte) (*Directory, error) {
	if len(src) < 4 {
		return nil, vnverrors.ErrCorruptedImage
	}
	count := binary.LittleEndian.Uint32(src[:4])
	want := 4 + int(count)*EntrySize
	if len(src) < want {
		return nil, vnverrors.ErrCorruptedImage
	}
	d := New()
	off := 4
	for i := uint32(0); i < count; i++ {
		id := nvalloc.Offset(binary.LittleEndian.Uint32(src[off:]))
		size := binary.LittleEndian.Uint32(src[off+4:])
		tag := binary.LittleEndian.Uint16(src[off+8:])
		d.Put(Entry{ObjectID: id, Size: size, TypeTag: tag})
		off += EntrySize
	}
	return d, nil
}
