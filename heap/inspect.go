package heap

import (
	"github.com/markusgerber/vnvheap/config"
	"github.com/markusgerber/vnvheap/internal/directory"
	"github.com/markusgerber/vnvheap/storage"
)

// Report is a read-only snapshot of a storage image's superblock and
// directory, for tooling that wants to look inside an image without
// opening a full Heap (and without risking a write to it).
type Report struct {
	Magic          uint32
	Version        uint16
	StoredDigest   uint32
	ExpectedDigest uint32
	DigestMatches  bool
	Entries        []directory.Entry
}

// Inspect reads store's superblock and, if its digest matches cfg,
// decodes the directory that follows it. It never writes to store.
func Inspect(store storage.Storage, cfg config.HeapConfig) (Report, error) {
	l := computeLayout(cfg)

	hdr := make([]byte, superblockFixedSize)
	if err := store.Read(0, hdr); err != nil {
		return Report{}, err
	}
	magic, version, digest := decodeSuperblockHeader(hdr)

	rep := Report{
		Magic:          magic,
		Version:        version,
		StoredDigest:   digest,
		ExpectedDigest: cfg.ConfigDigest(),
	}
	rep.DigestMatches = magic == Magic && version == Version && digest == rep.ExpectedDigest
	if !rep.DigestMatches {
		return rep, nil
	}

	dirBuf := make([]byte, l.directorySize)
	if err := store.Read(l.directoryOffset, dirBuf); err != nil {
		return rep, err
	}
	dir, err := directory.Decode(dirBuf)
	if err != nil {
		return rep, err
	}
	dir.Each(func(e directory.Entry) bool {
		rep.Entries = append(rep.Entries, e)
		return true
	})
	return rep, nil
}
