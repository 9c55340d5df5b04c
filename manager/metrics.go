package manager

import "time"

// Metrics is the optional sink the manager reports loads, syncs and
// evictions to when config.FeatureFlags.BenchmarksEnabled is set. Nothing
// in this module calls PersistCompleted: the persist driver reports its
// outcome only through the persist.Status passed to its completion
// callback. Any benchmark harness that consumes these numbers lives
// outside this module; NoopMetrics is the default so the core never
// depends on one being wired up.
type Metrics interface {
	ObjectLoaded(id uint32, size uint32)
	ObjectSynced(id uint32, size uint32)
	ObjectEvicted(id uint32, size uint32)
	PersistCompleted(d time.Duration, dirtyBytesWritten uint32)
}

// NoopMetrics discards every report.
type NoopMetrics struct{}

func (NoopMetrics) ObjectLoaded(uint32, uint32)            {}
func (NoopMetrics) ObjectSynced(uint32, uint32)            {}
func (NoopMetrics) ObjectEvicted(uint32, uint32)           {}
func (NoopMetrics) PersistCompleted(time.Duration, uint32) {}
