package mesh

import (
	"time"

	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/disk"
	"github.com/shirou/gopsutil/v3/mem"

	"github.com/ssd-technologies/shard/internal/chunks"
	"github.com/ssd-technologies/shard/internal/storage"
)

// Telemetry is one host health sample sent with every heartbeat.
type Telemetry struct {
	SpaceTotal   uint64  `json:"space_total"`
	SpaceFree    uint64  `json:"space_free"`
	MemTotal     uint64  `json:"mem_total"`
	MemUsed      uint64  `json:"mem_used"`
	CPUPercent   float64 `json:"cpu_percent"`
	Objects      int64   `json:"objects"`
	ObjectBytes  int64   `json:"object_bytes"`
	OpenSessions int     `json:"open_sessions"`
	Timestamp    int64   `json:"timestamp"`
}

// IndexStats reports totals from the local object index.
type IndexStats interface {
	Stats() (*storage.Stats, error)
}

// SessionLister lists staged upload sessions.
type SessionLister interface {
	Sessions() ([]chunks.Session, error)
}

// Collector samples the host and the shard's own state. Any source may be
// nil; missing values are reported as zero.
type Collector struct {
	root     string
	index    IndexStats
	sessions SessionLister
	now      func() time.Time
}

// NewCollector returns a collector for the volume holding root.
func NewCollector(root string, index IndexStats, sessions SessionLister) *Collector {
	return &Collector{root: root, index: index, sessions: sessions, now: time.Now}
}

// Collect takes a sample. Sampling never fails; sources that error are
// left out.
func (c *Collector) Collect() Telemetry {
	t := Telemetry{Timestamp: c.now().Unix()}
	if du, err := disk.Usage(c.root); err == nil {
		t.SpaceTotal = du.Total
		t.SpaceFree = du.Free
	}
	if vm, err := mem.VirtualMemory(); err == nil {
		t.MemTotal = vm.Total
		t.MemUsed = vm.Used
	}
	if vals, err := cpu.Percent(0, false); err == nil && len(vals) > 0 {
		t.CPUPercent = vals[0]
	}
	if c.index != nil {
		if st, err := c.index.Stats(); err == nil {
			t.Objects = st.Objects
			t.ObjectBytes = st.Bytes
		}
	}
	if c.sessions != nil {
		if ss, err := c.sessions.Sessions(); err == nil {
			t.OpenSessions = len(ss)
		}
	}
	return t
}
