package report

import (
	"time"

	"github.com/bardlex/gominer/internal/stats"
	"github.com/bardlex/gominer/internal/stratum"
)

// Status is the miner snapshot served by the API and stored in Redis
type Status struct {
	Worker    string         `json:"worker"`
	Pool      stratum.Status `json:"pool"`
	Stats     stats.Snapshot `json:"stats"`
	Hashrate  string         `json:"hashrate"`
	UpdatedAt time.Time      `json:"updated_at"`
}

// PoolStatus is implemented by the Stratum session
type PoolStatus interface {
	Status() stratum.Status
}

// Snapshotter assembles Status from the live session and counters
type Snapshotter struct {
	Worker string
	Pool   PoolStatus
	Stats  *stats.Stats
	now    func() time.Time
}

// NewSnapshotter creates a snapshotter for worker
func NewSnapshotter(worker string, pool PoolStatus, st *stats.Stats) *Snapshotter {
	return &Snapshotter{Worker: worker, Pool: pool, Stats: st, now: time.Now}
}

// Snapshot returns the current status
func (s *Snapshotter) Snapshot() Status {
	snap := s.Stats.Snapshot()
	return Status{
		Worker:    s.Worker,
		Pool:      s.Pool.Status(),
		Stats:     snap,
		Hashrate:  stats.FormatHashrate(snap.Hashrate),
		UpdatedAt: s.now().UTC(),
	}
}
