// Package stats keeps the in-memory mining counters: per-worker hash rates,
// share verdicts and the share difficulty factor.
package stats

import (
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/hako/durafmt"

	"github.com/bardlex/gominer/pkg/log"
)

// lowDifficultyReason prefixes the reject reason that lowers the diff factor
const lowDifficultyReason = "low difficulty share"

// ShareEvent describes one pool verdict
type ShareEvent struct {
	Accepted      bool
	Reason        string
	AcceptedCount uint64
	RejectedCount uint64
	Rate          string
	Hashrate      float64
	DiffFactor    float64
	Time          time.Time
}

// HashrateEvent describes one finished scan segment of a worker
type HashrateEvent struct {
	Worker   int
	Hashes   uint64
	Hashrate float64
	Elapsed  time.Duration
	Time     time.Time
}

// Observer receives counter updates. Calls happen outside the stats lock
// on the goroutine that produced the update.
type Observer interface {
	OnShare(ev ShareEvent)
	OnHashrate(ev HashrateEvent)
}

// WorkerSnapshot is the last segment of one worker
type WorkerSnapshot struct {
	Worker    int     `json:"worker"`
	HashCount uint64  `json:"hash_count"`
	Hashrate  float64 `json:"hashrate"`
}

// Snapshot is a consistent copy of all counters
type Snapshot struct {
	Accepted   uint64           `json:"accepted"`
	Rejected   uint64           `json:"rejected"`
	HashCount  uint64           `json:"hash_count"`
	Hashrate   float64          `json:"hashrate"`
	DiffFactor float64          `json:"diff_factor"`
	Workers    []WorkerSnapshot `json:"workers"`
	Uptime     string           `json:"uptime"`
}

// Stats is safe for concurrent use
type Stats struct {
	mu         sync.Mutex
	hashCount  []uint64
	hashRate   []float64
	accepted   uint64
	rejected   uint64
	diffFactor float64
	started    time.Time

	observers []Observer
	logger    *log.Logger
	now       func() time.Time
}

// New creates counters for the given number of workers
func New(workers int, diffFactor float64, logger *log.Logger) *Stats {
	if diffFactor <= 0 {
		diffFactor = 1
	}
	return &Stats{
		hashCount:  make([]uint64, workers),
		hashRate:   make([]float64, workers),
		diffFactor: diffFactor,
		started:    time.Now(),
		logger:     logger.WithComponent("stats"),
		now:        time.Now,
	}
}

// AddObserver registers o. Call before mining starts.
func (s *Stats) AddObserver(o Observer) {
	s.observers = append(s.observers, o)
}

// RecordHashrate stores the result of one scan segment of worker.
func (s *Stats) RecordHashrate(worker int, hashes uint64, elapsed time.Duration) {
	if elapsed <= 0 || worker < 0 || worker >= len(s.hashRate) {
		return
	}
	rate := float64(hashes) / elapsed.Seconds()

	s.mu.Lock()
	s.hashCount[worker] = hashes
	s.hashRate[worker] = rate
	s.mu.Unlock()

	s.logger.LogHashrate(worker, FormatHashrate(rate))

	ev := HashrateEvent{Worker: worker, Hashes: hashes, Hashrate: rate, Elapsed: elapsed, Time: s.now()}
	for _, o := range s.observers {
		o.OnHashrate(ev)
	}
}

// ShareResult records a pool verdict. A "low difficulty share" rejection
// lowers the diff factor to two thirds and returns false.
func (s *Stats) ShareResult(accepted bool, reason string) bool {
	s.mu.Lock()
	if accepted {
		s.accepted++
	} else {
		s.rejected++
	}
	acc, rej := s.accepted, s.rejected
	var hashrate float64
	for _, r := range s.hashRate {
		hashrate += r
	}

	lowered := reason != "" && strings.HasPrefix(reason, lowDifficultyReason)
	if lowered {
		s.diffFactor = s.diffFactor * 2 / 3
	}
	factor := s.diffFactor
	s.mu.Unlock()

	rate := FormatRate(accepted, acc, rej)
	count := acc
	if !accepted {
		count = rej
	}
	s.logger.LogShareResult(accepted, count, acc+rej, rate, FormatHashrate(hashrate), reason)
	if lowered {
		s.logger.Warn("share difficulty factor reduced", "factor", fmt.Sprintf("%.2f", factor))
	}

	ev := ShareEvent{
		Accepted:      accepted,
		Reason:        reason,
		AcceptedCount: acc,
		RejectedCount: rej,
		Rate:          rate,
		Hashrate:      hashrate,
		DiffFactor:    factor,
		Time:          s.now(),
	}
	for _, o := range s.observers {
		o.OnShare(ev)
	}
	return !lowered
}

// DiffFactor returns the current share difficulty factor
func (s *Stats) DiffFactor() float64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.diffFactor
}

// TotalHashrate returns the sum of the last per-worker rates in H/s
func (s *Stats) TotalHashrate() float64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	var total float64
	for _, r := range s.hashRate {
		total += r
	}
	return total
}

// WorkerHashrate returns the last rate of one worker in H/s
func (s *Stats) WorkerHashrate(worker int) float64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	if worker < 0 || worker >= len(s.hashRate) {
		return 0
	}
	return s.hashRate[worker]
}

// Snapshot copies the counters
func (s *Stats) Snapshot() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()

	snap := Snapshot{
		Accepted:   s.accepted,
		Rejected:   s.rejected,
		DiffFactor: s.diffFactor,
		Workers:    make([]WorkerSnapshot, len(s.hashRate)),
		Uptime:     durafmt.Parse(s.now().Sub(s.started).Round(time.Second)).String(),
	}
	for i := range s.hashRate {
		snap.Workers[i] = WorkerSnapshot{Worker: i, HashCount: s.hashCount[i], Hashrate: s.hashRate[i]}
		snap.HashCount += s.hashCount[i]
		snap.Hashrate += s.hashRate[i]
	}
	return snap
}

// FormatRate renders the share acceptance line percentage. An accepted
// verdict shows the accepted share, where exactly 100 prints as "100" and
// anything below is capped at 99.9. A rejection shows the rejected share,
// never below 0.1.
func FormatRate(accepted bool, acceptedCount, rejectedCount uint64) string {
	total := acceptedCount + rejectedCount
	if total == 0 {
		return "0.0"
	}
	if accepted {
		rate := 100 * float64(acceptedCount) / float64(total)
		if rate == 100 {
			return "100"
		}
		return fmt.Sprintf("%.1f", min(rate, 99.9))
	}
	rate := 100 * float64(rejectedCount) / float64(total)
	return fmt.Sprintf("%.1f", max(rate, 0.1))
}

// ScaleHashrate scales h for display and returns the unit prefix:
// none below 1e4, then k, M, G and T.
func ScaleHashrate(h float64) (float64, string) {
	switch {
	case h < 1e4:
		return h, ""
	case h < 1e7:
		return h / 1e3, "k"
	case h < 1e10:
		return h / 1e6, "M"
	case h < 1e13:
		return h / 1e9, "G"
	default:
		return h / 1e12, "T"
	}
}

// FormatHashrate renders a rate in H/s like "12.34 kH/s"
func FormatHashrate(h float64) string {
	v, unit := ScaleHashrate(h)
	return fmt.Sprintf("%.2f %sH/s", v, unit)
}
