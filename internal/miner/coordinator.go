// Package miner runs one worker per compute device: it adopts shared work,
// scans the worker's nonce range batch by batch, re-validates candidates on
// the host and queues the shares.
package miner

import (
	"context"
	stderrors "errors"
	"math"
	"slices"
	"sync"
	"time"

	"github.com/remeh/sizedwaitgroup"

	"github.com/bardlex/gominer/internal/device"
	"github.com/bardlex/gominer/internal/stats"
	"github.com/bardlex/gominer/internal/stratum"
	"github.com/bardlex/gominer/internal/submit"
	"github.com/bardlex/gominer/internal/validation"
	"github.com/bardlex/gominer/internal/work"
	"github.com/bardlex/gominer/pkg/errors"
	"github.com/bardlex/gominer/pkg/log"
)

const (
	// DefaultMaxWorkAge is how old shared work may be before workers stop
	// using it and wait for the pool.
	DefaultMaxWorkAge = 120 * time.Second
	defaultIdlePause  = time.Second
	initParallelism   = 4
)

// WorkSource regenerates shared work once a worker exhausted its range
type WorkSource interface {
	GenerateWork(dst *work.Work) bool
}

// ShareSink takes validated shares. Push returns false once submission has
// shut down.
type ShareSink interface {
	Push(s *submit.Share) bool
}

// Config holds the coordinator settings
type Config struct {
	// WorkSize is the number of nonces per device batch.
	WorkSize   uint32
	TimeLimit  time.Duration
	MaxWorkAge time.Duration
	IdlePause  time.Duration
	// OnTimeLimit is called by worker 0 when the time limit is reached.
	OnTimeLimit func()
}

// Coordinator owns the devices and their workers
type Coordinator struct {
	cfg       Config
	state     *work.State
	source    WorkSource
	shares    ShareSink
	stats     *stats.Stats
	validator *validation.CandidateValidator
	devices   []device.Device
	logger    *log.Logger
	now       func() time.Time
}

// New creates a coordinator; devices[i] is driven by worker i and the
// shared state must carry one restart flag per device.
func New(cfg Config, state *work.State, source WorkSource, shares ShareSink, st *stats.Stats,
	validator *validation.CandidateValidator, devices []device.Device, logger *log.Logger) *Coordinator {
	if cfg.MaxWorkAge <= 0 {
		cfg.MaxWorkAge = DefaultMaxWorkAge
	}
	if cfg.IdlePause <= 0 {
		cfg.IdlePause = defaultIdlePause
	}
	return &Coordinator{
		cfg:       cfg,
		state:     state,
		source:    source,
		shares:    shares,
		stats:     st,
		validator: validator,
		devices:   devices,
		logger:    logger.WithComponent("miner"),
		now:       time.Now,
	}
}

// Run initializes every device, then mines until ctx ends, the time limit
// is reached or share submission shuts down. Devices are closed on return.
func (c *Coordinator) Run(ctx context.Context) error {
	if len(c.devices) == 0 {
		return errors.New(errors.ErrorTypeConfig, "miner_run", "no devices configured")
	}

	ready := c.initDevices(ctx)
	defer func() {
		for i, d := range c.devices {
			if err := d.Close(); err != nil {
				c.logger.WithError(err).Warn("failed to close device", "device_id", i)
			}
		}
	}()

	if !slices.Contains(ready, true) {
		return errors.New(errors.ErrorTypeDevice, "miner_run", "no device could be initialized")
	}

	var (
		wg   sync.WaitGroup
		mu   sync.Mutex
		errs []error
	)
	for i, d := range c.devices {
		if !ready[i] {
			continue
		}
		w := newWorker(i, len(c.devices), c.cfg.WorkSize, d, c.logger)
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := c.runWorker(ctx, w); err != nil {
				w.logger.WithError(err).Error("worker stopped")
				mu.Lock()
				errs = append(errs, err)
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	return stderrors.Join(errs...)
}

func (c *Coordinator) initDevices(ctx context.Context) []bool {
	ready := make([]bool, len(c.devices))
	swg := sizedwaitgroup.New(initParallelism)
	for i, d := range c.devices {
		i, d := i, d
		swg.Add()
		go func() {
			defer swg.Done()
			if err := d.Init(ctx); err != nil {
				c.logger.WithError(err).Error("device initialization failed", "device_id", i)
				return
			}
			ready[i] = true
		}()
	}
	swg.Wait()
	return ready
}

// Bench implements stratum.BenchSource with the first device's description
// and the summed hash rate.
func (c *Coordinator) Bench() stratum.BenchData {
	var info device.Info
	if len(c.devices) > 0 {
		info = c.devices[0].Info()
	}
	intensity := info.Intensity
	if intensity == 0 && c.cfg.WorkSize > 0 {
		intensity = math.Log2(float64(c.cfg.WorkSize))
	}
	return stratum.BenchData{
		Device:     info.Name,
		VendorID:   info.VendorID,
		Arch:       info.Arch,
		Freq:       info.Freq,
		MemFreq:    info.MemFreq,
		Power:      info.Power,
		KHashes:    c.stats.TotalHashrate() / 1e3,
		Intensity:  intensity,
		Throughput: c.cfg.WorkSize,
		Driver:     info.Driver,
	}
}

func (c *Coordinator) sleep(ctx context.Context) bool {
	t := time.NewTimer(c.cfg.IdlePause)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
