// Package report forwards mining counters to the telemetry sinks: share and
// hash rate events to Kafka, metrics and the periodic status to the stores.
package report

import (
	"context"
	"time"

	"github.com/remeh/sizedwaitgroup"

	"github.com/bardlex/gominer/internal/messaging"
	"github.com/bardlex/gominer/internal/stats"
	"github.com/bardlex/gominer/pkg/log"
)

const (
	defaultQueueSize = 256
	defaultWorkers   = 4
	sinkTimeout      = 10 * time.Second
)

// Store persists metrics and the status snapshot
type Store interface {
	RecordShare(ctx context.Context, worker string, ev stats.ShareEvent) error
	RecordHashrate(ctx context.Context, worker string, ev stats.HashrateEvent) error
	StoreStatus(ctx context.Context, worker string, status any, ttl time.Duration) error
}

// Publisher streams events
type Publisher interface {
	PublishShare(ctx context.Context, topic string, m *messaging.ShareMessage) error
	PublishHashrate(ctx context.Context, topic string, m *messaging.HashrateMessage) error
}

// Config holds the reporter settings
type Config struct {
	Worker         string
	Topics         messaging.Topics
	StatusInterval time.Duration
	QueueSize      int
	Workers        int
}

// event is one queued update; exactly one field is set
type event struct {
	share    *stats.ShareEvent
	hashrate *stats.HashrateEvent
}

// Reporter implements stats.Observer. Events are queued and delivered by a
// bounded pool of goroutines so the mining path never waits on a sink; when
// the queue is full the event is dropped.
type Reporter struct {
	cfg    Config
	store  Store
	pub    Publisher
	status func() Status
	events chan event
	logger *log.Logger
}

// New creates a reporter. store and pub may be nil to disable them.
func New(cfg Config, store Store, pub Publisher, status func() Status, logger *log.Logger) *Reporter {
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = defaultQueueSize
	}
	if cfg.Workers <= 0 {
		cfg.Workers = defaultWorkers
	}
	return &Reporter{
		cfg:    cfg,
		store:  store,
		pub:    pub,
		status: status,
		events: make(chan event, cfg.QueueSize),
		logger: logger.WithComponent("report"),
	}
}

// OnShare queues a share verdict
func (r *Reporter) OnShare(ev stats.ShareEvent) {
	r.enqueue(event{share: &ev})
}

// OnHashrate queues a scan segment rate
func (r *Reporter) OnHashrate(ev stats.HashrateEvent) {
	r.enqueue(event{hashrate: &ev})
}

func (r *Reporter) enqueue(ev event) {
	select {
	case r.events <- ev:
	default:
		r.logger.Debug("telemetry queue full, dropping event")
	}
}

// Run delivers events and stores the status snapshot every StatusInterval
// until ctx ends.
func (r *Reporter) Run(ctx context.Context) {
	swg := sizedwaitgroup.New(r.cfg.Workers)
	for i := 0; i < r.cfg.Workers; i++ {
		swg.Add()
		go func() {
			defer swg.Done()
			r.deliverLoop(ctx)
		}()
	}
	r.logger.Info("started telemetry workers", "count", r.cfg.Workers)

	if r.store != nil && r.status != nil && r.cfg.StatusInterval > 0 {
		ticker := time.NewTicker(r.cfg.StatusInterval)
		defer ticker.Stop()
		r.storeStatus(ctx)
	loop:
		for {
			select {
			case <-ctx.Done():
				break loop
			case <-ticker.C:
				r.storeStatus(ctx)
			}
		}
	}

	swg.Wait()
}

func (r *Reporter) deliverLoop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev := <-r.events:
			r.deliver(ctx, ev)
		}
	}
}

func (r *Reporter) deliver(ctx context.Context, ev event) {
	ctx, cancel := context.WithTimeout(ctx, sinkTimeout)
	defer cancel()

	switch {
	case ev.share != nil:
		if r.store != nil {
			if err := r.store.RecordShare(ctx, r.cfg.Worker, *ev.share); err != nil {
				r.logger.WithError(err).Warn("failed to record share")
			}
		}
		if r.pub != nil {
			if err := r.pub.PublishShare(ctx, r.cfg.Topics.Shares, shareMessage(r.cfg.Worker, ev.share)); err != nil {
				r.logger.WithError(err).Warn("failed to publish share event")
			}
		}
	case ev.hashrate != nil:
		if r.store != nil {
			if err := r.store.RecordHashrate(ctx, r.cfg.Worker, *ev.hashrate); err != nil {
				r.logger.WithError(err).Warn("failed to record hashrate")
			}
		}
		if r.pub != nil {
			if err := r.pub.PublishHashrate(ctx, r.cfg.Topics.Hashrate, hashrateMessage(r.cfg.Worker, ev.hashrate)); err != nil {
				r.logger.WithError(err).Warn("failed to publish hashrate event")
			}
		}
	}
}

func (r *Reporter) storeStatus(ctx context.Context) {
	ctx, cancel := context.WithTimeout(ctx, sinkTimeout)
	defer cancel()

	// Expires after three missed refreshes.
	ttl := 3 * r.cfg.StatusInterval
	if err := r.store.StoreStatus(ctx, r.cfg.Worker, r.status(), ttl); err != nil {
		r.logger.WithError(err).Warn("failed to store status")
	}
}

func shareMessage(worker string, ev *stats.ShareEvent) *messaging.ShareMessage {
	return &messaging.ShareMessage{
		Worker:        worker,
		Accepted:      ev.Accepted,
		Reason:        ev.Reason,
		AcceptedCount: ev.AcceptedCount,
		RejectedCount: ev.RejectedCount,
		Hashrate:      ev.Hashrate,
		DiffFactor:    ev.DiffFactor,
		ReportedAt:    ev.Time,
	}
}

func hashrateMessage(worker string, ev *stats.HashrateEvent) *messaging.HashrateMessage {
	return &messaging.HashrateMessage{
		Worker:     worker,
		Device:     ev.Worker,
		Hashes:     ev.Hashes,
		Hashrate:   ev.Hashrate,
		ElapsedMs:  float64(ev.Elapsed) / float64(time.Millisecond),
		ReportedAt: ev.Time,
	}
}
