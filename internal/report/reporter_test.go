package report

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/bardlex/gominer/internal/messaging"
	"github.com/bardlex/gominer/internal/stats"
	"github.com/bardlex/gominer/internal/stratum"
	"github.com/bardlex/gominer/pkg/log"
)

type recorder struct {
	mu       sync.Mutex
	shares   []stats.ShareEvent
	rates    []stats.HashrateEvent
	statuses []any
	ttl      time.Duration
	sharesMQ []*messaging.ShareMessage
	ratesMQ  []*messaging.HashrateMessage
	topics   []string
}

func (r *recorder) RecordShare(_ context.Context, _ string, ev stats.ShareEvent) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.shares = append(r.shares, ev)
	return nil
}

func (r *recorder) RecordHashrate(_ context.Context, _ string, ev stats.HashrateEvent) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.rates = append(r.rates, ev)
	return nil
}

func (r *recorder) StoreStatus(_ context.Context, _ string, status any, ttl time.Duration) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.statuses = append(r.statuses, status)
	r.ttl = ttl
	return nil
}

func (r *recorder) PublishShare(_ context.Context, topic string, m *messaging.ShareMessage) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sharesMQ = append(r.sharesMQ, m)
	r.topics = append(r.topics, topic)
	return nil
}

func (r *recorder) PublishHashrate(_ context.Context, topic string, m *messaging.HashrateMessage) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.ratesMQ = append(r.ratesMQ, m)
	r.topics = append(r.topics, topic)
	return nil
}

func (r *recorder) waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		r.mu.Lock()
		ok := cond()
		r.mu.Unlock()
		if ok {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not reached")
}

type fixedPool struct{}

func (fixedPool) Status() stratum.Status {
	return stratum.Status{State: "connected", URL: "stratum+tcp://pool:3333", JobID: "j9"}
}

func TestReporterDeliversEvents(t *testing.T) {
	rec := &recorder{}
	cfg := Config{Worker: "rig", Topics: messaging.NewTopics("gominer"), StatusInterval: time.Hour}
	r := New(cfg, rec, rec, func() Status { return Status{Worker: "rig"} }, log.Nop())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		r.Run(ctx)
		close(done)
	}()

	r.OnShare(stats.ShareEvent{Accepted: false, Reason: "stale", AcceptedCount: 1, RejectedCount: 1})
	r.OnHashrate(stats.HashrateEvent{Worker: 2, Hashes: 1 << 20, Hashrate: 5e5, Elapsed: 2 * time.Second})

	rec.waitFor(t, func() bool {
		return len(rec.shares) == 1 && len(rec.rates) == 1 && len(rec.sharesMQ) == 1 &&
			len(rec.ratesMQ) == 1 && len(rec.statuses) == 1
	})
	cancel()
	<-done

	if m := rec.sharesMQ[0]; m.Worker != "rig" || m.Reason != "stale" || m.RejectedCount != 1 {
		t.Errorf("share message = %+v", m)
	}
	if m := rec.ratesMQ[0]; m.Device != 2 || m.ElapsedMs != 2000 {
		t.Errorf("hashrate message = %+v", m)
	}
	if rec.ttl != 3*time.Hour {
		t.Errorf("status ttl = %v", rec.ttl)
	}
	for _, topic := range rec.topics {
		if topic != "gominer.shares" && topic != "gominer.hashrate" {
			t.Errorf("unexpected topic %q", topic)
		}
	}
}

func TestReporterDropsWhenQueueFull(t *testing.T) {
	r := New(Config{QueueSize: 1}, nil, nil, nil, log.Nop())
	r.OnShare(stats.ShareEvent{})
	r.OnShare(stats.ShareEvent{})
	if len(r.events) != 1 {
		t.Errorf("queued %d events, want 1", len(r.events))
	}
}

func TestSnapshotter(t *testing.T) {
	st := stats.New(1, 1, log.Nop())
	st.RecordHashrate(0, 2_000_000, time.Second)

	s := NewSnapshotter("rig", fixedPool{}, st)
	s.now = func() time.Time { return time.Unix(1700000000, 0) }

	got := s.Snapshot()
	if got.Worker != "rig" || got.Pool.JobID != "j9" || got.Stats.Hashrate != 2e6 {
		t.Errorf("Snapshot() = %+v", got)
	}
	if got.Hashrate != "2000.00 kH/s" {
		t.Errorf("Hashrate = %q", got.Hashrate)
	}
	if !got.UpdatedAt.Equal(time.Unix(1700000000, 0)) {
		t.Errorf("UpdatedAt = %v", got.UpdatedAt)
	}
}
