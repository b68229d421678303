package submit

import (
	"context"
	"time"

	"github.com/bardlex/gominer/internal/bitcoin"
	"github.com/bardlex/gominer/internal/stratum"
	"github.com/bardlex/gominer/internal/work"
	"github.com/bardlex/gominer/pkg/log"
	"github.com/bardlex/gominer/pkg/retry"
)

// Sender writes a share to the pool. It fails while the pool session is
// not ready for shares.
type Sender interface {
	SubmitShare(req *stratum.Request) error
}

// Submitter drains the share queue into mining.submit requests. Pool
// verdicts arrive asynchronously on the session.
type Submitter struct {
	user      string
	queue     *Queue
	state     *work.State
	sender    Sender
	retries   int
	failPause time.Duration
	logger    *log.Logger
}

// NewSubmitter creates a submitter. retries and failPause follow the pool
// reconnect policy: retries < 0 retries a failed send forever.
func NewSubmitter(user string, queue *Queue, state *work.State, sender Sender, retries int, failPause time.Duration, logger *log.Logger) *Submitter {
	return &Submitter{
		user:      user,
		queue:     queue,
		state:     state,
		sender:    sender,
		retries:   retries,
		failPause: failPause,
		logger:    logger.WithComponent("submit"),
	}
}

// Run submits shares until the stop marker, ctx cancellation or a send that
// fails past the retry budget. The queue is frozen on return and shares
// still queued are dropped.
func (s *Submitter) Run(ctx context.Context) error {
	defer func() {
		if dropped := s.queue.Freeze(); dropped > 0 {
			s.logger.Warn("dropping unsubmitted shares", "count", dropped)
		}
	}()

	for {
		share, ok := s.queue.Pop(ctx)
		if !ok {
			return nil
		}
		if err := s.submit(ctx, share); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			s.logger.WithError(err).Error("share submission failed, terminating submit loop")
			return err
		}
	}
}

func (s *Submitter) submit(ctx context.Context, share *Share) error {
	w := share.Work
	logger := s.logger.WithJob(w.JobID, w.Height)

	if !s.state.PrevHashMatches(w) {
		logger.Debug("discarding stale share", "device_id", share.Device)
		return nil
	}

	req := stratum.NewSubmitRequest(s.user, w.JobID, w.ExtraNonce2Hex(),
		bitcoin.WordHex(w.Data[bitcoin.NTimeIndex]),
		bitcoin.WordHex(w.Data[bitcoin.NonceIndex]))

	policy := retry.Fixed(s.retries, s.failPause)
	policy.OnRetry = func(attempt int, delay time.Duration, err error) {
		logger.WithError(err).Error("failed to send share", "attempt", attempt, "retry_after", delay.String())
	}

	if err := retry.Do(ctx, policy, func() error { return s.sender.SubmitShare(req) }); err != nil {
		return err
	}
	logger.Debug("share submitted",
		"device_id", share.Device,
		"nonce", req.Params[4],
		"share_diff", w.ShareDiff,
	)
	return nil
}
