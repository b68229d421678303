package miner

import (
	"context"
	"time"

	"github.com/bardlex/gominer/internal/bitcoin"
	"github.com/bardlex/gominer/internal/device"
	"github.com/bardlex/gominer/internal/hashing"
	"github.com/bardlex/gominer/internal/submit"
	"github.com/bardlex/gominer/internal/validation"
	"github.com/bardlex/gominer/internal/work"
	"github.com/bardlex/gominer/pkg/errors"
	"github.com/bardlex/gominer/pkg/log"
)

// worker is the per-device state. Its work copy is private.
type worker struct {
	id      int
	dev     device.Device
	rng     work.Range
	work    work.Work
	numRuns uint32
	started time.Time
	logger  *log.Logger
}

func newWorker(id, workers int, batch uint32, dev device.Device, logger *log.Logger) *worker {
	return &worker{
		id:     id,
		dev:    dev,
		rng:    work.Partition(id, workers, batch),
		logger: logger.WithDevice(id, dev.Info().Name),
	}
}

func (w *worker) exhausted() bool {
	return w.numRuns >= w.rng.MaxRuns
}

// runWorker is the mining loop of one device. It returns nil when ctx ends,
// the time limit stops mining or the share queue is closed.
func (c *Coordinator) runWorker(ctx context.Context, w *worker) error {
	for ctx.Err() == nil {
		if err := c.state.WaitFresh(ctx, c.cfg.MaxWorkAge); err != nil {
			return nil
		}

		c.state.Do(func(cur *work.Work) {
			if w.exhausted() {
				c.source.GenerateWork(cur)
			}
			if !cur.SameJobWords(&w.work) && (cur.Clean || w.exhausted() || cur.JobID != w.work.JobID) {
				w.work.CopyFrom(cur)
				w.numRuns = 0
			}
			// A flag raised after this point comes with newer work.
			c.state.ClearRestart(w.id)
		})

		// Nothing new to scan until the pool sends a job.
		if w.work.Empty() || w.exhausted() {
			if !c.sleep(ctx) {
				return nil
			}
			continue
		}

		if c.cfg.TimeLimit > 0 && !w.started.IsZero() && c.now().Sub(w.started) > c.cfg.TimeLimit {
			if w.id != 0 {
				if !c.sleep(ctx) {
					return nil
				}
				continue
			}
			w.logger.Info("mining time limit reached, exiting", "limit", c.cfg.TimeLimit.String())
			if c.cfg.OnTimeLimit != nil {
				c.cfg.OnTimeLimit()
			}
			return nil
		}
		if w.started.IsZero() {
			w.started = c.now()
		}

		found, err := c.scan(ctx, w)
		if err != nil {
			return err
		}
		if !c.forward(w, found) {
			return nil
		}
	}
	return nil
}

// scanResult is what one scan segment produced
type scanResult struct {
	candidates []validation.Candidate
	count      uint32
}

// scan runs batches over the worker range until a share is found, the range
// is exhausted, a restart is requested or ctx ends, then records the hash rate.
func (c *Coordinator) scan(ctx context.Context, w *worker) (scanResult, error) {
	var res scanResult

	begin := c.now()
	firstRun := w.numRuns

	if w.numRuns == 0 {
		k := device.KernelData{
			H:     hashing.Midstate(w.work.Data[:]),
			In16:  w.work.Data[16],
			In17:  w.work.Data[17],
			In18:  w.work.Data[18],
			HTarg: w.work.Target[7],
		}
		if err := w.dev.SetKernelData(k); err != nil {
			return res, err
		}
	}

	nonce := w.rng.Start(w.numRuns)
	for {
		if err := w.dev.RunBatch(nonce, w.rng.Batch); err != nil {
			return res, err
		}

		count, first, err := w.dev.CandidateCountAndFirst()
		if err != nil {
			return res, err
		}
		if count != 0 {
			found, err := c.validate(w, nonce, count, first)
			if err != nil {
				return res, err
			}
			if len(found) > 0 {
				res.candidates, res.count = found, count
				w.numRuns++
				break
			}
			if err := w.dev.ClearCandidates(count); err != nil {
				return res, err
			}
		}

		nonce += w.rng.Batch
		w.numRuns++
		if w.exhausted() || c.state.Restarting(w.id) || ctx.Err() != nil {
			break
		}
	}

	hashes := uint64(w.numRuns-firstRun) * uint64(w.rng.Batch)
	c.stats.RecordHashrate(w.id, hashes, c.now().Sub(begin))
	return res, nil
}

// validate re-checks every reported candidate of a batch, the first one
// included, and returns those that meet the work target.
func (c *Coordinator) validate(w *worker, batchStart, count, first uint32) ([]validation.Candidate, error) {
	var found []validation.Candidate

	check := func(index uint32) error {
		if index >= w.rng.Batch {
			w.logger.Warn("device reported an index outside the batch", "index", index)
			return nil
		}
		result, err := w.dev.ResultAt(index)
		if err != nil {
			return err
		}
		cand, ok := c.validator.Validate(index, batchStart, result, w.work.Target)
		if !ok {
			w.logger.Debug("discarding false positive", "nonce", batchStart+index)
			return nil
		}
		found = append(found, cand)
		return nil
	}

	if err := check(first); err != nil {
		return nil, err
	}
	if count > 1 {
		indices, err := w.dev.CandidateIndices(count-1, 2)
		if err != nil {
			return nil, err
		}
		for _, idx := range indices {
			if err := check(idx); err != nil {
				return nil, err
			}
		}
	}
	return found, nil
}

// forward queues one share per validated nonce and clears the device
// register. It returns false once the share queue no longer accepts work.
func (c *Coordinator) forward(w *worker, res scanResult) bool {
	if len(res.candidates) == 0 {
		return true
	}

	for _, cand := range res.candidates {
		share := w.work.Clone()
		share.Data[bitcoin.NonceIndex] = cand.Nonce
		share.RecordShareHash(cand.Hash)

		if !c.shares.Push(&submit.Share{Work: share, Device: w.id}) {
			w.logger.Warn("failed to submit share, submission has stopped")
			return false
		}
		w.logger.Info("share found",
			"job_id", share.JobID,
			"nonce", bitcoin.WordHex(cand.Nonce),
			"share_diff", share.ShareDiff,
		)
	}

	if err := w.dev.ClearCandidates(res.count); err != nil {
		w.logger.WithError(errors.Wrap(err, errors.ErrorTypeDevice, "clear_candidates", "failed to clear register")).
			Warn("device register not cleared")
	}
	return true
}
