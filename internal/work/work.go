package work

import (
	"encoding/hex"

	"github.com/bardlex/gominer/internal/bitcoin"
)

// DiffScale converts pool share difficulty to the target difficulty of the
// Lyra2RE family.
const DiffScale = 256.0

// Work is a block header ready for a device plus the bookkeeping needed to
// submit shares found on it. Copies never share the extranonce2 buffer.
type Work struct {
	Data        [bitcoin.HeaderWords]uint32
	Target      bitcoin.Target
	TargetDiff  float64
	ShareRatio  float64
	ShareDiff   float64
	NetDiff     float64
	Height      uint32
	JobID       string
	ExtraNonce2 []byte
	Clean       bool
}

// Build fills w from job, then advances the job extranonce2 so the next build
// covers a fresh coinbase. Callers hold the session work lock.
func Build(job *Job, w *Work, diffFactor float64) {
	if diffFactor <= 0 {
		diffFactor = 1
	}

	w.JobID = job.ID
	w.ExtraNonce2 = append(w.ExtraNonce2[:0], job.ExtraNonce2()...)
	w.Height = job.Height
	w.Clean = job.Clean

	root := bitcoin.MerkleRoot(job.Coinbase, job.Branches)
	job.IncrementExtraNonce2()

	bitcoin.AssembleHeader(w.Data[:], &job.Fields, root)
	w.NetDiff = bitcoin.NetworkDifficulty(w.Data[bitcoin.NBitsIndex])
	w.SetTarget(job.Diff / (DiffScale * diffFactor))
	w.ShareRatio = 0
	w.ShareDiff = 0
}

// SetTarget sets the share target from a target difficulty.
func (w *Work) SetTarget(diff float64) {
	w.Target = bitcoin.DiffToTarget(diff)
	w.TargetDiff = diff
}

// RecordShareHash stores how far below the target a found hash landed.
func (w *Work) RecordShareHash(hash [8]uint32) {
	w.ShareRatio = bitcoin.HashTargetRatio(hash, w.Target)
	w.ShareDiff = w.TargetDiff * w.ShareRatio
}

// CopyFrom makes w a deep copy of src.
func (w *Work) CopyFrom(src *Work) {
	buf := w.ExtraNonce2
	*w = *src
	w.ExtraNonce2 = append(buf[:0], src.ExtraNonce2...)
}

// Clone returns a deep copy of w.
func (w *Work) Clone() *Work {
	c := new(Work)
	c.CopyFrom(w)
	return c
}

// SameJobWords reports whether the header words before the nonce match.
func (w *Work) SameJobWords(o *Work) bool {
	return [bitcoin.JobWords]uint32(w.Data[:bitcoin.JobWords]) ==
		[bitcoin.JobWords]uint32(o.Data[:bitcoin.JobWords])
}

// SamePrevHash reports whether both headers build on the same block.
func (w *Work) SamePrevHash(o *Work) bool {
	return [8]uint32(w.Data[bitcoin.PrevHashIndex:bitcoin.MerkleIndex]) ==
		[8]uint32(o.Data[bitcoin.PrevHashIndex:bitcoin.MerkleIndex])
}

// Empty reports whether w has never been filled.
func (w *Work) Empty() bool {
	return w.Data[bitcoin.VersionIndex] == 0
}

// ExtraNonce2Hex is the extranonce2 in submit form.
func (w *Work) ExtraNonce2Hex() string {
	return hex.EncodeToString(w.ExtraNonce2)
}
