// Package work turns pool jobs into block header work and holds the state
// shared between the pool session and the device workers.
package work

import (
	"encoding/hex"

	"github.com/btcsuite/btcd/chaincfg/chainhash"

	"github.com/bardlex/gominer/internal/bitcoin"
	"github.com/bardlex/gominer/pkg/errors"
)

// Extranonce2 size limits accepted from a pool.
const (
	MinExtraNonce2Size = 2
	MaxExtraNonce2Size = 16
)

// Notify carries the fields of a mining.notify push as sent by the pool.
type Notify struct {
	JobID    string
	PrevHash string
	Coinb1   string
	Coinb2   string
	Merkle   []string
	Version  string
	NBits    string
	NTime    string
	Clean    bool
}

// ParseNotify reads the positional mining.notify params:
// job_id, prevhash, coinb1, coinb2, merkle branches, version, nbits, ntime, clean.
func ParseNotify(params []any) (*Notify, error) {
	const op = "parse_notify"

	if len(params) < 9 {
		return nil, errors.Newf(errors.ErrorTypeProtocol, op, "expected 9 params, got %d", len(params))
	}

	var n Notify
	fields := []*string{&n.JobID, &n.PrevHash, &n.Coinb1, &n.Coinb2}
	for i, dst := range fields {
		v, ok := params[i].(string)
		if !ok {
			return nil, errors.Newf(errors.ErrorTypeProtocol, op, "param %d is not a string", i)
		}
		*dst = v
	}

	branches, ok := params[4].([]any)
	if !ok {
		return nil, errors.New(errors.ErrorTypeProtocol, op, "merkle branches are not an array")
	}
	n.Merkle = make([]string, len(branches))
	for i, b := range branches {
		if n.Merkle[i], ok = b.(string); !ok {
			return nil, errors.Newf(errors.ErrorTypeProtocol, op, "merkle branch %d is not a string", i)
		}
	}

	fields = []*string{&n.Version, &n.NBits, &n.NTime}
	for i, dst := range fields {
		v, ok := params[5+i].(string)
		if !ok {
			return nil, errors.Newf(errors.ErrorTypeProtocol, op, "param %d is not a string", 5+i)
		}
		*dst = v
	}

	n.Clean, _ = params[8].(bool)
	return &n, nil
}

// Job is a pool job with its coinbase assembled around the extranonce window.
// A Job owns all of its buffers.
type Job struct {
	ID       string
	Coinbase []byte
	Branches []chainhash.Hash
	Fields   bitcoin.HeaderFields
	Clean    bool
	Diff     float64
	Height   uint32

	xnonce2Off int
	xnonce2Len int
}

// NewJob validates a notify and builds the job coinbase as
// coinb1 || extranonce1 || extranonce2 || coinb2. The extranonce2 counter is
// carried over from prev when the job id and size are unchanged and starts at
// zero otherwise.
func NewJob(n *Notify, xnonce1 []byte, xnonce2Size int, prev *Job) (*Job, error) {
	const op = "build_job"

	if n.JobID == "" {
		return nil, errors.New(errors.ErrorTypeProtocol, op, "missing job id")
	}
	if xnonce2Size < MinExtraNonce2Size || xnonce2Size > MaxExtraNonce2Size {
		return nil, errors.Newf(errors.ErrorTypeProtocol, op, "invalid extranonce2 size %d", xnonce2Size)
	}

	j := &Job{ID: n.JobID, Clean: n.Clean}

	if err := bitcoin.DecodeHexFixed(j.Fields.PrevHash[:], n.PrevHash); err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeProtocol, op, "invalid prevhash")
	}
	if err := bitcoin.DecodeHexFixed(j.Fields.Version[:], n.Version); err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeProtocol, op, "invalid version")
	}
	if err := bitcoin.DecodeHexFixed(j.Fields.NBits[:], n.NBits); err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeProtocol, op, "invalid nbits")
	}
	if err := bitcoin.DecodeHexFixed(j.Fields.NTime[:], n.NTime); err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeProtocol, op, "invalid ntime")
	}

	coinb1, err := hex.DecodeString(n.Coinb1)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeProtocol, op, "invalid coinb1")
	}
	coinb2, err := hex.DecodeString(n.Coinb2)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeProtocol, op, "invalid coinb2")
	}

	j.Branches = make([]chainhash.Hash, len(n.Merkle))
	for i, b := range n.Merkle {
		if err := bitcoin.DecodeHexFixed(j.Branches[i][:], b); err != nil {
			return nil, errors.Wrap(err, errors.ErrorTypeProtocol, op, "invalid merkle branch").
				WithContext("index", i)
		}
	}

	j.xnonce2Off = len(coinb1) + len(xnonce1)
	j.xnonce2Len = xnonce2Size
	j.Coinbase = make([]byte, 0, j.xnonce2Off+xnonce2Size+len(coinb2))
	j.Coinbase = append(j.Coinbase, coinb1...)
	j.Coinbase = append(j.Coinbase, xnonce1...)
	j.Coinbase = append(j.Coinbase, make([]byte, xnonce2Size)...)
	j.Coinbase = append(j.Coinbase, coinb2...)

	if prev != nil && prev.ID == j.ID && prev.xnonce2Len == xnonce2Size {
		copy(j.ExtraNonce2(), prev.ExtraNonce2())
	}

	j.Height = bitcoin.CoinbaseHeight(j.Coinbase)
	return j, nil
}

// ExtraNonce2 returns the extranonce2 window inside the coinbase.
func (j *Job) ExtraNonce2() []byte {
	return j.Coinbase[j.xnonce2Off : j.xnonce2Off+j.xnonce2Len]
}

// IncrementExtraNonce2 adds one to extranonce2 as a big-endian integer of its
// full width, wrapping to zero.
func (j *Job) IncrementExtraNonce2() {
	IncrementBE(j.ExtraNonce2())
}

// IncrementBE increments b as a fixed-width big-endian integer.
func IncrementBE(b []byte) {
	for i := len(b) - 1; i >= 0; i-- {
		b[i]++
		if b[i] != 0 {
			return
		}
	}
}

// Clone returns a deep copy of the job.
func (j *Job) Clone() *Job {
	c := *j
	c.Coinbase = append([]byte(nil), j.Coinbase...)
	c.Branches = append([]chainhash.Hash(nil), j.Branches...)
	return &c
}
