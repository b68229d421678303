// Package validation re-checks device-reported candidates on the host before
// they can become shares. Devices produce false positives, so no candidate
// reaches the pool on the device's word alone.
package validation

import (
	"strings"

	"github.com/bardlex/gominer/internal/bitcoin"
	"github.com/bardlex/gominer/internal/hashing"
	"github.com/bardlex/gominer/pkg/errors"
)

// Supported algorithm names
const (
	AlgoLyra2REv2 = "Lyra2REv2"
	AlgoLyra2REv3 = "Lyra2REv3"
)

// Finalizer turns the device's intermediate result into the final hash.
type Finalizer func(in [8]uint32) [8]uint32

// CandidateValidator finalizes device results and compares them to the
// share target
type CandidateValidator struct {
	algorithm string
	finalize  Finalizer
}

// NewCandidateValidator returns the validator for an algorithm. Both
// Lyra2RE variants end in a BMW-256 round computed here.
func NewCandidateValidator(algorithm string) (*CandidateValidator, error) {
	switch {
	case strings.EqualFold(algorithm, AlgoLyra2REv2):
		return &CandidateValidator{algorithm: AlgoLyra2REv2, finalize: hashing.BMW256}, nil
	case strings.EqualFold(algorithm, AlgoLyra2REv3):
		return &CandidateValidator{algorithm: AlgoLyra2REv3, finalize: hashing.BMW256}, nil
	default:
		return nil, errors.Newf(errors.ErrorTypeValidation, "new_validator", "unsupported algorithm %q", algorithm)
	}
}

// Algorithm returns the canonical algorithm name
func (v *CandidateValidator) Algorithm() string {
	return v.algorithm
}

// Check finalizes a device result and reports whether the hash meets target.
func (v *CandidateValidator) Check(result [8]uint32, target bitcoin.Target) ([8]uint32, bool) {
	hash := v.finalize(result)
	return hash, bitcoin.MeetsTarget(hash, target)
}

// Validate checks the result for one batch-local index and returns the
// candidate when it passes.
func (v *CandidateValidator) Validate(index, batchStart uint32, result [8]uint32, target bitcoin.Target) (Candidate, bool) {
	hash, ok := v.Check(result, target)
	if !ok {
		return Candidate{}, false
	}
	return Candidate{Index: index, Nonce: batchStart + index, Hash: hash}, true
}
