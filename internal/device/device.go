// Package device defines the contract between the miner and a compute
// device, and a bridge that drives an out-of-process compute worker.
package device

import "context"

// KernelData is uploaded once per nonce range: the BLAKE-256 midstate of the
// first header block, the header words the kernel still needs and the most
// significant target word for the device-side early test.
type KernelData struct {
	H     [8]uint32 `json:"h"`
	In16  uint32    `json:"in16"`
	In17  uint32    `json:"in17"`
	In18  uint32    `json:"in18"`
	HTarg uint32    `json:"htarg"`
}

// Info describes a device for logs and the pool's stats request
type Info struct {
	Name      string  `json:"name"`
	VendorID  string  `json:"vendor_id"`
	Arch      string  `json:"arch"`
	Driver    string  `json:"driver"`
	Freq      int     `json:"freq"`
	MemFreq   int     `json:"mem_freq"`
	Power     int     `json:"power"`
	Intensity float64 `json:"intensity"`
}

// Device is one compute unit running the hash search. A device is owned by a
// single worker; implementations need not be safe for concurrent use.
type Device interface {
	// Init prepares the device and must succeed before any other call.
	Init(ctx context.Context) error
	Info() Info
	SetKernelData(k KernelData) error
	// RunBatch scans size nonces from start and blocks until the device is done.
	RunBatch(start, size uint32) error
	// CandidateCountAndFirst returns the number of candidates reported since
	// the last clear and the batch-local index of the first one.
	CandidateCountAndFirst() (count, first uint32, err error)
	// CandidateIndices returns count batch-local indices starting at register
	// slot offset.
	CandidateIndices(count, offset uint32) ([]uint32, error)
	// ResultAt returns the intermediate hash for a batch-local index.
	ResultAt(index uint32) ([8]uint32, error)
	// ClearCandidates resets the candidate register.
	ClearCandidates(count uint32) error
	Close() error
}
