package work

// NonceSpace is the number of distinct 32-bit nonces.
const NonceSpace uint64 = 1 << 32

// Range is the slice of the nonce space one worker scans, in runs of Batch nonces.
type Range struct {
	Offset  uint32
	MaxRuns uint32
	Batch   uint32
}

// Partition splits the nonce space evenly across workers. The last worker
// takes the remainder runs.
func Partition(worker, workers int, batch uint32) Range {
	if workers < 1 {
		workers = 1
	}
	per := NonceSpace / uint64(workers)
	baseRuns := uint32(per / uint64(batch))
	maxRuns := baseRuns
	if worker == workers-1 {
		maxRuns += uint32(per % uint64(workers))
	}
	return Range{
		Offset:  uint32(uint64(baseRuns) * uint64(batch) * uint64(worker)),
		MaxRuns: maxRuns,
		Batch:   batch,
	}
}

// Start returns the first nonce of run number run.
func (r Range) Start(run uint32) uint32 {
	return r.Offset + run*r.Batch
}
