package validation

// Candidate is a device-reported nonce that passed host validation
type Candidate struct {
	// Index is the position of the nonce inside its batch.
	Index uint32
	Nonce uint32
	Hash  [8]uint32
}
