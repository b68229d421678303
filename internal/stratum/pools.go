// Package stratum implements the client side of the Stratum V1 mining
// protocol: transport, handshake, pool request handlers and the session loop.
package stratum

import "sync"

const readChunkSize = 4096

// readBufPool reuses socket read chunks across receive calls
var readBufPool = sync.Pool{
	New: func() any {
		b := make([]byte, readChunkSize)
		return &b
	},
}

func getReadBuffer() *[]byte {
	return readBufPool.Get().(*[]byte)
}

func putReadBuffer(b *[]byte) {
	if b != nil && cap(*b) == readChunkSize {
		readBufPool.Put(b)
	}
}
