package bitcoin

import (
	"bytes"
	"encoding/binary"

	"github.com/btcsuite/btcd/blockchain"
	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/wire"
)

// CoinbaseHeight returns the BIP34 block height committed in a serialized
// coinbase transaction, or 0 when none can be found.
func CoinbaseHeight(coinbase []byte) uint32 {
	var tx wire.MsgTx
	if err := tx.DeserializeNoWitness(bytes.NewReader(coinbase)); err == nil {
		if height, err := blockchain.ExtractCoinbaseHeight(btcutil.NewTx(&tx)); err == nil && height > 0 {
			return uint32(height)
		}
	}
	return scanCoinbaseHeight(coinbase)
}

// scanCoinbaseHeight locates the height push by skipping the 0xff run of the
// null prevout index. Used for coinbases that do not parse as a transaction,
// such as ones built with placeholder extranonce bytes of unusual size.
func scanCoinbaseHeight(coinbase []byte) uint32 {
	if len(coinbase) < 40 {
		return 0
	}
	p := 32
	end := min(p+128, len(coinbase))
	for p < end && coinbase[p] != 0xff {
		p++
	}
	for p < end && coinbase[p] == 0xff {
		p++
	}
	if p < 34 || coinbase[p-1] != 0xff || coinbase[p-2] != 0xff {
		return 0
	}

	// skip the script length byte, then read the push length
	p++
	if p+3 >= len(coinbase) {
		return 0
	}
	hlen := coinbase[p]
	p++
	height := uint32(binary.LittleEndian.Uint16(coinbase[p:]))
	p += 2
	switch hlen {
	case 4:
		if p+2 <= len(coinbase) {
			height += 0x10000 * uint32(binary.LittleEndian.Uint16(coinbase[p:]))
		}
	case 3:
		height += 0x10000 * uint32(coinbase[p])
	}
	return height
}
