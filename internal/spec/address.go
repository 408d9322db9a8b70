package spec

import (
	"encoding/binary"
	"encoding/hex"
	"fmt"

	"code.dogecoin.org/gossip/dnet"
)

type Address = dnet.Address

// Outpoint is the collateral funding reference that uniquely
// identifies a registry entry: transaction id plus output index.
type Outpoint struct {
	TxID  [32]byte
	Index uint32
}

func (o Outpoint) IsNull() bool {
	return o == Outpoint{}
}

// Short form used in logs: leading txid bytes plus index.
func (o Outpoint) String() string {
	return fmt.Sprintf("%s-%d", hex.EncodeToString(o.TxID[:8]), o.Index)
}

// Bytes is the canonical map/sort key: txid followed by big-endian index.
func (o Outpoint) Bytes() [36]byte {
	var b [36]byte
	copy(b[:32], o.TxID[:])
	binary.BigEndian.PutUint32(b[32:], o.Index)
	return b
}

// Less orders outpoints by txid bytes, then index.
func (o Outpoint) Less(other Outpoint) bool {
	a, b := o.Bytes(), other.Bytes()
	for i := range a {
		if a[i] != b[i] {
			return a[i] < b[i]
		}
	}
	return false
}
