package msg

import (
	"code.dogecoin.org/gossip/codec"

	"code.dogecoin.org/registry/internal/spec"
)

// Outpoint wire form: 32-byte txid followed by a little-endian index.

func EncodeOutpoint(o spec.Outpoint, e *codec.Encoder) {
	e.Bytes(o.TxID[:])
	e.UInt32le(o.Index)
}

func DecodeOutpoint(d *codec.Decoder) (o spec.Outpoint) {
	copy(o.TxID[:], d.Bytes(32))
	o.Index = d.UInt32le()
	return
}

// OutpointBytes is the 36-byte wire form used in signature preimages.
func OutpointBytes(o spec.Outpoint) []byte {
	e := codec.Encode(36)
	EncodeOutpoint(o, e)
	return e.Result()
}
