package msg

import (
	"code.dogecoin.org/gossip/codec"

	"code.dogecoin.org/registry/internal/spec"
)

// Query (dseg) requests list sync: a null outpoint asks for the whole
// registry, anything else asks for a single entry.

func EncodeQuery(o spec.Outpoint) []byte {
	e := codec.Encode(36)
	EncodeOutpoint(o, e)
	return e.Result()
}

func DecodeQuery(payload []byte) spec.Outpoint {
	return DecodeOutpoint(codec.Decode(payload))
}

// Sync asset identifiers reported in the count trailer.
const (
	SyncAssetList    = 2
	SyncAssetWinners = 3
)

type SyncCountMsg struct {
	Asset int32
	Count int32
}

func EncodeSyncCount(m SyncCountMsg) []byte {
	e := codec.Encode(8)
	e.UInt32le(uint32(m.Asset))
	e.UInt32le(uint32(m.Count))
	return e.Result()
}

func DecodeSyncCount(payload []byte) (m SyncCountMsg) {
	d := codec.Decode(payload)
	m.Asset = int32(d.UInt32le())
	m.Count = int32(d.UInt32le())
	return
}

// GetData re-uses the inventory encoding.

func EncodeGetData(invs []InvVector) []byte {
	return EncodeInvMsg(InvMsg{InvList: invs})
}

func DecodeGetData(payload []byte) []InvVector {
	return DecodeInvMsg(payload).InvList
}
