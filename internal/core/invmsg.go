package msg

import (
	"encoding/hex"
	"fmt"

	"code.dogecoin.org/gossip/codec"
)

type InvType uint32

const (
	InvError         InvType = 0  // ERROR
	InvTx            InvType = 1  // MSG_TX: hash of transaction
	InvBlock         InvType = 2  // MSG_BLOCK: hash of block
	InvEntryAnnounce InvType = 14 // MSG_ENTRY_ANNOUNCE: hash of an entry broadcast
	InvEntryPing     InvType = 15 // MSG_ENTRY_PING: hash of an entry ping
	InvEntryVerify   InvType = 19 // MSG_ENTRY_VERIFY: hash of a verification
)

type InvMsg struct {
	InvList []InvVector
}

func DecodeInvMsg(payload []byte) (msg InvMsg) {
	d := codec.Decode(payload)
	count := d.VarUInt()
	for i := uint64(0); i < count; i++ {
		var inv InvVector
		inv.Type = InvType(d.UInt32le())
		inv.Hash = d.Bytes(32)
		msg.InvList = append(msg.InvList, inv)
	}
	return
}

func EncodeInvMsg(msg InvMsg) []byte {
	e := codec.Encode(5 + 36*len(msg.InvList))
	e.VarUInt(uint64(len(msg.InvList)))
	for _, inv := range msg.InvList {
		e.UInt32le(uint32(inv.Type))
		e.Bytes(inv.Hash)
	}
	return e.Result()
}

type InvVector struct {
	Type InvType
	Hash []byte // hash of the announced item (32 bytes)
}

func (i *InvVector) String() string {
	return fmt.Sprintf("{%s %s}", InvTypeString(i.Type), hex.EncodeToString(i.Hash))
}

func InvTypeString(t InvType) string {
	switch t {
	case InvError:
		return "error"
	case InvTx:
		return "tx"
	case InvBlock:
		return "block"
	case InvEntryAnnounce:
		return "entry-announce"
	case InvEntryPing:
		return "entry-ping"
	case InvEntryVerify:
		return "entry-verify"
	}
	return "unknown"
}
