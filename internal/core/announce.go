package msg

import (
	"encoding/hex"
	"fmt"

	"code.dogecoin.org/gossip/codec"

	"code.dogecoin.org/registry/internal/spec"
)

// Ping is the periodic signed liveness heartbeat of a registry entry.
type Ping struct {
	Outpoint          spec.Outpoint
	BlockHash         [32]byte // a recent block proving chain view
	SigTime           int64
	Sig               []byte
	SentinelIsCurrent bool
	DaemonVersion     uint32
}

func EncodePingTo(p Ping, e *codec.Encoder) {
	EncodeOutpoint(p.Outpoint, e)
	e.Bytes(p.BlockHash[:])
	e.UInt64le(uint64(p.SigTime))
	e.VarString(string(p.Sig))
	e.Bool(p.SentinelIsCurrent)
	e.UInt32le(p.DaemonVersion)
}

func DecodePingFrom(d *codec.Decoder) (p Ping) {
	p.Outpoint = DecodeOutpoint(d)
	copy(p.BlockHash[:], d.Bytes(32))
	p.SigTime = int64(d.UInt64le())
	p.Sig = []byte(d.VarString())
	p.SentinelIsCurrent = d.Bool()
	p.DaemonVersion = d.UInt32le()
	return
}

func EncodePingMsg(p Ping) []byte {
	e := codec.Encode(128)
	EncodePingTo(p, e)
	return e.Result()
}

func DecodePingPayload(payload []byte) Ping {
	return DecodePingFrom(codec.Decode(payload))
}

// Hash identifies the ping in seen-caches and inventory messages.
// It covers the outpoint and signing time only, so a relayed copy
// dedupes regardless of transport-level differences.
func (p *Ping) Hash() [32]byte {
	e := codec.Encode(44)
	EncodeOutpoint(p.Outpoint, e)
	e.UInt64le(uint64(p.SigTime))
	return DoubleSHA256(e.Result())
}

// SignatureHash is the hash-scheme signing preimage.
func (p *Ping) SignatureHash() [32]byte {
	e := codec.Encode(96)
	EncodeOutpoint(p.Outpoint, e)
	e.Bytes(p.BlockHash[:])
	e.UInt64le(uint64(p.SigTime))
	e.Bool(p.SentinelIsCurrent)
	e.UInt32le(p.DaemonVersion)
	return DoubleSHA256(e.Result())
}

// SignatureMessage is the legacy message-scheme signing preimage.
func (p *Ping) SignatureMessage() string {
	return fmt.Sprintf("%s%s%d", p.Outpoint, hex.EncodeToString(p.BlockHash[:]), p.SigTime)
}

// Broadcast is the signed record that introduces or refreshes an entry.
type Broadcast struct {
	Outpoint         spec.Outpoint
	Addr             spec.Address
	PubKeyCollateral []byte // 33-byte compressed secp256k1
	PubKeyService    []byte // 33-byte compressed secp256k1
	Sig              []byte
	SigTime          int64
	ProtocolVersion  uint32
	LastPing         Ping

	// Recovery marks a reply to a recovery request; it bypasses the
	// seen-cache short-circuit and is never serialized.
	Recovery bool
}

func EncodeBroadcast(b Broadcast) []byte {
	e := codec.Encode(256)
	EncodeOutpoint(b.Outpoint, e)
	EncodeServiceAddr(b.Addr, e)
	e.VarString(string(b.PubKeyCollateral))
	e.VarString(string(b.PubKeyService))
	e.VarString(string(b.Sig))
	e.UInt64le(uint64(b.SigTime))
	e.UInt32le(b.ProtocolVersion)
	EncodePingTo(b.LastPing, e)
	return e.Result()
}

func DecodeBroadcast(payload []byte) (b Broadcast) {
	d := codec.Decode(payload)
	b.Outpoint = DecodeOutpoint(d)
	b.Addr = DecodeServiceAddr(d)
	b.PubKeyCollateral = []byte(d.VarString())
	b.PubKeyService = []byte(d.VarString())
	b.Sig = []byte(d.VarString())
	b.SigTime = int64(d.UInt64le())
	b.ProtocolVersion = d.UInt32le()
	b.LastPing = DecodePingFrom(d)
	return
}

// Hash identifies the broadcast in seen-caches and inventory
// messages. It covers only the announcement identity (outpoint,
// collateral key, signing time): a re-announce carrying a fresher
// last ping keeps the same hash, which the recovery protocol relies
// on to match replies against the request.
func (b *Broadcast) Hash() [32]byte {
	e := codec.Encode(80)
	EncodeOutpoint(b.Outpoint, e)
	e.VarString(string(b.PubKeyCollateral))
	e.UInt64le(uint64(b.SigTime))
	return DoubleSHA256(e.Result())
}

// SignatureHash is the hash-scheme signing preimage: everything the
// collateral holder vouches for, excluding the signature itself and
// the last ping (which carries its own signature).
func (b *Broadcast) SignatureHash() [32]byte {
	e := codec.Encode(160)
	EncodeOutpoint(b.Outpoint, e)
	EncodeServiceAddr(b.Addr, e)
	e.VarString(string(b.PubKeyCollateral))
	e.VarString(string(b.PubKeyService))
	e.UInt64le(uint64(b.SigTime))
	e.UInt32le(b.ProtocolVersion)
	return DoubleSHA256(e.Result())
}

// SignatureMessage is the legacy message-scheme signing preimage.
func (b *Broadcast) SignatureMessage() string {
	return fmt.Sprintf("%s%d%s%s%d", b.Addr, b.SigTime,
		hex.EncodeToString(b.PubKeyCollateral), hex.EncodeToString(b.PubKeyService),
		b.ProtocolVersion)
}
