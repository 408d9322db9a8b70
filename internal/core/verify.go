package msg

import (
	"encoding/hex"
	"fmt"

	"code.dogecoin.org/gossip/codec"

	"code.dogecoin.org/registry/internal/spec"
)

// Verification is the three-phase pairwise proof that Addr is operated
// by a specific entry. The phase is distinguished by which signatures
// are populated: none = challenge request, Sig1 = reply from the
// challenged node, Sig1+Sig2 = relayed attestation by the verifier.
type Verification struct {
	Addr        spec.Address
	Nonce       uint32
	BlockHeight int32
	Sig1        []byte // challenged node's service-key signature
	Sig2        []byte // verifier's service-key signature
	Outpoint1   spec.Outpoint
	Outpoint2   spec.Outpoint
}

func EncodeVerification(v Verification) []byte {
	e := codec.Encode(192)
	EncodeServiceAddr(v.Addr, e)
	e.UInt32le(v.Nonce)
	e.UInt32le(uint32(v.BlockHeight))
	e.VarString(string(v.Sig1))
	e.VarString(string(v.Sig2))
	EncodeOutpoint(v.Outpoint1, e)
	EncodeOutpoint(v.Outpoint2, e)
	return e.Result()
}

func DecodeVerification(payload []byte) (v Verification) {
	d := codec.Decode(payload)
	v.Addr = DecodeServiceAddr(d)
	v.Nonce = d.UInt32le()
	v.BlockHeight = int32(d.UInt32le())
	v.Sig1 = []byte(d.VarString())
	v.Sig2 = []byte(d.VarString())
	v.Outpoint1 = DecodeOutpoint(d)
	v.Outpoint2 = DecodeOutpoint(d)
	return
}

// Hash identifies the verification across its phases: it covers the
// challenge identity, not the signatures added along the way.
func (v *Verification) Hash() [32]byte {
	e := codec.Encode(96)
	EncodeServiceAddr(v.Addr, e)
	e.UInt32le(v.Nonce)
	e.UInt32le(uint32(v.BlockHeight))
	EncodeOutpoint(v.Outpoint1, e)
	EncodeOutpoint(v.Outpoint2, e)
	return DoubleSHA256(e.Result())
}

// SignatureHash1 is the hash-scheme preimage of the challenged node's
// reply: its own service address, the challenge nonce, and the block
// hash at the challenge height (resolved locally by each side).
func (v *Verification) SignatureHash1(blockHash [32]byte) [32]byte {
	e := codec.Encode(64)
	EncodeServiceAddr(v.Addr, e)
	e.UInt32le(v.Nonce)
	e.Bytes(blockHash[:])
	return DoubleSHA256(e.Result())
}

// SignatureHash2 is the hash-scheme preimage of the verifier's
// attestation: the reply preimage extended with both outpoints.
func (v *Verification) SignatureHash2(blockHash [32]byte) [32]byte {
	h1 := v.SignatureHash1(blockHash)
	e := codec.Encode(112)
	e.Bytes(h1[:])
	EncodeOutpoint(v.Outpoint1, e)
	EncodeOutpoint(v.Outpoint2, e)
	return DoubleSHA256(e.Result())
}

// Legacy message-scheme preimages.

func (v *Verification) SignatureMessage1(blockHash [32]byte) string {
	return fmt.Sprintf("%s%d%s", v.Addr, v.Nonce, hex.EncodeToString(blockHash[:]))
}

func (v *Verification) SignatureMessage2(blockHash [32]byte) string {
	return fmt.Sprintf("%s%d%s%s%s", v.Addr, v.Nonce, hex.EncodeToString(blockHash[:]),
		v.Outpoint1, v.Outpoint2)
}
