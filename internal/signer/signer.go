// Package signer implements the two signature schemes used by the
// registry protocol over compact secp256k1 signatures: the hash
// scheme signs a message hash directly, the legacy message scheme
// signs a magic-prefixed string preimage. The active scheme is a
// chain-level switch applied to every signature check; a verification
// does not record the scheme it was made under.
package signer

import (
	"bytes"
	"crypto/sha256"

	"code.dogecoin.org/gossip/codec"
	"github.com/decred/dcrd/dcrec/secp256k1/v4"
	secpecdsa "github.com/decred/dcrd/dcrec/secp256k1/v4/ecdsa"

	"code.dogecoin.org/registry/internal/spec"
)

type Scheme uint8

const (
	HashScheme    Scheme = iota // sign the raw hash
	MessageScheme               // sign the magic-prefixed string preimage
)

func (s Scheme) String() string {
	if s == HashScheme {
		return "hash"
	}
	return "message"
}

// Key is a service or collateral signing key.
type Key struct {
	priv *secp256k1.PrivateKey
}

func KeyFromBytes(b []byte) (*Key, error) {
	if len(b) != 32 {
		return nil, spec.NewErr(spec.InvalidSignature, "signing key must be 32 bytes")
	}
	return &Key{priv: secp256k1.PrivKeyFromBytes(b)}, nil
}

// PubKey is the 33-byte compressed public key.
func (k *Key) PubKey() []byte {
	return k.priv.PubKey().SerializeCompressed()
}

// SignHash produces a 65-byte compact recoverable signature over hash.
func (k *Key) SignHash(hash [32]byte) []byte {
	return secpecdsa.SignCompact(k.priv, hash[:], true)
}

// VerifyHash checks a compact signature by recovering the signer and
// comparing against the expected compressed public key.
func VerifyHash(pubKey []byte, hash [32]byte, sig []byte) bool {
	recovered, _, err := secpecdsa.RecoverCompact(sig, hash[:])
	if err != nil {
		return false
	}
	return bytes.Equal(recovered.SerializeCompressed(), pubKey)
}

// MessageHash is the legacy preimage: double-SHA256 over the
// var-string framed magic prefix and message.
func MessageHash(magic string, message string) [32]byte {
	e := codec.Encode(len(magic) + len(message) + 10)
	e.VarString(magic)
	e.VarString(message)
	return doubleSHA256(e.Result())
}

func doubleSHA256(data []byte) [32]byte {
	hash := sha256.Sum256(data)
	return sha256.Sum256(hash[:])
}

func (k *Key) SignMessage(magic string, message string) []byte {
	return k.SignHash(MessageHash(magic, message))
}

func VerifyMessage(pubKey []byte, magic string, message string, sig []byte) bool {
	return VerifyHash(pubKey, MessageHash(magic, message), sig)
}
