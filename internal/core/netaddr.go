package msg

import (
	"net"

	"code.dogecoin.org/gossip/codec"
	"code.dogecoin.org/gossip/dnet"
)

// NetAddr represents the structure of a network address
type NetAddr struct {
	Time     uint32 // Unix epoch time seconds, if version >= 31402; not present in version message
	Services uint64 // Services bit flags
	Address  []byte // [16] network byte order (BE); IPv4-mapped IPv6 address
	Port     uint16 // network byte order (BE)
}

const AddrTimeVersion = 31402 // Time field added to NetAddr.

// NB. pass version=0 in Version message.
func DecodeNetAddr(d *codec.Decoder, version int32) (a NetAddr) {
	if version >= AddrTimeVersion {
		a.Time = d.UInt32le()
	}
	a.Services = d.UInt64le()
	a.Address = d.Bytes(16)
	a.Port = d.UInt16be()
	return
}

// NB. pass version=0 in Version message.
func EncodeNetAddr(a NetAddr, e *codec.Encoder, version int32) {
	if version >= AddrTimeVersion {
		e.UInt32le(a.Time)
	}
	e.UInt64le(uint64(a.Services))
	e.Bytes(a.Address)
	e.UInt16be(a.Port)
}

// Service address as carried inside registry payloads:
// bare 16-byte IPv4-mapped address plus big-endian port
// (no time or services fields).

func EncodeServiceAddr(a dnet.Address, e *codec.Encoder) {
	ip := a.Host.To16()
	if ip == nil {
		ip = make(net.IP, 16)
	}
	e.Bytes(ip)
	e.UInt16be(a.Port)
}

func DecodeServiceAddr(d *codec.Decoder) dnet.Address {
	return dnet.Address{
		Host: net.IP(d.Bytes(16)),
		Port: d.UInt16be(),
	}
}

// ServiceAddrBytes is the canonical 18-byte form used in signature
// preimages and cache keys.
func ServiceAddrBytes(a dnet.Address) []byte {
	e := codec.Encode(18)
	EncodeServiceAddr(a, e)
	return e.Result()
}
