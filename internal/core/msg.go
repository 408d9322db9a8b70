package msg

import (
	"bufio"
	"bytes"
	"crypto/sha256"
	"encoding/binary"
	"fmt"
	"io"
)

const MaxMsgSize = 0x2000000 // 32MB

// Registry message commands (12 bytes max, zero padded on the wire).
const (
	CmdAnnounce  = "mnb"     // entry announcement (Broadcast)
	CmdPing      = "mnp"     // entry liveness ping
	CmdQuery     = "dseg"    // request list sync (null outpoint = all)
	CmdVerify    = "mnv"     // pairwise verification exchange
	CmdSyncCount = "ssc"     // count trailer after serving a full sync
	CmdInv       = "inv"     // inventory announcement
	CmdGetData   = "getdata" // inventory request
)

// https://en.bitcoin.it/wiki/Protocol_documentation#version
type MessageHeader struct {
	Magic    uint32
	Command  string
	Length   uint32
	Checksum [4]byte
}

// EncodeMessage frames a payload with the network magic of the
// active chain (chain-param-driven, unlike a fixed mainnet constant).
func EncodeMessage(magic uint32, cmd string, payload []byte) []byte {
	msg := make([]byte, 24+len(payload))
	binary.LittleEndian.PutUint32(msg[:4], magic)
	copy(msg[4:16], cmd)
	binary.LittleEndian.PutUint32(msg[16:20], uint32(len(payload)))
	hash := DoubleSHA256(payload)
	copy(msg[20:24], hash[:4])
	copy(msg[24:], payload)
	return msg
}

func DecodeHeader(buf [24]byte) (hdr MessageHeader) {
	hdr.Magic = binary.LittleEndian.Uint32(buf[:4])
	hdr.Command = string(bytes.TrimRight(buf[4:16], "\x00"))
	hdr.Length = binary.LittleEndian.Uint32(buf[16:20])
	copy(hdr.Checksum[:], buf[20:24])
	return
}

func ReadMessage(reader *bufio.Reader, magic uint32) (cmd string, payload []byte, err error) {
	// Read the message header
	buf := [24]byte{}
	n, err := io.ReadFull(reader, buf[:])
	if err != nil {
		return "", nil, fmt.Errorf("short header: received %d bytes: %v", n, err)
	}
	// Decode the header
	hdr := DecodeHeader(buf)
	if hdr.Magic != magic {
		return "", nil, fmt.Errorf("invalid magic bytes: %08x", hdr.Magic)
	}
	if hdr.Length > MaxMsgSize {
		return "", nil, fmt.Errorf("oversize payload: %d bytes", hdr.Length)
	}
	// Read the message payload
	payload = make([]byte, hdr.Length)
	n, err = io.ReadFull(reader, payload)
	if err != nil {
		return "", nil, fmt.Errorf("short payload: received %d bytes: %v", n, err)
	}
	// Verify checksum
	hash := DoubleSHA256(payload)
	if !bytes.Equal(hdr.Checksum[:], hash[:4]) {
		return "", nil, fmt.Errorf("checksum mismatch: %v vs %v", hdr.Checksum, hash[:4])
	}
	return hdr.Command, payload, nil
}

func DoubleSHA256(data []byte) [32]byte {
	hash := sha256.Sum256(data)
	return sha256.Sum256(hash[:])
}
