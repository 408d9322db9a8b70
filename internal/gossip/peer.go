package gossip

import (
	"bufio"
	"fmt"
	"log"
	"net"
	"sync"
	"time"

	"code.dogecoin.org/gossip/dnet"

	msg "code.dogecoin.org/registry/internal/core"
	"code.dogecoin.org/registry/internal/spec"
)

const sendTimeout = 30 * time.Second

// Peer is one connected remote node.
type Peer struct {
	id     int64
	addr   spec.Address
	conn   net.Conn
	hub    *Hub
	sendMu sync.Mutex
}

var _ spec.Peer = &Peer{}

func (p *Peer) ID() int64          { return p.id }
func (p *Peer) Addr() spec.Address { return p.addr }

func (p *Peer) Send(cmd string, payload []byte) error {
	p.sendMu.Lock()
	defer p.sendMu.Unlock()
	p.conn.SetWriteDeadline(time.Now().Add(sendTimeout))
	_, err := p.conn.Write(msg.EncodeMessage(p.hub.cfg.MagicBytes, cmd, payload))
	if err != nil {
		log.Printf("[gossip] send %s to %v failed: %v", cmd, p.addr, err)
		p.conn.Close()
	}
	return err
}

func (p *Peer) Close() {
	p.conn.Close()
}

// runPeer performs the version handshake, registers the peer with the
// hub and pumps inbound messages until the connection drops.
func (h *Hub) runPeer(conn net.Conn, addr spec.Address) {
	defer conn.Close()
	who := addr.String()
	reader := bufio.NewReader(conn)

	// send our 'version' message
	_, err := conn.Write(msg.EncodeMessage(h.cfg.MagicBytes, "version", makeVersion(h.cfg.ProtocolVersion, h.cfg.DefaultPort)))
	if err != nil {
		log.Printf("[%s] error sending version message: %v", who, err)
		return
	}
	version, err := expectVersion(reader, h.cfg.MagicBytes)
	if err != nil {
		log.Printf("[%s] %v", who, err)
		return
	}
	if version.Version >= 209 {
		// send 'verack' in response
		_, err = conn.Write(msg.EncodeMessage(h.cfg.MagicBytes, "verack", []byte{}))
		if err != nil {
			log.Printf("[%s] failed to send 'verack': %v", who, err)
			return
		}
	}

	p := &Peer{addr: addr, conn: conn, hub: h}
	if !h.addPeer(p) {
		return // duplicate connection
	}
	defer h.removePeer(p)
	log.Printf("[gossip] peer connected: id=%d addr=%v agent=%v", p.id, addr, version.Agent)

	if h.onConnect != nil {
		h.onConnect(p)
	}

	for {
		cmd, payload, err := msg.ReadMessage(reader, h.cfg.MagicBytes)
		if err != nil {
			log.Printf("[%s] error reading message: %v", who, err)
			return
		}
		switch cmd {
		case "version", "verack", "sendheaders", "sendcmpct", "feefilter":
			// handshake leftovers and announcements we don't consume

		case "ping":
			// reply with 'pong', same nonce, as keep-alive
			keepalive := msg.DecodePing(payload)
			p.Send("pong", msg.EncodePing(keepalive))

		case "pong":
			// we don't send transport pings, ignore

		case "reject":
			re := msg.DecodeReject(payload)
			log.Printf("[%s] reject: %v %v %v", who, re.CodeName(), re.Message, re.Reason)

		case "addr":
			a := msg.DecodeAddrMsg(payload, version.Version)
			for _, na := range a.AddrList {
				h.AddAddress(na.ToAddress(), addr)
			}

		case msg.CmdAnnounce, msg.CmdPing, msg.CmdQuery, msg.CmdVerify, msg.CmdInv, msg.CmdGetData, msg.CmdSyncCount:
			if h.dispatch != nil {
				h.dispatch.ProcessMessage(p, cmd, payload)
			}

		default:
			// unknown commands are tolerated for forward compatibility
		}
	}
}

// makeVersion creates a version message to send to the peer
func makeVersion(protocolVersion int, defaultPort uint16) []byte {
	version := msg.VersionMsg{
		Version:   int32(protocolVersion),
		Services:  msg.NodeNetwork,
		Timestamp: time.Now().Unix(),
		RemoteAddr: msg.NetAddr{
			Services: msg.NodeNetwork,
			Address:  make([]byte, 16),
			Port:     defaultPort,
		},
		LocalAddr: msg.NetAddr{
			Services: msg.NodeNetwork,
			// NOTE: nodes ignore these address fields.
			Address: make([]byte, 16),
			Port:    0,
		},
		Agent:  "/DogeNode: Registry Service/",
		Nonce:  23972479,
		Height: 0,
		Relay:  false,
	}
	return msg.EncodeVersion(version)
}

func expectVersion(reader *bufio.Reader, magic uint32) (msg.VersionMsg, error) {
	// Core Node implementation: if connection is inbound, send Version immediately.
	// This means we'll receive the node's version before `verack` for our Version,
	// however this is undocumented, so other nodes might ack first.
	cmd, payload, err := msg.ReadMessage(reader, magic)
	if err != nil {
		return msg.VersionMsg{}, fmt.Errorf("error reading message: %v", err)
	}
	if cmd == "version" {
		return msg.DecodeVersion(payload), nil
	}
	if cmd == "reject" {
		re := msg.DecodeReject(payload)
		return msg.VersionMsg{}, fmt.Errorf("reject: %s %s %s", re.CodeName(), re.Message, re.Reason)
	}
	return msg.VersionMsg{}, fmt.Errorf("expected 'version' message from node, but received: %s", cmd)
}

func parseAddr(s string) (spec.Address, error) {
	return dnet.ParseAddress(s)
}
