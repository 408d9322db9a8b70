package gossip

import (
	"log"
	"net"
	"sync"
	"time"

	"code.dogecoin.org/governor"

	"code.dogecoin.org/registry/internal/spec"
)

// Client keeps one slot connected: either pinned to a fixed address
// (a local trusted node) or roaming the address book.
func NewClient(hub *Hub, fromAddr spec.Address, isLocal bool) *Client {
	return &Client{hub: hub, Address: fromAddr, isLocal: isLocal}
}

type Client struct {
	governor.ServiceCtx
	hub     *Hub
	mutex   sync.Mutex
	conn    net.Conn
	Address spec.Address
	isLocal bool
}

func (c *Client) Stop() {
	c.mutex.Lock()
	conn := c.conn
	c.mutex.Unlock()

	if conn != nil {
		// must close net.Conn to interrupt blocking read/write.
		conn.Close()
	}
}

// goroutine
func (c *Client) Run() {
	for {
		// choose the next node to connect to
		remote := c.Address
		for !remote.IsValid() {
			var ok bool
			remote, ok = c.hub.PickAddress()
			if ok {
				break
			}
			// none available, wait for peers to announce addresses
			if c.Sleep(5 * time.Second) {
				return
			}
		}
		if !c.hub.IsConnectedOrPending(remote) {
			c.connectAndServe(remote)
		}
		// avoid spamming on connect errors
		if c.Sleep(10 * time.Second) {
			// context was cancelled
			return
		}
	}
}

func (c *Client) connectAndServe(addr spec.Address) {
	who := addr.String()
	d := net.Dialer{Timeout: dialTimeout}
	conn, err := d.DialContext(c.Context, "tcp", who)
	if err != nil {
		log.Printf("[%s] error connecting to node: %v", who, err)
		return
	}
	defer conn.Close()

	c.mutex.Lock()
	c.conn = conn // for shutdown
	c.mutex.Unlock()

	// blocks until the connection drops
	c.hub.runPeer(conn, addr)
}
