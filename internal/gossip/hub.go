// Package gossip is the network layer presented to the registry: it
// keeps the set of connected peers, dials pending ones, tracks peer
// misbehavior scores, and feeds inbound registry messages into the
// dispatcher.
package gossip

import (
	"log"
	"net"
	"sync"
	"time"

	"code.dogecoin.org/registry/internal/chaincfg"
	"code.dogecoin.org/registry/internal/spec"
)

const dialTimeout = 30 * time.Second
const probeTimeout = 5 * time.Second
const banScoreThreshold = 100
const banSeconds = 24 * 60 * 60

// Dispatcher consumes inbound registry messages.
type Dispatcher interface {
	ProcessMessage(from spec.Peer, cmd string, payload []byte)
}

type Hub struct {
	cfg       *chaincfg.Params
	dispatch  Dispatcher
	onConnect func(spec.Peer)

	mu      sync.Mutex
	peers   map[string]*Peer
	pending map[string]struct{}
	scores  map[int64]int
	banned  map[string]int64 // addr key -> banned until
	book    map[string]int64 // address book: addr -> last seen
	nextID  int64
}

var _ spec.Net = &Hub{}

func NewHub(cfg *chaincfg.Params) *Hub {
	return &Hub{
		cfg:     cfg,
		peers:   make(map[string]*Peer),
		pending: make(map[string]struct{}),
		scores:  make(map[int64]int),
		banned:  make(map[string]int64),
		book:    make(map[string]int64),
	}
}

// SetDispatcher wires the message consumer (set once at startup,
// before any connection exists).
func (h *Hub) SetDispatcher(d Dispatcher) {
	h.dispatch = d
}

// OnConnect runs for every newly connected peer (e.g. to request the
// entry list). Set once at startup.
func (h *Hub) OnConnect(f func(spec.Peer)) {
	h.onConnect = f
}

func (h *Hub) ForEachPeer(f func(spec.Peer)) {
	h.mu.Lock()
	peers := make([]*Peer, 0, len(h.peers))
	for _, p := range h.peers {
		peers = append(peers, p)
	}
	h.mu.Unlock()
	for _, p := range peers {
		f(p)
	}
}

func (h *Hub) FindPeer(addr spec.Address) spec.Peer {
	h.mu.Lock()
	defer h.mu.Unlock()
	p, ok := h.peers[addr.String()]
	if !ok {
		return nil // typed nil must not escape as a non-nil interface
	}
	return p
}

func (h *Hub) IsConnectedOrPending(addr spec.Address) bool {
	key := addr.String()
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.peers[key]; ok {
		return true
	}
	_, ok := h.pending[key]
	return ok
}

// AddPendingPeer dials addr in the background; the connection
// registers itself with the hub once the handshake completes.
func (h *Hub) AddPendingPeer(addr spec.Address) {
	key := addr.String()
	h.mu.Lock()
	if _, ok := h.peers[key]; ok {
		h.mu.Unlock()
		return
	}
	if _, ok := h.pending[key]; ok {
		h.mu.Unlock()
		return
	}
	if until, ok := h.banned[key]; ok && time.Now().Unix() < until {
		h.mu.Unlock()
		return
	}
	h.pending[key] = struct{}{}
	h.mu.Unlock()

	go func() {
		defer func() {
			h.mu.Lock()
			delete(h.pending, key)
			h.mu.Unlock()
		}()
		d := net.Dialer{Timeout: dialTimeout}
		conn, err := d.Dial("tcp", key)
		if err != nil {
			log.Printf("[gossip] error connecting to pending peer %v: %v", key, err)
			return
		}
		h.runPeer(conn, addr)
	}()
}

// Misbehaving raises a peer's ban score; crossing the threshold
// disconnects and bans its address for a day.
func (h *Hub) Misbehaving(id int64, score int, reason string) {
	h.mu.Lock()
	h.scores[id] += score
	total := h.scores[id]
	var kick *Peer
	if total >= banScoreThreshold {
		for _, p := range h.peers {
			if p.id == id {
				kick = p
				h.banned[p.addr.String()] = time.Now().Unix() + banSeconds
				break
			}
		}
	}
	h.mu.Unlock()

	log.Printf("[gossip] misbehaving peer=%d (+%d, %d total): %s", id, score, total, reason)
	if kick != nil {
		log.Printf("[gossip] banning peer=%d addr=%v", id, kick.addr)
		kick.Close()
	}
}

// AddAddress records a peer-announced address in the address book.
func (h *Hub) AddAddress(addr spec.Address, from spec.Address) {
	if !addr.IsValid() {
		return
	}
	h.mu.Lock()
	h.book[addr.String()] = time.Now().Unix()
	h.mu.Unlock()
}

// PickAddress returns a random known address to dial, if any.
func (h *Hub) PickAddress() (spec.Address, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for key := range h.book {
		addr, err := parseAddr(key)
		if err != nil {
			delete(h.book, key)
			continue
		}
		return addr, true
	}
	return spec.Address{}, false
}

// CheckConnect probes plain TCP reachability.
func (h *Hub) CheckConnect(addr spec.Address) bool {
	conn, err := net.DialTimeout("tcp", addr.String(), probeTimeout)
	if err != nil {
		return false
	}
	conn.Close()
	return true
}

func (h *Hub) addPeer(p *Peer) bool {
	key := p.addr.String()
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.peers[key]; ok {
		return false // already connected
	}
	h.nextID++
	p.id = h.nextID
	h.peers[key] = p
	return true
}

func (h *Hub) removePeer(p *Peer) {
	h.mu.Lock()
	if cur, ok := h.peers[p.addr.String()]; ok && cur == p {
		delete(h.peers, p.addr.String())
	}
	delete(h.scores, p.id)
	h.mu.Unlock()
}
