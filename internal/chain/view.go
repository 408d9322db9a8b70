// Package chain provides the registry's view of chain state, sync
// progress and the payment schedule. The hosting node feeds tip
// updates and collateral status in; the registry only reads.
package chain

import (
	"sync"
	"time"

	"code.dogecoin.org/registry/internal/spec"
)

// View is an in-memory block index answering the registry's chain
// queries. Safe for concurrent use; it never calls back into the
// registry, so it always nests outside the registry lock.
type View struct {
	mu        sync.RWMutex
	hashes    map[int][32]byte
	heights   map[[32]byte]int
	tip       int
	utxos     map[spec.Outpoint]int // outpoint -> confirmed height; absent = spent/unknown
	timeDrift int64
}

var _ spec.Chain = &View{}

func NewView() *View {
	return &View{
		hashes:  make(map[int][32]byte),
		heights: make(map[[32]byte]int),
		utxos:   make(map[spec.Outpoint]int),
	}
}

// ConnectBlock appends a block hash at the given height and advances
// the tip.
func (v *View) ConnectBlock(height int, hash [32]byte) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.hashes[height] = hash
	v.heights[hash] = height
	if height > v.tip {
		v.tip = height
	}
}

// SetUTXO records a collateral outpoint confirmed at height.
func (v *View) SetUTXO(out spec.Outpoint, height int) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.utxos[out] = height
}

// SpendUTXO removes a collateral outpoint (it was spent).
func (v *View) SpendUTXO(out spec.Outpoint) {
	v.mu.Lock()
	defer v.mu.Unlock()
	delete(v.utxos, out)
}

// SetTimeDrift adjusts local time by the network median offset.
func (v *View) SetTimeDrift(seconds int64) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.timeDrift = seconds
}

func (v *View) BlockHashAt(height int) ([32]byte, bool) {
	v.mu.RLock()
	defer v.mu.RUnlock()
	hash, ok := v.hashes[height]
	return hash, ok
}

func (v *View) BlockHeightOf(hash [32]byte) (int, bool) {
	v.mu.RLock()
	defer v.mu.RUnlock()
	height, ok := v.heights[hash]
	return height, ok
}

func (v *View) TipHeight() int {
	v.mu.RLock()
	defer v.mu.RUnlock()
	return v.tip
}

func (v *View) UTXOConfirmations(out spec.Outpoint) (int, bool) {
	v.mu.RLock()
	defer v.mu.RUnlock()
	height, ok := v.utxos[out]
	if !ok {
		return 0, false
	}
	return v.tip - height + 1, true
}

func (v *View) AdjustedTime() int64 {
	v.mu.RLock()
	defer v.mu.RUnlock()
	return time.Now().Unix() + v.timeDrift
}
