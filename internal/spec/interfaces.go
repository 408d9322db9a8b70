package spec

import (
	"context"
)

// Chain is the blockchain view the registry depends on.
// Implementations must be safe for concurrent use; the registry
// always consults the chain before taking its own lock.
type Chain interface {
	// BlockHashAt returns the block hash at the given height,
	// or ok=false if the height is unknown to this node.
	BlockHashAt(height int) (hash [32]byte, ok bool)
	// BlockHeightOf returns the height of a known block hash.
	BlockHeightOf(hash [32]byte) (height int, ok bool)
	TipHeight() int
	// UTXOConfirmations returns the confirmation count of a collateral
	// outpoint, or ok=false if the outpoint has been spent (or never existed).
	UTXOConfirmations(out Outpoint) (confirmations int, ok bool)
	// AdjustedTime is network-adjusted unix time in seconds.
	AdjustedTime() int64
}

// Peer is one connected remote node.
type Peer interface {
	ID() int64
	Addr() Address
	// Send queues a framed message to the peer. Errors are advisory;
	// a failed send is handled by the connection teardown.
	Send(cmd string, payload []byte) error
}

// Net is the network layer presented to the registry core.
type Net interface {
	ForEachPeer(f func(Peer))
	// FindPeer returns the connected peer at addr, or nil.
	FindPeer(addr Address) Peer
	// AddPendingPeer schedules an outbound connection attempt.
	AddPendingPeer(addr Address)
	IsConnectedOrPending(addr Address) bool
	// Misbehaving reports peer misbehavior; the network layer bans
	// peers whose accumulated score crosses its threshold.
	Misbehaving(id int64, score int, reason string)
	// AddAddress feeds the address book (addr announced via from).
	AddAddress(addr Address, from Address)
	// CheckConnect probes plain TCP reachability of addr.
	// May block up to the implementation's dial timeout.
	CheckConnect(addr Address) bool
}

// SyncState reports how far our own node has caught up with the network.
type SyncState interface {
	IsBlockchainSynced() bool
	IsListSynced() bool
	IsWinnersSynced() bool
	IsSynced() bool
	// BumpAssetLastTime pushes the sync watchdog forward when useful
	// data arrives; tag identifies the caller for diagnostics.
	BumpAssetLastTime(tag string)
}

// Scheduler is the payment scheduler's view of upcoming winners.
type Scheduler interface {
	// IsScheduled reports whether the entry is already selected to be
	// paid within the propagation window around height.
	IsScheduled(out Outpoint, height int) bool
	MinProtocolVersion() int
	// StorageLimit is how many recent blocks of payment votes are kept.
	StorageLimit() int
}

// Store is the top-level persistence interface (e.g. SQLiteStore).
// It is bound to a cancellable Context.
type Store interface {
	WithCtx(ctx context.Context) Store
	// SaveSnapshot stores a serialized registry snapshot under version.
	SaveSnapshot(version string, data []byte) error
	// LoadSnapshot returns the most recent snapshot stored under version.
	// A missing snapshot or a version mismatch returns NotFoundError
	// (the caller rebuilds from the network).
	LoadSnapshot(version string) (data []byte, err error)
	// TrimSnapshots drops all but the latest keep snapshots.
	TrimSnapshots(keep int) (removed int64, err error)
}
