package registry

import (
	"github.com/holiman/uint256"

	msg "code.dogecoin.org/registry/internal/core"
	"code.dogecoin.org/registry/internal/spec"
)

// State is the lifecycle state of a registry entry.
type State int32

const (
	StatePreEnabled State = iota
	StateEnabled
	StateExpired
	StateOutpointSpent
	StateUpdateRequired
	StateSentinelPingExpired
	StateNewStartRequired
	StatePoSeBanned
)

func (s State) String() string {
	switch s {
	case StatePreEnabled:
		return "PRE_ENABLED"
	case StateEnabled:
		return "ENABLED"
	case StateExpired:
		return "EXPIRED"
	case StateOutpointSpent:
		return "OUTPOINT_SPENT"
	case StateUpdateRequired:
		return "UPDATE_REQUIRED"
	case StateSentinelPingExpired:
		return "SENTINEL_PING_EXPIRED"
	case StateNewStartRequired:
		return "NEW_START_REQUIRED"
	case StatePoSeBanned:
		return "POSE_BANNED"
	}
	return "UNKNOWN"
}

// Entry is one collateral-backed service provider. Entries are owned
// exclusively by the Manager; callers outside the registry lock only
// ever see Snapshot copies.
type Entry struct {
	Outpoint         spec.Outpoint
	Addr             spec.Address
	PubKeyCollateral []byte
	PubKeyService    []byte
	Sig              []byte // collateral-holder signature from the announcement
	SigTime          int64
	ProtocolVersion  uint32
	LastPing         msg.Ping
	LastPaidBlock    int
	LastPaidTime     int64
	PoSeBanScore     int
	State            State
	AllowMixingTx    bool
	LastDsq          uint64

	poSeVerified    bool
	governanceVotes map[[32]byte]struct{}
	lastCheckTime   int64
}

// Snapshot is a value copy safe to retain across lock release.
type Snapshot struct {
	Outpoint         spec.Outpoint
	Addr             spec.Address
	PubKeyCollateral []byte
	PubKeyService    []byte
	SigTime          int64
	ProtocolVersion  uint32
	LastPingTime     int64
	LastPaidBlock    int
	PoSeBanScore     int
	PoSeVerified     bool
	State            State
}

func (e *Entry) snapshot() Snapshot {
	return Snapshot{
		Outpoint:         e.Outpoint,
		Addr:             e.Addr,
		PubKeyCollateral: append([]byte(nil), e.PubKeyCollateral...),
		PubKeyService:    append([]byte(nil), e.PubKeyService...),
		SigTime:          e.SigTime,
		ProtocolVersion:  e.ProtocolVersion,
		LastPingTime:     e.LastPing.SigTime,
		LastPaidBlock:    e.LastPaidBlock,
		PoSeBanScore:     e.PoSeBanScore,
		PoSeVerified:     e.poSeVerified,
		State:            e.State,
	}
}

func (e *Entry) IsEnabled() bool           { return e.State == StateEnabled }
func (e *Entry) IsPreEnabled() bool        { return e.State == StatePreEnabled }
func (e *Entry) IsExpired() bool           { return e.State == StateExpired }
func (e *Entry) IsOutpointSpent() bool     { return e.State == StateOutpointSpent }
func (e *Entry) IsUpdateRequired() bool    { return e.State == StateUpdateRequired }
func (e *Entry) IsNewStartRequired() bool  { return e.State == StateNewStartRequired }
func (e *Entry) IsPoSeBanned() bool        { return e.State == StatePoSeBanned }
func (e *Entry) IsPoSeVerified() bool      { return e.poSeVerified }
func (e *Entry) IsSentinelExpired() bool   { return e.State == StateSentinelPingExpired }

// IsValidForPayment: enabled entries, or sentinel-expired ones
// (sentinel outages must not stall the payment queue).
func (e *Entry) IsValidForPayment() bool {
	return e.State == StateEnabled || e.State == StateSentinelPingExpired
}

// IsValidStateForAutoStart are the states a recovered broadcast may
// project into and still count as a good recovery reply.
func IsValidStateForAutoStart(s State) bool {
	return s == StateEnabled || s == StatePreEnabled || s == StateExpired
}

func (e *Entry) IsPingedWithin(seconds int64, at int64) bool {
	if e.LastPing.SigTime == 0 {
		return false
	}
	return at-e.LastPing.SigTime < seconds
}

func (e *Entry) increasePoSeBanScore(max int) {
	if e.PoSeBanScore < max {
		e.PoSeBanScore++
	}
	if e.PoSeBanScore > 0 {
		e.poSeVerified = false
	}
}

// decreasePoSeBanScore lowers the score by one, clamped at zero.
// Banned entries stay banned: their score never decreases.
func (e *Entry) decreasePoSeBanScore() {
	if e.State == StatePoSeBanned {
		return
	}
	if e.PoSeBanScore > 0 {
		e.PoSeBanScore--
	}
}

func (e *Entry) poSeBan(max int) {
	e.PoSeBanScore = max
	e.State = StatePoSeBanned
	e.poSeVerified = false
}

// markPoSeVerified records a successful pairwise verification. The
// ban score is left as it is.
func (e *Entry) markPoSeVerified() {
	if e.State == StatePoSeBanned {
		return
	}
	e.poSeVerified = true
}

func (e *Entry) addGovernanceVote(hash [32]byte) {
	if e.governanceVotes == nil {
		e.governanceVotes = make(map[[32]byte]struct{})
	}
	e.governanceVotes[hash] = struct{}{}
}

func (e *Entry) removeGovernanceObject(hash [32]byte) {
	delete(e.governanceVotes, hash)
}

// CalculateScore hashes the entry's identity with a block hash and
// reads the digest as a 256-bit big-endian integer. The ordering of
// these scores at a given block is the network-wide ranking.
func (e *Entry) CalculateScore(blockHash [32]byte) *uint256.Int {
	return ScoreOf(e.Outpoint, e.PubKeyCollateral, blockHash)
}

func ScoreOf(out spec.Outpoint, pubKeyCollateral []byte, blockHash [32]byte) *uint256.Int {
	pre := ScorePreimage(out, pubKeyCollateral, blockHash)
	hash := msg.DoubleSHA256(pre)
	return new(uint256.Int).SetBytes(hash[:])
}

// ScorePreimage is outpoint || collateral pubkey || block hash,
// each in wire form.
func ScorePreimage(out spec.Outpoint, pubKeyCollateral []byte, blockHash [32]byte) []byte {
	op := msg.OutpointBytes(out)
	pre := make([]byte, 0, len(op)+len(pubKeyCollateral)+32)
	pre = append(pre, op...)
	pre = append(pre, pubKeyCollateral...)
	pre = append(pre, blockHash[:]...)
	return pre
}

// checkEnv is the context an entry needs to re-derive its state.
type checkEnv struct {
	now             int64
	minProtocol     uint32
	maxPoSeScore    int
	expiration      int64
	newStartReq     int64
	minPing         int64
	outpointSpent   bool
	sentinelActive  bool
	checkThrottle   int64
	force           bool
}

// check re-derives the entry state. Throttled to once per
// checkThrottle seconds unless forced.
func (e *Entry) check(env checkEnv) {
	if !env.force && env.now-e.lastCheckTime < env.checkThrottle {
		return
	}
	e.lastCheckTime = env.now

	if env.outpointSpent {
		e.State = StateOutpointSpent
		return
	}
	if e.PoSeBanScore >= env.maxPoSeScore {
		e.State = StatePoSeBanned
		return
	}
	if e.ProtocolVersion < env.minProtocol {
		e.State = StateUpdateRequired
		return
	}
	if !e.IsPingedWithin(env.newStartReq, env.now) {
		e.State = StateNewStartRequired
		return
	}
	if !e.IsPingedWithin(env.expiration, env.now) {
		e.State = StateExpired
		return
	}
	if env.sentinelActive && !e.LastPing.SentinelIsCurrent {
		e.State = StateSentinelPingExpired
		return
	}
	if e.LastPing.SigTime-e.SigTime < env.minPing {
		e.State = StatePreEnabled
		return
	}
	e.State = StateEnabled
}
