// Package chaincfg holds the tunable protocol parameters of the
// service-node registry. Defaults mirror mainnet; an optional TOML
// file overrides individual values for test networks.
package chaincfg

import (
	"fmt"

	"github.com/BurntSushi/toml"
)

type Params struct {
	Name        string `toml:"Name"`
	MagicBytes  uint32 `toml:"MagicBytes"`
	DefaultPort uint16 `toml:"DefaultPort"`

	ProtocolVersion    int `toml:"ProtocolVersion"`
	MinProtocolVersion int `toml:"MinProtocolVersion"`

	// mainnet keeps one entry per IP:port pair squashed to the IP;
	// regtest allows many entries behind one IP on different ports.
	AllowMultiplePorts bool `toml:"AllowMultiplePorts"`

	// which address families this node can probe with CheckConnect
	OkIPv4 bool `toml:"OkIPv4"`
	OkIPv6 bool `toml:"OkIPv6"`
	OkDual bool `toml:"OkDual"`

	// entry liveness windows (seconds)
	MinBroadcastSeconds     int64 `toml:"MinBroadcastSeconds"`
	MinPingSeconds          int64 `toml:"MinPingSeconds"`
	ExpirationSeconds       int64 `toml:"ExpirationSeconds"`
	NewStartRequiredSeconds int64 `toml:"NewStartRequiredSeconds"`
	SentinelPingMaxSeconds  int64 `toml:"SentinelPingMaxSeconds"`

	// proof-of-service
	PoSeBanMaxScore    int `toml:"PoSeBanMaxScore"`
	MaxPoSeRank        int `toml:"MaxPoSeRank"`
	MaxPoSeConnections int `toml:"MaxPoSeConnections"`
	MaxPoSeBlocks      int `toml:"MaxPoSeBlocks"`

	// list-query cooldown
	DsegUpdateSeconds int64 `toml:"DsegUpdateSeconds"`

	// recovery of entries stuck in NEW_START_REQUIRED
	RecoveryQuorumTotal    int   `toml:"RecoveryQuorumTotal"`
	RecoveryQuorumRequired int   `toml:"RecoveryQuorumRequired"`
	RecoveryMaxAskEntries  int   `toml:"RecoveryMaxAskEntries"`
	RecoveryWaitSeconds    int64 `toml:"RecoveryWaitSeconds"`
	RecoveryRetrySeconds   int64 `toml:"RecoveryRetrySeconds"`

	LastPaidScanBlocks int `toml:"LastPaidScanBlocks"`

	// minimum collateral confirmations before an entry is announceable
	CollateralMinConfirmations int `toml:"CollateralMinConfirmations"`

	// prefix hashed into legacy message-scheme signatures
	MessageMagic string `toml:"MessageMagic"`

	// signature scheme spork: when true, sign raw hashes; when false,
	// sign the legacy string preimage.
	NewSigs bool `toml:"NewSigs"`
}

func MainNet() *Params {
	return &Params{
		Name:                       "main",
		MagicBytes:                 0xc0c0c0c0,
		DefaultPort:                22556,
		ProtocolVersion:            70015,
		MinProtocolVersion:         70013,
		AllowMultiplePorts:         false,
		OkIPv4:                     true,
		OkIPv6:                     false,
		OkDual:                     false,
		MinBroadcastSeconds:        5 * 60,
		MinPingSeconds:             10 * 60,
		ExpirationSeconds:          65 * 60,
		NewStartRequiredSeconds:    180 * 60,
		SentinelPingMaxSeconds:     60 * 60,
		PoSeBanMaxScore:            5,
		MaxPoSeRank:                10,
		MaxPoSeConnections:         10,
		MaxPoSeBlocks:              10,
		DsegUpdateSeconds:          3 * 60 * 60,
		RecoveryQuorumTotal:        10,
		RecoveryQuorumRequired:     6,
		RecoveryMaxAskEntries:      10,
		RecoveryWaitSeconds:        60,
		RecoveryRetrySeconds:       3 * 60 * 60,
		LastPaidScanBlocks:         100,
		CollateralMinConfirmations: 15,
		MessageMagic:               "DogeNode Signed Message:\n",
		NewSigs:                    true,
	}
}

func RegTest() *Params {
	p := MainNet()
	p.Name = "regtest"
	p.MagicBytes = 0xfabfb5da
	p.DefaultPort = 18444
	p.AllowMultiplePorts = true
	p.CollateralMinConfirmations = 1
	return p
}

// Load returns mainnet params with any values present in the TOML
// file at path applied on top. An empty path returns plain mainnet.
func Load(path string) (*Params, error) {
	p := MainNet()
	if path == "" {
		return p, nil
	}
	meta, err := toml.DecodeFile(path, p)
	if err != nil {
		return nil, fmt.Errorf("chaincfg: %v", err)
	}
	if un := meta.Undecoded(); len(un) > 0 {
		return nil, fmt.Errorf("chaincfg: unknown key %q in %s", un[0].String(), path)
	}
	return p, nil
}
