package registry

import (
	"fmt"
	"log"

	"code.dogecoin.org/gossip/codec"

	msg "code.dogecoin.org/registry/internal/core"
	"code.dogecoin.org/registry/internal/spec"
)

// SnapshotVersion tags the persisted blob; any mismatch makes the
// loader discard the snapshot and rebuild from the network.
const SnapshotVersion = "CMasternodeMan-Version-8"

// Serialize captures the registry map, ask-tables, seen-caches and
// counters into one opaque blob.
func (m *Manager) Serialize() []byte {
	m.mu.Lock()
	defer m.mu.Unlock()

	e := codec.Encode(4096)
	e.VarString(SnapshotVersion)

	e.VarUInt(uint64(len(m.entries)))
	for _, ent := range m.entries {
		b := m.broadcastOf(ent)
		e.VarString(string(msg.EncodeBroadcast(b)))
		e.UInt32le(uint32(ent.State))
		e.UInt32le(uint32(ent.LastPaidBlock))
		e.UInt64le(uint64(ent.LastPaidTime))
		e.UInt32le(uint32(int32(ent.PoSeBanScore)))
		e.Bool(ent.poSeVerified)
		e.Bool(ent.AllowMixingTx)
		e.UInt64le(ent.LastDsq)
	}

	encodeExpiryTable(e, m.askedUsForList)
	encodeExpiryTable(e, m.weAskedForList)

	e.VarUInt(uint64(len(m.weAskedForEntry)))
	for out, peers := range m.weAskedForEntry {
		msg.EncodeOutpoint(out, e)
		encodeExpiryTable(e, peers)
	}

	e.VarUInt(uint64(len(m.seenBroadcast)))
	for _, sb := range m.seenBroadcast {
		e.UInt64le(uint64(sb.firstSeen))
		e.VarString(string(msg.EncodeBroadcast(sb.bcast)))
	}

	e.VarUInt(uint64(len(m.seenPing)))
	for _, p := range m.seenPing {
		e.VarString(string(msg.EncodePingMsg(p)))
	}

	e.UInt64le(m.dsqCount)
	e.UInt64le(uint64(m.lastSentinelPing))
	return e.Result()
}

func encodeExpiryTable(e *codec.Encoder, table map[string]int64) {
	e.VarUInt(uint64(len(table)))
	for key, expiry := range table {
		e.VarString(key)
		e.UInt64le(uint64(expiry))
	}
}

// Deserialize restores a blob produced by Serialize. A truncated or
// corrupt blob is rejected in one piece: no partial state is applied.
func (m *Manager) Deserialize(data []byte) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = spec.NewErr(spec.DBProblem, "corrupt registry snapshot: %v", r)
		}
	}()

	d := codec.Decode(data)
	version := d.VarString()
	if version != SnapshotVersion {
		return spec.NewErr(spec.NotFound, "snapshot version %q, want %q", version, SnapshotVersion)
	}

	entries := make(map[spec.Outpoint]*Entry)
	count := d.VarUInt()
	for i := uint64(0); i < count; i++ {
		b := msg.DecodeBroadcast([]byte(d.VarString()))
		ent := entryFromBroadcast(b)
		ent.State = State(d.UInt32le())
		ent.LastPaidBlock = int(int32(d.UInt32le()))
		ent.LastPaidTime = int64(d.UInt64le())
		ent.PoSeBanScore = int(int32(d.UInt32le()))
		ent.poSeVerified = d.Bool()
		ent.AllowMixingTx = d.Bool()
		ent.LastDsq = d.UInt64le()
		entries[ent.Outpoint] = ent
	}

	askedUs := decodeExpiryTable(d)
	weAsked := decodeExpiryTable(d)

	weAskedEntry := make(map[spec.Outpoint]map[string]int64)
	count = d.VarUInt()
	for i := uint64(0); i < count; i++ {
		out := msg.DecodeOutpoint(d)
		weAskedEntry[out] = decodeExpiryTable(d)
	}

	seenB := make(map[[32]byte]*seenBroadcast)
	count = d.VarUInt()
	for i := uint64(0); i < count; i++ {
		firstSeen := int64(d.UInt64le())
		b := msg.DecodeBroadcast([]byte(d.VarString()))
		seenB[b.Hash()] = &seenBroadcast{firstSeen: firstSeen, bcast: b}
	}

	seenP := make(map[[32]byte]msg.Ping)
	count = d.VarUInt()
	for i := uint64(0); i < count; i++ {
		p := msg.DecodePingPayload([]byte(d.VarString()))
		seenP[p.Hash()] = p
	}

	dsqCount := d.UInt64le()
	lastSentinel := int64(d.UInt64le())

	m.mu.Lock()
	defer m.mu.Unlock()
	m.entries = entries
	m.askedUsForList = askedUs
	m.weAskedForList = weAsked
	m.weAskedForEntry = weAskedEntry
	m.seenBroadcast = seenB
	m.seenPing = seenP
	m.dsqCount = dsqCount
	m.lastSentinelPing = lastSentinel
	return nil
}

func decodeExpiryTable(d *codec.Decoder) map[string]int64 {
	table := make(map[string]int64)
	count := d.VarUInt()
	for i := uint64(0); i < count; i++ {
		key := d.VarString()
		table[key] = int64(d.UInt64le())
	}
	return table
}

// SaveTo persists the current snapshot.
func (m *Manager) SaveTo(store spec.Store) error {
	data := m.Serialize()
	if err := store.SaveSnapshot(SnapshotVersion, data); err != nil {
		return fmt.Errorf("saving registry snapshot: %w", err)
	}
	log.Printf("[registry] saved snapshot: %d bytes, %s", len(data), m.String())
	return nil
}

// LoadFrom restores the latest snapshot; a missing or mismatched
// snapshot leaves the registry empty to rebuild from the network.
func (m *Manager) LoadFrom(store spec.Store) error {
	data, err := store.LoadSnapshot(SnapshotVersion)
	if err != nil {
		if spec.IsNotFoundError(err) {
			log.Printf("[registry] no usable snapshot, rebuilding from network")
			return nil
		}
		return err
	}
	if err := m.Deserialize(data); err != nil {
		log.Printf("[registry] discarding snapshot: %v", err)
		m.Clear()
		return nil
	}
	log.Printf("[registry] loaded snapshot: %s", m.String())
	return nil
}
