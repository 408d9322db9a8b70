package registry

import (
	"log"

	msg "code.dogecoin.org/registry/internal/core"
	"code.dogecoin.org/registry/internal/signer"
	"code.dogecoin.org/registry/internal/spec"
)

// a ping must reference a block within this many blocks of the tip
const pingMaxBlockDepth = 24

func (m *Manager) verifyPingSig(p *msg.Ping, pubKeyService []byte) bool {
	if m.scheme() == signer.HashScheme {
		return signer.VerifyHash(pubKeyService, p.SignatureHash(), p.Sig)
	}
	return signer.VerifyMessage(pubKeyService, m.cfg.MessageMagic, p.SignatureMessage(), p.Sig)
}

// pingCheckAndUpdate validates a liveness ping and installs it on the
// entry. fromNewBroadcast relaxes the state gating for pings embedded
// in a fresh announcement.
func (m *Manager) pingCheckAndUpdate(p msg.Ping, fromNewBroadcast bool) error {
	if p.SigTime > m.chain.AdjustedTime()+maxTimeDriftSeconds {
		return spec.DoSErr(spec.InvalidSignature, 1, "ping signed too far in the future: %v", p.Outpoint)
	}

	// chain view before the registry lock
	height, known := m.chain.BlockHeightOf(p.BlockHash)
	if !known {
		// could be a chain view ahead of ours; not necessarily hostile
		return spec.NewErr(spec.BlockHashUnavailable, "ping references unknown block: %v", p.Outpoint)
	}
	tip := m.chain.TipHeight()
	if height < tip-pingMaxBlockDepth {
		return spec.NewErr(spec.StaleHeight, "ping references block %d at tip %d: %v", height, tip, p.Outpoint)
	}

	doRelay := false
	err := func() error {
		m.mu.Lock()
		defer m.mu.Unlock()

		e := m.entries[p.Outpoint]
		if e == nil {
			return spec.NewErr(spec.UnknownOutpoint, "ping for unknown entry: %v", p.Outpoint)
		}
		if !fromNewBroadcast {
			if e.IsUpdateRequired() {
				return spec.NewErr(spec.StaleHeight, "ping for update-required entry: %v", p.Outpoint)
			}
			if e.IsNewStartRequired() {
				return spec.NewErr(spec.StaleHeight, "ping for new-start-required entry: %v", p.Outpoint)
			}
		}
		// rate limit: a fresh ping shortly after the previous one is noise
		if e.IsPingedWithin(m.cfg.MinPingSeconds-60, p.SigTime) {
			return spec.NewErr(spec.StaleHeight, "ping too often for entry: %v", p.Outpoint)
		}
		if !m.verifyPingSig(&p, e.PubKeyService) {
			return spec.DoSErr(spec.InvalidSignature, 33, "bad ping signature: %v", p.Outpoint)
		}

		log.Printf("[registry] ping accepted: entry=%v", p.Outpoint)
		e.LastPing = p
		m.seenPing[p.Hash()] = p

		// update the ping carried by the cached announcement
		b := m.broadcastOf(e)
		bHash := b.Hash()
		if sb, ok := m.seenBroadcast[bHash]; ok {
			sb.bcast.LastPing = p
		}

		m.checkEntryLocked(e, true, false)
		doRelay = e.IsEnabled() || e.IsExpired()
		return nil
	}()
	if err != nil {
		return err
	}
	if doRelay {
		m.relayPing(p)
	}
	return nil
}
