package registry

import (
	"log"
	"time"

	"code.dogecoin.org/governor"

	"code.dogecoin.org/registry/internal/spec"
)

// Housekeeper drives the registry's periodic work: draining pending
// request queues every tick, the full check-and-remove pass and
// verification round once a minute, and snapshot persistence.
type Housekeeper struct {
	governor.ServiceCtx
	mgr    *Manager
	_store spec.Store
	store  spec.Store
	tick   int
}

func NewHousekeeper(mgr *Manager, store spec.Store) governor.Service {
	return &Housekeeper{mgr: mgr, _store: store}
}

// goroutine
func (h *Housekeeper) Run() {
	h.store = h._store.WithCtx(h.Context) // Service Context is first available here
	for {
		if h.Sleep(1 * time.Second) {
			return // stopping
		}
		h.tick++

		h.mgr.ProcessPendingMnbRequests()
		h.mgr.ProcessPendingMnvRequests()

		if h.tick%60 == 0 {
			h.mgr.CheckAndRemove()
			h.mgr.CheckMissingEntries()
			h.mgr.WarnDaemonUpdates()
		}
		if h.tick%60 == 15 {
			h.mgr.DoFullVerificationStep()
		}
		if h.tick%300 == 30 {
			if err := h.mgr.SaveTo(h.store); err != nil {
				log.Printf("[housekeeper] saving snapshot: %v", err)
			}
		}
	}
}

// Stop flushes a final snapshot.
func (h *Housekeeper) Stop() {
	if h.store == nil {
		return
	}
	if err := h.mgr.SaveTo(h._store); err != nil {
		log.Printf("[housekeeper] final snapshot: %v", err)
	}
}
