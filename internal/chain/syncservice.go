package chain

import (
	"time"

	"code.dogecoin.org/governor"
)

// SyncService advances the sync tracker as asset streams go quiet.
type SyncService struct {
	governor.ServiceCtx
	tracker *Tracker
}

func NewSyncService(t *Tracker) governor.Service {
	return &SyncService{tracker: t}
}

// goroutine
func (sv *SyncService) Run() {
	for {
		if sv.Sleep(5 * time.Second) {
			return // stopping
		}
		sv.tracker.Tick()
	}
}
