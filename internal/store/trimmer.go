package store

import (
	"log"
	"time"

	"code.dogecoin.org/governor"

	"code.dogecoin.org/registry/internal/spec"
)

// snapshots kept around for recovery from a corrupt latest write
const keepSnapshots = 4

func NewStoreTrimmer(store spec.Store) governor.Service {
	return &StoreTrimmer{
		store: store,
	}
}

type StoreTrimmer struct {
	governor.ServiceCtx
	store spec.Store
}

// goroutine
func (sv *StoreTrimmer) Run() {
	store := sv.store.WithCtx(sv.Context)
	for {
		if sv.Sleep(1 * time.Hour) { // once an hour is enough
			return // stopping
		}
		removed, err := store.TrimSnapshots(keepSnapshots)
		if err != nil {
			log.Printf("[store] TrimSnapshots: %v", err)
		} else if removed > 0 {
			log.Printf("[store] TrimSnapshots: trimmed %v old snapshots", removed)
		}
	}
}
