package chain

import (
	"sync"

	"code.dogecoin.org/registry/internal/spec"
)

// payment winners are visible ~8 blocks ahead of the payment height
const scheduleWindow = 8

// Schedule is the payment scheduler's winner table: which entry is
// slated to be paid at which height.
type Schedule struct {
	mu           sync.RWMutex
	winners      map[int]spec.Outpoint
	minProtocol  int
	storageLimit int
}

var _ spec.Scheduler = &Schedule{}

func NewSchedule(minProtocol int, storageLimit int) *Schedule {
	return &Schedule{
		winners:      make(map[int]spec.Outpoint),
		minProtocol:  minProtocol,
		storageLimit: storageLimit,
	}
}

// SetWinner records the scheduled payee for a height.
func (s *Schedule) SetWinner(height int, out spec.Outpoint) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.winners[height] = out
	// drop heights beyond the storage horizon
	for h := range s.winners {
		if h < height-s.storageLimit {
			delete(s.winners, h)
		}
	}
}

func (s *Schedule) IsScheduled(out spec.Outpoint, height int) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for h := height; h <= height+scheduleWindow; h++ {
		if winner, ok := s.winners[h]; ok && winner == out {
			return true
		}
	}
	return false
}

func (s *Schedule) MinProtocolVersion() int { return s.minProtocol }
func (s *Schedule) StorageLimit() int       { return s.storageLimit }
