package daemon

import (
	"sync"

	"github.com/arqma/arqmavisor/pkg/types"
)

// snapshotStore holds the latest merged daemon data. Every update replaces
// the stored value as a whole.
type snapshotStore struct {
	mu   sync.RWMutex
	data types.DaemonData
}

func (s *snapshotStore) apply(partial types.DaemonData) types.DaemonData {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.data = s.data.Merge(partial)
	return s.data
}

func (s *snapshotStore) get() types.DaemonData {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.data
}

func (s *snapshotStore) reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.data = types.DaemonData{}
}
