package memory

import (
	"context"
	"sync"

	"github.com/civicquest/xp-ledger/internal/domain/mission"
	"github.com/civicquest/xp-ledger/internal/domain/shared"
)

// Missions is an in-memory mission.Lookup.
type Missions struct {
	mu       sync.RWMutex
	missions map[string]*mission.Mission
}

var _ mission.Lookup = (*Missions)(nil)

// NewMissions creates a catalog holding the given missions.
func NewMissions(ms ...*mission.Mission) *Missions {
	c := &Missions{missions: make(map[string]*mission.Mission, len(ms))}
	for _, m := range ms {
		c.Put(m)
	}
	return c
}

// Put adds or replaces a mission.
func (c *Missions) Put(m *mission.Mission) {
	c.mu.Lock()
	defer c.mu.Unlock()
	cp := *m
	cp.Normalize()
	c.missions[m.ID] = &cp
}

// Upsert implements mission.Writer. Slugs are not checked for uniqueness.
func (c *Missions) Upsert(_ context.Context, m *mission.Mission) error {
	m.Normalize()
	c.Put(m)
	return nil
}

// GetMission implements mission.Lookup.
func (c *Missions) GetMission(ctx context.Context, id string) (*mission.Mission, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	m, ok := c.missions[id]
	if !ok {
		return nil, shared.ErrMissionNotFound
	}
	cp := *m
	return &cp, nil
}
