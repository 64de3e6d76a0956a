package clinic

import (
	"context"
	"sort"
	"sync"
)

// MemoryStore keeps clinic settings in process. Used by tests and local development.
type MemoryStore struct {
	mu       sync.RWMutex
	settings map[string]Settings
}

// NewMemoryStore creates an empty in-memory settings store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{settings: make(map[string]Settings)}
}

// Put creates or replaces the settings of a clinic, registering the clinic itself.
func (m *MemoryStore) Put(st Settings) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.settings[st.ClinicID] = st
}

// ListClinicIDs returns registered clinic ids in sorted order.
func (m *MemoryStore) ListClinicIDs(ctx context.Context) ([]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	ids := make([]string, 0, len(m.settings))
	for id := range m.settings {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids, nil
}

// Get returns the settings of a clinic.
func (m *MemoryStore) Get(ctx context.Context, clinicID string) (Settings, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	st, ok := m.settings[clinicID]
	if !ok {
		return Settings{}, ErrSettingsNotFound
	}
	return st, nil
}

// BillingRule returns the clinic's billing rule.
func (m *MemoryStore) BillingRule(ctx context.Context, clinicID string) (BillingRule, error) {
	return ruleFrom(m.Get(ctx, clinicID))
}
