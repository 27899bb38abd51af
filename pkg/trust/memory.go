package trust

import (
	"context"
	"sync"
)

// MemoryPersistence keeps records in process memory. It backs tests and
// ephemeral hosts that do not need trust decisions to survive a restart.
type MemoryPersistence struct {
	mu          sync.Mutex
	certs       []Certificate
	authorities []Authority
	saves       int
}

// NewMemoryPersistence creates an empty in-memory backend.
func NewMemoryPersistence() *MemoryPersistence {
	return &MemoryPersistence{}
}

func (m *MemoryPersistence) LoadCertificates(ctx context.Context) ([]Certificate, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]Certificate(nil), m.certs...), nil
}

func (m *MemoryPersistence) SaveCertificates(ctx context.Context, certs []Certificate) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.certs = append([]Certificate(nil), certs...)
	m.saves++
	return nil
}

func (m *MemoryPersistence) LoadAuthorities(ctx context.Context) ([]Authority, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]Authority(nil), m.authorities...), nil
}

func (m *MemoryPersistence) SaveAuthorities(ctx context.Context, authorities []Authority) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.authorities = append([]Authority(nil), authorities...)
	m.saves++
	return nil
}

// Saves returns how many Save calls succeeded.
func (m *MemoryPersistence) Saves() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.saves
}
