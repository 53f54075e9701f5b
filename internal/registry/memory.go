package registry

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// Compile-time interface satisfaction checks.
var (
	_ Client = (*HTTPClient)(nil)
	_ Client = (*MemoryRegistry)(nil)
)

// MemoryRegistry is an in-memory Client used by tests and the e2e test
// server. It is safe for concurrent use.
type MemoryRegistry struct {
	mu       sync.Mutex
	nextID   int64
	versions map[string][]Version // package -> versions
}

// NewMemoryRegistry creates an empty in-memory registry.
func NewMemoryRegistry() *MemoryRegistry {
	return &MemoryRegistry{
		nextID:   1,
		versions: make(map[string][]Version),
	}
}

// AddVersion stores a version and returns its id.
func (m *MemoryRegistry) AddVersion(pkg string, tags []string, createdAt time.Time) int64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	id := m.nextID
	m.nextID++
	m.versions[pkg] = append(m.versions[pkg], Version{
		ID:        id,
		Tags:      append([]string(nil), tags...),
		CreatedAt: createdAt,
	})
	return id
}

// ListVersions returns a copy of the stored versions for a package.
func (m *MemoryRegistry) ListVersions(_ context.Context, pkg string) ([]Version, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Version, len(m.versions[pkg]))
	copy(out, m.versions[pkg])
	return out, nil
}

// DeleteVersion removes a stored version by id.
func (m *MemoryRegistry) DeleteVersion(_ context.Context, pkg string, id int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	vs := m.versions[pkg]
	for i, v := range vs {
		if v.ID == id {
			m.versions[pkg] = append(vs[:i], vs[i+1:]...)
			return nil
		}
	}
	return fmt.Errorf("%w: %d", ErrVersionNotFound, id)
}
