package vector

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"lumina/backend/internal/apperr"
)

// MemoryIndex keeps vectors in process memory. It backs local runs of the
// train command and tests.
type MemoryIndex struct {
	scope Scope

	mu      sync.Mutex
	indexes map[string]*memoryTable
	creates int
}

type memoryTable struct {
	spec    Spec
	records map[string]Record
}

func NewMemoryIndex(scope Scope) *MemoryIndex {
	return &MemoryIndex{scope: scope, indexes: make(map[string]*memoryTable)}
}

func (m *MemoryIndex) IndexName(tenantID string) string {
	if m.scope == ScopeGlobal {
		return "library_chunks"
	}
	return "library_chunks_" + SafeTenant(tenantID, 48)
}

func (m *MemoryIndex) Exists(_ context.Context, name string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.indexes[name]
	return ok, nil
}

func (m *MemoryIndex) Create(_ context.Context, spec Spec) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.indexes[spec.Name]; ok {
		return apperr.Conflict("create index", fmt.Errorf("index %q already exists", spec.Name))
	}
	m.indexes[spec.Name] = &memoryTable{spec: spec, records: make(map[string]Record)}
	m.creates++
	return nil
}

func (m *MemoryIndex) Upsert(_ context.Context, name string, records []Record) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	tbl, ok := m.indexes[name]
	if !ok {
		return apperr.Transient("upsert", fmt.Errorf("index %q does not exist", name))
	}
	for _, r := range records {
		if tbl.spec.Dimension > 0 && len(r.Vector) != tbl.spec.Dimension {
			return apperr.Validationf("upsert", "record %s has dimension %d, index wants %d", r.ID, len(r.Vector), tbl.spec.Dimension)
		}
	}
	for _, r := range records {
		tbl.records[r.ID] = r
	}
	return nil
}

func (m *MemoryIndex) DeleteItem(_ context.Context, name, tenantID, libraryItemID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	tbl, ok := m.indexes[name]
	if !ok {
		return nil
	}
	for id, r := range tbl.records {
		if r.TenantID == tenantID && r.LibraryItemID == libraryItemID {
			delete(tbl.records, id)
		}
	}
	return nil
}

// Creates reports how many indexes were actually created.
func (m *MemoryIndex) Creates() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.creates
}

// Records returns the stored records of an index ordered by item and sequence.
func (m *MemoryIndex) Records(name string) []Record {
	m.mu.Lock()
	defer m.mu.Unlock()
	tbl, ok := m.indexes[name]
	if !ok {
		return nil
	}
	out := make([]Record, 0, len(tbl.records))
	for _, r := range tbl.records {
		out = append(out, r)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].LibraryItemID != out[j].LibraryItemID {
			return out[i].LibraryItemID < out[j].LibraryItemID
		}
		return out[i].SequenceIndex < out[j].SequenceIndex
	})
	return out
}
