package vault

import (
	"context"
	"sort"
	"sync"

	"github.com/medvault/medvault/pkg/pagination"
)

type memoryRepo struct {
	mu   sync.RWMutex
	docs map[string]*Document
}

func NewMemoryRepo() Repository {
	return &memoryRepo{docs: make(map[string]*Document)}
}

func cloneDoc(d *Document, withContent bool) *Document {
	cp := *d
	cp.Ciphertext = nil
	if withContent {
		cp.Ciphertext = append([]byte(nil), d.Ciphertext...)
	}
	return &cp
}

func (m *memoryRepo) Create(_ context.Context, d *Document) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, existing := range m.docs {
		if existing.PatientID == d.PatientID && existing.RecordHash == d.RecordHash {
			return ErrDuplicate
		}
	}
	m.docs[d.ID.String()] = cloneDoc(d, true)
	return nil
}

func (m *memoryRepo) Get(_ context.Context, id string) (*Document, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	d, ok := m.docs[id]
	if !ok {
		return nil, ErrNotFound
	}
	return cloneDoc(d, true), nil
}

func (m *memoryRepo) FindByHash(_ context.Context, recordHash string) ([]*Document, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*Document
	for _, d := range m.docs {
		if d.RecordHash == recordHash {
			out = append(out, cloneDoc(d, true))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (m *memoryRepo) ListByPatient(_ context.Context, patientID string, tier Tier, limit, offset int) ([]*Document, int, error) {
	m.mu.RLock()
	var all []*Document
	for _, d := range m.docs {
		if d.PatientID != patientID || (tier != "" && d.Tier != tier) {
			continue
		}
		all = append(all, cloneDoc(d, false))
	}
	m.mu.RUnlock()
	sort.Slice(all, func(i, j int) bool { return all[i].CreatedAt.After(all[j].CreatedAt) })
	return pagination.Window(all, pagination.Params{Limit: limit, Offset: offset}), len(all), nil
}
