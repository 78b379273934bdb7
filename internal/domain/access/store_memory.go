package access

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/medvault/medvault/pkg/pagination"
)

type memoryStore struct {
	mu       sync.RWMutex
	requests map[string]*AccessRequest
}

// NewMemoryStore returns a Store held in process memory.
func NewMemoryStore() Store {
	return &memoryStore{requests: make(map[string]*AccessRequest)}
}

func (m *memoryStore) Insert(_ context.Context, r *AccessRequest) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.requests[r.RequestID] = r.clone()
	return nil
}

func (m *memoryStore) Get(_ context.Context, id string) (*AccessRequest, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	r, ok := m.requests[id]
	if !ok {
		return nil, ErrNotFound
	}
	return r.clone(), nil
}

func (m *memoryStore) CompareAndSwap(_ context.Context, expect State, next *AccessRequest) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	cur, ok := m.requests[next.RequestID]
	if !ok {
		return false, ErrNotFound
	}
	if cur.State != expect {
		return false, nil
	}
	m.requests[next.RequestID] = next.clone()
	return true, nil
}

func (m *memoryStore) OldestPending(_ context.Context, patientID string, createdAfter time.Time) (*AccessRequest, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var oldest *AccessRequest
	for _, r := range m.requests {
		if r.PatientID != patientID || r.State != StatePending || !r.CreatedAt.After(createdAfter) {
			continue
		}
		if oldest == nil || r.CreatedAt.Before(oldest.CreatedAt) {
			oldest = r
		}
	}
	if oldest == nil {
		return nil, nil
	}
	return oldest.clone(), nil
}

func (m *memoryStore) ListDue(_ context.Context, pendingBefore, grantBefore time.Time) ([]*AccessRequest, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var due []*AccessRequest
	for _, r := range m.requests {
		switch {
		case r.State == StatePending && !r.CreatedAt.After(pendingBefore):
			due = append(due, r.clone())
		case r.State == StateApproved && r.GrantExpiresAt != nil && !r.GrantExpiresAt.After(grantBefore):
			due = append(due, r.clone())
		}
	}
	return due, nil
}

func (m *memoryStore) LiveGrant(_ context.Context, doctorIdentity, patientID string, at time.Time) (*AccessRequest, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var best *AccessRequest
	for _, r := range m.requests {
		if r.State != StateApproved || r.PatientID != patientID || r.GrantExpiresAt == nil {
			continue
		}
		if !strings.EqualFold(r.DoctorIdentity, doctorIdentity) || !r.GrantExpiresAt.After(at) {
			continue
		}
		if best == nil || r.GrantExpiresAt.After(*best.GrantExpiresAt) {
			best = r
		}
	}
	if best == nil {
		return nil, nil
	}
	return best.clone(), nil
}

func (m *memoryStore) ListByPatient(_ context.Context, patientID string, limit, offset int) ([]*AccessRequest, int, error) {
	m.mu.RLock()
	var all []*AccessRequest
	for _, r := range m.requests {
		if r.PatientID == patientID {
			all = append(all, r.clone())
		}
	}
	m.mu.RUnlock()
	sort.Slice(all, func(i, j int) bool { return all[i].CreatedAt.After(all[j].CreatedAt) })
	return pagination.Window(all, pagination.Params{Limit: limit, Offset: offset}), len(all), nil
}

func (m *memoryStore) Purge(_ context.Context, cutoff time.Time) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for id, r := range m.requests {
		if (r.State == StateDenied || r.State == StateExpired) && lastTouched(r).Before(cutoff) {
			delete(m.requests, id)
			n++
		}
	}
	return n, nil
}

type memoryPayloads struct {
	mu   sync.RWMutex
	data map[string][]byte
}

// NewMemoryPayloadStore returns a PayloadStore held in process memory.
func NewMemoryPayloadStore() PayloadStore {
	return &memoryPayloads{data: make(map[string][]byte)}
}

func (m *memoryPayloads) Put(_ context.Context, ref, _ string, ciphertext []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.data[ref] = append([]byte(nil), ciphertext...)
	return nil
}

func (m *memoryPayloads) Get(_ context.Context, ref string) ([]byte, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	b, ok := m.data[ref]
	if !ok {
		return nil, ErrNotFound
	}
	return append([]byte(nil), b...), nil
}

func (m *memoryPayloads) Delete(_ context.Context, ref string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.data, ref)
	return nil
}
