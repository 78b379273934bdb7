package patient

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/medvault/medvault/pkg/pagination"
)

type memoryRepo struct {
	mu       sync.RWMutex
	byID     map[uuid.UUID]*Patient
	byUser   map[string]uuid.UUID
	byEmail  map[string]uuid.UUID
	byPublic map[string]uuid.UUID
	nowFn    func() time.Time
}

// NewMemoryRepo returns a Repository held in process memory.
func NewMemoryRepo() Repository {
	return &memoryRepo{
		byID:     make(map[uuid.UUID]*Patient),
		byUser:   make(map[string]uuid.UUID),
		byEmail:  make(map[string]uuid.UUID),
		byPublic: make(map[string]uuid.UUID),
		nowFn:    time.Now,
	}
}

func (m *memoryRepo) Create(_ context.Context, p *Patient) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.byUser[p.UserID]; ok {
		return ErrDuplicateUser
	}
	if _, ok := m.byEmail[p.Email]; ok {
		return ErrEmailTaken
	}
	if _, ok := m.byPublic[p.PatientID]; ok {
		return ErrDuplicatePatientID
	}
	if p.ID == uuid.Nil {
		p.ID = uuid.New()
	}
	now := m.nowFn().UTC()
	p.CreatedAt, p.UpdatedAt = now, now

	cp := *p
	m.byID[p.ID] = &cp
	m.byUser[p.UserID] = p.ID
	m.byEmail[p.Email] = p.ID
	m.byPublic[p.PatientID] = p.ID
	return nil
}

func (m *memoryRepo) lookup(index map[string]uuid.UUID, key string) (*Patient, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	id, ok := index[key]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *m.byID[id]
	return &cp, nil
}

func (m *memoryRepo) GetByUserID(_ context.Context, userID string) (*Patient, error) {
	return m.lookup(m.byUser, userID)
}

func (m *memoryRepo) GetByPatientID(_ context.Context, patientID string) (*Patient, error) {
	return m.lookup(m.byPublic, patientID)
}

func (m *memoryRepo) GetByEmail(_ context.Context, email string) (*Patient, error) {
	return m.lookup(m.byEmail, email)
}

func (m *memoryRepo) Update(_ context.Context, p *Patient) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cur, ok := m.byID[p.ID]
	if !ok {
		return ErrNotFound
	}
	cur.FullName = p.FullName
	cur.BloodType = p.BloodType
	cur.Allergies = p.Allergies
	cur.EmergencyContactName = p.EmergencyContactName
	cur.EmergencyContactPhone = p.EmergencyContactPhone
	cur.UpdatedAt = m.nowFn().UTC()
	p.UpdatedAt = cur.UpdatedAt
	return nil
}

func (m *memoryRepo) List(_ context.Context, limit, offset int) ([]*Patient, int, error) {
	m.mu.RLock()
	all := make([]*Patient, 0, len(m.byID))
	for _, p := range m.byID {
		cp := *p
		all = append(all, &cp)
	}
	m.mu.RUnlock()

	sort.Slice(all, func(i, j int) bool {
		if all[i].CreatedAt.Equal(all[j].CreatedAt) {
			return all[i].PatientID < all[j].PatientID
		}
		return all[i].CreatedAt.After(all[j].CreatedAt)
	})
	return pagination.Window(all, pagination.Params{Limit: limit, Offset: offset}), len(all), nil
}
