package doctor

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/medvault/medvault/pkg/pagination"
)

type memoryRepo struct {
	mu          sync.RWMutex
	byID        map[uuid.UUID]*Doctor
	credentials map[uuid.UUID]*Credential
	nowFn       func() time.Time
}

// NewMemoryRepo returns a Repository held in process memory.
func NewMemoryRepo() Repository {
	return &memoryRepo{
		byID:        make(map[uuid.UUID]*Doctor),
		credentials: make(map[uuid.UUID]*Credential),
		nowFn:       time.Now,
	}
}

// conflict checks unique keys against every doctor except self.
func (m *memoryRepo) conflict(d *Doctor) error {
	for id, o := range m.byID {
		if id == d.ID {
			continue
		}
		switch {
		case o.UserID == d.UserID:
			return ErrDuplicateUser
		case o.Email == d.Email:
			return ErrEmailTaken
		case o.LicenseID == d.LicenseID:
			return ErrLicenseTaken
		}
	}
	return nil
}

func (m *memoryRepo) view(d *Doctor) *Doctor {
	cp := *d
	_, cp.HasCredential = m.credentials[d.ID]
	return &cp
}

func (m *memoryRepo) Create(_ context.Context, d *Doctor) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if d.ID == uuid.Nil {
		d.ID = uuid.New()
	}
	if err := m.conflict(d); err != nil {
		return err
	}
	now := m.nowFn().UTC()
	d.CreatedAt, d.UpdatedAt = now, now
	cp := *d
	m.byID[d.ID] = &cp
	return nil
}

func (m *memoryRepo) find(match func(*Doctor) bool) (*Doctor, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, d := range m.byID {
		if match(d) {
			return m.view(d), nil
		}
	}
	return nil, ErrNotFound
}

func (m *memoryRepo) GetByID(_ context.Context, id uuid.UUID) (*Doctor, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	d, ok := m.byID[id]
	if !ok {
		return nil, ErrNotFound
	}
	return m.view(d), nil
}

func (m *memoryRepo) GetByUserID(_ context.Context, userID string) (*Doctor, error) {
	return m.find(func(d *Doctor) bool { return d.UserID == userID })
}

func (m *memoryRepo) GetByEmail(_ context.Context, email string) (*Doctor, error) {
	return m.find(func(d *Doctor) bool { return d.Email == email })
}

func (m *memoryRepo) GetByLicense(_ context.Context, licenseID string) (*Doctor, error) {
	return m.find(func(d *Doctor) bool { return d.LicenseID == licenseID })
}

func (m *memoryRepo) UpdateApplication(_ context.Context, d *Doctor) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cur, ok := m.byID[d.ID]
	if !ok {
		return ErrNotFound
	}
	if err := m.conflict(d); err != nil {
		return err
	}
	cur.FullName = d.FullName
	cur.Specialty = d.Specialty
	cur.ExperienceYears = d.ExperienceYears
	cur.LicenseID = d.LicenseID
	cur.Status = StatusPending
	cur.ReviewNote, cur.ReviewedBy, cur.ReviewedAt = "", "", nil
	cur.UpdatedAt = m.nowFn().UTC()
	*d = *m.view(cur)
	return nil
}

func (m *memoryRepo) SetStatus(_ context.Context, id uuid.UUID, from Status, r Review) (*Doctor, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	cur, ok := m.byID[id]
	if !ok {
		return nil, ErrNotFound
	}
	if cur.Status != from {
		return nil, ErrStatusChanged
	}
	at := r.At
	cur.Status = r.Status
	cur.ReviewNote = r.Note
	cur.ReviewedBy = r.Reviewer
	cur.ReviewedAt = &at
	cur.UpdatedAt = m.nowFn().UTC()
	return m.view(cur), nil
}

func (m *memoryRepo) PutCredential(_ context.Context, id uuid.UUID, c *Credential) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.byID[id]; !ok {
		return ErrNotFound
	}
	cp := *c
	cp.Ciphertext = append([]byte(nil), c.Ciphertext...)
	cp.Content = nil
	m.credentials[id] = &cp
	return nil
}

func (m *memoryRepo) GetCredential(_ context.Context, id uuid.UUID) (*Credential, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	c, ok := m.credentials[id]
	if !ok {
		return nil, ErrNoCredential
	}
	cp := *c
	cp.Ciphertext = append([]byte(nil), c.Ciphertext...)
	return &cp, nil
}

func (m *memoryRepo) List(_ context.Context, status Status, limit, offset int) ([]*Doctor, int, error) {
	m.mu.RLock()
	all := make([]*Doctor, 0, len(m.byID))
	for _, d := range m.byID {
		if status == "" || d.Status == status {
			all = append(all, m.view(d))
		}
	}
	m.mu.RUnlock()

	sort.Slice(all, func(i, j int) bool {
		if all[i].CreatedAt.Equal(all[j].CreatedAt) {
			return all[i].Email < all[j].Email
		}
		return all[i].CreatedAt.Before(all[j].CreatedAt)
	})
	return pagination.Window(all, pagination.Params{Limit: limit, Offset: offset}), len(all), nil
}
