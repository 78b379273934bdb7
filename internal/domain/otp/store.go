package otp

import (
	"context"
	"errors"
	"sync"
	"time"
)

// ErrNoCode is returned by a Store when no live code exists for an email.
var ErrNoCode = errors.New("no active code")

// Record is one outstanding code.
type Record struct {
	Code      string
	ExpiresAt time.Time
	Attempts  int
}

// Store keeps at most one outstanding code per email.
type Store interface {
	// Put replaces any previous code for email.
	Put(ctx context.Context, email string, rec Record) error
	Get(ctx context.Context, email string) (Record, error)
	// IncrementAttempts bumps the failed-attempt counter and returns the new
	// value, or ErrNoCode if the code is gone.
	IncrementAttempts(ctx context.Context, email string) (int, error)
	// Delete removes the code and reports whether this call removed it.
	Delete(ctx context.Context, email string) (bool, error)
}

type MemoryStore struct {
	mu    sync.Mutex
	codes map[string]Record
	nowFn func() time.Time
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{codes: make(map[string]Record), nowFn: time.Now}
}

// live returns the record for email, dropping it if it has expired.
// Callers hold mu.
func (s *MemoryStore) live(email string) (Record, bool) {
	rec, ok := s.codes[email]
	if !ok {
		return Record{}, false
	}
	if !s.nowFn().Before(rec.ExpiresAt) {
		delete(s.codes, email)
		return Record{}, false
	}
	return rec, true
}

func (s *MemoryStore) Put(_ context.Context, email string, rec Record) error {
	s.mu.Lock()
	s.codes[email] = rec
	s.mu.Unlock()
	return nil
}

func (s *MemoryStore) Get(_ context.Context, email string) (Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.live(email)
	if !ok {
		return Record{}, ErrNoCode
	}
	return rec, nil
}

func (s *MemoryStore) IncrementAttempts(_ context.Context, email string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.live(email)
	if !ok {
		return 0, ErrNoCode
	}
	rec.Attempts++
	s.codes[email] = rec
	return rec.Attempts, nil
}

func (s *MemoryStore) Delete(_ context.Context, email string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.live(email)
	delete(s.codes, email)
	return ok, nil
}
