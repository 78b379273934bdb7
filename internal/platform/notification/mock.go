package notification

import (
	"context"
	"errors"
	"sync"
)

// MockEmailSender records sent emails. Other packages use it in tests.
type MockEmailSender struct {
	mu         sync.Mutex
	calls      []Email
	ShouldFail bool
	FailError  string
	// FailTimes makes the first N calls fail, then succeed.
	FailTimes int
}

// SendEmail records the call and optionally returns an error.
func (m *MockEmailSender) SendEmail(_ context.Context, msg Email) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls = append(m.calls, msg)
	if m.ShouldFail || len(m.calls) <= m.FailTimes {
		if m.FailError == "" {
			return errors.New("send failed")
		}
		return errors.New(m.FailError)
	}
	return nil
}

// Calls returns a copy of recorded email calls.
func (m *MockEmailSender) Calls() []Email {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Email, len(m.calls))
	copy(out, m.calls)
	return out
}
