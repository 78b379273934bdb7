package notification

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

var (
	// ErrNotFound is returned for an unknown notification id.
	ErrNotFound = errors.New("notification not found")
	// ErrNotRetryable is returned by Retry for sensitive notifications.
	ErrNotRetryable = errors.New("notification cannot be re-sent")
)

const redacted = "[redacted]"

// RetryPolicy controls inline retries inside Send.
type RetryPolicy struct {
	Attempts int
	Backoff  time.Duration
}

// Manager sends notifications and keeps the most recent ones in memory so
// failed deliveries can be inspected and retried.
type Manager struct {
	sender    EmailSender
	templates *TemplateEngine
	retry     RetryPolicy
	logger    zerolog.Logger
	keep      int

	mu            sync.RWMutex
	notifications map[string]*Notification
	order         []string
	nowFn         func() time.Time
	sleep         func(ctx context.Context, d time.Duration) error
}

// NewManager constructs a Manager. keep bounds how many notifications are
// retained; the oldest are dropped first.
func NewManager(sender EmailSender, tpl *TemplateEngine, retry RetryPolicy, keep int, logger zerolog.Logger) *Manager {
	if retry.Attempts < 1 {
		retry.Attempts = 1
	}
	if keep <= 0 {
		keep = 1000
	}
	return &Manager{
		sender:        sender,
		templates:     tpl,
		retry:         retry,
		logger:        logger,
		keep:          keep,
		notifications: make(map[string]*Notification),
		nowFn:         time.Now,
		sleep:         sleepCtx,
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Send delivers n, retrying per the manager's policy with linear backoff.
// The notification is stored whether or not delivery succeeded.
func (m *Manager) Send(ctx context.Context, n *Notification) error {
	if n.ID == "" {
		n.ID = uuid.NewString()
	}
	n.CreatedAt = m.nowFn().UTC()
	n.Status = StatusPending
	msg := n.email()
	if n.Sensitive {
		n.Body = redacted
		n.HTMLBody = ""
		n.TemplateData = nil
	}
	m.store(n)

	err := m.deliver(ctx, n, msg, m.retry.Attempts)
	if err != nil {
		m.logger.Warn().Err(err).
			Str("notification_id", n.ID).
			Str("template", n.TemplateID).
			Int("attempts", n.Attempts).
			Msg("notification delivery failed")
	}
	return err
}

func (n *Notification) email() Email {
	return Email{To: n.Recipient, Subject: n.Subject, Text: n.Body, HTML: n.HTMLBody}
}

func (m *Manager) deliver(ctx context.Context, n *Notification, msg Email, attempts int) error {
	var sendErr error
	for i := 0; i < attempts; i++ {
		if i > 0 {
			if err := m.sleep(ctx, time.Duration(i)*m.retry.Backoff); err != nil {
				sendErr = err
				break
			}
		}
		m.mu.Lock()
		n.Attempts++
		m.mu.Unlock()
		if sendErr = m.sender.SendEmail(ctx, msg); sendErr == nil {
			break
		}
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if sendErr != nil {
		n.Status = StatusFailed
		n.Error = sendErr.Error()
		return sendErr
	}
	sentAt := m.nowFn().UTC()
	n.Status = StatusSent
	n.SentAt = &sentAt
	n.Error = ""
	return nil
}

func (m *Manager) store(n *Notification) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.notifications[n.ID]; !ok {
		m.order = append(m.order, n.ID)
	}
	m.notifications[n.ID] = n
	for len(m.order) > m.keep {
		delete(m.notifications, m.order[0])
		m.order = m.order[1:]
	}
}

// SendFromTemplate renders a template and sends the resulting notification.
func (m *Manager) SendFromTemplate(ctx context.Context, templateID string, data map[string]string, recipient string) (*Notification, error) {
	msg, err := m.templates.Render(templateID, data)
	if err != nil {
		return nil, fmt.Errorf("render template: %w", err)
	}

	n := &Notification{
		Recipient:    recipient,
		Subject:      msg.Subject,
		Body:         msg.Text,
		HTMLBody:     msg.HTML,
		TemplateID:   templateID,
		TemplateData: data,
		Sensitive:    m.templates.Sensitive(templateID),
	}
	if err := m.Send(ctx, n); err != nil {
		return n, err
	}
	return n, nil
}

// Get returns a copy of the notification with the given id.
func (m *Manager) Get(_ context.Context, id string) (*Notification, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	n, ok := m.notifications[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *n
	return &cp, nil
}

// Retry re-sends a failed notification once. Sensitive notifications are
// refused with ErrNotRetryable; the caller should issue a fresh one.
func (m *Manager) Retry(ctx context.Context, id string) error {
	m.mu.RLock()
	n, ok := m.notifications[id]
	var status string
	var sensitive bool
	var msg Email
	if ok {
		status, sensitive, msg = n.Status, n.Sensitive, n.email()
	}
	m.mu.RUnlock()
	if !ok {
		return ErrNotFound
	}
	if sensitive {
		return ErrNotRetryable
	}
	if status != StatusFailed {
		return fmt.Errorf("notification %q is not in failed status (current: %s)", id, status)
	}
	return m.deliver(ctx, n, msg, 1)
}

// Stats returns counts of retained notifications grouped by status.
func (m *Manager) Stats(_ context.Context) map[string]int {
	m.mu.RLock()
	defer m.mu.RUnlock()

	stats := make(map[string]int)
	for _, n := range m.notifications {
		stats[n.Status]++
	}
	return stats
}
