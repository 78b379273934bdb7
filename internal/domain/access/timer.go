package access

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// GrantTimer schedules one expiry per approved grant so access ends on time
// even between sweeps. Firing re-reads the ledger, so a timer that outlives
// its grant is harmless.
type GrantTimer struct {
	ledger *Ledger
	logger zerolog.Logger
	nowFn  func() time.Time

	mu      sync.Mutex
	timers  map[string]*time.Timer
	stopped bool
}

func NewGrantTimer(ledger *Ledger, logger zerolog.Logger) *GrantTimer {
	return &GrantTimer{
		ledger: ledger,
		logger: logger,
		nowFn:  time.Now,
		timers: make(map[string]*time.Timer),
	}
}

// Listen is a ledger Listener.
func (t *GrantTimer) Listen(_ context.Context, ev Event) {
	switch ev.Kind {
	case EventApproved:
		if ev.Request.GrantExpiresAt != nil {
			t.schedule(ev.Request.RequestID, *ev.Request.GrantExpiresAt)
		}
	case EventRevoked, EventExpired:
		t.cancel(ev.Request.RequestID)
	}
}

func (t *GrantTimer) schedule(id string, at time.Time) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.stopped {
		return
	}
	if old, ok := t.timers[id]; ok {
		old.Stop()
	}
	d := at.Sub(t.nowFn())
	if d < 0 {
		d = 0
	}
	t.timers[id] = time.AfterFunc(d, func() { t.fire(id) })
}

func (t *GrantTimer) cancel(id string) {
	t.mu.Lock()
	if tm, ok := t.timers[id]; ok {
		tm.Stop()
		delete(t.timers, id)
	}
	t.mu.Unlock()
}

func (t *GrantTimer) fire(id string) {
	t.mu.Lock()
	delete(t.timers, id)
	t.mu.Unlock()

	t.ledger.EvictPayload(id)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	expired, err := t.ledger.ExpireGrant(ctx, id)
	if err != nil {
		t.logger.Error().Err(err).Str("request_id", id).Msg("grant timer failed to expire grant")
		return
	}
	if expired {
		t.logger.Info().Str("request_id", id).Msg("access grant expired")
	}
}

// Pending reports how many grants have a scheduled expiry.
func (t *GrantTimer) Pending() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.timers)
}

// Stop cancels every scheduled expiry. The sweeper still catches them.
func (t *GrantTimer) Stop() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.stopped = true
	for id, tm := range t.timers {
		tm.Stop()
		delete(t.timers, id)
	}
}
