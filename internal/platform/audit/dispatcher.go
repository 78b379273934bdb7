package audit

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// ErrQueueFull is returned when the dispatcher cannot accept more entries.
var ErrQueueFull = errors.New("audit queue full")

// ErrDispatcherClosed is returned by Record after Close.
var ErrDispatcherClosed = errors.New("audit dispatcher closed")

type job struct {
	id    string
	entry Entry
}

// Dispatcher forwards entries to a slower sink on a background worker.
// Record never blocks on the sink; it returns a pending receipt at once.
type Dispatcher struct {
	sink    Sink
	logger  zerolog.Logger
	timeout time.Duration

	mu     sync.RWMutex
	closed bool
	queue  chan job
	wg     sync.WaitGroup

	// OnResult, if set, is called after every delivery attempt.
	OnResult func(id string, r Receipt, err error)
}

// NewDispatcher starts workers goroutines draining a queue of size capacity.
func NewDispatcher(sink Sink, capacity, workers int, timeout time.Duration, logger zerolog.Logger) *Dispatcher {
	if capacity <= 0 {
		capacity = 256
	}
	if workers <= 0 {
		workers = 1
	}
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	d := &Dispatcher{
		sink:    sink,
		logger:  logger,
		timeout: timeout,
		queue:   make(chan job, capacity),
	}
	d.wg.Add(workers)
	for i := 0; i < workers; i++ {
		go d.run()
	}
	return d
}

func (d *Dispatcher) run() {
	defer d.wg.Done()
	for j := range d.queue {
		ctx, cancel := context.WithTimeout(context.Background(), d.timeout)
		r, err := d.sink.Record(ctx, j.entry)
		cancel()

		if err != nil {
			d.logger.Error().Err(err).
				Str("audit_id", j.id).
				Str("action", j.entry.Action).
				Str("patient_id", j.entry.PatientID).
				Msg("audit sink rejected entry")
		} else {
			d.logger.Debug().
				Str("audit_id", j.id).
				Str("backend", r.Backend).
				Str("receipt", r.ID).
				Str("tx_id", r.TxID).
				Msg("audit entry recorded")
		}
		if d.OnResult != nil {
			d.OnResult(j.id, r, err)
		}
	}
}

// Record enqueues e and returns a pending receipt.
func (d *Dispatcher) Record(_ context.Context, e Entry) (Receipt, error) {
	if e.At.IsZero() {
		e.At = time.Now().UTC()
	}
	j := job{id: uuid.NewString(), entry: e}

	d.mu.RLock()
	defer d.mu.RUnlock()
	if d.closed {
		return Receipt{}, ErrDispatcherClosed
	}
	select {
	case d.queue <- j:
		return Receipt{ID: j.id, Backend: "queued", Pending: true, RecordedAt: e.At}, nil
	default:
		d.logger.Warn().Str("action", e.Action).Str("patient_id", e.PatientID).Msg("audit queue full; entry dropped")
		return Receipt{}, ErrQueueFull
	}
}

// Close stops accepting entries and waits until the queue is drained or ctx
// is done.
func (d *Dispatcher) Close(ctx context.Context) error {
	d.mu.Lock()
	if !d.closed {
		d.closed = true
		close(d.queue)
	}
	d.mu.Unlock()

	done := make(chan struct{})
	go func() {
		d.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
