// Package audit records "reason for access" events in an append-only sink:
// in memory, a local hash-chained LevelDB log, or a Fabric smart contract.
package audit

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Actions recorded by the vault.
const (
	ActionGatekeeper = "GATEKEEPER_UNLOCK"
	ActionEmergency  = "EMERGENCY_OVERRIDE"
	ActionAccess     = "PHI_ACCESS"
)

// Entry is one audited access.
type Entry struct {
	Actor      string    `json:"actor"`
	PatientID  string    `json:"patient_id"`
	Action     string    `json:"action"`
	Reason     string    `json:"reason"`
	RecordHash string    `json:"record_hash,omitempty"`
	At         time.Time `json:"at"`
}

// Receipt identifies where an entry ended up.
type Receipt struct {
	ID         string    `json:"id"`
	Backend    string    `json:"backend"`
	Hash       string    `json:"hash,omitempty"`
	TxID       string    `json:"tx_id,omitempty"`
	Pending    bool      `json:"pending,omitempty"`
	RecordedAt time.Time `json:"recorded_at"`
}

// Sink persists audit entries. Implementations must be safe for concurrent use.
type Sink interface {
	Record(ctx context.Context, e Entry) (Receipt, error)
}

// MemorySink keeps entries in a slice.
type MemorySink struct {
	mu      sync.Mutex
	entries []Entry
}

func NewMemorySink() *MemorySink { return &MemorySink{} }

func (s *MemorySink) Record(_ context.Context, e Entry) (Receipt, error) {
	if e.At.IsZero() {
		e.At = time.Now().UTC()
	}
	s.mu.Lock()
	s.entries = append(s.entries, e)
	s.mu.Unlock()
	return Receipt{ID: uuid.NewString(), Backend: "memory", RecordedAt: e.At}, nil
}

// Entries returns a copy of everything recorded so far.
func (s *MemorySink) Entries() []Entry {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Entry, len(s.entries))
	copy(out, s.entries)
	return out
}

// NopSink discards entries.
type NopSink struct{}

func (NopSink) Record(_ context.Context, e Entry) (Receipt, error) {
	return Receipt{Backend: "none", RecordedAt: time.Now().UTC()}, nil
}
