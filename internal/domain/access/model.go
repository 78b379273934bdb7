// Package access implements time-boxed, patient-approved access grants:
// a doctor requests, the patient approves or denies once, and an approved
// grant expires on its own.
package access

import (
	"encoding/json"
	"errors"
	"time"
)

type State string

const (
	StatePending  State = "pending"
	StateApproved State = "approved"
	StateDenied   State = "denied"
	StateExpired  State = "expired"
)

// Terminal reports whether no further transition other than purge is possible
// for a request observed in s by its requester.
func (s State) Terminal() bool { return s != StatePending }

type Decision string

const (
	DecisionApproved Decision = "approved"
	DecisionDenied   Decision = "denied"
)

var (
	ErrInvalidPatient  = errors.New("invalid patient id")
	ErrInvalidInput    = errors.New("invalid access request")
	ErrInvalidDecision = errors.New("decision must be approved or denied")
	ErrPayloadRequired = errors.New("approval requires a payload")
	ErrNotFound        = errors.New("access request not found")
	ErrAlreadyDecided  = errors.New("request already decided")
	ErrExpiredRequest  = errors.New("request expired before a decision")
	ErrNotGranted      = errors.New("no active grant to revoke")
	// ErrDoctorNotVerified is returned when the requesting doctor's
	// credentials have not been verified by an administrator.
	ErrDoctorNotVerified = errors.New("doctor credentials not verified")
)

// AccessRequest is one doctor's request to see one patient's records.
// GrantExpiresAt is set iff State is approved. The payload itself lives in a
// PayloadStore under PayloadRef and is never embedded here.
type AccessRequest struct {
	RequestID      string     `json:"requestId"`
	DoctorIdentity string     `json:"doctorIdentity"`
	PatientID      string     `json:"patientId"`
	State          State      `json:"state"`
	Reason         string     `json:"reason,omitempty"`
	CreatedAt      time.Time  `json:"createdAt"`
	DecidedAt      *time.Time `json:"decidedAt,omitempty"`
	GrantExpiresAt *time.Time `json:"grantExpiresAt,omitempty"`
	ExpiredAt      *time.Time `json:"expiredAt,omitempty"`
	RevokedAt      *time.Time `json:"revokedAt,omitempty"`
	PayloadRef     string     `json:"-"`
}

func (r *AccessRequest) clone() *AccessRequest {
	cp := *r
	cp.DecidedAt = copyTime(r.DecidedAt)
	cp.GrantExpiresAt = copyTime(r.GrantExpiresAt)
	cp.ExpiredAt = copyTime(r.ExpiredAt)
	cp.RevokedAt = copyTime(r.RevokedAt)
	return &cp
}

func copyTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := *t
	return &v
}

// Status is the clock-evaluated view of a request.
type Status struct {
	RequestID      string          `json:"requestId"`
	State          State           `json:"state"`
	GrantExpiresAt *time.Time      `json:"grantExpiresAt,omitempty"`
	Payload        json.RawMessage `json:"payload,omitempty"`
	// Decided is false when the request expired without a patient decision.
	Decided bool `json:"-"`
}

// RequesterState is the state shown to the requesting doctor: a request that
// lapsed without a decision reads as denied so the doctor cannot tell a
// refusal from silence.
func (s Status) RequesterState() State {
	if s.State == StateExpired && !s.Decided {
		return StateDenied
	}
	return s.State
}

// Config holds the protocol's timing constants.
type Config struct {
	WaitingWindow time.Duration
	GrantDuration time.Duration
	Retention     time.Duration
}

func DefaultConfig() Config {
	return Config{
		WaitingWindow: 5 * time.Minute,
		GrantDuration: 15 * time.Minute,
		Retention:     30 * 24 * time.Hour,
	}
}

// EventKind names a committed ledger transition.
type EventKind string

const (
	EventCreated  EventKind = "created"
	EventApproved EventKind = "approved"
	EventDenied   EventKind = "denied"
	EventRevoked  EventKind = "revoked"
	EventExpired  EventKind = "expired"
)

type Event struct {
	Kind    EventKind
	Request AccessRequest
	At      time.Time
}
