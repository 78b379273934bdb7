package access

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/medvault/medvault/internal/platform/audit"
	"github.com/medvault/medvault/internal/platform/notification"
)

// Directory resolves where a patient is notified.
type Directory interface {
	Reachable(ctx context.Context, patientID string) (string, error)
}

// TemplateSender delivers a rendered notification.
type TemplateSender interface {
	SendFromTemplate(ctx context.Context, templateID string, data map[string]string, recipient string) (*notification.Notification, error)
}

// Notifier emails patients about requests addressed to them. Delivery runs
// off the request path; a failed email never affects the ledger.
type Notifier struct {
	dir     Directory
	sender  TemplateSender
	logger  zerolog.Logger
	window  time.Duration
	timeout time.Duration
	wg      sync.WaitGroup
}

// NewNotifier builds a Notifier. window is the waiting window quoted to the
// patient as the request's deadline.
func NewNotifier(dir Directory, sender TemplateSender, window time.Duration, logger zerolog.Logger) *Notifier {
	return &Notifier{dir: dir, sender: sender, logger: logger, window: window, timeout: 30 * time.Second}
}

// Listen is a ledger Listener.
func (n *Notifier) Listen(ctx context.Context, ev Event) {
	var (
		templateID string
		data       map[string]string
	)
	r := ev.Request
	at := ev.At.UTC().Format(time.RFC3339)
	switch ev.Kind {
	case EventCreated:
		templateID = notification.TemplateAccessRequest
		reason := r.Reason
		if reason == "" {
			reason = "not given"
		}
		data = map[string]string{
			"doctor":     r.DoctorIdentity,
			"patient_id": r.PatientID,
			"reason":     reason,
			"expires_at": r.CreatedAt.Add(n.window).UTC().Format(time.RFC3339),
		}
	case EventApproved, EventDenied:
		templateID = notification.TemplateAccessDecision
		data = map[string]string{"decision": string(r.State), "doctor": r.DoctorIdentity, "decided_at": at}
	case EventRevoked:
		templateID = notification.TemplateAccessRevoked
		data = map[string]string{"patient_id": r.PatientID, "doctor": r.DoctorIdentity, "revoked_at": at}
	default:
		return
	}

	n.wg.Add(1)
	go func() {
		defer n.wg.Done()
		ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), n.timeout)
		defer cancel()
		n.deliver(ctx, templateID, r, data)
	}()
}

func (n *Notifier) deliver(ctx context.Context, templateID string, r AccessRequest, data map[string]string) {
	to, err := n.dir.Reachable(ctx, r.PatientID)
	if err != nil {
		n.logger.Warn().Err(err).Str("request_id", r.RequestID).Str("patient_id", r.PatientID).Msg("patient not reachable for notification")
		return
	}
	if _, err := n.sender.SendFromTemplate(ctx, templateID, data, to); err != nil {
		n.logger.Warn().Err(err).Str("request_id", r.RequestID).Str("template", templateID).Msg("access notification failed")
	}
}

// Wait blocks until every notification started so far has finished.
func (n *Notifier) Wait() { n.wg.Wait() }

// AuditListener returns a ledger Listener that records every transition to
// sink. Recording failures are logged and otherwise ignored.
func AuditListener(sink audit.Sink, logger zerolog.Logger) Listener {
	return func(ctx context.Context, ev Event) {
		entry := audit.Entry{
			Actor:     ev.Request.DoctorIdentity,
			PatientID: ev.Request.PatientID,
			Action:    "ACCESS_" + string(ev.Kind),
			Reason:    ev.Request.Reason,
			At:        ev.At,
		}
		if ev.Kind != EventCreated {
			entry.Actor = ev.Request.PatientID
		}
		if ev.Kind == EventExpired {
			entry.Actor = "system"
		}
		if _, err := sink.Record(ctx, entry); err != nil {
			logger.Warn().Err(err).Str("request_id", ev.Request.RequestID).Str("event", string(ev.Kind)).Msg("failed to audit access transition")
		}
	}
}
