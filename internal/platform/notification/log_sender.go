package notification

import (
	"context"

	"github.com/rs/zerolog"
)

// LogSender writes emails to the log instead of delivering them. It is used
// when no SMTP relay is configured so OTP codes are still visible locally.
type LogSender struct {
	logger zerolog.Logger
}

func NewLogSender(logger zerolog.Logger) *LogSender {
	return &LogSender{logger: logger}
}

func (s *LogSender) SendEmail(_ context.Context, msg Email) error {
	s.logger.Warn().
		Str("to", msg.To).
		Str("subject", msg.Subject).
		Str("body", msg.Text).
		Msg("smtp not configured; email logged instead of sent")
	return nil
}
