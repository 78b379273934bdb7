// Package upstream holds the error shared by every adapter that talks to an
// external collaborator (database, mail relay, audit ledger, inference
// endpoint).
package upstream

import (
	"errors"
	"fmt"
)

// ErrUpstreamUnavailable marks a failure of an external collaborator. Callers
// decide whether it is fatal for their operation.
var ErrUpstreamUnavailable = errors.New("upstream unavailable")

// Wrap tags err as an upstream failure of the named service. It returns nil
// when err is nil.
func Wrap(service string, err error) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s: %w: %w", service, ErrUpstreamUnavailable, err)
}
