package upstream

import (
	"errors"
	"testing"
)

func TestWrap_Nil(t *testing.T) {
	if err := Wrap("smtp", nil); err != nil {
		t.Fatalf("expected nil, got %v", err)
	}
}

func TestWrap_MatchesBoth(t *testing.T) {
	cause := errors.New("dial tcp: connection refused")
	err := Wrap("smtp", cause)
	if !errors.Is(err, ErrUpstreamUnavailable) {
		t.Error("expected ErrUpstreamUnavailable")
	}
	if !errors.Is(err, cause) {
		t.Error("expected wrapped cause")
	}
	if got := err.Error(); got != "smtp: upstream unavailable: dial tcp: connection refused" {
		t.Errorf("unexpected message %q", got)
	}
}
