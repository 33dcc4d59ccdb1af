package apperr

import (
	"errors"
	"fmt"
	"testing"
)

func TestKindOf(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want Kind
	}{
		{"bad request", BadRequest("convert", "missing %s", "x"), KindBadRequest},
		{"wrapped rate limited", fmt.Errorf("failed to send: %w", RateLimited("send", errors.New("429"))), KindRateLimited},
		{"plain error", errors.New("boom"), KindUnknown},
		{"storage", Storage("add", errors.New("fk")), KindStorage},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := KindOf(tt.err); got != tt.want {
				t.Errorf("KindOf() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestIsRetryable(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"nil", nil, false},
		{"rate limited", RateLimited("send", nil), true},
		{"empty", EmptyResponse("send", nil), true},
		{"blocked", Blocked("send", nil), true},
		{"bad request", BadRequest("send", "nope"), false},
		{"invalid json", InvalidJSON("score", nil), false},
		{"storage", Storage("add", nil), false},
		{"unknown", Unknown("send", errors.New("eof")), false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := IsRetryable(tt.err); got != tt.want {
				t.Errorf("IsRetryable() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestError_Unwrap(t *testing.T) {
	root := errors.New("root cause")
	err := fmt.Errorf("outer: %w", Unknown("send", root))

	if !errors.Is(err, root) {
		t.Error("expected errors.Is to reach the root cause")
	}
	if !Is(err, KindUnknown) {
		t.Error("expected Is(KindUnknown)")
	}
	if Is(err, KindBlocked) {
		t.Error("did not expect Is(KindBlocked)")
	}
}
