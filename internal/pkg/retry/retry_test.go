package retry

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/cenkalti/backoff/v5"

	"github.com/ashwinyue/next-redteam/internal/pkg/apperr"
)

func fastPolicy(max int) *Policy {
	return &Policy{
		MaxAttempts: max,
		NewBackOff:  func() backoff.BackOff { return backoff.NewConstantBackOff(time.Millisecond) },
		Retryable:   apperr.IsRetryable,
	}
}

func TestPolicy_Do(t *testing.T) {
	tests := []struct {
		name      string
		policy    *Policy
		failures  []error
		wantCalls int
		wantKind  apperr.Kind
		wantErr   bool
	}{
		{
			name:      "succeeds on third attempt after rate limits",
			policy:    fastPolicy(5),
			failures:  []error{apperr.RateLimited("send", nil), apperr.RateLimited("send", nil)},
			wantCalls: 3,
		},
		{
			name:      "bad request is not retried",
			policy:    fastPolicy(5),
			failures:  []error{apperr.BadRequest("send", "no")},
			wantCalls: 1,
			wantErr:   true,
			wantKind:  apperr.KindBadRequest,
		},
		{
			name:      "storage error is not retried",
			policy:    fastPolicy(5),
			failures:  []error{apperr.Storage("add", errors.New("disk"))},
			wantCalls: 1,
			wantErr:   true,
			wantKind:  apperr.KindStorage,
		},
		{
			name:   "gives up after max attempts",
			policy: fastPolicy(2),
			failures: []error{
				apperr.EmptyResponse("send", nil),
				apperr.EmptyResponse("send", nil),
				apperr.EmptyResponse("send", nil),
			},
			wantCalls: 2,
			wantErr:   true,
			wantKind:  apperr.KindEmptyResponse,
		},
		{
			name:   "json policy retries invalid json only",
			policy: JSONPolicy(3),
			failures: []error{
				apperr.InvalidJSON("parse", nil),
				apperr.InvalidJSON("parse", nil),
			},
			wantCalls: 3,
		},
		{
			name:      "json policy does not retry rate limits",
			policy:    JSONPolicy(3),
			failures:  []error{apperr.RateLimited("send", nil)},
			wantCalls: 1,
			wantErr:   true,
			wantKind:  apperr.KindRateLimited,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			calls := 0
			err := tt.policy.Do(context.Background(), func(ctx context.Context) error {
				calls++
				if calls <= len(tt.failures) {
					return tt.failures[calls-1]
				}
				return nil
			})

			if calls != tt.wantCalls {
				t.Errorf("calls = %d, want %d", calls, tt.wantCalls)
			}
			if (err != nil) != tt.wantErr {
				t.Fatalf("err = %v, wantErr %v", err, tt.wantErr)
			}
			if tt.wantErr && apperr.KindOf(err) != tt.wantKind {
				t.Errorf("kind = %v, want %v", apperr.KindOf(err), tt.wantKind)
			}
		})
	}
}

func TestRun_ReturnsValue(t *testing.T) {
	calls := 0
	got, err := Run(context.Background(), fastPolicy(3), func(ctx context.Context) (string, error) {
		calls++
		if calls == 1 {
			return "", apperr.Blocked("send", nil)
		}
		return "ok", nil
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got != "ok" || calls != 2 {
		t.Errorf("got %q after %d calls", got, calls)
	}
}

func TestRun_StopsOnCanceledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	calls := 0
	_, err := Run(ctx, fastPolicy(3), func(ctx context.Context) (int, error) {
		calls++
		return 0, nil
	})
	if !errors.Is(err, context.Canceled) {
		t.Errorf("err = %v, want context.Canceled", err)
	}
	if calls != 0 {
		t.Errorf("calls = %d, want 0", calls)
	}
}

func TestTargetPolicy_Defaults(t *testing.T) {
	p := TargetPolicy(BackoffConfig{})
	if p.MaxAttempts != DefaultMaxAttempts {
		t.Errorf("MaxAttempts = %d, want %d", p.MaxAttempts, DefaultMaxAttempts)
	}

	b := p.NewBackOff()
	first := b.NextBackOff()
	lo := time.Duration(float64(DefaultInitialInterval) * (1 - DefaultRandomization))
	hi := time.Duration(float64(DefaultInitialInterval) * (1 + DefaultRandomization))
	if first < lo || first > hi {
		t.Errorf("first backoff %v outside [%v, %v]", first, lo, hi)
	}
	if !p.Retryable(apperr.RateLimited("send", nil)) {
		t.Error("rate limited should be retryable")
	}
}
