package storechecker

import (
	"context"
	"errors"
	"testing"

	"github.com/memohai/omnicore/internal/db/dbtest"
	"github.com/memohai/omnicore/internal/healthcheck"
	"github.com/memohai/omnicore/internal/retryqueue"
)

type countFunc func(ctx context.Context, maxAttempts int) (int, error)

func (f countFunc) CountExhausted(ctx context.Context, maxAttempts int) (int, error) {
	return f(ctx, maxAttempts)
}

func TestCheckerHealthy(t *testing.T) {
	t.Parallel()

	conn := dbtest.Open(t)
	checker := NewChecker(nil, conn, retryqueue.NewStore(conn), retryqueue.DefaultMaxAttempts, nil)
	items := checker.ListChecks(context.Background())
	if len(items) != 2 {
		t.Fatalf("expected database and retry queue checks, got %d", len(items))
	}
	for _, item := range items {
		if item.Status != healthcheck.StatusOK {
			t.Fatalf("expected ok for %s, got %s (%s)", item.ID, item.Status, item.Detail)
		}
	}
}

func TestCheckerExhaustedWarns(t *testing.T) {
	t.Parallel()

	var gotMax int
	checker := NewChecker(nil, nil, countFunc(func(_ context.Context, maxAttempts int) (int, error) {
		gotMax = maxAttempts
		return 2, nil
	}), 5, nil)
	items := checker.ListChecks(context.Background())
	if len(items) != 2 {
		t.Fatalf("expected 2 checks, got %d", len(items))
	}
	if items[0].Status != healthcheck.StatusWarn {
		t.Fatalf("expected unknown database status, got %s", items[0].Status)
	}
	if items[1].Status != healthcheck.StatusWarn || items[1].Metadata["exhausted"] != 2 || gotMax != 5 {
		t.Fatalf("unexpected retry queue check: %+v max=%d", items[1], gotMax)
	}
}

func TestCheckerRedisDown(t *testing.T) {
	t.Parallel()

	checker := NewChecker(nil, nil, nil, 3, func(context.Context) error {
		return errors.New("dial tcp: connection refused")
	})
	items := checker.ListChecks(context.Background())
	if len(items) != 2 || items[1].ID != "redis" || items[1].Status != healthcheck.StatusError {
		t.Fatalf("unexpected checks: %+v", items)
	}
}
