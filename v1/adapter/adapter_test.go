package adapter

import (
	"context"
	"errors"
	"testing"
)

func TestReleaseOnce(t *testing.T) {
	calls := 0
	rel := Release(func(ctx context.Context) error {
		calls++
		return errors.New("boom")
	}).Once()

	if err := rel(context.Background()); err == nil {
		t.Fatal("expected error from first call")
	}
	if err := rel(context.Background()); err != nil {
		t.Fatalf("second call should be a no-op, got %v", err)
	}
	if calls != 1 {
		t.Fatalf("underlying release called %d times", calls)
	}
}

func TestMessageStateString(t *testing.T) {
	cases := map[MessageState]string{
		Pending:         "pending",
		Done:            "done",
		Failed:          "failed",
		MessageState(9): "unknown",
	}
	for state, want := range cases {
		if got := state.String(); got != want {
			t.Fatalf("state %d = %q, want %q", state, got, want)
		}
	}
}
