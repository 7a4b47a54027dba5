package timeoutguard

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestWith_SuccessBeforeDeadline(t *testing.T) {
	got, err := With(context.Background(), time.Second, func(ctx context.Context) (int, error) {
		return 42, nil
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got != 42 {
		t.Fatalf("got %d, want 42", got)
	}
}

func TestWith_TimesOut(t *testing.T) {
	start := make(chan struct{})
	_, err := With(context.Background(), 10*time.Millisecond, func(ctx context.Context) (int, error) {
		close(start)
		<-ctx.Done()
		return 0, ctx.Err()
	})
	<-start
	if !errors.Is(err, ErrTimedOut) {
		t.Fatalf("got %v, want ErrTimedOut", err)
	}
}

func TestWith_ZeroDeadlineNeverRaces(t *testing.T) {
	got, err := With(context.Background(), 0, func(ctx context.Context) (string, error) {
		return "ok", nil
	})
	if err != nil || got != "ok" {
		t.Fatalf("got (%q, %v)", got, err)
	}
}

func TestWith_PropagatesOuterCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := With(ctx, time.Second, func(ctx context.Context) (int, error) {
		<-ctx.Done()
		return 0, ctx.Err()
	})
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("got %v, want context.Canceled", err)
	}
}

func TestWith_ErrorPropagatesOnSuccessPath(t *testing.T) {
	wantErr := errors.New("boom")
	_, err := With(context.Background(), time.Second, func(ctx context.Context) (int, error) {
		return 0, wantErr
	})
	if !errors.Is(err, wantErr) {
		t.Fatalf("got %v, want %v", err, wantErr)
	}
}
