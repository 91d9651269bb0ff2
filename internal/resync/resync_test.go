package resync

import (
	"context"
	"testing"
)

type countTarget struct{ calls int }

func (c *countTarget) Resync() { c.calls++ }

func TestStartEmptyExpressionDisabled(t *testing.T) {
	cancel, err := Start(context.Background(), "", &countTarget{})
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	if cancel == nil {
		t.Fatal("nil cancel for disabled scheduler")
	}
	cancel()
}

func TestStartRejectsInvalidCron(t *testing.T) {
	if _, err := Start(context.Background(), "not a cron", &countTarget{}); err == nil {
		t.Fatal("Start accepted an invalid cron expression")
	}
}

func TestStartAcceptsValidCron(t *testing.T) {
	ctx, cancelCtx := context.WithCancel(context.Background())
	defer cancelCtx()
	cancel, err := Start(ctx, "*/5 * * * *", &countTarget{})
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	cancel()
}
