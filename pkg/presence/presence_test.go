package presence

import "testing"

func TestOnlineOffline(t *testing.T) {
	tr := NewTracker()
	if tr.IsOnline("u1") {
		t.Fatal("u1 online before any event")
	}
	tr.SetOnline("u1")
	tr.SetOnline("u2")
	if !tr.IsOnline("u1") || !tr.IsOnline("u2") {
		t.Fatal("users not marked online")
	}
	// Duplicate events are idempotent.
	tr.SetOnline("u1")
	if got := tr.Snapshot(); len(got) != 2 {
		t.Fatalf("Snapshot = %v, want 2 users", got)
	}
	tr.SetOffline("u1")
	if tr.IsOnline("u1") {
		t.Fatal("u1 still online after offline event")
	}
	// Offline for an unknown user is a no-op.
	tr.SetOffline("u-ghost")
}

func TestResetClearsAll(t *testing.T) {
	tr := NewTracker()
	tr.SetOnline("u1")
	tr.SetOnline("u2")
	tr.Reset()
	if len(tr.Snapshot()) != 0 {
		t.Fatal("Reset left online users")
	}
}
