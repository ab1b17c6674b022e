package store

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"ixbot/pkg/logx"
)

func openTestStore(t *testing.T) Store {
	t.Helper()
	st, err := Open(Config{Path: filepath.Join(t.TempDir(), "bot.db")}, logx.Nop())
	if err != nil {
		t.Fatalf("Open error: %v", err)
	}
	t.Cleanup(func() { _ = st.Close() })
	return st
}

func TestSubscriptionLifecycle(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	st := openTestStore(t)
	now := time.Now()

	changed, err := st.UpsertSubscription(ctx, 100, "private", "alice", now)
	if err != nil {
		t.Fatalf("UpsertSubscription error: %v", err)
	}
	if !changed {
		t.Fatal("first subscribe should report a change")
	}

	// Subscribing an active chat again is a no-op.
	changed, err = st.UpsertSubscription(ctx, 100, "private", "alice", now)
	if err != nil {
		t.Fatalf("UpsertSubscription error: %v", err)
	}
	if changed {
		t.Fatal("re-subscribe of an active chat should be a no-op")
	}

	sub, err := st.GetSubscription(ctx, 100)
	if err != nil {
		t.Fatalf("GetSubscription error: %v", err)
	}
	if sub == nil || !sub.Active || sub.Title != "alice" {
		t.Fatalf("unexpected subscription: %+v", sub)
	}

	changed, err = st.DeactivateSubscription(ctx, 100)
	if err != nil || !changed {
		t.Fatalf("DeactivateSubscription = %v, %v", changed, err)
	}
	// Double deactivate is a no-op.
	changed, err = st.DeactivateSubscription(ctx, 100)
	if err != nil || changed {
		t.Fatalf("second DeactivateSubscription = %v, %v", changed, err)
	}

	// Reactivation flips the row back.
	changed, err = st.UpsertSubscription(ctx, 100, "private", "alice", now.Add(time.Hour))
	if err != nil || !changed {
		t.Fatalf("reactivate = %v, %v", changed, err)
	}

	active, err := st.ActiveSubscriptions(ctx)
	if err != nil {
		t.Fatalf("ActiveSubscriptions error: %v", err)
	}
	if len(active) != 1 {
		t.Fatalf("got %d active subscriptions, want 1", len(active))
	}

	if sub, _ := st.GetSubscription(ctx, 999); sub != nil {
		t.Fatal("unknown chat should yield nil")
	}
}

func TestQuietWindowPersistence(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	st := openTestStore(t)

	if _, err := st.UpsertSubscription(ctx, 7, "group", "ops", time.Now()); err != nil {
		t.Fatal(err)
	}

	ok, err := st.SetQuietWindow(ctx, 7, "23:00", "07:00")
	if err != nil || !ok {
		t.Fatalf("SetQuietWindow = %v, %v", ok, err)
	}
	sub, err := st.GetSubscription(ctx, 7)
	if err != nil {
		t.Fatal(err)
	}
	if sub.QuietStart != "23:00" || sub.QuietEnd != "07:00" {
		t.Fatalf("window not stored: %+v", sub)
	}

	// Clearing stores NULLs, read back as empty strings.
	ok, err = st.SetQuietWindow(ctx, 7, "", "")
	if err != nil || !ok {
		t.Fatalf("clear = %v, %v", ok, err)
	}
	sub, _ = st.GetSubscription(ctx, 7)
	if sub.QuietStart != "" || sub.QuietEnd != "" {
		t.Fatalf("window not cleared: %+v", sub)
	}

	// Inactive chats cannot get a window.
	if _, err := st.DeactivateSubscription(ctx, 7); err != nil {
		t.Fatal(err)
	}
	ok, err = st.SetQuietWindow(ctx, 7, "23:00", "07:00")
	if err != nil {
		t.Fatal(err)
	}
	if ok {
		t.Fatal("SetQuietWindow on inactive chat should not match")
	}
}

func TestDeliveryUpsertConverges(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	st := openTestStore(t)
	now := time.Now()

	d := Delivery{GUID: "evt-1", ChatID: 5, MessageID: 40, Fingerprint: "aaa", Title: "t", SentAt: now}
	if err := st.MarkDelivered(ctx, d); err != nil {
		t.Fatalf("MarkDelivered error: %v", err)
	}
	// Losing a (guid, chat) race or re-marking must not create a second row.
	d.MessageID = 41
	if err := st.MarkDelivered(ctx, d); err != nil {
		t.Fatalf("second MarkDelivered error: %v", err)
	}

	got, err := st.GetDelivery(ctx, "evt-1", 5)
	if err != nil {
		t.Fatalf("GetDelivery error: %v", err)
	}
	if got == nil || got.MessageID != 41 {
		t.Fatalf("unexpected delivery: %+v", got)
	}
	if !got.UpdatedAt.IsZero() {
		t.Fatal("UpdatedAt should be zero before any edit")
	}

	stats, err := st.Stats(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if stats.Deliveries != 1 {
		t.Fatalf("Deliveries = %d, want 1 (uniqueness violated)", stats.Deliveries)
	}

	if err := st.MarkEdited(ctx, "evt-1", 5, "bbb", "t2", now.Add(time.Minute)); err != nil {
		t.Fatalf("MarkEdited error: %v", err)
	}
	got, _ = st.GetDelivery(ctx, "evt-1", 5)
	if got.Fingerprint != "bbb" || got.UpdatedAt.IsZero() {
		t.Fatalf("edit not recorded: %+v", got)
	}

	// Same guid for another chat is an independent record.
	if err := st.MarkDelivered(ctx, Delivery{GUID: "evt-1", ChatID: 6, MessageID: 90, Fingerprint: "aaa", SentAt: now}); err != nil {
		t.Fatal(err)
	}
	if got, _ := st.GetDelivery(ctx, "evt-1", 6); got == nil || got.MessageID != 90 {
		t.Fatalf("per-chat record wrong: %+v", got)
	}
}

func TestPruneDeliveries(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	st := openTestStore(t)
	now := time.Now()

	old := Delivery{GUID: "old", ChatID: 1, MessageID: 1, Fingerprint: "x", SentAt: now.Add(-48 * time.Hour)}
	fresh := Delivery{GUID: "new", ChatID: 1, MessageID: 2, Fingerprint: "y", SentAt: now}
	if err := st.MarkDelivered(ctx, old); err != nil {
		t.Fatal(err)
	}
	if err := st.MarkDelivered(ctx, fresh); err != nil {
		t.Fatal(err)
	}

	n, err := st.PruneDeliveries(ctx, now.Add(-24*time.Hour))
	if err != nil {
		t.Fatalf("PruneDeliveries error: %v", err)
	}
	if n != 1 {
		t.Fatalf("pruned %d rows, want 1", n)
	}
	if got, _ := st.GetDelivery(ctx, "old", 1); got != nil {
		t.Fatal("old record should be gone")
	}
	if got, _ := st.GetDelivery(ctx, "new", 1); got == nil {
		t.Fatal("fresh record should survive")
	}
}

func TestDeferredQueue(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	st := openTestStore(t)
	base := time.Now()

	for i, guid := range []string{"a", "b", "c"} {
		err := st.EnqueueDeferred(ctx, Deferred{
			ChatID:      9,
			GUID:        guid,
			Category:    "incident",
			Title:       "t-" + guid,
			Body:        "body " + guid,
			Fingerprint: "fp-" + guid,
			EnqueuedAt:  base.Add(time.Duration(i) * time.Second),
		})
		if err != nil {
			t.Fatalf("EnqueueDeferred(%s) error: %v", guid, err)
		}
	}

	// Re-observing a queued event must not duplicate it.
	err := st.EnqueueDeferred(ctx, Deferred{
		ChatID: 9, GUID: "b", Category: "incident",
		Body: "changed body", Fingerprint: "fp-b2", EnqueuedAt: base.Add(time.Hour),
	})
	if err != nil {
		t.Fatalf("duplicate EnqueueDeferred error: %v", err)
	}

	pending, err := st.DeferredFor(ctx, 9)
	if err != nil {
		t.Fatalf("DeferredFor error: %v", err)
	}
	if len(pending) != 3 {
		t.Fatalf("got %d pending, want 3", len(pending))
	}
	for i, want := range []string{"a", "b", "c"} {
		if pending[i].GUID != want {
			t.Fatalf("pending[%d] = %s, want %s (enqueue order lost)", i, pending[i].GUID, want)
		}
	}
	// First snapshot wins.
	if pending[1].Body != "body b" {
		t.Fatalf("duplicate overwrote snapshot: %q", pending[1].Body)
	}

	// Other chats see nothing.
	other, _ := st.DeferredFor(ctx, 10)
	if len(other) != 0 {
		t.Fatalf("chat 10 has %d pending", len(other))
	}

	n, err := st.ClearDeferred(ctx, 9)
	if err != nil || n != 3 {
		t.Fatalf("ClearDeferred = %d, %v", n, err)
	}
	pending, _ = st.DeferredFor(ctx, 9)
	if len(pending) != 0 {
		t.Fatal("queue not cleared")
	}
}

func TestCommandLog(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	st := openTestStore(t)
	now := time.Now()

	for i := 0; i < 3; i++ {
		if err := st.LogCommand(ctx, 4, "/status", now.Add(time.Duration(i)*time.Second)); err != nil {
			t.Fatal(err)
		}
	}
	// Outside the window.
	if err := st.LogCommand(ctx, 4, "/status", now.Add(-2*time.Minute)); err != nil {
		t.Fatal(err)
	}

	n, err := st.CommandCount(ctx, 4, now.Add(-time.Minute))
	if err != nil {
		t.Fatal(err)
	}
	if n != 3 {
		t.Fatalf("CommandCount = %d, want 3", n)
	}

	oldest, ok, err := st.OldestCommand(ctx, 4, now.Add(-time.Minute))
	if err != nil || !ok {
		t.Fatalf("OldestCommand = %v, %v", ok, err)
	}
	if oldest.UnixMilli() != now.UnixMilli() {
		t.Fatalf("oldest = %v, want %v", oldest, now)
	}

	if _, ok, _ := st.OldestCommand(ctx, 99, now.Add(-time.Minute)); ok {
		t.Fatal("no commands for chat 99")
	}

	pruned, err := st.PruneCommandLog(ctx, now.Add(-time.Minute))
	if err != nil || pruned != 1 {
		t.Fatalf("PruneCommandLog = %d, %v", pruned, err)
	}
}

func TestPutAndClearSubscriptions(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	st := openTestStore(t)

	sub := Subscription{
		ChatID: 1, ChatType: "private", Title: "x",
		SubscribedAt: time.Now(), Active: true,
		QuietStart: "22:00", QuietEnd: "06:00",
	}
	if err := st.PutSubscription(ctx, sub); err != nil {
		t.Fatalf("PutSubscription error: %v", err)
	}
	// Upsert overwrites in place.
	sub.Active = false
	sub.Title = "renamed"
	if err := st.PutSubscription(ctx, sub); err != nil {
		t.Fatalf("second PutSubscription error: %v", err)
	}
	got, err := st.GetSubscription(ctx, 1)
	if err != nil {
		t.Fatal(err)
	}
	if got.Active || got.Title != "renamed" || got.QuietStart != "22:00" {
		t.Fatalf("unexpected row: %+v", got)
	}

	if err := st.ClearSubscriptions(ctx); err != nil {
		t.Fatal(err)
	}
	all, err := st.AllSubscriptions(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(all) != 0 {
		t.Fatalf("%d rows after clear", len(all))
	}
}
