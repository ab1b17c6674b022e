package ratelimit

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"ixbot/internal/store"
	"ixbot/pkg/logx"
)

func openTestStore(t *testing.T) store.Store {
	t.Helper()
	st, err := store.Open(store.Config{Path: filepath.Join(t.TempDir(), "bot.db")}, logx.Nop())
	if err != nil {
		t.Fatalf("Open error: %v", err)
	}
	t.Cleanup(func() { _ = st.Close() })
	return st
}

func TestAllowWithinBudget(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	l := New(openTestStore(t), 10, logx.Nop())
	// Truncate so the stored millisecond timestamps round-trip exactly.
	now := time.Now().Truncate(time.Millisecond)

	for i := 0; i < 10; i++ {
		ok, cooldown, err := l.Allow(ctx, 1, "/status", now.Add(time.Duration(i)*time.Second))
		if err != nil {
			t.Fatalf("Allow #%d error: %v", i+1, err)
		}
		if !ok {
			t.Fatalf("command #%d rejected inside the budget", i+1)
		}
		if cooldown != 0 {
			t.Fatalf("cooldown = %v for an allowed command", cooldown)
		}
	}

	// The 11th in the same window is rejected with a positive cooldown.
	at := now.Add(10 * time.Second)
	ok, cooldown, err := l.Allow(ctx, 1, "/status", at)
	if err != nil {
		t.Fatalf("Allow #11 error: %v", err)
	}
	if ok {
		t.Fatal("11th command within 60s must be rejected")
	}
	if cooldown <= 0 || cooldown > 60*time.Second {
		t.Fatalf("cooldown = %v, want (0, 60s]", cooldown)
	}
	// Oldest entry is at now; it ages out 60s later, i.e. 50s from `at`.
	if want := 50 * time.Second; cooldown != want {
		t.Fatalf("cooldown = %v, want %v", cooldown, want)
	}
}

func TestAllowWindowSlides(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	l := New(openTestStore(t), 3, logx.Nop())
	now := time.Now()

	for i := 0; i < 3; i++ {
		if ok, _, err := l.Allow(ctx, 2, "/start", now); err != nil || !ok {
			t.Fatalf("priming command #%d: ok=%v err=%v", i+1, ok, err)
		}
	}
	if ok, _, _ := l.Allow(ctx, 2, "/start", now.Add(time.Second)); ok {
		t.Fatal("4th command inside the window must be rejected")
	}

	// Past the window the budget is fresh again.
	ok, _, err := l.Allow(ctx, 2, "/start", now.Add(61*time.Second))
	if err != nil {
		t.Fatal(err)
	}
	if !ok {
		t.Fatal("command after the window must be allowed")
	}
}

func TestLimitIsPerChat(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	l := New(openTestStore(t), 1, logx.Nop())
	now := time.Now()

	if ok, _, _ := l.Allow(ctx, 10, "/help", now); !ok {
		t.Fatal("chat 10 first command rejected")
	}
	if ok, _, _ := l.Allow(ctx, 10, "/help", now); ok {
		t.Fatal("chat 10 second command allowed")
	}
	// An unrelated chat has its own budget.
	if ok, _, _ := l.Allow(ctx, 11, "/help", now); !ok {
		t.Fatal("chat 11 first command rejected")
	}
}

func TestRejectionIsNotCounted(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	st := openTestStore(t)
	l := New(st, 2, logx.Nop())
	now := time.Now()

	l.Allow(ctx, 3, "/status", now)
	l.Allow(ctx, 3, "/status", now)
	l.Allow(ctx, 3, "/status", now) // rejected

	n, err := st.CommandCount(ctx, 3, now.Add(-time.Minute))
	if err != nil {
		t.Fatal(err)
	}
	if n != 2 {
		t.Fatalf("command log has %d entries, want 2 (rejections must not count)", n)
	}
}
