package backup

import (
	"context"
	"path/filepath"
	"strings"
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

func seed(t *testing.T, st store.Store) {
	t.Helper()
	ctx := context.Background()
	subs := []store.Subscription{
		{ChatID: 1, ChatType: "private", Title: "alice", SubscribedAt: time.Now().Add(-time.Hour), Active: true, QuietStart: "23:00", QuietEnd: "07:00"},
		{ChatID: 2, ChatType: "group", Title: "ops", SubscribedAt: time.Now().Add(-2 * time.Hour), Active: true},
		{ChatID: 3, ChatType: "private", Title: "bob", SubscribedAt: time.Now().Add(-3 * time.Hour), Active: false},
	}
	for _, s := range subs {
		if err := st.PutSubscription(ctx, s); err != nil {
			t.Fatalf("seeding chat %d: %v", s.ChatID, err)
		}
	}
}

func TestExportDocument(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	st := openTestStore(t)
	seed(t, st)
	e := NewEngine(st, logx.Nop())

	doc, err := e.Export(ctx)
	if err != nil {
		t.Fatalf("Export error: %v", err)
	}
	if doc.Version != DocumentVersion {
		t.Errorf("Version = %q", doc.Version)
	}
	if doc.ExportID == "" {
		t.Error("ExportID empty")
	}
	if doc.Stats.TotalChats != 3 || doc.Stats.ActiveChats != 2 {
		t.Errorf("Stats = %+v, want 3 total / 2 active", doc.Stats)
	}
	if len(doc.Chats) != 3 {
		t.Fatalf("Chats = %d, want 3 (inactive chats must be exported too)", len(doc.Chats))
	}
}

func TestDecodeValidation(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name string
		data string
	}{
		{name: "not json", data: "definitely not json"},
		{name: "wrong version", data: `{"version":"99","chats":[]}`},
		{name: "missing chats", data: `{"version":"1"}`},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			if _, err := Decode([]byte(tt.data), 0); err == nil {
				t.Fatal("expected error")
			}
		})
	}

	if _, err := Decode([]byte(`{"version":"1","chats":[]}`), 0); err != nil {
		t.Fatalf("empty chat list should decode: %v", err)
	}

	big := `{"version":"1","chats":[]}` + strings.Repeat(" ", 100)
	if _, err := Decode([]byte(big), 50); err == nil {
		t.Fatal("expected error for oversized document")
	}
}

func TestRoundTripMergeIsIdempotent(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	st := openTestStore(t)
	seed(t, st)
	e := NewEngine(st, logx.Nop())

	doc, err := e.Export(ctx)
	if err != nil {
		t.Fatal(err)
	}
	data, err := e.EncodeJSON(doc)
	if err != nil {
		t.Fatal(err)
	}
	decoded, err := Decode(data, 1<<20)
	if err != nil {
		t.Fatalf("Decode error: %v", err)
	}

	before, _ := st.AllSubscriptions(ctx)
	res, err := e.Import(ctx, decoded, ModeMerge)
	if err != nil {
		t.Fatalf("Import error: %v", err)
	}
	if res.Imported != 3 || res.Errors != 0 {
		t.Fatalf("Result = %+v", res)
	}

	after, _ := st.AllSubscriptions(ctx)
	if len(after) != len(before) {
		t.Fatalf("row count changed: %d -> %d", len(before), len(after))
	}
	for i := range before {
		b, a := before[i], after[i]
		if b.ChatID != a.ChatID || b.Active != a.Active || b.QuietStart != a.QuietStart || b.Title != a.Title {
			t.Fatalf("row %d changed: %+v -> %+v", i, b, a)
		}
	}
}

func TestMergeOverwritesExistingRows(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	st := openTestStore(t)
	e := NewEngine(st, logx.Nop())

	if err := st.PutSubscription(ctx, store.Subscription{
		ChatID: 1, ChatType: "private", Title: "old", SubscribedAt: time.Now(), Active: false,
	}); err != nil {
		t.Fatal(err)
	}

	doc := &Document{
		Version: DocumentVersion,
		Chats: []Entry{
			{ChatID: 1, ChatType: "private", Title: "new", SubscribedAt: time.Now(), Active: true},
			{ChatID: 5, ChatType: "group", Title: "fresh", SubscribedAt: time.Now(), Active: true},
		},
	}
	res, err := e.Import(ctx, doc, ModeMerge)
	if err != nil {
		t.Fatal(err)
	}
	if res.Imported != 2 {
		t.Fatalf("Imported = %d, want 2", res.Imported)
	}

	got, _ := st.GetSubscription(ctx, 1)
	if got == nil || got.Title != "new" || !got.Active {
		t.Fatalf("existing row not overwritten: %+v", got)
	}
	if got, _ := st.GetSubscription(ctx, 5); got == nil {
		t.Fatal("new row not imported")
	}
}

func TestReplaceDropsChatsAbsentFromDocument(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	st := openTestStore(t)
	seed(t, st)
	e := NewEngine(st, logx.Nop())

	doc := &Document{
		Version: DocumentVersion,
		Chats: []Entry{
			{ChatID: 9, ChatType: "private", Title: "only", SubscribedAt: time.Now(), Active: true},
		},
	}
	if _, err := e.Import(ctx, doc, ModeReplace); err != nil {
		t.Fatal(err)
	}

	all, _ := st.AllSubscriptions(ctx)
	if len(all) != 1 || all[0].ChatID != 9 {
		t.Fatalf("replace left wrong state: %+v", all)
	}
}

func TestImportSkipsInvalidEntries(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	st := openTestStore(t)
	e := NewEngine(st, logx.Nop())

	doc := &Document{
		Version: DocumentVersion,
		Chats: []Entry{
			// zero chat id, half a window, bad clock, then two valid rows
			{ChatID: 0, ChatType: "private", Active: true},
			{ChatID: 2, QuietStart: "23:00", Active: true},
			{ChatID: 3, QuietStart: "25:00", QuietEnd: "07:00", Active: true},
			{ChatID: 4, ChatType: "private", SubscribedAt: time.Now(), Active: true},
			{ChatID: 5, QuietStart: "22:00", QuietEnd: "06:00", Active: true},
		},
	}
	res, err := e.Import(ctx, doc, ModeMerge)
	if err != nil {
		t.Fatal(err)
	}
	if res.Total != 5 || res.Imported != 2 || res.Errors != 3 {
		t.Fatalf("Result = %+v, want total 5 / imported 2 / errors 3", res)
	}

	// Missing chat type defaults rather than failing.
	got, _ := st.GetSubscription(ctx, 5)
	if got == nil || got.ChatType != "unknown" {
		t.Fatalf("chat 5: %+v", got)
	}
}

func TestFilename(t *testing.T) {
	t.Parallel()
	at := time.Date(2025, 6, 2, 10, 30, 5, 0, time.UTC)
	if got := Filename(at); got != "ixbot_backup_20250602_103005.json" {
		t.Fatalf("Filename = %q", got)
	}
}
