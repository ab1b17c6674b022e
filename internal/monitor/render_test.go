package monitor

import (
	"fmt"
	"strings"
	"testing"
	"time"
	"unicode/utf8"

	"ixbot/internal/feed"
	"ixbot/internal/store"
)

func TestRenderEvent(t *testing.T) {
	t.Parallel()
	ev := feed.Event{
		Category:  feed.CategoryIncident,
		Title:     "Indisponibilidade IX.br Sao Paulo, SP - falha",
		Location:  "Sao Paulo, SP",
		Body:      "Falha no enlace <principal>.",
		Link:      "https://status.example/1",
		Published: time.Date(2025, 6, 2, 10, 0, 0, 0, time.UTC),
	}

	got := renderEvent(ev, false)
	for _, want := range []string{
		"<b>[INCIDENT]</b>",
		"<b>Location:</b> Sao Paulo, SP",
		"&lt;principal&gt;",
		"https://status.example/1",
		"Posted: 02/06/2025 10:00 (UTC)",
	} {
		if !strings.Contains(got, want) {
			t.Errorf("rendered message missing %q:\n%s", want, got)
		}
	}
	if strings.Contains(got, "[message updated]") {
		t.Error("first send must not carry the update marker")
	}

	if got := renderEvent(ev, true); !strings.Contains(got, "[message updated]") {
		t.Error("edit must carry the update marker")
	}
}

func TestRenderEventTruncatesLongBody(t *testing.T) {
	t.Parallel()
	ev := feed.Event{
		Category: feed.CategoryNotice,
		Title:    "t",
		Body:     strings.Repeat("a", 2000),
	}
	got := renderEvent(ev, false)
	if !strings.Contains(got, strings.Repeat("a", maxBodyChars)+"...") {
		t.Fatal("body not truncated with ellipsis")
	}
	if strings.Contains(got, strings.Repeat("a", maxBodyChars+1)) {
		t.Fatal("body exceeds the cap")
	}
}

func TestTruncateKeepsRunesWhole(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name  string
		in    string
		limit int
		want  string
	}{
		{"short untouched", "manutenção", 50, "manutenção"},
		{"ascii cut", "abcdef", 4, "abcd..."},
		// "ç" is two bytes; a byte-offset cut would split it.
		{"multibyte at boundary", strings.Repeat("a", 3) + "ção", 4, "aaa..."},
		{"exact fit", "são", 4, "são"},
	}
	for _, tt := range tests {
		got := truncate(tt.in, tt.limit)
		if got != tt.want {
			t.Errorf("%s: truncate(%q, %d) = %q, want %q", tt.name, tt.in, tt.limit, got, tt.want)
		}
		if !utf8.ValidString(got) {
			t.Errorf("%s: truncate produced invalid UTF-8: %q", tt.name, got)
		}
	}
}

func TestRenderEventValidUTF8AfterTruncation(t *testing.T) {
	t.Parallel()
	// "ção" straddles the body cap so a byte-offset cut would leave a
	// partial rune that the messaging API rejects.
	ev := feed.Event{
		Category: feed.CategoryMaintenance,
		Title:    "Manutenção programada IX.br São Paulo, SP",
		Body:     strings.Repeat("a", maxBodyChars-1) + "ção detalhes adicionais",
	}
	got := renderEvent(ev, false)
	if !utf8.ValidString(got) {
		t.Fatalf("rendered message is not valid UTF-8: %q", got)
	}
	if !strings.Contains(got, "...") {
		t.Fatal("long body not truncated")
	}
}

func TestRenderEventEscapesLink(t *testing.T) {
	t.Parallel()
	ev := feed.Event{
		Category: feed.CategoryIncident,
		Title:    "t",
		Link:     "https://status.example/view?id=1&lang=pt",
	}
	got := renderEvent(ev, false)
	if !strings.Contains(got, "https://status.example/view?id=1&amp;lang=pt") {
		t.Fatalf("link ampersand not escaped:\n%s", got)
	}
}

func TestRenderSummaryCapsTitles(t *testing.T) {
	t.Parallel()
	var pending []store.Deferred
	for i := 0; i < 8; i++ {
		pending = append(pending, store.Deferred{Title: fmt.Sprintf("event-%d", i)})
	}

	got := renderSummary(pending, "https://status.example/rss")
	if !strings.Contains(got, "8 notifications") {
		t.Errorf("summary missing count:\n%s", got)
	}
	for i := 0; i < maxSummaryTitles; i++ {
		if !strings.Contains(got, fmt.Sprintf("event-%d", i)) {
			t.Errorf("summary missing title %d", i)
		}
	}
	if strings.Contains(got, "event-5") {
		t.Error("summary lists more than the cap")
	}
	if !strings.Contains(got, "and 3 more") {
		t.Errorf("summary missing overflow line:\n%s", got)
	}
	if !strings.Contains(got, "https://status.example/rss") {
		t.Error("summary missing details link")
	}
}

func TestCategoryLabel(t *testing.T) {
	t.Parallel()
	tests := []struct {
		in   feed.Category
		want string
	}{
		{feed.CategoryIncident, "[INCIDENT]"},
		{feed.CategoryMaintenance, "[MAINTENANCE]"},
		{feed.CategoryResolved, "[RESOLVED]"},
		{feed.CategoryNotice, "[NOTICE]"},
	}
	for _, tt := range tests {
		if got := categoryLabel(tt.in); got != tt.want {
			t.Errorf("categoryLabel(%s) = %s", tt.in, got)
		}
	}
}
