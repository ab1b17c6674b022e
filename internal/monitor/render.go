package monitor

import (
	"fmt"
	"strings"
	"unicode/utf8"

	"ixbot/internal/feed"
	"ixbot/internal/store"
)

const (
	maxBodyChars     = 800
	maxSummaryTitles = 5
	maxTitleChars    = 50
)

func categoryLabel(c feed.Category) string {
	switch c {
	case feed.CategoryMaintenance:
		return "[MAINTENANCE]"
	case feed.CategoryIncident:
		return "[INCIDENT]"
	case feed.CategoryResolved:
		return "[RESOLVED]"
	default:
		return "[NOTICE]"
	}
}

// renderEvent formats one event as an HTML message. Edits carry an
// "updated" marker so readers can tell a revision from a first send.
func renderEvent(ev feed.Event, updated bool) string {
	var b strings.Builder

	b.WriteString("<b>" + categoryLabel(ev.Category) + "</b>\n\n")
	b.WriteString("<b>" + escapeHTML(ev.Title) + "</b>\n\n")

	if ev.Location != "" {
		b.WriteString("<b>Location:</b> " + escapeHTML(ev.Location) + "\n\n")
	}
	if ev.Body != "" {
		b.WriteString(escapeHTML(truncate(ev.Body, maxBodyChars)) + "\n\n")
	}
	if ev.Link != "" {
		b.WriteString("<b>Details:</b> " + escapeHTML(ev.Link) + "\n\n")
	}

	b.WriteString("<i>Posted: " + ev.Published.Format("02/01/2006 15:04") + " (UTC)</i>")

	if updated {
		b.WriteString("\n\n<i>[message updated]</i>")
	}
	return b.String()
}

// renderSummary consolidates deferred notifications into one message:
// up to five titles, then a count of the rest.
func renderSummary(pending []store.Deferred, detailsURL string) string {
	var b strings.Builder
	fmt.Fprintf(&b, "<b>Summary: %d notifications held during quiet hours</b>\n\n", len(pending))

	shown := pending
	if len(shown) > maxSummaryTitles {
		shown = shown[:maxSummaryTitles]
	}
	for _, p := range shown {
		title := p.Title
		if title == "" {
			title = "Event"
		}
		b.WriteString("- " + escapeHTML(truncate(title, maxTitleChars)) + "\n")
	}
	if n := len(pending) - len(shown); n > 0 {
		fmt.Fprintf(&b, "\n... and %d more events.\n", n)
	}
	if detailsURL != "" {
		b.WriteString("\nDetails: " + escapeHTML(detailsURL))
	}
	return b.String()
}

// truncate cuts s to at most limit bytes without splitting a rune, and
// marks the cut with an ellipsis.
func truncate(s string, limit int) string {
	if len(s) <= limit {
		return s
	}
	cut := limit
	for cut > 0 && !utf8.RuneStart(s[cut]) {
		cut--
	}
	return s[:cut] + "..."
}

func escapeHTML(s string) string {
	r := strings.NewReplacer(
		"&", "&amp;",
		"<", "&lt;",
		">", "&gt;",
		`"`, "&quot;",
	)
	return r.Replace(s)
}
