package feed

import (
	"crypto/sha256"
	"encoding/hex"
	"regexp"
	"strings"
	"time"
)

// Category classifies a status event.
type Category string

const (
	CategoryIncident    Category = "incident"
	CategoryMaintenance Category = "maintenance"
	CategoryResolved    Category = "resolved"
	CategoryNotice      Category = "notice" // unclassified
)

// Event is one normalized entry from the status feed.
//
// GUID is stable across re-fetches of the same logical event; two fetches
// yielding the same GUID but a different Fingerprint are an in-place update
// to the same event, not a new one.
type Event struct {
	GUID      string
	Category  Category
	Title     string
	Location  string
	Body      string
	Link      string
	Published time.Time // UTC
}

// Fingerprint hashes the fields whose change means "the event was edited".
// First 32 hex chars of sha256 over title|body|category.
func (e Event) Fingerprint() string {
	sum := sha256.Sum256([]byte(e.Title + "|" + e.Body + "|" + string(e.Category)))
	return hex.EncodeToString(sum[:])[:32]
}

// fallbackGUID derives an identifier for entries the feed published
// without one.
func fallbackGUID(title, body string) string {
	sum := sha256.Sum256([]byte(title + "|" + body))
	return hex.EncodeToString(sum[:])[:16]
}

// Keyword lists ported from the upstream status page conventions
// (Portuguese and English variants).
var (
	resolvedKeywords = []string{
		"resolvid", "solved", "restored",
		"restabelecid", "normalizado", "normalized",
	}
	maintenanceKeywords = []string{
		"manutencao", "maintenance", "janela",
		"window", "programad", "scheduled",
	}
	incidentKeywords = []string{
		"indisponibilidade", "unavailability", "problema",
		"problem", "incident", "incidente", "falha",
		"failure", "rompimento", "disruption",
	}
)

// classify derives the category from title+body keywords. Resolution
// keywords win over everything else.
func classify(title, body string) Category {
	text := strings.ToLower(title + " " + body)

	for _, kw := range resolvedKeywords {
		if strings.Contains(text, kw) {
			return CategoryResolved
		}
	}
	for _, kw := range maintenanceKeywords {
		if strings.Contains(text, kw) {
			return CategoryMaintenance
		}
	}
	for _, kw := range incidentKeywords {
		if strings.Contains(text, kw) {
			return CategoryIncident
		}
	}
	return CategoryNotice
}

// extractLocation pulls the exchange-point location out of titles shaped
// like "... IX.br Sao Paulo, SP - <detail>".
func extractLocation(title string) string {
	_, after, found := strings.Cut(title, "IX.br")
	if !found {
		return ""
	}
	loc := strings.TrimSpace(after)
	for _, sep := range []string{" - ", " – ", " — "} {
		if i := strings.Index(loc, sep); i >= 0 {
			loc = strings.TrimSpace(loc[:i])
		}
	}
	return loc
}

var (
	tagRE    = regexp.MustCompile(`<[^>]+>`)
	spaceRE  = regexp.MustCompile(`\s+`)
	bodySeps = []string{"+++++", "-----", "=====", "*****"}
)

// cleanBody strips markup and boilerplate separators from a feed
// description.
func cleanBody(desc string) string {
	text := tagRE.ReplaceAllString(desc, "")
	text = strings.TrimSpace(spaceRE.ReplaceAllString(text, " "))
	for _, sep := range bodySeps {
		if i := strings.Index(text, sep); i >= 0 {
			text = strings.TrimSpace(text[:i])
		}
	}
	return text
}
