package feed

import (
	"context"
	"encoding/xml"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"ixbot/pkg/logx"
)

// FetchError marks a failed feed retrieval (network, HTTP status, or
// document parse). It is always transient: the next cycle retries.
type FetchError struct {
	Err error
}

func (e *FetchError) Error() string { return fmt.Sprintf("feed fetch: %v", e.Err) }
func (e *FetchError) Unwrap() error { return e.Err }

const (
	fetchAttempts  = 3
	fetchBaseDelay = 4 * time.Second // 4s, 8s, 16s
)

type Config struct {
	URL          string
	MaxEventAge  time.Duration
	FetchTimeout time.Duration
}

// Status is a snapshot of feed health for /status and /stats.
type Status struct {
	Reachable           bool
	TotalEntries        int
	LastPostTitle       string
	LastPostDate        time.Time
	LastSuccessfulFetch time.Time
	ConsecutiveFailures int
	Error               string
}

// Fetcher retrieves and normalizes the status feed. Safe for concurrent
// use; only health counters are mutated.
type Fetcher struct {
	cfg    Config
	client *http.Client
	log    logx.Logger

	mu          sync.Mutex
	lastSuccess time.Time
	failures    int
}

func NewFetcher(cfg Config, log logx.Logger) *Fetcher {
	if cfg.FetchTimeout <= 0 {
		cfg.FetchTimeout = 30 * time.Second
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Fetcher{
		cfg:    cfg,
		client: &http.Client{Timeout: cfg.FetchTimeout},
		log:    log,
	}
}

// Fetch retrieves the feed with bounded retries and returns the events
// younger than MaxEventAge. Order is whatever the feed published; callers
// must not depend on it. On exhausted retries the cycle's error is
// returned and the next scheduled cycle retries independently.
func (f *Fetcher) Fetch(ctx context.Context) ([]Event, error) {
	var lastErr error
	for attempt := 0; attempt < fetchAttempts; attempt++ {
		events, err := f.fetchOnce(ctx)
		if err == nil {
			f.mu.Lock()
			f.failures = 0
			f.lastSuccess = time.Now().UTC()
			f.mu.Unlock()
			return f.filterAge(events), nil
		}
		lastErr = err

		delay := fetchBaseDelay << attempt
		f.log.Warn("feed fetch attempt failed",
			logx.Int("attempt", attempt+1),
			logx.Err(err),
			logx.Duration("retry_in", delay))

		if attempt == fetchAttempts-1 {
			break
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(delay):
		}
	}

	f.mu.Lock()
	f.failures++
	failures := f.failures
	last := f.lastSuccess
	f.mu.Unlock()

	f.log.Error("feed fetch failed after retries",
		logx.Err(lastErr),
		logx.Int("consecutive_failures", failures),
		logx.Time("last_success", last))
	return nil, lastErr
}

func (f *Fetcher) fetchOnce(ctx context.Context) ([]Event, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, f.cfg.URL, nil)
	if err != nil {
		return nil, &FetchError{Err: err}
	}

	resp, err := f.client.Do(req)
	if err != nil {
		return nil, &FetchError{Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode/100 != 2 {
		return nil, &FetchError{Err: fmt.Errorf("http status %d", resp.StatusCode)}
	}

	events, err := parseFeed(resp.Body)
	if err != nil {
		return nil, &FetchError{Err: err}
	}
	return events, nil
}

func (f *Fetcher) filterAge(events []Event) []Event {
	if f.cfg.MaxEventAge <= 0 {
		return events
	}
	cutoff := time.Now().UTC().Add(-f.cfg.MaxEventAge)
	kept := events[:0]
	for _, ev := range events {
		if ev.Published.Before(cutoff) {
			f.log.Debug("skipping old event",
				logx.String("guid", ev.GUID),
				logx.Time("published", ev.Published))
			continue
		}
		kept = append(kept, ev)
	}
	return kept
}

// Probe does a single fetch without retries and reports feed health.
// Used by the /status and /stats commands.
func (f *Fetcher) Probe(ctx context.Context) Status {
	f.mu.Lock()
	st := Status{
		LastSuccessfulFetch: f.lastSuccess,
		ConsecutiveFailures: f.failures,
	}
	f.mu.Unlock()

	events, err := f.fetchOnce(ctx)
	if err != nil {
		st.Error = err.Error()
		return st
	}
	st.Reachable = true
	st.TotalEntries = len(events)
	if len(events) > 0 {
		st.LastPostTitle = events[0].Title
		st.LastPostDate = events[0].Published
	}
	return st
}

// ---- RSS parsing ----

type rssDoc struct {
	Channel struct {
		Items []rssItem `xml:"item"`
	} `xml:"channel"`
}

type rssItem struct {
	Title       string `xml:"title"`
	Description string `xml:"description"`
	Link        string `xml:"link"`
	GUID        string `xml:"guid"`
	PubDate     string `xml:"pubDate"`
	Updated     string `xml:"updated"`
}

func parseFeed(r io.Reader) ([]Event, error) {
	var doc rssDoc
	dec := xml.NewDecoder(r)
	// Status feeds occasionally declare legacy charsets; pass bytes through.
	dec.CharsetReader = func(charset string, input io.Reader) (io.Reader, error) {
		return input, nil
	}
	if err := dec.Decode(&doc); err != nil {
		return nil, fmt.Errorf("parse: %w", err)
	}
	if len(doc.Channel.Items) == 0 {
		return nil, errors.New("parse: document has no items")
	}

	events := make([]Event, 0, len(doc.Channel.Items))
	for _, it := range doc.Channel.Items {
		events = append(events, normalizeItem(it))
	}
	return events, nil
}

func normalizeItem(it rssItem) Event {
	body := cleanBody(it.Description)
	guid := it.GUID
	if guid == "" {
		guid = fallbackGUID(it.Title, body)
	}
	return Event{
		GUID:      guid,
		Category:  classify(it.Title, body),
		Title:     it.Title,
		Location:  extractLocation(it.Title),
		Body:      body,
		Link:      it.Link,
		Published: parseDate(it.PubDate, it.Updated),
	}
}

var dateLayouts = []string{
	time.RFC1123Z,
	time.RFC1123,
	time.RFC822Z,
	time.RFC822,
	time.RFC3339,
}

// parseDate tries the usual RSS date shapes; entries with no parseable
// date get the current time so they are never age-filtered away.
func parseDate(candidates ...string) time.Time {
	for _, s := range candidates {
		if s == "" {
			continue
		}
		for _, layout := range dateLayouts {
			if t, err := time.Parse(layout, s); err == nil {
				return t.UTC()
			}
		}
	}
	return time.Now().UTC()
}
