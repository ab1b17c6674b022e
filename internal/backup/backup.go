// Package backup serializes subscription state as a portable, versioned
// JSON document and restores it in merge or replace mode. Operational
// tables (deliveries, command log) are deliberately excluded: they are
// delivery state, not subscription state.
package backup

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"ixbot/internal/quiet"
	"ixbot/internal/store"
	"ixbot/pkg/logx"
)

const DocumentVersion = "1"

type Mode string

const (
	// ModeMerge upserts each chat from the document; chats absent from
	// the document are left untouched.
	ModeMerge Mode = "merge"
	// ModeReplace clears all existing subscriptions first.
	ModeReplace Mode = "replace"
)

type Document struct {
	Version    string    `json:"version"`
	ExportID   string    `json:"export_id"`
	ExportedAt time.Time `json:"exported_at"`
	Stats      DocStats  `json:"stats"`
	Chats      []Entry   `json:"chats"`
}

type DocStats struct {
	ActiveChats int `json:"active_chats"`
	TotalChats  int `json:"total_chats"`
}

type Entry struct {
	ChatID       int64     `json:"chat_id"`
	ChatType     string    `json:"chat_type"`
	Title        string    `json:"title,omitempty"`
	SubscribedAt time.Time `json:"subscribed_at"`
	Active       bool      `json:"active"`
	QuietStart   string    `json:"quiet_start,omitempty"`
	QuietEnd     string    `json:"quiet_end,omitempty"`
}

type Result struct {
	Imported int
	Errors   int
	Total    int
}

type Engine struct {
	store store.Store
	log   logx.Logger
}

func NewEngine(st store.Store, log logx.Logger) *Engine {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Engine{store: st, log: log}
}

// Export enumerates every subscription (active or not) with its settings.
func (e *Engine) Export(ctx context.Context) (*Document, error) {
	subs, err := e.store.AllSubscriptions(ctx)
	if err != nil {
		return nil, err
	}

	doc := &Document{
		Version:    DocumentVersion,
		ExportID:   uuid.NewString(),
		ExportedAt: time.Now().UTC(),
		Chats:      make([]Entry, 0, len(subs)),
	}
	for _, s := range subs {
		doc.Stats.TotalChats++
		if s.Active {
			doc.Stats.ActiveChats++
		}
		doc.Chats = append(doc.Chats, Entry{
			ChatID:       s.ChatID,
			ChatType:     s.ChatType,
			Title:        s.Title,
			SubscribedAt: s.SubscribedAt,
			Active:       s.Active,
			QuietStart:   s.QuietStart,
			QuietEnd:     s.QuietEnd,
		})
	}

	e.log.Info("backup exported",
		logx.Int("chats", doc.Stats.TotalChats),
		logx.Int("active", doc.Stats.ActiveChats))
	return doc, nil
}

// EncodeJSON renders the document for file delivery.
func (e *Engine) EncodeJSON(doc *Document) ([]byte, error) {
	return json.MarshalIndent(doc, "", "  ")
}

// Filename returns the timestamped name used for exported documents.
func Filename(now time.Time) string {
	return "ixbot_backup_" + now.Format("20060102_150405") + ".json"
}

// Decode parses and validates a restore document.
func Decode(data []byte, maxBytes int64) (*Document, error) {
	if maxBytes > 0 && int64(len(data)) > maxBytes {
		return nil, fmt.Errorf("document too large: %d bytes (max %d)", len(data), maxBytes)
	}
	var doc Document
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("invalid backup document: %w", err)
	}
	if doc.Version != DocumentVersion {
		return nil, fmt.Errorf("unsupported backup version %q", doc.Version)
	}
	if doc.Chats == nil {
		return nil, errors.New("invalid backup document: missing chats")
	}
	return &doc, nil
}

// Import applies the document. Callers enforce authorization; this layer
// only applies the rows. Entries with an invalid quiet window or a zero
// chat id are counted as errors and skipped, never aborting the rest.
func (e *Engine) Import(ctx context.Context, doc *Document, mode Mode) (Result, error) {
	res := Result{Total: len(doc.Chats)}

	if mode == ModeReplace {
		if err := e.store.ClearSubscriptions(ctx); err != nil {
			return res, err
		}
		e.log.Warn("existing subscriptions cleared for restore")
	}

	for _, c := range doc.Chats {
		if c.ChatID == 0 {
			res.Errors++
			continue
		}
		if (c.QuietStart == "") != (c.QuietEnd == "") {
			res.Errors++
			continue
		}
		if c.QuietStart != "" {
			if _, err := quiet.ParseWindow(c.QuietStart, c.QuietEnd); err != nil {
				res.Errors++
				continue
			}
		}
		chatType := c.ChatType
		if chatType == "" {
			chatType = "unknown"
		}
		err := e.store.PutSubscription(ctx, store.Subscription{
			ChatID:       c.ChatID,
			ChatType:     chatType,
			Title:        c.Title,
			SubscribedAt: c.SubscribedAt,
			Active:       c.Active,
			QuietStart:   c.QuietStart,
			QuietEnd:     c.QuietEnd,
		})
		if err != nil {
			e.log.Error("restore entry failed",
				logx.Int64("chat_id", c.ChatID), logx.Err(err))
			res.Errors++
			continue
		}
		res.Imported++
	}

	e.log.Info("backup imported",
		logx.String("mode", string(mode)),
		logx.Int("imported", res.Imported),
		logx.Int("errors", res.Errors))
	return res, nil
}
