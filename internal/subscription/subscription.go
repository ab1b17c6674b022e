// Package subscription owns the chat lifecycle: subscribe, unsubscribe,
// automatic deactivation on permanent delivery failure, and the per-chat
// quiet-window setting.
package subscription

import (
	"context"
	"errors"
	"fmt"
	"time"

	"ixbot/internal/quiet"
	"ixbot/internal/store"
	"ixbot/pkg/logx"
)

var ErrWindowBounds = errors.New("quiet window needs both start and end, or neither")

type Manager struct {
	store store.Store
	log   logx.Logger
}

func NewManager(st store.Store, log logx.Logger) *Manager {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Manager{store: st, log: log}
}

// Subscribe creates or reactivates the chat. Idempotent: subscribing an
// already-active chat reports changed=false.
func (m *Manager) Subscribe(ctx context.Context, chatID int64, chatType, title string) (bool, error) {
	changed, err := m.store.UpsertSubscription(ctx, chatID, chatType, title, time.Now())
	if err != nil {
		return false, err
	}
	if changed {
		m.log.Info("chat subscribed",
			logx.Int64("chat_id", chatID),
			logx.String("chat_type", chatType))
	}
	return changed, nil
}

// Unsubscribe deactivates the chat; delivery history is retained for a
// potential re-subscribe. Idempotent.
func (m *Manager) Unsubscribe(ctx context.Context, chatID int64) (bool, error) {
	changed, err := m.store.DeactivateSubscription(ctx, chatID)
	if err != nil {
		return false, err
	}
	if changed {
		m.log.Info("chat unsubscribed", logx.Int64("chat_id", chatID))
	}
	return changed, nil
}

// DeactivateOnFailure is Unsubscribe invoked by the delivery path after a
// permanent transport failure; it is logged as automatic so operators can
// tell it apart from a user action.
func (m *Manager) DeactivateOnFailure(ctx context.Context, chatID int64, cause error) {
	changed, err := m.store.DeactivateSubscription(ctx, chatID)
	if err != nil {
		m.log.Error("auto-deactivate failed",
			logx.Int64("chat_id", chatID), logx.Err(err))
		return
	}
	if changed {
		m.log.Warn("chat auto-unsubscribed (unreachable)",
			logx.Int64("chat_id", chatID),
			logx.Err(cause))
	}
}

// SetQuietWindow validates and stores the quiet window. Both bounds must
// be given; equal bounds are rejected by the parser.
func (m *Manager) SetQuietWindow(ctx context.Context, chatID int64, start, end string) error {
	if start == "" || end == "" {
		return ErrWindowBounds
	}
	w, err := quiet.ParseWindow(start, end)
	if err != nil {
		return err
	}
	ok, err := m.store.SetQuietWindow(ctx, chatID, start, end)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("chat %d is not subscribed", chatID)
	}
	m.log.Info("quiet window set",
		logx.Int64("chat_id", chatID),
		logx.String("window", w.String()))
	return nil
}

// ClearQuietWindow removes the window; notifications deliver immediately.
func (m *Manager) ClearQuietWindow(ctx context.Context, chatID int64) error {
	ok, err := m.store.SetQuietWindow(ctx, chatID, "", "")
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("chat %d is not subscribed", chatID)
	}
	m.log.Info("quiet window cleared", logx.Int64("chat_id", chatID))
	return nil
}

// WindowOf parses a subscription's stored bounds. A second return of
// false means no window is configured.
func WindowOf(sub store.Subscription) (quiet.Window, bool) {
	if sub.QuietStart == "" || sub.QuietEnd == "" {
		return quiet.Window{}, false
	}
	w, err := quiet.ParseWindow(sub.QuietStart, sub.QuietEnd)
	if err != nil {
		// Stored bounds are validated on write; treat corrupt rows as
		// "no window" rather than silencing the chat forever.
		return quiet.Window{}, false
	}
	return w, true
}
