package store

import (
	"context"
	"time"
)

// Config configures the sqlite store.
type Config struct {
	Path        string
	BusyTimeout time.Duration // 0 means default
}

// Subscription is one destination chat and its settings.
// Unsubscribing deactivates the row; it is never deleted, so delivery
// history survives a re-subscribe.
type Subscription struct {
	ChatID       int64
	ChatType     string
	Title        string
	SubscribedAt time.Time
	Active       bool

	// QuietStart/QuietEnd are "HH:MM" bounds of the local quiet window.
	// Both set or both empty.
	QuietStart string
	QuietEnd   string
}

// Delivery is the durable proof that an event reached a chat, with the
// message id needed to edit it later. At most one row per (guid, chat).
type Delivery struct {
	GUID        string
	ChatID      int64
	MessageID   int
	Fingerprint string
	Title       string
	SentAt      time.Time
	UpdatedAt   time.Time // zero until first edit
}

// Deferred is an event held back by a quiet window, with enough of a
// snapshot to deliver it after the window even if the live event changed.
type Deferred struct {
	ID          int64
	ChatID      int64
	GUID        string
	Category    string
	Title       string
	Location    string
	Body        string // rendered message text at enqueue time
	Fingerprint string
	EnqueuedAt  time.Time
}

type Stats struct {
	ActiveSubscriptions int
	TotalSubscriptions  int
	Deliveries          int
	Deferred            int
}

// Store is the persistence API shared by the poll loop and the command
// handlers. All writes are serialized by the sqlite layer; a delivery
// upsert that loses a race is indistinguishable from success.
type Store interface {
	UpsertSubscription(ctx context.Context, chatID int64, chatType, title string, now time.Time) (changed bool, err error)
	DeactivateSubscription(ctx context.Context, chatID int64) (bool, error)
	GetSubscription(ctx context.Context, chatID int64) (*Subscription, error)
	ActiveSubscriptions(ctx context.Context) ([]Subscription, error)
	AllSubscriptions(ctx context.Context) ([]Subscription, error)
	SetQuietWindow(ctx context.Context, chatID int64, start, end string) (bool, error)
	PutSubscription(ctx context.Context, s Subscription) error
	ClearSubscriptions(ctx context.Context) error

	GetDelivery(ctx context.Context, guid string, chatID int64) (*Delivery, error)
	MarkDelivered(ctx context.Context, d Delivery) error
	MarkEdited(ctx context.Context, guid string, chatID int64, fingerprint, title string, now time.Time) error
	PruneDeliveries(ctx context.Context, before time.Time) (int64, error)

	EnqueueDeferred(ctx context.Context, d Deferred) error
	DeferredFor(ctx context.Context, chatID int64) ([]Deferred, error)
	ClearDeferred(ctx context.Context, chatID int64) (int64, error)

	LogCommand(ctx context.Context, chatID int64, command string, at time.Time) error
	CommandCount(ctx context.Context, chatID int64, since time.Time) (int, error)
	OldestCommand(ctx context.Context, chatID int64, since time.Time) (time.Time, bool, error)
	PruneCommandLog(ctx context.Context, before time.Time) (int64, error)

	Stats(ctx context.Context) (Stats, error)
	Close() error
}
