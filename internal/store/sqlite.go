package store

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"ixbot/pkg/logx"
)

//go:embed migrations.sql
var migrationsFS embed.FS

type sqliteStore struct {
	db  *sql.DB
	log logx.Logger
}

// Open initializes the sqlite store, creating the file and schema as
// needed. A failure here is fatal for the process.
func Open(cfg Config, log logx.Logger) (Store, error) {
	if strings.TrimSpace(cfg.Path) == "" {
		return nil, errors.New("sqlite path is required")
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	if err := os.MkdirAll(filepath.Dir(cfg.Path), 0o755); err != nil {
		return nil, err
	}

	db, err := sql.Open("sqlite", cfg.Path)
	if err != nil {
		return nil, err
	}
	// SQLite prefers a small number of concurrent writers.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if cfg.BusyTimeout > 0 {
		_, _ = db.Exec(fmt.Sprintf("PRAGMA busy_timeout = %d", cfg.BusyTimeout.Milliseconds()))
	}
	_, _ = db.Exec("PRAGMA journal_mode = WAL")
	_, _ = db.Exec("PRAGMA synchronous = NORMAL")

	st := &sqliteStore{db: db, log: log}
	if err := st.migrate(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	log.Info("store opened", logx.String("path", cfg.Path))
	return st, nil
}

func (s *sqliteStore) migrate(ctx context.Context) error {
	b, err := migrationsFS.ReadFile("migrations.sql")
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, string(b))
	return err
}

func (s *sqliteStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// ---- subscriptions ----

func (s *sqliteStore) UpsertSubscription(ctx context.Context, chatID int64, chatType, title string, now time.Time) (bool, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return false, err
	}
	defer func() { _ = tx.Rollback() }()

	var active bool
	err = tx.QueryRowContext(ctx,
		`SELECT active FROM subscriptions WHERE chat_id = ?`, chatID).Scan(&active)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		_, err = tx.ExecContext(ctx,
			`INSERT INTO subscriptions(chat_id, chat_type, title, subscribed_at, active)
			 VALUES(?,?,?,?,1)`,
			chatID, chatType, nullStr(title), ms(now))
		if err != nil {
			return false, err
		}
		return true, tx.Commit()
	case err != nil:
		return false, err
	case active:
		return false, tx.Commit()
	default:
		_, err = tx.ExecContext(ctx,
			`UPDATE subscriptions SET active = 1, subscribed_at = ?, title = ?, chat_type = ?
			 WHERE chat_id = ?`,
			ms(now), nullStr(title), chatType, chatID)
		if err != nil {
			return false, err
		}
		return true, tx.Commit()
	}
}

func (s *sqliteStore) DeactivateSubscription(ctx context.Context, chatID int64) (bool, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE subscriptions SET active = 0 WHERE chat_id = ? AND active = 1`, chatID)
	if err != nil {
		return false, err
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

const subscriptionCols = `chat_id, chat_type, title, subscribed_at, active, quiet_start, quiet_end`

func (s *sqliteStore) GetSubscription(ctx context.Context, chatID int64) (*Subscription, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+subscriptionCols+` FROM subscriptions WHERE chat_id = ?`, chatID)
	sub, err := scanSubscription(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return sub, nil
}

func (s *sqliteStore) ActiveSubscriptions(ctx context.Context) ([]Subscription, error) {
	return s.querySubscriptions(ctx,
		`SELECT `+subscriptionCols+` FROM subscriptions WHERE active = 1 ORDER BY chat_id`)
}

func (s *sqliteStore) AllSubscriptions(ctx context.Context) ([]Subscription, error) {
	return s.querySubscriptions(ctx,
		`SELECT `+subscriptionCols+` FROM subscriptions ORDER BY chat_id`)
}

func (s *sqliteStore) querySubscriptions(ctx context.Context, q string) ([]Subscription, error) {
	rows, err := s.db.QueryContext(ctx, q)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Subscription
	for rows.Next() {
		sub, err := scanSubscription(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *sub)
	}
	return out, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSubscription(r rowScanner) (*Subscription, error) {
	var (
		sub        Subscription
		title      sql.NullString
		subAt      int64
		start, end sql.NullString
	)
	if err := r.Scan(&sub.ChatID, &sub.ChatType, &title, &subAt, &sub.Active, &start, &end); err != nil {
		return nil, err
	}
	sub.Title = title.String
	sub.SubscribedAt = fromMS(subAt)
	sub.QuietStart = start.String
	sub.QuietEnd = end.String
	return &sub, nil
}

func (s *sqliteStore) SetQuietWindow(ctx context.Context, chatID int64, start, end string) (bool, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE subscriptions SET quiet_start = ?, quiet_end = ?
		 WHERE chat_id = ? AND active = 1`,
		nullStr(start), nullStr(end), chatID)
	if err != nil {
		return false, err
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

func (s *sqliteStore) PutSubscription(ctx context.Context, sub Subscription) error {
	at := sub.SubscribedAt
	if at.IsZero() {
		at = time.Now()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO subscriptions(chat_id, chat_type, title, subscribed_at, active, quiet_start, quiet_end)
		 VALUES(?,?,?,?,?,?,?)
		 ON CONFLICT(chat_id) DO UPDATE SET
		   chat_type = excluded.chat_type,
		   title = excluded.title,
		   subscribed_at = excluded.subscribed_at,
		   active = excluded.active,
		   quiet_start = excluded.quiet_start,
		   quiet_end = excluded.quiet_end`,
		sub.ChatID, sub.ChatType, nullStr(sub.Title), ms(at), sub.Active,
		nullStr(sub.QuietStart), nullStr(sub.QuietEnd))
	return err
}

func (s *sqliteStore) ClearSubscriptions(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM subscriptions`)
	return err
}

// ---- deliveries ----

func (s *sqliteStore) GetDelivery(ctx context.Context, guid string, chatID int64) (*Delivery, error) {
	var (
		d       Delivery
		title   sql.NullString
		sentAt  int64
		updated sql.NullInt64
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT guid, chat_id, message_id, fingerprint, title, sent_at, updated_at
		 FROM deliveries WHERE guid = ? AND chat_id = ?`,
		guid, chatID).
		Scan(&d.GUID, &d.ChatID, &d.MessageID, &d.Fingerprint, &title, &sentAt, &updated)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	d.Title = title.String
	d.SentAt = fromMS(sentAt)
	if updated.Valid {
		d.UpdatedAt = fromMS(updated.Int64)
	}
	return &d, nil
}

func (s *sqliteStore) MarkDelivered(ctx context.Context, d Delivery) error {
	at := d.SentAt
	if at.IsZero() {
		at = time.Now()
	}
	// A concurrent writer winning the (guid, chat_id) race is fine: the
	// upsert converges on one row either way.
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO deliveries(guid, chat_id, message_id, fingerprint, title, sent_at)
		 VALUES(?,?,?,?,?,?)
		 ON CONFLICT(guid, chat_id) DO UPDATE SET
		   message_id = excluded.message_id,
		   fingerprint = excluded.fingerprint,
		   title = excluded.title,
		   sent_at = excluded.sent_at`,
		d.GUID, d.ChatID, d.MessageID, d.Fingerprint, nullStr(d.Title), ms(at))
	return err
}

func (s *sqliteStore) MarkEdited(ctx context.Context, guid string, chatID int64, fingerprint, title string, now time.Time) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE deliveries SET fingerprint = ?, title = ?, updated_at = ?
		 WHERE guid = ? AND chat_id = ?`,
		fingerprint, nullStr(title), ms(now), guid, chatID)
	return err
}

func (s *sqliteStore) PruneDeliveries(ctx context.Context, before time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM deliveries WHERE sent_at < ?`, ms(before))
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// ---- deferred queue ----

func (s *sqliteStore) EnqueueDeferred(ctx context.Context, d Deferred) error {
	at := d.EnqueuedAt
	if at.IsZero() {
		at = time.Now()
	}
	// OR IGNORE: re-observing the same suppressed event across cycles must
	// not duplicate the queue entry (the first snapshot wins).
	_, err := s.db.ExecContext(ctx,
		`INSERT OR IGNORE INTO deferred(chat_id, guid, category, title, location, body, fingerprint, enqueued_at)
		 VALUES(?,?,?,?,?,?,?,?)`,
		d.ChatID, d.GUID, d.Category, nullStr(d.Title), nullStr(d.Location),
		d.Body, d.Fingerprint, ms(at))
	return err
}

func (s *sqliteStore) DeferredFor(ctx context.Context, chatID int64) ([]Deferred, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, chat_id, guid, category, title, location, body, fingerprint, enqueued_at
		 FROM deferred WHERE chat_id = ? ORDER BY enqueued_at ASC, id ASC`, chatID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Deferred
	for rows.Next() {
		var (
			d               Deferred
			title, location sql.NullString
			at              int64
		)
		if err := rows.Scan(&d.ID, &d.ChatID, &d.GUID, &d.Category, &title, &location, &d.Body, &d.Fingerprint, &at); err != nil {
			return nil, err
		}
		d.Title = title.String
		d.Location = location.String
		d.EnqueuedAt = fromMS(at)
		out = append(out, d)
	}
	return out, rows.Err()
}

func (s *sqliteStore) ClearDeferred(ctx context.Context, chatID int64) (int64, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM deferred WHERE chat_id = ?`, chatID)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// ---- command log ----

func (s *sqliteStore) LogCommand(ctx context.Context, chatID int64, command string, at time.Time) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO command_log(chat_id, command, at) VALUES(?,?,?)`,
		chatID, command, ms(at))
	return err
}

func (s *sqliteStore) CommandCount(ctx context.Context, chatID int64, since time.Time) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM command_log WHERE chat_id = ? AND at > ?`,
		chatID, ms(since)).Scan(&n)
	return n, err
}

func (s *sqliteStore) OldestCommand(ctx context.Context, chatID int64, since time.Time) (time.Time, bool, error) {
	var at sql.NullInt64
	err := s.db.QueryRowContext(ctx,
		`SELECT MIN(at) FROM command_log WHERE chat_id = ? AND at > ?`,
		chatID, ms(since)).Scan(&at)
	if err != nil {
		return time.Time{}, false, err
	}
	if !at.Valid {
		return time.Time{}, false, nil
	}
	return fromMS(at.Int64), true, nil
}

func (s *sqliteStore) PruneCommandLog(ctx context.Context, before time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM command_log WHERE at < ?`, ms(before))
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// ---- stats ----

func (s *sqliteStore) Stats(ctx context.Context) (Stats, error) {
	var st Stats
	q := `SELECT
	        (SELECT COUNT(*) FROM subscriptions WHERE active = 1),
	        (SELECT COUNT(*) FROM subscriptions),
	        (SELECT COUNT(*) FROM deliveries),
	        (SELECT COUNT(*) FROM deferred)`
	err := s.db.QueryRowContext(ctx, q).
		Scan(&st.ActiveSubscriptions, &st.TotalSubscriptions, &st.Deliveries, &st.Deferred)
	return st, err
}

// ---- helpers ----

func ms(t time.Time) int64     { return t.UnixMilli() }
func fromMS(v int64) time.Time { return time.UnixMilli(v).UTC() }

func nullStr(v string) any {
	if strings.TrimSpace(v) == "" {
		return nil
	}
	return v
}
