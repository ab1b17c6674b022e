// Package monitor runs the poll cycle: fetch feed events, resolve a
// send/edit/no-op per (event, chat), divert suppressed chats to the
// deferred queue, flush queues whose quiet window has ended, and prune
// aged operational state.
package monitor

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"

	"ixbot/internal/feed"
	"ixbot/internal/store"
	"ixbot/internal/subscription"
	"ixbot/internal/transport"
	"ixbot/pkg/logx"
)

type Config struct {
	// MaxEventAge drives the delivery-record retention horizon
	// (records older than 2x this are pruned).
	MaxEventAge time.Duration
	// SendRatePerSec paces outbound transport calls. Default 10.
	SendRatePerSec int
	// FeedURL is echoed into consolidated summaries as the details link.
	FeedURL string
}

const commandLogHorizon = 300 * time.Second

var htmlOpts = &transport.SendOptions{ParseMode: "HTML"}

type Monitor struct {
	cfg     Config
	store   store.Store
	fetcher *feed.Fetcher
	adapter transport.Adapter
	subs    *subscription.Manager
	log     logx.Logger

	limiter *rate.Limiter

	// inCycle guards against overlapping cycles: if a cycle is still
	// running when the next is due, the next is skipped.
	inCycle atomic.Bool

	// chatMu serializes flush and enqueue for one chat while letting
	// different chats proceed independently.
	chatMu sync.Map // int64 -> *sync.Mutex
}

func New(cfg Config, st store.Store, fetcher *feed.Fetcher, adapter transport.Adapter, subs *subscription.Manager, log logx.Logger) *Monitor {
	if cfg.SendRatePerSec <= 0 {
		cfg.SendRatePerSec = 10
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Monitor{
		cfg:     cfg,
		store:   st,
		fetcher: fetcher,
		adapter: adapter,
		subs:    subs,
		log:     log,
		limiter: rate.NewLimiter(rate.Limit(cfg.SendRatePerSec), 1),
	}
}

func (m *Monitor) chatLock(chatID int64) *sync.Mutex {
	v, _ := m.chatMu.LoadOrStore(chatID, &sync.Mutex{})
	return v.(*sync.Mutex)
}

// RunCycle executes one poll cycle. It never returns an error: everything
// short of store corruption is logged and retried on the next cycle.
func (m *Monitor) RunCycle(ctx context.Context) {
	if !m.inCycle.CompareAndSwap(false, true) {
		m.log.Warn("previous poll cycle still running; skipping")
		return
	}
	defer m.inCycle.Store(false)

	start := time.Now()

	events, err := m.fetcher.Fetch(ctx)
	if err != nil {
		// Already logged with retry context by the fetcher.
		return
	}

	subs, err := m.store.ActiveSubscriptions(ctx)
	if err != nil {
		m.log.Error("loading active subscriptions failed", logx.Err(err))
		return
	}

	// Chats deactivated mid-cycle (permanent failure) are skipped for the
	// rest of the cycle.
	dead := map[int64]bool{}

	// Flush before the live pass: the flush records deliveries for queued
	// events, so the live pass below resolves them to no-ops instead of
	// sending them a second time.
	m.flushDeferred(ctx, subs, dead)

	for _, ev := range events {
		for i := range subs {
			if dead[subs[i].ChatID] {
				continue
			}
			m.deliverOne(ctx, ev, subs[i], dead)
		}
	}

	m.pruneAged(ctx)

	m.log.Debug("poll cycle done",
		logx.Int("events", len(events)),
		logx.Int("chats", len(subs)),
		logx.Duration("took", time.Since(start)))
}

// deliverOne resolves and executes the action for one (event, chat) pair.
// The chat lock serializes it against a concurrent flush for the same chat.
func (m *Monitor) deliverOne(ctx context.Context, ev feed.Event, sub store.Subscription, dead map[int64]bool) {
	mu := m.chatLock(sub.ChatID)
	mu.Lock()
	defer mu.Unlock()

	log := m.log.With(logx.Int64("chat_id", sub.ChatID), logx.String("guid", ev.GUID))
	fp := ev.Fingerprint()

	rec, err := m.store.GetDelivery(ctx, ev.GUID, sub.ChatID)
	if err != nil {
		log.Error("delivery lookup failed", logx.String("stage", "resolve"), logx.Err(err))
		return
	}

	action := resolve(rec, fp)
	if action == actionNone {
		// Already delivered with this fingerprint. Resolved before the
		// quiet gate so an unchanged event is never queued and
		// re-announced after the window.
		return
	}

	if w, ok := subscription.WindowOf(sub); ok && w.Suppressed(time.Now()) {
		err := m.store.EnqueueDeferred(ctx, store.Deferred{
			ChatID:      sub.ChatID,
			GUID:        ev.GUID,
			Category:    string(ev.Category),
			Title:       ev.Title,
			Location:    ev.Location,
			Body:        renderEvent(ev, false),
			Fingerprint: fp,
			EnqueuedAt:  time.Now(),
		})
		if err != nil {
			log.Error("deferring notification failed", logx.String("stage", "enqueue"), logx.Err(err))
		} else {
			log.Debug("notification deferred (quiet window)")
		}
		return
	}

	switch action {
	case actionEdit:
		if err := m.limiter.Wait(ctx); err != nil {
			return
		}
		ref := transport.MessageRef{ChatID: sub.ChatID, MessageID: rec.MessageID}
		if err := m.adapter.EditText(ctx, ref, renderEvent(ev, true), htmlOpts); err != nil {
			m.handleSendErr(ctx, log, "edit", sub.ChatID, err, dead)
			return
		}
		if err := m.store.MarkEdited(ctx, ev.GUID, sub.ChatID, fp, ev.Title, time.Now()); err != nil {
			log.Error("recording edit failed", logx.String("stage", "edit"), logx.Err(err))
			return
		}
		log.Info("message updated", logx.Int("message_id", rec.MessageID))

	case actionSend:
		if err := m.limiter.Wait(ctx); err != nil {
			return
		}
		ref, err := m.adapter.SendText(ctx, transport.ChatTarget{ChatID: sub.ChatID}, renderEvent(ev, false), htmlOpts)
		if err != nil {
			m.handleSendErr(ctx, log, "send", sub.ChatID, err, dead)
			return
		}
		err = m.store.MarkDelivered(ctx, store.Delivery{
			GUID:        ev.GUID,
			ChatID:      sub.ChatID,
			MessageID:   ref.MessageID,
			Fingerprint: fp,
			Title:       ev.Title,
			SentAt:      time.Now(),
		})
		if err != nil {
			log.Error("recording delivery failed", logx.String("stage", "send"), logx.Err(err))
			return
		}
		log.Info("message sent", logx.Int("message_id", ref.MessageID))
	}
}

// handleSendErr applies the failure taxonomy: permanent failures
// deactivate the chat, transient ones are retried implicitly next cycle
// because no delivery record was written.
func (m *Monitor) handleSendErr(ctx context.Context, log logx.Logger, stage string, chatID int64, err error, dead map[int64]bool) {
	if transport.IsPermanent(err) {
		m.subs.DeactivateOnFailure(ctx, chatID, err)
		dead[chatID] = true
		return
	}
	log.Warn("delivery failed; will retry next cycle",
		logx.String("stage", stage), logx.Err(err))
}

// flushDeferred drains the deferred queue of every chat whose quiet
// window has ended: one consolidated transport send per chat, a delivery
// record per contained event (sharing the summary's message id), and the
// queue cleared only after the send succeeded.
func (m *Monitor) flushDeferred(ctx context.Context, subs []store.Subscription, dead map[int64]bool) {
	for i := range subs {
		sub := subs[i]
		if dead[sub.ChatID] {
			continue
		}
		if w, ok := subscription.WindowOf(sub); ok && w.Suppressed(time.Now()) {
			continue
		}
		m.flushChat(ctx, sub.ChatID, dead)
	}
}

func (m *Monitor) flushChat(ctx context.Context, chatID int64, dead map[int64]bool) {
	mu := m.chatLock(chatID)
	mu.Lock()
	defer mu.Unlock()

	log := m.log.With(logx.Int64("chat_id", chatID))

	pending, err := m.store.DeferredFor(ctx, chatID)
	if err != nil {
		log.Error("loading deferred queue failed", logx.String("stage", "flush"), logx.Err(err))
		return
	}
	if len(pending) == 0 {
		return
	}

	var text string
	opts := htmlOpts
	if len(pending) == 1 {
		// A single held notification goes out as the full message that
		// was snapshotted at enqueue time.
		text = pending[0].Body
	} else {
		text = renderSummary(pending, m.cfg.FeedURL)
		opts = &transport.SendOptions{ParseMode: "HTML", DisablePreview: true}
	}

	if err := m.limiter.Wait(ctx); err != nil {
		return
	}
	ref, err := m.adapter.SendText(ctx, transport.ChatTarget{ChatID: chatID}, text, opts)
	if err != nil {
		if transport.IsPermanent(err) {
			m.subs.DeactivateOnFailure(ctx, chatID, err)
			dead[chatID] = true
			return
		}
		// Queue intact; next observation of the open window retries.
		log.Warn("deferred flush failed; keeping queue",
			logx.String("stage", "flush"),
			logx.Int("pending", len(pending)),
			logx.Err(err))
		return
	}

	now := time.Now()
	for _, p := range pending {
		err := m.store.MarkDelivered(ctx, store.Delivery{
			GUID:        p.GUID,
			ChatID:      chatID,
			MessageID:   ref.MessageID,
			Fingerprint: p.Fingerprint,
			Title:       p.Title,
			SentAt:      now,
		})
		if err != nil {
			log.Error("recording flushed delivery failed",
				logx.String("stage", "flush"),
				logx.String("guid", p.GUID),
				logx.Err(err))
		}
	}
	if _, err := m.store.ClearDeferred(ctx, chatID); err != nil {
		log.Error("clearing deferred queue failed", logx.String("stage", "flush"), logx.Err(err))
		return
	}
	log.Info("deferred notifications flushed", logx.Int("count", len(pending)))
}

// pruneAged trims operational state at the end of each cycle: delivery
// records past twice the event age horizon (no longer edit-eligible) and
// command-log entries past the rate-limit window.
func (m *Monitor) pruneAged(ctx context.Context) {
	now := time.Now()
	if m.cfg.MaxEventAge > 0 {
		n, err := m.store.PruneDeliveries(ctx, now.Add(-2*m.cfg.MaxEventAge))
		if err != nil {
			m.log.Error("pruning deliveries failed", logx.Err(err))
		} else if n > 0 {
			m.log.Info("old delivery records pruned", logx.Int64("count", n))
		}
	}
	if _, err := m.store.PruneCommandLog(ctx, now.Add(-commandLogHorizon)); err != nil {
		m.log.Error("pruning command log failed", logx.Err(err))
	}
}
