package app

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"ixbot/internal/backup"
	"ixbot/internal/subscription"
	kit "ixbot/internal/transport"
	"ixbot/pkg/logx"
)

func commandMenu() []kit.BotCommand {
	return []kit.BotCommand{
		{Command: "/start", Description: "Subscribe this chat to status notifications"},
		{Command: "/stop", Description: "Unsubscribe this chat"},
		{Command: "/status", Description: "Show subscription and feed status"},
		{Command: "/quiet", Description: "Set quiet hours: /quiet 23:00 07:00, or /quiet off"},
		{Command: "/help", Description: "Show available commands"},
	}
}

const helpText = `<b>Status feed bot</b>

/start - subscribe this chat to notifications
/stop - unsubscribe
/status - subscription and feed status
/quiet HH:MM HH:MM - hold notifications during a daily window
/quiet off - remove the quiet window
/help - this message

During quiet hours notifications are queued and delivered as a single
summary when the window ends.`

func (a *App) handleMessage(ctx context.Context, m *kit.Message) {
	text := strings.TrimSpace(m.Text)
	if !strings.HasPrefix(text, "/") {
		return
	}
	cmd, args := splitCommand(text)

	// Short request id to correlate the log lines of one command.
	log := a.log.With(
		logx.String("req", uuid.NewString()[:8]),
		logx.String("cmd", cmd),
		logx.Int64("chat_id", m.ChatID),
		logx.Int64("from", m.FromID))

	defer func() {
		if r := recover(); r != nil {
			log.Error("command handler panicked", logx.Any("panic", r))
		}
	}()

	cfg := a.cfgm.Get()
	admin := cfg.IsAdmin(m.FromID)

	switch cmd {
	case "/start", "/stop", "/status", "/quiet", "/help":
		// Admins skip the per-chat command budget.
		if !admin {
			ok, cooldown, err := a.limiter.Allow(ctx, m.ChatID, cmd, time.Now())
			if err != nil {
				log.Error("rate limit check failed", logx.Err(err))
				return
			}
			if !ok {
				a.reply(ctx, m.ChatID, fmt.Sprintf(
					"Too many commands. Try again in %d seconds.",
					int(cooldown.Seconds())))
				return
			}
		}
	case "/backup", "/restore", "/stats":
		if !admin {
			log.Warn("admin command denied")
			return
		}
	default:
		return
	}

	log.Debug("command received")

	switch cmd {
	case "/start":
		a.cmdStart(ctx, m, log)
	case "/stop":
		a.cmdStop(ctx, m, log)
	case "/status":
		a.cmdStatus(ctx, m)
	case "/quiet":
		a.cmdQuiet(ctx, m, args, log)
	case "/help":
		a.reply(ctx, m.ChatID, helpText)
	case "/backup":
		a.cmdBackup(ctx, m, log)
	case "/restore":
		a.cmdRestore(ctx, m, args)
	case "/stats":
		a.cmdStats(ctx, m)
	}
}

// splitCommand extracts "/cmd" (bot mention stripped) and the argument rest.
func splitCommand(text string) (string, string) {
	cmd, rest, _ := strings.Cut(text, " ")
	if i := strings.IndexByte(cmd, '@'); i > 0 {
		cmd = cmd[:i]
	}
	return strings.ToLower(cmd), strings.TrimSpace(rest)
}

// requireChatAdmin gates subscription-changing commands in group chats.
// In private chats everyone manages their own subscription.
func (a *App) requireChatAdmin(ctx context.Context, m *kit.Message) bool {
	if !m.IsGroup {
		return true
	}
	ok, err := a.adapter.IsChatAdmin(ctx, m.ChatID, m.FromID)
	if err != nil {
		a.log.Warn("chat admin lookup failed",
			logx.Int64("chat_id", m.ChatID), logx.Err(err))
		return false
	}
	if !ok {
		a.reply(ctx, m.ChatID, "Only group administrators can change the subscription.")
	}
	return ok
}

func (a *App) cmdStart(ctx context.Context, m *kit.Message, log logx.Logger) {
	if !a.requireChatAdmin(ctx, m) {
		return
	}
	created, err := a.subs.Subscribe(ctx, m.ChatID, m.ChatType, chatDisplayName(m))
	if err != nil {
		log.Error("subscribe failed", logx.Err(err))
		a.reply(ctx, m.ChatID, "Something went wrong, please try again.")
		return
	}
	if !created {
		a.reply(ctx, m.ChatID, "This chat is already subscribed. Use /status to check.")
		return
	}
	a.reply(ctx, m.ChatID,
		"Subscribed. This chat will now receive status notifications.\nUse /quiet to set quiet hours, /stop to unsubscribe.")
}

func (a *App) cmdStop(ctx context.Context, m *kit.Message, log logx.Logger) {
	if !a.requireChatAdmin(ctx, m) {
		return
	}
	removed, err := a.subs.Unsubscribe(ctx, m.ChatID)
	if err != nil {
		log.Error("unsubscribe failed", logx.Err(err))
		a.reply(ctx, m.ChatID, "Something went wrong, please try again.")
		return
	}
	if !removed {
		a.reply(ctx, m.ChatID, "This chat is not subscribed.")
		return
	}
	a.reply(ctx, m.ChatID, "Unsubscribed. Use /start to subscribe again.")
}

func (a *App) cmdStatus(ctx context.Context, m *kit.Message) {
	var b strings.Builder

	sub, err := a.store.GetSubscription(ctx, m.ChatID)
	switch {
	case err != nil:
		a.reply(ctx, m.ChatID, "Something went wrong, please try again.")
		return
	case sub == nil || !sub.Active:
		b.WriteString("Subscription: <b>not subscribed</b> (use /start)\n")
	default:
		b.WriteString("Subscription: <b>active</b>")
		b.WriteString(" since " + sub.SubscribedAt.UTC().Format("02/01/2006") + "\n")
		if w, ok := subscription.WindowOf(*sub); ok {
			b.WriteString("Quiet hours: " + w.String() + "\n")
		} else {
			b.WriteString("Quiet hours: off\n")
		}
	}

	st := a.fetcher.Probe(ctx)
	if st.Reachable {
		b.WriteString("\nFeed: <b>reachable</b>")
		b.WriteString(fmt.Sprintf(" (%d entries)\n", st.TotalEntries))
		if st.LastPostTitle != "" {
			b.WriteString("Last post: " + st.LastPostTitle + "\n")
			b.WriteString("Posted: " + st.LastPostDate.UTC().Format("02/01/2006 15:04") + " (UTC)\n")
		}
	} else {
		b.WriteString("\nFeed: <b>unreachable</b>\n")
		if st.Error != "" {
			b.WriteString("Error: " + st.Error + "\n")
		}
		if !st.LastSuccessfulFetch.IsZero() {
			b.WriteString("Last successful fetch: " + st.LastSuccessfulFetch.UTC().Format("02/01/2006 15:04") + " (UTC)\n")
		}
	}
	a.reply(ctx, m.ChatID, strings.TrimRight(b.String(), "\n"))
}

func (a *App) cmdQuiet(ctx context.Context, m *kit.Message, args string, log logx.Logger) {
	if !a.requireChatAdmin(ctx, m) {
		return
	}
	fields := strings.Fields(args)
	switch {
	case len(fields) == 0:
		sub, err := a.store.GetSubscription(ctx, m.ChatID)
		if err != nil || sub == nil || !sub.Active {
			a.reply(ctx, m.ChatID, "This chat is not subscribed. Use /start first.")
			return
		}
		if w, ok := subscription.WindowOf(*sub); ok {
			a.reply(ctx, m.ChatID, "Quiet hours: "+w.String()+"\nUse /quiet off to remove.")
		} else {
			a.reply(ctx, m.ChatID, "No quiet hours set.\nUse /quiet HH:MM HH:MM, e.g. /quiet 23:00 07:00.")
		}

	case len(fields) == 1 && strings.EqualFold(fields[0], "off"):
		if err := a.subs.ClearQuietWindow(ctx, m.ChatID); err != nil {
			log.Warn("clearing quiet window failed", logx.Err(err))
			a.reply(ctx, m.ChatID, "This chat is not subscribed. Use /start first.")
			return
		}
		a.reply(ctx, m.ChatID, "Quiet hours removed. Notifications are delivered immediately.")

	case len(fields) == 2:
		if err := a.subs.SetQuietWindow(ctx, m.ChatID, fields[0], fields[1]); err != nil {
			a.reply(ctx, m.ChatID, "Could not set quiet hours: "+err.Error()+
				"\nFormat: /quiet HH:MM HH:MM, e.g. /quiet 23:00 07:00.")
			return
		}
		a.reply(ctx, m.ChatID, fmt.Sprintf(
			"Quiet hours set: %s - %s.\nNotifications in this window are held and delivered as a summary afterwards.",
			fields[0], fields[1]))

	default:
		a.reply(ctx, m.ChatID, "Usage: /quiet HH:MM HH:MM, or /quiet off.")
	}
}

func (a *App) cmdBackup(ctx context.Context, m *kit.Message, log logx.Logger) {
	doc, err := a.backups.Export(ctx)
	if err != nil {
		log.Error("backup export failed", logx.Err(err))
		a.reply(ctx, m.ChatID, "Backup failed: "+err.Error())
		return
	}
	data, err := a.backups.EncodeJSON(doc)
	if err != nil {
		log.Error("backup encode failed", logx.Err(err))
		a.reply(ctx, m.ChatID, "Backup failed: "+err.Error())
		return
	}
	caption := fmt.Sprintf("Backup: %d chats (%d active)", doc.Stats.TotalChats, doc.Stats.ActiveChats)
	err = a.adapter.SendFile(ctx, kit.ChatTarget{ChatID: m.ChatID},
		data, backup.Filename(time.Now().UTC()), caption)
	if err != nil {
		log.Error("backup upload failed", logx.Err(err))
		a.reply(ctx, m.ChatID, "Backup failed: could not upload the file.")
	}
}

func (a *App) cmdRestore(ctx context.Context, m *kit.Message, args string) {
	mode := backup.ModeMerge
	if strings.EqualFold(strings.TrimSpace(args), "replace") {
		mode = backup.ModeReplace
	}
	a.restoreMu.Lock()
	a.restoreMode[m.FromID] = mode
	a.restoreMu.Unlock()

	if mode == backup.ModeReplace {
		a.reply(ctx, m.ChatID,
			"Restore mode: <b>replace</b> (current subscriptions will be dropped).\nUpload the backup JSON file now.")
		return
	}
	a.reply(ctx, m.ChatID,
		"Restore mode: <b>merge</b>.\nUpload the backup JSON file now, or use /restore replace to overwrite.")
}

func (a *App) handleDocument(ctx context.Context, d *kit.Document) {
	cfg := a.cfgm.Get()
	if !cfg.IsAdmin(d.FromID) {
		return
	}
	a.restoreMu.Lock()
	mode, pending := a.restoreMode[d.FromID]
	delete(a.restoreMode, d.FromID)
	a.restoreMu.Unlock()
	if !pending {
		return
	}

	log := a.log.With(
		logx.Int64("chat_id", d.ChatID),
		logx.String("file", d.FileName),
		logx.String("mode", string(mode)))

	maxBytes := cfg.MaxRestoreBytes()
	if d.Size > maxBytes {
		a.reply(ctx, d.ChatID, fmt.Sprintf("File too large (max %d KiB).", maxBytes/1024))
		return
	}
	data, err := a.adapter.DownloadFile(ctx, d.FileID, maxBytes)
	if err != nil {
		log.Error("restore download failed", logx.Err(err))
		a.reply(ctx, d.ChatID, "Could not download the file, please try again.")
		return
	}
	doc, err := backup.Decode(data, maxBytes)
	if err != nil {
		log.Warn("restore rejected", logx.Err(err))
		a.reply(ctx, d.ChatID, "Not a valid backup file: "+err.Error())
		return
	}
	res, err := a.backups.Import(ctx, doc, mode)
	if err != nil {
		log.Error("restore import failed", logx.Err(err))
		a.reply(ctx, d.ChatID, "Restore failed: "+err.Error())
		return
	}
	log.Info("restore done", logx.Int("imported", res.Imported), logx.Int("errors", res.Errors))
	a.reply(ctx, d.ChatID, fmt.Sprintf(
		"Restore complete (%s): %d of %d chats imported, %d skipped.",
		mode, res.Imported, res.Total, res.Errors))
}

func (a *App) cmdStats(ctx context.Context, m *kit.Message) {
	st, err := a.store.Stats(ctx)
	if err != nil {
		a.reply(ctx, m.ChatID, "Stats failed: "+err.Error())
		return
	}
	fs := a.fetcher.Probe(ctx)

	var b strings.Builder
	b.WriteString("<b>Bot statistics</b>\n")
	fmt.Fprintf(&b, "Subscriptions: %d active / %d total\n", st.ActiveSubscriptions, st.TotalSubscriptions)
	fmt.Fprintf(&b, "Delivery records: %d\n", st.Deliveries)
	fmt.Fprintf(&b, "Deferred notifications: %d\n", st.Deferred)
	if fs.Reachable {
		fmt.Fprintf(&b, "Feed: reachable, %d entries\n", fs.TotalEntries)
	} else {
		b.WriteString("Feed: unreachable\n")
	}
	if fs.ConsecutiveFailures > 0 {
		fmt.Fprintf(&b, "Consecutive fetch failures: %d\n", fs.ConsecutiveFailures)
	}

	cfg := a.cfgm.Get()
	fmt.Fprintf(&b, "\nPoll interval: %s\n", cfg.PollInterval())
	fmt.Fprintf(&b, "Max event age: %dd\n", int(cfg.MaxEventAge().Hours()/24))
	fmt.Fprintf(&b, "Feed: %s\n", cfg.Feed.URL)
	a.reply(ctx, m.ChatID, strings.TrimRight(b.String(), "\n"))
}

func chatDisplayName(m *kit.Message) string {
	if m.ChatTitle != "" {
		return m.ChatTitle
	}
	return m.FromUsername
}

func (a *App) reply(ctx context.Context, chatID int64, text string) {
	_, err := a.adapter.SendText(ctx, kit.ChatTarget{ChatID: chatID}, text,
		&kit.SendOptions{ParseMode: "HTML", DisablePreview: true})
	if err != nil {
		a.log.Warn("reply failed", logx.Int64("chat_id", chatID), logx.Err(err))
	}
}
