package transport

import "context"

type UpdateKind string

const (
	UpdateMessage  UpdateKind = "message"
	UpdateDocument UpdateKind = "document"
)

type Update struct {
	Kind     UpdateKind
	Message  *Message
	Document *Document
}

type Message struct {
	ID           int
	ChatID       int64
	ChatType     string // "private", "group", "supergroup", "channel"
	ChatTitle    string
	FromID       int64
	FromUsername string
	Text         string
	IsGroup      bool
}

// Document is an uploaded file (used for restore uploads).
type Document struct {
	ChatID   int64
	FromID   int64
	FileID   string
	FileName string
	Size     int64
}

type ChatTarget struct {
	ChatID int64
}

// MessageRef identifies a sent message so it can be edited later.
type MessageRef struct {
	ChatID    int64
	MessageID int
}

type SendOptions struct {
	ParseMode      string
	DisablePreview bool
}

// BotCommand is one entry of the platform command menu.
type BotCommand struct {
	Command     string
	Description string
}

// Adapter is the messaging transport boundary. Send and edit errors are
// classified: a permanently unreachable destination unwraps to
// *PermanentError (see errors.go), anything else is transient.
type Adapter interface {
	Start(ctx context.Context, out chan<- Update) error
	Stop(ctx context.Context) error

	SendText(ctx context.Context, to ChatTarget, text string, opt *SendOptions) (MessageRef, error)
	EditText(ctx context.Context, ref MessageRef, text string, opt *SendOptions) error
	SendFile(ctx context.Context, to ChatTarget, data []byte, filename, caption string) error
	DownloadFile(ctx context.Context, fileID string, maxBytes int64) ([]byte, error)

	// IsChatAdmin reports whether the user may manage the given chat.
	// Private chats always report true.
	IsChatAdmin(ctx context.Context, chatID, userID int64) (bool, error)
}

// CommandMenuUpdater is an optional interface adapters can implement to
// publish the command menu (Telegram setMyCommands).
type CommandMenuUpdater interface {
	UpdateMenuCommands(ctx context.Context, cmds []BotCommand) error
}
