package channel

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"sync"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"

	"chatrelay/internal/bus"
	"chatrelay/internal/domain"
)

const (
	telegramMaxMsgLen      = 4000
	telegramMaxSendRetries = 3
)

// botAPI is the part of *tgbotapi.BotAPI the surface uses.
type botAPI interface {
	Send(c tgbotapi.Chattable) (tgbotapi.Message, error)
	Request(c tgbotapi.Chattable) (*tgbotapi.APIResponse, error)
}

// Telegram relays messages from allowed Telegram users into the pipeline
// and sends finished replies back to the chat that asked, plus any chats
// configured to be notified.
type Telegram struct {
	token     string
	allowFrom []int64 // empty = allow all
	notify    []int64
	parseMode string

	ctrl   Controller
	bot    botAPI
	logger *slog.Logger
	sleep  func(time.Duration)
	async  func(func())

	mu      sync.Mutex
	pending int64 // chat waiting for the in-flight reply, 0 if none
}

type TelegramConfig struct {
	Token      string
	AllowFrom  []string // user IDs as strings
	NotifyChat []string // chat IDs that receive every reply
	ParseMode  string
	Controller Controller
	Logger     *slog.Logger
}

func parseIDs(list []string) []int64 {
	var ids []int64
	for _, s := range list {
		if id, err := strconv.ParseInt(strings.TrimSpace(s), 10, 64); err == nil {
			ids = append(ids, id)
		}
	}
	return ids
}

func NewTelegram(cfg TelegramConfig) *Telegram {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Telegram{
		token:     cfg.Token,
		allowFrom: parseIDs(cfg.AllowFrom),
		notify:    parseIDs(cfg.NotifyChat),
		parseMode: cfg.ParseMode,
		ctrl:      cfg.Controller,
		logger:    cfg.Logger,
		sleep:     time.Sleep,
		async:     func(fn func()) { go fn() },
	}
}

func (t *Telegram) Name() string { return "telegram" }

// Start connects to Telegram and polls for updates until ctx is cancelled.
func (t *Telegram) Start(ctx context.Context) error {
	bot, err := tgbotapi.NewBotAPI(t.token)
	if err != nil {
		return fmt.Errorf("telegram bot init: %w", err)
	}
	t.mu.Lock()
	t.bot = bot
	t.mu.Unlock()
	t.logger.Info("telegram bot connected", "username", bot.Self.UserName, "id", bot.Self.ID)

	u := tgbotapi.NewUpdate(0)
	u.Timeout = 30
	updates := bot.GetUpdatesChan(u)

	for {
		select {
		case <-ctx.Done():
			t.logger.Info("telegram channel stopping")
			bot.StopReceivingUpdates()
			return nil
		case update, ok := <-updates:
			if !ok {
				return nil
			}
			t.handleUpdate(ctx, update)
		}
	}
}

func (t *Telegram) client() botAPI {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.bot
}

func (t *Telegram) handleUpdate(ctx context.Context, update tgbotapi.Update) {
	msg := update.Message
	if msg == nil || msg.From == nil || msg.Chat == nil {
		return
	}
	userID, chatID := msg.From.ID, msg.Chat.ID

	if !t.isAllowed(userID) {
		t.logger.Warn("unauthorized telegram user", "user_id", userID, "username", msg.From.UserName)
		t.sendMessage(chatID, "Unauthorized. Your user ID is not in the allow list.")
		return
	}

	text := strings.TrimSpace(msg.Text)
	if text == "" {
		return
	}
	if msg.IsCommand() {
		t.handleCommand(ctx, chatID, msg.Command())
		return
	}
	t.submit(ctx, chatID, text)
}

func (t *Telegram) submit(ctx context.Context, chatID int64, text string) {
	t.logger.Info("telegram message received", "chat_id", chatID, "text_len", len(text))

	t.mu.Lock()
	prev := t.pending
	t.pending = chatID
	t.mu.Unlock()

	err := t.ctrl.Submit(ctx, text)
	if err == nil {
		return
	}
	t.mu.Lock()
	t.pending = prev
	t.mu.Unlock()

	if errors.Is(err, domain.ErrBusy) {
		t.sendMessage(chatID, "Still waiting for the previous reply. Send /cancel to abort it.")
		return
	}
	t.sendMessage(chatID, "Not sent: "+err.Error())
}

func (t *Telegram) handleCommand(ctx context.Context, chatID int64, cmd string) {
	switch cmd {
	case "start", "help":
		t.sendMessage(chatID, "Send any message and it is relayed to the chat page. The reply comes back here.\n\nCommands:\n/status - pipeline state\n/cancel - abort the in-flight message")
	case "status":
		st, err := t.ctrl.Status(ctx)
		if err != nil {
			t.sendMessage(chatID, "Status unavailable: "+err.Error())
			return
		}
		t.sendMessage(chatID, fmt.Sprintf("State: %s\nBusy: %v", st.State, st.Busy))
	case "cancel":
		if t.ctrl.Cancel(ctx) {
			t.sendMessage(chatID, "Delivery cancelled.")
		} else {
			t.sendMessage(chatID, "Nothing to cancel.")
		}
	default:
		t.sendMessage(chatID, "Unknown command. Type /help for available commands.")
	}
}

// HandleEvent forwards pipeline outcomes. Subscribe it to the event bus.
func (t *Telegram) HandleEvent(e bus.Event) {
	var text string
	switch e.Type {
	case bus.EventReplyCompleted:
		text = e.Text()
	case bus.EventAborted, bus.EventReplyTimeout:
		msg, _ := e.Payload["error"].(string)
		text = "Delivery failed: " + msg
	default:
		return
	}

	t.mu.Lock()
	chatID := t.pending
	t.pending = 0
	t.mu.Unlock()

	if text == "" || t.client() == nil {
		return
	}
	targets := t.notify
	if chatID != 0 && !containsID(targets, chatID) {
		targets = append([]int64{chatID}, targets...)
	}
	for _, id := range targets {
		t.async(func() { t.sendMessage(id, text) })
	}
}

// SetSubmissionEnabled shows "typing" in the waiting chat while a delivery
// is in flight.
func (t *Telegram) SetSubmissionEnabled(enabled bool) {
	if enabled {
		return
	}
	t.mu.Lock()
	chatID := t.pending
	t.mu.Unlock()
	bot := t.client()
	if chatID == 0 || bot == nil {
		return
	}
	t.async(func() { _, _ = bot.Request(tgbotapi.NewChatAction(chatID, tgbotapi.ChatTyping)) })
}

func (t *Telegram) FocusInputSurface() {}

func containsID(ids []int64, id int64) bool {
	for _, v := range ids {
		if v == id {
			return true
		}
	}
	return false
}

func (t *Telegram) isAllowed(userID int64) bool {
	return len(t.allowFrom) == 0 || containsID(t.allowFrom, userID)
}

// splitMessage cuts text into chunks Telegram accepts, preferring line
// breaks in the second half of a chunk.
func splitMessage(text string, maxLen int) []string {
	var chunks []string
	for len(text) > 0 {
		if len(text) <= maxLen {
			chunks = append(chunks, text)
			break
		}
		cutAt := strings.LastIndex(text[:maxLen], "\n")
		if cutAt < maxLen/2 {
			cutAt = maxLen
		}
		chunks = append(chunks, text[:cutAt])
		text = text[cutAt:]
	}
	return chunks
}

func (t *Telegram) sendMessage(chatID int64, text string) {
	for _, chunk := range splitMessage(text, telegramMaxMsgLen) {
		t.sendChunk(chatID, chunk)
	}
}

// sendChunk sends one chunk, falling back to plain text when the parse mode
// is rejected and backing off on rate limits and transient errors.
func (t *Telegram) sendChunk(chatID int64, text string) {
	bot := t.client()
	if bot == nil {
		return
	}
	for attempt := 0; attempt <= telegramMaxSendRetries; attempt++ {
		msg := tgbotapi.NewMessage(chatID, text)
		if attempt == 0 {
			msg.ParseMode = t.parseMode
		}
		_, err := bot.Send(msg)
		if err == nil {
			return
		}
		errStr := err.Error()

		if strings.Contains(errStr, "Too Many Requests") || strings.Contains(errStr, "429") {
			retryAfter := time.Duration(attempt+1) * 3 * time.Second
			t.logger.Warn("telegram rate limited, backing off", "retry_after", retryAfter, "attempt", attempt+1)
			t.sleep(retryAfter)
			continue
		}
		if attempt == 0 && msg.ParseMode != "" && strings.Contains(errStr, "can't parse entities") {
			t.logger.Warn("telegram markdown parse error, retrying as plain text", "err", err)
			continue
		}
		if attempt < telegramMaxSendRetries {
			backoff := time.Duration(attempt+1) * time.Second
			t.logger.Warn("telegram send error, retrying", "err", err, "backoff", backoff)
			t.sleep(backoff)
			continue
		}
		t.logger.Error("telegram send failed after retries", "err", err, "attempts", telegramMaxSendRetries+1)
	}
}
