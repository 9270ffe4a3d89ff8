// Package telegram connects conversations to a Telegram bot over long
// polling.
package telegram

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"unicode/utf8"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/harun/kurir/internal/config"
	"github.com/rs/zerolog"
)

// MaxMessageLength is Telegram's limit for one text message, in characters.
const MaxMessageLength = 4096

// API is the part of *tgbotapi.BotAPI the adapter uses.
type API interface {
	Send(c tgbotapi.Chattable) (tgbotapi.Message, error)
	Request(c tgbotapi.Chattable) (*tgbotapi.APIResponse, error)
	GetUpdatesChan(config tgbotapi.UpdateConfig) tgbotapi.UpdatesChannel
	StopReceivingUpdates()
}

// UpdateHandler processes one update. It runs on its own goroutine.
type UpdateHandler interface {
	HandleUpdate(ctx context.Context, update tgbotapi.Update) error
}

// Bot represents a Telegram bot instance
type Bot struct {
	api      API
	username string
	logger   zerolog.Logger

	mu       sync.Mutex
	handler  UpdateHandler
	inflight sync.WaitGroup
}

// New authenticates with the bot token.
func New(cfg config.TelegramConfig, logger zerolog.Logger) (*Bot, error) {
	return NewWithEndpoint(cfg.BotToken, tgbotapi.APIEndpoint, logger)
}

// NewWithEndpoint authenticates against a custom Bot API server. endpoint
// is a format string taking the token and the method name.
func NewWithEndpoint(token, endpoint string, logger zerolog.Logger) (*Bot, error) {
	if token == "" {
		return nil, errors.New("bot token is required")
	}

	api, err := tgbotapi.NewBotAPIWithAPIEndpoint(token, endpoint)
	if err != nil {
		return nil, fmt.Errorf("failed to create bot API: %w", err)
	}

	bot := NewWithAPI(api, api.Self.UserName, logger)
	bot.logger.Info().
		Str("username", api.Self.UserName).
		Int64("id", api.Self.ID).
		Msg("Telegram bot authenticated")
	return bot, nil
}

// NewWithAPI wraps an existing API client.
func NewWithAPI(api API, username string, logger zerolog.Logger) *Bot {
	return &Bot{
		api:      api,
		username: username,
		logger:   logger.With().Str("component", "telegram").Logger(),
	}
}

// Username returns the bot's @name without the @.
func (b *Bot) Username() string {
	return b.username
}

// SetHandler sets the update handler
func (b *Bot) SetHandler(handler UpdateHandler) {
	b.mu.Lock()
	b.handler = handler
	b.mu.Unlock()
}

// Run polls for updates until ctx ends, then waits for in-flight handlers.
func (b *Bot) Run(ctx context.Context) error {
	u := tgbotapi.NewUpdate(0)
	u.Timeout = 60
	updates := b.api.GetUpdatesChan(u)

	b.logger.Info().Msg("Telegram bot started")
	defer b.logger.Info().Msg("Telegram bot stopped")

	for {
		select {
		case <-ctx.Done():
			b.api.StopReceivingUpdates()
			b.inflight.Wait()
			return nil
		case update, ok := <-updates:
			if !ok {
				b.inflight.Wait()
				return nil
			}
			b.dispatch(ctx, update)
		}
	}
}

func (b *Bot) dispatch(ctx context.Context, update tgbotapi.Update) {
	b.mu.Lock()
	handler := b.handler
	b.mu.Unlock()
	if handler == nil {
		return
	}

	b.inflight.Add(1)
	go func() {
		defer b.inflight.Done()
		defer func() {
			if r := recover(); r != nil {
				b.logger.Error().Interface("panic", r).Int("update_id", update.UpdateID).Msg("Update handler panicked")
			}
		}()

		if err := handler.HandleUpdate(ctx, update); err != nil {
			b.logger.Error().
				Err(err).
				Int("update_id", update.UpdateID).
				Msg("Failed to handle update")
		}
	}()
}

// SendText sends text, split into several messages when it is too long, and
// returns the ids in order. replyTo is applied to the first message only.
func (b *Bot) SendText(ctx context.Context, chatID int64, text string, replyTo int) ([]int, error) {
	chunks := SplitMessage(text, MaxMessageLength)
	ids := make([]int, 0, len(chunks))
	for i, chunk := range chunks {
		if err := ctx.Err(); err != nil {
			return ids, err
		}
		msg := tgbotapi.NewMessage(chatID, chunk)
		if i == 0 && replyTo != 0 {
			msg.ReplyToMessageID = replyTo
			msg.AllowSendingWithoutReply = true
		}
		sent, err := b.api.Send(msg)
		if err != nil {
			return ids, fmt.Errorf("failed to send message: %w", err)
		}
		ids = append(ids, sent.MessageID)
	}

	b.logger.Debug().
		Int64("chat_id", chatID).
		Int("parts", len(ids)).
		Msg("Message sent")
	return ids, nil
}

// EditText replaces the text of a sent message. Editing to identical text is
// not an error.
func (b *Bot) EditText(ctx context.Context, chatID int64, messageID int, text string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	_, err := b.api.Send(tgbotapi.NewEditMessageText(chatID, messageID, text))
	if err != nil {
		if strings.Contains(err.Error(), "message is not modified") {
			return nil
		}
		return fmt.Errorf("failed to update message: %w", err)
	}
	return nil
}

// DeleteMessage removes a sent message.
func (b *Bot) DeleteMessage(ctx context.Context, chatID int64, messageID int) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if _, err := b.api.Request(tgbotapi.NewDeleteMessage(chatID, messageID)); err != nil {
		return fmt.Errorf("failed to delete message: %w", err)
	}
	return nil
}

// SendTyping sends typing action
func (b *Bot) SendTyping(chatID int64) error {
	if _, err := b.api.Request(tgbotapi.NewChatAction(chatID, tgbotapi.ChatTyping)); err != nil {
		return fmt.Errorf("failed to send typing action: %w", err)
	}
	return nil
}

// SetCommands publishes the command list shown in Telegram clients.
func (b *Bot) SetCommands(commands []tgbotapi.BotCommand) error {
	if _, err := b.api.Request(tgbotapi.NewSetMyCommands(commands...)); err != nil {
		return fmt.Errorf("failed to set commands: %w", err)
	}
	b.logger.Info().Int("count", len(commands)).Msg("Bot commands updated")
	return nil
}

// ConversationID is the conversation id of a chat.
func ConversationID(chatID int64) string {
	return "telegram:" + strconv.FormatInt(chatID, 10)
}

// ChatIDFromConversation extracts the chat id from ids produced by
// ConversationID, including ids with further ":" suffixes.
func ChatIDFromConversation(conversationID string) (int64, bool) {
	rest, ok := strings.CutPrefix(conversationID, "telegram:")
	if !ok {
		return 0, false
	}
	if i := strings.IndexByte(rest, ':'); i >= 0 {
		rest = rest[:i]
	}
	id, err := strconv.ParseInt(rest, 10, 64)
	if err != nil {
		return 0, false
	}
	return id, true
}

// SplitMessage cuts text into chunks of at most limit characters, preferring
// line breaks, then spaces.
func SplitMessage(text string, limit int) []string {
	if limit <= 0 || utf8.RuneCountInString(text) <= limit {
		return []string{text}
	}

	var chunks []string
	runes := []rune(text)
	for len(runes) > limit {
		cut := limit
		window := string(runes[:limit])
		if i := strings.LastIndex(window, "\n"); i > 0 {
			cut = utf8.RuneCountInString(window[:i]) + 1
		} else if i := strings.LastIndex(window, " "); i > 0 {
			cut = utf8.RuneCountInString(window[:i]) + 1
		}
		chunks = append(chunks, strings.TrimRight(string(runes[:cut]), "\n "))
		runes = runes[cut:]
	}
	if len(runes) > 0 {
		chunks = append(chunks, string(runes))
	}
	return chunks
}
