package telegram

import (
	"context"
	"fmt"
	"strings"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/harun/kurir/internal/config"
	"github.com/harun/kurir/pkg/agent"
	"github.com/harun/kurir/pkg/draft"
	"github.com/rs/zerolog"
)

const (
	resetReply   = "🧹 Conversation cleared."
	failureReply = "⚠️ Something went wrong while handling your message. Please try again."
	deniedReply  = "⚠️ This chat is not allowed."
)

// Dispatcher hands messages to the conversation core.
type Dispatcher interface {
	// Dispatch runs one inbound message. key identifies the Telegram message
	// for duplicate suppression. The reply is written to out.
	Dispatch(ctx context.Context, key string, conv agent.Conversation, text string, out draft.Output) error
	Reset(ctx context.Context, conversationID string) error
}

// Handler turns Telegram updates into conversation requests.
type Handler struct {
	bot        *Bot
	dispatcher Dispatcher
	commands   *Commands
	admins     map[int64]bool
	allowlist  map[int64]bool
	logger     zerolog.Logger
}

// NewHandler creates the update handler with /reset, /new and /help.
func NewHandler(bot *Bot, dispatcher Dispatcher, cfg config.TelegramConfig) *Handler {
	h := &Handler{
		bot:        bot,
		dispatcher: dispatcher,
		commands:   NewCommands(),
		admins:     toSet(cfg.Admins),
		allowlist:  toSet(cfg.Allowlist),
		logger:     bot.logger.With().Str("module", "handler").Logger(),
	}

	reset := func(ctx context.Context, cmd CommandContext) (string, error) {
		if err := h.dispatcher.Reset(ctx, cmd.ConversationID); err != nil {
			return "", err
		}
		return resetReply, nil
	}
	h.commands.Register("reset", "Clear this conversation", reset)
	h.commands.Register("new", "Start a new conversation", reset)
	h.commands.Register("help", "Show available commands", func(context.Context, CommandContext) (string, error) {
		return h.commands.Help(), nil
	})
	h.commands.Register("start", "Say hello", func(context.Context, CommandContext) (string, error) {
		return "Hi! Send me a message to get started.\n\n" + h.commands.Help(), nil
	})
	return h
}

// Commands exposes the command set, e.g. for SetCommands.
func (h *Handler) Commands() *Commands {
	return h.commands
}

// HandleUpdate processes one update.
func (h *Handler) HandleUpdate(ctx context.Context, update tgbotapi.Update) error {
	msg := update.Message
	if msg == nil || msg.Chat == nil {
		return nil
	}

	text := strings.TrimSpace(msg.Text)
	if text == "" {
		text = strings.TrimSpace(msg.Caption)
	}
	if text == "" {
		return nil
	}

	var userID int64
	if msg.From != nil {
		userID = msg.From.ID
	}

	logger := h.logger.With().Int64("chat_id", msg.Chat.ID).Int("message_id", msg.MessageID).Logger()
	logger.Debug().Int64("user_id", userID).Bool("command", msg.IsCommand()).Msg("Message received")

	if !h.allowed(msg.Chat.ID, userID) {
		logger.Warn().Int64("user_id", userID).Msg("Message from chat outside allowlist")
		return h.reply(ctx, msg, deniedReply)
	}

	if msg.IsCommand() {
		reply, err := h.commands.Handle(ctx, msg)
		if err != nil {
			logger.Error().Err(err).Str("command", msg.Command()).Msg("Command failed")
			return h.reply(ctx, msg, fmt.Sprintf("Command failed: %v", err))
		}
		return h.reply(ctx, msg, reply)
	}

	if err := h.bot.SendTyping(msg.Chat.ID); err != nil {
		logger.Debug().Err(err).Msg("Typing indicator failed")
	}

	conv := agent.Conversation{
		ID:    ConversationID(msg.Chat.ID),
		Admin: h.admins[userID],
	}
	key := fmt.Sprintf("telegram:%d:%d", msg.Chat.ID, msg.MessageID)
	out := NewChatOutput(h.bot, msg.Chat.ID, msg.MessageID)

	if err := h.dispatcher.Dispatch(ctx, key, conv, text, out); err != nil {
		if ctx.Err() != nil {
			return nil
		}
		logger.Error().Err(err).Str("conversation_id", conv.ID).Msg("Dispatch failed")
		return h.reply(ctx, msg, failureReply)
	}
	return nil
}

func (h *Handler) allowed(chatID, userID int64) bool {
	if len(h.allowlist) == 0 {
		return true
	}
	return h.allowlist[chatID] || h.allowlist[userID]
}

func (h *Handler) reply(ctx context.Context, msg *tgbotapi.Message, text string) error {
	if text == "" {
		return nil
	}
	_, err := h.bot.SendText(ctx, msg.Chat.ID, text, msg.MessageID)
	return err
}

func toSet(ids []int64) map[int64]bool {
	set := make(map[int64]bool, len(ids))
	for _, id := range ids {
		set[id] = true
	}
	return set
}
