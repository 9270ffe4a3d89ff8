package telegram

import (
	"context"
	"fmt"
	"sort"
	"strings"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
)

// CommandFunc handles a command and returns the reply text.
type CommandFunc func(ctx context.Context, cmd CommandContext) (string, error)

// CommandContext contains command metadata
type CommandContext struct {
	ChatID         int64
	MessageID      int
	UserID         int64
	ConversationID string
	Command        string
	Args           []string
}

type command struct {
	description string
	fn          CommandFunc
}

// Commands maps slash commands to handlers.
type Commands struct {
	handlers map[string]command
}

// NewCommands creates an empty command set.
func NewCommands() *Commands {
	return &Commands{handlers: make(map[string]command)}
}

// Register registers a command handler. name is given without the slash.
func (c *Commands) Register(name, description string, fn CommandFunc) {
	c.handlers[strings.ToLower(name)] = command{description: description, fn: fn}
}

// Handle runs the command in msg. Unknown commands get a short notice.
func (c *Commands) Handle(ctx context.Context, msg *tgbotapi.Message) (string, error) {
	name := strings.ToLower(msg.Command())
	cmd, ok := c.handlers[name]
	if !ok {
		return fmt.Sprintf("Unknown command: /%s", name), nil
	}

	cc := CommandContext{
		ChatID:         msg.Chat.ID,
		MessageID:      msg.MessageID,
		ConversationID: ConversationID(msg.Chat.ID),
		Command:        name,
		Args:           strings.Fields(msg.CommandArguments()),
	}
	if msg.From != nil {
		cc.UserID = msg.From.ID
	}
	return cmd.fn(ctx, cc)
}

// BotCommands lists the registered commands for SetCommands, sorted by name.
func (c *Commands) BotCommands() []tgbotapi.BotCommand {
	out := make([]tgbotapi.BotCommand, 0, len(c.handlers))
	for name, cmd := range c.handlers {
		out = append(out, tgbotapi.BotCommand{Command: name, Description: cmd.description})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Command < out[j].Command })
	return out
}

// Help renders the command list.
func (c *Commands) Help() string {
	var b strings.Builder
	b.WriteString("Commands:\n")
	for _, cmd := range c.BotCommands() {
		fmt.Fprintf(&b, "/%s - %s\n", cmd.Command, cmd.Description)
	}
	return strings.TrimRight(b.String(), "\n")
}
