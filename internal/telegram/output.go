package telegram

import (
	"context"
	"fmt"
	"strconv"
	"sync"
)

// ChatOutput renders drafts and replies into one chat. Text longer than one
// Telegram message continues in follow-up messages that are tracked under the
// id of the first one.
type ChatOutput struct {
	bot     *Bot
	chatID  int64
	replyTo int

	mu        sync.Mutex
	overflows map[int][]int
}

// NewChatOutput creates an output for chatID. The first message sent replies
// to replyTo when it is non-zero.
func NewChatOutput(bot *Bot, chatID int64, replyTo int) *ChatOutput {
	return &ChatOutput{
		bot:       bot,
		chatID:    chatID,
		replyTo:   replyTo,
		overflows: make(map[int][]int),
	}
}

func (o *ChatOutput) Send(ctx context.Context, text string) (string, error) {
	o.mu.Lock()
	replyTo := o.replyTo
	o.replyTo = 0
	o.mu.Unlock()

	ids, err := o.bot.SendText(ctx, o.chatID, text, replyTo)
	if len(ids) == 0 {
		return "", err
	}
	if len(ids) > 1 {
		o.mu.Lock()
		o.overflows[ids[0]] = ids[1:]
		o.mu.Unlock()
	}
	return strconv.Itoa(ids[0]), err
}

func (o *ChatOutput) Edit(ctx context.Context, messageID, text string) error {
	id, err := parseMessageID(messageID)
	if err != nil {
		return err
	}

	chunks := SplitMessage(text, MaxMessageLength)
	if err := o.bot.EditText(ctx, o.chatID, id, chunks[0]); err != nil {
		return err
	}

	o.mu.Lock()
	stale := o.overflows[id]
	delete(o.overflows, id)
	o.mu.Unlock()
	for _, extra := range stale {
		if err := o.bot.DeleteMessage(ctx, o.chatID, extra); err != nil {
			o.bot.logger.Debug().Err(err).Int("message_id", extra).Msg("Failed to remove overflow message")
		}
	}

	var added []int
	for _, chunk := range chunks[1:] {
		ids, err := o.bot.SendText(ctx, o.chatID, chunk, 0)
		added = append(added, ids...)
		if err != nil {
			o.track(id, added)
			return err
		}
	}
	o.track(id, added)
	return nil
}

func (o *ChatOutput) Delete(ctx context.Context, messageID string) error {
	id, err := parseMessageID(messageID)
	if err != nil {
		return err
	}

	o.mu.Lock()
	extras := o.overflows[id]
	delete(o.overflows, id)
	o.mu.Unlock()

	for _, extra := range extras {
		if err := o.bot.DeleteMessage(ctx, o.chatID, extra); err != nil {
			o.bot.logger.Debug().Err(err).Int("message_id", extra).Msg("Failed to remove overflow message")
		}
	}
	return o.bot.DeleteMessage(ctx, o.chatID, id)
}

func (o *ChatOutput) track(id int, extras []int) {
	if len(extras) == 0 {
		return
	}
	o.mu.Lock()
	o.overflows[id] = extras
	o.mu.Unlock()
}

func parseMessageID(s string) (int, error) {
	id, err := strconv.Atoi(s)
	if err != nil {
		return 0, fmt.Errorf("invalid message id %q: %w", s, err)
	}
	return id, nil
}
