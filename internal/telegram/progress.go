package telegram

import (
	"context"
	"time"
)

const progressTimeout = 10 * time.Second

// ProgressSink returns a callback that posts "⚙️ <tool>: <preview>" into the
// chat a conversation belongs to. Conversations outside Telegram are ignored.
func ProgressSink(bot *Bot) func(conversationID, preview string) {
	return func(conversationID, preview string) {
		chatID, ok := ChatIDFromConversation(conversationID)
		if !ok {
			return
		}

		ctx, cancel := context.WithTimeout(context.Background(), progressTimeout)
		defer cancel()

		if _, err := bot.SendText(ctx, chatID, "⚙️ "+preview, 0); err != nil {
			bot.logger.Warn().Err(err).Str("conversation_id", conversationID).Msg("Failed to post progress")
		}
	}
}
