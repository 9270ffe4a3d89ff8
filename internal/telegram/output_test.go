package telegram

import (
	"context"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestChatOutput(t *testing.T) {
	ctx := context.Background()

	t.Run("send edit delete", func(t *testing.T) {
		fake := newFakeTelegram(t)
		out := NewChatOutput(fake.newBot(t), 42, 9)

		id, err := out.Send(ctx, "partial")
		require.NoError(t, err)
		assert.NotEmpty(t, id)
		assert.Equal(t, "9", fake.callsTo("sendMessage")[0].Get("reply_to_message_id"))

		require.NoError(t, out.Edit(ctx, id, "partial and final"))
		edits := fake.callsTo("editMessageText")
		require.Len(t, edits, 1)
		assert.Equal(t, id, edits[0].Get("message_id"))
		assert.Equal(t, "partial and final", edits[0].Get("text"))

		require.NoError(t, out.Delete(ctx, id))
		deletes := fake.callsTo("deleteMessage")
		require.Len(t, deletes, 1)
		assert.Equal(t, id, deletes[0].Get("message_id"))
	})

	t.Run("reply target applies once", func(t *testing.T) {
		fake := newFakeTelegram(t)
		out := NewChatOutput(fake.newBot(t), 42, 9)

		_, err := out.Send(ctx, "one")
		require.NoError(t, err)
		_, err = out.Send(ctx, "two")
		require.NoError(t, err)

		sent := fake.callsTo("sendMessage")
		require.Len(t, sent, 2)
		assert.Equal(t, "9", sent[0].Get("reply_to_message_id"))
		assert.Equal(t, "", sent[1].Get("reply_to_message_id"))
	})

	t.Run("edit grows past one message", func(t *testing.T) {
		fake := newFakeTelegram(t)
		out := NewChatOutput(fake.newBot(t), 42, 0)

		id, err := out.Send(ctx, "start")
		require.NoError(t, err)

		long := strings.Repeat("x", 4000) + "\n" + strings.Repeat("y", 100)
		require.NoError(t, out.Edit(ctx, id, long))

		sent := fake.callsTo("sendMessage")
		require.Len(t, sent, 2)
		assert.Equal(t, strings.Repeat("y", 100), sent[1].Get("text"))

		// a shorter final edit drops the overflow message
		require.NoError(t, out.Edit(ctx, id, "short"))
		deletes := fake.callsTo("deleteMessage")
		require.Len(t, deletes, 1)
		assert.Equal(t, "102", deletes[0].Get("message_id"))
	})

	t.Run("delete removes overflow", func(t *testing.T) {
		fake := newFakeTelegram(t)
		out := NewChatOutput(fake.newBot(t), 42, 0)

		id, err := out.Send(ctx, strings.Repeat("z", 5000))
		require.NoError(t, err)
		require.Len(t, fake.callsTo("sendMessage"), 2)

		require.NoError(t, out.Delete(ctx, id))
		assert.Len(t, fake.callsTo("deleteMessage"), 2)
	})

	t.Run("invalid id", func(t *testing.T) {
		fake := newFakeTelegram(t)
		out := NewChatOutput(fake.newBot(t), 42, 0)

		assert.Error(t, out.Edit(ctx, "abc", "x"))
		assert.Error(t, out.Delete(ctx, ""))
	})
}

func TestProgressSink(t *testing.T) {
	fake := newFakeTelegram(t)
	sink := ProgressSink(fake.newBot(t))

	sink("telegram:42", "clock.now: 2026-10-16T08:00:00Z")
	sink("cli:local", "ignored")

	sent := fake.callsTo("sendMessage")
	require.Len(t, sent, 1)
	assert.Equal(t, "42", sent[0].Get("chat_id"))
	assert.Equal(t, "⚙️ clock.now: 2026-10-16T08:00:00Z", sent[0].Get("text"))
}
