package telegram

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/harun/kurir/internal/config"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNew(t *testing.T) {
	t.Run("empty bot token", func(t *testing.T) {
		bot, err := New(config.TelegramConfig{}, zerolog.Nop())
		assert.Error(t, err)
		assert.Nil(t, bot)
		assert.Contains(t, err.Error(), "bot token is required")
	})

	t.Run("authenticates against endpoint", func(t *testing.T) {
		fake := newFakeTelegram(t)
		bot := fake.newBot(t)

		assert.Equal(t, "kurir_bot", bot.Username())
		assert.Len(t, fake.callsTo("getMe"), 1)
	})
}

func TestSendText(t *testing.T) {
	fake := newFakeTelegram(t)
	bot := fake.newBot(t)

	t.Run("short text", func(t *testing.T) {
		ids, err := bot.SendText(context.Background(), 42, "hello", 7)
		require.NoError(t, err)
		require.Len(t, ids, 1)

		sent := fake.callsTo("sendMessage")
		last := sent[len(sent)-1]
		assert.Equal(t, "42", last.Get("chat_id"))
		assert.Equal(t, "hello", last.Get("text"))
		assert.Equal(t, "7", last.Get("reply_to_message_id"))
	})

	t.Run("long text is split", func(t *testing.T) {
		before := len(fake.callsTo("sendMessage"))
		text := strings.Repeat("a", 3000) + "\n" + strings.Repeat("b", 3000)

		ids, err := bot.SendText(context.Background(), 42, text, 7)
		require.NoError(t, err)
		assert.Len(t, ids, 2)

		sent := fake.callsTo("sendMessage")[before:]
		require.Len(t, sent, 2)
		assert.Equal(t, strings.Repeat("a", 3000), sent[0].Get("text"))
		assert.Equal(t, strings.Repeat("b", 3000), sent[1].Get("text"))
		assert.Equal(t, "", sent[1].Get("reply_to_message_id"))
	})

	t.Run("cancelled context", func(t *testing.T) {
		ctx, cancel := context.WithCancel(context.Background())
		cancel()

		_, err := bot.SendText(ctx, 42, "late", 0)
		assert.ErrorIs(t, err, context.Canceled)
	})
}

func TestEditText(t *testing.T) {
	fake := newFakeTelegram(t)
	bot := fake.newBot(t)

	require.NoError(t, bot.EditText(context.Background(), 42, 5, "new"))

	fake.setEditError("Bad Request: message is not modified")
	assert.NoError(t, bot.EditText(context.Background(), 42, 5, "new"))

	fake.setEditError("Bad Request: message to edit not found")
	err := bot.EditText(context.Background(), 42, 5, "new")
	require.Error(t, err)
	var apiErr *tgbotapi.Error
	assert.ErrorAs(t, err, &apiErr)
}

func TestRun(t *testing.T) {
	api := newFakeAPI()
	bot := NewWithAPI(api, "kurir_bot", zerolog.Nop())

	var (
		mu   sync.Mutex
		seen []int
	)
	bot.SetHandler(handlerFunc(func(_ context.Context, u tgbotapi.Update) error {
		mu.Lock()
		seen = append(seen, u.UpdateID)
		mu.Unlock()
		return nil
	}))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- bot.Run(ctx) }()

	api.updates <- textMessage(1, 1, 10, "a")
	api.updates <- textMessage(1, 1, 11, "b")

	assert.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(seen) == 2
	}, time.Second, 10*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("Run did not return")
	}
	<-api.stopped
}

func TestRunRecoversHandlerPanic(t *testing.T) {
	api := newFakeAPI()
	bot := NewWithAPI(api, "kurir_bot", zerolog.Nop())

	handled := make(chan struct{}, 2)
	bot.SetHandler(handlerFunc(func(_ context.Context, u tgbotapi.Update) error {
		handled <- struct{}{}
		if u.UpdateID == 1 {
			panic("boom")
		}
		return nil
	}))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go bot.Run(ctx)

	api.updates <- textMessage(1, 1, 1, "a")
	api.updates <- textMessage(1, 1, 2, "b")

	for i := 0; i < 2; i++ {
		select {
		case <-handled:
		case <-time.After(time.Second):
			t.Fatal("update not handled")
		}
	}
}

func TestConversationID(t *testing.T) {
	assert.Equal(t, "telegram:42", ConversationID(42))
	assert.Equal(t, "telegram:-100123", ConversationID(-100123))

	tests := []struct {
		id   string
		chat int64
		ok   bool
	}{
		{"telegram:42", 42, true},
		{"telegram:-100123", -100123, true},
		{"telegram:42:cron:daily", 42, true},
		{"cli:local", 0, false},
		{"telegram:abc", 0, false},
	}
	for _, tt := range tests {
		chat, ok := ChatIDFromConversation(tt.id)
		assert.Equal(t, tt.ok, ok, tt.id)
		assert.Equal(t, tt.chat, chat, tt.id)
	}
}

func TestSplitMessage(t *testing.T) {
	assert.Equal(t, []string{"short"}, SplitMessage("short", 10))
	assert.Equal(t, []string{"one two", "three"}, SplitMessage("one two three", 9))
	assert.Equal(t, []string{"line1", "line2"}, SplitMessage("line1\nline2", 8))
	assert.Equal(t, []string{"abcd", "efgh", "ij"}, SplitMessage("abcdefghij", 4))

	chunks := SplitMessage(strings.Repeat("é", 10), 4)
	assert.Equal(t, []string{"éééé", "éééé", "éé"}, chunks)
}

type handlerFunc func(ctx context.Context, u tgbotapi.Update) error

func (f handlerFunc) HandleUpdate(ctx context.Context, u tgbotapi.Update) error {
	return f(ctx, u)
}
