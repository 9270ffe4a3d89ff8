package telegram

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"path"
	"strconv"
	"sync"
	"testing"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"
)

type apiCall struct {
	Method string
	Params url.Values
}

// fakeTelegram is a minimal Bot API server.
type fakeTelegram struct {
	srv *httptest.Server

	mu        sync.Mutex
	calls     []apiCall
	nextID    int
	editError string
}

func newFakeTelegram(t *testing.T) *fakeTelegram {
	t.Helper()
	f := &fakeTelegram{nextID: 100}
	f.srv = httptest.NewServer(http.HandlerFunc(f.serve))
	t.Cleanup(f.srv.Close)
	return f
}

func (f *fakeTelegram) serve(w http.ResponseWriter, r *http.Request) {
	_ = r.ParseForm()
	method := path.Base(r.URL.Path)

	f.mu.Lock()
	f.calls = append(f.calls, apiCall{Method: method, Params: r.PostForm})
	editError := f.editError
	f.mu.Unlock()

	chatID, _ := strconv.ParseInt(r.PostForm.Get("chat_id"), 10, 64)
	message := func(id int) map[string]interface{} {
		return map[string]interface{}{
			"message_id": id,
			"date":       0,
			"chat":       map[string]interface{}{"id": chatID, "type": "private"},
			"text":       r.PostForm.Get("text"),
		}
	}

	switch method {
	case "getMe":
		writeResult(w, map[string]interface{}{"id": 1, "is_bot": true, "first_name": "Kurir", "username": "kurir_bot"})
	case "sendMessage":
		f.mu.Lock()
		f.nextID++
		id := f.nextID
		f.mu.Unlock()
		writeResult(w, message(id))
	case "editMessageText":
		if editError != "" {
			_ = json.NewEncoder(w).Encode(map[string]interface{}{"ok": false, "error_code": 400, "description": editError})
			return
		}
		id, _ := strconv.Atoi(r.PostForm.Get("message_id"))
		writeResult(w, message(id))
	default:
		writeResult(w, true)
	}
}

func writeResult(w http.ResponseWriter, result interface{}) {
	_ = json.NewEncoder(w).Encode(map[string]interface{}{"ok": true, "result": result})
}

func (f *fakeTelegram) setEditError(desc string) {
	f.mu.Lock()
	f.editError = desc
	f.mu.Unlock()
}

func (f *fakeTelegram) callsTo(method string) []url.Values {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []url.Values
	for _, c := range f.calls {
		if c.Method == method {
			out = append(out, c.Params)
		}
	}
	return out
}

func (f *fakeTelegram) newBot(t *testing.T) *Bot {
	t.Helper()
	bot, err := NewWithEndpoint("123:abc", f.srv.URL+"/bot%s/%s", zerolog.Nop())
	require.NoError(t, err)
	return bot
}

// fakeAPI feeds updates to Bot.Run without HTTP.
type fakeAPI struct {
	updates  chan tgbotapi.Update
	stopOnce sync.Once
	stopped  chan struct{}
}

func newFakeAPI() *fakeAPI {
	return &fakeAPI{updates: make(chan tgbotapi.Update, 8), stopped: make(chan struct{})}
}

func (f *fakeAPI) Send(tgbotapi.Chattable) (tgbotapi.Message, error) {
	return tgbotapi.Message{MessageID: 1}, nil
}

func (f *fakeAPI) Request(tgbotapi.Chattable) (*tgbotapi.APIResponse, error) {
	return &tgbotapi.APIResponse{Ok: true}, nil
}

func (f *fakeAPI) GetUpdatesChan(tgbotapi.UpdateConfig) tgbotapi.UpdatesChannel {
	return f.updates
}

func (f *fakeAPI) StopReceivingUpdates() {
	f.stopOnce.Do(func() { close(f.stopped) })
}

func textMessage(chatID, userID int64, messageID int, text string) tgbotapi.Update {
	msg := &tgbotapi.Message{
		MessageID: messageID,
		From:      &tgbotapi.User{ID: userID},
		Chat:      &tgbotapi.Chat{ID: chatID, Type: "private"},
		Text:      text,
	}
	if len(text) > 0 && text[0] == '/' {
		n := len(text)
		for i, r := range text {
			if r == ' ' {
				n = i
				break
			}
		}
		msg.Entities = []tgbotapi.MessageEntity{{Type: "bot_command", Offset: 0, Length: n}}
	}
	return tgbotapi.Update{UpdateID: messageID, Message: msg}
}
