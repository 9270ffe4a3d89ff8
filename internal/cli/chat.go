package cli

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"strconv"
	"strings"
	"sync"

	"github.com/harun/kurir/internal/daemon"
	"github.com/harun/kurir/pkg/agent"
	"github.com/spf13/cobra"
)

var chatConversation string

var chatCmd = &cobra.Command{
	Use:   "chat",
	Short: "Chat with the router from the terminal",
	Long: `Start an interactive session against the configured providers and skills.
Telegram, scheduled jobs and the metrics endpoint stay off. Type /reset to
start a fresh conversation and /exit to quit.`,
	RunE: runChat,
}

func init() {
	chatCmd.Flags().StringVar(&chatConversation, "conversation", "cli:local", "conversation id to continue")
	rootCmd.AddCommand(chatCmd)
}

func runChat(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	cfg.Telegram.Enabled = false
	cfg.Cron.Enabled = false
	cfg.Metrics.Enabled = false
	cfg.Concurrency.DebounceMs = 0
	// drafts are a chat-app affordance; the terminal gets the final reply
	cfg.Stream.Enabled = false

	// the terminal is busy with the conversation, so only the log file
	log, err := newLogger(cfg, false)
	if err != nil {
		return err
	}
	defer log.Close()

	d, err := daemon.New(cfg, log.GetZerolog(), daemonOptions...)
	if err != nil {
		return err
	}
	defer d.Close()

	return chatLoop(cmd.Context(), d, cmd.InOrStdin(), cmd.OutOrStdout())
}

func chatLoop(ctx context.Context, d *daemon.Daemon, in io.Reader, out io.Writer) error {
	conv := agent.Conversation{ID: chatConversation, Admin: true}
	term := &terminalOutput{w: out}

	scanner := bufio.NewScanner(in)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)

	fmt.Fprint(out, "> ")
	for scanner.Scan() {
		text := strings.TrimSpace(scanner.Text())
		switch text {
		case "":
		case "/exit", "/quit":
			return nil
		case "/reset", "/new":
			if err := d.Pipeline().Reset(ctx, conv.ID); err != nil {
				fmt.Fprintf(out, "error: %v\n", err)
			} else {
				fmt.Fprintln(out, "Conversation cleared.")
			}
		default:
			if _, err := d.Prompt().Reload(); err != nil {
				fmt.Fprintf(out, "warning: system prompt not reloaded: %v\n", err)
			}
			if err := d.Pipeline().Dispatch(ctx, "", conv, text, term); err != nil {
				fmt.Fprintf(out, "error: %v\n", err)
			}
		}
		if ctx.Err() != nil {
			return nil
		}
		fmt.Fprint(out, "> ")
	}
	return scanner.Err()
}

// terminalOutput prints each message once. Edits print only when the text
// changed, deletes are ignored.
type terminalOutput struct {
	mu   sync.Mutex
	w    io.Writer
	next int
	last map[string]string
}

func (t *terminalOutput) Send(_ context.Context, text string) (string, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.next++
	id := strconv.Itoa(t.next)
	if t.last == nil {
		t.last = make(map[string]string)
	}
	t.last[id] = text
	_, err := fmt.Fprintln(t.w, text)
	return id, err
}

func (t *terminalOutput) Edit(_ context.Context, id, text string) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.last[id] == text {
		return nil
	}
	t.last[id] = text
	_, err := fmt.Fprintln(t.w, text)
	return err
}

func (t *terminalOutput) Delete(_ context.Context, id string) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.last, id)
	return nil
}
