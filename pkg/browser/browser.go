// Package browser opens web pages in a headless Chrome driven by go-rod.
package browser

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/go-rod/rod"
	"github.com/go-rod/rod/lib/launcher"
	"github.com/go-rod/rod/lib/proto"
	"github.com/rs/zerolog"
)

// Config controls the headless browser.
type Config struct {
	ChromePath string         `json:"chrome_path" mapstructure:"chrome_path"`
	NoSandbox  bool           `json:"no_sandbox" mapstructure:"no_sandbox"`
	Timeout    time.Duration  `json:"timeout" mapstructure:"timeout"`
	MaxChars   int            `json:"max_chars" mapstructure:"max_chars"`
	Security   SecurityConfig `json:"security" mapstructure:"security"`
}

// Browser launches Chrome lazily on first use and reuses it afterwards.
type Browser struct {
	cfg    Config
	logger zerolog.Logger

	mu       sync.Mutex
	launcher *launcher.Launcher
	browser  *rod.Browser
}

func New(cfg Config, logger zerolog.Logger) *Browser {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	if cfg.MaxChars <= 0 {
		cfg.MaxChars = 8000
	}
	return &Browser{cfg: cfg, logger: logger.With().Str("component", "browser").Logger()}
}

func (b *Browser) connect() (*rod.Browser, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.browser != nil {
		return b.browser, nil
	}

	l := launcher.New().Headless(true).Leakless(true)
	if b.cfg.NoSandbox {
		l = l.NoSandbox(true)
	}
	if b.cfg.ChromePath != "" {
		l = l.Bin(b.cfg.ChromePath)
	}

	controlURL, err := l.Launch()
	if err != nil {
		return nil, fmt.Errorf("failed to launch chrome: %w", err)
	}

	rb := rod.New().ControlURL(controlURL)
	if err := rb.Connect(); err != nil {
		l.Kill()
		return nil, fmt.Errorf("failed to connect to chrome: %w", err)
	}

	b.launcher = l
	b.browser = rb
	b.logger.Info().Str("control_url", controlURL).Msg("Browser launched")
	return rb, nil
}

// Open validates url, loads it in a fresh tab and returns the page title and
// its visible text (capped at MaxChars).
func (b *Browser) Open(ctx context.Context, url string) (string, string, error) {
	if err := ValidateURL(b.cfg.Security, url); err != nil {
		return "", "", err
	}

	rb, err := b.connect()
	if err != nil {
		return "", "", err
	}

	ctx, cancel := context.WithTimeout(ctx, b.cfg.Timeout)
	defer cancel()

	page, err := rb.Context(ctx).Page(proto.TargetCreateTarget{URL: url})
	if err != nil {
		return "", "", fmt.Errorf("failed to open page: %w", err)
	}
	defer page.Close()

	if err := page.WaitLoad(); err != nil {
		return "", "", fmt.Errorf("page load failed: %w", err)
	}

	info, err := page.Info()
	if err != nil {
		return "", "", fmt.Errorf("failed to read page info: %w", err)
	}

	body, err := page.Element("body")
	if err != nil {
		return info.Title, "", nil
	}
	text, err := body.Text()
	if err != nil {
		return info.Title, "", nil
	}

	text = strings.TrimSpace(text)
	if r := []rune(text); len(r) > b.cfg.MaxChars {
		text = string(r[:b.cfg.MaxChars]) + "…"
	}
	return info.Title, text, nil
}

// Close shuts the browser down if it was started.
func (b *Browser) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	var err error
	if b.browser != nil {
		err = b.browser.Close()
		b.browser = nil
	}
	if b.launcher != nil {
		b.launcher.Kill()
		b.launcher = nil
	}
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}
