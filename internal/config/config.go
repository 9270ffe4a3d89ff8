package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/harun/kurir/pkg/browser"
	"github.com/harun/kurir/pkg/session"
	"github.com/harun/kurir/pkg/skills"
	"github.com/harun/kurir/pkg/tier"
)

// Backend names accepted in tiers.<name>.backend.
const (
	BackendAnthropic   = "anthropic"
	BackendOpenAILocal = "openai_local"
)

// Config represents the kurir configuration
type Config struct {
	Telegram    TelegramConfig        `json:"telegram" mapstructure:"telegram"`
	Providers   ProvidersConfig       `json:"providers" mapstructure:"providers"`
	Tiers       map[string]TierConfig `json:"tiers" mapstructure:"tiers"`
	Router      RouterConfig          `json:"router" mapstructure:"router"`
	Stream      StreamConfig          `json:"stream" mapstructure:"stream"`
	Concurrency ConcurrencyConfig     `json:"concurrency" mapstructure:"concurrency"`
	Store       StoreConfig           `json:"store" mapstructure:"store"`
	Skills      SkillsConfig          `json:"skills" mapstructure:"skills"`
	Cron        CronConfig            `json:"cron" mapstructure:"cron"`
	Workspace   WorkspaceConfig       `json:"workspace" mapstructure:"workspace"`
	Logging     LoggingConfig         `json:"logging" mapstructure:"logging"`
	Metrics     MetricsConfig         `json:"metrics" mapstructure:"metrics"`

	// Data directory
	DataDir string `json:"data_dir" mapstructure:"data_dir"`
}

// TelegramConfig holds Telegram bot configuration
type TelegramConfig struct {
	Enabled  bool   `json:"enabled" mapstructure:"enabled"`
	BotToken string `json:"bot_token" mapstructure:"bot_token"`
	// Admins may call admin-only skills.
	Admins []int64 `json:"admins" mapstructure:"admins"`
	// Allowlist restricts who can talk to the bot. Empty means everyone.
	Allowlist []int64 `json:"allowlist" mapstructure:"allowlist"`
	// Progress posts an interim message whenever a tool runs.
	Progress bool `json:"progress" mapstructure:"progress"`
}

// ProvidersConfig configures both provider families.
type ProvidersConfig struct {
	Anthropic   APIBackendConfig `json:"anthropic" mapstructure:"anthropic"`
	OpenAILocal APIBackendConfig `json:"openai_local" mapstructure:"openai_local"`
	CLI         CLIConfig        `json:"cli" mapstructure:"cli"`
}

// APIBackendConfig configures one hosted or local chat-completions backend.
type APIBackendConfig struct {
	APIKey    string `json:"api_key" mapstructure:"api_key"`
	BaseURL   string `json:"base_url" mapstructure:"base_url"`
	MaxTokens int    `json:"max_tokens" mapstructure:"max_tokens"`
}

// Configured reports whether the backend can be constructed.
func (c APIBackendConfig) Configured() bool {
	return c.APIKey != "" || c.BaseURL != ""
}

// CLIConfig configures the subprocess provider.
type CLIConfig struct {
	Enabled         bool              `json:"enabled" mapstructure:"enabled"`
	Command         string            `json:"command" mapstructure:"command"`
	Args            []string          `json:"args" mapstructure:"args"`
	Env             map[string]string `json:"env" mapstructure:"env"`
	WorkDir         string            `json:"work_dir" mapstructure:"work_dir"`
	StallTimeoutSec int               `json:"stall_timeout_sec" mapstructure:"stall_timeout_sec"`
	HardTimeoutSec  int               `json:"hard_timeout_sec" mapstructure:"hard_timeout_sec"`
}

// StallTimeout returns the idle-output limit.
func (c CLIConfig) StallTimeout() time.Duration {
	return time.Duration(c.StallTimeoutSec) * time.Second
}

// HardTimeout returns the total lifetime limit.
func (c CLIConfig) HardTimeout() time.Duration {
	return time.Duration(c.HardTimeoutSec) * time.Second
}

// TierConfig maps one tier to models. Backend/Model feed the API provider,
// CLIModel feeds the subprocess provider. Either side may be empty.
type TierConfig struct {
	Backend  string `json:"backend" mapstructure:"backend"`
	Model    string `json:"model" mapstructure:"model"`
	CLIModel string `json:"cli_model" mapstructure:"cli_model"`
}

// RouterConfig holds tool-chain limits.
type RouterConfig struct {
	MaxChain         int `json:"max_chain" mapstructure:"max_chain"`
	MaxResultChars   int `json:"max_result_chars" mapstructure:"max_result_chars"`
	PreviewChars     int `json:"preview_chars" mapstructure:"preview_chars"`
	CompactThreshold int `json:"compact_threshold" mapstructure:"compact_threshold"`
	KeepRecent       int `json:"keep_recent" mapstructure:"keep_recent"`
}

// StreamConfig controls draft updates.
type StreamConfig struct {
	Enabled       bool `json:"enabled" mapstructure:"enabled"`
	MinIntervalMs int  `json:"min_interval_ms" mapstructure:"min_interval_ms"`
	MinChars      int  `json:"min_chars" mapstructure:"min_chars"`
}

// ConcurrencyConfig controls ingress merging.
type ConcurrencyConfig struct {
	DebounceMs int `json:"debounce_ms" mapstructure:"debounce_ms"`
	DedupSize  int `json:"dedup_size" mapstructure:"dedup_size"`
}

// StoreConfig selects the conversation store backend.
type StoreConfig struct {
	Backend string `json:"backend" mapstructure:"backend"`
}

// SkillsConfig holds the skill policy and builtin skill wiring.
type SkillsConfig struct {
	Allow        []string      `json:"allow" mapstructure:"allow"`
	Deny         []string      `json:"deny" mapstructure:"deny"`
	WorkspaceDir string        `json:"workspace_dir" mapstructure:"workspace_dir"`
	NotesDir     string        `json:"notes_dir" mapstructure:"notes_dir"`
	MaxReadBytes int           `json:"max_read_bytes" mapstructure:"max_read_bytes"`
	Browser      BrowserConfig `json:"browser" mapstructure:"browser"`
}

// Policy returns the skill policy.
func (c SkillsConfig) Policy() *skills.Policy {
	return &skills.Policy{Allow: c.Allow, Deny: c.Deny}
}

// BrowserConfig enables the headless browser skill.
type BrowserConfig struct {
	Enabled        bool `json:"enabled" mapstructure:"enabled"`
	browser.Config `mapstructure:",squash"`
}

// CronConfig holds scheduled background conversations.
type CronConfig struct {
	Enabled bool      `json:"enabled" mapstructure:"enabled"`
	Jobs    []CronJob `json:"jobs" mapstructure:"jobs"`
}

// CronJob sends Prompt into the chat's background conversation on Schedule.
type CronJob struct {
	ID       string `json:"id" mapstructure:"id"`
	Schedule string `json:"schedule" mapstructure:"schedule"`
	Prompt   string `json:"prompt" mapstructure:"prompt"`
	ChatID   int64  `json:"chat_id" mapstructure:"chat_id"`
}

// WorkspaceConfig points at the system prompt file.
type WorkspaceConfig struct {
	PromptFile string `json:"prompt_file" mapstructure:"prompt_file"`
	Watch      bool   `json:"watch" mapstructure:"watch"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level     string `json:"level" mapstructure:"level"`
	File      string `json:"file" mapstructure:"file"`
	MaxSize   int    `json:"max_size" mapstructure:"max_size"` // MB
	MaxAge    int    `json:"max_age" mapstructure:"max_age"`   // days
	Compress  bool   `json:"compress" mapstructure:"compress"`
	Redaction bool   `json:"redaction" mapstructure:"redaction"`
	Pretty    bool   `json:"pretty" mapstructure:"pretty"`
}

// MetricsConfig controls the metrics endpoint, tracing and the audit log.
type MetricsConfig struct {
	Enabled     bool    `json:"enabled" mapstructure:"enabled"`
	Addr        string  `json:"addr" mapstructure:"addr"`
	Tracing     bool    `json:"tracing" mapstructure:"tracing"`
	SampleRatio float64 `json:"sample_ratio" mapstructure:"sample_ratio"`
	AuditFile   string  `json:"audit_file" mapstructure:"audit_file"`
}

// DefaultConfig returns a config with default values
func DefaultConfig() *Config {
	return &Config{
		Telegram: TelegramConfig{
			Enabled:  true,
			Progress: true,
		},
		Providers: ProvidersConfig{
			Anthropic: APIBackendConfig{MaxTokens: 4096},
			OpenAILocal: APIBackendConfig{
				MaxTokens: 2048,
			},
			CLI: CLIConfig{
				Enabled:         true,
				Command:         "claude",
				Args:            []string{"-p", "--output-format", "stream-json", "--verbose", "--include-partial-messages"},
				StallTimeoutSec: 90,
				HardTimeoutSec:  600,
			},
		},
		Tiers: map[string]TierConfig{
			string(tier.Fast): {
				Backend:  BackendAnthropic,
				Model:    "claude-3-5-haiku-latest",
				CLIModel: "haiku",
			},
			string(tier.Balanced): {
				Backend:  BackendAnthropic,
				Model:    "claude-sonnet-4-20250514",
				CLIModel: "sonnet",
			},
			string(tier.Premium): {
				Backend:  BackendAnthropic,
				Model:    "claude-opus-4-20250514",
				CLIModel: "opus",
			},
		},
		Router: RouterConfig{
			MaxChain:         8,
			MaxResultChars:   4000,
			PreviewChars:     160,
			CompactThreshold: 20,
			KeepRecent:       10,
		},
		Stream: StreamConfig{
			Enabled:       true,
			MinIntervalMs: 1000,
			MinChars:      40,
		},
		Concurrency: ConcurrencyConfig{
			DebounceMs: 1500,
			DedupSize:  1000,
		},
		Store: StoreConfig{
			Backend: session.BackendFile,
		},
		Skills: SkillsConfig{
			Allow:        []string{"*"},
			Deny:         []string{},
			MaxReadBytes: 64 * 1024,
			Browser: BrowserConfig{
				Config: browser.Config{
					Timeout:  30 * time.Second,
					MaxChars: 8000,
				},
			},
		},
		Workspace: WorkspaceConfig{
			Watch: true,
		},
		Logging: LoggingConfig{
			Level:     "info",
			MaxSize:   100,
			MaxAge:    7,
			Compress:  true,
			Redaction: true,
		},
		Metrics: MetricsConfig{
			Addr:        "127.0.0.1:9464",
			SampleRatio: 1.0,
		},
	}
}

// String returns a JSON representation of the config
func (c *Config) String() string {
	data, _ := json.MarshalIndent(c, "", "  ")
	return string(data)
}

// TierNames returns the configured tier keys in a stable order.
func (c *Config) TierNames() []string {
	names := make([]string, 0, len(c.Tiers))
	for name := range c.Tiers {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Validate checks if the configuration is valid
func (c *Config) Validate() error {
	apiTiers := 0
	for _, name := range c.TierNames() {
		tc := c.Tiers[name]
		if _, ok := tier.Parse(name); !ok {
			return fmt.Errorf("tier %s: unknown tier (must be one of %v)", name, tier.All)
		}
		if tc.Model != "" {
			switch tc.Backend {
			case BackendAnthropic:
				// without a key the tier is served by the CLI provider alone
				if !c.Providers.Anthropic.Configured() {
					continue
				}
			case BackendOpenAILocal:
				if !c.Providers.OpenAILocal.Configured() {
					return fmt.Errorf("tier %s: backend %s has no base_url or api_key", name, tc.Backend)
				}
			default:
				return fmt.Errorf("tier %s: invalid backend %q (must be: %s, %s)", name, tc.Backend, BackendAnthropic, BackendOpenAILocal)
			}
			apiTiers++
		}
	}

	cliUsable := c.Providers.CLI.Enabled && c.Providers.CLI.Command != ""
	if apiTiers == 0 && !cliUsable {
		return errors.New("no provider configured: set providers.anthropic.api_key, providers.openai_local.base_url or enable providers.cli")
	}

	if cliUsable {
		if c.Providers.CLI.StallTimeoutSec <= 0 || c.Providers.CLI.HardTimeoutSec <= 0 {
			return errors.New("providers.cli: stall_timeout_sec and hard_timeout_sec must be positive")
		}
		if c.Providers.CLI.StallTimeoutSec > c.Providers.CLI.HardTimeoutSec {
			return errors.New("providers.cli: stall_timeout_sec cannot exceed hard_timeout_sec")
		}
	}

	if c.Router.MaxChain < 1 {
		return fmt.Errorf("router.max_chain must be at least 1, got %d", c.Router.MaxChain)
	}
	if c.Router.CompactThreshold > 0 && c.Router.KeepRecent >= c.Router.CompactThreshold {
		return fmt.Errorf("router.keep_recent (%d) must be below compact_threshold (%d)", c.Router.KeepRecent, c.Router.CompactThreshold)
	}

	if c.Store.Backend != session.BackendFile && c.Store.Backend != session.BackendSQLite {
		return fmt.Errorf("invalid store backend %q (must be: %s, %s)", c.Store.Backend, session.BackendFile, session.BackendSQLite)
	}

	if c.Telegram.Enabled && c.Telegram.BotToken == "" {
		return errors.New("telegram bot token is required when Telegram is enabled")
	}

	if c.Cron.Enabled {
		seen := make(map[string]bool, len(c.Cron.Jobs))
		for i, job := range c.Cron.Jobs {
			if job.ID == "" {
				return fmt.Errorf("cron job %d: id is required", i)
			}
			if seen[job.ID] {
				return fmt.Errorf("cron job %s: duplicate id", job.ID)
			}
			seen[job.ID] = true
			if job.Prompt == "" {
				return fmt.Errorf("cron job %s: prompt is required", job.ID)
			}
			if job.ChatID == 0 {
				return fmt.Errorf("cron job %s: chat_id is required", job.ID)
			}
		}
	}

	return nil
}
