package config

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/robfig/cron/v3"
)

var telegramTokenPattern = regexp.MustCompile(`^\d+:[A-Za-z0-9_-]+$`)

// Validator performs the softer checks that Validate leaves out: key formats,
// schedules and numeric ranges. Its findings are reported, not fatal.
type Validator struct {
	cronParser cron.Parser
}

// NewValidator creates a new validator
func NewValidator() *Validator {
	return &Validator{
		cronParser: cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor),
	}
}

// ValidateAPIKey validates an API key format
func (v *Validator) ValidateAPIKey(key string, provider string) error {
	if key == "" {
		return fmt.Errorf("%s API key cannot be empty", provider)
	}

	switch provider {
	case BackendAnthropic:
		if !strings.HasPrefix(key, "sk-ant-") {
			return fmt.Errorf("invalid Anthropic API key format (should start with sk-ant-)")
		}
	}

	return nil
}

// ValidateTelegramToken validates a Telegram bot token
func (v *Validator) ValidateTelegramToken(token string) error {
	if token == "" {
		return fmt.Errorf("telegram bot token cannot be empty")
	}

	// <bot_id>:<secret>
	if !telegramTokenPattern.MatchString(token) {
		return fmt.Errorf("invalid Telegram bot token format")
	}

	return nil
}

// ValidateMaxTokens validates max tokens value
func (v *Validator) ValidateMaxTokens(tokens int) error {
	if tokens <= 0 {
		return fmt.Errorf("max tokens must be positive, got %d", tokens)
	}
	if tokens > 200000 {
		return fmt.Errorf("max tokens too large (max 200000), got %d", tokens)
	}
	return nil
}

// ValidateLogLevel validates log level
func (v *Validator) ValidateLogLevel(level string) error {
	validLevels := []string{"debug", "info", "warn", "error"}
	for _, valid := range validLevels {
		if level == valid {
			return nil
		}
	}
	return fmt.Errorf("invalid log level: %s (must be one of: %s)", level, strings.Join(validLevels, ", "))
}

// ValidateSchedule checks a five-field cron expression or a descriptor such
// as "@hourly".
func (v *Validator) ValidateSchedule(spec string) error {
	if strings.TrimSpace(spec) == "" {
		return fmt.Errorf("schedule cannot be empty")
	}
	if _, err := v.cronParser.Parse(spec); err != nil {
		return fmt.Errorf("invalid schedule %q: %w", spec, err)
	}
	return nil
}

// ValidateConfig performs comprehensive validation
func (v *Validator) ValidateConfig(cfg *Config) []error {
	var errors []error

	if key := cfg.Providers.Anthropic.APIKey; key != "" && cfg.Providers.Anthropic.BaseURL == "" {
		if err := v.ValidateAPIKey(key, BackendAnthropic); err != nil {
			errors = append(errors, fmt.Errorf("providers.anthropic: %w", err))
		}
	}
	for name, backend := range map[string]APIBackendConfig{
		BackendAnthropic:   cfg.Providers.Anthropic,
		BackendOpenAILocal: cfg.Providers.OpenAILocal,
	} {
		if !backend.Configured() {
			continue
		}
		if err := v.ValidateMaxTokens(backend.MaxTokens); err != nil {
			errors = append(errors, fmt.Errorf("providers.%s: %w", name, err))
		}
	}

	if cfg.Telegram.Enabled && cfg.Telegram.BotToken != "" {
		if err := v.ValidateTelegramToken(cfg.Telegram.BotToken); err != nil {
			errors = append(errors, err)
		}
	}

	if cfg.Router.MaxResultChars < 0 {
		errors = append(errors, fmt.Errorf("router.max_result_chars must be >= 0"))
	}
	if cfg.Router.PreviewChars < 0 {
		errors = append(errors, fmt.Errorf("router.preview_chars must be >= 0"))
	}
	if cfg.Stream.MinIntervalMs < 0 {
		errors = append(errors, fmt.Errorf("stream.min_interval_ms must be >= 0"))
	}
	if cfg.Stream.MinChars < 0 {
		errors = append(errors, fmt.Errorf("stream.min_chars must be >= 0"))
	}
	if cfg.Concurrency.DebounceMs < 0 {
		errors = append(errors, fmt.Errorf("concurrency.debounce_ms must be >= 0"))
	}
	if cfg.Concurrency.DedupSize < 0 {
		errors = append(errors, fmt.Errorf("concurrency.dedup_size must be >= 0"))
	}

	if cfg.Cron.Enabled {
		for _, job := range cfg.Cron.Jobs {
			if err := v.ValidateSchedule(job.Schedule); err != nil {
				errors = append(errors, fmt.Errorf("cron job %s: %w", job.ID, err))
			}
		}
	}

	if cfg.Metrics.Enabled && cfg.Metrics.Addr == "" {
		errors = append(errors, fmt.Errorf("metrics.addr is required when metrics are enabled"))
	}
	if cfg.Metrics.SampleRatio < 0 || cfg.Metrics.SampleRatio > 1 {
		errors = append(errors, fmt.Errorf("metrics.sample_ratio must be between 0 and 1, got %f", cfg.Metrics.SampleRatio))
	}

	// Validate logging
	if err := v.ValidateLogLevel(cfg.Logging.Level); err != nil {
		errors = append(errors, err)
	}

	return errors
}
