package cli

import (
	"fmt"

	"github.com/harun/kurir/internal/config"
	"github.com/harun/kurir/internal/daemon"
	"github.com/harun/kurir/internal/logger"
	"github.com/spf13/cobra"
)

const version = "0.1.0"

var (
	cfgFile  string
	logLevel string

	// daemonOptions are passed to every daemon.New call. Tests use it to
	// swap in a provider.
	daemonOptions []daemon.Option
)

// rootCmd represents the base command when called without any subcommands
var rootCmd = &cobra.Command{
	Use:   "kurir",
	Short: "Kurir - tool-orchestrating chat daemon",
	Long: `Kurir relays Telegram conversations to language models and runs the
tools they ask for: file access, notes and a headless browser. Replies
stream back as live drafts, and scheduled prompts run in the background.`,
	Version:      version,
	SilenceUsage: true,
}

// Execute adds all child commands to the root command and sets flags appropriately.
// This is called by main.main(). It only needs to happen once to the rootCmd.
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is $HOME/.kurir/kurir.json)")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "info", "log level (debug, info, warn, error)")

	rootCmd.SetVersionTemplate(`{{with .Name}}{{printf "%s " .}}{{end}}{{printf "version %s" .Version}}
`)
}

// GetRootCmd returns the root command for testing
func GetRootCmd() *cobra.Command {
	return rootCmd
}

// GetVersion returns the current version
func GetVersion() string {
	return version
}

func loadConfig() (*config.Config, error) {
	cfg, err := config.Load(cfgFile)
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	return cfg, nil
}

// newLogger builds the process logger from cfg.Logging. An explicit
// --log-level wins over the config file.
func newLogger(cfg *config.Config, console bool) (*logger.Logger, error) {
	lc := cfg.Logging
	level := lc.Level
	if rootCmd.PersistentFlags().Changed("log-level") || level == "" {
		level = logLevel
	}

	var secrets []string
	for _, s := range []string{
		cfg.Telegram.BotToken,
		cfg.Providers.Anthropic.APIKey,
		cfg.Providers.OpenAILocal.APIKey,
	} {
		if s != "" {
			secrets = append(secrets, s)
		}
	}

	log, err := logger.New(logger.Config{
		Level:     level,
		File:      lc.File,
		Console:   console,
		Pretty:    lc.Pretty,
		Redaction: lc.Redaction,
		MaxSize:   lc.MaxSize,
		MaxAge:    lc.MaxAge,
		Compress:  lc.Compress,
		Secrets:   secrets,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create logger: %w", err)
	}

	cl := log.Component("config")
	for _, w := range config.NewValidator().ValidateConfig(cfg) {
		cl.Warn().Err(w).Msg("Suspicious config value")
	}
	return log, nil
}
