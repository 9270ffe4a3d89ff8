package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewLoader(t *testing.T) {
	loader := NewLoader("/path/to/config.json")
	assert.NotNil(t, loader)
	assert.Equal(t, "/path/to/config.json", loader.GetConfigPath())
}

func TestLoaderLoad(t *testing.T) {
	t.Run("defaults when file doesn't exist", func(t *testing.T) {
		tmpDir := t.TempDir()
		configPath := filepath.Join(tmpDir, "nonexistent.json")

		cfg, err := NewLoader(configPath).Load()

		require.NoError(t, err)
		assert.Equal(t, 8, cfg.Router.MaxChain)
		assert.Equal(t, tmpDir, cfg.DataDir)
	})

	t.Run("load config from file", func(t *testing.T) {
		tmpDir := t.TempDir()
		configPath := filepath.Join(tmpDir, "kurir.json")

		testConfig := `{
			"telegram": {"bot_token": "123:abc", "admins": [42]},
			"providers": {"anthropic": {"api_key": "sk-ant-test"}},
			"tiers": {"local": {"backend": "openai_local", "model": "llama3.2"}},
			"router": {"max_chain": 4},
			"store": {"backend": "sqlite"},
			"cron": {"enabled": true, "jobs": [{"id": "am", "schedule": "0 8 * * *", "prompt": "brief me", "chat_id": 42}]}
		}`
		require.NoError(t, os.WriteFile(configPath, []byte(testConfig), 0o600))

		cfg, err := NewLoader(configPath).Load()

		require.NoError(t, err)
		assert.Equal(t, "123:abc", cfg.Telegram.BotToken)
		assert.Equal(t, []int64{42}, cfg.Telegram.Admins)
		assert.Equal(t, "sk-ant-test", cfg.Providers.Anthropic.APIKey)
		assert.Equal(t, 4096, cfg.Providers.Anthropic.MaxTokens)
		assert.Equal(t, 4, cfg.Router.MaxChain)
		assert.Equal(t, 4000, cfg.Router.MaxResultChars)
		assert.Equal(t, "sqlite", cfg.Store.Backend)
		assert.Equal(t, "llama3.2", cfg.Tiers["local"].Model)
		assert.Contains(t, cfg.Tiers, "premium")
		require.Len(t, cfg.Cron.Jobs, 1)
		assert.Equal(t, int64(42), cfg.Cron.Jobs[0].ChatID)
	})

	t.Run("set default paths", func(t *testing.T) {
		tmpDir := t.TempDir()
		configPath := filepath.Join(tmpDir, "kurir.json")
		require.NoError(t, os.WriteFile(configPath, []byte(`{}`), 0o600))

		cfg, err := NewLoader(configPath).Load()

		require.NoError(t, err)
		assert.Equal(t, filepath.Join(tmpDir, "kurir.log"), cfg.Logging.File)
		assert.Equal(t, filepath.Join(tmpDir, "notes"), cfg.Skills.NotesDir)
		assert.Equal(t, filepath.Join(tmpDir, "SYSTEM.md"), cfg.Workspace.PromptFile)
	})

	t.Run("environment overrides", func(t *testing.T) {
		tmpDir := t.TempDir()
		configPath := filepath.Join(tmpDir, "kurir.json")
		require.NoError(t, os.WriteFile(configPath, []byte(`{"telegram": {"bot_token": "1:file"}}`), 0o600))

		t.Setenv("KURIR_TELEGRAM_BOT_TOKEN", "2:env")
		t.Setenv("KURIR_PROVIDERS_ANTHROPIC_API_KEY", "sk-ant-env")

		cfg, err := NewLoader(configPath).Load()

		require.NoError(t, err)
		assert.Equal(t, "2:env", cfg.Telegram.BotToken)
		assert.Equal(t, "sk-ant-env", cfg.Providers.Anthropic.APIKey)
	})

	t.Run("invalid JSON", func(t *testing.T) {
		tmpDir := t.TempDir()
		configPath := filepath.Join(tmpDir, "invalid.json")
		require.NoError(t, os.WriteFile(configPath, []byte("invalid json"), 0o600))

		_, err := NewLoader(configPath).Load()
		assert.Error(t, err)
	})
}

func TestLoaderSave(t *testing.T) {
	tmpDir := t.TempDir()
	configPath := filepath.Join(tmpDir, "sub", "kurir.json")

	cfg := DefaultConfig()
	cfg.Telegram.BotToken = "123:saved"
	cfg.Router.KeepRecent = 6

	loader := NewLoader(configPath)
	require.NoError(t, loader.Save(cfg))

	info, err := os.Stat(configPath)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0o600), info.Mode().Perm())

	loaded, err := loader.Load()
	require.NoError(t, err)
	assert.Equal(t, "123:saved", loaded.Telegram.BotToken)
	assert.Equal(t, 6, loaded.Router.KeepRecent)
}

func TestDefaultPath(t *testing.T) {
	home := t.TempDir()
	t.Setenv("HOME", home)

	p, err := DefaultPath()
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(home, ".kurir", "kurir.json"), p)
	assert.Equal(t, p, NewLoader("").GetConfigPath())
}
