package cli

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/harun/kurir/internal/config"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestInitCommand(t *testing.T) {
	t.Cleanup(func() { initForce = false })
	path := filepath.Join(t.TempDir(), "conf", "kurir.json")

	output, err := execute(t, "", "init", "--config", path)
	require.NoError(t, err)
	assert.Contains(t, output, "Config written to "+path)

	info, err := os.Stat(path)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0o600), info.Mode().Perm())

	cfg, err := config.Load(path)
	require.NoError(t, err)
	assert.Equal(t, config.DefaultConfig().Router.MaxChain, cfg.Router.MaxChain)

	t.Run("refuses to overwrite", func(t *testing.T) {
		_, err := execute(t, "", "init", "--config", path)
		assert.ErrorContains(t, err, "already exists")
	})

	t.Run("force overwrites", func(t *testing.T) {
		require.NoError(t, os.WriteFile(path, []byte("{}"), 0o600))
		_, err := execute(t, "", "init", "--config", path, "--force")
		require.NoError(t, err)

		data, err := os.ReadFile(path)
		require.NoError(t, err)
		assert.Contains(t, string(data), "max_chain")
	})
}
