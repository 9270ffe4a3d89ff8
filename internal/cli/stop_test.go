package cli

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStopCommand(t *testing.T) {
	t.Run("help text", func(t *testing.T) {
		output, err := execute(t, "", "stop", "--help")
		require.NoError(t, err)

		assert.Contains(t, output, "Stop the Kurir daemon service")
		assert.Contains(t, output, "timeout")
	})

	t.Run("not running", func(t *testing.T) {
		path, _ := writeTestConfig(t)

		_, err := execute(t, "", "stop", "--config", path)
		assert.ErrorContains(t, err, "not running")
	})
}
