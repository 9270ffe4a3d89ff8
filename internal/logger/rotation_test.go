package logger

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewRotatingWriter(t *testing.T) {
	logFile := filepath.Join(t.TempDir(), "nested", "kurir.log")

	rw, err := NewRotatingWriter(logFile, 10, 7, false)
	require.NoError(t, err)
	defer rw.Close()

	_, err = os.Stat(logFile)
	assert.NoError(t, err)
}

func TestRotatingWriterAppends(t *testing.T) {
	logFile := filepath.Join(t.TempDir(), "kurir.log")
	require.NoError(t, os.WriteFile(logFile, []byte("existing\n"), 0o644))

	rw, err := NewRotatingWriter(logFile, 10, 7, false)
	require.NoError(t, err)
	assert.Equal(t, int64(9), rw.currentSize)

	_, err = rw.Write([]byte("next\n"))
	require.NoError(t, err)
	require.NoError(t, rw.Close())

	content, err := os.ReadFile(logFile)
	require.NoError(t, err)
	assert.Equal(t, "existing\nnext\n", string(content))
}

func TestRotatingWriterRotation(t *testing.T) {
	for _, compress := range []bool{false, true} {
		name := "plain"
		if compress {
			name = "compressed"
		}
		t.Run(name, func(t *testing.T) {
			dir := t.TempDir()
			logFile := filepath.Join(dir, "kurir.log")

			rw, err := NewRotatingWriter(logFile, 1, 7, compress)
			require.NoError(t, err)
			rw.maxSize = 100

			_, err = rw.Write([]byte(strings.Repeat("a", 80)))
			require.NoError(t, err)
			_, err = rw.Write([]byte(strings.Repeat("b", 80)))
			require.NoError(t, err)
			require.NoError(t, rw.Close())

			current, err := os.ReadFile(logFile)
			require.NoError(t, err)
			assert.Equal(t, strings.Repeat("b", 80), string(current))

			rotated, err := filepath.Glob(filepath.Join(dir, "kurir.log.*"))
			require.NoError(t, err)
			require.Len(t, rotated, 1)
			assert.Equal(t, compress, strings.HasSuffix(rotated[0], ".gz"))
		})
	}
}

func TestRotatingWriterOversizedEntry(t *testing.T) {
	dir := t.TempDir()
	logFile := filepath.Join(dir, "kurir.log")

	rw, err := NewRotatingWriter(logFile, 1, 7, false)
	require.NoError(t, err)
	rw.maxSize = 10

	n, err := rw.Write([]byte(strings.Repeat("x", 50)))
	require.NoError(t, err)
	assert.Equal(t, 50, n)
	require.NoError(t, rw.Close())

	rotated, _ := filepath.Glob(filepath.Join(dir, "kurir.log.*"))
	assert.Empty(t, rotated)
}

func TestRotatingWriterClosed(t *testing.T) {
	rw, err := NewRotatingWriter(filepath.Join(t.TempDir(), "kurir.log"), 10, 7, false)
	require.NoError(t, err)
	require.NoError(t, rw.Close())

	_, err = rw.Write([]byte("late"))
	assert.ErrorIs(t, err, os.ErrClosed)
}

func TestCompressFile(t *testing.T) {
	testFile := filepath.Join(t.TempDir(), "kurir.log.1")
	require.NoError(t, os.WriteFile(testFile, []byte("test content"), 0o644))

	require.NoError(t, compressFile(testFile))

	_, err := os.Stat(testFile + ".gz")
	assert.NoError(t, err)
	_, err = os.Stat(testFile)
	assert.True(t, os.IsNotExist(err))
}

func TestCleanup(t *testing.T) {
	dir := t.TempDir()
	logFile := filepath.Join(dir, "kurir.log")

	oldFile := logFile + ".20200101-120000.000"
	require.NoError(t, os.WriteFile(oldFile, []byte("old log"), 0o644))
	oldTime := time.Now().AddDate(0, 0, -10)
	require.NoError(t, os.Chtimes(oldFile, oldTime, oldTime))

	recentFile := logFile + ".20991231-120000.000"
	require.NoError(t, os.WriteFile(recentFile, []byte("recent log"), 0o644))

	rw, err := NewRotatingWriter(logFile, 10, 7, false)
	require.NoError(t, err)
	defer rw.Close()

	_, err = os.Stat(oldFile)
	assert.True(t, os.IsNotExist(err))
	_, err = os.Stat(recentFile)
	assert.NoError(t, err)
}
