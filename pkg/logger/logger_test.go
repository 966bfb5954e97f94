package logger

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestDefaultLoggerIsUsableBeforeInit(t *testing.T) {
	assert.NotPanics(t, func() {
		Info("before init", zap.String("k", "v"))
		GetLogger().Debug("child")
	})
}

func TestInitRejectsBadLevel(t *testing.T) {
	err := Init("loud", "json", "stdout")
	require.Error(t, err)
}

func TestInitRejectsBadFormat(t *testing.T) {
	err := Init("info", "xml", "stdout")
	require.Error(t, err)
}

func TestInitWritesJSONToFile(t *testing.T) {
	prev := Log
	t.Cleanup(func() { Log = prev })

	path := filepath.Join(t.TempDir(), "app.log")
	require.NoError(t, Init("info", "json", path))

	Info("turn completed", zap.String("session_id", "abc"))
	Sync()

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(data), `"message":"turn completed"`)
	assert.Contains(t, string(data), `"session_id":"abc"`)
}
