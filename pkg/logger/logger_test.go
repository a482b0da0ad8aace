package logger

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestInitWritesJSONToFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "logs", "farm.log")
	require.NoError(t, Init(Config{Level: "debug", Format: "json", Output: "file", FilePath: path, MaxSize: 1}))
	t.Cleanup(func() { _ = Init(Config{Level: "info"}) })

	assert.Equal(t, logrus.DebugLevel, GetLogger().GetLevel())
	Component("allocator").WithField("udid", "PX7").Info("Device allocated")

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(data), `"component":"allocator"`)
	assert.Contains(t, string(data), `"udid":"PX7"`)
	assert.Contains(t, string(data), `"level":"info"`)
}

func TestInitFallsBackToInfo(t *testing.T) {
	require.NoError(t, Init(Config{Level: "verbose"}))
	assert.Equal(t, logrus.InfoLevel, GetLogger().GetLevel())
}
