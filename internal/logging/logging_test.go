package logging

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sawpanic/datacat/internal/config"
)

func TestSetupRejectsBadLevel(t *testing.T) {
	_, err := Setup(config.Log{Level: "loud", Format: "json"}, "run-1")
	assert.Error(t, err)
}

func TestSetupWritesRotatingFile(t *testing.T) {
	dir := t.TempDir()
	logger, err := Setup(config.Log{Level: "info", Format: "json", Dir: dir}, "run-2")
	require.NoError(t, err)

	logger.Info().Str("component", "test").Msg("hello")

	data, err := os.ReadFile(filepath.Join(dir, "datacat.log"))
	require.NoError(t, err)
	assert.Contains(t, string(data), `"run_id":"run-2"`)
	assert.Contains(t, string(data), `"hello"`)
}

func TestFilePathPrecedence(t *testing.T) {
	assert.Equal(t, "/var/log/dc.log", filePath(config.Log{File: "/var/log/dc.log", Dir: "/elsewhere"}))
	assert.Equal(t, filepath.Join("/elsewhere", "datacat.log"), filePath(config.Log{Dir: "/elsewhere"}))
	assert.Equal(t, "", filePath(config.Log{}))
}
