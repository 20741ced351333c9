package logger

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

func TestNew(t *testing.T) {
	for _, format := range []string{"json", "console", ""} {
		l, atom, err := New(Config{Level: "debug", Format: format})
		require.NoError(t, err, format)
		require.NotNil(t, l)
		assert.Equal(t, zapcore.DebugLevel, atom.Level())
	}
}

func TestNew_Invalid(t *testing.T) {
	_, _, err := New(Config{Level: "loud"})
	assert.Error(t, err)

	_, _, err = New(Config{Level: "info", Format: "xml"})
	assert.Error(t, err)

	_, _, err = New(Config{Level: "info", Output: "/dev/null"})
	assert.Error(t, err)
}

func TestNew_Stderr(t *testing.T) {
	l, _, err := New(Config{Level: "warn", Output: "stderr"})
	require.NoError(t, err)
	assert.NotNil(t, l)
}

func TestNew_File(t *testing.T) {
	path := filepath.Join(t.TempDir(), "klined.log")
	l, _, err := New(Config{Level: "info", Output: "stderr", File: FileConfig{Path: path, MaxSizeMB: 1}})
	require.NoError(t, err)

	l.Info("flushed", zap.Int("buckets", 3))

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(data), `"msg":"flushed"`)
	assert.Contains(t, string(data), `"buckets":3`)
}

func TestSetLevel(t *testing.T) {
	_, atom, err := New(DefaultConfig())
	require.NoError(t, err)
	assert.Equal(t, zapcore.InfoLevel, atom.Level())

	require.NoError(t, SetLevel(atom, "warn"))
	assert.Equal(t, zapcore.WarnLevel, atom.Level())
	assert.Error(t, SetLevel(atom, "nope"))
	assert.Equal(t, zapcore.WarnLevel, atom.Level())
}

func TestComponent(t *testing.T) {
	assert.NotNil(t, Component(nil, "x"))
}
