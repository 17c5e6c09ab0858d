package logger

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNew_Text(t *testing.T) {
	var buf bytes.Buffer
	l := New(&buf, slog.LevelInfo, false)
	l.Debug("hidden")
	l.Info("mapped", "range", "[0x1000, 0x2000)")

	out := buf.String()
	assert.NotContains(t, out, "hidden")
	assert.Contains(t, out, "msg=mapped")
	assert.Contains(t, out, `range="[0x1000, 0x2000)"`)
}

func TestNew_JSON(t *testing.T) {
	var buf bytes.Buffer
	New(&buf, slog.LevelDebug, true).Debug("coalesced", "merged", 2)

	var rec map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &rec))
	assert.Equal(t, "coalesced", rec["msg"])
	assert.Equal(t, float64(2), rec["merged"])
}

func TestInit_File(t *testing.T) {
	orig := L
	t.Cleanup(func() { L = orig })

	path := filepath.Join(t.TempDir(), "logs", "vm.log")
	closer, err := Init(Options{Enabled: true, Path: path, Level: slog.LevelWarn})
	require.NoError(t, err)

	Info("dropped")
	Warn("kept", "n", 1)
	require.NoError(t, closer())

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.False(t, strings.Contains(string(data), "dropped"))
	assert.Contains(t, string(data), "msg=kept")
}

func TestInit_Disabled(t *testing.T) {
	orig := L
	t.Cleanup(func() { L = orig })

	closer, err := Init(Options{})
	require.NoError(t, err)
	require.NoError(t, closer())
	require.False(t, L.Enabled(context.Background(), slog.LevelError))
}
