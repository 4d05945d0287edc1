package logx

import (
	"bufio"
	"bytes"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func decodeLines(t *testing.T, b []byte) []map[string]any {
	t.Helper()
	var out []map[string]any
	sc := bufio.NewScanner(bytes.NewReader(b))
	for sc.Scan() {
		var m map[string]any
		require.NoError(t, json.Unmarshal(sc.Bytes(), &m), "line %q", sc.Text())
		out = append(out, m)
	}
	return out
}

func TestZeroLoggerIsNop(t *testing.T) {
	var l Logger
	assert.True(t, l.IsZero())
	assert.False(t, Nop().IsZero())
	assert.False(t, l.Component("x").IsZero())
	assert.NotPanics(t, func() { l.Info("hello", String("k", "v")) })
}

func TestWriterLoggerFields(t *testing.T) {
	var buf bytes.Buffer
	l := NewWriter(&buf, "debug").Component("dispatch")
	l.Warn("claim lost", Int("item", 7), Err(errors.New("boom")), Err(nil), Strings("platforms", []string{"photo", "social"}))
	l.Trace("below level")

	lines := decodeLines(t, buf.Bytes())
	require.Len(t, lines, 1)
	m := lines[0]
	assert.Equal(t, "dispatch", m["comp"])
	assert.Equal(t, "claim lost", m["message"])
	assert.Equal(t, "boom", m["err"])
	assert.EqualValues(t, 7, m["item"])
	assert.Equal(t, []any{"photo", "social"}, m["platforms"])
	assert.Contains(t, m["caller"], "logx_test.go:")
}

func TestParseLevel(t *testing.T) {
	tests := map[string]zerolog.Level{
		"debug":    zerolog.DebugLevel,
		" WARN ":   zerolog.WarnLevel,
		"warning":  zerolog.WarnLevel,
		"trace":    zerolog.TraceLevel,
		"disabled": zerolog.InfoLevel,
		"bogus":    zerolog.InfoLevel,
		"":         zerolog.InfoLevel,
	}
	for in, want := range tests {
		assert.Equal(t, want, parseLevel(in, zerolog.InfoLevel), "parseLevel(%q)", in)
	}
}

func TestServiceFileSinkSurvivesLevelReload(t *testing.T) {
	path := filepath.Join(t.TempDir(), "logs", "outreachd.log")
	cfg := Config{Level: "info", File: FileConfig{Enabled: true, Path: path}}
	svc, log := New(cfg)
	defer svc.Close()
	log = log.Component("test")

	log.Debug("dropped at info")
	log.Info("first")
	f := svc.file

	cfg.Level = "debug"
	require.NoError(t, svc.Apply(cfg))
	assert.Same(t, f, svc.file, "same path keeps the file open")
	log.Debug("second")

	require.NoError(t, svc.Close())
	log.Info("after close goes to console only")

	b, err := os.ReadFile(path)
	require.NoError(t, err)
	lines := decodeLines(t, b)
	require.Len(t, lines, 2)
	assert.Equal(t, "first", lines[0]["message"])
	assert.Equal(t, "second", lines[1]["message"])
	assert.Equal(t, "test", lines[1]["comp"])
}

func TestServiceApplyReportsBadPath(t *testing.T) {
	dir := t.TempDir()
	blocker := filepath.Join(dir, "file")
	require.NoError(t, os.WriteFile(blocker, nil, 0o600))

	svc, _ := New(Config{Level: "info"})
	defer svc.Close()
	err := svc.Apply(Config{File: FileConfig{Enabled: true, Path: filepath.Join(blocker, "x.log")}})
	require.Error(t, err)
	assert.Nil(t, svc.file)
}
