package trafficlog

import (
	"encoding/csv"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func readRows(t *testing.T, dir string) [][]string {
	t.Helper()
	files, err := filepath.Glob(filepath.Join(dir, "serial_*.csv"))
	require.NoError(t, err)
	require.Len(t, files, 1)

	f, err := os.Open(files[0])
	require.NoError(t, err)
	defer f.Close()

	rows, err := csv.NewReader(f).ReadAll()
	require.NoError(t, err)
	return rows
}

func TestRecordWritesHeaderAndRows(t *testing.T) {
	dir := t.TempDir()
	l := New(Config{Enabled: true, Path: dir})
	l.now = func() time.Time { return time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC) }

	l.Record(DirTX, `{"N":201,"H":"stop"}`)
	l.Record(DirRX, "{stop_ok}")
	l.Close()

	rows := readRows(t, dir)
	require.Len(t, rows, 3)
	assert.Equal(t, csvHeader, rows[0])
	assert.Equal(t, []string{"2026-01-02T03:04:05Z", "tx", `{"N":201,"H":"stop"}`}, rows[1])
	assert.Equal(t, "{stop_ok}", rows[2][2])
}

func TestDisabledLoggerWritesNothing(t *testing.T) {
	dir := t.TempDir()
	l := New(Config{Enabled: false, Path: dir})
	l.Record(DirRX, "R")
	l.Close()

	files, err := filepath.Glob(filepath.Join(dir, "*.csv"))
	require.NoError(t, err)
	assert.Empty(t, files)
	assert.False(t, l.IsEnabled())

	var nilLogger *Logger
	assert.NotPanics(t, func() { nilLogger.Record(DirRX, "R") })
}

func TestSetEnabledAtRuntime(t *testing.T) {
	dir := t.TempDir()
	l := New(Config{Path: dir})
	l.SetEnabled(true)
	l.Record(DirRX, "{hello_ok}")
	l.SetEnabled(false)
	l.Record(DirRX, "dropped")

	rows := readRows(t, dir)
	assert.Len(t, rows, 2)
}
