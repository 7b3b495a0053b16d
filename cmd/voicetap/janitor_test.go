package main

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func writeRecording(t *testing.T, dir, base string, age time.Duration, withSidecar bool) {
	t.Helper()
	wav := filepath.Join(dir, base+".wav")
	require.NoError(t, os.WriteFile(wav, []byte("RIFF"), 0o644))
	if withSidecar {
		require.NoError(t, os.WriteFile(filepath.Join(dir, base+".json"), []byte("{}"), 0o644))
	}
	mod := time.Now().Add(-age)
	require.NoError(t, os.Chtimes(wav, mod, mod))
}

func listNames(t *testing.T, dir string) []string {
	t.Helper()
	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	var names []string
	for _, e := range entries {
		names = append(names, e.Name())
	}
	return names
}

// TestPruneByRetention verifies aged pairs go and fresh ones stay.
func TestPruneByRetention(t *testing.T) {
	dir := t.TempDir()
	writeRecording(t, dir, "old", 2*time.Hour, true)
	writeRecording(t, dir, "fresh", time.Minute, true)

	removed := pruneRecordings(dir, time.Hour, 0)
	require.Equal(t, 1, removed)
	require.ElementsMatch(t, []string{"fresh.wav", "fresh.json"}, listNames(t, dir))
}

// TestPruneByMaxFiles verifies the oldest recordings give way first.
func TestPruneByMaxFiles(t *testing.T) {
	dir := t.TempDir()
	writeRecording(t, dir, "a", 3*time.Hour, true)
	writeRecording(t, dir, "b", 2*time.Hour, true)
	writeRecording(t, dir, "c", time.Hour, true)

	removed := pruneRecordings(dir, 0, 1)
	require.Equal(t, 2, removed)
	require.ElementsMatch(t, []string{"c.wav", "c.json"}, listNames(t, dir))
}

// TestPruneToleratesMissingSidecar verifies a wav without its json still
// prunes cleanly.
func TestPruneToleratesMissingSidecar(t *testing.T) {
	dir := t.TempDir()
	writeRecording(t, dir, "lonely", 2*time.Hour, false)

	require.Equal(t, 1, pruneRecordings(dir, time.Hour, 0))
	require.Empty(t, listNames(t, dir))
}

// TestPruneDisabled verifies zero rules remove nothing.
func TestPruneDisabled(t *testing.T) {
	dir := t.TempDir()
	writeRecording(t, dir, "old", 100*time.Hour, true)

	require.Zero(t, pruneRecordings(dir, 0, 0))
	require.Len(t, listNames(t, dir), 2)
}
