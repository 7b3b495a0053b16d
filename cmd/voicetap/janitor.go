package main

import (
	"context"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/discord-voice-lab/voicewire/internal/logging"
)

// startRecordingJanitor prunes the recording directory on a ticker so a
// long-lived tap cannot fill the disk. Recordings older than retention go
// first; when maxFiles > 0 the oldest survivors beyond that count go too.
// Zero disables the respective rule.
func startRecordingJanitor(ctx context.Context, wg *sync.WaitGroup, dir string, retention, interval time.Duration, maxFiles int) {
	wg.Add(1)
	go func() {
		defer wg.Done()
		t := time.NewTicker(interval)
		defer t.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-t.C:
				pruneRecordings(dir, retention, maxFiles)
			}
		}
	}()
}

// pruneRecordings removes expired wav recordings together with their JSON
// sidecars, keyed on the wav file since that is the primary artifact.
func pruneRecordings(dir string, retention time.Duration, maxFiles int) int {
	entries, err := os.ReadDir(dir)
	if err != nil {
		logging.Debugw("recording prune skipped", "dir", dir, "err", err)
		return 0
	}

	type recording struct {
		wav     string
		sidecar string
		mod     time.Time
	}
	var recs []recording
	for _, e := range entries {
		name := e.Name()
		if !strings.HasSuffix(name, ".wav") {
			continue
		}
		info, err := e.Info()
		if err != nil {
			continue
		}
		base := strings.TrimSuffix(name, ".wav")
		recs = append(recs, recording{
			wav:     filepath.Join(dir, name),
			sidecar: filepath.Join(dir, base+".json"),
			mod:     info.ModTime(),
		})
	}
	sort.Slice(recs, func(i, j int) bool { return recs[i].mod.Before(recs[j].mod) })

	removed := 0
	drop := func(r recording) {
		_ = os.Remove(r.wav)
		_ = os.Remove(r.sidecar)
		removed++
	}

	if retention > 0 {
		cutoff := time.Now().Add(-retention)
		kept := recs[:0]
		for _, r := range recs {
			if r.mod.Before(cutoff) {
				drop(r)
			} else {
				kept = append(kept, r)
			}
		}
		recs = kept
	}
	if maxFiles > 0 && len(recs) > maxFiles {
		for _, r := range recs[:len(recs)-maxFiles] {
			drop(r)
		}
	}

	if removed > 0 {
		logging.Infow("pruned recordings", "dir", dir, "removed", removed)
	}
	return removed
}
