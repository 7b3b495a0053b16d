package main

import (
	"bytes"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/multierr"

	"github.com/discord-voice-lab/voicewire/internal/codec"
	"github.com/discord-voice-lab/voicewire/internal/events"
	"github.com/discord-voice-lab/voicewire/internal/logging"
)

// maxUtteranceSamples caps one buffered utterance at ten minutes of stereo
// audio so a stuck speaking window cannot grow without bound.
const maxUtteranceSamples = 10 * 60 * codec.SampleRate * codec.Channels

// wavSink turns finished utterances into WAV files. Decoded PCM
// accumulates per SSRC while a user speaks; when the silence window closes
// the buffer is rendered to RIFF/WAVE and written atomically next to a
// JSON sidecar describing the capture.
type wavSink struct {
	dir string

	// names optionally resolves user ids to usernames for sidecars.
	names func(userID string) string

	mu   sync.Mutex
	open map[uint32]*utterance
}

type utterance struct {
	userID  string
	started time.Time
	pcm     []int16
}

func newWAVSink(dir string) (*wavSink, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create recording dir: %w", err)
	}
	return &wavSink{dir: dir, open: make(map[uint32]*utterance)}, nil
}

// HandleEvent accumulates decoded PCM. It runs on the receiver's pump
// goroutine, so it appends and returns; only an oversized buffer forces a
// write from here.
func (w *wavSink) HandleEvent(ev events.Event) {
	p, ok := ev.(events.PCMEvent)
	if !ok {
		return
	}
	w.mu.Lock()
	u := w.open[p.SSRC]
	if u == nil {
		u = &utterance{userID: p.UserID, started: time.Now()}
		w.open[p.SSRC] = u
	}
	u.pcm = append(u.pcm, p.PCM...)
	var full *utterance
	if len(u.pcm) >= maxUtteranceSamples {
		delete(w.open, p.SSRC)
		full = u
	}
	w.mu.Unlock()

	if full != nil {
		if err := w.flush(p.SSRC, full); err != nil {
			logging.Warnw("flush of oversized utterance failed", "rtp.ssrc", p.SSRC, "err", err)
		}
	}
}

// OnSpeaking closes the open utterance for ssrc when its speaking window
// ends. Start transitions carry no work.
func (w *wavSink) OnSpeaking(ssrc uint32, userID string, speaking bool) error {
	if speaking {
		return nil
	}
	w.mu.Lock()
	u := w.open[ssrc]
	delete(w.open, ssrc)
	w.mu.Unlock()
	if u == nil || len(u.pcm) == 0 {
		return nil
	}
	return w.flush(ssrc, u)
}

// Close flushes whatever is still buffered, covering a shutdown that lands
// mid-utterance.
func (w *wavSink) Close() error {
	w.mu.Lock()
	open := w.open
	w.open = make(map[uint32]*utterance)
	w.mu.Unlock()

	var errs error
	for ssrc, u := range open {
		if len(u.pcm) == 0 {
			continue
		}
		errs = multierr.Append(errs, w.flush(ssrc, u))
	}
	return errs
}

func (w *wavSink) flush(ssrc uint32, u *utterance) error {
	pcm := make([]byte, len(u.pcm)*2)
	for i, s := range u.pcm {
		binary.LittleEndian.PutUint16(pcm[i*2:], uint16(s))
	}
	wav := buildWAV(pcm, codec.SampleRate, codec.Channels, 16)

	id := uuid.NewString()
	base := fmt.Sprintf("%s_ssrc%d_%s", u.started.UTC().Format("20060102T150405"), ssrc, id[:8])
	wavPath := filepath.Join(w.dir, base+".wav")
	if err := saveFileAtomic(wavPath, wav, 0o644); err != nil {
		return fmt.Errorf("write %s: %w", wavPath, err)
	}

	username := ""
	if w.names != nil {
		username = w.names(u.userID)
	}
	durationMs := len(u.pcm) / codec.Channels * 1000 / codec.SampleRate
	sidecar, err := json.Marshal(map[string]any{
		"correlation_id": id,
		"user_id":        u.userID,
		"username":       username,
		"ssrc":           ssrc,
		"started_at":     u.started.UTC().Format(time.RFC3339),
		"duration_ms":    durationMs,
		"sample_rate":    codec.SampleRate,
		"channels":       codec.Channels,
		"wav_path":       wavPath,
	})
	if err == nil {
		if serr := saveFileAtomic(filepath.Join(w.dir, base+".json"), sidecar, 0o644); serr != nil {
			logging.Warnw("sidecar write failed", "path", base+".json", "err", serr)
		}
	}

	logging.Infow("utterance recorded", "path", wavPath,
		"user.id", u.userID, "rtp.ssrc", ssrc, "duration_ms", durationMs)
	return nil
}

// buildWAV wraps 16-bit little endian PCM in a RIFF/WAVE header.
func buildWAV(pcm []byte, sampleRate, channels, bitsPerSample int) []byte {
	byteRate := uint32(sampleRate * channels * bitsPerSample / 8)
	blockAlign := uint16(channels * bitsPerSample / 8)
	dataLen := uint32(len(pcm))
	riffSize := uint32(4 + (8 + 16) + (8 + dataLen))

	buf := &bytes.Buffer{}
	buf.WriteString("RIFF")
	binary.Write(buf, binary.LittleEndian, riffSize)
	buf.WriteString("WAVE")
	buf.WriteString("fmt ")
	binary.Write(buf, binary.LittleEndian, uint32(16))
	binary.Write(buf, binary.LittleEndian, uint16(1))
	binary.Write(buf, binary.LittleEndian, uint16(channels))
	binary.Write(buf, binary.LittleEndian, uint32(sampleRate))
	binary.Write(buf, binary.LittleEndian, byteRate)
	binary.Write(buf, binary.LittleEndian, blockAlign)
	binary.Write(buf, binary.LittleEndian, uint16(bitsPerSample))
	buf.WriteString("data")
	binary.Write(buf, binary.LittleEndian, dataLen)
	buf.Write(pcm)
	return buf.Bytes()
}

// saveFileAtomic writes data through a tmp file in the same directory,
// syncing and renaming into place so readers never see a partial file.
func saveFileAtomic(path string, data []byte, mode os.FileMode) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	tmp := path + ".tmp"
	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, mode)
	if err != nil {
		return err
	}
	if _, err := f.Write(data); err != nil {
		f.Close()
		_ = os.Remove(tmp)
		return err
	}
	if err := f.Sync(); err != nil {
		f.Close()
		_ = os.Remove(tmp)
		return err
	}
	if err := f.Close(); err != nil {
		_ = os.Remove(tmp)
		return err
	}
	if err := os.Rename(tmp, path); err != nil {
		_ = os.Remove(tmp)
		return err
	}
	return nil
}
