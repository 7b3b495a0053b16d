// Package receiver implements the voice data plane. It pumps encrypted
// datagrams off the UDP socket, demultiplexes them by SSRC, runs the
// per-speaker silence window and the connection liveness window, decrypts
// and decodes, and fans audio out to per-user streams and event listeners.
//
// The receiver never reconnects or self-heals. When it decides the
// connection is dead it says so through the emitter and leaves the decision
// to the host.
package receiver

import (
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"go.uber.org/multierr"

	"github.com/discord-voice-lab/voicewire/internal/codec"
	"github.com/discord-voice-lab/voicewire/internal/crypt"
	"github.com/discord-voice-lab/voicewire/internal/events"
	"github.com/discord-voice-lab/voicewire/internal/logging"
	"github.com/discord-voice-lab/voicewire/internal/metrics"
	"github.com/discord-voice-lab/voicewire/internal/rtp"
	"github.com/discord-voice-lab/voicewire/internal/session"
)

const (
	// DefaultSilenceWindow is how long a speaker may pause before they are
	// considered to have stopped talking.
	DefaultSilenceWindow = 70 * time.Millisecond
	// DefaultStaleAfter is how long the packet plane may go silent before
	// the connection is presumed dead.
	DefaultStaleAfter = 3 * time.Second
	// DefaultStreamBuffer is the per-stream frame buffer.
	DefaultStreamBuffer = 64
)

var (
	ErrAttached    = errors.New("receiver: datagram pump already attached")
	ErrUnknownUser = errors.New("receiver: no ssrc mapping for user")
	ErrStreamOpen  = errors.New("receiver: stream already open for user")
	ErrStale       = errors.New("receiver: no voice packets within the liveness window")
)

var errDestroyed = errors.New("receiver: destroyed")

// SpeakingFunc is told about timer-driven speaking transitions so the
// session owner can forward them upstream. Errors are logged, not retried.
type SpeakingFunc func(ssrc uint32, userID string, speaking bool) error

type Config struct {
	Session *session.State
	Engine  codec.Engine
	Emitter *events.Emitter
	Metrics *metrics.Metrics

	// Speaking is optional.
	Speaking SpeakingFunc

	SilenceWindow time.Duration
	StaleAfter    time.Duration
	StreamBuffer  int
}

// speakTimer tracks one SSRC inside its silence window. The user id is
// captured at start so the stop notification matches the start one even if
// the mapping moves underneath.
type speakTimer struct {
	timer  *resetTimer
	userID string
}

type pump struct {
	conn net.PacketConn
	done chan struct{}
}

type Receiver struct {
	cfg Config

	mu        sync.Mutex
	speaking  map[uint32]*speakTimer
	opus      map[string]*OpusStream
	pcm       map[string]*PCMStream
	decoders  map[string]codec.Decoder
	alive     *resetTimer
	pump      *pump
	destroyed bool
}

func New(cfg Config) (*Receiver, error) {
	if cfg.Session == nil || cfg.Engine == nil || cfg.Emitter == nil {
		return nil, errors.New("receiver: session, engine and emitter are required")
	}
	if cfg.Metrics == nil {
		cfg.Metrics = metrics.NewUnregistered()
	}
	if cfg.SilenceWindow <= 0 {
		cfg.SilenceWindow = DefaultSilenceWindow
	}
	if cfg.StaleAfter <= 0 {
		cfg.StaleAfter = DefaultStaleAfter
	}
	if cfg.StreamBuffer <= 0 {
		cfg.StreamBuffer = DefaultStreamBuffer
	}
	r := &Receiver{
		cfg:      cfg,
		speaking: make(map[uint32]*speakTimer),
		opus:     make(map[string]*OpusStream),
		pcm:      make(map[string]*PCMStream),
		decoders: make(map[string]codec.Decoder),
	}
	// Streams and decoder state for a user are useless once the server
	// says they left the channel.
	cfg.Emitter.On(events.TypeClientDisconnect, func(ev events.Event) {
		if d, ok := ev.(events.ClientDisconnectEvent); ok {
			r.dropUser(d.UserID)
		}
	})
	return r, nil
}

// Attach starts pumping datagrams from conn. The host keeps ownership of
// the socket; Destroy stops the pump without closing it. A destroyed
// receiver may be attached again.
func (r *Receiver) Attach(conn net.PacketConn) error {
	if conn == nil {
		return errors.New("receiver: nil packet conn")
	}
	r.mu.Lock()
	if r.pump != nil {
		r.mu.Unlock()
		return ErrAttached
	}
	r.destroyed = false
	p := &pump{conn: conn, done: make(chan struct{})}
	r.pump = p
	r.mu.Unlock()

	_ = conn.SetReadDeadline(time.Time{})
	go r.readLoop(p)
	logging.Infow("voice datagram pump attached", "local_addr", conn.LocalAddr().String())
	return nil
}

func (r *Receiver) readLoop(p *pump) {
	defer func() {
		close(p.done)
		r.mu.Lock()
		if r.pump == p {
			r.pump = nil
		}
		r.mu.Unlock()
	}()
	buf := make([]byte, 1500)
	for {
		n, _, err := p.conn.ReadFrom(buf)
		if err != nil {
			if !r.isDestroyed() {
				logging.Warnw("voice socket read failed; datagram pump exiting", "err", err)
			}
			return
		}
		if n == 0 {
			continue
		}
		pkt := make([]byte, n)
		copy(pkt, buf[:n])
		r.HandleDatagram(pkt)
	}
}

func (r *Receiver) isDestroyed() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.destroyed
}

// HandleDatagram runs one datagram through the full pipeline. The pump
// calls this for every read; tests call it directly.
func (r *Receiver) HandleDatagram(pkt []byte) {
	if r.isDestroyed() {
		r.cfg.Metrics.PacketsDropped.WithLabelValues(metrics.DropDestroyed).Inc()
		return
	}
	r.cfg.Metrics.PacketsReceived.Inc()
	r.touchLiveness()

	hdr, err := rtp.ParseHeader(pkt)
	if err != nil {
		r.cfg.Metrics.PacketsDropped.WithLabelValues(metrics.DropShort).Inc()
		return
	}
	if rtp.IsRTCP(pkt) {
		r.cfg.Metrics.PacketsDropped.WithLabelValues(metrics.DropRTCP).Inc()
		return
	}
	userID, ok := r.cfg.Session.UserFor(hdr.SSRC)
	if !ok {
		if hdr.Speaking() {
			// 0x90 means someone is actively transmitting, so a missing
			// mapping points at a stale speaking table.
			logging.Debugw("active voice packet for unmapped ssrc", "rtp.ssrc", hdr.SSRC, "seq", hdr.Sequence)
		}
		r.cfg.Metrics.PacketsDropped.WithLabelValues(metrics.DropUnknownSSRC).Inc()
		return
	}

	// Any resolvable packet counts as speech for the silence window,
	// whether or not it decrypts.
	r.markSpeaking(hdr.SSRC, userID)

	mode, key := r.cfg.Session.Secret()
	plain, err := crypt.Open(mode, key, pkt)
	if err != nil {
		r.cfg.Metrics.DecryptFailures.Inc()
		logging.Warnw("voice packet failed decryption", "rtp.ssrc", hdr.SSRC, "mode", mode, "err", err)
		r.cfg.Emitter.Emit(events.WarnEvent{Kind: events.WarnDecrypt, SSRC: hdr.SSRC, Err: err})
		return
	}
	frame := rtp.StripHeaderExtension(plain)
	if len(frame) == 0 {
		return
	}
	r.deliver(hdr.SSRC, userID, frame)
}

func (r *Receiver) touchLiveness() {
	window := r.cfg.StaleAfter
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.destroyed {
		return
	}
	if r.alive != nil {
		r.alive.Reset(window)
		return
	}
	r.alive = startTimer(window, r.staleTimeout)
}

func (r *Receiver) staleTimeout() {
	r.mu.Lock()
	if r.destroyed || r.alive == nil {
		r.mu.Unlock()
		return
	}
	r.mu.Unlock()
	r.cfg.Metrics.StaleSignals.Inc()
	r.cfg.Metrics.ReconnectsSignaled.Inc()
	logging.Warnw("no voice packets within the liveness window; connection presumed dead",
		"window", r.cfg.StaleAfter)
	r.cfg.Emitter.Emit(events.ReconnectEvent{Cause: ErrStale})
}

func (r *Receiver) markSpeaking(ssrc uint32, userID string) {
	window := r.cfg.SilenceWindow
	r.mu.Lock()
	if st, ok := r.speaking[ssrc]; ok {
		st.timer.Reset(window)
		r.mu.Unlock()
		return
	}
	st := &speakTimer{userID: userID}
	st.timer = startTimer(window, func() { r.speakingTimeout(ssrc, st) })
	r.speaking[ssrc] = st
	r.mu.Unlock()

	r.cfg.Metrics.ActiveSpeakers.Inc()
	logging.Debugw("speaking started", logging.SpeakerFields(ssrc, userID)...)
	r.notifySpeaking(ssrc, userID, true)
}

func (r *Receiver) speakingTimeout(ssrc uint32, st *speakTimer) {
	r.mu.Lock()
	cur, ok := r.speaking[ssrc]
	if !ok || cur != st {
		r.mu.Unlock()
		return
	}
	delete(r.speaking, ssrc)
	os := r.opus[st.userID]
	delete(r.opus, st.userID)
	ps := r.pcm[st.userID]
	delete(r.pcm, st.userID)
	dec := r.decoders[st.userID]
	delete(r.decoders, st.userID)
	r.mu.Unlock()

	r.cfg.Metrics.ActiveSpeakers.Dec()
	logging.Debugw("speaking stopped", logging.SpeakerFields(ssrc, st.userID)...)
	r.notifySpeaking(ssrc, st.userID, false)

	// A stream covers one transmission; the next one needs a fresh open.
	if os != nil {
		os.end()
		r.cfg.Metrics.OpenStreams.WithLabelValues("opus").Dec()
	}
	if ps != nil {
		ps.end()
		r.cfg.Metrics.OpenStreams.WithLabelValues("pcm").Dec()
	}
	if dec != nil {
		dec.Destroy()
	}
}

func (r *Receiver) notifySpeaking(ssrc uint32, userID string, speaking bool) {
	if r.cfg.Speaking == nil {
		return
	}
	if err := r.cfg.Speaking(ssrc, userID, speaking); err != nil {
		logging.Warnw("speaking notification failed",
			"rtp.ssrc", ssrc, "user.id", userID, "speaking", speaking, "err", err)
	}
}

func (r *Receiver) deliver(ssrc uint32, userID string, frame []byte) {
	r.mu.Lock()
	os := r.opus[userID]
	ps := r.pcm[userID]
	r.mu.Unlock()

	if os != nil && !os.push(frame) {
		r.cfg.Metrics.StreamDrops.Inc()
	}
	r.cfg.Metrics.OpusFrames.Inc()
	r.cfg.Emitter.Emit(events.OpusFrameEvent{SSRC: ssrc, UserID: userID, Frame: frame})

	// Decoding costs real CPU; skip it unless someone is listening.
	if ps == nil && r.cfg.Emitter.ListenerCount(events.TypePCM) == 0 {
		return
	}
	dec, err := r.decoderFor(userID)
	if err != nil {
		if errors.Is(err, errDestroyed) {
			return
		}
		r.warnDecode(ssrc, err)
		return
	}
	pcm, err := dec.Decode(frame)
	if err != nil {
		r.warnDecode(ssrc, err)
		return
	}
	if ps != nil && !ps.push(pcm) {
		r.cfg.Metrics.StreamDrops.Inc()
	}
	r.cfg.Metrics.PCMFrames.Inc()
	r.cfg.Emitter.Emit(events.PCMEvent{SSRC: ssrc, UserID: userID, PCM: pcm})
}

func (r *Receiver) warnDecode(ssrc uint32, err error) {
	r.cfg.Metrics.DecodeFailures.Inc()
	logging.Errorw("opus decode error", "rtp.ssrc", ssrc, "err", err)
	r.cfg.Emitter.Emit(events.WarnEvent{Kind: events.WarnDecode, SSRC: ssrc, Err: err})
}

// decoderFor returns the user's decoder, borrowing one from the engine on
// first use. Decoders are released when the speaker's silence window fires
// or the user goes away.
func (r *Receiver) decoderFor(userID string) (codec.Decoder, error) {
	r.mu.Lock()
	if d, ok := r.decoders[userID]; ok {
		r.mu.Unlock()
		return d, nil
	}
	r.mu.Unlock()

	d, err := r.cfg.Engine.Fetch()
	if err != nil {
		return nil, err
	}

	r.mu.Lock()
	if cur, ok := r.decoders[userID]; ok {
		r.mu.Unlock()
		d.Destroy()
		return cur, nil
	}
	if r.destroyed {
		r.mu.Unlock()
		d.Destroy()
		return nil, errDestroyed
	}
	r.decoders[userID] = d
	r.mu.Unlock()
	return d, nil
}

// OpenOpusStream opens the single undecoded stream for userID. The user
// must already have an announced SSRC; a second open for the same user
// fails without touching the first stream. The stream ends when the
// speaker's silence window fires, the user leaves, or the receiver is
// destroyed.
func (r *Receiver) OpenOpusStream(userID string) (*OpusStream, error) {
	if _, ok := r.cfg.Session.SSRCFor(userID); !ok {
		return nil, fmt.Errorf("open opus stream for user %s: %w", userID, ErrUnknownUser)
	}
	r.mu.Lock()
	if _, ok := r.opus[userID]; ok {
		r.mu.Unlock()
		return nil, fmt.Errorf("open opus stream for user %s: %w", userID, ErrStreamOpen)
	}
	s := newOpusStream(userID, r.cfg.StreamBuffer)
	r.opus[userID] = s
	r.mu.Unlock()

	r.cfg.Metrics.OpenStreams.WithLabelValues("opus").Inc()
	logging.Debugw("opus stream opened", "user.id", userID, "stream_id", s.ID)
	return s, nil
}

// OpenPCMStream opens the single decoded stream for userID. Its existence
// turns decoding on for that user regardless of event listeners. It shares
// OpenOpusStream's lifecycle: one transmission, ended on the silence
// window.
func (r *Receiver) OpenPCMStream(userID string) (*PCMStream, error) {
	if _, ok := r.cfg.Session.SSRCFor(userID); !ok {
		return nil, fmt.Errorf("open pcm stream for user %s: %w", userID, ErrUnknownUser)
	}
	r.mu.Lock()
	if _, ok := r.pcm[userID]; ok {
		r.mu.Unlock()
		return nil, fmt.Errorf("open pcm stream for user %s: %w", userID, ErrStreamOpen)
	}
	s := newPCMStream(userID, r.cfg.StreamBuffer)
	r.pcm[userID] = s
	r.mu.Unlock()

	r.cfg.Metrics.OpenStreams.WithLabelValues("pcm").Inc()
	logging.Debugw("pcm stream opened", "user.id", userID, "stream_id", s.ID)
	return s, nil
}

// dropUser clears all per-user state after a client disconnect.
func (r *Receiver) dropUser(userID string) {
	r.mu.Lock()
	var stopped []*speakTimer
	for ssrc, st := range r.speaking {
		if st.userID == userID {
			delete(r.speaking, ssrc)
			stopped = append(stopped, st)
		}
	}
	os := r.opus[userID]
	delete(r.opus, userID)
	ps := r.pcm[userID]
	delete(r.pcm, userID)
	dec := r.decoders[userID]
	delete(r.decoders, userID)
	r.mu.Unlock()

	for _, st := range stopped {
		st.timer.Stop()
	}
	if len(stopped) > 0 {
		r.cfg.Metrics.ActiveSpeakers.Sub(float64(len(stopped)))
	}
	if os != nil {
		os.end()
		r.cfg.Metrics.OpenStreams.WithLabelValues("opus").Dec()
	}
	if ps != nil {
		ps.end()
		r.cfg.Metrics.OpenStreams.WithLabelValues("pcm").Dec()
	}
	if dec != nil {
		dec.Destroy()
	}
	if os != nil || ps != nil || dec != nil || len(stopped) > 0 {
		logging.Debugw("cleaned up departed user", "user.id", userID)
	}
}

// Destroy stops the pump, cancels every timer, ends every stream and
// returns all decoders. It is idempotent; the socket itself stays open for
// the host.
func (r *Receiver) Destroy() error {
	r.mu.Lock()
	if r.destroyed {
		r.mu.Unlock()
		return nil
	}
	r.destroyed = true
	p := r.pump
	r.pump = nil
	alive := r.alive
	r.alive = nil
	speaking := r.speaking
	r.speaking = make(map[uint32]*speakTimer)
	opus := r.opus
	r.opus = make(map[string]*OpusStream)
	pcm := r.pcm
	r.pcm = make(map[string]*PCMStream)
	decoders := r.decoders
	r.decoders = make(map[string]codec.Decoder)
	r.mu.Unlock()

	if alive != nil {
		alive.Stop()
	}
	for _, st := range speaking {
		st.timer.Stop()
	}
	if len(speaking) > 0 {
		r.cfg.Metrics.ActiveSpeakers.Sub(float64(len(speaking)))
	}
	for _, s := range opus {
		s.end()
	}
	for _, s := range pcm {
		s.end()
	}
	if len(opus) > 0 {
		r.cfg.Metrics.OpenStreams.WithLabelValues("opus").Sub(float64(len(opus)))
	}
	if len(pcm) > 0 {
		r.cfg.Metrics.OpenStreams.WithLabelValues("pcm").Sub(float64(len(pcm)))
	}
	for _, d := range decoders {
		d.Destroy()
	}

	var errs error
	if p != nil {
		// Kick the pump off its blocking read; the socket stays open for
		// the host to reuse.
		if err := p.conn.SetReadDeadline(time.Now()); err != nil {
			errs = multierr.Append(errs, fmt.Errorf("kick datagram pump: %w", err))
		}
		<-p.done
	}
	logging.Infow("voice receiver destroyed",
		"speakers", len(speaking), "opus_streams", len(opus), "pcm_streams", len(pcm))
	return errs
}
