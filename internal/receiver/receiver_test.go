package receiver

import (
	"errors"
	"net"
	"sync"
	"testing"
	"time"

	pionrtp "github.com/pion/rtp"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"

	"github.com/discord-voice-lab/voicewire/internal/codec"
	"github.com/discord-voice-lab/voicewire/internal/crypt"
	"github.com/discord-voice-lab/voicewire/internal/events"
	"github.com/discord-voice-lab/voicewire/internal/metrics"
	"github.com/discord-voice-lab/voicewire/internal/session"
)

const testSSRC = 4242

type fakeDecoder struct {
	mu        sync.Mutex
	fail      bool
	calls     int
	destroyed bool
}

func (f *fakeDecoder) Decode(frame []byte) ([]int16, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.fail {
		return nil, errors.New("synthetic decode failure")
	}
	return make([]int16, codec.FrameSamples*codec.Channels), nil
}

func (f *fakeDecoder) Destroy() {
	f.mu.Lock()
	f.destroyed = true
	f.mu.Unlock()
}

func (f *fakeDecoder) isDestroyed() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.destroyed
}

type fakeEngine struct {
	mu         sync.Mutex
	fetches    int
	failDecode bool
	decs       []*fakeDecoder
}

func (e *fakeEngine) Fetch() (codec.Decoder, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.fetches++
	d := &fakeDecoder{fail: e.failDecode}
	e.decs = append(e.decs, d)
	return d, nil
}

func (e *fakeEngine) Close() {}

func (e *fakeEngine) fetchCount() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.fetches
}

type speakNote struct {
	ssrc     uint32
	userID   string
	speaking bool
}

type fixture struct {
	state  *session.State
	em     *events.Emitter
	eng    *fakeEngine
	met    *metrics.Metrics
	recv   *Receiver
	sealer *crypt.Sealer
	key    [session.KeyLen]byte
	spoke  chan speakNote
}

func newFixture(t *testing.T, mode string) *fixture {
	t.Helper()
	st := session.NewState()
	var key [session.KeyLen]byte
	for i := range key {
		key[i] = byte(i + 1)
	}
	st.SetSecret(mode, key)
	st.MapSSRC(testSSRC, "user-1")

	em := events.NewEmitter()
	eng := &fakeEngine{}
	met := metrics.NewWith(prometheus.NewRegistry())
	spoke := make(chan speakNote, 32)

	r, err := New(Config{
		Session: st,
		Engine:  eng,
		Emitter: em,
		Metrics: met,
		Speaking: func(ssrc uint32, userID string, speaking bool) error {
			spoke <- speakNote{ssrc: ssrc, userID: userID, speaking: speaking}
			return nil
		},
		SilenceWindow: 40 * time.Millisecond,
		StaleAfter:    150 * time.Millisecond,
		StreamBuffer:  4,
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = r.Destroy() })

	return &fixture{state: st, em: em, eng: eng, met: met, recv: r,
		sealer: crypt.NewSealer(mode, key), key: key, spoke: spoke}
}

// packet builds a sealed voice datagram for ssrc carrying payload.
func (f *fixture) packet(t *testing.T, ssrc uint32, seq uint16, payload []byte) []byte {
	t.Helper()
	h := &pionrtp.Header{Version: 2, PayloadType: 0x78, SequenceNumber: seq, Timestamp: uint32(seq) * 960, SSRC: ssrc}
	hdr, err := h.Marshal()
	require.NoError(t, err)
	hdr[0] |= 0x10 // extension bit, as on packets of an active transmission
	pkt, err := f.sealer.Seal(hdr, payload)
	require.NoError(t, err)
	return pkt
}

// extended wraps frame in a one-byte header extension block the way the
// server does, so the strip step has something to remove.
func extended(frame []byte) []byte {
	out := []byte{0xBE, 0xDE, 0x00, 0x01, 0x10, 0xAA, 0x00}
	return append(out, frame...)
}

func collect(em *events.Emitter, t events.Type) chan events.Event {
	ch := make(chan events.Event, 64)
	em.On(t, func(ev events.Event) { ch <- ev })
	return ch
}

func waitEvent(t *testing.T, ch chan events.Event, d time.Duration) events.Event {
	t.Helper()
	select {
	case ev := <-ch:
		return ev
	case <-time.After(d):
		t.Fatalf("timed out waiting for event")
		return nil
	}
}

func waitNote(t *testing.T, ch chan speakNote, d time.Duration) speakNote {
	t.Helper()
	select {
	case n := <-ch:
		return n
	case <-time.After(d):
		t.Fatalf("timed out waiting for speaking notification")
		return speakNote{}
	}
}

func requireNoNote(t *testing.T, ch chan speakNote, d time.Duration) {
	t.Helper()
	select {
	case n := <-ch:
		t.Fatalf("unexpected speaking notification: %+v", n)
	case <-time.After(d):
	}
}

// TestSpeakingStartStopOnce verifies the silence window produces exactly
// one start for a burst of packets, one stop after the gap, and a fresh
// start when traffic resumes.
func TestSpeakingStartStopOnce(t *testing.T) {
	f := newFixture(t, session.ModeLite)

	for seq := uint16(0); seq < 3; seq++ {
		f.recv.HandleDatagram(f.packet(t, testSSRC, seq, []byte("frame")))
		time.Sleep(10 * time.Millisecond)
	}

	n := waitNote(t, f.spoke, time.Second)
	require.Equal(t, speakNote{ssrc: testSSRC, userID: "user-1", speaking: true}, n)

	n = waitNote(t, f.spoke, time.Second)
	require.Equal(t, speakNote{ssrc: testSSRC, userID: "user-1", speaking: false}, n)
	requireNoNote(t, f.spoke, 60*time.Millisecond)
	require.Equal(t, float64(0), testutil.ToFloat64(f.met.ActiveSpeakers))

	// Traffic resumes: a fresh transmission starts.
	f.recv.HandleDatagram(f.packet(t, testSSRC, 9, []byte("frame")))
	n = waitNote(t, f.spoke, time.Second)
	require.True(t, n.speaking)
}

// TestOpusFrameDelivery verifies decrypted, extension-stripped frames reach
// both the event listeners and the user's opus stream.
func TestOpusFrameDelivery(t *testing.T) {
	f := newFixture(t, session.ModeLite)
	frames := collect(f.em, events.TypeOpusFrame)

	s, err := f.recv.OpenOpusStream("user-1")
	require.NoError(t, err)

	want := []byte{0x01, 0x02, 0x03, 0x04}
	f.recv.HandleDatagram(f.packet(t, testSSRC, 1, extended(want)))

	ev := waitEvent(t, frames, time.Second).(events.OpusFrameEvent)
	require.Equal(t, want, ev.Frame)
	require.Equal(t, "user-1", ev.UserID)
	require.Equal(t, uint32(testSSRC), ev.SSRC)

	select {
	case got := <-s.C():
		require.Equal(t, want, got)
	case <-time.After(time.Second):
		t.Fatal("opus stream never received the frame")
	}

	// Nobody asked for PCM, so no decoder was ever fetched.
	require.Equal(t, 0, f.eng.fetchCount())
}

// TestDecodeGating verifies decoding starts only once a PCM consumer
// exists, via stream or event subscription.
func TestDecodeGating(t *testing.T) {
	f := newFixture(t, session.ModeLite)

	f.recv.HandleDatagram(f.packet(t, testSSRC, 1, []byte("frame")))
	require.Equal(t, 0, f.eng.fetchCount())

	s, err := f.recv.OpenPCMStream("user-1")
	require.NoError(t, err)
	f.recv.HandleDatagram(f.packet(t, testSSRC, 2, []byte("frame")))
	require.Equal(t, 1, f.eng.fetchCount())

	select {
	case pcm := <-s.C():
		require.Len(t, pcm, codec.FrameSamples*codec.Channels)
	case <-time.After(time.Second):
		t.Fatal("pcm stream never received samples")
	}

	// The decoder is reused for subsequent frames of the transmission.
	f.recv.HandleDatagram(f.packet(t, testSSRC, 3, []byte("frame")))
	require.Equal(t, 1, f.eng.fetchCount())
	require.Equal(t, float64(2), testutil.ToFloat64(f.met.PCMFrames))
}

// TestDecodeGatingByListener verifies an event subscription alone opens the
// decode gate.
func TestDecodeGatingByListener(t *testing.T) {
	f := newFixture(t, session.ModeLite)
	pcms := collect(f.em, events.TypePCM)

	f.recv.HandleDatagram(f.packet(t, testSSRC, 1, []byte("frame")))
	require.Equal(t, 1, f.eng.fetchCount())
	ev := waitEvent(t, pcms, time.Second).(events.PCMEvent)
	require.Equal(t, "user-1", ev.UserID)
}

// TestDecoderReleasedOnSilence verifies the speaker's decoder goes back to
// the engine when their silence window fires, and a new transmission
// borrows a fresh one.
func TestDecoderReleasedOnSilence(t *testing.T) {
	f := newFixture(t, session.ModeLite)
	collect(f.em, events.TypePCM)

	f.recv.HandleDatagram(f.packet(t, testSSRC, 1, []byte("frame")))
	require.Equal(t, 1, f.eng.fetchCount())

	waitNote(t, f.spoke, time.Second) // start
	waitNote(t, f.spoke, time.Second) // stop after the window
	require.Eventually(t, func() bool { return f.eng.decs[0].isDestroyed() },
		time.Second, 10*time.Millisecond, "decoder should be released on stop")

	f.recv.HandleDatagram(f.packet(t, testSSRC, 2, []byte("frame")))
	require.Equal(t, 2, f.eng.fetchCount())
}

// TestDecryptFailureIsTransient verifies a tampered packet surfaces as a
// decrypt warning, still counts as speech, and does not stop the pipeline.
func TestDecryptFailureIsTransient(t *testing.T) {
	f := newFixture(t, session.ModeLite)
	warns := collect(f.em, events.TypeWarn)
	frames := collect(f.em, events.TypeOpusFrame)

	bad := f.packet(t, testSSRC, 1, []byte("frame"))
	bad[13] ^= 0xFF
	f.recv.HandleDatagram(bad)

	ev := waitEvent(t, warns, time.Second).(events.WarnEvent)
	require.Equal(t, events.WarnDecrypt, ev.Kind)
	require.Equal(t, uint32(testSSRC), ev.SSRC)
	require.ErrorIs(t, ev.Err, crypt.ErrAuth)
	require.Equal(t, float64(1), testutil.ToFloat64(f.met.DecryptFailures))

	// The packet still counted for the silence window.
	n := waitNote(t, f.spoke, time.Second)
	require.True(t, n.speaking)

	// The next healthy packet flows normally.
	f.recv.HandleDatagram(f.packet(t, testSSRC, 2, []byte("frame")))
	require.Equal(t, []byte("frame"), waitEvent(t, frames, time.Second).(events.OpusFrameEvent).Frame)
}

// TestSessionDescriptionFixesDecrypt replays the renegotiation scenario:
// packets sealed under a new key fail until the session description lands,
// then decrypt cleanly.
func TestSessionDescriptionFixesDecrypt(t *testing.T) {
	f := newFixture(t, session.ModeLite)
	warns := collect(f.em, events.TypeWarn)
	frames := collect(f.em, events.TypeOpusFrame)

	var newKey [session.KeyLen]byte
	for i := range newKey {
		newKey[i] = byte(0xF0 - i)
	}
	rekeyed := crypt.NewSealer(session.ModeLite, newKey)

	h := &pionrtp.Header{Version: 2, PayloadType: 0x78, SequenceNumber: 5, Timestamp: 4800, SSRC: testSSRC}
	hdr, err := h.Marshal()
	require.NoError(t, err)
	pkt, err := rekeyed.Seal(hdr, []byte("frame"))
	require.NoError(t, err)

	f.recv.HandleDatagram(pkt)
	require.Equal(t, events.WarnDecrypt, waitEvent(t, warns, time.Second).(events.WarnEvent).Kind)

	// The session description arrives and installs the new key.
	f.state.SetSecret(session.ModeLite, newKey)
	pkt2, err := rekeyed.Seal(hdr, []byte("frame"))
	require.NoError(t, err)
	f.recv.HandleDatagram(pkt2)
	require.Equal(t, []byte("frame"), waitEvent(t, frames, time.Second).(events.OpusFrameEvent).Frame)
}

// TestUnknownSSRCDropped verifies packets with no user mapping are counted
// and dropped before any speaking bookkeeping.
func TestUnknownSSRCDropped(t *testing.T) {
	f := newFixture(t, session.ModeLite)
	f.recv.HandleDatagram(f.packet(t, 999, 1, []byte("frame")))

	require.Equal(t, float64(1),
		testutil.ToFloat64(f.met.PacketsDropped.WithLabelValues(metrics.DropUnknownSSRC)))
	requireNoNote(t, f.spoke, 50*time.Millisecond)
	require.Equal(t, float64(0), testutil.ToFloat64(f.met.ActiveSpeakers))
}

// TestRTCPDropped verifies report packets muxed onto the voice port are
// discarded without touching speaking state.
func TestRTCPDropped(t *testing.T) {
	f := newFixture(t, session.ModeLite)
	pkt := f.packet(t, testSSRC, 1, []byte("frame"))
	pkt[1] = 200
	f.recv.HandleDatagram(pkt)

	require.Equal(t, float64(1),
		testutil.ToFloat64(f.met.PacketsDropped.WithLabelValues(metrics.DropRTCP)))
	requireNoNote(t, f.spoke, 50*time.Millisecond)
}

// TestOpenStreamErrors verifies the caller misuse cases: unknown user and
// double open, with the first stream left untouched.
func TestOpenStreamErrors(t *testing.T) {
	f := newFixture(t, session.ModeLite)

	_, err := f.recv.OpenOpusStream("stranger")
	require.ErrorIs(t, err, ErrUnknownUser)
	_, err = f.recv.OpenPCMStream("stranger")
	require.ErrorIs(t, err, ErrUnknownUser)

	s, err := f.recv.OpenOpusStream("user-1")
	require.NoError(t, err)
	_, err = f.recv.OpenOpusStream("user-1")
	require.ErrorIs(t, err, ErrStreamOpen)
	require.False(t, s.Ended())

	p, err := f.recv.OpenPCMStream("user-1")
	require.NoError(t, err)
	_, err = f.recv.OpenPCMStream("user-1")
	require.ErrorIs(t, err, ErrStreamOpen)
	require.False(t, p.Ended())
}

// TestStreamBackpressureDrops verifies a full stream buffer drops frames
// instead of blocking the pipeline.
func TestStreamBackpressureDrops(t *testing.T) {
	f := newFixture(t, session.ModeLite)
	s, err := f.recv.OpenOpusStream("user-1")
	require.NoError(t, err)

	for seq := uint16(0); seq < 6; seq++ {
		f.recv.HandleDatagram(f.packet(t, testSSRC, seq, []byte{byte(seq)}))
	}
	require.Equal(t, float64(2), testutil.ToFloat64(f.met.StreamDrops))

	got := 0
drain:
	for {
		select {
		case _, ok := <-s.C():
			if !ok {
				break drain
			}
			got++
		default:
			break drain
		}
	}
	require.Equal(t, 4, got, "buffer holds exactly its capacity")
}

// TestStreamsEndOnSpeakingStop verifies the silence window tears down the
// speaker's streams: both end, and a fresh open succeeds for the next
// transmission.
func TestStreamsEndOnSpeakingStop(t *testing.T) {
	f := newFixture(t, session.ModeLite)
	collect(f.em, events.TypePCM)

	os, err := f.recv.OpenOpusStream("user-1")
	require.NoError(t, err)
	ps, err := f.recv.OpenPCMStream("user-1")
	require.NoError(t, err)

	f.recv.HandleDatagram(f.packet(t, testSSRC, 1, []byte("frame")))
	waitNote(t, f.spoke, time.Second) // start
	waitNote(t, f.spoke, time.Second) // stop

	require.Eventually(t, func() bool { return os.Ended() && ps.Ended() },
		time.Second, 10*time.Millisecond, "streams should end with the transmission")

	// The buffered frame is still readable after the end.
	frame, ok := <-os.C()
	require.True(t, ok)
	require.Equal(t, []byte("frame"), frame)
	_, ok = <-os.C()
	require.False(t, ok)

	// The slot is free again for the next transmission.
	os2, err := f.recv.OpenOpusStream("user-1")
	require.NoError(t, err)
	require.False(t, os2.Ended())
}

// TestLivenessSignal verifies the liveness window fires once per silence,
// re-arms on traffic, and is quiet after destroy.
func TestLivenessSignal(t *testing.T) {
	f := newFixture(t, session.ModeLite)
	recon := collect(f.em, events.TypeReconnect)

	f.recv.HandleDatagram(f.packet(t, testSSRC, 1, []byte("frame")))
	ev := waitEvent(t, recon, 2*time.Second).(events.ReconnectEvent)
	require.ErrorIs(t, ev.Cause, ErrStale)
	require.Equal(t, float64(1), testutil.ToFloat64(f.met.StaleSignals))

	// Traffic re-arms the window and it fires again after the next gap.
	f.recv.HandleDatagram(f.packet(t, testSSRC, 2, []byte("frame")))
	waitEvent(t, recon, 2*time.Second)

	require.NoError(t, f.recv.Destroy())
	select {
	case ev := <-recon:
		t.Fatalf("liveness fired after destroy: %+v", ev)
	case <-time.After(300 * time.Millisecond):
	}
}

// TestDecodeFailureWarn verifies decoder errors surface as decode warnings
// and the frame is simply dropped.
func TestDecodeFailureWarn(t *testing.T) {
	f := newFixture(t, session.ModeLite)
	f.eng.failDecode = true
	warns := collect(f.em, events.TypeWarn)
	collect(f.em, events.TypePCM)

	f.recv.HandleDatagram(f.packet(t, testSSRC, 1, []byte("frame")))
	ev := waitEvent(t, warns, time.Second).(events.WarnEvent)
	require.Equal(t, events.WarnDecode, ev.Kind)
	require.Equal(t, float64(1), testutil.ToFloat64(f.met.DecodeFailures))
}

// TestClientDisconnectCleansUp verifies the receiver reacts to the
// gateway's client disconnect by ending streams and dropping state.
func TestClientDisconnectCleansUp(t *testing.T) {
	f := newFixture(t, session.ModeLite)
	s, err := f.recv.OpenOpusStream("user-1")
	require.NoError(t, err)
	f.recv.HandleDatagram(f.packet(t, testSSRC, 1, []byte("frame")))
	waitNote(t, f.spoke, time.Second)

	f.em.Emit(events.ClientDisconnectEvent{UserID: "user-1"})
	require.True(t, s.Ended())
	require.Equal(t, float64(0), testutil.ToFloat64(f.met.ActiveSpeakers))
}

// TestAttachPumpAndDestroy runs the real pump over loopback UDP: packets
// written to the socket come out as events, destroy parks the pump without
// closing the socket, and the receiver can be attached again.
func TestAttachPumpAndDestroy(t *testing.T) {
	f := newFixture(t, session.ModeLite)
	frames := collect(f.em, events.TypeOpusFrame)

	serverConn, err := net.ListenPacket("udp4", "127.0.0.1:0")
	require.NoError(t, err)
	defer serverConn.Close()
	client, err := net.Dial("udp4", serverConn.LocalAddr().String())
	require.NoError(t, err)
	defer client.Close()

	require.NoError(t, f.recv.Attach(serverConn))
	require.ErrorIs(t, f.recv.Attach(serverConn), ErrAttached)

	_, err = client.Write(f.packet(t, testSSRC, 1, []byte("over the wire")))
	require.NoError(t, err)
	ev := waitEvent(t, frames, 2*time.Second).(events.OpusFrameEvent)
	require.Equal(t, []byte("over the wire"), ev.Frame)

	s, err := f.recv.OpenOpusStream("user-1")
	require.NoError(t, err)

	require.NoError(t, f.recv.Destroy())
	require.NoError(t, f.recv.Destroy(), "destroy must be idempotent")
	require.True(t, s.Ended())

	// Same socket, fresh attachment.
	require.NoError(t, f.recv.Attach(serverConn))
	_, err = client.Write(f.packet(t, testSSRC, 2, []byte("after reattach")))
	require.NoError(t, err)
	ev = waitEvent(t, frames, 2*time.Second).(events.OpusFrameEvent)
	require.Equal(t, []byte("after reattach"), ev.Frame)
}

// TestHandleDatagramAfterDestroy verifies direct calls on a destroyed
// receiver are counted and otherwise ignored.
func TestHandleDatagramAfterDestroy(t *testing.T) {
	f := newFixture(t, session.ModeLite)
	require.NoError(t, f.recv.Destroy())
	f.recv.HandleDatagram(f.packet(t, testSSRC, 1, []byte("frame")))
	require.Equal(t, float64(1),
		testutil.ToFloat64(f.met.PacketsDropped.WithLabelValues(metrics.DropDestroyed)))
	requireNoNote(t, f.spoke, 50*time.Millisecond)
}

// TestAllModesEndToEnd runs one packet through the pipeline under each
// negotiated encryption mode.
func TestAllModesEndToEnd(t *testing.T) {
	for _, mode := range []string{session.ModeLegacy, session.ModeSuffix, session.ModeLite} {
		t.Run(mode, func(t *testing.T) {
			f := newFixture(t, mode)
			frames := collect(f.em, events.TypeOpusFrame)
			f.recv.HandleDatagram(f.packet(t, testSSRC, 1, extended([]byte("voice"))))
			ev := waitEvent(t, frames, time.Second).(events.OpusFrameEvent)
			require.Equal(t, []byte("voice"), ev.Frame)
		})
	}
}
