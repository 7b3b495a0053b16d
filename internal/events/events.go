// Package events carries the typed notifications the voice engine surfaces
// to its host: decoded audio, speaking transitions, negotiated session
// parameters and connection-level faults. Handlers run synchronously on the
// goroutine that emits, so they must be quick and must not block.
package events

import (
	"fmt"
	"sync"

	"github.com/discord-voice-lab/voicewire/internal/logging"
)

// Type identifies one member of the closed set of events the engine emits.
type Type int

const (
	TypeWarn Type = iota
	TypeOpusFrame
	TypePCM
	TypeSpeaking
	TypeReady
	TypeSessionDesc
	TypeClientDisconnect
	TypeReconnect
	TypeError
	TypeDebug
	TypeUnknownOp
)

func (t Type) String() string {
	switch t {
	case TypeWarn:
		return "warn"
	case TypeOpusFrame:
		return "opus_frame"
	case TypePCM:
		return "pcm"
	case TypeSpeaking:
		return "speaking"
	case TypeReady:
		return "ready"
	case TypeSessionDesc:
		return "session_description"
	case TypeClientDisconnect:
		return "client_disconnect"
	case TypeReconnect:
		return "reconnect"
	case TypeError:
		return "error"
	case TypeDebug:
		return "debug"
	case TypeUnknownOp:
		return "unknown_op"
	default:
		return fmt.Sprintf("type(%d)", int(t))
	}
}

// Event is implemented by every value dispatched through an Emitter.
type Event interface {
	EventType() Type
}

// WarnKind classifies transient per-packet failures. The set is closed: a
// packet either failed authentication/decryption or failed opus decoding.
type WarnKind string

const (
	WarnDecrypt WarnKind = "decrypt"
	WarnDecode  WarnKind = "decode"
)

// WarnEvent reports a dropped packet. The pipeline keeps running.
type WarnEvent struct {
	Kind WarnKind
	SSRC uint32
	Err  error
}

func (WarnEvent) EventType() Type { return TypeWarn }

// OpusFrameEvent carries one encrypted-transport-stripped opus frame.
type OpusFrameEvent struct {
	SSRC   uint32
	UserID string
	Frame  []byte
}

func (OpusFrameEvent) EventType() Type { return TypeOpusFrame }

// PCMEvent carries one decoded frame of 48kHz stereo interleaved samples.
type PCMEvent struct {
	SSRC   uint32
	UserID string
	PCM    []int16
}

func (PCMEvent) EventType() Type { return TypePCM }

// SpeakingEvent reports a speaking transition. The gateway emits it when the
// server announces an SSRC/user association; the receiver's timer-driven
// transitions reach the host through its Speaking callback instead.
type SpeakingEvent struct {
	SSRC     uint32
	UserID   string
	Speaking bool
}

func (SpeakingEvent) EventType() Type { return TypeSpeaking }

// ReadyEvent carries the server's transport parameters from the voice
// gateway ready payload.
type ReadyEvent struct {
	SSRC  uint32
	IP    string
	Port  int
	Modes []string
}

func (ReadyEvent) EventType() Type { return TypeReady }

// SessionDescEvent announces that encryption parameters were (re)negotiated.
// The secret key itself never travels through the emitter.
type SessionDescEvent struct {
	Mode string
}

func (SessionDescEvent) EventType() Type { return TypeSessionDesc }

// ClientDisconnectEvent reports that a user left the voice channel.
type ClientDisconnectEvent struct {
	UserID string
}

func (ClientDisconnectEvent) EventType() Type { return TypeClientDisconnect }

// ReconnectEvent signals that the connection is considered dead and the host
// must decide whether to re-establish it. The engine never reconnects on
// its own.
type ReconnectEvent struct {
	Cause error
}

func (ReconnectEvent) EventType() Type { return TypeReconnect }

// ErrorEvent surfaces a connection-level error.
type ErrorEvent struct {
	Err error
}

func (ErrorEvent) EventType() Type { return TypeError }

// DebugEvent carries advisory diagnostics such as version mismatches.
type DebugEvent struct {
	Message string
}

func (DebugEvent) EventType() Type { return TypeDebug }

// UnknownOpEvent passes through gateway messages with an opcode the engine
// does not interpret, raw payload included.
type UnknownOpEvent struct {
	Op  int
	Raw []byte
}

func (UnknownOpEvent) EventType() Type { return TypeUnknownOp }

// Handler receives events. It runs on the emitting goroutine.
type Handler func(Event)

// Emitter fans events out to subscribed handlers. The zero value is not
// usable; construct with NewEmitter.
type Emitter struct {
	mu       sync.RWMutex
	nextID   int
	handlers map[Type]map[int]Handler
}

func NewEmitter() *Emitter {
	return &Emitter{handlers: make(map[Type]map[int]Handler)}
}

// On subscribes h to events of type t and returns a function that removes
// the subscription. Removing twice is harmless.
func (e *Emitter) On(t Type, h Handler) func() {
	e.mu.Lock()
	id := e.nextID
	e.nextID++
	m := e.handlers[t]
	if m == nil {
		m = make(map[int]Handler)
		e.handlers[t] = m
	}
	m[id] = h
	e.mu.Unlock()

	return func() {
		e.mu.Lock()
		if m, ok := e.handlers[t]; ok {
			delete(m, id)
		}
		e.mu.Unlock()
	}
}

// ListenerCount reports how many handlers are subscribed to t. The receiver
// consults this to skip opus decoding when nobody wants PCM.
func (e *Emitter) ListenerCount(t Type) int {
	e.mu.RLock()
	n := len(e.handlers[t])
	e.mu.RUnlock()
	return n
}

// Emit dispatches ev to every handler subscribed to its type. A panicking
// handler is logged and skipped; it must not take down the audio pipeline.
func (e *Emitter) Emit(ev Event) {
	t := ev.EventType()
	e.mu.RLock()
	hs := make([]Handler, 0, len(e.handlers[t]))
	for _, h := range e.handlers[t] {
		hs = append(hs, h)
	}
	e.mu.RUnlock()

	for _, h := range hs {
		e.dispatch(t, h, ev)
	}
}

func (e *Emitter) dispatch(t Type, h Handler, ev Event) {
	defer func() {
		if r := recover(); r != nil {
			logging.Errorw("event handler panicked", "event", t.String(), "panic", r)
		}
	}()
	h(ev)
}
