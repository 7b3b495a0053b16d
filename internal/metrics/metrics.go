// Package metrics contains the Prometheus instrumentation for the voice
// engine. Everything hangs off one Metrics struct so components receive it
// by pointer instead of touching package globals.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics contains all Prometheus metrics for the voice engine.
type Metrics struct {
	// Packet pipeline metrics
	PacketsReceived prometheus.Counter
	PacketsDropped  *prometheus.CounterVec
	DecryptFailures prometheus.Counter
	DecodeFailures  prometheus.Counter
	OpusFrames      prometheus.Counter
	PCMFrames       prometheus.Counter

	// Speaker and stream metrics
	ActiveSpeakers prometheus.Gauge
	OpenStreams    *prometheus.GaugeVec
	StreamDrops    prometheus.Counter
	StaleSignals   prometheus.Counter

	// Control channel metrics
	GatewayMessages    *prometheus.CounterVec
	GatewayParseErrors prometheus.Counter
	HeartbeatsSent     prometheus.Counter
	ConnectAttempts    prometheus.Counter
	ReconnectsSignaled prometheus.Counter
}

// Drop reasons used with PacketsDropped.
const (
	DropShort       = "short"
	DropRTCP        = "rtcp"
	DropUnknownSSRC = "unknown_ssrc"
	DropDestroyed   = "destroyed"
)

// New creates and registers all metrics on the default registry. Call once
// per process.
func New() *Metrics {
	return NewWith(prometheus.DefaultRegisterer)
}

// NewUnregistered returns metrics not attached to any registry. Components
// constructed without explicit instrumentation get these so they never have
// to nil-check.
func NewUnregistered() *Metrics {
	return NewWith(prometheus.NewRegistry())
}

// NewWith registers the metrics on reg. Tests pass a fresh registry so
// instances never collide.
func NewWith(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		PacketsReceived: f.NewCounter(prometheus.CounterOpts{
			Name: "voicewire_packets_received_total",
			Help: "Total number of UDP datagrams handed to the receiver",
		}),
		PacketsDropped: f.NewCounterVec(prometheus.CounterOpts{
			Name: "voicewire_packets_dropped_total",
			Help: "Datagrams discarded before decryption, by reason",
		}, []string{"reason"}),
		DecryptFailures: f.NewCounter(prometheus.CounterOpts{
			Name: "voicewire_decrypt_failures_total",
			Help: "Packets that failed authentication or decryption",
		}),
		DecodeFailures: f.NewCounter(prometheus.CounterOpts{
			Name: "voicewire_decode_failures_total",
			Help: "Opus frames that failed to decode",
		}),
		OpusFrames: f.NewCounter(prometheus.CounterOpts{
			Name: "voicewire_opus_frames_total",
			Help: "Opus frames delivered to streams and listeners",
		}),
		PCMFrames: f.NewCounter(prometheus.CounterOpts{
			Name: "voicewire_pcm_frames_total",
			Help: "Decoded PCM frames delivered to streams and listeners",
		}),
		ActiveSpeakers: f.NewGauge(prometheus.GaugeOpts{
			Name: "voicewire_active_speakers",
			Help: "Speakers currently inside the silence window",
		}),
		OpenStreams: f.NewGaugeVec(prometheus.GaugeOpts{
			Name: "voicewire_open_streams",
			Help: "Open per-user audio streams, by kind",
		}, []string{"kind"}),
		StreamDrops: f.NewCounter(prometheus.CounterOpts{
			Name: "voicewire_stream_drops_total",
			Help: "Frames dropped because a stream buffer was full",
		}),
		StaleSignals: f.NewCounter(prometheus.CounterOpts{
			Name: "voicewire_stale_signals_total",
			Help: "Liveness window expiries on the packet plane",
		}),
		GatewayMessages: f.NewCounterVec(prometheus.CounterOpts{
			Name: "voicewire_gateway_messages_total",
			Help: "Voice gateway messages received, by opcode",
		}, []string{"op"}),
		GatewayParseErrors: f.NewCounter(prometheus.CounterOpts{
			Name: "voicewire_gateway_parse_errors_total",
			Help: "Voice gateway messages discarded as malformed",
		}),
		HeartbeatsSent: f.NewCounter(prometheus.CounterOpts{
			Name: "voicewire_heartbeats_sent_total",
			Help: "Heartbeats written to the voice gateway",
		}),
		ConnectAttempts: f.NewCounter(prometheus.CounterOpts{
			Name: "voicewire_connect_attempts_total",
			Help: "Voice gateway connection attempts",
		}),
		ReconnectsSignaled: f.NewCounter(prometheus.CounterOpts{
			Name: "voicewire_reconnects_signaled_total",
			Help: "Reconnect-required signals surfaced to the host",
		}),
	}
}
