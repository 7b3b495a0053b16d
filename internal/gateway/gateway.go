// Package gateway implements the voice control channel: a websocket state
// machine that identifies the session, keeps the server-directed heartbeat,
// absorbs server announcements into shared session state and surfaces
// connection faults to the host. Like the receiver, it never reconnects on
// its own; it reports and lets the host decide.
package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/discord-voice-lab/voicewire/internal/events"
	"github.com/discord-voice-lab/voicewire/internal/logging"
	"github.com/discord-voice-lab/voicewire/internal/metrics"
	"github.com/discord-voice-lab/voicewire/internal/session"
)

// DefaultMaxAttempts caps connection attempts over the gateway's lifetime.
// The counter never resets; a session that needs more than this many dials
// is broken in a way retrying will not fix.
const DefaultMaxAttempts = 5

var (
	ErrNotConnected         = errors.New("gateway: not connected")
	ErrAttemptsExhausted    = errors.New("gateway: connect attempts exhausted")
	ErrClosedByServer       = errors.New("gateway: connection closed")
	ErrBadHeartbeatInterval = errors.New("gateway: unusable heartbeat interval")
)

type Config struct {
	// Endpoint as delivered by the server update, host with an optional
	// :80 suffix that must not be dialed.
	Endpoint  string
	GuildID   string
	UserID    string
	SessionID string
	Token     string

	Session *session.State
	Emitter *events.Emitter
	Metrics *metrics.Metrics

	// Dialers are tried in order on every connect. Defaults to gorilla
	// with coder as fallback.
	Dialers []Dialer

	MaxAttempts int
}

type Gateway struct {
	cfg Config

	mu        sync.Mutex
	conn      Conn
	connName  string
	attempts  int
	dead      bool
	exhausted bool
	hbStop    chan struct{}
	beatNonce int64
	beatAt    time.Time
	latency   time.Duration
}

func New(cfg Config) (*Gateway, error) {
	if cfg.Endpoint == "" || cfg.GuildID == "" || cfg.UserID == "" || cfg.SessionID == "" || cfg.Token == "" {
		return nil, errors.New("gateway: endpoint, guild, user, session and token are all required")
	}
	if cfg.Session == nil || cfg.Emitter == nil {
		return nil, errors.New("gateway: session state and emitter are required")
	}
	if cfg.Metrics == nil {
		cfg.Metrics = metrics.NewUnregistered()
	}
	if len(cfg.Dialers) == 0 {
		cfg.Dialers = DefaultDialers()
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = DefaultMaxAttempts
	}
	return &Gateway{cfg: cfg}, nil
}

// URL returns the websocket url derived from the endpoint. The server
// hands the endpoint down with a :80 suffix that breaks the TLS dial, so
// it is trimmed here.
func (g *Gateway) URL() string {
	host := strings.TrimSuffix(g.cfg.Endpoint, ":80")
	return fmt.Sprintf("wss://%s/?v=%d", host, Version)
}

// Connect establishes the websocket and sends identify. Calling it on a
// live gateway tears the old transport down first, silently. After
// shutdown it is a no-op; past the attempt ceiling it fails permanently,
// surfacing the exhaustion error exactly once.
func (g *Gateway) Connect(ctx context.Context) error {
	g.mu.Lock()
	if g.dead {
		g.mu.Unlock()
		logging.Debugw("voice gateway connect ignored; already shut down")
		return nil
	}
	if g.attempts >= g.cfg.MaxAttempts {
		first := !g.exhausted
		g.exhausted = true
		g.mu.Unlock()
		if first {
			logging.Errorw("voice gateway connect attempts exhausted", "attempts", g.cfg.MaxAttempts)
			g.cfg.Emitter.Emit(events.ErrorEvent{Err: ErrAttemptsExhausted})
		}
		return ErrAttemptsExhausted
	}
	g.attempts++
	attempt := g.attempts
	g.mu.Unlock()

	// Host-initiated replacement; the old transport signals nothing.
	_ = g.closeTransport(nil)

	url := g.URL()
	g.cfg.Metrics.ConnectAttempts.Inc()
	logging.Infow("connecting to voice gateway",
		"url", url, "attempt", attempt, "max_attempts", g.cfg.MaxAttempts)

	conn, name, err := dialFallback(ctx, g.cfg.Dialers, url)
	if err != nil {
		return fmt.Errorf("voice gateway dial (attempt %d): %w", attempt, err)
	}

	g.mu.Lock()
	if g.dead {
		g.mu.Unlock()
		_ = conn.Close()
		return nil
	}
	g.conn = conn
	g.connName = name
	g.mu.Unlock()

	go g.readLoop(conn)
	logging.Infow("voice gateway connected", "transport", name, "attempt", attempt)

	id := identifyPayload{
		ServerID:  g.cfg.GuildID,
		UserID:    g.cfg.UserID,
		SessionID: g.cfg.SessionID,
		Token:     g.cfg.Token,
	}
	if err := g.Send(OpIdentify, id); err != nil {
		err = fmt.Errorf("send identify: %w", err)
		g.cfg.Emitter.Emit(events.ErrorEvent{Err: err})
		return err
	}
	return nil
}

func (g *Gateway) readLoop(conn Conn) {
	for {
		data, err := conn.ReadMessage()
		if err != nil {
			g.readFailed(conn, err)
			return
		}
		g.handleMessage(data)
	}
}

func (g *Gateway) readFailed(conn Conn, err error) {
	g.mu.Lock()
	if g.conn != conn {
		// Superseded by a newer connect or by shutdown.
		g.mu.Unlock()
		return
	}
	dead := g.dead
	g.mu.Unlock()
	if dead {
		return
	}
	if isConnectionError(err) {
		logging.Warnw("voice gateway connection lost", "err", err)
		_ = g.closeTransport(fmt.Errorf("%w: %v", ErrClosedByServer, err))
		return
	}
	logging.Errorw("voice gateway read error", "err", err)
	g.cfg.Emitter.Emit(events.ErrorEvent{Err: err})
}

// closeTransport drops the current transport and heartbeat. A non-nil
// cause means the transport died underneath us and the host must be told
// a reconnect is required.
func (g *Gateway) closeTransport(cause error) error {
	g.mu.Lock()
	conn := g.conn
	g.conn = nil
	g.connName = ""
	if g.hbStop != nil {
		close(g.hbStop)
		g.hbStop = nil
	}
	dead := g.dead
	g.mu.Unlock()

	var err error
	if conn != nil {
		err = conn.Close()
	}
	if cause != nil && !dead {
		g.cfg.Metrics.ReconnectsSignaled.Inc()
		g.cfg.Emitter.Emit(events.ReconnectEvent{Cause: cause})
	}
	return err
}

// Shutdown marks the gateway dead and closes the transport. Idempotent;
// no reconnect signal is raised and later connects are no-ops.
func (g *Gateway) Shutdown() error {
	g.mu.Lock()
	if g.dead {
		g.mu.Unlock()
		return nil
	}
	g.dead = true
	g.mu.Unlock()
	logging.Infow("voice gateway shut down")
	return g.closeTransport(nil)
}

func (g *Gateway) handleMessage(data []byte) {
	var m message
	if err := json.Unmarshal(data, &m); err != nil {
		g.cfg.Metrics.GatewayParseErrors.Inc()
		logging.Warnw("discarding malformed voice gateway message", "err", err, "bytes", len(data))
		return
	}
	g.cfg.Metrics.GatewayMessages.WithLabelValues(strconv.Itoa(m.Op)).Inc()
	switch m.Op {
	case OpHello:
		g.handleHello(m.D)
	case OpReady:
		g.handleReady(m.D)
	case OpSessionDescription:
		g.handleSessionDescription(m.D)
	case OpSpeaking:
		g.handleSpeaking(m.D)
	case OpHeartbeatACK:
		g.handleHeartbeatACK(m.D)
	case OpClientDisconnect:
		g.handleClientDisconnect(m.D)
	case OpResumed:
		logging.Debugw("voice gateway session resumed")
	default:
		logging.Debugw("passing through unrecognized voice gateway op", "op", m.Op)
		g.cfg.Emitter.Emit(events.UnknownOpEvent{Op: m.Op, Raw: m.D})
	}
}

func (g *Gateway) badPayload(op string, err error) {
	g.cfg.Metrics.GatewayParseErrors.Inc()
	logging.Warnw("discarding malformed voice gateway payload", "op", op, "err", err)
}

func (g *Gateway) handleHello(d json.RawMessage) {
	var p helloPayload
	if err := json.Unmarshal(d, &p); err != nil {
		g.badPayload("hello", err)
		return
	}
	if p.Version != 0 && p.Version != Version {
		logging.Warnw("voice gateway version mismatch",
			"server_version", p.Version, "client_version", Version)
		g.cfg.Emitter.Emit(events.DebugEvent{
			Message: fmt.Sprintf("voice gateway version mismatch: server=%d client=%d", p.Version, Version),
		})
	}
	if p.HeartbeatInterval <= 0 {
		err := fmt.Errorf("%w: %v ms", ErrBadHeartbeatInterval, p.HeartbeatInterval)
		logging.Errorw("voice gateway hello carried an unusable heartbeat interval",
			"interval_ms", p.HeartbeatInterval)
		g.cfg.Emitter.Emit(events.ErrorEvent{Err: err})
		return
	}
	g.startHeartbeat(time.Duration(p.HeartbeatInterval * float64(time.Millisecond)))
}

// startHeartbeat arms the single heartbeat timer. Heartbeats only ever run
// against an open, not-shut-down transport; a second hello replaces the
// timer with a warning rather than stacking another one.
func (g *Gateway) startHeartbeat(interval time.Duration) {
	g.mu.Lock()
	if g.dead || g.conn == nil {
		g.mu.Unlock()
		return
	}
	if g.hbStop != nil {
		logging.Warnw("replacing an active heartbeat timer", "interval", interval)
		close(g.hbStop)
	}
	stop := make(chan struct{})
	g.hbStop = stop
	g.mu.Unlock()

	logging.Debugw("heartbeat armed", "interval", interval)
	go g.heartbeatLoop(interval, stop)
}

func (g *Gateway) heartbeatLoop(interval time.Duration, stop chan struct{}) {
	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		select {
		case <-stop:
			return
		case <-t.C:
			if err := g.beat(); err != nil {
				g.mu.Lock()
				if g.hbStop == stop {
					g.hbStop = nil
				}
				dead := g.dead
				g.mu.Unlock()
				// Not re-armed; the next hello or connect starts over.
				if !dead {
					logging.Warnw("heartbeat send failed; heartbeat cleared", "err", err)
				}
				return
			}
		}
	}
}

func (g *Gateway) beat() error {
	nonce := time.Now().UnixMilli()
	g.mu.Lock()
	g.beatNonce = nonce
	g.beatAt = time.Now()
	g.mu.Unlock()
	if err := g.Send(OpHeartbeat, nonce); err != nil {
		return err
	}
	g.cfg.Metrics.HeartbeatsSent.Inc()
	return nil
}

func (g *Gateway) handleHeartbeatACK(d json.RawMessage) {
	var nonce int64
	if err := json.Unmarshal(d, &nonce); err != nil {
		g.badPayload("heartbeat_ack", err)
		return
	}
	g.mu.Lock()
	if nonce == g.beatNonce && !g.beatAt.IsZero() {
		g.latency = time.Since(g.beatAt)
	}
	g.mu.Unlock()
	logging.Debugw("heartbeat acknowledged", "nonce", nonce)
}

// Latency returns the round trip of the most recent acknowledged
// heartbeat, zero until one completes.
func (g *Gateway) Latency() time.Duration {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.latency
}

func (g *Gateway) handleReady(d json.RawMessage) {
	var p readyPayload
	if err := json.Unmarshal(d, &p); err != nil {
		g.badPayload("ready", err)
		return
	}
	logging.Infow("voice gateway ready",
		"rtp.ssrc", p.SSRC, "udp_ip", p.IP, "udp_port", p.Port, "modes", strings.Join(p.Modes, ","))
	g.cfg.Emitter.Emit(events.ReadyEvent{SSRC: p.SSRC, IP: p.IP, Port: p.Port, Modes: p.Modes})
}

func (g *Gateway) handleSessionDescription(d json.RawMessage) {
	var p sessionDescPayload
	if err := json.Unmarshal(d, &p); err != nil {
		g.badPayload("session_description", err)
		return
	}
	g.cfg.Session.SetSecret(p.Mode, p.SecretKey)
	// The key itself never reaches a log line.
	logging.Infow("voice session negotiated", "mode", p.Mode)
	g.cfg.Emitter.Emit(events.SessionDescEvent{Mode: p.Mode})
}

func (g *Gateway) handleSpeaking(d json.RawMessage) {
	var p speakingPayload
	if err := json.Unmarshal(d, &p); err != nil {
		g.badPayload("speaking", err)
		return
	}
	g.cfg.Session.MapSSRC(p.SSRC, p.UserID)
	logging.Debugw("speaking association",
		"rtp.ssrc", p.SSRC, "user.id", p.UserID, "speaking", bool(p.Speaking))
	g.cfg.Emitter.Emit(events.SpeakingEvent{SSRC: p.SSRC, UserID: p.UserID, Speaking: bool(p.Speaking)})
}

func (g *Gateway) handleClientDisconnect(d json.RawMessage) {
	var p clientDisconnectPayload
	if err := json.Unmarshal(d, &p); err != nil {
		g.badPayload("client_disconnect", err)
		return
	}
	removed := g.cfg.Session.DropUser(p.UserID)
	logging.Debugw("voice client disconnected", "user.id", p.UserID, "mappings_removed", removed)
	g.cfg.Emitter.Emit(events.ClientDisconnectEvent{UserID: p.UserID})
}

// Send writes one envelope to the gateway. Safe for concurrent use.
func (g *Gateway) Send(op int, d any) error {
	g.mu.Lock()
	conn := g.conn
	g.mu.Unlock()
	if conn == nil {
		return ErrNotConnected
	}
	env := struct {
		Op int `json:"op"`
		D  any `json:"d"`
	}{Op: op, D: d}
	data, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("encode op %d: %w", op, err)
	}
	return conn.WriteMessage(data)
}

// SelectProtocol tells the server which external address and encryption
// mode the data plane will use.
func (g *Gateway) SelectProtocol(address string, port uint16, mode string) error {
	logging.Infow("selecting voice protocol", "address", address, "port", port, "mode", mode)
	return g.Send(OpSelectProtocol, selectProtocolPayload{
		Protocol: "udp",
		Data:     selectProtocolData{Address: address, Port: port, Mode: mode},
	})
}

// Speaking announces our own transmit state for ssrc.
func (g *Gateway) Speaking(ssrc uint32, speaking bool) error {
	return g.Send(OpSpeaking, speakingSend{Speaking: speaking, Delay: 0, SSRC: ssrc})
}

// Connected reports whether a transport is currently open.
func (g *Gateway) Connected() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.conn != nil
}

// Attempts returns how many connects have been started so far.
func (g *Gateway) Attempts() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.attempts
}

// TransportName names the dialer that produced the current connection.
func (g *Gateway) TransportName() string {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.connName
}
