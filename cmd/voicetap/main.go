package main

import (
	"context"
	"errors"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"sync"
	"syscall"
	"time"

	"github.com/bwmarrin/discordgo"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/multierr"

	"github.com/discord-voice-lab/voicewire/internal/codec"
	"github.com/discord-voice-lab/voicewire/internal/config"
	"github.com/discord-voice-lab/voicewire/internal/events"
	"github.com/discord-voice-lab/voicewire/internal/gateway"
	"github.com/discord-voice-lab/voicewire/internal/logging"
	"github.com/discord-voice-lab/voicewire/internal/metrics"
	"github.com/discord-voice-lab/voicewire/internal/receiver"
	"github.com/discord-voice-lab/voicewire/internal/session"
)

// app wires the discord session, the voice gateway and the packet receiver
// together and owns their lifecycles. Discord delivers the voice handshake
// in two halves, a session id on the state update and a token plus
// endpoint on the server update, in either order; the gateway starts once
// both have arrived.
type app struct {
	cfg  *config.Config
	dg   *discordgo.Session
	st   *session.State
	em   *events.Emitter
	met  *metrics.Metrics
	recv *receiver.Receiver
	sink *wavSink

	mu        sync.Mutex
	sessionID string
	token     string
	endpoint  string
	gw        *gateway.Gateway
	udp       *net.UDPConn
}

func (a *app) onVoiceStateUpdate(s *discordgo.Session, vs *discordgo.VoiceStateUpdate) {
	if s.State == nil || s.State.User == nil || vs.UserID != s.State.User.ID {
		return
	}
	if vs.ChannelID == "" {
		logging.Warnw("removed from voice channel", "guild", vs.GuildID)
		return
	}
	a.mu.Lock()
	a.sessionID = vs.SessionID
	a.mu.Unlock()
	// The session id is a credential; it never appears in logs.
	logging.Debugw("voice session id captured", "guild", vs.GuildID, "channel", vs.ChannelID)
	a.maybeStartGateway()
}

func (a *app) onVoiceServerUpdate(s *discordgo.Session, vsu *discordgo.VoiceServerUpdate) {
	if vsu.GuildID != a.cfg.GuildID {
		return
	}
	a.mu.Lock()
	a.token = vsu.Token
	a.endpoint = vsu.Endpoint
	a.mu.Unlock()
	logging.Infow("voice server assigned", "endpoint", vsu.Endpoint)
	a.maybeStartGateway()
}

func (a *app) maybeStartGateway() {
	a.mu.Lock()
	if a.gw != nil || a.sessionID == "" || a.token == "" || a.endpoint == "" {
		a.mu.Unlock()
		return
	}
	gw, err := gateway.New(gateway.Config{
		Endpoint:  a.endpoint,
		GuildID:   a.cfg.GuildID,
		UserID:    a.dg.State.User.ID,
		SessionID: a.sessionID,
		Token:     a.token,
		Session:   a.st,
		Emitter:   a.em,
		Metrics:   a.met,
		Dialers:   gateway.DialersByPreference(a.cfg.VoiceTransport),
	})
	if err != nil {
		a.mu.Unlock()
		logging.Errorw("voice gateway init failed", "err", err)
		return
	}
	a.gw = gw
	a.mu.Unlock()

	go func() {
		if err := gw.Connect(context.Background()); err != nil {
			logging.Errorw("voice gateway connect failed", "err", err)
		}
	}()
}

// onReady brings up the data plane: dial the voice UDP endpoint, discover
// our external address, tell the server which mode to encrypt with and
// hand the socket to the receiver. Runs off the emitter goroutine because
// discovery blocks on the network.
func (a *app) onReady(ev events.ReadyEvent) {
	a.mu.Lock()
	gw := a.gw
	oldUDP := a.udp
	a.udp = nil
	a.mu.Unlock()
	if gw == nil {
		return
	}
	// A ready on a reconnected gateway replaces the previous data plane.
	if oldUDP != nil {
		if err := a.recv.Destroy(); err != nil {
			logging.Warnw("receiver teardown before reattach failed", "err", err)
		}
		_ = oldUDP.Close()
	}

	raddr, err := net.ResolveUDPAddr("udp", net.JoinHostPort(ev.IP, strconv.Itoa(ev.Port)))
	if err != nil {
		logging.Errorw("resolve voice udp endpoint failed", "udp_ip", ev.IP, "udp_port", ev.Port, "err", err)
		return
	}
	conn, err := net.DialUDP("udp", nil, raddr)
	if err != nil {
		logging.Errorw("dial voice udp failed", "addr", raddr.String(), "err", err)
		return
	}

	addr, port, err := discoverExternalAddr(conn, ev.SSRC)
	if err != nil {
		_ = conn.Close()
		logging.Errorw("external address discovery failed", "err", err)
		return
	}
	mode, err := pickMode(ev.Modes)
	if err != nil {
		_ = conn.Close()
		logging.Errorw("encryption mode negotiation failed", "err", err)
		return
	}
	if err := gw.SelectProtocol(addr, port, mode); err != nil {
		_ = conn.Close()
		logging.Errorw("select protocol failed", "err", err)
		return
	}
	if err := a.recv.Attach(conn); err != nil {
		_ = conn.Close()
		logging.Errorw("receiver attach failed", "err", err)
		return
	}

	a.mu.Lock()
	a.udp = conn
	a.mu.Unlock()
	logging.Infow("voice data plane attached",
		"external_addr", addr, "external_port", port, "mode", mode)
}

// reconnect is the host's answer to a reconnect-required signal. The
// engine never retries by itself; here the policy is one fresh connect,
// bounded by the gateway's lifetime attempt ceiling.
func (a *app) reconnect() {
	a.mu.Lock()
	gw := a.gw
	a.mu.Unlock()
	if gw == nil {
		return
	}
	if err := gw.Connect(context.Background()); err != nil {
		logging.Errorw("voice gateway reconnect failed", "err", err)
	}
}

func (a *app) shutdown() error {
	var errs error
	errs = multierr.Append(errs, a.recv.Destroy())
	a.mu.Lock()
	gw := a.gw
	udp := a.udp
	a.udp = nil
	a.mu.Unlock()
	if gw != nil {
		errs = multierr.Append(errs, gw.Shutdown())
	}
	if udp != nil {
		errs = multierr.Append(errs, udp.Close())
	}
	if a.sink != nil {
		errs = multierr.Append(errs, a.sink.Close())
	}
	return errs
}

func main() {
	logging.Init()
	defer func() { _ = logging.Sync() }()

	cfg, err := config.Load(os.Getenv("VOICEWIRE_CONFIG"))
	if err != nil {
		logging.FatalExitf("configuration rejected", "err", err)
	}
	logging.Infow("voicetap starting", cfg.LogFields()...)

	dg, err := discordgo.New("Bot " + cfg.DiscordBotToken)
	if err != nil {
		logging.FatalExitf("discord session init failed", "err", err)
	}
	// Guilds + GuildVoiceStates are enough to join a channel and follow
	// who is in it. No privileged intents.
	dg.Identify.Intents = discordgo.IntentsGuilds | discordgo.IntentsGuildVoiceStates

	var sink *wavSink
	if cfg.RecordDir != "" {
		sink, err = newWAVSink(cfg.RecordDir)
		if err != nil {
			logging.FatalExitf("recording directory unusable", "dir", cfg.RecordDir, "err", err)
		}
		sink.names = newNameResolver(dg).UserName
	}

	st := session.NewState()
	em := events.NewEmitter()
	met := metrics.New()

	rcfg := receiver.Config{
		Session:       st,
		Engine:        codec.NewEngine(),
		Emitter:       em,
		Metrics:       met,
		SilenceWindow: cfg.SpeakingSilence,
		StaleAfter:    cfg.ConnStale,
		StreamBuffer:  cfg.StreamBuffer,
	}
	if sink != nil {
		rcfg.Speaking = sink.OnSpeaking
	}
	recv, err := receiver.New(rcfg)
	if err != nil {
		logging.FatalExitf("receiver init failed", "err", err)
	}

	a := &app{cfg: cfg, dg: dg, st: st, em: em, met: met, recv: recv, sink: sink}

	if sink != nil {
		em.On(events.TypePCM, sink.HandleEvent)
	}
	em.On(events.TypeReady, func(ev events.Event) {
		if r, ok := ev.(events.ReadyEvent); ok {
			go a.onReady(r)
		}
	})
	em.On(events.TypeReconnect, func(ev events.Event) {
		re, ok := ev.(events.ReconnectEvent)
		if !ok {
			return
		}
		logging.Warnw("voice connection needs a reconnect", "cause", re.Cause)
		go a.reconnect()
	})
	em.On(events.TypeError, func(ev events.Event) {
		if ee, ok := ev.(events.ErrorEvent); ok {
			logging.Errorw("voice engine error", "err", ee.Err)
		}
	})

	dg.AddHandler(func(s *discordgo.Session, vs *discordgo.VoiceStateUpdate) {
		a.onVoiceStateUpdate(s, vs)
	})
	dg.AddHandler(func(s *discordgo.Session, vsu *discordgo.VoiceServerUpdate) {
		a.onVoiceServerUpdate(s, vsu)
	})

	logging.Infow("opening discord session")
	if err := dg.Open(); err != nil {
		logging.FatalExitf("discord session open failed", "err", err)
	}
	logging.Infow("discord session opened", "opus_native", codec.Native)

	// Muted, not deafened: the tap never transmits but must hear.
	if err := dg.ChannelVoiceJoinManual(cfg.GuildID, cfg.VoiceChannelID, true, false); err != nil {
		_ = dg.Close()
		logging.FatalExitf("voice channel join failed",
			"guild", cfg.GuildID, "channel", cfg.VoiceChannelID, "err", err)
	}
	logging.Infow("joined voice channel", "guild", cfg.GuildID, "channel", cfg.VoiceChannelID)

	var msrv *http.Server
	if cfg.MetricsAddr != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.Handler())
		msrv = &http.Server{Addr: cfg.MetricsAddr, Handler: mux}
		go func() {
			logging.Infow("metrics listener up", "addr", cfg.MetricsAddr)
			if err := msrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				logging.Errorw("metrics listener failed", "err", err)
			}
		}()
	}

	var jwg sync.WaitGroup
	jctx, jcancel := context.WithCancel(context.Background())
	if sink != nil && (cfg.RecordRetention > 0 || cfg.RecordMaxFiles > 0) {
		startRecordingJanitor(jctx, &jwg, cfg.RecordDir, cfg.RecordRetention, 10*time.Minute, cfg.RecordMaxFiles)
	}

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)
	<-stop
	logging.Infow("shutdown signal received, closing resources")

	jcancel()
	jwg.Wait()
	errs := a.shutdown()
	if msrv != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		errs = multierr.Append(errs, msrv.Shutdown(ctx))
		cancel()
	}
	errs = multierr.Append(errs, dg.Close())
	if errs != nil {
		logging.Warnw("shutdown finished with errors", "err", errs)
	} else {
		logging.Infow("shutdown complete")
	}
}
