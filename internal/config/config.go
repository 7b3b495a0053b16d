// Package config loads runtime settings from an optional YAML file and the
// environment. Environment variables win over file values, and every key
// maps to an uppercase variable of the same name (guild_id -> GUILD_ID),
// so a bare environment deploy needs no file at all.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Defaults for the tunables that have safe values. The required identity
// settings have none.
const (
	DefaultTransport       = "gorilla"
	DefaultSpeakingSilence = 70 * time.Millisecond
	DefaultConnStale       = 3 * time.Second
	DefaultStreamBuffer    = 64
)

type Config struct {
	// Identity. All three are required; without them there is no voice
	// channel to sit in.
	DiscordBotToken string
	GuildID         string
	VoiceChannelID  string

	// MetricsAddr exposes Prometheus metrics over HTTP when set, for
	// example ":9090". Empty disables the listener.
	MetricsAddr string

	// RecordDir, when set, writes one WAV file per finished utterance
	// under this directory. Empty disables recording.
	RecordDir string

	// RecordRetention drops recordings older than this; RecordMaxFiles
	// caps how many are kept. Zero disables the respective rule.
	RecordRetention time.Duration
	RecordMaxFiles  int

	// VoiceTransport picks the preferred websocket dialer for the voice
	// gateway. Unknown names fall back to the default order.
	VoiceTransport string

	SpeakingSilence time.Duration
	ConnStale       time.Duration
	StreamBuffer    int
}

// Load reads voicewire.yaml from the working directory when present, then
// applies environment overrides and validates. A non-empty file argument
// names an explicit config file and missing it is an error; with the
// default search a missing file is fine.
func Load(file string) (*Config, error) {
	v := viper.New()
	if file != "" {
		v.SetConfigFile(file)
	} else {
		v.SetConfigName("voicewire")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
	}
	v.AutomaticEnv()

	v.SetDefault("voice_transport", DefaultTransport)
	v.SetDefault("speaking_silence_ms", int(DefaultSpeakingSilence/time.Millisecond))
	v.SetDefault("conn_stale_ms", int(DefaultConnStale/time.Millisecond))
	v.SetDefault("stream_buffer", DefaultStreamBuffer)

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if file != "" || !errors.As(err, &notFound) {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}

	cfg := &Config{
		DiscordBotToken: v.GetString("discord_bot_token"),
		GuildID:         v.GetString("guild_id"),
		VoiceChannelID:  v.GetString("voice_channel_id"),
		MetricsAddr:     v.GetString("metrics_addr"),
		RecordDir:       v.GetString("record_dir"),
		RecordRetention: v.GetDuration("record_retention"),
		RecordMaxFiles:  v.GetInt("record_max_files"),
		VoiceTransport:  v.GetString("voice_transport"),
		SpeakingSilence: time.Duration(v.GetInt("speaking_silence_ms")) * time.Millisecond,
		ConnStale:       time.Duration(v.GetInt("conn_stale_ms")) * time.Millisecond,
		StreamBuffer:    v.GetInt("stream_buffer"),
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) validate() error {
	var missing []string
	if c.DiscordBotToken == "" {
		missing = append(missing, "DISCORD_BOT_TOKEN")
	}
	if c.GuildID == "" {
		missing = append(missing, "GUILD_ID")
	}
	if c.VoiceChannelID == "" {
		missing = append(missing, "VOICE_CHANNEL_ID")
	}
	if len(missing) > 0 {
		return fmt.Errorf("config: %s required", strings.Join(missing, ", "))
	}
	if c.SpeakingSilence <= 0 {
		return errors.New("config: speaking_silence_ms must be a positive integer")
	}
	if c.ConnStale <= 0 {
		return errors.New("config: conn_stale_ms must be a positive integer")
	}
	if c.StreamBuffer <= 0 {
		return errors.New("config: stream_buffer must be a positive integer")
	}
	if c.RecordRetention < 0 || c.RecordMaxFiles < 0 {
		return errors.New("config: record_retention and record_max_files cannot be negative")
	}
	return nil
}

// LogFields renders the settings as structured log fields. The bot token
// never appears in plaintext.
func (c *Config) LogFields() []any {
	token := ""
	if c.DiscordBotToken != "" {
		token = "<redacted>"
	}
	return []any{
		"token", token,
		"guild_id", c.GuildID,
		"voice_channel_id", c.VoiceChannelID,
		"metrics_addr", c.MetricsAddr,
		"record_dir", c.RecordDir,
		"record_retention", c.RecordRetention,
		"record_max_files", c.RecordMaxFiles,
		"voice_transport", c.VoiceTransport,
		"speaking_silence", c.SpeakingSilence,
		"conn_stale", c.ConnStale,
		"stream_buffer", c.StreamBuffer,
	}
}
