package gateway

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"

	"github.com/discord-voice-lab/voicewire/internal/session"
)

// Version is the voice gateway protocol version this client speaks.
const Version = 4

// Opcodes on the voice gateway socket.
const (
	OpIdentify           = 0
	OpSelectProtocol     = 1
	OpReady              = 2
	OpHeartbeat          = 3
	OpSessionDescription = 4
	OpSpeaking           = 5
	OpHeartbeatACK       = 6
	OpResume             = 7
	OpHello              = 8
	OpResumed            = 9
	OpClientDisconnect   = 13
)

// message is the envelope every gateway frame uses. Payload decoding is
// deferred until the opcode is known.
type message struct {
	Op int             `json:"op"`
	D  json.RawMessage `json:"d"`
}

type identifyPayload struct {
	ServerID  string `json:"server_id"`
	UserID    string `json:"user_id"`
	SessionID string `json:"session_id"`
	Token     string `json:"token"`
}

// helloPayload is the server's first frame. The interval arrives in
// fractional milliseconds.
type helloPayload struct {
	HeartbeatInterval float64 `json:"heartbeat_interval"`
	Version           int     `json:"v"`
}

type readyPayload struct {
	SSRC  uint32   `json:"ssrc"`
	IP    string   `json:"ip"`
	Port  int      `json:"port"`
	Modes []string `json:"modes"`
}

// sessionDescPayload carries the secret as a JSON array of numbers, which
// decodes element-wise into the fixed-size key array.
type sessionDescPayload struct {
	Mode      string               `json:"mode"`
	SecretKey [session.KeyLen]byte `json:"secret_key"`
}

type speakingPayload struct {
	UserID   string       `json:"user_id"`
	SSRC     uint32       `json:"ssrc"`
	Speaking speakingFlag `json:"speaking"`
}

// speakingFlag tolerates both encodings seen in the wild: a bare bool and
// the bitfield integer.
type speakingFlag bool

func (s *speakingFlag) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	switch {
	case bytes.Equal(b, []byte("true")):
		*s = true
	case bytes.Equal(b, []byte("false")):
		*s = false
	default:
		n, err := strconv.Atoi(string(b))
		if err != nil {
			return fmt.Errorf("speaking flag: %w", err)
		}
		*s = n != 0
	}
	return nil
}

type clientDisconnectPayload struct {
	UserID string `json:"user_id"`
}

type selectProtocolPayload struct {
	Protocol string             `json:"protocol"`
	Data     selectProtocolData `json:"data"`
}

type selectProtocolData struct {
	Address string `json:"address"`
	Port    uint16 `json:"port"`
	Mode    string `json:"mode"`
}

type speakingSend struct {
	Speaking bool   `json:"speaking"`
	Delay    int    `json:"delay"`
	SSRC     uint32 `json:"ssrc"`
}
