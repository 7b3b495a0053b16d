package gateway

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"

	cws "github.com/coder/websocket"
	gws "github.com/gorilla/websocket"
	"go.uber.org/multierr"

	"github.com/discord-voice-lab/voicewire/internal/logging"
)

// Conn is a message-oriented connection to the voice gateway. WriteMessage
// must be safe for concurrent use; reads happen from one goroutine.
type Conn interface {
	ReadMessage() ([]byte, error)
	WriteMessage(data []byte) error
	Close() error
}

// Dialer establishes gateway connections. Each implementation wraps one
// websocket library so the transport can be chosen at runtime.
type Dialer interface {
	Name() string
	Dial(ctx context.Context, url string) (Conn, error)
}

// DefaultDialers returns the gorilla transport first with the coder one as
// fallback.
func DefaultDialers() []Dialer {
	return []Dialer{gorillaDialer{}, coderDialer{}}
}

// DialersByPreference puts the named transport first and keeps the other
// as fallback. Unknown names get the default order.
func DialersByPreference(name string) []Dialer {
	switch name {
	case "coder":
		return []Dialer{coderDialer{}, gorillaDialer{}}
	case "", "gorilla":
		return DefaultDialers()
	default:
		logging.Warnw("unknown voice transport; using default order", "transport", name)
		return DefaultDialers()
	}
}

// dialFallback tries each dialer in order and returns the first success
// together with the winning dialer's name.
func dialFallback(ctx context.Context, dialers []Dialer, url string) (Conn, string, error) {
	var errs error
	for i, d := range dialers {
		conn, err := d.Dial(ctx, url)
		if err == nil {
			return conn, d.Name(), nil
		}
		errs = multierr.Append(errs, fmt.Errorf("%s: %w", d.Name(), err))
		if i < len(dialers)-1 {
			logging.Warnw("voice transport dial failed; trying fallback", "transport", d.Name(), "err", err)
		}
	}
	return nil, "", errs
}

// isConnectionError reports whether err means the transport itself is
// gone, as opposed to a protocol-level problem on a live socket.
func isConnectionError(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) || errors.Is(err, net.ErrClosed) {
		return true
	}
	var ne net.Error
	if errors.As(err, &ne) {
		return true
	}
	var ce *gws.CloseError
	if errors.As(err, &ce) {
		return true
	}
	if cws.CloseStatus(err) != -1 {
		return true
	}
	return false
}
