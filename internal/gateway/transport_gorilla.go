package gateway

import (
	"context"
	"sync"

	gws "github.com/gorilla/websocket"
)

type gorillaDialer struct{}

func (gorillaDialer) Name() string { return "gorilla" }

func (gorillaDialer) Dial(ctx context.Context, url string) (Conn, error) {
	ws, _, err := gws.DefaultDialer.DialContext(ctx, url, nil)
	if err != nil {
		return nil, err
	}
	return &gorillaConn{ws: ws}, nil
}

// gorillaConn serializes writes; gorilla connections support only one
// concurrent writer.
type gorillaConn struct {
	mu sync.Mutex
	ws *gws.Conn
}

func (c *gorillaConn) ReadMessage() ([]byte, error) {
	_, data, err := c.ws.ReadMessage()
	return data, err
}

func (c *gorillaConn) WriteMessage(data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.ws.WriteMessage(gws.TextMessage, data)
}

func (c *gorillaConn) Close() error {
	return c.ws.Close()
}
