package gateway

import (
	"context"
	"sync"

	cws "github.com/coder/websocket"
)

type coderDialer struct{}

func (coderDialer) Name() string { return "coder" }

func (coderDialer) Dial(ctx context.Context, url string) (Conn, error) {
	c, _, err := cws.Dial(ctx, url, nil)
	if err != nil {
		return nil, err
	}
	// Gateway frames are small; a megabyte of headroom is plenty.
	c.SetReadLimit(1 << 20)
	return &coderConn{c: c}, nil
}

type coderConn struct {
	mu sync.Mutex
	c  *cws.Conn
}

func (c *coderConn) ReadMessage() ([]byte, error) {
	_, data, err := c.c.Read(context.Background())
	return data, err
}

func (c *coderConn) WriteMessage(data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.c.Write(context.Background(), cws.MessageText, data)
}

func (c *coderConn) Close() error {
	return c.c.Close(cws.StatusNormalClosure, "")
}
