package client

import (
	"context"

	"github.com/coder/websocket"
)

// Frames is the minimal transport surface the managed connection needs.
// The production implementation wraps a websocket dial; tests substitute
// scripted fakes.
type Frames interface {
	Read(ctx context.Context) ([]byte, error)
	Write(ctx context.Context, msg []byte) error
	Close(reason string) error
}

type Dialer interface {
	Dial(ctx context.Context, url string) (Frames, error)
}

type wsDialer struct{}

func (wsDialer) Dial(ctx context.Context, url string) (Frames, error) {
	conn, _, err := websocket.Dial(ctx, url, nil)
	if err != nil {
		return nil, err
	}
	return &wsFrames{conn: conn}, nil
}

type wsFrames struct {
	conn *websocket.Conn
}

func (f *wsFrames) Read(ctx context.Context) ([]byte, error) {
	_, b, err := f.conn.Read(ctx)
	return b, err
}

func (f *wsFrames) Write(ctx context.Context, msg []byte) error {
	return f.conn.Write(ctx, websocket.MessageText, msg)
}

func (f *wsFrames) Close(reason string) error {
	return f.conn.Close(websocket.StatusNormalClosure, reason)
}
