package session

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/haloline/chatlink/pkg/wire"
)

// Transport is one message-oriented duplex connection. Read blocks until a
// frame arrives or the connection dies; Close unblocks a pending Read.
// Implementations must allow Close from any goroutine.
type Transport interface {
	ReadMessage() ([]byte, error)
	WriteJSON(v any) error
	Close(code int, reason string) error
}

// Dialer opens a Transport. Injectable so tests run against a scripted
// transport instead of a live socket.
type Dialer func(ctx context.Context, url string) (Transport, error)

// DialWebSocket is the default Dialer.
func DialWebSocket(ctx context.Context, url string) (Transport, error) {
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, url, nil)
	if err != nil {
		return nil, err
	}
	return &wsTransport{conn: conn}, nil
}

// wsTransport adapts a gorilla connection. Gorilla permits one concurrent
// writer, hence the write mutex; reads stay on the owning Conn's loop.
type wsTransport struct {
	conn    *websocket.Conn
	writeMu sync.Mutex
}

func (t *wsTransport) ReadMessage() ([]byte, error) {
	_, data, err := t.conn.ReadMessage()
	return data, err
}

func (t *wsTransport) WriteJSON(v any) error {
	t.writeMu.Lock()
	defer t.writeMu.Unlock()
	return t.conn.WriteJSON(v)
}

func (t *wsTransport) Close(code int, reason string) error {
	t.writeMu.Lock()
	msg := websocket.FormatCloseMessage(code, reason)
	_ = t.conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second))
	t.writeMu.Unlock()
	return t.conn.Close()
}

// CloseStatus extracts the close code from a read error. Errors that carry no
// close frame (dropped TCP, cancelled dial) map to the abnormal-closure code
// so the reconnect policy treats them as transient.
func CloseStatus(err error) int {
	var ce *websocket.CloseError
	if errors.As(err, &ce) {
		return ce.Code
	}
	return wire.CloseAbnormal
}
