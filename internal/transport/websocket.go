package transport

import (
	"context"
	"fmt"
	"net/http"

	"github.com/coder/websocket"
)

// WebSocketTransport is the default Transport, backed by
// github.com/coder/websocket exactly as the teacher's SyncClient uses
// it, but behind the Transport interface so the connection state
// machine can be exercised with a fake in tests.
type WebSocketTransport struct {
	conn    *websocket.Conn
	origin  string
	agent   string
	readLimit int64
}

// NewWebSocketTransport creates a transport that has not yet dialed.
// origin/userAgent mirror the headers the teacher sends (Origin,
// User-Agent) since sync servers commonly gate on them; readLimit
// bounds the largest frame accepted, matching the teacher's read-limit
// tightening after handshake.
func NewWebSocketTransport(origin, userAgent string, readLimit int64) *WebSocketTransport {
	return &WebSocketTransport{origin: origin, agent: userAgent, readLimit: readLimit}
}

func (t *WebSocketTransport) Dial(ctx context.Context, url string, offeredProtocols []string) (string, error) {
	header := http.Header{}
	if t.origin != "" {
		header.Set("Origin", t.origin)
	}
	if t.agent != "" {
		header.Set("User-Agent", t.agent)
	}

	conn, resp, err := websocket.Dial(ctx, url, &websocket.DialOptions{
		HTTPHeader: header,
		Subprotocols: offeredProtocols,
	})
	if err != nil {
		return "", fmt.Errorf("dialing websocket: %w", err)
	}
	t.conn = conn
	if t.readLimit > 0 {
		t.conn.SetReadLimit(t.readLimit)
	}

	accepted := ""
	if resp != nil {
		accepted = resp.Header.Get("Sec-WebSocket-Protocol")
	}
	return accepted, nil
}

func (t *WebSocketTransport) Read(ctx context.Context) (FrameType, []byte, error) {
	typ, data, err := t.conn.Read(ctx)
	if err != nil {
		return 0, nil, err
	}
	if typ == websocket.MessageBinary {
		return FrameBinary, data, nil
	}
	return FrameText, data, nil
}

func (t *WebSocketTransport) Write(ctx context.Context, typ FrameType, data []byte) error {
	wt := websocket.MessageText
	if typ == FrameBinary {
		wt = websocket.MessageBinary
	}
	return t.conn.Write(ctx, wt, data)
}

func (t *WebSocketTransport) Close(code int, reason string) error {
	if t.conn == nil {
		return nil
	}
	return t.conn.Close(websocket.StatusCode(code), reason)
}
