// Package wsadapter adapts a gorilla/websocket connection to the
// channel.Transport interface the Reliable Channel and pre-hello handshake
// are built on.
package wsadapter

import (
	"context"
	"encoding/json"

	"github.com/gorilla/websocket"
)

// Transport wraps one *websocket.Conn as a channel.Transport.
type Transport struct {
	conn *websocket.Conn
}

// New wraps conn.
func New(conn *websocket.Conn) *Transport {
	return &Transport{conn: conn}
}

// ReadMessage blocks for the next text/binary frame and decodes it as JSON.
// The context is watched while the read is in flight; gorilla's connection
// itself has no native context support, so a cancelled ctx closes the
// underlying connection to unblock the read and ctx.Err() is returned.
func (t *Transport) ReadMessage(ctx context.Context) (json.RawMessage, error) {
	type result struct {
		raw json.RawMessage
		err error
	}
	done := make(chan result, 1)
	go func() {
		_, data, err := t.conn.ReadMessage()
		done <- result{raw: data, err: err}
	}()
	select {
	case r := <-done:
		return r.raw, r.err
	case <-ctx.Done():
		_ = t.conn.Close()
		return nil, ctx.Err()
	}
}

// WriteMessage marshals v as JSON and writes it as a single text frame.
func (t *Transport) WriteMessage(ctx context.Context, v any) error {
	raw, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return t.conn.WriteMessage(websocket.TextMessage, raw)
}

// Close closes the underlying connection with a close frame carrying reason.
func (t *Transport) Close(reason string) error {
	code := websocket.CloseNormalClosure
	switch reason {
	case "1008":
		code = 1008
	case "4001":
		code = 4001
	}
	msg := websocket.FormatCloseMessage(code, reason)
	_ = t.conn.WriteMessage(websocket.CloseMessage, msg)
	return t.conn.Close()
}
