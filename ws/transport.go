package ws

import (
	"context"
	"io"
	"unicode/utf8"

	"github.com/coder/websocket"
)

// connTransport adapts a websocket connection to session.Transport.
type connTransport struct {
	conn *websocket.Conn
}

// Read returns the payload of the next message of either type. A normal
// or going-away close from the client is reported as io.EOF.
//
// Cancelling a read makes the library close the connection with a policy
// violation, so ctx cancellation is ignored here. A pending Read returns
// once the handler closes the connection.
func (t *connTransport) Read(ctx context.Context) ([]byte, error) {
	_, data, err := t.conn.Read(context.WithoutCancel(ctx))
	if err != nil {
		switch websocket.CloseStatus(err) {
		case websocket.StatusNormalClosure, websocket.StatusGoingAway:
			return nil, io.EOF
		}
		return nil, err
	}
	return data, nil
}

// Write sends p as a text frame, or as a binary frame when p is not valid
// UTF-8 (a batch can end in the middle of a multi-byte character).
func (t *connTransport) Write(ctx context.Context, p []byte) error {
	typ := websocket.MessageText
	if !utf8.Valid(p) {
		typ = websocket.MessageBinary
	}
	return t.conn.Write(ctx, typ, p)
}
