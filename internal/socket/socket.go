// Package socket provides frame-level helpers for a Discord Gateway WebSocket connection.
package socket

import (
	"bytes"
	"context"
	"fmt"

	json "github.com/goccy/go-json"

	"github.com/switchupcb/websocket"
)

// Read appends the next frame received from conn to buf,
// then returns the frame's message type.
func Read(ctx context.Context, conn *websocket.Conn, buf *bytes.Buffer) (websocket.MessageType, error) {
	messageType, reader, err := conn.Reader(ctx)
	if err != nil {
		return 0, err
	}

	if _, err := buf.ReadFrom(reader); err != nil {
		return 0, fmt.Errorf("socket.Read: %w", err)
	}

	return messageType, nil
}

// Write writes v to conn as a single compact JSON text frame.
func Write(ctx context.Context, conn *websocket.Conn, v any) error {
	frame, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("socket.Write from %T: %w", v, err)
	}

	return conn.Write(ctx, websocket.MessageText, frame)
}
