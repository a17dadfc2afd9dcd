package shard

import (
	"bytes"
	"compress/zlib"
	"context"
	"fmt"
	"io"

	json "github.com/goccy/go-json"

	"github.com/switchupcb/shard/internal/socket"
	"github.com/switchupcb/websocket"
)

// zlibSuffix represents the zlib sync flush sentinel which ends a logical
// message in zlib-stream transport compression.
// https://discord.com/developers/docs/topics/gateway#transport-compression
var zlibSuffix = []byte{0x00, 0x00, 0xff, 0xff}

// decoder converts the frames of a Discord Gateway WebSocket connection
// into Gateway Payloads.
//
// A decoder has the lifetime of a single connection: the inflator is shared
// across every message of the connection and is NEVER reset in between
// messages, since the Discord Gateway compresses the whole event stream as
// one zlib stream. The inflator carries flate state (including the unread
// tail of each sync flush) across message boundaries, so it consumes one
// continuous stream — the decoder's Read — rather than per-message buffers.
type decoder struct {
	conn *websocket.Conn

	// ctx applies to the in-progress next call.
	ctx context.Context

	// raw accumulates compressed frames until the sync flush sentinel is observed.
	raw bytes.Buffer

	// feed holds the compressed stream consumed by the inflator: complete
	// messages are appended behind any unread bytes, which are preserved.
	feed bytes.Buffer

	// inflator represents the persistent zlib stream of the connection.
	inflator io.ReadCloser

	// messages decodes one logical message from the inflator at a time.
	messages *json.Decoder

	// maxBuffer represents the maximum capacity (in bytes) the raw and feed
	// buffers may retain in between messages.
	maxBuffer int
}

// newDecoder returns a decoder for the given connection.
func newDecoder(conn *websocket.Conn, maxBuffer int) *decoder {
	return &decoder{
		conn:      conn,
		maxBuffer: maxBuffer,
	}
}

// Read implements the continuous compressed stream the inflator consumes.
//
// When the handed-off messages are exhausted, Read blocks on the connection
// for further binary frames rather than returning EOF at a message boundary,
// which would latch the inflator into a permanent error.
func (d *decoder) Read(p []byte) (int, error) {
	for d.feed.Len() == 0 {
		frame := getBuffer()

		messageType, err := socket.Read(d.ctx, d.conn, frame)
		if err != nil {
			putBuffer(frame)

			return 0, err
		}

		if messageType != websocket.MessageBinary {
			putBuffer(frame)

			return 0, fmt.Errorf("received message type %v in the middle of a compressed message", messageType)
		}

		d.feed.Write(frame.Bytes())
		putBuffer(frame)
	}

	return d.feed.Read(p)
}

// next reads frames from the connection until a logical message is complete,
// then returns it as a Gateway Payload.
func (d *decoder) next(ctx context.Context) (*GatewayPayload, error) {
	d.ctx = ctx

	for {
		frame := getBuffer()

		messageType, err := socket.Read(ctx, d.conn, frame)
		if err != nil {
			putBuffer(frame)

			return nil, err
		}

		switch messageType {
		// text frames carry an entire already-decoded JSON message.
		case websocket.MessageText:
			payload, err := parsePayload(frame.Bytes())
			putBuffer(frame)

			return payload, err

		// binary frames carry a slice of the connection's zlib stream:
		// a logical message ends when the accumulated bytes end in the
		// sync flush sentinel.
		case websocket.MessageBinary:
			d.raw.Write(frame.Bytes())
			putBuffer(frame)

			if !bytes.HasSuffix(d.raw.Bytes(), zlibSuffix) {
				continue
			}

			return d.inflate()

		default:
			putBuffer(frame)

			return nil, fmt.Errorf("received unknown message type %v from the Discord Gateway", messageType)
		}
	}
}

// inflate hands the accumulated message to the inflator's stream, then
// parses one inflated message into a Gateway Payload.
func (d *decoder) inflate() (*GatewayPayload, error) {
	// the message joins the stream behind any unread bytes of the previous
	// message's sync flush.
	d.feed.Write(d.raw.Bytes())

	// prevent a single large message from pinning the accumulation buffer's
	// capacity for the remainder of the connection.
	if d.raw.Cap() > d.maxBuffer {
		d.raw = bytes.Buffer{}
	} else {
		d.raw.Reset()
	}

	// the zlib header is read from the stream upon the first message.
	if d.inflator == nil {
		inflator, err := zlib.NewReader(d)
		if err != nil {
			return nil, fmt.Errorf("error occurred creating the zlib inflator: %w", err)
		}

		d.inflator = inflator
		d.messages = json.NewDecoder(inflator)
	}

	// the inflated stream is flushed to a byte boundary at the sentinel,
	// such that decoding a single JSON value consumes the entire message.
	var message json.RawMessage
	if err := d.messages.Decode(&message); err != nil {
		return nil, fmt.Errorf("error occurred inflating a gateway message: %w", err)
	}

	// in between messages the stream buffer holds (at most) the unread sync
	// flush tail: release the capacity an oversized message has grown,
	// carrying those unread bytes over.
	if d.feed.Cap() > d.maxBuffer {
		tail := append([]byte(nil), d.feed.Bytes()...)
		d.feed = bytes.Buffer{}
		d.feed.Write(tail)
	}

	return parsePayload(message)
}

// parsePayload parses a decoded message into a Gateway Payload.
func parsePayload(message []byte) (*GatewayPayload, error) {
	// the envelope of every gateway message is a JSON object.
	trimmed := bytes.TrimLeft(message, " \t\r\n")
	if len(trimmed) == 0 || trimmed[0] != '{' {
		return nil, errEnvelope
	}

	payload := getPayload()
	if err := json.Unmarshal(message, payload); err != nil {
		putPayload(payload)

		return nil, errEnvelope
	}

	return payload, nil
}
