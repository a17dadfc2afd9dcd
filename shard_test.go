package shard

import (
	"bytes"
	"compress/zlib"
	"context"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	json "github.com/goccy/go-json"

	"github.com/switchupcb/websocket"
)

// testTimeout bounds every end-to-end scenario.
const testTimeout = 10 * time.Second

// zstream compresses messages into a single zlib stream, flushing each
// message to a sync flush sentinel boundary (like the Discord Gateway).
type zstream struct {
	buf bytes.Buffer
	w   *zlib.Writer
}

func newZstream() *zstream {
	z := new(zstream)
	z.w = zlib.NewWriter(&z.buf)

	return z
}

// message returns the compressed bytes of v (ending in the sync flush sentinel).
func (z *zstream) message(t *testing.T, v any) []byte {
	t.Helper()

	data, err := json.Marshal(v)
	if err != nil {
		t.Fatalf("marshalling a gateway message: %v", err)
	}

	z.buf.Reset()

	if _, err := z.w.Write(data); err != nil {
		t.Fatalf("compressing a gateway message: %v", err)
	}

	if err := z.w.Flush(); err != nil {
		t.Fatalf("flushing a gateway message: %v", err)
	}

	frame := make([]byte, z.buf.Len())
	copy(frame, z.buf.Bytes())

	return frame
}

// gatewayConn represents the server side of a Shard's connection.
type gatewayConn struct {
	t    *testing.T
	conn *websocket.Conn
	z    *zstream
}

// send writes v to the Shard as a single compressed binary frame.
func (g *gatewayConn) send(ctx context.Context, v any) {
	g.t.Helper()

	if err := g.conn.Write(ctx, websocket.MessageBinary, g.z.message(g.t, v)); err != nil {
		g.t.Errorf("writing a gateway message: %v", err)
	}
}

// hello sends a HELLO with the given heartbeat interval (in milliseconds).
func (g *gatewayConn) hello(ctx context.Context, interval float64) {
	g.t.Helper()

	g.send(ctx, map[string]any{
		"op": FlagGatewayOpcodeHello,
		"d": map[string]any{
			"heartbeat_interval": interval,
			"_trace":             []string{"edge-1"},
		},
	})
}

// readCommand reads the next command sent by the Shard.
func (g *gatewayConn) readCommand(ctx context.Context) (int, json.RawMessage) {
	g.t.Helper()

	messageType, frame, err := g.conn.Read(ctx)
	if err != nil {
		g.t.Fatalf("reading a command: %v", err)
	}

	if messageType != websocket.MessageText {
		g.t.Fatalf("received a command with message type %v, wanted %v", messageType, websocket.MessageText)
	}

	var command struct {
		Data json.RawMessage `json:"d"`
		Op   int             `json:"op"`
	}

	if err := json.Unmarshal(frame, &command); err != nil {
		g.t.Fatalf("unmarshalling a command: %v", err)
	}

	return command.Op, command.Data
}

// waitClose reads until the Shard closes the connection,
// then returns the close code.
func (g *gatewayConn) waitClose(ctx context.Context) websocket.StatusCode {
	g.t.Helper()

	for {
		if _, _, err := g.conn.Read(ctx); err != nil {
			return websocket.CloseStatus(err)
		}
	}
}

// newTestGateway runs an in-process gateway: the nth connection of a Shard
// is handled by the nth script.
func newTestGateway(t *testing.T, scripts ...func(ctx context.Context, g *gatewayConn)) *httptest.Server {
	t.Helper()

	var mu sync.Mutex
	connection := 0

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := websocket.Accept(w, r, nil)
		if err != nil {
			t.Errorf("accepting a connection: %v", err)

			return
		}

		mu.Lock()
		script := func(ctx context.Context, g *gatewayConn) {
			g.waitClose(ctx)
		}

		if connection < len(scripts) {
			script = scripts[connection]
		}
		connection++
		mu.Unlock()

		ctx, cancel := context.WithTimeout(context.Background(), testTimeout)
		defer cancel()

		script(ctx, &gatewayConn{t: t, conn: conn, z: newZstream()})

		conn.Close(websocket.StatusNormalClosure, "")
	}))

	t.Cleanup(srv.Close)

	return srv
}

// dispatchedEvent represents a call observed by a test's dispatch sink.
type dispatchedEvent struct {
	event string
	data  json.RawMessage
}

// testShard creates a Shard connected to the given gateway,
// forwarding dispatched events to the returned channel.
func testShard(t *testing.T, srv *httptest.Server, config Config) (*Shard, chan dispatchedEvent) {
	t.Helper()

	events := make(chan dispatchedEvent, 16)

	config.Endpoint = srv.URL
	if config.Token == "" {
		config.Token = "token"
	}

	config.Dispatch = func(event string, data json.RawMessage) {
		events <- dispatchedEvent{event: event, data: append([]byte(nil), data...)}
	}

	s, err := New(config)
	if err != nil {
		t.Fatalf("creating a shard: %v", err)
	}

	return s, events
}

// run runs the Shard on a goroutine, returning the channel Run's result is sent to.
func run(s *Shard) chan error {
	result := make(chan error, 1)

	go func() {
		result <- s.Run(context.Background())
	}()

	return result
}

// await receives from c or fails the test after the timeout.
func await[T any](t *testing.T, c chan T, action string) T {
	t.Helper()

	select {
	case v := <-c:
		return v
	case <-time.After(testTimeout):
		t.Fatalf("timed out waiting for %s", action)

		panic("unreachable")
	}
}

// TestRunReady tests that a Shard identifies a new session upon receiving
// a HELLO, then dispatches the READY event to the dispatch sink.
func TestRunReady(t *testing.T) {
	srv := newTestGateway(t,
		func(ctx context.Context, g *gatewayConn) {
			g.hello(ctx, 41250)

			op, data := g.readCommand(ctx)
			if op != FlagGatewayOpcodeIdentify {
				t.Errorf("received opcode %d, wanted an Identify", op)
			}

			var identify Identify
			if err := json.Unmarshal(data, &identify); err != nil {
				t.Errorf("unmarshalling the Identify: %v", err)
			}

			if identify.Token != "token" {
				t.Errorf("Identify token: got %q, wanted %q", identify.Token, "token")
			}

			if identify.Compress {
				t.Errorf("Identify compress: got %v, wanted %v (transport compression is in-band)", identify.Compress, false)
			}

			if identify.LargeThreshold != defaultLargeThreshold {
				t.Errorf("Identify large_threshold: got %d, wanted %d", identify.LargeThreshold, defaultLargeThreshold)
			}

			if identify.Shard != nil {
				t.Errorf("Identify shard: got %v, wanted absent", identify.Shard)
			}

			g.send(ctx, map[string]any{
				"op": FlagGatewayOpcodeDispatch,
				"t":  FlagGatewayEventNameReady,
				"s":  1,
				"d":  map[string]any{"session_id": "abc"},
			})

			g.waitClose(ctx)
		},
	)

	s, events := testShard(t, srv, Config{})
	result := run(s)

	ready := await(t, events, "the READY dispatch")
	if ready.event != FlagGatewayEventNameReady {
		t.Errorf("dispatched event: got %q, wanted %q", ready.event, FlagGatewayEventNameReady)
	}

	var payload struct {
		SessionID string `json:"session_id"`
	}

	if err := json.Unmarshal(ready.data, &payload); err != nil {
		t.Fatalf("unmarshalling the dispatched READY payload: %v", err)
	}

	if payload.SessionID != "abc" {
		t.Errorf("dispatched session_id: got %q, wanted %q", payload.SessionID, "abc")
	}

	if id := s.SessionID(); id != "abc" {
		t.Errorf("session ID: got %q, wanted %q", id, "abc")
	}

	if seq := s.Seq(); seq != 1 {
		t.Errorf("sequence: got %d, wanted %d", seq, 1)
	}

	if interval := s.HeartbeatInterval(); interval != 41250*time.Millisecond {
		t.Errorf("heartbeat interval: got %v, wanted %v", interval, 41250*time.Millisecond)
	}

	trace := s.Trace()
	if len(trace) != 1 || trace[0] != "edge-1" {
		t.Errorf("trace: got %v, wanted %v", trace, []string{"edge-1"})
	}

	s.Close(true)

	if err := await(t, result, "Run to return"); err != nil {
		t.Errorf("Run returned %v, wanted nil", err)
	}
}

// TestRunZombieResume tests that a Shard which never receives a HeartbeatACK
// closes the connection with code 1008, then resumes the session.
func TestRunZombieResume(t *testing.T) {
	resumed := make(chan Resume, 1)

	srv := newTestGateway(t,
		func(ctx context.Context, g *gatewayConn) {
			g.hello(ctx, 250)
			g.readCommand(ctx) // Identify

			g.send(ctx, map[string]any{
				"op": FlagGatewayOpcodeDispatch,
				"t":  FlagGatewayEventNameReady,
				"s":  7,
				"d":  map[string]any{"session_id": "abc"},
			})

			op, data := g.readCommand(ctx)
			if op != FlagGatewayOpcodeHeartbeat {
				t.Errorf("received opcode %d, wanted a Heartbeat", op)
			}

			var seq int64
			if err := json.Unmarshal(data, &seq); err != nil || seq != 7 {
				t.Errorf("Heartbeat sequence: got %s (%v), wanted %d", data, err, 7)
			}

			// the acknowledgement is never sent.
			if code := g.waitClose(ctx); code != websocket.StatusCode(FlagClientCloseEventCodeZombie) {
				t.Errorf("close code: got %d, wanted %d", code, FlagClientCloseEventCodeZombie)
			}
		},
		func(ctx context.Context, g *gatewayConn) {
			g.hello(ctx, 250)

			op, data := g.readCommand(ctx)
			if op != FlagGatewayOpcodeResume {
				t.Errorf("received opcode %d, wanted a Resume", op)
			}

			var resume Resume
			if err := json.Unmarshal(data, &resume); err != nil {
				t.Errorf("unmarshalling the Resume: %v", err)
			}

			resumed <- resume

			g.waitClose(ctx)
		},
	)

	s, _ := testShard(t, srv, Config{})
	result := run(s)

	resume := await(t, resumed, "the RESUME command")
	if resume.SessionID != "abc" || resume.Seq != 7 {
		t.Errorf("Resume: got (%q, %d), wanted (%q, %d)", resume.SessionID, resume.Seq, "abc", 7)
	}

	if resume.Token != "token" {
		t.Errorf("Resume token: got %q, wanted %q", resume.Token, "token")
	}

	s.Close(true)

	if err := await(t, result, "Run to return"); err != nil {
		t.Errorf("Run returned %v, wanted nil", err)
	}
}

// TestRunReconnectOpcode tests that a Shard which receives an Opcode 7
// Reconnect closes the connection with code 1003, discards the session,
// and identifies from scratch.
func TestRunReconnectOpcode(t *testing.T) {
	reidentified := make(chan int, 1)

	srv := newTestGateway(t,
		func(ctx context.Context, g *gatewayConn) {
			g.hello(ctx, 41250)
			g.readCommand(ctx) // Identify

			g.send(ctx, map[string]any{
				"op": FlagGatewayOpcodeDispatch,
				"t":  FlagGatewayEventNameReady,
				"s":  1,
				"d":  map[string]any{"session_id": "abc"},
			})

			g.send(ctx, map[string]any{"op": FlagGatewayOpcodeReconnect, "d": nil})

			if code := g.waitClose(ctx); code != websocket.StatusCode(FlagClientCloseEventCodeReconnect) {
				t.Errorf("close code: got %d, wanted %d", code, FlagClientCloseEventCodeReconnect)
			}
		},
		func(ctx context.Context, g *gatewayConn) {
			g.hello(ctx, 41250)

			op, _ := g.readCommand(ctx)
			reidentified <- op

			g.waitClose(ctx)
		},
	)

	s, _ := testShard(t, srv, Config{})
	result := run(s)

	if op := await(t, reidentified, "the second connection's command"); op != FlagGatewayOpcodeIdentify {
		t.Errorf("received opcode %d after a RECONNECT, wanted an Identify", op)
	}

	if id := s.SessionID(); id != "" {
		t.Errorf("session ID after a RECONNECT: got %q, wanted it discarded", id)
	}

	s.Close(true)

	if err := await(t, result, "Run to return"); err != nil {
		t.Errorf("Run returned %v, wanted nil", err)
	}
}

// TestRunHelloFirst tests that a Shard closes a connection whose first
// frame is not a HELLO with code 1002, then reconnects.
func TestRunHelloFirst(t *testing.T) {
	reconnected := make(chan int, 1)

	srv := newTestGateway(t,
		func(ctx context.Context, g *gatewayConn) {
			// a HeartbeatACK is sent in place of the expected HELLO.
			g.send(ctx, map[string]any{"op": FlagGatewayOpcodeHeartbeatACK, "d": nil})

			if code := g.waitClose(ctx); code != websocket.StatusCode(FlagClientCloseEventCodeProtocolError) {
				t.Errorf("close code: got %d, wanted %d", code, FlagClientCloseEventCodeProtocolError)
			}
		},
		func(ctx context.Context, g *gatewayConn) {
			g.hello(ctx, 41250)

			op, _ := g.readCommand(ctx)
			reconnected <- op

			g.waitClose(ctx)
		},
	)

	s, _ := testShard(t, srv, Config{})
	result := run(s)

	if op := await(t, reconnected, "the second connection's command"); op != FlagGatewayOpcodeIdentify {
		t.Errorf("received opcode %d, wanted an Identify", op)
	}

	s.Close(true)

	if err := await(t, result, "Run to return"); err != nil {
		t.Errorf("Run returned %v, wanted nil", err)
	}
}

// TestRunInvalidEnvelope tests that a Shard closes the connection with
// code 1007 upon receiving a message that is not a JSON object,
// then identifies from scratch.
func TestRunInvalidEnvelope(t *testing.T) {
	reidentified := make(chan int, 1)

	srv := newTestGateway(t,
		func(ctx context.Context, g *gatewayConn) {
			g.hello(ctx, 41250)
			g.readCommand(ctx) // Identify

			g.send(ctx, map[string]any{
				"op": FlagGatewayOpcodeDispatch,
				"t":  FlagGatewayEventNameReady,
				"s":  1,
				"d":  map[string]any{"session_id": "abc"},
			})

			g.send(ctx, []any{})

			if code := g.waitClose(ctx); code != websocket.StatusCode(FlagClientCloseEventCodeInvalidPayload) {
				t.Errorf("close code: got %d, wanted %d", code, FlagClientCloseEventCodeInvalidPayload)
			}
		},
		func(ctx context.Context, g *gatewayConn) {
			g.hello(ctx, 41250)

			op, _ := g.readCommand(ctx)
			reidentified <- op

			g.waitClose(ctx)
		},
	)

	s, _ := testShard(t, srv, Config{})
	result := run(s)

	if op := await(t, reidentified, "the second connection's command"); op != FlagGatewayOpcodeIdentify {
		t.Errorf("received opcode %d after an invalid envelope, wanted an Identify", op)
	}

	s.Close(true)

	if err := await(t, result, "Run to return"); err != nil {
		t.Errorf("Run returned %v, wanted nil", err)
	}
}

// TestRunShutdown tests that Close(true) closes the connection with
// code 1000 and returns once Run has returned.
func TestRunShutdown(t *testing.T) {
	closed := make(chan websocket.StatusCode, 1)

	srv := newTestGateway(t,
		func(ctx context.Context, g *gatewayConn) {
			g.hello(ctx, 41250)
			g.readCommand(ctx) // Identify

			g.send(ctx, map[string]any{
				"op": FlagGatewayOpcodeDispatch,
				"t":  FlagGatewayEventNameReady,
				"s":  1,
				"d":  map[string]any{"session_id": "abc"},
			})

			closed <- g.waitClose(ctx)
		},
	)

	s, events := testShard(t, srv, Config{})
	result := run(s)

	await(t, events, "the READY dispatch")

	s.Close(true)

	if err := await(t, result, "Run to return"); err != nil {
		t.Errorf("Run returned %v, wanted nil", err)
	}

	if code := await(t, closed, "the connection to close"); code != websocket.StatusCode(FlagClientCloseEventCodeNormal) {
		t.Errorf("close code: got %d, wanted %d", code, FlagClientCloseEventCodeNormal)
	}
}

// TestRunIdentifyShape tests the shape of an Identify sent by an incognito,
// sharded Shard with an initial presence.
func TestRunIdentifyShape(t *testing.T) {
	identified := make(chan json.RawMessage, 1)

	srv := newTestGateway(t,
		func(ctx context.Context, g *gatewayConn) {
			g.hello(ctx, 41250)

			op, data := g.readCommand(ctx)
			if op != FlagGatewayOpcodeIdentify {
				t.Errorf("received opcode %d, wanted an Identify", op)
			}

			identified <- data

			g.waitClose(ctx)
		},
	)

	shardID, shardCount := 2, 4
	s, _ := testShard(t, srv, Config{
		Incognito:  true,
		ShardID:    &shardID,
		ShardCount: &shardCount,
		Presence:   &GatewayPresenceUpdate{Status: FlagTypesStatusAFK},
	})
	result := run(s)

	data := await(t, identified, "the Identify command")

	var identify Identify
	if err := json.Unmarshal(data, &identify); err != nil {
		t.Fatalf("unmarshalling the Identify: %v", err)
	}

	redacted := IdentifyConnectionProperties{OS: Redacted, Browser: Redacted, Device: Redacted}
	if identify.Properties != redacted {
		t.Errorf("Identify properties: got %+v, wanted every field redacted", identify.Properties)
	}

	if identify.Shard == nil || *identify.Shard != [2]int{2, 4} {
		t.Errorf("Identify shard: got %v, wanted %v", identify.Shard, [2]int{2, 4})
	}

	if identify.Status == nil || identify.Status.Status != FlagTypesStatusAFK {
		t.Errorf("Identify status: got %+v, wanted %q", identify.Status, FlagTypesStatusAFK)
	}

	// the compress field is serialized explicitly (rather than omitted).
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(data, &fields); err != nil {
		t.Fatalf("unmarshalling the Identify fields: %v", err)
	}

	if compress, ok := fields["compress"]; !ok || string(compress) != "false" {
		t.Errorf("Identify compress field: got %q (present: %v), wanted false", compress, ok)
	}

	s.Close(true)

	if err := await(t, result, "Run to return"); err != nil {
		t.Errorf("Run returned %v, wanted nil", err)
	}
}

// TestRunHeartbeat tests that a Shard sends Heartbeats carrying the last
// observed sequence number, answers a server Heartbeat with an ACK, and
// measures latency from the acknowledgement.
func TestRunHeartbeat(t *testing.T) {
	beats := make(chan json.RawMessage, 4)
	acked := make(chan int, 1)

	srv := newTestGateway(t,
		func(ctx context.Context, g *gatewayConn) {
			g.hello(ctx, 250)
			g.readCommand(ctx) // Identify

			g.send(ctx, map[string]any{
				"op": FlagGatewayOpcodeDispatch,
				"t":  FlagGatewayEventNameReady,
				"s":  5,
				"d":  map[string]any{"session_id": "abc"},
			})

			// the first Heartbeat carries the READY sequence.
			op, data := g.readCommand(ctx)
			if op != FlagGatewayOpcodeHeartbeat {
				t.Errorf("received opcode %d, wanted a Heartbeat", op)
			}
			beats <- data

			g.send(ctx, map[string]any{"op": FlagGatewayOpcodeHeartbeatACK, "d": nil})

			// the Shard acknowledges a server-requested ping immediately.
			g.send(ctx, map[string]any{"op": FlagGatewayOpcodeHeartbeat, "d": nil})

			op, _ = g.readCommand(ctx)
			acked <- op

			g.waitClose(ctx)
		},
	)

	s, _ := testShard(t, srv, Config{})
	result := run(s)

	beat := await(t, beats, "the first Heartbeat")

	var seq int64
	if err := json.Unmarshal(beat, &seq); err != nil || seq != 5 {
		t.Errorf("Heartbeat sequence: got %s (%v), wanted %d", beat, err, 5)
	}

	if op := await(t, acked, "the HeartbeatACK"); op != FlagGatewayOpcodeHeartbeatACK {
		t.Errorf("received opcode %d in response to a server Heartbeat, wanted a HeartbeatACK", op)
	}

	if latency := s.Latency(); latency <= 0 {
		t.Errorf("latency: got %v, wanted a positive duration", latency)
	}

	s.Close(true)

	if err := await(t, result, "Run to return"); err != nil {
		t.Errorf("Run returned %v, wanted nil", err)
	}
}

// TestRunQueuedCommands tests that fire-and-forget commands are written
// in the order they were queued.
func TestRunQueuedCommands(t *testing.T) {
	commands := make(chan int, 4)

	srv := newTestGateway(t,
		func(ctx context.Context, g *gatewayConn) {
			g.hello(ctx, 41250)
			g.readCommand(ctx) // Identify

			g.send(ctx, map[string]any{
				"op": FlagGatewayOpcodeDispatch,
				"t":  FlagGatewayEventNameReady,
				"s":  1,
				"d":  map[string]any{"session_id": "abc"},
			})

			for i := 0; i < 2; i++ {
				op, _ := g.readCommand(ctx)
				commands <- op
			}

			g.waitClose(ctx)
		},
	)

	s, events := testShard(t, srv, Config{})
	result := run(s)

	await(t, events, "the READY dispatch")

	if err := s.UpdatePresence(GatewayPresenceUpdate{Status: FlagTypesStatusOnline}); err != nil {
		t.Fatalf("queueing a presence update: %v", err)
	}

	if err := s.RequestGuildMembers(GuildRequestMembers{GuildID: "1"}); err != nil {
		t.Fatalf("queueing a guild member request: %v", err)
	}

	if op := await(t, commands, "the first queued command"); op != FlagGatewayOpcodeStatusUpdate {
		t.Errorf("first command: got opcode %d, wanted %d", op, FlagGatewayOpcodeStatusUpdate)
	}

	if op := await(t, commands, "the second queued command"); op != FlagGatewayOpcodeRequestGuildMembers {
		t.Errorf("second command: got opcode %d, wanted %d", op, FlagGatewayOpcodeRequestGuildMembers)
	}

	s.Close(true)

	if err := await(t, result, "Run to return"); err != nil {
		t.Errorf("Run returned %v, wanted nil", err)
	}
}
