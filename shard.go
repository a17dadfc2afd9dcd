package shard

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"runtime"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	json "github.com/goccy/go-json"
	"github.com/rs/xid"
	"golang.org/x/sync/errgroup"

	"github.com/switchupcb/websocket"
)

const (
	module = "github.com/switchupcb/shard"

	// Redacted replaces the identifying connection properties
	// sent to the Discord Gateway when Config.Incognito is set.
	Redacted = "redacted"

	// reconnectWait represents the back-off floor in between connection attempts.
	reconnectWait = 2 * time.Second

	// dialTimeout represents the amount of time a WebSocket dial may take.
	dialTimeout = time.Minute

	// maxReadLimit represents the maximum size of a single frame:
	// the Discord Gateway can send payloads tens of megabytes in size.
	maxReadLimit = 64 << 20

	defaultLargeThreshold = 50
	defaultMaxBufferSize  = 3 * 1024 * 1024
)

// DispatchFunc consumes the name and payload of a dispatched Gateway event.
//
// A DispatchFunc is called from the Shard's event loop in wire order
// and must NOT block.
type DispatchFunc func(event string, data json.RawMessage)

// Config represents the immutable configuration of a Shard.
type Config struct {
	// Endpoint represents the base URI used to connect to the Discord Gateway.
	//
	// Any pre-existing query string is stripped prior to connecting.
	// When empty, the endpoint is requested from the Discord API (using Client).
	Endpoint string

	// Token represents the token used to authenticate with the Discord Gateway.
	Token string

	// ShardID and ShardCount represent the shard information sent in an
	// Identify: provide both or neither.
	// https://discord.com/developers/docs/topics/gateway#sharding
	ShardID    *int
	ShardCount *int

	// Incognito redacts the identifying connection properties
	// (OS, Browser, Device) sent in an Identify.
	Incognito bool

	// LargeThreshold represents the total number of members where the
	// Discord Gateway stops sending offline members in the guild member list.
	LargeThreshold int

	// Presence represents the initial presence set upon identifying (optional).
	Presence *GatewayPresenceUpdate

	// MaxBufferSize represents the maximum capacity (in bytes) the message
	// accumulation buffer may retain in between messages.
	MaxBufferSize int

	// Dispatch represents the dispatch sink DISPATCH events are forwarded to.
	Dispatch DispatchFunc

	// OS, Browser, and Device represent the identifying connection properties
	// sent in an Identify. Defaults describe this runtime and library.
	OS      string
	Browser string
	Device  string

	// Client represents the Discord API client used to request a valid
	// Gateway endpoint when Endpoint is empty.
	Client *Client
}

// Shard represents a single persistent connection to the Discord Gateway:
// it authenticates, maintains liveness via heartbeats, dispatches events to
// the configured sink, and recovers from transport faults by resuming or
// reidentifying autonomously.
type Shard struct {
	config Config

	// label identifies the Shard in logs.
	label string

	// mu protects the session fields below.
	mu sync.RWMutex

	// sessionID represents the ID of the current session (from READY).
	sessionID string

	// trace represents the Discord Gateway server trace (from HELLO and READY).
	trace []string

	// heartbeatInterval represents the interval of time between each
	// Heartbeat Payload (from HELLO).
	heartbeatInterval time.Duration

	// seq represents the last observed sequence number (0 = none this session).
	seq int64

	// lastHeartbeatSent and lastACKReceived represent the unix (ns) timestamps
	// of the last Heartbeat sent and the last HeartbeatACK received
	// on the current connection (0 = never).
	lastHeartbeatSent int64
	lastACKReceived   int64

	// latency represents the duration (ns) between the last Heartbeat sent
	// and its acknowledgement.
	latency int64

	// limiter enforces the outbound send rate limit.
	limiter *SendLimiter

	// queue holds fire-and-forget commands until the transmitter writes them.
	queue chan queuedCommand

	conn    *websocket.Conn
	decoder *decoder

	// closing is closed when a shutdown is requested;
	// done is closed when Run returns.
	closing   chan struct{}
	done      chan struct{}
	closeOnce sync.Once
	started   uint32
}

// New validates the given configuration and returns a Shard.
func New(config Config) (*Shard, error) {
	if config.Token == "" {
		return nil, errors.New("a token is required to connect to the Discord Gateway")
	}

	if (config.ShardID == nil) != (config.ShardCount == nil) {
		return nil, errors.New("a shard ID and a shard count must be provided together")
	}

	if config.LargeThreshold == 0 {
		config.LargeThreshold = defaultLargeThreshold
	}

	if config.MaxBufferSize == 0 {
		config.MaxBufferSize = defaultMaxBufferSize
	}

	if config.OS == "" {
		config.OS = runtime.GOOS
	}

	if config.Browser == "" {
		config.Browser = module
	}

	if config.Device == "" {
		config.Device = runtime.Version()
	}

	if config.Dispatch == nil {
		config.Dispatch = func(string, json.RawMessage) {}
	}

	if config.Endpoint == "" && config.Client == nil {
		config.Client = NewClient(config.Token)
	}

	label := "-"
	if config.ShardID != nil {
		label = strconv.Itoa(*config.ShardID)
	}

	return &Shard{
		config:  config,
		label:   label,
		limiter: NewSendLimiter(FlagGatewaySendRateLimitTolerance, FlagGatewaySendRateLimitReserved, gatewaySendRateLimitWindow),
		queue:   make(chan queuedCommand, sendQueueCapacity),
		closing: make(chan struct{}),
		done:    make(chan struct{}),
	}, nil
}

// Run connects the Shard to the Discord Gateway and keeps it connected
// (by resuming or reidentifying) until Close is called, ctx is done,
// or a terminal close code is received.
func (s *Shard) Run(ctx context.Context) error {
	atomic.StoreUint32(&s.started, 1)
	defer close(s.done)

	for {
		err := s.connect(ctx)

		// a user-requested shutdown closes the connection gracefully.
		select {
		case <-s.closing:
			LogShard(Logger.Info(), s.label).Msg("shard shut down")

			return nil
		default:
		}

		if ctx.Err() != nil {
			return ctx.Err()
		}

		switch termination := s.terminate(err).(type) {
		case ErrorResume:
			LogClose(LogShard(Logger.Warn(), s.label), termination.Code, termination.Reason).
				Msg("reconnecting with the session retained")

		case ErrorReidentify:
			s.clearSession()

			LogClose(LogShard(Logger.Warn(), s.label), termination.Code, termination.Reason).
				Msg("reconnecting with the session discarded")

		case ErrorFatal:
			LogClose(LogShard(Logger.Error(), s.label), termination.Code, termination.Reason).
				Msg("shard stopped")

			return termination
		}

		// sleep for the back-off floor in between connection attempts.
		select {
		case <-time.After(reconnectWait):
		case <-s.closing:
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// Close signals the Shard to shut down gracefully.
//
// When block is set, Close waits until the connection is closed
// and Run has returned.
func (s *Shard) Close(block bool) {
	s.closeOnce.Do(func() {
		close(s.closing)
	})

	if block && atomic.LoadUint32(&s.started) == 1 {
		<-s.done
	}
}

// connect runs a single connection to the Discord Gateway until termination.
func (s *Shard) connect(ctx context.Context) error {
	address, err := s.gatewayAddress()
	if err != nil {
		return err
	}

	dialCtx, cancel := context.WithTimeout(ctx, dialTimeout)
	defer cancel()

	// transport compression is disabled: the zlib stream is inflated in-band
	// by the decoder, so compressing frames would compress the data twice.
	conn, _, err := websocket.Dial(dialCtx, address, &websocket.DialOptions{
		CompressionMode: websocket.CompressionDisabled,
	})
	if err != nil {
		return fmt.Errorf("error occurred while connecting to the Discord Gateway: %w", err)
	}

	conn.SetReadLimit(maxReadLimit)

	connCtx, stop := context.WithCancel(ctx)
	defer stop()
	defer conn.Close(websocket.StatusGoingAway, "")

	s.conn = conn
	s.decoder = newDecoder(conn, s.config.MaxBufferSize)

	// liveness stamps apply to a single transport connection.
	atomic.StoreInt64(&s.lastHeartbeatSent, 0)
	atomic.StoreInt64(&s.lastACKReceived, 0)

	LogShard(Logger.Info(), s.label).Str(LogCtxCorrelation, xid.New().String()).Msg("connected to the Discord Gateway")

	// the first frame of every connection is a HELLO.
	if err := s.hello(connCtx); err != nil {
		return err
	}

	// RESUME the prior session when one is held; IDENTIFY otherwise.
	if s.canResume() {
		err = s.resume(connCtx)
	} else {
		err = s.identify(connCtx)
	}

	if err != nil {
		return err
	}

	eg, egCtx := errgroup.WithContext(connCtx)
	eg.Go(func() error {
		return s.listen(egCtx)
	})
	eg.Go(func() error {
		return s.beat(egCtx)
	})
	eg.Go(func() error {
		return s.transmit(egCtx)
	})

	return eg.Wait()
}

// hello handles the incoming HELLO event of a connection.
func (s *Shard) hello(ctx context.Context) error {
	payload, err := s.read(ctx)
	if err != nil {
		return err
	}
	defer putPayload(payload)

	if payload.Op != FlagGatewayOpcodeHello {
		return s.forceResume(FlagClientCloseEventCodeProtocolError,
			fmt.Sprintf("expected a HELLO opcode but got %d", payload.Op),
		)
	}

	var hello Hello
	if err := json.Unmarshal(payload.Data, &hello); err != nil {
		return s.forceReidentify(FlagClientCloseEventCodeInvalidPayload, "HELLO payload could not be unmarshalled")
	}

	// the Discord Gateway provides the heartbeat interval in milliseconds.
	interval := time.Duration(hello.HeartbeatInterval * float64(time.Millisecond))
	if interval <= 0 {
		return s.forceReidentify(FlagClientCloseEventCodeInvalidPayload, "HELLO carried no heartbeat interval")
	}

	s.mu.Lock()
	s.heartbeatInterval = interval
	s.trace = hello.Trace
	s.mu.Unlock()

	LogShard(Logger.Info(), s.label).
		Strs(LogCtxTrace, hello.Trace).
		Dur("heartbeat_interval", interval).
		Msg("received HELLO")

	return nil
}

// identify sends an Opcode 2 Identify to the Discord Gateway,
// starting a fresh session.
func (s *Shard) identify(ctx context.Context) error {
	properties := IdentifyConnectionProperties{
		OS:      s.config.OS,
		Browser: s.config.Browser,
		Device:  s.config.Device,
	}

	if s.config.Incognito {
		properties = IdentifyConnectionProperties{
			OS:      Redacted,
			Browser: Redacted,
			Device:  Redacted,
		}
	}

	identify := Identify{
		Token:          s.config.Token,
		Compress:       false,
		LargeThreshold: s.config.LargeThreshold,
		Properties:     properties,
		Status:         s.config.Presence,
	}

	if s.config.ShardID != nil && s.config.ShardCount != nil {
		identify.Shard = &[2]int{*s.config.ShardID, *s.config.ShardCount}
	}

	LogShard(Logger.Info(), s.label).Msg("identifying a new session")

	return s.writeCommand(ctx, FlagGatewayOpcodeIdentify, FlagGatewayCommandNameIdentify, identify, false)
}

// resume sends an Opcode 6 Resume to the Discord Gateway,
// reattaching to the held session.
func (s *Shard) resume(ctx context.Context) error {
	s.mu.RLock()
	sessionID := s.sessionID
	s.mu.RUnlock()

	resume := Resume{
		Token:     s.config.Token,
		SessionID: sessionID,
		Seq:       atomic.LoadInt64(&s.seq),
	}

	LogSession(LogShard(Logger.Info(), s.label), sessionID).Msg("resuming the session")

	return s.writeCommand(ctx, FlagGatewayOpcodeResume, FlagGatewayCommandNameResume, resume, false)
}

// gatewayAddress builds the URI used to connect to the Discord Gateway.
func (s *Shard) gatewayAddress() (string, error) {
	endpoint := s.config.Endpoint
	if endpoint == "" {
		response, err := s.config.Client.GetGateway()
		if err != nil {
			return "", fmt.Errorf("error occurred getting the Gateway API endpoint: %w", err)
		}

		endpoint = response.URL
	}

	uri, err := url.Parse(endpoint)
	if err != nil {
		return "", fmt.Errorf("error occurred parsing the Gateway endpoint %q: %w", endpoint, err)
	}

	// any pre-existing query string is stripped.
	uri.RawQuery = ""
	uri.Fragment = ""

	query, err := EndpointQueryString(GatewayURLQueryString{
		V:           VersionGatewayAPI,
		Encoding:    "json",
		Compression: "zlib-stream",
	})
	if err != nil {
		return "", fmt.Errorf(ErrQueryString, "the Gateway endpoint", err)
	}

	return uri.String() + "?" + query, nil
}

// canResume determines whether the Shard holds a resumable session.
func (s *Shard) canResume() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return s.sessionID != "" && atomic.LoadInt64(&s.seq) != 0
}

// clearSession discards the session: the next connection identifies from scratch.
func (s *Shard) clearSession() {
	s.mu.Lock()
	s.sessionID = ""
	s.trace = nil
	s.mu.Unlock()

	atomic.StoreInt64(&s.seq, 0)
}

// forceResume closes the connection with the given close code,
// requesting a reconnect that retains the session.
func (s *Shard) forceResume(code int, reason string) error {
	_ = s.conn.Close(websocket.StatusCode(code), reason)

	return ErrorResume{Code: code, Reason: reason}
}

// forceReidentify closes the connection with the given close code,
// requesting a reconnect that discards the session.
func (s *Shard) forceReidentify(code int, reason string) error {
	_ = s.conn.Close(websocket.StatusCode(code), reason)

	return ErrorReidentify{Code: code, Reason: reason}
}

// SessionID returns the ID of the current session
// (empty when no session is held).
func (s *Shard) SessionID() string {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return s.sessionID
}

// Seq returns the last observed sequence number (0 = none this session).
func (s *Shard) Seq() int64 {
	return atomic.LoadInt64(&s.seq)
}

// Trace returns the Discord Gateway server trace.
func (s *Shard) Trace() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()

	trace := make([]string, len(s.trace))
	copy(trace, s.trace)

	return trace
}

// Latency returns the duration between the last Heartbeat sent
// and its acknowledgement.
func (s *Shard) Latency() time.Duration {
	return time.Duration(atomic.LoadInt64(&s.latency))
}

// HeartbeatInterval returns the heartbeat interval provided by the Discord Gateway.
func (s *Shard) HeartbeatInterval() time.Duration {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return s.heartbeatInterval
}
