package shard

import (
	"context"
	"errors"
	"sync/atomic"
	"time"

	json "github.com/goccy/go-json"

	"github.com/switchupcb/websocket"
)

// read returns the next Gateway Payload from the connection.
func (s *Shard) read(ctx context.Context) (*GatewayPayload, error) {
	payload, err := s.decoder.next(ctx)
	if err != nil {
		if errors.Is(err, errEnvelope) {
			return nil, s.forceReidentify(FlagClientCloseEventCodeInvalidPayload, "expected a JSON object")
		}

		return nil, err
	}

	return payload, nil
}

// listen listens to the connection for payloads from the Discord Gateway.
func (s *Shard) listen(ctx context.Context) error {
	for {
		payload, err := s.read(ctx)
		if err != nil {
			return err
		}

		if err := s.onPayload(ctx, payload); err != nil {
			return err
		}
	}
}

// onPayload handles a Discord Gateway Payload.
func (s *Shard) onPayload(ctx context.Context, payload *GatewayPayload) error {
	defer putPayload(payload)

	LogPayload(LogShard(Logger.Debug(), s.label), payload.Op, payload.Data).Msg("received payload")

	// the sequence number is updated prior to any other action, such that a
	// command triggered by the dispatch sink observes the freshest sequence.
	//
	// the sequence never regresses within a session.
	if payload.SequenceNumber != nil && *payload.SequenceNumber > atomic.LoadInt64(&s.seq) {
		atomic.StoreInt64(&s.seq, *payload.SequenceNumber)
	}

	// https://discord.com/developers/docs/topics/opcodes-and-status-codes#gateway-gateway-opcodes
	switch payload.Op {
	// forward the event to the dispatch sink.
	case FlagGatewayOpcodeDispatch:
		s.onDispatch(payload)

	// the Discord Gateway requested a ping: acknowledge it immediately.
	case FlagGatewayOpcodeHeartbeat:
		return s.writeCommand(ctx, FlagGatewayOpcodeHeartbeatACK, FlagGatewayCommandNameHeartbeatACK, nil, true)

	// handle the acknowledgement of the client's last Heartbeat.
	case FlagGatewayOpcodeHeartbeatACK:
		now := time.Now().UnixNano()
		atomic.StoreInt64(&s.lastACKReceived, now)

		if sent := atomic.LoadInt64(&s.lastHeartbeatSent); sent != 0 {
			atomic.StoreInt64(&s.latency, now-sent)

			LogShard(Logger.Debug(), s.label).
				Dur("latency", time.Duration(now-sent)).
				Msg("received HEARTBEAT_ACK")
		}

	// the Discord Gateway is shutting down the connection.
	case FlagGatewayOpcodeReconnect:
		return s.forceReidentify(FlagClientCloseEventCodeReconnect, "RECONNECT opcode was received")

	// the session was invalidated by the Discord Gateway.
	case FlagGatewayOpcodeInvalidSession:
		return s.forceReidentify(FlagClientCloseEventCodeReconnect, "session ID is invalid")

	// HELLO is only valid as the first frame of a connection (handled by hello()).
	case FlagGatewayOpcodeHello:
		LogPayload(LogShard(Logger.Warn(), s.label), payload.Op, payload.Data).
			Msg("received HELLO after the first frame")

	default:
		LogPayload(LogShard(Logger.Warn(), s.label), payload.Op, payload.Data).
			Msg("received unrecognised opcode")
	}

	return nil
}

// onDispatch handles an Opcode 0 Dispatch payload.
func (s *Shard) onDispatch(payload *GatewayPayload) {
	if payload.EventName == nil {
		LogPayload(LogShard(Logger.Warn(), s.label), payload.Op, payload.Data).
			Msg("received DISPATCH with no event name")

		return
	}

	event := *payload.EventName

	switch event {
	// READY establishes the session: its session ID determines resumption.
	case FlagGatewayEventNameReady:
		var ready Ready
		if err := json.Unmarshal(payload.Data, &ready); err != nil {
			LogShard(Logger.Warn(), s.label).Err(err).Msg("READY payload could not be unmarshalled")

			break
		}

		s.mu.Lock()
		s.sessionID = ready.SessionID
		if len(ready.Trace) > 0 {
			s.trace = ready.Trace
		}
		s.mu.Unlock()

		LogSession(LogShard(Logger.Info(), s.label), ready.SessionID).Msg("received READY")

	case FlagGatewayEventNameResumed:
		LogSession(LogShard(Logger.Info(), s.label), s.SessionID()).Msg("received RESUMED")
	}

	s.dispatch(event, payload.Data)
}

// dispatch forwards a DISPATCH event to the dispatch sink.
//
// The sink is called in wire order from the connection's event loop:
// its errors are its own, so a panicking sink never corrupts the Shard.
func (s *Shard) dispatch(event string, data json.RawMessage) {
	defer func() {
		if r := recover(); r != nil {
			LogShard(Logger.Error(), s.label).
				Str(LogCtxEvent, event).
				Interface("panic", r).
				Msg("dispatch sink panicked")
		}
	}()

	s.config.Dispatch(event, data)
}

// terminate converts a connection fault into a typed termination
// (ErrorResume, ErrorReidentify, or ErrorFatal).
func (s *Shard) terminate(err error) error {
	if err == nil {
		return ErrorReidentify{Code: -1, Reason: "connection ended"}
	}

	var (
		resume     ErrorResume
		reidentify ErrorReidentify
		fatal      ErrorFatal
	)

	switch {
	case errors.As(err, &resume):
		return resume
	case errors.As(err, &reidentify):
		return reidentify
	case errors.As(err, &fatal):
		return fatal
	}

	var closeErr websocket.CloseError
	if errors.As(err, &closeErr) {
		code := int(closeErr.Code)

		// https://discord.com/developers/docs/topics/opcodes-and-status-codes#gateway-gateway-close-event-codes
		if known, ok := GatewayCloseEventCodes[code]; ok {
			if !known.Reconnect {
				return ErrorFatal{Code: code, Reason: known.Description}
			}

			if s.canResume() {
				return ErrorResume{Code: code, Reason: known.Description}
			}

			return ErrorReidentify{Code: code, Reason: known.Description}
		}

		// close codes below the Discord Gateway range permit resumption
		// when a session is held.
		if code < 4000 && s.canResume() {
			return ErrorResume{Code: code, Reason: closeErr.Reason}
		}

		return ErrorReidentify{Code: code, Reason: closeErr.Reason}
	}

	return ErrorReidentify{Code: -1, Reason: err.Error()}
}
