package shard

import (
	"os"
	"time"

	json "github.com/goccy/go-json"
	"github.com/rs/zerolog"
)

// init is called at the start of the application.
func init() {
	zerolog.TimeFieldFormat = time.RFC3339Nano
	zerolog.SetGlobalLevel(zerolog.Disabled)
}

var (
	// Logger represents the logger used to log information.
	Logger = zerolog.New(os.Stdout)
)

// Logger Contexts
const (
	// LogCtxShard represents the log key for a Shard label.
	LogCtxShard = "shard"

	// LogCtxSession represents the log key for a Discord Session ID.
	LogCtxSession = "session"

	// LogCtxCorrelation represents the log key for a Correlation ID.
	LogCtxCorrelation = "xid"

	// LogCtxPayload represents the log key for a Discord Gateway Payload.
	LogCtxPayload = "payload"

	// LogCtxPayloadOpcode represents the log key for a Discord Gateway Payload opcode.
	LogCtxPayloadOpcode = "opcode"

	// LogCtxPayloadData represents the log key for Discord Gateway Payload data.
	LogCtxPayloadData = "data"

	// LogCtxCommand represents the log key for a Discord Gateway command.
	LogCtxCommand = "command"

	// LogCtxCommandOpcode represents the log key for a Discord Gateway command opcode.
	LogCtxCommandOpcode = "opcode"

	// LogCtxCommandName represents the log key for a Discord Gateway command name.
	LogCtxCommandName = "name"

	// LogCtxEvent represents the log key for a Discord Gateway Event.
	LogCtxEvent = "event"

	// LogCtxCloseCode represents the log key for a WebSocket close code.
	LogCtxCloseCode = "code"

	// LogCtxReason represents the log key for a connection termination reason.
	LogCtxReason = "reason"

	// LogCtxTrace represents the log key for the Discord Gateway server trace.
	LogCtxTrace = "trace"

	// LogCtxEndpoint represents the log key for an Endpoint.
	LogCtxEndpoint = "endpoint"
)

// LogShard logs a Shard.
func LogShard(log *zerolog.Event, label string) *zerolog.Event {
	return log.Timestamp().
		Str(LogCtxShard, label)
}

// LogSession logs a session (typically using LogShard).
func LogSession(log *zerolog.Event, sessionid string) *zerolog.Event {
	return log.Str(LogCtxSession, sessionid)
}

// LogPayload logs a Discord Gateway Payload (typically using LogShard).
func LogPayload(log *zerolog.Event, op int, data json.RawMessage) *zerolog.Event {
	return log.Dict(LogCtxPayload, zerolog.Dict().
		Int(LogCtxPayloadOpcode, op).
		Bytes(LogCtxPayloadData, data),
	)
}

// LogCommand logs a Gateway Command (typically using LogShard).
func LogCommand(log *zerolog.Event, op int, command string) *zerolog.Event {
	return log.Dict(LogCtxCommand, zerolog.Dict().
		Int(LogCtxCommandOpcode, op).
		Str(LogCtxCommandName, command),
	)
}

// LogRequest logs a request.
func LogRequest(log *zerolog.Event, xid, endpoint string) *zerolog.Event {
	return log.Timestamp().
		Str(LogCtxCorrelation, xid).
		Str(LogCtxEndpoint, endpoint)
}

// LogClose logs a connection termination (typically using LogShard).
func LogClose(log *zerolog.Event, code int, reason string) *zerolog.Event {
	return log.Int(LogCtxCloseCode, code).
		Str(LogCtxReason, reason)
}
