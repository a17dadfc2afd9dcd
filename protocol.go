package shard

import (
	json "github.com/goccy/go-json"
)

// VersionGatewayAPI represents the Discord Gateway API version this library speaks.
const VersionGatewayAPI = "7"

// Gateway Opcodes
// https://discord.com/developers/docs/topics/opcodes-and-status-codes#gateway-gateway-opcodes
const (
	FlagGatewayOpcodeDispatch            = 0
	FlagGatewayOpcodeHeartbeat           = 1
	FlagGatewayOpcodeIdentify            = 2
	FlagGatewayOpcodeStatusUpdate        = 3
	FlagGatewayOpcodeVoiceStateUpdate    = 4
	FlagGatewayOpcodeResume              = 6
	FlagGatewayOpcodeReconnect           = 7
	FlagGatewayOpcodeRequestGuildMembers = 8
	FlagGatewayOpcodeInvalidSession      = 9
	FlagGatewayOpcodeHello               = 10
	FlagGatewayOpcodeHeartbeatACK        = 11
)

// Gateway Commands
// https://discord.com/developers/docs/topics/gateway#commands-and-events-gateway-commands
const (
	FlagGatewayCommandNameIdentify            = "Identify"
	FlagGatewayCommandNameResume              = "Resume"
	FlagGatewayCommandNameHeartbeat           = "Heartbeat"
	FlagGatewayCommandNameHeartbeatACK        = "HeartbeatACK"
	FlagGatewayCommandNameStatusUpdate        = "StatusUpdate"
	FlagGatewayCommandNameVoiceStateUpdate    = "VoiceStateUpdate"
	FlagGatewayCommandNameRequestGuildMembers = "RequestGuildMembers"
)

// Gateway Events handled by the core.
// https://discord.com/developers/docs/topics/gateway#commands-and-events-gateway-events
const (
	FlagGatewayEventNameReady   = "READY"
	FlagGatewayEventNameResumed = "RESUMED"
)

// GatewayPayload represents a Gateway Payload (Event) sent by the Discord Gateway.
// https://discord.com/developers/docs/topics/gateway#payloads-gateway-payload-structure
type GatewayPayload struct {
	Op             int             `json:"op"`
	Data           json.RawMessage `json:"d,omitempty"`
	SequenceNumber *int64          `json:"s,omitempty"`
	EventName      *string         `json:"t,omitempty"`
}

// GatewayCommand represents a Gateway Payload (Command) sent to the Discord Gateway.
//
// Data is always serialized, such that a Heartbeat prior to the first
// Dispatch carries a null sequence number.
type GatewayCommand struct {
	Op   int `json:"op"`
	Data any `json:"d"`
}

// Hello Structure
// https://discord.com/developers/docs/topics/gateway#hello-hello-structure
type Hello struct {
	// HeartbeatInterval is provided by the Discord Gateway in milliseconds.
	HeartbeatInterval float64  `json:"heartbeat_interval"`
	Trace             []string `json:"_trace,omitempty"`
}

// Ready Event Fields (observed by the core)
// https://discord.com/developers/docs/topics/gateway#ready-ready-event-fields
//
// The remainder of the Ready payload describes chat entities and is passed
// through to the dispatch sink untouched.
type Ready struct {
	Version   int      `json:"v,omitempty"`
	SessionID string   `json:"session_id,omitempty"`
	Trace     []string `json:"_trace,omitempty"`
}

// Identify Structure
// https://discord.com/developers/docs/topics/gateway#identify-identify-structure
type Identify struct {
	Token          string                       `json:"token"`
	Compress       bool                         `json:"compress"`
	LargeThreshold int                          `json:"large_threshold"`
	Properties     IdentifyConnectionProperties `json:"properties"`
	Shard          *[2]int                      `json:"shard,omitempty"`
	Status         *GatewayPresenceUpdate       `json:"status,omitempty"`
}

// Identify Connection Properties
// https://discord.com/developers/docs/topics/gateway#identify-identify-connection-properties
type IdentifyConnectionProperties struct {
	OS      string `json:"$os"`
	Browser string `json:"$browser"`
	Device  string `json:"$device"`
}

// Resume Structure
// https://discord.com/developers/docs/topics/gateway#resume-resume-structure
type Resume struct {
	Token     string `json:"token"`
	SessionID string `json:"session_id"`
	Seq       int64  `json:"seq"`
}

// Gateway Presence Update Structure
// https://discord.com/developers/docs/topics/gateway#update-presence-gateway-presence-update-structure
//
// Activities are passed through as raw JSON since the core does not model
// chat entities.
type GatewayPresenceUpdate struct {
	Since  *int              `json:"since"`
	Game   []json.RawMessage `json:"game,omitempty"`
	Status string            `json:"status"`
	AFK    bool              `json:"afk"`
}

// Status Types
// https://discord.com/developers/docs/topics/gateway#update-presence-status-types
const (
	FlagTypesStatusOnline       = "online"
	FlagTypesStatusDoNotDisturb = "dnd"
	FlagTypesStatusAFK          = "idle"
	FlagTypesStatusInvisible    = "invisible"
	FlagTypesStatusOffline      = "offline"
)

// Gateway Voice State Update Structure
// https://discord.com/developers/docs/topics/gateway#update-voice-state-gateway-voice-state-update-structure
type GatewayVoiceStateUpdate struct {
	GuildID   string  `json:"guild_id"`
	ChannelID *string `json:"channel_id"`
	SelfMute  bool    `json:"self_mute"`
	SelfDeaf  bool    `json:"self_deaf"`
}

// Guild Request Members Structure
// https://discord.com/developers/docs/topics/gateway#request-guild-members-guild-request-members-structure
type GuildRequestMembers struct {
	GuildID   string   `json:"guild_id"`
	Query     *string  `json:"query,omitempty"`
	Limit     uint     `json:"limit"`
	Presences bool     `json:"presences,omitempty"`
	UserIDs   []string `json:"user_ids,omitempty"`
	Nonce     string   `json:"nonce,omitempty"`
}

// Gateway URL Query String Params
// https://discord.com/developers/docs/topics/gateway#connecting-gateway-url-query-string-params
type GatewayURLQueryString struct {
	V           string `url:"v"`
	Encoding    string `url:"encoding"`
	Compression string `url:"compression,omitempty"`
}

// Session Start Limit Structure
// https://discord.com/developers/docs/topics/gateway#session-start-limit-object-session-start-limit-structure
type SessionStartLimit struct {
	Total          int `json:"total"`
	Remaining      int `json:"remaining"`
	ResetAfter     int `json:"reset_after"`
	MaxConcurrency int `json:"max_concurrency"`
}

// GetGatewayResponse represents the response of a GetGateway request.
// https://discord.com/developers/docs/topics/gateway#get-gateway
type GetGatewayResponse struct {
	URL string `json:"url"`
}

// GetGatewayBotResponse represents the response of a GetGatewayBot request.
// https://discord.com/developers/docs/topics/gateway#get-gateway-bot
type GetGatewayBotResponse struct {
	URL               string            `json:"url"`
	Shards            int               `json:"shards"`
	SessionStartLimit SessionStartLimit `json:"session_start_limit"`
}

// Gateway Close Event Codes
// https://discord.com/developers/docs/topics/opcodes-and-status-codes#gateway-gateway-close-event-codes
type GatewayCloseEventCode struct {
	Description string
	Explanation string
	Code        int
	Reconnect   bool
}

var (
	FlagGatewayCloseEventCodeUnknownError = GatewayCloseEventCode{
		Code:        4000,
		Description: "Unknown error",
		Explanation: "We're not sure what went wrong. Try reconnecting?",
		Reconnect:   true,
	}

	FlagGatewayCloseEventCodeUnknownOpcode = GatewayCloseEventCode{
		Code:        4001,
		Description: "Unknown opcode",
		Explanation: "You sent an invalid Gateway opcode or an invalid payload for an opcode. Don't do that!",
		Reconnect:   true,
	}

	FlagGatewayCloseEventCodeDecodeError = GatewayCloseEventCode{
		Code:        4002,
		Description: "Decode error",
		Explanation: "You sent an invalid payload to us. Don't do that!",
		Reconnect:   true,
	}

	FlagGatewayCloseEventCodeNotAuthenticated = GatewayCloseEventCode{
		Code:        4003,
		Description: "Not authenticated",
		Explanation: "You sent us a payload prior to identifying.",
		Reconnect:   true,
	}

	FlagGatewayCloseEventCodeAuthenticationFailed = GatewayCloseEventCode{
		Code:        4004,
		Description: "Authentication failed",
		Explanation: "The account token sent with your identify payload is incorrect.",
		Reconnect:   false,
	}

	FlagGatewayCloseEventCodeAlreadyAuthenticated = GatewayCloseEventCode{
		Code:        4005,
		Description: "Already authenticated",
		Explanation: "You sent more than one identify payload. Don't do that!",
		Reconnect:   true,
	}

	FlagGatewayCloseEventCodeInvalidSeq = GatewayCloseEventCode{
		Code:        4007,
		Description: "Invalid seq",
		Explanation: "The sequence sent when resuming the session was invalid. Reconnect and start a new session.",
		Reconnect:   true,
	}

	FlagGatewayCloseEventCodeRateLimited = GatewayCloseEventCode{
		Code:        4008,
		Description: "Rate limited.",
		Explanation: "You're sending payloads to us too quickly. Slow it down! You will be disconnected on receiving this.",
		Reconnect:   true,
	}

	FlagGatewayCloseEventCodeSessionTimed = GatewayCloseEventCode{
		Code:        4009,
		Description: "Session timed out",
		Explanation: "Your session timed out. Reconnect and start a new one.",
		Reconnect:   true,
	}

	FlagGatewayCloseEventCodeInvalidShard = GatewayCloseEventCode{
		Code:        4010,
		Description: "Invalid shard",
		Explanation: "You sent us an invalid shard when identifying.",
		Reconnect:   false,
	}

	FlagGatewayCloseEventCodeShardingRequired = GatewayCloseEventCode{
		Code:        4011,
		Description: "Sharding required",
		Explanation: "The session would have handled too many guilds - you are required to shard your connection in order to connect.",
		Reconnect:   false,
	}

	FlagGatewayCloseEventCodeInvalidAPIVersion = GatewayCloseEventCode{
		Code:        4012,
		Description: "Invalid API version",
		Explanation: "You sent an invalid version for the gateway.",
		Reconnect:   false,
	}

	FlagGatewayCloseEventCodeInvalidIntent = GatewayCloseEventCode{
		Code:        4013,
		Description: "Invalid intent(s)",
		Explanation: "You sent an invalid intent for a Gateway Intent. You may have incorrectly calculated the bitwise value.",
		Reconnect:   false,
	}

	FlagGatewayCloseEventCodeDisallowedIntent = GatewayCloseEventCode{
		Code:        4014,
		Description: "Disallowed intent(s)",
		Explanation: "You sent a disallowed intent for a Gateway Intent. You may have tried to specify an intent that you have not enabled or are not approved for.",
		Reconnect:   false,
	}

	GatewayCloseEventCodes = map[int]*GatewayCloseEventCode{
		FlagGatewayCloseEventCodeUnknownError.Code:         &FlagGatewayCloseEventCodeUnknownError,
		FlagGatewayCloseEventCodeUnknownOpcode.Code:        &FlagGatewayCloseEventCodeUnknownOpcode,
		FlagGatewayCloseEventCodeDecodeError.Code:          &FlagGatewayCloseEventCodeDecodeError,
		FlagGatewayCloseEventCodeNotAuthenticated.Code:     &FlagGatewayCloseEventCodeNotAuthenticated,
		FlagGatewayCloseEventCodeAuthenticationFailed.Code: &FlagGatewayCloseEventCodeAuthenticationFailed,
		FlagGatewayCloseEventCodeAlreadyAuthenticated.Code: &FlagGatewayCloseEventCodeAlreadyAuthenticated,
		FlagGatewayCloseEventCodeInvalidSeq.Code:           &FlagGatewayCloseEventCodeInvalidSeq,
		FlagGatewayCloseEventCodeRateLimited.Code:          &FlagGatewayCloseEventCodeRateLimited,
		FlagGatewayCloseEventCodeSessionTimed.Code:         &FlagGatewayCloseEventCodeSessionTimed,
		FlagGatewayCloseEventCodeInvalidShard.Code:         &FlagGatewayCloseEventCodeInvalidShard,
		FlagGatewayCloseEventCodeShardingRequired.Code:     &FlagGatewayCloseEventCodeShardingRequired,
		FlagGatewayCloseEventCodeInvalidAPIVersion.Code:    &FlagGatewayCloseEventCodeInvalidAPIVersion,
		FlagGatewayCloseEventCodeInvalidIntent.Code:        &FlagGatewayCloseEventCodeInvalidIntent,
		FlagGatewayCloseEventCodeDisallowedIntent.Code:     &FlagGatewayCloseEventCodeDisallowedIntent,
	}
)

// Client Close Event Codes
// https://www.rfc-editor.org/rfc/rfc6455#section-7.4.1
var (
	// FlagClientCloseEventCodeNormal is used for a graceful, user-requested shutdown.
	FlagClientCloseEventCodeNormal = 1000

	// FlagClientCloseEventCodeProtocolError is used when the first frame of a connection is not a HELLO.
	FlagClientCloseEventCodeProtocolError = 1002

	// FlagClientCloseEventCodeReconnect is used when the Discord Gateway requests a reconnect
	// (Opcode 7 Reconnect) or invalidates the session (Opcode 9 Invalid Session).
	FlagClientCloseEventCodeReconnect = 1003

	// FlagClientCloseEventCodeInvalidPayload is used when a received payload is not a JSON object.
	FlagClientCloseEventCodeInvalidPayload = 1007

	// FlagClientCloseEventCodeZombie is used when a sent Heartbeat was never acknowledged.
	FlagClientCloseEventCodeZombie = 1008
)
