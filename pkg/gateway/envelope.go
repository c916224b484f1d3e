package gateway

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
)

// Opcode identifies the kind of an Envelope.
type Opcode int

const (
	OpDispatch            Opcode = 0
	OpHeartbeat           Opcode = 1
	OpIdentify            Opcode = 2
	OpPresenceUpdate      Opcode = 3
	OpVoiceStateUpdate    Opcode = 4
	OpResume              Opcode = 6
	OpReconnect           Opcode = 7
	OpRequestGuildMembers Opcode = 8
	OpInvalidSession      Opcode = 9
	OpHello               Opcode = 10
	OpHeartbeatAck        Opcode = 11
)

var opcodeNames = map[Opcode]string{
	OpDispatch:            "dispatch",
	OpHeartbeat:           "heartbeat",
	OpIdentify:            "identify",
	OpPresenceUpdate:      "presence_update",
	OpVoiceStateUpdate:    "voice_state_update",
	OpResume:              "resume",
	OpReconnect:           "reconnect",
	OpRequestGuildMembers: "request_guild_members",
	OpInvalidSession:      "invalid_session",
	OpHello:               "hello",
	OpHeartbeatAck:        "heartbeat_ack",
}

func (o Opcode) String() string {
	if name, ok := opcodeNames[o]; ok {
		return name
	}
	return fmt.Sprintf("opcode(%d)", int(o))
}

// ParseOpcode accepts an opcode name such as "presence_update" or its
// number.
func ParseOpcode(s string) (Opcode, error) {
	s = strings.ToLower(strings.TrimSpace(s))
	if n, err := strconv.Atoi(s); err == nil {
		if op := Opcode(n); op.Known() {
			return op, nil
		}
		return 0, fmt.Errorf("unknown opcode %d", n)
	}
	for op, name := range opcodeNames {
		if name == s {
			return op, nil
		}
	}
	return 0, fmt.Errorf("unknown opcode %q", s)
}

// Known reports whether o is part of the protocol.
func (o Opcode) Known() bool {
	_, ok := opcodeNames[o]
	return ok
}

// Outbound reports whether callers may send o through Session.SendAction.
// Heartbeat, Identify and Resume are owned by the session itself.
func (o Opcode) Outbound() bool {
	switch o {
	case OpPresenceUpdate, OpVoiceStateUpdate, OpRequestGuildMembers:
		return true
	}
	return false
}

// Envelope is the frame wrapper shared by every gateway message. Seq and
// Type are only present on dispatch envelopes.
type Envelope struct {
	Op   Opcode          `json:"op"`
	Data json.RawMessage `json:"d"`
	Seq  *int64          `json:"s,omitempty"`
	Type string          `json:"t,omitempty"`
}

// Event is the payload published for every dispatch envelope.
type Event struct {
	Type string          `json:"t"`
	Seq  int64           `json:"s"`
	Data json.RawMessage `json:"d"`
}

// Hello is the first message the server sends on a new connection.
type Hello struct {
	HeartbeatInterval int64 `json:"heartbeat_interval"`
}

// IdentifyProperties describe the connecting client.
type IdentifyProperties struct {
	OS      string `json:"os"`
	Browser string `json:"browser"`
	Device  string `json:"device"`
}

// Identify starts a new session.
type Identify struct {
	Token          string             `json:"token"`
	Intents        int64              `json:"intents"`
	Properties     IdentifyProperties `json:"properties"`
	Compress       bool               `json:"compress,omitempty"`
	LargeThreshold int                `json:"large_threshold,omitempty"`
	Shard          *[2]int            `json:"shard,omitempty"`
	Presence       *PresenceUpdate    `json:"presence,omitempty"`
}

// Resume replays events missed since Seq on an existing session.
type Resume struct {
	Token     string `json:"token"`
	SessionID string `json:"session_id"`
	Seq       int64  `json:"seq"`
}

// Ready is the data of the READY dispatch.
type Ready struct {
	Version          int    `json:"v,omitempty"`
	SessionID        string `json:"session_id"`
	ResumeGatewayURL string `json:"resume_gateway_url,omitempty"`
	Shard            []int  `json:"shard,omitempty"`
}

// Activity is a single presence activity.
type Activity struct {
	Name string `json:"name"`
	Type int    `json:"type"`
	URL  string `json:"url,omitempty"`
}

// PresenceUpdate is the data of an OpPresenceUpdate action.
type PresenceUpdate struct {
	Since      *int64     `json:"since"`
	Activities []Activity `json:"activities"`
	Status     string     `json:"status"`
	AFK        bool       `json:"afk"`
}

// VoiceStateUpdate is the data of an OpVoiceStateUpdate action. A nil
// ChannelID disconnects from voice.
type VoiceStateUpdate struct {
	GuildID   string  `json:"guild_id"`
	ChannelID *string `json:"channel_id"`
	SelfMute  bool    `json:"self_mute"`
	SelfDeaf  bool    `json:"self_deaf"`
}

// RequestGuildMembers is the data of an OpRequestGuildMembers action.
type RequestGuildMembers struct {
	GuildID   string   `json:"guild_id"`
	Query     *string  `json:"query,omitempty"`
	Limit     int      `json:"limit"`
	Presences bool     `json:"presences,omitempty"`
	UserIDs   []string `json:"user_ids,omitempty"`
	Nonce     string   `json:"nonce,omitempty"`
}

// Dispatch event names the session reacts to.
const (
	EventReady   = "READY"
	EventResumed = "RESUMED"
)

// Kinds published by the session. Every dispatch is additionally published
// as DispatchKind(name).
const (
	KindReady        = "gateway/ready"
	KindResumed      = "gateway/resumed"
	KindConnected    = "gateway/connected"
	KindReconnecting = "gateway/reconnecting"
	KindClosed       = "gateway/closed"
	KindState        = "gateway/state"

	dispatchPrefix = "dispatch/"
)

// DispatchKind returns the dispatcher kind for a dispatch event name.
func DispatchKind(name string) string {
	return dispatchPrefix + name
}

func newEnvelope(op Opcode, data any) (Envelope, error) {
	raw, err := json.Marshal(data)
	if err != nil {
		return Envelope{}, fmt.Errorf("failed to marshal %s payload: %w", op, err)
	}
	return Envelope{Op: op, Data: raw}, nil
}

func decodeData[T any](env Envelope) (T, error) {
	var v T
	if isNull(env.Data) {
		return v, &DecodeError{Kind: DecodeMalformed, Op: env.Op, Err: fmt.Errorf("missing data")}
	}
	if err := json.Unmarshal(env.Data, &v); err != nil {
		return v, &DecodeError{Kind: DecodeMalformed, Op: env.Op, Err: err}
	}
	return v, nil
}

func isNull(raw json.RawMessage) bool {
	return len(raw) == 0 || string(raw) == "null"
}
