package domain

import (
	"encoding/json"

	"samspill/pkg/crypto"
)

// MessageType enumerates every message the protocol exchanges, both over
// the signalling channel and over established peer links.
type MessageType string

const (
	// Signalling channel.
	MessageHost     MessageType = "HOST"
	MessageRoom     MessageType = "ROOM"
	MessageJoin     MessageType = "JOIN"
	MessageSignal   MessageType = "SIGNAL"
	MessageAccepted MessageType = "ACCEPTED"
	MessageDenied   MessageType = "DENIED"
	MessageSleep    MessageType = "SLEEP"
	MessageWake     MessageType = "WAKE"
	MessageQuit     MessageType = "QUIT"
	MessageKick     MessageType = "KICK"

	// Peer link.
	MessageState        MessageType = "STATE"
	MessageSetAnswer    MessageType = "SET_ANSWER"
	MessageRequestState MessageType = "REQUEST_STATE"
	MessageRestoreState MessageType = "RESTORE_STATE"
	MessageStatistics   MessageType = "STATISTICS"
	MessageResults      MessageType = "RESULTS"
)

// Message is the typed unit of application data. Transports never
// interpret it beyond routing the enclosing envelope.
type Message struct {
	Type    MessageType     `json:"type"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// NewMessage marshals payload into a Message. Marshalling the payload
// structs below cannot fail, so errors are swallowed into an empty payload.
func NewMessage(t MessageType, payload any) Message {
	if payload == nil {
		return Message{Type: t}
	}
	raw, err := json.Marshal(payload)
	if err != nil {
		return Message{Type: t}
	}
	return Message{Type: t, Payload: raw}
}

// Envelope is the wire shape every relay variant routes by. Target nil
// means broadcast to every subscriber of the channel. Data is either a
// cleartext Message or a crypto.Sealed one; only the two endpoints know.
type Envelope struct {
	Target *Identity       `json:"target"`
	Source Identity        `json:"source"`
	Data   json.RawMessage `json:"data"`
}

// ProtocolVersion is bumped on incompatible protocol changes; joins with a
// different version are denied.
const ProtocolVersion = 3

// RoomSettings is the host descriptor portion a participant needs before
// it can construct a join request.
type RoomSettings struct {
	Version         int          `json:"version"`
	RoomType        RoomCodeType `json:"roomType"`
	HasPassword     bool         `json:"hasPassword"`
	MaxParticipants int          `json:"maxParticipants"`
}

type HostPayload struct {
	PublicKey crypto.PublicKeyID `json:"publicKey"`
	Settings  RoomSettings       `json:"settings"`
}

// RoomPayload is relay-internal: the assigned room code on registration.
type RoomPayload struct {
	Code string `json:"code"`
}

type JoinPayload struct {
	ExternalID crypto.ExternalID `json:"externalId"`
	Name       crypto.Sealed     `json:"name"`
	Password   crypto.Digest     `json:"password,omitempty"`
	Signal     json.RawMessage   `json:"signal"`
	Version    int               `json:"version"`
}

type SignalPayload struct {
	Signal json.RawMessage `json:"signal"`
}

type AcceptedPayload struct {
	CounterSignal json.RawMessage `json:"counterSignal"`
}

type KickPayload struct {
	ExternalID Identity `json:"externalId"`
}

type SetAnswerPayload struct {
	AlternativeID string `json:"alternativeId"`
}

type StatisticsPayload struct {
	Position int `json:"position"`
	Added    int `json:"added"`
	Total    int `json:"total"`
}

type ResultsPayload struct {
	Position int `json:"position"`
	Total    int `json:"total"`
}

type RestoreStatePayload struct {
	State QuizState `json:"state"`
}
