package realtime

import (
	"encoding/json"
	"time"
)

// Tag is the closed set of event names carried on the channel.
type Tag string

const (
	TagConnect       Tag = "connect"
	TagDisconnect    Tag = "disconnect"
	TagConnectError  Tag = "connect_error"
	TagNewMessage    Tag = "new_message"
	TagBookingUpdate Tag = "booking_update"
	TagNotification  Tag = "notification"
	TagUserOnline    Tag = "user_online"
	TagUserOffline   Tag = "user_offline"
	TagTypingStart   Tag = "typing_start"
	TagTypingStop    Tag = "typing_stop"
)

var allTags = []Tag{
	TagConnect,
	TagDisconnect,
	TagConnectError,
	TagNewMessage,
	TagBookingUpdate,
	TagNotification,
	TagUserOnline,
	TagUserOffline,
	TagTypingStart,
	TagTypingStop,
}

// Tags returns every known tag.
func Tags() []Tag {
	return append([]Tag(nil), allTags...)
}

func (t Tag) Valid() bool {
	for _, known := range allTags {
		if t == known {
			return true
		}
	}
	return false
}

// Lifecycle reports whether t is produced locally by the connection rather
// than sent by the server.
func (t Tag) Lifecycle() bool {
	return t == TagConnect || t == TagDisconnect || t == TagConnectError
}

// Outbound frame names that are not part of the inbound tag set.
const (
	frameAuth  = "auth"
	frameJoin  = "join"
	frameLeave = "leave"
)

// Frame is the wire envelope in both directions.
type Frame struct {
	Event string          `json:"event"`
	Room  string          `json:"room,omitempty"`
	Data  json.RawMessage `json:"data,omitempty"`
}

// Payload is implemented by every event variant.
type Payload interface {
	EventTag() Tag
}

// Event is one delivered message: its tag, optional room and typed payload.
type Event struct {
	Tag     Tag
	Room    string
	Payload Payload
}

type Connected struct {
	SocketID string `json:"socketId"`
	UserID   string `json:"userId,omitempty"`
}

type Disconnected struct {
	Reason string `json:"reason"`
}

type ConnectFailed struct {
	Message  string `json:"message"`
	Attempts int    `json:"attempts,omitempty"`
}

type NewMessage struct {
	ID             string    `json:"id"`
	ConversationID string    `json:"conversationId"`
	SenderID       string    `json:"senderId"`
	Body           string    `json:"body"`
	SentAt         time.Time `json:"sentAt"`
}

type BookingUpdate struct {
	BookingID string    `json:"bookingId"`
	Status    string    `json:"status"`
	Revision  string    `json:"revision,omitempty"`
	UpdatedAt time.Time `json:"updatedAt"`
}

type Notification struct {
	ID    string `json:"id"`
	Kind  string `json:"kind"`
	Title string `json:"title"`
	Body  string `json:"body,omitempty"`
	Link  string `json:"link,omitempty"`
}

type UserOnline struct {
	UserID string `json:"userId"`
}

type UserOffline struct {
	UserID   string    `json:"userId"`
	LastSeen time.Time `json:"lastSeen,omitempty"`
}

type TypingStart struct {
	ConversationID string `json:"conversationId"`
	UserID         string `json:"userId"`
}

type TypingStop struct {
	ConversationID string `json:"conversationId"`
	UserID         string `json:"userId"`
}

func (Connected) EventTag() Tag     { return TagConnect }
func (Disconnected) EventTag() Tag  { return TagDisconnect }
func (ConnectFailed) EventTag() Tag { return TagConnectError }
func (NewMessage) EventTag() Tag    { return TagNewMessage }
func (BookingUpdate) EventTag() Tag { return TagBookingUpdate }
func (Notification) EventTag() Tag  { return TagNotification }
func (UserOnline) EventTag() Tag    { return TagUserOnline }
func (UserOffline) EventTag() Tag   { return TagUserOffline }
func (TypingStart) EventTag() Tag   { return TagTypingStart }
func (TypingStop) EventTag() Tag    { return TagTypingStop }

func decodePayload(tag Tag, data []byte) (Payload, error) {
	switch tag {
	case TagConnect:
		return decodeAs[Connected](data)
	case TagDisconnect:
		return decodeAs[Disconnected](data)
	case TagConnectError:
		return decodeAs[ConnectFailed](data)
	case TagNewMessage:
		return decodeAs[NewMessage](data)
	case TagBookingUpdate:
		return decodeAs[BookingUpdate](data)
	case TagNotification:
		return decodeAs[Notification](data)
	case TagUserOnline:
		return decodeAs[UserOnline](data)
	case TagUserOffline:
		return decodeAs[UserOffline](data)
	case TagTypingStart:
		return decodeAs[TypingStart](data)
	case TagTypingStop:
		return decodeAs[TypingStop](data)
	default:
		return nil, ErrUnknownTag
	}
}

func decodeAs[P Payload](data []byte) (Payload, error) {
	var p P
	if len(data) == 0 {
		return p, nil
	}
	if err := json.Unmarshal(data, &p); err != nil {
		return nil, err
	}
	return p, nil
}

// EncodeFrame builds a wire frame carrying payload.
func EncodeFrame(event, room string, payload any) ([]byte, error) {
	frame := Frame{Event: event, Room: room}
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return nil, err
		}
		frame.Data = data
	}
	return json.Marshal(frame)
}
