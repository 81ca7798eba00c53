// Package types holds the shared vocabulary of the signaling service: ids,
// identities, the wire envelope, event names, error codes, and the payload
// schemas validated by the handler envelope. Domain packages depend on types;
// types depends on nothing above the standard library.
package types

import (
	"encoding/json"
	"errors"
	"fmt"
)

// --- Core Domain Types ---

// UserIdType identifies an authenticated user across the fleet.
type UserIdType int64

// ConnIdType identifies a single WebSocket connection on one node.
type ConnIdType string

// RoomIdType identifies an audio room.
type RoomIdType string

// SeatIndex is a zero-based speaker-slot number inside a room.
type SeatIndex int

// Identity is the authenticated profile attached to a connection at connect
// time. It is immutable for the lifetime of the connection.
type Identity struct {
	UserId      UserIdType `json:"userId"`
	DisplayName string     `json:"displayName"`
	AvatarRef   string     `json:"avatar,omitempty"`
	Level       int        `json:"level,omitempty"`
}

// RoomStatus is the lifecycle state persisted in the shared store.
type RoomStatus string

const (
	RoomStatusCreated RoomStatus = "CREATED"
	RoomStatusActive  RoomStatus = "ACTIVE"
	RoomStatusClosing RoomStatus = "CLOSING"
	RoomStatusClosed  RoomStatus = "CLOSED"
)

const (
	// MinSeatCount and MaxSeatCount bound the per-room speaker slots.
	MinSeatCount = 1
	MaxSeatCount = 15
	// DefaultSeatCount is used when room:join omits seatCount.
	DefaultSeatCount = 15
)

// SeatInfo is one seat of a room's snapshot. Only the occupant's userId is
// carried; clients resolve names from their participant map.
type SeatInfo struct {
	SeatIndex SeatIndex  `json:"seatIndex"`
	UserId    UserIdType `json:"userId"`
	Muted     bool       `json:"muted"`
}

// ActiveProducer describes a live audio producer in a room snapshot.
type ActiveProducer struct {
	ProducerId string     `json:"producerId"`
	UserId     UserIdType `json:"userId"`
}

// TransportKind distinguishes the two WebRTC transports a connection may own.
type TransportKind string

const (
	TransportKindProducer TransportKind = "producer"
	TransportKindConsumer TransportKind = "consumer"
)

// RoomRole is the backend-resolved role of a user within a room.
type RoomRole string

const (
	RoomRoleOwner  RoomRole = "owner"
	RoomRoleAdmin  RoomRole = "admin"
	RoomRoleMember RoomRole = "member"
)

// --- Wire Envelope ---

// Message is the inbound wire envelope. Id, when present, requests an ack.
type Message struct {
	Event   EventType       `json:"event"`
	Id      string          `json:"id,omitempty"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// Push is the outbound wire envelope for server-originated events.
type Push struct {
	Event   EventType `json:"event"`
	Payload any       `json:"payload,omitempty"`
}

// Ack is the response envelope produced by the handler envelope for any
// inbound message that carried an id.
type Ack struct {
	Event EventType `json:"event"`
	Id    string    `json:"id"`
	Ok    bool      `json:"ok"`
	Data  any       `json:"data,omitempty"`
	Err   ErrCode   `json:"err,omitempty"`
}

// EventAck is the envelope event name carried by every Ack.
const EventAck EventType = "ack"

// --- Events ---

// EventType names a client/server event on the WebSocket surface.
type EventType string

// Client -> server events.
const (
	EventRoomJoin          EventType = "room:join"
	EventRoomLeave         EventType = "room:leave"
	EventTransportCreate   EventType = "transport:create"
	EventTransportConnect  EventType = "transport:connect"
	EventAudioProduce      EventType = "audio:produce"
	EventAudioConsume      EventType = "audio:consume"
	EventConsumerResume    EventType = "consumer:resume"
	EventAudioSelfMute     EventType = "audio:selfMute"
	EventAudioSelfUnmute   EventType = "audio:selfUnmute"
	EventSeatTake          EventType = "seat:take"
	EventSeatLeave         EventType = "seat:leave"
	EventSeatAssign        EventType = "seat:assign"
	EventSeatRemove        EventType = "seat:remove"
	EventSeatMute          EventType = "seat:mute"
	EventSeatUnmute        EventType = "seat:unmute"
	EventSeatLock          EventType = "seat:lock"
	EventSeatUnlock        EventType = "seat:unlock"
	EventSeatInvite        EventType = "seat:invite"
	EventSeatInviteAccept  EventType = "seat:invite:accept"
	EventSeatInviteDecline EventType = "seat:invite:decline"
	EventChatMessage       EventType = "chat:message"
	EventGiftSend          EventType = "gift:send"
	EventGiftPrepare       EventType = "gift:prepare"
	EventUserGetRoom       EventType = "user:getRoom"
	EventPing              EventType = "ping"
)

// Server -> client events.
const (
	EventRoomUserJoined     EventType = "room:userJoined"
	EventRoomUserLeft       EventType = "room:userLeft"
	EventRoomClosed         EventType = "room:closed"
	EventAudioNewProducer   EventType = "audio:newProducer"
	EventSpeakerActive      EventType = "speaker:active"
	EventSeatUpdated        EventType = "seat:updated"
	EventSeatCleared        EventType = "seat:cleared"
	EventSeatLocked         EventType = "seat:locked"
	EventSeatUserMuted      EventType = "seat:userMuted"
	EventSeatMutedState     EventType = "seat:muted"
	EventSeatInviteReceived EventType = "seat:invite:received"
	EventSeatInvitePending  EventType = "seat:invite:pending"
	EventGiftReceived       EventType = "gift:received"
	EventGiftError          EventType = "gift:error"
)

// --- Error Codes ---

// ErrCode is a sentinel domain error code surfaced to clients in acks.
type ErrCode string

const (
	ErrInvalidPayload      ErrCode = "INVALID_PAYLOAD"
	ErrInternal            ErrCode = "INTERNAL"
	ErrRateLimited         ErrCode = "RATE_LIMITED"
	ErrNotInRoom           ErrCode = "NOT_IN_ROOM"
	ErrNotAuthorized       ErrCode = "NOT_AUTHORIZED"
	ErrRoomNotFound        ErrCode = "ROOM_NOT_FOUND"
	ErrRoomHostedElsewhere ErrCode = "ROOM_HOSTED_ELSEWHERE"
	ErrSeatTaken           ErrCode = "SEAT_TAKEN"
	ErrSeatLocked          ErrCode = "SEAT_LOCKED"
	ErrSeatNotLocked       ErrCode = "SEAT_NOT_LOCKED"
	ErrSeatAlreadyLocked   ErrCode = "SEAT_ALREADY_LOCKED"
	ErrSeatInvalid         ErrCode = "SEAT_INVALID"
	ErrNotSeated           ErrCode = "NOT_SEATED"
	ErrUserNotSeated       ErrCode = "USER_NOT_SEATED"
	ErrCannotInviteSelf    ErrCode = "CANNOT_INVITE_SELF"
	ErrInvitePending       ErrCode = "INVITE_PENDING"
	ErrNoInvite            ErrCode = "NO_INVITE"
	ErrSeatOccupied        ErrCode = "SEAT_OCCUPIED"
	ErrTransportLimit      ErrCode = "TRANSPORT_LIMIT"
	ErrTransportNotFound  ErrCode = "TRANSPORT_NOT_FOUND"
	ErrConsumerNotFound   ErrCode = "CONSUMER_NOT_FOUND"
	ErrProducerNotFound   ErrCode = "PRODUCER_NOT_FOUND"
	ErrCannotConsume      ErrCode = "CANNOT_CONSUME"
	ErrCannotGiftSelf     ErrCode = "CANNOT_GIFT_SELF"
	ErrAuthRequired       ErrCode = "AUTH_REQUIRED"
	ErrInvalidCredentials ErrCode = "INVALID_CREDENTIALS"
	ErrAuthFailed         ErrCode = "AUTH_FAILED"
	ErrOriginNotAllowed   ErrCode = "ORIGIN_NOT_ALLOWED"
)

// DomainError carries an ErrCode through Go error plumbing so handlers can
// return it and the envelope can surface it in the ack.
type DomainError struct {
	Code ErrCode
}

func (e *DomainError) Error() string { return string(e.Code) }

// E wraps an ErrCode as an error.
func E(code ErrCode) error { return &DomainError{Code: code} }

// CodeOf extracts the domain code from err, or ErrInternal for anything that
// is not a DomainError.
func CodeOf(err error) ErrCode {
	var de *DomainError
	if errors.As(err, &de) {
		return de.Code
	}
	return ErrInternal
}

// --- Client Interface ---

// ClientInterface is the behavior the domain layers need from a connection,
// decoupled from the transport package.
type ClientInterface interface {
	ConnID() ConnIdType
	Identity() Identity
	// Send pushes a server-originated event to this connection; it never
	// blocks (slow clients drop).
	Send(event EventType, payload any)
	// SendRaw pushes a pre-serialized frame.
	SendRaw(data []byte)
	// Disconnect forcefully closes the connection.
	Disconnect()
}

// --- Client Payloads ---

// Validator is implemented by every inbound payload schema.
type Validator interface {
	Validate() error
}

type JoinRoomPayload struct {
	RoomId    string `json:"roomId"`
	SeatCount int    `json:"seatCount,omitempty"`
}

func (p *JoinRoomPayload) Validate() error {
	if p.RoomId == "" {
		return errors.New("roomId is required")
	}
	if p.SeatCount != 0 && (p.SeatCount < MinSeatCount || p.SeatCount > MaxSeatCount) {
		return fmt.Errorf("seatCount must be between %d and %d", MinSeatCount, MaxSeatCount)
	}
	return nil
}

type LeaveRoomPayload struct {
	RoomId string `json:"roomId"`
}

func (p *LeaveRoomPayload) Validate() error {
	if p.RoomId == "" {
		return errors.New("roomId is required")
	}
	return nil
}

type TransportCreatePayload struct {
	RoomId string        `json:"roomId"`
	Kind   TransportKind `json:"kind"`
}

func (p *TransportCreatePayload) Validate() error {
	if p.RoomId == "" {
		return errors.New("roomId is required")
	}
	if p.Kind != TransportKindProducer && p.Kind != TransportKindConsumer {
		return fmt.Errorf("kind must be %q or %q", TransportKindProducer, TransportKindConsumer)
	}
	return nil
}

type TransportConnectPayload struct {
	RoomId         string          `json:"roomId"`
	TransportId    string          `json:"transportId"`
	DtlsParameters json.RawMessage `json:"dtlsParameters"`
}

func (p *TransportConnectPayload) Validate() error {
	if p.RoomId == "" || p.TransportId == "" {
		return errors.New("roomId and transportId are required")
	}
	if len(p.DtlsParameters) == 0 {
		return errors.New("dtlsParameters is required")
	}
	return nil
}

type ProducePayload struct {
	RoomId        string          `json:"roomId"`
	TransportId   string          `json:"transportId"`
	Kind          string          `json:"kind"`
	RtpParameters json.RawMessage `json:"rtpParameters"`
}

func (p *ProducePayload) Validate() error {
	if p.RoomId == "" || p.TransportId == "" {
		return errors.New("roomId and transportId are required")
	}
	if p.Kind != "audio" {
		return errors.New(`kind must be "audio"`)
	}
	if len(p.RtpParameters) == 0 {
		return errors.New("rtpParameters is required")
	}
	return nil
}

type ConsumePayload struct {
	RoomId          string          `json:"roomId"`
	TransportId     string          `json:"transportId"`
	ProducerId      string          `json:"producerId"`
	RtpCapabilities json.RawMessage `json:"rtpCapabilities"`
}

func (p *ConsumePayload) Validate() error {
	if p.RoomId == "" || p.TransportId == "" || p.ProducerId == "" {
		return errors.New("roomId, transportId and producerId are required")
	}
	if len(p.RtpCapabilities) == 0 {
		return errors.New("rtpCapabilities is required")
	}
	return nil
}

type ConsumerResumePayload struct {
	RoomId     string `json:"roomId"`
	ConsumerId string `json:"consumerId"`
}

func (p *ConsumerResumePayload) Validate() error {
	if p.RoomId == "" || p.ConsumerId == "" {
		return errors.New("roomId and consumerId are required")
	}
	return nil
}

type SelfMutePayload struct {
	RoomId     string `json:"roomId"`
	ProducerId string `json:"producerId"`
}

func (p *SelfMutePayload) Validate() error {
	if p.RoomId == "" || p.ProducerId == "" {
		return errors.New("roomId and producerId are required")
	}
	return nil
}

type SeatTakePayload struct {
	RoomId    string    `json:"roomId"`
	SeatIndex SeatIndex `json:"seatIndex"`
}

func (p *SeatTakePayload) Validate() error {
	if p.RoomId == "" {
		return errors.New("roomId is required")
	}
	if p.SeatIndex < 0 {
		return errors.New("seatIndex must not be negative")
	}
	return nil
}

type SeatLeavePayload struct {
	RoomId string `json:"roomId"`
}

func (p *SeatLeavePayload) Validate() error {
	if p.RoomId == "" {
		return errors.New("roomId is required")
	}
	return nil
}

type SeatAssignPayload struct {
	RoomId    string     `json:"roomId"`
	SeatIndex SeatIndex  `json:"seatIndex"`
	UserId    UserIdType `json:"userId"`
}

func (p *SeatAssignPayload) Validate() error {
	if p.RoomId == "" {
		return errors.New("roomId is required")
	}
	if p.SeatIndex < 0 {
		return errors.New("seatIndex must not be negative")
	}
	if p.UserId <= 0 {
		return errors.New("userId is required")
	}
	return nil
}

type SeatRemovePayload struct {
	RoomId string     `json:"roomId"`
	UserId UserIdType `json:"userId"`
}

func (p *SeatRemovePayload) Validate() error {
	if p.RoomId == "" {
		return errors.New("roomId is required")
	}
	if p.UserId <= 0 {
		return errors.New("userId is required")
	}
	return nil
}

// SeatModerationPayload covers mute/unmute/lock/unlock: operations addressed
// by seat index and gated on owner/admin.
type SeatModerationPayload struct {
	RoomId    string    `json:"roomId"`
	SeatIndex SeatIndex `json:"seatIndex"`
}

func (p *SeatModerationPayload) Validate() error {
	if p.RoomId == "" {
		return errors.New("roomId is required")
	}
	if p.SeatIndex < 0 {
		return errors.New("seatIndex must not be negative")
	}
	return nil
}

type SeatInvitePayload struct {
	RoomId    string     `json:"roomId"`
	SeatIndex SeatIndex  `json:"seatIndex"`
	UserId    UserIdType `json:"userId"`
}

func (p *SeatInvitePayload) Validate() error {
	if p.RoomId == "" {
		return errors.New("roomId is required")
	}
	if p.SeatIndex < 0 {
		return errors.New("seatIndex must not be negative")
	}
	if p.UserId <= 0 {
		return errors.New("userId is required")
	}
	return nil
}

// SeatInviteReplyPayload covers accept/decline; the invite itself is located
// through the store's reverse index.
type SeatInviteReplyPayload struct {
	RoomId string `json:"roomId"`
}

func (p *SeatInviteReplyPayload) Validate() error {
	if p.RoomId == "" {
		return errors.New("roomId is required")
	}
	return nil
}

var chatTypes = map[string]bool{
	"text": true, "emoji": true, "sticker": true, "gift": true, "system": true,
}

const MaxChatContentLength = 500

type ChatMessagePayload struct {
	RoomId  string `json:"roomId"`
	Content string `json:"content"`
	Type    string `json:"type"`
}

func (p *ChatMessagePayload) Validate() error {
	if p.RoomId == "" {
		return errors.New("roomId is required")
	}
	if len(p.Content) == 0 || len(p.Content) > MaxChatContentLength {
		return fmt.Errorf("content length must be between 1 and %d", MaxChatContentLength)
	}
	if p.Type == "" {
		p.Type = "text"
	}
	if !chatTypes[p.Type] {
		return fmt.Errorf("unknown chat type %q", p.Type)
	}
	return nil
}

type GiftSendPayload struct {
	RoomId      string     `json:"roomId"`
	GiftId      int64      `json:"giftId"`
	RecipientId UserIdType `json:"recipientId"`
	Quantity    int        `json:"quantity"`
}

func (p *GiftSendPayload) Validate() error {
	if p.RoomId == "" {
		return errors.New("roomId is required")
	}
	if p.GiftId <= 0 || p.RecipientId <= 0 {
		return errors.New("giftId and recipientId are required")
	}
	if p.Quantity < 1 {
		return errors.New("quantity must be at least 1")
	}
	return nil
}

type GiftPreparePayload struct {
	RoomId      string     `json:"roomId"`
	GiftId      int64      `json:"giftId"`
	RecipientId UserIdType `json:"recipientId"`
}

func (p *GiftPreparePayload) Validate() error {
	if p.RoomId == "" {
		return errors.New("roomId is required")
	}
	if p.GiftId <= 0 || p.RecipientId <= 0 {
		return errors.New("giftId and recipientId are required")
	}
	return nil
}

type GetUserRoomPayload struct {
	UserId UserIdType `json:"userId"`
}

func (p *GetUserRoomPayload) Validate() error {
	if p.UserId <= 0 {
		return errors.New("userId is required")
	}
	return nil
}

// --- Server Push Payloads ---

type RoomUserJoinedPayload struct {
	UserId UserIdType `json:"userId"`
	User   Identity   `json:"user"`
}

type RoomUserLeftPayload struct {
	UserId UserIdType `json:"userId"`
}

type RoomClosedPayload struct {
	RoomId string `json:"roomId"`
	Reason string `json:"reason"`
	Ts     int64  `json:"ts"`
}

type NewProducerPayload struct {
	ProducerId string     `json:"producerId"`
	UserId     UserIdType `json:"userId"`
	Kind       string     `json:"kind"`
}

type SpeakerActivePayload struct {
	ActiveSpeakers []UserIdType `json:"activeSpeakers"`
	Ts             int64        `json:"ts"`
}

type SeatUpdatedPayload struct {
	SeatIndex SeatIndex  `json:"seatIndex"`
	UserId    UserIdType `json:"userId"`
	Muted     bool       `json:"muted"`
}

type SeatClearedPayload struct {
	SeatIndex SeatIndex `json:"seatIndex"`
}

type SeatLockedPayload struct {
	SeatIndex SeatIndex `json:"seatIndex"`
	Locked    bool      `json:"locked"`
}

// SeatMutedPayload is broadcast for owner/admin mute and unmute.
type SeatMutedPayload struct {
	UserId UserIdType `json:"userId"`
	Muted  bool       `json:"muted"`
}

// SeatUserMutedPayload is broadcast for self-mute/unmute on a producer.
type SeatUserMutedPayload struct {
	UserId    UserIdType `json:"userId"`
	Muted     bool       `json:"muted"`
	SelfMuted bool       `json:"selfMuted"`
}

type SeatInviteReceivedPayload struct {
	SeatIndex    SeatIndex  `json:"seatIndex"`
	InvitedById  UserIdType `json:"invitedById"`
	ExpiresAt    int64      `json:"expiresAt"`
	TargetUserId UserIdType `json:"targetUserId"`
}

type SeatInvitePendingPayload struct {
	SeatIndex     SeatIndex  `json:"seatIndex"`
	Pending       bool       `json:"pending"`
	InvitedUserId UserIdType `json:"invitedUserId,omitempty"`
}

type ChatBroadcastPayload struct {
	Id       string     `json:"id"`
	UserId   UserIdType `json:"userId"`
	UserName string     `json:"userName"`
	Avatar   string     `json:"avatar,omitempty"`
	Content  string     `json:"content"`
	Type     string     `json:"type"`
	Ts       int64      `json:"ts"`
}

type GiftReceivedPayload struct {
	SenderId    UserIdType `json:"senderId"`
	RoomId      string     `json:"roomId"`
	GiftId      int64      `json:"giftId"`
	RecipientId UserIdType `json:"recipientId"`
	Quantity    int        `json:"quantity"`
}

// GiftErrorPayload reports a refused or failed gift to its sender. Code is
// the backend's numeric refusal code, or a symbolic string such as
// PROCESSING_FAILED for failures originating in this service.
type GiftErrorPayload struct {
	TransactionId string `json:"transactionId"`
	Code          any    `json:"code"`
	Reason        string `json:"reason"`
}

// --- Domain Records ---

// GiftTransaction is the durable record queued for backend settlement.
type GiftTransaction struct {
	TransactionId string     `json:"transactionId"`
	SenderId      UserIdType `json:"senderId"`
	RecipientId   UserIdType `json:"recipientId"`
	GiftId        int64      `json:"giftId"`
	Quantity      int        `json:"quantity"`
	RoomId        string     `json:"roomId"`
	Ts            int64      `json:"timestamp"`
	SenderConnId  ConnIdType `json:"senderConnId"`
	RetryCount    int        `json:"retryCount"`
}

// SeatInvite mirrors the invite record kept in the shared store.
type SeatInvite struct {
	TargetUserId UserIdType `json:"targetUserId"`
	InvitedBy    UserIdType `json:"invitedBy"`
	SeatIndex    SeatIndex  `json:"seatIndex"`
	CreatedAt    int64      `json:"createdAt"`
}

// RoomState is the fleet-wide room record in the shared store.
type RoomState struct {
	Status           RoomStatus `json:"status"`
	OwnerId          UserIdType `json:"ownerId"`
	SeatCount        int        `json:"seatCount"`
	ParticipantCount int        `json:"participantCount"`
	CreatedAt        int64      `json:"createdAt"`
	HostNode         string     `json:"hostNode,omitempty"`
}

// RelayEnvelope is the JSON envelope arriving on the backend pub/sub channel.
type RelayEnvelope struct {
	Event         string          `json:"event"`
	UserId        *UserIdType     `json:"userId,omitempty"`
	RoomId        *string         `json:"roomId,omitempty"`
	Payload       json.RawMessage `json:"payload,omitempty"`
	Timestamp     int64           `json:"timestamp"`
	CorrelationId string          `json:"correlationId,omitempty"`
}
