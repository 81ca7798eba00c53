package types

import (
	"errors"
	"fmt"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestCodeOf(t *testing.T) {
	assert.Equal(t, ErrSeatTaken, CodeOf(E(ErrSeatTaken)))
	assert.Equal(t, ErrSeatTaken, CodeOf(fmt.Errorf("wrapped: %w", E(ErrSeatTaken))))
	assert.Equal(t, ErrInternal, CodeOf(errors.New("plain")))
}

func TestJoinRoomPayloadValidate(t *testing.T) {
	assert.Error(t, (&JoinRoomPayload{}).Validate())
	assert.Error(t, (&JoinRoomPayload{RoomId: "r1", SeatCount: 99}).Validate())
	assert.NoError(t, (&JoinRoomPayload{RoomId: "r1"}).Validate())
	assert.NoError(t, (&JoinRoomPayload{RoomId: "r1", SeatCount: 8}).Validate())
}

func TestTransportCreatePayloadValidate(t *testing.T) {
	assert.Error(t, (&TransportCreatePayload{RoomId: "r1", Kind: "video"}).Validate())
	assert.NoError(t, (&TransportCreatePayload{RoomId: "r1", Kind: TransportKindProducer}).Validate())
}

func TestProducePayloadValidate(t *testing.T) {
	p := &ProducePayload{RoomId: "r1", TransportId: "t1", Kind: "video", RtpParameters: []byte(`{}`)}
	assert.Error(t, p.Validate())
	p.Kind = "audio"
	assert.NoError(t, p.Validate())
}

func TestSeatPayloadsRejectNegativeIndex(t *testing.T) {
	assert.Error(t, (&SeatTakePayload{RoomId: "r1", SeatIndex: -1}).Validate())
	assert.Error(t, (&SeatAssignPayload{RoomId: "r1", SeatIndex: -1, UserId: 2}).Validate())
	assert.Error(t, (&SeatModerationPayload{RoomId: "r1", SeatIndex: -1}).Validate())
	assert.Error(t, (&SeatInvitePayload{RoomId: "r1", SeatIndex: -1, UserId: 2}).Validate())
}

func TestChatMessagePayloadValidate(t *testing.T) {
	assert.Error(t, (&ChatMessagePayload{RoomId: "r1"}).Validate())
	assert.Error(t, (&ChatMessagePayload{RoomId: "r1", Content: strings.Repeat("x", MaxChatContentLength+1)}).Validate())
	assert.Error(t, (&ChatMessagePayload{RoomId: "r1", Content: "hi", Type: "hologram"}).Validate())

	p := &ChatMessagePayload{RoomId: "r1", Content: "hi"}
	assert.NoError(t, p.Validate())
	assert.Equal(t, "text", p.Type, "empty type defaults to text")
}

func TestGiftSendPayloadValidate(t *testing.T) {
	assert.Error(t, (&GiftSendPayload{RoomId: "r1", GiftId: 1, RecipientId: 2}).Validate())
	assert.NoError(t, (&GiftSendPayload{RoomId: "r1", GiftId: 1, RecipientId: 2, Quantity: 1}).Validate())
}
