package main

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xiaot623/gogo/realtime/internal/domain"
	"github.com/xiaot623/gogo/realtime/internal/protocol"
)

func TestParsePlainLineSendsText(t *testing.T) {
	r := &repl{roomID: "r1", cursor: &cursor{}}

	frame, quit, err := r.parse("  hello @wayneAI ")
	require.NoError(t, err)
	assert.False(t, quit)

	msg, ok := frame.(protocol.SendMessageMessage)
	require.True(t, ok)
	assert.Equal(t, protocol.TypeSendMessage, msg.Type)
	assert.Equal(t, "r1", msg.RoomID)
	assert.Equal(t, domain.MessageTypeText, msg.MessageType)
	assert.Equal(t, "hello @wayneAI", msg.Content)
	assert.Equal(t, "cli-1", msg.RequestID)
}

func TestParseBlankLine(t *testing.T) {
	r := &repl{roomID: "r1", cursor: &cursor{}}
	frame, quit, err := r.parse("   ")
	assert.Nil(t, frame)
	assert.False(t, quit)
	assert.NoError(t, err)
}

func TestParseCommands(t *testing.T) {
	r := &repl{roomID: "r1", cursor: &cursor{}}

	frame, _, err := r.parse("/react m1 -👍")
	require.NoError(t, err)
	toggle := frame.(protocol.ReactionToggleMessage)
	assert.Equal(t, "remove", toggle.Action)
	assert.Equal(t, "👍", toggle.Emoji)
	assert.Equal(t, "m1", toggle.MessageID)

	frame, _, err = r.parse("/read m1 m2")
	require.NoError(t, err)
	assert.Equal(t, []string{"m1", "m2"}, frame.(protocol.MarkReadMessage).MessageIDs)

	frame, _, err = r.parse("/join r2")
	require.NoError(t, err)
	assert.Equal(t, "r2", frame.(protocol.JoinRoomMessage).RoomID)
	assert.Equal(t, "r2", r.roomID)

	frame, quit, err := r.parse("/quit")
	require.NoError(t, err)
	assert.True(t, quit)
	assert.Equal(t, "r2", frame.(protocol.LeaveRoomMessage).RoomID)

	_, _, err = r.parse("/react m1")
	assert.EqualError(t, err, "usage: /react <message_id> <emoji>")
	_, _, err = r.parse("/nope")
	assert.EqualError(t, err, "unknown command /nope")
}

func TestHistoryUsesOldestLoadedTimestamp(t *testing.T) {
	r := &repl{roomID: "r1", cursor: &cursor{}}

	frame, _, err := r.parse("/history")
	require.NoError(t, err)
	assert.Nil(t, frame.(protocol.FetchHistoryMessage).Before)

	r.cursor.track([]byte(`{"type":"join_success","room_id":"r1","oldest_timestamp":"2026-01-02T03:04:05Z"}`))
	r.cursor.track([]byte(`{"type":"message_created","oldest_timestamp":"2020-01-01T00:00:00Z"}`))

	frame, _, err = r.parse("/history")
	require.NoError(t, err)
	before := frame.(protocol.FetchHistoryMessage).Before
	require.NotNil(t, before)
	assert.True(t, before.Equal(time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)))

	r.join("r2")
	assert.Nil(t, r.cursor.get())
}

func TestRender(t *testing.T) {
	line := render([]byte(`{"type":"message_created","message":{"message_id":"m1","type":"text","sender_name":"Ann","content":"hi","created_at":"t0"}}`))
	assert.Equal(t, "t0 <Ann> hi (m1)", line)

	line = render([]byte(`{"type":"stream_complete","persona":"wayneAI","content":"done","truncated":true}`))
	assert.Equal(t, "[wayneAI] done (truncated)", line)

	line = render([]byte(`{"type":"join_error","code":"not_found","message":"room not found"}`))
	assert.Equal(t, "[join_error] not_found: room not found", line)
}
