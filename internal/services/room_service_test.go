package services

import (
	"testing"
	"time"

	"duet/internal/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPairRoomLifecycle(t *testing.T) {
	svc := NewRoomService(8)

	roomID, err := svc.CreatePair("A", "B")
	require.NoError(t, err)
	assert.True(t, svc.IsMember(roomID, "A"))
	assert.True(t, svc.IsMember(roomID, "B"))

	_, err = svc.CreatePair("A", "C")
	assert.ErrorIs(t, err, ErrInvalidRoom)

	res, ok := svc.Leave("A")
	require.True(t, ok)
	assert.True(t, res.Deleted)
	assert.Equal(t, []string{"B"}, res.Remaining)

	// the partner is released with the room
	_, inRoom := svc.RoomOf("B")
	assert.False(t, inRoom)
	pairs, _, _ := svc.Counts()
	assert.Zero(t, pairs)

	_, ok = svc.Leave("B")
	assert.False(t, ok)
}

func TestPairRoomsAreNotJoinable(t *testing.T) {
	svc := NewRoomService(8)
	roomID, err := svc.CreatePair("A", "B")
	require.NoError(t, err)

	_, err = svc.Join(roomID, "C")
	assert.ErrorIs(t, err, ErrRoomNotFound)
	assert.ErrorIs(t, svc.Authorize(roomID, ""), ErrRoomNotFound)
	assert.Empty(t, svc.List())
}

func TestGroupJoinOrder(t *testing.T) {
	svc := NewRoomService(8)
	room, err := svc.CreateRoom(models.RoomMeta{Name: "lobby"})
	require.NoError(t, err)

	existing, err := svc.Join(room.ID, "A")
	require.NoError(t, err)
	assert.Empty(t, existing)

	existing, err = svc.Join(room.ID, "B")
	require.NoError(t, err)
	assert.Equal(t, []string{"A"}, existing)

	existing, err = svc.Join(room.ID, "C")
	require.NoError(t, err)
	assert.Equal(t, []string{"A", "B"}, existing)

	// rejoining is idempotent
	existing, err = svc.Join(room.ID, "B")
	require.NoError(t, err)
	assert.Equal(t, []string{"A", "C"}, existing)
	assert.Equal(t, []string{"A", "B", "C"}, svc.Members(room.ID))

	res, ok := svc.Leave("B")
	require.True(t, ok)
	assert.Equal(t, []string{"A", "C"}, res.Remaining)
	assert.False(t, res.Empty)

	_, ok = svc.Leave("B")
	assert.False(t, ok)
	assert.Equal(t, []string{"A", "C"}, svc.Members(room.ID))
}

func TestGroupPasswordAndCapacity(t *testing.T) {
	svc := NewRoomService(2)
	room, err := svc.CreateRoom(models.RoomMeta{Name: "secret", Password: "pw"})
	require.NoError(t, err)
	assert.True(t, room.HasPassword)

	assert.ErrorIs(t, svc.Authorize(room.ID, "nope"), ErrBadPassword)
	assert.ErrorIs(t, svc.Authorize(room.ID, ""), ErrBadPassword)
	require.NoError(t, svc.Authorize(room.ID, "pw"))

	_, err = svc.Join(room.ID, "A")
	require.NoError(t, err)
	_, err = svc.Join(room.ID, "B")
	require.NoError(t, err)
	_, err = svc.Join(room.ID, "C")
	assert.ErrorIs(t, err, ErrRoomFull)

	_, err = svc.Join("missing", "C")
	assert.ErrorIs(t, err, ErrRoomNotFound)
	assert.ErrorIs(t, svc.Authorize("missing", ""), ErrRoomNotFound)
}

func TestGroupRoomExpiry(t *testing.T) {
	svc := NewRoomService(8)
	now := time.Unix(1000, 0)
	svc.now = func() time.Time { return now }

	room, err := svc.CreateRoom(models.RoomMeta{Name: "lobby"})
	require.NoError(t, err)
	_, err = svc.Join(room.ID, "A")
	require.NoError(t, err)

	assert.False(t, svc.ExpireIfEmpty(room.ID), "occupied rooms never expire")

	res, _ := svc.Leave("A")
	assert.True(t, res.Empty)
	assert.Len(t, svc.List(), 1, "empty group rooms persist until expired")

	now = now.Add(time.Minute)
	assert.True(t, svc.ExpireIfEmpty(room.ID))
	assert.Empty(t, svc.List())
	assert.False(t, svc.ExpireIfEmpty(room.ID))
}

func TestCreateRoomValidation(t *testing.T) {
	svc := NewRoomService(8)
	_, err := svc.CreateRoom(models.RoomMeta{Name: "   "})
	assert.ErrorIs(t, err, ErrInvalidRoom)
}
