package session

import (
	"fmt"
	"sync"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
)

func TestRegisterDuplicateConnection(t *testing.T) {
	r := NewRegistry()
	alice := uuid.New()

	first, err := r.Register("c1", alice)
	require.NoError(t, err)
	require.True(t, first)

	_, err = r.Register("c1", alice)
	require.ErrorIs(t, err, ErrDuplicateConnection)
}

func TestMultiDevicePresenceTransitions(t *testing.T) {
	r := NewRegistry()
	alice := uuid.New()

	first, err := r.Register("c1", alice)
	require.NoError(t, err)
	require.True(t, first, "first device should trigger the online transition")

	first, err = r.Register("c2", alice)
	require.NoError(t, err)
	require.False(t, first, "second device must not re-fire online")

	require.ElementsMatch(t, []string{"c1", "c2"}, r.ConnectionsFor(alice))

	identity, wasLast, found := r.Unregister("c1")
	require.True(t, found)
	require.Equal(t, alice, identity)
	require.False(t, wasLast, "one device remains, no offline transition")

	identity, wasLast, found = r.Unregister("c2")
	require.True(t, found)
	require.Equal(t, alice, identity)
	require.True(t, wasLast, "last device gone, exactly one offline transition")

	require.Empty(t, r.ConnectionsFor(alice))
}

func TestUnregisterUnknownConnection(t *testing.T) {
	r := NewRegistry()

	identity, wasLast, found := r.Unregister("ghost")
	require.False(t, found)
	require.False(t, wasLast)
	require.Equal(t, uuid.Nil, identity)
}

func TestJoinRoomRequiresRegistration(t *testing.T) {
	r := NewRegistry()
	conv := uuid.New()

	err := r.JoinRoom("ghost", conv)
	require.ErrorIs(t, err, ErrNotAuthenticated)
}

func TestRoomMembership(t *testing.T) {
	r := NewRegistry()
	alice, bob := uuid.New(), uuid.New()
	conv := uuid.New()

	_, err := r.Register("a1", alice)
	require.NoError(t, err)
	_, err = r.Register("a2", alice)
	require.NoError(t, err)
	_, err = r.Register("b1", bob)
	require.NoError(t, err)

	require.NoError(t, r.JoinRoom("a1", conv))
	require.NoError(t, r.JoinRoom("b1", conv))

	require.ElementsMatch(t, []string{"a1", "b1"}, r.RoomMembers(conv))
	require.True(t, r.InRoom("a1", conv))
	require.False(t, r.InRoom("a2", conv))

	// Unregistering a connection drops it from its rooms.
	r.Unregister("a1")
	require.ElementsMatch(t, []string{"b1"}, r.RoomMembers(conv))
}

func TestLeaveRoomIdempotent(t *testing.T) {
	r := NewRegistry()
	alice := uuid.New()
	conv := uuid.New()

	_, err := r.Register("c1", alice)
	require.NoError(t, err)
	require.NoError(t, r.JoinRoom("c1", conv))

	r.LeaveRoom("c1", conv)
	// Second leave, never-joined room, unknown connection: all no-ops.
	r.LeaveRoom("c1", conv)
	r.LeaveRoom("c1", uuid.New())
	r.LeaveRoom("ghost", conv)

	require.Empty(t, r.RoomMembers(conv))
}

func TestIdentityFor(t *testing.T) {
	r := NewRegistry()
	alice := uuid.New()

	_, err := r.Register("c1", alice)
	require.NoError(t, err)

	got, err := r.IdentityFor("c1")
	require.NoError(t, err)
	require.Equal(t, alice, got)

	_, err = r.IdentityFor("ghost")
	require.ErrorIs(t, err, ErrNotAuthenticated)
}

func TestOnlineIdentities(t *testing.T) {
	r := NewRegistry()
	alice, bob := uuid.New(), uuid.New()

	_, err := r.Register("a1", alice)
	require.NoError(t, err)
	_, err = r.Register("a2", alice)
	require.NoError(t, err)
	_, err = r.Register("b1", bob)
	require.NoError(t, err)

	require.ElementsMatch(t, []uuid.UUID{alice, bob}, r.OnlineIdentities())

	r.Unregister("b1")
	require.ElementsMatch(t, []uuid.UUID{alice}, r.OnlineIdentities())
}

func TestConcurrentChurn(t *testing.T) {
	r := NewRegistry()
	conv := uuid.New()

	var wg sync.WaitGroup
	for i := 0; i < 32; i++ {
		i := i
		wg.Add(1)
		go func() {
			defer wg.Done()
			connID := fmt.Sprintf("conn-%d", i)
			identity := uuid.New()

			_, err := r.Register(connID, identity)
			require.NoError(t, err)
			require.NoError(t, r.JoinRoom(connID, conv))
			r.Touch(connID)
			_ = r.RoomMembers(conv)
			_ = r.ConnectionsFor(identity)
			r.LeaveRoom(connID, conv)
			_, _, found := r.Unregister(connID)
			require.True(t, found)
		}()
	}
	wg.Wait()

	require.Empty(t, r.Connections())
	require.Empty(t, r.RoomMembers(conv))
}
