package game

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/tablehall/gateway/store"
)

func TestCapacity(t *testing.T) {
	capacity, err := Capacity(KindTwoPlayer)
	assert.NoError(t, err)
	assert.Equal(t, 2, capacity)

	_, err = Capacity("three_player")
	assert.Error(t, err)
}

func TestCheckTurn(t *testing.T) {
	coord := NewCoordinator()

	inProgress := &store.Room{ID: "r1", Status: store.StatusInProgress}
	state := &store.GameState{Version: 3, TurnUserID: "u1", Round: 2}

	testCases := []struct {
		name    string
		room    *store.Room
		state   *store.GameState
		role    string
		userID  string
		wantErr error
	}{
		{
			name:   "turn holder may act",
			room:   inProgress,
			state:  state,
			role:   store.RolePlayer,
			userID: "u1",
		},
		{
			name:    "non-turn-holder rejected",
			room:    inProgress,
			state:   state,
			role:    store.RolePlayer,
			userID:  "u2",
			wantErr: ErrNotYourTurn,
		},
		{
			name:    "spectator rejected",
			room:    inProgress,
			state:   state,
			role:    store.RoleSpectator,
			userID:  "u1",
			wantErr: ErrNotAPlayer,
		},
		{
			name:    "waiting room rejected",
			room:    &store.Room{ID: "r1", Status: store.StatusWaiting},
			state:   nil,
			role:    store.RolePlayer,
			userID:  "u1",
			wantErr: ErrGameNotStarted,
		},
		{
			name:    "finished room rejected",
			room:    &store.Room{ID: "r1", Status: store.StatusFinished},
			state:   state,
			role:    store.RolePlayer,
			userID:  "u1",
			wantErr: ErrRoomClosed,
		},
		{
			name:    "abandoned room rejected",
			room:    &store.Room{ID: "r1", Status: store.StatusAbandoned},
			state:   state,
			role:    store.RolePlayer,
			userID:  "u1",
			wantErr: ErrRoomClosed,
		},
		{
			name:    "missing game state treated as not your turn",
			room:    inProgress,
			state:   nil,
			role:    store.RolePlayer,
			userID:  "u1",
			wantErr: ErrNotYourTurn,
		},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			err := coord.CheckTurn(tc.room, tc.state, tc.role, tc.userID)
			if tc.wantErr != nil {
				assert.ErrorIs(t, err, tc.wantErr)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestCheckReady(t *testing.T) {
	coord := NewCoordinator()

	assert.NoError(t, coord.CheckReady(&store.Room{Status: store.StatusWaiting}, store.RolePlayer))
	assert.ErrorIs(t, coord.CheckReady(&store.Room{Status: store.StatusWaiting}, store.RoleSpectator), ErrNotAPlayer)
	assert.ErrorIs(t, coord.CheckReady(&store.Room{Status: store.StatusInProgress}, store.RolePlayer), ErrGameNotStarted)
	assert.ErrorIs(t, coord.CheckReady(&store.Room{Status: store.StatusFinished}, store.RolePlayer), ErrRoomClosed)
}
