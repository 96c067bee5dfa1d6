// Package game guards room and game commands before they reach the event
// bus. It validates capacity, turn ownership and terminal state; the
// authoritative mutation always happens downstream after the bus round trip.
package game

import "fmt"

// Room kinds and their fixed player capacities. Spectator counts are
// unbounded for every kind.
const (
	KindTwoPlayer = "two_player"
	KindChat      = "chat"
)

var kindCapacities = map[string]int{
	KindTwoPlayer: 2,
	KindChat:      0, // no player seats, chat rooms hold spectators only
}

// Capacity returns the player capacity for a room kind.
func Capacity(kind string) (int, error) {
	capacity, ok := kindCapacities[kind]
	if !ok {
		return 0, fmt.Errorf("game: unknown room kind %q", kind)
	}
	return capacity, nil
}
