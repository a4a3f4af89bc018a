package domain

import "time"

// Position is a player's field position.
type Position string

const (
	PositionGoalkeeper Position = "Goalkeeper"
	PositionDefender   Position = "Defender"
	PositionMidfielder Position = "Midfielder"
	PositionAttacker   Position = "Attacker"
)

// Valid reports whether the position is one of the four known values.
func (p Position) Valid() bool {
	switch p {
	case PositionGoalkeeper, PositionDefender, PositionMidfielder, PositionAttacker:
		return true
	}
	return false
}

// Player belongs to at most one team. TeamID is nil for free agents and
// changes only through a completed purchase.
type Player struct {
	ID        string
	TeamID    *string
	Name      string
	Position  Position
	Price     float64
	CreatedAt time.Time
}
