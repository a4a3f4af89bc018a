package domain

import "time"

// StartingBudget is the budget every team receives at creation.
const StartingBudget = 5_000_000

// Team represents a user's squad and its transfer budget.
// Budget only ever decreases, through purchase debits.
type Team struct {
	ID        string
	UserID    string
	Budget    float64
	CreatedAt time.Time
}
