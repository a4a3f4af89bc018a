package domain

import "time"

// Transfer is a market listing for a player. IsSold transitions from false
// to true exactly once; a sold listing is immutable.
type Transfer struct {
	ID          string
	PlayerID    string
	AskingPrice float64
	IsSold      bool
	CreatedAt   time.Time
	SoldAt      *time.Time
}

// Listing is an active transfer joined with the listed player's attributes.
type Listing struct {
	TransferID     string
	PlayerID       string
	AskingPrice    float64
	PlayerName     string
	PlayerPosition Position
	OriginalPrice  float64
	CreatedAt      time.Time
}

// PurchaseOrder identifies the rows a purchase commit operates on.
type PurchaseOrder struct {
	TransferID  string
	PlayerID    string
	BuyerTeamID string
	Price       float64
}

// PurchaseReceipt records the outcome of a committed purchase.
type PurchaseReceipt struct {
	TransferID     string
	PlayerID       string
	BuyerTeamID    string
	PreviousTeamID *string
	Price          float64
	NewBudget      float64
	CompletedAt    time.Time
}
