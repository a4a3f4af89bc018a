package repository

import (
	"context"

	"github.com/SuitlessStan/football-manager-be/internal/domain"
)

// UserRepository persists manager accounts.
type UserRepository interface {
	CreateUser(ctx context.Context, user *domain.User) error
	GetUserByEmail(ctx context.Context, email string) (*domain.User, error)
	GetUserByID(ctx context.Context, id string) (*domain.User, error)
}

// TeamRepository manages teams and their budgets. DebitBudget is the only
// budget mutation and must be atomic under concurrent callers.
type TeamRepository interface {
	CreateTeam(ctx context.Context, team *domain.Team) error
	GetTeamByID(ctx context.Context, id string) (*domain.Team, error)
	GetTeamByUserID(ctx context.Context, userID string) (*domain.Team, error)
	DebitBudget(ctx context.Context, teamID string, amount float64) (float64, error)
	CountPlayers(ctx context.Context, teamID string) (int, error)
}

// PlayerRepository persists players and their team assignment.
type PlayerRepository interface {
	CreatePlayer(ctx context.Context, player *domain.Player) error
	GetPlayerByID(ctx context.Context, id string) (*domain.Player, error)
	ListPlayersByTeam(ctx context.Context, teamID string) ([]domain.Player, error)
	ReassignPlayer(ctx context.Context, playerID, teamID string) (*string, error)
}

// TransferRepository manages market listings. CompletePurchase applies the
// sold flag, the budget debit, and the roster reassignment as one atomic
// unit; no partial effect is ever visible.
type TransferRepository interface {
	CreateTransfer(ctx context.Context, transfer *domain.Transfer) error
	GetActiveTransferByPlayer(ctx context.Context, playerID string) (*domain.Transfer, error)
	ListActiveListings(ctx context.Context) ([]domain.Listing, error)
	MarkSold(ctx context.Context, transferID string) (bool, error)
	DeleteTransfersByPlayer(ctx context.Context, playerID string) (bool, error)
	CompletePurchase(ctx context.Context, order domain.PurchaseOrder) (*domain.PurchaseReceipt, error)
}
