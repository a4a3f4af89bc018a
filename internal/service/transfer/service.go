package transfer

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"log/slog"

	"github.com/google/uuid"

	"github.com/SuitlessStan/football-manager-be/internal/domain"
	"github.com/SuitlessStan/football-manager-be/internal/repository"
	"github.com/SuitlessStan/football-manager-be/internal/ws"
)

var (
	// ErrAlreadyListed indicates the player already has an active listing.
	ErrAlreadyListed = errors.New("player already listed for transfer")
	// ErrNotListed indicates the player has no active listing to buy.
	ErrNotListed = errors.New("player is not listed for transfer")
	// ErrListingSold indicates a concurrent purchase consumed the listing.
	ErrListingSold = errors.New("listing already sold")
	// ErrInsufficientFunds indicates the buyer cannot cover the asking price.
	ErrInsufficientFunds = errors.New("insufficient budget")
	// ErrInvalidAskingPrice indicates a non-positive asking price.
	ErrInvalidAskingPrice = errors.New("asking price must be positive")
)

// Market event types published on the feed.
const (
	eventListingCreated = "listing_created"
	eventListingRemoved = "listing_removed"
	eventPlayerSold     = "player_sold"
)

// Service owns the transfer board and coordinates purchases across the
// listing, the buyer's budget, and the roster.
type Service struct {
	transfers repository.TransferRepository
	players   repository.PlayerRepository
	teams     repository.TeamRepository
	feed      *ws.Hub
	logger    *slog.Logger
}

// New constructs a Service. The feed hub may be nil when no live market
// stream is wanted.
func New(transfers repository.TransferRepository, players repository.PlayerRepository, teams repository.TeamRepository, feed *ws.Hub, logger *slog.Logger) Service {
	return Service{transfers: transfers, players: players, teams: teams, feed: feed, logger: logger}
}

// ListPlayer puts a player on the transfer board at the given asking price.
func (s Service) ListPlayer(ctx context.Context, playerID string, askingPrice float64) (*domain.Transfer, error) {
	if askingPrice <= 0 {
		return nil, ErrInvalidAskingPrice
	}
	if _, err := s.players.GetPlayerByID(ctx, playerID); err != nil {
		return nil, err
	}
	if _, err := s.transfers.GetActiveTransferByPlayer(ctx, playerID); err == nil {
		return nil, ErrAlreadyListed
	} else if !errors.Is(err, repository.ErrNotFound) {
		return nil, err
	}

	transfer := &domain.Transfer{
		ID:          uuid.NewString(),
		PlayerID:    playerID,
		AskingPrice: askingPrice,
		IsSold:      false,
		CreatedAt:   time.Now().UTC(),
	}
	if err := s.transfers.CreateTransfer(ctx, transfer); err != nil {
		if errors.Is(err, repository.ErrDuplicate) {
			return nil, ErrAlreadyListed
		}
		return nil, err
	}
	s.logger.Info("player listed", "transfer_id", transfer.ID, "player_id", playerID, "asking_price", askingPrice)
	s.publish(eventListingCreated, transfer.ID, playerID, askingPrice)
	return transfer, nil
}

// ActiveListings returns unsold listings joined with player attributes.
func (s Service) ActiveListings(ctx context.Context) ([]domain.Listing, error) {
	return s.transfers.ListActiveListings(ctx)
}

// Delist removes a player's active listing from the board.
func (s Service) Delist(ctx context.Context, playerID string) error {
	removed, err := s.transfers.DeleteTransfersByPlayer(ctx, playerID)
	if err != nil {
		return err
	}
	if !removed {
		return ErrNotListed
	}
	s.logger.Info("player delisted", "player_id", playerID)
	s.publish(eventListingRemoved, "", playerID, 0)
	return nil
}

// Buy purchases a listed player for the buyer team. Validation happens
// first with no side effects; the commit then applies the sold flag, the
// debit, and the roster move as one atomic unit in the store. A concurrent
// purchase of the same listing surfaces as ErrListingSold with budget and
// roster untouched.
func (s Service) Buy(ctx context.Context, playerID, buyerTeamID string) (*domain.PurchaseReceipt, error) {
	player, err := s.players.GetPlayerByID(ctx, playerID)
	if err != nil {
		return nil, err
	}
	buyer, err := s.teams.GetTeamByID(ctx, buyerTeamID)
	if err != nil {
		return nil, err
	}
	listing, err := s.transfers.GetActiveTransferByPlayer(ctx, playerID)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return nil, ErrNotListed
		}
		return nil, err
	}
	if buyer.Budget < listing.AskingPrice {
		return nil, ErrInsufficientFunds
	}

	receipt, err := s.transfers.CompletePurchase(ctx, domain.PurchaseOrder{
		TransferID:  listing.ID,
		PlayerID:    player.ID,
		BuyerTeamID: buyer.ID,
		Price:       listing.AskingPrice,
	})
	if err != nil {
		switch {
		case errors.Is(err, repository.ErrListingSold):
			return nil, ErrListingSold
		case errors.Is(err, repository.ErrInsufficientFunds):
			// The authoritative in-transaction guard caught a budget raced
			// down by a concurrent purchase.
			return nil, ErrInsufficientFunds
		}
		return nil, err
	}

	s.logger.Info("player purchased",
		"transfer_id", receipt.TransferID,
		"player_id", receipt.PlayerID,
		"buyer_team_id", receipt.BuyerTeamID,
		"price", receipt.Price,
		"new_budget", receipt.NewBudget,
	)
	s.publish(eventPlayerSold, receipt.TransferID, receipt.PlayerID, receipt.Price)
	return receipt, nil
}

// marketEvent is the feed wire format.
type marketEvent struct {
	Type        string  `json:"type"`
	TransferID  string  `json:"transfer_id,omitempty"`
	PlayerID    string  `json:"player_id"`
	AskingPrice float64 `json:"asking_price,omitempty"`
	At          string  `json:"at"`
}

func (s Service) publish(eventType, transferID, playerID string, askingPrice float64) {
	if s.feed == nil {
		return
	}
	payload, err := json.Marshal(marketEvent{
		Type:        eventType,
		TransferID:  transferID,
		PlayerID:    playerID,
		AskingPrice: askingPrice,
		At:          time.Now().UTC().Format(time.RFC3339Nano),
	})
	if err != nil {
		s.logger.Error("marshal market event failed", "error", err)
		return
	}
	s.feed.Broadcast(payload)
}
