package transfer

import (
	"context"
	"errors"
	"io"
	"sync"
	"testing"
	"time"

	"log/slog"

	"github.com/SuitlessStan/football-manager-be/internal/domain"
	"github.com/SuitlessStan/football-manager-be/internal/repository"
)

// marketStub implements the team, player, and transfer repositories with the
// same atomicity guarantees the real store provides: CompletePurchase either
// applies all three mutations under one lock or none of them.
type marketStub struct {
	mu        sync.Mutex
	teams     map[string]*domain.Team
	players   map[string]*domain.Player
	transfers map[string]*domain.Transfer

	// staleListing, when set, is returned by GetActiveTransferByPlayer even
	// after the listing sold, simulating a validation read that raced a
	// concurrent purchase.
	staleListing *domain.Transfer
}

func newMarketStub() *marketStub {
	return &marketStub{
		teams:     make(map[string]*domain.Team),
		players:   make(map[string]*domain.Player),
		transfers: make(map[string]*domain.Transfer),
	}
}

func (s *marketStub) addTeam(id string, budget float64) {
	s.teams[id] = &domain.Team{ID: id, UserID: "user-" + id, Budget: budget}
}

func (s *marketStub) addPlayer(id string, teamID *string, price float64) {
	s.players[id] = &domain.Player{ID: id, TeamID: teamID, Name: "Player " + id, Position: domain.PositionAttacker, Price: price}
}

func (s *marketStub) addListing(id, playerID string, askingPrice float64) {
	s.transfers[id] = &domain.Transfer{ID: id, PlayerID: playerID, AskingPrice: askingPrice, CreatedAt: time.Now()}
}

func (s *marketStub) CreateTeam(_ context.Context, team *domain.Team) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	copied := *team
	s.teams[team.ID] = &copied
	return nil
}

func (s *marketStub) GetTeamByID(_ context.Context, id string) (*domain.Team, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	team, ok := s.teams[id]
	if !ok {
		return nil, repository.ErrNotFound
	}
	copied := *team
	return &copied, nil
}

func (s *marketStub) GetTeamByUserID(_ context.Context, userID string) (*domain.Team, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, team := range s.teams {
		if team.UserID == userID {
			copied := *team
			return &copied, nil
		}
	}
	return nil, repository.ErrNotFound
}

func (s *marketStub) DebitBudget(_ context.Context, teamID string, amount float64) (float64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	team, ok := s.teams[teamID]
	if !ok {
		return 0, repository.ErrNotFound
	}
	if team.Budget < amount {
		return 0, repository.ErrInsufficientFunds
	}
	team.Budget -= amount
	return team.Budget, nil
}

func (s *marketStub) CountPlayers(_ context.Context, teamID string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	count := 0
	for _, p := range s.players {
		if p.TeamID != nil && *p.TeamID == teamID {
			count++
		}
	}
	return count, nil
}

func (s *marketStub) CreatePlayer(_ context.Context, player *domain.Player) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	copied := *player
	s.players[player.ID] = &copied
	return nil
}

func (s *marketStub) GetPlayerByID(_ context.Context, id string) (*domain.Player, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	player, ok := s.players[id]
	if !ok {
		return nil, repository.ErrNotFound
	}
	copied := *player
	return &copied, nil
}

func (s *marketStub) ListPlayersByTeam(_ context.Context, teamID string) ([]domain.Player, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	players := make([]domain.Player, 0)
	for _, p := range s.players {
		if p.TeamID != nil && *p.TeamID == teamID {
			players = append(players, *p)
		}
	}
	return players, nil
}

func (s *marketStub) ReassignPlayer(_ context.Context, playerID, teamID string) (*string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	player, ok := s.players[playerID]
	if !ok {
		return nil, repository.ErrNotFound
	}
	previous := player.TeamID
	owner := teamID
	player.TeamID = &owner
	return previous, nil
}

func (s *marketStub) CreateTransfer(_ context.Context, transfer *domain.Transfer) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, t := range s.transfers {
		if t.PlayerID == transfer.PlayerID && !t.IsSold {
			return repository.ErrDuplicate
		}
	}
	copied := *transfer
	s.transfers[transfer.ID] = &copied
	return nil
}

func (s *marketStub) GetActiveTransferByPlayer(_ context.Context, playerID string) (*domain.Transfer, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.staleListing != nil && s.staleListing.PlayerID == playerID {
		copied := *s.staleListing
		return &copied, nil
	}
	for _, t := range s.transfers {
		if t.PlayerID == playerID && !t.IsSold {
			copied := *t
			return &copied, nil
		}
	}
	return nil, repository.ErrNotFound
}

func (s *marketStub) ListActiveListings(_ context.Context) ([]domain.Listing, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	listings := make([]domain.Listing, 0)
	for _, t := range s.transfers {
		if t.IsSold {
			continue
		}
		player := s.players[t.PlayerID]
		listings = append(listings, domain.Listing{
			TransferID:     t.ID,
			PlayerID:       t.PlayerID,
			AskingPrice:    t.AskingPrice,
			PlayerName:     player.Name,
			PlayerPosition: player.Position,
			OriginalPrice:  player.Price,
			CreatedAt:      t.CreatedAt,
		})
	}
	return listings, nil
}

func (s *marketStub) MarkSold(_ context.Context, transferID string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.transfers[transferID]
	if !ok || t.IsSold {
		return false, nil
	}
	now := time.Now()
	t.IsSold = true
	t.SoldAt = &now
	return true, nil
}

func (s *marketStub) DeleteTransfersByPlayer(_ context.Context, playerID string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	removed := false
	for id, t := range s.transfers {
		if t.PlayerID == playerID && !t.IsSold {
			delete(s.transfers, id)
			removed = true
		}
	}
	return removed, nil
}

func (s *marketStub) CompletePurchase(_ context.Context, order domain.PurchaseOrder) (*domain.PurchaseReceipt, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	listing, ok := s.transfers[order.TransferID]
	if !ok || listing.IsSold {
		return nil, repository.ErrListingSold
	}
	team, ok := s.teams[order.BuyerTeamID]
	if !ok {
		return nil, repository.ErrNotFound
	}
	if team.Budget < order.Price {
		return nil, repository.ErrInsufficientFunds
	}
	player, ok := s.players[order.PlayerID]
	if !ok {
		return nil, repository.ErrNotFound
	}

	now := time.Now()
	listing.IsSold = true
	listing.SoldAt = &now
	team.Budget -= order.Price
	previous := player.TeamID
	owner := order.BuyerTeamID
	player.TeamID = &owner

	return &domain.PurchaseReceipt{
		TransferID:     order.TransferID,
		PlayerID:       order.PlayerID,
		BuyerTeamID:    order.BuyerTeamID,
		PreviousTeamID: previous,
		Price:          order.Price,
		NewBudget:      team.Budget,
		CompletedAt:    now,
	}, nil
}

func newLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newService(stub *marketStub) Service {
	return New(stub, stub, stub, nil, newLogger())
}

func TestBuyDebitsBudgetAndMovesPlayer(t *testing.T) {
	stub := newMarketStub()
	seller := "team-seller"
	stub.addTeam("team-a", 5_000_000)
	stub.addTeam(seller, 2_000_000)
	stub.addPlayer("player-1", &seller, 800_000)
	stub.addListing("transfer-1", "player-1", 1_000_000)

	svc := newService(stub)
	receipt, err := svc.Buy(context.Background(), "player-1", "team-a")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if receipt.NewBudget != 4_000_000 {
		t.Fatalf("expected new budget 4000000, got %f", receipt.NewBudget)
	}
	if receipt.PreviousTeamID == nil || *receipt.PreviousTeamID != seller {
		t.Fatalf("expected previous owner %q, got %v", seller, receipt.PreviousTeamID)
	}
	if stub.teams["team-a"].Budget != 4_000_000 {
		t.Fatalf("stored budget mismatch: %f", stub.teams["team-a"].Budget)
	}
	if stub.players["player-1"].TeamID == nil || *stub.players["player-1"].TeamID != "team-a" {
		t.Fatalf("player not reassigned: %v", stub.players["player-1"].TeamID)
	}
	if !stub.transfers["transfer-1"].IsSold || stub.transfers["transfer-1"].SoldAt == nil {
		t.Fatalf("listing not marked sold: %+v", stub.transfers["transfer-1"])
	}
}

func TestBuyInsufficientFundsLeavesNoTrace(t *testing.T) {
	stub := newMarketStub()
	stub.addTeam("team-a", 500_000)
	stub.addPlayer("player-1", nil, 800_000)
	stub.addListing("transfer-1", "player-1", 1_000_000)

	svc := newService(stub)
	if _, err := svc.Buy(context.Background(), "player-1", "team-a"); !errors.Is(err, ErrInsufficientFunds) {
		t.Fatalf("expected ErrInsufficientFunds, got %v", err)
	}
	if stub.teams["team-a"].Budget != 500_000 {
		t.Fatalf("budget mutated on rejected purchase: %f", stub.teams["team-a"].Budget)
	}
	if stub.transfers["transfer-1"].IsSold {
		t.Fatalf("listing sold on rejected purchase")
	}
	if stub.players["player-1"].TeamID != nil {
		t.Fatalf("player reassigned on rejected purchase")
	}
}

func TestBuyUnlistedPlayer(t *testing.T) {
	stub := newMarketStub()
	stub.addTeam("team-a", 5_000_000)
	stub.addPlayer("player-1", nil, 800_000)

	svc := newService(stub)
	if _, err := svc.Buy(context.Background(), "player-1", "team-a"); !errors.Is(err, ErrNotListed) {
		t.Fatalf("expected ErrNotListed, got %v", err)
	}
}

func TestBuyMissingPlayerOrTeam(t *testing.T) {
	stub := newMarketStub()
	stub.addTeam("team-a", 5_000_000)
	stub.addPlayer("player-1", nil, 800_000)
	stub.addListing("transfer-1", "player-1", 1_000_000)

	svc := newService(stub)
	if _, err := svc.Buy(context.Background(), "ghost", "team-a"); !errors.Is(err, repository.ErrNotFound) {
		t.Fatalf("expected ErrNotFound for missing player, got %v", err)
	}
	if _, err := svc.Buy(context.Background(), "player-1", "ghost"); !errors.Is(err, repository.ErrNotFound) {
		t.Fatalf("expected ErrNotFound for missing team, got %v", err)
	}
}

func TestBuyRacedListingConflicts(t *testing.T) {
	stub := newMarketStub()
	stub.addTeam("team-a", 5_000_000)
	stub.addTeam("team-b", 5_000_000)
	stub.addPlayer("player-1", nil, 800_000)
	stub.addListing("transfer-1", "player-1", 1_000_000)

	svc := newService(stub)
	if _, err := svc.Buy(context.Background(), "player-1", "team-a"); err != nil {
		t.Fatalf("first purchase failed: %v", err)
	}

	// Simulate team B validating against a read taken before A committed.
	stub.staleListing = &domain.Transfer{ID: "transfer-1", PlayerID: "player-1", AskingPrice: 1_000_000}
	if _, err := svc.Buy(context.Background(), "player-1", "team-b"); !errors.Is(err, ErrListingSold) {
		t.Fatalf("expected ErrListingSold, got %v", err)
	}
	if stub.teams["team-b"].Budget != 5_000_000 {
		t.Fatalf("loser's budget mutated: %f", stub.teams["team-b"].Budget)
	}
	if *stub.players["player-1"].TeamID != "team-a" {
		t.Fatalf("player owner changed by conflicting purchase")
	}
}

func TestConcurrentBuysSameListingExactlyOneWins(t *testing.T) {
	const buyers = 8
	stub := newMarketStub()
	stub.addPlayer("player-1", nil, 800_000)
	stub.addListing("transfer-1", "player-1", 1_000_000)
	teamIDs := make([]string, buyers)
	for i := range teamIDs {
		teamIDs[i] = "team-" + string(rune('a'+i))
		stub.addTeam(teamIDs[i], 5_000_000)
	}

	svc := newService(stub)
	results := make(chan error, buyers)
	var wg sync.WaitGroup
	for _, teamID := range teamIDs {
		wg.Add(1)
		go func(id string) {
			defer wg.Done()
			_, err := svc.Buy(context.Background(), "player-1", id)
			results <- err
		}(teamID)
	}
	wg.Wait()
	close(results)

	wins := 0
	for err := range results {
		switch {
		case err == nil:
			wins++
		case errors.Is(err, ErrListingSold), errors.Is(err, ErrNotListed):
			// Loser: either raced the commit or validated after it.
		default:
			t.Fatalf("unexpected error: %v", err)
		}
	}
	if wins != 1 {
		t.Fatalf("expected exactly one winning purchase, got %d", wins)
	}

	debited := 0
	for _, id := range teamIDs {
		switch stub.teams[id].Budget {
		case 4_000_000:
			debited++
		case 5_000_000:
		default:
			t.Fatalf("unexpected budget for %s: %f", id, stub.teams[id].Budget)
		}
	}
	if debited != 1 {
		t.Fatalf("expected exactly one debited team, got %d", debited)
	}
	if !stub.transfers["transfer-1"].IsSold {
		t.Fatalf("listing not sold after winning purchase")
	}
}

func TestConcurrentBuysSameTeamNeverOverspend(t *testing.T) {
	stub := newMarketStub()
	stub.addTeam("team-a", 1_500_000)
	stub.addPlayer("player-1", nil, 800_000)
	stub.addPlayer("player-2", nil, 800_000)
	stub.addListing("transfer-1", "player-1", 1_000_000)
	stub.addListing("transfer-2", "player-2", 1_000_000)

	svc := newService(stub)
	results := make(chan error, 2)
	var wg sync.WaitGroup
	for _, playerID := range []string{"player-1", "player-2"} {
		wg.Add(1)
		go func(id string) {
			defer wg.Done()
			_, err := svc.Buy(context.Background(), id, "team-a")
			results <- err
		}(playerID)
	}
	wg.Wait()
	close(results)

	wins := 0
	for err := range results {
		switch {
		case err == nil:
			wins++
		case errors.Is(err, ErrInsufficientFunds):
		default:
			t.Fatalf("unexpected error: %v", err)
		}
	}
	if wins != 1 {
		t.Fatalf("budget 1.5M covers exactly one 1M purchase, got %d wins", wins)
	}
	if budget := stub.teams["team-a"].Budget; budget != 500_000 {
		t.Fatalf("expected final budget 500000, got %f", budget)
	}
}

func TestListPlayerRejectsDuplicateListing(t *testing.T) {
	stub := newMarketStub()
	stub.addPlayer("player-1", nil, 800_000)

	svc := newService(stub)
	if _, err := svc.ListPlayer(context.Background(), "player-1", 900_000); err != nil {
		t.Fatalf("first listing failed: %v", err)
	}
	if _, err := svc.ListPlayer(context.Background(), "player-1", 950_000); !errors.Is(err, ErrAlreadyListed) {
		t.Fatalf("expected ErrAlreadyListed, got %v", err)
	}
}

func TestListPlayerValidation(t *testing.T) {
	stub := newMarketStub()
	stub.addPlayer("player-1", nil, 800_000)
	svc := newService(stub)

	if _, err := svc.ListPlayer(context.Background(), "player-1", 0); !errors.Is(err, ErrInvalidAskingPrice) {
		t.Fatalf("expected ErrInvalidAskingPrice, got %v", err)
	}
	if _, err := svc.ListPlayer(context.Background(), "ghost", 500_000); !errors.Is(err, repository.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestActiveListingsJoinPlayerAttributes(t *testing.T) {
	stub := newMarketStub()
	stub.addPlayer("player-1", nil, 800_000)
	svc := newService(stub)

	if _, err := svc.ListPlayer(context.Background(), "player-1", 900_000); err != nil {
		t.Fatalf("listing failed: %v", err)
	}
	listings, err := svc.ActiveListings(context.Background())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(listings) != 1 {
		t.Fatalf("expected one listing, got %d", len(listings))
	}
	l := listings[0]
	if l.PlayerName != "Player player-1" || l.PlayerPosition != domain.PositionAttacker || l.OriginalPrice != 800_000 {
		t.Fatalf("listing missing player attributes: %+v", l)
	}
	if l.AskingPrice != 900_000 {
		t.Fatalf("unexpected asking price: %f", l.AskingPrice)
	}
}

func TestDelist(t *testing.T) {
	stub := newMarketStub()
	stub.addPlayer("player-1", nil, 800_000)
	svc := newService(stub)

	if _, err := svc.ListPlayer(context.Background(), "player-1", 900_000); err != nil {
		t.Fatalf("listing failed: %v", err)
	}
	if err := svc.Delist(context.Background(), "player-1"); err != nil {
		t.Fatalf("delist failed: %v", err)
	}
	if err := svc.Delist(context.Background(), "player-1"); !errors.Is(err, ErrNotListed) {
		t.Fatalf("expected ErrNotListed on second delist, got %v", err)
	}
}
