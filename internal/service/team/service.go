package team

import (
	"context"
	"errors"
	"strings"
	"time"

	"log/slog"

	"github.com/google/uuid"

	"github.com/SuitlessStan/football-manager-be/internal/domain"
	"github.com/SuitlessStan/football-manager-be/internal/repository"
)

// Squad size bounds enforced by ValidateSquadSize.
const (
	MinSquadSize = 15
	MaxSquadSize = 25
)

var (
	// ErrTeamExists indicates the user already owns a team.
	ErrTeamExists = errors.New("user already owns a team")
	// ErrInvalidSquadSize indicates a roster outside the allowed bounds.
	ErrInvalidSquadSize = errors.New("team size must be between 15 and 25 players")
	// ErrInvalidPlayer indicates a malformed player definition.
	ErrInvalidPlayer = errors.New("invalid player definition")
)

// Service handles team and roster workflows.
type Service struct {
	teams   repository.TeamRepository
	players repository.PlayerRepository
	logger  *slog.Logger
}

// New constructs a Service.
func New(teams repository.TeamRepository, players repository.PlayerRepository, logger *slog.Logger) Service {
	return Service{teams: teams, players: players, logger: logger}
}

// Create registers a team for the user with the fixed starting budget.
// Exactly one team per user.
func (s Service) Create(ctx context.Context, userID string) (*domain.Team, error) {
	team := &domain.Team{
		ID:        uuid.NewString(),
		UserID:    userID,
		Budget:    domain.StartingBudget,
		CreatedAt: time.Now().UTC(),
	}
	if err := s.teams.CreateTeam(ctx, team); err != nil {
		if errors.Is(err, repository.ErrDuplicate) {
			return nil, ErrTeamExists
		}
		return nil, err
	}
	s.logger.Info("team created", "team_id", team.ID, "user_id", userID)
	return team, nil
}

// GetByUserID returns the caller's team.
func (s Service) GetByUserID(ctx context.Context, userID string) (*domain.Team, error) {
	return s.teams.GetTeamByUserID(ctx, userID)
}

// ListPlayers returns the roster of a team.
func (s Service) ListPlayers(ctx context.Context, teamID string) ([]domain.Player, error) {
	return s.players.ListPlayersByTeam(ctx, teamID)
}

// ValidateSquadSize checks the roster size against the allowed bounds. This
// is a standalone check invoked outside the purchase commit.
func (s Service) ValidateSquadSize(ctx context.Context, teamID string) error {
	if _, err := s.teams.GetTeamByID(ctx, teamID); err != nil {
		return err
	}
	count, err := s.teams.CountPlayers(ctx, teamID)
	if err != nil {
		return err
	}
	if count < MinSquadSize || count > MaxSquadSize {
		return ErrInvalidSquadSize
	}
	return nil
}

// CreatePlayer registers a player, optionally assigned to a team.
func (s Service) CreatePlayer(ctx context.Context, name string, position domain.Position, price float64, teamID *string) (*domain.Player, error) {
	name = strings.TrimSpace(name)
	if name == "" || price <= 0 || !position.Valid() {
		return nil, ErrInvalidPlayer
	}
	if teamID != nil {
		if _, err := s.teams.GetTeamByID(ctx, *teamID); err != nil {
			return nil, err
		}
	}
	player := &domain.Player{
		ID:        uuid.NewString(),
		TeamID:    teamID,
		Name:      name,
		Position:  position,
		Price:     price,
		CreatedAt: time.Now().UTC(),
	}
	if err := s.players.CreatePlayer(ctx, player); err != nil {
		return nil, err
	}
	s.logger.Info("player created", "player_id", player.ID, "position", string(position))
	return player, nil
}
