package postgres

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/sethvargo/go-retry"

	"github.com/SuitlessStan/football-manager-be/internal/domain"
	"github.com/SuitlessStan/football-manager-be/internal/repository"
)

// Repository implements persistence interfaces on PostgreSQL.
type Repository struct {
	pool *pgxpool.Pool
}

// New constructs a Repository.
func New(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

// ensure Repository satisfies interfaces.
var (
	_ repository.UserRepository     = (*Repository)(nil)
	_ repository.TeamRepository     = (*Repository)(nil)
	_ repository.PlayerRepository   = (*Repository)(nil)
	_ repository.TransferRepository = (*Repository)(nil)
)

// querier is satisfied by both *pgxpool.Pool and pgx.Tx so budget, roster,
// and listing statements run identically inside and outside a transaction.
type querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

const (
	uniqueViolation      = "23505"
	foreignKeyViolation  = "23503"
	serializationFailure = "40001"
	deadlockDetected     = "40P01"
)

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == uniqueViolation
}

func isForeignKeyViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == foreignKeyViolation
}

// isSerializationFailure reports whether Postgres aborted the transaction
// because it lost a concurrency race and is safe to run again.
func isSerializationFailure(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && (pgErr.Code == serializationFailure || pgErr.Code == deadlockDetected)
}

// CreateUser inserts a user. Returns repository.ErrDuplicate when the email
// is already registered.
func (r *Repository) CreateUser(ctx context.Context, user *domain.User) error {
	const query = `INSERT INTO users (id, email, password_hash, created_at)
		VALUES ($1, $2, $3, $4)`
	_, err := r.pool.Exec(ctx, query, user.ID, user.Email, user.PasswordHash, user.CreatedAt)
	if isUniqueViolation(err) {
		return repository.ErrDuplicate
	}
	return err
}

// GetUserByEmail fetches a user by email.
func (r *Repository) GetUserByEmail(ctx context.Context, email string) (*domain.User, error) {
	const query = `SELECT id, email, password_hash, created_at FROM users WHERE email = $1`
	row := r.pool.QueryRow(ctx, query, email)
	var u domain.User
	if err := row.Scan(&u.ID, &u.Email, &u.PasswordHash, &u.CreatedAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, repository.ErrNotFound
		}
		return nil, err
	}
	return &u, nil
}

// GetUserByID retrieves a user by identifier.
func (r *Repository) GetUserByID(ctx context.Context, id string) (*domain.User, error) {
	const query = `SELECT id, email, password_hash, created_at FROM users WHERE id = $1`
	row := r.pool.QueryRow(ctx, query, id)
	var u domain.User
	if err := row.Scan(&u.ID, &u.Email, &u.PasswordHash, &u.CreatedAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, repository.ErrNotFound
		}
		return nil, err
	}
	return &u, nil
}

// CreateTeam creates a team record. Returns repository.ErrDuplicate when the
// user already owns a team.
func (r *Repository) CreateTeam(ctx context.Context, team *domain.Team) error {
	const query = `INSERT INTO teams (id, user_id, budget, created_at)
		VALUES ($1, $2, $3, $4)`
	_, err := r.pool.Exec(ctx, query, team.ID, team.UserID, team.Budget, team.CreatedAt)
	if isUniqueViolation(err) {
		return repository.ErrDuplicate
	}
	if isForeignKeyViolation(err) {
		return repository.ErrNotFound
	}
	return err
}

// GetTeamByID returns a team by identifier.
func (r *Repository) GetTeamByID(ctx context.Context, id string) (*domain.Team, error) {
	const query = `SELECT id, user_id, budget, created_at FROM teams WHERE id = $1`
	return scanTeam(r.pool.QueryRow(ctx, query, id))
}

// GetTeamByUserID returns the team owned by a user.
func (r *Repository) GetTeamByUserID(ctx context.Context, userID string) (*domain.Team, error) {
	const query = `SELECT id, user_id, budget, created_at FROM teams WHERE user_id = $1`
	return scanTeam(r.pool.QueryRow(ctx, query, userID))
}

func scanTeam(row pgx.Row) (*domain.Team, error) {
	var t domain.Team
	if err := row.Scan(&t.ID, &t.UserID, &t.Budget, &t.CreatedAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, repository.ErrNotFound
		}
		return nil, err
	}
	return &t, nil
}

// DebitBudget atomically reduces a team's budget and returns the new value.
// The guard lives in the statement itself, so concurrent debits against the
// same team serialize on the row and never overdraw it.
func (r *Repository) DebitBudget(ctx context.Context, teamID string, amount float64) (float64, error) {
	return debitBudget(ctx, r.pool, teamID, amount)
}

func debitBudget(ctx context.Context, q querier, teamID string, amount float64) (float64, error) {
	const query = `UPDATE teams SET budget = budget - $2
		WHERE id = $1 AND budget >= $2
		RETURNING budget`
	var newBudget float64
	err := q.QueryRow(ctx, query, teamID, amount).Scan(&newBudget)
	if err == nil {
		return newBudget, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return 0, err
	}
	// No row matched: either the team is missing or the guard rejected it.
	var budget float64
	if err := q.QueryRow(ctx, `SELECT budget FROM teams WHERE id = $1`, teamID).Scan(&budget); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return 0, repository.ErrNotFound
		}
		return 0, err
	}
	return 0, repository.ErrInsufficientFunds
}

// CountPlayers counts players assigned to a team.
func (r *Repository) CountPlayers(ctx context.Context, teamID string) (int, error) {
	const query = `SELECT COUNT(1) FROM players WHERE team_id = $1`
	var count int
	if err := r.pool.QueryRow(ctx, query, teamID).Scan(&count); err != nil {
		return 0, err
	}
	return count, nil
}

// CreatePlayer inserts a player. A team deleted between validation and the
// insert surfaces as repository.ErrNotFound.
func (r *Repository) CreatePlayer(ctx context.Context, player *domain.Player) error {
	const query = `INSERT INTO players (id, team_id, name, position, price, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)`
	_, err := r.pool.Exec(ctx, query, player.ID, player.TeamID, player.Name, player.Position, player.Price, player.CreatedAt)
	if isForeignKeyViolation(err) {
		return repository.ErrNotFound
	}
	return err
}

// GetPlayerByID fetches a player.
func (r *Repository) GetPlayerByID(ctx context.Context, id string) (*domain.Player, error) {
	const query = `SELECT id, team_id, name, position, price, created_at FROM players WHERE id = $1`
	row := r.pool.QueryRow(ctx, query, id)
	var p domain.Player
	if err := row.Scan(&p.ID, &p.TeamID, &p.Name, &p.Position, &p.Price, &p.CreatedAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, repository.ErrNotFound
		}
		return nil, err
	}
	return &p, nil
}

// ListPlayersByTeam returns the players on a team roster.
func (r *Repository) ListPlayersByTeam(ctx context.Context, teamID string) ([]domain.Player, error) {
	const query = `SELECT id, team_id, name, position, price, created_at
		FROM players WHERE team_id = $1 ORDER BY created_at`
	rows, err := r.pool.Query(ctx, query, teamID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	players := make([]domain.Player, 0)
	for rows.Next() {
		var p domain.Player
		if err := rows.Scan(&p.ID, &p.TeamID, &p.Name, &p.Position, &p.Price, &p.CreatedAt); err != nil {
			return nil, err
		}
		players = append(players, p)
	}
	return players, rows.Err()
}

// ReassignPlayer atomically moves a player to a new team and returns the
// previous owner. The row lock keeps the previous owner read consistent with
// the update under concurrent purchases.
func (r *Repository) ReassignPlayer(ctx context.Context, playerID, teamID string) (*string, error) {
	return reassignPlayer(ctx, r.pool, playerID, teamID)
}

func reassignPlayer(ctx context.Context, q querier, playerID, teamID string) (*string, error) {
	var previous *string
	err := q.QueryRow(ctx, `SELECT team_id FROM players WHERE id = $1 FOR UPDATE`, playerID).Scan(&previous)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, repository.ErrNotFound
		}
		return nil, err
	}
	if _, err := q.Exec(ctx, `UPDATE players SET team_id = $2 WHERE id = $1`, playerID, teamID); err != nil {
		return nil, err
	}
	return previous, nil
}

// CreateTransfer inserts a listing. The partial unique index on unsold
// listings turns a concurrent double-list into repository.ErrDuplicate.
func (r *Repository) CreateTransfer(ctx context.Context, transfer *domain.Transfer) error {
	const query = `INSERT INTO transfers (id, player_id, asking_price, is_sold, created_at)
		VALUES ($1, $2, $3, $4, $5)`
	_, err := r.pool.Exec(ctx, query, transfer.ID, transfer.PlayerID, transfer.AskingPrice, transfer.IsSold, transfer.CreatedAt)
	if isUniqueViolation(err) {
		return repository.ErrDuplicate
	}
	if isForeignKeyViolation(err) {
		return repository.ErrNotFound
	}
	return err
}

// GetActiveTransferByPlayer returns the unsold listing for a player.
func (r *Repository) GetActiveTransferByPlayer(ctx context.Context, playerID string) (*domain.Transfer, error) {
	const query = `SELECT id, player_id, asking_price, is_sold, created_at, sold_at
		FROM transfers WHERE player_id = $1 AND is_sold = FALSE`
	row := r.pool.QueryRow(ctx, query, playerID)
	var t domain.Transfer
	if err := row.Scan(&t.ID, &t.PlayerID, &t.AskingPrice, &t.IsSold, &t.CreatedAt, &t.SoldAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, repository.ErrNotFound
		}
		return nil, err
	}
	return &t, nil
}

// ListActiveListings returns unsold listings joined with player attributes.
func (r *Repository) ListActiveListings(ctx context.Context) ([]domain.Listing, error) {
	const query = `SELECT t.id, t.player_id, t.asking_price, p.name, p.position, p.price, t.created_at
		FROM transfers t
		INNER JOIN players p ON p.id = t.player_id
		WHERE t.is_sold = FALSE
		ORDER BY t.created_at`
	rows, err := r.pool.Query(ctx, query)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	listings := make([]domain.Listing, 0)
	for rows.Next() {
		var l domain.Listing
		if err := rows.Scan(&l.TransferID, &l.PlayerID, &l.AskingPrice, &l.PlayerName, &l.PlayerPosition, &l.OriginalPrice, &l.CreatedAt); err != nil {
			return nil, err
		}
		listings = append(listings, l)
	}
	return listings, rows.Err()
}

// MarkSold flips is_sold exactly once and stamps sold_at. Returns false when
// the listing was already sold or does not exist.
func (r *Repository) MarkSold(ctx context.Context, transferID string) (bool, error) {
	return markSold(ctx, r.pool, transferID)
}

func markSold(ctx context.Context, q querier, transferID string) (bool, error) {
	const query = `UPDATE transfers SET is_sold = TRUE, sold_at = NOW()
		WHERE id = $1 AND is_sold = FALSE`
	tag, err := q.Exec(ctx, query, transferID)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() > 0, nil
}

// DeleteTransfersByPlayer removes unsold listings for a player. Sold
// listings are historical records and stay untouched.
func (r *Repository) DeleteTransfersByPlayer(ctx context.Context, playerID string) (bool, error) {
	const query = `DELETE FROM transfers WHERE player_id = $1 AND is_sold = FALSE`
	tag, err := r.pool.Exec(ctx, query, playerID)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() > 0, nil
}

const (
	purchaseRetries = 3
	purchaseBackoff = 25 * time.Millisecond
)

// CompletePurchase applies the sold-flag flip, the budget debit, and the
// roster reassignment in a single serializable transaction. A compare-and-set
// miss on is_sold surfaces as repository.ErrListingSold with no side effects;
// any later failure rolls the whole unit back.
//
// When two commits genuinely overlap, Postgres aborts the loser with a
// serialization failure before its statements can report zero rows. The
// aborted transaction runs again on a fresh snapshot, where a listing sold
// in the meantime resolves through the compare-and-set and a raced budget
// is re-read at its reduced value.
func (r *Repository) CompletePurchase(ctx context.Context, order domain.PurchaseOrder) (*domain.PurchaseReceipt, error) {
	return retryPurchase(ctx, func(ctx context.Context) (*domain.PurchaseReceipt, error) {
		return r.completePurchase(ctx, order)
	})
}

func retryPurchase(ctx context.Context, fn func(context.Context) (*domain.PurchaseReceipt, error)) (*domain.PurchaseReceipt, error) {
	var receipt *domain.PurchaseReceipt
	backoff := retry.WithMaxRetries(purchaseRetries, retry.NewConstant(purchaseBackoff))
	err := retry.Do(ctx, backoff, func(ctx context.Context) error {
		result, err := fn(ctx)
		if err != nil {
			if isSerializationFailure(err) {
				return retry.RetryableError(err)
			}
			return err
		}
		receipt = result
		return nil
	})
	if err != nil {
		return nil, err
	}
	return receipt, nil
}

func (r *Repository) completePurchase(ctx context.Context, order domain.PurchaseOrder) (*domain.PurchaseReceipt, error) {
	tx, err := r.pool.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.Serializable})
	if err != nil {
		return nil, err
	}
	defer tx.Rollback(ctx)

	sold, err := markSold(ctx, tx, order.TransferID)
	if err != nil {
		return nil, err
	}
	if !sold {
		return nil, repository.ErrListingSold
	}

	newBudget, err := debitBudget(ctx, tx, order.BuyerTeamID, order.Price)
	if err != nil {
		return nil, err
	}

	previous, err := reassignPlayer(ctx, tx, order.PlayerID, order.BuyerTeamID)
	if err != nil {
		return nil, err
	}

	var soldAt time.Time
	if err := tx.QueryRow(ctx, `SELECT sold_at FROM transfers WHERE id = $1`, order.TransferID).Scan(&soldAt); err != nil {
		return nil, err
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, err
	}

	return &domain.PurchaseReceipt{
		TransferID:     order.TransferID,
		PlayerID:       order.PlayerID,
		BuyerTeamID:    order.BuyerTeamID,
		PreviousTeamID: previous,
		Price:          order.Price,
		NewBudget:      newBudget,
		CompletedAt:    soldAt,
	}, nil
}
