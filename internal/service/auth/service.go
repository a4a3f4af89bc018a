package auth

import (
	"context"
	"errors"
	"strings"
	"time"

	"log/slog"

	"github.com/google/uuid"

	"github.com/SuitlessStan/football-manager-be/internal/domain"
	"github.com/SuitlessStan/football-manager-be/internal/repository"
	jwtpkg "github.com/SuitlessStan/football-manager-be/pkg/jwt"
)

var (
	// ErrInvalidCredentials covers a known email with a mismatching password.
	ErrInvalidCredentials = errors.New("invalid credentials")
	// ErrMissingToken covers an absent or malformed authorization header.
	ErrMissingToken = errors.New("missing token")
	// ErrInvalidToken covers bad signature, bad shape, or a stale user.
	ErrInvalidToken = errors.New("invalid token")
	// ErrExpiredToken covers a token past its validity window.
	ErrExpiredToken = errors.New("token expired")
)

// PasswordHasher abstracts the password hashing primitive.
type PasswordHasher interface {
	Hash(plain string) ([]byte, error)
	Compare(hash []byte, plain string) error
}

// TokenSigner abstracts session token issuance and verification.
type TokenSigner interface {
	Sign(userID, email string) (string, error)
	Verify(token string) (*jwtpkg.Claims, error)
}

// Identity is the authenticated caller resolved from a session token.
type Identity struct {
	UserID string
	Email  string
}

// Service issues and verifies session tokens and resolves them to users.
type Service struct {
	users  repository.UserRepository
	hasher PasswordHasher
	signer TokenSigner
	logger *slog.Logger
}

// New constructs a Service.
func New(users repository.UserRepository, hasher PasswordHasher, signer TokenSigner, logger *slog.Logger) Service {
	return Service{users: users, hasher: hasher, signer: signer, logger: logger}
}

// LoginOrRegister authenticates an existing user or registers a new one on
// first login with an unseen email. An existing email with a mismatching
// password fails with ErrInvalidCredentials.
func (s Service) LoginOrRegister(ctx context.Context, email, password string) (string, *domain.User, error) {
	email = strings.TrimSpace(email)
	if email == "" || password == "" {
		return "", nil, ErrInvalidCredentials
	}

	user, err := s.users.GetUserByEmail(ctx, email)
	switch {
	case err == nil:
		if err := s.hasher.Compare(user.PasswordHash, password); err != nil {
			return "", nil, ErrInvalidCredentials
		}
	case errors.Is(err, repository.ErrNotFound):
		user, err = s.register(ctx, email, password)
		if err != nil {
			return "", nil, err
		}
	default:
		return "", nil, err
	}

	token, err := s.signer.Sign(user.ID, user.Email)
	if err != nil {
		return "", nil, err
	}
	s.logger.Info("user logged in", "user_id", user.ID)
	return token, user, nil
}

func (s Service) register(ctx context.Context, email, password string) (*domain.User, error) {
	hash, err := s.hasher.Hash(password)
	if err != nil {
		return nil, err
	}
	user := &domain.User{
		ID:           uuid.NewString(),
		Email:        email,
		PasswordHash: hash,
		CreatedAt:    time.Now().UTC(),
	}
	if err := s.users.CreateUser(ctx, user); err != nil {
		if errors.Is(err, repository.ErrDuplicate) {
			// Lost a registration race: authenticate against the winner's row.
			existing, getErr := s.users.GetUserByEmail(ctx, email)
			if getErr != nil {
				return nil, getErr
			}
			if compareErr := s.hasher.Compare(existing.PasswordHash, password); compareErr != nil {
				return nil, ErrInvalidCredentials
			}
			return existing, nil
		}
		return nil, err
	}
	s.logger.Info("user registered", "user_id", user.ID)
	return user, nil
}

// Authorize validates a bearer token and resolves it to a live user. A token
// for a user that no longer exists fails with ErrInvalidToken.
func (s Service) Authorize(ctx context.Context, token string) (Identity, error) {
	trimmed := strings.TrimSpace(token)
	if trimmed == "" {
		return Identity{}, ErrMissingToken
	}
	claims, err := s.signer.Verify(trimmed)
	if err != nil {
		if errors.Is(err, jwtpkg.ErrExpired) {
			return Identity{}, ErrExpiredToken
		}
		return Identity{}, ErrInvalidToken
	}
	user, err := s.users.GetUserByID(ctx, claims.UserID)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return Identity{}, ErrInvalidToken
		}
		return Identity{}, err
	}
	return Identity{UserID: user.ID, Email: user.Email}, nil
}
