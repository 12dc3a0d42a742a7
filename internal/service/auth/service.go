package auth

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"log/slog"

	"github.com/google/uuid"

	"github.com/rivetr/rivetr/internal/domain"
	"github.com/rivetr/rivetr/internal/repository"
	"github.com/rivetr/rivetr/pkg/crypto"
	"github.com/rivetr/rivetr/pkg/jwt"
)

// ErrInvalidCredentials is returned for unknown emails and wrong passwords
// alike, so login responses do not reveal which one it was.
var ErrInvalidCredentials = errors.New("auth: invalid credentials")

// TokenPair is the result of a successful login.
type TokenPair struct {
	AccessToken  string
	RefreshToken string
}

// Service authenticates operators and validates session tokens.
type Service struct {
	operators  repository.OperatorRepository
	jwtSecret  string
	accessTTL  time.Duration
	refreshTTL time.Duration
	logger     *slog.Logger
}

// New constructs an auth Service.
func New(operators repository.OperatorRepository, jwtSecret string, accessTTL, refreshTTL time.Duration, logger *slog.Logger) *Service {
	return &Service{
		operators:  operators,
		jwtSecret:  jwtSecret,
		accessTTL:  accessTTL,
		refreshTTL: refreshTTL,
		logger:     logger,
	}
}

// EnsureOperator creates the operator account when the email does not exist
// yet. Used to bootstrap the first login on a fresh install.
func (s *Service) EnsureOperator(ctx context.Context, email, password string) error {
	if strings.TrimSpace(email) == "" || password == "" {
		return nil
	}
	_, err := s.operators.GetOperatorByEmail(ctx, email)
	if err == nil {
		return nil
	}
	if !errors.Is(err, repository.ErrNotFound) {
		return err
	}
	hash, err := crypto.HashPassword(password)
	if err != nil {
		return fmt.Errorf("hash bootstrap password: %w", err)
	}
	operator := &domain.Operator{
		ID:           uuid.NewString(),
		Email:        strings.ToLower(strings.TrimSpace(email)),
		PasswordHash: string(hash),
		CreatedAt:    time.Now().UTC(),
	}
	if err := s.operators.CreateOperator(ctx, operator); err != nil {
		return err
	}
	s.logger.Info("bootstrap operator created", "email", operator.Email)
	return nil
}

// Login verifies the operator's password and issues a token pair.
func (s *Service) Login(ctx context.Context, email, password string) (*TokenPair, *domain.Operator, error) {
	operator, err := s.operators.GetOperatorByEmail(ctx, email)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return nil, nil, ErrInvalidCredentials
		}
		return nil, nil, err
	}
	if err := crypto.ComparePassword([]byte(operator.PasswordHash), password); err != nil {
		s.logger.Warn("login rejected", "email", email)
		return nil, nil, ErrInvalidCredentials
	}
	pair, err := s.issuePair(operator.ID)
	if err != nil {
		return nil, nil, err
	}
	return pair, operator, nil
}

// Refresh exchanges a valid refresh token for a new pair.
func (s *Service) Refresh(ctx context.Context, refreshToken string) (*TokenPair, error) {
	claims, err := jwt.Parse(refreshToken, s.jwtSecret)
	if err != nil {
		return nil, ErrInvalidCredentials
	}
	if _, err := s.operators.GetOperatorByID(ctx, claims.OperatorID); err != nil {
		return nil, ErrInvalidCredentials
	}
	return s.issuePair(claims.OperatorID)
}

// Authorize validates an access token and returns its claims.
func (s *Service) Authorize(token string) (*jwt.Claims, error) {
	claims, err := jwt.Parse(token, s.jwtSecret)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidCredentials, err)
	}
	return claims, nil
}

func (s *Service) issuePair(operatorID string) (*TokenPair, error) {
	access, err := jwt.GenerateToken(operatorID, "", s.jwtSecret, s.accessTTL)
	if err != nil {
		return nil, fmt.Errorf("sign access token: %w", err)
	}
	refresh, err := jwt.GenerateToken(operatorID, "", s.jwtSecret, s.refreshTTL)
	if err != nil {
		return nil, fmt.Errorf("sign refresh token: %w", err)
	}
	return &TokenPair{AccessToken: access, RefreshToken: refresh}, nil
}
