package service

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"

	"github.com/pariskq/backend/internal/db"
	"github.com/pariskq/backend/internal/models"
)

var (
	// ErrTokenInvalid covers every validation failure the caller is
	// allowed to distinguish: missing, wrong ticket/agent/action, or
	// expired.
	ErrTokenInvalid = errors.New("invalid or expired token")

	// ErrTokenUsed is the race-loss outcome of consumption.
	ErrTokenUsed = errors.New("token already used")
)

// TokenStore is what the token service needs from persistence.
type TokenStore interface {
	FindLiveToken(ctx context.Context, ticketID string, action models.ActionType) (*models.ActionToken, error)
	InsertActionToken(ctx context.Context, t models.ActionToken) error
	DeleteExpiredTokens(ctx context.Context, ticketID string, action models.ActionType) error
	GetActionToken(ctx context.Context, id string) (models.ActionToken, error)
}

// TokenService issues and validates single-use action tokens. Each
// token authorizes one agent to advance one ticket by one step.
type TokenService struct {
	Store TokenStore
	TTL   time.Duration
	Now   func() time.Time
}

func (s *TokenService) now() time.Time {
	if s.Now != nil {
		return s.Now()
	}
	return time.Now().UTC()
}

// Issue returns the live token for (ticket, action) if one exists, or
// inserts a fresh one. Two concurrent issuers cannot both insert: the
// loser's unique violation resolves by re-querying the winner's row.
func (s *TokenService) Issue(ctx context.Context, ticketID, agentID string, action models.ActionType) (models.ActionToken, error) {
	if !action.Valid() {
		return models.ActionToken{}, errors.New("invalid action type")
	}

	if existing, err := s.Store.FindLiveToken(ctx, ticketID, action); err != nil {
		return models.ActionToken{}, err
	} else if existing != nil {
		return *existing, nil
	}

	// Expired leftovers would trip the live-token unique index.
	if err := s.Store.DeleteExpiredTokens(ctx, ticketID, action); err != nil {
		return models.ActionToken{}, err
	}

	now := s.now()
	tok := models.ActionToken{
		ID:        uuid.NewString(),
		TicketID:  ticketID,
		AgentID:   agentID,
		Action:    action,
		CreatedAt: now,
		ExpiresAt: now.Add(s.TTL),
	}
	err := s.Store.InsertActionToken(ctx, tok)
	if db.IsUniqueViolation(err) {
		existing, qerr := s.Store.FindLiveToken(ctx, ticketID, action)
		if qerr != nil {
			return models.ActionToken{}, qerr
		}
		if existing != nil {
			return *existing, nil
		}
		return models.ActionToken{}, err
	}
	if err != nil {
		return models.ActionToken{}, err
	}
	return tok, nil
}

// Validate checks, in order: the token exists for the claimed ticket,
// agent, and action; it is unused; it is unexpired. Every failure maps
// to ErrTokenInvalid (or ErrTokenUsed) with no partial success.
func (s *TokenService) Validate(ctx context.Context, tokenID, ticketID, agentID string, action models.ActionType) (models.ActionToken, error) {
	tok, err := s.Store.GetActionToken(ctx, tokenID)
	if err != nil {
		return models.ActionToken{}, ErrTokenInvalid
	}
	if tok.TicketID != ticketID || tok.AgentID != agentID || tok.Action != action {
		return models.ActionToken{}, ErrTokenInvalid
	}
	if tok.Used {
		return models.ActionToken{}, ErrTokenUsed
	}
	if !s.now().Before(tok.ExpiresAt) {
		return models.ActionToken{}, ErrTokenInvalid
	}
	return tok, nil
}

// Lookup fetches a token by id without claiming a tuple, rejecting
// used or expired tokens. The proof endpoints use it since the field
// agent only holds the opaque token.
func (s *TokenService) Lookup(ctx context.Context, tokenID string) (models.ActionToken, error) {
	tok, err := s.Store.GetActionToken(ctx, tokenID)
	if err != nil {
		return models.ActionToken{}, ErrTokenInvalid
	}
	if tok.Used {
		return models.ActionToken{}, ErrTokenUsed
	}
	if !s.now().Before(tok.ExpiresAt) {
		return models.ActionToken{}, ErrTokenInvalid
	}
	return tok, nil
}
