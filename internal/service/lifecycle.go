package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/pariskq/backend/internal/mail"
	"github.com/pariskq/backend/internal/models"
)

var (
	ErrInvalidTransition = errors.New("invalid status transition")

	// ErrConflict means a guard passed but the conditional update lost
	// to a concurrent writer. The caller may retry with fresh state.
	ErrConflict = errors.New("ticket state changed concurrently")

	// ErrProofPending blocks closing while the resolution token is
	// still outstanding.
	ErrProofPending = errors.New("resolution proof not yet recorded")
)

// transitions is the full forward edge set of the ticket state
// machine. Anything not listed is rejected.
var transitions = map[models.TicketStatus][]models.TicketStatus{
	models.TicketNeedsReview:         {models.TicketOpen},
	models.TicketOpen:                {models.TicketAssigned},
	models.TicketAssigned:            {models.TicketOnSite},
	models.TicketOnSite:              {models.TicketPendingVerification},
	models.TicketPendingVerification: {models.TicketResolved},
}

// CanTransition reports whether from -> to is a legal move.
func CanTransition(from, to models.TicketStatus) error {
	for _, next := range transitions[from] {
		if next == to {
			return nil
		}
	}
	return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, from, to)
}

// actionFor maps a token action to the transition it authorizes.
func actionFor(a models.ActionType) (from, to models.TicketStatus) {
	switch a {
	case models.ActionOnSite:
		return models.TicketAssigned, models.TicketOnSite
	default:
		return models.TicketOnSite, models.TicketPendingVerification
	}
}

// LifecycleStore is what the lifecycle service needs from persistence.
type LifecycleStore interface {
	GetTicket(ctx context.Context, id string) (models.Ticket, error)
	InsertAssignment(ctx context.Context, ticketID, agentID string) error
	GetActiveAssignment(ctx context.Context, ticketID string) (*models.TicketAssignment, error)
	UpdateTicketStatusCAS(ctx context.Context, id string, from, to models.TicketStatus) (bool, error)
	ResolveTicketCAS(ctx context.Context, id string, from models.TicketStatus) (bool, error)
	FindLiveToken(ctx context.Context, ticketID string, action models.ActionType) (*models.ActionToken, error)
	ConsumeTokenAndAdvance(ctx context.Context, tokenID string, ticketID string, from, to models.TicketStatus, proof models.TicketComment) (bool, error)
}

// LifecycleService drives tickets through assignment, on-site and
// resolution proofs, and verified closure. Every status write is a
// compare-and-set so concurrent moves resolve to exactly one winner.
type LifecycleService struct {
	Store       LifecycleStore
	Tokens      *TokenService
	Sla         *SlaTracker
	Mailer      mail.Mailer
	FieldOpsURL string
	Logger      zerolog.Logger
	Now         func() time.Time
}

func (s *LifecycleService) now() time.Time {
	if s.Now != nil {
		return s.Now()
	}
	return time.Now().UTC()
}

// AssignAgent moves an OPEN ticket to ASSIGNED, records the active
// assignment, starts the assignment-phase SLA clock, and issues the
// agent's on-site token. agentEmail may be empty; the token link mail
// is then skipped.
func (s *LifecycleService) AssignAgent(ctx context.Context, ticketID, agentID, agentEmail string) (models.ActionToken, error) {
	t, err := s.Store.GetTicket(ctx, ticketID)
	if err != nil {
		return models.ActionToken{}, err
	}
	if err := CanTransition(t.Status, models.TicketAssigned); err != nil {
		return models.ActionToken{}, err
	}
	if err := s.Store.InsertAssignment(ctx, ticketID, agentID); err != nil {
		return models.ActionToken{}, err
	}
	moved, err := s.Store.UpdateTicketStatusCAS(ctx, ticketID, t.Status, models.TicketAssigned)
	if err != nil {
		return models.ActionToken{}, err
	}
	if !moved {
		return models.ActionToken{}, ErrConflict
	}

	s.Sla.SetPhaseDeadline(ctx, ticketID, models.PhaseAssignment)

	tok, err := s.Tokens.Issue(ctx, ticketID, agentID, models.ActionOnSite)
	if err != nil {
		return models.ActionToken{}, err
	}
	s.sendTokenLink(t, tok, agentEmail)
	return tok, nil
}

// ProofResult reports what a consumed proof token did.
type ProofResult struct {
	TicketID  string              `json:"ticket_id"`
	Status    models.TicketStatus `json:"status"`
	NextToken *models.ActionToken `json:"next_token,omitempty"`
}

// RecordProof consumes an action token and advances the ticket by the
// step the token authorizes. Consumption and the status move commit
// together: if the ticket is not in the expected state the token is
// not burned. After a successful on-site proof the resolution token
// is issued to the same agent.
func (s *LifecycleService) RecordProof(ctx context.Context, tokenID, note string) (ProofResult, error) {
	tok, err := s.Tokens.Lookup(ctx, tokenID)
	if err != nil {
		return ProofResult{}, err
	}
	from, to := actionFor(tok.Action)

	body := note
	if body == "" {
		body = fmt.Sprintf("%s proof recorded by agent %s", tok.Action, tok.AgentID)
	}
	proof := models.TicketComment{
		ID:       uuid.NewString(),
		TicketID: tok.TicketID,
		Source:   models.CommentSourceAgent,
		AuthorID: tok.AgentID,
		Body:     body,
	}

	ok, err := s.Store.ConsumeTokenAndAdvance(ctx, tok.ID, tok.TicketID, from, to, proof)
	if err != nil {
		return ProofResult{}, err
	}
	if !ok {
		// Either the token lost a consume race or the ticket was not
		// in the expected state. Re-check the token first: a race
		// loser must hear "already used", not a complaint about the
		// status the winner just moved the ticket into.
		if _, lerr := s.Tokens.Lookup(ctx, tok.ID); errors.Is(lerr, ErrTokenUsed) {
			return ProofResult{}, ErrTokenUsed
		}
		// The token survives a state mismatch.
		cur, gerr := s.Store.GetTicket(ctx, tok.TicketID)
		if gerr == nil && cur.Status != from {
			return ProofResult{}, fmt.Errorf("%w: ticket is %s, expected %s", ErrInvalidTransition, cur.Status, from)
		}
		return ProofResult{}, ErrTokenUsed
	}

	res := ProofResult{TicketID: tok.TicketID, Status: to}
	switch tok.Action {
	case models.ActionOnSite:
		s.Sla.SetPhaseDeadline(ctx, tok.TicketID, models.PhaseOnsite)
		next, err := s.Tokens.Issue(ctx, tok.TicketID, tok.AgentID, models.ActionResolution)
		if err != nil {
			s.Logger.Error().Err(err).Str("ticket_id", tok.TicketID).Msg("issue resolution token")
		} else {
			res.NextToken = &next
		}
	case models.ActionResolution:
		s.Sla.SetPhaseDeadline(ctx, tok.TicketID, models.PhaseResolution)
	}
	return res, nil
}

// VerifyAndClose moves RESOLVED_PENDING_VERIFICATION to RESOLVED and
// notifies the reporter. It refuses while the resolution token is
// still live and unused, so a half-done proof cannot be closed over.
func (s *LifecycleService) VerifyAndClose(ctx context.Context, ticketID string) (models.Ticket, error) {
	t, err := s.Store.GetTicket(ctx, ticketID)
	if err != nil {
		return models.Ticket{}, err
	}
	if err := CanTransition(t.Status, models.TicketResolved); err != nil {
		return models.Ticket{}, err
	}
	live, err := s.Store.FindLiveToken(ctx, ticketID, models.ActionResolution)
	if err != nil {
		return models.Ticket{}, err
	}
	if live != nil {
		return models.Ticket{}, ErrProofPending
	}

	moved, err := s.Store.ResolveTicketCAS(ctx, ticketID, t.Status)
	if err != nil {
		return models.Ticket{}, err
	}
	if !moved {
		return models.Ticket{}, ErrConflict
	}

	closed, err := s.Store.GetTicket(ctx, ticketID)
	if err != nil {
		return models.Ticket{}, err
	}
	if s.Mailer != nil && closed.OpenedByEmail != "" {
		msg := mail.ClosureNotice(closed.OpenedByEmail, closed.TicketNumber)
		if err := s.Mailer.Send(ctx, msg); err != nil {
			s.Logger.Error().Err(err).Str("ticket_id", ticketID).Msg("send closure notice")
		}
	}
	return closed, nil
}

// Promote moves a reviewed NEEDS_REVIEW ticket to OPEN once an
// operator (or a completing reply) has confirmed its fields.
func (s *LifecycleService) Promote(ctx context.Context, ticketID string) (models.Ticket, error) {
	moved, err := s.Store.UpdateTicketStatusCAS(ctx, ticketID, models.TicketNeedsReview, models.TicketOpen)
	if err != nil {
		return models.Ticket{}, err
	}
	if !moved {
		return models.Ticket{}, ErrConflict
	}
	return s.Store.GetTicket(ctx, ticketID)
}

func (s *LifecycleService) sendTokenLink(t models.Ticket, tok models.ActionToken, agentEmail string) {
	if s.Mailer == nil || agentEmail == "" {
		return
	}
	msg := mail.AgentActionRequest(agentEmail, t.TicketNumber, tok.ID, tok.Action, s.FieldOpsURL)
	if err := s.Mailer.Send(context.Background(), msg); err != nil {
		s.Logger.Error().Err(err).Str("ticket_id", t.ID).Msg("send agent action request")
	}
}
