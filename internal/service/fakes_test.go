package service

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/pariskq/backend/internal/db"
	"github.com/pariskq/backend/internal/mail"
	"github.com/pariskq/backend/internal/models"
)

// memStore is an in-memory stand-in for the persistence layer,
// honoring the same conditional-update semantics the SQL store does.
type memStore struct {
	mu          sync.Mutex
	emails      map[string]*models.InboundEmail
	parsed      map[string]*models.ParsedEmail
	tickets     map[string]*models.Ticket
	comments    []models.TicketComment
	assignments []models.TicketAssignment
	tokens      map[string]*models.ActionToken
	sla         map[string]*models.SlaTrackingRecord
	clock       func() time.Time
}

func newMemStore() *memStore {
	return &memStore{
		emails:  map[string]*models.InboundEmail{},
		parsed:  map[string]*models.ParsedEmail{},
		tickets: map[string]*models.Ticket{},
		tokens:  map[string]*models.ActionToken{},
		sla:     map[string]*models.SlaTrackingRecord{},
		clock:   func() time.Time { return time.Now().UTC() },
	}
}

// The SQL store surfaces missing rows as pgx.ErrNoRows; the fake does
// the same so callers can distinguish not-found from failure.
var errNotFound = pgx.ErrNoRows

func (m *memStore) addEmail(e models.InboundEmail) string {
	m.mu.Lock()
	defer m.mu.Unlock()
	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	if e.Status == "" {
		e.Status = models.EmailPending
	}
	cp := e
	m.emails[e.ID] = &cp
	return e.ID
}

func (m *memStore) FetchPendingEmails(ctx context.Context, limit int) ([]models.InboundEmail, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []models.InboundEmail
	for _, e := range m.emails {
		if e.Status == models.EmailPending {
			out = append(out, *e)
		}
		if len(out) == limit {
			break
		}
	}
	return out, nil
}

func (m *memStore) UpdateEmailStatus(ctx context.Context, id string, status models.ProcessingStatus) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.emails[id]
	if !ok || e.Status != models.EmailPending {
		return false, nil
	}
	e.Status = status
	return true, nil
}

func (m *memStore) MarkEmailError(ctx context.Context, id string, message string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if e, ok := m.emails[id]; ok && e.Status == models.EmailPending {
		e.Status = models.EmailError
		e.ProcessingErr = message
	}
	return nil
}

func (m *memStore) MarkEmailAwaitingInfo(ctx context.Context, id string, missing []string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if e, ok := m.emails[id]; ok && e.Status == models.EmailPending {
		e.Status = models.EmailAwaitingInfo
		e.MissingFields = missing
	}
	return nil
}

func (m *memStore) MarkEmailLinked(ctx context.Context, id string, status models.ProcessingStatus, ticketID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if e, ok := m.emails[id]; ok && e.Status == models.EmailPending {
		e.Status = status
		e.LinkedTicketID = &ticketID
	}
	return nil
}

func (m *memStore) InsertParsedEmail(ctx context.Context, p models.ParsedEmail) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p.ID = uuid.NewString()
	cp := p
	m.parsed[p.ID] = &cp
	return p.ID, nil
}

func (m *memStore) MarkParsedTicketed(ctx context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if p, ok := m.parsed[id]; ok {
		p.TicketCreated = true
	}
	return nil
}

func (m *memStore) CreateTicket(ctx context.Context, t models.Ticket) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t.ID = uuid.NewString()
	cp := t
	m.tickets[t.ID] = &cp
	m.sla[t.ID] = &models.SlaTrackingRecord{ID: uuid.NewString(), TicketID: t.ID}
	return t.ID, nil
}

func (m *memStore) GetTicket(ctx context.Context, id string) (models.Ticket, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.tickets[id]
	if !ok {
		return models.Ticket{}, errNotFound
	}
	return *t, nil
}

func (m *memStore) GetTicketByNumber(ctx context.Context, number string) (models.Ticket, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, t := range m.tickets {
		if t.TicketNumber == number {
			return *t, nil
		}
	}
	return models.Ticket{}, errNotFound
}

func (m *memStore) FindOpenTicketByComplaintID(ctx context.Context, complaintID string) (*models.Ticket, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, t := range m.tickets {
		if t.ComplaintID == complaintID && t.Status.IsOpenClass() {
			cp := *t
			return &cp, nil
		}
	}
	return nil, nil
}

func (m *memStore) FindOpenTicketByDedupKey(ctx context.Context, key string) (*models.Ticket, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, t := range m.tickets {
		if t.DedupKey == key && t.Status.IsOpenClass() {
			cp := *t
			return &cp, nil
		}
	}
	return nil, nil
}

func (m *memStore) FillTicketFields(ctx context.Context, id, vehicle, issueType, location string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.tickets[id]
	if !ok {
		return errNotFound
	}
	if t.VehicleNumber == "" && vehicle != "" {
		t.VehicleNumber = vehicle
	}
	if (t.IssueType == "" || t.IssueType == "GENERAL") && issueType != "" {
		t.IssueType = issueType
	}
	if t.Location == "" && location != "" {
		t.Location = location
	}
	return nil
}

func (m *memStore) UpdateTicketStatusCAS(ctx context.Context, id string, from, to models.TicketStatus) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.casLocked(id, from, to), nil
}

func (m *memStore) casLocked(id string, from, to models.TicketStatus) bool {
	t, ok := m.tickets[id]
	if !ok || t.Status != from {
		return false
	}
	t.Status = to
	return true
}

func (m *memStore) ResolveTicketCAS(ctx context.Context, id string, from models.TicketStatus) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.casLocked(id, from, models.TicketResolved) {
		return false, nil
	}
	now := m.clock()
	m.tickets[id].ResolvedAt = &now
	return true, nil
}

func (m *memStore) InsertAssignment(ctx context.Context, ticketID, agentID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i := range m.assignments {
		if m.assignments[i].TicketID == ticketID {
			m.assignments[i].Active = false
		}
	}
	m.assignments = append(m.assignments, models.TicketAssignment{
		ID: uuid.NewString(), TicketID: ticketID, AgentID: agentID,
		AssignedAt: m.clock(), Active: true,
	})
	return nil
}

func (m *memStore) GetActiveAssignment(ctx context.Context, ticketID string) (*models.TicketAssignment, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i := range m.assignments {
		if m.assignments[i].TicketID == ticketID && m.assignments[i].Active {
			cp := m.assignments[i]
			return &cp, nil
		}
	}
	return nil, nil
}

func (m *memStore) InsertComment(ctx context.Context, c models.TicketComment) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	c.CreatedAt = m.clock()
	m.comments = append(m.comments, c)
	return nil
}

func (m *memStore) commentsFor(ticketID string) []models.TicketComment {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []models.TicketComment
	for _, c := range m.comments {
		if c.TicketID == ticketID {
			out = append(out, c)
		}
	}
	return out
}

func (m *memStore) InsertActionToken(ctx context.Context, t models.ActionToken) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, other := range m.tokens {
		if other.TicketID == t.TicketID && other.Action == t.Action && !other.Used {
			return &pgconn.PgError{Code: "23505"}
		}
	}
	t.CreatedAt = m.clock()
	cp := t
	m.tokens[t.ID] = &cp
	return nil
}

func (m *memStore) FindLiveToken(ctx context.Context, ticketID string, action models.ActionType) (*models.ActionToken, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, t := range m.tokens {
		if t.TicketID == ticketID && t.Action == action && t.Live(m.clock()) {
			cp := *t
			return &cp, nil
		}
	}
	return nil, nil
}

func (m *memStore) GetActionToken(ctx context.Context, id string) (models.ActionToken, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.tokens[id]
	if !ok {
		return models.ActionToken{}, errNotFound
	}
	return *t, nil
}

func (m *memStore) DeleteExpiredTokens(ctx context.Context, ticketID string, action models.ActionType) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := m.clock()
	for id, t := range m.tokens {
		if t.TicketID == ticketID && t.Action == action && !t.Used && !now.Before(t.ExpiresAt) {
			delete(m.tokens, id)
		}
	}
	return nil
}

func (m *memStore) ConsumeTokenAndAdvance(ctx context.Context, tokenID string, ticketID string, from, to models.TicketStatus, proof models.TicketComment) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	tok, ok := m.tokens[tokenID]
	if !ok || !tok.Live(m.clock()) {
		return false, nil
	}
	// Transition lost: leave the token unburned, same as the SQL
	// transaction rolling back.
	if !m.casLocked(ticketID, from, to) {
		return false, nil
	}
	tok.Used = true
	proof.CreatedAt = m.clock()
	m.comments = append(m.comments, proof)
	return true, nil
}

func (m *memStore) SetSlaDeadline(ctx context.Context, ticketID string, phase models.SlaPhase, deadline time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.sla[ticketID]
	if !ok {
		return errNotFound
	}
	d := deadline
	switch phase {
	case models.PhaseAssignment:
		r.AssignmentDeadline = &d
	case models.PhaseOnsite:
		r.OnsiteDeadline = &d
	case models.PhaseResolution:
		r.ResolutionDeadline = &d
	}
	return nil
}

func (m *memStore) ListSlaRecordsWithStatus(ctx context.Context) ([]db.SlaSweepRow, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []db.SlaSweepRow
	for ticketID, r := range m.sla {
		t, ok := m.tickets[ticketID]
		if !ok {
			continue
		}
		out = append(out, db.SlaSweepRow{Record: *r, Status: t.Status})
	}
	return out, nil
}

func (m *memStore) MarkPhaseBreached(ctx context.Context, recordID string, phase models.SlaPhase) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, r := range m.sla {
		if r.ID != recordID {
			continue
		}
		switch phase {
		case models.PhaseAssignment:
			r.AssignmentBreached = true
		case models.PhaseOnsite:
			r.OnsiteBreached = true
		case models.PhaseResolution:
			r.ResolutionBreached = true
		}
		return nil
	}
	return errNotFound
}

// recordingMailer captures outbound messages for assertions.
type recordingMailer struct {
	mu   sync.Mutex
	sent []mail.Message
}

func (r *recordingMailer) Send(ctx context.Context, msg mail.Message) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sent = append(r.sent, msg)
	return nil
}

func (r *recordingMailer) messages() []mail.Message {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]mail.Message(nil), r.sent...)
}
