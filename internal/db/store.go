package db

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/pariskq/backend/internal/models"
)

type Store struct {
	Pool *pgxpool.Pool
}

func New(ctx context.Context, databaseURL string) (*Store, error) {
	cfg, err := pgxpool.ParseConfig(databaseURL)
	if err != nil {
		return nil, err
	}
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, err
	}
	return &Store{Pool: pool}, nil
}

func (s *Store) Close() {
	s.Pool.Close()
}

func (s *Store) Ping(ctx context.Context) error {
	return s.Pool.Ping(ctx)
}

func (s *Store) WithTx(ctx context.Context, fn func(tx pgx.Tx) error) error {
	tx, err := s.Pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return err
	}
	defer func() {
		_ = tx.Rollback(ctx)
	}()
	if err := fn(tx); err != nil {
		return err
	}
	return tx.Commit(ctx)
}

// IsUniqueViolation reports whether err is a Postgres unique-constraint
// failure. Token issuance races resolve by re-querying on this.
func IsUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}

// ---- inbound emails ----

// InsertInboundEmail stores a webhook delivery. The inbound provider is
// at-least-once, so duplicate message ids silently resolve to the row
// already stored.
func (s *Store) InsertInboundEmail(ctx context.Context, e models.InboundEmail) (string, error) {
	var id string
	err := s.Pool.QueryRow(ctx, `
		INSERT INTO inbound_emails (message_id, from_email, to_email, subject, text_body, html_body, headers, received_at, processing_status, created_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,NOW())
		ON CONFLICT (message_id) DO NOTHING
		RETURNING id
	`, e.MessageID, e.FromEmail, e.ToEmail, e.Subject, e.TextBody, e.HTMLBody, e.Headers, e.ReceivedAt, models.EmailPending).Scan(&id)
	if errors.Is(err, pgx.ErrNoRows) {
		err = s.Pool.QueryRow(ctx, `SELECT id FROM inbound_emails WHERE message_id = $1`, e.MessageID).Scan(&id)
	}
	return id, err
}

func (s *Store) FetchPendingEmails(ctx context.Context, limit int) ([]models.InboundEmail, error) {
	if limit <= 0 {
		limit = 10
	}
	rows, err := s.Pool.Query(ctx, emailSelect+`
		WHERE processing_status = $1
		ORDER BY created_at ASC
		LIMIT $2
	`, models.EmailPending, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanEmails(rows)
}

const emailSelect = `
	SELECT id, message_id, from_email, to_email, subject, text_body, html_body, headers, received_at,
		processing_status, COALESCE(processing_error, ''), missing_fields, linked_ticket_id, created_at
	FROM inbound_emails`

func (s *Store) GetEmail(ctx context.Context, id string) (models.InboundEmail, error) {
	return scanEmail(s.Pool.QueryRow(ctx, emailSelect+` WHERE id = $1`, id))
}

func (s *Store) ListEmails(ctx context.Context, status models.ProcessingStatus, limit, offset int) ([]models.InboundEmail, error) {
	if limit <= 0 || limit > 200 {
		limit = 50
	}
	if offset < 0 {
		offset = 0
	}
	query := emailSelect
	args := []any{}
	if status != "" {
		query += ` WHERE processing_status = $1`
		args = append(args, status)
	}
	query += ` ORDER BY created_at DESC LIMIT $` + fmt.Sprint(len(args)+1) + ` OFFSET $` + fmt.Sprint(len(args)+2)
	args = append(args, limit, offset)

	rows, err := s.Pool.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanEmails(rows)
}

// UpdateEmailStatus writes a terminal status. The PENDING guard makes
// the pipeline idempotent across overlapping ticks: a second writer
// finds the row already claimed and affects zero rows.
func (s *Store) UpdateEmailStatus(ctx context.Context, id string, status models.ProcessingStatus) (bool, error) {
	tag, err := s.Pool.Exec(ctx, `
		UPDATE inbound_emails SET processing_status = $1 WHERE id = $2 AND processing_status = $3
	`, status, id, models.EmailPending)
	return tag.RowsAffected() == 1, err
}

func (s *Store) MarkEmailError(ctx context.Context, id string, message string) error {
	_, err := s.Pool.Exec(ctx, `
		UPDATE inbound_emails SET processing_status = $1, processing_error = $2
		WHERE id = $3 AND processing_status = $4
	`, models.EmailError, message, id, models.EmailPending)
	return err
}

func (s *Store) MarkEmailAwaitingInfo(ctx context.Context, id string, missing []string) error {
	_, err := s.Pool.Exec(ctx, `
		UPDATE inbound_emails SET processing_status = $1, missing_fields = $2
		WHERE id = $3 AND processing_status = $4
	`, models.EmailAwaitingInfo, missing, id, models.EmailPending)
	return err
}

func (s *Store) MarkEmailLinked(ctx context.Context, id string, status models.ProcessingStatus, ticketID string) error {
	_, err := s.Pool.Exec(ctx, `
		UPDATE inbound_emails SET processing_status = $1, linked_ticket_id = $2
		WHERE id = $3 AND processing_status = $4
	`, status, ticketID, id, models.EmailPending)
	return err
}

// ---- parsed emails ----

func (s *Store) InsertParsedEmail(ctx context.Context, p models.ParsedEmail) (string, error) {
	var id string
	err := s.Pool.QueryRow(ctx, `
		INSERT INTO parsed_emails (inbound_email_id, complaint_id, vehicle_number, category, issue_type, location, remarks, reported_at, parse_errors, confidence_score, needs_review, ticket_created, created_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,false,NOW())
		RETURNING id
	`, p.InboundID, p.ComplaintID, p.VehicleNumber, p.Category, p.IssueType, p.Location, p.Remarks, p.ReportedAt, p.ParseErrors, p.Confidence, p.NeedsReview).Scan(&id)
	return id, err
}

func (s *Store) MarkParsedTicketed(ctx context.Context, id string) error {
	_, err := s.Pool.Exec(ctx, `UPDATE parsed_emails SET ticket_created = true WHERE id = $1`, id)
	return err
}

// ---- tickets ----

// CreateTicket persists a new ticket and its SLA tracking record in
// one transaction.
func (s *Store) CreateTicket(ctx context.Context, t models.Ticket) (string, error) {
	var id string
	err := s.WithTx(ctx, func(tx pgx.Tx) error {
		if err := tx.QueryRow(ctx, `
			INSERT INTO tickets (ticket_number, status, complaint_id, vehicle_number, category, issue_type, location, opened_by_email, opened_at, confidence_score, needs_review, dedup_key, updated_at)
			VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,NOW())
			RETURNING id
		`, t.TicketNumber, t.Status, t.ComplaintID, t.VehicleNumber, t.Category, t.IssueType, t.Location, t.OpenedByEmail, t.OpenedAt, t.Confidence, t.NeedsReview, t.DedupKey).Scan(&id); err != nil {
			return err
		}
		_, err := tx.Exec(ctx, `
			INSERT INTO sla_tracking (ticket_id, assignment_breached, onsite_breached, resolution_breached, updated_at)
			VALUES ($1,false,false,false,NOW())
		`, id)
		return err
	})
	return id, err
}

func (s *Store) GetTicket(ctx context.Context, id string) (models.Ticket, error) {
	return scanTicket(s.Pool.QueryRow(ctx, ticketSelect+` WHERE id = $1`, id))
}

func (s *Store) GetTicketByNumber(ctx context.Context, number string) (models.Ticket, error) {
	return scanTicket(s.Pool.QueryRow(ctx, ticketSelect+` WHERE ticket_number = $1`, number))
}

const ticketSelect = `
	SELECT id, ticket_number, status, complaint_id, vehicle_number, category, issue_type, location, opened_by_email, opened_at, resolved_at, confidence_score, needs_review, dedup_key, updated_at
	FROM tickets`

var openClassStatuses = []string{
	string(models.TicketOpen), string(models.TicketNeedsReview), string(models.TicketAssigned),
	string(models.TicketOnSite), string(models.TicketPendingVerification),
}

// FindOpenTicketByComplaintID returns the live ticket sharing the
// complaint id, if any. Resolved tickets are not dedup candidates.
func (s *Store) FindOpenTicketByComplaintID(ctx context.Context, complaintID string) (*models.Ticket, error) {
	return s.findOpenTicket(ctx, `complaint_id = $1`, complaintID)
}

func (s *Store) FindOpenTicketByDedupKey(ctx context.Context, key string) (*models.Ticket, error) {
	return s.findOpenTicket(ctx, `dedup_key = $1`, key)
}

func (s *Store) findOpenTicket(ctx context.Context, cond string, arg string) (*models.Ticket, error) {
	t, err := scanTicket(s.Pool.QueryRow(ctx,
		ticketSelect+` WHERE `+cond+` AND status = ANY($2) ORDER BY opened_at ASC LIMIT 1`,
		arg, openClassStatuses))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &t, nil
}

func (s *Store) ListTickets(ctx context.Context, status models.TicketStatus, limit, offset int) ([]models.Ticket, error) {
	if limit <= 0 || limit > 200 {
		limit = 50
	}
	if offset < 0 {
		offset = 0
	}
	query := ticketSelect
	args := []any{}
	if status != "" {
		query += ` WHERE status = $1`
		args = append(args, status)
	}
	query += ` ORDER BY opened_at DESC LIMIT $` + fmt.Sprint(len(args)+1) + ` OFFSET $` + fmt.Sprint(len(args)+2)
	args = append(args, limit, offset)

	rows, err := s.Pool.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []models.Ticket
	for rows.Next() {
		t, err := scanTicket(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

// UpdateTicketStatusCAS moves the ticket from one status to another as
// a single conditional update. The caller learns from the affected-row
// count whether it won the transition.
func (s *Store) UpdateTicketStatusCAS(ctx context.Context, id string, from, to models.TicketStatus) (bool, error) {
	tag, err := s.Pool.Exec(ctx, `
		UPDATE tickets SET status = $1, updated_at = NOW() WHERE id = $2 AND status = $3
	`, to, id, from)
	return tag.RowsAffected() == 1, err
}

func (s *Store) UpdateTicketStatusCASTx(ctx context.Context, tx pgx.Tx, id string, from, to models.TicketStatus) (bool, error) {
	tag, err := tx.Exec(ctx, `
		UPDATE tickets SET status = $1, updated_at = NOW() WHERE id = $2 AND status = $3
	`, to, id, from)
	return tag.RowsAffected() == 1, err
}

// ResolveTicketCAS closes the ticket, stamping resolved_at.
func (s *Store) ResolveTicketCAS(ctx context.Context, id string, from models.TicketStatus) (bool, error) {
	tag, err := s.Pool.Exec(ctx, `
		UPDATE tickets SET status = $1, resolved_at = NOW(), updated_at = NOW() WHERE id = $2 AND status = $3
	`, models.TicketResolved, id, from)
	return tag.RowsAffected() == 1, err
}

// FillTicketFields back-fills empty required fields from a follow-up
// email. Populated columns are never overwritten.
func (s *Store) FillTicketFields(ctx context.Context, id, vehicle, issueType, location string) error {
	_, err := s.Pool.Exec(ctx, `
		UPDATE tickets SET
			vehicle_number = CASE WHEN vehicle_number = '' THEN $1 ELSE vehicle_number END,
			issue_type     = CASE WHEN issue_type = ''     THEN $2 ELSE issue_type END,
			location       = CASE WHEN location = ''       THEN $3 ELSE location END,
			updated_at = NOW()
		WHERE id = $4
	`, vehicle, issueType, location, id)
	return err
}

// ---- assignments ----

// InsertAssignment records the active assignment; any previous one is
// deactivated so at most one stays active per ticket.
func (s *Store) InsertAssignment(ctx context.Context, ticketID, agentID string) error {
	return s.WithTx(ctx, func(tx pgx.Tx) error {
		if _, err := tx.Exec(ctx, `
			UPDATE ticket_assignments SET active = false WHERE ticket_id = $1 AND active
		`, ticketID); err != nil {
			return err
		}
		_, err := tx.Exec(ctx, `
			INSERT INTO ticket_assignments (ticket_id, agent_id, assigned_at, active) VALUES ($1,$2,NOW(),true)
		`, ticketID, agentID)
		return err
	})
}

func (s *Store) GetActiveAssignment(ctx context.Context, ticketID string) (*models.TicketAssignment, error) {
	var a models.TicketAssignment
	err := s.Pool.QueryRow(ctx, `
		SELECT id, ticket_id, agent_id, assigned_at, active
		FROM ticket_assignments WHERE ticket_id = $1 AND active
	`, ticketID).Scan(&a.ID, &a.TicketID, &a.AgentID, &a.AssignedAt, &a.Active)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &a, nil
}

// ---- comments ----

func (s *Store) InsertComment(ctx context.Context, c models.TicketComment) error {
	_, err := s.Pool.Exec(ctx, `
		INSERT INTO ticket_comments (ticket_id, source, author_id, body, created_at) VALUES ($1,$2,$3,$4,NOW())
	`, c.TicketID, c.Source, c.AuthorID, c.Body)
	return err
}

func (s *Store) InsertCommentTx(ctx context.Context, tx pgx.Tx, c models.TicketComment) error {
	_, err := tx.Exec(ctx, `
		INSERT INTO ticket_comments (ticket_id, source, author_id, body, created_at) VALUES ($1,$2,$3,$4,NOW())
	`, c.TicketID, c.Source, c.AuthorID, c.Body)
	return err
}

func (s *Store) ListComments(ctx context.Context, ticketID string) ([]models.TicketComment, error) {
	rows, err := s.Pool.Query(ctx, `
		SELECT id, ticket_id, source, author_id, body, created_at
		FROM ticket_comments WHERE ticket_id = $1 ORDER BY created_at ASC
	`, ticketID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []models.TicketComment
	for rows.Next() {
		var c models.TicketComment
		if err := rows.Scan(&c.ID, &c.TicketID, &c.Source, &c.AuthorID, &c.Body, &c.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

// ---- action tokens ----

// InsertActionToken inserts a fresh token. A partial unique index over
// (ticket_id, action_type) WHERE NOT used rejects a second live token;
// callers resolve the race by re-querying.
func (s *Store) InsertActionToken(ctx context.Context, t models.ActionToken) error {
	_, err := s.Pool.Exec(ctx, `
		INSERT INTO fe_action_tokens (id, ticket_id, agent_id, action_type, expires_at, used, created_at)
		VALUES ($1,$2,$3,$4,$5,false,NOW())
	`, t.ID, t.TicketID, t.AgentID, t.Action, t.ExpiresAt)
	return err
}

func (s *Store) FindLiveToken(ctx context.Context, ticketID string, action models.ActionType) (*models.ActionToken, error) {
	var t models.ActionToken
	err := s.Pool.QueryRow(ctx, `
		SELECT id, ticket_id, agent_id, action_type, expires_at, used, created_at
		FROM fe_action_tokens
		WHERE ticket_id = $1 AND action_type = $2 AND NOT used AND expires_at > NOW()
		ORDER BY created_at DESC LIMIT 1
	`, ticketID, action).Scan(&t.ID, &t.TicketID, &t.AgentID, &t.Action, &t.ExpiresAt, &t.Used, &t.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &t, nil
}

func (s *Store) GetActionToken(ctx context.Context, id string) (models.ActionToken, error) {
	var t models.ActionToken
	err := s.Pool.QueryRow(ctx, `
		SELECT id, ticket_id, agent_id, action_type, expires_at, used, created_at
		FROM fe_action_tokens WHERE id = $1
	`, id).Scan(&t.ID, &t.TicketID, &t.AgentID, &t.Action, &t.ExpiresAt, &t.Used, &t.CreatedAt)
	return t, err
}

// DeleteExpiredTokens clears dead unused tokens for the pair so the
// live-token unique index does not block reissue after expiry.
func (s *Store) DeleteExpiredTokens(ctx context.Context, ticketID string, action models.ActionType) error {
	_, err := s.Pool.Exec(ctx, `
		DELETE FROM fe_action_tokens
		WHERE ticket_id = $1 AND action_type = $2 AND NOT used AND expires_at <= NOW()
	`, ticketID, action)
	return err
}

// ConsumeActionTokenTx flips used from false to true. Exactly one of
// two concurrent callers sees true.
func (s *Store) ConsumeActionTokenTx(ctx context.Context, tx pgx.Tx, id string) (bool, error) {
	tag, err := tx.Exec(ctx, `
		UPDATE fe_action_tokens SET used = true WHERE id = $1 AND NOT used AND expires_at > NOW()
	`, id)
	return tag.RowsAffected() == 1, err
}

var errTransitionLost = errors.New("ticket transition lost")

// ConsumeTokenAndAdvance performs the proof unit of work: consume the
// token, append the proof comment, and move the ticket forward, all in
// one transaction. If the status move loses to a concurrent writer the
// whole unit rolls back, so the token is not burned without the ticket
// advancing.
func (s *Store) ConsumeTokenAndAdvance(ctx context.Context, tokenID string, ticketID string, from, to models.TicketStatus, proof models.TicketComment) (bool, error) {
	consumed := false
	err := s.WithTx(ctx, func(tx pgx.Tx) error {
		ok, err := s.ConsumeActionTokenTx(ctx, tx, tokenID)
		if err != nil {
			return err
		}
		if !ok {
			return nil
		}
		if err := s.InsertCommentTx(ctx, tx, proof); err != nil {
			return err
		}
		advanced, err := s.UpdateTicketStatusCASTx(ctx, tx, ticketID, from, to)
		if err != nil {
			return err
		}
		if !advanced {
			return errTransitionLost
		}
		consumed = true
		return nil
	})
	if errors.Is(err, errTransitionLost) {
		return false, nil
	}
	return consumed, err
}

// ---- SLA tracking ----

func (s *Store) GetSlaRecord(ctx context.Context, ticketID string) (models.SlaTrackingRecord, error) {
	var r models.SlaTrackingRecord
	err := s.Pool.QueryRow(ctx, `
		SELECT id, ticket_id, assignment_deadline, onsite_deadline, resolution_deadline, assignment_breached, onsite_breached, resolution_breached, updated_at
		FROM sla_tracking WHERE ticket_id = $1
	`, ticketID).Scan(&r.ID, &r.TicketID, &r.AssignmentDeadline, &r.OnsiteDeadline, &r.ResolutionDeadline,
		&r.AssignmentBreached, &r.OnsiteBreached, &r.ResolutionBreached, &r.UpdatedAt)
	return r, err
}

func (s *Store) SetSlaDeadline(ctx context.Context, ticketID string, phase models.SlaPhase, deadline time.Time) error {
	col, ok := deadlineColumn(phase)
	if !ok {
		return errors.New("unknown SLA phase")
	}
	_, err := s.Pool.Exec(ctx, `
		UPDATE sla_tracking SET `+col+` = $1, updated_at = NOW() WHERE ticket_id = $2
	`, deadline, ticketID)
	return err
}

// SlaSweepRow pairs a tracking record with its ticket's current status
// for the breach sweep.
type SlaSweepRow struct {
	Record models.SlaTrackingRecord
	Status models.TicketStatus
}

func (s *Store) ListSlaRecordsWithStatus(ctx context.Context) ([]SlaSweepRow, error) {
	rows, err := s.Pool.Query(ctx, `
		SELECT r.id, r.ticket_id, r.assignment_deadline, r.onsite_deadline, r.resolution_deadline,
			r.assignment_breached, r.onsite_breached, r.resolution_breached, r.updated_at, t.status
		FROM sla_tracking r
		JOIN tickets t ON t.id = r.ticket_id
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []SlaSweepRow
	for rows.Next() {
		var row SlaSweepRow
		r := &row.Record
		if err := rows.Scan(&r.ID, &r.TicketID, &r.AssignmentDeadline, &r.OnsiteDeadline, &r.ResolutionDeadline,
			&r.AssignmentBreached, &r.OnsiteBreached, &r.ResolutionBreached, &r.UpdatedAt, &row.Status); err != nil {
			return nil, err
		}
		out = append(out, row)
	}
	return out, rows.Err()
}

// MarkPhaseBreached flips the phase's breach flag, monotonic by the
// WHERE clause: an already-true flag is never rewritten.
func (s *Store) MarkPhaseBreached(ctx context.Context, recordID string, phase models.SlaPhase) error {
	col, ok := breachColumn(phase)
	if !ok {
		return errors.New("unknown SLA phase")
	}
	_, err := s.Pool.Exec(ctx, `
		UPDATE sla_tracking SET `+col+` = true, updated_at = NOW() WHERE id = $1 AND NOT `+col+`
	`, recordID)
	return err
}

func deadlineColumn(phase models.SlaPhase) (string, bool) {
	switch phase {
	case models.PhaseAssignment:
		return "assignment_deadline", true
	case models.PhaseOnsite:
		return "onsite_deadline", true
	case models.PhaseResolution:
		return "resolution_deadline", true
	}
	return "", false
}

func breachColumn(phase models.SlaPhase) (string, bool) {
	switch phase {
	case models.PhaseAssignment:
		return "assignment_breached", true
	case models.PhaseOnsite:
		return "onsite_breached", true
	case models.PhaseResolution:
		return "resolution_breached", true
	}
	return "", false
}

// ---- scan helpers ----

func scanEmail(row pgx.Row) (models.InboundEmail, error) {
	var e models.InboundEmail
	err := row.Scan(&e.ID, &e.MessageID, &e.FromEmail, &e.ToEmail, &e.Subject, &e.TextBody, &e.HTMLBody,
		&e.Headers, &e.ReceivedAt, &e.Status, &e.ProcessingErr, &e.MissingFields, &e.LinkedTicketID, &e.CreatedAt)
	return e, err
}

func scanEmails(rows pgx.Rows) ([]models.InboundEmail, error) {
	var out []models.InboundEmail
	for rows.Next() {
		e, err := scanEmail(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

func scanTicket(row pgx.Row) (models.Ticket, error) {
	var t models.Ticket
	err := row.Scan(&t.ID, &t.TicketNumber, &t.Status, &t.ComplaintID, &t.VehicleNumber, &t.Category,
		&t.IssueType, &t.Location, &t.OpenedByEmail, &t.OpenedAt, &t.ResolvedAt, &t.Confidence,
		&t.NeedsReview, &t.DedupKey, &t.UpdatedAt)
	return t, err
}

