package service

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/rs/zerolog"

	"github.com/pariskq/backend/internal/ingest"
	"github.com/pariskq/backend/internal/mail"
	"github.com/pariskq/backend/internal/models"
	"github.com/pariskq/backend/internal/utils"
)

// Dedup policies.
const (
	DedupByComplaintID = "complaint_id"
	DedupByTuple       = "tuple"
)

// ticketMarkerRe finds the back-reference our outbound mail puts in
// the subject line, so replies land on the right ticket.
var ticketMarkerRe = regexp.MustCompile(`\[Ticket ID:\s*([A-Z0-9-]+)\]`)

// IngestionStore is what the ingestion pipeline needs from
// persistence.
type IngestionStore interface {
	FetchPendingEmails(ctx context.Context, limit int) ([]models.InboundEmail, error)
	UpdateEmailStatus(ctx context.Context, id string, status models.ProcessingStatus) (bool, error)
	MarkEmailError(ctx context.Context, id string, message string) error
	MarkEmailAwaitingInfo(ctx context.Context, id string, missing []string) error
	MarkEmailLinked(ctx context.Context, id string, status models.ProcessingStatus, ticketID string) error
	InsertParsedEmail(ctx context.Context, p models.ParsedEmail) (string, error)
	MarkParsedTicketed(ctx context.Context, id string) error
	CreateTicket(ctx context.Context, t models.Ticket) (string, error)
	GetTicket(ctx context.Context, id string) (models.Ticket, error)
	GetTicketByNumber(ctx context.Context, number string) (models.Ticket, error)
	FindOpenTicketByComplaintID(ctx context.Context, complaintID string) (*models.Ticket, error)
	FindOpenTicketByDedupKey(ctx context.Context, key string) (*models.Ticket, error)
	FillTicketFields(ctx context.Context, id, vehicle, issueType, location string) error
	UpdateTicketStatusCAS(ctx context.Context, id string, from, to models.TicketStatus) (bool, error)
	InsertComment(ctx context.Context, c models.TicketComment) error
}

// Summary counts what one ingestion batch did, keyed by the terminal
// status each email reached.
type Summary struct {
	Fetched int            `json:"fetched"`
	Counts  map[string]int `json:"counts"`
}

func (s *Summary) bump(key string) {
	if s.Counts == nil {
		s.Counts = map[string]int{}
	}
	s.Counts[key]++
}

// IngestionService turns stored inbound emails into tickets, ticket
// comments, or ignored records. Each email is processed independently:
// one failure marks that email ERROR and the batch continues.
type IngestionService struct {
	Store IngestionStore
	Mail  mail.Mailer

	AutoOpenThreshold int
	DraftFloor        int
	DedupPolicy       string

	Logger zerolog.Logger
	Now    func() time.Time
}

func (s *IngestionService) now() time.Time {
	if s.Now != nil {
		return s.Now()
	}
	return time.Now().UTC()
}

// ProcessBatch drains up to limit PENDING emails, oldest first.
func (s *IngestionService) ProcessBatch(ctx context.Context, limit int) (Summary, error) {
	emails, err := s.Store.FetchPendingEmails(ctx, limit)
	if err != nil {
		return Summary{}, fmt.Errorf("fetch pending emails: %w", err)
	}
	sum := Summary{Fetched: len(emails)}
	for _, e := range emails {
		if ctx.Err() != nil {
			return sum, ctx.Err()
		}
		status, err := s.processOne(ctx, e)
		if err != nil {
			s.Logger.Error().Err(err).Str("email_id", e.ID).Msg("email processing failed")
			if merr := s.Store.MarkEmailError(ctx, e.ID, err.Error()); merr != nil {
				s.Logger.Error().Err(merr).Str("email_id", e.ID).Msg("mark email error")
			}
			sum.bump(string(models.EmailError))
			continue
		}
		sum.bump(string(status))
	}
	return sum, nil
}

// processOne runs the full pipeline for a single email and returns
// the terminal status it reached. Every path out of this function
// writes exactly one terminal status, and each write is guarded on
// the row still being PENDING, so replaying a crashed batch cannot
// double-apply an email.
func (s *IngestionService) processOne(ctx context.Context, e models.InboundEmail) (models.ProcessingStatus, error) {
	if e.Status.IsTerminal() {
		return e.Status, nil
	}

	if m := ticketMarkerRe.FindStringSubmatch(e.Subject); m != nil {
		handled, status, err := s.processReply(ctx, e, m[1])
		if err != nil {
			return "", err
		}
		if handled {
			return status, nil
		}
		// Marker pointed at nothing; treat as a fresh complaint.
		s.Logger.Warn().Str("email_id", e.ID).Str("ticket_number", m[1]).Msg("reply marker matched no ticket")
	}

	body := ingest.EmailText("", e.TextBody, e.HTMLBody)
	cls := ingest.Classify(e.Subject, body, e.FromEmail, e.Headers)
	if cls.Type != models.TypeComplaint {
		status := ignoredStatus(cls.Type)
		s.Logger.Info().
			Str("email_id", e.ID).
			Str("type", string(cls.Type)).
			Strs("reasons", cls.Reasons).
			Msg("email ignored")
		if _, err := s.Store.UpdateEmailStatus(ctx, e.ID, status); err != nil {
			return "", err
		}
		return status, nil
	}

	text := ingest.EmailText(e.Subject, e.TextBody, e.HTMLBody)
	fields := ingest.Parse(text)

	if ok, missing := ingest.ValidateRequired(fields); !ok {
		if err := s.Store.MarkEmailAwaitingInfo(ctx, e.ID, missing); err != nil {
			return "", err
		}
		s.sendMail(mail.MissingInfoRequest(e.FromEmail, e.Subject, missing), e.ID)
		return models.EmailAwaitingInfo, nil
	}

	score := ingest.Score(fields)
	parsed := models.ParsedEmail{
		InboundID:     e.ID,
		ComplaintID:   fields.ComplaintID,
		VehicleNumber: fields.VehicleNumber,
		Category:      fields.Category,
		IssueType:     fields.IssueType,
		Location:      fields.Location,
		Remarks:       fields.Remarks,
		ReportedAt:    fields.ReportedAt,
		ParseErrors:   fields.Notes,
		Confidence:    score,
		NeedsReview:   score < s.AutoOpenThreshold,
	}
	parsedID, err := s.Store.InsertParsedEmail(ctx, parsed)
	if err != nil {
		return "", err
	}

	if score < s.DraftFloor {
		if _, err := s.Store.UpdateEmailStatus(ctx, e.ID, models.EmailDraft); err != nil {
			return "", err
		}
		return models.EmailDraft, nil
	}

	if existing, err := s.findDuplicate(ctx, fields); err != nil {
		return "", err
	} else if existing != nil {
		comment := models.TicketComment{
			ID:       uuid.NewString(),
			TicketID: existing.ID,
			Source:   models.CommentSourceEmail,
			AuthorID: e.FromEmail,
			Body:     followUpBody(e.Subject, fields),
		}
		if err := s.Store.InsertComment(ctx, comment); err != nil {
			return "", err
		}
		if err := s.Store.MarkParsedTicketed(ctx, parsedID); err != nil {
			return "", err
		}
		if err := s.Store.MarkEmailLinked(ctx, e.ID, models.EmailCommentAdded, existing.ID); err != nil {
			return "", err
		}
		s.Logger.Info().Str("email_id", e.ID).Str("ticket_id", existing.ID).Msg("duplicate complaint folded into open ticket")
		return models.EmailCommentAdded, nil
	}

	status := models.TicketOpen
	if score < s.AutoOpenThreshold {
		status = models.TicketNeedsReview
	}
	now := s.now()
	ticket := models.Ticket{
		TicketNumber:  utils.NewTicketNumber(now),
		Status:        status,
		ComplaintID:   fields.ComplaintID,
		VehicleNumber: fields.VehicleNumber,
		Category:      fields.Category,
		IssueType:     fields.IssueType,
		Location:      fields.Location,
		OpenedByEmail: e.FromEmail,
		OpenedAt:      now,
		Confidence:    score,
		NeedsReview:   status == models.TicketNeedsReview,
		DedupKey:      tupleFingerprint(fields),
	}
	ticketID, err := s.Store.CreateTicket(ctx, ticket)
	if err != nil {
		return "", err
	}
	if err := s.Store.MarkParsedTicketed(ctx, parsedID); err != nil {
		return "", err
	}
	if err := s.Store.MarkEmailLinked(ctx, e.ID, models.EmailTicketCreated, ticketID); err != nil {
		return "", err
	}
	s.sendMail(mail.TicketConfirmation(e.FromEmail, ticket.TicketNumber), e.ID)
	s.Logger.Info().
		Str("email_id", e.ID).
		Str("ticket_id", ticketID).
		Str("ticket_number", ticket.TicketNumber).
		Str("status", string(status)).
		Int("confidence", score).
		Msg("ticket created")
	return models.EmailTicketCreated, nil
}

// processReply attaches a back-referenced email to its ticket as an
// EMAIL comment. When the ticket is parked in NEEDS_REVIEW, the reply
// is also parsed so it can back-fill the missing fields and, once the
// ticket is complete, promote it to OPEN.
func (s *IngestionService) processReply(ctx context.Context, e models.InboundEmail, ticketNumber string) (bool, models.ProcessingStatus, error) {
	t, err := s.Store.GetTicketByNumber(ctx, ticketNumber)
	if errors.Is(err, pgx.ErrNoRows) {
		// Marker matched no ticket; let the email fall through to the
		// fresh-complaint path.
		return false, "", nil
	}
	if err != nil {
		return false, "", err
	}

	text := ingest.StripQuoted(ingest.EmailText("", e.TextBody, e.HTMLBody))
	if text == "" {
		text = "(empty reply)"
	}
	comment := models.TicketComment{
		ID:       uuid.NewString(),
		TicketID: t.ID,
		Source:   models.CommentSourceEmail,
		AuthorID: e.FromEmail,
		Body:     text,
	}
	if err := s.Store.InsertComment(ctx, comment); err != nil {
		return false, "", err
	}

	if t.Status == models.TicketNeedsReview {
		fields := ingest.Parse(text)
		if err := s.Store.FillTicketFields(ctx, t.ID, fields.VehicleNumber, fields.IssueType, fields.Location); err != nil {
			return false, "", err
		}
		filled, err := s.Store.GetTicket(ctx, t.ID)
		if err != nil {
			return false, "", err
		}
		if complete(filled) {
			if _, err := s.Store.UpdateTicketStatusCAS(ctx, t.ID, models.TicketNeedsReview, models.TicketOpen); err != nil {
				return false, "", err
			}
			s.Logger.Info().Str("ticket_id", t.ID).Msg("reply completed ticket, promoted to open")
		}
	}

	if err := s.Store.MarkEmailLinked(ctx, e.ID, models.EmailProcessedReply, t.ID); err != nil {
		return false, "", err
	}
	return true, models.EmailProcessedReply, nil
}

func complete(t models.Ticket) bool {
	return t.VehicleNumber != "" &&
		t.IssueType != "" && t.IssueType != ingest.IssueTypeGeneral &&
		t.Location != ""
}

// findDuplicate looks for a live ticket this complaint already
// belongs to. Resolved tickets never match, so a recurrence after
// closure opens a fresh ticket.
func (s *IngestionService) findDuplicate(ctx context.Context, f ingest.ParsedFields) (*models.Ticket, error) {
	switch s.DedupPolicy {
	case DedupByTuple:
		key := tupleFingerprint(f)
		if key == "" {
			return nil, nil
		}
		return s.Store.FindOpenTicketByDedupKey(ctx, key)
	default:
		if f.ComplaintID == "" {
			return nil, nil
		}
		return s.Store.FindOpenTicketByComplaintID(ctx, f.ComplaintID)
	}
}

// tupleFingerprint hashes the identifying tuple of a complaint. Empty
// when the tuple carries nothing identifying.
func tupleFingerprint(f ingest.ParsedFields) string {
	if f.ComplaintID == "" && f.VehicleNumber == "" {
		return ""
	}
	tuple := strings.ToUpper(strings.Join([]string{
		f.ComplaintID, f.VehicleNumber, f.Category, f.IssueType,
	}, "|"))
	return fmt.Sprintf("%016x", utils.HashStringToUint64(tuple))
}

func followUpBody(subject string, f ingest.ParsedFields) string {
	var b strings.Builder
	b.WriteString("Follow-up email received: ")
	b.WriteString(strings.TrimSpace(subject))
	if f.Remarks != "" {
		b.WriteString("\n")
		b.WriteString(f.Remarks)
	}
	return b.String()
}

func ignoredStatus(t models.EmailType) models.ProcessingStatus {
	switch t {
	case models.TypePromotional:
		return models.EmailIgnoredPromo
	case models.TypeAutoReply:
		return models.EmailIgnoredAutoReply
	default:
		return models.EmailIgnoredUnknown
	}
}

func (s *IngestionService) sendMail(msg mail.Message, emailID string) {
	if s.Mail == nil {
		return
	}
	if err := s.Mail.Send(context.Background(), msg); err != nil {
		s.Logger.Error().Err(err).Str("email_id", emailID).Str("to", msg.To).Msg("send notification")
	}
}
