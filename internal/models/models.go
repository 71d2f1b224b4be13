package models

import "time"

// ProcessingStatus is the terminal-status ledger on an inbound email.
// Once a status other than PENDING is written the orchestrator never
// touches the row again.
type ProcessingStatus string

const (
	EmailPending          ProcessingStatus = "PENDING"
	EmailAwaitingInfo     ProcessingStatus = "AWAITING_CUSTOMER_INFO"
	EmailDraft            ProcessingStatus = "DRAFT"
	EmailCommentAdded     ProcessingStatus = "COMMENT_ADDED"
	EmailTicketCreated    ProcessingStatus = "TICKET_CREATED"
	EmailIgnoredPromo     ProcessingStatus = "IGNORED_PROMOTIONAL"
	EmailIgnoredAutoReply ProcessingStatus = "IGNORED_AUTO_REPLY"
	EmailIgnoredUnknown   ProcessingStatus = "IGNORED_UNKNOWN"
	EmailError            ProcessingStatus = "ERROR"
	EmailProcessedReply   ProcessingStatus = "PROCESSED_REPLY"
)

// IsTerminal reports whether the orchestrator is done with the email.
// AWAITING_CUSTOMER_INFO is terminal for the original message; the
// follow-up arrives as a new inbound email.
func (s ProcessingStatus) IsTerminal() bool {
	return s != EmailPending
}

type TicketStatus string

const (
	TicketOpen                TicketStatus = "OPEN"
	TicketNeedsReview         TicketStatus = "NEEDS_REVIEW"
	TicketAssigned            TicketStatus = "ASSIGNED"
	TicketOnSite              TicketStatus = "ON_SITE"
	TicketPendingVerification TicketStatus = "RESOLVED_PENDING_VERIFICATION"
	TicketResolved            TicketStatus = "RESOLVED"
)

// IsOpenClass reports whether the ticket is still live for
// deduplication purposes. A resolved complaint with the same
// complaint id starts a fresh ticket.
func (s TicketStatus) IsOpenClass() bool {
	switch s {
	case TicketOpen, TicketNeedsReview, TicketAssigned, TicketOnSite, TicketPendingVerification:
		return true
	}
	return false
}

type ActionType string

const (
	ActionOnSite     ActionType = "ON_SITE"
	ActionResolution ActionType = "RESOLUTION"
)

func (a ActionType) Valid() bool {
	return a == ActionOnSite || a == ActionResolution
}

type SlaPhase string

const (
	PhaseAssignment SlaPhase = "ASSIGNMENT"
	PhaseOnsite     SlaPhase = "ONSITE"
	PhaseResolution SlaPhase = "RESOLUTION"
)

type EmailType string

const (
	TypeComplaint   EmailType = "COMPLAINT"
	TypePromotional EmailType = "PROMOTIONAL"
	TypeAutoReply   EmailType = "AUTO_REPLY"
	TypeUnknown     EmailType = "UNKNOWN"
)

type InboundEmail struct {
	ID             string            `json:"id"`
	MessageID      string            `json:"message_id"`
	FromEmail      string            `json:"from_email"`
	ToEmail        string            `json:"to_email"`
	Subject        string            `json:"subject"`
	TextBody       string            `json:"text_body"`
	HTMLBody       string            `json:"html_body"`
	Headers        map[string]string `json:"headers,omitempty"`
	ReceivedAt     time.Time         `json:"received_at"`
	Status         ProcessingStatus  `json:"processing_status"`
	ProcessingErr  string            `json:"processing_error,omitempty"`
	MissingFields  []string          `json:"missing_fields,omitempty"`
	LinkedTicketID *string           `json:"linked_ticket_id,omitempty"`
	CreatedAt      time.Time         `json:"created_at"`
}

type ParsedEmail struct {
	ID            string    `json:"id"`
	InboundID     string    `json:"inbound_email_id"`
	ComplaintID   string    `json:"complaint_id,omitempty"`
	VehicleNumber string    `json:"vehicle_number,omitempty"`
	Category      string    `json:"category,omitempty"`
	IssueType     string    `json:"issue_type,omitempty"`
	Location      string    `json:"location,omitempty"`
	Remarks       string    `json:"remarks,omitempty"`
	ReportedAt    string    `json:"reported_at,omitempty"`
	ParseErrors   []string  `json:"parse_errors,omitempty"`
	Confidence    int       `json:"confidence_score"`
	NeedsReview   bool      `json:"needs_review"`
	TicketCreated bool      `json:"ticket_created"`
	CreatedAt     time.Time `json:"created_at"`
}

type Ticket struct {
	ID            string       `json:"id"`
	TicketNumber  string       `json:"ticket_number"`
	Status        TicketStatus `json:"status"`
	ComplaintID   string       `json:"complaint_id,omitempty"`
	VehicleNumber string       `json:"vehicle_number,omitempty"`
	Category      string       `json:"category,omitempty"`
	IssueType     string       `json:"issue_type,omitempty"`
	Location      string       `json:"location,omitempty"`
	OpenedByEmail string       `json:"opened_by_email"`
	OpenedAt      time.Time    `json:"opened_at"`
	ResolvedAt    *time.Time   `json:"resolved_at,omitempty"`
	Confidence    int          `json:"confidence_score"`
	NeedsReview   bool         `json:"needs_review"`
	DedupKey      string       `json:"-"`
	UpdatedAt     time.Time    `json:"updated_at"`
}

type TicketAssignment struct {
	ID         string    `json:"id"`
	TicketID   string    `json:"ticket_id"`
	AgentID    string    `json:"agent_id"`
	AssignedAt time.Time `json:"assigned_at"`
	Active     bool      `json:"active"`
}

type ActionToken struct {
	ID        string     `json:"id"`
	TicketID  string     `json:"ticket_id"`
	AgentID   string     `json:"agent_id"`
	Action    ActionType `json:"action_type"`
	ExpiresAt time.Time  `json:"expires_at"`
	Used      bool       `json:"used"`
	CreatedAt time.Time  `json:"created_at"`
}

// Live reports whether the token can still be consumed.
func (t ActionToken) Live(now time.Time) bool {
	return !t.Used && now.Before(t.ExpiresAt)
}

// Comment sources.
const (
	CommentSourceEmail  = "EMAIL"
	CommentSourceAgent  = "FE"
	CommentSourceSystem = "SYSTEM"
)

type TicketComment struct {
	ID        string    `json:"id"`
	TicketID  string    `json:"ticket_id"`
	Source    string    `json:"source"`
	AuthorID  string    `json:"author_id,omitempty"`
	Body      string    `json:"body"`
	CreatedAt time.Time `json:"created_at"`
}

type SlaTrackingRecord struct {
	ID                 string     `json:"id"`
	TicketID           string     `json:"ticket_id"`
	AssignmentDeadline *time.Time `json:"assignment_deadline,omitempty"`
	OnsiteDeadline     *time.Time `json:"onsite_deadline,omitempty"`
	ResolutionDeadline *time.Time `json:"resolution_deadline,omitempty"`
	AssignmentBreached bool       `json:"assignment_breached"`
	OnsiteBreached     bool       `json:"onsite_breached"`
	ResolutionBreached bool       `json:"resolution_breached"`
	UpdatedAt          time.Time  `json:"updated_at"`
}
