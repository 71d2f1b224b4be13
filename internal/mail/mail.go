package mail

import (
	"context"
	"fmt"
	"strings"

	"github.com/pariskq/backend/internal/models"
)

// Message is a fully composed outbound email.
type Message struct {
	To       string `json:"To"`
	From     string `json:"From"`
	Subject  string `json:"Subject"`
	TextBody string `json:"TextBody"`
}

// Mailer delivers composed messages. Sends are fire-and-forget from
// the caller's point of view: a failed send is logged, never rolled
// back into the mutation that triggered it.
type Mailer interface {
	Send(ctx context.Context, msg Message) error
}

func TicketConfirmation(to, ticketNumber string) Message {
	body := strings.TrimSpace(fmt.Sprintf(`
Hello,

Your complaint has been successfully registered.

Ticket Number: %s

Our team will review the issue and get back to you shortly with a resolution.

Thank you for reaching out.
Pariskq Support Team`, ticketNumber))

	return Message{
		To:       to,
		Subject:  fmt.Sprintf("Complaint Registered [Ticket ID: %s]", ticketNumber),
		TextBody: body,
	}
}

func MissingInfoRequest(to, originalSubject string, missingFields []string) Message {
	fieldList := "unspecified fields"
	if len(missingFields) > 0 {
		fieldList = strings.Join(missingFields, ", ")
	}
	body := strings.TrimSpace(fmt.Sprintf(`
Hello,

We received your message but are missing some information required to process your request.
Please provide the following field(s): %s.

Reply to this email with the requested information and we will continue processing your ticket.

Thank you.
Pariskq Support Team`, fieldList))

	return Message{
		To:       to,
		Subject:  strings.TrimSpace("Re: " + originalSubject),
		TextBody: body,
	}
}

func AgentActionRequest(to, ticketNumber, token string, action models.ActionType, fieldOpsURL string) Message {
	label := "On-site Action Required"
	actionText := "upload the on-site proof"
	if action == models.ActionResolution {
		label = "Resolution Action Required"
		actionText = "upload the resolution proof"
	}
	link := fmt.Sprintf("%s/fe/action/%s", strings.TrimRight(fieldOpsURL, "/"), token)
	body := strings.TrimSpace(fmt.Sprintf(`
Hello,

You have been assigned a task for Ticket %s.

Please click the link below to %s:

%s

This link is time-sensitive.

Thank you,
Pariskq Operations Team`, ticketNumber, actionText, link))

	return Message{
		To:       to,
		Subject:  fmt.Sprintf("%s - Ticket %s", label, ticketNumber),
		TextBody: body,
	}
}

func ClosureNotice(to, ticketNumber string) Message {
	body := strings.TrimSpace(fmt.Sprintf(`
Hello,

Your ticket %s has been successfully resolved.

If you have any further issues or questions, feel free to reply to this email.

Thank you for your patience.
Pariskq Support Team`, ticketNumber))

	return Message{
		To:       to,
		Subject:  fmt.Sprintf("Ticket Resolved [Ticket ID: %s]", ticketNumber),
		TextBody: body,
	}
}
