package mail

import (
	"strings"
	"testing"

	"github.com/pariskq/backend/internal/models"
)

func TestMissingInfoRequestListsFields(t *testing.T) {
	msg := MissingInfoRequest("user@example.com", "TRK1234 offline", []string{"location", "issue_type"})
	if msg.Subject != "Re: TRK1234 offline" {
		t.Fatalf("unexpected subject: %s", msg.Subject)
	}
	if !strings.Contains(msg.TextBody, "location, issue_type") {
		t.Fatalf("expected missing fields in body, got %q", msg.TextBody)
	}
}

func TestMissingInfoRequestEmptyFields(t *testing.T) {
	msg := MissingInfoRequest("user@example.com", "", nil)
	if !strings.Contains(msg.TextBody, "unspecified fields") {
		t.Fatalf("expected fallback wording, got %q", msg.TextBody)
	}
}

func TestAgentActionRequestLink(t *testing.T) {
	msg := AgentActionRequest("fe@example.com", "TCK-20260101-AB12CD", "tok-1", models.ActionResolution, "https://ops.example/")
	if !strings.Contains(msg.TextBody, "https://ops.example/fe/action/tok-1") {
		t.Fatalf("expected action link, got %q", msg.TextBody)
	}
	if msg.Subject != "Resolution Action Required - Ticket TCK-20260101-AB12CD" {
		t.Fatalf("unexpected subject: %s", msg.Subject)
	}
}

func TestTicketConfirmationMentionsNumber(t *testing.T) {
	msg := TicketConfirmation("user@example.com", "TCK-20260101-AB12CD")
	if !strings.Contains(msg.TextBody, "TCK-20260101-AB12CD") {
		t.Fatalf("expected ticket number in body")
	}
	// Replies must carry the routing marker back in the subject line.
	if !strings.Contains(msg.Subject, "[Ticket ID: TCK-20260101-AB12CD]") {
		t.Fatalf("expected routing marker in subject, got %q", msg.Subject)
	}
}

func TestClosureNoticeCarriesMarker(t *testing.T) {
	msg := ClosureNotice("user@example.com", "TCK-20260101-AB12CD")
	if !strings.Contains(msg.Subject, "[Ticket ID: TCK-20260101-AB12CD]") {
		t.Fatalf("expected routing marker in subject, got %q", msg.Subject)
	}
}
