package ingest

import (
	"testing"

	"github.com/pariskq/backend/internal/models"
)

func TestClassifyAutoReplyHeaderWins(t *testing.T) {
	c := Classify("Out of office", "I am away", "user@example.com",
		map[string]string{"Auto-Submitted": "auto-replied"})
	if c.Type != models.TypeAutoReply {
		t.Fatalf("expected AUTO_REPLY, got %s", c.Type)
	}
	if c.Confidence != 95 {
		t.Fatalf("expected header confidence 95, got %d", c.Confidence)
	}
}

func TestClassifyAutoReplySubjectPhrase(t *testing.T) {
	c := Classify("Automatic reply: your message", "thanks", "user@example.com", nil)
	if c.Type != models.TypeAutoReply || c.Confidence != 80 {
		t.Fatalf("expected AUTO_REPLY/80, got %s/%d", c.Type, c.Confidence)
	}
}

func TestClassifyComplaintWithStructuredSignals(t *testing.T) {
	c := Classify("VEHICLE TRK1234 offline",
		"Category: MDVR Item Name: Device Offline Location: Depot 3 Remarks: unit unresponsive",
		"driver@example.com", nil)
	if c.Type != models.TypeComplaint {
		t.Fatalf("expected COMPLAINT, got %s (%v)", c.Type, c.Reasons)
	}
	if c.Confidence < 70 || c.Confidence > 90 {
		t.Fatalf("complaint confidence out of range: %d", c.Confidence)
	}
}

func TestClassifyComplaintOverridesPromotional(t *testing.T) {
	// Promotional wording plus a structured complaint id: the
	// complaint wins.
	c := Classify("Special offer problem CCM12345",
		"The discount terminal is broken and reports an error", "marketing@example.com", nil)
	if c.Type != models.TypeComplaint {
		t.Fatalf("expected COMPLAINT to override promo, got %s (%v)", c.Type, c.Reasons)
	}
}

func TestClassifyPromotional(t *testing.T) {
	c := Classify("Limited time sale!",
		"Buy now and unsubscribe anytime http://a.example http://b.example",
		"newsletter@shop.example", nil)
	if c.Type != models.TypePromotional {
		t.Fatalf("expected PROMOTIONAL, got %s (%v)", c.Type, c.Reasons)
	}
	if c.Confidence < 80 {
		t.Fatalf("expected promo confidence >= 80, got %d", c.Confidence)
	}
}

func TestClassifyEmptyUnknown(t *testing.T) {
	c := Classify("", "", "user@example.com", nil)
	if c.Type != models.TypeUnknown || c.Confidence != 75 {
		t.Fatalf("expected UNKNOWN/75, got %s/%d", c.Type, c.Confidence)
	}
}

func TestClassifyTooShortUnknown(t *testing.T) {
	c := Classify("hello there", "", "user@example.com", nil)
	if c.Type != models.TypeUnknown || c.Confidence != 65 {
		t.Fatalf("expected UNKNOWN/65, got %s/%d", c.Type, c.Confidence)
	}
}

func TestClassifyMostlyLinksNotComplaint(t *testing.T) {
	c := Classify("error", "http://x.example http://y.example", "user@example.com", nil)
	if c.Type == models.TypeComplaint {
		t.Fatalf("link-dominated mail must not classify as COMPLAINT")
	}
}
