package service

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/pariskq/backend/internal/models"
)

func newLifecycle(ms *memStore) (*LifecycleService, *recordingMailer) {
	mailer := &recordingMailer{}
	tokens := newTokenService(ms)
	sla := &SlaTracker{
		Store: ms,
		Hours: map[models.SlaPhase]int{
			models.PhaseAssignment: 4,
			models.PhaseOnsite:     24,
			models.PhaseResolution: 48,
		},
		Logger: zerolog.Nop(),
		Now:    func() time.Time { return ms.clock() },
	}
	return &LifecycleService{
		Store:       ms,
		Tokens:      tokens,
		Sla:         sla,
		Mailer:      mailer,
		FieldOpsURL: "https://ops.example.com",
		Logger:      zerolog.Nop(),
		Now:         func() time.Time { return ms.clock() },
	}, mailer
}

func seedTicket(ms *memStore, status models.TicketStatus) string {
	id, _ := ms.CreateTicket(context.Background(), models.Ticket{
		TicketNumber:  "TCK-20260301-ABC123",
		Status:        status,
		ComplaintID:   "CCM20991",
		VehicleNumber: "TRK1234",
		IssueType:     "GPS device",
		Location:      "Depot 4, Pune",
		OpenedByEmail: "reporter@example.com",
		OpenedAt:      ms.clock(),
	})
	return id
}

func TestAssignAgent(t *testing.T) {
	ms := newMemStore()
	svc, mailer := newLifecycle(ms)
	ctx := context.Background()
	id := seedTicket(ms, models.TicketOpen)

	tok, err := svc.AssignAgent(ctx, id, "agent-7", "agent7@example.com")
	if err != nil {
		t.Fatalf("assign: %v", err)
	}
	if tok.Action != models.ActionOnSite {
		t.Fatalf("expected on-site token, got %s", tok.Action)
	}

	got, _ := ms.GetTicket(ctx, id)
	if got.Status != models.TicketAssigned {
		t.Fatalf("status = %s, want ASSIGNED", got.Status)
	}
	asg, _ := ms.GetActiveAssignment(ctx, id)
	if asg == nil || asg.AgentID != "agent-7" {
		t.Fatalf("active assignment missing or wrong: %+v", asg)
	}
	if ms.sla[id].AssignmentDeadline == nil {
		t.Fatal("assignment deadline not set")
	}

	msgs := mailer.messages()
	if len(msgs) != 1 || msgs[0].To != "agent7@example.com" {
		t.Fatalf("expected one token mail to the agent, got %+v", msgs)
	}
	if !strings.Contains(msgs[0].TextBody, tok.ID) {
		t.Fatal("token link missing from agent mail")
	}
}

func TestAssignRejectsWrongState(t *testing.T) {
	ms := newMemStore()
	svc, _ := newLifecycle(ms)
	ctx := context.Background()

	for _, status := range []models.TicketStatus{
		models.TicketNeedsReview, models.TicketOnSite, models.TicketResolved,
	} {
		id := seedTicket(ms, status)
		if _, err := svc.AssignAgent(ctx, id, "agent-7", ""); !errors.Is(err, ErrInvalidTransition) {
			t.Errorf("assign from %s: expected ErrInvalidTransition, got %v", status, err)
		}
	}
}

func TestFullLifecycle(t *testing.T) {
	ms := newMemStore()
	svc, mailer := newLifecycle(ms)
	ctx := context.Background()
	id := seedTicket(ms, models.TicketOpen)

	onsiteTok, err := svc.AssignAgent(ctx, id, "agent-7", "agent7@example.com")
	if err != nil {
		t.Fatalf("assign: %v", err)
	}

	// Closing before any proof must fail on the state machine.
	if _, err := svc.VerifyAndClose(ctx, id); !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("close from ASSIGNED: expected ErrInvalidTransition, got %v", err)
	}

	res, err := svc.RecordProof(ctx, onsiteTok.ID, "arrived at depot, unit inspected")
	if err != nil {
		t.Fatalf("on-site proof: %v", err)
	}
	if res.Status != models.TicketOnSite {
		t.Fatalf("status after on-site proof = %s", res.Status)
	}
	if res.NextToken == nil || res.NextToken.Action != models.ActionResolution {
		t.Fatal("resolution token not issued after on-site proof")
	}
	if ms.sla[id].OnsiteDeadline == nil {
		t.Fatal("onsite deadline not set")
	}

	// The consumed token cannot advance the ticket again.
	if _, err := svc.RecordProof(ctx, onsiteTok.ID, ""); !errors.Is(err, ErrTokenUsed) {
		t.Fatalf("replayed token: expected ErrTokenUsed, got %v", err)
	}

	res, err = svc.RecordProof(ctx, res.NextToken.ID, "replaced GPS unit, vehicle back online")
	if err != nil {
		t.Fatalf("resolution proof: %v", err)
	}
	if res.Status != models.TicketPendingVerification {
		t.Fatalf("status after resolution proof = %s", res.Status)
	}

	closed, err := svc.VerifyAndClose(ctx, id)
	if err != nil {
		t.Fatalf("close: %v", err)
	}
	if closed.Status != models.TicketResolved || closed.ResolvedAt == nil {
		t.Fatalf("ticket not fully resolved: %+v", closed)
	}

	comments := ms.commentsFor(id)
	if len(comments) != 2 {
		t.Fatalf("expected two proof comments, got %d", len(comments))
	}

	var closure bool
	for _, m := range mailer.messages() {
		if m.To == "reporter@example.com" && strings.Contains(m.Subject, "Resolved") {
			closure = true
		}
	}
	if !closure {
		t.Fatal("closure notice never sent to reporter")
	}
}

func TestProofRejectedWhenTicketNotInExpectedState(t *testing.T) {
	ms := newMemStore()
	svc, _ := newLifecycle(ms)
	ctx := context.Background()
	id := seedTicket(ms, models.TicketAssigned)

	// A resolution token against an ASSIGNED ticket must neither move
	// the ticket nor burn the token.
	tok := models.ActionToken{
		ID: uuid.NewString(), TicketID: id, AgentID: "agent-7",
		Action: models.ActionResolution, ExpiresAt: ms.clock().Add(time.Hour),
	}
	if err := ms.InsertActionToken(ctx, tok); err != nil {
		t.Fatalf("seed token: %v", err)
	}

	if _, err := svc.RecordProof(ctx, tok.ID, ""); !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("expected ErrInvalidTransition, got %v", err)
	}
	got, _ := ms.GetActionToken(ctx, tok.ID)
	if got.Used {
		t.Fatal("token was burned without the ticket advancing")
	}
	cur, _ := ms.GetTicket(ctx, id)
	if cur.Status != models.TicketAssigned {
		t.Fatalf("ticket moved to %s", cur.Status)
	}
}

func TestConcurrentProofSingleWinner(t *testing.T) {
	ms := newMemStore()
	svc, _ := newLifecycle(ms)
	ctx := context.Background()
	id := seedTicket(ms, models.TicketOpen)

	tok, err := svc.AssignAgent(ctx, id, "agent-7", "")
	if err != nil {
		t.Fatalf("assign: %v", err)
	}

	const attempts = 8
	var wg sync.WaitGroup
	results := make(chan error, attempts)
	for i := 0; i < attempts; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := svc.RecordProof(ctx, tok.ID, "")
			results <- err
		}()
	}
	wg.Wait()
	close(results)

	wins := 0
	for err := range results {
		if err == nil {
			wins++
		} else if !errors.Is(err, ErrTokenUsed) {
			t.Fatalf("unexpected loser error: %v", err)
		}
	}
	if wins != 1 {
		t.Fatalf("expected exactly one winner, got %d", wins)
	}
	got, _ := ms.GetTicket(ctx, id)
	if got.Status != models.TicketOnSite {
		t.Fatalf("status = %s, want ON_SITE", got.Status)
	}
}

// contendedStore commits a concurrent winner's consume of the same
// token just before the caller's own consume attempt, modeling two
// submissions that both saw the token unused.
type contendedStore struct {
	*memStore
	once sync.Once
}

func (s *contendedStore) ConsumeTokenAndAdvance(ctx context.Context, tokenID, ticketID string, from, to models.TicketStatus, proof models.TicketComment) (bool, error) {
	s.once.Do(func() {
		winner := proof
		winner.ID = uuid.NewString()
		winner.Body = "arrived first"
		if ok, err := s.memStore.ConsumeTokenAndAdvance(ctx, tokenID, ticketID, from, to, winner); !ok || err != nil {
			panic("seeded winner failed to consume")
		}
	})
	return s.memStore.ConsumeTokenAndAdvance(ctx, tokenID, ticketID, from, to, proof)
}

func TestProofRaceLoserReportsAlreadyUsed(t *testing.T) {
	ms := newMemStore()
	svc, _ := newLifecycle(ms)
	ctx := context.Background()
	id := seedTicket(ms, models.TicketOpen)

	tok, err := svc.AssignAgent(ctx, id, "agent-7", "")
	if err != nil {
		t.Fatalf("assign: %v", err)
	}

	// The loser looked the token up while it was still unused, then
	// lost the consume to the winner. It must hear "already used",
	// not a complaint about the status the winner moved the ticket
	// into.
	svc.Store = &contendedStore{memStore: ms}
	if _, err := svc.RecordProof(ctx, tok.ID, ""); !errors.Is(err, ErrTokenUsed) {
		t.Fatalf("expected ErrTokenUsed, got %v", err)
	}

	got, _ := ms.GetTicket(ctx, id)
	if got.Status != models.TicketOnSite {
		t.Fatalf("status = %s, want ON_SITE", got.Status)
	}
	if n := len(ms.commentsFor(id)); n != 1 {
		t.Fatalf("expected exactly one proof comment, got %d", n)
	}
}

func TestVerifyAndCloseBlockedByLiveResolutionToken(t *testing.T) {
	ms := newMemStore()
	svc, _ := newLifecycle(ms)
	ctx := context.Background()
	id := seedTicket(ms, models.TicketPendingVerification)

	tok := models.ActionToken{
		ID: uuid.NewString(), TicketID: id, AgentID: "agent-7",
		Action: models.ActionResolution, ExpiresAt: ms.clock().Add(time.Hour),
	}
	if err := ms.InsertActionToken(ctx, tok); err != nil {
		t.Fatalf("seed token: %v", err)
	}

	if _, err := svc.VerifyAndClose(ctx, id); !errors.Is(err, ErrProofPending) {
		t.Fatalf("expected ErrProofPending, got %v", err)
	}
}

func TestPromote(t *testing.T) {
	ms := newMemStore()
	svc, _ := newLifecycle(ms)
	ctx := context.Background()
	id := seedTicket(ms, models.TicketNeedsReview)

	got, err := svc.Promote(ctx, id)
	if err != nil {
		t.Fatalf("promote: %v", err)
	}
	if got.Status != models.TicketOpen {
		t.Fatalf("status = %s, want OPEN", got.Status)
	}
	if _, err := svc.Promote(ctx, id); !errors.Is(err, ErrConflict) {
		t.Fatalf("second promote: expected ErrConflict, got %v", err)
	}
}

func TestCanTransitionTable(t *testing.T) {
	allowed := [][2]models.TicketStatus{
		{models.TicketNeedsReview, models.TicketOpen},
		{models.TicketOpen, models.TicketAssigned},
		{models.TicketAssigned, models.TicketOnSite},
		{models.TicketOnSite, models.TicketPendingVerification},
		{models.TicketPendingVerification, models.TicketResolved},
	}
	for _, pair := range allowed {
		if err := CanTransition(pair[0], pair[1]); err != nil {
			t.Errorf("%s -> %s should be allowed: %v", pair[0], pair[1], err)
		}
	}
	denied := [][2]models.TicketStatus{
		{models.TicketOpen, models.TicketOnSite},
		{models.TicketOpen, models.TicketResolved},
		{models.TicketAssigned, models.TicketResolved},
		{models.TicketResolved, models.TicketOpen},
		{models.TicketOnSite, models.TicketAssigned},
		{models.TicketNeedsReview, models.TicketAssigned},
	}
	for _, pair := range denied {
		if err := CanTransition(pair[0], pair[1]); !errors.Is(err, ErrInvalidTransition) {
			t.Errorf("%s -> %s should be rejected", pair[0], pair[1])
		}
	}
}
