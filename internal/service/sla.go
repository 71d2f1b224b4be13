package service

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"github.com/pariskq/backend/internal/db"
	"github.com/pariskq/backend/internal/models"
)

// SlaStore is what the SLA tracker needs from persistence.
type SlaStore interface {
	SetSlaDeadline(ctx context.Context, ticketID string, phase models.SlaPhase, deadline time.Time) error
	ListSlaRecordsWithStatus(ctx context.Context) ([]db.SlaSweepRow, error)
	MarkPhaseBreached(ctx context.Context, recordID string, phase models.SlaPhase) error
}

// SlaTracker keeps per-phase deadlines and flags the ones that blow.
// It observes the lifecycle and never drives it: every failure here is
// logged and swallowed so a broken clock cannot stall a ticket.
type SlaTracker struct {
	Store  SlaStore
	Hours  map[models.SlaPhase]int
	Logger zerolog.Logger
	Now    func() time.Time
}

func (t *SlaTracker) now() time.Time {
	if t.Now != nil {
		return t.Now()
	}
	return time.Now().UTC()
}

// SetPhaseDeadline stamps the deadline for a phase the ticket just
// entered. Re-entering a phase is not possible in the state machine,
// so an existing deadline is simply overwritten.
func (t *SlaTracker) SetPhaseDeadline(ctx context.Context, ticketID string, phase models.SlaPhase) {
	hours, ok := t.Hours[phase]
	if !ok || hours <= 0 {
		t.Logger.Warn().Str("phase", string(phase)).Msg("no sla window configured")
		return
	}
	deadline := t.now().Add(time.Duration(hours) * time.Hour)
	if err := t.Store.SetSlaDeadline(ctx, ticketID, phase, deadline); err != nil {
		t.Logger.Error().Err(err).Str("ticket_id", ticketID).Str("phase", string(phase)).Msg("set sla deadline")
	}
}

// phaseForStatus returns the phase whose clock is running while the
// ticket sits in the given status.
func phaseForStatus(s models.TicketStatus) (models.SlaPhase, bool) {
	switch s {
	case models.TicketAssigned:
		return models.PhaseAssignment, true
	case models.TicketOnSite:
		return models.PhaseOnsite, true
	case models.TicketPendingVerification:
		return models.PhaseResolution, true
	default:
		return "", false
	}
}

// DueBreach reports whether the row's current phase is past its
// deadline and not yet flagged.
func DueBreach(row db.SlaSweepRow, now time.Time) (models.SlaPhase, bool) {
	phase, ok := phaseForStatus(row.Status)
	if !ok {
		return "", false
	}
	var deadline *time.Time
	var breached bool
	switch phase {
	case models.PhaseAssignment:
		deadline, breached = row.Record.AssignmentDeadline, row.Record.AssignmentBreached
	case models.PhaseOnsite:
		deadline, breached = row.Record.OnsiteDeadline, row.Record.OnsiteBreached
	case models.PhaseResolution:
		deadline, breached = row.Record.ResolutionDeadline, row.Record.ResolutionBreached
	}
	if breached || deadline == nil || now.Before(*deadline) {
		return "", false
	}
	return phase, true
}

// EvaluateBreaches sweeps every tracked ticket and flags newly missed
// deadlines. Flags are monotonic: once breached, a phase stays
// breached even if an operator later moves the ticket. A bad record
// is logged and skipped, never aborting the sweep.
func (t *SlaTracker) EvaluateBreaches(ctx context.Context) (int, error) {
	rows, err := t.Store.ListSlaRecordsWithStatus(ctx)
	if err != nil {
		return 0, err
	}
	now := t.now()
	flagged := 0
	for _, row := range rows {
		phase, due := DueBreach(row, now)
		if !due {
			continue
		}
		if err := t.Store.MarkPhaseBreached(ctx, row.Record.ID, phase); err != nil {
			t.Logger.Error().Err(err).Str("ticket_id", row.Record.TicketID).Str("phase", string(phase)).Msg("mark sla breach")
			continue
		}
		t.Logger.Warn().Str("ticket_id", row.Record.TicketID).Str("phase", string(phase)).Msg("sla breached")
		flagged++
	}
	return flagged, nil
}
