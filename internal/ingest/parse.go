package ingest

import (
	"regexp"
	"sort"
	"strings"
)

// ParsedFields holds the candidate values recovered from one email.
// Absent fields are empty strings, never errors.
type ParsedFields struct {
	ComplaintID   string
	VehicleNumber string
	Category      string
	IssueType     string
	Location      string
	Remarks       string
	ReportedAt    string
	Notes         []string
}

// Category and issue type fall back to these when the email carries no
// recognizable value; the scorer treats them as unresolved.
const (
	CategoryUnknown  = "UNKNOWN"
	IssueTypeGeneral = "GENERAL"
)

var fieldLabels = []string{
	"Category",
	"Item Name",
	"Location",
	"Remarks",
	"Reported At",
	"Incident Title",
}

var (
	complaintIDRe = regexp.MustCompile(`(?i)\bCCM\d{4,15}\b`)
	genericIDRe   = regexp.MustCompile(`\b[A-Z]{2,5}\d{2,6}\b`)
	vehicleRe     = regexp.MustCompile(`(?i)\bVEHICLE\s+([A-Z0-9-]{4,20})\b`)
)

// Parse extracts structured candidate fields from normalized email
// text. Structured identifiers come from fixed patterns first so they
// survive even when label scanning finds nothing; labeled fields are
// recovered by position, so shuffled label order and HTML-derived line
// breaks do not matter.
func Parse(text string) ParsedFields {
	out := ParsedFields{}

	text = strings.TrimSpace(text)
	if text == "" {
		out.Notes = append(out.Notes, "email body empty")
		return out
	}

	// CCM-prefixed ids are authoritative; any other uppercase
	// structured id serves as the dedup key when no CCM id exists.
	if m := complaintIDRe.FindString(text); m != "" {
		out.ComplaintID = strings.ToUpper(m)
	} else if m := genericIDRe.FindString(text); m != "" {
		out.ComplaintID = m
	}
	if m := vehicleRe.FindStringSubmatch(text); m != nil {
		out.VehicleNumber = strings.ToUpper(m[1])
	}

	fields := scanLabeledFields(text)
	out.Category = fields["Category"]
	out.IssueType = fields["Item Name"]
	out.Location = fields["Location"]
	out.Remarks = fields["Remarks"]
	out.ReportedAt = fields["Reported At"]

	for _, check := range []struct {
		name  string
		value string
	}{
		{"complaint_id", out.ComplaintID},
		{"vehicle_number", out.VehicleNumber},
		{"category", out.Category},
		{"issue_type", out.IssueType},
		{"location", out.Location},
	} {
		if check.value == "" {
			out.Notes = append(out.Notes, check.name+" missing")
		}
	}
	return out
}

type labelPos struct {
	label string
	index int
}

// scanLabeledFields finds each recognized label's position, sorts by
// offset, and takes each label's value as the text up to the next
// label. Order-independent by construction.
func scanLabeledFields(text string) map[string]string {
	var positions []labelPos
	for _, label := range fieldLabels {
		re := regexp.MustCompile(`(?i)\b` + regexp.QuoteMeta(label) + `\b`)
		if loc := re.FindStringIndex(text); loc != nil {
			positions = append(positions, labelPos{label: label, index: loc[0]})
		}
	}
	sort.Slice(positions, func(i, j int) bool { return positions[i].index < positions[j].index })

	out := map[string]string{}
	for i, cur := range positions {
		start := cur.index + len(cur.label)
		end := len(text)
		if i+1 < len(positions) {
			end = positions[i+1].index
		}
		value := strings.TrimSpace(strings.TrimLeft(text[start:end], ":-– \t\n"))
		out[cur.label] = strings.TrimSpace(value)
	}
	return out
}
