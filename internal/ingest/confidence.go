package ingest

// Score maps parsed fields to a 0-100 completeness score. The
// complaint id carries the largest weight because it is the
// deduplication key; the vehicle number is next because a field visit
// cannot be scheduled without it.
func Score(f ParsedFields) int {
	score := 0
	if f.ComplaintID != "" {
		score += 40
	}
	if f.VehicleNumber != "" {
		score += 30
	}
	if f.Category != "" && f.Category != CategoryUnknown {
		score += 15
	}
	if f.IssueType != "" && f.IssueType != IssueTypeGeneral {
		score += 15
	}
	return clamp(score, 0, 100)
}

// ValidateRequired gates ticket creation: a ticket may be opened
// outright only when the vehicle number, issue type, and location are
// all present. Anything less pauses the pipeline for clarification.
func ValidateRequired(f ParsedFields) (bool, []string) {
	var missing []string
	if f.VehicleNumber == "" {
		missing = append(missing, "vehicle_number")
	}
	if f.IssueType == "" {
		missing = append(missing, "issue_type")
	}
	if f.Location == "" {
		missing = append(missing, "location")
	}
	return len(missing) == 0, missing
}
