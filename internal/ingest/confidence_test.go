package ingest

import "testing"

func TestScoreWeights(t *testing.T) {
	cases := []struct {
		name   string
		fields ParsedFields
		want   int
	}{
		{"empty", ParsedFields{}, 0},
		{"complaint id only", ParsedFields{ComplaintID: "CCM1234"}, 40},
		{"vehicle only", ParsedFields{VehicleNumber: "TRK1234"}, 30},
		{"default category ignored", ParsedFields{Category: CategoryUnknown}, 0},
		{"default issue ignored", ParsedFields{IssueType: IssueTypeGeneral}, 0},
		{
			"all fields",
			ParsedFields{ComplaintID: "CCM1234", VehicleNumber: "TRK1234", Category: "MDVR", IssueType: "Device Offline"},
			100,
		},
	}
	for _, tc := range cases {
		if got := Score(tc.fields); got != tc.want {
			t.Fatalf("%s: got %d, want %d", tc.name, got, tc.want)
		}
	}
}

func TestScoreMonotonic(t *testing.T) {
	base := ParsedFields{VehicleNumber: "TRK1234"}
	withMore := base
	withMore.ComplaintID = "CCM9999"
	if Score(withMore) < Score(base) {
		t.Fatalf("adding a field must never lower the score")
	}
}

func TestValidateRequired(t *testing.T) {
	ok, missing := ValidateRequired(ParsedFields{
		VehicleNumber: "TRK1234",
		IssueType:     "Device Offline",
		Location:      "Depot 3",
	})
	if !ok || len(missing) != 0 {
		t.Fatalf("expected complete, got missing=%v", missing)
	}

	ok, missing = ValidateRequired(ParsedFields{
		VehicleNumber: "TRK1234",
		IssueType:     "Device Offline",
	})
	if ok {
		t.Fatalf("expected incomplete without location")
	}
	if len(missing) != 1 || missing[0] != "location" {
		t.Fatalf("expected [location], got %v", missing)
	}
}
