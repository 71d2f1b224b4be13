package utils

import (
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// NewTicketNumber returns a human-readable ticket number such as
// TCK-20260115-4F2A9C. The suffix comes from a fresh UUID, so numbers
// are unique without a database round trip.
func NewTicketNumber(now time.Time) string {
	suffix := strings.ToUpper(strings.ReplaceAll(uuid.NewString(), "-", ""))[:6]
	return fmt.Sprintf("TCK-%s-%s", now.UTC().Format("20060102"), suffix)
}
