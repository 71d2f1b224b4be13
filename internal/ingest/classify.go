package ingest

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/pariskq/backend/internal/models"
)

type Classification struct {
	Type       models.EmailType
	Confidence int
	Reasons    []string
}

var (
	autoReplyHeaders = []string{"auto-submitted", "x-autoreply", "x-autorespond", "precedence"}

	autoSubjectPhrases = []string{
		"out of office", "auto-reply", "autoreply", "automatic reply", "away from office",
	}
	autoBodyPhrases = []string{
		"i am currently out of the office", "this is an automated response", "automatic reply", "out of office",
	}

	promoKeywords = []string{
		"unsubscribe", "special offer", "limited time", "buy now", "sale",
		"discount", "newsletter", "promotion", "promo", "deal",
	}
	promoSenderPatterns = []string{"no-reply@", "noreply@", "newsletter@", "marketing@"}

	issueKeywords = []string{
		"error", "problem", "not working", "failed", "failure", "issue",
		"complaint", "damaged", "burned", "disconnected", "broken", "leak",
		"delay", "missing", "lost", "wrong", "late", "offline",
	}

	replyPrefixRe       = regexp.MustCompile(`(?i)^(re|fw|fwd)\s*[:\-]+`)
	complaintSignalRe   = regexp.MustCompile(`(?i)\bCCM\d+\b`)
	vehicleSignalRe     = regexp.MustCompile(`(?i)\bVEHICLE\s+[A-Z0-9-]+\b`)
	structuredIDRe      = regexp.MustCompile(`\b[A-Z]{2,5}\d{2,6}\b`)
	vehicleTagWordRe    = regexp.MustCompile(`(?i)\b(?:truck|vehicle|van|lorry|bus|trailer|reg|regn|regno|plate)\b[:\s]*[A-Z0-9-]{3,15}`)
)

// Classify labels an inbound email as COMPLAINT, PROMOTIONAL,
// AUTO_REPLY, or UNKNOWN. Priority order: auto-reply signals first,
// then complaint signals (which override promotional ones), then
// promotional heuristics, then emptiness checks. Pure; never panics.
func Classify(subject, body, from string, headers map[string]string) Classification {
	subject = strings.TrimSpace(replyPrefixRe.ReplaceAllString(strings.TrimSpace(subject), ""))
	combined := strings.TrimSpace(strings.TrimSpace(subject + " " + body))
	combinedLower := strings.ToLower(combined)
	words := strings.Fields(combined)

	// Auto-reply: headers carry the strongest signal.
	var headerHits []string
	for k, v := range headers {
		lk := strings.ToLower(k)
		if !contains(autoReplyHeaders, lk) {
			continue
		}
		if lk == "precedence" {
			if strings.Contains(strings.ToLower(v), "bulk") {
				headerHits = append(headerHits, "Precedence: bulk")
			}
			continue
		}
		if v != "" {
			headerHits = append(headerHits, fmt.Sprintf("%s: %s", lk, v))
		} else {
			headerHits = append(headerHits, lk)
		}
	}
	if len(headerHits) > 0 {
		return Classification{
			Type:       models.TypeAutoReply,
			Confidence: 95,
			Reasons:    []string{"Header signals: " + strings.Join(headerHits, "; ")},
		}
	}
	if found := phrasesIn(strings.ToLower(subject), autoSubjectPhrases); len(found) > 0 {
		return Classification{
			Type:       models.TypeAutoReply,
			Confidence: 80,
			Reasons:    []string{"Subject contained auto-reply phrase(s): " + strings.Join(found, ", ")},
		}
	}
	if found := phrasesIn(combinedLower, autoBodyPhrases); len(found) > 0 {
		return Classification{
			Type:       models.TypeAutoReply,
			Confidence: 75,
			Reasons:    []string{"Body contained auto-reply phrase(s): " + strings.Join(found, ", ")},
		}
	}

	structured := complaintSignalRe.MatchString(combined) || vehicleSignalRe.MatchString(combined)
	linkCount := CountLinks(combined)
	mostlyLinks := linkCount > len(words)/2
	humanLike := len(words) >= 3 && !mostlyLinks

	issueFound := phrasesIn(combinedLower, issueKeywords)

	// Complaint signals override promotional ones: a real fault report
	// forwarded through a marketing relay must still open a ticket.
	if humanLike && (structured || len(issueFound) > 0) {
		var structuredHits []string
		structuredHits = append(structuredHits, structuredIDRe.FindAllString(combined, 3)...)
		structuredHits = append(structuredHits, vehicleTagWordRe.FindAllString(combined, 3)...)

		var details []string
		if len(issueFound) > 0 {
			details = append(details, "issue keywords: "+strings.Join(issueFound, ", "))
		}
		if len(structuredHits) > 0 {
			details = append(details, "structured indicators: "+strings.Join(structuredHits, ", "))
		}
		conf := 70 + min(20, len(issueFound)*5)
		if len(structuredHits) > 0 {
			conf += 10
		}
		return Classification{
			Type:       models.TypeComplaint,
			Confidence: clamp(conf, 70, 90),
			Reasons:    []string{"Complaint-like signals: " + strings.Join(details, "; ")},
		}
	}

	// Promotional.
	promoFound := phrasesIn(combinedLower, promoKeywords)
	var senderHits []string
	lowerFrom := strings.ToLower(from)
	for _, p := range promoSenderPatterns {
		if strings.Contains(lowerFrom, p) {
			senderHits = append(senderHits, p)
		}
	}
	promoSignals := len(promoFound) + len(senderHits)
	if linkCount >= 2 {
		promoSignals++
	}
	if promoSignals > 0 {
		var details []string
		if len(promoFound) > 0 {
			details = append(details, "keywords: "+strings.Join(promoFound, ", "))
		}
		if len(senderHits) > 0 {
			details = append(details, "sender patterns: "+strings.Join(senderHits, ", "))
		}
		if linkCount >= 2 {
			details = append(details, fmt.Sprintf("%d links", linkCount))
		}
		return Classification{
			Type:       models.TypePromotional,
			Confidence: clamp(80+5*(promoSignals-1), 80, 100),
			Reasons:    []string{"Promotional signals: " + strings.Join(details, "; ")},
		}
	}

	// Unknown: empty or too short to decide.
	if len(words) == 0 {
		return Classification{
			Type:       models.TypeUnknown,
			Confidence: 75,
			Reasons:    []string{"No subject and no readable body"},
		}
	}
	if len(words) <= 2 {
		return Classification{
			Type:       models.TypeUnknown,
			Confidence: 65,
			Reasons:    []string{fmt.Sprintf("Content too short or ambiguous (%q)", combined)},
		}
	}
	return Classification{
		Type:       models.TypeUnknown,
		Confidence: 60,
		Reasons:    []string{"Content ambiguous or lacked clear complaint signals"},
	}
}

func phrasesIn(haystack string, phrases []string) []string {
	var found []string
	for _, p := range phrases {
		if strings.Contains(haystack, p) {
			found = append(found, p)
		}
	}
	return found
}

func contains(list []string, v string) bool {
	for _, s := range list {
		if s == v {
			return true
		}
	}
	return false
}

func clamp(n, lo, hi int) int {
	if n < lo {
		return lo
	}
	if n > hi {
		return hi
	}
	return n
}
