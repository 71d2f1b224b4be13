package ingest

import (
	"encoding/base64"
	"regexp"
	"strings"
)

var (
	scriptRe   = regexp.MustCompile(`(?is)<script.*?</script>`)
	styleRe    = regexp.MustCompile(`(?is)<style.*?</style>`)
	rowBreakRe = regexp.MustCompile(`(?i)</tr>|</p>|<br\s*/?>`)
	cellRe     = regexp.MustCompile(`(?i)</?td[^>]*>`)
	tagRe      = regexp.MustCompile(`<[^>]+>`)
	base64Re   = regexp.MustCompile(`^[A-Za-z0-9+/=]+$`)
	crlfRe     = regexp.MustCompile(`\r\n`)
	blankRe    = regexp.MustCompile(`\n+`)
	spaceRe    = regexp.MustCompile(`[ \t]+`)
)

// EmailText flattens an inbound email into normalized plain text:
// subject first, then the text body, then the HTML body converted to
// text. Table rows and paragraph breaks become newlines so that
// "Label: Value" pairs survive HTML mail clients. Base64-looking
// bodies are decoded before use. Never fails; undecodable input
// degrades to whatever survives.
func EmailText(subject, textBody, htmlBody string) string {
	parts := make([]string, 0, 3)
	if s := strings.TrimSpace(subject); s != "" {
		parts = append(parts, s)
	}
	if t := strings.TrimSpace(decodeIfBase64(textBody)); t != "" {
		parts = append(parts, t)
	}
	if h := HTMLToText(decodeIfBase64(htmlBody)); h != "" {
		parts = append(parts, h)
	}
	return normalize(strings.Join(parts, "\n"))
}

// HTMLToText converts markup to plain text, flattening table rows to
// newline-separated lines and cells to space-separated values.
func HTMLToText(html string) string {
	if html == "" {
		return ""
	}
	out := scriptRe.ReplaceAllString(html, "")
	out = styleRe.ReplaceAllString(out, "")
	out = rowBreakRe.ReplaceAllString(out, "\n")
	out = cellRe.ReplaceAllString(out, " ")
	out = tagRe.ReplaceAllString(out, " ")
	out = decodeEntities(out)
	return normalize(out)
}

func decodeEntities(s string) string {
	r := strings.NewReplacer(
		"&nbsp;", " ",
		"&amp;", "&",
		"&lt;", "<",
		"&gt;", ">",
		"&quot;", `"`,
		"&#39;", "'",
	)
	return r.Replace(s)
}

// decodeIfBase64 decodes bodies that arrive base64-encoded. Short or
// mixed content is returned untouched; a failed decode falls back to
// the original string.
func decodeIfBase64(content string) string {
	if content == "" {
		return ""
	}
	stripped := strings.Join(strings.Fields(content), "")
	if len(stripped) <= 100 || !base64Re.MatchString(stripped) {
		return content
	}
	decoded, err := base64.StdEncoding.DecodeString(stripped)
	if err != nil {
		return content
	}
	return string(decoded)
}

func normalize(text string) string {
	out := crlfRe.ReplaceAllString(text, "\n")
	out = blankRe.ReplaceAllString(out, "\n")
	out = spaceRe.ReplaceAllString(out, " ")
	return strings.TrimSpace(out)
}

// StripQuoted keeps only the fresh content of a reply, dropping
// quoted history: "> " prefixed lines, "On ... wrote:" attribution
// lines, and everything after an "-----Original Message-----" marker.
func StripQuoted(text string) string {
	lines := strings.Split(text, "\n")
	kept := make([]string, 0, len(lines))
	for _, line := range lines {
		trimmed := strings.TrimSpace(line)
		if originalMsgRe.MatchString(trimmed) || attributionRe.MatchString(trimmed) {
			break
		}
		if strings.HasPrefix(trimmed, ">") {
			continue
		}
		kept = append(kept, line)
	}
	return strings.TrimSpace(strings.Join(kept, "\n"))
}

var (
	originalMsgRe = regexp.MustCompile(`(?i)^-+\s*original message\s*-+$`)
	attributionRe = regexp.MustCompile(`(?i)^on .{0,120} wrote:$`)
)

// CountLinks counts http(s) and www URLs in the text. Used by the
// classifier's link-density heuristics.
func CountLinks(s string) int {
	if s == "" {
		return 0
	}
	return len(httpLinkRe.FindAllString(s, -1)) + len(wwwLinkRe.FindAllString(s, -1))
}

var (
	httpLinkRe = regexp.MustCompile(`(?i)https?://[^\s"']+`)
	wwwLinkRe  = regexp.MustCompile(`(?i)\bwww\.[^\s"']+`)
)
