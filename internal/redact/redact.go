package redact

import (
	"regexp"
	"strings"
)

// Result of a redaction pass. Text is safe to persist and display.
type Result struct {
	Text   string
	HasPII bool
}

// matcher pairs a pattern with its masking rule. Matchers run in priority
// order: once an email is masked its digits are gone, so the looser
// numeric matchers below cannot re-match inside it.
type matcher struct {
	name string
	re   *regexp.Regexp
	mask func(match string) string
}

var (
	emailRe = regexp.MustCompile(`[A-Za-z0-9._%+-]+@[A-Za-z0-9.-]+\.[A-Za-z]{2,}`)
	phoneRe = regexp.MustCompile(`\+?\d[\d\s().\-]{5,}\d`)
	roomRe  = regexp.MustCompile(`(?i)\b(room|rm|suite|reservation|res|booking)[ #:\-]*\d{3,}\b`)
	cardRe  = regexp.MustCompile(`\b(?:\d[ \-]?){13,19}\b`)

	digitRe = regexp.MustCompile(`\d`)
)

// Redactor applies the ordered PII matchers. Zero value is not usable,
// construct with New.
type Redactor struct {
	matchers []matcher
}

func New() *Redactor {
	return &Redactor{
		matchers: []matcher{
			{name: "email", re: emailRe, mask: maskEmail},
			{name: "card", re: cardRe, mask: maskCard},
			{name: "room", re: roomRe, mask: maskRoom},
			{name: "phone", re: phoneRe, mask: maskPhone},
		},
	}
}

// Redact masks every sensitive substring in text. The output keeps just
// enough trailing context for a human to recognize their own data.
// Redact(Redact(s).Text) == Redact(s).Text: no mask re-triggers a matcher.
func (r *Redactor) Redact(text string) Result {
	out := text
	hasPII := false
	for _, m := range r.matchers {
		replaced := m.re.ReplaceAllStringFunc(out, m.mask)
		if replaced != out {
			hasPII = true
			out = replaced
		}
	}
	return Result{Text: out, HasPII: hasPII}
}

// maskEmail keeps only the domain: "j.doe@example.com" -> "***@example.com"
func maskEmail(match string) string {
	at := strings.LastIndex(match, "@")
	return "***@" + match[at+1:]
}

// maskPhone keeps the last two digits: "555-867-5309" -> "***09"
func maskPhone(match string) string {
	digits := digitRe.FindAllString(match, -1)
	// Too few digits to plausibly be a phone number, leave untouched
	if len(digits) < 7 {
		return match
	}
	return "***" + strings.Join(digits[len(digits)-2:], "")
}

// maskRoom keeps the label and last two digits: "room 4211" -> "room ***11"
func maskRoom(match string) string {
	digits := digitRe.FindAllString(match, -1)
	label := match[:strings.IndexFunc(match, isDigit)]
	label = strings.TrimRight(label, " #:-")
	return label + " ***" + strings.Join(digits[len(digits)-2:], "")
}

// maskCard keeps the last four digits: card-like runs become "****1234"
func maskCard(match string) string {
	digits := digitRe.FindAllString(match, -1)
	if len(digits) < 13 {
		return match
	}
	return "****" + strings.Join(digits[len(digits)-4:], "")
}

func isDigit(r rune) bool {
	return r >= '0' && r <= '9'
}
