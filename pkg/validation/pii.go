package validation

import "regexp"

// PIIKind names the detector that matched
type PIIKind string

const (
	PIISSN        PIIKind = "ssn"
	PIICreditCard PIIKind = "credit_card"
	PIIEmail      PIIKind = "email"
	PIIPhone      PIIKind = "phone"
)

var piiDetectors = []struct {
	kind    PIIKind
	pattern *regexp.Regexp
}{
	{PIISSN, regexp.MustCompile(`\b\d{3}-\d{2}-\d{4}\b`)},
	{PIICreditCard, regexp.MustCompile(`\b(?:\d[ -]?){13,16}\b`)},
	{PIIEmail, regexp.MustCompile(`\b[\w.+-]+@[\w-]+\.[\w.]+\b`)},
	{PIIPhone, regexp.MustCompile(`\b(?:\+?\d{1,2}[ -]?)?\(?\d{3}\)?[ -]?\d{3}[ -]?\d{4}\b`)},
}

// DetectPII returns the first matching detector kind, or empty
func DetectPII(text string) PIIKind {
	for _, d := range piiDetectors {
		if d.pattern.MatchString(text) {
			return d.kind
		}
	}
	return ""
}

// piiMessage is the user-facing rejection text per detector
func piiMessage(kind PIIKind) string {
	switch kind {
	case PIISSN:
		return "submission appears to contain a social security number; please remove it"
	case PIICreditCard:
		return "submission appears to contain a card number; please remove it"
	case PIIEmail:
		return "submission appears to contain an email address; please remove it"
	case PIIPhone:
		return "submission appears to contain a phone number; please remove it"
	default:
		return "submission appears to contain personal information; please remove it"
	}
}
