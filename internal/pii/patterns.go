package pii

import "regexp"

// pattern pairs a compiled regex with its entity type. When group is non-zero
// only that capture group is treated as the sensitive span (used where a
// keyword prefix anchors the match but is not itself PII).
type pattern struct {
	re         *regexp.Regexp
	entityType EntityType
	group      int
}

// builtinPatterns returns the default detector set. Order does not matter:
// overlap resolution prefers longer spans regardless of which pattern
// produced them.
func builtinPatterns() []pattern {
	return []pattern{
		{re: reEmail, entityType: TypeEmail},
		{re: reURL, entityType: TypeURL},
		{re: rePhone, entityType: TypePhone},
		{re: reSSN, entityType: TypeSSN},
		{re: reCreditCard, entityType: TypeCreditCard},
		{re: reIPAddress, entityType: TypeIPAddress},
		{re: reAPIKey, entityType: TypeAPIKey, group: 1},
		{re: reHonorific, entityType: TypePerson},
		{re: reFullName, entityType: TypePerson},
	}
}

var (
	reEmail      = regexp.MustCompile(`\b[A-Za-z0-9._%+\-]+@[A-Za-z0-9.\-]+\.[A-Za-z]{2,}\b`)
	reURL        = regexp.MustCompile(`\bhttps?://[^\s<>"']+`)
	rePhone      = regexp.MustCompile(`(\+?\d{1,2}[\-.\s]?)?\(?([0-9]{3})\)?[\-.\s]?([0-9]{3})[\-.\s]?([0-9]{4})\b`)
	reSSN        = regexp.MustCompile(`\b\d{3}-\d{2}-\d{4}\b`)
	reCreditCard = regexp.MustCompile(`\b(?:\d{4}[\-\s]?){3}\d{4}\b`)
	reIPAddress  = regexp.MustCompile(`\b(?:[0-9]{1,3}\.){3}[0-9]{1,3}\b`)
	reAPIKey     = regexp.MustCompile(`(?i)(?:api[_\-]?key|token|secret|bearer)[\s"':=]+([a-zA-Z0-9_\-.]{20,})`)

	// Person detection is heuristic: an honorific-anchored name, or two to
	// three capitalized words. The allow list absorbs common false positives;
	// structured types above win overlaps against these spans.
	reHonorific = regexp.MustCompile(`\b(?:Mr|Mrs|Ms|Dr|Prof)\.?\s+[A-Z][a-z]+(?:\s+[A-Z][a-z]+)?\b`)
	reFullName  = regexp.MustCompile(`\b[A-Z][a-z]+\s+[A-Z][a-z]+(?:\s+[A-Z][a-z]+)?\b`)
)

// defaultAllowList holds capitalized phrases that the person heuristic would
// otherwise flag. Matched case-insensitively against the whole span.
var defaultAllowList = []string{
	"United States", "New York", "Los Angeles", "San Francisco", "Hong Kong",
	"New Zealand", "South Africa", "Good Morning", "Good Afternoon", "Good Evening",
	"Good Night", "Happy Birthday", "Thank You", "Best Regards", "Kind Regards",
	"Monday", "Tuesday", "Wednesday", "Thursday", "Friday", "Saturday", "Sunday",
	"January", "February", "March", "April", "June", "July", "August",
	"September", "October", "November", "December",
}
