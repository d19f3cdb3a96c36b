package pii

import "strings"

// maskValue applies the irreversible masking rule for one entity type.
// Enough structure is retained to keep the text readable while making the
// original unrecoverable.
func maskValue(t EntityType, value string) string {
	switch t {
	case TypeEmail:
		return maskEmail(value)
	case TypePhone, TypeCreditCard, TypeSSN:
		return maskDigits(t, value)
	case TypePerson:
		return maskWords(value)
	case TypeIPAddress:
		return "***.***.***.***"
	case TypeURL:
		return "https://*****"
	default:
		return maskDefault(value)
	}
}

// maskEmail keeps the first two characters of the local part.
func maskEmail(value string) string {
	at := strings.Index(value, "@")
	if at <= 0 {
		return maskDefault(value)
	}
	local := value[:at]
	keep := 2
	if len(local) < keep {
		keep = len(local)
	}
	stars := len(local) - keep
	if stars > 8 {
		stars = 8
	}
	return local[:keep] + strings.Repeat("*", stars) + "@*****.***"
}

// maskDigits keeps leading and trailing digits and stars the middle.
// Phones keep 2+2, SSN and card numbers keep 3+2.
func maskDigits(t EntityType, value string) string {
	var digits strings.Builder
	for _, r := range value {
		if r >= '0' && r <= '9' {
			digits.WriteRune(r)
		}
	}
	d := digits.String()
	lead := 3
	if t == TypePhone {
		lead = 2
	}
	if len(d) <= lead+2 {
		return strings.Repeat("*", len(d))
	}
	return d[:lead] + strings.Repeat("*", len(d)-lead-2) + d[len(d)-2:]
}

// maskWords keeps the first two letters of each word of a name.
func maskWords(value string) string {
	words := strings.Fields(value)
	for i, w := range words {
		if len(w) > 2 {
			words[i] = w[:2] + strings.Repeat("*", len(w)-2)
		} else {
			words[i] = "**"
		}
	}
	return strings.Join(words, " ")
}

// maskDefault keeps the first third of the value.
func maskDefault(value string) string {
	if value == "" {
		return value
	}
	keep := len(value) / 3
	if keep == 0 {
		keep = 1
	}
	return value[:keep] + strings.Repeat("*", len(value)-keep)
}
