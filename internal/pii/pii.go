// Package pii detects and replaces personally identifiable information in
// transcript text. Detection is a regex pass over a built-in pattern set plus
// optional operator-supplied patterns; replacement depends on the configured
// mode: destructive masking, stable [CATEGORY_N] tags, or synthetic faker
// values. Tags and faker are reversible through the vault entries emitted for
// every newly seen value.
package pii

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"regexp"
	"sort"
	"strings"
)

// EntityType classifies the kind of sensitive data found.
type EntityType string

// Supported entity types for detection and pseudonymization.
const (
	TypePerson     EntityType = "PERSON"
	TypeEmail      EntityType = "EMAIL"
	TypePhone      EntityType = "PHONE"
	TypeSSN        EntityType = "SSN"
	TypeCreditCard EntityType = "CREDIT_CARD"
	TypeIPAddress  EntityType = "IP_ADDRESS"
	TypeURL        EntityType = "URL"
	TypeAPIKey     EntityType = "API_KEY"
)

// Mode selects how detected entities are replaced.
type Mode string

const (
	// ModeMasking partially redacts values in place. Irreversible: no vault
	// entries are produced and the original is not recoverable.
	ModeMasking Mode = "masking"
	// ModeTags replaces values with [CATEGORY_N] placeholders, numbered per
	// category within one job. Reversible.
	ModeTags Mode = "tags"
	// ModeFaker replaces values with type-consistent synthetic data.
	// Reversible.
	ModeFaker Mode = "faker"
)

// ErrUnsupportedMode is returned when a request names a mode outside
// {masking, tags, faker}.
var ErrUnsupportedMode = errors.New("unsupported pseudonymization mode")

// ParseMode validates a mode string from a request.
func ParseMode(s string) (Mode, error) {
	switch Mode(s) {
	case ModeMasking, ModeTags, ModeFaker:
		return Mode(s), nil
	}
	return "", fmt.Errorf("%w: %q", ErrUnsupportedMode, s)
}

// Reversible reports whether the mode emits vault entries.
func (m Mode) Reversible() bool {
	return m == ModeTags || m == ModeFaker
}

// Modes lists the supported modes with short descriptions, default first.
func Modes() []ModeInfo {
	return []ModeInfo{
		{Name: string(ModeTags), Reversible: true, Description: "semantic placeholders like [PERSON_1]; recommended for LLM analysis"},
		{Name: string(ModeMasking), Reversible: false, Description: "partial asterisk redaction; original values are not recoverable"},
		{Name: string(ModeFaker), Reversible: true, Description: "realistic synthetic values, consistent within one job"},
	}
}

// ModeInfo describes one pseudonymization mode.
type ModeInfo struct {
	Name        string `json:"name"`
	Reversible  bool   `json:"reversible"`
	Description string `json:"description"`
}

// Entity is one detected span within a single message.
type Entity struct {
	Type  EntityType
	Start int
	End   int
	Value string
}

// Mapping is one vault entry: a replacement token and the original it stands for.
type Mapping struct {
	Token    string     `json:"token"`
	Original string     `json:"original"`
	Type     EntityType `json:"type"`
}

// Result is the outcome of pseudonymizing one transcript.
type Result struct {
	MaskedText      string
	TotalMessages   int
	MessagesWithPII int
	TotalEntities   int
	Summary         map[string]int
	Mappings        []Mapping // empty for masking mode
}

// Options tunes detection beyond the built-in patterns.
type Options struct {
	AllowList      []string
	CustomPatterns []PatternSpec
	FakerSeed      int64 // 0 = derive from first processed text
}

// PatternSpec is an operator-supplied detector.
type PatternSpec struct {
	Type  string
	Regex string
}

// Pseudonymizer holds compiled patterns and per-job replacement state.
// One instance serves exactly one job: counters and the consistency map are
// job-scoped by construction. Not safe for concurrent use.
type Pseudonymizer struct {
	mode     Mode
	patterns []pattern
	allow    map[string]struct{}

	counters      map[EntityType]int
	byFingerprint map[string]string
	mappings      []Mapping
	faker         *fakeSource
}

// New creates a Pseudonymizer for one job. An unsupported mode or an invalid
// custom pattern is rejected here, before any text is processed.
func New(mode Mode, opts Options) (*Pseudonymizer, error) {
	if _, err := ParseMode(string(mode)); err != nil {
		return nil, err
	}

	p := &Pseudonymizer{
		mode:          mode,
		patterns:      builtinPatterns(),
		allow:         make(map[string]struct{}),
		counters:      make(map[EntityType]int),
		byFingerprint: make(map[string]string),
	}

	for _, v := range defaultAllowList {
		p.allow[strings.ToLower(v)] = struct{}{}
	}
	for _, v := range opts.AllowList {
		p.allow[strings.ToLower(strings.TrimSpace(v))] = struct{}{}
	}

	for _, spec := range opts.CustomPatterns {
		re, err := regexp.Compile(spec.Regex)
		if err != nil {
			return nil, fmt.Errorf("invalid custom pattern %q: %w", spec.Type, err)
		}
		p.patterns = append(p.patterns, pattern{re: re, entityType: EntityType(spec.Type)})
	}

	if mode == ModeFaker {
		p.faker = newFakeSource(opts.FakerSeed)
	}

	return p, nil
}

// FakerSeed returns the seed backing faker-mode generation, for persistence
// alongside the vault. Zero for other modes.
func (p *Pseudonymizer) FakerSeed() int64 {
	if p.faker == nil {
		return 0
	}
	return p.faker.seed
}

// Process pseudonymizes a whole transcript. Messages are lines; each line is
// detected and replaced independently so offsets never cross message
// boundaries.
func (p *Pseudonymizer) Process(text string) (*Result, error) {
	if p.mode == ModeFaker && p.faker.seed == 0 {
		p.faker.reseed(deriveSeed(text))
	}

	lines := strings.Split(text, "\n")
	res := &Result{Summary: make(map[string]int)}

	masked := make([]string, len(lines))
	for i, line := range lines {
		if strings.TrimSpace(line) == "" {
			masked[i] = line
			continue
		}
		res.TotalMessages++

		entities := p.detect(line)
		if len(entities) == 0 {
			masked[i] = line
			continue
		}
		res.MessagesWithPII++

		// Assign replacements left to right so counters follow first
		// occurrence, then apply right to left so earlier offsets stay valid.
		sort.Slice(entities, func(a, b int) bool { return entities[a].Start < entities[b].Start })
		repls := make([]string, len(entities))
		for j, e := range entities {
			res.Summary[string(e.Type)]++
			res.TotalEntities++
			repls[j] = p.replacementFor(e)
		}
		out := line
		for j := len(entities) - 1; j >= 0; j-- {
			e := entities[j]
			out = out[:e.Start] + repls[j] + out[e.End:]
		}
		masked[i] = out
	}

	res.MaskedText = strings.Join(masked, "\n")
	res.Mappings = p.mappings
	return res, nil
}

// detect runs every pattern over one message and resolves overlaps:
// longer spans win, then earlier ones. Allow-listed values are dropped.
func (p *Pseudonymizer) detect(line string) []Entity {
	var found []Entity
	for _, pat := range p.patterns {
		locs := pat.re.FindAllStringSubmatchIndex(line, -1)
		for _, loc := range locs {
			start, end := loc[0], loc[1]
			if pat.group > 0 && len(loc) > pat.group*2+1 && loc[pat.group*2] >= 0 {
				start, end = loc[pat.group*2], loc[pat.group*2+1]
			}
			if start == end {
				continue
			}
			value := line[start:end]
			if _, ok := p.allow[strings.ToLower(strings.TrimSpace(value))]; ok {
				continue
			}
			found = append(found, Entity{Type: pat.entityType, Start: start, End: end, Value: value})
		}
	}
	if len(found) <= 1 {
		return found
	}

	sort.Slice(found, func(a, b int) bool {
		la, lb := found[a].End-found[a].Start, found[b].End-found[b].Start
		if la != lb {
			return la > lb
		}
		return found[a].Start < found[b].Start
	})

	var kept []Entity
	for _, e := range found {
		overlaps := false
		for _, k := range kept {
			if e.Start < k.End && k.Start < e.End {
				overlaps = true
				break
			}
		}
		if !overlaps {
			kept = append(kept, e)
		}
	}
	return kept
}

// replacementFor returns the replacement for one entity, honoring the
// consistency invariant: the same original value within one job always yields
// the same replacement, keyed on a normalized fingerprint.
func (p *Pseudonymizer) replacementFor(e Entity) string {
	fp := Fingerprint(e.Type, e.Value)
	if r, ok := p.byFingerprint[fp]; ok {
		return r
	}

	var r string
	switch p.mode {
	case ModeMasking:
		r = maskValue(e.Type, e.Value)
	case ModeTags:
		p.counters[e.Type]++
		r = fmt.Sprintf("[%s_%d]", e.Type, p.counters[e.Type])
	case ModeFaker:
		r = p.faker.generate(e.Type)
	}

	p.byFingerprint[fp] = r
	if p.mode.Reversible() {
		p.mappings = append(p.mappings, Mapping{Token: r, Original: e.Value, Type: e.Type})
	}
	return r
}

// Fingerprint normalizes an original value for consistency lookups: digits
// only for numeric types, lowercased with collapsed whitespace otherwise.
// The type is part of the key so e.g. a 9-digit phone never collides with an
// SSN of the same digits.
func Fingerprint(t EntityType, value string) string {
	var norm string
	switch t {
	case TypePhone, TypeSSN, TypeCreditCard:
		var b strings.Builder
		for _, r := range value {
			if r >= '0' && r <= '9' {
				b.WriteRune(r)
			}
		}
		norm = b.String()
	default:
		norm = strings.Join(strings.Fields(strings.ToLower(value)), " ")
	}
	sum := sha256.Sum256([]byte(string(t) + ":" + norm))
	return hex.EncodeToString(sum[:16])
}

func deriveSeed(text string) int64 {
	sum := sha256.Sum256([]byte(text))
	var s int64
	for i := 0; i < 8; i++ {
		s = s<<8 | int64(sum[i])
	}
	if s < 0 {
		s = -s
	}
	if s == 0 {
		s = 1
	}
	return s
}
