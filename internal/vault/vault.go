// Package vault holds the reversible pseudonym mappings for one processing
// job: token to original, and original fingerprint back to token. Jobs in
// masking mode have no vault at all; asking for one is a distinct error so
// callers can tell "irreversible by design" from a genuinely missing record.
package vault

import (
	"errors"
	"sort"
	"strings"
	"time"

	"github.com/veilworks/veil/internal/pii"
)

var (
	// ErrIrreversibleMode is returned when deanonymization is requested for a
	// job whose mode never produced a vault.
	ErrIrreversibleMode = errors.New("job used an irreversible pseudonymization mode")
	// ErrNotFound is returned when a vault record is absent for a job that
	// should have one.
	ErrNotFound = errors.New("vault not found")
)

// Vault is the job-scoped bidirectional mapping. Read-only after creation.
type Vault struct {
	ID            string
	JobID         string
	Method        string
	FakerSeed     int64
	TotalEntities int
	EntityTypes   []string
	CreatedAt     time.Time

	forward map[string]string // token -> original
	reverse map[string]string // fingerprint -> token
}

// New creates an empty vault for a job.
func New(id, jobID string) *Vault {
	return &Vault{
		ID:      id,
		JobID:   jobID,
		Method:  "pattern",
		forward: make(map[string]string),
		reverse: make(map[string]string),
	}
}

// Build creates a vault from the pseudonymizer's mappings.
func Build(id, jobID string, mappings []pii.Mapping, fakerSeed int64) *Vault {
	v := New(id, jobID)
	v.FakerSeed = fakerSeed
	types := make(map[string]struct{})
	for _, m := range mappings {
		v.Put(m.Token, m.Original, m.Type)
		types[string(m.Type)] = struct{}{}
	}
	v.EntityTypes = make([]string, 0, len(types))
	for t := range types {
		v.EntityTypes = append(v.EntityTypes, t)
	}
	sort.Strings(v.EntityTypes)
	return v
}

// Put records one token/original pair.
func (v *Vault) Put(token, original string, t pii.EntityType) {
	if _, ok := v.forward[token]; !ok {
		v.TotalEntities++
	}
	v.forward[token] = original
	v.reverse[pii.Fingerprint(t, original)] = token
}

// Resolve returns the original value for a token.
func (v *Vault) Resolve(token string) (string, bool) {
	orig, ok := v.forward[token]
	return orig, ok
}

// TokenFor returns the token previously assigned to an original value.
func (v *Vault) TokenFor(t pii.EntityType, original string) (string, bool) {
	tok, ok := v.reverse[pii.Fingerprint(t, original)]
	return tok, ok
}

// Len returns the number of distinct tokens.
func (v *Vault) Len() int {
	return len(v.forward)
}

// BulkResolve substitutes every known token in the text back to its original
// value. Pure substitution: no detection, only tokens recorded at write time.
// Longest tokens are replaced first so [PERSON_12] is never clipped by
// [PERSON_1], bracket-stripped variants are honored for model outputs that
// drop the brackets, and matches inside larger words are left alone.
func (v *Vault) BulkResolve(text string) string {
	if len(v.forward) == 0 || text == "" {
		return text
	}

	type sub struct {
		token    string
		original string
	}
	subs := make([]sub, 0, len(v.forward)*2)
	for tok, orig := range v.forward {
		subs = append(subs, sub{tok, orig})
		if strings.HasPrefix(tok, "[") && strings.HasSuffix(tok, "]") && len(tok) > 2 {
			subs = append(subs, sub{tok[1 : len(tok)-1], orig})
		}
	}
	sort.Slice(subs, func(a, b int) bool {
		if len(subs[a].token) != len(subs[b].token) {
			return len(subs[a].token) > len(subs[b].token)
		}
		return subs[a].token < subs[b].token
	})

	for _, s := range subs {
		text = replaceWithBoundaries(text, s.token, s.original)
	}
	return text
}

// replaceWithBoundaries replaces occurrences of token that are not embedded
// in a larger word: the byte before and after must not be [A-Za-z0-9_].
func replaceWithBoundaries(text, token, repl string) string {
	if token == "" || !strings.Contains(text, token) {
		return text
	}

	var b strings.Builder
	i := 0
	for {
		j := strings.Index(text[i:], token)
		if j < 0 {
			b.WriteString(text[i:])
			break
		}
		j += i
		end := j + len(token)
		okBefore := j == 0 || !isWordByte(text[j-1])
		okAfter := end == len(text) || !isWordByte(text[end])
		if okBefore && okAfter {
			b.WriteString(text[i:j])
			b.WriteString(repl)
			i = end
		} else {
			b.WriteString(text[i : j+1])
			i = j + 1
		}
	}
	return b.String()
}

func isWordByte(c byte) bool {
	return c == '_' ||
		(c >= '0' && c <= '9') ||
		(c >= 'a' && c <= 'z') ||
		(c >= 'A' && c <= 'Z')
}

// Info is the externally visible vault metadata. Raw mappings are never
// exposed through it.
type Info struct {
	ID            string    `json:"id"`
	JobID         string    `json:"job_id"`
	Method        string    `json:"method"`
	TotalEntities int       `json:"total_entities"`
	EntityTypes   []string  `json:"entity_types"`
	CreatedAt     time.Time `json:"created_at"`
}

// Info returns the metadata view of the vault.
func (v *Vault) Info() Info {
	return Info{
		ID:            v.ID,
		JobID:         v.JobID,
		Method:        v.Method,
		TotalEntities: v.TotalEntities,
		EntityTypes:   v.EntityTypes,
		CreatedAt:     v.CreatedAt,
	}
}
