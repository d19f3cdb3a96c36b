package vault

import (
	"database/sql"
	"errors"
	"testing"

	_ "modernc.org/sqlite"

	"github.com/veilworks/veil/internal/pii"
)

// setupVaultTestDB creates an in-memory SQLite database with the vaults table.
func setupVaultTestDB(t *testing.T) *sql.DB {
	db, err := sql.Open("sqlite", ":memory:")
	if err != nil {
		t.Fatalf("Failed to open database: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	schema := `
		CREATE TABLE IF NOT EXISTS vaults (
			id TEXT PRIMARY KEY,
			job_id TEXT NOT NULL UNIQUE,
			forward_json TEXT NOT NULL,
			reverse_json TEXT NOT NULL,
			entity_types TEXT NOT NULL DEFAULT '[]',
			total_entities INTEGER NOT NULL DEFAULT 0,
			method TEXT NOT NULL DEFAULT 'pattern',
			faker_seed INTEGER,
			created_at TEXT NOT NULL
		);
	`
	if _, err := db.Exec(schema); err != nil {
		t.Fatalf("Failed to create schema: %v", err)
	}
	return db
}

// TestPutResolve covers the basic forward and reverse lookups.
func TestPutResolve(t *testing.T) {
	v := New("v1", "job1")
	v.Put("[PHONE_1]", "555-123-4567", pii.TypePhone)

	orig, ok := v.Resolve("[PHONE_1]")
	if !ok || orig != "555-123-4567" {
		t.Errorf("Resolve = %q, %v; want original phone", orig, ok)
	}
	if _, ok := v.Resolve("[PHONE_2]"); ok {
		t.Error("Resolve should miss an unknown token")
	}

	tok, ok := v.TokenFor(pii.TypePhone, "555 123 4567")
	if !ok || tok != "[PHONE_1]" {
		t.Errorf("TokenFor with different formatting = %q, %v; want [PHONE_1]", tok, ok)
	}
}

// TestBulkResolveRoundTrip checks that masked text rehydrates to the original.
func TestBulkResolveRoundTrip(t *testing.T) {
	p, err := pii.New(pii.ModeTags, pii.Options{})
	if err != nil {
		t.Fatalf("pii.New: %v", err)
	}
	original := "contact Ana Pereira at ana@example.com or 555-123-4567"
	res, err := p.Process(original)
	if err != nil {
		t.Fatalf("Process: %v", err)
	}

	v := Build("v1", "job1", res.Mappings, 0)
	got := v.BulkResolve(res.MaskedText)
	if got != original {
		t.Errorf("round trip failed:\n masked: %q\n    got: %q\n   want: %q", res.MaskedText, got, original)
	}
}

// TestBulkResolveLongestFirst ensures [PERSON_12] is never clipped by the
// [PERSON_1] substitution.
func TestBulkResolveLongestFirst(t *testing.T) {
	v := New("v1", "job1")
	v.Put("[PERSON_1]", "Ana", pii.TypePerson)
	v.Put("[PERSON_12]", "Bruno", pii.TypePerson)

	got := v.BulkResolve("[PERSON_12] met [PERSON_1]")
	if got != "Bruno met Ana" {
		t.Errorf("BulkResolve = %q, want %q", got, "Bruno met Ana")
	}
}

// TestBulkResolveBracketStripped covers model outputs that drop the brackets.
func TestBulkResolveBracketStripped(t *testing.T) {
	v := New("v1", "job1")
	v.Put("[PHONE_1]", "555-123-4567", pii.TypePhone)

	got := v.BulkResolve("the number PHONE_1 appears twice: PHONE_1 and [PHONE_1]")
	want := "the number 555-123-4567 appears twice: 555-123-4567 and 555-123-4567"
	if got != want {
		t.Errorf("BulkResolve = %q, want %q", got, want)
	}
}

// TestBulkResolveWordBoundaries ensures tokens embedded in larger words are
// left alone.
func TestBulkResolveWordBoundaries(t *testing.T) {
	v := New("v1", "job1")
	v.Put("[PHONE_1]", "555-123-4567", pii.TypePhone)

	got := v.BulkResolve("XPHONE_1 and PHONE_10 stay, PHONE_1 goes")
	want := "XPHONE_1 and PHONE_10 stay, 555-123-4567 goes"
	if got != want {
		t.Errorf("BulkResolve = %q, want %q", got, want)
	}
}

// TestBulkResolveIsPureSubstitution verifies no detection happens: values
// that look like PII but were never vaulted pass through untouched.
func TestBulkResolveIsPureSubstitution(t *testing.T) {
	v := New("v1", "job1")
	v.Put("[EMAIL_1]", "ana@example.com", pii.TypeEmail)

	in := "[EMAIL_1] wrote to bob@example.com about [EMAIL_9]"
	got := v.BulkResolve(in)
	want := "ana@example.com wrote to bob@example.com about [EMAIL_9]"
	if got != want {
		t.Errorf("BulkResolve = %q, want %q", got, want)
	}
}

// TestSaveLoad persists a vault and reads it back.
func TestSaveLoad(t *testing.T) {
	db := setupVaultTestDB(t)

	v := New("v1", "job1")
	v.FakerSeed = 99
	v.Put("[PERSON_1]", "Ana Pereira", pii.TypePerson)
	v.Put("[EMAIL_1]", "ana@example.com", pii.TypeEmail)
	v.EntityTypes = []string{"EMAIL", "PERSON"}

	if err := v.Save(db); err != nil {
		t.Fatalf("Save: %v", err)
	}

	loaded, err := Load(db, "job1")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if loaded.TotalEntities != 2 {
		t.Errorf("TotalEntities = %d, want 2", loaded.TotalEntities)
	}
	if loaded.FakerSeed != 99 {
		t.Errorf("FakerSeed = %d, want 99", loaded.FakerSeed)
	}
	if orig, ok := loaded.Resolve("[PERSON_1]"); !ok || orig != "Ana Pereira" {
		t.Errorf("loaded Resolve = %q, %v", orig, ok)
	}
	if tok, ok := loaded.TokenFor(pii.TypeEmail, "ANA@example.com"); !ok || tok != "[EMAIL_1]" {
		t.Errorf("loaded TokenFor = %q, %v", tok, ok)
	}
	if len(loaded.EntityTypes) != 2 {
		t.Errorf("EntityTypes = %v", loaded.EntityTypes)
	}
}

// TestLoadMissing returns the not-found sentinel for jobs without a vault.
func TestLoadMissing(t *testing.T) {
	db := setupVaultTestDB(t)

	_, err := Load(db, "nope")
	if !errors.Is(err, ErrNotFound) {
		t.Errorf("Load missing = %v, want ErrNotFound", err)
	}
}
