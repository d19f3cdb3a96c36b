package vault

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// Save persists the vault. Vaults are written exactly once, at
// pseudonymization time.
func (v *Vault) Save(db *sql.DB) error {
	forward, err := json.Marshal(v.forward)
	if err != nil {
		return fmt.Errorf("marshal forward map: %w", err)
	}
	reverse, err := json.Marshal(v.reverse)
	if err != nil {
		return fmt.Errorf("marshal reverse map: %w", err)
	}
	types, err := json.Marshal(v.EntityTypes)
	if err != nil {
		return fmt.Errorf("marshal entity types: %w", err)
	}

	if v.CreatedAt.IsZero() {
		v.CreatedAt = time.Now().UTC()
	}

	_, err = db.Exec(`
		INSERT INTO vaults (id, job_id, forward_json, reverse_json, entity_types, total_entities, method, faker_seed, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, v.ID, v.JobID, string(forward), string(reverse), string(types),
		v.TotalEntities, v.Method, v.FakerSeed, v.CreatedAt.Format(time.RFC3339Nano))
	if err != nil {
		return fmt.Errorf("insert vault: %w", err)
	}
	return nil
}

// Load reads the vault for a job. Returns ErrNotFound when the job has none.
func Load(db *sql.DB, jobID string) (*Vault, error) {
	var (
		v         Vault
		forward   string
		reverse   string
		types     string
		createdAt string
	)
	err := db.QueryRow(`
		SELECT id, job_id, forward_json, reverse_json, entity_types, total_entities, method, COALESCE(faker_seed, 0), created_at
		FROM vaults WHERE job_id = ?
	`, jobID).Scan(&v.ID, &v.JobID, &forward, &reverse, &types, &v.TotalEntities, &v.Method, &v.FakerSeed, &createdAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("query vault: %w", err)
	}

	if err := json.Unmarshal([]byte(forward), &v.forward); err != nil {
		return nil, fmt.Errorf("unmarshal forward map: %w", err)
	}
	if err := json.Unmarshal([]byte(reverse), &v.reverse); err != nil {
		return nil, fmt.Errorf("unmarshal reverse map: %w", err)
	}
	if err := json.Unmarshal([]byte(types), &v.EntityTypes); err != nil {
		return nil, fmt.Errorf("unmarshal entity types: %w", err)
	}
	if t, err := time.Parse(time.RFC3339Nano, createdAt); err == nil {
		v.CreatedAt = t
	}
	return &v, nil
}

// Delete removes a job's vault. Cascades also cover this when the job row is
// deleted; this exists for explicit vault destruction.
func Delete(db *sql.DB, jobID string) error {
	if _, err := db.Exec(`DELETE FROM vaults WHERE job_id = ?`, jobID); err != nil {
		return fmt.Errorf("delete vault: %w", err)
	}
	return nil
}
