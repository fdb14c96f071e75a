package store

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/marcus/taskmirror/internal/model"
)

// DeadLetter records a diff that failed permanently, keyed by canonical
// id. The status command reads these to show per-entity last errors.
type DeadLetter struct {
	CanonicalID string
	Diff        model.Diff
	Error       string
	FailedAt    time.Time
}

// RecordDeadLetter stores (or replaces) the failed diff for a canonical id.
func (s *Store) RecordDeadLetter(id string, d model.Diff, cause error) error {
	data, err := json.Marshal(d)
	if err != nil {
		return fmt.Errorf("marshal dead letter diff: %w", err)
	}
	_, err = s.conn.Exec(`
		INSERT INTO dead_letters (canonical_id, diff, error, failed_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(canonical_id) DO UPDATE SET
			diff = excluded.diff,
			error = excluded.error,
			failed_at = excluded.failed_at`,
		id, data, cause.Error(), time.Now().UTC().Format(time.RFC3339))
	if err != nil {
		return fmt.Errorf("record dead letter %s: %w", id, err)
	}
	return nil
}

// DeadLetters returns all recorded failures, most recent first.
func (s *Store) DeadLetters() ([]DeadLetter, error) {
	rows, err := s.conn.Query(`
		SELECT canonical_id, diff, error, failed_at
		FROM dead_letters ORDER BY failed_at DESC`)
	if err != nil {
		return nil, fmt.Errorf("list dead letters: %w", err)
	}
	defer rows.Close()

	var out []DeadLetter
	for rows.Next() {
		var dl DeadLetter
		var diffData []byte
		var ts string
		if err := rows.Scan(&dl.CanonicalID, &diffData, &dl.Error, &ts); err != nil {
			return nil, fmt.Errorf("scan dead letter: %w", err)
		}
		if err := json.Unmarshal(diffData, &dl.Diff); err != nil {
			return nil, fmt.Errorf("decode dead letter diff: %w", err)
		}
		if parsed, err := time.Parse(time.RFC3339, ts); err == nil {
			dl.FailedAt = parsed
		}
		out = append(out, dl)
	}
	return out, rows.Err()
}

// ClearDeadLetter drops the recorded failure for a canonical id, used when
// a later diff for the entity succeeds.
func (s *Store) ClearDeadLetter(id string) error {
	if _, err := s.conn.Exec(`DELETE FROM dead_letters WHERE canonical_id = ?`, id); err != nil {
		return fmt.Errorf("clear dead letter %s: %w", id, err)
	}
	return nil
}
