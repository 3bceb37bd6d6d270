package indexer

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	// SQLite driver, registered by side effect.
	_ "github.com/mattn/go-sqlite3"

	"github.com/irisemr/devicebridge/store"
)

// mappingDB is the local SQLite state: confirmed folder mappings and
// staged unmatched tickets.
type mappingDB struct {
	db *sql.DB
}

const mappingSchema = `
CREATE TABLE IF NOT EXISTS folder_mappings (
	folder_name TEXT PRIMARY KEY,
	device_type TEXT NOT NULL DEFAULT '',
	patient_id  TEXT NOT NULL,
	linked_by   TEXT NOT NULL DEFAULT '',
	created_at  TIMESTAMP NOT NULL
);
CREATE TABLE IF NOT EXISTS unmatched_folders (
	folder_name TEXT PRIMARY KEY,
	device_type TEXT NOT NULL DEFAULT '',
	suggestions TEXT NOT NULL DEFAULT '[]',
	created_at  TIMESTAMP NOT NULL,
	expires_at  TIMESTAMP NOT NULL
);
`

func openMappingDB(path string) (*mappingDB, error) {
	var db, err = sql.Open("sqlite3", path+"?_busy_timeout=5000&_journal_mode=WAL")
	if err != nil {
		return nil, fmt.Errorf("opening mapping database %s: %w", path, err)
	}
	// SQLite serializes writers; a second connection only adds lock
	// contention.
	db.SetMaxOpenConns(1)
	if _, err = db.Exec(mappingSchema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("migrating mapping database: %w", err)
	}
	return &mappingDB{db: db}, nil
}

func (m *mappingDB) close() error { return m.db.Close() }

func (m *mappingDB) lookupMapping(ctx context.Context, folderName string) (string, error) {
	var patientID string
	var err = m.db.QueryRowContext(ctx,
		`SELECT patient_id FROM folder_mappings WHERE folder_name = ?`, folderName).
		Scan(&patientID)
	if err == sql.ErrNoRows {
		return "", nil
	} else if err != nil {
		return "", fmt.Errorf("looking up folder mapping: %w", err)
	}
	return patientID, nil
}

func (m *mappingDB) upsertMapping(ctx context.Context, folderName, deviceType, patientID, linkedBy string) error {
	var _, err = m.db.ExecContext(ctx, `
		INSERT INTO folder_mappings (folder_name, device_type, patient_id, linked_by, created_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(folder_name) DO UPDATE SET
			device_type = excluded.device_type,
			patient_id  = excluded.patient_id,
			linked_by   = excluded.linked_by`,
		folderName, deviceType, patientID, linkedBy, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("upserting folder mapping: %w", err)
	}
	return nil
}

func (m *mappingDB) stageUnmatched(ctx context.Context, folderName, deviceType string, suggestions []store.PatientCandidate, expiresAt time.Time) error {
	var encoded, err = json.Marshal(suggestions)
	if err != nil {
		return fmt.Errorf("encoding suggestions: %w", err)
	}
	_, err = m.db.ExecContext(ctx, `
		INSERT INTO unmatched_folders (folder_name, device_type, suggestions, created_at, expires_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(folder_name) DO UPDATE SET
			suggestions = excluded.suggestions,
			expires_at  = excluded.expires_at`,
		folderName, deviceType, string(encoded), time.Now().UTC(), expiresAt.UTC())
	if err != nil {
		return fmt.Errorf("staging unmatched folder: %w", err)
	}
	return nil
}

func (m *mappingDB) deleteUnmatched(ctx context.Context, folderName string) error {
	var _, err = m.db.ExecContext(ctx,
		`DELETE FROM unmatched_folders WHERE folder_name = ?`, folderName)
	if err != nil {
		return fmt.Errorf("deleting unmatched folder: %w", err)
	}
	return nil
}

// UnmatchedFolder is one staged ticket awaiting operator review.
type UnmatchedFolder struct {
	FolderName  string                   `json:"folderName"`
	DeviceType  string                   `json:"deviceType,omitempty"`
	Suggestions []store.PatientCandidate `json:"suggestions,omitempty"`
	CreatedAt   time.Time                `json:"createdAt"`
	ExpiresAt   time.Time                `json:"expiresAt"`
}

func (m *mappingDB) unmatchedFolders(ctx context.Context, now time.Time) ([]UnmatchedFolder, error) {
	if _, err := m.db.ExecContext(ctx,
		`DELETE FROM unmatched_folders WHERE expires_at <= ?`, now.UTC()); err != nil {
		return nil, fmt.Errorf("purging expired tickets: %w", err)
	}
	rows, err := m.db.QueryContext(ctx, `
		SELECT folder_name, device_type, suggestions, created_at, expires_at
		FROM unmatched_folders ORDER BY created_at ASC`)
	if err != nil {
		return nil, fmt.Errorf("reading unmatched folders: %w", err)
	}
	defer rows.Close()

	var out []UnmatchedFolder
	for rows.Next() {
		var u UnmatchedFolder
		var encoded string
		if err = rows.Scan(&u.FolderName, &u.DeviceType, &encoded, &u.CreatedAt, &u.ExpiresAt); err != nil {
			return nil, fmt.Errorf("scanning unmatched folder: %w", err)
		}
		if err = json.Unmarshal([]byte(encoded), &u.Suggestions); err != nil {
			return nil, fmt.Errorf("decoding suggestions for %s: %w", u.FolderName, err)
		}
		out = append(out, u)
	}
	return out, rows.Err()
}

func (m *mappingDB) stats(ctx context.Context, now time.Time) (*Stats, error) {
	var s Stats
	if err := m.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM folder_mappings`).Scan(&s.Mappings); err != nil {
		return nil, fmt.Errorf("counting mappings: %w", err)
	}
	if err := m.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM unmatched_folders WHERE expires_at > ?`, now.UTC()).Scan(&s.Unmatched); err != nil {
		return nil, fmt.Errorf("counting unmatched folders: %w", err)
	}
	return &s, nil
}
