package index

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/dicombuffer/dicombuffer/internal/model"

	_ "modernc.org/sqlite" // Pure-Go SQLite driver
)

const (
	// timeFormat is the ISO 8601 format used for timestamps in SQLite.
	timeFormat = "2006-01-02T15:04:05.000Z"

	shardSequence = "shard"
)

// SQLiteIndex implements Index on a single SQLite database file. Patient
// records are stored as JSON next to the columns used for listing.
type SQLiteIndex struct {
	db *sql.DB
}

// NewSQLiteIndex opens (creating if needed) the SQLite index at path.
func NewSQLiteIndex(path string) (*SQLiteIndex, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("opening SQLite index: %w", err)
	}
	// One connection serializes writers and keeps every transaction on the
	// connection that holds its locks.
	db.SetMaxOpenConns(1)

	s := &SQLiteIndex{db: db}
	if err := s.initDB(); err != nil {
		db.Close()
		return nil, fmt.Errorf("initializing SQLite index: %w", err)
	}
	return s, nil
}

// initDB applies PRAGMAs and creates the tables. Safe to call repeatedly.
func (s *SQLiteIndex) initDB() error {
	pragmas := []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA synchronous = FULL",
		"PRAGMA busy_timeout = 5000",
	}
	for _, p := range pragmas {
		if _, err := s.db.Exec(p); err != nil {
			return fmt.Errorf("executing %q: %w", p, err)
		}
	}

	schema := `
		CREATE TABLE IF NOT EXISTS schema_version (
			version    INTEGER PRIMARY KEY,
			applied_at TEXT NOT NULL
		);

		CREATE TABLE IF NOT EXISTS objects (
			object_id TEXT PRIMARY KEY,
			path      TEXT NOT NULL
		);

		CREATE TABLE IF NOT EXISTS patients (
			patient_id    TEXT PRIMARY KEY,
			status        TEXT NOT NULL DEFAULT 'NONE',
			last_modified TEXT NOT NULL,
			record        TEXT NOT NULL
		);

		CREATE INDEX IF NOT EXISTS idx_patients_status ON patients(status);

		CREATE TABLE IF NOT EXISTS sequences (
			name  TEXT PRIMARY KEY,
			value INTEGER NOT NULL
		);
	`
	if _, err := s.db.Exec(schema); err != nil {
		return fmt.Errorf("creating schema: %w", err)
	}

	_, err := s.db.Exec(
		`INSERT OR IGNORE INTO schema_version (version, applied_at) VALUES (1, ?)`,
		time.Now().UTC().Format(timeFormat),
	)
	if err != nil {
		return fmt.Errorf("inserting schema version: %w", err)
	}
	return nil
}

// Close closes the underlying database. Every committed transaction is
// already durable.
func (s *SQLiteIndex) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}

// View runs fn inside a transaction that is always rolled back.
func (s *SQLiteIndex) View(ctx context.Context, fn func(Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	defer tx.Rollback()
	stx := &sqliteTx{ctx: ctx, tx: tx}
	if err := fn(stx); err != nil {
		return err
	}
	return stx.err
}

// Update runs fn inside a transaction committed when fn succeeds.
func (s *SQLiteIndex) Update(ctx context.Context, fn func(Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	defer tx.Rollback()

	stx := &sqliteTx{ctx: ctx, tx: tx}
	if err := fn(stx); err != nil {
		return err
	}
	if stx.err != nil {
		return stx.err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("committing transaction: %w", err)
	}
	return nil
}

// NextSequence advances the shard counter in its own transaction.
func (s *SQLiteIndex) NextSequence(ctx context.Context) (uint64, error) {
	return nextSequence(ctx, s)
}

// sqliteTx keeps the first driver error hit by a lookup. Lookups report it
// as a miss and the enclosing View or Update returns it, so an Update never
// commits writes decided on a failed read.
type sqliteTx struct {
	ctx context.Context
	tx  *sql.Tx
	err error
}

func (t *sqliteTx) fail(err error) {
	if t.err == nil {
		t.err = err
	}
}

func (t *sqliteTx) ObjectPath(objectID string) (string, bool) {
	var path string
	err := t.tx.QueryRowContext(t.ctx,
		`SELECT path FROM objects WHERE object_id = ?`, objectID,
	).Scan(&path)
	if err != nil {
		if !errors.Is(err, sql.ErrNoRows) {
			t.fail(fmt.Errorf("reading object %q: %w", objectID, err))
		}
		return "", false
	}
	return path, true
}

func (t *sqliteTx) PutObjectPath(objectID, path string) error {
	_, err := t.tx.ExecContext(t.ctx,
		`INSERT OR REPLACE INTO objects (object_id, path) VALUES (?, ?)`,
		objectID, path,
	)
	if err != nil {
		return fmt.Errorf("putting object %q: %w", objectID, err)
	}
	return nil
}

func (t *sqliteTx) DeleteObjectPath(objectID string) error {
	if _, err := t.tx.ExecContext(t.ctx, `DELETE FROM objects WHERE object_id = ?`, objectID); err != nil {
		return fmt.Errorf("deleting object %q: %w", objectID, err)
	}
	return nil
}

func (t *sqliteTx) ForEachObject(fn func(objectID, path string) error) error {
	rows, err := t.tx.QueryContext(t.ctx, `SELECT object_id, path FROM objects ORDER BY object_id`)
	if err != nil {
		return fmt.Errorf("listing objects: %w", err)
	}
	type entry struct{ id, path string }
	var entries []entry
	for rows.Next() {
		var e entry
		if err := rows.Scan(&e.id, &e.path); err != nil {
			rows.Close()
			return fmt.Errorf("scanning object row: %w", err)
		}
		entries = append(entries, e)
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return fmt.Errorf("iterating object rows: %w", err)
	}
	rows.Close()

	for _, e := range entries {
		if err := fn(e.id, e.path); err != nil {
			return err
		}
	}
	return nil
}

func (t *sqliteTx) Patient(patientID string) (*model.Patient, bool) {
	var record string
	err := t.tx.QueryRowContext(t.ctx,
		`SELECT record FROM patients WHERE patient_id = ?`, patientID,
	).Scan(&record)
	if err != nil {
		if !errors.Is(err, sql.ErrNoRows) {
			t.fail(fmt.Errorf("reading patient %q: %w", patientID, err))
		}
		return nil, false
	}
	p, err := decodePatientJSON(record)
	if err != nil {
		logDecodeFailure(EngineSQLite, "patients", patientID, err)
		return nil, false
	}
	return p, true
}

func (t *sqliteTx) PutPatient(p *model.Patient) error {
	record, err := json.Marshal(p)
	if err != nil {
		return fmt.Errorf("encoding patient %q: %w", p.PatientID, err)
	}
	_, err = t.tx.ExecContext(t.ctx,
		`INSERT OR REPLACE INTO patients (patient_id, status, last_modified, record)
		 VALUES (?, ?, ?, ?)`,
		p.PatientID,
		p.Status.String(),
		p.LastModified.UTC().Format(timeFormat),
		string(record),
	)
	if err != nil {
		return fmt.Errorf("putting patient %q: %w", p.PatientID, err)
	}
	return nil
}

func (t *sqliteTx) DeletePatient(patientID string) error {
	if _, err := t.tx.ExecContext(t.ctx, `DELETE FROM patients WHERE patient_id = ?`, patientID); err != nil {
		return fmt.Errorf("deleting patient %q: %w", patientID, err)
	}
	return nil
}

func (t *sqliteTx) ForEachPatient(fn func(*model.Patient) error) error {
	rows, err := t.tx.QueryContext(t.ctx, `SELECT patient_id, record FROM patients ORDER BY patient_id`)
	if err != nil {
		return fmt.Errorf("listing patients: %w", err)
	}
	var patients []*model.Patient
	for rows.Next() {
		var id, record string
		if err := rows.Scan(&id, &record); err != nil {
			rows.Close()
			return fmt.Errorf("scanning patient row: %w", err)
		}
		p, err := decodePatientJSON(record)
		if err != nil {
			logDecodeFailure(EngineSQLite, "patients", id, err)
			continue
		}
		patients = append(patients, p)
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return fmt.Errorf("iterating patient rows: %w", err)
	}
	rows.Close()

	for _, p := range patients {
		if err := fn(p); err != nil {
			return err
		}
	}
	return nil
}

func (t *sqliteTx) Sequence() (uint64, error) {
	var v int64
	err := t.tx.QueryRowContext(t.ctx,
		`SELECT value FROM sequences WHERE name = ?`, shardSequence,
	).Scan(&v)
	if err == sql.ErrNoRows {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("reading sequence: %w", err)
	}
	return uint64(v), nil
}

func (t *sqliteTx) SetSequence(v uint64) error {
	_, err := t.tx.ExecContext(t.ctx,
		`INSERT OR REPLACE INTO sequences (name, value) VALUES (?, ?)`,
		shardSequence, int64(v),
	)
	if err != nil {
		return fmt.Errorf("writing sequence: %w", err)
	}
	return nil
}

func decodePatientJSON(record string) (*model.Patient, error) {
	var p model.Patient
	if err := json.Unmarshal([]byte(record), &p); err != nil {
		return nil, err
	}
	if p.PatientID == "" {
		return nil, fmt.Errorf("record has no patient ID")
	}
	if p.Studies == nil {
		p.Studies = make(map[string]*model.Study)
	}
	return &p, nil
}
