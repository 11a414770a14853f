// Package index defines the durable index of the buffer: the object table
// mapping object IDs to stored file paths, the patient table mapping patient
// IDs to patient records, and the shard counter. Every engine applies the
// mutations of one Update call atomically.
package index

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/dicombuffer/dicombuffer/internal/model"
)

// Engine names accepted by Open.
const (
	EngineSQLite = "sqlite"
	EngineBolt   = "bolt"
	EngineMemory = "memory"
)

var errReadOnly = errors.New("index: write in read-only transaction")

// Tx is a view of the index inside one transaction. Lookup misses and
// records that fail to decode are both reported as "not found"; decode
// failures are logged. A lookup that fails in the storage engine itself also
// reports a miss, and the enclosing View or Update then returns that error.
type Tx interface {
	// ObjectPath returns the stored file path of an object.
	ObjectPath(objectID string) (string, bool)
	// PutObjectPath records the stored file path of an object.
	PutObjectPath(objectID, path string) error
	// DeleteObjectPath removes an object entry. Missing entries are ignored.
	DeleteObjectPath(objectID string) error
	// ForEachObject calls fn for every object entry in object ID order.
	ForEachObject(fn func(objectID, path string) error) error

	// Patient returns a patient record. The caller owns the returned value.
	Patient(patientID string) (*model.Patient, bool)
	// PutPatient creates or replaces a patient record.
	PutPatient(p *model.Patient) error
	// DeletePatient removes a patient record. Missing entries are ignored.
	DeletePatient(patientID string) error
	// ForEachPatient calls fn for every decodable patient in patient ID order.
	ForEachPatient(fn func(*model.Patient) error) error

	// Sequence returns the last value handed out by NextSequence.
	Sequence() (uint64, error)
	// SetSequence overwrites the counter. Used when loading a dump.
	SetSequence(v uint64) error
}

// Index is a durable, transactional store of the buffer state.
type Index interface {
	io.Closer

	// View runs fn against a consistent read-only snapshot.
	View(ctx context.Context, fn func(Tx) error) error

	// Update runs fn in a read-write transaction. All mutations made by fn
	// are committed durably and atomically when fn returns nil and
	// discarded when it returns an error.
	Update(ctx context.Context, fn func(Tx) error) error

	// NextSequence durably advances the shard counter and returns the new
	// value. The first value is 1.
	NextSequence(ctx context.Context) (uint64, error)
}

// Open creates or opens the index of the named engine inside dir.
func Open(engine, dir string) (Index, error) {
	engine = strings.ToLower(engine)
	if engine != EngineMemory {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("creating index directory %q: %w", dir, err)
		}
	}
	switch engine {
	case EngineSQLite, "":
		return NewSQLiteIndex(filepath.Join(dir, "index.db"))
	case EngineBolt:
		return NewBoltIndex(filepath.Join(dir, "index.bolt"))
	case EngineMemory:
		return NewMemoryIndex(), nil
	default:
		return nil, fmt.Errorf("unknown index engine %q", engine)
	}
}

// nextSequence implements NextSequence on top of Update for engines without
// a native counter.
func nextSequence(ctx context.Context, idx Index) (uint64, error) {
	var next uint64
	err := idx.Update(ctx, func(tx Tx) error {
		cur, err := tx.Sequence()
		if err != nil {
			return err
		}
		next = cur + 1
		return tx.SetSequence(next)
	})
	if err != nil {
		return 0, err
	}
	return next, nil
}

func logDecodeFailure(engine, table, key string, err error) {
	slog.Warn("Skipping undecodable index record",
		"component", "index", "engine", engine, "table", table, "key", key, "error", err)
}
