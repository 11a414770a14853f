// Package serialization dumps the buffer index to JSON and loads it back,
// independently of the index engine.
package serialization

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"github.com/dicombuffer/dicombuffer/internal/index"
	"github.com/dicombuffer/dicombuffer/internal/model"
)

const (
	Version       = "0.1.0"
	ExportVersion = 1
)

// Table names of a dump, in load order.
const (
	TablePatients = "patients"
	TableObjects  = "objects"
	TableSequence = "sequence"
)

// AllTables lists all valid table names in load order.
var AllTables = []string{TablePatients, TableObjects, TableSequence}

// Envelope describes where and when a dump was taken.
type Envelope struct {
	Version    int    `json:"version"`
	ExportedAt string `json:"exported_at"`
	Engine     string `json:"engine,omitempty"`
	Source     string `json:"source"`
}

// ObjectRow is one entry of the object table.
type ObjectRow struct {
	ObjectID string `json:"object_id"`
	Path     string `json:"path"`
}

// Dump is the JSON document written by ExportIndex. Tables that were not
// exported are absent.
type Dump struct {
	Envelope Envelope         `json:"dicombuffer_export"`
	Patients []*model.Patient `json:"patients,omitempty"`
	Objects  []ObjectRow      `json:"objects,omitempty"`
	Sequence *uint64          `json:"sequence,omitempty"`
}

// ExportOptions configures what to export.
type ExportOptions struct {
	Tables []string
	// Engine is recorded in the envelope.
	Engine string
}

// ImportOptions configures how to import.
type ImportOptions struct {
	// Replace empties every table present in the dump before loading it.
	// Otherwise existing entries win and the counter only moves forward.
	Replace bool
}

// ImportResult holds the result of an import operation.
type ImportResult struct {
	Counts   map[string]int
	Skipped  map[string]int
	Warnings []string
}

// ValidTable reports whether name is a dump table.
func ValidTable(name string) bool {
	for _, t := range AllTables {
		if t == name {
			return true
		}
	}
	return false
}

// ExportIndex reads the requested tables from idx in one snapshot and
// returns them as indented JSON.
func ExportIndex(ctx context.Context, idx index.Index, opts *ExportOptions) (string, error) {
	if opts == nil {
		opts = &ExportOptions{Tables: AllTables}
	}
	want := make(map[string]bool, len(opts.Tables))
	for _, t := range opts.Tables {
		if !ValidTable(t) {
			return "", fmt.Errorf("invalid table name: %s", t)
		}
		want[t] = true
	}

	dump := Dump{
		Envelope: Envelope{
			Version:    ExportVersion,
			ExportedAt: time.Now().UTC().Format("2006-01-02T15:04:05.000Z"),
			Engine:     opts.Engine,
			Source:     "go/" + Version,
		},
	}

	err := idx.View(ctx, func(tx index.Tx) error {
		if want[TablePatients] {
			dump.Patients = make([]*model.Patient, 0)
			if err := tx.ForEachPatient(func(p *model.Patient) error {
				dump.Patients = append(dump.Patients, p)
				return nil
			}); err != nil {
				return fmt.Errorf("reading patients: %w", err)
			}
			sort.Slice(dump.Patients, func(i, j int) bool {
				return dump.Patients[i].PatientID < dump.Patients[j].PatientID
			})
		}
		if want[TableObjects] {
			dump.Objects = make([]ObjectRow, 0)
			if err := tx.ForEachObject(func(objectID, path string) error {
				dump.Objects = append(dump.Objects, ObjectRow{ObjectID: objectID, Path: path})
				return nil
			}); err != nil {
				return fmt.Errorf("reading objects: %w", err)
			}
			sort.Slice(dump.Objects, func(i, j int) bool {
				return dump.Objects[i].ObjectID < dump.Objects[j].ObjectID
			})
		}
		if want[TableSequence] {
			seq, err := tx.Sequence()
			if err != nil {
				return fmt.Errorf("reading sequence: %w", err)
			}
			dump.Sequence = &seq
		}
		return nil
	})
	if err != nil {
		return "", err
	}

	b, err := json.MarshalIndent(dump, "", "  ")
	if err != nil {
		return "", err
	}
	return string(b), nil
}

// ImportIndex loads a dump produced by ExportIndex into idx in a single
// transaction.
func ImportIndex(ctx context.Context, idx index.Index, data []byte, opts *ImportOptions) (*ImportResult, error) {
	if opts == nil {
		opts = &ImportOptions{}
	}

	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("parsing JSON: %w", err)
	}
	var dump Dump
	if err := json.Unmarshal(data, &dump); err != nil {
		return nil, fmt.Errorf("parsing JSON: %w", err)
	}
	if dump.Envelope.Version < 1 || dump.Envelope.Version > ExportVersion {
		return nil, fmt.Errorf("unsupported export version: %v", dump.Envelope.Version)
	}

	result := &ImportResult{
		Counts:  make(map[string]int),
		Skipped: make(map[string]int),
	}

	err := idx.Update(ctx, func(tx index.Tx) error {
		if opts.Replace {
			if err := clearTables(tx, raw); err != nil {
				return err
			}
		}

		if _, ok := raw[TablePatients]; ok {
			inserted, skipped := 0, 0
			for _, p := range dump.Patients {
				if p == nil || p.PatientID == "" {
					skipped++
					result.Warnings = append(result.Warnings, "Skipped patient without an ID")
					continue
				}
				if _, exists := tx.Patient(p.PatientID); exists && !opts.Replace {
					skipped++
					continue
				}
				if p.Studies == nil {
					p.Studies = make(map[string]*model.Study)
				}
				if err := tx.PutPatient(p); err != nil {
					return fmt.Errorf("writing patient %q: %w", p.PatientID, err)
				}
				inserted++
			}
			result.Counts[TablePatients] = inserted
			result.Skipped[TablePatients] = skipped
		}

		if _, ok := raw[TableObjects]; ok {
			inserted, skipped := 0, 0
			for _, row := range dump.Objects {
				if row.ObjectID == "" || row.Path == "" {
					skipped++
					result.Warnings = append(result.Warnings,
						fmt.Sprintf("Skipped object row '%s': missing ID or path", row.ObjectID))
					continue
				}
				if _, exists := tx.ObjectPath(row.ObjectID); exists && !opts.Replace {
					skipped++
					continue
				}
				if err := tx.PutObjectPath(row.ObjectID, row.Path); err != nil {
					return fmt.Errorf("writing object %q: %w", row.ObjectID, err)
				}
				inserted++
			}
			result.Counts[TableObjects] = inserted
			result.Skipped[TableObjects] = skipped
		}

		if dump.Sequence != nil {
			cur, err := tx.Sequence()
			if err != nil {
				return err
			}
			if opts.Replace || *dump.Sequence > cur {
				if err := tx.SetSequence(*dump.Sequence); err != nil {
					return err
				}
				result.Counts[TableSequence] = 1
			} else {
				result.Skipped[TableSequence] = 1
				result.Warnings = append(result.Warnings,
					fmt.Sprintf("Kept sequence %d, dump has %d", cur, *dump.Sequence))
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

// clearTables empties the tables present in the dump.
func clearTables(tx index.Tx, raw map[string]json.RawMessage) error {
	if _, ok := raw[TablePatients]; ok {
		var ids []string
		if err := tx.ForEachPatient(func(p *model.Patient) error {
			ids = append(ids, p.PatientID)
			return nil
		}); err != nil {
			return err
		}
		for _, id := range ids {
			if err := tx.DeletePatient(id); err != nil {
				return fmt.Errorf("deleting patient %q: %w", id, err)
			}
		}
	}
	if _, ok := raw[TableObjects]; ok {
		var ids []string
		if err := tx.ForEachObject(func(objectID, _ string) error {
			ids = append(ids, objectID)
			return nil
		}); err != nil {
			return err
		}
		for _, id := range ids {
			if err := tx.DeleteObjectPath(id); err != nil {
				return fmt.Errorf("deleting object %q: %w", id, err)
			}
		}
	}
	return nil
}
