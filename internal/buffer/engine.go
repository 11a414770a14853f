// Package buffer implements the indexed object buffer: objects are written to
// a sharded file tree and indexed by object ID and by owning patient. Every
// operation runs under one mutex, so listings never observe a half-applied
// update and the export worker never races with ingestion.
package buffer

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/dicombuffer/dicombuffer/internal/index"
	"github.com/dicombuffer/dicombuffer/internal/metrics"
	"github.com/dicombuffer/dicombuffer/internal/model"
	"github.com/dicombuffer/dicombuffer/internal/shard"
	"github.com/dicombuffer/dicombuffer/internal/storage"
)

// ErrNotFound is returned when an object or patient is not in the index.
var ErrNotFound = errors.New("not found")

// Outcome is the result of a Store call.
type Outcome int

const (
	// Stored means a new object was written and indexed.
	Stored Outcome = iota
	// AlreadyPresent means the object ID was known; its file was rewritten
	// in place.
	AlreadyPresent
	// Failed means the object was rejected and handed to the quarantine.
	Failed
)

func (o Outcome) String() string {
	switch o {
	case Stored:
		return "stored"
	case AlreadyPresent:
		return "already_present"
	case Failed:
		return "failed"
	}
	return fmt.Sprintf("Outcome(%d)", int(o))
}

// Quarantine receives objects that could not be stored.
type Quarantine interface {
	Quarantine(ctx context.Context, obj *model.Object, cause error) error
}

// Options configures an Engine.
type Options struct {
	// Extension is appended to every stored file name. Defaults to ".dcm".
	Extension string
	// Quarantine receives rejected objects. Optional.
	Quarantine Quarantine
	// Now returns the current time. Defaults to time.Now.
	Now func() time.Time
}

// Engine is the buffer façade over the durable index, the shard allocator
// and the file store.
type Engine struct {
	mu sync.Mutex

	idx        index.Index
	alloc      *shard.Allocator
	files      storage.Backend
	quarantine Quarantine
	now        func() time.Time
	logger     *slog.Logger

	received      uint64
	accepted      uint64
	lastStored    string
	lastStoredAt  time.Time
	lastStoredObj string
}

// New creates an Engine. The engine takes ownership of idx and closes it in
// Close.
func New(idx index.Index, files storage.Backend, opts Options) *Engine {
	ext := opts.Extension
	if ext == "" {
		ext = ".dcm"
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	return &Engine{
		idx:        idx,
		alloc:      shard.NewAllocator(idx, ext),
		files:      files,
		quarantine: opts.Quarantine,
		now:        now,
		logger:     slog.With("component", "buffer"),
	}
}

// Store writes the object to the shard tree and indexes it under its
// patient and study. A known object ID reuses its existing path. Failures
// never escape as errors: the object is quarantined and Failed is returned.
func (e *Engine) Store(ctx context.Context, obj *model.Object) Outcome {
	e.mu.Lock()
	defer e.mu.Unlock()

	e.received++
	if err := obj.Validate(); err != nil {
		return e.reject(ctx, obj, err)
	}

	var (
		rel   string
		known bool
	)
	err := e.idx.View(ctx, func(tx index.Tx) error {
		rel, known = tx.ObjectPath(obj.ObjectID)
		return nil
	})
	if err != nil {
		return e.reject(ctx, obj, fmt.Errorf("looking up object: %w", err))
	}
	if !known {
		// The counter is committed before the write; a failed write leaves
		// a gap, never a reused path.
		rel, err = e.alloc.Allocate(ctx)
		if err != nil {
			return e.reject(ctx, obj, err)
		}
	}

	n, err := e.files.Write(ctx, rel, obj.Body)
	if err != nil {
		return e.reject(ctx, obj, err)
	}

	now := e.now()
	err = e.idx.Update(ctx, func(tx index.Tx) error {
		p, ok := tx.Patient(obj.PatientID)
		if !ok {
			p = model.NewPatient(obj.PatientID)
		}
		p.AddInstance(obj, now)
		if err := tx.PutPatient(p); err != nil {
			return err
		}
		return tx.PutObjectPath(obj.ObjectID, rel)
	})
	if err != nil {
		if !known {
			if rmErr := e.files.Remove(rel); rmErr != nil {
				e.logger.Warn("Failed to remove unindexed file", "path", rel, "error", rmErr)
			}
		}
		return e.reject(ctx, obj, fmt.Errorf("updating index: %w", err))
	}

	e.accepted++
	e.lastStored = e.files.Path(rel)
	e.lastStoredObj = obj.ObjectID
	e.lastStoredAt = now
	metrics.BytesStoredTotal.Add(float64(n))

	outcome := Stored
	if known {
		outcome = AlreadyPresent
	}
	metrics.ObjectsStoredTotal.WithLabelValues(outcome.String()).Inc()
	e.logger.Debug("Object stored",
		"object_id", obj.ObjectID, "patient_id", obj.PatientID, "path", rel, "outcome", outcome.String())
	return outcome
}

// reject hands the object to the quarantine. Called with e.mu held.
func (e *Engine) reject(ctx context.Context, obj *model.Object, cause error) Outcome {
	metrics.ObjectsStoredTotal.WithLabelValues(Failed.String()).Inc()
	e.logger.Warn("Object rejected", "object_id", obj.ObjectID, "name", obj.Name, "error", cause)
	if e.quarantine == nil {
		return Failed
	}
	if err := e.quarantine.Quarantine(ctx, obj, cause); err != nil {
		e.logger.Error("Quarantine failed", "object_id", obj.ObjectID, "error", err)
	}
	return Failed
}

// GetPath returns the absolute path of a stored object.
func (e *Engine) GetPath(ctx context.Context, objectID string) (string, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	var (
		rel string
		ok  bool
	)
	err := e.idx.View(ctx, func(tx index.Tx) error {
		rel, ok = tx.ObjectPath(objectID)
		return nil
	})
	if err != nil {
		return "", err
	}
	if !ok {
		return "", fmt.Errorf("object %q: %w", objectID, ErrNotFound)
	}
	return e.files.Path(rel), nil
}

// Open opens a stored object for reading.
func (e *Engine) Open(ctx context.Context, objectID string) (io.ReadCloser, int64, error) {
	path, err := e.GetPath(ctx, objectID)
	if err != nil {
		return nil, 0, err
	}
	return e.files.Open(path)
}

// GetPatient returns a copy of the patient record.
func (e *Engine) GetPatient(ctx context.Context, patientID string) (*model.Patient, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	var (
		p  *model.Patient
		ok bool
	)
	err := e.idx.View(ctx, func(tx index.Tx) error {
		p, ok = tx.Patient(patientID)
		return nil
	})
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, fmt.Errorf("patient %q: %w", patientID, ErrNotFound)
	}
	return p, nil
}

// PutPatient replaces the patient record.
func (e *Engine) PutPatient(ctx context.Context, p *model.Patient) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	return e.idx.Update(ctx, func(tx index.Tx) error {
		return tx.PutPatient(p)
	})
}

// DeletePatient removes the instances of the exported snapshot from the
// index in one commit, then deletes their files. Instances stored after the
// snapshot was taken stay in the buffer: the patient record is kept with
// just those and, unless the patient was queued again meanwhile, returns to
// NONE. The record is removed once no instance is left. File removal
// failures are logged and returned joined; the index entries stay removed.
func (e *Engine) DeletePatient(ctx context.Context, exported *model.Patient) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	patientID := exported.PatientID
	type stored struct{ objectID, rel string }
	var (
		files []stored
		kept  int
	)
	err := e.idx.Update(ctx, func(tx index.Tx) error {
		files = files[:0]
		p, ok := tx.Patient(patientID)
		if !ok {
			return fmt.Errorf("patient %q: %w", patientID, ErrNotFound)
		}
		for uid, st := range exported.Studies {
			for _, objectID := range st.Instances {
				if !p.RemoveInstance(uid, objectID) {
					continue
				}
				if rel, ok := tx.ObjectPath(objectID); ok {
					files = append(files, stored{objectID, rel})
				}
				if err := tx.DeleteObjectPath(objectID); err != nil {
					return err
				}
			}
		}
		kept = p.NumInstances()
		if kept == 0 {
			return tx.DeletePatient(patientID)
		}
		if p.SubmissionID == exported.SubmissionID {
			p.Status = model.StatusNone
			p.SubmissionID = ""
		}
		return tx.PutPatient(p)
	})
	if err != nil {
		return err
	}

	var fileErrs []error
	for _, f := range files {
		if err := e.files.Remove(f.rel); err != nil {
			e.logger.Warn("Failed to delete instance file",
				"patient_id", patientID, "object_id", f.objectID, "path", f.rel, "error", err)
			fileErrs = append(fileErrs, err)
		}
	}
	if kept > 0 {
		e.logger.Info("Exported instances deleted, patient kept",
			"patient_id", patientID, "instances", len(files), "remaining", kept)
	} else {
		e.logger.Info("Patient deleted", "patient_id", patientID, "instances", len(files))
	}
	return errors.Join(fileErrs...)
}

// ListUnexported returns the idle patients, oldest modification first.
func (e *Engine) ListUnexported(ctx context.Context) ([]*model.Patient, error) {
	patients, err := e.listWhere(ctx, func(p *model.Patient) bool {
		return p.Status == model.StatusNone
	})
	if err != nil {
		return nil, err
	}
	sort.SliceStable(patients, func(i, j int) bool {
		if !patients[i].LastModified.Equal(patients[j].LastModified) {
			return patients[i].LastModified.Before(patients[j].LastModified)
		}
		return patients[i].PatientID < patients[j].PatientID
	})
	return patients, nil
}

// ListExportReady returns the patients with a submission token and status
// PENDING.
func (e *Engine) ListExportReady(ctx context.Context) ([]*model.Patient, error) {
	return e.listWhere(ctx, (*model.Patient).ReadyForExport)
}

// ListAll returns every patient in patient ID order.
func (e *Engine) ListAll(ctx context.Context) ([]*model.Patient, error) {
	return e.listWhere(ctx, func(*model.Patient) bool { return true })
}

func (e *Engine) listWhere(ctx context.Context, keep func(*model.Patient) bool) ([]*model.Patient, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	var patients []*model.Patient
	err := e.idx.View(ctx, func(tx index.Tx) error {
		return tx.ForEachPatient(func(p *model.Patient) error {
			if keep(p) {
				patients = append(patients, p)
			}
			return nil
		})
	})
	if err != nil {
		return nil, fmt.Errorf("listing patients: %w", err)
	}
	return patients, nil
}

// ResetFailed moves every patient in a failure state back to NONE and
// returns how many were reset. The submission token is cleared with it.
func (e *Engine) ResetFailed(ctx context.Context) (int, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	reset := 0
	err := e.idx.Update(ctx, func(tx index.Tx) error {
		var failed []*model.Patient
		err := tx.ForEachPatient(func(p *model.Patient) error {
			if p.Status.Resettable() {
				failed = append(failed, p)
			}
			return nil
		})
		if err != nil {
			return err
		}
		for _, p := range failed {
			p.Status = model.StatusNone
			p.SubmissionID = ""
			if err := tx.PutPatient(p); err != nil {
				return err
			}
		}
		reset = len(failed)
		return nil
	})
	if err != nil {
		return 0, err
	}
	if reset > 0 {
		e.logger.Info("Failed patients reset", "count", reset)
	}
	return reset, nil
}

// MarkForExport queues the patient for export with the given comment and
// submission token. An unknown patient ID is logged and skipped; the
// returned bool reports whether the patient was found.
func (e *Engine) MarkForExport(ctx context.Context, patientID, comment, token string) (bool, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	found := false
	err := e.idx.Update(ctx, func(tx index.Tx) error {
		p, ok := tx.Patient(patientID)
		if !ok {
			return nil
		}
		found = true
		p.Comment = comment
		p.SubmissionID = token
		p.Status = model.StatusPending
		return tx.PutPatient(p)
	})
	if err != nil {
		return false, err
	}
	if !found {
		e.logger.Warn("Export requested for unknown patient", "patient_id", patientID)
	}
	return found, nil
}

// RecordFailure stores a failure status on the patient so that it leaves
// the export queue until reset. token is the submission token the failed
// transfer used; a patient that no longer waits under that token is left
// untouched.
func (e *Engine) RecordFailure(ctx context.Context, patientID, token string, status model.Status) error {
	switch status {
	case model.StatusRetry, model.StatusFail:
	case model.StatusNone, model.StatusPending, model.StatusOK:
		return fmt.Errorf("status %s is not a failure", status)
	default:
		return fmt.Errorf("invalid status %d", uint8(status))
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	stale := false
	err := e.idx.Update(ctx, func(tx index.Tx) error {
		p, ok := tx.Patient(patientID)
		if !ok {
			return fmt.Errorf("patient %q: %w", patientID, ErrNotFound)
		}
		if p.SubmissionID != token || p.Status != model.StatusPending {
			stale = true
			return nil
		}
		p.Status = status
		return tx.PutPatient(p)
	})
	if err == nil && stale {
		e.logger.Info("Export failure superseded by a newer request",
			"patient_id", patientID, "token", token, "status", status.String())
	}
	return err
}

// Instances resolves every instance of the patient to its stored file, in
// study order. Instances missing from the object index are skipped.
func (e *Engine) Instances(ctx context.Context, p *model.Patient) ([]model.Instance, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	var instances []model.Instance
	err := e.idx.View(ctx, func(tx index.Tx) error {
		for _, st := range p.SortedStudies() {
			for _, objectID := range st.Instances {
				rel, ok := tx.ObjectPath(objectID)
				if !ok {
					e.logger.Warn("Instance missing from object index",
						"patient_id", p.PatientID, "object_id", objectID)
					continue
				}
				instances = append(instances, model.Instance{
					ObjectID: objectID,
					StudyUID: st.StudyUID,
					Path:     e.files.Path(rel),
				})
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return instances, nil
}

// ReclaimEmptyShards prunes empty shard directories. It holds the engine
// lock so no store can allocate into a directory being removed.
func (e *Engine) ReclaimEmptyShards() (int, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	n, err := shard.ReclaimEmpty(e.files.Root())
	if n > 0 {
		metrics.ShardsReclaimedTotal.Add(float64(n))
		e.logger.Debug("Empty shards reclaimed", "count", n)
	}
	return n, err
}

// HealthCheck verifies that the index and the file store are usable.
func (e *Engine) HealthCheck(ctx context.Context) error {
	if err := e.files.HealthCheck(ctx); err != nil {
		return fmt.Errorf("store: %w", err)
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if err := e.idx.View(ctx, func(index.Tx) error { return nil }); err != nil {
		return fmt.Errorf("index: %w", err)
	}
	return nil
}

// Close closes the index. The engine must not be used afterwards.
func (e *Engine) Close() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.idx.Close()
}
