package export

import (
	"context"
	"log/slog"
	"time"

	"github.com/dicombuffer/dicombuffer/internal/metrics"
	"github.com/dicombuffer/dicombuffer/internal/model"
)

// Buffer is the part of the buffer engine the coordinator drives.
type Buffer interface {
	GetPatient(ctx context.Context, patientID string) (*model.Patient, error)
	ListExportReady(ctx context.Context) ([]*model.Patient, error)
	Instances(ctx context.Context, p *model.Patient) ([]model.Instance, error)
	MarkForExport(ctx context.Context, patientID, comment, token string) (bool, error)
	RecordFailure(ctx context.Context, patientID, token string, status model.Status) error
	DeletePatient(ctx context.Context, exported *model.Patient) error
	ReclaimEmptyShards() (int, error)
}

// Transport transfers files to the import service.
type Transport interface {
	UploadFile(ctx context.Context, path, token string) model.Status
	RequestToken(ctx context.Context, comment string) string
}

// Options configures a Coordinator.
type Options struct {
	StartupDelay time.Duration
	PollInterval time.Duration
}

// Coordinator runs the export worker. A Coordinator without a transport
// still accepts export requests but never transfers anything.
type Coordinator struct {
	buf          Buffer
	transport    Transport
	startupDelay time.Duration
	pollInterval time.Duration
	logger       *slog.Logger
}

// NewCoordinator returns a Coordinator. transport may be nil when no import
// service is configured.
func NewCoordinator(buf Buffer, transport Transport, opts Options) *Coordinator {
	if opts.PollInterval <= 0 {
		opts.PollInterval = 10 * time.Second
	}
	if opts.StartupDelay < 0 {
		opts.StartupDelay = 0
	}
	return &Coordinator{
		buf:          buf,
		transport:    transport,
		startupDelay: opts.StartupDelay,
		pollInterval: opts.PollInterval,
		logger:       slog.With("component", "export"),
	}
}

// Enabled reports whether the worker transfers anything.
func (c *Coordinator) Enabled() bool {
	return c.transport != nil
}

// TriggerExport queues the given patients for export. Each patient gets its
// own import event, opened before the patient is marked. Unknown patient IDs
// are logged and skipped. It returns the number of patients queued.
func (c *Coordinator) TriggerExport(ctx context.Context, patientIDs []string, comment string) (int, error) {
	seen := make(map[string]bool, len(patientIDs))
	queued := 0
	for _, id := range patientIDs {
		if id == "" || seen[id] {
			continue
		}
		seen[id] = true

		if _, err := c.buf.GetPatient(ctx, id); err != nil {
			c.logger.Warn("Skipping export request", "patient_id", id, "error", err)
			continue
		}
		token := NoToken
		if c.transport != nil {
			token = c.transport.RequestToken(ctx, comment)
		}
		ok, err := c.buf.MarkForExport(ctx, id, comment, token)
		if err != nil {
			return queued, err
		}
		if ok {
			queued++
			c.logger.Info("Patient queued for export", "patient_id", id, "token", token)
		}
	}
	return queued, nil
}

// Run is the worker loop. It waits for the startup delay, then exports every
// ready patient, reclaims empty shards and sleeps for the poll interval,
// until ctx is cancelled.
func (c *Coordinator) Run(ctx context.Context) error {
	if c.transport == nil {
		c.logger.Warn("No import service configured, export worker idle")
		<-ctx.Done()
		return nil
	}

	c.logger.Info("Export worker started",
		"startup_delay", c.startupDelay, "poll_interval", c.pollInterval)
	defer c.logger.Info("Export worker stopped")

	if !sleep(ctx, c.startupDelay) {
		return nil
	}
	for {
		c.ExportOnce(ctx)
		if ctx.Err() != nil {
			return nil
		}
		if _, err := c.buf.ReclaimEmptyShards(); err != nil {
			c.logger.Warn("Shard reclamation failed", "error", err)
		}
		if !sleep(ctx, c.pollInterval) {
			return nil
		}
	}
}

// CycleResult counts the patient outcomes of one export cycle.
type CycleResult struct {
	Exported    int
	Failed      int
	Interrupted int
}

// ExportOnce exports every ready patient once. It stops early when ctx is
// cancelled; the patient in flight then stays PENDING.
func (c *Coordinator) ExportOnce(ctx context.Context) CycleResult {
	var result CycleResult
	if c.transport == nil {
		return result
	}
	start := time.Now()
	defer func() {
		metrics.ExportCycleDuration.Observe(time.Since(start).Seconds())
	}()

	patients, err := c.buf.ListExportReady(ctx)
	if err != nil {
		c.logger.Warn("Unable to list patients for export", "error", err)
		return result
	}
	for _, p := range patients {
		if ctx.Err() != nil {
			break
		}
		switch c.exportPatient(ctx, p) {
		case model.StatusOK:
			result.Exported++
		case model.StatusPending:
			result.Interrupted++
		case model.StatusRetry, model.StatusFail, model.StatusNone:
			result.Failed++
		}
	}
	if result.Exported+result.Failed > 0 {
		c.logger.Info("Export cycle finished",
			"exported", result.Exported, "failed", result.Failed, "duration", time.Since(start))
	}
	return result
}

// exportPatient transfers every instance of the snapshot p. On full success
// the transferred instances are deleted and OK returned; the first failing transfer stops the
// patient and its status is recorded. PENDING means cancellation interrupted
// the patient.
func (c *Coordinator) exportPatient(ctx context.Context, p *model.Patient) model.Status {
	// Requests and index writes already started finish under their own
	// timeouts even when ctx is cancelled.
	work := context.WithoutCancel(ctx)
	logger := c.logger.With("patient_id", p.PatientID, "token", p.SubmissionID)

	instances, err := c.buf.Instances(work, p)
	if err != nil {
		logger.Warn("Unable to resolve instances", "error", err)
		return c.fail(work, logger, p, model.StatusRetry)
	}
	for _, inst := range instances {
		if ctx.Err() != nil {
			logger.Info("Export interrupted, patient stays queued")
			return model.StatusPending
		}
		status := c.transport.UploadFile(work, inst.Path, p.SubmissionID)
		metrics.TransfersTotal.WithLabelValues(status.String()).Inc()
		if status != model.StatusOK {
			logger.Warn("Export failed", "object_id", inst.ObjectID, "path", inst.Path, "status", status.String())
			return c.fail(work, logger, p, status)
		}
	}

	if err := c.buf.DeletePatient(work, p); err != nil {
		// Index entries are gone; only file removal failed.
		logger.Warn("Patient exported with cleanup errors", "error", err)
	}
	metrics.PatientsExportedTotal.WithLabelValues(model.StatusOK.String()).Inc()
	logger.Info("Patient exported", "instances", len(instances))
	return model.StatusOK
}

func (c *Coordinator) fail(ctx context.Context, logger *slog.Logger, p *model.Patient, status model.Status) model.Status {
	metrics.PatientsExportedTotal.WithLabelValues(status.String()).Inc()
	if err := c.buf.RecordFailure(ctx, p.PatientID, p.SubmissionID, status); err != nil {
		logger.Warn("Unable to record export failure", "status", status.String(), "error", err)
	}
	return status
}

// sleep waits for d or until ctx is done. It reports whether the full
// duration elapsed.
func sleep(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return ctx.Err() == nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}
