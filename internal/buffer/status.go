package buffer

import (
	"context"
	"time"

	"github.com/dicombuffer/dicombuffer/internal/index"
	"github.com/dicombuffer/dicombuffer/internal/metrics"
	"github.com/dicombuffer/dicombuffer/internal/model"
)

// Counts totals patients, studies and instances in one export state.
type Counts struct {
	Patients  int `json:"patients"`
	Studies   int `json:"studies"`
	Instances int `json:"instances"`
}

func (c *Counts) add(p *model.Patient) {
	c.Patients++
	c.Studies += p.NumStudies()
	c.Instances += p.NumInstances()
}

// Summary is a snapshot of the buffer counters.
type Summary struct {
	Received       uint64    `json:"received"`
	Accepted       uint64    `json:"accepted"`
	LastStoredFile string    `json:"last_stored_file,omitempty"`
	LastStoredID   string    `json:"last_stored_object_id,omitempty"`
	LastStoredAt   time.Time `json:"last_stored_at,omitzero"`
	Unqueued       Counts    `json:"unqueued"`
	Queued         Counts    `json:"queued"`
	Failed         Counts    `json:"failed"`
}

// StatusSummary counts the buffered patients by export state together with
// the ingestion counters. Patients in any state other than NONE and PENDING
// count as failed.
func (e *Engine) StatusSummary(ctx context.Context) (Summary, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	s := Summary{
		Received:       e.received,
		Accepted:       e.accepted,
		LastStoredFile: e.lastStored,
		LastStoredID:   e.lastStoredObj,
		LastStoredAt:   e.lastStoredAt,
	}
	err := e.idx.View(ctx, func(tx index.Tx) error {
		return tx.ForEachPatient(func(p *model.Patient) error {
			switch p.Status {
			case model.StatusNone:
				s.Unqueued.add(p)
			case model.StatusPending:
				s.Queued.add(p)
			case model.StatusOK, model.StatusRetry, model.StatusFail:
				s.Failed.add(p)
			}
			return nil
		})
	})
	if err != nil {
		return Summary{}, err
	}

	metrics.PatientsByState.WithLabelValues("unqueued").Set(float64(s.Unqueued.Patients))
	metrics.PatientsByState.WithLabelValues("queued").Set(float64(s.Queued.Patients))
	metrics.PatientsByState.WithLabelValues("failed").Set(float64(s.Failed.Patients))
	return s, nil
}
