// Package server implements the buffer's HTTP surface: object ingestion and
// retrieval plus the operator control routes.
package server

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/dicombuffer/dicombuffer/internal/buffer"
	"github.com/dicombuffer/dicombuffer/internal/config"
	"github.com/dicombuffer/dicombuffer/internal/handlers"
	"github.com/dicombuffer/dicombuffer/internal/model"

	"github.com/danielgtaylor/huma/v2"
	"github.com/danielgtaylor/huma/v2/adapters/humachi"
	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Buffer is the part of the buffer engine served over HTTP.
type Buffer interface {
	Store(ctx context.Context, obj *model.Object) buffer.Outcome
	Open(ctx context.Context, objectID string) (io.ReadCloser, int64, error)
	ListUnexported(ctx context.Context) ([]*model.Patient, error)
	StatusSummary(ctx context.Context) (buffer.Summary, error)
	ResetFailed(ctx context.Context) (int, error)
	HealthCheck(ctx context.Context) error
}

// Exporter queues patients for the export worker.
type Exporter interface {
	Enabled() bool
	TriggerExport(ctx context.Context, patientIDs []string, comment string) (int, error)
}

// Server is the buffer HTTP server.
type Server struct {
	cfg      *config.Config
	router   chi.Router
	api      huma.API
	buf      Buffer
	exporter Exporter
	spoolDir string
	object   *handlers.ObjectHandler

	mu         sync.Mutex
	httpServer *http.Server
	closed     bool
}

// HealthBody is the JSON body returned by the health check endpoint.
type HealthBody struct {
	Status string `json:"status" example:"ok" doc:"Health status"`
}

// HealthOutput is the Huma output struct for the health check endpoint.
type HealthOutput struct {
	Body HealthBody
}

// StudyView describes one study of a listed patient.
type StudyView struct {
	StudyUID  string `json:"study_uid"`
	StudyDate string `json:"study_date"`
	Modality  string `json:"modality"`
	Instances int    `json:"instances"`
}

// PatientView describes one patient in the unexported listing.
type PatientView struct {
	PatientID    string      `json:"patient_id"`
	LastModified time.Time   `json:"last_modified"`
	Studies      []StudyView `json:"studies"`
}

// PatientsOutput is the response of GET /patients.
type PatientsOutput struct {
	Body struct {
		Patients []PatientView `json:"patients" doc:"Patients not yet queued for export, oldest first"`
	}
}

// StatusOutput is the response of GET /status.
type StatusOutput struct {
	Body struct {
		buffer.Summary
		ExportEnabled bool `json:"export_enabled" doc:"Whether an import service is configured"`
	}
}

// ExportInput is the request of POST /export.
type ExportInput struct {
	Body struct {
		PatientIDs []string `json:"patient_ids" minItems:"1" doc:"Patients to queue for export"`
		Comment    string   `json:"comment,omitempty" doc:"Free text attached to the import event"`
	}
}

// ExportOutput is the response of POST /export.
type ExportOutput struct {
	Body struct {
		Queued int `json:"queued" doc:"Number of patients queued"`
	}
}

// ResetOutput is the response of POST /reset.
type ResetOutput struct {
	Body struct {
		Reset int `json:"reset" doc:"Number of failed patients returned to the unexported pool"`
	}
}

// ServerOption is a functional option for configuring the Server.
type ServerOption func(*Server)

// WithExporter sets the export coordinator behind POST /export.
func WithExporter(x Exporter) ServerOption {
	return func(s *Server) {
		s.exporter = x
	}
}

// WithSpoolDir sets the directory that holds request bodies while they are
// ingested. It defaults to the system temp directory.
func WithSpoolDir(dir string) ServerOption {
	return func(s *Server) {
		s.spoolDir = dir
	}
}

// New creates a Server over the given buffer and wires all routes on a Chi
// router with a Huma API.
func New(cfg *config.Config, buf Buffer, opts ...ServerOption) (*Server, error) {
	if buf == nil {
		return nil, errors.New("server: buffer is required")
	}
	router := chi.NewMux()

	humaConfig := huma.DefaultConfig("DICOM Buffer API", "1.0.0")
	humaConfig.DocsPath = "/docs"
	humaConfig.OpenAPIPath = "/openapi"
	api := humachi.New(router, humaConfig)

	s := &Server{
		cfg:    cfg,
		router: router,
		api:    api,
		buf:    buf,
	}
	for _, opt := range opts {
		opt(s)
	}

	s.object = handlers.NewObjectHandler(buf, s.spoolDir, cfg.Server.MaxObjectSize)
	s.registerRoutes()
	return s, nil
}

// Handler returns the router wrapped in the middleware chain:
// metricsMiddleware -> commonHeaders -> router.
func (s *Server) Handler() http.Handler {
	var handler http.Handler = s.router
	handler = commonHeaders(handler)
	if s.cfg.Observability.Metrics {
		handler = metricsMiddleware(handler)
	}
	return handler
}

// ListenAndServe starts the HTTP server on the given address.
// The http.Server is stored so it can be shut down gracefully. After
// Shutdown it returns http.ErrServerClosed without listening.
func (s *Server) ListenAndServe(addr string) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return http.ErrServerClosed
	}
	s.httpServer = &http.Server{
		Addr:              addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 30 * time.Second,
	}
	hs := s.httpServer
	s.mu.Unlock()
	return hs.ListenAndServe()
}

// Shutdown gracefully shuts down the HTTP server, waiting for in-flight
// requests to complete within the given context deadline.
func (s *Server) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	s.closed = true
	hs := s.httpServer
	s.mu.Unlock()
	if hs == nil {
		return nil
	}
	return hs.Shutdown(ctx)
}

// registerRoutes configures all routes on the Chi router.
func (s *Server) registerRoutes() {
	if s.cfg.Observability.HealthCheck {
		huma.Register(s.api, huma.Operation{
			OperationID: "get-health",
			Method:      http.MethodGet,
			Path:        "/health",
			Summary:     "Health check",
			Description: "Checks the object store and the index.",
			Tags:        []string{"System"},
		}, func(ctx context.Context, input *struct{}) (*HealthOutput, error) {
			if err := s.buf.HealthCheck(ctx); err != nil {
				return nil, huma.Error503ServiceUnavailable("buffer unavailable", err)
			}
			return &HealthOutput{Body: HealthBody{Status: "ok"}}, nil
		})

		// Huma only does one method per registration.
		s.router.Head("/health", func(w http.ResponseWriter, r *http.Request) {
			status := http.StatusOK
			if err := s.buf.HealthCheck(r.Context()); err != nil {
				status = http.StatusServiceUnavailable
			}
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(status)
		})
	}

	if s.cfg.Observability.Metrics {
		s.router.Handle("/metrics", promhttp.Handler())
	}

	huma.Register(s.api, huma.Operation{
		OperationID: "list-patients",
		Method:      http.MethodGet,
		Path:        "/patients",
		Summary:     "List unexported patients",
		Tags:        []string{"Buffer"},
	}, s.listPatients)

	huma.Register(s.api, huma.Operation{
		OperationID: "get-status",
		Method:      http.MethodGet,
		Path:        "/status",
		Summary:     "Buffer status",
		Description: "Ingestion counters and patient totals by export state.",
		Tags:        []string{"Buffer"},
	}, s.status)

	huma.Register(s.api, huma.Operation{
		OperationID:   "trigger-export",
		Method:        http.MethodPost,
		Path:          "/export",
		Summary:       "Queue patients for export",
		Tags:          []string{"Export"},
		DefaultStatus: http.StatusAccepted,
	}, s.triggerExport)

	huma.Register(s.api, huma.Operation{
		OperationID: "reset-failed",
		Method:      http.MethodPost,
		Path:        "/reset",
		Summary:     "Reset failed exports",
		Description: "Returns every patient whose export failed to the unexported pool.",
		Tags:        []string{"Export"},
	}, s.resetFailed)

	s.router.Put("/objects/{objectID}", s.object.PutObject)
	s.router.Get("/objects/{objectID}", s.object.GetObject)
}

func (s *Server) listPatients(ctx context.Context, _ *struct{}) (*PatientsOutput, error) {
	patients, err := s.buf.ListUnexported(ctx)
	if err != nil {
		return nil, huma.Error500InternalServerError("listing patients", err)
	}
	out := &PatientsOutput{}
	out.Body.Patients = make([]PatientView, 0, len(patients))
	for _, p := range patients {
		view := PatientView{
			PatientID:    p.PatientID,
			LastModified: p.LastModified,
			Studies:      make([]StudyView, 0, p.NumStudies()),
		}
		for _, st := range p.SortedStudies() {
			view.Studies = append(view.Studies, StudyView{
				StudyUID:  st.StudyUID,
				StudyDate: st.StudyDate,
				Modality:  st.Modality,
				Instances: st.NumInstances(),
			})
		}
		out.Body.Patients = append(out.Body.Patients, view)
	}
	return out, nil
}

func (s *Server) status(ctx context.Context, _ *struct{}) (*StatusOutput, error) {
	summary, err := s.buf.StatusSummary(ctx)
	if err != nil {
		return nil, huma.Error500InternalServerError("reading status", err)
	}
	out := &StatusOutput{}
	out.Body.Summary = summary
	out.Body.ExportEnabled = s.exporter != nil && s.exporter.Enabled()
	return out, nil
}

func (s *Server) triggerExport(ctx context.Context, input *ExportInput) (*ExportOutput, error) {
	if s.exporter == nil {
		return nil, huma.Error503ServiceUnavailable("export is not available")
	}
	n, err := s.exporter.TriggerExport(ctx, input.Body.PatientIDs, input.Body.Comment)
	if err != nil {
		return nil, huma.Error500InternalServerError(fmt.Sprintf("queued %d patients before failing", n), err)
	}
	out := &ExportOutput{}
	out.Body.Queued = n
	return out, nil
}

func (s *Server) resetFailed(ctx context.Context, _ *struct{}) (*ResetOutput, error) {
	n, err := s.buf.ResetFailed(ctx)
	if err != nil {
		return nil, huma.Error500InternalServerError("resetting failed patients", err)
	}
	out := &ResetOutput{}
	out.Body.Reset = n
	return out, nil
}
