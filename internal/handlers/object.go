package handlers

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/dicombuffer/dicombuffer/internal/buffer"
	apierr "github.com/dicombuffer/dicombuffer/internal/errors"
	"github.com/dicombuffer/dicombuffer/internal/model"
)

// Buffer is the part of the buffer engine used by the object handlers.
type Buffer interface {
	Store(ctx context.Context, obj *model.Object) buffer.Outcome
	Open(ctx context.Context, objectID string) (io.ReadCloser, int64, error)
}

// ObjectHandler serves ingestion and retrieval of single objects.
type ObjectHandler struct {
	buf           Buffer
	spoolDir      string
	maxObjectSize int64
}

// NewObjectHandler creates an ObjectHandler. Request bodies are spooled to
// spoolDir before they are stored, so a rejected object can be replayed into
// the quarantine.
func NewObjectHandler(buf Buffer, spoolDir string, maxObjectSize int64) *ObjectHandler {
	return &ObjectHandler{buf: buf, spoolDir: spoolDir, maxObjectSize: maxObjectSize}
}

// storeResult is the JSON body of a successful PUT.
type storeResult struct {
	ObjectID  string `json:"object_id"`
	PatientID string `json:"patient_id"`
	Outcome   string `json:"outcome"`
	Size      int64  `json:"size"`
}

// PutObject handles PUT /objects/{objectID}. The owner fields arrive as
// query parameters: patient_id, study_uid, study_date, modality and the
// optional name.
func (h *ObjectHandler) PutObject(w http.ResponseWriter, r *http.Request) {
	if h.buf == nil {
		writeErrorResponse(w, r, apierr.ErrInternalError)
		return
	}

	q := r.URL.Query()
	obj := &model.Object{
		ObjectID:  chi.URLParam(r, "objectID"),
		PatientID: q.Get("patient_id"),
		StudyUID:  q.Get("study_uid"),
		StudyDate: q.Get("study_date"),
		Modality:  q.Get("modality"),
		Name:      q.Get("name"),
	}
	if obj.PatientID == "" || obj.StudyUID == "" {
		writeErrorResponse(w, r, apierr.ErrMissingOwner)
		return
	}
	if h.maxObjectSize > 0 && r.ContentLength > h.maxObjectSize {
		writeErrorResponse(w, r, apierr.ErrEntityTooLarge)
		return
	}

	spool, size, err := h.spool(w, r)
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeErrorResponse(w, r, apierr.ErrEntityTooLarge)
			return
		}
		slog.Warn("PutObject spool error", "object_id", obj.ObjectID, "error", err)
		writeErrorResponse(w, r, apierr.ErrIncompleteBody)
		return
	}
	defer func() {
		spool.Close()
		os.Remove(spool.Name())
	}()
	obj.Body = spool
	if obj.Name == "" {
		obj.Name = obj.ObjectID
	}

	outcome := h.buf.Store(r.Context(), obj)
	result := storeResult{ObjectID: obj.ObjectID, PatientID: obj.PatientID, Outcome: outcome.String(), Size: size}
	switch outcome {
	case buffer.Stored:
		writeJSON(w, http.StatusCreated, result)
	case buffer.AlreadyPresent:
		writeJSON(w, http.StatusOK, result)
	case buffer.Failed:
		writeErrorResponse(w, r, apierr.ErrObjectRejected.WithExtra("object_id", obj.ObjectID))
	}
}

// spool copies the request body into a temp file and rewinds it.
func (h *ObjectHandler) spool(w http.ResponseWriter, r *http.Request) (*os.File, int64, error) {
	body := r.Body
	if h.maxObjectSize > 0 {
		body = http.MaxBytesReader(w, r.Body, h.maxObjectSize)
	}
	f, err := os.CreateTemp(h.spoolDir, "upload-*")
	if err != nil {
		return nil, 0, fmt.Errorf("creating spool file: %w", err)
	}
	n, err := io.Copy(f, body)
	if err == nil {
		_, err = f.Seek(0, io.SeekStart)
	}
	if err != nil {
		f.Close()
		os.Remove(f.Name())
		return nil, 0, err
	}
	return f, n, nil
}

// GetObject handles GET /objects/{objectID} and streams the stored file.
// A single byte range is supported.
func (h *ObjectHandler) GetObject(w http.ResponseWriter, r *http.Request) {
	if h.buf == nil {
		writeErrorResponse(w, r, apierr.ErrInternalError)
		return
	}

	objectID := chi.URLParam(r, "objectID")
	reader, size, err := h.buf.Open(r.Context(), objectID)
	if err != nil {
		if errors.Is(err, buffer.ErrNotFound) {
			writeErrorResponse(w, r, apierr.ErrNoSuchObject)
			return
		}
		// Indexed but the file is gone.
		slog.Error("GetObject open error", "object_id", objectID, "error", err)
		writeErrorResponse(w, r, apierr.ErrInternalError)
		return
	}
	defer reader.Close()

	w.Header().Set("Content-Type", "application/dicom")
	w.Header().Set("Accept-Ranges", "bytes")

	if rangeHeader := r.Header.Get("Range"); rangeHeader != "" {
		start, end, rangeErr := parseRange(rangeHeader, size)
		if rangeErr != nil {
			w.Header().Set("Content-Range", fmt.Sprintf("bytes */%d", size))
			w.WriteHeader(http.StatusRequestedRangeNotSatisfiable)
			return
		}
		if _, err := io.CopyN(io.Discard, reader, start); err != nil {
			slog.Error("GetObject discard error", "object_id", objectID, "error", err)
			writeErrorResponse(w, r, apierr.ErrInternalError)
			return
		}
		rangeLen := end - start + 1
		w.Header().Set("Content-Length", strconv.FormatInt(rangeLen, 10))
		w.Header().Set("Content-Range", fmt.Sprintf("bytes %d-%d/%d", start, end, size))
		w.WriteHeader(http.StatusPartialContent)
		io.CopyN(w, reader, rangeLen)
		return
	}

	w.Header().Set("Content-Length", strconv.FormatInt(size, 10))
	w.WriteHeader(http.StatusOK)
	io.Copy(w, reader)
}
