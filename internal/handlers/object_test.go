package handlers

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"

	"github.com/go-chi/chi/v5"

	"github.com/dicombuffer/dicombuffer/internal/buffer"
	"github.com/dicombuffer/dicombuffer/internal/index"
	"github.com/dicombuffer/dicombuffer/internal/storage"
)

func newTestRouter(t *testing.T, maxSize int64) (http.Handler, *buffer.Engine) {
	t.Helper()
	files, err := storage.NewLocalBackend(filepath.Join(t.TempDir(), "store"))
	if err != nil {
		t.Fatalf("NewLocalBackend: %v", err)
	}
	e := buffer.New(index.NewMemoryIndex(), files, buffer.Options{})
	t.Cleanup(func() { e.Close() })

	h := NewObjectHandler(e, t.TempDir(), maxSize)
	r := chi.NewRouter()
	r.Put("/objects/{objectID}", h.PutObject)
	r.Get("/objects/{objectID}", h.GetObject)
	return r, e
}

func do(t *testing.T, h http.Handler, req *http.Request) *httptest.ResponseRecorder {
	t.Helper()
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

const ownerQuery = "?patient_id=P1&study_uid=1.2.3&study_date=20240101&modality=CT"

func TestPutObject(t *testing.T) {
	h, e := newTestRouter(t, 0)

	rec := do(t, h, httptest.NewRequest(http.MethodPut, "/objects/1.2.3.4"+ownerQuery, strings.NewReader("DICM")))
	if rec.Code != http.StatusCreated {
		t.Fatalf("status = %d, body = %s", rec.Code, rec.Body)
	}
	var res storeResult
	if err := json.Unmarshal(rec.Body.Bytes(), &res); err != nil {
		t.Fatalf("decoding response: %v", err)
	}
	if res.Outcome != "stored" || res.Size != 4 || res.PatientID != "P1" {
		t.Errorf("result = %+v", res)
	}

	p, err := e.GetPatient(context.Background(), "P1")
	if err != nil {
		t.Fatalf("GetPatient: %v", err)
	}
	st := p.Study("1.2.3")
	if st == nil || st.Modality != "CT" || !st.HasInstance("1.2.3.4") {
		t.Errorf("study = %+v", st)
	}

	rec = do(t, h, httptest.NewRequest(http.MethodPut, "/objects/1.2.3.4"+ownerQuery, strings.NewReader("DICM")))
	if rec.Code != http.StatusOK {
		t.Errorf("re-store status = %d, want 200", rec.Code)
	}
}

func TestPutObjectMissingOwner(t *testing.T) {
	h, _ := newTestRouter(t, 0)
	rec := do(t, h, httptest.NewRequest(http.MethodPut, "/objects/1.2.3.4?study_uid=1", strings.NewReader("x")))
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), "MissingOwner") {
		t.Errorf("body = %s", rec.Body)
	}
}

func TestPutObjectTooLarge(t *testing.T) {
	h, _ := newTestRouter(t, 8)
	rec := do(t, h, httptest.NewRequest(http.MethodPut, "/objects/1.2"+ownerQuery, strings.NewReader(strings.Repeat("x", 64))))
	if rec.Code != http.StatusRequestEntityTooLarge {
		t.Errorf("status = %d, want 413", rec.Code)
	}
}

func TestGetObject(t *testing.T) {
	h, _ := newTestRouter(t, 0)
	do(t, h, httptest.NewRequest(http.MethodPut, "/objects/9.9"+ownerQuery, strings.NewReader("0123456789")))

	rec := do(t, h, httptest.NewRequest(http.MethodGet, "/objects/9.9", nil))
	if rec.Code != http.StatusOK || rec.Body.String() != "0123456789" {
		t.Fatalf("GET = %d %q", rec.Code, rec.Body)
	}
	if rec.Header().Get("Content-Length") != "10" {
		t.Errorf("Content-Length = %q", rec.Header().Get("Content-Length"))
	}

	req := httptest.NewRequest(http.MethodGet, "/objects/9.9", nil)
	req.Header.Set("Range", "bytes=2-4")
	rec = do(t, h, req)
	if rec.Code != http.StatusPartialContent || rec.Body.String() != "234" {
		t.Errorf("range GET = %d %q", rec.Code, rec.Body)
	}
	if rec.Header().Get("Content-Range") != "bytes 2-4/10" {
		t.Errorf("Content-Range = %q", rec.Header().Get("Content-Range"))
	}

	req = httptest.NewRequest(http.MethodGet, "/objects/9.9", nil)
	req.Header.Set("Range", "bytes=20-")
	if rec = do(t, h, req); rec.Code != http.StatusRequestedRangeNotSatisfiable {
		t.Errorf("unsatisfiable range = %d", rec.Code)
	}
}

func TestGetObjectNotFound(t *testing.T) {
	h, _ := newTestRouter(t, 0)
	rec := do(t, h, httptest.NewRequest(http.MethodGet, "/objects/absent", nil))
	if rec.Code != http.StatusNotFound {
		t.Errorf("status = %d, want 404", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), "NoSuchObject") {
		t.Errorf("body = %s", rec.Body)
	}
}

func TestParseRange(t *testing.T) {
	tests := []struct {
		header     string
		size       int64
		start, end int64
		wantErr    bool
	}{
		{"bytes=0-4", 10, 0, 4, false},
		{"bytes=5-", 10, 5, 9, false},
		{"bytes=-3", 10, 7, 9, false},
		{"bytes=-30", 10, 0, 9, false},
		{"bytes=8-100", 10, 8, 9, false},
		{"bytes=10-", 10, 0, 0, true},
		{"bytes=4-2", 10, 0, 0, true},
		{"bytes=0-1,3-4", 10, 0, 0, true},
		{"items=0-1", 10, 0, 0, true},
		{"bytes=0-1", 0, 0, 0, true},
	}
	for _, tt := range tests {
		t.Run(tt.header, func(t *testing.T) {
			start, end, err := parseRange(tt.header, tt.size)
			if (err != nil) != tt.wantErr {
				t.Fatalf("err = %v, wantErr %v", err, tt.wantErr)
			}
			if !tt.wantErr && (start != tt.start || end != tt.end) {
				t.Errorf("range = %d-%d, want %d-%d", start, end, tt.start, tt.end)
			}
		})
	}
}
