package export

import (
	"context"
	"crypto/md5"
	"encoding/hex"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/dicombuffer/dicombuffer/internal/model"
)

// importRequest is one request seen by the fake import service.
type importRequest struct {
	Method string
	Path   string
	Query  map[string]string
	Body   string
}

// fakeImportService records requests and answers with a fixed status.
type fakeImportService struct {
	mu       sync.Mutex
	requests []importRequest
	status   int
	body     string
}

func (f *fakeImportService) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	data, _ := io.ReadAll(r.Body)
	q := make(map[string]string)
	for k := range r.URL.Query() {
		q[k] = r.URL.Query().Get(k)
	}
	f.mu.Lock()
	f.requests = append(f.requests, importRequest{Method: r.Method, Path: r.URL.Path, Query: q, Body: string(data)})
	status, body := f.status, f.body
	f.mu.Unlock()
	if status == 0 {
		status = http.StatusOK
	}
	w.WriteHeader(status)
	io.WriteString(w, body)
}

func (f *fakeImportService) setStatus(status int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.status = status
}

func (f *fakeImportService) setBody(body string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.body = body
}

func (f *fakeImportService) seen() []importRequest {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]importRequest(nil), f.requests...)
}

func newTestClient(t *testing.T, apiKey string) (*Client, *fakeImportService) {
	t.Helper()
	svc := &fakeImportService{}
	ts := httptest.NewServer(svc)
	t.Cleanup(ts.Close)
	client, err := NewClient(ClientConfig{
		URL:            ts.URL + "/",
		APIKey:         apiKey,
		ConnectTimeout: time.Second,
		ReadTimeout:    5 * time.Second,
		TokenRetries:   2,
		RetryInterval:  time.Millisecond,
	})
	if err != nil {
		t.Fatalf("NewClient: %v", err)
	}
	return client, svc
}

func writeFile(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "00.dcm")
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestUploadFileRequest(t *testing.T) {
	tests := []struct {
		name       string
		apiKey     string
		wantMethod string
	}{
		{"without api key", "", http.MethodPost},
		{"with api key", "secret", http.MethodPut},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			client, svc := newTestClient(t, tt.apiKey)
			path := writeFile(t, "DICM-bytes")

			if got := client.UploadFile(context.Background(), path, "15"); got != model.StatusOK {
				t.Fatalf("UploadFile = %s, want OK", got)
			}
			reqs := svc.seen()
			if len(reqs) != 1 {
				t.Fatalf("got %d requests, want 1", len(reqs))
			}
			req := reqs[0]
			if req.Method != tt.wantMethod {
				t.Errorf("method = %s, want %s", req.Method, tt.wantMethod)
			}
			if req.Path != "/v1/import/file" {
				t.Errorf("path = %s", req.Path)
			}
			sum := md5.Sum([]byte("DICM-bytes"))
			if req.Query["digest"] != hex.EncodeToString(sum[:]) {
				t.Errorf("digest = %q", req.Query["digest"])
			}
			if req.Query["import_event_id"] != "15" {
				t.Errorf("import_event_id = %q", req.Query["import_event_id"])
			}
			if req.Query["apikey"] != tt.apiKey {
				t.Errorf("apikey = %q, want %q", req.Query["apikey"], tt.apiKey)
			}
			if req.Body != "DICM-bytes" {
				t.Errorf("body = %q", req.Body)
			}
		})
	}
}

func TestUploadFileStatusMapping(t *testing.T) {
	tests := []struct {
		code int
		want model.Status
	}{
		{http.StatusOK, model.StatusOK},
		{http.StatusUnprocessableEntity, model.StatusFail},
		{http.StatusInternalServerError, model.StatusRetry},
		{http.StatusCreated, model.StatusRetry},
		{http.StatusNotFound, model.StatusRetry},
	}
	for _, tt := range tests {
		t.Run(http.StatusText(tt.code), func(t *testing.T) {
			client, svc := newTestClient(t, "key")
			svc.setStatus(tt.code)
			path := writeFile(t, "x")
			if got := client.UploadFile(context.Background(), path, "1"); got != tt.want {
				t.Errorf("UploadFile with %d = %s, want %s", tt.code, got, tt.want)
			}
		})
	}
}

func TestUploadFileSkipsEmptyAndMissing(t *testing.T) {
	client, svc := newTestClient(t, "")

	empty := writeFile(t, "")
	if got := client.UploadFile(context.Background(), empty, "0"); got != model.StatusOK {
		t.Errorf("empty file = %s, want OK", got)
	}
	missing := filepath.Join(t.TempDir(), "gone.dcm")
	if got := client.UploadFile(context.Background(), missing, "0"); got != model.StatusOK {
		t.Errorf("missing file = %s, want OK", got)
	}
	if n := len(svc.seen()); n != 0 {
		t.Errorf("skipped files produced %d requests", n)
	}
}

func TestUploadFileTransportError(t *testing.T) {
	ts := httptest.NewServer(http.NotFoundHandler())
	addr := ts.URL
	ts.Close()

	client, err := NewClient(ClientConfig{URL: addr, ConnectTimeout: time.Second, ReadTimeout: time.Second})
	if err != nil {
		t.Fatal(err)
	}
	if got := client.UploadFile(context.Background(), writeFile(t, "x"), "0"); got != model.StatusRetry {
		t.Errorf("transport error = %s, want RETRY", got)
	}
}

func TestUploadFileTruncatedResponse(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		io.Copy(io.Discard, r.Body)
		w.Header().Set("Content-Length", "64")
		w.WriteHeader(http.StatusOK)
		io.WriteString(w, "short")
	}))
	t.Cleanup(ts.Close)

	client, err := NewClient(ClientConfig{URL: ts.URL, ConnectTimeout: time.Second, ReadTimeout: time.Second})
	if err != nil {
		t.Fatal(err)
	}
	if got := client.UploadFile(context.Background(), writeFile(t, "x"), "0"); got != model.StatusOK {
		t.Errorf("truncated 200 response = %s, want OK", got)
	}
}

func TestRequestToken(t *testing.T) {
	t.Run("no api key", func(t *testing.T) {
		client, svc := newTestClient(t, "")
		if got := client.RequestToken(context.Background(), "batch"); got != NoToken {
			t.Errorf("token = %q, want %q", got, NoToken)
		}
		if len(svc.seen()) != 0 {
			t.Error("event request sent without api key")
		}
	})

	t.Run("success", func(t *testing.T) {
		client, svc := newTestClient(t, "key")
		svc.setBody(`{"status":"success","import_event_id":15}`)
		if got := client.RequestToken(context.Background(), "trial batch"); got != "15" {
			t.Errorf("token = %q, want 15", got)
		}
		req := svc.seen()[0]
		if req.Method != http.MethodPut || req.Path != "/v1/import/event" {
			t.Errorf("request = %s %s", req.Method, req.Path)
		}
		if req.Query["source"] != "trial batch" || req.Query["apikey"] != "key" {
			t.Errorf("query = %v", req.Query)
		}
	})

	t.Run("no success marker", func(t *testing.T) {
		client, svc := newTestClient(t, "key")
		svc.setBody(`{"status":"error","import_event_id":15}`)
		if got := client.RequestToken(context.Background(), "x"); got != NoToken {
			t.Errorf("token = %q, want %q", got, NoToken)
		}
	})

	t.Run("error status", func(t *testing.T) {
		client, svc := newTestClient(t, "key")
		svc.setStatus(http.StatusInternalServerError)
		svc.setBody(`{"status":"success","import_event_id":15}`)
		if got := client.RequestToken(context.Background(), "x"); got != NoToken {
			t.Errorf("token = %q, want %q", got, NoToken)
		}
		if n := len(svc.seen()); n != 1 {
			t.Errorf("error response retried: %d requests", n)
		}
	})
}

func TestRequestTokenRetriesTransportErrors(t *testing.T) {
	var calls atomic.Int32
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) == 1 {
			// Drop the connection to force a transport error.
			hj, ok := w.(http.Hijacker)
			if !ok {
				t.Error("response writer cannot hijack")
				return
			}
			conn, _, _ := hj.Hijack()
			conn.Close()
			return
		}
		io.WriteString(w, `{"status":"success","import_event_id":7}`)
	}))
	defer ts.Close()

	client, err := NewClient(ClientConfig{
		URL: ts.URL, APIKey: "key", TokenRetries: 3, RetryInterval: time.Millisecond,
		ConnectTimeout: time.Second, ReadTimeout: time.Second,
	})
	if err != nil {
		t.Fatal(err)
	}
	if got := client.RequestToken(context.Background(), "x"); got != "7" {
		t.Errorf("token = %q, want 7", got)
	}
	if calls.Load() != 2 {
		t.Errorf("calls = %d, want 2", calls.Load())
	}
}

func TestParseEventID(t *testing.T) {
	tests := []struct {
		text string
		want string
	}{
		{`{"status":"success","import_event_id":15}`, "15"},
		{`{"import_event_id":204,"status":"success"}`, "204"},
		{`{"status":"success"}`, NoToken},
		{`{"status":"failure","import_event_id":3}`, NoToken},
		{``, NoToken},
	}
	for _, tt := range tests {
		if got := parseEventID(tt.text); got != tt.want {
			t.Errorf("parseEventID(%q) = %q, want %q", tt.text, got, tt.want)
		}
	}
}

func TestNewClientRequiresURL(t *testing.T) {
	if _, err := NewClient(ClientConfig{}); err == nil {
		t.Error("NewClient without URL succeeded")
	}
}
