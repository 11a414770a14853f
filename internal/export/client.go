// Package export pushes buffered patients to a remote import service and
// runs the background worker that drives the export state machine.
package export

import (
	"context"
	"crypto/md5"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/dicombuffer/dicombuffer/internal/model"
)

// NoToken is the submission token used when the remote side does not track
// import events or the event request failed.
const NoToken = "0"

// maxLoggedBody caps how much of an error response is logged.
const maxLoggedBody = 2048

// ClientConfig configures a Client.
type ClientConfig struct {
	// URL is the base URL of the import service.
	URL string
	// APIKey enables tracked submissions. Optional.
	APIKey         string
	ConnectTimeout time.Duration
	ReadTimeout    time.Duration
	// TokenRetries bounds the retries of an event request that failed at
	// the transport level.
	TokenRetries  int
	RetryInterval time.Duration
}

// Client speaks the import service wire protocol.
type Client struct {
	baseURL       string
	apiKey        string
	http          *http.Client
	tokenRetries  int
	retryInterval time.Duration
	logger        *slog.Logger
}

// NewClient returns a Client for the configured endpoint.
func NewClient(cfg ClientConfig) (*Client, error) {
	if cfg.URL == "" {
		return nil, errors.New("export URL is not configured")
	}
	if _, err := url.Parse(cfg.URL); err != nil {
		return nil, fmt.Errorf("parsing export URL: %w", err)
	}
	if cfg.ConnectTimeout <= 0 {
		cfg.ConnectTimeout = 20 * time.Second
	}
	if cfg.ReadTimeout <= 0 {
		cfg.ReadTimeout = 120 * time.Second
	}
	if cfg.RetryInterval <= 0 {
		cfg.RetryInterval = time.Second
	}

	transport := http.DefaultTransport.(*http.Transport).Clone()
	transport.DialContext = (&net.Dialer{
		Timeout:   cfg.ConnectTimeout,
		KeepAlive: 30 * time.Second,
	}).DialContext
	transport.TLSHandshakeTimeout = cfg.ConnectTimeout
	transport.ResponseHeaderTimeout = cfg.ReadTimeout

	return &Client{
		baseURL:       strings.TrimRight(cfg.URL, "/"),
		apiKey:        cfg.APIKey,
		http:          &http.Client{Transport: transport},
		tokenRetries:  cfg.TokenRetries,
		retryInterval: cfg.RetryInterval,
		logger:        slog.With("component", "export"),
	}, nil
}

// UploadFile transfers one stored file under the given submission token and
// maps the response to a status: OK on 200, FAIL on 422, RETRY otherwise.
// Zero-length and missing files are reported as transferred.
func (c *Client) UploadFile(ctx context.Context, path, token string) model.Status {
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			c.logger.Warn("Instance file missing, skipping", "path", path)
			return model.StatusOK
		}
		c.logger.Warn("Unable to open instance file", "path", path, "error", err)
		return model.StatusRetry
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		c.logger.Warn("Unable to stat instance file", "path", path, "error", err)
		return model.StatusRetry
	}
	if info.Size() == 0 {
		return model.StatusOK
	}

	digest, err := fileDigest(f)
	if err != nil {
		c.logger.Warn("Unable to digest instance file", "path", path, "error", err)
		return model.StatusRetry
	}

	method := http.MethodPost
	if c.apiKey != "" {
		method = http.MethodPut
	}
	req, err := http.NewRequestWithContext(ctx, method, c.fileURL(token, digest), f)
	if err != nil {
		c.logger.Warn("Unable to build export request", "path", path, "error", err)
		return model.StatusRetry
	}
	req.ContentLength = info.Size()
	req.Header.Set("Content-Type", "application/dicom")

	resp, err := c.http.Do(req)
	if err != nil {
		c.logger.Warn("Export request failed", "path", path, "error", err)
		return model.StatusRetry
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(io.LimitReader(resp.Body, maxLoggedBody))
	if err != nil {
		c.logger.Debug("Unable to read response", "path", path, "error", err)
	}
	// The remainder is drained only for connection reuse; its errors do not
	// change the outcome.
	_, _ = io.Copy(io.Discard, resp.Body)

	switch resp.StatusCode {
	case http.StatusOK:
		return model.StatusOK
	case http.StatusUnprocessableEntity:
		c.logger.Warn("Unprocessable response from import service",
			"path", path, "status", resp.StatusCode, "response", string(body))
		return model.StatusFail
	default:
		c.logger.Warn("Failure response from import service",
			"path", path, "status", resp.StatusCode, "response", string(body))
		return model.StatusRetry
	}
}

// fileDigest returns the lowercase hex MD5 of the file and rewinds it.
func fileDigest(f *os.File) (string, error) {
	h := md5.New()
	if _, err := io.Copy(h, f); err != nil {
		return "", err
	}
	if _, err := f.Seek(0, io.SeekStart); err != nil {
		return "", err
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

func (c *Client) fileURL(token, digest string) string {
	u := c.baseURL + "/v1/import/file?import_event_id=" + url.QueryEscape(token) +
		"&digest=" + digest
	if c.apiKey != "" {
		u += "&apikey=" + url.QueryEscape(c.apiKey)
	}
	return u
}

func (c *Client) eventURL(message string) string {
	u := c.baseURL + "/v1/import/event?source=" + url.QueryEscape(message)
	if c.apiKey != "" {
		u += "&apikey=" + url.QueryEscape(c.apiKey)
	}
	return u
}

// RequestToken opens an import event on the remote side, described by the
// comment, and returns its ID. Without an API key no event is tracked and
// NoToken is returned; so is it when the request fails or the answer carries
// no event ID.
func (c *Client) RequestToken(ctx context.Context, comment string) string {
	if c.apiKey == "" {
		return NoToken
	}

	var text string
	op := func() error {
		req, err := http.NewRequestWithContext(ctx, http.MethodPut, c.eventURL(comment), nil)
		if err != nil {
			return backoff.Permanent(err)
		}
		resp, err := c.http.Do(req)
		if err != nil {
			return err
		}
		defer resp.Body.Close()
		data, err := io.ReadAll(io.LimitReader(resp.Body, maxLoggedBody))
		if err != nil {
			return err
		}
		if resp.StatusCode != http.StatusOK {
			return backoff.Permanent(fmt.Errorf("import event request returned %d: %s", resp.StatusCode, data))
		}
		text = string(data)
		return nil
	}

	policy := backoff.WithContext(
		backoff.WithMaxRetries(backoff.NewConstantBackOff(c.retryInterval), uint64(max(c.tokenRetries, 0))),
		ctx,
	)
	if err := backoff.Retry(op, policy); err != nil {
		c.logger.Warn("Import event request failed", "error", err)
		return NoToken
	}
	token := parseEventID(text)
	c.logger.Debug("Import event opened", "token", token)
	return token
}

// parseEventID extracts the digits of a response such as
// {"status":"success","import_event_id":15}.
func parseEventID(text string) string {
	if !strings.Contains(text, `"status":"success"`) || !strings.Contains(text, `"import_event_id":`) {
		return NoToken
	}
	digits := strings.Map(func(r rune) rune {
		if r >= '0' && r <= '9' {
			return r
		}
		return -1
	}, text)
	if digits == "" {
		return NoToken
	}
	return digits
}
