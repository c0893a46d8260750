// Package transport sends dispatcher requests over HTTP with retry,
// pacing and online tracking.
package transport

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net"
	"net/http"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/fruitsalade/agavesync/internal/logging"
	"github.com/fruitsalade/agavesync/internal/metrics"
	"github.com/fruitsalade/agavesync/pkg/retry"
)

// Request is one fully built remote call.
type Request struct {
	ID     string
	TaskID string
	Method string
	URL    string
	Header http.Header
	Body   []byte

	// Upload, if set, is sent as a multipart form instead of Body.
	Upload *Upload
	// Sink, if set, receives the body of a 2xx response instead of
	// Response.Body. The transport closes it.
	Sink io.WriteCloser
}

// Upload is a streamed multipart file part.
type Upload struct {
	FieldName string
	FileName  string
	// Body is closed by the transport whether or not the request is sent.
	Body io.ReadCloser
}

// Response is the result of a Request. Err is set only for transport
// failures; HTTP error statuses arrive with Err == nil.
type Response struct {
	RequestID  string
	StatusCode int
	Body       []byte
	Written    int64
	Err        error
}

// Config holds transport configuration.
type Config struct {
	Timeout           time.Duration
	Retry             retry.Config
	RequestsPerSecond float64 // 0 = unlimited
	Burst             int
	UserAgent         string
}

// HTTP is the production transport.
type HTTP struct {
	httpClient *http.Client
	retry      retry.Config
	limiter    *rate.Limiter
	userAgent  string
	log        *zap.Logger

	mu     sync.RWMutex
	online bool
}

type statusError struct {
	code int
}

func (e statusError) Error() string {
	return fmt.Sprintf("server returned %d", e.code)
}

// New creates a new HTTP transport.
func New(cfg Config) *HTTP {
	if cfg.Timeout == 0 {
		cfg.Timeout = 60 * time.Second
	}
	if cfg.Retry.MaxAttempts == 0 {
		cfg.Retry = retry.DefaultConfig()
	}
	limit := rate.Inf
	if cfg.RequestsPerSecond > 0 {
		limit = rate.Limit(cfg.RequestsPerSecond)
	}
	if cfg.Burst <= 0 {
		cfg.Burst = 1
	}
	if cfg.UserAgent == "" {
		cfg.UserAgent = "agavesync"
	}

	return &HTTP{
		httpClient: &http.Client{
			Timeout: cfg.Timeout,
			Transport: &http.Transport{
				Proxy: http.ProxyFromEnvironment,
				DialContext: (&net.Dialer{
					Timeout:   10 * time.Second,
					KeepAlive: 30 * time.Second,
				}).DialContext,
				MaxIdleConns:        100,
				IdleConnTimeout:     90 * time.Second,
				TLSHandshakeTimeout: 10 * time.Second,
			},
		},
		retry:     cfg.Retry,
		limiter:   rate.NewLimiter(limit, cfg.Burst),
		userAgent: cfg.UserAgent,
		log:       logging.Named("transport"),
		online:    true,
	}
}

// IsOnline returns true if the last round trip reached the server.
func (h *HTTP) IsOnline() bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.online
}

func (h *HTTP) setOnline(online bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.online != online {
		if online {
			h.log.Info("Remote service is reachable again")
		} else {
			h.log.Error("Remote service is unreachable")
		}
	}
	h.online = online
	metrics.SetRemoteOnline(online)
}

// Send performs req on its own goroutine and hands the response to done.
func (h *HTTP) Send(ctx context.Context, req *Request, done func(*Response)) {
	go func() {
		done(h.Do(ctx, req))
	}()
}

// Do performs req. GET requests without an upload body are retried on
// transport errors and 5xx responses; everything else is sent once.
func (h *HTTP) Do(ctx context.Context, req *Request) *Response {
	if req.Sink != nil {
		defer req.Sink.Close()
	}

	cfg := h.retry
	if req.Method != http.MethodGet || req.Upload != nil {
		cfg = retry.Once()
	}
	cfg.OnRetry = func(attempt int, wait time.Duration, err error) {
		h.log.Debug("retrying request",
			zap.String("task", req.TaskID),
			zap.String("request_id", req.ID),
			zap.Int("attempt", attempt),
			zap.Duration("wait", wait),
			zap.Error(err))
	}

	resp, err := retry.DoWithResult(ctx, cfg, func() (*Response, error) {
		return h.attempt(ctx, req)
	})
	if resp == nil {
		resp = &Response{RequestID: req.ID}
	}
	var se statusError
	if err != nil && !errors.As(err, &se) {
		resp.Err = err
	}
	return resp
}

func (h *HTTP) attempt(ctx context.Context, req *Request) (*Response, error) {
	if err := h.limiter.Wait(ctx); err != nil {
		closeUpload(req)
		return nil, err
	}

	var body io.Reader
	if req.Upload == nil && req.Body != nil {
		body = bytes.NewReader(req.Body)
	}
	httpReq, err := http.NewRequestWithContext(ctx, req.Method, req.URL, body)
	if err != nil {
		closeUpload(req)
		return nil, fmt.Errorf("build request: %w", err)
	}
	for k, vs := range req.Header {
		for _, v := range vs {
			httpReq.Header.Add(k, v)
		}
	}
	// The pipe goroutine owns the upload body from here on.
	if req.Upload != nil {
		pr, contentType := multipartBody(req.Upload)
		httpReq.Body = pr
		httpReq.Header.Set("Content-Type", contentType)
	}
	httpReq.Header.Set("User-Agent", h.userAgent)

	h.log.Debug("sending request",
		zap.String("task", req.TaskID),
		zap.String("request_id", req.ID),
		zap.String("method", req.Method),
		zap.String("url", req.URL))

	httpResp, err := h.httpClient.Do(httpReq)
	if err != nil {
		h.setOnline(false)
		return &Response{RequestID: req.ID, Err: err}, retry.Retryable(err)
	}
	defer httpResp.Body.Close()
	h.setOnline(true)

	resp := &Response{RequestID: req.ID, StatusCode: httpResp.StatusCode}

	if httpResp.StatusCode >= 500 {
		resp.Body, _ = io.ReadAll(httpResp.Body)
		return resp, retry.Retryable(statusError{code: httpResp.StatusCode})
	}

	if req.Sink != nil && httpResp.StatusCode/100 == 2 {
		n, err := io.Copy(req.Sink, httpResp.Body)
		resp.Written = n
		metrics.RecordDownload(n)
		if err != nil {
			resp.Err = err
			return resp, err
		}
		return resp, nil
	}

	data, err := io.ReadAll(httpResp.Body)
	if err != nil {
		resp.Err = err
		return resp, err
	}
	resp.Body = data
	metrics.RecordDownload(int64(len(data)))
	return resp, nil
}

func closeUpload(req *Request) {
	if req.Upload != nil && req.Upload.Body != nil {
		req.Upload.Body.Close()
	}
}

// multipartBody streams up through a pipe so large files are never held in
// memory.
func multipartBody(up *Upload) (*io.PipeReader, string) {
	pr, pw := io.Pipe()
	mw := multipart.NewWriter(pw)

	field := up.FieldName
	if field == "" {
		field = "fileToUpload"
	}

	go func() {
		defer up.Body.Close()
		part, err := mw.CreateFormFile(field, up.FileName)
		if err != nil {
			pw.CloseWithError(err)
			return
		}
		n, err := io.Copy(part, up.Body)
		metrics.RecordUpload(n)
		if err != nil {
			pw.CloseWithError(err)
			return
		}
		pw.CloseWithError(mw.Close())
	}()

	return pr, mw.FormDataContentType()
}
