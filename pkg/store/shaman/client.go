// Package shaman is the store provider for a Shaman file server, the
// content-addressed store of Flamenco managers.
package shaman

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/klauspost/compress/gzip"

	"github.com/yuya-takeyama/shaman-pack/internal/logging"
	"github.com/yuya-takeyama/shaman-pack/pkg/store"
)

const (
	headerCanDefer         = "X-Shaman-Can-Defer-Upload"
	headerOriginalFilename = "X-Shaman-Original-Filename"

	// statusEnhanceYourCalm is how the file check reports an upload in progress.
	statusEnhanceYourCalm = 420
)

// Client talks to the Shaman endpoints of a Flamenco manager.
type Client struct {
	baseURL    *url.URL
	httpClient *http.Client
	header     http.Header
	compress   bool
	logger     *slog.Logger

	maxRetries int
	baseDelay  time.Duration
	maxDelay   time.Duration
}

var _ store.Store = (*Client)(nil)

// Option configures a Client.
type Option func(*Client)

// WithHTTPClient sets the HTTP client. Upload timeouts should be left to
// the request context.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.httpClient = hc }
}

// WithCompression gzips upload bodies.
func WithCompression(enabled bool) Option {
	return func(c *Client) { c.compress = enabled }
}

// WithHeader adds a header to every request, e.g. for authentication.
func WithHeader(key, value string) Option {
	return func(c *Client) { c.header.Add(key, value) }
}

// WithRetry tunes the retry policy of idempotent calls.
func WithRetry(maxRetries int, baseDelay, maxDelay time.Duration) Option {
	return func(c *Client) {
		c.maxRetries = maxRetries
		c.baseDelay = baseDelay
		c.maxDelay = maxDelay
	}
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(c *Client) { c.logger = l }
}

// New creates a client for the manager at baseURL, e.g. "http://manager:8080/api/v3".
func New(baseURL string, opts ...Option) (*Client, error) {
	u, err := url.Parse(baseURL)
	if err != nil {
		return nil, fmt.Errorf("parse base URL: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, fmt.Errorf("invalid base URL %q: scheme must be http or https", baseURL)
	}
	u.Path = strings.TrimSuffix(u.Path, "/")

	c := &Client{
		baseURL:    u,
		httpClient: http.DefaultClient,
		header:     make(http.Header),
		logger:     logging.Component("shaman"),
		maxRetries: defaultMaxRetries,
		baseDelay:  defaultBaseDelay,
		maxDelay:   defaultMaxDelay,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

func (c *Client) endpoint(parts ...string) string {
	u := *c.baseURL
	u.Path = u.Path + "/shaman/" + strings.Join(parts, "/")
	return u.String()
}

func (c *Client) newRequest(ctx context.Context, method, target string, body io.Reader) (*http.Request, error) {
	req, err := http.NewRequestWithContext(ctx, method, target, body)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	for k, vs := range c.header {
		for _, v := range vs {
			req.Header.Add(k, v)
		}
	}
	return req, nil
}

func apiError(op string, err error) error {
	var exhausted *retryExhaustedError
	if errors.As(err, &exhausted) {
		return &store.APIError{Op: op, StatusCode: exhausted.status, Body: exhausted.body, Header: exhausted.header}
	}
	return fmt.Errorf("shaman %s: %w", op, err)
}

// Requirements posts the checkout definition. The server only lists files
// it does not have; the others are reported as stored.
func (c *Client) Requirements(ctx context.Context, reqBody store.RequirementsRequest) (*store.RequirementsResponse, error) {
	payload, err := json.Marshal(reqBody)
	if err != nil {
		return nil, fmt.Errorf("marshal requirements: %w", err)
	}

	resp, err := c.doWithRetry(ctx, func() (*http.Request, error) {
		req, err := c.newRequest(ctx, http.MethodPost, c.endpoint("checkout", "requirements"), bytes.NewReader(payload))
		if err != nil {
			return nil, err
		}
		req.Header.Set("Content-Type", "application/json")
		return req, nil
	})
	if err != nil {
		return nil, apiError("requirements", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, &store.APIError{Op: "requirements", StatusCode: resp.StatusCode, Body: readErrorBody(resp), Header: resp.Header}
	}

	var out store.RequirementsResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("decode requirements response: %w", err)
	}

	// The server also lists repeated content only once, so a left-out path
	// shares the status of a listed path with the same content.
	listed := make(map[string]bool, len(out.Files))
	byContent := make(map[string]store.FileStatus, len(out.Files))
	for _, f := range out.Files {
		listed[f.Path] = true
		byContent[contentKey(f.Digest, f.Size)] = f.Status
	}
	for _, f := range reqBody.Files {
		if listed[f.Path] {
			continue
		}
		status, ok := byContent[contentKey(f.Digest, f.Size)]
		if !ok {
			status = store.StatusStored
		}
		out.Files = append(out.Files, store.FileSpecWithStatus{FileSpec: f, Status: status})
	}
	return &out, nil
}

func contentKey(digest string, size int64) string {
	return digest + "/" + strconv.FormatInt(size, 10)
}

type fileStatusResponse struct {
	Status store.FileStatus `json:"status"`
}

// FileStatus asks the server whether it has the content.
func (c *Client) FileStatus(ctx context.Context, digest string, size int64) (store.FileStatus, error) {
	target := c.endpoint("files", url.PathEscape(digest), strconv.FormatInt(size, 10))
	resp, err := c.doWithRetry(ctx, func() (*http.Request, error) {
		return c.newRequest(ctx, http.MethodGet, target, nil)
	})
	if err != nil {
		return "", apiError("file status", err)
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusOK:
		// Newer servers describe the status in the body as well.
		var body fileStatusResponse
		if err := json.NewDecoder(resp.Body).Decode(&body); err == nil && body.Status.Valid() {
			return body.Status, nil
		}
		return store.StatusStored, nil
	case statusEnhanceYourCalm:
		return store.StatusInProgress, nil
	case http.StatusNotFound:
		return store.StatusUnknown, nil
	}
	return "", &store.APIError{Op: "file status", StatusCode: resp.StatusCode, Body: readErrorBody(resp), Header: resp.Header}
}

// StoreFile uploads the content. Uploads are never retried here; the
// transfer scheduler decides what to do with a failed upload.
func (c *Client) StoreFile(ctx context.Context, upload store.UploadRequest) (store.UploadResult, error) {
	body := upload.Body
	if c.compress {
		pr, pw := io.Pipe()
		done := make(chan struct{})
		// The compressor reads the caller's body; it must be finished
		// before StoreFile returns.
		defer func() {
			pr.Close()
			<-done
		}()
		go func() {
			defer close(done)
			zw := gzip.NewWriter(pw)
			_, err := io.Copy(zw, upload.Body)
			if cerr := zw.Close(); err == nil {
				err = cerr
			}
			pw.CloseWithError(err)
		}()
		body = pr
	}

	target := c.endpoint("files", url.PathEscape(upload.Digest), strconv.FormatInt(upload.Size, 10))
	req, err := c.newRequest(ctx, http.MethodPost, target, body)
	if err != nil {
		return 0, err
	}
	req.Header.Set("Content-Type", "application/octet-stream")
	req.Header.Set(headerCanDefer, strconv.FormatBool(upload.CanDefer))
	if upload.OriginalFilename != "" {
		req.Header.Set(headerOriginalFilename, upload.OriginalFilename)
	}
	if c.compress {
		req.Header.Set("Content-Encoding", "gzip")
	} else {
		req.ContentLength = upload.Size
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return 0, fmt.Errorf("shaman store: %w", err)
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusOK, http.StatusNoContent:
		return store.Uploaded, nil
	case http.StatusAlreadyReported:
		return store.AlreadyStored, nil
	case http.StatusTooEarly:
		return 0, store.ErrTooEarly
	case http.StatusExpectationFailed:
		return 0, &store.MismatchError{Digest: upload.Digest, Size: upload.Size, Detail: strings.TrimSpace(readErrorBody(resp))}
	}
	return 0, &store.APIError{Op: "store", StatusCode: resp.StatusCode, Body: readErrorBody(resp), Header: resp.Header}
}

// Checkout asks the server to create the checkout. A checkout is not
// idempotent, so it is sent once.
func (c *Client) Checkout(ctx context.Context, checkout store.CheckoutRequest) (*store.CheckoutResult, error) {
	payload, err := json.Marshal(checkout)
	if err != nil {
		return nil, fmt.Errorf("marshal checkout: %w", err)
	}

	req, err := c.newRequest(ctx, http.MethodPost, c.endpoint("checkout", "create"), bytes.NewReader(payload))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("shaman checkout: %w", err)
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusOK:
		var out store.CheckoutResult
		if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
			return nil, fmt.Errorf("decode checkout response: %w", err)
		}
		if out.CheckoutPath == "" {
			out.CheckoutPath = checkout.CheckoutPath
		}
		return &out, nil
	case http.StatusNoContent:
		return &store.CheckoutResult{CheckoutPath: checkout.CheckoutPath}, nil
	case http.StatusFailedDependency:
		return nil, fmt.Errorf("%w: %s", store.ErrMissingFiles, strings.TrimSpace(readErrorBody(resp)))
	case http.StatusConflict:
		return nil, fmt.Errorf("%w: %s", store.ErrCheckoutExists, checkout.CheckoutPath)
	}
	return nil, &store.APIError{Op: "checkout", StatusCode: resp.StatusCode, Body: readErrorBody(resp), Header: resp.Header}
}
