// Package storetest runs an in-memory Shaman server for tests.
package storetest

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strconv"
	"sync"

	"github.com/klauspost/compress/gzip"
	"github.com/labstack/echo/v4"

	"github.com/yuya-takeyama/shaman-pack/pkg/store"
)

// Route names used with Inject and Count.
const (
	RouteRequirements = "requirements"
	RouteFileCheck    = "check"
	RouteFileStore    = "store"
	RouteCheckout     = "checkout"
)

// Server is a fake Shaman server. It behaves like the real one: the
// requirements answer leaves out stored files and repeated content, the
// file check answers 200/420/404 and uploads are verified.
type Server struct {
	*httptest.Server

	mu        sync.Mutex
	blobs     map[string][]byte
	uploading map[string]bool
	checkouts map[string][]store.FileSpec
	injected  map[string][]int
	counts    map[string]int
	uploads   []Upload
}

// Upload records one received upload request.
type Upload struct {
	Digest           string
	Size             int64
	CanDefer         bool
	OriginalFilename string
	ContentEncoding  string
}

type errorResponse struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

// New starts a server. Close it when done.
func New() *Server {
	s := &Server{
		blobs:     make(map[string][]byte),
		uploading: make(map[string]bool),
		checkouts: make(map[string][]store.FileSpec),
		injected:  make(map[string][]int),
		counts:    make(map[string]int),
	}

	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	g := e.Group("/api/v3/shaman")
	g.POST("/checkout/requirements", s.handle(RouteRequirements, s.requirements))
	g.GET("/files/:checksum/:filesize", s.handle(RouteFileCheck, s.fileCheck))
	g.POST("/files/:checksum/:filesize", s.handle(RouteFileStore, s.fileStore))
	g.POST("/checkout/create", s.handle(RouteCheckout, s.checkout))

	s.Server = httptest.NewServer(e)
	return s
}

// BaseURL is the API root to hand to the shaman client.
func (s *Server) BaseURL() string {
	return s.URL + "/api/v3"
}

func key(digest string, size int64) string {
	return fmt.Sprintf("%s/%d", digest, size)
}

// Put stores content directly.
func (s *Server) Put(content []byte) (digest string, size int64) {
	sum := sha256.Sum256(content)
	digest = hex.EncodeToString(sum[:])
	size = int64(len(content))

	s.mu.Lock()
	defer s.mu.Unlock()
	blob := make([]byte, len(content))
	copy(blob, content)
	s.blobs[key(digest, size)] = blob
	return digest, size
}

// Has reports whether the content is stored.
func (s *Server) Has(digest string, size int64) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.blobs[key(digest, size)]
	return ok
}

// MarkUploading pretends another client is uploading the content.
func (s *Server) MarkUploading(digest string, size int64, uploading bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if uploading {
		s.uploading[key(digest, size)] = true
	} else {
		delete(s.uploading, key(digest, size))
	}
}

// Inject makes the next requests to route answer with the given statuses.
func (s *Server) Inject(route string, statuses ...int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.injected[route] = append(s.injected[route], statuses...)
}

// Count returns how many requests route received.
func (s *Server) Count(route string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.counts[route]
}

// Uploads returns the received upload requests.
func (s *Server) Uploads() []Upload {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Upload(nil), s.uploads...)
}

// Checkout returns the files of a created checkout.
func (s *Server) Checkout(path string) ([]store.FileSpec, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	files, ok := s.checkouts[path]
	return files, ok
}

func (s *Server) handle(route string, next echo.HandlerFunc) echo.HandlerFunc {
	return func(c echo.Context) error {
		s.mu.Lock()
		s.counts[route]++
		var status int
		if q := s.injected[route]; len(q) > 0 {
			status = q[0]
			s.injected[route] = q[1:]
		}
		s.mu.Unlock()

		if status != 0 {
			_, _ = io.Copy(io.Discard, c.Request().Body)
			return c.JSON(status, errorResponse{Code: status, Message: "injected failure"})
		}
		return next(c)
	}
}

func (s *Server) requirements(c echo.Context) error {
	var req store.RequirementsRequest
	if err := c.Bind(&req); err != nil {
		return c.JSON(http.StatusBadRequest, errorResponse{Code: http.StatusBadRequest, Message: "invalid format"})
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	resp := store.RequirementsResponse{Files: []store.FileSpecWithStatus{}}
	seen := make(map[string]bool)
	for _, f := range req.Files {
		k := key(f.Digest, f.Size)
		if seen[k] {
			continue
		}
		seen[k] = true

		switch {
		case s.blobs[k] != nil:
			continue
		case s.uploading[k]:
			resp.Files = append(resp.Files, store.FileSpecWithStatus{FileSpec: f, Status: store.StatusInProgress})
		default:
			resp.Files = append(resp.Files, store.FileSpecWithStatus{FileSpec: f, Status: store.StatusUnknown})
		}
	}
	return c.JSON(http.StatusOK, resp)
}

func parseFileParams(c echo.Context) (string, int64, error) {
	size, err := strconv.ParseInt(c.Param("filesize"), 10, 64)
	if err != nil {
		return "", 0, err
	}
	return c.Param("checksum"), size, nil
}

func (s *Server) fileCheck(c echo.Context) error {
	digest, size, err := parseFileParams(c)
	if err != nil {
		return c.JSON(http.StatusBadRequest, errorResponse{Code: http.StatusBadRequest, Message: err.Error()})
	}

	s.mu.Lock()
	k := key(digest, size)
	stored, uploading := s.blobs[k] != nil, s.uploading[k]
	s.mu.Unlock()

	switch {
	case stored:
		return c.JSON(http.StatusOK, map[string]string{"status": string(store.StatusStored)})
	case uploading:
		return c.JSON(420, map[string]string{"status": string(store.StatusInProgress)})
	}
	return c.JSON(http.StatusNotFound, map[string]string{"status": string(store.StatusUnknown)})
}

func (s *Server) fileStore(c echo.Context) error {
	digest, size, err := parseFileParams(c)
	if err != nil {
		return c.JSON(http.StatusBadRequest, errorResponse{Code: http.StatusBadRequest, Message: err.Error()})
	}
	req := c.Request()
	canDefer, _ := strconv.ParseBool(req.Header.Get("X-Shaman-Can-Defer-Upload"))
	k := key(digest, size)

	s.mu.Lock()
	s.uploads = append(s.uploads, Upload{
		Digest:           digest,
		Size:             size,
		CanDefer:         canDefer,
		OriginalFilename: req.Header.Get("X-Shaman-Original-Filename"),
		ContentEncoding:  req.Header.Get("Content-Encoding"),
	})
	stored, uploading := s.blobs[k] != nil, s.uploading[k]
	s.mu.Unlock()

	switch {
	case stored:
		_, _ = io.Copy(io.Discard, req.Body)
		return c.NoContent(http.StatusAlreadyReported)
	case uploading && canDefer:
		_, _ = io.Copy(io.Discard, req.Body)
		return c.NoContent(http.StatusTooEarly)
	}

	body := io.Reader(req.Body)
	switch req.Header.Get("Content-Encoding") {
	case "":
	case "gzip":
		zr, err := gzip.NewReader(req.Body)
		if err != nil {
			return c.JSON(http.StatusBadRequest, errorResponse{Code: http.StatusBadRequest, Message: err.Error()})
		}
		defer zr.Close()
		body = zr
	default:
		return c.JSON(http.StatusUnsupportedMediaType, errorResponse{Code: http.StatusUnsupportedMediaType, Message: "Content-Encoding not supported"})
	}

	content, err := io.ReadAll(body)
	if err != nil {
		return c.JSON(http.StatusBadRequest, errorResponse{Code: http.StatusBadRequest, Message: err.Error()})
	}
	if int64(len(content)) != size {
		return c.JSON(http.StatusExpectationFailed, errorResponse{
			Code:    http.StatusExpectationFailed,
			Message: fmt.Sprintf("size mismatch, expected %d bytes, received %d bytes", size, len(content)),
		})
	}
	sum := sha256.Sum256(content)
	if hex.EncodeToString(sum[:]) != digest {
		return c.JSON(http.StatusExpectationFailed, errorResponse{Code: http.StatusExpectationFailed, Message: "checksum mismatch"})
	}

	s.mu.Lock()
	s.blobs[k] = content
	delete(s.uploading, k)
	s.mu.Unlock()
	return c.NoContent(http.StatusNoContent)
}

func (s *Server) checkout(c echo.Context) error {
	var req store.CheckoutRequest
	if err := c.Bind(&req); err != nil {
		return c.JSON(http.StatusBadRequest, errorResponse{Code: http.StatusBadRequest, Message: "invalid format"})
	}
	path, err := store.CleanCheckoutPath(req.CheckoutPath)
	if err != nil {
		return c.JSON(http.StatusBadRequest, errorResponse{Code: http.StatusBadRequest, Message: err.Error()})
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.checkouts[path]; exists {
		return c.JSON(http.StatusConflict, errorResponse{Code: http.StatusConflict, Message: "checkout already exists"})
	}
	for _, f := range req.Files {
		if s.blobs[key(f.Digest, f.Size)] == nil {
			return c.JSON(http.StatusFailedDependency, errorResponse{Code: http.StatusFailedDependency, Message: "file not stored: " + f.Path})
		}
	}
	s.checkouts[path] = req.Files
	return c.JSON(http.StatusOK, store.CheckoutResult{CheckoutPath: path})
}
