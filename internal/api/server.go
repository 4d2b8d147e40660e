// Package api provides the HTTP server and handlers.
package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime"
	"net/http"
	"net/url"
	"strconv"

	"go.uber.org/zap"

	"github.com/wide-ide/wide/internal/events"
	"github.com/wide-ide/wide/internal/fileops"
	"github.com/wide-ide/wide/internal/logging"
	"github.com/wide-ide/wide/internal/metrics"
	"github.com/wide-ide/wide/internal/protocol"
	"github.com/wide-ide/wide/internal/quota"
	"github.com/wide-ide/wide/internal/registry"
)

// Default request body limit.
const DefaultMaxRequestSize = 32 << 20

// Options holds transport settings.
type Options struct {
	MaxRequestSize int64
	// CORSOrigin is the Access-Control-Allow-Origin value. Empty means "*".
	CORSOrigin string
}

// Server is the HTTP server.
type Server struct {
	dispatcher  *fileops.Dispatcher
	registry    *registry.Registry
	broadcaster *events.Broadcaster
	rateLimiter *quota.RateLimiter

	maxRequestSize int64
	corsOrigin     string
}

// NewServer creates a new server. broadcaster and rateLimiter may be nil.
func NewServer(
	dispatcher *fileops.Dispatcher,
	reg *registry.Registry,
	broadcaster *events.Broadcaster,
	rateLimiter *quota.RateLimiter,
	opts Options,
) *Server {
	if opts.MaxRequestSize <= 0 {
		opts.MaxRequestSize = DefaultMaxRequestSize
	}
	if opts.CORSOrigin == "" {
		opts.CORSOrigin = "*"
	}
	return &Server{
		dispatcher:     dispatcher,
		registry:       reg,
		broadcaster:    broadcaster,
		rateLimiter:    rateLimiter,
		maxRequestSize: opts.MaxRequestSize,
		corsOrigin:     opts.CORSOrigin,
	}
}

// Handler returns the HTTP handler with all routes and middleware.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /health", s.handleHealth)
	mux.HandleFunc("GET /events", s.handleEvents)
	mux.Handle("POST /{$}", quota.RateLimitMiddleware(s.rateLimiter)(http.HandlerFunc(s.handleAction)))

	return metrics.Middleware(logging.Middleware(s.cors(mux)))
}

// cors answers preflight requests and tags every response.
func (s *Server) cors(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		h := w.Header()
		h.Set("Access-Control-Allow-Origin", s.corsOrigin)
		if s.corsOrigin != "*" {
			h.Add("Vary", "Origin")
		}
		h.Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		h.Set("Access-Control-Allow-Headers", "Content-Type, X-Request-ID")
		h.Set("Access-Control-Expose-Headers", "X-Request-ID")

		if r.Method == http.MethodOptions && r.Header.Get("Access-Control-Request-Method") != "" {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	s.sendJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// handleAction is the single action endpoint. Envelopes are always sent
// with 200; load replies with raw bytes or a bare status.
func (s *Server) handleAction(w http.ResponseWriter, r *http.Request) {
	req, err := s.decodeRequest(w, r)
	if err != nil {
		var tooLarge *http.MaxBytesError
		switch {
		case errors.As(err, &tooLarge):
			s.sendError(w, http.StatusRequestEntityTooLarge, "request body too large")
		case errors.Is(err, errUnsupportedMedia):
			s.sendError(w, http.StatusUnsupportedMediaType, err.Error())
		default:
			s.sendError(w, http.StatusBadRequest, "invalid request body")
		}
		logging.WithContext(r.Context()).Debug("Rejected request body", zap.Error(err))
		return
	}

	res := s.dispatcher.Dispatch(r.Context(), req)

	if action, err := fileops.ParseAction(req.Action); err == nil && action == fileops.ActionLoad {
		s.sendContent(w, res)
		return
	}
	s.sendJSON(w, http.StatusOK, res)
}

var errUnsupportedMedia = errors.New("unsupported content type")

// decodeRequest reads the action fields from a JSON, urlencoded or
// multipart body.
func (s *Server) decodeRequest(w http.ResponseWriter, r *http.Request) (fileops.Request, error) {
	var req fileops.Request
	r.Body = http.MaxBytesReader(w, r.Body, s.maxRequestSize)

	mediaType := ""
	if ct := r.Header.Get("Content-Type"); ct != "" {
		mt, _, err := mime.ParseMediaType(ct)
		if err != nil {
			return req, fmt.Errorf("parse content type: %w", err)
		}
		mediaType = mt
	}

	switch mediaType {
	case "application/json":
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
			return req, fmt.Errorf("decode json: %w", err)
		}
		return req, nil
	case "multipart/form-data":
		if err := r.ParseMultipartForm(s.maxRequestSize); err != nil {
			return req, fmt.Errorf("parse multipart form: %w", err)
		}
		return requestFromForm(r.PostForm), nil
	case "application/x-www-form-urlencoded", "":
		if err := r.ParseForm(); err != nil {
			return req, fmt.Errorf("parse form: %w", err)
		}
		return requestFromForm(r.PostForm), nil
	default:
		return req, fmt.Errorf("%w: %s", errUnsupportedMedia, mediaType)
	}
}

func requestFromForm(values url.Values) fileops.Request {
	req := fileops.Request{
		Action:      values.Get(protocol.FieldAction),
		Key:         values.Get(protocol.FieldKey),
		Filename:    values.Get(protocol.FieldFilename),
		NewFilename: values.Get(protocol.FieldNewFilename),
		Folder:      values.Get(protocol.FieldFolder),
	}
	if v, ok := values[protocol.FieldContent]; ok && len(v) > 0 {
		content := v[0]
		req.Content = &content
	}
	return req
}

// sendContent writes a load result.
func (s *Server) sendContent(w http.ResponseWriter, res fileops.Result) {
	if !res.IsContent() {
		w.WriteHeader(res.Kind.HTTPStatus())
		return
	}
	w.Header().Set("Content-Type", res.ContentType)
	w.Header().Set("Content-Length", strconv.Itoa(len(res.Content)))
	w.Header().Set("X-Content-Type-Options", "nosniff")
	w.WriteHeader(http.StatusOK)
	w.Write(res.Content)
}

func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	if s.broadcaster == nil {
		s.sendError(w, http.StatusNotFound, "change feed disabled")
		return
	}
	key := r.URL.Query().Get(protocol.FieldKey)
	if _, err := s.registry.Lookup(key); err != nil {
		s.sendError(w, http.StatusUnauthorized, fileops.MsgWrongKey)
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		s.sendError(w, http.StatusInternalServerError, "streaming not supported")
		return
	}

	topic := s.registry.StoredKey(key)
	ch := s.broadcaster.Subscribe(topic)
	defer s.broadcaster.Unsubscribe(topic, ch)

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	ctx := r.Context()
	for {
		select {
		case <-ctx.Done():
			return
		case event, ok := <-ch:
			if !ok {
				return
			}
			data, err := events.MarshalEvent(event)
			if err != nil {
				continue
			}
			fmt.Fprintf(w, "event: %s\ndata: %s\n\n", event.Type, data)
			flusher.Flush()
		}
	}
}

func (s *Server) sendJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logging.Warn("Failed to encode response", zap.Error(err))
	}
}

func (s *Server) sendError(w http.ResponseWriter, code int, message string) {
	s.sendJSON(w, code, protocol.ErrorResponse{
		Error: message,
		Code:  code,
	})
}
