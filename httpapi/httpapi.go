// Package httpapi exposes the relay over HTTP: the action endpoint, the
// envelope session REST surface, peer signal feeds, and the ancillary
// edition/health documents. Handlers translate engine errors to the frozen
// wire contract and never leak internal detail on 5xx responses.
package httpapi

import (
	"encoding/json"
	"errors"
	"io"
	"log"
	"net/http"
	"time"

	"github.com/qsafevault/qsafevault-server/audit"
	"github.com/qsafevault/qsafevault-server/devices"
	"github.com/qsafevault/qsafevault-server/edition"
	"github.com/qsafevault/qsafevault-server/handshake"
	"github.com/qsafevault/qsafevault-server/observability"
	"github.com/qsafevault/qsafevault-server/origin"
	"github.com/qsafevault/qsafevault-server/qverrors"
	"github.com/qsafevault/qsafevault-server/rendezvous"
	"github.com/qsafevault/qsafevault-server/service"
)

const (
	// DefaultMaxBodyBytes caps request bodies on every route.
	DefaultMaxBodyBytes = 128 << 10
	// DefaultRateWindow is the fixed rate-limit window.
	DefaultRateWindow = time.Minute
	// DefaultFeedInterval is the signal feed drain cadence.
	DefaultFeedInterval = 500 * time.Millisecond

	// feedReadLimit bounds inbound feed frames; clients are not expected to
	// send anything beyond close frames.
	feedReadLimit = 4 << 10
	// feedWriteTimeout bounds each feed batch write.
	feedWriteTimeout = 5 * time.Second
)

// Config wires the HTTP surface to the engines.
type Config struct {
	// Service dispatches the action endpoint (required).
	Service *service.Service
	// Handshake serves the envelope session REST surface (required).
	Handshake *handshake.Engine
	// Rendezvous backs the websocket signal feed (required).
	Rendezvous *rendezvous.Engine
	// Devices backs the device registry endpoints; nil outside Enterprise.
	Devices *devices.Registry
	// Edition is the static document behind /api/v1/edition and gates the
	// Enterprise-only surfaces.
	Edition edition.Info
	// Audit receives security-relevant events; nil disables (the audit
	// logger is nil-safe either way).
	Audit *audit.Logger

	// Origins gates browser origins for CORS and the signal feed. Nil
	// allows only requests without an Origin header.
	Origins *origin.Matcher

	// MaxBodyBytes caps request bodies. <= 0 selects DefaultMaxBodyBytes.
	MaxBodyBytes int64
	// RateLimit is the per-client request budget per window on the action
	// and session routes. 0 disables rate limiting.
	RateLimit int
	// RateWindow is the fixed window size. <= 0 selects DefaultRateWindow.
	RateWindow time.Duration
	// FeedInterval is the signal feed drain cadence. <= 0 selects
	// DefaultFeedInterval.
	FeedInterval time.Duration

	// Logger receives handler failures; nil discards them.
	Logger *log.Logger
	// Observer receives one event per finished request; nil disables.
	Observer observability.HTTPObserver
	// Now is the clock; nil selects time.Now.
	Now func() time.Time
}

// Server is the HTTP surface over the engines.
type Server struct {
	cfg       Config
	origins   *origin.Matcher
	obs       observability.HTTPObserver
	logger    *log.Logger
	limiter   *rateLimiter
	nowFn     func() time.Time
	startedAt time.Time
}

// New validates cfg, fills defaults, and returns a ready Server.
func New(cfg Config) (*Server, error) {
	if cfg.Service == nil {
		return nil, errors.New("httpapi: nil service")
	}
	if cfg.Handshake == nil {
		return nil, errors.New("httpapi: nil handshake engine")
	}
	if cfg.Rendezvous == nil {
		return nil, errors.New("httpapi: nil rendezvous engine")
	}
	if cfg.MaxBodyBytes <= 0 {
		cfg.MaxBodyBytes = DefaultMaxBodyBytes
	}
	if cfg.RateWindow <= 0 {
		cfg.RateWindow = DefaultRateWindow
	}
	if cfg.FeedInterval <= 0 {
		cfg.FeedInterval = DefaultFeedInterval
	}
	s := &Server{
		cfg:     cfg,
		origins: cfg.Origins,
		obs:     cfg.Observer,
		logger:  cfg.Logger,
		nowFn:   cfg.Now,
	}
	if s.origins == nil {
		s.origins = origin.NewMatcher(nil, true)
	}
	if s.obs == nil {
		s.obs = observability.NoopHTTPObserver
	}
	if s.nowFn == nil {
		s.nowFn = time.Now
	}
	if cfg.RateLimit > 0 {
		s.limiter = newRateLimiter(cfg.RateLimit, cfg.RateWindow, s.nowFn)
	}
	s.startedAt = s.nowFn()
	return s, nil
}

// Register installs every route on mux. The metrics route is owned by the
// entrypoint so it can be toggled at runtime.
func (s *Server) Register(mux *http.ServeMux) {
	mux.Handle("/api/relay", s.route("relay", true, s.handleRelay))
	mux.Handle("/api/v1/sessions", s.route("sessions", true, s.handleSessions))
	mux.Handle("/api/v1/sessions/", s.route("sessions", true, s.handleSessionTree))
	mux.Handle("/api/v1/devices", s.route("devices", false, s.handleDevices))
	mux.Handle("/api/v1/devices/", s.route("devices", false, s.handleDeviceTree))
	mux.Handle("/api/v1/signals/ws", s.route("signals_ws", false, s.handleSignalFeed))
	mux.Handle("/api/v1/edition", s.route("edition", false, s.handleEdition))
	mux.Handle("/health", s.route("health", false, s.handleHealth))
}

func (s *Server) now() time.Time {
	return s.nowFn()
}

func (s *Server) logf(format string, args ...any) {
	if s.logger != nil {
		s.logger.Printf(format, args...)
	}
}

// auditEvent forwards to the audit logger; a nil logger discards.
func (s *Server) auditEvent(event string, fields map[string]any) {
	s.cfg.Audit.Event(event, fields)
}

// writeJSON marshals v with status. Marshal failures fall back to a bare
// 500 since headers may already be written.
func (s *Server) writeJSON(w http.ResponseWriter, status int, v any) {
	b, err := json.Marshal(v)
	if err != nil {
		s.logf("httpapi: marshal response: %v", err)
		w.WriteHeader(http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_, _ = w.Write(b)
}

// writeError responds with the code's canonical status and body.
func (s *Server) writeError(w http.ResponseWriter, code qverrors.Code) {
	s.writeErrorStatus(w, qverrors.HTTPStatus(code), code)
}

// writeErrorStatus responds with an explicit status, for the paths where
// one code maps to different statuses (answer POST reports offer_not_set
// as a conflict rather than an absence).
func (s *Server) writeErrorStatus(w http.ResponseWriter, status int, code qverrors.Code) {
	s.writeJSON(w, status, map[string]string{"error": string(code)})
}

// writeEngineError maps an engine error to the wire. Codes without a
// public mapping collapse to an opaque server_error.
func (s *Server) writeEngineError(w http.ResponseWriter, err error) {
	code := qverrors.CodeOf(err)
	status := qverrors.HTTPStatus(code)
	if status >= http.StatusInternalServerError {
		s.logf("httpapi: internal error: %v", err)
		s.writeErrorStatus(w, http.StatusInternalServerError, qverrors.CodeServerError)
		return
	}
	s.writeErrorStatus(w, status, code)
}

// readBody drains the capped request body. The fallback code shapes the
// response for transport-level read failures.
func (s *Server) readBody(w http.ResponseWriter, r *http.Request, fallback qverrors.Code) ([]byte, bool) {
	body, err := io.ReadAll(r.Body)
	if err == nil {
		return body, true
	}
	var tooLarge *http.MaxBytesError
	if errors.As(err, &tooLarge) {
		s.writeError(w, qverrors.CodePayloadTooLarge)
		return nil, false
	}
	s.writeError(w, fallback)
	return nil, false
}

// handleEdition serves the static edition document with a per-response
// timestamp.
func (s *Server) handleEdition(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		s.writeError(w, qverrors.CodeMethodNotAllowed)
		return
	}
	s.writeJSON(w, http.StatusOK, editionBody{
		Info:      s.cfg.Edition,
		Timestamp: s.now().UTC().Format(time.RFC3339),
	})
}

type editionBody struct {
	edition.Info
	Timestamp string `json:"timestamp"`
}

// handleHealth serves liveness regardless of method so probes stay cheap.
func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	now := s.now()
	s.writeJSON(w, http.StatusOK, healthBody{
		Status:    "ok",
		Edition:   s.cfg.Edition.Edition,
		UptimeSec: int64(now.Sub(s.startedAt) / time.Second),
		Timestamp: now.UTC().Format(time.RFC3339),
	})
}

type healthBody struct {
	Status    string          `json:"status"`
	Edition   edition.Edition `json:"edition"`
	UptimeSec int64           `json:"uptime"`
	Timestamp string          `json:"timestamp"`
}
