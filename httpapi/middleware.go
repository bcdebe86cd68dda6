package httpapi

import (
	"bufio"
	"errors"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/qsafevault/qsafevault-server/qverrors"
)

// route assembles the middleware chain for one endpoint. Order matters:
// the observer wraps everything, headers and CORS run before the handler
// can write, and the rate limiter sees only capped bodies.
func (s *Server) route(name string, limited bool, h http.HandlerFunc) http.Handler {
	var handler http.Handler = h
	handler = s.capBody(handler)
	if limited && s.limiter != nil {
		handler = s.limit(handler)
	}
	handler = s.cors(handler)
	handler = secureHeaders(handler)
	handler = s.observe(name, handler)
	return handler
}

// secureHeaders stamps the responses of a signaling relay that must never
// be cached or content-sniffed.
func secureHeaders(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		h := w.Header()
		h.Set("X-Content-Type-Options", "nosniff")
		h.Set("Referrer-Policy", "no-referrer")
		h.Set("Cache-Control", "no-store")
		next.ServeHTTP(w, r)
	})
}

// cors reflects allow-listed origins and answers preflights. Disallowed
// origins get no CORS headers; the browser enforces the rest.
func (s *Server) cors(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Add("Vary", "Origin")
		originValue := r.Header.Get("Origin")
		allowed := originValue != "" && s.origins.AllowValue(originValue)
		if allowed {
			w.Header().Set("Access-Control-Allow-Origin", originValue)
		}
		if r.Method == http.MethodOptions {
			if allowed {
				h := w.Header()
				h.Set("Access-Control-Allow-Methods", "GET, POST, DELETE, OPTIONS")
				h.Set("Access-Control-Allow-Headers", "Content-Type")
				h.Set("Access-Control-Max-Age", "600")
			}
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// capBody bounds every request body so a handler's ReadAll cannot be fed
// an unbounded stream.
func (s *Server) capBody(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Body != nil {
			r.Body = http.MaxBytesReader(w, r.Body, s.cfg.MaxBodyBytes)
		}
		next.ServeHTTP(w, r)
	})
}

// limit rejects clients over their fixed-window budget.
func (s *Server) limit(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !s.limiter.Allow(clientIP(r)) {
			s.writeError(w, qverrors.CodeRateLimited)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// clientIP picks the rate-limit key: the first X-Forwarded-For hop when a
// proxy supplied one, otherwise the remote address host.
func clientIP(r *http.Request) string {
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		first, _, _ := strings.Cut(xff, ",")
		if first = strings.TrimSpace(first); first != "" {
			return first
		}
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

// observe records one metric event per finished request.
func (s *Server) observe(name string, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		sw := &statusWriter{ResponseWriter: w}
		next.ServeHTTP(sw, r)
		s.obs.Request(name, sw.Status(), time.Since(start))
	})
}

// statusWriter captures the response status. It forwards Flush and Hijack
// so streaming handlers and the websocket upgrader keep working.
type statusWriter struct {
	http.ResponseWriter
	status int
}

func (w *statusWriter) WriteHeader(code int) {
	if w.status == 0 {
		w.status = code
	}
	w.ResponseWriter.WriteHeader(code)
}

func (w *statusWriter) Write(b []byte) (int, error) {
	if w.status == 0 {
		w.status = http.StatusOK
	}
	return w.ResponseWriter.Write(b)
}

func (w *statusWriter) Flush() {
	if f, ok := w.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

func (w *statusWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	h, ok := w.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, errors.New("httpapi: response writer does not support hijacking")
	}
	if w.status == 0 {
		w.status = http.StatusSwitchingProtocols
	}
	return h.Hijack()
}

// Status returns the recorded status, defaulting to 200 for handlers that
// wrote a body without an explicit header.
func (w *statusWriter) Status() int {
	if w.status == 0 {
		return http.StatusOK
	}
	return w.status
}
