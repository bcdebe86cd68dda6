package httpapi

import (
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"github.com/qsafevault/qsafevault-server/internal/ident"
	"github.com/qsafevault/qsafevault-server/qverrors"
)

type createSessionBody struct {
	SessionID string `json:"sessionId"`
	Pin       string `json:"pin"`
	SaltB64   string `json:"saltB64"`
	TTLSec    int    `json:"ttlSec"`
	CreatedAt string `json:"createdAt"`
	ExpiresAt string `json:"expiresAt"`
}

type resolveSessionBody struct {
	SessionID string `json:"sessionId"`
	SaltB64   string `json:"saltB64"`
	TTLSec    int    `json:"ttlSec"`
}

type envelopeBody struct {
	Envelope json.RawMessage `json:"envelope"`
}

// handleSessions serves the collection endpoint: POST creates a session.
func (s *Server) handleSessions(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		s.writeError(w, qverrors.CodeMethodNotAllowed)
		return
	}
	sess, err := s.cfg.Handshake.Create(r.Context())
	if err != nil {
		s.writeEngineError(w, err)
		return
	}
	s.auditEvent("session_created", map[string]any{"sessionId": sess.ID})
	s.writeJSON(w, http.StatusOK, createSessionBody{
		SessionID: sess.ID,
		Pin:       sess.PIN,
		SaltB64:   sess.Salt,
		TTLSec:    int(sess.TTL / time.Second),
		CreatedAt: sess.CreatedAt.UTC().Format(time.RFC3339),
		ExpiresAt: sess.ExpiresAt.UTC().Format(time.RFC3339),
	})
}

// handleSessionTree routes /api/v1/sessions/{resolve | {id} | {id}/offer |
// {id}/answer} by hand; the flat mux keeps the method checks explicit.
func (s *Server) handleSessionTree(w http.ResponseWriter, r *http.Request) {
	rest := strings.TrimPrefix(r.URL.Path, "/api/v1/sessions/")
	if rest == "resolve" {
		s.resolveSession(w, r)
		return
	}
	id, leaf, hasLeaf := strings.Cut(rest, "/")
	if id == "" {
		s.writeError(w, qverrors.CodeSessionNotFound)
		return
	}
	if !hasLeaf {
		if r.Method != http.MethodDelete {
			s.writeError(w, qverrors.CodeMethodNotAllowed)
			return
		}
		s.deleteSession(w, r, id)
		return
	}
	switch leaf {
	case "offer":
		s.handleOffer(w, r, id)
	case "answer":
		s.handleAnswer(w, r, id)
	default:
		s.writeError(w, qverrors.CodeSessionNotFound)
	}
}

func (s *Server) resolveSession(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		s.writeError(w, qverrors.CodeMethodNotAllowed)
		return
	}
	pin := ident.Normalize(r.URL.Query().Get("pin"))
	if pin == "" {
		s.writeError(w, qverrors.CodeMissingPin)
		return
	}
	sess, err := s.cfg.Handshake.Resolve(r.Context(), pin)
	if err != nil {
		s.writeEngineError(w, err)
		return
	}
	s.auditEvent("pin_resolved", map[string]any{"sessionId": sess.ID})
	s.writeJSON(w, http.StatusOK, resolveSessionBody{
		SessionID: sess.ID,
		SaltB64:   sess.Salt,
		TTLSec:    int(sess.TTL / time.Second),
	})
}

func (s *Server) handleOffer(w http.ResponseWriter, r *http.Request, id string) {
	switch r.Method {
	case http.MethodGet:
		env, err := s.cfg.Handshake.GetOffer(r.Context(), id)
		if err != nil {
			s.writeEngineError(w, err)
			return
		}
		s.writeJSON(w, http.StatusOK, envelopeBody{Envelope: env})
	case http.MethodPost:
		env, ok := s.readEnvelope(w, r)
		if !ok {
			return
		}
		if err := s.cfg.Handshake.SetOffer(r.Context(), id, env); err != nil {
			s.writeEngineError(w, err)
			return
		}
		s.writeJSON(w, http.StatusOK, struct{}{})
	default:
		s.writeError(w, qverrors.CodeMethodNotAllowed)
	}
}

func (s *Server) handleAnswer(w http.ResponseWriter, r *http.Request, id string) {
	switch r.Method {
	case http.MethodGet:
		env, err := s.cfg.Handshake.GetAnswer(r.Context(), id)
		if err != nil {
			s.writeEngineError(w, err)
			return
		}
		s.writeJSON(w, http.StatusOK, envelopeBody{Envelope: env})
	case http.MethodPost:
		env, ok := s.readEnvelope(w, r)
		if !ok {
			return
		}
		if err := s.cfg.Handshake.SetAnswer(r.Context(), id, env); err != nil {
			// An answer before any offer is a sequencing conflict, not an
			// absence: report 409 rather than the code's default 404.
			if qverrors.Is(err, qverrors.CodeOfferNotSet) {
				s.writeErrorStatus(w, http.StatusConflict, qverrors.CodeOfferNotSet)
				return
			}
			s.writeEngineError(w, err)
			return
		}
		s.writeJSON(w, http.StatusOK, struct{}{})
	default:
		s.writeError(w, qverrors.CodeMethodNotAllowed)
	}
}

// deleteSession tears the session down. The response is 204 regardless of
// prior state so teardown stays idempotent for clients.
func (s *Server) deleteSession(w http.ResponseWriter, r *http.Request, id string) {
	if err := s.cfg.Handshake.Delete(r.Context(), id); err != nil {
		s.logf("httpapi: delete session: %v", err)
	}
	s.auditEvent("session_deleted", map[string]any{"sessionId": id})
	w.WriteHeader(http.StatusNoContent)
}

// readEnvelope decodes the {"envelope": …} wrapper shared by the offer and
// answer upload endpoints.
func (s *Server) readEnvelope(w http.ResponseWriter, r *http.Request) (json.RawMessage, bool) {
	body, ok := s.readBody(w, r, qverrors.CodeInvalidEnvelope)
	if !ok {
		return nil, false
	}
	var wrapper envelopeBody
	if err := json.Unmarshal(body, &wrapper); err != nil || len(wrapper.Envelope) == 0 {
		s.writeError(w, qverrors.CodeInvalidEnvelope)
		return nil, false
	}
	return wrapper.Envelope, true
}
