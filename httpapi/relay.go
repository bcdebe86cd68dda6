package httpapi

import (
	"net/http"

	"github.com/qsafevault/qsafevault-server/qverrors"
)

// handleRelay feeds the action dispatcher. The body is the action envelope;
// the dispatcher owns validation, routing, and the status/body mapping.
func (s *Server) handleRelay(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		s.writeError(w, qverrors.CodeMethodNotAllowed)
		return
	}
	body, ok := s.readBody(w, r, qverrors.CodeServerError)
	if !ok {
		return
	}
	resp := s.cfg.Service.Dispatch(r.Context(), body)
	s.writeJSON(w, resp.Status, resp.Body)
}
