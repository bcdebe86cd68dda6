package httpapi

import (
	"context"
	"net/http"
	"time"

	"github.com/qsafevault/qsafevault-server/internal/contextutil"
	"github.com/qsafevault/qsafevault-server/internal/ident"
	"github.com/qsafevault/qsafevault-server/qverrors"
	"github.com/qsafevault/qsafevault-server/realtime/ws"
	"github.com/qsafevault/qsafevault-server/rendezvous"
)

type feedBatch struct {
	Messages []rendezvous.Message `json:"messages"`
}

// handleSignalFeed streams a peer's signal mailbox over a websocket: the
// server drains the mailbox on a short cadence and pushes each non-empty
// batch as one text frame. Delivery keeps poll's at-most-once semantics;
// a frame lost to a dying connection is not requeued.
func (s *Server) handleSignalFeed(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		s.writeError(w, qverrors.CodeMethodNotAllowed)
		return
	}
	if !s.cfg.Edition.Features.SignalFeed {
		s.writeError(w, qverrors.CodeNotAvailable)
		return
	}
	peerID := ident.Normalize(r.URL.Query().Get("peerId"))
	if err := ident.PeerID(peerID); err != nil {
		s.writeError(w, qverrors.CodeMissingPeerID)
		return
	}
	conn, err := ws.Upgrade(w, r, ws.UpgradeOptions{
		ReadLimit:   feedReadLimit,
		CheckOrigin: s.origins.CheckOrigin(),
	})
	if err != nil {
		// Upgrade has already written its failure response.
		s.logf("httpapi: feed upgrade: %v", err)
		return
	}
	defer conn.Close()
	s.serveFeed(r.Context(), conn, peerID)
}

func (s *Server) serveFeed(parent context.Context, conn *ws.Conn, peerID string) {
	ctx, cancel := context.WithCancel(parent)
	defer cancel()

	// The read pump exists to notice the peer going away; inbound frames
	// carry no meaning on this endpoint.
	go func() {
		defer cancel()
		for {
			if _, _, err := conn.ReadMessage(ctx); err != nil {
				return
			}
		}
	}()

	ticker := time.NewTicker(s.cfg.FeedInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		msgs, err := s.cfg.Rendezvous.Poll(ctx, peerID)
		if err != nil {
			if ctx.Err() == nil {
				s.logf("httpapi: feed poll: %v", err)
				_ = conn.CloseWithStatus(ws.CloseInternalServerErr, "poll failed")
			}
			return
		}
		if len(msgs) == 0 {
			continue
		}
		wctx, wcancel := contextutil.WithTimeout(ctx, feedWriteTimeout)
		err = conn.WriteJSON(wctx, feedBatch{Messages: msgs})
		wcancel()
		if err != nil {
			return
		}
	}
}
