package httpapi

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/qsafevault/qsafevault-server/edition"
	"github.com/qsafevault/qsafevault-server/realtime/ws"
	"github.com/qsafevault/qsafevault-server/rendezvous"
)

func (f *fixture) feedURL(peerID string) string {
	return "ws" + strings.TrimPrefix(f.srv.URL, "http") + "/api/v1/signals/ws?peerId=" + peerID
}

func dialFeed(t *testing.T, f *fixture, peerID string) *ws.Conn {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	conn, _, err := ws.Dial(ctx, f.feedURL(peerID), ws.DialOptions{})
	if err != nil {
		t.Fatalf("dial feed: %v", err)
	}
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

// readMessages accumulates feed frames until want messages have arrived.
func readMessages(t *testing.T, conn *ws.Conn, want int) []rendezvous.Message {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	var got []rendezvous.Message
	for len(got) < want {
		var batch feedBatch
		if err := conn.ReadJSON(ctx, &batch); err != nil {
			t.Fatalf("read feed frame: %v (have %d of %d)", err, len(got), want)
		}
		if len(batch.Messages) == 0 {
			t.Fatalf("feed pushed an empty batch")
		}
		got = append(got, batch.Messages...)
	}
	return got
}

func TestFeed_DeliversQueuedSignals(t *testing.T) {
	f := newFixture(t)
	conn := dialFeed(t, f, "peer-a")

	status, body := f.post("/api/relay",
		`{"action":"signal","from":"peer-b","to":"peer-a","type":"offer","payload":{"sdp":"v=0"}}`)
	if status != http.StatusOK {
		t.Fatalf("signal: got %d %v", status, body)
	}

	msgs := readMessages(t, conn, 1)
	if msgs[0].From != "peer-b" || msgs[0].Type != "offer" {
		t.Fatalf("unexpected message: %+v", msgs[0])
	}
	if string(msgs[0].Payload) != `{"sdp":"v=0"}` {
		t.Fatalf("payload not preserved: %s", msgs[0].Payload)
	}

	// The feed drains the same mailbox poll does, so an explicit poll after
	// delivery comes back empty.
	status, body = f.post("/api/relay", `{"action":"poll","peerId":"peer-a"}`)
	if status != http.StatusOK {
		t.Fatalf("poll: got %d %v", status, body)
	}
	if queued, ok := body["messages"].([]any); !ok || len(queued) != 0 {
		t.Fatalf("expected drained mailbox, got %v", body)
	}
}

func TestFeed_DeliversAcrossFrames(t *testing.T) {
	f := newFixture(t)
	conn := dialFeed(t, f, "peer-a")

	for i := 0; i < 3; i++ {
		status, body := f.post("/api/relay", fmt.Sprintf(
			`{"action":"signal","from":"peer-b","to":"peer-a","type":"ice-candidate","payload":{"n":%d}}`, i))
		if status != http.StatusOK {
			t.Fatalf("signal %d: got %d %v", i, status, body)
		}
	}

	msgs := readMessages(t, conn, 3)
	for i, m := range msgs {
		if want := fmt.Sprintf(`{"n":%d}`, i); string(m.Payload) != want {
			t.Fatalf("message %d out of order: %s", i, m.Payload)
		}
	}
}

func TestFeed_RejectsBadPeer(t *testing.T) {
	f := newFixture(t)

	status, body := f.get("/api/v1/signals/ws")
	if status != http.StatusBadRequest {
		t.Fatalf("missing peerId: expected 400, got %d (%v)", status, body)
	}
	wantError(t, body, "missing_peer_id")

	status, body = f.get("/api/v1/signals/ws?peerId=%20%20")
	if status != http.StatusBadRequest {
		t.Fatalf("blank peerId: expected 400, got %d (%v)", status, body)
	}
	wantError(t, body, "missing_peer_id")

	status, body = f.post("/api/v1/signals/ws?peerId=peer-a", nil)
	if status != http.StatusMethodNotAllowed {
		t.Fatalf("POST: expected 405, got %d (%v)", status, body)
	}
}

func TestFeed_FeatureGate(t *testing.T) {
	f := newFixture(t, func(_ *fixture, cfg *Config) {
		cfg.Edition = edition.NewInfo(edition.Community, edition.Features{
			RelayTTLPolicy:   "dynamic",
			RelayPlaceholder: true,
		})
	})
	status, body := f.get("/api/v1/signals/ws?peerId=peer-a")
	if status != http.StatusNotFound {
		t.Fatalf("expected 404, got %d (%v)", status, body)
	}
	wantError(t, body, "not_available")
}

func TestFeed_OriginPolicy(t *testing.T) {
	f := newFixture(t)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	conn, resp, err := ws.Dial(ctx, f.feedURL("peer-a"), ws.DialOptions{
		Header: http.Header{"Origin": {"https://evil.example"}},
	})
	if err == nil {
		conn.Close()
		t.Fatal("expected handshake to fail for a disallowed origin")
	}
	if resp == nil || resp.StatusCode != http.StatusForbidden {
		t.Fatalf("expected 403 handshake response, got %+v", resp)
	}

	conn, _, err = ws.Dial(ctx, f.feedURL("peer-a"), ws.DialOptions{
		Header: http.Header{"Origin": {"https://app.example.com"}},
	})
	if err != nil {
		t.Fatalf("allowed origin rejected: %v", err)
	}
	_ = conn.Close()
}
