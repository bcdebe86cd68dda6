package service

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/qsafevault/qsafevault-server/internal/backoff"
	"github.com/qsafevault/qsafevault-server/relay"
	"github.com/qsafevault/qsafevault-server/rendezvous"
	"github.com/qsafevault/qsafevault-server/store"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2026, 2, 3, 4, 5, 6, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func newTestService(t *testing.T, st store.Store, clock *fakeClock) *Service {
	t.Helper()
	fast := backoff.Policy{Base: time.Millisecond, Max: 2 * time.Millisecond}

	relayCfg := relay.DefaultConfig()
	relayCfg.Now = clock.Now
	relayCfg.Backoff = fast
	relayEngine, err := relay.New(st, relayCfg)
	if err != nil {
		t.Fatalf("relay.New: %v", err)
	}

	rdvCfg := rendezvous.DefaultConfig()
	rdvCfg.Now = clock.Now
	rdvCfg.Backoff = fast
	rdvEngine, err := rendezvous.New(st, rdvCfg)
	if err != nil {
		t.Fatalf("rendezvous.New: %v", err)
	}

	svc, err := New(relayEngine, rdvEngine)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return svc
}

func newMemoryService(t *testing.T) (*Service, *fakeClock) {
	t.Helper()
	clock := newFakeClock()
	mem := store.NewMemory()
	mem.Now = clock.Now
	return newTestService(t, mem, clock), clock
}

func do(t *testing.T, svc *Service, body string) (int, map[string]any) {
	t.Helper()
	res := svc.Dispatch(context.Background(), []byte(body))
	raw, err := json.Marshal(res.Body)
	if err != nil {
		t.Fatalf("marshal response body: %v", err)
	}
	var m map[string]any
	if err := json.Unmarshal(raw, &m); err != nil {
		t.Fatalf("unmarshal response body: %v", err)
	}
	return res.Status, m
}

func TestDispatchRequiresAction(t *testing.T) {
	svc, _ := newMemoryService(t)
	for _, body := range []string{`{}`, `{"action":""}`, `{`, ``} {
		status, m := do(t, svc, body)
		if status != 400 || m["error"] != "missing_action" {
			t.Fatalf("body %q: expected 400 missing_action, got %d %v", body, status, m)
		}
	}
}

func TestDispatchRejectsUnknownAction(t *testing.T) {
	svc, _ := newMemoryService(t)
	status, m := do(t, svc, `{"action":"replay"}`)
	if status != 404 || m["error"] != "unknown_action" {
		t.Fatalf("expected 404 unknown_action, got %d %v", status, m)
	}
}

func TestTwoChunkTransferScenario(t *testing.T) {
	svc, _ := newMemoryService(t)

	status, m := do(t, svc, `{"action":"send","pin":"Ab3Xy9Zk","passwordHash":"h1","chunkIndex":0,"totalChunks":2,"data":"C0"}`)
	if status != 200 || m["status"] != "waiting" {
		t.Fatalf("first send: got %d %v", status, m)
	}
	status, m = do(t, svc, `{"action":"send","pin":"Ab3Xy9Zk","passwordHash":"h1","chunkIndex":1,"totalChunks":2,"data":"C1"}`)
	if status != 200 || m["status"] != "waiting" {
		t.Fatalf("second send: got %d %v", status, m)
	}

	status, m = do(t, svc, `{"action":"receive","pin":"Ab3Xy9Zk","passwordHash":"h1"}`)
	if status != 200 || m["status"] != "chunkAvailable" {
		t.Fatalf("first receive: got %d %v", status, m)
	}
	chunk := m["chunk"].(map[string]any)
	if chunk["chunkIndex"] != float64(0) || chunk["totalChunks"] != float64(2) || chunk["data"] != "C0" {
		t.Fatalf("first chunk: %v", chunk)
	}

	status, m = do(t, svc, `{"action":"receive","pin":"Ab3Xy9Zk","passwordHash":"h1"}`)
	chunk = m["chunk"].(map[string]any)
	if status != 200 || chunk["chunkIndex"] != float64(1) || chunk["data"] != "C1" {
		t.Fatalf("second receive: got %d %v", status, m)
	}

	status, m = do(t, svc, `{"action":"receive","pin":"Ab3Xy9Zk","passwordHash":"h1"}`)
	if status != 200 || m["status"] != "done" {
		t.Fatalf("final receive: got %d %v", status, m)
	}
	if _, hasChunk := m["chunk"]; hasChunk {
		t.Fatalf("done must not carry a chunk: %v", m)
	}
}

func TestDuplicateIndexScenario(t *testing.T) {
	svc, _ := newMemoryService(t)

	do(t, svc, `{"action":"send","pin":"Ab3Xy9Zk","passwordHash":"h1","chunkIndex":0,"totalChunks":2,"data":"A"}`)
	status, m := do(t, svc, `{"action":"send","pin":"Ab3Xy9Zk","passwordHash":"h1","chunkIndex":0,"totalChunks":2,"data":"B"}`)
	if status != 409 || m["error"] != "duplicate_chunk" || m["status"] != "waiting" {
		t.Fatalf("expected 409 duplicate_chunk with waiting, got %d %v", status, m)
	}
}

func TestTotalChunksMismatchScenario(t *testing.T) {
	svc, _ := newMemoryService(t)

	do(t, svc, `{"action":"send","pin":"Ab3Xy9Zk","passwordHash":"h1","chunkIndex":0,"totalChunks":2,"data":"A"}`)
	status, m := do(t, svc, `{"action":"send","pin":"Ab3Xy9Zk","passwordHash":"h1","chunkIndex":1,"totalChunks":3,"data":"B"}`)
	if status != 409 || m["error"] != "totalChunks_mismatch" || m["status"] != "waiting" {
		t.Fatalf("expected 409 totalChunks_mismatch with waiting, got %d %v", status, m)
	}
}

func TestAckAfterTeardownScenario(t *testing.T) {
	svc, clock := newMemoryService(t)

	do(t, svc, `{"action":"send","pin":"Ab3Xy9Zk","passwordHash":"h1","chunkIndex":0,"totalChunks":1,"data":"C0"}`)
	do(t, svc, `{"action":"receive","pin":"Ab3Xy9Zk","passwordHash":"h1"}`)
	if status, m := do(t, svc, `{"action":"receive","pin":"Ab3Xy9Zk","passwordHash":"h1"}`); status != 200 || m["status"] != "done" {
		t.Fatalf("expected done, got %d %v", status, m)
	}

	status, m := do(t, svc, `{"action":"ack","pin":"Ab3Xy9Zk","passwordHash":"h1"}`)
	if status != 200 || m["ok"] != true {
		t.Fatalf("ack: got %d %v", status, m)
	}
	// The post-ack receive tears the session down.
	if status, m := do(t, svc, `{"action":"receive","pin":"Ab3Xy9Zk","passwordHash":"h1"}`); status != 200 || m["status"] != "done" {
		t.Fatalf("teardown receive: got %d %v", status, m)
	}
	status, m = do(t, svc, `{"action":"ack-status","pin":"Ab3Xy9Zk","passwordHash":"h1"}`)
	if status != 200 || m["acknowledged"] != true {
		t.Fatalf("expected acknowledged after teardown, got %d %v", status, m)
	}

	clock.Advance(relay.DefaultAckTTL + time.Millisecond)
	status, m = do(t, svc, `{"action":"ack-status","pin":"Ab3Xy9Zk","passwordHash":"h1"}`)
	if status != 200 || m["acknowledged"] != false {
		t.Fatalf("expected the ack to lapse, got %d %v", status, m)
	}
}

func TestInviteCollisionScenario(t *testing.T) {
	svc, _ := newMemoryService(t)

	status, m := do(t, svc, `{"action":"register","inviteCode":"Uv9Wx1Yz","peerId":"p1"}`)
	if status != 200 || m["status"] != "registered" || m["ttlSec"] != float64(30) {
		t.Fatalf("first register: got %d %v", status, m)
	}
	status, m = do(t, svc, `{"action":"register","inviteCode":"Uv9Wx1Yz","peerId":"p2"}`)
	if status != 409 || m["error"] != "invite_code_in_use" {
		t.Fatalf("expected 409 invite_code_in_use, got %d %v", status, m)
	}
	status, m = do(t, svc, `{"action":"register","inviteCode":"Uv9Wx1Yz","peerId":"p1"}`)
	if status != 200 || m["status"] != "registered" {
		t.Fatalf("refresh register: got %d %v", status, m)
	}
}

func TestLookupFlow(t *testing.T) {
	svc, _ := newMemoryService(t)

	status, m := do(t, svc, `{"action":"lookup","inviteCode":"Uv9Wx1Yz"}`)
	if status != 404 || m["error"] != "peer_not_found" {
		t.Fatalf("expected 404 peer_not_found, got %d %v", status, m)
	}
	do(t, svc, `{"action":"register","inviteCode":"Uv9Wx1Yz","peerId":"p1"}`)
	status, m = do(t, svc, `{"action":"lookup","inviteCode":"Uv9Wx1Yz"}`)
	if status != 200 || m["peerId"] != "p1" {
		t.Fatalf("lookup: got %d %v", status, m)
	}
}

func TestSignalAndPollFlow(t *testing.T) {
	svc, _ := newMemoryService(t)

	status, m := do(t, svc, `{"action":"signal","from":"p1","to":"p2","type":"offer","payload":{"sdp":"x"}}`)
	if status != 200 || m["status"] != "queued" {
		t.Fatalf("signal: got %d %v", status, m)
	}
	status, m = do(t, svc, `{"action":"signal","from":"p1","to":"p2","type":"handshake","payload":{}}`)
	if status != 400 || m["error"] != "invalid_type" {
		t.Fatalf("expected 400 invalid_type, got %d %v", status, m)
	}

	status, m = do(t, svc, `{"action":"poll","peerId":"p2"}`)
	if status != 200 {
		t.Fatalf("poll: got %d %v", status, m)
	}
	msgs := m["messages"].([]any)
	if len(msgs) != 1 {
		t.Fatalf("expected one message, got %v", msgs)
	}
	msg := msgs[0].(map[string]any)
	if msg["from"] != "p1" || msg["type"] != "offer" {
		t.Fatalf("unexpected message %v", msg)
	}
	if msg["payload"].(map[string]any)["sdp"] != "x" {
		t.Fatalf("payload changed: %v", msg)
	}
	if _, ok := msg["timestamp"].(float64); !ok {
		t.Fatalf("missing timestamp: %v", msg)
	}

	status, m = do(t, svc, `{"action":"poll","peerId":"p2"}`)
	if status != 200 || len(m["messages"].([]any)) != 0 {
		t.Fatalf("expected a drained mailbox, got %d %v", status, m)
	}
}

func TestMissingFieldMappings(t *testing.T) {
	svc, _ := newMemoryService(t)
	cases := []struct {
		body string
		code string
	}{
		{`{"action":"send","pin":"Ab3Xy9Zk","passwordHash":"h1","chunkIndex":0,"totalChunks":2}`, "missing_fields"},
		{`{"action":"send","pin":"Ab3Xy9Zk","chunkIndex":0,"totalChunks":2,"data":"x"}`, "missing_fields"},
		{`{"action":"receive","pin":"Ab3Xy9Zk"}`, "missing_pin_or_passwordHash"},
		{`{"action":"ack","pin":"Ab3Xy9Zk"}`, "missing_fields"},
		{`{"action":"ack-status","passwordHash":"h1"}`, "missing_fields"},
		{`{"action":"register","inviteCode":"Uv9Wx1Yz"}`, "missing_fields"},
		{`{"action":"lookup"}`, "missing_invite_code"},
		{`{"action":"signal","from":"p1","to":"p2","type":"offer"}`, "missing_fields"},
		{`{"action":"poll"}`, "missing_peer_id"},
	}
	for _, tc := range cases {
		status, m := do(t, svc, tc.body)
		if status != 400 || m["error"] != tc.code {
			t.Fatalf("%s: expected 400 %s, got %d %v", tc.body, tc.code, status, m)
		}
	}
}

func TestInvalidChunkMapsTo400(t *testing.T) {
	svc, _ := newMemoryService(t)
	status, m := do(t, svc, `{"action":"send","pin":"ab","passwordHash":"h1","chunkIndex":0,"totalChunks":1,"data":"x"}`)
	if status != 400 || m["error"] != "invalid_chunk" {
		t.Fatalf("expected 400 invalid_chunk, got %d %v", status, m)
	}
}

func TestExpiredChannelReceive(t *testing.T) {
	svc, clock := newMemoryService(t)
	do(t, svc, `{"action":"send","pin":"Ab3Xy9Zk","passwordHash":"h1","chunkIndex":0,"totalChunks":1,"data":"x"}`)
	clock.Advance(5 * time.Minute)
	status, m := do(t, svc, `{"action":"receive","pin":"Ab3Xy9Zk","passwordHash":"h1"}`)
	if status != 200 || m["status"] != "expired" {
		t.Fatalf("expected expired, got %d %v", status, m)
	}
}

// contendedStore loses every conditional write.
type contendedStore struct {
	*store.Memory
}

func (s *contendedStore) PutIfVersion(ctx context.Context, key string, value []byte, expected uint64) error {
	return store.ErrVersionMismatch
}

func TestConcurrencyConflictKeeps200(t *testing.T) {
	clock := newFakeClock()
	mem := store.NewMemory()
	mem.Now = clock.Now
	svc := newTestService(t, &contendedStore{Memory: mem}, clock)

	status, m := do(t, svc, `{"action":"send","pin":"Ab3Xy9Zk","passwordHash":"h1","chunkIndex":0,"totalChunks":1,"data":"x"}`)
	if status != 200 || m["error"] != "concurrency_conflict" {
		t.Fatalf("expected 200 concurrency_conflict, got %d %v", status, m)
	}
}

func TestServerErrorsHideCause(t *testing.T) {
	clock := newFakeClock()
	mem := store.NewMemory()
	mem.Now = clock.Now
	if err := mem.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	svc := newTestService(t, mem, clock)

	status, m := do(t, svc, `{"action":"receive","pin":"Ab3Xy9Zk","passwordHash":"h1"}`)
	if status != 500 {
		t.Fatalf("expected 500, got %d %v", status, m)
	}
	if m["error"] != "server_error" {
		t.Fatalf("expected a bare server_error code, got %v", m)
	}
	if len(m) != 1 {
		t.Fatalf("error body must carry only the code, got %v", m)
	}
}
