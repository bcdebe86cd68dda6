package rendezvous

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/qsafevault/qsafevault-server/internal/backoff"
	"github.com/qsafevault/qsafevault-server/qverrors"
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

func newTestEngine(t *testing.T, mutate func(*Config)) (*Engine, *store.Memory, *fakeClock) {
	t.Helper()
	clock := newFakeClock()
	mem := store.NewMemory()
	mem.Now = clock.Now
	cfg := DefaultConfig()
	cfg.Now = clock.Now
	cfg.Backoff = backoff.Policy{Base: time.Millisecond, Max: 2 * time.Millisecond}
	if mutate != nil {
		mutate(&cfg)
	}
	eng, err := New(mem, cfg)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return eng, mem, clock
}

func TestRegisterAndLookupRoundTrip(t *testing.T) {
	eng, _, _ := newTestEngine(t, nil)
	ctx := context.Background()

	if err := eng.Register(ctx, "Uv9Wx1Yz", "peer-a"); err != nil {
		t.Fatalf("register: %v", err)
	}
	peer, err := eng.Lookup(ctx, "Uv9Wx1Yz")
	if err != nil {
		t.Fatalf("lookup: %v", err)
	}
	if peer != "peer-a" {
		t.Fatalf("expected peer-a, got %q", peer)
	}
}

func TestRegisterRejectsLiveClaimByAnotherPeer(t *testing.T) {
	eng, _, clock := newTestEngine(t, nil)
	ctx := context.Background()

	if err := eng.Register(ctx, "Uv9Wx1Yz", "peer-a"); err != nil {
		t.Fatalf("register: %v", err)
	}
	err := eng.Register(ctx, "Uv9Wx1Yz", "peer-b")
	if qverrors.CodeOf(err) != qverrors.CodeInviteCodeInUse {
		t.Fatalf("expected invite_code_in_use, got %v", err)
	}
	// The owner refreshes freely; the refresh extends the claim.
	clock.Advance(20 * time.Second)
	if err := eng.Register(ctx, "Uv9Wx1Yz", "peer-a"); err != nil {
		t.Fatalf("refresh: %v", err)
	}
	clock.Advance(20 * time.Second)
	peer, err := eng.Lookup(ctx, "Uv9Wx1Yz")
	if err != nil || peer != "peer-a" {
		t.Fatalf("expected refreshed claim to hold, got %q %v", peer, err)
	}
}

func TestRegisterSucceedsAfterClaimExpires(t *testing.T) {
	eng, _, clock := newTestEngine(t, nil)
	ctx := context.Background()

	if err := eng.Register(ctx, "Uv9Wx1Yz", "peer-a"); err != nil {
		t.Fatalf("register: %v", err)
	}
	clock.Advance(DefaultPeerTTL + time.Millisecond)
	if err := eng.Register(ctx, "Uv9Wx1Yz", "peer-b"); err != nil {
		t.Fatalf("expected expired claim to be reclaimable, got %v", err)
	}
	peer, err := eng.Lookup(ctx, "Uv9Wx1Yz")
	if err != nil || peer != "peer-b" {
		t.Fatalf("expected peer-b, got %q %v", peer, err)
	}
}

func TestRegisterValidation(t *testing.T) {
	eng, _, _ := newTestEngine(t, nil)
	ctx := context.Background()

	if err := eng.Register(ctx, "", "peer-a"); qverrors.CodeOf(err) != qverrors.CodeMissingFields {
		t.Fatalf("expected missing_fields for empty code, got %v", err)
	}
	if err := eng.Register(ctx, "short", "peer-a"); qverrors.CodeOf(err) != qverrors.CodeInvalidInviteCode {
		t.Fatalf("expected invalid_invite_code for short code, got %v", err)
	}
	if err := eng.Register(ctx, "Uv9Wx1Y!", "peer-a"); qverrors.CodeOf(err) != qverrors.CodeInvalidInviteCode {
		t.Fatalf("expected invalid_invite_code for bad charset, got %v", err)
	}
	if err := eng.Register(ctx, "Uv9Wx1Yz", ""); qverrors.CodeOf(err) != qverrors.CodeMissingFields {
		t.Fatalf("expected missing_fields for empty peer, got %v", err)
	}
}

func TestLookupValidationAndExpiry(t *testing.T) {
	eng, _, clock := newTestEngine(t, nil)
	ctx := context.Background()

	if _, err := eng.Lookup(ctx, ""); qverrors.CodeOf(err) != qverrors.CodeMissingInviteCode {
		t.Fatalf("expected missing_invite_code, got %v", err)
	}
	if _, err := eng.Lookup(ctx, "nope"); qverrors.CodeOf(err) != qverrors.CodePeerNotFound {
		t.Fatalf("expected peer_not_found for malformed code, got %v", err)
	}
	if _, err := eng.Lookup(ctx, "Uv9Wx1Yz"); qverrors.CodeOf(err) != qverrors.CodePeerNotFound {
		t.Fatalf("expected peer_not_found for unknown code, got %v", err)
	}
	if err := eng.Register(ctx, "Uv9Wx1Yz", "peer-a"); err != nil {
		t.Fatalf("register: %v", err)
	}
	clock.Advance(DefaultPeerTTL + time.Millisecond)
	if _, err := eng.Lookup(ctx, "Uv9Wx1Yz"); qverrors.CodeOf(err) != qverrors.CodePeerNotFound {
		t.Fatalf("expected peer_not_found after expiry, got %v", err)
	}
}

func TestSignalAndPollPreserveFIFO(t *testing.T) {
	eng, _, _ := newTestEngine(t, nil)
	ctx := context.Background()

	order := []struct {
		from string
		typ  string
	}{
		{"peer-a", TypeOffer},
		{"peer-a", TypeICECandidate},
		{"peer-b", TypeAnswer},
	}
	for i, s := range order {
		payload := json.RawMessage(fmt.Sprintf(`{"seq":%d}`, i))
		if err := eng.Signal(ctx, s.from, "peer-x", s.typ, payload); err != nil {
			t.Fatalf("signal %d: %v", i, err)
		}
	}
	msgs, err := eng.Poll(ctx, "peer-x")
	if err != nil {
		t.Fatalf("poll: %v", err)
	}
	if len(msgs) != len(order) {
		t.Fatalf("expected %d messages, got %d", len(order), len(msgs))
	}
	for i, m := range msgs {
		if m.From != order[i].from || m.Type != order[i].typ {
			t.Fatalf("message %d out of order: %+v", i, m)
		}
		if string(m.Payload) != fmt.Sprintf(`{"seq":%d}`, i) {
			t.Fatalf("message %d payload changed: %s", i, m.Payload)
		}
	}
	// The drain empties the mailbox.
	msgs, err = eng.Poll(ctx, "peer-x")
	if err != nil || len(msgs) != 0 {
		t.Fatalf("expected drained mailbox, got %v %v", msgs, err)
	}
}

func TestSignalValidation(t *testing.T) {
	eng, _, _ := newTestEngine(t, nil)
	ctx := context.Background()
	payload := json.RawMessage(`{}`)

	if err := eng.Signal(ctx, "", "peer-x", TypeOffer, payload); qverrors.CodeOf(err) != qverrors.CodeMissingFields {
		t.Fatalf("expected missing_fields for empty from, got %v", err)
	}
	if err := eng.Signal(ctx, "peer-a", "", TypeOffer, payload); qverrors.CodeOf(err) != qverrors.CodeMissingFields {
		t.Fatalf("expected missing_fields for empty to, got %v", err)
	}
	if err := eng.Signal(ctx, "peer-a", "peer-x", TypeOffer, nil); qverrors.CodeOf(err) != qverrors.CodeMissingFields {
		t.Fatalf("expected missing_fields for empty payload, got %v", err)
	}
	if err := eng.Signal(ctx, "peer-a", "peer-x", "renegotiate", payload); qverrors.CodeOf(err) != qverrors.CodeInvalidType {
		t.Fatalf("expected invalid_type, got %v", err)
	}
}

func TestPollValidationAndEmptyMailbox(t *testing.T) {
	eng, _, _ := newTestEngine(t, nil)
	ctx := context.Background()

	if _, err := eng.Poll(ctx, ""); qverrors.CodeOf(err) != qverrors.CodeMissingPeerID {
		t.Fatalf("expected missing_peer_id, got %v", err)
	}
	msgs, err := eng.Poll(ctx, "peer-without-mail")
	if err != nil {
		t.Fatalf("poll: %v", err)
	}
	if msgs == nil || len(msgs) != 0 {
		t.Fatalf("expected an empty list, got %v", msgs)
	}
}

func TestPollDropsExpiredMessages(t *testing.T) {
	eng, _, clock := newTestEngine(t, nil)
	ctx := context.Background()

	if err := eng.Signal(ctx, "peer-a", "peer-x", TypeOffer, json.RawMessage(`{"n":1}`)); err != nil {
		t.Fatalf("signal: %v", err)
	}
	clock.Advance(20 * time.Second)
	if err := eng.Signal(ctx, "peer-b", "peer-x", TypeAnswer, json.RawMessage(`{"n":2}`)); err != nil {
		t.Fatalf("signal: %v", err)
	}
	// 35s in: the first message is past its 30s lifetime, the second and
	// the refreshed mailbox are not.
	clock.Advance(15 * time.Second)
	msgs, err := eng.Poll(ctx, "peer-x")
	if err != nil {
		t.Fatalf("poll: %v", err)
	}
	if len(msgs) != 1 || msgs[0].From != "peer-b" {
		t.Fatalf("expected only the live message, got %v", msgs)
	}
}

func TestWholeMailboxExpires(t *testing.T) {
	eng, _, clock := newTestEngine(t, nil)
	ctx := context.Background()

	if err := eng.Signal(ctx, "peer-a", "peer-x", TypeOffer, json.RawMessage(`{}`)); err != nil {
		t.Fatalf("signal: %v", err)
	}
	clock.Advance(DefaultSignalTTL + time.Millisecond)
	msgs, err := eng.Poll(ctx, "peer-x")
	if err != nil || len(msgs) != 0 {
		t.Fatalf("expected a stale mailbox to read empty, got %v %v", msgs, err)
	}
}

func TestConcurrentSignalsAllQueue(t *testing.T) {
	eng, _, _ := newTestEngine(t, func(cfg *Config) { cfg.MaxAttempts = 25 })
	const senders = 8

	var wg sync.WaitGroup
	errs := make([]error, senders)
	for i := 0; i < senders; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			from := fmt.Sprintf("peer-%d", i)
			errs[i] = eng.Signal(context.Background(), from, "peer-x", TypeICECandidate, json.RawMessage(`{}`))
		}(i)
	}
	wg.Wait()
	for i, err := range errs {
		if err != nil {
			t.Fatalf("signal %d: %v", i, err)
		}
	}
	msgs, err := eng.Poll(context.Background(), "peer-x")
	if err != nil {
		t.Fatalf("poll: %v", err)
	}
	if len(msgs) != senders {
		t.Fatalf("expected %d queued messages, got %d", senders, len(msgs))
	}
	seen := map[string]bool{}
	for _, m := range msgs {
		seen[m.From] = true
	}
	if len(seen) != senders {
		t.Fatalf("expected every sender once, got %v", seen)
	}
}

func TestConcurrentPollsNeverDuplicate(t *testing.T) {
	eng, _, _ := newTestEngine(t, nil)
	ctx := context.Background()
	const queued = 5
	for i := 0; i < queued; i++ {
		if err := eng.Signal(ctx, "peer-a", "peer-x", TypeICECandidate, json.RawMessage(fmt.Sprintf(`{"n":%d}`, i))); err != nil {
			t.Fatalf("signal %d: %v", i, err)
		}
	}

	var wg sync.WaitGroup
	results := make([][]Message, 2)
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			msgs, err := eng.Poll(context.Background(), "peer-x")
			if err != nil {
				t.Errorf("poll %d: %v", i, err)
				return
			}
			results[i] = msgs
		}(i)
	}
	wg.Wait()

	got := len(results[0]) + len(results[1])
	if got != queued {
		t.Fatalf("expected the polls to split all-or-empty over %d messages, got %d and %d",
			queued, len(results[0]), len(results[1]))
	}
	if len(results[0]) != 0 && len(results[1]) != 0 {
		t.Fatalf("both polls returned messages: %d and %d", len(results[0]), len(results[1]))
	}
}
