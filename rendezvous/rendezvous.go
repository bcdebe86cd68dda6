// Package rendezvous implements peer discovery and the WebRTC signal
// mailbox: peers register short invite codes, look each other up, and
// exchange offer/answer/ICE payloads through per-peer FIFO mailboxes.
package rendezvous

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/qsafevault/qsafevault-server/internal/backoff"
	"github.com/qsafevault/qsafevault-server/internal/ident"
	"github.com/qsafevault/qsafevault-server/internal/storekey"
	"github.com/qsafevault/qsafevault-server/observability"
	"github.com/qsafevault/qsafevault-server/qverrors"
	"github.com/qsafevault/qsafevault-server/store"
)

const (
	// DefaultPeerTTL is the invite-code registration lifetime.
	DefaultPeerTTL = 30 * time.Second
	// DefaultSignalTTL bounds both a mailbox and each queued message.
	DefaultSignalTTL = 30 * time.Second
	// DefaultMaxAttempts bounds the mailbox append loop.
	DefaultMaxAttempts = 5
)

// Signal message types accepted by the mailbox.
const (
	TypeOffer        = "offer"
	TypeAnswer       = "answer"
	TypeICECandidate = "ice-candidate"
)

// Message is one queued signal as handed to a polling peer.
type Message struct {
	From      string          `json:"from"`
	Type      string          `json:"type"`
	Payload   json.RawMessage `json:"payload"`
	Timestamp int64           `json:"timestamp"`
}

// Config tunes the rendezvous engine. The zero value selects all defaults.
type Config struct {
	// PeerTTL is the registration lifetime. <= 0 selects DefaultPeerTTL.
	PeerTTL time.Duration
	// SignalTTL is the mailbox and message lifetime. <= 0 selects
	// DefaultSignalTTL.
	SignalTTL time.Duration
	// MaxAttempts bounds the mailbox append loop. <= 0 selects
	// DefaultMaxAttempts.
	MaxAttempts int
	// Backoff paces append retries; the zero value selects backoff.Relay.
	Backoff backoff.Policy
	// Observer receives engine metrics; nil disables them.
	Observer observability.RendezvousObserver
	// Now is the clock; nil selects time.Now.
	Now func() time.Time
}

// DefaultConfig returns the production defaults.
func DefaultConfig() Config {
	return Config{
		PeerTTL:     DefaultPeerTTL,
		SignalTTL:   DefaultSignalTTL,
		MaxAttempts: DefaultMaxAttempts,
		Backoff:     backoff.Relay,
	}
}

// Engine is the peer registry and signal mailbox over a Store.
type Engine struct {
	store store.Store
	cfg   Config
	obs   observability.RendezvousObserver
	nowFn func() time.Time
}

// New validates cfg, fills defaults, and returns a ready engine.
func New(st store.Store, cfg Config) (*Engine, error) {
	if st == nil {
		return nil, errors.New("rendezvous: nil store")
	}
	if cfg.PeerTTL <= 0 {
		cfg.PeerTTL = DefaultPeerTTL
	}
	if cfg.SignalTTL <= 0 {
		cfg.SignalTTL = DefaultSignalTTL
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = DefaultMaxAttempts
	}
	if cfg.Backoff == (backoff.Policy{}) {
		cfg.Backoff = backoff.Relay
	}
	obs := cfg.Observer
	if obs == nil {
		obs = observability.NoopRendezvousObserver
	}
	return &Engine{store: st, cfg: cfg, obs: obs, nowFn: cfg.Now}, nil
}

func (e *Engine) now() time.Time {
	if e.nowFn != nil {
		return e.nowFn()
	}
	return time.Now()
}

// PeerTTL reports the configured registration lifetime.
func (e *Engine) PeerTTL() time.Duration {
	return e.cfg.PeerTTL
}

type peerRecord struct {
	PeerID    string `json:"peerId"`
	CreatedAt int64  `json:"createdAt"`
	ExpiresAt int64  `json:"expiresAt"`
	Version   uint64 `json:"version"`
}

type storedMessage struct {
	From      string          `json:"from"`
	Type      string          `json:"type"`
	Payload   json.RawMessage `json:"payload"`
	Timestamp int64           `json:"timestamp"`
	ExpiresAt int64           `json:"expiresAt"`
}

type mailboxRecord struct {
	Messages  []storedMessage `json:"messages"`
	ExpiresAt int64           `json:"expiresAt"`
	Version   uint64          `json:"version"`
}

// Register claims inviteCode for peerID. A live claim by another peer wins;
// re-registering the same peer refreshes the lifetime.
func (e *Engine) Register(ctx context.Context, inviteCode, peerID string) error {
	if err := ident.InviteCode(inviteCode); err != nil {
		e.obs.Register(observability.RegisterResultInvalid)
		if errors.Is(err, ident.ErrMissing) {
			return qverrors.New(qverrors.OpRegister, qverrors.CodeMissingFields)
		}
		return qverrors.Wrap(qverrors.OpRegister, qverrors.CodeInvalidInviteCode, err)
	}
	if err := ident.PeerID(peerID); err != nil {
		e.obs.Register(observability.RegisterResultInvalid)
		return qverrors.Wrap(qverrors.OpRegister, qverrors.CodeMissingFields, err)
	}
	key := storekey.Derive(storekey.Peer, inviteCode)
	for attempt := 0; attempt < e.cfg.MaxAttempts; attempt++ {
		if attempt > 0 {
			if err := e.cfg.Backoff.Sleep(ctx, attempt-1); err != nil {
				e.obs.Register(observability.RegisterResultError)
				return qverrors.Wrap(qverrors.OpRegister, qverrors.CodeServerError, err)
			}
		}
		nowMs := e.now().UnixMilli()
		raw, version, err := e.store.Get(ctx, key)
		switch {
		case err == nil:
			var rec peerRecord
			if uerr := json.Unmarshal(raw, &rec); uerr != nil {
				e.obs.Register(observability.RegisterResultError)
				return qverrors.Wrap(qverrors.OpRegister, qverrors.CodeServerError, uerr)
			}
			if rec.PeerID != peerID {
				e.obs.Register(observability.RegisterResultInUse)
				return qverrors.New(qverrors.OpRegister, qverrors.CodeInviteCodeInUse)
			}
			rec.Version = version + 1
			rec.ExpiresAt = nowMs + e.cfg.PeerTTL.Milliseconds()
			buf, merr := json.Marshal(rec)
			if merr != nil {
				e.obs.Register(observability.RegisterResultError)
				return qverrors.Wrap(qverrors.OpRegister, qverrors.CodeServerError, merr)
			}
			if err := e.putIfVersion(ctx, key, buf, version); err == nil {
				e.obs.Register(observability.RegisterResultOK)
				return nil
			} else if !errors.Is(err, store.ErrVersionMismatch) {
				e.obs.Register(observability.RegisterResultError)
				return qverrors.Wrap(qverrors.OpRegister, qverrors.CodeServerError, err)
			}
		case errors.Is(err, store.ErrNotFound), errors.Is(err, store.ErrExpired):
			rec := peerRecord{
				PeerID:    peerID,
				CreatedAt: nowMs,
				ExpiresAt: nowMs + e.cfg.PeerTTL.Milliseconds(),
				Version:   1,
			}
			buf, merr := json.Marshal(rec)
			if merr != nil {
				e.obs.Register(observability.RegisterResultError)
				return qverrors.Wrap(qverrors.OpRegister, qverrors.CodeServerError, merr)
			}
			if err := e.putIfVersion(ctx, key, buf, 0); err == nil {
				e.obs.Register(observability.RegisterResultOK)
				return nil
			} else if !errors.Is(err, store.ErrVersionMismatch) {
				e.obs.Register(observability.RegisterResultError)
				return qverrors.Wrap(qverrors.OpRegister, qverrors.CodeServerError, err)
			}
		default:
			e.obs.Register(observability.RegisterResultError)
			return qverrors.Wrap(qverrors.OpRegister, qverrors.CodeServerError, err)
		}
	}
	e.obs.Register(observability.RegisterResultError)
	return qverrors.New(qverrors.OpRegister, qverrors.CodeConcurrencyConflict)
}

// Lookup returns the peer registered under inviteCode, if any.
func (e *Engine) Lookup(ctx context.Context, inviteCode string) (string, error) {
	if inviteCode == "" {
		e.obs.Lookup(false)
		return "", qverrors.New(qverrors.OpLookup, qverrors.CodeMissingInviteCode)
	}
	if ident.InviteCode(inviteCode) != nil {
		e.obs.Lookup(false)
		return "", qverrors.New(qverrors.OpLookup, qverrors.CodePeerNotFound)
	}
	key := storekey.Derive(storekey.Peer, inviteCode)
	raw, _, err := e.store.Get(ctx, key)
	switch {
	case err == nil:
	case errors.Is(err, store.ErrNotFound), errors.Is(err, store.ErrExpired):
		e.obs.Lookup(false)
		return "", qverrors.New(qverrors.OpLookup, qverrors.CodePeerNotFound)
	default:
		e.obs.Lookup(false)
		return "", qverrors.Wrap(qverrors.OpLookup, qverrors.CodeServerError, err)
	}
	var rec peerRecord
	if err := json.Unmarshal(raw, &rec); err != nil {
		e.obs.Lookup(false)
		return "", qverrors.Wrap(qverrors.OpLookup, qverrors.CodeServerError, err)
	}
	e.obs.Lookup(true)
	return rec.PeerID, nil
}

// Signal appends a message to the addressee's mailbox.
func (e *Engine) Signal(ctx context.Context, from, to, signalType string, payload json.RawMessage) error {
	if ident.PeerID(from) != nil || ident.PeerID(to) != nil || len(payload) == 0 {
		e.obs.Signal(false)
		return qverrors.New(qverrors.OpSignal, qverrors.CodeMissingFields)
	}
	switch signalType {
	case TypeOffer, TypeAnswer, TypeICECandidate:
	default:
		e.obs.Signal(false)
		return qverrors.New(qverrors.OpSignal, qverrors.CodeInvalidType)
	}
	key := storekey.Derive(storekey.Signal, to)
	for attempt := 0; attempt < e.cfg.MaxAttempts; attempt++ {
		if attempt > 0 {
			if err := e.cfg.Backoff.Sleep(ctx, attempt-1); err != nil {
				e.obs.Signal(false)
				return qverrors.Wrap(qverrors.OpSignal, qverrors.CodeServerError, err)
			}
		}
		box, version, err := e.loadMailbox(ctx, key)
		if err != nil {
			e.obs.Signal(false)
			return qverrors.Wrap(qverrors.OpSignal, qverrors.CodeServerError, err)
		}
		nowMs := e.now().UnixMilli()
		msg := storedMessage{
			From:      from,
			Type:      signalType,
			Payload:   append(json.RawMessage(nil), payload...),
			Timestamp: nowMs,
			ExpiresAt: nowMs + e.cfg.SignalTTL.Milliseconds(),
		}
		box.Messages = append(pruneExpired(box.Messages, nowMs), msg)
		box.ExpiresAt = nowMs + e.cfg.SignalTTL.Milliseconds()
		box.Version = version + 1
		buf, merr := json.Marshal(box)
		if merr != nil {
			e.obs.Signal(false)
			return qverrors.Wrap(qverrors.OpSignal, qverrors.CodeServerError, merr)
		}
		werr := e.putIfVersion(ctx, key, buf, version)
		switch {
		case werr == nil:
		case errors.Is(werr, store.ErrVersionMismatch):
			continue
		default:
			e.obs.Signal(false)
			return qverrors.Wrap(qverrors.OpSignal, qverrors.CodeServerError, werr)
		}
		// Verify the append survived; a last-writer-wins backend may have
		// let a concurrent writer clobber it.
		verify, _, verr := e.loadMailbox(ctx, key)
		if verr == nil && containsMessage(verify.Messages, msg) {
			e.obs.Signal(true)
			return nil
		}
	}
	e.obs.Signal(false)
	return qverrors.New(qverrors.OpSignal, qverrors.CodeConcurrencyConflict)
}

// Poll drains the peer's mailbox. The drain is all-or-empty: concurrent
// pollers never split or duplicate a mailbox.
func (e *Engine) Poll(ctx context.Context, peerID string) ([]Message, error) {
	if ident.PeerID(peerID) != nil {
		return nil, qverrors.New(qverrors.OpPoll, qverrors.CodeMissingPeerID)
	}
	key := storekey.Derive(storekey.Signal, peerID)
	raw, version, err := e.store.Get(ctx, key)
	switch {
	case err == nil:
	case errors.Is(err, store.ErrNotFound), errors.Is(err, store.ErrExpired):
		e.obs.Poll(0)
		return []Message{}, nil
	default:
		return nil, qverrors.Wrap(qverrors.OpPoll, qverrors.CodeServerError, err)
	}
	var box mailboxRecord
	if err := json.Unmarshal(raw, &box); err != nil {
		return nil, qverrors.Wrap(qverrors.OpPoll, qverrors.CodeServerError, err)
	}
	// Claim the drain with a conditional tombstone; the loser of a
	// concurrent poll returns empty rather than duplicating delivery.
	nowMs := e.now().UnixMilli()
	tomb := mailboxRecord{ExpiresAt: nowMs - 1, Version: version + 1}
	tombBuf, merr := json.Marshal(tomb)
	if merr != nil {
		return nil, qverrors.Wrap(qverrors.OpPoll, qverrors.CodeServerError, merr)
	}
	werr := e.putIfVersion(ctx, key, tombBuf, version)
	switch {
	case werr == nil:
	case errors.Is(werr, store.ErrVersionMismatch):
		e.obs.Poll(0)
		return []Message{}, nil
	default:
		return nil, qverrors.Wrap(qverrors.OpPoll, qverrors.CodeServerError, werr)
	}
	_ = e.store.Delete(ctx, key)

	live := pruneExpired(box.Messages, nowMs)
	out := make([]Message, 0, len(live))
	for _, m := range live {
		out = append(out, Message{From: m.From, Type: m.Type, Payload: m.Payload, Timestamp: m.Timestamp})
	}
	e.obs.Poll(len(out))
	return out, nil
}

func (e *Engine) loadMailbox(ctx context.Context, key string) (*mailboxRecord, uint64, error) {
	raw, version, err := e.store.Get(ctx, key)
	switch {
	case err == nil:
	case errors.Is(err, store.ErrNotFound), errors.Is(err, store.ErrExpired):
		return &mailboxRecord{}, 0, nil
	default:
		return nil, 0, err
	}
	var box mailboxRecord
	if err := json.Unmarshal(raw, &box); err != nil {
		return nil, 0, err
	}
	return &box, version, nil
}

func (e *Engine) putIfVersion(ctx context.Context, key string, value []byte, expected uint64) error {
	return e.store.PutIfVersion(ctx, key, value, expected)
}

func pruneExpired(msgs []storedMessage, nowMs int64) []storedMessage {
	out := msgs[:0]
	for _, m := range msgs {
		if m.ExpiresAt > nowMs {
			out = append(out, m)
		}
	}
	return out
}

func containsMessage(msgs []storedMessage, want storedMessage) bool {
	for _, m := range msgs {
		if m.From == want.From && m.Type == want.Type && m.Timestamp == want.Timestamp &&
			string(m.Payload) == string(want.Payload) {
			return true
		}
	}
	return false
}
