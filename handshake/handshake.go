// Package handshake implements short-lived envelope sessions: one side mints
// a session with a 6-digit PIN, the other resolves the PIN, and the two
// exchange exactly one offer and one answer envelope through the store. The
// answer is one-shot; its first successful read force-expires the session.
package handshake

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/google/uuid"

	"github.com/qsafevault/qsafevault-server/internal/ident"
	"github.com/qsafevault/qsafevault-server/internal/storekey"
	"github.com/qsafevault/qsafevault-server/observability"
	"github.com/qsafevault/qsafevault-server/qverrors"
	"github.com/qsafevault/qsafevault-server/store"
)

const (
	// DefaultSessionTTL is the envelope session lifetime.
	DefaultSessionTTL = 180 * time.Second
	// DefaultPostAnswerTTL is the grace left on a session after its answer
	// has been delivered.
	DefaultPostAnswerTTL = 1 * time.Second
	// DefaultPinAttempts bounds PIN minting against index collisions.
	DefaultPinAttempts = 10

	// SaltLen is the per-session key-derivation salt size in bytes.
	SaltLen = 16

	// pinRejectBound is the largest multiple of 10^6 below 2^32; uint32
	// draws at or above it are rejected so PIN digits stay uniform.
	pinRejectBound = 4294000000

	// stateAttempts bounds the conditional-write loop on envelope state
	// transitions. Conflicts return immediately; only clean version races
	// retry.
	stateAttempts = 3
)

// Session is the public view of an envelope session.
type Session struct {
	ID        string
	PIN       string
	Salt      string
	TTL       time.Duration
	CreatedAt time.Time
	ExpiresAt time.Time
}

// Config tunes the handshake engine. The zero value selects all defaults.
type Config struct {
	// SessionTTL is the session lifetime. <= 0 selects DefaultSessionTTL.
	SessionTTL time.Duration
	// PostAnswerTTL is the post-delivery grace. <= 0 selects
	// DefaultPostAnswerTTL.
	PostAnswerTTL time.Duration
	// PinAttempts bounds PIN minting. <= 0 selects DefaultPinAttempts.
	PinAttempts int
	// Observer receives engine metrics; nil disables them.
	Observer observability.HandshakeObserver
	// Now is the clock; nil selects time.Now.
	Now func() time.Time
	// Rand is the entropy source; nil selects crypto/rand.
	Rand io.Reader
}

// DefaultConfig returns the production defaults.
func DefaultConfig() Config {
	return Config{
		SessionTTL:    DefaultSessionTTL,
		PostAnswerTTL: DefaultPostAnswerTTL,
		PinAttempts:   DefaultPinAttempts,
	}
}

// Engine is the envelope session state machine over a Store.
type Engine struct {
	store store.Store
	cfg   Config
	obs   observability.HandshakeObserver
	nowFn func() time.Time
	rand  io.Reader
}

// New validates cfg, fills defaults, and returns a ready engine.
func New(st store.Store, cfg Config) (*Engine, error) {
	if st == nil {
		return nil, errors.New("handshake: nil store")
	}
	if cfg.SessionTTL <= 0 {
		cfg.SessionTTL = DefaultSessionTTL
	}
	if cfg.PostAnswerTTL <= 0 {
		cfg.PostAnswerTTL = DefaultPostAnswerTTL
	}
	if cfg.PinAttempts <= 0 {
		cfg.PinAttempts = DefaultPinAttempts
	}
	obs := cfg.Observer
	if obs == nil {
		obs = observability.NoopHandshakeObserver
	}
	rnd := cfg.Rand
	if rnd == nil {
		rnd = rand.Reader
	}
	return &Engine{store: st, cfg: cfg, obs: obs, nowFn: cfg.Now, rand: rnd}, nil
}

func (e *Engine) now() time.Time {
	if e.nowFn != nil {
		return e.nowFn()
	}
	return time.Now()
}

// SessionTTL reports the configured session lifetime.
func (e *Engine) SessionTTL() time.Duration {
	return e.cfg.SessionTTL
}

type sessionRecord struct {
	ID              string          `json:"id"`
	PIN             string          `json:"pin"`
	SaltB64         string          `json:"saltB64"`
	Offer           json.RawMessage `json:"offer,omitempty"`
	Answer          json.RawMessage `json:"answer,omitempty"`
	AnswerDelivered bool            `json:"answerDelivered,omitempty"`
	CreatedAt       int64           `json:"createdAt"`
	LastTouched     int64           `json:"lastTouched"`
	ExpiresAt       int64           `json:"expiresAt"`
	Version         uint64          `json:"version"`
}

type pinRecord struct {
	SessionID string `json:"sessionId"`
	ExpiresAt int64  `json:"expiresAt"`
	Version   uint64 `json:"version"`
}

// Create mints a new session with a unique PIN and stores both the session
// record and the PIN index entry.
func (e *Engine) Create(ctx context.Context) (Session, error) {
	id, err := uuid.NewRandomFromReader(e.rand)
	if err != nil {
		return Session{}, qverrors.Wrap(qverrors.OpSessionCreate, qverrors.CodeServerError, err)
	}
	salt := make([]byte, SaltLen)
	if _, err := io.ReadFull(e.rand, salt); err != nil {
		return Session{}, qverrors.Wrap(qverrors.OpSessionCreate, qverrors.CodeServerError, err)
	}
	now := e.now()
	nowMs := now.UnixMilli()
	expMs := nowMs + e.cfg.SessionTTL.Milliseconds()
	for attempt := 1; attempt <= e.cfg.PinAttempts; attempt++ {
		pin, err := e.mintPIN()
		if err != nil {
			return Session{}, qverrors.Wrap(qverrors.OpSessionCreate, qverrors.CodeServerError, err)
		}
		idx := pinRecord{SessionID: id.String(), ExpiresAt: expMs, Version: 1}
		idxBuf, err := json.Marshal(idx)
		if err != nil {
			return Session{}, qverrors.Wrap(qverrors.OpSessionCreate, qverrors.CodeServerError, err)
		}
		err = e.store.PutIfVersion(ctx, storekey.Derive(storekey.PIN, pin), idxBuf, 0)
		switch {
		case err == nil:
		case errors.Is(err, store.ErrVersionMismatch):
			// A live session owns this PIN; draw another.
			continue
		default:
			return Session{}, qverrors.Wrap(qverrors.OpSessionCreate, qverrors.CodeServerError, err)
		}
		rec := sessionRecord{
			ID:          id.String(),
			PIN:         pin,
			SaltB64:     base64.StdEncoding.EncodeToString(salt),
			CreatedAt:   nowMs,
			LastTouched: nowMs,
			ExpiresAt:   expMs,
			Version:     1,
		}
		buf, err := json.Marshal(rec)
		if err != nil {
			return Session{}, qverrors.Wrap(qverrors.OpSessionCreate, qverrors.CodeServerError, err)
		}
		if err := e.store.Put(ctx, e.sessionKey(rec.ID), buf); err != nil {
			return Session{}, qverrors.Wrap(qverrors.OpSessionCreate, qverrors.CodeServerError, err)
		}
		e.obs.SessionCreated(attempt)
		return e.toSession(&rec), nil
	}
	return Session{}, qverrors.Wrap(qverrors.OpSessionCreate, qverrors.CodeServerError,
		fmt.Errorf("no free pin after %d attempts", e.cfg.PinAttempts))
}

// mintPIN draws a uniform 6-digit PIN.
func (e *Engine) mintPIN() (string, error) {
	var buf [4]byte
	for {
		if _, err := io.ReadFull(e.rand, buf[:]); err != nil {
			return "", err
		}
		v := binary.BigEndian.Uint32(buf[:])
		if v >= pinRejectBound {
			continue
		}
		return fmt.Sprintf("%06d", v%1000000), nil
	}
}

// Resolve consumes the PIN index entry and returns the session it points to.
// At most one caller ever resolves a given PIN.
func (e *Engine) Resolve(ctx context.Context, pin string) (Session, error) {
	if pin == "" {
		e.obs.PinResolve(observability.PinResolveResultNotFound)
		return Session{}, qverrors.New(qverrors.OpSessionResolve, qverrors.CodeMissingPin)
	}
	if ident.PIN(pin) != nil {
		e.obs.PinResolve(observability.PinResolveResultNotFound)
		return Session{}, qverrors.New(qverrors.OpSessionResolve, qverrors.CodePinNotFound)
	}
	key := storekey.Derive(storekey.PIN, pin)
	raw, version, err := e.store.Get(ctx, key)
	switch {
	case err == nil:
	case errors.Is(err, store.ErrNotFound), errors.Is(err, store.ErrExpired):
		e.obs.PinResolve(observability.PinResolveResultNotFound)
		return Session{}, qverrors.New(qverrors.OpSessionResolve, qverrors.CodePinNotFound)
	default:
		e.obs.PinResolve(observability.PinResolveResultError)
		return Session{}, qverrors.Wrap(qverrors.OpSessionResolve, qverrors.CodeServerError, err)
	}
	var idx pinRecord
	if err := json.Unmarshal(raw, &idx); err != nil {
		e.obs.PinResolve(observability.PinResolveResultError)
		return Session{}, qverrors.Wrap(qverrors.OpSessionResolve, qverrors.CodeServerError, err)
	}
	// Consume the index with a conditional tombstone so concurrent
	// resolvers serialize; the loser sees the version move.
	tomb := pinRecord{SessionID: idx.SessionID, ExpiresAt: e.now().UnixMilli() - 1, Version: version + 1}
	tombBuf, err := json.Marshal(tomb)
	if err != nil {
		e.obs.PinResolve(observability.PinResolveResultError)
		return Session{}, qverrors.Wrap(qverrors.OpSessionResolve, qverrors.CodeServerError, err)
	}
	err = e.store.PutIfVersion(ctx, key, tombBuf, version)
	switch {
	case err == nil:
	case errors.Is(err, store.ErrVersionMismatch):
		e.obs.PinResolve(observability.PinResolveResultNotFound)
		return Session{}, qverrors.New(qverrors.OpSessionResolve, qverrors.CodePinNotFound)
	default:
		e.obs.PinResolve(observability.PinResolveResultError)
		return Session{}, qverrors.Wrap(qverrors.OpSessionResolve, qverrors.CodeServerError, err)
	}
	_ = e.store.Delete(ctx, key)

	sess, _, lerr := e.loadSession(ctx, qverrors.OpSessionResolve, idx.SessionID)
	if lerr != nil {
		// The index resolved but the session is gone; the PIN is spent.
		e.obs.PinResolve(observability.PinResolveResultExpired)
		return Session{}, qverrors.New(qverrors.OpSessionResolve, qverrors.CodePinExpired)
	}
	e.obs.PinResolve(observability.PinResolveResultOK)
	return e.toSession(sess), nil
}

// SetOffer stores the offer envelope. A session carries at most one offer.
func (e *Engine) SetOffer(ctx context.Context, sessionID string, envelope json.RawMessage) error {
	op := qverrors.OpOfferSet
	if err := ValidateEnvelope(sessionID, envelope); err != nil {
		e.obs.Envelope(observability.EnvelopeOpOfferSet, observability.EnvelopeResultInvalid)
		return qverrors.Wrap(op, qverrors.CodeInvalidEnvelope, err)
	}
	for attempt := 0; attempt < stateAttempts; attempt++ {
		sess, prev, err := e.loadSession(ctx, op, sessionID)
		if err != nil {
			e.observeEnvelope(observability.EnvelopeOpOfferSet, err)
			return err
		}
		if len(sess.Offer) != 0 {
			e.obs.Envelope(observability.EnvelopeOpOfferSet, observability.EnvelopeResultConflict)
			return qverrors.New(op, qverrors.CodeOfferAlreadySet)
		}
		sess.Offer = append(json.RawMessage(nil), envelope...)
		e.touchSession(sess)
		ok, err := e.writeSession(ctx, sess, prev)
		if err != nil {
			e.obs.Envelope(observability.EnvelopeOpOfferSet, observability.EnvelopeResultError)
			return qverrors.Wrap(op, qverrors.CodeServerError, err)
		}
		if ok {
			e.obs.Envelope(observability.EnvelopeOpOfferSet, observability.EnvelopeResultOK)
			return nil
		}
	}
	e.obs.Envelope(observability.EnvelopeOpOfferSet, observability.EnvelopeResultError)
	return qverrors.New(op, qverrors.CodeServerError)
}

// GetOffer returns the stored offer envelope byte for byte.
func (e *Engine) GetOffer(ctx context.Context, sessionID string) (json.RawMessage, error) {
	op := qverrors.OpOfferGet
	sess, _, err := e.loadSession(ctx, op, sessionID)
	if err != nil {
		e.observeEnvelope(observability.EnvelopeOpOfferGet, err)
		return nil, err
	}
	if len(sess.Offer) == 0 {
		e.obs.Envelope(observability.EnvelopeOpOfferGet, observability.EnvelopeResultNotFound)
		return nil, qverrors.New(op, qverrors.CodeOfferNotSet)
	}
	e.obs.Envelope(observability.EnvelopeOpOfferGet, observability.EnvelopeResultOK)
	return append(json.RawMessage(nil), sess.Offer...), nil
}

// SetAnswer stores the answer envelope. It requires the offer to be present
// and rejects a second answer.
func (e *Engine) SetAnswer(ctx context.Context, sessionID string, envelope json.RawMessage) error {
	op := qverrors.OpAnswerSet
	if err := ValidateEnvelope(sessionID, envelope); err != nil {
		e.obs.Envelope(observability.EnvelopeOpAnswerSet, observability.EnvelopeResultInvalid)
		return qverrors.Wrap(op, qverrors.CodeInvalidEnvelope, err)
	}
	for attempt := 0; attempt < stateAttempts; attempt++ {
		sess, prev, err := e.loadSession(ctx, op, sessionID)
		if err != nil {
			e.observeEnvelope(observability.EnvelopeOpAnswerSet, err)
			return err
		}
		if len(sess.Answer) != 0 || sess.AnswerDelivered {
			e.obs.Envelope(observability.EnvelopeOpAnswerSet, observability.EnvelopeResultConflict)
			return qverrors.New(op, qverrors.CodeAnswerAlreadySet)
		}
		if len(sess.Offer) == 0 {
			e.obs.Envelope(observability.EnvelopeOpAnswerSet, observability.EnvelopeResultConflict)
			return qverrors.New(op, qverrors.CodeOfferNotSet)
		}
		sess.Answer = append(json.RawMessage(nil), envelope...)
		e.touchSession(sess)
		ok, err := e.writeSession(ctx, sess, prev)
		if err != nil {
			e.obs.Envelope(observability.EnvelopeOpAnswerSet, observability.EnvelopeResultError)
			return qverrors.Wrap(op, qverrors.CodeServerError, err)
		}
		if ok {
			e.obs.Envelope(observability.EnvelopeOpAnswerSet, observability.EnvelopeResultOK)
			return nil
		}
	}
	e.obs.Envelope(observability.EnvelopeOpAnswerSet, observability.EnvelopeResultError)
	return qverrors.New(op, qverrors.CodeServerError)
}

// GetAnswer returns the answer envelope exactly once. The delivering read
// flips answerDelivered and leaves only a short grace on the session; any
// later or concurrent reader sees session_expired.
func (e *Engine) GetAnswer(ctx context.Context, sessionID string) (json.RawMessage, error) {
	op := qverrors.OpAnswerGet
	sess, prev, err := e.loadSession(ctx, op, sessionID)
	if err != nil {
		e.observeEnvelope(observability.EnvelopeOpAnswerGet, err)
		return nil, err
	}
	if sess.AnswerDelivered {
		e.obs.Envelope(observability.EnvelopeOpAnswerGet, observability.EnvelopeResultExpired)
		return nil, qverrors.New(op, qverrors.CodeSessionExpired)
	}
	if len(sess.Answer) == 0 {
		e.obs.Envelope(observability.EnvelopeOpAnswerGet, observability.EnvelopeResultNotFound)
		return nil, qverrors.New(op, qverrors.CodeAnswerNotSet)
	}
	answer := append(json.RawMessage(nil), sess.Answer...)
	sess.AnswerDelivered = true
	sess.Version++
	nowMs := e.now().UnixMilli()
	sess.LastTouched = nowMs
	sess.ExpiresAt = nowMs + e.cfg.PostAnswerTTL.Milliseconds()
	ok, werr := e.writeSession(ctx, sess, prev)
	if werr != nil {
		e.obs.Envelope(observability.EnvelopeOpAnswerGet, observability.EnvelopeResultError)
		return nil, qverrors.Wrap(op, qverrors.CodeServerError, werr)
	}
	if !ok {
		// Another reader won the one-shot delivery.
		e.obs.Envelope(observability.EnvelopeOpAnswerGet, observability.EnvelopeResultExpired)
		return nil, qverrors.New(op, qverrors.CodeSessionExpired)
	}
	e.obs.Envelope(observability.EnvelopeOpAnswerGet, observability.EnvelopeResultOK)
	return answer, nil
}

// Delete removes the session and its PIN index entry. It is idempotent and
// succeeds whether or not the session exists.
func (e *Engine) Delete(ctx context.Context, sessionID string) error {
	if ident.SessionID(sessionID) != nil {
		e.obs.Envelope(observability.EnvelopeOpDelete, observability.EnvelopeResultOK)
		return nil
	}
	key := e.sessionKey(sessionID)
	raw, _, err := e.store.Get(ctx, key)
	switch {
	case err == nil:
		var sess sessionRecord
		if json.Unmarshal(raw, &sess) == nil && sess.PIN != "" {
			_ = e.store.Delete(ctx, storekey.Derive(storekey.PIN, sess.PIN))
		}
	case errors.Is(err, store.ErrNotFound), errors.Is(err, store.ErrExpired):
	default:
		e.obs.Envelope(observability.EnvelopeOpDelete, observability.EnvelopeResultError)
		return qverrors.Wrap(qverrors.OpSessionDelete, qverrors.CodeServerError, err)
	}
	if err := e.store.Delete(ctx, key); err != nil {
		e.obs.Envelope(observability.EnvelopeOpDelete, observability.EnvelopeResultError)
		return qverrors.Wrap(qverrors.OpSessionDelete, qverrors.CodeServerError, err)
	}
	e.obs.Envelope(observability.EnvelopeOpDelete, observability.EnvelopeResultOK)
	return nil
}

func (e *Engine) sessionKey(id string) string {
	return storekey.Derive(storekey.EnvelopeSession, id)
}

// loadSession maps absent and stale sessions to their public error codes.
func (e *Engine) loadSession(ctx context.Context, op qverrors.Op, id string) (*sessionRecord, uint64, error) {
	if ident.SessionID(id) != nil {
		return nil, 0, qverrors.New(op, qverrors.CodeSessionNotFound)
	}
	raw, version, err := e.store.Get(ctx, e.sessionKey(id))
	switch {
	case err == nil:
	case errors.Is(err, store.ErrNotFound):
		return nil, 0, qverrors.New(op, qverrors.CodeSessionNotFound)
	case errors.Is(err, store.ErrExpired):
		return nil, 0, qverrors.New(op, qverrors.CodeSessionExpired)
	default:
		return nil, 0, qverrors.Wrap(op, qverrors.CodeServerError, err)
	}
	var sess sessionRecord
	if err := json.Unmarshal(raw, &sess); err != nil {
		return nil, 0, qverrors.Wrap(op, qverrors.CodeServerError, err)
	}
	return &sess, version, nil
}

func (e *Engine) writeSession(ctx context.Context, sess *sessionRecord, prev uint64) (bool, error) {
	buf, err := json.Marshal(sess)
	if err != nil {
		return false, err
	}
	err = e.store.PutIfVersion(ctx, e.sessionKey(sess.ID), buf, prev)
	switch {
	case err == nil:
		return true, nil
	case errors.Is(err, store.ErrVersionMismatch):
		return false, nil
	default:
		return false, err
	}
}

// touchSession bumps the version and restores the full session lifetime.
func (e *Engine) touchSession(sess *sessionRecord) {
	nowMs := e.now().UnixMilli()
	sess.Version++
	sess.LastTouched = nowMs
	sess.ExpiresAt = nowMs + e.cfg.SessionTTL.Milliseconds()
}

func (e *Engine) toSession(rec *sessionRecord) Session {
	return Session{
		ID:        rec.ID,
		PIN:       rec.PIN,
		Salt:      rec.SaltB64,
		TTL:       e.cfg.SessionTTL,
		CreatedAt: time.UnixMilli(rec.CreatedAt).UTC(),
		ExpiresAt: time.UnixMilli(rec.ExpiresAt).UTC(),
	}
}

// observeEnvelope reports an already classified load failure.
func (e *Engine) observeEnvelope(op observability.EnvelopeOp, err error) {
	switch qverrors.CodeOf(err) {
	case qverrors.CodeSessionNotFound:
		e.obs.Envelope(op, observability.EnvelopeResultNotFound)
	case qverrors.CodeSessionExpired:
		e.obs.Envelope(op, observability.EnvelopeResultExpired)
	default:
		e.obs.Envelope(op, observability.EnvelopeResultError)
	}
}
