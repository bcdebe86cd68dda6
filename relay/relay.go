// Package relay implements the chunked store-and-forward mailbox: a sender
// pushes ciphertext chunks onto a channel keyed by (channel code, password
// hash); the paired receiver drains them in ascending index order and
// acknowledges completion.
//
// The engine never trusts the backend to serialize writers. Every session
// write is a conditional put on the record's logical version, and pushes
// additionally verify their own write by reading it back, so concurrent
// pushers on backends with approximate conditional semantics still converge.
package relay

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/qsafevault/qsafevault-server/internal/backoff"
	"github.com/qsafevault/qsafevault-server/internal/ident"
	"github.com/qsafevault/qsafevault-server/internal/storekey"
	"github.com/qsafevault/qsafevault-server/observability"
	"github.com/qsafevault/qsafevault-server/qverrors"
	"github.com/qsafevault/qsafevault-server/store"
)

const (
	// MaxTotalChunks bounds the declared chunk count of a session.
	MaxTotalChunks = 2048
	// MaxChunkBytes bounds one ciphertext blob.
	MaxChunkBytes = 48 * 1024

	// DefaultBaseTTL is the session lifetime floor.
	DefaultBaseTTL = 60 * time.Second
	// DefaultPerChunkTTL extends the lifetime per declared chunk.
	DefaultPerChunkTTL = 500 * time.Millisecond
	// DefaultMaxTTL caps the dynamic session lifetime.
	DefaultMaxTTL = 180 * time.Second
	// DefaultAckTTL bounds the standalone acknowledgment record.
	DefaultAckTTL = 60 * time.Second
	// DefaultMaxAttempts bounds the optimistic write loop.
	DefaultMaxAttempts = 5
)

// Status is the receiver-visible state of a poll.
type Status string

const (
	StatusWaiting        Status = "waiting"
	StatusChunkAvailable Status = "chunkAvailable"
	StatusDone           Status = "done"
	StatusExpired        Status = "expired"
)

// Chunk is one delivered ciphertext blob.
type Chunk struct {
	Index       int    `json:"chunkIndex"`
	TotalChunks int    `json:"totalChunks"`
	Data        string `json:"data"`
}

// PollResult is the outcome of a receiver poll. Chunk is set only for
// StatusChunkAvailable.
type PollResult struct {
	Status Status
	Chunk  *Chunk
}

// Config tunes the relay engine. The zero value selects all defaults.
type Config struct {
	// Placeholder enables receiver-first channels: a poll on an absent
	// channel creates a waiting placeholder that the first push completes.
	// When disabled, polling before any push reports StatusExpired.
	Placeholder bool
	// BaseTTL is the session lifetime floor. <= 0 selects DefaultBaseTTL.
	BaseTTL time.Duration
	// PerChunkTTL extends the lifetime per declared chunk. <= 0 selects
	// DefaultPerChunkTTL.
	PerChunkTTL time.Duration
	// MaxTTL caps the dynamic lifetime. <= 0 selects DefaultMaxTTL.
	MaxTTL time.Duration
	// AckTTL bounds the acknowledgment record. <= 0 selects DefaultAckTTL.
	AckTTL time.Duration
	// MaxAttempts bounds the push retry loop. <= 0 selects DefaultMaxAttempts.
	MaxAttempts int
	// Backoff paces push retries; the zero value selects backoff.Relay.
	Backoff backoff.Policy
	// Observer receives engine metrics; nil disables them.
	Observer observability.RelayObserver
	// Now is the clock; nil selects time.Now.
	Now func() time.Time
}

// DefaultConfig returns the production defaults.
func DefaultConfig() Config {
	return Config{
		BaseTTL:     DefaultBaseTTL,
		PerChunkTTL: DefaultPerChunkTTL,
		MaxTTL:      DefaultMaxTTL,
		AckTTL:      DefaultAckTTL,
		MaxAttempts: DefaultMaxAttempts,
		Backoff:     backoff.Relay,
	}
}

// Engine is the relay session state machine over a Store.
type Engine struct {
	store store.Store
	cfg   Config
	obs   observability.RelayObserver
	nowFn func() time.Time
}

// New validates cfg, fills defaults, and returns a ready engine.
func New(st store.Store, cfg Config) (*Engine, error) {
	if st == nil {
		return nil, errors.New("relay: nil store")
	}
	if cfg.BaseTTL <= 0 {
		cfg.BaseTTL = DefaultBaseTTL
	}
	if cfg.PerChunkTTL <= 0 {
		cfg.PerChunkTTL = DefaultPerChunkTTL
	}
	if cfg.MaxTTL <= 0 {
		cfg.MaxTTL = DefaultMaxTTL
	}
	if cfg.MaxTTL < cfg.BaseTTL {
		cfg.MaxTTL = cfg.BaseTTL
	}
	if cfg.AckTTL <= 0 {
		cfg.AckTTL = DefaultAckTTL
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = DefaultMaxAttempts
	}
	if cfg.Backoff == (backoff.Policy{}) {
		cfg.Backoff = backoff.Relay
	}
	obs := cfg.Observer
	if obs == nil {
		obs = observability.NoopRelayObserver
	}
	return &Engine{store: st, cfg: cfg, obs: obs, nowFn: cfg.Now}, nil
}

func (e *Engine) now() time.Time {
	if e.nowFn != nil {
		return e.nowFn()
	}
	return time.Now()
}

// TTLPolicy describes the session lifetime formula for the edition info.
func (e *Engine) TTLPolicy() string {
	return fmt.Sprintf("%s+%s*chunks,max%s", e.cfg.BaseTTL, e.cfg.PerChunkTTL, e.cfg.MaxTTL)
}

// Placeholder reports whether receiver-first channels are enabled.
func (e *Engine) Placeholder() bool {
	return e.cfg.Placeholder
}

// sessionRecord is the stored shape of one relay channel direction.
type sessionRecord struct {
	TotalChunks      int               `json:"totalChunks,omitempty"`
	WaitingForSender bool              `json:"waitingForSender,omitempty"`
	Chunks           map[string]string `json:"chunks"`
	Delivered        []int             `json:"delivered"`
	Completed        bool              `json:"completed"`
	Acknowledged     bool              `json:"acknowledged"`
	CreatedAt        int64             `json:"createdAt"`
	LastTouched      int64             `json:"lastTouched"`
	ExpiresAt        int64             `json:"expiresAt"`
	Version          uint64            `json:"version"`
}

type ackRecord struct {
	Acknowledged bool   `json:"acknowledged"`
	ExpiresAt    int64  `json:"expiresAt"`
	Version      uint64 `json:"version"`
}

// Push stores one ciphertext chunk on the channel.
func (e *Engine) Push(ctx context.Context, channelCode, passwordHash string, chunkIndex, totalChunks int, data string) error {
	if err := validatePush(channelCode, passwordHash, chunkIndex, totalChunks, data); err != nil {
		e.obs.Push(observability.PushResultInvalid, 0)
		return err
	}
	key := storekey.Derive(storekey.Session, channelCode, passwordHash)
	idx := strconv.Itoa(chunkIndex)
	for attempt := 0; attempt < e.cfg.MaxAttempts; attempt++ {
		if attempt > 0 {
			if err := e.cfg.Backoff.Sleep(ctx, attempt-1); err != nil {
				e.obs.Push(observability.PushResultError, attempt)
				return qverrors.Wrap(qverrors.OpSend, qverrors.CodeInternalError, err)
			}
		}
		sess, prev, err := e.loadSession(ctx, key)
		if err != nil {
			e.obs.Push(observability.PushResultError, attempt+1)
			return qverrors.Wrap(qverrors.OpSend, qverrors.CodeInternalError, err)
		}
		nowMs := e.now().UnixMilli()
		if sess == nil {
			sess = &sessionRecord{
				TotalChunks: totalChunks,
				Chunks:      map[string]string{},
				Delivered:   []int{},
				CreatedAt:   nowMs,
			}
			prev = 0
		}
		if sess.TotalChunks == 0 {
			// Placeholder left by a receiver-first poll; first push fixes
			// the chunk count.
			sess.TotalChunks = totalChunks
			sess.WaitingForSender = false
		}
		if sess.TotalChunks != totalChunks {
			e.obs.Push(observability.PushResultMismatch, attempt+1)
			return qverrors.New(qverrors.OpSend, qverrors.CodeTotalChunksMismatch)
		}
		if chunkIndex >= sess.TotalChunks {
			e.obs.Push(observability.PushResultInvalid, attempt+1)
			return qverrors.New(qverrors.OpSend, qverrors.CodeInvalidChunk)
		}
		if _, pending := sess.Chunks[idx]; pending || containsIndex(sess.Delivered, chunkIndex) {
			e.obs.Push(observability.PushResultDuplicate, attempt+1)
			return qverrors.New(qverrors.OpSend, qverrors.CodeDuplicateChunk)
		}
		if sess.Chunks == nil {
			sess.Chunks = map[string]string{}
		}
		sess.Chunks[idx] = data
		e.touch(sess, nowMs)
		ok, err := e.writeSession(ctx, key, sess, prev)
		if err != nil {
			e.obs.Push(observability.PushResultError, attempt+1)
			return qverrors.Wrap(qverrors.OpSend, qverrors.CodeInternalError, err)
		}
		if !ok {
			continue
		}
		// Read-back verification closes the race against last-writer-wins
		// backends: a loser sees the winner's merged state next attempt.
		verify, _, verr := e.loadSession(ctx, key)
		if verr == nil && verify != nil && verify.Chunks[idx] == data && verify.Version >= sess.Version {
			e.obs.Push(observability.PushResultOK, attempt+1)
			return nil
		}
	}
	e.obs.Push(observability.PushResultConflict, e.cfg.MaxAttempts)
	return qverrors.New(qverrors.OpSend, qverrors.CodeConcurrencyConflict)
}

// Next hands the receiver the lowest undelivered chunk, or reports the
// channel state when none is deliverable.
func (e *Engine) Next(ctx context.Context, channelCode, passwordHash string) (PollResult, error) {
	if ident.ChannelCode(channelCode) != nil || ident.PasswordHash(passwordHash) != nil {
		// Malformed selectors look like unknown channels; no format oracle.
		e.obs.Next(observability.NextResultExpired)
		return PollResult{Status: StatusExpired}, nil
	}
	key := storekey.Derive(storekey.Session, channelCode, passwordHash)
	sess, prev, err := e.loadSession(ctx, key)
	if err != nil {
		e.obs.Next(observability.NextResultError)
		return PollResult{}, qverrors.Wrap(qverrors.OpReceive, qverrors.CodeInternalError, err)
	}
	nowMs := e.now().UnixMilli()
	if sess == nil {
		if !e.cfg.Placeholder {
			e.obs.Next(observability.NextResultExpired)
			return PollResult{Status: StatusExpired}, nil
		}
		placeholder := &sessionRecord{
			WaitingForSender: true,
			Chunks:           map[string]string{},
			Delivered:        []int{},
			CreatedAt:        nowMs,
		}
		e.touch(placeholder, nowMs)
		// Losing this create to a concurrent push just means the channel
		// exists now; either way the receiver keeps polling.
		if _, err := e.writeSession(ctx, key, placeholder, 0); err != nil {
			e.obs.Next(observability.NextResultError)
			return PollResult{}, qverrors.Wrap(qverrors.OpReceive, qverrors.CodeInternalError, err)
		}
		e.obs.Next(observability.NextResultWaiting)
		return PollResult{Status: StatusWaiting}, nil
	}
	if sess.Completed {
		acked := sess.Acknowledged
		if !acked {
			acked, err = e.ackRecordSet(ctx, channelCode, passwordHash)
			if err != nil {
				e.obs.Next(observability.NextResultError)
				return PollResult{}, qverrors.Wrap(qverrors.OpReceive, qverrors.CodeInternalError, err)
			}
		}
		if acked {
			// The receiver saw done and the ack landed; the session is
			// spent. The ack record stays for the sender until its TTL.
			if err := e.store.Delete(ctx, key); err != nil {
				e.obs.Next(observability.NextResultError)
				return PollResult{}, qverrors.Wrap(qverrors.OpReceive, qverrors.CodeInternalError, err)
			}
		} else {
			e.refresh(ctx, key, sess, prev, nowMs)
		}
		e.obs.Next(observability.NextResultDone)
		return PollResult{Status: StatusDone}, nil
	}
	nextIdx := lowestUndelivered(sess)
	data, deliverable := sess.Chunks[strconv.Itoa(nextIdx)]
	if !deliverable {
		e.refresh(ctx, key, sess, prev, nowMs)
		e.obs.Next(observability.NextResultWaiting)
		return PollResult{Status: StatusWaiting}, nil
	}
	delete(sess.Chunks, strconv.Itoa(nextIdx))
	sess.Delivered = append(sess.Delivered, nextIdx)
	if len(sess.Delivered) == sess.TotalChunks {
		sess.Completed = true
		sess.Chunks = map[string]string{}
	}
	e.touch(sess, nowMs)
	ok, err := e.writeSession(ctx, key, sess, prev)
	if err != nil {
		e.obs.Next(observability.NextResultError)
		return PollResult{}, qverrors.Wrap(qverrors.OpReceive, qverrors.CodeInternalError, err)
	}
	if !ok {
		// A concurrent receiver won the index; report waiting rather than
		// deliver the same chunk twice.
		e.obs.Next(observability.NextResultWaiting)
		return PollResult{Status: StatusWaiting}, nil
	}
	e.obs.Next(observability.NextResultChunk)
	return PollResult{
		Status: StatusChunkAvailable,
		Chunk:  &Chunk{Index: nextIdx, TotalChunks: sess.TotalChunks, Data: data},
	}, nil
}

// SetAck records the receiver's acknowledgment. The standalone record is
// authoritative; the session flag is best-effort so a live session reports
// consistently.
func (e *Engine) SetAck(ctx context.Context, channelCode, passwordHash string) error {
	if ident.ChannelCode(channelCode) != nil || ident.PasswordHash(passwordHash) != nil {
		return qverrors.New(qverrors.OpAck, qverrors.CodeMissingFields)
	}
	nowMs := e.now().UnixMilli()
	rec := ackRecord{
		Acknowledged: true,
		ExpiresAt:    nowMs + e.cfg.AckTTL.Milliseconds(),
		Version:      1,
	}
	buf, err := json.Marshal(rec)
	if err != nil {
		return qverrors.Wrap(qverrors.OpAck, qverrors.CodeInternalError, err)
	}
	ackKey := storekey.Derive(storekey.Ack, channelCode, passwordHash)
	if err := e.store.Put(ctx, ackKey, buf); err != nil {
		return qverrors.Wrap(qverrors.OpAck, qverrors.CodeInternalError, err)
	}
	sessKey := storekey.Derive(storekey.Session, channelCode, passwordHash)
	if sess, prev, err := e.loadSession(ctx, sessKey); err == nil && sess != nil {
		sess.Acknowledged = true
		e.touch(sess, nowMs)
		_, _ = e.writeSession(ctx, sessKey, sess, prev)
	}
	e.obs.AckSet()
	return nil
}

// GetAck reports whether the channel has been acknowledged, consulting the
// standalone record first and the session flag as fallback.
func (e *Engine) GetAck(ctx context.Context, channelCode, passwordHash string) (bool, error) {
	if ident.ChannelCode(channelCode) != nil || ident.PasswordHash(passwordHash) != nil {
		return false, qverrors.New(qverrors.OpAckStatus, qverrors.CodeMissingFields)
	}
	acked, err := e.ackRecordSet(ctx, channelCode, passwordHash)
	if err != nil {
		return false, qverrors.Wrap(qverrors.OpAckStatus, qverrors.CodeInternalError, err)
	}
	if !acked {
		key := storekey.Derive(storekey.Session, channelCode, passwordHash)
		sess, _, err := e.loadSession(ctx, key)
		if err != nil {
			return false, qverrors.Wrap(qverrors.OpAckStatus, qverrors.CodeInternalError, err)
		}
		if sess != nil {
			acked = sess.Acknowledged
		}
	}
	e.obs.AckStatus(acked)
	return acked, nil
}

func (e *Engine) ackRecordSet(ctx context.Context, channelCode, passwordHash string) (bool, error) {
	key := storekey.Derive(storekey.Ack, channelCode, passwordHash)
	raw, _, err := e.store.Get(ctx, key)
	switch {
	case err == nil:
		var rec ackRecord
		if uerr := json.Unmarshal(raw, &rec); uerr != nil {
			return false, uerr
		}
		return rec.Acknowledged, nil
	case errors.Is(err, store.ErrNotFound), errors.Is(err, store.ErrExpired):
		return false, nil
	default:
		return false, err
	}
}

// loadSession returns (nil, 0, nil) for absent or stale sessions.
func (e *Engine) loadSession(ctx context.Context, key string) (*sessionRecord, uint64, error) {
	raw, version, err := e.store.Get(ctx, key)
	switch {
	case err == nil:
	case errors.Is(err, store.ErrNotFound), errors.Is(err, store.ErrExpired):
		return nil, 0, nil
	default:
		return nil, 0, err
	}
	var sess sessionRecord
	if err := json.Unmarshal(raw, &sess); err != nil {
		return nil, 0, err
	}
	return &sess, version, nil
}

// writeSession performs the conditional write. The bool is false when the
// stored version moved underneath us.
func (e *Engine) writeSession(ctx context.Context, key string, sess *sessionRecord, prev uint64) (bool, error) {
	buf, err := json.Marshal(sess)
	if err != nil {
		return false, err
	}
	err = e.store.PutIfVersion(ctx, key, buf, prev)
	switch {
	case err == nil:
		return true, nil
	case errors.Is(err, store.ErrVersionMismatch):
		return false, nil
	default:
		return false, err
	}
}

// touch bumps the version and refreshes the lifetime.
func (e *Engine) touch(sess *sessionRecord, nowMs int64) {
	sess.Version++
	sess.LastTouched = nowMs
	sess.ExpiresAt = nowMs + e.sessionTTL(sess.TotalChunks).Milliseconds()
}

// refresh extends a session the receiver is actively polling. Losing the
// conditional write means another writer already touched the record.
func (e *Engine) refresh(ctx context.Context, key string, sess *sessionRecord, prev uint64, nowMs int64) {
	e.touch(sess, nowMs)
	_, _ = e.writeSession(ctx, key, sess, prev)
}

func (e *Engine) sessionTTL(totalChunks int) time.Duration {
	if totalChunks <= 0 {
		return e.cfg.BaseTTL
	}
	d := e.cfg.BaseTTL + time.Duration(totalChunks)*e.cfg.PerChunkTTL
	if d > e.cfg.MaxTTL {
		return e.cfg.MaxTTL
	}
	return d
}

func validatePush(channelCode, passwordHash string, chunkIndex, totalChunks int, data string) error {
	if err := ident.ChannelCode(channelCode); err != nil {
		return qverrors.Wrap(qverrors.OpSend, qverrors.CodeInvalidChunk, err)
	}
	if err := ident.PasswordHash(passwordHash); err != nil {
		return qverrors.Wrap(qverrors.OpSend, qverrors.CodeInvalidChunk, err)
	}
	if totalChunks < 1 || totalChunks > MaxTotalChunks {
		return qverrors.New(qverrors.OpSend, qverrors.CodeInvalidChunk)
	}
	if chunkIndex < 0 || chunkIndex >= totalChunks {
		return qverrors.New(qverrors.OpSend, qverrors.CodeInvalidChunk)
	}
	if len(data) == 0 || len(data) > MaxChunkBytes {
		return qverrors.New(qverrors.OpSend, qverrors.CodeInvalidChunk)
	}
	return nil
}

func containsIndex(delivered []int, idx int) bool {
	for _, d := range delivered {
		if d == idx {
			return true
		}
	}
	return false
}

// lowestUndelivered finds the smallest index the receiver has not seen.
// Delivery keeps the delivered set a contiguous prefix, so this is
// normally len(delivered), but the scan stays correct on any state.
func lowestUndelivered(sess *sessionRecord) int {
	seen := make(map[int]struct{}, len(sess.Delivered))
	for _, d := range sess.Delivered {
		seen[d] = struct{}{}
	}
	for i := 0; ; i++ {
		if _, ok := seen[i]; !ok {
			return i
		}
	}
}
