// Package store provides the TTL'd key-value layer underneath the relay,
// handshake, and rendezvous engines.
//
// Values are opaque JSON records that carry their own expiry ("expiresAt",
// Unix milliseconds) and a logical version counter ("version"). The store
// interprets nothing else: expiry is enforced on read (a stale record is
// destroyed best-effort and reported as ErrExpired) and by the periodic
// Sweeper. Version checks are logical, at the record level, so the contract
// holds on backends without native compare-and-swap.
package store

import (
	"context"
	"encoding/json"
	"errors"
)

var (
	// ErrNotFound reports an absent key.
	ErrNotFound = errors.New("store: key not found")
	// ErrExpired reports a record that was present but past its expiry.
	// The record is destroyed best-effort before the error is returned.
	ErrExpired = errors.New("store: record expired")
	// ErrVersionMismatch reports a failed conditional put.
	ErrVersionMismatch = errors.New("store: version mismatch")
	// ErrClosed reports use after Close.
	ErrClosed = errors.New("store: closed")
)

// Store is the persistence contract shared by all engines.
type Store interface {
	// Get returns the record and its version. Absent keys yield ErrNotFound;
	// stale records are destroyed best-effort and yield ErrExpired.
	Get(ctx context.Context, key string) ([]byte, uint64, error)

	// Put overwrites the full record unconditionally.
	Put(ctx context.Context, key string, value []byte) error

	// PutIfVersion writes only when the stored record's version equals
	// expected. expected == 0 means create-only: the key must be absent
	// (or stale, which counts as absent). Mismatches yield ErrVersionMismatch.
	PutIfVersion(ctx context.Context, key string, value []byte, expected uint64) error

	// Delete removes the key; deleting an absent key is not an error.
	Delete(ctx context.Context, key string) error

	// List returns every key under prefix, including stale ones.
	// Consumed by the sweeper and the device listing.
	List(ctx context.Context, prefix string) ([]string, error)

	Close() error
}

// Open selects a backend: a process-local map when path is empty, an
// on-disk LevelDB store otherwise.
func Open(path string) (Store, error) {
	if path == "" {
		return NewMemory(), nil
	}
	return OpenLevelDB(path)
}

// recordMeta is the slice of a record the store itself understands.
type recordMeta struct {
	ExpiresAt int64  `json:"expiresAt"`
	Version   uint64 `json:"version"`
}

func probeMeta(value []byte) recordMeta {
	var m recordMeta
	// Records are produced by the engines; a probe failure leaves the
	// zero meta, which reads as version 0 with no expiry.
	_ = json.Unmarshal(value, &m)
	return m
}

func expired(m recordMeta, nowMillis int64) bool {
	return m.ExpiresAt > 0 && nowMillis > m.ExpiresAt
}
