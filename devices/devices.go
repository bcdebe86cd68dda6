// Package devices is the enterprise device registry: a TTL'd inventory of
// client devices keyed by caller-chosen ids. Registration is an upsert;
// listing skips records past their lifetime.
package devices

import (
	"context"
	"encoding/json"
	"errors"
	"sort"
	"strings"
	"time"

	"github.com/qsafevault/qsafevault-server/internal/ident"
	"github.com/qsafevault/qsafevault-server/internal/storekey"
	"github.com/qsafevault/qsafevault-server/qverrors"
	"github.com/qsafevault/qsafevault-server/store"
)

const (
	// DefaultTTL is the registration lifetime; re-registering refreshes it.
	DefaultTTL = 24 * time.Hour

	writeAttempts = 3
)

// Device is one registry entry. Timestamps are Unix milliseconds.
type Device struct {
	DeviceID     string `json:"deviceId"`
	Name         string `json:"name,omitempty"`
	Platform     string `json:"platform,omitempty"`
	RegisteredAt int64  `json:"registeredAt"`
	ExpiresAt    int64  `json:"expiresAt"`
	Version      uint64 `json:"version"`
}

// Config tunes the registry. The zero value selects all defaults.
type Config struct {
	// TTL is the registration lifetime. <= 0 selects DefaultTTL.
	TTL time.Duration
	// Now is the clock; nil selects time.Now.
	Now func() time.Time
}

// Registry is the device inventory over a Store.
type Registry struct {
	store store.Store
	cfg   Config
	nowFn func() time.Time
}

// New validates cfg, fills defaults, and returns a ready registry.
func New(st store.Store, cfg Config) (*Registry, error) {
	if st == nil {
		return nil, errors.New("devices: nil store")
	}
	if cfg.TTL <= 0 {
		cfg.TTL = DefaultTTL
	}
	return &Registry{store: st, cfg: cfg, nowFn: cfg.Now}, nil
}

func (r *Registry) now() time.Time {
	if r.nowFn != nil {
		return r.nowFn()
	}
	return time.Now()
}

// TTL reports the configured registration lifetime.
func (r *Registry) TTL() time.Duration {
	return r.cfg.TTL
}

// Register upserts a device. A re-registration keeps the original
// registration time and refreshes the lifetime.
func (r *Registry) Register(ctx context.Context, deviceID, name, platform string) (Device, error) {
	if err := ident.DeviceID(deviceID); err != nil {
		if errors.Is(err, ident.ErrMissing) {
			return Device{}, qverrors.New(qverrors.OpDeviceRegister, qverrors.CodeMissingDeviceID)
		}
		return Device{}, qverrors.Wrap(qverrors.OpDeviceRegister, qverrors.CodeInvalidDeviceID, err)
	}
	name = strings.TrimSpace(name)
	platform = strings.TrimSpace(platform)
	key := storekey.Derive(storekey.Devices, deviceID)
	for attempt := 0; attempt < writeAttempts; attempt++ {
		nowMs := r.now().UnixMilli()
		dev := Device{
			DeviceID:     deviceID,
			Name:         name,
			Platform:     platform,
			RegisteredAt: nowMs,
			ExpiresAt:    nowMs + r.cfg.TTL.Milliseconds(),
			Version:      1,
		}
		raw, version, err := r.store.Get(ctx, key)
		switch {
		case err == nil:
			var prev Device
			if uerr := json.Unmarshal(raw, &prev); uerr != nil {
				return Device{}, qverrors.Wrap(qverrors.OpDeviceRegister, qverrors.CodeServerError, uerr)
			}
			dev.RegisteredAt = prev.RegisteredAt
			dev.Version = version + 1
		case errors.Is(err, store.ErrNotFound), errors.Is(err, store.ErrExpired):
			version = 0
		default:
			return Device{}, qverrors.Wrap(qverrors.OpDeviceRegister, qverrors.CodeServerError, err)
		}
		buf, merr := json.Marshal(dev)
		if merr != nil {
			return Device{}, qverrors.Wrap(qverrors.OpDeviceRegister, qverrors.CodeServerError, merr)
		}
		werr := r.store.PutIfVersion(ctx, key, buf, version)
		switch {
		case werr == nil:
			return dev, nil
		case errors.Is(werr, store.ErrVersionMismatch):
			continue
		default:
			return Device{}, qverrors.Wrap(qverrors.OpDeviceRegister, qverrors.CodeServerError, werr)
		}
	}
	return Device{}, qverrors.New(qverrors.OpDeviceRegister, qverrors.CodeConcurrencyConflict)
}

// List returns the live registrations ordered by registration time, then id.
func (r *Registry) List(ctx context.Context) ([]Device, error) {
	keys, err := r.store.List(ctx, storekey.Prefix(storekey.Devices))
	if err != nil {
		return nil, qverrors.Wrap(qverrors.OpDeviceList, qverrors.CodeServerError, err)
	}
	out := make([]Device, 0, len(keys))
	for _, key := range keys {
		raw, _, err := r.store.Get(ctx, key)
		switch {
		case err == nil:
		case errors.Is(err, store.ErrNotFound), errors.Is(err, store.ErrExpired):
			continue
		default:
			return nil, qverrors.Wrap(qverrors.OpDeviceList, qverrors.CodeServerError, err)
		}
		var dev Device
		if err := json.Unmarshal(raw, &dev); err != nil {
			return nil, qverrors.Wrap(qverrors.OpDeviceList, qverrors.CodeServerError, err)
		}
		out = append(out, dev)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].RegisteredAt != out[j].RegisteredAt {
			return out[i].RegisteredAt < out[j].RegisteredAt
		}
		return out[i].DeviceID < out[j].DeviceID
	})
	return out, nil
}

// Remove deletes a registration. Unknown and malformed ids succeed.
func (r *Registry) Remove(ctx context.Context, deviceID string) error {
	if ident.DeviceID(deviceID) != nil {
		return nil
	}
	key := storekey.Derive(storekey.Devices, deviceID)
	if err := r.store.Delete(ctx, key); err != nil {
		return qverrors.Wrap(qverrors.OpDeviceRemove, qverrors.CodeServerError, err)
	}
	return nil
}
