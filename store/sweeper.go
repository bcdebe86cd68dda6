package store

import (
	"context"
	"errors"
	"log"
	"sync"
	"time"

	"github.com/qsafevault/qsafevault-server/observability"
)

// DefaultSweepInterval is the cadence of the background GC pass.
const DefaultSweepInterval = 5 * time.Second

// SweeperConfig configures the background GC loop.
type SweeperConfig struct {
	// Interval between sweep passes. Values <= 0 use DefaultSweepInterval.
	Interval time.Duration
	// Prefixes are the namespaces to scan each pass.
	Prefixes []string
	// Observer receives sweep counts; nil means no metrics.
	Observer observability.StoreObserver
	// Logger receives sweep failures; nil discards them.
	Logger *log.Logger
}

// Sweeper removes records whose expiry has passed.
//
// Expiry-on-read already destroys stale records that clients touch; the
// sweeper catches the ones nobody asks for again. It treats the store as
// any other client: List each namespace, Get each key, and let the read
// path destroy what is stale.
type Sweeper struct {
	store    Store
	interval time.Duration
	prefixes []string
	obs      observability.StoreObserver
	logger   *log.Logger

	stopOnce sync.Once
	stopCh   chan struct{}
	doneCh   chan struct{}
}

// NewSweeper starts the background loop immediately.
func NewSweeper(s Store, cfg SweeperConfig) *Sweeper {
	interval := cfg.Interval
	if interval <= 0 {
		interval = DefaultSweepInterval
	}
	obs := cfg.Observer
	if obs == nil {
		obs = observability.NoopStoreObserver
	}
	sw := &Sweeper{
		store:    s,
		interval: interval,
		prefixes: cfg.Prefixes,
		obs:      obs,
		logger:   cfg.Logger,
		stopCh:   make(chan struct{}),
		doneCh:   make(chan struct{}),
	}
	go sw.loop()
	return sw
}

// Stop terminates the loop and waits for the in-flight pass to finish.
func (sw *Sweeper) Stop() {
	sw.stopOnce.Do(func() { close(sw.stopCh) })
	<-sw.doneCh
}

func (sw *Sweeper) loop() {
	defer close(sw.doneCh)
	t := time.NewTicker(sw.interval)
	defer t.Stop()
	for {
		select {
		case <-sw.stopCh:
			return
		case <-t.C:
			scanned, removed := sw.SweepOnce(context.Background())
			sw.obs.Sweep(scanned, removed)
		}
	}
}

// SweepOnce runs a single pass and reports how many records were scanned
// and how many stale ones were destroyed.
func (sw *Sweeper) SweepOnce(ctx context.Context) (scanned int, removed int) {
	for _, prefix := range sw.prefixes {
		keys, err := sw.store.List(ctx, prefix)
		if err != nil {
			sw.logf("sweep: list %q: %v", prefix, err)
			continue
		}
		for _, key := range keys {
			scanned++
			_, _, err := sw.store.Get(ctx, key)
			switch {
			case err == nil, errors.Is(err, ErrNotFound):
			case errors.Is(err, ErrExpired):
				removed++
			default:
				sw.logf("sweep: get %q: %v", key, err)
			}
		}
	}
	return scanned, removed
}

func (sw *Sweeper) logf(format string, args ...any) {
	if sw.logger != nil {
		sw.logger.Printf(format, args...)
	}
}
