// Command qsafevault-server runs the zero-knowledge signaling relay: the
// chunked relay mailbox, the envelope handshake REST surface, peer
// discovery, and the live signal feed, over an in-memory or LevelDB store.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"sync"
	"time"

	"github.com/joho/godotenv"

	"github.com/qsafevault/qsafevault-server/audit"
	"github.com/qsafevault/qsafevault-server/devices"
	"github.com/qsafevault/qsafevault-server/edition"
	"github.com/qsafevault/qsafevault-server/handshake"
	"github.com/qsafevault/qsafevault-server/httpapi"
	"github.com/qsafevault/qsafevault-server/internal/cmdutil"
	"github.com/qsafevault/qsafevault-server/internal/storekey"
	qvversion "github.com/qsafevault/qsafevault-server/internal/version"
	"github.com/qsafevault/qsafevault-server/observability"
	"github.com/qsafevault/qsafevault-server/observability/prom"
	"github.com/qsafevault/qsafevault-server/origin"
	"github.com/qsafevault/qsafevault-server/relay"
	"github.com/qsafevault/qsafevault-server/rendezvous"
	"github.com/qsafevault/qsafevault-server/service"
	"github.com/qsafevault/qsafevault-server/store"
)

var (
	version = "dev"
	commit  = "unknown"
	date    = "unknown"
)

func versionString() string {
	return qvversion.String(version, commit, date)
}

type stringSliceFlag []string

func (s *stringSliceFlag) String() string { return strings.Join(*s, ",") }

func (s *stringSliceFlag) Set(v string) error {
	*s = append(*s, v)
	return nil
}

// switchHandler swaps its delegate at runtime; a nil delegate serves 404.
type switchHandler struct {
	mu      sync.RWMutex
	handler http.Handler
}

func newSwitchHandler() *switchHandler {
	return &switchHandler{handler: http.NotFoundHandler()}
}

func (h *switchHandler) Set(next http.Handler) {
	if next == nil {
		next = http.NotFoundHandler()
	}
	h.mu.Lock()
	h.handler = next
	h.mu.Unlock()
}

func (h *switchHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	h.mu.RLock()
	handler := h.handler
	h.mu.RUnlock()
	handler.ServeHTTP(w, r)
}

// observers bundles the swap points of every component so metrics can be
// turned on and off at runtime without rebuilding the engines.
type observers struct {
	http       *observability.AtomicHTTPObserver
	relay      *observability.AtomicRelayObserver
	handshake  *observability.AtomicHandshakeObserver
	rendezvous *observability.AtomicRendezvousObserver
	store      *observability.AtomicStoreObserver
}

func newObservers() *observers {
	return &observers{
		http:       observability.NewAtomicHTTPObserver(),
		relay:      observability.NewAtomicRelayObserver(),
		handshake:  observability.NewAtomicHandshakeObserver(),
		rendezvous: observability.NewAtomicRendezvousObserver(),
		store:      observability.NewAtomicStoreObserver(),
	}
}

type metricsController struct {
	mu      sync.Mutex
	enabled bool
	handler *switchHandler
	obs     *observers
}

func newMetricsController(handler *switchHandler, obs *observers) *metricsController {
	return &metricsController{handler: handler, obs: obs}
}

// Enable builds a fresh registry so counters restart from zero on every
// enable; stale series from a previous registry never leak through.
func (c *metricsController) Enable() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.enabled {
		return
	}
	reg := prom.NewRegistry()
	c.obs.http.Set(prom.NewHTTPObserver(reg))
	c.obs.relay.Set(prom.NewRelayObserver(reg))
	c.obs.handshake.Set(prom.NewHandshakeObserver(reg))
	c.obs.rendezvous.Set(prom.NewRendezvousObserver(reg))
	c.obs.store.Set(prom.NewStoreObserver(reg))
	c.handler.Set(prom.Handler(reg))
	c.enabled = true
}

func (c *metricsController) Disable() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.enabled {
		return
	}
	c.handler.Set(nil)
	c.obs.http.Set(nil)
	c.obs.relay.Set(nil)
	c.obs.handshake.Set(nil)
	c.obs.rendezvous.Set(nil)
	c.obs.store.Set(nil)
	c.enabled = false
}

type ready struct {
	Version      string `json:"version"`
	Commit       string `json:"commit"`
	Date         string `json:"date"`
	Listen       string `json:"listen"`
	Edition      string `json:"edition"`
	Store        string `json:"store"`
	HTTPURL      string `json:"http_url"`
	HealthURL    string `json:"health_url"`
	SignalsWSURL string `json:"signals_ws_url"`
	MetricsURL   string `json:"metrics_url,omitempty"`
}

func writeReadyJSON(w io.Writer, out ready, pretty bool) error {
	return cmdutil.WriteJSON(w, out, pretty)
}

func main() {
	os.Exit(run(os.Args[1:], os.Stdout, os.Stderr))
}

func run(args []string, stdout io.Writer, stderr io.Writer) int {
	logger := log.New(stderr, "", log.LstdFlags)

	// Local development convenience; absent files are fine.
	_ = godotenv.Load()
	_ = godotenv.Overload(".env.local")

	addr := cmdutil.EnvString("QSV_ADDR", "127.0.0.1:3000")
	storePath := cmdutil.EnvString("QSV_STORE_PATH", "")
	editionName := cmdutil.EnvString("QSV_EDITION", string(edition.Community))
	auditPath := cmdutil.EnvString("QSV_AUDIT_LOG", "")
	allowedOrigins := stringSliceFlag(cmdutil.SplitCSVEnv("QSV_ALLOWED_ORIGINS"))

	allowNoOrigin, err := cmdutil.EnvBool("QSV_ALLOW_NO_ORIGIN", true)
	if err != nil {
		fmt.Fprintf(stderr, "invalid QSV_ALLOW_NO_ORIGIN: %v\n", err)
		return 2
	}
	rateLimit, err := cmdutil.EnvInt("QSV_RATE_LIMIT", 0)
	if err != nil {
		fmt.Fprintf(stderr, "invalid QSV_RATE_LIMIT: %v\n", err)
		return 2
	}
	rateWindow, err := cmdutil.EnvDuration("QSV_RATE_WINDOW", httpapi.DefaultRateWindow)
	if err != nil {
		fmt.Fprintf(stderr, "invalid QSV_RATE_WINDOW: %v\n", err)
		return 2
	}
	metricsOn, err := cmdutil.EnvBool("QSV_METRICS", false)
	if err != nil {
		fmt.Fprintf(stderr, "invalid QSV_METRICS: %v\n", err)
		return 2
	}
	sweepInterval, err := cmdutil.EnvDuration("QSV_SWEEP_INTERVAL", store.DefaultSweepInterval)
	if err != nil {
		fmt.Fprintf(stderr, "invalid QSV_SWEEP_INTERVAL: %v\n", err)
		return 2
	}
	placeholder, err := cmdutil.EnvBool("QSV_RELAY_PLACEHOLDER", false)
	if err != nil {
		fmt.Fprintf(stderr, "invalid QSV_RELAY_PLACEHOLDER: %v\n", err)
		return 2
	}
	maxBodyBytes, err := cmdutil.EnvInt64("QSV_MAX_BODY_BYTES", httpapi.DefaultMaxBodyBytes)
	if err != nil {
		fmt.Fprintf(stderr, "invalid QSV_MAX_BODY_BYTES: %v\n", err)
		return 2
	}

	fs := flag.NewFlagSet("qsafevault-server", flag.ContinueOnError)
	fs.SetOutput(stderr)
	fs.Usage = func() {
		fmt.Fprintln(stderr, "Usage of qsafevault-server:")
		fs.PrintDefaults()
		printSignalHelp(stderr)
	}

	showVersion := false
	fs.BoolVar(&showVersion, "version", false, "print version and exit")
	fs.StringVar(&addr, "addr", addr, "listen address (env: QSV_ADDR)")
	fs.StringVar(&storePath, "store-path", storePath, "LevelDB directory; empty keeps state in memory (env: QSV_STORE_PATH)")
	fs.StringVar(&editionName, "edition", editionName, "server edition: community or enterprise (env: QSV_EDITION)")
	fs.Var(&allowedOrigins, "allow-origin", "allowed Origin value (repeatable): full Origin, hostname, hostname:port, wildcard hostname (*.example.com), or exact non-standard values (e.g. null) (env: QSV_ALLOWED_ORIGINS, comma-separated)")
	fs.BoolVar(&allowNoOrigin, "allow-no-origin", allowNoOrigin, "accept requests without an Origin header (non-browser clients) (env: QSV_ALLOW_NO_ORIGIN)")
	fs.IntVar(&rateLimit, "rate-limit", rateLimit, "requests per window per client on the relay and session routes (0 disables) (env: QSV_RATE_LIMIT)")
	fs.DurationVar(&rateWindow, "rate-window", rateWindow, "rate limit window (env: QSV_RATE_WINDOW)")
	fs.BoolVar(&metricsOn, "metrics", metricsOn, "serve Prometheus metrics on /metrics from startup (env: QSV_METRICS)")
	fs.DurationVar(&sweepInterval, "sweep-interval", sweepInterval, "cadence of the expired-record sweep (env: QSV_SWEEP_INTERVAL)")
	fs.BoolVar(&placeholder, "relay-placeholder", placeholder, "create placeholder relay channels on receiver-first polls (env: QSV_RELAY_PLACEHOLDER)")
	fs.Int64Var(&maxBodyBytes, "max-body-bytes", maxBodyBytes, "request body cap in bytes (env: QSV_MAX_BODY_BYTES)")
	fs.StringVar(&auditPath, "audit-log", auditPath, "append enterprise audit events to this JSON-lines file (env: QSV_AUDIT_LOG)")
	if err := fs.Parse(args); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return 0
		}
		return 2
	}
	if showVersion {
		_, _ = fmt.Fprintln(stdout, versionString())
		return 0
	}

	ed, err := edition.Parse(editionName)
	if err != nil {
		fmt.Fprintln(stderr, err)
		fs.Usage()
		return 2
	}

	st, err := store.Open(storePath)
	if err != nil {
		fmt.Fprintln(stderr, err)
		return 1
	}
	defer st.Close()

	obs := newObservers()
	switch s := st.(type) {
	case *store.Memory:
		s.Observer = obs.store
	case *store.LevelDB:
		s.Observer = obs.store
	}

	relayCfg := relay.DefaultConfig()
	relayCfg.Placeholder = placeholder
	relayCfg.Observer = obs.relay
	relayEngine, err := relay.New(st, relayCfg)
	if err != nil {
		fmt.Fprintln(stderr, err)
		return 1
	}

	rdvCfg := rendezvous.DefaultConfig()
	rdvCfg.Observer = obs.rendezvous
	rdvEngine, err := rendezvous.New(st, rdvCfg)
	if err != nil {
		fmt.Fprintln(stderr, err)
		return 1
	}

	hsCfg := handshake.DefaultConfig()
	hsCfg.Observer = obs.handshake
	hsEngine, err := handshake.New(st, hsCfg)
	if err != nil {
		fmt.Fprintln(stderr, err)
		return 1
	}

	svc, err := service.New(relayEngine, rdvEngine)
	if err != nil {
		fmt.Fprintln(stderr, err)
		return 1
	}

	var registry *devices.Registry
	var auditLog *audit.Logger
	if ed.IsEnterprise() {
		registry, err = devices.New(st, devices.Config{})
		if err != nil {
			fmt.Fprintln(stderr, err)
			return 1
		}
		if auditPath != "" {
			auditLog, err = audit.Open(auditPath)
			if err != nil {
				fmt.Fprintln(stderr, err)
				return 1
			}
			defer auditLog.Close()
		}
	} else if auditPath != "" {
		logger.Printf("audit log requires the enterprise edition; ignoring %s", auditPath)
	}

	info := edition.NewInfo(ed, edition.Features{
		RelayTTLPolicy:   relayEngine.TTLPolicy(),
		RelayPlaceholder: relayEngine.Placeholder(),
		SignalFeed:       true,
		DeviceRegistry:   ed.IsEnterprise(),
		AuditLog:         auditLog.Enabled(),
	})

	api, err := httpapi.New(httpapi.Config{
		Service:      svc,
		Handshake:    hsEngine,
		Rendezvous:   rdvEngine,
		Devices:      registry,
		Edition:      info,
		Audit:        auditLog,
		Origins:      origin.NewMatcher(allowedOrigins, allowNoOrigin),
		MaxBodyBytes: maxBodyBytes,
		RateLimit:    rateLimit,
		RateWindow:   rateWindow,
		Logger:       logger,
		Observer:     obs.http,
	})
	if err != nil {
		fmt.Fprintln(stderr, err)
		return 1
	}

	mux := http.NewServeMux()
	api.Register(mux)

	metricsHandler := newSwitchHandler()
	mux.Handle("/metrics", metricsHandler)
	metrics := newMetricsController(metricsHandler, obs)
	if metricsOn {
		metrics.Enable()
	}

	sweeper := store.NewSweeper(st, store.SweeperConfig{
		Interval: sweepInterval,
		Prefixes: storekey.Prefixes(),
		Observer: obs.store,
		Logger:   logger,
	})
	defer sweeper.Stop()

	ln, err := net.Listen("tcp", addr)
	if err != nil {
		fmt.Fprintln(stderr, err)
		return 1
	}

	srv := newHTTPServer(mux)
	go func() {
		if err := srv.Serve(ln); err != nil && err != http.ErrServerClosed {
			logger.Fatal(err)
		}
	}()

	bindAddr := ln.Addr().String()
	backend := "memory"
	if storePath != "" {
		backend = storePath
	}
	out := ready{
		Version:      version,
		Commit:       commit,
		Date:         date,
		Listen:       bindAddr,
		Edition:      string(ed),
		Store:        backend,
		HTTPURL:      "http://" + bindAddr,
		HealthURL:    "http://" + bindAddr + "/health",
		SignalsWSURL: "ws://" + bindAddr + "/api/v1/signals/ws",
	}
	if metricsOn {
		out.MetricsURL = "http://" + bindAddr + "/metrics"
	}
	_ = writeReadyJSON(stdout, out, false)

	sweepNow := func() {
		scanned, removed := sweeper.SweepOnce(context.Background())
		logger.Printf("sweep: scanned=%d removed=%d", scanned, removed)
	}

	sig := make(chan os.Signal, 2)
	signal.Notify(sig, notifySignals()...)
	for {
		if handleSignal(<-sig, logger, sweepNow, metrics) {
			continue
		}
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		_ = srv.Shutdown(ctx)
		cancel()
		return 0
	}
}
