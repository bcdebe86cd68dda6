package httpapi

import (
	"bytes"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/qsafevault/qsafevault-server/audit"
	"github.com/qsafevault/qsafevault-server/devices"
	"github.com/qsafevault/qsafevault-server/edition"
	"github.com/qsafevault/qsafevault-server/handshake"
	"github.com/qsafevault/qsafevault-server/internal/backoff"
	"github.com/qsafevault/qsafevault-server/origin"
	"github.com/qsafevault/qsafevault-server/relay"
	"github.com/qsafevault/qsafevault-server/rendezvous"
	"github.com/qsafevault/qsafevault-server/service"
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

type fixture struct {
	t     *testing.T
	srv   *httptest.Server
	clock *fakeClock
	store *store.Memory
	audit *bytes.Buffer
}

type fixtureOption func(f *fixture, cfg *Config)

func communityInfo() edition.Info {
	return edition.NewInfo(edition.Community, edition.Features{
		RelayTTLPolicy:   "dynamic",
		RelayPlaceholder: true,
		SignalFeed:       true,
	})
}

func enterpriseInfo() edition.Info {
	return edition.NewInfo(edition.Enterprise, edition.Features{
		RelayTTLPolicy:   "dynamic",
		RelayPlaceholder: true,
		SignalFeed:       true,
		DeviceRegistry:   true,
		AuditLog:         true,
	})
}

// asEnterprise wires the device registry and advertises the enterprise
// feature block, with audit events captured in f.audit.
func asEnterprise(f *fixture, cfg *Config) {
	reg, err := devices.New(f.store, devices.Config{Now: f.clock.Now})
	if err != nil {
		f.t.Fatalf("devices.New: %v", err)
	}
	f.audit = &bytes.Buffer{}
	cfg.Edition = enterpriseInfo()
	cfg.Devices = reg
	cfg.Audit = audit.New(f.audit)
}

// newFixture assembles a full server over a memory store. Options mutate
// the Config before New.
func newFixture(t *testing.T, opts ...fixtureOption) *fixture {
	t.Helper()
	clock := newFakeClock()
	mem := store.NewMemory()
	mem.Now = clock.Now
	f := &fixture{t: t, clock: clock, store: mem}

	fast := backoff.Policy{Base: time.Millisecond, Max: 2 * time.Millisecond}

	relayCfg := relay.DefaultConfig()
	relayCfg.Now = clock.Now
	relayCfg.Backoff = fast
	relayCfg.Placeholder = true
	relayEngine, err := relay.New(mem, relayCfg)
	if err != nil {
		t.Fatalf("relay.New: %v", err)
	}

	rdvCfg := rendezvous.DefaultConfig()
	rdvCfg.Now = clock.Now
	rdvCfg.Backoff = fast
	rdvEngine, err := rendezvous.New(mem, rdvCfg)
	if err != nil {
		t.Fatalf("rendezvous.New: %v", err)
	}

	hsCfg := handshake.DefaultConfig()
	hsCfg.Now = clock.Now
	hsEngine, err := handshake.New(mem, hsCfg)
	if err != nil {
		t.Fatalf("handshake.New: %v", err)
	}

	svc, err := service.New(relayEngine, rdvEngine)
	if err != nil {
		t.Fatalf("service.New: %v", err)
	}

	cfg := Config{
		Service:      svc,
		Handshake:    hsEngine,
		Rendezvous:   rdvEngine,
		Edition:      communityInfo(),
		Origins:      origin.NewMatcher([]string{"app.example.com"}, true),
		FeedInterval: 25 * time.Millisecond,
		Now:          clock.Now,
	}
	for _, opt := range opts {
		opt(f, &cfg)
	}
	s, err := New(cfg)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	mux := http.NewServeMux()
	s.Register(mux)
	f.srv = httptest.NewServer(mux)
	t.Cleanup(f.srv.Close)
	return f
}

// request performs one HTTP call and decodes any JSON body into a map.
func (f *fixture) request(method, path string, body any, header http.Header) (int, map[string]any, http.Header) {
	f.t.Helper()
	var rd io.Reader
	switch b := body.(type) {
	case nil:
	case string:
		rd = bytes.NewBufferString(b)
	default:
		buf, err := json.Marshal(b)
		if err != nil {
			f.t.Fatalf("marshal request body: %v", err)
		}
		rd = bytes.NewBuffer(buf)
	}
	req, err := http.NewRequest(method, f.srv.URL+path, rd)
	if err != nil {
		f.t.Fatalf("new request: %v", err)
	}
	for k, vs := range header {
		for _, v := range vs {
			req.Header.Add(k, v)
		}
	}
	if rd != nil && req.Header.Get("Content-Type") == "" {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := f.srv.Client().Do(req)
	if err != nil {
		f.t.Fatalf("%s %s: %v", method, path, err)
	}
	defer resp.Body.Close()
	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		f.t.Fatalf("read response body: %v", err)
	}
	var m map[string]any
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, &m); err != nil {
			f.t.Fatalf("decode response body %q: %v", raw, err)
		}
	}
	return resp.StatusCode, m, resp.Header
}

func (f *fixture) get(path string) (int, map[string]any) {
	status, body, _ := f.request(http.MethodGet, path, nil, nil)
	return status, body
}

func (f *fixture) post(path string, body any) (int, map[string]any) {
	status, m, _ := f.request(http.MethodPost, path, body, nil)
	return status, m
}

func wantError(t *testing.T, body map[string]any, code string) {
	t.Helper()
	if got, _ := body["error"].(string); got != code {
		t.Fatalf("expected error %q, got body %v", code, body)
	}
}

func TestHealth(t *testing.T) {
	f := newFixture(t)
	status, body := f.get("/health")
	if status != http.StatusOK {
		t.Fatalf("expected 200, got %d", status)
	}
	if body["status"] != "ok" {
		t.Fatalf("expected status ok, got %v", body)
	}
	if body["edition"] != "community" {
		t.Fatalf("expected community edition, got %v", body)
	}
	if _, ok := body["timestamp"].(string); !ok {
		t.Fatalf("expected timestamp, got %v", body)
	}
	if _, ok := body["uptime"].(float64); !ok {
		t.Fatalf("expected numeric uptime, got %v", body)
	}
}

func TestEdition(t *testing.T) {
	f := newFixture(t)
	status, body := f.get("/api/v1/edition")
	if status != http.StatusOK {
		t.Fatalf("expected 200, got %d", status)
	}
	if body["edition"] != "community" || body["isEnterprise"] != false {
		t.Fatalf("unexpected edition document: %v", body)
	}
	features, ok := body["features"].(map[string]any)
	if !ok {
		t.Fatalf("expected features block, got %v", body)
	}
	if features["relayTtlPolicy"] != "dynamic" || features["deviceRegistry"] != false {
		t.Fatalf("unexpected features: %v", features)
	}
	if _, ok := body["timestamp"].(string); !ok {
		t.Fatalf("expected timestamp, got %v", body)
	}

	status, body = f.post("/api/v1/edition", nil)
	if status != http.StatusMethodNotAllowed {
		t.Fatalf("expected 405, got %d", status)
	}
	wantError(t, body, "method_not_allowed")
}

func TestEdition_Enterprise(t *testing.T) {
	f := newFixture(t, asEnterprise)
	status, body := f.get("/api/v1/edition")
	if status != http.StatusOK {
		t.Fatalf("expected 200, got %d", status)
	}
	if body["edition"] != "enterprise" || body["isEnterprise"] != true {
		t.Fatalf("unexpected edition document: %v", body)
	}
}

func TestNew_RequiresEngines(t *testing.T) {
	if _, err := New(Config{}); err == nil {
		t.Fatalf("expected error for empty config")
	}
}
