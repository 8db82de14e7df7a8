package httpserver_test

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"

	"github.com/scalyclaw/scalyclaw/internal/adapter/ai/tokencount"
	"github.com/scalyclaw/scalyclaw/internal/adapter/httpserver"
	"github.com/scalyclaw/scalyclaw/internal/adapter/store"
	"github.com/scalyclaw/scalyclaw/internal/budget"
	"github.com/scalyclaw/scalyclaw/internal/config"
	"github.com/scalyclaw/scalyclaw/internal/domain"
	"github.com/scalyclaw/scalyclaw/internal/orchestrator"
	"github.com/scalyclaw/scalyclaw/internal/scheduler"
	"github.com/scalyclaw/scalyclaw/internal/skills"
)

const testToken = "test-token"

func newTestRedis(t *testing.T) *redis.Client {
	t.Helper()
	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })
	return rdb
}

type fakeBroker struct {
	mu         sync.Mutex
	enqueued   []domain.JobSpec
	enqueueErr error
	removed    []string
	statuses   map[string]domain.JobInfo
	pending    []domain.JobInfo
}

func (f *fakeBroker) Enqueue(ctx domain.Context, spec domain.JobSpec) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.enqueueErr != nil {
		return "", f.enqueueErr
	}
	f.enqueued = append(f.enqueued, spec)
	if spec.ID != "" {
		return spec.ID, nil
	}
	return fmt.Sprintf("job-%d", len(f.enqueued)), nil
}

func (f *fakeBroker) Status(ctx domain.Context, jobID string) (domain.JobInfo, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if ji, ok := f.statuses[jobID]; ok {
		return ji, nil
	}
	return domain.JobInfo{}, fmt.Errorf("%w: job %s", domain.ErrNotFound, jobID)
}

func (f *fakeBroker) Remove(ctx domain.Context, jobID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.removed = append(f.removed, jobID)
	return nil
}

func (f *fakeBroker) Pending(ctx domain.Context) ([]domain.JobInfo, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.pending, nil
}

func (f *fakeBroker) last() domain.JobSpec {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.enqueued) == 0 {
		return domain.JobSpec{}
	}
	return f.enqueued[len(f.enqueued)-1]
}

type fakeBus struct {
	mu        sync.Mutex
	published []domain.ProgressEvent
	awaitEv   domain.ProgressEvent
	awaitErr  error
	events    chan domain.ProgressEvent
}

func (f *fakeBus) Publish(ctx domain.Context, ev domain.ProgressEvent) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.published = append(f.published, ev)
	return nil
}

func (f *fakeBus) Await(ctx domain.Context, channelID, jobID string, timeout time.Duration) (domain.ProgressEvent, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.awaitErr != nil {
		return domain.ProgressEvent{}, f.awaitErr
	}
	ev := f.awaitEv
	ev.ChannelID = channelID
	ev.JobID = jobID
	return ev, nil
}

func (f *fakeBus) SubscribeChannel(ctx domain.Context, channelID string) (<-chan domain.ProgressEvent, func(), error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.events == nil {
		f.events = make(chan domain.ProgressEvent, 16)
	}
	return f.events, func() {}, nil
}

type fakeCancels struct {
	mu        sync.Mutex
	requested []string
}

func (f *fakeCancels) RequestCancel(ctx domain.Context, jobID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.requested = append(f.requested, jobID)
	return nil
}

func (f *fakeCancels) IsCancelled(ctx domain.Context, jobID string) bool { return false }
func (f *fakeCancels) Register(jobID string, cancel context.CancelFunc)  {}
func (f *fakeCancels) Unregister(jobID string)                           {}

type fakeRegistry struct {
	procs []domain.ProcessInfo
}

func (f *fakeRegistry) Register(ctx domain.Context, info domain.ProcessInfo) error { return nil }
func (f *fakeRegistry) Deregister(ctx domain.Context, id string) error             { return nil }
func (f *fakeRegistry) List(ctx domain.Context) ([]domain.ProcessInfo, error)      { return f.procs, nil }

type fakeVault struct {
	mu      sync.Mutex
	values  map[string]string
	rotated int
}

func (f *fakeVault) Set(ctx domain.Context, name, value string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.values[name] = value
	return nil
}

func (f *fakeVault) Get(ctx domain.Context, name string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	v, ok := f.values[name]
	if !ok {
		return "", fmt.Errorf("%w: secret %s", domain.ErrNotFound, name)
	}
	return v, nil
}

func (f *fakeVault) Delete(ctx domain.Context, name string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.values[name]; !ok {
		return fmt.Errorf("%w: secret %s", domain.ErrNotFound, name)
	}
	delete(f.values, name)
	return nil
}

func (f *fakeVault) List(ctx domain.Context) ([]string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	names := make([]string, 0, len(f.values))
	for n := range f.values {
		names = append(names, n)
	}
	sort.Strings(names)
	return names, nil
}

func (f *fakeVault) ResolveAll(ctx domain.Context) (map[string]string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make(map[string]string, len(f.values))
	for k, v := range f.values {
		out[k] = v
	}
	return out, nil
}

func (f *fakeVault) Rotate(ctx domain.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.rotated++
	return nil
}

type fakeCounter struct {
	counts map[string]domain.QueueCounts
	err    error
}

func (f *fakeCounter) Counts(ctx context.Context) (map[string]domain.QueueCounts, error) {
	if f.err != nil {
		return nil, f.err
	}
	return f.counts, nil
}

type fixture struct {
	srv      *httpserver.Server
	rdb      *redis.Client
	broker   *fakeBroker
	bus      *fakeBus
	cancels  *fakeCancels
	registry *fakeRegistry
	vault    *fakeVault
	counter  *fakeCounter
	cfg      config.Config
}

func newTestServer(t *testing.T) *fixture {
	t.Helper()
	rdb := newTestRedis(t)
	logger := slog.Default()
	cfg := config.Config{
		AppEnv:  "test",
		HomeDir: t.TempDir(),
		Gateway: config.GatewayConfig{
			Token:            testToken,
			CORSAllowOrigins: "*",
			RateLimitPerMin:  1000,
			ChatWaitTimeout:  2 * time.Second,
		},
	}
	broker := &fakeBroker{statuses: map[string]domain.JobInfo{}}
	bus := &fakeBus{events: make(chan domain.ProgressEvent, 16)}
	cancels := &fakeCancels{}
	registry := &fakeRegistry{}
	vlt := &fakeVault{values: map[string]string{}}
	counter := &fakeCounter{counts: map[string]domain.QueueCounts{}}

	overlay := store.NewOverlay(rdb)
	catalog := skills.NewCatalog(cfg.SkillsDir(), rdb, logger)
	require.NoError(t, catalog.Scan(context.Background()))
	mem := store.NewMemories(rdb, logger)

	srv := &httpserver.Server{
		Cfg:        cfg,
		Broker:     broker,
		Counter:    counter,
		Bus:        bus,
		Cancels:    cancels,
		Registry:   registry,
		Vault:      vlt,
		Scheduler:  scheduler.New(rdb, broker, logger),
		Messages:   store.NewMessages(rdb, logger),
		Memory:     mem,
		Overlay:    overlay,
		Catalog:    catalog,
		Budget:     budget.New(rdb, tokencount.NewCounter(), config.BudgetConfig{}, logger),
		Prompt:     orchestrator.NewPrompt(overlay, catalog, mem, cfg.MindDir(), logger),
		RedisCheck: func(ctx context.Context) error { return rdb.Ping(ctx).Err() },
		VaultCheck: func(ctx context.Context) error { return nil },
	}
	return &fixture{
		srv:      srv,
		rdb:      rdb,
		broker:   broker,
		bus:      bus,
		cancels:  cancels,
		registry: registry,
		vault:    vlt,
		counter:  counter,
		cfg:      cfg,
	}
}

func doJSON(t *testing.T, h http.Handler, method, target string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var rd io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		require.NoError(t, err)
		rd = bytes.NewReader(b)
	}
	req := httptest.NewRequest(method, target, rd)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func decodeBody(t *testing.T, rec *httptest.ResponseRecorder, dst any) {
	t.Helper()
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), dst))
}

func errCode(t *testing.T, rec *httptest.ResponseRecorder) string {
	t.Helper()
	var env struct {
		Error struct {
			Code    string `json:"code"`
			Message string `json:"message"`
		} `json:"error"`
	}
	decodeBody(t, rec, &env)
	return env.Error.Code
}
