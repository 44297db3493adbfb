package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/stapply-ai/agent/api/schemas"
	"github.com/stapply-ai/agent/internal/agent"
	"github.com/stapply-ai/agent/internal/bridge"
	"github.com/stapply-ai/agent/internal/config"
	"github.com/stapply-ai/agent/internal/provision"
	"github.com/stapply-ai/agent/internal/webhook"
)

// fakeCDP answers Browser.getVersion so endpoint verification passes.
func fakeCDP(t *testing.T) (*httptest.Server, string) {
	t.Helper()
	upgrader := websocket.Upgrader{}
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		for {
			var req map[string]any
			if err := conn.ReadJSON(&req); err != nil {
				return
			}
			_ = conn.WriteJSON(map[string]any{
				"id": req["id"],
				"result": map[string]any{
					"product":         "HeadlessChrome/125.0",
					"protocolVersion": "1.3",
					"userAgent":       "test",
				},
			})
		}
	}))
	return server, "ws" + strings.TrimPrefix(server.URL, "http")
}

type fakeProvisioner struct {
	mu          sync.Mutex
	wsURL       string
	failAcquire bool
	acquires    int
	releases    int
}

func (f *fakeProvisioner) Acquire(context.Context) (*provision.Browser, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.acquires++
	if f.failAcquire {
		return nil, errors.New("backend exploded")
	}
	return &provision.Browser{
		ID:              uuid.NewString(),
		CDPWebSocketURL: f.wsURL,
		LiveViewURL:     schemas.LiveViewUnavailable,
	}, nil
}

func (f *fakeProvisioner) Release(context.Context, *provision.Browser) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.releases++
	return nil
}

func (f *fakeProvisioner) counts() (int, int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.acquires, f.releases
}

// fakeCapability blocks until released, then reports the configured outcome.
type fakeCapability struct {
	block   chan struct{}
	outcome agent.Outcome
	err     error
	doPanic bool
}

func (f *fakeCapability) Execute(ctx context.Context, task agent.Task) (*agent.Outcome, error) {
	if f.block != nil {
		select {
		case <-f.block:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if f.doPanic {
		panic("capability blew up")
	}
	if f.err != nil {
		return nil, f.err
	}
	out := f.outcome
	return &out, nil
}

type recordingStore struct {
	mu       sync.Mutex
	created  []string
	states   []schemas.RunState
	finished map[string]*schemas.RunResult
}

func newRecordingStore() *recordingStore {
	return &recordingStore{finished: make(map[string]*schemas.RunResult)}
}

func (s *recordingStore) CreateRun(_ context.Context, sessionID, _, _ string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.created = append(s.created, sessionID)
	return nil
}

func (s *recordingStore) UpdateState(_ context.Context, _ string, state schemas.RunState) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.states = append(s.states, state)
	return nil
}

func (s *recordingStore) FinishRun(_ context.Context, sessionID string, result *schemas.RunResult) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.finished[sessionID] = result
	return nil
}

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	return &config.Config{
		Browser: config.BrowserConfig{Backend: config.BackendLocal, ReadyAttempts: 1, ReadyInterval: time.Millisecond},
		Agent:   config.AgentConfig{Model: "gpt-4o", APIKey: "test", MaxSteps: 5},
		Webhook: config.WebhookConfig{Secret: "test-secret", Timeout: 5 * time.Second},
		Resume:  config.ResumeConfig{Dir: t.TempDir(), DownloadTimeout: 5 * time.Second},
		Runs:    config.RunsConfig{MaxConcurrent: 1, SlotWait: 200 * time.Millisecond},
	}
}

// newTestOrchestrator wires an orchestrator with every external edge faked.
func newTestOrchestrator(t *testing.T, cfg *config.Config, prov *fakeProvisioner, cap agent.Capability, st RunStore) (*Orchestrator, chan *schemas.RunResult) {
	t.Helper()
	o, err := New(cfg, st, zap.NewNop())
	require.NoError(t, err)
	o.provisioner = prov
	o.capability = cap
	o.connectBridge = func(context.Context, string) (*bridge.Bridge, error) { return nil, nil }

	terminal := make(chan *schemas.RunResult, 8)
	o.onTerminal = func(_ string, result *schemas.RunResult) { terminal <- result }
	return o, terminal
}

func resumeServer(t *testing.T) *httptest.Server {
	t.Helper()
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte("%PDF-1.4 resume"))
	}))
	t.Cleanup(server.Close)
	return server
}

func validRequest(resumeURL string) *schemas.ApplicationRequest {
	return &schemas.ApplicationRequest{
		UserID:    "user-1",
		URL:       "https://jobs.example.com/swe",
		ResumeURL: resumeURL,
	}
}

func TestStartRunInvalidRequestAcquiresNothing(t *testing.T) {
	prov := &fakeProvisioner{}
	o, _ := newTestOrchestrator(t, testConfig(t), prov, &fakeCapability{}, nil)

	_, err := o.StartRun(context.Background(), &schemas.ApplicationRequest{UserID: "u"})
	require.Error(t, err)

	var verr *schemas.ValidationError
	require.ErrorAs(t, err, &verr)
	assert.Equal(t, "url", verr.Field)

	acquires, _ := prov.counts()
	assert.Zero(t, acquires, "validation failure must never touch the provisioner")
	assert.True(t, o.slots.TryAcquire(1), "slot must not be held after a rejected request")
}

func TestStartRunReturnsWhileAgentStillRuns(t *testing.T) {
	cdpServer, wsURL := fakeCDP(t)
	defer cdpServer.Close()

	var webhookCalls atomic.Int64
	webhookServer := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		webhookCalls.Add(1)
		body, err := io.ReadAll(r.Body)
		require.NoError(t, err)
		assert.NoError(t, webhook.Verify(body,
			r.Header.Get(schemas.HeaderWebhookSignature),
			r.Header.Get(schemas.HeaderWebhookTimestamp),
			"test-secret", webhook.DefaultTolerance))
		w.WriteHeader(http.StatusOK)
	}))
	defer webhookServer.Close()

	cfg := testConfig(t)
	prov := &fakeProvisioner{wsURL: wsURL}
	cap := &fakeCapability{
		block:   make(chan struct{}),
		outcome: agent.Outcome{Success: true, Message: "submitted", Usage: schemas.Usage{TotalTokens: 42}},
	}
	st := newRecordingStore()
	o, terminal := newTestOrchestrator(t, cfg, prov, cap, st)

	req := validRequest(resumeServer(t).URL + "/r.pdf")
	req.WebhookURL = webhookServer.URL

	start := time.Now()
	session, err := o.StartRun(context.Background(), req)
	require.NoError(t, err)
	assert.Less(t, time.Since(start), 2*time.Second, "StartRun must not wait for the agent")
	assert.NotEmpty(t, session.ID)
	assert.Equal(t, schemas.LiveViewUnavailable, session.LiveViewURL)
	assert.Equal(t, []string{session.ID}, o.ActiveRuns())

	close(cap.block)

	select {
	case result := <-terminal:
		assert.True(t, result.Success)
		assert.Equal(t, int64(42), result.Usage.TotalTokens)
	case <-time.After(5 * time.Second):
		t.Fatal("run never reached a terminal state")
	}

	assert.Equal(t, int64(1), webhookCalls.Load(), "exactly one webhook delivery")
	assert.Empty(t, o.ActiveRuns())

	_, releases := prov.counts()
	assert.Equal(t, 1, releases)

	// The resume staging dir must be empty again.
	entries, err := os.ReadDir(cfg.Resume.Dir)
	require.NoError(t, err)
	assert.Empty(t, entries, "resume file must be removed at cleanup")

	// Persistence saw the full lifecycle, in order.
	st.mu.Lock()
	defer st.mu.Unlock()
	assert.Equal(t, []string{session.ID}, st.created)
	assert.Equal(t, []schemas.RunState{
		schemas.StateProvisioning,
		schemas.StateReady,
		schemas.StateRunning,
	}, st.states)
	require.Contains(t, st.finished, session.ID)
	assert.True(t, st.finished[session.ID].Success)

	assert.True(t, o.slots.TryAcquire(1), "slot must be free after the run")
}

func TestStartRunProvisionFailureReleasesSlot(t *testing.T) {
	prov := &fakeProvisioner{failAcquire: true}
	st := newRecordingStore()
	o, _ := newTestOrchestrator(t, testConfig(t), prov, &fakeCapability{}, st)

	_, err := o.StartRun(context.Background(), validRequest("https://files.example.com/r.pdf"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to provision")
	assert.True(t, o.slots.TryAcquire(1))

	// The run record went straight to a failed terminal state.
	st.mu.Lock()
	defer st.mu.Unlock()
	require.Len(t, st.created, 1)
	result, ok := st.finished[st.created[0]]
	require.True(t, ok, "provisioning failure must be recorded as terminal")
	assert.False(t, result.Success)
	assert.Contains(t, result.Error, "provisioning failed")
}

func TestBridgeConnectFailureFailsRun(t *testing.T) {
	cdpServer, wsURL := fakeCDP(t)
	defer cdpServer.Close()

	cfg := testConfig(t)
	prov := &fakeProvisioner{wsURL: wsURL}
	// The capability would succeed, so any failure must come from the
	// bridge gate.
	o, terminal := newTestOrchestrator(t, cfg, prov,
		&fakeCapability{outcome: agent.Outcome{Success: true, Message: "submitted"}}, nil)
	o.connectBridge = func(context.Context, string) (*bridge.Bridge, error) {
		return nil, errors.New("endpoint refused the attach")
	}

	_, err := o.StartRun(context.Background(), validRequest(resumeServer(t).URL+"/r.pdf"))
	require.NoError(t, err)

	select {
	case result := <-terminal:
		assert.False(t, result.Success, "a run without upload capability must fail")
		assert.Contains(t, result.Error, "bridge connection failed")
	case <-time.After(5 * time.Second):
		t.Fatal("run never finished")
	}

	_, releases := prov.counts()
	assert.Equal(t, 1, releases, "browser must be released after a bridge failure")
	assert.True(t, o.slots.TryAcquire(1))
}

func TestStartRunProbeFailureReleasesBrowser(t *testing.T) {
	// Nothing listens on this port, so the probe must fail and the browser
	// must be handed back.
	prov := &fakeProvisioner{wsURL: "ws://127.0.0.1:1/devtools/browser/x"}
	o, _ := newTestOrchestrator(t, testConfig(t), prov, &fakeCapability{}, nil)

	_, err := o.StartRun(context.Background(), validRequest("https://files.example.com/r.pdf"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "verification")

	acquires, releases := prov.counts()
	assert.Equal(t, 1, acquires)
	assert.Equal(t, 1, releases)
	assert.True(t, o.slots.TryAcquire(1))
}

func TestRunPanicStillCleansUp(t *testing.T) {
	cdpServer, wsURL := fakeCDP(t)
	defer cdpServer.Close()

	cfg := testConfig(t)
	prov := &fakeProvisioner{wsURL: wsURL}
	o, terminal := newTestOrchestrator(t, cfg, prov, &fakeCapability{doPanic: true}, nil)

	_, err := o.StartRun(context.Background(), validRequest(resumeServer(t).URL+"/r.pdf"))
	require.NoError(t, err)

	select {
	case result := <-terminal:
		assert.False(t, result.Success)
		assert.Contains(t, result.Error, "internal error")
	case <-time.After(5 * time.Second):
		t.Fatal("panicked run never finished")
	}

	_, releases := prov.counts()
	assert.Equal(t, 1, releases, "browser must be released even after a panic")
	assert.True(t, o.slots.TryAcquire(1))
}

func TestStartRunRejectsWhenSlotsExhausted(t *testing.T) {
	cdpServer, wsURL := fakeCDP(t)
	defer cdpServer.Close()

	cfg := testConfig(t)
	prov := &fakeProvisioner{wsURL: wsURL}
	cap := &fakeCapability{block: make(chan struct{})}
	o, terminal := newTestOrchestrator(t, cfg, prov, cap, nil)

	resumeURL := resumeServer(t).URL + "/r.pdf"
	_, err := o.StartRun(context.Background(), validRequest(resumeURL))
	require.NoError(t, err)

	_, err = o.StartRun(context.Background(), validRequest(resumeURL))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no run slot available")

	close(cap.block)
	select {
	case <-terminal:
	case <-time.After(5 * time.Second):
		t.Fatal("first run never finished")
	}

	// With the slot free again a new run is accepted.
	_, err = o.StartRun(context.Background(), validRequest(resumeURL))
	require.NoError(t, err)
	require.NoError(t, o.Wait(mustTimeout(t, 5*time.Second)))
}

func TestAgentErrorProducesFailedResult(t *testing.T) {
	cdpServer, wsURL := fakeCDP(t)
	defer cdpServer.Close()

	cfg := testConfig(t)
	prov := &fakeProvisioner{wsURL: wsURL}
	o, terminal := newTestOrchestrator(t, cfg, prov,
		&fakeCapability{err: fmt.Errorf("model unreachable")}, nil)

	_, err := o.StartRun(context.Background(), validRequest(resumeServer(t).URL+"/r.pdf"))
	require.NoError(t, err)

	select {
	case result := <-terminal:
		assert.False(t, result.Success)
		assert.Contains(t, result.Error, "model unreachable")
	case <-time.After(5 * time.Second):
		t.Fatal("run never finished")
	}
}

func TestWaitDrainsRuns(t *testing.T) {
	cdpServer, wsURL := fakeCDP(t)
	defer cdpServer.Close()

	cfg := testConfig(t)
	prov := &fakeProvisioner{wsURL: wsURL}
	cap := &fakeCapability{block: make(chan struct{})}
	o, _ := newTestOrchestrator(t, cfg, prov, cap, nil)

	_, err := o.StartRun(context.Background(), validRequest(resumeServer(t).URL+"/r.pdf"))
	require.NoError(t, err)

	// Wait must time out while the agent blocks.
	shortCtx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	assert.ErrorIs(t, o.Wait(shortCtx), context.DeadlineExceeded)

	close(cap.block)
	require.NoError(t, o.Wait(mustTimeout(t, 5*time.Second)))
}

func mustTimeout(t *testing.T, d time.Duration) context.Context {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), d)
	t.Cleanup(cancel)
	return ctx
}
