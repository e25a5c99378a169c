package webserver

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"

	"github.com/bjsi/vibe-controller/internal/agent"
	"github.com/bjsi/vibe-controller/internal/agentstate"
	"github.com/bjsi/vibe-controller/internal/specgen"
	"github.com/bjsi/vibe-controller/internal/store"
)

// fakeLauncher records calls instead of spawning processes.
type fakeLauncher struct {
	reg *agentstate.Registry

	mu        sync.Mutex
	started   map[string]string // id -> directory
	simulated []string
	stopped   []string
	active    map[string]bool
	startErr  error
	// onStart runs at the top of Start, outside mu.
	onStart func(id string)
}

func newFakeLauncher(reg *agentstate.Registry) *fakeLauncher {
	return &fakeLauncher{
		reg:     reg,
		started: make(map[string]string),
		active:  make(map[string]bool),
	}
}

func (f *fakeLauncher) Start(id, instructions, directory string) error {
	f.mu.Lock()
	hook := f.onStart
	f.mu.Unlock()
	if hook != nil {
		hook(id)
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	if f.startErr != nil {
		return f.startErr
	}
	f.started[id] = directory
	f.reg.Create(id)
	return nil
}

func (f *fakeLauncher) StartSimulation(id, directory string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.startErr != nil {
		return f.startErr
	}
	f.simulated = append(f.simulated, id)
	return nil
}

func (f *fakeLauncher) Stop(id string, force bool) bool {
	f.mu.Lock()
	f.stopped = append(f.stopped, id)
	f.mu.Unlock()
	if _, ok := f.reg.Get(id); !ok {
		return false
	}
	f.reg.AddMessage(id, "Experiment stopped by user", agentstate.TypeInfo)
	f.reg.Update(id, agentstate.Patch{Status: agentstate.Ptr(agentstate.StatusEnded)})
	return true
}

func (f *fakeLauncher) Active(id string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.active[id]
}

func (f *fakeLauncher) setActive(id string, v bool) {
	f.mu.Lock()
	f.active[id] = v
	f.mu.Unlock()
}

type testEnv struct {
	srv      *Server
	store    *store.Store
	registry *agentstate.Registry
	launcher *fakeLauncher
}

func newTestServer(t *testing.T) *testEnv {
	t.Helper()
	return newTestServerWithOptions(t, Options{})
}

func newTestServerWithOptions(t *testing.T, opts Options) *testEnv {
	t.Helper()
	t.Setenv("HOME", t.TempDir())

	projectDir := t.TempDir()
	if _, err := store.Init(projectDir); err != nil {
		t.Fatalf("store.Init: %v", err)
	}
	s := store.New(projectDir)
	reg := agentstate.NewRegistry()
	launcher := newFakeLauncher(reg)

	srv := New(Deps{Store: s, Registry: reg, Runner: launcher}, opts)
	return &testEnv{srv: srv, store: s, registry: reg, launcher: launcher}
}

func (env *testEnv) createExperiment(t *testing.T, id string, start time.Time) {
	t.Helper()
	if _, err := env.store.EnsureExperimentDir(id); err != nil {
		t.Fatalf("EnsureExperimentDir: %v", err)
	}
	exp := &store.Experiment{
		ID:           id,
		Instructions: "hover at 2m",
		Status:       store.StatusStarted,
		StartTime:    start,
		TestData:     []store.TestDataPoint{},
	}
	if err := env.store.Save(exp); err != nil {
		t.Fatalf("Save: %v", err)
	}
}

func performRequest(t *testing.T, srv *Server, method, target string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, target, nil)
	rec := httptest.NewRecorder()
	srv.httpServer.Handler.ServeHTTP(rec, req)
	return rec
}

func performJSONRequest(t *testing.T, srv *Server, method, target, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, target, strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	srv.httpServer.Handler.ServeHTTP(rec, req)
	return rec
}

func decodeResponse[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var out T
	if err := json.NewDecoder(rec.Body).Decode(&out); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	return out
}

type envelope[T any] struct {
	Status  string `json:"status"`
	Message string `json:"message"`
	Error   string `json:"error"`
	Data    T      `json:"data"`
}

func TestStartExperimentEndpoint(t *testing.T) {
	env := newTestServer(t)

	rec := performJSONRequest(t, env.srv, http.MethodPost, "/start_experiment", `{"id":"exp-1","instructions":"hover at 2m"}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want %d (body=%s)", rec.Code, http.StatusOK, rec.Body.String())
	}

	resp := decodeResponse[envelope[store.Experiment]](t, rec)
	if resp.Status != "success" || resp.Message != "Experiment started" {
		t.Fatalf("response = %+v", resp)
	}
	if resp.Data.ID != "exp-1" || resp.Data.Instructions != "hover at 2m" {
		t.Fatalf("data = %+v", resp.Data)
	}
	if resp.Data.Status != store.StatusStarted {
		t.Fatalf("data status = %q, want %q", resp.Data.Status, store.StatusStarted)
	}
	if resp.Data.TestData == nil || len(resp.Data.TestData) != 0 {
		t.Fatalf("testData = %#v, want empty array", resp.Data.TestData)
	}

	saved, ok := env.store.Load("exp-1")
	if !ok {
		t.Fatal("experiment.json was not written")
	}
	if saved.Status != store.StatusStarted {
		t.Fatalf("saved status = %q", saved.Status)
	}

	dir, ok := env.launcher.started["exp-1"]
	if !ok {
		t.Fatal("runner was not started")
	}
	if dir != env.store.ExperimentDir("exp-1") {
		t.Fatalf("runner dir = %q, want %q", dir, env.store.ExperimentDir("exp-1"))
	}
}

func TestStartExperimentValidation(t *testing.T) {
	env := newTestServer(t)

	tests := []struct {
		name string
		body string
	}{
		{"malformed", `{"id":`},
		{"missing id", `{"instructions":"fly"}`},
		{"missing instructions", `{"id":"exp-1"}`},
		{"non-string instructions", `{"id":"exp-1","instructions":5}`},
		{"non-string id", `{"id":7,"instructions":"fly"}`},
		{"unsafe id", `{"id":"../escape","instructions":"fly"}`},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			rec := performJSONRequest(t, env.srv, http.MethodPost, "/start_experiment", tc.body)
			if rec.Code != http.StatusBadRequest {
				t.Fatalf("status = %d, want %d", rec.Code, http.StatusBadRequest)
			}
			resp := decodeResponse[errorResponse](t, rec)
			if resp.Status != "error" || resp.Error == "" {
				t.Fatalf("response = %+v", resp)
			}
		})
	}
	if len(env.launcher.started) != 0 {
		t.Fatalf("runner started for invalid requests: %v", env.launcher.started)
	}
}

func TestStartExperimentConflict(t *testing.T) {
	env := newTestServer(t)
	env.launcher.setActive("exp-1", true)

	rec := performJSONRequest(t, env.srv, http.MethodPost, "/start_experiment", `{"id":"exp-1","instructions":"fly"}`)
	if rec.Code != http.StatusConflict {
		t.Fatalf("status = %d, want %d", rec.Code, http.StatusConflict)
	}

	env.launcher.setActive("exp-1", false)
	env.launcher.startErr = agent.ErrAlreadyRunning
	rec = performJSONRequest(t, env.srv, http.MethodPost, "/start_experiment", `{"id":"exp-1","instructions":"fly"}`)
	if rec.Code != http.StatusConflict {
		t.Fatalf("status = %d, want %d", rec.Code, http.StatusConflict)
	}
}

func TestConcurrentStartKeepsRunningExperiment(t *testing.T) {
	env := newTestServer(t)

	entered := make(chan struct{})
	release := make(chan struct{})
	var once sync.Once
	env.launcher.onStart = func(id string) {
		once.Do(func() {
			close(entered)
			<-release
			if _, err := env.store.AppendTestData(id, []store.TestDataPoint{{Position: store.Position{X: 1}}}); err != nil {
				t.Errorf("AppendTestData: %v", err)
			}
			env.launcher.setActive(id, true)
		})
	}

	start := func() <-chan *httptest.ResponseRecorder {
		out := make(chan *httptest.ResponseRecorder, 1)
		go func() {
			out <- performJSONRequest(t, env.srv, http.MethodPost, "/start_experiment", `{"id":"exp-1","instructions":"fly"}`)
		}()
		return out
	}

	first := start()
	select {
	case <-entered:
	case <-time.After(5 * time.Second):
		t.Fatal("first start never reached the runner")
	}
	second := start()
	time.Sleep(100 * time.Millisecond)
	close(release)

	rec1, rec2 := <-first, <-second
	if rec1.Code != http.StatusOK {
		t.Fatalf("first status = %d, want %d", rec1.Code, http.StatusOK)
	}
	if rec2.Code != http.StatusConflict {
		t.Fatalf("second status = %d, want %d", rec2.Code, http.StatusConflict)
	}

	started := decodeResponse[envelope[store.Experiment]](t, rec1).Data
	exp, ok := env.store.Load("exp-1")
	if !ok {
		t.Fatal("experiment missing")
	}
	if !exp.StartTime.Equal(started.StartTime) {
		t.Fatalf("startTime = %v, want %v", exp.StartTime, started.StartTime)
	}
	if len(exp.TestData) != 1 {
		t.Fatalf("testData = %d points, want 1", len(exp.TestData))
	}
}

func TestStartExperimentAttachesExistingSpec(t *testing.T) {
	env := newTestServer(t)
	env.createExperiment(t, "exp-1", time.Now().UTC())
	spec := &specgen.Spec{Title: "Hover", Objective: "hold altitude", Controller: "pid"}
	if err := env.store.SaveSpec("exp-1", spec); err != nil {
		t.Fatalf("SaveSpec: %v", err)
	}

	rec := performJSONRequest(t, env.srv, http.MethodPost, "/start_experiment", `{"id":"exp-1","instructions":"fly"}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want %d", rec.Code, http.StatusOK)
	}
	resp := decodeResponse[envelope[store.Experiment]](t, rec)
	if resp.Data.Spec == nil || resp.Data.Spec.Title != "Hover" {
		t.Fatalf("spec = %+v, want the saved spec", resp.Data.Spec)
	}
}

func TestExperimentStatePlaceholder(t *testing.T) {
	env := newTestServer(t)

	// Unknown id and a freshly created run both report the placeholder.
	for _, setup := range []func(){
		func() {},
		func() { env.registry.Create("exp-1") },
	} {
		setup()
		rec := performRequest(t, env.srv, http.MethodGet, "/get_experiment_state?id=exp-1")
		if rec.Code != http.StatusOK {
			t.Fatalf("status = %d, want %d", rec.Code, http.StatusOK)
		}
		resp := decodeResponse[experimentStateResponse](t, rec)
		if resp.Status != agentstate.StatusPending {
			t.Fatalf("status = %q, want %q", resp.Status, agentstate.StatusPending)
		}
		if len(resp.Log) != 1 {
			t.Fatalf("log length = %d, want 1", len(resp.Log))
		}
		if resp.Log[0].Content != placeholderContent || resp.Log[0].Type != agentstate.TypeInfo {
			t.Fatalf("log[0] = %+v", resp.Log[0])
		}
		if resp.Log[0].Status != agentstate.StatusPending {
			t.Fatalf("log[0] status = %q", resp.Log[0].Status)
		}
	}
}

func TestExperimentStateReportsMessages(t *testing.T) {
	env := newTestServer(t)
	env.registry.Create("exp-1")
	env.registry.AddMessage("exp-1", "Starting agent...", agentstate.TypeInfo)
	env.registry.AddMessage("exp-1", "staging failed: template missing", agentstate.TypeError)

	rec := performRequest(t, env.srv, http.MethodGet, "/get_experiment_state?id=exp-1")
	resp := decodeResponse[experimentStateResponse](t, rec)

	if resp.Status != agentstate.StatusError {
		t.Fatalf("status = %q, want %q", resp.Status, agentstate.StatusError)
	}
	if resp.Error != "staging failed: template missing" {
		t.Fatalf("error = %q", resp.Error)
	}
	if len(resp.Log) != 2 {
		t.Fatalf("log length = %d, want 2", len(resp.Log))
	}
	for i, entry := range resp.Log {
		if entry.Status != agentstate.StatusError {
			t.Fatalf("log[%d] status = %q, want run status", i, entry.Status)
		}
	}
	if resp.Log[0].Content != "Starting agent..." || resp.Log[1].Type != agentstate.TypeError {
		t.Fatalf("log = %+v", resp.Log)
	}
}

func TestExperimentStateRequiresID(t *testing.T) {
	env := newTestServer(t)

	for _, target := range []string{"/get_experiment_state", "/get_experiment_state?id=..%2Fx"} {
		rec := performRequest(t, env.srv, http.MethodGet, target)
		if rec.Code != http.StatusBadRequest {
			t.Fatalf("%s: status = %d, want %d", target, rec.Code, http.StatusBadRequest)
		}
	}
}

func TestStoreAndGetTestData(t *testing.T) {
	env := newTestServer(t)
	env.createExperiment(t, "exp-1", time.Now().UTC())

	single := `{"position":{"x":1,"y":2,"z":3},"controls":{"throttle":0.5,"pitch":0,"roll":0},"timestamp":"2024-01-01T00:00:00Z"}`
	rec := performJSONRequest(t, env.srv, http.MethodPost, "/store_test_data?id=exp-1", single)
	if rec.Code != http.StatusOK {
		t.Fatalf("single status = %d, want %d (body=%s)", rec.Code, http.StatusOK, rec.Body.String())
	}

	batch := `{"testData":[
		{"position":{"x":4,"y":5,"z":6},"controls":{"throttle":0.6,"pitch":0.1,"roll":0}},
		{"position":{"x":7,"y":8,"z":9},"controls":{"throttle":0.7,"pitch":0,"roll":0.2},"timestamp":1704067200}
	]}`
	rec = performJSONRequest(t, env.srv, http.MethodPost, "/store_test_data?id=exp-1", batch)
	if rec.Code != http.StatusOK {
		t.Fatalf("batch status = %d, want %d (body=%s)", rec.Code, http.StatusOK, rec.Body.String())
	}
	stored := decodeResponse[envelope[map[string]int]](t, rec)
	if stored.Data["stored"] != 2 || stored.Data["total"] != 3 {
		t.Fatalf("stored = %v", stored.Data)
	}

	rec = performRequest(t, env.srv, http.MethodGet, "/get_test_data?id=exp-1")
	if rec.Code != http.StatusOK {
		t.Fatalf("get status = %d, want %d", rec.Code, http.StatusOK)
	}
	got := decodeResponse[envelope[[]store.TestDataPoint]](t, rec)
	if len(got.Data) != 3 {
		t.Fatalf("points = %d, want 3", len(got.Data))
	}
	for i, wantX := range []float64{1, 4, 7} {
		if got.Data[i].Position.X != wantX {
			t.Fatalf("point %d x = %v, want %v", i, got.Data[i].Position.X, wantX)
		}
	}
	if got.Data[1].Timestamp.IsZero() {
		t.Fatal("missing timestamp was not filled in")
	}
	if !got.Data[2].Timestamp.Equal(time.Unix(1704067200, 0)) {
		t.Fatalf("unix timestamp = %v", got.Data[2].Timestamp)
	}
}

func TestStoreTestDataErrors(t *testing.T) {
	env := newTestServer(t)
	env.createExperiment(t, "exp-1", time.Now().UTC())

	rec := performJSONRequest(t, env.srv, http.MethodPost, "/store_test_data?id=missing", `{"testData":[]}`)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("unknown id status = %d, want %d", rec.Code, http.StatusNotFound)
	}
	rec = performRequest(t, env.srv, http.MethodGet, "/get_test_data?id=missing")
	if rec.Code != http.StatusNotFound {
		t.Fatalf("get unknown id status = %d, want %d", rec.Code, http.StatusNotFound)
	}

	for _, body := range []string{`{"foo":1}`, `{"testData":"nope"}`, `{"testData":[]}`, `{"position":{"x":1}}`, `[1,2]`} {
		rec := performJSONRequest(t, env.srv, http.MethodPost, "/store_test_data?id=exp-1", body)
		if rec.Code != http.StatusBadRequest {
			t.Fatalf("body %s: status = %d, want %d", body, rec.Code, http.StatusBadRequest)
		}
	}

	exp, _ := env.store.Load("exp-1")
	if len(exp.TestData) != 0 {
		t.Fatalf("rejected bodies stored %d points", len(exp.TestData))
	}
}

func TestListExperimentsEndpoint(t *testing.T) {
	env := newTestServer(t)
	base := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	env.createExperiment(t, "older", base)
	env.createExperiment(t, "newest", base.Add(2*time.Hour))
	env.createExperiment(t, "middle", base.Add(time.Hour))

	rec := performRequest(t, env.srv, http.MethodGet, "/list_experiments")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want %d", rec.Code, http.StatusOK)
	}
	resp := decodeResponse[envelope[[]store.Summary]](t, rec)
	if resp.Status != "success" {
		t.Fatalf("status field = %q", resp.Status)
	}
	var ids []string
	for _, s := range resp.Data {
		ids = append(ids, s.ID)
	}
	if strings.Join(ids, ",") != "newest,middle,older" {
		t.Fatalf("order = %v", ids)
	}
}

func TestListExperimentsEmpty(t *testing.T) {
	env := newTestServer(t)

	rec := performRequest(t, env.srv, http.MethodGet, "/list_experiments")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want %d", rec.Code, http.StatusOK)
	}
	if !strings.Contains(rec.Body.String(), `"data":[]`) {
		t.Fatalf("body = %s, want an empty data array", rec.Body.String())
	}
}

func TestExecuteDroneEndpoint(t *testing.T) {
	env := newTestServer(t)

	rec := performJSONRequest(t, env.srv, http.MethodPost, "/execute_drone", `{"id":"missing"}`)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("unknown id status = %d, want %d", rec.Code, http.StatusNotFound)
	}

	env.createExperiment(t, "exp-1", time.Now().UTC())
	rec = performJSONRequest(t, env.srv, http.MethodPost, "/execute_drone", `{"id":"exp-1"}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want %d", rec.Code, http.StatusOK)
	}
	if len(env.launcher.simulated) != 1 || env.launcher.simulated[0] != "exp-1" {
		t.Fatalf("simulated = %v", env.launcher.simulated)
	}

	env.launcher.startErr = agent.ErrAlreadyRunning
	rec = performJSONRequest(t, env.srv, http.MethodPost, "/execute_drone", `{"id":"exp-1"}`)
	if rec.Code != http.StatusConflict {
		t.Fatalf("busy status = %d, want %d", rec.Code, http.StatusConflict)
	}
}

func TestStopExperimentEndpoint(t *testing.T) {
	env := newTestServer(t)

	rec := performJSONRequest(t, env.srv, http.MethodPost, "/stop_experiment", `{"id":"missing"}`)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("unknown id status = %d, want %d", rec.Code, http.StatusNotFound)
	}

	env.createExperiment(t, "live", time.Now().UTC())
	env.registry.Create("live")
	rec = performJSONRequest(t, env.srv, http.MethodPost, "/stop_experiment", `{"id":"live"}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want %d", rec.Code, http.StatusOK)
	}
	st, _ := env.registry.Get("live")
	if st.Status != agentstate.StatusEnded {
		t.Fatalf("run status = %q, want %q", st.Status, agentstate.StatusEnded)
	}

	// Without in-memory state the record is ended directly.
	env.createExperiment(t, "orphan", time.Now().UTC())
	rec = performJSONRequest(t, env.srv, http.MethodPost, "/stop_experiment", `{"id":"orphan","force":true}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("orphan status = %d, want %d", rec.Code, http.StatusOK)
	}
	exp, _ := env.store.Load("orphan")
	if exp.Status != store.StatusEnded {
		t.Fatalf("orphan status = %q, want %q", exp.Status, store.StatusEnded)
	}
}

func TestGenerateSpecEndpoint(t *testing.T) {
	env := newTestServer(t)
	env.createExperiment(t, "exp-1", time.Now().UTC())

	rec := performJSONRequest(t, env.srv, http.MethodPost, "/generate_spec", `{"description":"   "}`)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("empty description status = %d, want %d", rec.Code, http.StatusBadRequest)
	}

	body := `{"id":"exp-1","description":"Fly a square pattern","goal":"visit four corners","controller":"PID","constraints":["stay under 3m"]}`
	rec = performJSONRequest(t, env.srv, http.MethodPost, "/generate_spec", body)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want %d (body=%s)", rec.Code, http.StatusOK, rec.Body.String())
	}
	resp := decodeResponse[envelope[specgen.Spec]](t, rec)
	if resp.Data.Objective != "visit four corners" || resp.Data.Controller != "pid" {
		t.Fatalf("spec = %+v", resp.Data)
	}

	if _, err := os.Stat(env.store.SpecPath("exp-1")); err != nil {
		t.Fatalf("spec.yaml not written: %v", err)
	}
	saved, err := env.store.LoadSpec("exp-1")
	if err != nil {
		t.Fatalf("LoadSpec: %v", err)
	}
	if saved.Objective != "visit four corners" {
		t.Fatalf("saved objective = %q", saved.Objective)
	}

	// Specs for experiments that do not exist yet are returned but not saved.
	rec = performJSONRequest(t, env.srv, http.MethodPost, "/generate_spec", `{"id":"later","description":"hover"}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("unsaved status = %d, want %d", rec.Code, http.StatusOK)
	}
	if _, err := os.Stat(env.store.SpecPath("later")); !os.IsNotExist(err) {
		t.Fatalf("spec for unknown experiment written: %v", err)
	}
}

type failingGenerator struct{}

func (failingGenerator) Generate(context.Context, specgen.Request) (*specgen.Spec, error) {
	return nil, context.DeadlineExceeded
}

func TestGenerateSpecUpstreamFailure(t *testing.T) {
	env := newTestServer(t)
	srv := New(Deps{Store: env.store, Registry: env.registry, Runner: env.launcher, Generator: failingGenerator{}}, Options{})

	rec := performJSONRequest(t, srv, http.MethodPost, "/generate_spec", `{"description":"hover"}`)
	if rec.Code != http.StatusBadGateway {
		t.Fatalf("status = %d, want %d", rec.Code, http.StatusBadGateway)
	}
}

func TestTranscriptEndpoint(t *testing.T) {
	env := newTestServer(t)
	env.createExperiment(t, "exp-1", time.Now().UTC())

	rec := performRequest(t, env.srv, http.MethodGet, "/get_transcript?id=exp-1")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want %d", rec.Code, http.StatusOK)
	}
	if !strings.Contains(rec.Body.String(), `"data":[]`) {
		t.Fatalf("body = %s, want empty transcript", rec.Body.String())
	}

	event := store.TranscriptEvent{Source: "agent", Stream: "stdout", Data: "hello"}
	if err := env.store.AppendTranscriptEvent("exp-1", event); err != nil {
		t.Fatalf("AppendTranscriptEvent: %v", err)
	}
	rec = performRequest(t, env.srv, http.MethodGet, "/get_transcript?id=exp-1")
	resp := decodeResponse[envelope[[]store.TranscriptEvent]](t, rec)
	if len(resp.Data) != 1 || resp.Data[0].Data != "hello" {
		t.Fatalf("transcript = %+v", resp.Data)
	}
}

func TestHealthEndpoint(t *testing.T) {
	env := newTestServer(t)

	rec := performRequest(t, env.srv, http.MethodGet, "/health")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want %d", rec.Code, http.StatusOK)
	}
	resp := decodeResponse[healthResponse](t, rec)
	if resp.Status != "ok" || resp.Version == "" {
		t.Fatalf("health = %+v", resp)
	}
}

func TestWorkspaceEndpoints(t *testing.T) {
	env := newTestServer(t)
	env.createExperiment(t, "exp-1", time.Now().UTC())
	dir := env.store.ExperimentDir("exp-1")
	staged := filepath.Join(dir, "drone-challenge", "src")
	if err := os.MkdirAll(staged, 0755); err != nil {
		t.Fatalf("MkdirAll: %v", err)
	}
	if err := os.WriteFile(filepath.Join(staged, "controller.py"), []byte("print('hi')\n"), 0644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}

	rec := performRequest(t, env.srv, http.MethodGet, "/experiment_files?id=exp-1")
	if rec.Code != http.StatusOK {
		t.Fatalf("list status = %d, want %d", rec.Code, http.StatusOK)
	}
	listing := decodeResponse[envelope[workspaceListing]](t, rec)
	if listing.Data.Path != "." {
		t.Fatalf("path = %q", listing.Data.Path)
	}
	if len(listing.Data.Entries) == 0 || listing.Data.Entries[0].Name != "drone-challenge" || !listing.Data.Entries[0].IsDir {
		t.Fatalf("entries = %+v, want drone-challenge first", listing.Data.Entries)
	}

	rec = performRequest(t, env.srv, http.MethodGet, "/experiment_file?id=exp-1&path=drone-challenge/src/controller.py")
	if rec.Code != http.StatusOK {
		t.Fatalf("file status = %d, want %d", rec.Code, http.StatusOK)
	}
	file := decodeResponse[envelope[workspaceFile]](t, rec)
	if file.Data.Content != "print('hi')\n" || file.Data.Binary || file.Data.Truncated {
		t.Fatalf("file = %+v", file.Data)
	}

	for _, target := range []string{
		"/experiment_files?id=exp-1&path=../..",
		"/experiment_file?id=exp-1&path=../experiment.json/../../x",
		"/experiment_file?id=exp-1",
	} {
		rec := performRequest(t, env.srv, http.MethodGet, target)
		if rec.Code != http.StatusBadRequest {
			t.Fatalf("%s: status = %d, want %d", target, rec.Code, http.StatusBadRequest)
		}
	}

	rec = performRequest(t, env.srv, http.MethodGet, "/experiment_file?id=exp-1&path=nope.txt")
	if rec.Code != http.StatusNotFound {
		t.Fatalf("missing file status = %d, want %d", rec.Code, http.StatusNotFound)
	}
}

func TestWorkspaceRejectsSymlinkEscape(t *testing.T) {
	env := newTestServer(t)
	env.createExperiment(t, "exp-1", time.Now().UTC())
	outside := t.TempDir()
	if err := os.WriteFile(filepath.Join(outside, "secret"), []byte("x"), 0644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
	if err := os.Symlink(outside, filepath.Join(env.store.ExperimentDir("exp-1"), "link")); err != nil {
		t.Skipf("symlinks unavailable: %v", err)
	}

	rec := performRequest(t, env.srv, http.MethodGet, "/experiment_file?id=exp-1&path=link/secret")
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want %d", rec.Code, http.StatusBadRequest)
	}
}

func TestCORS(t *testing.T) {
	env := newTestServer(t)

	rec := performRequest(t, env.srv, http.MethodOptions, "/start_experiment")
	if rec.Code != http.StatusNoContent {
		t.Fatalf("status = %d, want %d", rec.Code, http.StatusNoContent)
	}
	if got := rec.Header().Get("Access-Control-Allow-Origin"); got != "*" {
		t.Fatalf("allow origin = %q, want %q", got, "*")
	}
}

func TestNotFound(t *testing.T) {
	env := newTestServer(t)

	rec := performRequest(t, env.srv, http.MethodGet, "/nope")
	if rec.Code != http.StatusNotFound {
		t.Fatalf("status = %d, want %d", rec.Code, http.StatusNotFound)
	}
	resp := decodeResponse[errorResponse](t, rec)
	if resp.Status != "error" {
		t.Fatalf("status field = %q", resp.Status)
	}
}

func TestAuthTokenGuardsAPI(t *testing.T) {
	env := newTestServer(t)
	srv := New(Deps{Store: env.store, Registry: env.registry, Runner: env.launcher}, Options{AuthToken: "s3cret"})

	if rec := performRequest(t, srv, http.MethodGet, "/list_experiments"); rec.Code != http.StatusUnauthorized {
		t.Fatalf("status = %d, want %d", rec.Code, http.StatusUnauthorized)
	}
	if rec := performRequest(t, srv, http.MethodGet, "/list_experiments?token=s3cret"); rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want %d", rec.Code, http.StatusOK)
	}
	if rec := performRequest(t, srv, http.MethodGet, "/health"); rec.Code != http.StatusOK {
		t.Fatalf("health status = %d, want %d", rec.Code, http.StatusOK)
	}
}

func dialState(t *testing.T, ctx context.Context, baseURL, id string) *websocket.Conn {
	t.Helper()
	wsURL := "ws" + strings.TrimPrefix(baseURL, "http") + "/ws/experiments/" + id
	ws, _, err := websocket.Dial(ctx, wsURL, nil)
	if err != nil {
		t.Fatalf("websocket.Dial: %v", err)
	}
	return ws
}

func TestStateWebSocketStreamsUntilDone(t *testing.T) {
	env := newTestServer(t)
	ts := httptest.NewServer(env.srv.httpServer.Handler)
	defer ts.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	env.registry.Create("exp-1")
	env.launcher.setActive("exp-1", true)

	ws := dialState(t, ctx, ts.URL, "exp-1")
	defer ws.CloseNow()

	readEnvelope := func() wsEnvelope {
		t.Helper()
		var env wsEnvelope
		if err := wsjson.Read(ctx, ws, &env); err != nil {
			t.Fatalf("read: %v", err)
		}
		return env
	}

	first := readEnvelope()
	if first.Type != wsTypeState {
		t.Fatalf("first type = %q, want %q", first.Type, wsTypeState)
	}

	env.registry.AddMessage("exp-1", "Starting agent...", agentstate.TypeInfo)
	env.registry.Update("exp-1", agentstate.Patch{Status: agentstate.Ptr(agentstate.StatusCompleted)})
	env.launcher.setActive("exp-1", false)

	for {
		msg := readEnvelope()
		if msg.Type == wsTypeDone {
			data, _ := msg.Data.(map[string]any)
			if data["status"] != agentstate.StatusCompleted {
				t.Fatalf("done data = %v", msg.Data)
			}
			return
		}
		if msg.Type != wsTypeState {
			t.Fatalf("unexpected type %q", msg.Type)
		}
	}
}

func TestStateWebSocketWaitingForUnknownRun(t *testing.T) {
	env := newTestServer(t)
	ts := httptest.NewServer(env.srv.httpServer.Handler)
	defer ts.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	ws := dialState(t, ctx, ts.URL, "exp-2")
	defer ws.CloseNow()

	var msg wsEnvelope
	if err := wsjson.Read(ctx, ws, &msg); err != nil {
		t.Fatalf("read: %v", err)
	}
	if msg.Type != wsTypeWaiting {
		t.Fatalf("type = %q, want %q", msg.Type, wsTypeWaiting)
	}

	env.registry.Create("exp-2")
	if err := wsjson.Read(ctx, ws, &msg); err != nil {
		t.Fatalf("read: %v", err)
	}
	if msg.Type != wsTypeState {
		t.Fatalf("type = %q, want %q", msg.Type, wsTypeState)
	}
}

func TestStartExperimentWithMissingTemplateReportsError(t *testing.T) {
	env := newTestServer(t)
	missing := filepath.Join(t.TempDir(), "no-template")
	runner := agent.NewRunner(agent.Options{
		Registry: env.registry,
		Settings: agent.Settings{Command: "/bin/true", TemplateDir: missing},
		OnStatus: StatusHook(env.store, env.registry, nil, nil),
	})
	srv := New(Deps{Store: env.store, Registry: env.registry, Runner: runner}, Options{})

	rec := performJSONRequest(t, srv, http.MethodPost, "/start_experiment", `{"id":"exp-1","instructions":"fly"}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want %d (body=%s)", rec.Code, http.StatusOK, rec.Body.String())
	}

	waitCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := runner.Wait(waitCtx, "exp-1"); err != nil {
		t.Fatalf("Wait: %v", err)
	}

	rec = performRequest(t, srv, http.MethodGet, "/get_experiment_state?id=exp-1")
	resp := decodeResponse[experimentStateResponse](t, rec)
	if resp.Status != agentstate.StatusError {
		t.Fatalf("status = %q, want %q", resp.Status, agentstate.StatusError)
	}
	if !strings.Contains(resp.Error, missing) {
		t.Fatalf("error = %q, want it to name %q", resp.Error, missing)
	}

	exp, _ := env.store.Load("exp-1")
	if exp.Status != store.StatusError {
		t.Fatalf("persisted status = %q, want %q", exp.Status, store.StatusError)
	}
}

func TestOriginPatterns(t *testing.T) {
	got := originPatterns([]string{" http://localhost:5173 ", "https://wizard.lab/", "127.0.0.1:*", ""})
	want := []string{"localhost:5173", "wizard.lab", "127.0.0.1:*"}
	if strings.Join(got, ",") != strings.Join(want, ",") {
		t.Fatalf("originPatterns = %v, want %v", got, want)
	}
}

func TestWebSocketsRejectForeignOrigins(t *testing.T) {
	env := newTestServerWithOptions(t, Options{AllowedOrigins: []string{"http://localhost:5173"}})
	env.createExperiment(t, "exp-1", time.Now())
	ts := httptest.NewServer(env.srv.httpServer.Handler)
	defer ts.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	base := "ws" + strings.TrimPrefix(ts.URL, "http")
	for _, path := range []string{"/ws/experiments/exp-1", "/ws/experiments/exp-1/terminal"} {
		ws, resp, err := websocket.Dial(ctx, base+path, &websocket.DialOptions{
			HTTPHeader: http.Header{"Origin": {"https://evil.example"}},
		})
		if err == nil {
			ws.CloseNow()
			t.Fatalf("%s: handshake from a foreign origin succeeded", path)
		}
		if resp != nil && resp.StatusCode != http.StatusForbidden {
			t.Fatalf("%s: status = %d, want %d", path, resp.StatusCode, http.StatusForbidden)
		}
	}

	for _, origin := range []string{"http://localhost:5173", ts.URL} {
		ws, _, err := websocket.Dial(ctx, base+"/ws/experiments/exp-1", &websocket.DialOptions{
			HTTPHeader: http.Header{"Origin": {origin}},
		})
		if err != nil {
			t.Fatalf("origin %s rejected: %v", origin, err)
		}
		ws.Close(websocket.StatusNormalClosure, "test finished")
	}
}
