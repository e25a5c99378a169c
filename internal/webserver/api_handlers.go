package webserver

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/bjsi/vibe-controller/internal/agent"
	"github.com/bjsi/vibe-controller/internal/agentstate"
	"github.com/bjsi/vibe-controller/internal/buildinfo"
	"github.com/bjsi/vibe-controller/internal/debug"
	"github.com/bjsi/vibe-controller/internal/specgen"
	"github.com/bjsi/vibe-controller/internal/store"
)

const (
	statusSuccess = "success"
	statusError   = "error"
)

type errorResponse struct {
	Status string `json:"status"`
	Error  string `json:"error"`
}

type dataResponse struct {
	Status  string `json:"status"`
	Message string `json:"message,omitempty"`
	Data    any    `json:"data"`
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		debug.LogKV("webserver", "failed to encode json response", "status", status, "error", err)
	}
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, errorResponse{Status: statusError, Error: message})
}

func decodeJSONBody(w http.ResponseWriter, r *http.Request, dst any) bool {
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return false
	}
	return true
}

// queryID reads and validates the id query parameter.
func queryID(w http.ResponseWriter, r *http.Request) (string, bool) {
	id := strings.TrimSpace(r.URL.Query().Get("id"))
	if id == "" {
		writeError(w, http.StatusBadRequest, "id is required")
		return "", false
	}
	if !store.ValidID(id) {
		writeError(w, http.StatusBadRequest, "invalid experiment id")
		return "", false
	}
	return id, true
}

func (srv *Server) loadExperimentOr404(w http.ResponseWriter, id string) (*store.Experiment, bool) {
	exp, ok := srv.store.Load(id)
	if !ok {
		writeError(w, http.StatusNotFound, fmt.Sprintf("experiment %q not found", id))
		return nil, false
	}
	return exp, true
}

// --- Experiment lifecycle ---

type startExperimentRequest struct {
	ID           string `json:"id"`
	Instructions string `json:"instructions"`
}

func (srv *Server) handleStartExperiment(w http.ResponseWriter, r *http.Request) {
	var req startExperimentRequest
	if !decodeJSONBody(w, r, &req) {
		return
	}
	req.ID = strings.TrimSpace(req.ID)
	if req.ID == "" || strings.TrimSpace(req.Instructions) == "" {
		writeError(w, http.StatusBadRequest, "id and instructions are required")
		return
	}
	if !store.ValidID(req.ID) {
		writeError(w, http.StatusBadRequest, "invalid experiment id")
		return
	}

	srv.startMu.Lock()
	defer srv.startMu.Unlock()
	if srv.runner.Active(req.ID) {
		writeError(w, http.StatusConflict, fmt.Sprintf("experiment %q is already running", req.ID))
		return
	}

	dir, err := srv.store.EnsureExperimentDir(req.ID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to create experiment directory")
		return
	}
	exp := &store.Experiment{
		ID:           req.ID,
		Instructions: req.Instructions,
		Status:       store.StatusStarted,
		StartTime:    time.Now().UTC(),
		TestData:     []store.TestDataPoint{},
	}
	if spec, err := srv.store.LoadSpec(req.ID); err == nil {
		exp.Spec = spec
	}
	if err := srv.store.Save(exp); err != nil {
		writeError(w, http.StatusInternalServerError, "failed to save experiment")
		return
	}

	if err := srv.runner.Start(req.ID, req.Instructions, dir); err != nil {
		if errors.Is(err, agent.ErrAlreadyRunning) {
			writeError(w, http.StatusConflict, fmt.Sprintf("experiment %q is already running", req.ID))
			return
		}
		writeError(w, http.StatusInternalServerError, "failed to start agent")
		return
	}
	debug.LogKV("webserver", "experiment started", "id", req.ID, "dir", dir)

	writeJSON(w, http.StatusOK, dataResponse{
		Status:  statusSuccess,
		Message: "Experiment started",
		Data:    exp,
	})
}

type stopExperimentRequest struct {
	ID    string `json:"id"`
	Force bool   `json:"force,omitempty"`
}

func (srv *Server) handleStopExperiment(w http.ResponseWriter, r *http.Request) {
	var req stopExperimentRequest
	if !decodeJSONBody(w, r, &req) {
		return
	}
	req.ID = strings.TrimSpace(req.ID)
	if req.ID == "" {
		writeError(w, http.StatusBadRequest, "id is required")
		return
	}
	_, hasState := srv.registry.Get(req.ID)
	_, hasExperiment := srv.store.Load(req.ID)
	if !hasState && !hasExperiment {
		writeError(w, http.StatusNotFound, fmt.Sprintf("experiment %q not found", req.ID))
		return
	}

	if !srv.runner.Stop(req.ID, req.Force) {
		// No run state in this process, e.g. after a restart.
		if err := srv.store.UpdateStatus(req.ID, store.StatusEnded); err != nil {
			writeError(w, http.StatusInternalServerError, "failed to update experiment")
			return
		}
	}

	writeJSON(w, http.StatusOK, dataResponse{
		Status:  statusSuccess,
		Message: "Experiment stopped",
		Data:    map[string]any{"id": req.ID, "force": req.Force},
	})
}

type executeDroneRequest struct {
	ID string `json:"id"`
}

func (srv *Server) handleExecuteDrone(w http.ResponseWriter, r *http.Request) {
	var req executeDroneRequest
	if !decodeJSONBody(w, r, &req) {
		return
	}
	req.ID = strings.TrimSpace(req.ID)
	if req.ID == "" || !store.ValidID(req.ID) {
		writeError(w, http.StatusBadRequest, "valid id is required")
		return
	}
	if _, ok := srv.loadExperimentOr404(w, req.ID); !ok {
		return
	}

	srv.startMu.Lock()
	defer srv.startMu.Unlock()
	if err := srv.runner.StartSimulation(req.ID, srv.store.ExperimentDir(req.ID)); err != nil {
		if errors.Is(err, agent.ErrAlreadyRunning) {
			writeError(w, http.StatusConflict, fmt.Sprintf("experiment %q is already running", req.ID))
			return
		}
		writeError(w, http.StatusInternalServerError, "failed to start simulation")
		return
	}

	writeJSON(w, http.StatusOK, dataResponse{
		Status:  statusSuccess,
		Message: "Drone execution started",
		Data:    map[string]string{"id": req.ID},
	})
}

// --- Agent state ---

type logEntry struct {
	Type      string    `json:"type"`
	Content   string    `json:"content"`
	Timestamp time.Time `json:"timestamp"`
	Status    string    `json:"status"`
}

type experimentStateResponse struct {
	Status           string     `json:"status"`
	Log              []logEntry `json:"log"`
	Error            string     `json:"error,omitempty"`
	StartTime        *time.Time `json:"startTime,omitempty"`
	LastUpdate       *time.Time `json:"lastUpdate,omitempty"`
	DroppedTelemetry int        `json:"droppedTelemetry,omitempty"`
}

const placeholderContent = "Waiting for agent to start..."

func stateResponse(st agentstate.State, ok bool) experimentStateResponse {
	if !ok || len(st.Messages) == 0 {
		status := agentstate.StatusPending
		if ok {
			status = st.Status
		}
		return experimentStateResponse{
			Status: status,
			Log: []logEntry{{
				Type:      agentstate.TypeInfo,
				Content:   placeholderContent,
				Timestamp: time.Now().UTC(),
				Status:    status,
			}},
		}
	}

	out := experimentStateResponse{
		Status:           st.Status,
		Log:              make([]logEntry, 0, len(st.Messages)),
		Error:            st.Error,
		StartTime:        &st.StartTime,
		LastUpdate:       &st.LastUpdate,
		DroppedTelemetry: st.DroppedTelemetry,
	}
	for _, m := range st.Messages {
		out.Log = append(out.Log, logEntry{
			Type:      m.Type,
			Content:   m.Content,
			Timestamp: m.Timestamp,
			Status:    st.Status,
		})
	}
	return out
}

func (srv *Server) handleGetExperimentState(w http.ResponseWriter, r *http.Request) {
	id, ok := queryID(w, r)
	if !ok {
		return
	}
	st, found := srv.registry.Get(id)
	writeJSON(w, http.StatusOK, stateResponse(st, found))
}

func (srv *Server) handleListExperiments(w http.ResponseWriter, r *http.Request) {
	summaries, err := srv.store.List()
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to list experiments")
		return
	}
	writeJSON(w, http.StatusOK, dataResponse{Status: statusSuccess, Data: summaries})
}

// --- Telemetry ---

func (srv *Server) handleStoreTestData(w http.ResponseWriter, r *http.Request) {
	id, ok := queryID(w, r)
	if !ok {
		return
	}
	if _, ok := srv.loadExperimentOr404(w, id); !ok {
		return
	}

	var raw map[string]json.RawMessage
	if !decodeJSONBody(w, r, &raw) {
		return
	}
	points, err := parseTestData(raw)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	total, err := srv.store.AppendTestData(id, points)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			writeError(w, http.StatusNotFound, fmt.Sprintf("experiment %q not found", id))
			return
		}
		writeError(w, http.StatusInternalServerError, "failed to store test data")
		return
	}

	writeJSON(w, http.StatusOK, dataResponse{
		Status:  statusSuccess,
		Message: fmt.Sprintf("Stored %d data points", len(points)),
		Data:    map[string]int{"stored": len(points), "total": total},
	})
}

// parseTestData accepts either {"testData": [point...]} or a single point.
// Points without a timestamp are stamped with the current time.
func parseTestData(raw map[string]json.RawMessage) ([]store.TestDataPoint, error) {
	var points []store.TestDataPoint
	if batch, ok := raw["testData"]; ok {
		if err := json.Unmarshal(batch, &points); err != nil {
			return nil, fmt.Errorf("testData must be an array of data points")
		}
		if len(points) == 0 {
			return nil, fmt.Errorf("testData is empty")
		}
	} else {
		if _, ok := raw["position"]; !ok {
			return nil, fmt.Errorf("body must contain testData or position and controls")
		}
		if _, ok := raw["controls"]; !ok {
			return nil, fmt.Errorf("body must contain testData or position and controls")
		}
		data, err := json.Marshal(raw)
		if err != nil {
			return nil, err
		}
		var p store.TestDataPoint
		if err := json.Unmarshal(data, &p); err != nil {
			return nil, fmt.Errorf("invalid data point: %v", err)
		}
		points = []store.TestDataPoint{p}
	}

	now := time.Now().UTC()
	for i := range points {
		if points[i].Timestamp.IsZero() {
			points[i].Timestamp = store.Timestamp{Time: now}
		}
	}
	return points, nil
}

func (srv *Server) handleGetTestData(w http.ResponseWriter, r *http.Request) {
	id, ok := queryID(w, r)
	if !ok {
		return
	}
	exp, ok := srv.loadExperimentOr404(w, id)
	if !ok {
		return
	}
	data := exp.TestData
	if data == nil {
		data = []store.TestDataPoint{}
	}
	writeJSON(w, http.StatusOK, dataResponse{Status: statusSuccess, Data: data})
}

func (srv *Server) handleGetTranscript(w http.ResponseWriter, r *http.Request) {
	id, ok := queryID(w, r)
	if !ok {
		return
	}
	if _, ok := srv.loadExperimentOr404(w, id); !ok {
		return
	}
	events, err := srv.store.Transcript(id)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to read transcript")
		return
	}
	if events == nil {
		events = []store.TranscriptEvent{}
	}
	writeJSON(w, http.StatusOK, dataResponse{Status: statusSuccess, Data: events})
}

// --- Spec generation ---

type generateSpecRequest struct {
	ID          string   `json:"id,omitempty"`
	Description string   `json:"description"`
	Goal        string   `json:"goal,omitempty"`
	Controller  string   `json:"controller,omitempty"`
	Constraints []string `json:"constraints,omitempty"`
}

func (srv *Server) handleGenerateSpec(w http.ResponseWriter, r *http.Request) {
	var body generateSpecRequest
	if !decodeJSONBody(w, r, &body) {
		return
	}
	req := specgen.Request{
		ID:          strings.TrimSpace(body.ID),
		Description: body.Description,
		Goal:        body.Goal,
		Controller:  body.Controller,
		Constraints: body.Constraints,
	}
	if err := req.Validate(); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if req.ID != "" && !store.ValidID(req.ID) {
		writeError(w, http.StatusBadRequest, "invalid experiment id")
		return
	}

	spec, err := srv.generator.Generate(r.Context(), req)
	if err != nil {
		debug.LogKV("webserver", "spec generation failed", "id", req.ID, "error", err)
		srv.logger.Warn("spec generation failed", "err", err)
		writeError(w, http.StatusBadGateway, "spec generation failed: "+err.Error())
		return
	}

	if req.ID != "" {
		if err := srv.store.SaveSpec(req.ID, spec); err != nil && !errors.Is(err, store.ErrNotFound) {
			writeError(w, http.StatusInternalServerError, "failed to save spec")
			return
		}
	}

	writeJSON(w, http.StatusOK, dataResponse{Status: statusSuccess, Data: spec})
}

// --- Health ---

type healthResponse struct {
	Status  string  `json:"status"`
	Version string  `json:"version"`
	Uptime  float64 `json:"uptime"`
}

func (srv *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, healthResponse{
		Status:  "ok",
		Version: buildinfo.Current().Version,
		Uptime:  buildinfo.Uptime().Seconds(),
	})
}
