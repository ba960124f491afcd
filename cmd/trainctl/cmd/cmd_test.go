package cmd

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	httpapi "github.com/saltfish/trainstream/internal/api/http"
	"github.com/saltfish/trainstream/internal/domain"
	"github.com/saltfish/trainstream/internal/progress"
	"github.com/saltfish/trainstream/internal/scheduler"
	"github.com/saltfish/trainstream/internal/stream"
)

const rf domain.ModelID = "random_forest"

func frame(t *testing.T, ev domain.Event) string {
	t.Helper()
	b, err := domain.MarshalEvent(ev)
	require.NoError(t, err)
	return "data: " + string(b) + "\n\n"
}

// trainingServer serves the given events as one event stream.
func trainingServer(t *testing.T, events ...domain.Event) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		for _, ev := range events {
			_, _ = io.WriteString(w, frame(t, ev))
		}
	}))
	t.Cleanup(srv.Close)
	return srv
}

func streamFrom(t *testing.T, srv *httptest.Server) (*stream.Driver, stream.OpenFunc) {
	t.Helper()
	logger := zap.NewNop()
	client := stream.NewClientWithHTTP(srv.URL, srv.Client(), logger)
	req := domain.TrainingRequest{InstrumentToken: 256265, Interval: "day", Models: []domain.ModelID{rf}}
	require.NoError(t, req.Normalize())
	return stream.NewDriver(stream.DriverConfig{ChunkSize: 64}, nil, logger), client.Opener(req)
}

func setOutput(t *testing.T, format string) {
	t.Helper()
	prev := outputFormat
	outputFormat = format
	t.Cleanup(func() { outputFormat = prev })
}

func mape(v float64) *float64 { return &v }

func testResult() *domain.RunResult {
	artifact := "models/rf.pkl"
	return &domain.RunResult{
		InstrumentToken: 256265,
		Interval:        "day",
		ForecastHorizon: 1,
		Models: []domain.ModelResult{
			{
				ModelName:           rf,
				MetricsOverall:      domain.Metrics{"rmse": 1.23456, "mae": 0.5},
				WalkForward:         []domain.FoldResult{{FoldIndex: 1, RMSE: 1.2, MAE: 0.5, MAPE: mape(2.5)}},
				ArtifactPath:        &artifact,
				TrainingTimeSeconds: 2.5,
			},
		},
	}
}

func TestFeedURL(t *testing.T) {
	tests := []struct {
		server  string
		surface string
		want    string
		wantErr bool
	}{
		{"http://localhost:8082", "default", "ws://localhost:8082/ws?surface=default", false},
		{"https://example.com/trainstream", "dash board", "wss://example.com/trainstream/ws?surface=dash+board", false},
		{"ws://localhost:8082", "default", "ws://localhost:8082/ws?surface=default", false},
		{"ftp://localhost", "default", "", true},
	}

	for _, tt := range tests {
		t.Run(tt.server, func(t *testing.T) {
			got, err := feedURL(tt.server, tt.surface)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestProgressPrinter(t *testing.T) {
	var buf bytes.Buffer
	p := newProgressPrinter(&buf)

	start := domain.StartEvent{Models: []domain.ModelID{rf}, TotalFolds: 4}
	initializing := progress.Replay(start)
	p.Print(initializing)
	p.Print(initializing)

	running := progress.Replay(start, domain.ModelStartEvent{Model: rf, TotalFolds: 4})
	p.Print(running)
	p.Print(running)

	running = progress.Fold(running, domain.FoldEvent{Model: rf, FoldIndex: 1, TotalFolds: 4})
	p.Print(running)

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	require.Len(t, lines, 3, "identical states print once")
	assert.Equal(t, "[  0%] initializing 0/4 folds", lines[0])
	assert.Equal(t, "[  0%] running   0/4 folds  model=random_forest", lines[1])
	assert.Equal(t, "[ 25%] running   1/4 folds  model=random_forest", lines[2])
}

func TestProgressLine_Error(t *testing.T) {
	state := progress.Replay(
		domain.StartEvent{Models: []domain.ModelID{rf}, TotalFolds: 2},
		domain.ErrorEvent{Message: "out of memory"},
	)
	assert.Equal(t, `[  0%] failed    0/2 folds  error="out of memory"`, progressLine(state))
}

func TestRenderResult(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, renderResult(&buf, testResult()))

	out := buf.String()
	assert.Contains(t, out, "random_forest")
	assert.Contains(t, out, "1.2346")
	assert.Contains(t, out, "0.5000")
	assert.Contains(t, out, "2.5s")
	assert.Contains(t, out, "models/rf.pkl")

	buf.Reset()
	require.NoError(t, renderResult(&buf, nil))
	assert.Equal(t, "No model results.\n", buf.String())
}

func TestStreamRun_Succeeded(t *testing.T) {
	setOutput(t, "table")
	srv := trainingServer(t,
		domain.StartEvent{Models: []domain.ModelID{rf}, TotalFolds: 2},
		domain.ModelStartEvent{Model: rf, TotalFolds: 2},
		domain.FoldEvent{Model: rf, FoldIndex: 1, TotalFolds: 2, RMSE: 1.5, MAE: 0.75},
		domain.FoldEvent{Model: rf, FoldIndex: 2, TotalFolds: 2, RMSE: 1.4, MAE: 0.7},
		domain.ModelCompleteEvent{Model: rf, Metrics: domain.Metrics{"rmse": 1.45}},
		domain.CompleteEvent{Results: *testResult()},
	)
	driver, open := streamFrom(t, srv)

	var out, progressOut bytes.Buffer
	require.NoError(t, streamRun(context.Background(), driver, open, &out, &progressOut))

	assert.Contains(t, progressOut.String(), "[ 50%] running   1/2 folds  model=random_forest")
	assert.Contains(t, progressOut.String(), "[100%] succeeded 2/2 folds")
	assert.Contains(t, out.String(), "random_forest")
	assert.Contains(t, out.String(), "models/rf.pkl")
}

func TestStreamRun_JSON(t *testing.T) {
	setOutput(t, "json")
	srv := trainingServer(t,
		domain.StartEvent{Models: []domain.ModelID{rf}, TotalFolds: 1},
		domain.CompleteEvent{Results: *testResult()},
	)
	driver, open := streamFrom(t, srv)

	var out, progressOut bytes.Buffer
	require.NoError(t, streamRun(context.Background(), driver, open, &out, &progressOut))

	var got map[string]any
	require.NoError(t, json.Unmarshal(out.Bytes(), &got))
	assert.Equal(t, "succeeded", got["status"])
	assert.NotNil(t, got["final_result"])
}

func TestStreamRun_Failed(t *testing.T) {
	setOutput(t, "table")
	srv := trainingServer(t,
		domain.StartEvent{Models: []domain.ModelID{rf}, TotalFolds: 2},
		domain.ErrorEvent{Message: "no candles for instrument"},
	)
	driver, open := streamFrom(t, srv)

	var out, progressOut bytes.Buffer
	err := streamRun(context.Background(), driver, open, &out, &progressOut)
	require.Error(t, err)
	assert.Equal(t, "run failed: no candles for instrument", err.Error())
	assert.Empty(t, out.String())
}

func TestStreamRun_Cancelled(t *testing.T) {
	setOutput(t, "table")
	srv := trainingServer(t)
	driver, open := streamFrom(t, srv)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	var out, progressOut bytes.Buffer
	err := streamRun(ctx, driver, open, &out, &progressOut)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, "Run cancelled.\n", progressOut.String())
}

func TestCallAPI(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/api/v1/runs/current":
			assert.Equal(t, http.MethodDelete, r.Method)
			assert.Equal(t, "dashboard", r.URL.Query().Get("surface"))
			w.WriteHeader(http.StatusNoContent)
		case "/api/v1/surfaces":
			w.Header().Set("Content-Type", "application/json")
			_, _ = io.WriteString(w, `{"surfaces":[{"surface":"default","active":false,"status":"idle","percent":0,"seq":0}]}`)
		default:
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusNotFound)
			_, _ = io.WriteString(w, `{"error":"not found: run","message":"failed to get run"}`)
		}
	}))
	defer srv.Close()

	prev := serverURL
	serverURL = srv.URL + "/"
	t.Cleanup(func() { serverURL = prev })

	t.Run("no content", func(t *testing.T) {
		require.NoError(t, callAPI(http.MethodDelete, "/api/v1/runs/current?surface=dashboard", nil, nil, http.StatusNoContent))
	})

	t.Run("decodes body", func(t *testing.T) {
		var result struct {
			Surfaces []httpapi.SurfaceStatus `json:"surfaces"`
		}
		require.NoError(t, callAPI(http.MethodGet, "/api/v1/surfaces", nil, &result, http.StatusOK))
		require.Len(t, result.Surfaces, 1)
		assert.Equal(t, "default", result.Surfaces[0].Surface)
		assert.Equal(t, domain.RunStatusIdle, result.Surfaces[0].Status)
	})

	t.Run("api error", func(t *testing.T) {
		err := callAPI(http.MethodGet, "/api/v1/runs/"+uuid.NewString(), nil, nil, http.StatusOK)
		require.Error(t, err)
		assert.Equal(t, "API error (status 404): failed to get run: not found: run", err.Error())
	})
}

func TestRenderRuns(t *testing.T) {
	id := uuid.MustParse("0b7a4c4e-6a55-4d38-9a7e-2f4f3c9d1e10")
	record := domain.NewRunRecord(id, "default", "api",
		domain.TrainingRequest{InstrumentToken: 256265, Interval: "day"},
		time.Date(2026, 3, 2, 9, 15, 0, 0, time.UTC))
	record.ExpectedUnits = 4
	record.CompletedUnits = 3

	var buf bytes.Buffer
	require.NoError(t, renderRuns(&buf, []*domain.RunRecord{record}))

	out := buf.String()
	assert.Contains(t, out, "0b7a4c4e")
	assert.Contains(t, out, "256265")
	assert.Contains(t, out, "75%")
	assert.Contains(t, out, "2026-03-02 09:15")
}

func wsMessage(t *testing.T, typ, surface string, data any) httpapi.WSMessage {
	t.Helper()
	raw, err := json.Marshal(data)
	require.NoError(t, err)
	return httpapi.WSMessage{Type: typ, Surface: surface, Data: raw, Timestamp: time.Now().UTC()}
}

func TestFollowSurface(t *testing.T) {
	runID := uuid.MustParse("5d0e8f0a-3c1b-4f7e-8f43-1f2d9b7c6a01")
	state := progress.Replay(
		domain.StartEvent{Models: []domain.ModelID{rf}, TotalFolds: 2},
		domain.ModelStartEvent{Model: rf, TotalFolds: 2},
		domain.FoldEvent{Model: rf, FoldIndex: 1, TotalFolds: 2, RMSE: 1.5, MAE: 0.75},
	)
	messages := []httpapi.WSMessage{
		wsMessage(t, httpapi.EventTypeSnapshot, "default", progress.NewSnapshot(uuid.Nil, "default", 0, progress.NewRunState())),
		wsMessage(t, httpapi.EventTypeRunStarted, "default", map[string]any{"run_id": runID, "trigger": "api"}),
		wsMessage(t, httpapi.EventTypeSnapshot, "default", progress.NewSnapshot(runID, "default", 3, state)),
		wsMessage(t, httpapi.EventTypeRunFinished, "default", httpapi.RunFinishedMessage{
			RunID:      runID.String(),
			Outcome:    scheduler.OutcomeSucceeded,
			DurationMs: 1500,
			Percent:    100,
		}),
	}

	upgrader := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		for _, msg := range messages {
			if err := conn.WriteJSON(msg); err != nil {
				return
			}
		}
		// Hold the connection open; the client leaves on run.finished.
		_, _, _ = conn.ReadMessage()
	}))
	defer srv.Close()

	target, err := feedURL(srv.URL, "default")
	require.NoError(t, err)
	conn, _, err := websocket.DefaultDialer.Dial(target, nil)
	require.NoError(t, err)
	defer conn.Close()

	var buf bytes.Buffer
	require.NoError(t, followSurface(context.Background(), conn, &buf, true))

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	require.Len(t, lines, 3)
	assert.Equal(t, "Run "+runID.String()+" started on default (trigger: api)", lines[0])
	assert.Equal(t, "[ 50%] running   1/2 folds  model=random_forest", lines[1])
	assert.Equal(t, "Run "+runID.String()+" succeeded after 1.5s (100%)", lines[2])
}

func TestFollowSurface_ServerCloses(t *testing.T) {
	upgrader := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		_ = conn.WriteMessage(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseGoingAway, "server shutting down"))
	}))
	defer srv.Close()

	target, err := feedURL(srv.URL, "default")
	require.NoError(t, err)
	conn, _, err := websocket.DefaultDialer.Dial(target, nil)
	require.NoError(t, err)
	defer conn.Close()

	var buf bytes.Buffer
	assert.NoError(t, followSurface(context.Background(), conn, &buf, false))
	assert.Empty(t, buf.String())
}
