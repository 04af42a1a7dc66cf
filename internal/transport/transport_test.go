package transport

import (
	"bytes"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/avvvet/bookbuddy-intent/internal/config"
	"github.com/avvvet/bookbuddy-intent/internal/fsm"
	"github.com/avvvet/bookbuddy-intent/internal/handlers"
	"github.com/avvvet/bookbuddy-intent/internal/memory"
	"github.com/avvvet/bookbuddy-intent/internal/metrics"
	"github.com/avvvet/bookbuddy-intent/internal/models"
	"github.com/avvvet/bookbuddy-intent/internal/nlp"
	"github.com/avvvet/bookbuddy-intent/internal/processor"
	"github.com/avvvet/bookbuddy-intent/internal/session"
)

type staticHealth struct{ h models.ResolverHealth }

func (s staticHealth) Status() models.ResolverHealth { return s.h }

func newServer(t *testing.T) *httptest.Server {
	t.Helper()
	clock := clockwork.NewFakeClockAt(time.Date(2026, 5, 4, 15, 30, 0, 0, time.UTC))
	reg := prometheus.NewRegistry()
	m := metrics.New(reg)

	sessions := session.NewManager(session.Deps{
		Patterns:        nlp.NewResolver(config.DefaultContextualPhrases),
		Memory:          memory.NewManager(memory.NewLocalStore(), clock, memory.DefaultOptions(), zerolog.Nop(), m),
		Processor:       processor.DefaultOptions(),
		DefaultTimezone: "UTC",
		Clock:           clock,
		Logger:          zerolog.Nop(),
		Metrics:         m,
	})
	t.Cleanup(sessions.Shutdown)

	health := staticHealth{h: models.ResolverHealth{Status: models.HealthDisconnected}}
	srv := httptest.NewServer(NewRouter(handlers.NewHandler(sessions, zerolog.Nop()), health, reg, zerolog.Nop()))
	t.Cleanup(srv.Close)
	return srv
}

func call(t *testing.T, method, url string, body any, out any) int {
	t.Helper()
	var r io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		require.NoError(t, err)
		r = bytes.NewReader(data)
	}
	req, err := http.NewRequest(method, url, r)
	require.NoError(t, err)

	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	if out != nil {
		require.NoError(t, json.NewDecoder(resp.Body).Decode(out))
	}
	return resp.StatusCode
}

func TestHealthAndMetrics(t *testing.T) {
	srv := newServer(t)

	var health struct {
		OK       bool                  `json:"ok"`
		Resolver models.ResolverHealth `json:"resolver"`
	}
	assert.Equal(t, http.StatusOK, call(t, http.MethodGet, srv.URL+"/healthz", nil, &health))
	assert.True(t, health.OK)
	assert.Equal(t, models.HealthDisconnected, health.Resolver.Status)

	resp, err := http.Get(srv.URL + "/metrics")
	require.NoError(t, err)
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Contains(t, string(body), "bookbuddy_active_sessions")
}

func TestSessionLifecycle(t *testing.T) {
	srv := newServer(t)
	base := srv.URL + "/v1/sessions"

	var login models.SessionResponse
	status := call(t, http.MethodPost, base, models.LoginRequest{Username: "guest", Demo: true}, &login)
	require.Equal(t, http.StatusOK, status)
	require.NotEmpty(t, login.SessionID)
	assert.Equal(t, "authenticated.demo_mode", login.SessionState)
	sessionURL := base + "/" + login.SessionID

	var cmd models.CommandResponse
	status = call(t, http.MethodPost, sessionURL+"/commands", map[string]string{"command": "rooms"}, &cmd)
	assert.Equal(t, http.StatusOK, status)
	assert.Equal(t, models.StatusOK, cmd.Status)
	assert.Equal(t, "direct", cmd.Path)
	assert.Equal(t, login.SessionID, cmd.SessionID)

	status = call(t, http.MethodPost, sessionURL+"/commands", map[string]string{"command": "cancel booking 3"}, &cmd)
	assert.Equal(t, http.StatusBadGateway, status)
	assert.Equal(t, models.ErrorExecutionFailed, *cmd.ErrorCode)

	status = call(t, http.MethodPost, sessionURL+"/retry", nil, &cmd)
	assert.Equal(t, http.StatusBadGateway, status)
	assert.Equal(t, 2, cmd.Attempts)

	var state models.SessionResponse
	status = call(t, http.MethodPut, sessionURL+"/settings", models.Settings{}, &state)
	assert.Equal(t, http.StatusUnprocessableEntity, status)
	assert.Equal(t, models.DefaultSettings(), state.Settings)

	status = call(t, http.MethodGet, sessionURL, nil, &state)
	assert.Equal(t, http.StatusOK, status)
	assert.Equal(t, "error", state.ProcessorState)

	status = call(t, http.MethodDelete, sessionURL, nil, &state)
	assert.Equal(t, http.StatusOK, status)
	assert.Equal(t, "unauthenticated", state.SessionState)

	status = call(t, http.MethodGet, sessionURL, nil, &state)
	assert.Equal(t, http.StatusNotFound, status)
}

func TestInvalidJSON(t *testing.T) {
	srv := newServer(t)

	resp, err := http.Post(srv.URL+"/v1/sessions", "application/json", bytes.NewBufferString("{"))
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestSubjectsAndEvents(t *testing.T) {
	assert.Equal(t, "bookbuddy.submit", Subject("bookbuddy", OpSubmit))
	assert.Equal(t, "bookbuddy.events.s1", Subject("bookbuddy", "events", "s1"))

	at := time.Date(2026, 5, 4, 15, 30, 0, 0, time.UTC)
	ev := EventFromRecord("s1", fsm.Record{
		Machine: "processor",
		From:    "idle",
		To:      "parsing",
		Event:   "PROCESS_COMMAND",
		Actions: []fsm.ActionID{"resetAttempts", "showThinking"},
		At:      at,
	})
	assert.Equal(t, models.Event{
		SessionID: "s1",
		Machine:   "processor",
		From:      "idle",
		To:        "parsing",
		Event:     "PROCESS_COMMAND",
		Actions:   []string{"resetAttempts", "showThinking"},
		At:        at,
	}, ev)
}
