package processor

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/avvvet/bookbuddy-intent/internal/booking"
	"github.com/avvvet/bookbuddy-intent/internal/config"
	"github.com/avvvet/bookbuddy-intent/internal/fsm"
	"github.com/avvvet/bookbuddy-intent/internal/llm"
	"github.com/avvvet/bookbuddy-intent/internal/memory"
	"github.com/avvvet/bookbuddy-intent/internal/models"
	"github.com/avvvet/bookbuddy-intent/internal/nlp"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

var now = time.Date(2026, 5, 4, 15, 30, 0, 0, time.UTC)

const userID = "user-1"

type fakeRemote struct {
	mu    sync.Mutex
	calls []llm.Request
	reply func(req llm.Request) (*models.Intent, error)
}

func (f *fakeRemote) Resolve(_ context.Context, req llm.Request) (*models.Intent, error) {
	f.mu.Lock()
	f.calls = append(f.calls, req)
	reply := f.reply
	f.mu.Unlock()
	if reply == nil {
		return &models.Intent{Action: models.ActionUnknown, SourceResolver: models.ResolverRemote}, nil
	}
	return reply(req)
}

func (f *fakeRemote) Calls() []llm.Request {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]llm.Request(nil), f.calls...)
}

type fakeHealth struct {
	mu   sync.Mutex
	h    models.ResolverHealth
	subs []func(models.ResolverHealth)
}

func newFakeHealth(status models.HealthStatus) *fakeHealth {
	return &fakeHealth{h: models.ResolverHealth{Status: status, LastChecked: now}}
}

func (f *fakeHealth) Status() models.ResolverHealth {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.h
}

func (f *fakeHealth) Subscribe(fn func(models.ResolverHealth)) func() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.subs = append(f.subs, fn)
	return func() {}
}

func (f *fakeHealth) set(status models.HealthStatus) {
	f.mu.Lock()
	f.h.Status = status
	h := f.h
	subs := append([]func(models.ResolverHealth){}, f.subs...)
	f.mu.Unlock()
	for _, fn := range subs {
		fn(h)
	}
}

type recordingIndicator struct {
	mu     sync.Mutex
	events []string
}

func (r *recordingIndicator) add(e string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, e)
}

func (r *recordingIndicator) Thinking(string)      { r.add("thinking") }
func (r *recordingIndicator) Failed(string, error) { r.add("error") }
func (r *recordingIndicator) Cleared(string)       { r.add("cleared") }

type harness struct {
	p         *Processor
	remote    *fakeRemote
	health    *fakeHealth
	api       *booking.DemoAPI
	mem       *memory.Manager
	indicator *recordingIndicator
	settings  models.Settings
}

type harnessOption func(*harness, *Options)

func withSettings(s models.Settings) harnessOption {
	return func(h *harness, _ *Options) { h.settings = s }
}

func withHealth(status models.HealthStatus) harnessOption {
	return func(h *harness, _ *Options) { h.health = newFakeHealth(status) }
}

func withThreshold(t float64) harnessOption {
	return func(_ *harness, o *Options) { o.Threshold = t }
}

func newHarness(t *testing.T, opts ...harnessOption) *harness {
	t.Helper()
	clock := clockwork.NewFakeClockAt(now)
	h := &harness{
		remote:    &fakeRemote{},
		health:    newFakeHealth(models.HealthConnected),
		api:       booking.NewDemoAPI(),
		mem:       memory.NewManager(memory.NewLocalStore(), clock, memory.DefaultOptions(), zerolog.Nop(), nil),
		indicator: &recordingIndicator{},
		settings:  models.DefaultSettings(),
	}
	o := DefaultOptions()
	for _, opt := range opts {
		opt(h, &o)
	}

	h.p = New(userID, time.UTC, o, Deps{
		Patterns:  nlp.NewResolver(config.DefaultContextualPhrases),
		Remote:    h.remote,
		Booking:   h.api,
		Memory:    h.mem,
		Health:    h.health,
		Settings:  func() models.Settings { return h.settings },
		Indicator: h.indicator,
		Clock:     clock,
		Logger:    zerolog.Nop(),
	})
	h.p.Start()
	t.Cleanup(h.p.Close)
	return h
}

func (h *harness) history(t *testing.T) []models.ContextEntry {
	t.Helper()
	entries, err := h.mem.Recent(context.Background(), userID, 0)
	require.NoError(t, err)
	return entries
}

func checkSkagen(req llm.Request) (*models.Intent, error) {
	return &models.Intent{
		Action:         models.ActionCheckAvailability,
		Params:         models.Params{"roomName": "skagen", "startTime": "2026-05-05T08:00:00Z"},
		SourceResolver: models.ResolverRemote,
	}, nil
}

func TestDirectCommandDispatchesAndRecords(t *testing.T) {
	h := newHarness(t)

	out, err := h.p.Submit(context.Background(), "rooms")
	require.NoError(t, err)

	assert.Equal(t, PathDirect, out.Path)
	assert.Equal(t, StateIdle, out.State)
	assert.Equal(t, StateIdle, h.p.State())
	assert.Equal(t, models.ActionGetRooms, out.Intent.Action)
	assert.Equal(t, models.ResolverDirect, out.Intent.SourceResolver)
	assert.Contains(t, out.Response, "skagen")
	assert.Len(t, out.Data, len(booking.DemoRooms))
	assert.Empty(t, h.remote.Calls())

	entries := h.history(t)
	require.Len(t, entries, 1)
	assert.Equal(t, models.ActionGetRooms, entries[0].Action)
	assert.Equal(t, "rooms", entries[0].Command)
}

func TestConfidentPatternsNeverCallRemote(t *testing.T) {
	commands := []string{
		"book skagen on 2026-05-06 at 09:00",
		"check aarhus on 2026-05-06 at 10:30",
		"what rooms are free tomorrow at 9am",
		"cancel booking 1",
		"cancel all bookings",
	}

	h := newHarness(t)
	for _, cmd := range commands {
		out, err := h.p.Submit(context.Background(), cmd)
		require.NoError(t, err, cmd)
		assert.Equal(t, PathNLP, out.Path, cmd)
		assert.Equal(t, models.ResolverPattern, out.Intent.SourceResolver, cmd)
	}
	assert.Empty(t, h.remote.Calls())
	assert.Len(t, h.history(t), len(commands))
}

func TestContextualReferenceForcesRemote(t *testing.T) {
	h := newHarness(t)
	h.remote.reply = func(req llm.Request) (*models.Intent, error) {
		return &models.Intent{
			Action:         models.ActionCreateBooking,
			Params:         models.Params{"roomName": "aarhus", "startTime": "2026-05-06T09:00:00Z"},
			SourceResolver: models.ResolverRemote,
		}, nil
	}

	// Fully specified, so the pattern resolver is confident, but "instead" refers back.
	out, err := h.p.Submit(context.Background(), "book aarhus on 2026-05-06 at 09:00 instead")
	require.NoError(t, err)
	assert.Equal(t, PathLLM, out.Path)
	assert.Len(t, h.remote.Calls(), 1)
}

func TestFollowUpUsesConversationHistory(t *testing.T) {
	h := newHarness(t)
	h.remote.reply = func(req llm.Request) (*models.Intent, error) {
		if req.Command == "book it" {
			if len(req.RecentHistory) != 1 || req.RecentHistory[0].Action != models.ActionCheckAvailability {
				return nil, &models.ResolverError{Resolver: models.ResolverRemote, Err: errors.New("missing history")}
			}
			params := req.RecentHistory[0].Params.Clone()
			params["duration"] = 60
			return &models.Intent{Action: models.ActionCreateBooking, Params: params, SourceResolver: models.ResolverRemote}, nil
		}
		return checkSkagen(req)
	}

	out, err := h.p.Submit(context.Background(), "check skagen tomorrow at 8")
	require.NoError(t, err)
	assert.Equal(t, PathLLM, out.Path)
	assert.Equal(t, "skagen is free Tue 5 May 08:00-09:00.", out.Response)
	require.Len(t, h.history(t), 1)

	out, err = h.p.Submit(context.Background(), "book it")
	require.NoError(t, err)
	assert.Equal(t, PathLLM, out.Path)
	assert.Equal(t, models.ActionCreateBooking, out.Intent.Action)

	calls := h.remote.Calls()
	require.Len(t, calls, 2)
	assert.Empty(t, calls[0].RecentHistory)
	assert.Equal(t, "check skagen tomorrow at 8", calls[1].RecentHistory[0].Command)
	assert.Equal(t, "UTC", calls[1].Timezone)
	assert.Equal(t, userID, calls[1].UserID)

	bookings, err := h.api.ListBookings(context.Background())
	require.NoError(t, err)
	require.Len(t, bookings, 1)
	assert.Equal(t, "skagen", bookings[0].RoomName)
	assert.Equal(t, time.Hour, bookings[0].EndTime.Sub(bookings[0].StartTime))
	assert.Len(t, h.history(t), 2)
}

func TestPartialActionIsRecordedForFollowUp(t *testing.T) {
	h := newHarness(t)
	h.remote.reply = func(req llm.Request) (*models.Intent, error) {
		if req.Command == "book skagen" {
			return &models.Intent{
				Action:         models.ActionCreateBooking,
				Params:         models.Params{"roomName": "skagen"},
				SourceResolver: models.ResolverRemote,
			}, nil
		}
		if len(req.RecentHistory) != 1 || req.RecentHistory[0].Action != models.ActionCreateBooking {
			return nil, &models.ResolverError{Resolver: models.ResolverRemote, Err: errors.New("missing partial booking")}
		}
		params := req.RecentHistory[0].Params.Clone()
		params["startTime"] = "2026-05-05T09:00:00Z"
		return &models.Intent{Action: models.ActionCreateBooking, Params: params, SourceResolver: models.ResolverRemote}, nil
	}

	out, err := h.p.Submit(context.Background(), "book skagen")
	require.NoError(t, err)
	assert.True(t, out.NeedsInfo)
	assert.Equal(t, models.ActionNeedsMoreInfo, out.Intent.Action)

	entries := h.history(t)
	require.Len(t, entries, 1)
	assert.Equal(t, models.ActionCreateBooking, entries[0].Action)
	assert.Equal(t, "skagen", entries[0].Params["roomName"])

	out, err = h.p.Submit(context.Background(), "at 9 tomorrow")
	require.NoError(t, err)
	assert.Equal(t, models.ActionCreateBooking, out.Intent.Action)

	bookings, err := h.api.ListBookings(context.Background())
	require.NoError(t, err)
	require.Len(t, bookings, 1)
	assert.Equal(t, "skagen", bookings[0].RoomName)
}

func TestDisconnectedRemoteFallsBackToPatterns(t *testing.T) {
	h := newHarness(t, withHealth(models.HealthDisconnected))

	out, err := h.p.Submit(context.Background(), "book skagen")
	require.NoError(t, err)

	assert.Equal(t, PathNLP, out.Path)
	assert.Equal(t, []string{"llm->nlp"}, out.Fallbacks)
	assert.True(t, out.NeedsInfo)
	assert.Equal(t, models.ActionNeedsMoreInfo, out.Intent.Action)
	assert.Equal(t, "To book a room I need to know what day and time.", out.Response)
	assert.Equal(t, StateIdle, h.p.State())
	assert.Empty(t, h.remote.Calls(), "no network call while disconnected")

	out, err = h.p.Submit(context.Background(), "check skagen tomorrow at 8")
	require.NoError(t, err)
	assert.Equal(t, PathNLP, out.Path)
	assert.Equal(t, "skagen is free Tue 5 May 08:00-09:00.", out.Response)
}

func TestHealthTransitionsReachRouting(t *testing.T) {
	h := newHarness(t, withHealth(models.HealthDisconnected))
	h.remote.reply = checkSkagen

	h.health.set(models.HealthConnected)
	assert.True(t, h.p.Health().Connected())

	out, err := h.p.Submit(context.Background(), "check skagen tomorrow at 8")
	require.NoError(t, err)
	assert.Equal(t, PathLLM, out.Path)
	assert.Empty(t, out.Fallbacks)
}

func TestRemoteFailureFallsBackToPatterns(t *testing.T) {
	h := newHarness(t)
	h.remote.reply = func(llm.Request) (*models.Intent, error) {
		return nil, &models.ResolverError{Resolver: models.ResolverRemote, Err: models.ErrResolverUnavailable}
	}

	out, err := h.p.Submit(context.Background(), "check skagen tomorrow at 8")
	require.NoError(t, err)
	assert.Equal(t, PathNLP, out.Path)
	assert.Equal(t, []string{"llm->nlp"}, out.Fallbacks)
	assert.Len(t, h.remote.Calls(), 1)
}

func TestRemoteFailureWithoutPatternsEndsInError(t *testing.T) {
	h := newHarness(t, withSettings(models.Settings{UseLLM: true}))
	h.remote.reply = func(llm.Request) (*models.Intent, error) {
		return nil, &models.ResolverError{Resolver: models.ResolverRemote, Err: models.ErrMalformedResponse}
	}

	out, err := h.p.Submit(context.Background(), "rooms please")
	require.Error(t, err)
	assert.True(t, errors.Is(err, models.ErrMalformedResponse))
	assert.Equal(t, StateError, out.State)
	assert.Equal(t, PathLLM, out.Path)
	assert.Equal(t, models.ErrorResolverFailed, models.ErrorCode(err))
	assert.Empty(t, h.history(t))
}

func TestLowThresholdUnknownEscalatesToRemote(t *testing.T) {
	h := newHarness(t, withThreshold(0.2))
	h.remote.reply = func(llm.Request) (*models.Intent, error) {
		return &models.Intent{Action: models.ActionGetBookings, SourceResolver: models.ResolverRemote}, nil
	}

	out, err := h.p.Submit(context.Background(), "what have i got going on")
	require.NoError(t, err)
	assert.Equal(t, PathLLM, out.Path)
	assert.Equal(t, []string{"nlp->llm"}, out.Fallbacks)
	assert.Equal(t, models.ActionGetBookings, out.Intent.Action)
}

func TestUnknownWithoutRemoteIsAnswered(t *testing.T) {
	h := newHarness(t, withSettings(models.Settings{UseSimpleNLP: true}))

	out, err := h.p.Submit(context.Background(), "sing me a song")
	require.NoError(t, err)
	assert.Equal(t, PathNLP, out.Path)
	assert.Equal(t, models.ActionUnknown, out.Intent.Action)
	assert.NotEmpty(t, out.Response)
	assert.Equal(t, StateIdle, h.p.State())
}

func TestBookingFailureIsNotRetriedOrCascaded(t *testing.T) {
	h := newHarness(t)

	out, err := h.p.Submit(context.Background(), "cancel booking 99")
	require.Error(t, err)

	var execErr *models.ExecutionError
	require.ErrorAs(t, err, &execErr)
	assert.ErrorIs(t, err, booking.ErrBookingNotFound)
	assert.Equal(t, StateError, out.State)
	assert.Equal(t, StateError, h.p.State())
	assert.Empty(t, out.Fallbacks)
	assert.Empty(t, h.remote.Calls())
	assert.Equal(t, 1, out.Attempts)
}

func TestRetryLimit(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	_, err := h.p.Retry(ctx)
	assert.ErrorIs(t, err, models.ErrNoFailedCommand)

	out, err := h.p.Submit(ctx, "cancel booking 99")
	require.Error(t, err)
	assert.Equal(t, 1, out.Attempts)

	for attempt := 2; attempt <= 3; attempt++ {
		out, err = h.p.Retry(ctx)
		require.Error(t, err)
		assert.Equal(t, attempt, out.Attempts)
		assert.Equal(t, "cancel booking 99", out.Command)
		assert.Equal(t, StateError, out.State)
	}

	var transitions []fsm.Record
	unsubscribe := h.p.Subscribe(fsm.ObserverFunc(func(r fsm.Record) { transitions = append(transitions, r) }))
	out, err = h.p.Retry(ctx)
	unsubscribe()
	assert.ErrorIs(t, err, models.ErrRetryLimit)
	assert.Equal(t, StateError, h.p.State())
	assert.Empty(t, transitions, "rejected retry must not re-enter parsing")
	assert.Equal(t, models.ErrorRetryLimit, models.ErrorCode(err))
	assert.Equal(t, 3, out.Attempts)

	// Explicit re-submission starts over.
	out, err = h.p.Submit(ctx, "rooms")
	require.NoError(t, err)
	assert.Equal(t, 1, out.Attempts)
	assert.Equal(t, StateIdle, h.p.State())
}

func TestRetryCanSucceed(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	_, err := h.p.Submit(ctx, "cancel booking 1")
	require.Error(t, err)

	_, err = h.api.CreateBooking(ctx, booking.BookingRequest{RoomName: "skagen", StartTime: now, EndTime: now.Add(time.Hour)})
	require.NoError(t, err)

	out, err := h.p.Retry(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, out.Attempts)
	assert.Equal(t, "Cancelled booking #1.", out.Response)

	_, err = h.p.Retry(ctx)
	assert.ErrorIs(t, err, models.ErrNoFailedCommand)
}

func TestCommandsRunInSubmissionOrder(t *testing.T) {
	h := newHarness(t)
	rooms := []string{"skagen", "aarhus", "odense", "ribe"}
	gate := make(chan struct{})

	h.remote.reply = func(req llm.Request) (*models.Intent, error) {
		room := strings.Fields(req.Command)[1]
		if room == rooms[0] {
			<-gate
		}
		return &models.Intent{
			Action:         models.ActionCheckAvailability,
			Params:         models.Params{"roomName": room, "startTime": "2026-05-05T08:00:00Z"},
			SourceResolver: models.ResolverRemote,
		}, nil
	}

	var wg sync.WaitGroup
	for i, room := range rooms {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := h.p.Submit(context.Background(), "check "+room+" tomorrow at 8")
			assert.NoError(t, err)
		}()
		if i == 0 {
			require.Eventually(t, func() bool { return len(h.remote.Calls()) == 1 }, time.Second, time.Millisecond)
		} else {
			require.Eventually(t, func() bool { return len(h.p.queue) == i }, time.Second, time.Millisecond)
		}
	}
	close(gate)
	wg.Wait()

	var got []string
	for _, e := range h.history(t) {
		got = append(got, e.Params.String("roomName"))
	}
	assert.Equal(t, rooms, got)
}

func TestBuiltins(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	out, err := h.p.Submit(ctx, "help")
	require.NoError(t, err)
	assert.Equal(t, PathBuiltin, out.Path)
	assert.Contains(t, out.Response, "cancel all bookings")

	out, err = h.p.Submit(ctx, "Hello!")
	require.NoError(t, err)
	assert.Equal(t, PathBuiltin, out.Path)
	assert.Equal(t, nlp.Greeting("hello"), out.Response)
	assert.Empty(t, h.history(t), "built-ins are not remembered")

	_, err = h.p.Submit(ctx, "rooms")
	require.NoError(t, err)

	out, err = h.p.Submit(ctx, "history")
	require.NoError(t, err)
	assert.Contains(t, out.Response, "15:30  rooms -> getRooms")

	out, err = h.p.Submit(ctx, "status")
	require.NoError(t, err)
	assert.Equal(t, "Simple NLP: on\nAI resolver: on (connected)", out.Response)

	out, err = h.p.Submit(ctx, "clear")
	require.NoError(t, err)
	assert.Equal(t, "Conversation history cleared.", out.Response)
	assert.Empty(t, h.history(t))
	assert.Empty(t, h.remote.Calls())
}

func TestTransitionsAndIndicator(t *testing.T) {
	h := newHarness(t)

	var mu sync.Mutex
	var path []string
	h.p.Subscribe(fsm.ObserverFunc(func(r fsm.Record) {
		mu.Lock()
		defer mu.Unlock()
		path = append(path, string(r.To))
	}))

	_, err := h.p.Submit(context.Background(), "rooms")
	require.NoError(t, err)

	mu.Lock()
	assert.Equal(t, []string{"parsing", "routing", "executing_direct", "idle"}, path)
	mu.Unlock()
	assert.Equal(t, []string{"thinking", "thinking", "cleared"}, h.indicator.events)

	_, err = h.p.Submit(context.Background(), "cancel booking 42")
	require.Error(t, err)
	assert.Equal(t, "error", h.indicator.events[len(h.indicator.events)-1])
}

func TestSettingsAreReadPerCommand(t *testing.T) {
	h := newHarness(t)
	h.remote.reply = checkSkagen

	out, err := h.p.Submit(context.Background(), "check skagen tomorrow at 8")
	require.NoError(t, err)
	assert.Equal(t, PathLLM, out.Path)

	h.settings = models.Settings{UseSimpleNLP: true}
	out, err = h.p.Submit(context.Background(), "check skagen tomorrow at 8")
	require.NoError(t, err)
	assert.Equal(t, PathNLP, out.Path)
	assert.Len(t, h.remote.Calls(), 1)
}

func TestClosedProcessorRejectsCommands(t *testing.T) {
	h := newHarness(t)
	h.p.Close()

	_, err := h.p.Submit(context.Background(), "rooms")
	assert.ErrorIs(t, err, models.ErrProcessorClosed)
}
