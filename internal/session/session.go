// Package session implements the session/auth state machine that gates the
// command processor, together with session persistence and the registry of
// open sessions.
package session

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog"

	"github.com/avvvet/bookbuddy-intent/internal/booking"
	"github.com/avvvet/bookbuddy-intent/internal/fsm"
	"github.com/avvvet/bookbuddy-intent/internal/llm"
	"github.com/avvvet/bookbuddy-intent/internal/memory"
	"github.com/avvvet/bookbuddy-intent/internal/metrics"
	"github.com/avvvet/bookbuddy-intent/internal/models"
	"github.com/avvvet/bookbuddy-intent/internal/nlp"
	"github.com/avvvet/bookbuddy-intent/internal/processor"
)

// Deps are shared by every session of a Manager.
type Deps struct {
	Persister       Persister
	Auth            booking.Authenticator
	BookingAPI      func(token string) booking.API
	Patterns        *nlp.Resolver
	Remote          llm.Resolver
	Memory          *memory.Manager
	Health          processor.HealthSource
	Processor       processor.Options
	DefaultTimezone string
	Clock           clockwork.Clock
	Logger          zerolog.Logger
	Metrics         *metrics.Metrics
}

// Session is one operator's authenticated conversation with the service.
type Session struct {
	id      string
	deps    Deps
	logger  zerolog.Logger
	machine *fsm.Machine[authSnapshot]
	notify  func(sessionID string, r fsm.Record)

	// ops serialises login, logout, settings and bootstrap
	ops sync.Mutex

	mu        sync.RWMutex
	token     string
	user      *models.User
	settings  models.Settings
	location  *time.Location
	demo      bool
	api       booking.API
	processor *processor.Processor

	lastActive time.Time
}

func newSession(id string, deps Deps, notify func(string, fsm.Record)) *Session {
	s := &Session{
		id:       id,
		deps:     deps,
		logger:   deps.Logger.With().Str("component", "session").Str("session_id", id).Logger(),
		machine:  fsm.NewMachine("session", newTable(), StateInitializing, deps.Clock),
		notify:   notify,
		settings: models.DefaultSettings(),
		location: loadLocation("", deps.DefaultTimezone),

		lastActive: deps.Clock.Now(),
	}
	s.machine.Subscribe(s.observer())
	return s
}

func (s *Session) observer() fsm.Observer {
	return fsm.ObserverFunc(func(r fsm.Record) {
		if s.notify != nil {
			s.notify(s.id, r)
		}
	})
}

func (s *Session) ID() string { return s.id }

func (s *Session) State() fsm.State { return s.machine.State() }

// Authenticated reports whether commands may run in this session.
func (s *Session) Authenticated() bool { return Authenticated(s.State()) }

// User returns a copy of the logged-in user, nil when logged out.
func (s *Session) User() *models.User {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.user == nil {
		return nil
	}
	u := *s.user
	return &u
}

func (s *Session) Settings() models.Settings {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.settings
}

func (s *Session) Demo() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.demo
}

func (s *Session) Timezone() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.location.String()
}

// ProcessorState is empty when no processor is running.
func (s *Session) ProcessorState() fsm.State {
	s.mu.RLock()
	p := s.processor
	s.mu.RUnlock()
	if p == nil {
		return ""
	}
	return p.State()
}

// LastActive is when the operator last did something with this session.
func (s *Session) LastActive() time.Time {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.lastActive
}

func (s *Session) touch() {
	now := s.deps.Clock.Now()
	s.mu.Lock()
	s.lastActive = now
	s.mu.Unlock()
}

func (s *Session) Health() models.ResolverHealth {
	if s.deps.Health == nil {
		return models.ResolverHealth{Status: models.HealthDisconnected}
	}
	return s.deps.Health.Status()
}

// bootstrap restores persisted auth or settles in unauthenticated.
// Callers hold ops.
func (s *Session) bootstrap(ctx context.Context) error {
	stored, err := s.deps.Persister.Load(ctx, s.id)
	if err != nil {
		s.logger.Warn().Err(err).Msg("failed to load persisted session, starting unauthenticated")
		stored = nil
	}

	if stored == nil {
		return s.fire(ctx, EventInitComplete)
	}

	settings := stored.Settings
	if settings.Validate() != nil {
		settings = models.DefaultSettings()
	}
	user := stored.User

	s.mu.Lock()
	s.token = stored.Token
	s.user = &user
	s.settings = settings
	s.location = loadLocation(stored.Timezone, s.deps.DefaultTimezone)
	s.api = s.deps.BookingAPI(stored.Token)
	s.mu.Unlock()

	s.logger.Info().Str("user_id", user.ID).Msg("session restored")
	return s.fire(ctx, EventRestoreSession)
}

// Login authenticates against the booking backend. A session whose auth
// could not be persisted stays logged in but enters authenticated.error.
func (s *Session) Login(ctx context.Context, username, password, timezone string) error {
	s.ops.Lock()
	defer s.ops.Unlock()
	s.touch()

	if err := s.fire(ctx, EventLoginStart); err != nil {
		return fmt.Errorf("cannot log in from %s: %w", s.State(), err)
	}

	res, err := s.deps.Auth.Login(ctx, username, password)
	if err != nil {
		s.logger.Warn().Err(err).Str("username", username).Msg("login failed")
		if ferr := s.fire(ctx, EventLoginFailure); ferr != nil {
			s.logger.Error().Err(ferr).Msg("failed to leave authenticating")
		}
		return fmt.Errorf("login failed: %w", err)
	}

	user := res.User
	s.mu.Lock()
	s.token = res.Token
	s.user = &user
	s.demo = false
	s.location = loadLocation(timezone, s.deps.DefaultTimezone)
	s.api = s.deps.BookingAPI(res.Token)
	s.mu.Unlock()

	if err := s.fire(ctx, EventLoginSuccess); err != nil && !s.Authenticated() {
		return err
	}
	s.logger.Info().Str("user_id", user.ID).Str("timezone", s.Timezone()).Msg("logged in")
	return nil
}

// DemoLogin enters demo mode backed by an in-memory booking API. Nothing is persisted.
func (s *Session) DemoLogin(ctx context.Context, username, timezone string) error {
	s.ops.Lock()
	defer s.ops.Unlock()
	s.touch()

	if s.State() != StateUnauthenticated {
		return fmt.Errorf("cannot enter demo mode from %s: %w", s.State(), fsm.ErrInvalidEvent)
	}

	api := booking.NewDemoAPI()
	res, err := api.Login(ctx, username, "")
	if err != nil {
		return fmt.Errorf("demo login failed: %w", err)
	}

	user := res.User
	s.mu.Lock()
	s.token = res.Token
	s.user = &user
	s.demo = true
	s.location = loadLocation(timezone, s.deps.DefaultTimezone)
	s.api = api
	s.mu.Unlock()

	if err := s.fire(ctx, EventDemoLogin); err != nil {
		s.forget()
		return err
	}
	s.logger.Info().Str("user_id", user.ID).Msg("demo mode started")
	return nil
}

// Logout leaves the authenticated state and stops the processor. The
// conversation context is kept until it expires.
func (s *Session) Logout(ctx context.Context) error {
	s.ops.Lock()
	defer s.ops.Unlock()
	s.touch()

	if !s.Authenticated() {
		return models.ErrNotAuthenticated
	}

	ev := EventLogout
	if s.State() == StateDemoMode {
		ev = EventExitDemo
	}
	if err := s.fire(ctx, ev); err != nil {
		if s.Authenticated() {
			return fmt.Errorf("cannot log out from %s: %w", s.State(), err)
		}
		s.logger.Warn().Err(err).Msg("logged out but persisted auth was not cleared")
	}

	s.forget()
	s.logger.Info().Msg("logged out")
	return nil
}

func (s *Session) forget() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.token = ""
	s.user = nil
	s.demo = false
	s.api = nil
}

// UpdateSettings replaces the resolver settings. Settings disabling both
// resolvers are rejected and the previous settings stay in effect.
func (s *Session) UpdateSettings(ctx context.Context, next models.Settings) (models.Settings, error) {
	s.ops.Lock()
	defer s.ops.Unlock()
	s.touch()

	prev := s.Settings()
	if err := s.fire(ctx, EventUpdateSettings); err != nil {
		if !s.Authenticated() {
			return prev, models.ErrNotAuthenticated
		}
		return prev, fmt.Errorf("cannot update settings in %s: %w", s.State(), err)
	}

	reject := func(err error) (models.Settings, error) {
		if ferr := s.fire(ctx, EventSettingsRejected); ferr != nil {
			s.logger.Error().Err(ferr).Msg("failed to leave updating_settings")
		}
		return prev, err
	}

	if err := next.Validate(); err != nil {
		s.logger.Warn().
			Bool("use_simple_nlp", next.UseSimpleNLP).
			Bool("use_llm", next.UseLLM).
			Msg("settings rejected")
		return reject(err)
	}
	if !s.Demo() {
		if err := s.deps.Persister.SaveSettings(ctx, s.id, next); err != nil {
			return reject(err)
		}
	}

	s.mu.Lock()
	s.settings = next
	s.mu.Unlock()

	if err := s.fire(ctx, EventSettingsValidated); err != nil {
		return next, err
	}
	s.logger.Info().Bool("use_simple_nlp", next.UseSimpleNLP).Bool("use_llm", next.UseLLM).Msg("settings updated")
	return next, nil
}

// Submit runs command through the session's processor.
func (s *Session) Submit(ctx context.Context, command string) (processor.Outcome, error) {
	p, err := s.activeProcessor()
	if err != nil {
		return processor.Outcome{}, err
	}
	s.touch()
	out, err := p.Submit(ctx, command)
	s.touch()
	s.afterCommand(ctx, err)
	return out, err
}

// Retry re-runs the last failed command.
func (s *Session) Retry(ctx context.Context) (processor.Outcome, error) {
	p, err := s.activeProcessor()
	if err != nil {
		return processor.Outcome{}, err
	}
	s.touch()
	out, err := p.Retry(ctx)
	s.touch()
	s.afterCommand(ctx, err)
	return out, err
}

// ResetError returns an errored session to ready (or demo mode).
func (s *Session) ResetError(ctx context.Context) error {
	return s.fire(ctx, EventResetError)
}

func (s *Session) activeProcessor() (*processor.Processor, error) {
	if !s.Authenticated() {
		return nil, models.ErrNotAuthenticated
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.processor == nil {
		return nil, models.ErrNotAuthenticated
	}
	return s.processor, nil
}

// afterCommand moves the session into error when the backend rejected the
// token, and back out of it once a command succeeds again.
func (s *Session) afterCommand(ctx context.Context, err error) {
	switch {
	case errors.Is(err, booking.ErrUnauthorized):
		if s.State() != StateError {
			if ferr := s.fire(ctx, EventSessionError); ferr != nil {
				s.logger.Debug().Err(ferr).Msg("session error not recorded")
			}
		}
	case err == nil && s.State() == StateError:
		if ferr := s.fire(ctx, EventResetError); ferr != nil {
			s.logger.Debug().Err(ferr).Msg("session error not reset")
		}
	}
}

// Close stops the processor without touching persisted state.
func (s *Session) Close() {
	s.stopProcessor()
}

func (s *Session) snapshot() authSnapshot {
	return authSnapshot{Demo: s.Demo()}
}

// fire applies ev and runs its side effects. When a side effect fails the
// session is moved to authenticated.error where that is possible.
func (s *Session) fire(ctx context.Context, ev fsm.Event) error {
	rec, err := s.machine.Fire(ev, s.snapshot())
	if err != nil {
		s.logger.Debug().Str("state", string(s.State())).Str("event", string(ev)).Err(err).Msg("event rejected")
		return err
	}
	s.logger.Debug().Str("from", string(rec.From)).Str("to", string(rec.To)).Str("event", string(ev)).Msg("transition")

	var errs []error
	for _, action := range rec.Actions {
		if err := s.apply(ctx, action); err != nil {
			errs = append(errs, err)
		}
	}
	if len(errs) == 0 {
		return nil
	}

	err = errors.Join(errs...)
	s.logger.Error().Err(err).Str("event", string(ev)).Msg("session side effect failed")
	if _, ferr := s.machine.Fire(EventSessionError, s.snapshot()); ferr != nil {
		s.logger.Debug().Err(ferr).Msg("session error not recorded")
	}
	return err
}

func (s *Session) apply(ctx context.Context, action fsm.ActionID) error {
	switch action {
	case ActionPersistAuth:
		s.mu.RLock()
		stored := Stored{Token: s.token, Settings: s.settings, Timezone: s.location.String()}
		if s.user != nil {
			stored.User = *s.user
		}
		s.mu.RUnlock()
		return s.deps.Persister.Save(ctx, s.id, stored)
	case ActionClearAuth:
		return s.deps.Persister.Clear(ctx, s.id)
	case ActionStartProcessor:
		s.startProcessor()
	case ActionStopProcessor:
		s.stopProcessor()
	}
	return nil
}

func (s *Session) startProcessor() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.processor != nil || s.user == nil {
		return
	}

	p := processor.New(s.user.ID, s.location, s.deps.Processor, processor.Deps{
		Patterns:  s.deps.Patterns,
		Remote:    s.deps.Remote,
		Booking:   s.api,
		Memory:    s.deps.Memory,
		Health:    s.deps.Health,
		Settings:  s.Settings,
		Indicator: logIndicator{logger: s.logger},
		Clock:     s.deps.Clock,
		Logger:    s.logger,
		Metrics:   s.deps.Metrics,
	})
	p.Subscribe(s.observer())
	p.Start()
	s.processor = p
}

func (s *Session) stopProcessor() {
	s.mu.Lock()
	p := s.processor
	s.processor = nil
	s.mu.Unlock()
	if p != nil {
		p.Close()
	}
}

// logIndicator renders the processor's UI hooks as log lines.
type logIndicator struct {
	logger zerolog.Logger
}

func (l logIndicator) Thinking(id string) {
	l.logger.Debug().Str("command_id", id).Msg("thinking")
}

func (l logIndicator) Failed(id string, err error) {
	l.logger.Debug().Str("command_id", id).Err(err).Msg("command error shown")
}

func (l logIndicator) Cleared(id string) {
	l.logger.Debug().Str("command_id", id).Msg("indicator cleared")
}

func loadLocation(tz, fallback string) *time.Location {
	for _, name := range []string{tz, fallback} {
		if name == "" {
			continue
		}
		if loc, err := time.LoadLocation(name); err == nil {
			return loc
		}
	}
	return time.UTC
}
