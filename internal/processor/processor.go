// Package processor implements the command processor: a per-session state
// machine that parses operator text, routes it to a built-in, a direct API
// call or one of two resolvers, cascades between resolvers on failure and
// dispatches the resulting intent to the booking API.
package processor

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog"

	"github.com/avvvet/bookbuddy-intent/internal/booking"
	"github.com/avvvet/bookbuddy-intent/internal/fsm"
	"github.com/avvvet/bookbuddy-intent/internal/llm"
	"github.com/avvvet/bookbuddy-intent/internal/memory"
	"github.com/avvvet/bookbuddy-intent/internal/metrics"
	"github.com/avvvet/bookbuddy-intent/internal/models"
	"github.com/avvvet/bookbuddy-intent/internal/nlp"
)

// HealthSource is the read side of the health monitor.
type HealthSource interface {
	Status() models.ResolverHealth
	Subscribe(fn func(models.ResolverHealth)) func()
}

// Options tunes routing and queueing.
type Options struct {
	Threshold     float64
	MaxAttempts   int
	QueueSize     int
	RecentHistory int
}

func DefaultOptions() Options {
	return Options{Threshold: 0.8, MaxAttempts: 3, QueueSize: 32, RecentHistory: llm.MaxHistory}
}

// Deps are the collaborators of one processor.
type Deps struct {
	Patterns  *nlp.Resolver
	Remote    llm.Resolver
	Booking   booking.API
	Memory    *memory.Manager
	Health    HealthSource
	Settings  func() models.Settings
	Indicator Indicator
	Clock     clockwork.Clock
	Logger    zerolog.Logger
	Metrics   *metrics.Metrics
}

// Outcome reports what happened to one submitted or retried command.
type Outcome struct {
	CommandID string
	Command   string
	Path      Path
	Intent    *models.Intent
	Response  string
	Data      any
	State     fsm.State
	Attempts  int
	Fallbacks []string
	NeedsInfo bool
	Err       error
}

type job struct {
	command string
	retry   bool
	reply   chan result
}

type result struct {
	outcome Outcome
	err     error
}

// attempt is the working state of one pass through the machine.
type attempt struct {
	id          string
	command     string
	parsed      nlp.ParsedIntent
	builtin     builtinFunc
	intent      *models.Intent
	recorded    *models.Intent
	response    string
	data        any
	needsInfo   bool
	triedNLP    bool
	triedLLM    bool
	recoverable bool
	err         error
	fallbacks   []string
}

// Processor is the command processor of one authenticated session.
// Commands are processed strictly one at a time in submission order.
type Processor struct {
	userID    string
	location  *time.Location
	opts      Options
	patterns  *nlp.Resolver
	remote    llm.Resolver
	api       booking.API
	memory    *memory.Manager
	settings  func() models.Settings
	indicator Indicator
	clock     clockwork.Clock
	logger    zerolog.Logger
	metrics   *metrics.Metrics
	fallback  FallbackCoordinator

	machine *fsm.Machine[Snapshot]

	healthMu    sync.RWMutex
	health      models.ResolverHealth
	unsubHealth func()

	mu     sync.RWMutex
	closed bool
	queue  chan job
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	// owned by the worker goroutine
	cur       *attempt
	failures  int
	attempts  int
	failedCmd string
}

// New builds a processor for userID. Times are interpreted in loc.
func New(userID string, loc *time.Location, opts Options, deps Deps) *Processor {
	def := DefaultOptions()
	if opts.Threshold <= 0 {
		opts.Threshold = def.Threshold
	}
	if opts.MaxAttempts <= 0 {
		opts.MaxAttempts = def.MaxAttempts
	}
	if opts.QueueSize <= 0 {
		opts.QueueSize = def.QueueSize
	}
	if opts.RecentHistory <= 0 {
		opts.RecentHistory = def.RecentHistory
	}
	if loc == nil {
		loc = time.UTC
	}
	if deps.Clock == nil {
		deps.Clock = clockwork.NewRealClock()
	}
	if deps.Indicator == nil {
		deps.Indicator = nopIndicator{}
	}
	if deps.Settings == nil {
		deps.Settings = models.DefaultSettings
	}

	ctx, cancel := context.WithCancel(context.Background())
	p := &Processor{
		userID:    userID,
		location:  loc,
		opts:      opts,
		patterns:  deps.Patterns,
		remote:    deps.Remote,
		api:       deps.Booking,
		memory:    deps.Memory,
		settings:  deps.Settings,
		indicator: deps.Indicator,
		clock:     deps.Clock,
		logger:    deps.Logger.With().Str("component", "processor").Str("user_id", userID).Logger(),
		metrics:   deps.Metrics,
		machine:   fsm.NewMachine("processor", NewTable(), StateIdle, deps.Clock),
		health:    models.ResolverHealth{Status: models.HealthDisconnected},
		queue:     make(chan job, opts.QueueSize),
		ctx:       ctx,
		cancel:    cancel,
	}

	if deps.Health != nil {
		p.health = deps.Health.Status()
		p.unsubHealth = deps.Health.Subscribe(p.onHealth)
	}
	return p
}

// Start launches the worker goroutine.
func (p *Processor) Start() {
	p.wg.Add(1)
	go p.worker()
}

// Close stops accepting commands and waits for the worker. Queued commands
// fail with ErrProcessorClosed and an in-flight call sees a cancelled context.
func (p *Processor) Close() {
	p.cancel()

	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.closed = true
	close(p.queue)
	p.mu.Unlock()

	if p.unsubHealth != nil {
		p.unsubHealth()
	}
	p.wg.Wait()
}

// Subscribe registers a transition observer.
func (p *Processor) Subscribe(o fsm.Observer) func() {
	return p.machine.Subscribe(o)
}

// State returns the current processing state.
func (p *Processor) State() fsm.State {
	return p.machine.State()
}

// Health returns the last resolver health pushed by the monitor.
func (p *Processor) Health() models.ResolverHealth {
	p.healthMu.RLock()
	defer p.healthMu.RUnlock()
	return p.health
}

func (p *Processor) onHealth(h models.ResolverHealth) {
	p.healthMu.Lock()
	p.health = h
	p.healthMu.Unlock()
	p.logger.Debug().Str("status", string(h.Status)).Msg("resolver health updated")
}

// Submit queues command and waits for its outcome. Commands are never
// dropped or interleaved; if ctx ends first the command still runs in turn.
func (p *Processor) Submit(ctx context.Context, command string) (Outcome, error) {
	return p.enqueue(ctx, job{command: command})
}

// Retry re-runs the last failed command.
func (p *Processor) Retry(ctx context.Context) (Outcome, error) {
	return p.enqueue(ctx, job{retry: true})
}

func (p *Processor) enqueue(ctx context.Context, j job) (Outcome, error) {
	j.reply = make(chan result, 1)

	p.mu.RLock()
	if p.closed {
		p.mu.RUnlock()
		return Outcome{}, models.ErrProcessorClosed
	}
	p.metrics.QueueChanged(1)
	select {
	case p.queue <- j:
	case <-ctx.Done():
		p.mu.RUnlock()
		p.metrics.QueueChanged(-1)
		return Outcome{}, ctx.Err()
	}
	p.mu.RUnlock()

	select {
	case r := <-j.reply:
		return r.outcome, r.err
	case <-ctx.Done():
		return Outcome{}, ctx.Err()
	}
}

func (p *Processor) worker() {
	defer p.wg.Done()
	for j := range p.queue {
		p.metrics.QueueChanged(-1)
		if p.ctx.Err() != nil {
			j.reply <- result{err: models.ErrProcessorClosed}
			continue
		}
		var r result
		if j.retry {
			r.outcome, r.err = p.retry()
		} else {
			r.outcome, r.err = p.process(j.command)
		}
		j.reply <- r
	}
}

func (p *Processor) process(command string) (Outcome, error) {
	p.cur = &attempt{id: uuid.NewString(), command: command}
	if _, err := p.fire(EventProcessCommand); err != nil {
		return Outcome{}, fmt.Errorf("cannot accept command in %s: %w", p.State(), err)
	}
	p.failedCmd = ""
	return p.execute()
}

func (p *Processor) retry() (Outcome, error) {
	if p.State() != StateError || p.failedCmd == "" {
		return Outcome{State: p.State()}, models.ErrNoFailedCommand
	}

	p.cur = &attempt{id: uuid.NewString(), command: p.failedCmd}
	if _, err := p.fire(EventRetryCommand); err != nil {
		if errors.Is(err, fsm.ErrGuardRejected) {
			p.logger.Warn().Int("failures", p.failures).Str("command", p.failedCmd).Msg("retry limit reached")
			out := p.outcome()
			out.Err = models.ErrRetryLimit
			return out, models.ErrRetryLimit
		}
		return Outcome{State: p.State()}, err
	}
	return p.execute()
}

// execute drives one attempt from parsing to idle or error.
func (p *Processor) execute() (Outcome, error) {
	a := p.cur
	ctx := p.ctx

	a.parsed = p.patterns.Parse(a.command, p.clock.Now().In(p.location))
	builtin, isBuiltin := lookupBuiltin(nlp.Normalize(a.command), a.parsed)
	a.builtin = builtin

	if _, err := p.fire(EventCommandParsed); err != nil {
		return p.fail(fmt.Errorf("%w: %v", models.ErrParse, err))
	}

	ev := Route(Classification{Builtin: isBuiltin, Direct: a.parsed.Direct}, p.snapshot())
	if _, err := p.fire(ev); err != nil {
		return p.fail(fmt.Errorf("%w: no route for command: %v", models.ErrParse, err))
	}

	for {
		state := p.State()
		err := p.step(ctx, state)
		if err == nil {
			if _, ferr := p.fire(EventExecutionSuccess); ferr != nil {
				return p.fail(ferr)
			}
			out := p.outcome()
			out.Path = pathOf(state)
			p.observe(out.Path, out)
			return out, nil
		}

		a.err = err
		a.recoverable = models.IsResolverError(err)
		rec, ferr := p.fire(EventExecutionError)
		if ferr != nil {
			return p.fail(ferr)
		}
		if rec.To != StateFallback {
			return p.failed(pathOf(state))
		}

		next, ok := p.fallback.Next(p.snapshot())
		from := pathOf(state)
		if !ok {
			if _, ferr := p.fire(EventExecutionError); ferr != nil {
				return p.fail(ferr)
			}
			return p.failed(from)
		}
		if _, ferr := p.fire(next); ferr != nil {
			return p.fail(ferr)
		}
		to := pathOf(p.State())
		a.fallbacks = append(a.fallbacks, string(from)+"->"+string(to))
		p.metrics.ObserveFallback(string(from), string(to))
		p.logger.Info().
			Str("command_id", a.id).
			Str("from", string(from)).
			Str("to", string(to)).
			Err(err).
			Msg("falling back to alternate resolver")
	}
}

// step runs the body of an executing_* state.
func (p *Processor) step(ctx context.Context, state fsm.State) error {
	a := p.cur
	switch state {
	case StateExecutingBuiltin:
		msg, data, err := a.builtin(ctx, p, a.command)
		if err != nil {
			return err
		}
		a.response, a.data = msg, data
		return nil

	case StateExecutingDirect:
		return p.dispatch(ctx, a.parsed.Intent())

	case StateExecutingNLP:
		a.triedNLP = true
		if a.parsed.Type == nlp.TypeUnknown && CanFallbackToLLM(p.recoverableSnapshot()) {
			return &models.ResolverError{Resolver: models.ResolverPattern, Err: models.ErrParse}
		}
		return p.dispatch(ctx, a.parsed.Intent())

	case StateExecutingLLM:
		a.triedLLM = true
		if !p.Health().Connected() {
			return &models.ResolverError{Resolver: models.ResolverRemote, Err: models.ErrResolverUnavailable}
		}
		intent, err := p.resolveRemote(ctx)
		if err != nil {
			return err
		}
		return p.dispatch(ctx, intent)

	default:
		return fmt.Errorf("no executor for state %s", state)
	}
}

func (p *Processor) resolveRemote(ctx context.Context) (*models.Intent, error) {
	history, err := p.memory.Recent(ctx, p.userID, p.opts.RecentHistory)
	if err != nil {
		p.logger.Warn().Err(err).Msg("failed to load context, resolving without history")
		history = nil
	}

	started := p.clock.Now()
	intent, err := p.remote.Resolve(ctx, llm.Request{
		Command:       p.cur.command,
		UserID:        p.userID,
		Timezone:      p.location.String(),
		RecentHistory: history,
	})
	p.metrics.ObserveResolver(string(models.ResolverRemote), p.clock.Since(started).Seconds())
	if err != nil {
		if !models.IsResolverError(err) {
			err = &models.ResolverError{Resolver: models.ResolverRemote, Err: err}
		}
		return nil, err
	}
	return intent, nil
}

// dispatch validates intent and calls the booking API. A validation error
// is answered with a clarification prompt instead of failing.
//
// The context entry always carries the resolved action, even when the
// outcome asks for more info, so a follow-up such as "at 9 tomorrow" can be
// merged into the partial booking.
func (p *Processor) dispatch(ctx context.Context, intent *models.Intent) error {
	a := p.cur
	a.recorded = intent

	var verr *models.ValidationError
	if err := booking.Validate(intent); errors.As(err, &verr) {
		prompt := booking.ClarificationPrompt(verr)
		if intent.SourceResolver == models.ResolverRemote && intent.ResponseText != "" {
			prompt = intent.ResponseText
		}
		a.needsInfo = true
		a.response = prompt
		a.intent = &models.Intent{
			Action:         models.ActionNeedsMoreInfo,
			Params:         intent.Params.Clone(),
			Confidence:     intent.Confidence,
			SourceResolver: intent.SourceResolver,
			ResponseText:   prompt,
		}
		return nil
	}

	res, err := booking.Execute(ctx, p.api, intent, p.location)
	if err != nil {
		return err
	}
	a.intent = intent
	a.response = res.Message
	a.data = res.Data
	if intent.Action == models.ActionNeedsMoreInfo {
		a.needsInfo = true
	}
	return nil
}

// recoverableSnapshot is the snapshot as it would look after a resolver failure.
func (p *Processor) recoverableSnapshot() Snapshot {
	s := p.snapshot()
	s.Recoverable = true
	return s
}

func (p *Processor) snapshot() Snapshot {
	s := Snapshot{
		Settings:    p.settings(),
		Health:      p.Health(),
		Threshold:   p.opts.Threshold,
		Failures:    p.failures,
		MaxAttempts: p.opts.MaxAttempts,
	}
	if a := p.cur; a != nil {
		s.Confidence = a.parsed.Confidence
		s.Contextual = a.parsed.Contextual
		s.Recoverable = a.recoverable
		s.TriedNLP = a.triedNLP
		s.TriedLLM = a.triedLLM
	}
	return s
}

// fire applies event and runs the side effects attached to the transition.
func (p *Processor) fire(ev fsm.Event) (fsm.Record, error) {
	rec, err := p.machine.Fire(ev, p.snapshot())
	if err != nil {
		p.logger.Debug().Str("state", string(p.State())).Str("event", string(ev)).Err(err).Msg("event rejected")
		return rec, err
	}
	p.logger.Debug().
		Str("command_id", p.cur.id).
		Str("from", string(rec.From)).
		Str("to", string(rec.To)).
		Str("event", string(ev)).
		Msg("transition")

	for _, action := range rec.Actions {
		p.apply(action)
	}
	return rec, nil
}

func (p *Processor) apply(action fsm.ActionID) {
	a := p.cur
	switch action {
	case ActionShowThinking:
		p.indicator.Thinking(a.id)
	case ActionShowError:
		p.indicator.Failed(a.id, a.err)
	case ActionClearIndicator:
		p.indicator.Cleared(a.id)
	case ActionResetAttempts:
		p.failures = 0
		p.attempts = 1
	case ActionIncrementRetry:
		p.attempts++
	case ActionCountFailure:
		p.failures++
		p.failedCmd = a.command
	case ActionRecordContext:
		p.record()
	}
}

func (p *Processor) record() {
	a := p.cur
	if a.recorded == nil || p.memory == nil {
		return
	}
	entry := models.NewContextEntry(p.clock.Now(), a.command, a.recorded, a.response)
	if err := p.memory.Append(p.ctx, p.userID, entry); err != nil {
		p.logger.Warn().Err(err).Str("command_id", a.id).Msg("failed to record context entry")
	}
}

func (p *Processor) outcome() Outcome {
	a := p.cur
	return Outcome{
		CommandID: a.id,
		Command:   a.command,
		Intent:    a.intent,
		Response:  a.response,
		Data:      a.data,
		State:     p.State(),
		Attempts:  p.attempts,
		Fallbacks: a.fallbacks,
		NeedsInfo: a.needsInfo,
		Err:       a.err,
	}
}

// failed reports an attempt that ended in the error state.
func (p *Processor) failed(path Path) (Outcome, error) {
	out := p.outcome()
	out.Path = path
	p.observe(path, out)
	p.logger.Warn().
		Str("command_id", out.CommandID).
		Str("path", string(path)).
		Int("attempts", out.Attempts).
		Err(out.Err).
		Msg("command failed")
	return out, out.Err
}

// fail forces the machine into error for failures outside an executing state.
func (p *Processor) fail(err error) (Outcome, error) {
	p.cur.err = err
	if p.State() != StateError {
		if _, ferr := p.fire(EventExecutionError); ferr != nil {
			p.logger.Error().Err(ferr).Msg("failed to enter error state")
		}
	}
	return p.failed(PathNone)
}

func (p *Processor) observe(path Path, out Outcome) {
	outcome := "ok"
	switch {
	case out.Err != nil:
		outcome = "error"
	case out.NeedsInfo:
		outcome = "needs_info"
	}
	label := string(path)
	if label == "" {
		label = "none"
	}
	p.metrics.ObserveCommand(label, outcome)
}
