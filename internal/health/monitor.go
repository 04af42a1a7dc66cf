// Package health tracks reachability of the remote intent resolver.
//
// The monitor polls on a fixed interval through the shared scheduler and
// pushes status changes to subscribers. Readers use the last known status
// instead of probing per command.
package health

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog"

	"github.com/avvvet/bookbuddy-intent/internal/metrics"
	"github.com/avvvet/bookbuddy-intent/internal/models"
	"github.com/avvvet/bookbuddy-intent/internal/scheduler"
)

// Prober performs one liveness check.
type Prober interface {
	Probe(ctx context.Context) error
}

// ProberFunc adapts a function to Prober.
type ProberFunc func(ctx context.Context) error

func (f ProberFunc) Probe(ctx context.Context) error { return f(ctx) }

// Monitor owns the ResolverHealth value.
type Monitor struct {
	prober   Prober
	clock    clockwork.Clock
	interval time.Duration
	timeout  time.Duration
	logger   zerolog.Logger
	metrics  *metrics.Metrics

	mu     sync.RWMutex
	health models.ResolverHealth
	subs   map[int]func(models.ResolverHealth)
	nextID int

	probeMu sync.Mutex

	sched  *scheduler.Scheduler
	taskID string
}

// NewMonitor starts disconnected until the first successful probe.
func NewMonitor(prober Prober, clock clockwork.Clock, interval, timeout time.Duration, logger zerolog.Logger, m *metrics.Metrics) *Monitor {
	m.SetResolverConnected(false)
	return &Monitor{
		prober:   prober,
		clock:    clock,
		interval: interval,
		timeout:  timeout,
		logger:   logger.With().Str("component", "health").Logger(),
		metrics:  m,
		health:   models.ResolverHealth{Status: models.HealthDisconnected},
		subs:     make(map[int]func(models.ResolverHealth)),
	}
}

// Start probes once right away, then every interval on s.
func (m *Monitor) Start(ctx context.Context, s *scheduler.Scheduler) error {
	m.mu.Lock()
	if m.taskID != "" {
		m.mu.Unlock()
		return fmt.Errorf("health monitor already started")
	}
	m.mu.Unlock()

	m.Check(ctx)

	id, err := s.EveryInterval("health-probe", m.interval, func(ctx context.Context) {
		m.Check(ctx)
	})
	if err != nil {
		return fmt.Errorf("failed to schedule health probe: %w", err)
	}

	m.mu.Lock()
	m.sched = s
	m.taskID = id
	m.mu.Unlock()

	m.logger.Info().Dur("interval", m.interval).Msg("💓 health monitor started")
	return nil
}

// Stop cancels the periodic probe.
func (m *Monitor) Stop() {
	m.mu.Lock()
	s, id := m.sched, m.taskID
	m.sched, m.taskID = nil, ""
	m.mu.Unlock()

	if s != nil {
		s.Cancel(id)
	}
}

// Check runs one probe and records the result. Subscribers hear about it
// only when the status changed.
func (m *Monitor) Check(ctx context.Context) models.ResolverHealth {
	m.probeMu.Lock()
	defer m.probeMu.Unlock()

	probeCtx, cancel := context.WithTimeout(ctx, m.timeout)
	err := m.prober.Probe(probeCtx)
	cancel()

	status := models.HealthConnected
	if err != nil {
		status = models.HealthDisconnected
	}

	m.mu.Lock()
	previous := m.health.Status
	m.health = models.ResolverHealth{Status: status, LastChecked: m.clock.Now()}
	current := m.health
	var subs []func(models.ResolverHealth)
	if previous != status {
		subs = make([]func(models.ResolverHealth), 0, len(m.subs))
		for _, fn := range m.subs {
			subs = append(subs, fn)
		}
	}
	m.mu.Unlock()

	if previous == status {
		return current
	}

	m.metrics.SetResolverConnected(current.Connected())
	event := m.logger.Info()
	if err != nil {
		event = m.logger.Warn().Err(err)
	}
	event.Str("from", string(previous)).Str("to", string(status)).Msg("remote resolver health changed")

	for _, fn := range subs {
		fn(current)
	}
	return current
}

// Status returns the last known health.
func (m *Monitor) Status() models.ResolverHealth {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.health
}

// Subscribe registers fn for status transitions and returns an unsubscribe func.
func (m *Monitor) Subscribe(fn func(models.ResolverHealth)) func() {
	m.mu.Lock()
	defer m.mu.Unlock()
	id := m.nextID
	m.nextID++
	m.subs[id] = fn

	return func() {
		m.mu.Lock()
		defer m.mu.Unlock()
		delete(m.subs, id)
	}
}
