// Package monitor samples connection statistics, classifies quality and
// drives a bounded number of recovery attempts.
package monitor

import (
	"context"
	"sync"
	"time"

	"github.com/dkeye/Televisit/internal/domain"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

const windowSize = 5

type Config struct {
	Interval      time.Duration
	PoorThreshold int
	MaxAttempts   int
	BackoffBase   time.Duration
}

func DefaultConfig() Config {
	return Config{
		Interval:      5 * time.Second,
		PoorThreshold: 3,
		MaxAttempts:   3,
		BackoffBase:   2 * time.Second,
	}
}

// StatsFunc returns cumulative packet counters for the connection.
type StatsFunc func() (domain.QualitySample, error)

type Hooks struct {
	// Restart runs one recovery attempt (numbered from 1).
	Restart func(ctx context.Context, attempt int) error
	// Exhausted fires once when the budget is spent.
	Exhausted func(attempts int, reason domain.ReasonCode)
	// Sample receives every classified interval sample.
	Sample func(domain.QualitySample)
}

type Monitor struct {
	cfg    Config
	stats  StatsFunc
	hooks  Hooks
	logger zerolog.Logger

	failed chan struct{}

	mu              sync.Mutex
	prev            *domain.QualitySample
	window          []domain.QualitySample
	consecutivePoor int
	attempts        int
	exhausted       bool
	cancel          context.CancelFunc
	done            chan struct{}
}

func New(cfg Config, stats StatsFunc, hooks Hooks) *Monitor {
	def := DefaultConfig()
	if cfg.Interval <= 0 {
		cfg.Interval = def.Interval
	}
	if cfg.PoorThreshold <= 0 {
		cfg.PoorThreshold = def.PoorThreshold
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = def.MaxAttempts
	}
	if cfg.BackoffBase <= 0 {
		cfg.BackoffBase = def.BackoffBase
	}
	return &Monitor{
		cfg:    cfg,
		stats:  stats,
		hooks:  hooks,
		logger: log.With().Str("module", "monitor").Logger(),
		failed: make(chan struct{}, 1),
	}
}

// Start launches the sampling loop. Calling Start twice is a no-op.
func (m *Monitor) Start(ctx context.Context) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.done != nil {
		return
	}
	ctx, cancel := context.WithCancel(ctx)
	m.cancel = cancel
	m.done = make(chan struct{})
	go m.loop(ctx, m.done)
	m.logger.Info().Dur("interval", m.cfg.Interval).Msg("monitor started")
}

// Stop ends the loop and waits for it, including an in-flight recovery.
func (m *Monitor) Stop() {
	m.mu.Lock()
	cancel, done := m.cancel, m.done
	m.mu.Unlock()
	if cancel == nil {
		return
	}
	cancel()
	<-done
}

// NotifyFailed reports that the underlying connection entered "failed".
func (m *Monitor) NotifyFailed() {
	select {
	case m.failed <- struct{}{}:
	default:
	}
}

func (m *Monitor) loop(ctx context.Context, done chan struct{}) {
	defer close(done)
	ticker := time.NewTicker(m.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			cum, err := m.stats()
			if err != nil {
				m.logger.Warn().Err(err).Msg("stats sample failed")
				continue
			}
			if m.observe(cum) {
				m.recover(ctx, domain.ReasonConnectionLost)
			}
		case <-m.failed:
			m.recover(ctx, domain.ReasonICEFailed)
		}
	}
}

// observe turns a cumulative sample into an interval sample and reports
// whether the poor streak reached the recovery threshold.
func (m *Monitor) observe(cum domain.QualitySample) bool {
	m.mu.Lock()
	s := cum
	if m.prev != nil {
		s.PacketsLost = max(cum.PacketsLost-m.prev.PacketsLost, 0)
		s.PacketsReceived = max(cum.PacketsReceived-m.prev.PacketsReceived, 0)
	}
	prev := cum
	m.prev = &prev
	s.QualityTier = domain.ClassifyLoss(s.LossRatio())

	m.window = append(m.window, s)
	if len(m.window) > windowSize {
		m.window = m.window[len(m.window)-windowSize:]
	}
	if s.QualityTier == domain.QualityPoor {
		m.consecutivePoor++
	} else {
		m.consecutivePoor = 0
	}
	trigger := m.consecutivePoor >= m.cfg.PoorThreshold
	if trigger {
		m.consecutivePoor = 0
	}
	m.mu.Unlock()

	m.logger.Debug().
		Int64("lost", s.PacketsLost).
		Int64("received", s.PacketsReceived).
		Str("tier", string(s.QualityTier)).
		Msg("quality sample")
	if m.hooks.Sample != nil {
		m.hooks.Sample(s)
	}
	return trigger
}

// recover runs at most one attempt per trigger. Triggers that arrive while it
// backs off are dropped.
func (m *Monitor) recover(ctx context.Context, reason domain.ReasonCode) {
	m.mu.Lock()
	if m.exhausted {
		m.mu.Unlock()
		return
	}
	if m.attempts >= m.cfg.MaxAttempts {
		m.exhausted = true
		attempts := m.attempts
		m.mu.Unlock()
		m.exhaust(attempts, reason)
		return
	}
	m.attempts++
	attempt := m.attempts
	m.mu.Unlock()

	backoff := m.cfg.BackoffBase << (attempt - 1)
	m.logger.Warn().Str("reason", string(reason)).Int("attempt", attempt).Dur("backoff", backoff).Msg("recovery scheduled")
	t := time.NewTimer(backoff)
	select {
	case <-ctx.Done():
		t.Stop()
		return
	case <-t.C:
	}

	var err error
	if m.hooks.Restart != nil {
		err = m.hooks.Restart(ctx, attempt)
	}

	m.mu.Lock()
	m.consecutivePoor = 0
	select {
	case <-m.failed:
	default:
	}
	exhaustNow := err != nil && attempt >= m.cfg.MaxAttempts && !m.exhausted
	if exhaustNow {
		m.exhausted = true
	}
	m.mu.Unlock()

	if err != nil {
		m.logger.Error().Err(err).Int("attempt", attempt).Msg("recovery attempt failed")
	}
	if exhaustNow {
		m.exhaust(attempt, reason)
	}
}

func (m *Monitor) exhaust(attempts int, reason domain.ReasonCode) {
	m.logger.Error().Int("attempts", attempts).Str("reason", string(reason)).Msg("recovery budget exhausted")
	if m.hooks.Exhausted != nil {
		m.hooks.Exhausted(attempts, reason)
	}
}

// Latest returns the most recent interval sample.
func (m *Monitor) Latest() (domain.QualitySample, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.window) == 0 {
		return domain.QualitySample{}, false
	}
	return m.window[len(m.window)-1], true
}

// Tier is the tier smoothed over the rolling window.
func (m *Monitor) Tier() domain.QualityTier {
	m.mu.Lock()
	defer m.mu.Unlock()
	return domain.SmoothTier(m.window)
}

func (m *Monitor) Attempts() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.attempts
}
