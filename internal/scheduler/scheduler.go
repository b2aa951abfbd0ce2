package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"quotedesk/internal/market"
	"quotedesk/internal/notify"
)

// ErrInvalidInterval is returned for a non-positive refresh interval. The
// previous interval stays in effect.
var ErrInvalidInterval = errors.New("refresh interval must be positive")

type Config struct {
	Interval time.Duration
	// SessionInterval adds a second cadence feeding the same pipeline, used
	// to regenerate the synthetic session. Zero disables it.
	SessionInterval time.Duration
	FetchTimeout    time.Duration
	Logger          *slog.Logger
}

// Stats describes the refresh history since the process started.
type Stats struct {
	Refreshes           uint64    `json:"refreshes"`
	Failures            uint64    `json:"failures"`
	ConsecutiveFailures int       `json:"consecutive_failures"`
	LastRefreshID       string    `json:"last_refresh_id"`
	LastSuccess         time.Time `json:"last_success"`
	LastError           string    `json:"last_error,omitempty"`
}

// Scheduler periodically pulls a snapshot from the source, swaps it into the
// store and announces the result on the bus. At most one refresh runs at a
// time.
type Scheduler struct {
	source       market.Source
	store        *market.Store
	bus          *notify.Bus
	logger       *slog.Logger
	fetchTimeout time.Duration
	newID        func() string
	now          func() time.Time

	inFlight atomic.Bool

	mu              sync.Mutex
	running         bool
	gen             uint64
	interval        time.Duration
	sessionInterval time.Duration
	ticker          *time.Ticker
	session         *time.Ticker
	stop            chan struct{}

	statsMu sync.Mutex
	stats   Stats
}

func New(source market.Source, store *market.Store, bus *notify.Bus, cfg Config) *Scheduler {
	if cfg.Interval <= 0 {
		cfg.Interval = 5 * time.Second
	}
	if cfg.SessionInterval < 0 {
		cfg.SessionInterval = 0
	}
	if cfg.FetchTimeout <= 0 {
		cfg.FetchTimeout = 10 * time.Second
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Scheduler{
		source:          source,
		store:           store,
		bus:             bus,
		logger:          cfg.Logger.With(slog.String("component", "scheduler")),
		fetchTimeout:    cfg.FetchTimeout,
		newID:           uuid.NewString,
		now:             time.Now,
		interval:        cfg.Interval,
		sessionInterval: cfg.SessionInterval,
	}
}

// Start performs one refresh immediately, then arms the timers. It is a
// no-op while already running. Cancelling ctx stops the scheduler.
func (s *Scheduler) Start(ctx context.Context) {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return
	}
	s.running = true
	s.gen++
	gen := s.gen
	s.mu.Unlock()

	if s.inFlight.CompareAndSwap(false, true) {
		s.refresh(ctx)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.running || s.gen != gen {
		return
	}
	s.ticker = time.NewTicker(s.interval)
	var sessionC <-chan time.Time
	if s.sessionInterval > 0 {
		s.session = time.NewTicker(s.sessionInterval)
		sessionC = s.session.C
	}
	s.stop = make(chan struct{})
	go s.loop(ctx, gen, s.ticker.C, sessionC, s.stop)

	s.logger.Info("scheduler started",
		slog.Duration("interval", s.interval),
		slog.Duration("session_interval", s.sessionInterval),
		slog.String("source", s.source.Name()),
	)
}

// Stop disarms the timers. Once it returns no scheduled refresh will start;
// a refresh already in flight still completes and publishes.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.running {
		return
	}
	s.disarmLocked()
	s.logger.Info("scheduler stopped")
}

func (s *Scheduler) disarmLocked() {
	s.running = false
	s.gen++
	if s.ticker != nil {
		s.ticker.Stop()
		s.ticker = nil
	}
	if s.session != nil {
		s.session.Stop()
		s.session = nil
	}
	if s.stop != nil {
		close(s.stop)
		s.stop = nil
	}
}

// SetInterval changes the refresh cadence. A running ticker is reset to the
// new period without an extra fetch.
func (s *Scheduler) SetInterval(d time.Duration) error {
	if d <= 0 {
		return fmt.Errorf("set interval %s: %w", d, ErrInvalidInterval)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.interval = d
	if s.ticker != nil {
		s.ticker.Reset(d)
	}
	s.logger.Info("refresh interval changed", slog.Duration("interval", d))
	return nil
}

func (s *Scheduler) Interval() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.interval
}

func (s *Scheduler) Running() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.running
}

func (s *Scheduler) InFlight() bool {
	return s.inFlight.Load()
}

// TriggerRefresh runs one refresh now and reports whether it ran. A request
// made while another refresh is in flight is dropped.
func (s *Scheduler) TriggerRefresh(ctx context.Context) bool {
	if !s.inFlight.CompareAndSwap(false, true) {
		s.logger.Debug("refresh already in flight, trigger dropped")
		return false
	}
	s.refresh(ctx)
	return true
}

func (s *Scheduler) Stats() Stats {
	s.statsMu.Lock()
	defer s.statsMu.Unlock()
	return s.stats
}

func (s *Scheduler) loop(ctx context.Context, gen uint64, tick, session <-chan time.Time, stop <-chan struct{}) {
	for {
		select {
		case <-stop:
			return
		case <-ctx.Done():
			s.mu.Lock()
			if s.running && s.gen == gen {
				s.disarmLocked()
				s.logger.Info("scheduler stopped", slog.String("reason", ctx.Err().Error()))
			}
			s.mu.Unlock()
			return
		case <-tick:
			s.scheduled(ctx, gen)
		case <-session:
			s.scheduled(ctx, gen)
		}
	}
}

func (s *Scheduler) scheduled(ctx context.Context, gen uint64) {
	s.mu.Lock()
	if !s.running || s.gen != gen {
		s.mu.Unlock()
		return
	}
	if !s.inFlight.CompareAndSwap(false, true) {
		s.mu.Unlock()
		s.logger.Debug("refresh already in flight, tick skipped")
		return
	}
	s.mu.Unlock()
	s.refresh(ctx)
}

// refresh must be called with inFlight held.
func (s *Scheduler) refresh(ctx context.Context) {
	defer s.inFlight.Store(false)

	id := s.newID()
	name := s.source.Name()
	logger := s.logger.With(slog.String("refresh_id", id), slog.String("source", name))
	started := s.now()

	fetchCtx, cancel := context.WithTimeout(ctx, s.fetchTimeout)
	snap, err := s.source.Fetch(fetchCtx)
	cancel()
	if err == nil && snap == nil {
		err = &market.SourceError{Source: name, Err: errors.New("source returned no snapshot")}
	}
	if err != nil {
		elapsed := s.now().Sub(started)
		failures := s.recordFailure(id, err)
		logger.Warn("refresh failed",
			slog.Any("error", err),
			slog.Int("consecutive_failures", failures),
			slog.Duration("elapsed", elapsed),
		)
		if s.bus != nil {
			s.bus.PublishError(notify.ErrorEvent{
				RefreshID:           id,
				Source:              name,
				Err:                 err,
				ConsecutiveFailures: failures,
				Timestamp:           s.now(),
				Elapsed:             elapsed,
			})
		}
		return
	}

	current := s.store.ReplaceAll(snap)
	elapsed := s.now().Sub(started)
	s.recordSuccess(id, current.UpdatedAt())
	logger.Debug("refresh done",
		slog.Int("instruments", current.Len()),
		slog.Duration("elapsed", elapsed),
	)
	if s.bus != nil {
		s.bus.Publish(notify.Event{
			RefreshID: id,
			Source:    name,
			Snapshot:  current,
			Timestamp: current.UpdatedAt(),
			Elapsed:   elapsed,
		})
	}
}

func (s *Scheduler) recordFailure(id string, err error) int {
	s.statsMu.Lock()
	defer s.statsMu.Unlock()
	s.stats.Refreshes++
	s.stats.Failures++
	s.stats.ConsecutiveFailures++
	s.stats.LastRefreshID = id
	s.stats.LastError = err.Error()
	return s.stats.ConsecutiveFailures
}

func (s *Scheduler) recordSuccess(id string, ts time.Time) {
	s.statsMu.Lock()
	defer s.statsMu.Unlock()
	s.stats.Refreshes++
	s.stats.ConsecutiveFailures = 0
	s.stats.LastRefreshID = id
	s.stats.LastSuccess = ts
	s.stats.LastError = ""
}
