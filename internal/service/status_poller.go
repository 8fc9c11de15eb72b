package service

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cassiomorais/checkoutsync/internal/domain/checkout"
	"github.com/cassiomorais/checkoutsync/internal/infrastructure/observability"
	"github.com/rs/zerolog"
)

// Ticker is the subset of *time.Ticker the poller needs.
type Ticker interface {
	C() <-chan time.Time
	Stop()
}

// TickerFactory creates a ticker firing every d.
type TickerFactory func(d time.Duration) Ticker

type timeTicker struct {
	t *time.Ticker
}

func (t timeTicker) C() <-chan time.Time { return t.t.C }
func (t timeTicker) Stop()               { t.t.Stop() }

func newTimeTicker(d time.Duration) Ticker {
	return timeTicker{t: time.NewTicker(d)}
}

// PollerConfig bounds a polling loop. A zero MaxAttempts or MaxDuration
// disables that bound.
type PollerConfig struct {
	Interval    time.Duration
	MaxAttempts int
	MaxDuration time.Duration
	ReadTimeout time.Duration
}

// StatusPoller repeatedly reads one appointment's payment state until it is
// paid, the poller is stopped, or the bound is exhausted. At most one loop
// runs at a time.
type StatusPoller struct {
	reader    StatusReader
	cfg       PollerConfig
	newTicker TickerFactory
	now       func() time.Time
	metrics   *observability.Metrics
	logger    zerolog.Logger

	mu         sync.Mutex
	generation uint64
	cancel     context.CancelFunc
	target     string
	reads      atomic.Int64
}

type PollerOption func(*StatusPoller)

func WithTickerFactory(f TickerFactory) PollerOption {
	return func(p *StatusPoller) { p.newTicker = f }
}

func WithPollerClock(now func() time.Time) PollerOption {
	return func(p *StatusPoller) { p.now = now }
}

func WithPollerMetrics(m *observability.Metrics) PollerOption {
	return func(p *StatusPoller) { p.metrics = m }
}

func NewStatusPoller(reader StatusReader, cfg PollerConfig, logger zerolog.Logger, opts ...PollerOption) *StatusPoller {
	if cfg.Interval <= 0 {
		cfg.Interval = 10 * time.Second
	}
	p := &StatusPoller{
		reader:    reader,
		cfg:       cfg,
		newTicker: newTimeTicker,
		now:       time.Now,
		logger:    logger,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Start begins polling appointmentID. It returns false, and does nothing,
// when a loop is already running. The loop outlives ctx's cancellation but
// keeps its values so reads carry the caller's identity.
//
// onConverged fires once on the first paid read; onGiveUp fires once when
// the bound is exhausted. Neither fires after Stop.
func (p *StatusPoller) Start(ctx context.Context, appointmentID string, onConverged func(*checkout.AppointmentSnapshot), onGiveUp func()) bool {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.cancel != nil {
		return false
	}

	p.generation++
	gen := p.generation
	loopCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	p.cancel = cancel
	p.target = appointmentID
	p.reads.Store(0)

	if p.metrics != nil {
		p.metrics.ActivePollers.Inc()
	}
	p.logger.Info().Str("appointment_id", appointmentID).Dur("interval", p.cfg.Interval).Msg("status poller started")

	go p.loop(loopCtx, gen, p.newTicker(p.cfg.Interval), appointmentID, onConverged, onGiveUp)
	return true
}

// Stop cancels the running loop. It is safe to call at any time.
func (p *StatusPoller) Stop() {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.cancel == nil {
		return
	}
	p.logger.Info().Str("appointment_id", p.target).Msg("status poller stopped")
	p.release()
}

// release clears the running state. Callers hold p.mu.
func (p *StatusPoller) release() {
	p.cancel()
	p.cancel = nil
	p.target = ""
	p.generation++
	if p.metrics != nil {
		p.metrics.ActivePollers.Dec()
	}
}

// finish ends the loop of generation gen. It reports false when that loop
// was already stopped, in which case no callback may fire.
func (p *StatusPoller) finish(gen uint64) bool {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.cancel == nil || p.generation != gen {
		return false
	}
	p.release()
	return true
}

func (p *StatusPoller) Running() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.cancel != nil
}

// Target returns the appointment being polled, or "" when idle.
func (p *StatusPoller) Target() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.target
}

// Reads returns the number of completed reads of the current or last loop.
func (p *StatusPoller) Reads() int {
	return int(p.reads.Load())
}

func (p *StatusPoller) loop(ctx context.Context, gen uint64, ticker Ticker, appointmentID string, onConverged func(*checkout.AppointmentSnapshot), onGiveUp func()) {
	defer ticker.Stop()

	started := p.now()
	attempts := 0
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C():
		}

		attempts++
		snap, err := p.read(ctx, appointmentID)
		if ctx.Err() != nil {
			return
		}
		p.dropStaleTick(ticker)

		switch {
		case err != nil:
			p.tick("error")
			p.logger.Warn().Err(err).Str("appointment_id", appointmentID).Int("attempt", attempts).Msg("payment status read failed")
		case snap.IsPaid():
			p.tick("paid")
			p.reads.Add(1)
			if p.finish(gen) && onConverged != nil {
				p.logger.Info().Str("appointment_id", appointmentID).Int("attempt", attempts).Msg("payment status converged")
				onConverged(snap)
			}
			return
		default:
			p.tick("unpaid")
		}
		p.reads.Add(1)

		if p.exhausted(attempts, started) {
			if p.finish(gen) && onGiveUp != nil {
				p.logger.Warn().Str("appointment_id", appointmentID).Int("attempts", attempts).Msg("status poller gave up")
				onGiveUp()
			}
			return
		}
	}
}

func (p *StatusPoller) read(ctx context.Context, appointmentID string) (*checkout.AppointmentSnapshot, error) {
	if p.cfg.ReadTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, p.cfg.ReadTimeout)
		defer cancel()
	}
	return p.reader.GetPaymentStatus(ctx, appointmentID)
}

// dropStaleTick discards a tick that fired while a read was outstanding so
// reads never bunch up behind a slow backend.
func (p *StatusPoller) dropStaleTick(ticker Ticker) {
	select {
	case <-ticker.C():
		p.tick("skipped")
	default:
	}
}

func (p *StatusPoller) exhausted(attempts int, started time.Time) bool {
	if p.cfg.MaxAttempts > 0 && attempts >= p.cfg.MaxAttempts {
		return true
	}
	return p.cfg.MaxDuration > 0 && p.now().Sub(started) >= p.cfg.MaxDuration
}

func (p *StatusPoller) tick(result string) {
	if p.metrics != nil {
		p.metrics.PollTicks.WithLabelValues(result).Inc()
	}
}

// PollerRegistry holds one StatusPoller per session.
type PollerRegistry struct {
	mu      sync.Mutex
	pollers map[string]*StatusPoller
	factory func(sessionID string) *StatusPoller
}

func NewPollerRegistry(factory func(sessionID string) *StatusPoller) *PollerRegistry {
	return &PollerRegistry{
		pollers: make(map[string]*StatusPoller),
		factory: factory,
	}
}

// Get returns the session's poller, creating it on first use.
func (r *PollerRegistry) Get(sessionID string) *StatusPoller {
	r.mu.Lock()
	defer r.mu.Unlock()

	p, ok := r.pollers[sessionID]
	if !ok {
		p = r.factory(sessionID)
		r.pollers[sessionID] = p
	}
	return p
}

// Lookup returns the session's poller without creating one.
func (r *PollerRegistry) Lookup(sessionID string) (*StatusPoller, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	p, ok := r.pollers[sessionID]
	return p, ok
}

// Release forgets the session's poller if it is idle.
func (r *PollerRegistry) Release(sessionID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if p, ok := r.pollers[sessionID]; ok && !p.Running() {
		delete(r.pollers, sessionID)
	}
}

// Stop stops and forgets the session's poller.
func (r *PollerRegistry) Stop(sessionID string) {
	r.mu.Lock()
	p, ok := r.pollers[sessionID]
	delete(r.pollers, sessionID)
	r.mu.Unlock()

	if ok {
		p.Stop()
	}
}

func (r *PollerRegistry) StopAll() {
	r.mu.Lock()
	pollers := r.pollers
	r.pollers = make(map[string]*StatusPoller)
	r.mu.Unlock()

	for _, p := range pollers {
		p.Stop()
	}
}

// Active returns the number of running pollers.
func (r *PollerRegistry) Active() int {
	r.mu.Lock()
	defer r.mu.Unlock()

	n := 0
	for _, p := range r.pollers {
		if p.Running() {
			n++
		}
	}
	return n
}
