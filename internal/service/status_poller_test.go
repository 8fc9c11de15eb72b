package service

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/cassiomorais/checkoutsync/internal/domain/checkout"
	"github.com/cassiomorais/checkoutsync/internal/testutil"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const noTick = 50 * time.Millisecond

func newTestPoller(reader StatusReader, cfg PollerConfig, opts ...PollerOption) (*StatusPoller, *testutil.ManualTicker) {
	ticker := testutil.NewManualTicker()
	opts = append(opts, WithTickerFactory(func(time.Duration) Ticker { return ticker }))
	return NewStatusPoller(reader, cfg, zerolog.Nop(), opts...), ticker
}

// tick delivers one tick and waits until the poller has finished reading.
func tick(t *testing.T, p *StatusPoller, ticker *testutil.ManualTicker, wantReads int) {
	t.Helper()
	require.True(t, ticker.TrySend(time.Second), "poller did not accept tick")
	require.Eventually(t, func() bool { return p.Reads() >= wantReads }, time.Second, time.Millisecond)
}

// scriptedReader returns the given snapshots in order, then repeats the last.
type scriptedReader struct {
	mu      sync.Mutex
	results []*checkout.AppointmentSnapshot
	errs    []error
	calls   int
}

func (r *scriptedReader) GetPaymentStatus(_ context.Context, _ string) (*checkout.AppointmentSnapshot, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	i := min(r.calls, len(r.results)-1)
	r.calls++
	var err error
	if i < len(r.errs) {
		err = r.errs[i]
	}
	return r.results[i], err
}

func (r *scriptedReader) Calls() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.calls
}

type callbackCounter struct {
	converged atomic.Int32
	gaveUp    atomic.Int32
}

func (c *callbackCounter) onConverged(*checkout.AppointmentSnapshot) { c.converged.Add(1) }
func (c *callbackCounter) onGiveUp()                                 { c.gaveUp.Add(1) }

func TestStatusPoller_ConvergesOnSecondTick(t *testing.T) {
	reader := &scriptedReader{results: []*checkout.AppointmentSnapshot{
		testutil.UnpaidSnapshot("42"),
		testutil.PaidSnapshot("42"),
	}}
	p, ticker := newTestPoller(reader, PollerConfig{Interval: time.Second, MaxAttempts: 10})
	var cb callbackCounter

	require.True(t, p.Start(context.Background(), "42", cb.onConverged, cb.onGiveUp))
	assert.Equal(t, "42", p.Target())

	tick(t, p, ticker, 1)
	assert.Equal(t, int32(0), cb.converged.Load(), "must not converge on an unpaid read")
	assert.True(t, p.Running())

	tick(t, p, ticker, 2)
	require.Eventually(t, func() bool { return cb.converged.Load() == 1 }, time.Second, time.Millisecond)
	assert.False(t, p.Running())
	assert.Equal(t, "", p.Target())

	// No further ticks are consumed after convergence.
	assert.False(t, ticker.TrySend(noTick))
	assert.Equal(t, 2, reader.Calls())
	assert.Equal(t, int32(1), cb.converged.Load())
	assert.Equal(t, int32(0), cb.gaveUp.Load())
	assert.Eventually(t, ticker.Stopped, time.Second, time.Millisecond)
}

func TestStatusPoller_FirstReadWaitsForInterval(t *testing.T) {
	reader := &scriptedReader{results: []*checkout.AppointmentSnapshot{testutil.PaidSnapshot("42")}}
	p, _ := newTestPoller(reader, PollerConfig{Interval: time.Second, MaxAttempts: 10})
	var cb callbackCounter

	require.True(t, p.Start(context.Background(), "42", cb.onConverged, cb.onGiveUp))
	defer p.Stop()

	time.Sleep(noTick)
	assert.Equal(t, 0, reader.Calls())
}

func TestStatusPoller_StartWhileRunningIsNoop(t *testing.T) {
	reader := &scriptedReader{results: []*checkout.AppointmentSnapshot{testutil.UnpaidSnapshot("42")}}
	p, ticker := newTestPoller(reader, PollerConfig{Interval: time.Second, MaxAttempts: 10})
	var cb callbackCounter

	require.True(t, p.Start(context.Background(), "42", cb.onConverged, cb.onGiveUp))
	assert.False(t, p.Start(context.Background(), "43", cb.onConverged, cb.onGiveUp))
	assert.Equal(t, "42", p.Target())

	tick(t, p, ticker, 1)
	assert.Equal(t, 1, reader.Calls(), "exactly one loop reads per tick")
	p.Stop()
}

func TestStatusPoller_TransientErrorsKeepPolling(t *testing.T) {
	reader := &scriptedReader{
		results: []*checkout.AppointmentSnapshot{nil, nil, testutil.PaidSnapshot("42")},
		errs:    []error{errors.New("timeout"), errors.New("502")},
	}
	p, ticker := newTestPoller(reader, PollerConfig{Interval: time.Second, MaxAttempts: 10})
	var cb callbackCounter

	require.True(t, p.Start(context.Background(), "42", cb.onConverged, cb.onGiveUp))
	tick(t, p, ticker, 1)
	tick(t, p, ticker, 2)
	assert.True(t, p.Running())

	tick(t, p, ticker, 3)
	require.Eventually(t, func() bool { return cb.converged.Load() == 1 }, time.Second, time.Millisecond)
}

func TestStatusPoller_GivesUpAfterMaxAttempts(t *testing.T) {
	reader := &scriptedReader{results: []*checkout.AppointmentSnapshot{testutil.UnpaidSnapshot("42")}}
	p, ticker := newTestPoller(reader, PollerConfig{Interval: time.Second, MaxAttempts: 3})
	var cb callbackCounter

	require.True(t, p.Start(context.Background(), "42", cb.onConverged, cb.onGiveUp))
	for i := 1; i <= 3; i++ {
		tick(t, p, ticker, i)
	}

	require.Eventually(t, func() bool { return cb.gaveUp.Load() == 1 }, time.Second, time.Millisecond)
	assert.False(t, p.Running())
	assert.False(t, ticker.TrySend(noTick))
	assert.Equal(t, 3, reader.Calls())
	assert.Equal(t, int32(0), cb.converged.Load())
}

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func TestStatusPoller_GivesUpAfterMaxDuration(t *testing.T) {
	clock := &fakeClock{now: time.Date(2026, 1, 1, 9, 0, 0, 0, time.UTC)}
	reader := &scriptedReader{results: []*checkout.AppointmentSnapshot{testutil.UnpaidSnapshot("42")}}
	p, ticker := newTestPoller(reader, PollerConfig{Interval: time.Second, MaxDuration: time.Minute}, WithPollerClock(clock.Now))
	var cb callbackCounter

	require.True(t, p.Start(context.Background(), "42", cb.onConverged, cb.onGiveUp))
	clock.Advance(30 * time.Second)
	tick(t, p, ticker, 1)
	assert.True(t, p.Running())

	clock.Advance(31 * time.Second)
	tick(t, p, ticker, 2)
	require.Eventually(t, func() bool { return cb.gaveUp.Load() == 1 }, time.Second, time.Millisecond)
	assert.False(t, p.Running())
}

type blockingReader struct {
	entered chan struct{}
	release chan struct{}
}

func (r *blockingReader) GetPaymentStatus(_ context.Context, id string) (*checkout.AppointmentSnapshot, error) {
	r.entered <- struct{}{}
	<-r.release
	return testutil.PaidSnapshot(id), nil
}

func TestStatusPoller_NoCallbackAfterStop(t *testing.T) {
	reader := &blockingReader{entered: make(chan struct{}, 1), release: make(chan struct{})}
	p, ticker := newTestPoller(reader, PollerConfig{Interval: time.Second, MaxAttempts: 1})
	var cb callbackCounter

	require.True(t, p.Start(context.Background(), "42", cb.onConverged, cb.onGiveUp))
	require.True(t, ticker.TrySend(time.Second))
	<-reader.entered

	p.Stop()
	p.Stop()
	close(reader.release)

	assert.Never(t, func() bool { return cb.converged.Load() > 0 || cb.gaveUp.Load() > 0 }, 100*time.Millisecond, 5*time.Millisecond)
	assert.False(t, p.Running())
}

func TestStatusPoller_RestartAfterStop(t *testing.T) {
	reader := &scriptedReader{results: []*checkout.AppointmentSnapshot{testutil.PaidSnapshot("43")}}
	var tickers []*testutil.ManualTicker
	p := NewStatusPoller(reader, PollerConfig{Interval: time.Second, MaxAttempts: 5}, zerolog.Nop(),
		WithTickerFactory(func(time.Duration) Ticker {
			ticker := testutil.NewManualTicker()
			tickers = append(tickers, ticker)
			return ticker
		}))
	var cb callbackCounter

	require.True(t, p.Start(context.Background(), "42", cb.onConverged, cb.onGiveUp))
	p.Stop()
	require.True(t, p.Start(context.Background(), "43", cb.onConverged, cb.onGiveUp))
	assert.Equal(t, "43", p.Target())
	require.Len(t, tickers, 2)

	tick(t, p, tickers[1], 1)
	require.Eventually(t, func() bool { return cb.converged.Load() == 1 }, time.Second, time.Millisecond)
	assert.Equal(t, 1, reader.Calls())
}

func TestStatusPoller_StopWhenIdle(t *testing.T) {
	p, _ := newTestPoller(&scriptedReader{results: []*checkout.AppointmentSnapshot{nil}}, PollerConfig{Interval: time.Second, MaxAttempts: 1})
	assert.NotPanics(t, p.Stop)
	assert.False(t, p.Running())
}

func TestPollerRegistry(t *testing.T) {
	reader := &scriptedReader{results: []*checkout.AppointmentSnapshot{testutil.UnpaidSnapshot("42")}}
	created := 0
	registry := NewPollerRegistry(func(string) *StatusPoller {
		created++
		p, _ := newTestPoller(reader, PollerConfig{Interval: time.Second, MaxAttempts: 5})
		return p
	})

	p1 := registry.Get("sess-1")
	assert.Same(t, p1, registry.Get("sess-1"))
	p2 := registry.Get("sess-2")
	assert.Equal(t, 2, created)

	p1.Start(context.Background(), "41", nil, nil)
	p2.Start(context.Background(), "42", nil, nil)
	assert.Equal(t, 2, registry.Active())

	registry.Release("sess-1")
	_, ok := registry.Lookup("sess-1")
	assert.True(t, ok, "running pollers are not released")

	registry.Stop("sess-1")
	_, ok = registry.Lookup("sess-1")
	assert.False(t, ok)
	assert.False(t, p1.Running())

	registry.StopAll()
	assert.False(t, p2.Running())
	assert.Equal(t, 0, registry.Active())
}
