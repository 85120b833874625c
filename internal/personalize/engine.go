package personalize

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"sync"
	"time"

	"framepick/internal/config"
	"framepick/internal/frame"
	"framepick/internal/logging"
)

// Engine owns the live profile. Reads run concurrently; updates are
// exclusive. Persistence happens on a single saver goroutine that always
// writes the most recent snapshot.
type Engine struct {
	params config.Personalization
	store  Store
	log    *slog.Logger
	now    func() time.Time

	mu      sync.RWMutex
	profile Profile
	closed  bool
	saves   chan Profile
	done    chan struct{}

	subMu     sync.Mutex
	subs      map[int]chan Profile
	nextSubID int
}

// Option customizes an Engine.
type Option func(*Engine)

// WithClock overrides the time source used for LastUpdated.
func WithClock(now func() time.Time) Option {
	return func(e *Engine) { e.now = now }
}

// New loads the profile from store and starts the saver. A nil store keeps
// the profile in memory only. Until a profile has been saved, and after a
// load failure (which is logged), the engine starts from a neutral profile
// enabled according to params.
func New(ctx context.Context, params config.Personalization, store Store, logger *slog.Logger, opts ...Option) *Engine {
	e := &Engine{
		params: withDefaults(params),
		store:  store,
		log:    logging.OrDefault(logger),
		now:    time.Now,
		subs:   make(map[int]chan Profile),
	}
	for _, opt := range opts {
		opt(e)
	}

	e.profile = NeutralProfile()
	e.profile.Enabled = params.Enabled
	if store != nil {
		p, err := store.Load(ctx)
		switch {
		case errors.Is(err, ErrNoProfile):
			e.log.Debug("no saved profile, starting neutral", "enabled", params.Enabled)
		case err != nil:
			logging.LogDegraded(e.log, "personalize", fmt.Errorf("%w: %w", frame.ErrPersistenceLoadFailed, err), nil)
		default:
			e.profile = p.clamped()
		}
		e.saves = make(chan Profile, 1)
		e.done = make(chan struct{})
		go e.saveLoop()
	}
	return e
}

func withDefaults(p config.Personalization) config.Personalization {
	def := config.Default().Personalization
	if p.BaseRate <= 0 {
		p.BaseRate = def.BaseRate
	}
	if p.DecayFactor <= 0 || p.DecayFactor > 1 {
		p.DecayFactor = def.DecayFactor
	}
	if p.DecayInterval <= 0 {
		p.DecayInterval = def.DecayInterval
	}
	if p.Damping <= 0 {
		p.Damping = def.Damping
	}
	if p.MaxBias < 0 {
		p.MaxBias = def.MaxBias
	}
	return p
}

// ApplyBias nudges base by the learned preferences for the given features and
// context. The nudge never exceeds MaxBias and the result stays in [0,1].
// A disabled or untrained profile returns base unchanged.
func (e *Engine) ApplyBias(base float64, f frame.ImageFeatures, ctx frame.Context) float64 {
	e.mu.RLock()
	p := e.profile
	e.mu.RUnlock()
	return frame.Clamp01(base + e.bias(p, f, ctx))
}

func (e *Engine) bias(p Profile, f frame.ImageFeatures, ctx frame.Context) float64 {
	if !p.Enabled || p.TotalRatings == 0 {
		return 0
	}
	sum := p.Weights.Exposure*centered(f.Exposure) +
		p.Weights.Sharpness*centered(f.Sharpness) +
		p.Weights.Contrast*centered(f.Contrast) +
		p.Weights.Saturation*centered(f.Saturation)
	for _, a := range p.Affinities.active(ctx) {
		sum += *a
	}
	return frame.Clamp(sum*e.params.Damping/4, -e.params.MaxBias, e.params.MaxBias)
}

// LearningRate is the step size for the next update. It never increases as
// ratings accumulate.
func (e *Engine) LearningRate() float64 {
	e.mu.RLock()
	n := e.profile.TotalRatings
	e.mu.RUnlock()
	return e.learningRate(n)
}

func (e *Engine) learningRate(ratings int) float64 {
	return e.params.BaseRate * math.Pow(e.params.DecayFactor, float64(ratings)/e.params.DecayInterval)
}

// Update applies one feedback event and returns the new profile.
func (e *Engine) Update(ev Event) Profile {
	e.mu.Lock()
	p := e.profile
	lr := e.learningRate(p.TotalRatings)
	step := lr * (frame.Clamp01(ev.Feedback) - frame.Clamp01(ev.Prediction))

	p.Weights.Exposure += step * centered(ev.Features.Exposure)
	p.Weights.Sharpness += step * centered(ev.Features.Sharpness)
	p.Weights.Contrast += step * centered(ev.Features.Contrast)
	p.Weights.Saturation += step * centered(ev.Features.Saturation)
	for _, a := range p.Affinities.active(ev.Context) {
		*a += step
	}
	p.TotalRatings++
	p.LastUpdated = e.now().UTC()
	p = p.clamped()

	e.commitLocked(p)
	e.mu.Unlock()

	e.broadcast(p)
	return p
}

// Reset discards everything learned and re-enables the profile.
func (e *Engine) Reset() Profile {
	return e.mutate(func(p *Profile) {
		*p = NeutralProfile()
		p.LastUpdated = e.now().UTC()
	})
}

// SetEnabled toggles whether the bias is applied. Learning continues either way.
func (e *Engine) SetEnabled(enabled bool) Profile {
	return e.mutate(func(p *Profile) { p.Enabled = enabled })
}

func (e *Engine) mutate(fn func(*Profile)) Profile {
	e.mu.Lock()
	p := e.profile
	fn(&p)
	e.commitLocked(p)
	e.mu.Unlock()

	e.broadcast(p)
	return p
}

// Snapshot returns a copy of the current profile.
func (e *Engine) Snapshot() Profile {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.profile
}

// State reports the learning state of the current profile.
func (e *Engine) State() State {
	return e.Snapshot().State()
}

// commitLocked installs p and queues it for saving. Callers hold e.mu for
// writing, so snapshots reach the saver in update order.
func (e *Engine) commitLocked(p Profile) {
	e.profile = p
	if e.saves == nil || e.closed {
		return
	}
	select {
	case e.saves <- p:
	default:
		// Replace the pending snapshot with the newer one.
		select {
		case <-e.saves:
		default:
		}
		e.saves <- p
	}
}

func (e *Engine) saveLoop() {
	defer close(e.done)
	for p := range e.saves {
		if err := e.store.Save(context.Background(), p); err != nil {
			e.log.Warn("profile save failed", "error", err, "total_ratings", p.TotalRatings)
		}
	}
}

// Subscribe returns a channel receiving every committed profile and an
// unsubscribe function.
func (e *Engine) Subscribe() (<-chan Profile, func()) {
	e.subMu.Lock()
	defer e.subMu.Unlock()
	id := e.nextSubID
	e.nextSubID++
	ch := make(chan Profile, 4)
	e.subs[id] = ch
	unsub := func() {
		e.subMu.Lock()
		if c, ok := e.subs[id]; ok {
			close(c)
			delete(e.subs, id)
		}
		e.subMu.Unlock()
	}
	return ch, unsub
}

func (e *Engine) broadcast(p Profile) {
	e.subMu.Lock()
	defer e.subMu.Unlock()
	for id, ch := range e.subs {
		select {
		case ch <- p:
		default:
			e.log.Debug("profile subscriber lagging", "subscriber", id)
		}
	}
}

// Close flushes the pending snapshot and stops the saver. Subscribers are
// closed. The engine keeps serving reads and in-memory updates afterwards.
func (e *Engine) Close() error {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return nil
	}
	e.closed = true
	if e.saves != nil {
		close(e.saves)
	}
	e.mu.Unlock()

	if e.done != nil {
		<-e.done
	}

	e.subMu.Lock()
	for id, ch := range e.subs {
		close(ch)
		delete(e.subs, id)
	}
	e.subMu.Unlock()
	return nil
}
