// Package sync implements the offline-first synchronization engine: it keeps
// the local cache store consistent with the remote mail service, detects
// provider re-notifications (nudges), wakes snoozed threads, restores
// archived threads on new external replies, populates message bodies in the
// background, and replays queued mutations when connectivity returns.
package sync

import (
	"context"
	"log/slog"
	gosync "sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/nhle/mailsync/internal/connectivity"
	"github.com/nhle/mailsync/internal/model"
	"github.com/nhle/mailsync/internal/remote"
	"github.com/nhle/mailsync/internal/store"
)

// State is the engine's lifecycle state.
type State int

const (
	StateStopped State = iota
	StateStarting
	StateIdle
	StateSyncing
)

// EventKind identifies what an update event reports.
type EventKind int

const (
	// EventThreadsUpdated signals that a sync cycle wrote new thread state.
	EventThreadsUpdated EventKind = iota

	// EventThreadUpdated signals a single-thread change (mutation, nudge,
	// restoration, or snooze wake), carrying the thread id.
	EventThreadUpdated
)

// Event notifies the host application that cached thread state changed,
// so it can refresh without polling.
type Event struct {
	Kind     EventKind
	ThreadID string
}

// Config controls the engine's scheduling and fetch behavior.
type Config struct {
	// PollInterval is the fast cadence: sync plus snooze check.
	PollInterval time.Duration

	// PopulateInterval is the slow cadence: background body population.
	PopulateInterval time.Duration

	// Queries is the canonical query list fetched during a full sync.
	Queries []string

	// MaxResults bounds each full-sync query page.
	MaxResults int64

	// BatchSize bounds concurrent thread refreshes within one sync cycle.
	BatchSize int

	// PopulateBatch is how many metadata-only threads each slow tick
	// upgrades to full population.
	PopulateBatch int

	// MaxCacheBytes is the cache budget enforced after each sync cycle.
	MaxCacheBytes int64

	// RemoteTimeout is the single-attempt budget for host-initiated
	// mutations; there is no inline retry.
	RemoteTimeout time.Duration
}

// DefaultConfig returns the engine's default scheduling configuration.
func DefaultConfig() Config {
	return Config{
		PollInterval:     60 * time.Second,
		PopulateInterval: 120 * time.Second,
		Queries:          model.DefaultQueries,
		MaxResults:       50,
		BatchSize:        20,
		PopulateBatch:    5,
		MaxCacheBytes:    512 * 1024 * 1024,
		RemoteTimeout:    15 * time.Second,
	}
}

// populateHeadroom stops background population once the cache passes this
// share of its budget.
const populateHeadroom = 0.95

// Engine orchestrates synchronization for a single account. All mutable
// state lives on the instance so multiple engines can coexist in one
// process.
type Engine struct {
	store   store.Store
	remote  remote.Service
	monitor *connectivity.Monitor
	log     *slog.Logger
	cfg     Config

	// limiter paces background body fetches so population never bursts
	// the remote API.
	limiter *rate.Limiter

	events chan Event

	mu      gosync.Mutex
	state   State
	syncing bool
	owner   string
	ctx     context.Context
	cancel  context.CancelFunc
	stopCh  chan struct{}
}

// New creates an engine wired to its collaborators. The engine does not
// schedule anything until Start is called.
func New(s store.Store, r remote.Service, m *connectivity.Monitor, log *slog.Logger, cfg Config) *Engine {
	if log == nil {
		log = slog.Default()
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = DefaultConfig().BatchSize
	}
	if cfg.RemoteTimeout <= 0 {
		cfg.RemoteTimeout = DefaultConfig().RemoteTimeout
	}
	e := &Engine{
		store:   s,
		remote:  r,
		monitor: m,
		log:     log,
		cfg:     cfg,
		limiter: rate.NewLimiter(rate.Every(2*time.Second), 1),
		events:  make(chan Event, 64),
		state:   StateStopped,
	}
	m.OnOnline(func() {
		go e.handleReconnect()
	})
	return e
}

// Start begins the poll loops. Calling Start on a running engine is a no-op.
func (e *Engine) Start() {
	e.mu.Lock()
	if e.state != StateStopped {
		e.mu.Unlock()
		return
	}
	e.state = StateStarting
	e.ctx, e.cancel = context.WithCancel(context.Background())
	e.stopCh = make(chan struct{})
	ctx := e.ctx
	e.mu.Unlock()

	go e.pollLoop(ctx)
	go e.populateLoop(ctx)

	e.mu.Lock()
	if e.state == StateStarting {
		e.state = StateIdle
	}
	e.mu.Unlock()
}

// Stop cancels all timers. An in-flight sync is allowed to finish but its
// results are dropped, and no new cycle is scheduled. Safe to call at any
// point, repeatedly.
func (e *Engine) Stop() {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.state == StateStopped {
		return
	}
	e.state = StateStopped
	close(e.stopCh)
	e.cancel()
}

// State returns the engine's current lifecycle state.
func (e *Engine) State() State {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.state
}

// IsSyncing reports whether a sync cycle is currently running.
func (e *Engine) IsSyncing() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.syncing
}

// Updates returns the event channel the host application subscribes to.
// Events are dropped rather than blocking the engine when the host falls
// behind.
func (e *Engine) Updates() <-chan Event {
	return e.events
}

// Stats reports the current cache summary.
func (e *Engine) Stats(ctx context.Context) (model.CacheStats, error) {
	return e.store.Stats(ctx)
}

// Online reports the current connectivity state.
func (e *Engine) Online() bool {
	return e.monitor.IsOnline()
}

// stopped reports whether Stop has been called. Results of remote calls
// that complete after this returns true must not be written to the store.
func (e *Engine) stopped() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.state == StateStopped
}

// runContext returns the engine's lifetime context.
func (e *Engine) runContext() context.Context {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.ctx == nil {
		return context.Background()
	}
	return e.ctx
}

// pollLoop drives the fast cadence: one sync plus one snooze check per tick,
// starting immediately.
func (e *Engine) pollLoop(ctx context.Context) {
	ticker := time.NewTicker(e.cfg.PollInterval)
	defer ticker.Stop()

	e.runPoll(ctx)

	for {
		select {
		case <-e.stopCh:
			return
		case <-ticker.C:
			e.runPoll(ctx)
		}
	}
}

func (e *Engine) runPoll(ctx context.Context) {
	if err := e.Sync(); err != nil {
		e.log.Error("sync cycle failed", "error", err)
	}
	// Snoozes wake on schedule even while offline; the remote label move
	// is queued in that case.
	if err := e.CheckSnoozes(ctx); err != nil {
		e.log.Error("snooze check failed", "error", err)
	}
}

// populateLoop drives the slow cadence: background body population.
func (e *Engine) populateLoop(ctx context.Context) {
	ticker := time.NewTicker(e.cfg.PopulateInterval)
	defer ticker.Stop()

	for {
		select {
		case <-e.stopCh:
			return
		case <-ticker.C:
			e.populate(ctx)
		}
	}
}

// handleReconnect replays queued work and syncs when connectivity returns.
func (e *Engine) handleReconnect() {
	if e.stopped() {
		return
	}
	ctx := e.runContext()

	e.log.Info("connectivity restored, flushing queues")
	if err := e.FlushPendingActions(ctx); err != nil {
		e.log.Error("pending action flush failed", "error", err)
	}
	if err := e.FlushOutbox(ctx); err != nil {
		e.log.Error("outbox flush failed", "error", err)
	}
	if err := e.Sync(); err != nil {
		e.log.Error("reconnect sync failed", "error", err)
	}
}

// publish sends an event without blocking the engine.
func (e *Engine) publish(ev Event) {
	select {
	case e.events <- ev:
	default:
		// Drop if the host is not draining the channel.
	}
}
