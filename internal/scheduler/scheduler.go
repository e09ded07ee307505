// Package scheduler converts runnable loops into running tasks under
// configured concurrency caps, and reaps finished ones. Tick structure
// (reap -> process events -> select -> admit -> sleep) and the
// semaphore-style admission idiom are grounded in
// internal/domain/agent/dag.go's DAGExecutor.Execute dispatch loop
// (sem := make(chan struct{}, maxParallel), readyCh/doneCh channels,
// a completed < total drain loop), generalized here from a one-shot DAG
// run into a perpetual per-tick scheduler, and in the original
// implementation's src/scheduler/manager.rs LoopManager (reap_completed,
// process_events, tick, spawn_loop, cancel_loop, cancel_all,
// handle_orphans).
package scheduler

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	loopdomain "github.com/scottidler/loopr/internal/domain/loop"
	signaldomain "github.com/scottidler/loopr/internal/domain/signal"
	"github.com/scottidler/loopr/internal/engine"
	"github.com/scottidler/loopr/internal/id"
	"github.com/scottidler/loopr/internal/storage"
	apperrors "github.com/scottidler/loopr/pkg/errors"
	"github.com/scottidler/loopr/pkg/safego"
)

// Store is the subset of storage.Store the scheduler needs to select,
// transition, and persist loops.
type Store interface {
	Query(collection string, filters ...storage.Filter) ([][]byte, error)
	Get(collection, id string) ([]byte, bool, error)
	All(collection string) ([][]byte, error)
	Save(rec storage.Record) error
}

// EventKind classifies a report a running loop task sends back to the
// scheduler, mirroring manager.rs's LoopEvent enum.
type EventKind int

const (
	EventCompleted EventKind = iota
	EventFailed
	EventRateLimited
)

// Event is one report from a running loop task.
type Event struct {
	Kind       EventKind
	LoopID     string
	Err        error
	RetryAfter time.Duration
}

// Config bounds how many loops the scheduler admits at once, globally
// and per type, and how often it ticks.
type Config struct {
	MaxLoops     int
	PerTypeCaps  map[loopdomain.Type]int
	TickInterval time.Duration
}

// DefaultConfig returns conservative defaults: 10 concurrent loops, no
// per-type caps, ticking once a second (manager.rs's default
// poll_interval_secs).
func DefaultConfig() Config {
	return Config{MaxLoops: 10, TickInterval: time.Second}
}

type runningLoop struct {
	loopType loopdomain.Type
	cancel   context.CancelFunc
	done     chan struct{}
}

// Scheduler admits pending/paused loops as concurrent tasks under
// Config's caps and a shared RateWindow, and reaps them on completion.
type Scheduler struct {
	store      Store
	engine     *engine.Engine
	rateWindow *RateWindow
	logger     *zap.Logger
	now        func() int64

	cfg Config

	mu      sync.Mutex
	running map[string]*runningLoop

	eventCh   chan Event
	stopCh    chan struct{}
	onEvent   func(Event)
}

// New constructs a Scheduler. now defaults to id.NowMillis.
func New(store Store, eng *engine.Engine, rateWindow *RateWindow, cfg Config, logger *zap.Logger, now func() int64) *Scheduler {
	if cfg.TickInterval <= 0 {
		cfg.TickInterval = time.Second
	}
	if cfg.MaxLoops <= 0 {
		cfg.MaxLoops = 10
	}
	if now == nil {
		now = id.NowMillis
	}
	return &Scheduler{
		store:      store,
		engine:     eng,
		rateWindow: rateWindow,
		logger:     logger,
		now:        now,
		cfg:        cfg,
		running:    make(map[string]*runningLoop),
		eventCh:    make(chan Event, 256),
		stopCh:     make(chan struct{}),
	}
}

// RateWindow returns the scheduler's shared admission throttle, for an
// LLM collaborator to report backpressure against.
func (s *Scheduler) RateWindow() *RateWindow { return s.rateWindow }

// OnEvent registers fn to be called, in addition to the scheduler's own
// logging, every time a running loop reports completion, failure, or a
// rate limit. The daemon host uses this to trigger the hierarchy
// spawner and publish IPC events without the scheduler needing to know
// about either concern.
func (s *Scheduler) OnEvent(fn func(Event)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onEvent = fn
}

// orphanSweepEvery is how many ticks pass between orphan sweeps.
const orphanSweepEvery = 30

// Run ticks the scheduler until ctx is done or Stop is called. Every
// orphanSweepEvery ticks it also sweeps for loops whose parent is gone,
// failed, or invalidated.
func (s *Scheduler) Run(ctx context.Context) {
	ticker := time.NewTicker(s.cfg.TickInterval)
	defer ticker.Stop()
	for tick := 0; ; tick++ {
		select {
		case <-ctx.Done():
			return
		case <-s.stopCh:
			return
		case <-ticker.C:
			if err := s.Tick(ctx); err != nil {
				s.logger.Error("scheduler tick failed", zap.Error(err))
			}
			if tick%orphanSweepEvery == orphanSweepEvery-1 {
				if _, err := s.HandleOrphans(s.now()); err != nil {
					s.logger.Error("orphan sweep failed", zap.Error(err))
				}
			}
		}
	}
}

// Stop ends a running Run loop at its next select.
func (s *Scheduler) Stop() {
	close(s.stopCh)
}

// Tick performs one scheduling pass: reap finished tasks, drain
// reported events, and (if the rate window is open) admit the next
// eligible batch of pending/paused loops.
func (s *Scheduler) Tick(ctx context.Context) error {
	s.reapCompleted()
	s.processEvents()

	if !s.rateWindow.Open() {
		return nil
	}

	candidates, err := s.selectRunnable()
	if err != nil {
		return err
	}
	for _, l := range candidates {
		s.spawnLoop(ctx, l)
	}
	return nil
}

func (s *Scheduler) reapCompleted() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for loopID, rl := range s.running {
		select {
		case <-rl.done:
			delete(s.running, loopID)
		default:
		}
	}
}

func (s *Scheduler) processEvents() {
	for {
		select {
		case ev := <-s.eventCh:
			switch ev.Kind {
			case EventRateLimited:
				s.rateWindow.RecordLimited(ev.RetryAfter)
				s.logger.Warn("loop hit rate limit", zap.String("loop_id", ev.LoopID), zap.Duration("retry_after", ev.RetryAfter))
			case EventFailed:
				s.logger.Error("loop failed", zap.String("loop_id", ev.LoopID), zap.Error(ev.Err))
			case EventCompleted:
				s.logger.Info("loop completed", zap.String("loop_id", ev.LoopID))
			}
			s.mu.Lock()
			handler := s.onEvent
			s.mu.Unlock()
			if handler != nil {
				handler(ev)
			}
		default:
			return
		}
	}
}

// selectRunnable returns every Pending/Paused/Rebasing loop eligible to
// run this tick, in created_at order (ties broken by id), filtered to
// the MaxLoops and PerTypeCaps budget still available given what's
// already running. A Paused or Rebasing loop is only eligible once its
// pause/rebase signal has been acknowledged by a resume — until then it
// stays where it is instead of flapping back to Running every tick.
func (s *Scheduler) selectRunnable() ([]*loopdomain.Loop, error) {
	var candidates []*loopdomain.Loop
	for _, status := range []loopdomain.Status{loopdomain.StatusPending, loopdomain.StatusPaused, loopdomain.StatusRebasing} {
		rows, err := s.store.Query("loops", storage.Eq("status", storage.StringValue(string(status))))
		if err != nil {
			return nil, err
		}
		for _, raw := range rows {
			l, err := decodeLoop(raw)
			if err != nil {
				return nil, err
			}
			if status != loopdomain.StatusPending {
				held, err := s.holdSignalPending(l.ID)
				if err != nil {
					return nil, err
				}
				if held {
					continue
				}
			}
			candidates = append(candidates, l)
		}
	}

	sort.Slice(candidates, func(i, j int) bool {
		if candidates[i].CreatedAtMillis != candidates[j].CreatedAtMillis {
			return candidates[i].CreatedAtMillis < candidates[j].CreatedAtMillis
		}
		return candidates[i].ID < candidates[j].ID
	})

	s.mu.Lock()
	runningTotal := len(s.running)
	byType := make(map[loopdomain.Type]int, len(s.running))
	for _, rl := range s.running {
		byType[rl.loopType]++
	}
	s.mu.Unlock()

	selected := make([]*loopdomain.Loop, 0, len(candidates))
	for _, l := range candidates {
		if runningTotal >= s.cfg.MaxLoops {
			break
		}
		if cap, ok := s.cfg.PerTypeCaps[l.Type]; ok && byType[l.Type] >= cap {
			continue
		}
		selected = append(selected, l)
		runningTotal++
		byType[l.Type]++
	}
	return selected, nil
}

// holdSignalPending reports whether loopID still has an unacknowledged
// pause or rebase signal addressed to it.
func (s *Scheduler) holdSignalPending(loopID string) (bool, error) {
	rows, err := s.store.Query("signals",
		storage.Eq("target_loop", storage.StringValue(loopID)),
		storage.Eq("acknowledged", storage.BoolValue(false)))
	if err != nil {
		return false, err
	}
	for _, raw := range rows {
		var sig signaldomain.Signal
		if err := json.Unmarshal(raw, &sig); err != nil {
			return false, apperrors.NewInternalErrorWithCause("decoding signal", err)
		}
		if sig.Kind == signaldomain.KindPause || sig.Kind == signaldomain.KindRebase {
			return true, nil
		}
	}
	return false, nil
}

func (s *Scheduler) spawnLoop(ctx context.Context, l *loopdomain.Loop) {
	if err := l.Transition(loopdomain.StatusRunning, s.now()); err != nil {
		s.logger.Error("cannot admit loop", zap.String("loop_id", l.ID), zap.Error(err))
		return
	}
	if err := s.store.Save(l); err != nil {
		s.logger.Error("failed to persist running transition", zap.String("loop_id", l.ID), zap.Error(err))
		return
	}

	runCtx, cancel := context.WithCancel(ctx)
	rl := &runningLoop{loopType: l.Type, cancel: cancel, done: make(chan struct{})}

	s.mu.Lock()
	s.running[l.ID] = rl
	s.mu.Unlock()

	safego.Go(s.logger, "loop-task:"+l.ID, func() {
		defer close(rl.done)
		s.runLoop(runCtx, l)
	})
}

// runLoop drives l through engine.RunIteration until it reaches a
// terminal, stopped, or paused outcome, emitting a completion/failure
// event for the scheduler to consume on its next tick.
func (s *Scheduler) runLoop(ctx context.Context, l *loopdomain.Loop) {
	systemPrompt := systemPromptFor(l)
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		outcome, err := s.engine.RunIteration(ctx, l, systemPrompt)
		switch outcome {
		case engine.OutcomeContinue:
			continue
		case engine.OutcomeComplete:
			s.emit(Event{Kind: EventCompleted, LoopID: l.ID})
			return
		case engine.OutcomeFailed:
			s.emit(Event{Kind: EventFailed, LoopID: l.ID, Err: err})
			return
		case engine.OutcomeStopped, engine.OutcomePaused:
			return
		}
	}
}

func (s *Scheduler) emit(ev Event) {
	select {
	case s.eventCh <- ev:
	default:
		s.logger.Warn("scheduler event channel full, dropping event", zap.String("loop_id", ev.LoopID))
	}
}

func systemPromptFor(l *loopdomain.Loop) string {
	return fmt.Sprintf("You are driving a %s loop toward completion. Respond with the loop's artifact when done.", l.Type)
}

// CancelLoop aborts loopID's running task and marks it Invalidated.
// If loopID is not running, nothing changes and it returns false.
func (s *Scheduler) CancelLoop(loopID string, nowMillis int64) (bool, error) {
	s.mu.Lock()
	rl, ok := s.running[loopID]
	if ok {
		delete(s.running, loopID)
	}
	s.mu.Unlock()
	if !ok {
		return false, nil
	}
	rl.cancel()

	raw, found, err := s.store.Get("loops", loopID)
	if err != nil {
		return true, err
	}
	if !found {
		return true, nil
	}
	l, err := decodeLoop(raw)
	if err != nil {
		return true, err
	}
	if l.CurrentStatus().IsTerminal() {
		return true, nil
	}
	if err := l.Transition(loopdomain.StatusInvalidated, nowMillis); err != nil {
		return true, err
	}
	return true, s.store.Save(l)
}

// CancelAll aborts every running task and returns how many were
// running.
func (s *Scheduler) CancelAll() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	count := len(s.running)
	for loopID, rl := range s.running {
		rl.cancel()
		delete(s.running, loopID)
	}
	return count
}

// RunningCount reports how many loops are currently admitted.
func (s *Scheduler) RunningCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.running)
}

// RunningByType reports the currently-running count per loop type.
func (s *Scheduler) RunningByType() map[loopdomain.Type]int {
	s.mu.Lock()
	defer s.mu.Unlock()
	counts := make(map[loopdomain.Type]int, len(s.running))
	for _, rl := range s.running {
		counts[rl.loopType]++
	}
	return counts
}

// IsLoopRunning reports whether loopID is currently admitted.
func (s *Scheduler) IsLoopRunning(loopID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.running[loopID]
	return ok
}

// HandleOrphans finds every non-terminal loop whose parent is missing,
// Failed, or Invalidated, cancels it if running, and marks it
// Invalidated. Returns the number of loops handled.
func (s *Scheduler) HandleOrphans(nowMillis int64) (int, error) {
	rows, err := s.store.All("loops")
	if err != nil {
		return 0, err
	}

	byID := make(map[string]*loopdomain.Loop, len(rows))
	for _, raw := range rows {
		l, err := decodeLoop(raw)
		if err != nil {
			return 0, err
		}
		byID[l.ID] = l
	}

	count := 0
	for _, l := range byID {
		if l.ParentID == "" || l.CurrentStatus().IsTerminal() {
			continue
		}
		parent, hasParent := byID[l.ParentID]
		orphan := !hasParent || parent.CurrentStatus() == loopdomain.StatusInvalidated || parent.CurrentStatus() == loopdomain.StatusFailed
		if !orphan {
			continue
		}
		count++
		if s.IsLoopRunning(l.ID) {
			if _, err := s.CancelLoop(l.ID, nowMillis); err != nil {
				return count, err
			}
			continue
		}
		if err := l.Transition(loopdomain.StatusInvalidated, nowMillis); err != nil {
			return count, err
		}
		if err := s.store.Save(l); err != nil {
			return count, err
		}
	}
	return count, nil
}

func decodeLoop(raw []byte) (*loopdomain.Loop, error) {
	var l loopdomain.Loop
	if err := json.Unmarshal(raw, &l); err != nil {
		return nil, apperrors.NewInternalErrorWithCause("decoding loop", err)
	}
	return &l, nil
}
