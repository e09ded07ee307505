// Package daemon wires every collaborator package into one running
// process: persistence, workspace, signal bus, invalidation, engine,
// scheduler, event bus, and the ipc listener. Staged init is grounded in
// the teacher's internal/application/app.go (initRepositories ->
// initDomainServices -> initInfrastructure -> initApplicationServices ->
// initInterfaces), and its lifecycle (PID-file exclusion, crash
// recovery, two-stage graceful shutdown) follows cmd/gateway/main.go's
// signal-handling main loop generalized onto that staged shape.
package daemon

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"time"

	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/scottidler/loopr/internal/config"
	"github.com/scottidler/loopr/internal/coordination/invalidate"
	"github.com/scottidler/loopr/internal/coordination/signalbus"
	loopdomain "github.com/scottidler/loopr/internal/domain/loop"
	"github.com/scottidler/loopr/internal/domain/signal"
	"github.com/scottidler/loopr/internal/domain/tooljob"
	"github.com/scottidler/loopr/internal/domain/event"
	"github.com/scottidler/loopr/internal/engine"
	"github.com/scottidler/loopr/internal/id"
	"github.com/scottidler/loopr/internal/infrastructure/eventbus"
	"github.com/scottidler/loopr/internal/ipc"
	"github.com/scottidler/loopr/internal/recovery"
	"github.com/scottidler/loopr/internal/scheduler"
	"github.com/scottidler/loopr/internal/spawner"
	"github.com/scottidler/loopr/internal/storage"
	"github.com/scottidler/loopr/internal/workspace"
	apperrors "github.com/scottidler/loopr/pkg/errors"
	"github.com/scottidler/loopr/pkg/safego"
)

// defaultMaxIterations bounds a freshly created plan loop when the
// client does not specify one.
const defaultMaxIterations = 20

// Host owns every daemon-wide singleton and the lifecycle that starts
// and stops them together.
type Host struct {
	cfg    *config.DaemonConfig
	logger *zap.Logger

	store      *storage.Store
	index      *storage.SQLiteIndex
	ws         *workspace.Manager
	signals    *signalbus.Bus
	invalidate *invalidate.Manager
	recovery   *recovery.Recovery
	engine     *engine.Engine
	scheduler  *scheduler.Scheduler
	rateWindow *scheduler.RateWindow
	events     *eventbus.Broadcaster
	ipcServer  *ipc.Server
	pid        *pidFile

	now func() int64
}

// New wires every collaborator but does not bind any OS resource (PID
// file, socket, scheduler goroutine); call Start for that.
func New(cfg *config.DaemonConfig, logger *zap.Logger, llm engine.LLMClient, tools engine.ToolRouter, validator engine.Validator, parser engine.ArtifactParser) (*Host, error) {
	if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
		return nil, apperrors.NewInternalErrorWithCause("creating data directory", err)
	}
	storeDir := filepath.Join(cfg.DataDir, ".taskstore")
	if err := os.MkdirAll(storeDir, 0o755); err != nil {
		return nil, apperrors.NewInternalErrorWithCause("creating taskstore directory", err)
	}

	index, err := storage.OpenSQLiteIndex(storage.DBConfig{Type: "sqlite", DSN: filepath.Join(storeDir, "index.db")})
	if err != nil {
		return nil, err
	}
	store := storage.New(storeDir, index)
	for _, collection := range []string{"loops", "signals", "tool_jobs", "events"} {
		if err := store.EnsureFresh(collection, decodeFieldsFor(collection)); err != nil {
			return nil, err
		}
	}

	wsBaseDir := cfg.Workspace.BaseDir
	if wsBaseDir == "" {
		wsBaseDir = filepath.Join(cfg.DataDir, "worktrees")
	}
	ws := workspace.New(wsBaseDir, cfg.Workspace.ProjectRoot)

	bus := signalbus.New(store)
	inv := invalidate.New(store)
	rec := recovery.New(store, ws, recovery.DefaultConfig())

	persister := &storePersister{store: store}
	lanedTools := engine.NewLaneRouter(tools, laneLimits(cfg.Lanes))
	eng := engine.New(llm, lanedTools, validator, parser, bus, persister, logger, id.NowMillis)

	rateWindow := scheduler.NewRateWindow(1, 4)
	schedCfg := scheduler.Config{
		MaxLoops:     cfg.Scheduler.MaxLoops,
		TickInterval: cfg.Scheduler.TickInterval,
		PerTypeCaps:  perTypeCaps(cfg.Scheduler.PerTypeCaps),
	}
	sched := scheduler.New(store, eng, rateWindow, schedCfg, logger, id.NowMillis)

	events := eventbus.New(eventbus.DefaultCapacity, logger)

	socketPath := cfg.IPC.SocketPath
	if socketPath == "" {
		socketPath = filepath.Join(cfg.DataDir, "daemon.sock")
	}
	router := ipc.NewRouter()

	h := &Host{
		cfg:        cfg,
		logger:     logger,
		store:      store,
		index:      index,
		ws:         ws,
		signals:    bus,
		invalidate: inv,
		recovery:   rec,
		engine:     eng,
		scheduler:  sched,
		rateWindow: rateWindow,
		events:     events,
		pid:        newPIDFile(filepath.Join(cfg.DataDir, "daemon.pid")),
		now:        id.NowMillis,
	}
	ipc.RegisterMethods(router, h)
	h.ipcServer = ipc.NewServer(socketPath, router, events, logger)
	sched.OnEvent(h.handleSchedulerEvent)

	return h, nil
}

// laneLimits translates the config tree's lane section into the
// engine's lane-limit map, falling back to the engine defaults for any
// lane the config leaves zeroed.
func laneLimits(lanes config.LanesConfig) map[tooljob.Lane]engine.LaneLimit {
	limits := engine.DefaultLaneLimits()
	apply := func(lane tooljob.Lane, lc config.LaneConfig) {
		lim := limits[lane]
		if lc.Slots > 0 {
			lim.Slots = lc.Slots
		}
		if lc.Timeout > 0 {
			lim.Timeout = lc.Timeout
		}
		limits[lane] = lim
	}
	apply(tooljob.LaneNoNet, lanes.NoNet)
	apply(tooljob.LaneNet, lanes.Net)
	apply(tooljob.LaneHeavy, lanes.Heavy)
	return limits
}

func perTypeCaps(caps map[string]int) map[loopdomain.Type]int {
	out := make(map[loopdomain.Type]int, len(caps))
	for k, v := range caps {
		out[loopdomain.Type(k)] = v
	}
	return out
}

func decodeFieldsFor(collection string) func(raw json.RawMessage) (map[string]storage.IndexValue, error) {
	return func(raw json.RawMessage) (map[string]storage.IndexValue, error) {
		switch collection {
		case "loops":
			var l loopdomain.Loop
			if err := unmarshal(raw, &l); err != nil {
				return nil, err
			}
			return l.RecordIndexedFields(), nil
		case "signals":
			var s signal.Signal
			if err := unmarshal(raw, &s); err != nil {
				return nil, err
			}
			return s.RecordIndexedFields(), nil
		case "tool_jobs":
			var j tooljob.ToolJob
			if err := unmarshal(raw, &j); err != nil {
				return nil, err
			}
			return j.RecordIndexedFields(), nil
		case "events":
			var e event.Event
			if err := unmarshal(raw, &e); err != nil {
				return nil, err
			}
			return e.RecordIndexedFields(), nil
		default:
			return nil, apperrors.NewInternalError("unknown collection: " + collection)
		}
	}
}

// Start acquires the PID file, runs crash recovery, and launches the
// scheduler and ipc listener as background tasks.
func (h *Host) Start(ctx context.Context) error {
	if err := h.pid.Acquire(); err != nil {
		return err
	}

	actions, err := h.recovery.RecoverAll(h.now())
	if err != nil {
		h.logger.Error("crash recovery failed", zap.Error(err))
	}
	for _, a := range actions {
		h.logger.Info("recovered loop", zap.String("loop_id", a.LoopID), zap.Int("action", int(a.Kind)))
	}
	if _, err := h.scheduler.HandleOrphans(h.now()); err != nil {
		h.logger.Error("orphan sweep failed", zap.Error(err))
	}

	safego.Go(h.logger, "scheduler", func() { h.scheduler.Run(ctx) })

	errCh := make(chan error, 1)
	go func() {
		errCh <- h.ipcServer.Serve(ctx)
	}()
	select {
	case err := <-errCh:
		if err != nil {
			return err
		}
	case <-time.After(50 * time.Millisecond):
		// Listener bound without an immediate error; keep running in
		// the background for the life of the process.
	}
	return nil
}

// Shutdown stops accepting new ipc connections, stops scheduling new
// loops, and waits up to grace for running loops to finish their
// current iteration before forcibly cancelling whatever remains.
// Teardown errors are collected rather than short-circuiting: the PID
// file must be released even when the store refuses to close.
func (h *Host) Shutdown(grace time.Duration) error {
	var errs error
	errs = multierr.Append(errs, h.ipcServer.Close())
	h.scheduler.Stop()

	deadline := time.Now().Add(grace)
	for h.scheduler.RunningCount() > 0 && time.Now().Before(deadline) {
		time.Sleep(100 * time.Millisecond)
	}
	if n := h.scheduler.RunningCount(); n > 0 {
		h.logger.Warn("shutdown grace period expired, force-cancelling running loops", zap.Int("count", n))
		h.scheduler.CancelAll()
	}

	errs = multierr.Append(errs, h.store.Close())
	errs = multierr.Append(errs, h.pid.Release())
	return errs
}

// ForceStop cancels every running loop immediately, for the second
// termination signal in the two-stage shutdown sequence.
func (h *Host) ForceStop() {
	h.scheduler.CancelAll()
}

func unmarshal(raw []byte, v interface{}) error {
	return json.Unmarshal(raw, v)
}

// handleSchedulerEvent reacts to a loop reaching a terminal-ish outcome:
// it publishes the corresponding ipc event and, for a non-Plan,
// non-terminal-leaf loop, invokes the hierarchy spawner immediately. A
// completed Plan loop instead waits for an explicit plan.approve call,
// publishing plan.awaiting_approval so a client can review the plan
// before any Spec loops are created from it.
func (h *Host) handleSchedulerEvent(ev scheduler.Event) {
	switch ev.Kind {
	case scheduler.EventCompleted:
		h.onLoopCompleted(ev.LoopID)
	case scheduler.EventFailed:
		h.publish(event.TopicLoopStatus, ev.LoopID, map[string]string{"status": string(loopdomain.StatusFailed)})
	}
}

func (h *Host) onLoopCompleted(loopID string) {
	l, err := h.loadLoop(loopID)
	if err != nil {
		h.logger.Error("failed to load completed loop", zap.String("loop_id", loopID), zap.Error(err))
		return
	}
	h.publish(event.TopicLoopStatus, l.ID, map[string]string{"status": string(loopdomain.StatusComplete)})

	if l.Type == loopdomain.TypePlan {
		h.publish("plan.awaiting_approval", l.ID, nil)
		return
	}
	if l.Type == loopdomain.TypeCode {
		return
	}
	if _, err := h.spawnChildren(l); err != nil {
		h.logger.Error("failed to spawn children", zap.String("loop_id", l.ID), zap.Error(err))
	}
}

func (h *Host) spawnChildren(parent *loopdomain.Loop) ([]loopdomain.Loop, error) {
	existing, err := h.childrenOf(parent.ID)
	if err != nil {
		return nil, err
	}
	if len(existing) > 0 {
		return existing, nil
	}

	artifact, err := h.readArtifact(parent)
	if err != nil {
		return nil, err
	}
	children, err := spawner.Spawn(parent, artifact, h.now())
	if err != nil {
		return nil, err
	}
	views := make([]loopdomain.Loop, 0, len(children))
	for _, child := range children {
		if err := h.store.Save(child); err != nil {
			return nil, err
		}
		h.publish(event.TopicLoopCreated, child.ID, map[string]string{"parent_id": parent.ID, "type": string(child.Type)})
		views = append(views, *child)
	}
	return views, nil
}

// readArtifact resolves the content a completed loop's artifact holds:
// the path a tool call recorded in OutputArtifacts, falling back to the
// input artifact it was handed, falling back to its last recorded
// Progress text when no artifact file is available (the common case
// with the fake ArtifactParser/ToolRouter collaborators used in tests).
func (h *Host) readArtifact(l *loopdomain.Loop) (string, error) {
	path := l.InputArtifactPath
	if len(l.OutputArtifacts) > 0 {
		path = l.OutputArtifacts[0]
	}
	if path == "" {
		return l.Progress, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return l.Progress, nil
	}
	return string(data), nil
}

func (h *Host) publish(topic event.Topic, loopID string, payload map[string]string) {
	ev := &event.Event{
		ID:              id.NewEventID(),
		Topic:           topic,
		LoopID:          loopID,
		Payload:         payload,
		CreatedAtMillis: h.now(),
	}
	h.events.Publish(*ev)
	if err := h.store.Save(ev); err != nil {
		h.logger.Warn("failed to persist event", zap.Error(err))
	}
}

func (h *Host) loadLoop(loopID string) (*loopdomain.Loop, error) {
	raw, ok, err := h.store.Get("loops", loopID)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, apperrors.NewNotFoundError("loop not found: " + loopID)
	}
	var l loopdomain.Loop
	if err := unmarshal(raw, &l); err != nil {
		return nil, err
	}
	return &l, nil
}

func (h *Host) childrenOf(parentID string) ([]loopdomain.Loop, error) {
	rows, err := h.store.Query("loops", storage.Eq("parent_loop", storage.StringValue(parentID)))
	if err != nil {
		return nil, err
	}
	out := make([]loopdomain.Loop, 0, len(rows))
	for _, raw := range rows {
		var l loopdomain.Loop
		if err := unmarshal(raw, &l); err != nil {
			return nil, err
		}
		out = append(out, l)
	}
	return out, nil
}

func toView(l loopdomain.Loop) ipc.LoopView {
	return ipc.LoopView{
		ID:        l.ID,
		ParentID:  l.ParentID,
		Type:      string(l.Type),
		Status:    string(l.Status),
		Task:      l.Task,
		Iteration: l.Iteration,
		Progress:  l.Progress,
		Context:   l.Context,
		CreatedAt: l.CreatedAtMillis,
		UpdatedAt: l.UpdatedAtMillis,
	}
}

func toViews(ls []loopdomain.Loop) []ipc.LoopView {
	sort.Slice(ls, func(i, j int) bool { return ls[i].CreatedAtMillis < ls[j].CreatedAtMillis })
	out := make([]ipc.LoopView, 0, len(ls))
	for _, l := range ls {
		out = append(out, toView(l))
	}
	return out
}

// --- ipc.Backend implementation ---

// CreatePlan persists a new root Plan loop in StatusPending, letting the
// scheduler's next tick admit it.
func (h *Host) CreatePlan(ctx context.Context, task string, maxIterations int) (ipc.LoopView, error) {
	if maxIterations <= 0 {
		maxIterations = defaultMaxIterations
	}
	l, err := loopdomain.New(id.NewLoopID(), loopdomain.TypePlan, "", maxIterations, h.now())
	if err != nil {
		return ipc.LoopView{}, err
	}
	l.Task = task
	if err := h.store.Save(l); err != nil {
		return ipc.LoopView{}, err
	}
	h.publish(event.TopicLoopCreated, l.ID, map[string]string{"type": string(l.Type)})
	return toView(*l), nil
}

func (h *Host) ListLoops(ctx context.Context, statusFilter, typeFilter string) ([]ipc.LoopView, error) {
	var filters []storage.Filter
	if statusFilter != "" {
		filters = append(filters, storage.Eq("status", storage.StringValue(statusFilter)))
	}
	if typeFilter != "" {
		filters = append(filters, storage.Eq("loop_type", storage.StringValue(typeFilter)))
	}
	var rows [][]byte
	var err error
	if len(filters) == 0 {
		rows, err = h.store.All("loops")
	} else {
		rows, err = h.store.Query("loops", filters...)
	}
	if err != nil {
		return nil, err
	}
	loops := make([]loopdomain.Loop, 0, len(rows))
	for _, raw := range rows {
		var l loopdomain.Loop
		if err := unmarshal(raw, &l); err != nil {
			return nil, err
		}
		loops = append(loops, l)
	}
	return toViews(loops), nil
}

func (h *Host) GetLoop(ctx context.Context, loopID string) (ipc.LoopView, error) {
	l, err := h.loadLoop(loopID)
	if err != nil {
		return ipc.LoopView{}, err
	}
	return toView(*l), nil
}

func (h *Host) PauseLoop(ctx context.Context, loopID, reason string) error {
	if _, err := h.loadLoop(loopID); err != nil {
		return err
	}
	_, err := h.signals.SendPause("daemon", loopID, reason, h.now())
	return err
}

// ResumeLoop acknowledges every pending pause and rebase signal
// addressed to loopID so the engine stops observing them on its next
// signal check; the scheduler itself already admits Paused and Rebasing
// loops alongside Pending ones once no such signal is pending, so no
// status transition is needed here.
func (h *Host) ResumeLoop(ctx context.Context, loopID string) error {
	if _, err := h.loadLoop(loopID); err != nil {
		return err
	}
	pending, err := h.signals.Check(loopID)
	if err != nil {
		return err
	}
	for _, s := range pending {
		if s.Kind == signal.KindPause || s.Kind == signal.KindRebase {
			if err := h.signals.Acknowledge(s.ID, h.now()); err != nil {
				return err
			}
		}
	}
	return nil
}

// CancelLoop cancels a loop cooperatively: for a running loop a Stop
// signal is persisted and the engine acknowledges it at its next
// iteration-boundary signal check, transitioning the loop to
// Invalidated; a loop that is not running is invalidated directly.
// Either way its descendants are invalidated too.
func (h *Host) CancelLoop(ctx context.Context, loopID, reason string) error {
	l, err := h.loadLoop(loopID)
	if err != nil {
		return err
	}
	if l.CurrentStatus().IsTerminal() {
		return apperrors.NewInvalidStateError("loop is already terminal: " + loopID)
	}

	if h.scheduler.IsLoopRunning(loopID) {
		if _, err := h.signals.SendStop("daemon", loopID, reason, h.now()); err != nil {
			return err
		}
	} else {
		if err := l.Transition(loopdomain.StatusInvalidated, h.now()); err != nil {
			return err
		}
		if err := h.store.Save(l); err != nil {
			return err
		}
	}
	_, err = h.invalidate.InvalidateDescendants(loopID, reason, h.now())
	return err
}

// ApprovePlan spawns the Spec children of a completed Plan loop.
// Calling it more than once is safe: if children already exist, they
// are returned unchanged rather than duplicated.
func (h *Host) ApprovePlan(ctx context.Context, loopID string) ([]ipc.LoopView, error) {
	l, err := h.loadLoop(loopID)
	if err != nil {
		return nil, err
	}
	if l.Type != loopdomain.TypePlan {
		return nil, apperrors.NewInvalidInputError("not a plan loop: " + loopID)
	}
	if l.CurrentStatus() != loopdomain.StatusComplete {
		return nil, apperrors.NewInvalidStateError("plan is not complete: " + loopID)
	}
	children, err := h.spawnChildren(l)
	if err != nil {
		return nil, err
	}
	h.publish("plan.approved", l.ID, nil)
	return toViews(children), nil
}

// RejectPlan records that a completed plan was rejected. A Complete
// loop's status is terminal and never transitions again (§8's
// monotonicity invariant), so rejection does not touch the loop's
// status; it is an audit trail the client is expected to act on by
// calling loop.create_plan or plan.iterate with revised instructions.
func (h *Host) RejectPlan(ctx context.Context, loopID, reason string) error {
	l, err := h.loadLoop(loopID)
	if err != nil {
		return err
	}
	if l.Type != loopdomain.TypePlan {
		return apperrors.NewInvalidInputError("not a plan loop: " + loopID)
	}
	if l.CurrentStatus() != loopdomain.StatusComplete {
		return apperrors.NewInvalidStateError("plan is not complete: " + loopID)
	}
	existing, err := h.childrenOf(loopID)
	if err != nil {
		return err
	}
	if len(existing) > 0 {
		return apperrors.NewInvalidStateError("plan already approved: " + loopID)
	}
	if _, err := h.signals.Send(signal.KindInfo, "daemon", signal.Target{LoopID: loopID}, reason, nil, h.now()); err != nil {
		return err
	}
	h.publish("plan.rejected", loopID, map[string]string{"reason": reason})
	return nil
}

// IteratePlan rejects the named plan and creates a fresh one carrying
// the original task plus the caller's feedback, rather than attempting
// to reopen a terminal loop.
func (h *Host) IteratePlan(ctx context.Context, loopID, feedback string) (ipc.LoopView, error) {
	l, err := h.loadLoop(loopID)
	if err != nil {
		return ipc.LoopView{}, err
	}
	if err := h.RejectPlan(ctx, loopID, "superseded by plan.iterate"); err != nil {
		return ipc.LoopView{}, err
	}
	newTask := fmt.Sprintf("%s\n\n## Revision feedback\n\n%s", l.Task, feedback)
	return h.CreatePlan(ctx, newTask, l.MaxIterations)
}

// SendChat, CancelChat, and ClearChat are thin pass-throughs: spec.md
// scopes the concrete conversational collaborator that would answer
// these out of the core (see DESIGN.md), so the daemon's job here is
// only to shape a well-formed response, not to hold a real
// conversation.
func (h *Host) SendChat(ctx context.Context, sessionID, content string) (string, error) {
	return "", apperrors.NewInvalidStateError("chat is not backed by a conversational collaborator in this daemon build")
}

func (h *Host) CancelChat(ctx context.Context, sessionID string) error {
	return nil
}

func (h *Host) ClearChat(ctx context.Context, sessionID string) error {
	return nil
}

func (h *Host) Metrics(ctx context.Context) map[string]interface{} {
	byType := h.scheduler.RunningByType()
	running := make(map[string]int, len(byType))
	for t, n := range byType {
		running[string(t)] = n
	}
	return map[string]interface{}{
		"running_total":     h.scheduler.RunningCount(),
		"running_by_type":   running,
		"rate_window_open":  h.rateWindow.Open(),
		"event_subscribers": h.events.SubscriberCount(),
	}
}
