// Package recovery restores loops interrupted by a daemon crash. A loop
// left in StatusRunning when the process died never got a chance to
// pause cleanly; on the next startup, Recovery finds every such loop,
// auto-commits whatever the worktree holds, and requeues it as Pending
// so the scheduler picks it back up — or marks it Failed if its
// worktree is gone and there is nothing to resume from.
package recovery

import (
	"encoding/json"
	"fmt"

	loopdomain "github.com/scottidler/loopr/internal/domain/loop"
	"github.com/scottidler/loopr/internal/storage"
	"github.com/scottidler/loopr/internal/workspace"
	apperrors "github.com/scottidler/loopr/pkg/errors"
)

// ActionKind is what Recovery did with one loop.
type ActionKind int

const (
	// ActionResumed means the loop's worktree still existed; it was
	// auto-committed and requeued as Pending.
	ActionResumed ActionKind = iota
	// ActionMarkedFailed means the loop's worktree was gone; it was
	// transitioned to Failed since there is nothing to resume into.
	ActionMarkedFailed
	// ActionSkipped means the loop was not in StatusRunning and needed
	// no recovery.
	ActionSkipped
)

// Action records what recovery did to one loop.
type Action struct {
	Kind   ActionKind
	LoopID string
}

// Store is the slice of storage.Store recovery needs.
type Store interface {
	All(collection string) ([][]byte, error)
	Save(rec storage.Record) error
}

// Workspace is the slice of workspace.Manager recovery needs.
type Workspace interface {
	Exists(loopID string) bool
	AutoCommit(loopID, message string) error
}

var _ Workspace = (*workspace.Manager)(nil)

// Config tunes how Recovery treats a recovered loop's worktree.
type Config struct {
	CommitMessage string
	AutoCommit    bool
}

// DefaultConfig matches the original daemon's recovery defaults.
func DefaultConfig() Config {
	return Config{CommitMessage: "WIP: recovery", AutoCommit: true}
}

// Recovery scans for and requeues loops interrupted by a crash.
type Recovery struct {
	store     Store
	workspace Workspace
	cfg       Config
}

// New constructs a Recovery.
func New(store Store, ws Workspace, cfg Config) *Recovery {
	return &Recovery{store: store, workspace: ws, cfg: cfg}
}

// RecoverAll finds every loop left in StatusRunning and recovers each
// in turn.
func (r *Recovery) RecoverAll(nowMillis int64) ([]Action, error) {
	loops, err := r.interrupted()
	if err != nil {
		return nil, err
	}
	actions := make([]Action, 0, len(loops))
	for _, l := range loops {
		action, err := r.RecoverLoop(l, nowMillis)
		if err != nil {
			return actions, err
		}
		actions = append(actions, action)
	}
	return actions, nil
}

// RecoverLoop recovers a single loop. A loop not in StatusRunning is
// skipped untouched.
func (r *Recovery) RecoverLoop(l *loopdomain.Loop, nowMillis int64) (Action, error) {
	if l.CurrentStatus() != loopdomain.StatusRunning {
		return Action{Kind: ActionSkipped, LoopID: l.ID}, nil
	}

	if r.workspace.Exists(l.ID) {
		if r.cfg.AutoCommit {
			// A failed auto-commit (nothing to commit) does not fail
			// recovery.
			_ = r.workspace.AutoCommit(l.ID, r.cfg.CommitMessage)
		}
		l.SetProgress(fmt.Sprintf("%s\n---\nRecovered at iteration %d after crash\n", l.Progress, l.Iteration), nowMillis)
		if err := l.Transition(loopdomain.StatusPending, nowMillis); err != nil {
			return Action{}, err
		}
		if err := r.store.Save(l); err != nil {
			return Action{}, err
		}
		return Action{Kind: ActionResumed, LoopID: l.ID}, nil
	}

	l.SetProgress(fmt.Sprintf("%s\n---\nFailed: worktree lost during crash\n", l.Progress), nowMillis)
	if err := l.Transition(loopdomain.StatusFailed, nowMillis); err != nil {
		return Action{}, err
	}
	if err := r.store.Save(l); err != nil {
		return Action{}, err
	}
	return Action{Kind: ActionMarkedFailed, LoopID: l.ID}, nil
}

// CountInterrupted reports how many loops currently need recovery.
func (r *Recovery) CountInterrupted() (int, error) {
	loops, err := r.interrupted()
	if err != nil {
		return 0, err
	}
	return len(loops), nil
}

// NeedsRecovery reports whether any loop currently needs recovery.
func (r *Recovery) NeedsRecovery() (bool, error) {
	count, err := r.CountInterrupted()
	return count > 0, err
}

func (r *Recovery) interrupted() ([]*loopdomain.Loop, error) {
	rows, err := r.store.All("loops")
	if err != nil {
		return nil, err
	}
	var loops []*loopdomain.Loop
	for _, raw := range rows {
		l, err := decodeLoop(raw)
		if err != nil {
			return nil, err
		}
		if l.CurrentStatus() == loopdomain.StatusRunning {
			loops = append(loops, l)
		}
	}
	return loops, nil
}

func decodeLoop(raw []byte) (*loopdomain.Loop, error) {
	var l loopdomain.Loop
	if err := json.Unmarshal(raw, &l); err != nil {
		return nil, apperrors.NewInternalErrorWithCause("decoding loop", err)
	}
	return &l, nil
}
