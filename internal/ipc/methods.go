package ipc

import (
	"context"
	"encoding/json"

	apperrors "github.com/scottidler/loopr/pkg/errors"
)

// LoopView is the wire representation of one loop, independent of the
// domain package's mutex-bearing internal shape.
type LoopView struct {
	ID        string            `json:"id"`
	ParentID  string            `json:"parent_id,omitempty"`
	Type      string            `json:"type"`
	Status    string            `json:"status"`
	Task      string            `json:"task"`
	Iteration int               `json:"iteration"`
	Progress  string            `json:"progress,omitempty"`
	Context   map[string]string `json:"context,omitempty"`
	CreatedAt int64             `json:"created_at_millis"`
	UpdatedAt int64             `json:"updated_at_millis"`
}

// Backend is the narrow slice of the daemon host every ipc method needs.
// internal/daemon.Host implements this; keeping it here (rather than
// importing internal/daemon) keeps the transport package free of a
// dependency on the process it serves.
type Backend interface {
	CreatePlan(ctx context.Context, task string, maxIterations int) (LoopView, error)
	ListLoops(ctx context.Context, statusFilter, typeFilter string) ([]LoopView, error)
	GetLoop(ctx context.Context, id string) (LoopView, error)
	PauseLoop(ctx context.Context, id, reason string) error
	ResumeLoop(ctx context.Context, id string) error
	CancelLoop(ctx context.Context, id, reason string) error
	ApprovePlan(ctx context.Context, id string) ([]LoopView, error)
	RejectPlan(ctx context.Context, id, reason string) error
	IteratePlan(ctx context.Context, id, feedback string) (LoopView, error)
	SendChat(ctx context.Context, sessionID, content string) (string, error)
	CancelChat(ctx context.Context, sessionID string) error
	ClearChat(ctx context.Context, sessionID string) error
	Metrics(ctx context.Context) map[string]interface{}
}

func decodeParams(raw json.RawMessage, v interface{}) *ErrorObject {
	if len(raw) == 0 {
		return nil
	}
	if err := json.Unmarshal(raw, v); err != nil {
		return &ErrorObject{Code: ErrCodeInvalidParams, Message: "invalid params: " + err.Error()}
	}
	return nil
}

func asError(err error) *ErrorObject {
	if err == nil {
		return nil
	}
	switch {
	case apperrors.IsNotFound(err):
		return &ErrorObject{Code: ErrCodeLoopNotFound, Message: err.Error()}
	case apperrors.IsInvalidState(err):
		return &ErrorObject{Code: ErrCodeInvalidState, Message: err.Error()}
	default:
		return &ErrorObject{Code: ErrCodeInternal, Message: err.Error()}
	}
}

// RegisterMethods binds every method the external interface names
// (spec.md §6's core method list) to backend, wiring the full
// request/response contract independent of any concrete LLM or metrics
// collaborator.
func RegisterMethods(router *Router, backend Backend) {
	router.Register("ping", func(ctx context.Context, clientID string, params json.RawMessage) (interface{}, *ErrorObject) {
		return map[string]string{"pong": "ok"}, nil
	})

	router.Register("loop.list", func(ctx context.Context, clientID string, params json.RawMessage) (interface{}, *ErrorObject) {
		var p struct {
			Status string `json:"status"`
			Type   string `json:"type"`
		}
		if errObj := decodeParams(params, &p); errObj != nil {
			return nil, errObj
		}
		loops, err := backend.ListLoops(ctx, p.Status, p.Type)
		if err != nil {
			return nil, asError(err)
		}
		return loops, nil
	})

	router.Register("loop.get", func(ctx context.Context, clientID string, params json.RawMessage) (interface{}, *ErrorObject) {
		var p struct {
			ID string `json:"id"`
		}
		if errObj := decodeParams(params, &p); errObj != nil {
			return nil, errObj
		}
		if p.ID == "" {
			return nil, &ErrorObject{Code: ErrCodeInvalidParams, Message: "id is required"}
		}
		l, err := backend.GetLoop(ctx, p.ID)
		if err != nil {
			return nil, asError(err)
		}
		return l, nil
	})

	router.Register("loop.create_plan", func(ctx context.Context, clientID string, params json.RawMessage) (interface{}, *ErrorObject) {
		var p struct {
			Task          string `json:"task"`
			MaxIterations int    `json:"max_iterations"`
		}
		if errObj := decodeParams(params, &p); errObj != nil {
			return nil, errObj
		}
		if p.Task == "" {
			return nil, &ErrorObject{Code: ErrCodeInvalidParams, Message: "task is required"}
		}
		l, err := backend.CreatePlan(ctx, p.Task, p.MaxIterations)
		if err != nil {
			return nil, asError(err)
		}
		return l, nil
	})

	router.Register("loop.pause", idParamMethod(func(ctx context.Context, id, reason string) (interface{}, error) {
		return nil, backend.PauseLoop(ctx, id, reason)
	}))

	router.Register("loop.resume", idParamMethod(func(ctx context.Context, id, reason string) (interface{}, error) {
		return nil, backend.ResumeLoop(ctx, id)
	}))

	router.Register("loop.cancel", idParamMethod(func(ctx context.Context, id, reason string) (interface{}, error) {
		return nil, backend.CancelLoop(ctx, id, reason)
	}))

	router.Register("plan.approve", func(ctx context.Context, clientID string, params json.RawMessage) (interface{}, *ErrorObject) {
		var p struct {
			ID string `json:"id"`
		}
		if errObj := decodeParams(params, &p); errObj != nil {
			return nil, errObj
		}
		children, err := backend.ApprovePlan(ctx, p.ID)
		if err != nil {
			return nil, asError(err)
		}
		return children, nil
	})

	router.Register("plan.reject", idParamMethod(func(ctx context.Context, id, reason string) (interface{}, error) {
		return nil, backend.RejectPlan(ctx, id, reason)
	}))

	router.Register("plan.iterate", func(ctx context.Context, clientID string, params json.RawMessage) (interface{}, *ErrorObject) {
		var p struct {
			ID       string `json:"id"`
			Feedback string `json:"feedback"`
		}
		if errObj := decodeParams(params, &p); errObj != nil {
			return nil, errObj
		}
		l, err := backend.IteratePlan(ctx, p.ID, p.Feedback)
		if err != nil {
			return nil, asError(err)
		}
		return l, nil
	})

	router.Register("chat.send", func(ctx context.Context, clientID string, params json.RawMessage) (interface{}, *ErrorObject) {
		var p struct {
			SessionID string `json:"session_id"`
			Content   string `json:"content"`
		}
		if errObj := decodeParams(params, &p); errObj != nil {
			return nil, errObj
		}
		reply, err := backend.SendChat(ctx, p.SessionID, p.Content)
		if err != nil {
			return nil, asError(err)
		}
		return map[string]string{"reply": reply}, nil
	})

	router.Register("chat.cancel", func(ctx context.Context, clientID string, params json.RawMessage) (interface{}, *ErrorObject) {
		var p struct {
			SessionID string `json:"session_id"`
		}
		if errObj := decodeParams(params, &p); errObj != nil {
			return nil, errObj
		}
		if err := backend.CancelChat(ctx, p.SessionID); err != nil {
			return nil, asError(err)
		}
		return map[string]bool{"cancelled": true}, nil
	})

	router.Register("chat.clear", func(ctx context.Context, clientID string, params json.RawMessage) (interface{}, *ErrorObject) {
		var p struct {
			SessionID string `json:"session_id"`
		}
		if errObj := decodeParams(params, &p); errObj != nil {
			return nil, errObj
		}
		if err := backend.ClearChat(ctx, p.SessionID); err != nil {
			return nil, asError(err)
		}
		return map[string]bool{"cleared": true}, nil
	})

	router.Register("metrics.get", func(ctx context.Context, clientID string, params json.RawMessage) (interface{}, *ErrorObject) {
		return backend.Metrics(ctx), nil
	})
}

// idParamMethod adapts a handler taking just {id, reason} params, the
// shape shared by loop.pause/resume/cancel and plan.reject.
func idParamMethod(fn func(ctx context.Context, id, reason string) (interface{}, error)) Handler {
	return func(ctx context.Context, clientID string, params json.RawMessage) (interface{}, *ErrorObject) {
		var p struct {
			ID     string `json:"id"`
			Reason string `json:"reason"`
		}
		if errObj := decodeParams(params, &p); errObj != nil {
			return nil, errObj
		}
		if p.ID == "" {
			return nil, &ErrorObject{Code: ErrCodeInvalidParams, Message: "id is required"}
		}
		result, err := fn(ctx, p.ID, p.Reason)
		if err != nil {
			return nil, asError(err)
		}
		if result == nil {
			return map[string]bool{"ok": true}, nil
		}
		return result, nil
	}
}
