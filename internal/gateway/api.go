package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/dohr-michael/joi/internal/approval"
	"github.com/dohr-michael/joi/internal/gateway/ws"
	"github.com/dohr-michael/joi/internal/kvstore"
	"github.com/dohr-michael/joi/internal/scheduler"
	"github.com/dohr-michael/joi/internal/storage"
	"github.com/dohr-michael/joi/internal/tasks"
)

var errUnavailable = errors.New("not available")

// API implements the task and approval operations shared by the HTTP routes
// and WebSocket requests.
type API struct {
	sched *scheduler.Scheduler
	gate  *approval.Gate
	kv    kvstore.Store
}

var _ ws.Dispatcher = (*API)(nil)

type listParams struct {
	UserID string `json:"user_id"`
	Status string `json:"status"`
}

type taskParams struct {
	UserID   string `json:"user_id"`
	TaskID   string `json:"task_id"`
	Reason   string `json:"reason,omitempty"`
	Answer   string `json:"answer,omitempty"`
	Approved bool   `json:"approved,omitempty"`
}

type approvalParams struct {
	Key      string `json:"key"`
	Approved bool   `json:"approved"`
}

// ListTasks returns the tasks of a user, or of everyone when userID is empty.
func (a *API) ListTasks(ctx context.Context, p listParams) ([]*tasks.Task, error) {
	if a.sched == nil {
		return nil, errUnavailable
	}
	var statuses []tasks.TaskStatus
	if p.Status != "" {
		st, err := tasks.ParseStatus(p.Status)
		if err != nil {
			return nil, &scheduler.ValidationError{Msg: err.Error()}
		}
		statuses = append(statuses, st)
	}

	store := a.sched.Store()
	var (
		list []*tasks.Task
		err  error
	)
	if p.UserID == "" {
		list, err = store.ListAll(ctx, statuses...)
	} else {
		list, err = store.ListUser(ctx, p.UserID, statuses...)
	}
	if err != nil {
		return nil, err
	}
	if list == nil {
		list = []*tasks.Task{}
	}
	return list, nil
}

// GetTask loads one task.
func (a *API) GetTask(ctx context.Context, p taskParams) (*tasks.Task, error) {
	if a.sched == nil {
		return nil, errUnavailable
	}
	return a.sched.Store().Get(ctx, p.UserID, p.TaskID)
}

// Cancel cancels a task.
func (a *API) Cancel(ctx context.Context, p taskParams) (string, error) {
	if a.sched == nil {
		return "", errUnavailable
	}
	return a.sched.Cancel(ctx, p.UserID, p.TaskID, p.Reason)
}

// Answer resumes a task waiting on the user.
func (a *API) Answer(ctx context.Context, p taskParams) error {
	if a.sched == nil {
		return errUnavailable
	}
	return a.sched.Answer(ctx, p.UserID, p.TaskID, p.Answer)
}

// ResolveTask settles the pending approval of a background task.
func (a *API) ResolveTask(ctx context.Context, p taskParams) error {
	if a.sched == nil {
		return errUnavailable
	}
	return a.sched.ResolveInterrupt(ctx, p.UserID, p.TaskID, p.Approved)
}

// ResolveApproval delivers a verdict to an interactive session. It reports
// whether a waiting session received it.
func (a *API) ResolveApproval(p approvalParams) (bool, error) {
	if a.gate == nil {
		return false, errUnavailable
	}
	if p.Key == "" {
		return false, &scheduler.ValidationError{Msg: "key is required"}
	}
	return a.gate.Resolve(p.Key, p.Approved), nil
}

// Dispatch executes a WebSocket request.
func (a *API) Dispatch(ctx context.Context, method ws.Method, params json.RawMessage) (any, error) {
	switch method {
	case ws.MethodListTasks:
		var p listParams
		if err := decodeParams(params, &p); err != nil {
			return nil, err
		}
		return a.ListTasks(ctx, p)

	case ws.MethodScheduleTask:
		var req scheduler.Request
		if err := decodeParams(params, &req); err != nil {
			return nil, err
		}
		if a.sched == nil {
			return nil, errUnavailable
		}
		return a.sched.Schedule(ctx, req)

	case ws.MethodUpdateTask:
		var req scheduler.UpdateRequest
		if err := decodeParams(params, &req); err != nil {
			return nil, err
		}
		if a.sched == nil {
			return nil, errUnavailable
		}
		msg, err := a.sched.Update(ctx, req)
		return messageResult(msg), err

	case ws.MethodGetTask, ws.MethodCancelTask, ws.MethodAnswerTask, ws.MethodResolveTask:
		var p taskParams
		if err := decodeParams(params, &p); err != nil {
			return nil, err
		}
		switch method {
		case ws.MethodGetTask:
			return a.GetTask(ctx, p)
		case ws.MethodCancelTask:
			msg, err := a.Cancel(ctx, p)
			return messageResult(msg), err
		case ws.MethodAnswerTask:
			return okResult(), a.Answer(ctx, p)
		default:
			return okResult(), a.ResolveTask(ctx, p)
		}

	case ws.MethodResolveApproval:
		var p approvalParams
		if err := decodeParams(params, &p); err != nil {
			return nil, err
		}
		delivered, err := a.ResolveApproval(p)
		return map[string]bool{"delivered": delivered}, err

	default:
		return nil, fmt.Errorf("unknown method: %s", method)
	}
}

func decodeParams(raw json.RawMessage, out any) error {
	if len(raw) == 0 {
		return nil
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return fmt.Errorf("invalid params: %w", err)
	}
	return nil
}

func messageResult(msg string) map[string]string { return map[string]string{"message": msg} }

func okResult() map[string]string { return map[string]string{"status": "ok"} }

// =============================================================================
// HTTP
// =============================================================================

// writeResult maps an operation's outcome onto a response.
func writeResult(w http.ResponseWriter, code int, v any, err error) {
	var verr *scheduler.ValidationError
	switch {
	case err == nil:
		writeJSON(w, code, v)
	case errors.Is(err, errUnavailable):
		writeError(w, http.StatusServiceUnavailable, err.Error())
	case errors.Is(err, tasks.ErrNotFound):
		writeError(w, http.StatusNotFound, err.Error())
	case errors.As(err, &verr):
		writeError(w, http.StatusBadRequest, verr.Msg)
	default:
		writeError(w, http.StatusInternalServerError, err.Error())
	}
}

func decodeBody(w http.ResponseWriter, r *http.Request, out any) bool {
	if r.Body == nil || r.ContentLength == 0 {
		return true
	}
	if err := json.NewDecoder(r.Body).Decode(out); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body: "+err.Error())
		return false
	}
	return true
}

func pathTask(r *http.Request) taskParams {
	return taskParams{UserID: chi.URLParam(r, "user"), TaskID: chi.URLParam(r, "task")}
}

func (a *API) handleListTasks(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	list, err := a.ListTasks(r.Context(), listParams{UserID: q.Get("user_id"), Status: q.Get("status")})
	writeResult(w, http.StatusOK, list, err)
}

func (a *API) handleSchedule(w http.ResponseWriter, r *http.Request) {
	var req scheduler.Request
	if !decodeBody(w, r, &req) {
		return
	}
	if a.sched == nil {
		writeResult(w, 0, nil, errUnavailable)
		return
	}
	res, err := a.sched.Schedule(r.Context(), req)
	writeResult(w, http.StatusCreated, res, err)
}

func (a *API) handleGetTask(w http.ResponseWriter, r *http.Request) {
	t, err := a.GetTask(r.Context(), pathTask(r))
	writeResult(w, http.StatusOK, t, err)
}

func (a *API) handleUpdate(w http.ResponseWriter, r *http.Request) {
	var req scheduler.UpdateRequest
	if !decodeBody(w, r, &req) {
		return
	}
	p := pathTask(r)
	req.UserID, req.TaskID = p.UserID, p.TaskID
	if a.sched == nil {
		writeResult(w, 0, nil, errUnavailable)
		return
	}
	msg, err := a.sched.Update(r.Context(), req)
	writeResult(w, http.StatusOK, messageResult(msg), err)
}

func (a *API) handleCancel(w http.ResponseWriter, r *http.Request) {
	p := pathTask(r)
	p.Reason = r.URL.Query().Get("reason")
	msg, err := a.Cancel(r.Context(), p)
	writeResult(w, http.StatusOK, messageResult(msg), err)
}

func (a *API) handleAnswer(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Answer string `json:"answer"`
	}
	if !decodeBody(w, r, &body) {
		return
	}
	p := pathTask(r)
	p.Answer = body.Answer
	writeResult(w, http.StatusOK, okResult(), a.Answer(r.Context(), p))
}

func (a *API) handleResolveTask(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Approved bool `json:"approved"`
	}
	if !decodeBody(w, r, &body) {
		return
	}
	p := pathTask(r)
	p.Approved = body.Approved
	writeResult(w, http.StatusOK, okResult(), a.ResolveTask(r.Context(), p))
}

func (a *API) handleResolveApproval(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Approved bool `json:"approved"`
	}
	if !decodeBody(w, r, &body) {
		return
	}
	delivered, err := a.ResolveApproval(approvalParams{Key: chi.URLParam(r, "key"), Approved: body.Approved})
	writeResult(w, http.StatusOK, map[string]bool{"delivered": delivered}, err)
}

func (a *API) handleUsage(w http.ResponseWriter, r *http.Request) {
	if a.kv == nil {
		writeResult(w, 0, nil, errUnavailable)
		return
	}
	u, err := storage.GetUsage(r.Context(), a.kv, chi.URLParam(r, "user"))
	writeResult(w, http.StatusOK, u, err)
}
