package api

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"strconv"
	"strings"

	"CivicNotice/internal/auth"
	xerrors "CivicNotice/internal/errors"
	"CivicNotice/internal/notice"
	"CivicNotice/internal/task"
)

// jobView 是异步任务对外暴露的表示。
type jobView struct {
	ID         string         `json:"id"`
	Status     task.Status    `json:"status"`
	Attempts   int            `json:"attempts"`
	MaxRetries int            `json:"max_retries"`
	Request    notice.Request `json:"request"`
	Result     *task.Result   `json:"result,omitempty"`
	Error      string         `json:"error,omitempty"`
	ErrorCode  string         `json:"error_code,omitempty"`
	Finished   bool           `json:"finished"`
	CreatedAt  int64          `json:"created_at"`
	UpdatedAt  int64          `json:"updated_at"`
}

func newJobView(t *task.Task) jobView {
	return jobView{
		ID:         t.ID,
		Status:     t.Status,
		Attempts:   t.Attempts,
		MaxRetries: t.MaxRetries,
		Request:    t.Request,
		Result:     t.Result,
		Error:      t.LastError,
		ErrorCode:  t.ErrorCode,
		Finished:   t.Finished(),
		CreatedAt:  t.CreatedAt,
		UpdatedAt:  t.UpdatedAt,
	}
}

type apiError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func (s *Server) handleSubmitNotice(w http.ResponseWriter, r *http.Request) {
	if s.tasks == nil {
		writeAPIError(w, http.StatusServiceUnavailable, xerrors.New(xerrors.CodeInitializationFailure, "notice jobs are not enabled"))
		return
	}
	var sub task.Submission
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes)).Decode(&sub); err != nil {
		writeAPIError(w, http.StatusBadRequest, xerrors.Wrap(xerrors.CodeRequestValidation, err, "request body is not valid JSON"))
		return
	}
	job, err := s.tasks.Submit(r.Context(), sub)
	if err != nil {
		writeAPIError(w, statusFor(err), err)
		return
	}
	s.log.Info("公告任务已受理",
		slog.String("task_id", job.ID),
		slog.String("status", string(job.Status)),
		slog.String("caller", auth.CallerName(r.Context())),
	)
	w.Header().Set("Location", "/api/v1/notices/"+job.ID)
	writeJSON(w, http.StatusAccepted, map[string]string{
		"id":     job.ID,
		"status": string(job.Status),
	})
}

func (s *Server) handleNoticeDetail(w http.ResponseWriter, r *http.Request) {
	if s.tasks == nil {
		writeAPIError(w, http.StatusServiceUnavailable, xerrors.New(xerrors.CodeInitializationFailure, "notice jobs are not enabled"))
		return
	}
	id := strings.TrimSpace(r.PathValue("id"))
	if id == "" {
		writeAPIError(w, http.StatusBadRequest, xerrors.New(xerrors.CodeInvalidArgument, "job id is required"))
		return
	}
	job, err := s.tasks.Get(r.Context(), id)
	if err != nil {
		writeAPIError(w, statusFor(err), err)
		return
	}
	writeJSON(w, http.StatusOK, newJobView(job))
}

func (s *Server) handleListNotices(w http.ResponseWriter, r *http.Request) {
	if s.tasks == nil {
		writeAPIError(w, http.StatusServiceUnavailable, xerrors.New(xerrors.CodeInitializationFailure, "notice jobs are not enabled"))
		return
	}
	opts, err := listOptionsFromQuery(r)
	if err != nil {
		writeAPIError(w, http.StatusBadRequest, err)
		return
	}
	jobs, err := s.tasks.List(r.Context(), opts...)
	if err != nil {
		writeAPIError(w, statusFor(err), err)
		return
	}
	views := make([]jobView, 0, len(jobs))
	for _, job := range jobs {
		views = append(views, newJobView(job))
	}
	writeJSON(w, http.StatusOK, map[string]any{"notices": views})
}

func (s *Server) handleNoticeStats(w http.ResponseWriter, r *http.Request) {
	if s.tasks == nil {
		writeAPIError(w, http.StatusServiceUnavailable, xerrors.New(xerrors.CodeInitializationFailure, "notice jobs are not enabled"))
		return
	}
	opts, err := listOptionsFromQuery(r)
	if err != nil {
		writeAPIError(w, http.StatusBadRequest, err)
		return
	}
	stats, err := s.tasks.Stats(r.Context(), opts...)
	if err != nil {
		writeAPIError(w, statusFor(err), err)
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

func listOptionsFromQuery(r *http.Request) ([]task.ListOption, error) {
	query := r.URL.Query()
	var opts []task.ListOption

	if raw := strings.TrimSpace(query.Get("status")); raw != "" {
		var statuses []task.Status
		for _, part := range strings.Split(raw, ",") {
			status := task.Status(strings.ToLower(strings.TrimSpace(part)))
			if !task.IsValidStatus(status) {
				return nil, xerrors.New(xerrors.CodeInvalidArgument, "unknown status: "+part)
			}
			statuses = append(statuses, status)
		}
		opts = append(opts, task.WithStatuses(statuses...))
	}
	for _, param := range []struct {
		name  string
		apply func(int) task.ListOption
	}{
		{"limit", task.WithLimit},
		{"offset", task.WithOffset},
	} {
		raw := strings.TrimSpace(query.Get(param.name))
		if raw == "" {
			continue
		}
		value, err := strconv.Atoi(raw)
		if err != nil || value < 0 {
			return nil, xerrors.New(xerrors.CodeInvalidArgument, param.name+" must be a non-negative integer")
		}
		opts = append(opts, param.apply(value))
	}
	if raw := query.Get("order"); raw != "" {
		opts = append(opts, task.WithSortOrder(task.ParseSortOrder(raw)))
	}
	if raw := strings.TrimSpace(query.Get("q")); raw != "" {
		opts = append(opts, task.WithQuery(raw))
	}
	return opts, nil
}

func statusFor(err error) int {
	switch xerrors.CodeOf(err) {
	case xerrors.CodeRequestValidation, xerrors.CodeInvalidArgument:
		return http.StatusBadRequest
	case task.CodeTaskNotFound, xerrors.CodeNotFound:
		return http.StatusNotFound
	case task.CodeTaskConflict, xerrors.CodeConflict:
		return http.StatusConflict
	case xerrors.CodeInitializationFailure, task.CodeTaskPublish:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func writeAPIError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, map[string]apiError{
		"error": {
			Code:    string(xerrors.CodeOf(err)),
			Message: xerrors.PublicMessage(err),
		},
	})
}
