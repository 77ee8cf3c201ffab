package api

import (
	"net/http"
	"strconv"

	"github.com/labstack/echo/v4"

	"nowbridge.evalgo.org/queue"
)

type createTaskRequest struct {
	Type     queue.JobType          `json:"type"`
	Payload  map[string]interface{} `json:"payload"`
	Priority queue.Priority         `json:"priority"`
	RetryMax int                    `json:"retry_max"`
	Metadata queue.Metadata         `json:"metadata"`
}

func (s *Server) handleCreateTask(c echo.Context) error {
	var req createTaskRequest
	if err := c.Bind(&req); err != nil {
		return respondError(c, http.StatusBadRequest, err)
	}

	id, err := s.queue.Enqueue(c.Request().Context(), req.Type, req.Payload, queue.Options{
		Priority: req.Priority,
		RetryMax: req.RetryMax,
		Metadata: req.Metadata,
	})
	if err != nil {
		return respondError(c, statusForEnqueue(err), err)
	}
	return respond(c, http.StatusCreated, map[string]interface{}{"id": id})
}

// Enqueue validation failures are the caller's fault.
func statusForEnqueue(err error) int {
	if status := statusFor(err); status != http.StatusInternalServerError {
		return status
	}
	return http.StatusBadRequest
}

// shortcut enqueues a fixed-type job with the posted payload.
func (s *Server) shortcut(jobType queue.JobType) echo.HandlerFunc {
	return func(c echo.Context) error {
		var payload map[string]interface{}
		if err := c.Bind(&payload); err != nil && err != echo.ErrUnsupportedMediaType {
			return respondError(c, http.StatusBadRequest, err)
		}

		// Shortcuts default to high priority; an explicit priority in
		// the body wins.
		priority := queue.PriorityHigh
		if raw, ok := payload["priority"].(string); ok && raw != "" {
			priority = queue.Priority(raw)
			delete(payload, "priority")
		}

		id, err := s.queue.Enqueue(c.Request().Context(), jobType, payload, queue.Options{
			Priority: priority,
		})
		if err != nil {
			return respondError(c, statusForEnqueue(err), err)
		}
		return respond(c, http.StatusCreated, map[string]interface{}{"id": id, "type": jobType})
	}
}

func (s *Server) handleListTasks(c echo.Context) error {
	status := queue.Status(c.QueryParam("status"))
	if status == "" {
		status = queue.StatusPending
	}
	limit := intQuery(c, "limit", 50)
	offset := intQuery(c, "offset", 0)

	jobs, total, err := s.queue.List(c.Request().Context(), status, limit, offset)
	if err != nil {
		return respondError(c, statusFor(err), err)
	}
	return respond(c, http.StatusOK, map[string]interface{}{
		"jobs":   jobs,
		"total":  total,
		"limit":  limit,
		"offset": offset,
	})
}

func (s *Server) handleGetTask(c echo.Context) error {
	job, err := s.queue.Get(c.Request().Context(), c.Param("id"))
	if err != nil {
		return respondError(c, statusFor(err), err)
	}
	return respond(c, http.StatusOK, job)
}

func (s *Server) handleCancelTask(c echo.Context) error {
	var body struct {
		Reason string `json:"reason"`
	}
	if err := c.Bind(&body); err != nil && err != echo.ErrUnsupportedMediaType {
		return respondError(c, http.StatusBadRequest, err)
	}
	if body.Reason == "" {
		body.Reason = "cancelled via API"
	}

	if err := s.queue.Cancel(c.Request().Context(), c.Param("id"), body.Reason); err != nil {
		return respondError(c, statusFor(err), err)
	}
	return respond(c, http.StatusOK, map[string]interface{}{"cancelled": true})
}

func (s *Server) handleTaskStats(c echo.Context) error {
	stats, err := s.queue.Stats(c.Request().Context())
	if err != nil {
		return respondError(c, statusFor(err), err)
	}
	return respond(c, http.StatusOK, stats)
}

func (s *Server) handleTaskHistory(c echo.Context) error {
	if s.state == nil {
		return respond(c, http.StatusOK, []interface{}{})
	}
	return respond(c, http.StatusOK, s.state.ListOperations())
}

func (s *Server) handleDeadLetter(c echo.Context) error {
	jobs, err := s.queue.ListDeadLetter(c.Request().Context(), intQuery(c, "limit", 50))
	if err != nil {
		return respondError(c, statusFor(err), err)
	}
	return respond(c, http.StatusOK, jobs)
}

func intQuery(c echo.Context, name string, fallback int) int {
	raw := c.QueryParam(name)
	if raw == "" {
		return fallback
	}
	v, err := strconv.Atoi(raw)
	if err != nil || v < 0 {
		return fallback
	}
	return v
}
