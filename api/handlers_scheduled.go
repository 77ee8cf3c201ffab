package api

import (
	"net/http"
	"time"

	"github.com/labstack/echo/v4"

	"nowbridge.evalgo.org/queue"
	"nowbridge.evalgo.org/scheduler"
)

type scheduledRequest struct {
	Name        string                 `json:"name"`
	Description string                 `json:"description"`
	Cron        string                 `json:"cron"`
	Type        queue.JobType          `json:"type"`
	Payload     map[string]interface{} `json:"payload"`
	Priority    queue.Priority         `json:"priority"`
	RetryMax    int                    `json:"retry_max"`
	TimeoutSec  int                    `json:"timeout_seconds"`
	Enabled     *bool                  `json:"enabled"`
	Tags        []string               `json:"tags"`
}

func (s *Server) handleCreateScheduled(c echo.Context) error {
	var req scheduledRequest
	if err := c.Bind(&req); err != nil {
		return respondError(c, http.StatusBadRequest, err)
	}

	subject := tokenSubject(c)
	job, err := s.sched.Schedule(c.Request().Context(), scheduler.Spec{
		Name:        req.Name,
		Description: req.Description,
		Cron:        req.Cron,
		Type:        req.Type,
		Payload:     req.Payload,
		Priority:    req.Priority,
		RetryMax:    req.RetryMax,
		Timeout:     time.Duration(req.TimeoutSec) * time.Second,
		Enabled:     req.Enabled,
		CreatedBy:   subject,
		Tags:        req.Tags,
	})
	if err != nil {
		return respondError(c, statusForEnqueue(err), err)
	}
	return respond(c, http.StatusCreated, job)
}

func (s *Server) handleListScheduled(c echo.Context) error {
	jobs, err := s.sched.List(c.Request().Context())
	if err != nil {
		return respondError(c, statusFor(err), err)
	}
	return respond(c, http.StatusOK, jobs)
}

func (s *Server) handleScheduledStats(c echo.Context) error {
	stats, err := s.sched.GetStats(c.Request().Context())
	if err != nil {
		return respondError(c, statusFor(err), err)
	}
	return respond(c, http.StatusOK, stats)
}

func (s *Server) handleGetScheduled(c echo.Context) error {
	job, err := s.sched.Get(c.Request().Context(), c.Param("id"))
	if err != nil {
		return respondError(c, statusFor(err), err)
	}
	return respond(c, http.StatusOK, job)
}

type scheduledPatch struct {
	Name        *string                `json:"name"`
	Description *string                `json:"description"`
	Cron        *string                `json:"cron"`
	Payload     map[string]interface{} `json:"payload"`
	Priority    *queue.Priority        `json:"priority"`
	RetryMax    *int                   `json:"retry_max"`
}

func (s *Server) handleUpdateScheduled(c echo.Context) error {
	var patch scheduledPatch
	if err := c.Bind(&patch); err != nil {
		return respondError(c, http.StatusBadRequest, err)
	}

	job, err := s.sched.UpdateJob(c.Request().Context(), c.Param("id"), scheduler.Update{
		Name:        patch.Name,
		Description: patch.Description,
		Cron:        patch.Cron,
		Payload:     patch.Payload,
		Priority:    patch.Priority,
		RetryMax:    patch.RetryMax,
	})
	if err != nil {
		return respondError(c, statusForEnqueue(err), err)
	}
	return respond(c, http.StatusOK, job)
}

func (s *Server) handleDeleteScheduled(c echo.Context) error {
	if err := s.sched.Unschedule(c.Request().Context(), c.Param("id")); err != nil {
		return respondError(c, statusFor(err), err)
	}
	return respond(c, http.StatusOK, map[string]interface{}{"deleted": true})
}

func (s *Server) handleTriggerScheduled(c echo.Context) error {
	queuedID, err := s.sched.Trigger(c.Request().Context(), c.Param("id"))
	if err != nil {
		return respondError(c, statusFor(err), err)
	}
	return respond(c, http.StatusCreated, map[string]interface{}{"queued_job_id": queuedID})
}

func (s *Server) handleEnableScheduled(c echo.Context) error {
	var body struct {
		Enabled bool `json:"enabled"`
	}
	if err := c.Bind(&body); err != nil {
		return respondError(c, http.StatusBadRequest, err)
	}

	job, err := s.sched.SetEnabled(c.Request().Context(), c.Param("id"), body.Enabled)
	if err != nil {
		return respondError(c, statusFor(err), err)
	}
	return respond(c, http.StatusOK, job)
}
