package api

import (
	"errors"
	"net/http"

	"github.com/golang-jwt/jwt/v5"
	"github.com/labstack/echo/v4"

	"nowbridge.evalgo.org/store"
	"nowbridge.evalgo.org/syncer"
)

// tokenSubject returns the authenticated subject, if any.
func tokenSubject(c echo.Context) string {
	token, ok := c.Get("user").(*jwt.Token)
	if !ok {
		return ""
	}
	subject, err := token.Claims.GetSubject()
	if err != nil {
		return ""
	}
	return subject
}

func (s *Server) handleSyncTable(c echo.Context) error {
	table := c.Param("table")
	full := c.QueryParam("mode") == "full"

	result, err := s.engine.SyncTable(c.Request().Context(), table, syncer.Options{Full: full})
	if err != nil {
		return respondError(c, statusFor(err), err)
	}
	return respond(c, http.StatusOK, result)
}

func (s *Server) handleSyncAll(c echo.Context) error {
	full := c.QueryParam("mode") == "full"

	results, err := s.engine.SyncAll(c.Request().Context(), syncer.Options{Full: full})
	if err != nil {
		return respondError(c, statusFor(err), err)
	}
	return respond(c, http.StatusOK, results)
}

type forceSyncRequest struct {
	Table string `json:"table"`
	SysID string `json:"sys_id"`
}

func (s *Server) handleForceSync(c echo.Context) error {
	var req forceSyncRequest
	if err := c.Bind(&req); err != nil {
		return respondError(c, http.StatusBadRequest, err)
	}
	if req.Table == "" || req.SysID == "" {
		return respondError(c, http.StatusBadRequest, errors.New("table and sys_id are required"))
	}

	ok, err := s.engine.ForceSync(c.Request().Context(), req.Table, req.SysID)
	if err != nil {
		return respondError(c, statusFor(err), err)
	}
	return respond(c, http.StatusOK, map[string]interface{}{"synced": ok})
}

func (s *Server) handleConflicts(c echo.Context) error {
	return respond(c, http.StatusOK, s.engine.Conflicts())
}

// Ticket sections served by the modal. Each section lists the payload
// fields it renders.
var ticketSections = map[string][]string{
	"details": {"number", "state", "priority", "short_description", "description", "assignment_group", "assigned_to", "sys_updated_on"},
	"notes":   {"comments", "work_notes", "close_notes"},
	"sla":     {"made_sla", "sla_due", "due_date"},
}

func (s *Server) handleGetTicket(c echo.Context) error {
	table := c.Param("table")
	sysID := c.Param("sys_id")

	if s.cache != nil {
		if cached, ok := s.cache.Get(store.TicketKey(table, sysID)); ok {
			return respond(c, http.StatusOK, cached)
		}
	}

	env, err := s.tickets.Get(c.Request().Context(), table, sysID)
	if err != nil {
		return respondError(c, statusFor(err), err)
	}
	if s.cache != nil {
		s.cache.Set(store.TicketKey(table, sysID), env)
	}
	return respond(c, http.StatusOK, env)
}

// handleUpdateTicket pushes a partial update upstream, then force-syncs
// the record so the store reflects the accepted values.
func (s *Server) handleUpdateTicket(c echo.Context) error {
	var fields map[string]interface{}
	if err := c.Bind(&fields); err != nil {
		return respondError(c, http.StatusBadRequest, err)
	}
	if len(fields) == 0 {
		return respondError(c, http.StatusBadRequest, errors.New("no fields to update"))
	}

	table := c.Param("table")
	sysID := c.Param("sys_id")

	updated, err := s.upstream.UpdateRecord(c.Request().Context(), table, sysID, fields)
	if err != nil {
		return respondError(c, statusFor(err), err)
	}

	if s.engine != nil {
		if _, err := s.engine.ForceSync(c.Request().Context(), table, sysID); err != nil {
			s.log.Warnf("post-update sync of %s/%s failed: %v", table, sysID, err)
		}
	}
	if s.cache != nil {
		s.cache.Invalidate(store.TicketKey(table, sysID))
	}
	return respond(c, http.StatusOK, updated)
}

func (s *Server) handleTicketSection(c echo.Context) error {
	section := c.Param("section")
	fields, ok := ticketSections[section]
	if !ok {
		return respondError(c, http.StatusNotFound, errors.New("unknown section "+section))
	}

	env, err := s.tickets.Get(c.Request().Context(), c.Param("table"), c.Param("sys_id"))
	if err != nil {
		return respondError(c, statusFor(err), err)
	}

	out := make(map[string]interface{}, len(fields))
	for _, f := range fields {
		if v, present := env.EntityPayload[f]; present {
			out[f] = v
		}
	}
	return respond(c, http.StatusOK, map[string]interface{}{
		"section": section,
		"sys_id":  env.SysID,
		"fields":  out,
	})
}
