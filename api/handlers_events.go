package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	"github.com/labstack/echo/v4"

	"nowbridge.evalgo.org/fanout"
)

// authorizeStream validates the token carried in the query string.
// EventSource cannot set headers, so streams authenticate this way.
func (s *Server) authorizeStream(c echo.Context) error {
	if s.jwt == nil {
		return nil
	}
	token := c.QueryParam("token")
	if token == "" {
		return errors.New("missing token")
	}
	_, err := s.jwt.ValidateToken(token)
	return err
}

func (s *Server) handleTicketEvents(c echo.Context) error {
	if err := s.authorizeStream(c); err != nil {
		return respondError(c, http.StatusUnauthorized, err)
	}
	if s.hub == nil {
		return respondError(c, http.StatusNotImplemented, errors.New("event streaming not configured"))
	}

	ctx := c.Request().Context()
	sub, err := s.hub.SubscribeTicket(ctx, c.Param("sys_id"))
	if err != nil {
		return respondError(c, statusFor(err), err)
	}
	defer sub.Close()

	return s.streamEvents(c, sub)
}

func (s *Server) handlePerformanceEvents(c echo.Context) error {
	if err := s.authorizeStream(c); err != nil {
		return respondError(c, http.StatusUnauthorized, err)
	}
	if s.hub == nil {
		return respondError(c, http.StatusNotImplemented, errors.New("event streaming not configured"))
	}

	sub := s.hub.SubscribeMetrics(c.Request().Context())
	defer sub.Close()

	return s.streamEvents(c, sub)
}

// streamEvents writes subscription events in server-sent-event framing
// until the subscription or the client connection ends.
func (s *Server) streamEvents(c echo.Context, sub *fanout.Subscription) error {
	w := c.Response()
	w.Header().Set(echo.HeaderContentType, "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	w.Flush()

	ctx := c.Request().Context()
	for {
		select {
		case event := <-sub.Events:
			data, err := json.Marshal(event)
			if err != nil {
				s.log.Warnf("event encoding failed: %v", err)
				continue
			}
			if _, err := fmt.Fprintf(w, "event: %s\ndata: %s\n\n", event.Type, data); err != nil {
				return nil
			}
			w.Flush()
		case <-sub.Done():
			return nil
		case <-ctx.Done():
			return nil
		}
	}
}
