package api

import (
	"fmt"
	"net/http"

	"github.com/labstack/echo/v5"
)

func (s *Server) listSessions(c *echo.Context) error {
	infos := s.ctrl.Sessions()
	out := SessionList{Object: "list", Data: make([]SessionResponse, 0, len(infos))}
	for _, info := range infos {
		out.Data = append(out.Data, SessionResponse{
			ID:         info.ID,
			State:      info.State.String(),
			Started:    info.Started,
			Candidates: info.Candidates,
			CacheLen:   info.CacheLen,
		})
	}
	return c.JSON(http.StatusOK, out)
}

func (s *Server) cancelSession(c *echo.Context) error {
	id := c.Param("id")
	if !s.ctrl.Cancel(id) {
		return writeNotFound(c, fmt.Sprintf("session %q not found", id))
	}
	s.log.Info("session cancelled by request", "session", id)
	return c.JSON(http.StatusOK, map[string]any{
		"id":        id,
		"object":    "session",
		"cancelled": true,
	})
}
