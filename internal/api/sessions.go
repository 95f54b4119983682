package api

import (
	"errors"
	"net/http"

	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog/log"

	"github.com/opinionsim/internal/deliberation"
	"github.com/opinionsim/internal/session"
)

// CreateSessionRequest is the body of POST /sessions
type CreateSessionRequest struct {
	ID     string                        `json:"id"`
	Config session.Config                `json:"config"`
	Agents []session.Agent               `json:"agents"`
	Trust  map[string]map[string]float64 `json:"trust"`
}

// StartRequest is the body of POST /sessions/:id/start
type StartRequest struct {
	Mode session.StartMode `json:"mode"`
}

// TrustRequest is the body of PUT /sessions/:id/trust
type TrustRequest struct {
	Source string  `json:"source"`
	Target string  `json:"target"`
	Weight float64 `json:"weight"`
}

// SessionView is the public view of a session
type SessionView struct {
	ID     string            `json:"id"`
	Config session.Config    `json:"config"`
	Agents []session.Agent   `json:"agents"`
	Trust  [][]float64       `json:"trust"`
	Order  []string          `json:"order,omitempty"`
	Status session.RunStatus `json:"status"`
}

func viewOf(rec session.Record) SessionView {
	agents := make([]session.Agent, len(rec.Agents))
	for i, a := range rec.Agents {
		a.Model = a.Model.Redacted()
		agents[i] = a
	}
	return SessionView{
		ID:     rec.ID,
		Config: rec.Config.Redacted(),
		Agents: agents,
		Trust:  rec.Trust.Rows(),
		Order:  rec.Order,
		Status: rec.Status,
	}
}

// errorStatus maps domain errors onto HTTP status codes
func errorStatus(err error) int {
	switch {
	case errors.Is(err, session.ErrNotFound), errors.Is(err, session.ErrUnknownAgent):
		return http.StatusNotFound
	case errors.Is(err, deliberation.ErrRunActive), errors.Is(err, deliberation.ErrNoActiveRun),
		errors.Is(err, session.ErrDuplicateAgent):
		return http.StatusConflict
	case errors.Is(err, deliberation.ErrNoAgents), errors.Is(err, deliberation.ErrMissingCredential):
		return http.StatusUnprocessableEntity
	default:
		return http.StatusInternalServerError
	}
}

func fail(c echo.Context, err error) error {
	code := errorStatus(err)
	if code == http.StatusInternalServerError {
		log.Error().Err(err).Str("path", c.Path()).Msg("API request failed")
	}
	return c.JSON(code, map[string]string{"error": err.Error()})
}

func (s *Server) manager(c echo.Context) (*deliberation.Manager, error) {
	return s.registry.Get(c.Request().Context(), c.Param("id"))
}

func (s *Server) listSessions(c echo.Context) error {
	records, err := s.registry.List(c.Request().Context())
	if err != nil {
		return fail(c, err)
	}
	views := make([]SessionView, len(records))
	for i, rec := range records {
		views[i] = viewOf(rec)
	}
	return c.JSON(http.StatusOK, views)
}

func (s *Server) createSession(c echo.Context) error {
	var req CreateSessionRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "Invalid request body")
	}

	st := session.NewState(req.ID, req.Config.WithDefaults())
	for _, a := range req.Agents {
		if err := st.AddAgent(a); err != nil {
			return echo.NewHTTPError(http.StatusBadRequest, err.Error())
		}
	}
	for source, row := range req.Trust {
		for target, w := range row {
			if err := st.SetTrust(source, target, w); err != nil {
				return echo.NewHTTPError(http.StatusBadRequest, err.Error())
			}
		}
	}

	m, err := s.registry.Create(c.Request().Context(), st)
	if err != nil {
		return echo.NewHTTPError(http.StatusConflict, err.Error())
	}
	return c.JSON(http.StatusCreated, viewOf(m.State().Record()))
}

func (s *Server) getSession(c echo.Context) error {
	m, err := s.manager(c)
	if err != nil {
		return fail(c, err)
	}
	return c.JSON(http.StatusOK, viewOf(m.State().Record()))
}

func (s *Server) getStatus(c echo.Context) error {
	m, err := s.manager(c)
	if err != nil {
		return fail(c, err)
	}
	return c.JSON(http.StatusOK, m.Status())
}

func (s *Server) getMessages(c echo.Context) error {
	m, err := s.manager(c)
	if err != nil {
		return fail(c, err)
	}
	msgs := m.Messages()
	if c.QueryParam("visible") == "true" {
		msgs = session.VisibleMessages(msgs)
	}
	return c.JSON(http.StatusOK, msgs)
}

func (s *Server) getSnapshot(c echo.Context) error {
	m, err := s.manager(c)
	if err != nil {
		return fail(c, err)
	}
	return c.JSON(http.StatusOK, m.Snapshot())
}

func (s *Server) startRun(c echo.Context) error {
	m, err := s.manager(c)
	if err != nil {
		return fail(c, err)
	}
	var req StartRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "Invalid request body")
	}
	if err := m.Start(req.Mode); err != nil {
		return fail(c, err)
	}
	return c.JSON(http.StatusAccepted, m.Status())
}

func (s *Server) pauseRun(c echo.Context) error {
	return s.command(c, (*deliberation.Manager).Pause)
}

func (s *Server) resumeRun(c echo.Context) error {
	return s.command(c, (*deliberation.Manager).Resume)
}

func (s *Server) stopRun(c echo.Context) error {
	return s.command(c, func(m *deliberation.Manager) error {
		_, err := m.Cancel()
		return err
	})
}

func (s *Server) refreshSession(c echo.Context) error {
	ctx := c.Request().Context()
	return s.command(c, func(m *deliberation.Manager) error { return m.Refresh(ctx) })
}

func (s *Server) resetSession(c echo.Context) error {
	ctx := c.Request().Context()
	return s.command(c, func(m *deliberation.Manager) error { return m.Reset(ctx) })
}

func (s *Server) command(c echo.Context, fn func(*deliberation.Manager) error) error {
	m, err := s.manager(c)
	if err != nil {
		return fail(c, err)
	}
	if err := fn(m); err != nil {
		return fail(c, err)
	}
	return c.JSON(http.StatusOK, m.Status())
}

func (s *Server) addAgent(c echo.Context) error {
	var a session.Agent
	if err := c.Bind(&a); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "Invalid request body")
	}
	if a.ID == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "agent id is required")
	}
	return s.edit(c, func(m *deliberation.Manager) (deliberation.EditResult, error) { return m.AddAgent(a) })
}

func (s *Server) updateAgent(c echo.Context) error {
	var a session.Agent
	if err := c.Bind(&a); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "Invalid request body")
	}
	a.ID = c.Param("agentId")
	return s.edit(c, func(m *deliberation.Manager) (deliberation.EditResult, error) { return m.UpdateAgent(a) })
}

func (s *Server) removeAgent(c echo.Context) error {
	id := c.Param("agentId")
	return s.edit(c, func(m *deliberation.Manager) (deliberation.EditResult, error) { return m.RemoveAgent(id) })
}

func (s *Server) setTrust(c echo.Context) error {
	var req TrustRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "Invalid request body")
	}
	return s.edit(c, func(m *deliberation.Manager) (deliberation.EditResult, error) {
		return m.SetTrust(req.Source, req.Target, req.Weight)
	})
}

func (s *Server) normalizeTrust(c echo.Context) error {
	id := c.Param("agentId")
	return s.edit(c, func(m *deliberation.Manager) (deliberation.EditResult, error) { return m.NormalizeTrust(id) })
}

func (s *Server) edit(c echo.Context, fn func(*deliberation.Manager) (deliberation.EditResult, error)) error {
	m, err := s.manager(c)
	if err != nil {
		return fail(c, err)
	}
	res, err := fn(m)
	if err != nil {
		return fail(c, err)
	}
	code := http.StatusOK
	if res.Queued {
		code = http.StatusAccepted
	}
	return c.JSON(code, res)
}
