package investigation

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"

	"github.com/lifeline/lifeline/internal/platform/ai"
	"github.com/lifeline/lifeline/internal/platform/auth"
	"github.com/lifeline/lifeline/pkg/pagination"
)

type Handler struct {
	svc *Service
}

func NewHandler(svc *Service) *Handler {
	return &Handler{svc: svc}
}

func (h *Handler) RegisterRoutes(api *echo.Group) {
	g := api.Group("/investigations")

	g.POST("", h.Submit, auth.RequireRole(auth.RolePatient))
	g.GET("/mine", h.Mine, auth.RequireRole(auth.RolePatient))
	g.GET("/queue", h.Queue, auth.RequireRole(auth.RoleDoctor))
	g.GET("/assigned", h.Assigned, auth.RequireRole(auth.RoleDoctor))
	g.GET("/:id", h.Get)
	g.POST("/:id/steps/:stepSeq/reanalyze", h.Reanalyze)

	g.POST("/:id/plan", h.RequestLabTests, auth.RequireRole(auth.RoleDoctor))
	g.POST("/:id/follow-up-visit", h.ScheduleFollowUp, auth.RequireRole(auth.RoleDoctor))
	g.POST("/:id/escalate", h.Escalate, auth.RequireRole(auth.RoleDoctor))
	g.POST("/:id/complete", h.Complete, auth.RequireRole(auth.RoleDoctor))
	g.POST("/:id/reject", h.Reject, auth.RequireRole(auth.RoleDoctor))

	g.POST("/:id/lab-results", h.SubmitLabResults, auth.RequireRole(auth.RolePatient))
	g.POST("/:id/follow-up", h.SubmitFollowUp, auth.RequireRole(auth.RolePatient))
}

func actorFromContext(c echo.Context) Actor {
	ctx := c.Request().Context()
	return Actor{
		ID:   auth.UserIDFromContext(ctx),
		Name: auth.UserNameFromContext(ctx),
		Role: auth.RoleFromContext(ctx),
	}
}

func recordID(c echo.Context) (uuid.UUID, error) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return uuid.Nil, echo.NewHTTPError(http.StatusBadRequest, "invalid record id")
	}
	return id, nil
}

// httpError translates domain sentinels into transport errors.
func httpError(err error) error {
	switch {
	case errors.Is(err, ErrNotFound), errors.Is(err, ErrStepNotFound):
		return echo.NewHTTPError(http.StatusNotFound, err.Error())
	case errors.Is(err, ErrForbidden), errors.Is(err, ErrActorNotAllowed):
		return echo.NewHTTPError(http.StatusForbidden, err.Error())
	case errors.Is(err, ErrVersionConflict):
		return echo.NewHTTPError(http.StatusConflict, err.Error())
	case errors.Is(err, ErrInvalidTransition), errors.Is(err, ErrTerminalStatus),
		errors.Is(err, ErrStepNotFailed):
		return echo.NewHTTPError(http.StatusConflict, err.Error())
	case errors.Is(err, ai.ErrUnavailable):
		return echo.NewHTTPError(http.StatusBadGateway, "analysis service unavailable")
	default:
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
}

func (h *Handler) Submit(c echo.Context) error {
	var in SubmitInput
	if err := c.Bind(&in); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	rec, err := h.svc.Submit(c.Request().Context(), actorFromContext(c), in)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusCreated, rec)
}

func (h *Handler) Get(c echo.Context) error {
	id, err := recordID(c)
	if err != nil {
		return err
	}
	rec, err := h.svc.Get(c.Request().Context(), actorFromContext(c), id)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, rec)
}

func (h *Handler) Queue(c echo.Context) error {
	pg := pagination.FromContext(c)
	items, total, err := h.svc.Queue(c.Request().Context(), Status(c.QueryParam("status")), pg.Limit, pg.Offset)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, pagination.NewResponse(items, total, pg.Limit, pg.Offset))
}

func (h *Handler) Mine(c echo.Context) error {
	pg := pagination.FromContext(c)
	items, total, err := h.svc.Mine(c.Request().Context(), actorFromContext(c), pg.Limit, pg.Offset)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, pagination.NewResponse(items, total, pg.Limit, pg.Offset))
}

func (h *Handler) Assigned(c echo.Context) error {
	pg := pagination.FromContext(c)
	items, total, err := h.svc.Assigned(c.Request().Context(), actorFromContext(c), pg.Limit, pg.Offset)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, pagination.NewResponse(items, total, pg.Limit, pg.Offset))
}

func (h *Handler) Reanalyze(c echo.Context) error {
	id, err := recordID(c)
	if err != nil {
		return err
	}
	seq, err := strconv.Atoi(c.Param("stepSeq"))
	if err != nil || seq < 1 {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid step sequence")
	}
	rec, err := h.svc.Reanalyze(c.Request().Context(), actorFromContext(c), id, seq)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, rec)
}

type planRequest struct {
	Version int         `json:"version"`
	Plan    *DoctorPlan `json:"plan"`
}

func (h *Handler) RequestLabTests(c echo.Context) error {
	id, err := recordID(c)
	if err != nil {
		return err
	}
	var req planRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	rec, err := h.svc.RequestLabTests(c.Request().Context(), actorFromContext(c), id, req.Version, req.Plan)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, rec)
}

func (h *Handler) ScheduleFollowUp(c echo.Context) error {
	id, err := recordID(c)
	if err != nil {
		return err
	}
	var req planRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	rec, err := h.svc.ScheduleFollowUp(c.Request().Context(), actorFromContext(c), id, req.Version, req.Plan)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, rec)
}

func (h *Handler) Escalate(c echo.Context) error {
	id, err := recordID(c)
	if err != nil {
		return err
	}
	var req struct {
		Version int `json:"version"`
	}
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	rec, err := h.svc.Escalate(c.Request().Context(), actorFromContext(c), id, req.Version)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, rec)
}

type completeRequest struct {
	Version        int            `json:"version"`
	FinalDiagnosis []Condition    `json:"final_diagnosis"`
	TreatmentPlan  *TreatmentPlan `json:"final_treatment_plan"`
	Note           string         `json:"note"`
}

func (h *Handler) Complete(c echo.Context) error {
	id, err := recordID(c)
	if err != nil {
		return err
	}
	var req completeRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	rec, err := h.svc.Complete(c.Request().Context(), actorFromContext(c), id, req.Version,
		req.FinalDiagnosis, req.TreatmentPlan, req.Note)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, rec)
}

func (h *Handler) Reject(c echo.Context) error {
	id, err := recordID(c)
	if err != nil {
		return err
	}
	var req struct {
		Version int    `json:"version"`
		Note    string `json:"note"`
	}
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	rec, err := h.svc.Reject(c.Request().Context(), actorFromContext(c), id, req.Version, req.Note)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, rec)
}

func (h *Handler) SubmitLabResults(c echo.Context) error {
	id, err := recordID(c)
	if err != nil {
		return err
	}
	var req struct {
		Uploads    []LabUpload `json:"uploads"`
		Transcript string      `json:"transcript"`
	}
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	rec, err := h.svc.SubmitLabResults(c.Request().Context(), actorFromContext(c), id, req.Uploads, req.Transcript)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, rec)
}

func (h *Handler) SubmitFollowUp(c echo.Context) error {
	id, err := recordID(c)
	if err != nil {
		return err
	}
	var req struct {
		Transcript string `json:"transcript"`
	}
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	rec, err := h.svc.SubmitFollowUp(c.Request().Context(), actorFromContext(c), id, req.Transcript)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, rec)
}
