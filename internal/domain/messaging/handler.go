package messaging

import (
	"errors"
	"net/http"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"

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
	g := api.Group("/messages")
	g.POST("", h.Send)
	g.GET("/thread/:investigationId", h.Thread)
	g.POST("/:id/read", h.MarkRead)
}

func senderFromContext(c echo.Context) Sender {
	ctx := c.Request().Context()
	return Sender{
		ID:   auth.UserIDFromContext(ctx),
		Name: auth.UserNameFromContext(ctx),
		Role: auth.RoleFromContext(ctx),
	}
}

func httpError(err error) error {
	switch {
	case errors.Is(err, ErrNotFound), errors.Is(err, ErrCaseNotFound):
		return echo.NewHTTPError(http.StatusNotFound, err.Error())
	case errors.Is(err, ErrForbidden):
		return echo.NewHTTPError(http.StatusForbidden, err.Error())
	default:
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
}

func (h *Handler) Send(c echo.Context) error {
	var req struct {
		InvestigationID string `json:"investigation_id"`
		Body            string `json:"body"`
	}
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	investigationID, err := uuid.Parse(req.InvestigationID)
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid investigation id")
	}
	m, err := h.svc.Send(c.Request().Context(), senderFromContext(c), investigationID, req.Body)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusCreated, m)
}

func (h *Handler) Thread(c echo.Context) error {
	investigationID, err := uuid.Parse(c.Param("investigationId"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid investigation id")
	}
	pg := pagination.FromContext(c)
	items, total, err := h.svc.Thread(c.Request().Context(), senderFromContext(c), investigationID, pg.Limit, pg.Offset)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, pagination.NewResponse(items, total, pg.Limit, pg.Offset))
}

func (h *Handler) MarkRead(c echo.Context) error {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid message id")
	}
	if err := h.svc.MarkRead(c.Request().Context(), senderFromContext(c), id); err != nil {
		return httpError(err)
	}
	return c.NoContent(http.StatusNoContent)
}
