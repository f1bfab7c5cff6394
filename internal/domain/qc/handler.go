package qc

import (
	"net/http"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"

	"github.com/lims/lims/internal/platform/apperr"
	"github.com/lims/lims/internal/platform/auth"
	"github.com/lims/lims/pkg/pagination"
)

type Handler struct {
	svc *Service
}

func NewHandler(svc *Service) *Handler {
	return &Handler{svc: svc}
}

func (h *Handler) RegisterRoutes(api *echo.Group) {
	read := api.Group("/qc", auth.RequireRole(auth.RoleQA, auth.RoleAnalyst, auth.RoleOM, auth.RoleLH))
	read.GET("/controls", h.ListControls)
	read.GET("/controls/:id", h.GetControl)
	read.GET("/controls/:id/runs", h.ListRuns)
	read.GET("/batches/:batch/status", h.GetBatchStatus)

	admin := api.Group("/qc", auth.RequireRole(auth.RoleQA))
	admin.POST("/controls", h.CreateControl)
	admin.PUT("/controls/:id/active", h.SetControlActive)

	runs := api.Group("/qc", auth.RequireRole(auth.RoleQA, auth.RoleAnalyst))
	runs.POST("/controls/:id/runs", h.RecordRun)
}

type createControlRequest struct {
	ParameterCode string   `json:"parameter_code"`
	Name          string   `json:"name"`
	Kind          string   `json:"kind"`
	Target        float64  `json:"target"`
	Tolerance     float64  `json:"tolerance"`
	Ruleset       []string `json:"ruleset"`
}

func (h *Handler) CreateControl(c echo.Context) error {
	var req createControlRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	ctl := &Control{
		ParameterCode: req.ParameterCode,
		Name:          req.Name,
		Kind:          req.Kind,
		Target:        req.Target,
		Tolerance:     req.Tolerance,
		Ruleset:       req.Ruleset,
	}
	ctx := c.Request().Context()
	if err := h.svc.CreateControl(ctx, ctl, auth.ActorFromContext(ctx)); err != nil {
		return apperr.ToHTTP(err)
	}
	return c.JSON(http.StatusCreated, ctl)
}

func (h *Handler) GetControl(c echo.Context) error {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid id")
	}
	ctl, err := h.svc.GetControl(c.Request().Context(), id)
	if err != nil {
		return apperr.ToHTTP(err)
	}
	return c.JSON(http.StatusOK, ctl)
}

func (h *Handler) ListControls(c echo.Context) error {
	pg := pagination.FromContext(c)
	activeOnly := c.QueryParam("active") == "true"
	items, total, err := h.svc.ListControls(c.Request().Context(), c.QueryParam("parameter_code"), activeOnly, pg.Limit, pg.Offset)
	if err != nil {
		return apperr.ToHTTP(err)
	}
	return c.JSON(http.StatusOK, pagination.NewResponse(items, total, pg.Limit, pg.Offset))
}

type setActiveRequest struct {
	Active *bool `json:"active"`
}

func (h *Handler) SetControlActive(c echo.Context) error {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid id")
	}
	var req setActiveRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	if req.Active == nil {
		return apperr.ToHTTP(apperr.InvalidArgument("active is required"))
	}
	ctx := c.Request().Context()
	ctl, err := h.svc.SetControlActive(ctx, id, *req.Active, auth.ActorFromContext(ctx))
	if err != nil {
		return apperr.ToHTTP(err)
	}
	return c.JSON(http.StatusOK, ctl)
}

type recordRunRequest struct {
	BatchID string   `json:"batch_id"`
	Value   *float64 `json:"value"`
}

func (h *Handler) RecordRun(c echo.Context) error {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid id")
	}
	var req recordRunRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	if req.Value == nil {
		return apperr.ToHTTP(apperr.InvalidArgument("value is required"))
	}
	ctx := c.Request().Context()
	rec, err := h.svc.EvaluateAndPersist(ctx, req.BatchID, id, *req.Value, auth.ActorFromContext(ctx).ID)
	if err != nil {
		return apperr.ToHTTP(err)
	}
	return c.JSON(http.StatusCreated, rec)
}

func (h *Handler) ListRuns(c echo.Context) error {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid id")
	}
	pg := pagination.FromContext(c)
	items, total, err := h.svc.ListRuns(c.Request().Context(), id, pg.Limit, pg.Offset)
	if err != nil {
		return apperr.ToHTTP(err)
	}
	return c.JSON(http.StatusOK, pagination.NewResponse(items, total, pg.Limit, pg.Offset))
}

func (h *Handler) GetBatchStatus(c echo.Context) error {
	bs, err := h.svc.BatchStatus(c.Request().Context(), c.Param("batch"))
	if err != nil {
		return apperr.ToHTTP(err)
	}
	return c.JSON(http.StatusOK, bs)
}
