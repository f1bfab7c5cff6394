package sample

import (
	"encoding/json"
	"net/http"
	"time"

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
	// Transition permissions are decided per target by the authorizer.
	api.POST("/samples/:id/transitions", h.TransitionSample)
	api.POST("/sample-tests/:id/transitions", h.TransitionTest)

	read := api.Group("", auth.RequireRole(auth.RoleRegistrar, auth.RoleAnalyst, auth.RoleOM, auth.RoleLH, auth.RoleQA))
	read.GET("/samples", h.ListSamples)
	read.GET("/samples/:id", h.GetSample)
	read.GET("/samples/:id/tests", h.ListTests)
	read.GET("/sample-tests/:id/results", h.ListResults)

	intake := api.Group("", auth.RequireRole(auth.RoleRegistrar))
	intake.POST("/samples", h.RegisterSample)
	intake.POST("/samples/:id/tests", h.AssignTest)

	bench := api.Group("", auth.RequireRole(auth.RoleAnalyst))
	bench.POST("/sample-tests/:id/results", h.SubmitResult)
	bench.POST("/sample-tests/:id/qc-done", h.MarkQCDone)

	api.POST("/samples/:id/archive", h.ArchiveSample, auth.RequireRole(auth.RoleRegistrar, auth.RoleLH))
}

func parseID(c echo.Context) (uuid.UUID, error) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return uuid.Nil, echo.NewHTTPError(http.StatusBadRequest, "invalid id")
	}
	return id, nil
}

type registerSampleRequest struct {
	SampleNo   string     `json:"sample_no"`
	SampleType string     `json:"sample_type"`
	Priority   string     `json:"priority"`
	ClientRef  *string    `json:"client_ref"`
	ReceivedAt *time.Time `json:"received_at"`
}

func (h *Handler) RegisterSample(c echo.Context) error {
	var req registerSampleRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	smp := &Sample{
		SampleNo:   req.SampleNo,
		SampleType: req.SampleType,
		Priority:   req.Priority,
		ClientRef:  req.ClientRef,
	}
	if req.ReceivedAt != nil {
		smp.ReceivedAt = *req.ReceivedAt
	}
	ctx := c.Request().Context()
	if err := h.svc.RegisterSample(ctx, smp, auth.ActorFromContext(ctx)); err != nil {
		return apperr.ToHTTP(err)
	}
	return c.JSON(http.StatusCreated, smp)
}

func (h *Handler) GetSample(c echo.Context) error {
	id, err := parseID(c)
	if err != nil {
		return err
	}
	smp, err := h.svc.GetSample(c.Request().Context(), id)
	if err != nil {
		return apperr.ToHTTP(err)
	}
	return c.JSON(http.StatusOK, smp)
}

func (h *Handler) ListSamples(c echo.Context) error {
	pg := pagination.FromContext(c)
	f := ListFilter{
		Status:          c.QueryParam("status"),
		IncludeArchived: c.QueryParam("include_archived") == "true",
	}
	items, total, err := h.svc.ListSamples(c.Request().Context(), f, pg.Limit, pg.Offset)
	if err != nil {
		return apperr.ToHTTP(err)
	}
	resp := pagination.NewResponse(items, total, pg.Limit, pg.Offset)
	resp.Links = pg.Links(c.Request().URL.Path, total)
	return c.JSON(http.StatusOK, resp)
}

type transitionRequest struct {
	To string `json:"to"`
}

func (h *Handler) TransitionSample(c echo.Context) error {
	id, err := parseID(c)
	if err != nil {
		return err
	}
	var req transitionRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	if req.To == "" {
		return apperr.ToHTTP(apperr.InvalidArgument("to is required"))
	}
	ctx := c.Request().Context()
	smp, err := h.svc.ApplySampleTransition(ctx, id, req.To, auth.ActorFromContext(ctx))
	if err != nil {
		return apperr.ToHTTP(err)
	}
	return c.JSON(http.StatusOK, smp)
}

func (h *Handler) ArchiveSample(c echo.Context) error {
	id, err := parseID(c)
	if err != nil {
		return err
	}
	ctx := c.Request().Context()
	smp, err := h.svc.ArchiveSample(ctx, id, auth.ActorFromContext(ctx))
	if err != nil {
		return apperr.ToHTTP(err)
	}
	return c.JSON(http.StatusOK, smp)
}

type assignTestRequest struct {
	ParameterCode string  `json:"parameter_code"`
	ParameterName string  `json:"parameter_name"`
	MethodCode    *string `json:"method_code"`
	BatchID       *string `json:"batch_id"`
}

func (h *Handler) AssignTest(c echo.Context) error {
	id, err := parseID(c)
	if err != nil {
		return err
	}
	var req assignTestRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	t := &SampleTest{
		ParameterCode: req.ParameterCode,
		ParameterName: req.ParameterName,
		MethodCode:    req.MethodCode,
		BatchID:       req.BatchID,
	}
	ctx := c.Request().Context()
	if err := h.svc.AssignTest(ctx, id, t, auth.ActorFromContext(ctx)); err != nil {
		return apperr.ToHTTP(err)
	}
	return c.JSON(http.StatusCreated, t)
}

func (h *Handler) ListTests(c echo.Context) error {
	id, err := parseID(c)
	if err != nil {
		return err
	}
	items, err := h.svc.ListTests(c.Request().Context(), id)
	if err != nil {
		return apperr.ToHTTP(err)
	}
	return c.JSON(http.StatusOK, items)
}

type submitResultRequest struct {
	RawData        json.RawMessage `json:"raw_data"`
	CalculatedData json.RawMessage `json:"calculated_data"`
	Interpretation *string         `json:"interpretation"`
	FinalValue     *string         `json:"final_value"`
	Unit           *string         `json:"unit"`
	Flags          []string        `json:"flags"`
}

func (h *Handler) SubmitResult(c echo.Context) error {
	id, err := parseID(c)
	if err != nil {
		return err
	}
	var req submitResultRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	r := &TestResult{
		RawData:        req.RawData,
		CalculatedData: req.CalculatedData,
		Interpretation: req.Interpretation,
		FinalValue:     req.FinalValue,
		Unit:           req.Unit,
		Flags:          req.Flags,
	}
	ctx := c.Request().Context()
	if err := h.svc.SubmitResult(ctx, id, r, auth.ActorFromContext(ctx)); err != nil {
		return apperr.ToHTTP(err)
	}
	return c.JSON(http.StatusCreated, r)
}

func (h *Handler) ListResults(c echo.Context) error {
	id, err := parseID(c)
	if err != nil {
		return err
	}
	items, err := h.svc.ListResults(c.Request().Context(), id)
	if err != nil {
		return apperr.ToHTTP(err)
	}
	return c.JSON(http.StatusOK, items)
}

func (h *Handler) TransitionTest(c echo.Context) error {
	id, err := parseID(c)
	if err != nil {
		return err
	}
	var req transitionRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	if req.To == "" {
		return apperr.ToHTTP(apperr.InvalidArgument("to is required"))
	}
	ctx := c.Request().Context()
	t, err := h.svc.ApplyTestTransition(ctx, id, req.To, auth.ActorFromContext(ctx))
	if err != nil {
		return apperr.ToHTTP(err)
	}
	return c.JSON(http.StatusOK, t)
}

func (h *Handler) MarkQCDone(c echo.Context) error {
	id, err := parseID(c)
	if err != nil {
		return err
	}
	ctx := c.Request().Context()
	t, err := h.svc.MarkQCDone(ctx, id, auth.ActorFromContext(ctx))
	if err != nil {
		return apperr.ToHTTP(err)
	}
	return c.JSON(http.StatusOK, t)
}
