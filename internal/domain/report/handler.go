package report

import (
	"io"
	"net/http"
	"strconv"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"

	"github.com/lims/lims/internal/platform/apperr"
	"github.com/lims/lims/internal/platform/auth"
)

type Handler struct {
	svc *Service
}

func NewHandler(svc *Service) *Handler {
	return &Handler{svc: svc}
}

func (h *Handler) RegisterRoutes(api *echo.Group) {
	read := api.Group("", auth.RequireRole(auth.RoleRegistrar, auth.RoleOM, auth.RoleLH, auth.RoleQA))
	read.GET("/samples/:id/reports", h.ListReports)
	read.GET("/reports/:id", h.GetReport)
	read.GET("/reports/:id/pdf", h.DownloadPDF)

	api.POST("/samples/:id/reports", h.GenerateReport, auth.RequireRole(auth.RoleLH, auth.RoleOM))
	// The signer role check happens in the service against configuration.
	api.POST("/reports/:id/finalize", h.Finalize)
	api.PUT("/signatures-on-file/:role", h.PutSignatureOnFile, auth.RequireRole(auth.RoleOM, auth.RoleLH))
}

func parseID(c echo.Context) (uuid.UUID, error) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return uuid.Nil, echo.NewHTTPError(http.StatusBadRequest, "invalid id")
	}
	return id, nil
}

func (h *Handler) GenerateReport(c echo.Context) error {
	id, err := parseID(c)
	if err != nil {
		return err
	}
	ctx := c.Request().Context()
	rep, created, err := h.svc.Generate(ctx, id, auth.ActorFromContext(ctx).ID)
	if err != nil {
		return apperr.ToHTTP(err)
	}
	if !created {
		return c.JSON(http.StatusOK, rep)
	}
	return c.JSON(http.StatusCreated, rep)
}

func (h *Handler) ListReports(c echo.Context) error {
	id, err := parseID(c)
	if err != nil {
		return err
	}
	reps, err := h.svc.ListReportsForSample(c.Request().Context(), id)
	if err != nil {
		return apperr.ToHTTP(err)
	}
	if reps == nil {
		reps = []*Report{}
	}
	return c.JSON(http.StatusOK, reps)
}

func (h *Handler) GetReport(c echo.Context) error {
	id, err := parseID(c)
	if err != nil {
		return err
	}
	d, err := h.svc.GetReportDetail(c.Request().Context(), id)
	if err != nil {
		return apperr.ToHTTP(err)
	}
	return c.JSON(http.StatusOK, d)
}

type finalizeRequest struct {
	TemplateCode string `json:"template_code"`
}

func (h *Handler) Finalize(c echo.Context) error {
	id, err := parseID(c)
	if err != nil {
		return err
	}
	var req finalizeRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	ctx := c.Request().Context()
	res, err := h.svc.Finalize(ctx, id, auth.ActorFromContext(ctx), req.TemplateCode)
	if err != nil {
		return apperr.ToHTTP(err)
	}
	return c.JSON(http.StatusOK, res)
}

func (h *Handler) DownloadPDF(c echo.Context) error {
	id, err := parseID(c)
	if err != nil {
		return err
	}
	rep, info, rc, err := h.svc.DownloadPDF(c.Request().Context(), id)
	if err != nil {
		return apperr.ToHTTP(err)
	}
	defer rc.Close()

	res := c.Response()
	res.Header().Set(echo.HeaderContentDisposition, `inline; filename="`+fileName(rep.ReportNo)+`.pdf"`)
	if info.Size > 0 {
		res.Header().Set(echo.HeaderContentLength, strconv.FormatInt(info.Size, 10))
	}
	if info.SHA256 != "" {
		res.Header().Set("ETag", `"`+info.SHA256+`"`)
	}
	res.Header().Set(echo.HeaderContentType, pdfContentType)
	res.WriteHeader(http.StatusOK)
	_, err = io.Copy(res, rc)
	return err
}

// fileName makes a report number safe for a download name.
func fileName(reportNo string) string {
	out := []rune(reportNo)
	for i, r := range out {
		if r == '/' || r == '"' || r == '\\' {
			out[i] = '-'
		}
	}
	return string(out)
}

type signatureOnFileRequest struct {
	SignatureRef string `json:"signature_ref"`
}

func (h *Handler) PutSignatureOnFile(c echo.Context) error {
	var req signatureOnFileRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	ctx := c.Request().Context()
	sof, err := h.svc.RegisterSignatureOnFile(ctx, auth.ActorFromContext(ctx), c.Param("role"), req.SignatureRef)
	if err != nil {
		return apperr.ToHTTP(err)
	}
	return c.JSON(http.StatusOK, sof)
}
