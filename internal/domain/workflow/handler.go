package workflow

import (
	"bytes"
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"

	"github.com/labstack/echo/v4"

	"github.com/ehr/portal/internal/domain/consultation"
	"github.com/ehr/portal/internal/domain/directory"
	"github.com/ehr/portal/internal/platform/apperr"
	"github.com/ehr/portal/internal/platform/auth"
	"github.com/ehr/portal/internal/platform/blobstore"
	"github.com/ehr/portal/pkg/pagination"
)

const xlsxContentType = "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet"

type Handler struct {
	wf *Orchestrator
}

func NewHandler(wf *Orchestrator) *Handler {
	return &Handler{wf: wf}
}

func (h *Handler) RegisterRoutes(api *echo.Group) {
	api.POST("/identities", h.Register)
	api.GET("/me", h.Me)

	patients := api.Group("/patients/:patientID")
	patients.GET("", h.GetPatient)
	patients.GET("/grants", h.ListGrantedDoctors)
	patients.GET("/grants/history", h.GrantHistory)
	patients.POST("/grants/:doctorID", h.Grant)
	patients.DELETE("/grants/:doctorID", h.Revoke)
	patients.GET("/records", h.ListRecords)
	patients.POST("/records", h.UploadRecord)
	patients.GET("/records/:contentID/content", h.RecordContent)
	patients.GET("/consultations", h.ListConsultations)
	patients.POST("/consultations", h.CreateConsultation)

	doctors := api.Group("/doctors/:doctorID")
	doctors.GET("", h.GetDoctor)
	doctors.GET("/patients", h.ListPatients)
	doctors.DELETE("/patients/:patientID", h.Relinquish)

	admin := api.Group("/admin")
	admin.GET("/check", h.CheckAdmin)
	admin.GET("/identities/:role", h.ListIdentities)
	admin.GET("/export", h.ExportDirectory)
}

// ErrorResponse is the body of every failed request.
type ErrorResponse struct {
	Error     string `json:"error"`
	Message   string `json:"message"`
	Directory string `json:"directory,omitempty"`
}

func respondError(c echo.Context, err error) error {
	status := apperr.HTTPStatus(err)
	body := ErrorResponse{Error: apperr.Kind(err), Message: apperr.Message(err)}
	var cfg *apperr.ConfigError
	switch {
	case errors.As(err, &cfg):
		body.Directory = cfg.Directory
	case apperr.Retryable(err):
		c.Response().Header().Set("Retry-After", "1")
		body.Message = "a backing store is unavailable; retry the request"
	case status >= http.StatusInternalServerError:
		body.Message = http.StatusText(status)
	}
	return c.JSON(status, body)
}

func caller(c echo.Context) Caller {
	ctx := c.Request().Context()
	return Caller{
		AccountRef: auth.AccountRefFromContext(ctx),
		Role:       directory.Role(strings.ToLower(auth.ClaimedRoleFromContext(ctx))),
	}
}

func (h *Handler) Register(c echo.Context) error {
	var reg directory.Registration
	if err := c.Bind(&reg); err != nil {
		return respondError(c, apperr.Validation("malformed body: %v", err))
	}
	ident, err := h.wf.Register(c.Request().Context(), caller(c), reg)
	if err != nil {
		return respondError(c, err)
	}
	return c.JSON(http.StatusCreated, ident)
}

func (h *Handler) Me(c echo.Context) error {
	cl := caller(c)
	if r := c.QueryParam("role"); r != "" {
		cl.Role = directory.Role(strings.ToLower(r))
	}
	ident, err := h.wf.ResolveIdentity(c.Request().Context(), cl)
	if err != nil {
		return respondError(c, err)
	}
	return c.JSON(http.StatusOK, ident)
}

func (h *Handler) GetPatient(c echo.Context) error {
	return h.getProfile(c, directory.RolePatient, c.Param("patientID"))
}

func (h *Handler) GetDoctor(c echo.Context) error {
	return h.getProfile(c, directory.RoleDoctor, c.Param("doctorID"))
}

func (h *Handler) getProfile(c echo.Context, role directory.Role, id string) error {
	ident, err := h.wf.GetProfile(c.Request().Context(), caller(c), role, id)
	if err != nil {
		return respondError(c, err)
	}
	return c.JSON(http.StatusOK, ident)
}

func (h *Handler) Grant(c echo.Context) error {
	g, err := h.wf.GrantPermission(c.Request().Context(), caller(c), c.Param("patientID"), c.Param("doctorID"))
	if errors.Is(err, apperr.ErrAlreadyGranted) {
		return c.JSON(http.StatusOK, map[string]any{
			"patient_id":      c.Param("patientID"),
			"doctor_id":       c.Param("doctorID"),
			"already_granted": true,
		})
	}
	if err != nil {
		return respondError(c, err)
	}
	return c.JSON(http.StatusCreated, g)
}

func (h *Handler) Revoke(c echo.Context) error {
	g, err := h.wf.RevokePermission(c.Request().Context(), caller(c), c.Param("patientID"), c.Param("doctorID"))
	if err != nil {
		return respondError(c, err)
	}
	return c.JSON(http.StatusOK, g)
}

func (h *Handler) Relinquish(c echo.Context) error {
	g, err := h.wf.RelinquishPatient(c.Request().Context(), caller(c), c.Param("patientID"), c.Param("doctorID"))
	if err != nil {
		return respondError(c, err)
	}
	return c.JSON(http.StatusOK, g)
}

func (h *Handler) ListGrantedDoctors(c echo.Context) error {
	ids, err := h.wf.ListGrantedDoctors(c.Request().Context(), caller(c), c.Param("patientID"))
	if err != nil {
		return respondError(c, err)
	}
	return c.JSON(http.StatusOK, map[string]any{"doctor_ids": ids})
}

func (h *Handler) GrantHistory(c echo.Context) error {
	grants, err := h.wf.GrantHistory(c.Request().Context(), caller(c), c.Param("patientID"))
	if err != nil {
		return respondError(c, err)
	}
	return c.JSON(http.StatusOK, map[string]any{"grants": grants})
}

func (h *Handler) ListPatients(c echo.Context) error {
	ids, err := h.wf.ListPatientsForDoctor(c.Request().Context(), caller(c), c.Param("doctorID"))
	if err != nil {
		return respondError(c, err)
	}
	return c.JSON(http.StatusOK, map[string]any{"patient_ids": ids})
}

type uploadRequest struct {
	ContentID string `json:"content_id"`
}

// UploadRecord accepts either a JSON body naming an already stored content
// id, or a multipart "file" part that is stored first.
func (h *Handler) UploadRecord(c echo.Context) error {
	ctx := c.Request().Context()
	patientID := c.Param("patientID")
	if strings.HasPrefix(c.Request().Header.Get(echo.HeaderContentType), echo.MIMEMultipartForm) {
		data, err := readFormFile(c, "file")
		if err != nil {
			return respondError(c, err)
		}
		ref, err := h.wf.UploadRecordContent(ctx, caller(c), patientID, data)
		if err != nil {
			return respondError(c, err)
		}
		return c.JSON(http.StatusCreated, ref)
	}

	var req uploadRequest
	if err := c.Bind(&req); err != nil {
		return respondError(c, apperr.Validation("malformed body: %v", err))
	}
	ref, err := h.wf.UploadRecord(ctx, caller(c), patientID, req.ContentID)
	if err != nil {
		return respondError(c, err)
	}
	return c.JSON(http.StatusCreated, ref)
}

func readFormFile(c echo.Context, field string) ([]byte, error) {
	fh, err := c.FormFile(field)
	if err != nil {
		return nil, apperr.Validation("multipart field %q is required", field)
	}
	src, err := fh.Open()
	if err != nil {
		return nil, apperr.Validation("open upload: %v", err)
	}
	defer src.Close()
	// One byte past the limit lets CheckSize report the overflow.
	data, err := io.ReadAll(io.LimitReader(src, blobstore.MaxFileSize+1))
	if err != nil {
		return nil, apperr.Validation("read upload: %v", err)
	}
	return data, nil
}

func (h *Handler) ListRecords(c echo.Context) error {
	refs, err := h.wf.ListRecords(c.Request().Context(), caller(c), c.Param("patientID"))
	if err != nil {
		return respondError(c, err)
	}
	return c.JSON(http.StatusOK, map[string]any{"records": refs})
}

func (h *Handler) RecordContent(c echo.Context) error {
	data, err := h.wf.RecordContent(c.Request().Context(), caller(c), c.Param("patientID"), c.Param("contentID"))
	if err != nil {
		return respondError(c, err)
	}
	return c.Blob(http.StatusOK, http.DetectContentType(data), data)
}

func (h *Handler) CreateConsultation(c echo.Context) error {
	var in consultation.NewEntry
	if err := c.Bind(&in); err != nil {
		return respondError(c, apperr.Validation("malformed body: %v", err))
	}
	in.PatientID = c.Param("patientID")
	entry, err := h.wf.CreateConsultation(c.Request().Context(), caller(c), in)
	if err != nil {
		return respondError(c, err)
	}
	return c.JSON(http.StatusCreated, entry)
}

// ListConsultations narrows to one doctor when doctor_id is given.
func (h *Handler) ListConsultations(c echo.Context) error {
	var (
		views []*consultation.View
		err   error
	)
	ctx := c.Request().Context()
	if doctorID := c.QueryParam("doctor_id"); doctorID != "" {
		views, err = h.wf.ListConsultationsForPatientAndDoctor(ctx, caller(c), c.Param("patientID"), doctorID)
	} else {
		views, err = h.wf.ListConsultationsForPatient(ctx, caller(c), c.Param("patientID"))
	}
	if err != nil {
		return respondError(c, err)
	}
	return c.JSON(http.StatusOK, map[string]any{"consultations": views})
}

func (h *Handler) CheckAdmin(c echo.Context) error {
	if err := h.wf.CheckAdmin(c.Request().Context(), caller(c)); err != nil {
		return respondError(c, err)
	}
	return c.JSON(http.StatusOK, map[string]any{"admin": true})
}

func (h *Handler) ListIdentities(c echo.Context) error {
	role, err := directory.ParseRole(c.Param("role"))
	if err != nil {
		return respondError(c, err)
	}
	p := pagination.FromContext(c)
	items, total, err := h.wf.ListIdentities(c.Request().Context(), caller(c), role, p.Limit, p.Offset)
	if err != nil {
		return respondError(c, err)
	}
	return c.JSON(http.StatusOK, pagination.NewResponse(items, total, p.Limit, p.Offset))
}

func (h *Handler) ExportDirectory(c echo.Context) error {
	var buf bytes.Buffer
	if err := h.wf.ExportDirectory(c.Request().Context(), caller(c), &buf); err != nil {
		return respondError(c, err)
	}
	c.Response().Header().Set(echo.HeaderContentDisposition, `attachment; filename="directory.xlsx"`)
	c.Response().Header().Set(echo.HeaderContentLength, strconv.Itoa(buf.Len()))
	return c.Blob(http.StatusOK, xlsxContentType, buf.Bytes())
}
