package timeclock

import (
	"bytes"
	"context"
	"math"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"fieldops-backend/internal/platform/auth"
)

type Handler struct{ svc *Service }

// RegisterRoutes: worker 系は認証済み全員、supervisor 系は
// supervisor/admin ロールのグループに載せる（main側でミドルウェアを分ける）。
func RegisterRoutes(worker gin.IRoutes, supervisor gin.IRoutes, svc *Service) {
	h := &Handler{svc: svc}

	worker.POST("/clock-in", h.ClockIn)
	worker.POST("/clock-out", h.ClockOut)
	worker.GET("/sessions/active", h.GetActiveSession)
	worker.GET("/time-entries", h.GetTimeEntries)

	supervisor.GET("/sites/:site_id/time-entries", h.GetSiteTimeEntries)
	supervisor.GET("/sites/:site_id/time-entries/export", h.ExportSiteTimeEntries)
	supervisor.POST("/time-entries/:worker_id/:entry_id/approve", h.ApproveEntry)
	supervisor.GET("/alerts", h.ListAlerts)
	supervisor.POST("/alerts/:alert_id/ack", h.AcknowledgeAlert)
	supervisor.DELETE("/alerts/:alert_id", h.DeleteAlert)
}

// reportedProvider はリクエストに載ってきた端末測位結果を Provider として
// 差し込む。端末が拒否を報告してきた場合は両段とも同じ拒否を返す。
type reportedProvider struct {
	fix    *ReportedFix
	denied string
}

func (p reportedProvider) Fix(ctx context.Context, req FixRequest) (RawFix, error) {
	if p.denied != "" {
		return RawFix{}, &DeniedError{Reason: denialReason(p.denied), Message: "reported by device"}
	}
	if p.fix == nil {
		return RawFix{}, &DeniedError{Reason: DenialUnavailable, Message: "no fix reported"}
	}
	acc := math.NaN()
	if p.fix.AccuracyMeters != nil {
		acc = *p.fix.AccuracyMeters
	}
	return RawFix{Lat: p.fix.Lat, Lng: p.fix.Lng, AccuracyMeters: acc}, nil
}

func denialReason(s string) DenialReason {
	switch DenialReason(s) {
	case DenialPermission, DenialUnavailable, DenialTimeout:
		return DenialReason(s)
	default:
		return DenialUnavailable
	}
}

// ---------- handlers ----------

// POST /clock-in
func (h *Handler) ClockIn(c *gin.Context) {
	ident, ok := auth.CurrentUser(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, errorBody(CodeNotAuthenticated, "not authenticated"))
		return
	}

	var req ClockInRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, errorBody(CodeInvalidArgument, "invalid json or missing required fields"))
		return
	}

	loc := reportedProvider{fix: req.Fix, denied: req.DeniedReason}
	res, err := h.svc.ClockIn(c.Request.Context(), ident.ID, ident.DisplayName, req.SiteID, loc)
	if err != nil {
		c.JSON(toHTTPStatus(err), errorFromErr(err))
		return
	}
	c.JSON(http.StatusCreated, res)
}

// POST /clock-out
func (h *Handler) ClockOut(c *gin.Context) {
	ident, ok := auth.CurrentUser(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, errorBody(CodeNotAuthenticated, "not authenticated"))
		return
	}

	res, err := h.svc.ClockOut(c.Request.Context(), ident.ID)
	if err != nil {
		c.JSON(toHTTPStatus(err), errorFromErr(err))
		return
	}
	c.JSON(http.StatusOK, res)
}

// GET /sessions/active
func (h *Handler) GetActiveSession(c *gin.Context) {
	ident, ok := auth.CurrentUser(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, errorBody(CodeNotAuthenticated, "not authenticated"))
		return
	}

	sess, err := h.svc.GetActiveSession(c.Request.Context(), ident.ID)
	if err != nil {
		c.JSON(toHTTPStatus(err), errorFromErr(err))
		return
	}
	if sess == nil {
		c.Status(http.StatusNoContent)
		return
	}
	c.JSON(http.StatusOK, sess)
}

// GET /time-entries
func (h *Handler) GetTimeEntries(c *gin.Context) {
	ident, ok := auth.CurrentUser(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, errorBody(CodeNotAuthenticated, "not authenticated"))
		return
	}

	limit := parseIntDefault(c.Query("limit"), DefaultEntryLimit)
	entries, err := h.svc.GetTimeEntries(c.Request.Context(), ident.ID, limit)
	if err != nil {
		c.JSON(toHTTPStatus(err), errorFromErr(err))
		return
	}
	c.JSON(http.StatusOK, gin.H{"entries": entries})
}

// GET /sites/:site_id/time-entries
func (h *Handler) GetSiteTimeEntries(c *gin.Context) {
	limit := parseIntDefault(c.Query("limit"), DefaultEntryLimit)
	entries, err := h.svc.GetSiteTimeEntries(c.Request.Context(), c.Param("site_id"), limit)
	if err != nil {
		c.JSON(toHTTPStatus(err), errorFromErr(err))
		return
	}
	c.JSON(http.StatusOK, gin.H{"entries": entries})
}

// GET /sites/:site_id/time-entries/export
func (h *Handler) ExportSiteTimeEntries(c *gin.Context) {
	siteID := c.Param("site_id")
	limit := parseIntDefault(c.Query("limit"), MaxEntryLimit)

	// 直接ストリームするとエラー時にステータスを変えられないので一旦バッファへ
	var buf bytes.Buffer
	if err := h.svc.ExportSiteEntriesCSV(c.Request.Context(), siteID, limit, &buf); err != nil {
		c.JSON(toHTTPStatus(err), errorFromErr(err))
		return
	}

	c.Header("Content-Disposition", `attachment; filename="time-entries-`+siteID+`.csv"`)
	c.Data(http.StatusOK, "text/csv; charset=utf-8", buf.Bytes())
}

// POST /time-entries/:worker_id/:entry_id/approve
func (h *Handler) ApproveEntry(c *gin.Context) {
	ident, ok := auth.CurrentUser(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, errorBody(CodeNotAuthenticated, "not authenticated"))
		return
	}

	err := h.svc.ApproveEntry(c.Request.Context(), ident.ID, c.Param("worker_id"), c.Param("entry_id"))
	if err != nil {
		c.JSON(toHTTPStatus(err), errorFromErr(err))
		return
	}
	c.JSON(http.StatusOK, gin.H{"message": "approved"})
}

// GET /alerts
func (h *Handler) ListAlerts(c *gin.Context) {
	ident, ok := auth.CurrentUser(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, errorBody(CodeNotAuthenticated, "not authenticated"))
		return
	}

	limit := parseIntDefault(c.Query("limit"), DefaultAlertLimit)
	alerts, err := h.svc.ListAlerts(c.Request.Context(), ident.ID, limit)
	if err != nil {
		c.JSON(toHTTPStatus(err), errorFromErr(err))
		return
	}
	c.JSON(http.StatusOK, gin.H{"alerts": alerts})
}

// POST /alerts/:alert_id/ack
func (h *Handler) AcknowledgeAlert(c *gin.Context) {
	ident, ok := auth.CurrentUser(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, errorBody(CodeNotAuthenticated, "not authenticated"))
		return
	}

	if err := h.svc.AcknowledgeAlert(c.Request.Context(), ident.ID, c.Param("alert_id")); err != nil {
		c.JSON(toHTTPStatus(err), errorFromErr(err))
		return
	}
	c.JSON(http.StatusOK, gin.H{"message": "acknowledged"})
}

// DELETE /alerts/:alert_id
func (h *Handler) DeleteAlert(c *gin.Context) {
	ident, ok := auth.CurrentUser(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, errorBody(CodeNotAuthenticated, "not authenticated"))
		return
	}

	if err := h.svc.DeleteAlert(c.Request.Context(), ident.ID, c.Param("alert_id")); err != nil {
		c.JSON(toHTTPStatus(err), errorFromErr(err))
		return
	}
	c.JSON(http.StatusOK, gin.H{"message": "deleted"})
}

// ---------- helpers ----------

func parseIntDefault(s string, d int) int {
	if s == "" {
		return d
	}
	v, err := strconv.Atoi(s)
	if err != nil {
		return d
	}
	return v
}

type errorDTO struct {
	Error struct {
		Code    Code   `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

func errorBody(code Code, msg string) errorDTO {
	var e errorDTO
	e.Error.Code = code
	e.Error.Message = msg
	return e
}

func errorFromErr(err error) errorDTO {
	var msg string
	var code Code = CodeInternal
	if api, ok := err.(*APIError); ok {
		code, msg = api.Code, api.Message
	} else {
		msg = err.Error()
	}
	return errorBody(code, msg)
}
