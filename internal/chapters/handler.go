// Package chapters exposes the editing service over HTTP.
package chapters

import (
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"chapterhub/internal/auth"
	"chapterhub/internal/conflict"
	"chapterhub/internal/editing"
	"chapterhub/internal/lock"
	"chapterhub/internal/parser"
	"chapterhub/internal/store"
	"chapterhub/pkg/models"
)

type Handler struct {
	Service *editing.Service
}

func NewHandler(svc *editing.Service) *Handler {
	return &Handler{Service: svc}
}

func (h *Handler) RegisterRoutes(rg *gin.RouterGroup) {
	rg.POST("/chapters/parse", h.parse)
	rg.GET("/chapters/:id", h.get)

	rg.GET("/catalogs/:manga_id/chapters", h.list)

	edit := rg.Group("", auth.RequireCaller())
	edit.POST("/catalogs/:manga_id/chapters", h.create)
	edit.POST("/catalogs/:manga_id/import", h.importListing)
	edit.POST("/chapters/:id/lease", h.acquire)
	edit.DELETE("/chapters/:id/lease", h.release)
	edit.POST("/chapters/:id/lease/touch", h.touch)
	edit.PATCH("/chapters/:id", h.commit)
	edit.POST("/chapters/:id/resolve", h.resolve)
}

type parseReq struct {
	Text string `json:"text"`
}

type parseResp struct {
	parser.Result
	Summary parser.Summary `json:"summary"`
}

func (h *Handler) parse(c *gin.Context) {
	var req parseReq
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid json"})
		return
	}
	res := h.Service.Parse(req.Text)
	c.JSON(http.StatusOK, parseResp{Result: res, Summary: parser.Summarize(res.Candidates)})
}

type importReq struct {
	Text string `json:"text"`
	editing.ImportOptions
}

func (h *Handler) importListing(c *gin.Context) {
	var req importReq
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid json"})
		return
	}
	if strings.TrimSpace(req.Text) == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "text required"})
		return
	}

	report, err := h.Service.Import(c.Request.Context(), c.Param("manga_id"), req.Text, req.ImportOptions)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, report)
}

func (h *Handler) list(c *gin.Context) {
	items, err := h.Service.List(c.Request.Context(), strings.TrimSpace(c.Param("manga_id")))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"items": items})
}

func (h *Handler) create(c *gin.Context) {
	var req models.NewChapter
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid json"})
		return
	}
	req.MangaID = c.Param("manga_id")

	rec, err := h.Service.Create(c.Request.Context(), req)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusCreated, rec)
}

func (h *Handler) get(c *gin.Context) {
	view, err := h.Service.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, view)
}

type acquireReq struct {
	TTLSeconds int `json:"ttl_seconds"`
}

func (h *Handler) acquire(c *gin.Context) {
	var req acquireReq
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid json"})
			return
		}
	}
	if req.TTLSeconds < 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "ttl_seconds must be >= 0"})
		return
	}

	l, err := h.Service.Acquire(c.Request.Context(), c.Param("id"), auth.CallerID(c), time.Duration(req.TTLSeconds)*time.Second)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, l)
}

func (h *Handler) release(c *gin.Context) {
	if err := h.Service.Release(c.Request.Context(), c.Param("id"), auth.CallerID(c)); err != nil {
		writeError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (h *Handler) touch(c *gin.Context) {
	l, err := h.Service.Touch(c.Request.Context(), c.Param("id"), auth.CallerID(c))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, l)
}

type commitReq struct {
	BaseVersion int64               `json:"base_version"`
	Changes     models.ChapterPatch `json:"changes"`
}

func (h *Handler) commit(c *gin.Context) {
	var req commitReq
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid json"})
		return
	}
	if req.BaseVersion < 1 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "base_version must be >= 1"})
		return
	}
	if len(req.Changes.Touched()) == 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "no changes"})
		return
	}

	out, err := h.Service.Commit(c.Request.Context(), c.Param("id"), req.BaseVersion, req.Changes, auth.CallerID(c))
	if err != nil {
		writeError(c, err)
		return
	}
	writeOutcome(c, out)
}

type resolveReq struct {
	Report     *conflict.ConflictReport   `json:"report"`
	Resolution map[string]conflict.Choice `json:"resolution"`
}

func (h *Handler) resolve(c *gin.Context) {
	var req resolveReq
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid json"})
		return
	}
	if req.Report == nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "report required"})
		return
	}
	if req.Report.RecordID != c.Param("id") {
		c.JSON(http.StatusBadRequest, gin.H{"error": "report is for a different chapter"})
		return
	}

	out, err := h.Service.Resolve(c.Request.Context(), req.Report, req.Resolution, auth.CallerID(c))
	if err != nil {
		writeError(c, err)
		return
	}
	writeOutcome(c, out)
}

// writeOutcome answers 200 for a commit and 409 with the report for a
// conflict.
func writeOutcome(c *gin.Context, out conflict.Outcome) {
	if out.Committed {
		c.JSON(http.StatusOK, out)
		return
	}
	c.JSON(http.StatusConflict, out)
}

func writeError(c *gin.Context, err error) {
	var (
		verr   *models.ValidationError
		denied *lock.DeniedError
	)
	switch {
	case errors.As(err, &verr):
		c.JSON(http.StatusBadRequest, gin.H{"error": "validation failed", "problems": verr.Problems})
	case errors.As(err, &denied):
		c.JSON(http.StatusLocked, gin.H{
			"error":      "chapter is being edited",
			"holder":     denied.Holder,
			"expires_at": denied.ExpiresAt,
		})
	case errors.Is(err, store.ErrNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "not found"})
	case errors.Is(err, store.ErrDuplicateNumber):
		c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
	case errors.Is(err, conflict.ErrLeaseNotHeld):
		c.JSON(http.StatusLocked, gin.H{"error": "acquire the lease before saving"})
	case errors.Is(err, lock.ErrNotHeld):
		c.JSON(http.StatusConflict, gin.H{"error": "no live lease"})
	case errors.Is(err, conflict.ErrIncompleteResolution),
		errors.Is(err, conflict.ErrInvalidResolution),
		errors.Is(err, lock.ErrInvalidRequest),
		errors.Is(err, editing.ErrMangaIDRequired):
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
	case errors.Is(err, editing.ErrCallerRequired):
		c.JSON(http.StatusUnauthorized, gin.H{"error": err.Error()})
	default:
		_ = c.Error(err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
	}
}
