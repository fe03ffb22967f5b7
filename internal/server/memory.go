package server

import (
	"context"
	"errors"
	"log"
	"net/http"
	"strings"

	"github.com/labstack/echo/v4"

	"github.com/saeed-khosravi/fabula/internal/annotate"
	"github.com/saeed-khosravi/fabula/internal/extractor"
	"github.com/saeed-khosravi/fabula/internal/memory"
)

type narrativeEngine interface {
	IngestChapterAnalysis(ctx context.Context, tenant memory.Tenant, chapter memory.ChapterRef, chapterText string, analysis memory.ChapterAnalysis) (extractor.Result, error)
	AssembleContext(ctx context.Context, tenant memory.Tenant, targetChapter int, characterNames []string, themeHint string, tokenBudget int) (memory.ContextBundle, error)
	GetAnnotations(ctx context.Context, tenant memory.Tenant, chapterID, chapterText string) ([]annotate.Span, error)
	ResolveForeshadow(ctx context.Context, tenant memory.Tenant, foreshadowID string, resolvingChapter memory.ChapterRef) error
	OpenForeshadows(ctx context.Context, tenant memory.Tenant) ([]memory.Memory, error)
	DeleteProject(ctx context.Context, tenant memory.Tenant) error
}

// MemoryHandler exposes the narrative memory APIs.
type MemoryHandler struct {
	engine narrativeEngine
	logger *log.Logger
}

func NewMemoryHandler(engine narrativeEngine, logger *log.Logger) *MemoryHandler {
	if engine == nil {
		return nil
	}
	if logger == nil {
		logger = log.New(log.Writer(), "[MEMORY] ", log.LstdFlags)
	}
	return &MemoryHandler{engine: engine, logger: logger}
}

// Register mounts the handler under a project-scoped group. Every route
// carries user_id and project_id so tenants never share a namespace.
func (h *MemoryHandler) Register(g *echo.Group) {
	if h == nil {
		return
	}
	g.POST("/chapters/:chapter_id/analysis", h.ingest)
	g.POST("/chapters/:chapter_id/annotations", h.annotations)
	g.POST("/context", h.assemble)
	g.GET("/foreshadows", h.openForeshadows)
	g.POST("/foreshadows/:foreshadow_id/resolve", h.resolve)
	g.DELETE("", h.deleteProject)
}

func tenantFrom(c echo.Context) (memory.Tenant, error) {
	t := memory.Tenant{
		UserID:    strings.TrimSpace(c.Param("user_id")),
		ProjectID: strings.TrimSpace(c.Param("project_id")),
	}
	if err := t.Validate(); err != nil {
		return memory.Tenant{}, echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	return t, nil
}

type ingestRequest struct {
	ChapterNumber int                    `json:"chapter_number"`
	ChapterText   string                 `json:"chapter_text"`
	Analysis      memory.ChapterAnalysis `json:"analysis"`
}

type ingestResponse struct {
	CreatedIDs []string `json:"created_ids"`
	Skipped    int      `json:"skipped"`
	Duplicates int      `json:"duplicates"`
	Warnings   []string `json:"warnings,omitempty"`
}

func (h *MemoryHandler) ingest(c echo.Context) error {
	tenant, err := tenantFrom(c)
	if err != nil {
		return err
	}
	var req ingestRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	if req.ChapterNumber <= 0 {
		return echo.NewHTTPError(http.StatusBadRequest, "chapter_number must be >= 1")
	}
	chapter := memory.ChapterRef{ID: c.Param("chapter_id"), Number: req.ChapterNumber}
	res, err := h.engine.IngestChapterAnalysis(c.Request().Context(), tenant, chapter, req.ChapterText, req.Analysis)
	if err != nil {
		h.logger.Printf("ingest chapter %s failed: %v", chapter.ID, err)
		return httpError(err)
	}
	return c.JSON(http.StatusOK, ingestResponse{
		CreatedIDs: res.CreatedIDs,
		Skipped:    res.Skipped,
		Duplicates: res.Duplicates,
		Warnings:   res.Warnings,
	})
}

type assembleRequest struct {
	TargetChapter  int      `json:"target_chapter"`
	CharacterNames []string `json:"character_names,omitempty"`
	ThemeHint      string   `json:"theme_hint,omitempty"`
	TokenBudget    int      `json:"token_budget,omitempty"`
}

func (h *MemoryHandler) assemble(c echo.Context) error {
	tenant, err := tenantFrom(c)
	if err != nil {
		return err
	}
	var req assembleRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	if req.TargetChapter <= 0 {
		return echo.NewHTTPError(http.StatusBadRequest, "target_chapter must be >= 1")
	}
	bundle, err := h.engine.AssembleContext(c.Request().Context(), tenant, req.TargetChapter, req.CharacterNames, req.ThemeHint, req.TokenBudget)
	if err != nil {
		h.logger.Printf("assemble for chapter %d failed: %v", req.TargetChapter, err)
		return httpError(err)
	}
	return c.JSON(http.StatusOK, bundle)
}

type annotationsRequest struct {
	ChapterText string `json:"chapter_text"`
}

func (h *MemoryHandler) annotations(c echo.Context) error {
	tenant, err := tenantFrom(c)
	if err != nil {
		return err
	}
	var req annotationsRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	spans, err := h.engine.GetAnnotations(c.Request().Context(), tenant, c.Param("chapter_id"), req.ChapterText)
	if err != nil {
		h.logger.Printf("annotations for chapter %s failed: %v", c.Param("chapter_id"), err)
		return httpError(err)
	}
	if spans == nil {
		spans = []annotate.Span{}
	}
	return c.JSON(http.StatusOK, map[string]interface{}{"annotations": spans})
}

func (h *MemoryHandler) openForeshadows(c echo.Context) error {
	tenant, err := tenantFrom(c)
	if err != nil {
		return err
	}
	state := c.QueryParam("state")
	if state != "" && state != memory.ForeshadowPlanted {
		return echo.NewHTTPError(http.StatusBadRequest, "only state=planted is supported")
	}
	ms, err := h.engine.OpenForeshadows(c.Request().Context(), tenant)
	if err != nil {
		h.logger.Printf("list foreshadows failed: %v", err)
		return httpError(err)
	}
	if ms == nil {
		ms = []memory.Memory{}
	}
	return c.JSON(http.StatusOK, map[string]interface{}{"foreshadows": ms})
}

type resolveRequest struct {
	ChapterID     string `json:"chapter_id"`
	ChapterNumber int    `json:"chapter_number"`
}

func (h *MemoryHandler) resolve(c echo.Context) error {
	tenant, err := tenantFrom(c)
	if err != nil {
		return err
	}
	var req resolveRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	if req.ChapterNumber <= 0 {
		return echo.NewHTTPError(http.StatusBadRequest, "chapter_number must be >= 1")
	}
	chapter := memory.ChapterRef{ID: req.ChapterID, Number: req.ChapterNumber}
	if err := h.engine.ResolveForeshadow(c.Request().Context(), tenant, c.Param("foreshadow_id"), chapter); err != nil {
		h.logger.Printf("resolve foreshadow %s failed: %v", c.Param("foreshadow_id"), err)
		return httpError(err)
	}
	return c.JSON(http.StatusOK, map[string]string{"status": "resolved"})
}

func (h *MemoryHandler) deleteProject(c echo.Context) error {
	tenant, err := tenantFrom(c)
	if err != nil {
		return err
	}
	if err := h.engine.DeleteProject(c.Request().Context(), tenant); err != nil {
		h.logger.Printf("delete project %s failed: %v", tenant.ProjectID, err)
		return httpError(err)
	}
	return c.NoContent(http.StatusNoContent)
}

// httpError maps domain sentinels onto HTTP status codes.
func httpError(err error) error {
	switch {
	case errors.Is(err, memory.ErrNotFound):
		return echo.NewHTTPError(http.StatusNotFound, err.Error())
	case errors.Is(err, memory.ErrInvalidTransition):
		return echo.NewHTTPError(http.StatusConflict, err.Error())
	case errors.Is(err, memory.ErrExtraction):
		return echo.NewHTTPError(http.StatusUnprocessableEntity, err.Error())
	case errors.Is(err, memory.ErrEmbedding):
		return echo.NewHTTPError(http.StatusBadGateway, err.Error())
	case errors.Is(err, memory.ErrRetrievalTimeout):
		return echo.NewHTTPError(http.StatusGatewayTimeout, err.Error())
	default:
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
}
