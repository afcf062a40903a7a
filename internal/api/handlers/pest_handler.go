package handlers

import (
	"errors"
	"strings"

	"github.com/gofiber/fiber/v2"
	"go.uber.org/zap"

	"github.com/pestwatch/backend/internal/detection"
	"github.com/pestwatch/backend/internal/pest"
	"github.com/pestwatch/backend/pkg/logger"
)

type PestHandler struct {
	knowledge *pest.Knowledge
	searcher  *pest.Searcher
	records   *detection.Service
}

func NewPestHandler(knowledge *pest.Knowledge, searcher *pest.Searcher, records *detection.Service) *PestHandler {
	return &PestHandler{knowledge: knowledge, searcher: searcher, records: records}
}

func (h *PestHandler) List(c *fiber.Ctx) error {
	res, err := h.knowledge.List(c.Context(),
		strings.TrimSpace(c.Query("name")),
		c.QueryInt("page", 1),
		c.QueryInt("per_page", pest.DefaultPerPage),
	)
	if err != nil {
		logger.Error("Failed to list pests", zap.Error(err))
		return fail(c, fiber.StatusInternalServerError, "failed to load pests")
	}

	return c.JSON(fiber.Map{
		"code":       fiber.StatusOK,
		"data":       res.Pests,
		"pagination": res.Page,
	})
}

func (h *PestHandler) Get(c *fiber.Ctx) error {
	id, err := c.ParamsInt("id")
	if err != nil || id <= 0 {
		return fail(c, fiber.StatusBadRequest, "invalid pest id")
	}

	p, err := h.knowledge.Get(c.Context(), int64(id))
	if err != nil {
		logger.Error("Failed to load pest", zap.Int("pest_id", id), zap.Error(err))
		return fail(c, fiber.StatusInternalServerError, "failed to load pest")
	}
	if p == nil {
		return fail(c, fiber.StatusNotFound, "pest not found")
	}

	return respond(c, p)
}

func (h *PestHandler) Stats(c *fiber.Ctx) error {
	id, err := c.ParamsInt("id")
	if err != nil || id <= 0 {
		return fail(c, fiber.StatusBadRequest, "invalid pest id")
	}

	p, err := h.knowledge.Get(c.Context(), int64(id))
	if err != nil {
		logger.Error("Failed to load pest", zap.Int("pest_id", id), zap.Error(err))
		return fail(c, fiber.StatusInternalServerError, "failed to load pest")
	}
	if p == nil {
		return fail(c, fiber.StatusNotFound, "pest not found")
	}

	stats, err := h.records.GetPestStats(c.Context(), p.ID)
	if err != nil {
		logger.Error("Failed to load pest stats", zap.Int("pest_id", id), zap.Error(err))
		return fail(c, fiber.StatusInternalServerError, "failed to load pest stats")
	}

	return respond(c, stats)
}

func (h *PestHandler) Search(c *fiber.Ctx) error {
	q := strings.TrimSpace(c.Query("q"))
	if q == "" {
		return fail(c, fiber.StatusBadRequest, "q is required")
	}

	hits, err := h.searcher.Search(c.Context(), q, c.QueryInt("limit", 5))
	if errors.Is(err, pest.ErrSearchDisabled) {
		return fail(c, fiber.StatusServiceUnavailable, err.Error())
	}
	if err != nil {
		logger.Error("Pest search failed", zap.String("query", q), zap.Error(err))
		return fail(c, fiber.StatusInternalServerError, "search failed")
	}

	return respond(c, hits)
}
