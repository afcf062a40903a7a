package handlers

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/pestwatch/backend/internal/auth"
	"github.com/pestwatch/backend/internal/detection"
	"github.com/pestwatch/backend/internal/inference"
	"github.com/pestwatch/backend/internal/middleware/validation"
	"github.com/pestwatch/backend/pkg/logger"
)

type DetectConfig struct {
	ModelPath  string
	UploadsDir string
	OutputDir  string
}

type DetectHandler struct {
	adapter *inference.Adapter
	records *detection.Service
	cfg     DetectConfig
	now     func() time.Time
}

func NewDetectHandler(adapter *inference.Adapter, records *detection.Service, cfg DetectConfig) *DetectHandler {
	return &DetectHandler{adapter: adapter, records: records, cfg: cfg, now: time.Now}
}

var unsafeFilenameChars = regexp.MustCompile(`[^A-Za-z0-9._-]+`)

// secureFilename keeps only the base name and a conservative character set
// in the stem. The extension is kept lowercased so the stored file stays
// servable and is re-encoded in its own format.
func secureFilename(name string) string {
	name = filepath.Base(strings.ReplaceAll(name, "\\", "/"))
	ext := strings.ToLower(filepath.Ext(name))
	if ext == "." || unsafeFilenameChars.MatchString(ext) {
		ext = ""
	}

	stem := strings.TrimSuffix(name, filepath.Ext(name))
	stem = unsafeFilenameChars.ReplaceAllString(stem, "_")
	stem = strings.Trim(stem, "._")
	if stem == "" {
		stem = "upload"
	}
	return stem + ext
}

// DetectImage saves the upload, runs detection and stores one record per
// detected object.
func (h *DetectHandler) DetectImage(c *fiber.Ctx) error {
	userID := auth.UserID(c)

	file, ok := validation.Upload(c)
	if !ok {
		return fail(c, fiber.StatusBadRequest, "no file uploaded")
	}

	filename := fmt.Sprintf("%s_%s_%s",
		h.now().Format("20060102150405"),
		uuid.New().String()[:8],
		secureFilename(file.Filename),
	)

	if err := os.MkdirAll(h.cfg.UploadsDir, 0o755); err != nil {
		logger.Error("Failed to create uploads directory", zap.Error(err))
		return fail(c, fiber.StatusInternalServerError, "detection failed")
	}
	uploadPath := filepath.Join(h.cfg.UploadsDir, filename)
	if err := c.SaveFile(file, uploadPath); err != nil {
		logger.Error("Failed to save upload", zap.String("path", uploadPath), zap.Error(err))
		return fail(c, fiber.StatusInternalServerError, "detection failed")
	}

	dets, err := h.adapter.Detect(c.Context(), inference.Request{
		ModelPath: h.cfg.ModelPath,
		ImagePath: uploadPath,
		UserID:    userID,
		OutputDir: h.cfg.OutputDir,
	})
	if err != nil {
		return fail(c, fiber.StatusInternalServerError, "detection failed")
	}

	imageURL := strconv.FormatInt(userID, 10) + "/" + filename
	records, err := h.records.CreateRecords(c.Context(), userID, imageURL, dets)
	if err != nil {
		return fail(c, fiber.StatusInternalServerError, "detection failed")
	}

	return respond(c, records)
}

func (h *DetectHandler) GetRecords(c *fiber.Ctx) error {
	userID := auth.UserID(c)

	records, err := h.records.GetUserRecords(c.Context(), userID, c.QueryInt("limit", detection.DefaultLimit), c.QueryInt("offset", 0))
	if err != nil {
		logger.Error("Failed to list detection records", zap.Int64("user_id", userID), zap.Error(err))
		return fail(c, fiber.StatusInternalServerError, "failed to load records")
	}

	return respond(c, records)
}

func (h *DetectHandler) UpdateRecordStatus(c *fiber.Ctx) error {
	userID := auth.UserID(c)

	recordID, err := c.ParamsInt("id")
	if err != nil || recordID <= 0 {
		return fail(c, fiber.StatusBadRequest, "invalid record id")
	}

	var req struct {
		Status *int `json:"status"`
	}
	if err := c.BodyParser(&req); err != nil || req.Status == nil {
		return fail(c, fiber.StatusBadRequest, "status is required")
	}

	record, err := h.records.UpdateRecordStatus(c.Context(), int64(recordID), *req.Status, &userID)
	if errors.Is(err, detection.ErrInvalidStatus) {
		return fail(c, fiber.StatusBadRequest, err.Error())
	}
	if err != nil {
		logger.Error("Failed to update record status", zap.Int("record_id", recordID), zap.Error(err))
		return fail(c, fiber.StatusInternalServerError, "failed to update record")
	}
	if record == nil {
		return fail(c, fiber.StatusNotFound, "record not found")
	}

	return respond(c, record)
}

// ServeImage sends an annotated image by its path relative to the output
// directory.
func (h *DetectHandler) ServeImage(c *fiber.Ctx) error {
	rel := c.Params("*")
	if rel == "" || !validation.AllowedFile(rel, validation.DefaultImageExtensions) {
		return fail(c, fiber.StatusNotFound, "image not found")
	}

	return sendFileUnder(c, h.cfg.OutputDir, rel)
}

// sendFileUnder serves root/rel, refusing paths that escape root.
func sendFileUnder(c *fiber.Ctx, root, rel string) error {
	cleaned := filepath.Clean("/" + filepath.FromSlash(rel))
	full := filepath.Join(root, cleaned)

	info, err := os.Stat(full)
	if err != nil || info.IsDir() {
		return fail(c, fiber.StatusNotFound, "image not found")
	}

	return c.SendFile(full)
}
