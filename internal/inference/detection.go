package inference

import (
	"context"
	"fmt"
	"image"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"go.uber.org/zap"

	"github.com/pestwatch/backend/internal/metrics"
	"github.com/pestwatch/backend/pkg/logger"
)

// Detection is one object found in an image. BBox is x1, y1, x2, y2 in
// source-image pixels.
type Detection struct {
	BBox       [4]float64 `json:"bbox"`
	Confidence float64    `json:"confidence"`
	ClassID    int        `json:"class_id"`
	ClassName  string     `json:"class_name"`
}

// Engine runs a loaded detection model on a decoded image. Implementations
// must be safe for concurrent use.
type Engine interface {
	Detect(img image.Image) ([]Detection, error)
	Close()
}

type Request struct {
	ModelPath string
	ImagePath string
	UserID    int64
	OutputDir string
}

// Adapter runs detection for uploaded images and keeps an annotated copy of
// every processed image under OutputDir/UserID.
type Adapter struct {
	engines *Registry
}

func NewAdapter(engines *Registry) *Adapter {
	return &Adapter{engines: engines}
}

// Detect returns detections in the model's native order. Nothing is
// returned on failure; partial results are discarded.
func (a *Adapter) Detect(ctx context.Context, req Request) ([]Detection, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	start := time.Now()

	dets, err := a.detect(req)
	if err != nil {
		logger.Error("Detection failed",
			zap.String("model_path", req.ModelPath),
			zap.String("image_path", req.ImagePath),
			zap.Int64("user_id", req.UserID),
			zap.Error(err),
		)
		return nil, err
	}

	elapsed := time.Since(start)
	metrics.InferenceDuration.Observe(elapsed.Seconds())

	logger.Info("Detection completed",
		zap.String("image_path", req.ImagePath),
		zap.Int64("user_id", req.UserID),
		zap.Int("detections", len(dets)),
		zap.Duration("elapsed", elapsed),
	)
	return dets, nil
}

func (a *Adapter) detect(req Request) ([]Detection, error) {
	userDir := filepath.Join(req.OutputDir, strconv.FormatInt(req.UserID, 10))
	if err := os.MkdirAll(userDir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create output directory: %w", err)
	}

	img, err := loadImage(req.ImagePath)
	if err != nil {
		return nil, err
	}

	engine, release, err := a.engines.Acquire(req.ModelPath)
	if err != nil {
		return nil, err
	}
	defer release()

	dets, err := engine.Detect(img)
	if err != nil {
		return nil, fmt.Errorf("failed to run model: %w", err)
	}

	outPath := filepath.Join(userDir, filepath.Base(req.ImagePath))
	if err := saveImage(outPath, Annotate(img, dets)); err != nil {
		return nil, err
	}

	return dets, nil
}
