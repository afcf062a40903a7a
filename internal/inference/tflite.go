package inference

import (
	"bufio"
	"fmt"
	"image"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"sync"

	"github.com/tphakala/go-tflite"
	"go.uber.org/zap"

	"github.com/pestwatch/backend/pkg/logger"
)

type TFLiteConfig struct {
	// LabelsPath defaults to the model path with a .labels extension.
	LabelsPath          string
	ConfidenceThreshold float64
	IoUThreshold        float64
	Threads             int
}

type tfliteEngine struct {
	mu          sync.Mutex
	model       *tflite.Model
	options     *tflite.InterpreterOptions
	interpreter *tflite.Interpreter
	labels      []string
	inputW      int
	inputH      int
	cfg         TFLiteConfig
}

// NewTFLiteLoader returns a Loader for YOLOv8 detection models exported to
// TensorFlow Lite with float32 input.
func NewTFLiteLoader(cfg TFLiteConfig) Loader {
	return func(modelPath string) (Engine, error) {
		return loadTFLite(modelPath, cfg)
	}
}

func loadTFLite(modelPath string, cfg TFLiteConfig) (*tfliteEngine, error) {
	labelsPath := cfg.LabelsPath
	if labelsPath == "" {
		labelsPath = strings.TrimSuffix(modelPath, filepath.Ext(modelPath)) + ".labels"
	}
	labels, err := readLabels(labelsPath)
	if err != nil {
		return nil, err
	}

	data, err := os.ReadFile(modelPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read model file: %w", err)
	}

	model := tflite.NewModel(data)
	if model == nil {
		return nil, fmt.Errorf("cannot load TensorFlow Lite model %s", modelPath)
	}

	threads := cfg.Threads
	if threads <= 0 {
		threads = runtime.NumCPU()
	}

	options := tflite.NewInterpreterOptions()
	options.SetNumThread(threads)
	options.SetErrorReporter(func(msg string, _ interface{}) {
		logger.Error("TFLite error", zap.String("message", msg))
	}, nil)

	interpreter := tflite.NewInterpreter(model, options)
	if interpreter == nil {
		options.Delete()
		model.Delete()
		return nil, fmt.Errorf("cannot create interpreter")
	}

	e := &tfliteEngine{
		model:       model,
		options:     options,
		interpreter: interpreter,
		labels:      labels,
		cfg:         cfg,
	}

	if status := interpreter.AllocateTensors(); status != tflite.OK {
		e.Close()
		return nil, fmt.Errorf("tensor allocation failed: %v", status)
	}

	input := interpreter.GetInputTensor(0)
	if input == nil || input.NumDims() != 4 || input.Type() != tflite.Float32 {
		e.Close()
		return nil, fmt.Errorf("model input must be a float32 [1,H,W,3] tensor")
	}
	e.inputH = input.Dim(1)
	e.inputW = input.Dim(2)

	logger.Info("TFLite model initialized",
		zap.String("model_path", modelPath),
		zap.Int("input_width", e.inputW),
		zap.Int("input_height", e.inputH),
		zap.Int("classes", len(labels)),
		zap.Int("threads", threads),
	)
	return e, nil
}

func (e *tfliteEngine) Detect(img image.Image) ([]Detection, error) {
	input, lb := preprocess(img, e.inputW, e.inputH)

	// Interpreters are not safe for concurrent invocation.
	e.mu.Lock()
	defer e.mu.Unlock()

	inTensor := e.interpreter.GetInputTensor(0)
	if inTensor == nil {
		return nil, fmt.Errorf("cannot get input tensor")
	}
	copy(inTensor.Float32s(), input)

	if status := e.interpreter.Invoke(); status != tflite.OK {
		return nil, fmt.Errorf("tensor invoke failed: %v", status)
	}

	outTensor := e.interpreter.GetOutputTensor(0)
	if outTensor == nil || outTensor.NumDims() != 3 {
		return nil, fmt.Errorf("unexpected output tensor shape")
	}

	d1, d2 := outTensor.Dim(1), outTensor.Dim(2)
	out := yoloOutput{channels: d1, anchors: d2}
	if d1 > d2 {
		out = yoloOutput{channels: d2, anchors: d1, transposed: true}
	}
	out.data = make([]float32, d1*d2)
	copy(out.data, outTensor.Float32s())

	return postprocess(out, e.inputW, e.inputH, lb, e.labels, e.cfg.ConfidenceThreshold, e.cfg.IoUThreshold), nil
}

func (e *tfliteEngine) Close() {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.interpreter != nil {
		e.interpreter.Delete()
		e.interpreter = nil
	}
	if e.options != nil {
		e.options.Delete()
		e.options = nil
	}
	if e.model != nil {
		e.model.Delete()
		e.model = nil
	}
}

func readLabels(path string) ([]string, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open labels file: %w", err)
	}
	defer f.Close()

	var labels []string
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		if line := strings.TrimSpace(scanner.Text()); line != "" {
			labels = append(labels, line)
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("failed to read labels file: %w", err)
	}
	if len(labels) == 0 {
		return nil, fmt.Errorf("labels file %s is empty", path)
	}
	return labels, nil
}
