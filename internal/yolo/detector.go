// Package yolo runs a YOLOv8 ONNX export through ONNX Runtime.
package yolo

import (
	"context"
	"fmt"
	"image"
	"sync"

	ort "github.com/yalue/onnxruntime_go"
	"go.uber.org/zap"

	"github.com/example/ripeness-api/internal/detector"
	"github.com/example/ripeness-api/internal/render"
)

// InitRuntime loads the ONNX Runtime shared library once per process.
// libPath may be empty to use the platform default.
func InitRuntime(libPath string) error {
	if ort.IsInitialized() {
		return nil
	}
	if libPath != "" {
		ort.SetSharedLibraryPath(libPath)
	}
	if err := ort.InitializeEnvironment(); err != nil {
		return fmt.Errorf("failed to initialize ONNX environment: %w", err)
	}
	return nil
}

// DestroyRuntime releases the environment after every Detector is closed.
func DestroyRuntime() error {
	return ort.DestroyEnvironment()
}

// Options override the thresholds stored in the metadata when non-zero.
type Options struct {
	ConfidenceThreshold float64
	IoUThreshold        float64
}

// Detector owns one ONNX session and its tensors. Calls to Detect are
// serialised because the tensors are shared between runs.
type Detector struct {
	mu           sync.Mutex
	session      *ort.AdvancedSession
	inputTensor  *ort.Tensor[float32]
	outputTensor *ort.Tensor[float32]
	meta         *Metadata
	names        map[int]string
	confidence   float64
	iou          float64
	logger       *zap.Logger
}

// NewDetector creates a session for the model. InitRuntime must have been
// called first.
func NewDetector(modelPath string, meta *Metadata, opts Options, logger *zap.Logger) (*Detector, error) {
	inputTensor, err := ort.NewEmptyTensor[float32](ort.NewShape(meta.InputShape...))
	if err != nil {
		return nil, fmt.Errorf("failed to create input tensor: %w", err)
	}
	outputTensor, err := ort.NewEmptyTensor[float32](ort.NewShape(meta.OutputShape...))
	if err != nil {
		inputTensor.Destroy()
		return nil, fmt.Errorf("failed to create output tensor: %w", err)
	}

	session, err := ort.NewAdvancedSession(modelPath,
		[]string{meta.InputName}, []string{meta.OutputName},
		[]ort.ArbitraryTensor{inputTensor}, []ort.ArbitraryTensor{outputTensor},
		nil)
	if err != nil {
		inputTensor.Destroy()
		outputTensor.Destroy()
		return nil, fmt.Errorf("failed to create ONNX session: %w", err)
	}

	d := &Detector{
		session:      session,
		inputTensor:  inputTensor,
		outputTensor: outputTensor,
		meta:         meta,
		names:        meta.Names(),
		confidence:   meta.ConfidenceThreshold,
		iou:          meta.IoUThreshold,
		logger:       logger.Named("yolo"),
	}
	if opts.ConfidenceThreshold > 0 {
		d.confidence = opts.ConfidenceThreshold
	}
	if opts.IoUThreshold > 0 {
		d.iou = opts.IoUThreshold
	}
	return d, nil
}

// Detect implements detector.Detector.
func (d *Detector) Detect(ctx context.Context, in detector.Input) (*detector.Prediction, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if in.Image == nil {
		return nil, fmt.Errorf("yolo: nil image")
	}

	boxes, err := d.infer(in.Image)
	if err != nil {
		return nil, err
	}
	d.logger.Debug("inference complete",
		zap.Int("boxes", len(boxes)),
		zap.Int("width", in.Image.Bounds().Dx()),
		zap.Int("height", in.Image.Bounds().Dy()))

	pred := &detector.Prediction{Boxes: boxes, Names: d.names}
	src := in.Image
	pred.Overlay = func() (image.Image, error) {
		return render.Annotate(src, boxes, pred.Label), nil
	}
	return pred, nil
}

func (d *Detector) infer(img image.Image) ([]detector.Box, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	lb := preprocess(img, d.meta.ImageSize, d.inputTensor.GetData())
	if err := d.session.Run(); err != nil {
		return nil, fmt.Errorf("inference failed: %w", err)
	}

	n := int(d.meta.OutputShape[2])
	raw := decodeOutput(d.outputTensor.GetData(), len(d.meta.Classes), n, d.confidence)
	kept := nms(raw, d.iou)
	for i := range kept {
		kept[i].XYXY = lb.toSource(kept[i].XYXY)
	}
	return kept, nil
}

// Close releases the session and tensors.
func (d *Detector) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()

	var firstErr error
	keep := func(err error) {
		if err != nil && firstErr == nil {
			firstErr = err
		}
	}
	if d.inputTensor != nil {
		keep(d.inputTensor.Destroy())
		d.inputTensor = nil
	}
	if d.outputTensor != nil {
		keep(d.outputTensor.Destroy())
		d.outputTensor = nil
	}
	if d.session != nil {
		keep(d.session.Destroy())
		d.session = nil
	}
	return firstErr
}
