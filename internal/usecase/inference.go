package usecase

import (
	"context"
	"crypto/sha1"
	"encoding/hex"
	"errors"
	"fmt"
	"image"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/example/ripeness-api/internal/detector"
	"github.com/example/ripeness-api/internal/imagecodec"
	"github.com/example/ripeness-api/internal/logging"
	"github.com/example/ripeness-api/internal/repository"
)

// AuditRecorder persists request metadata. It is optional.
type AuditRecorder interface {
	SaveLog(ctx context.Context, log *repository.InferenceLog) error
}

// Options tune the inference use case.
type Options struct {
	// JPEGQuality is used when encoding visualizations.
	JPEGQuality int
	// ArtifactRoot is where per-request artifact directories are created.
	// Empty means os.TempDir().
	ArtifactRoot string
	// MaxImagePixels bounds the decoded raster. Zero uses the codec default.
	MaxImagePixels int64
}

// InferenceUseCase runs the decode, detect, normalise and encode pipeline.
type InferenceUseCase struct {
	detector detector.Detector
	recorder AuditRecorder
	logger   *zap.Logger
	opts     Options
	now      func() time.Time
}

// NewInferenceUseCase constructs a new use case instance. recorder may be nil.
func NewInferenceUseCase(det detector.Detector, recorder AuditRecorder, logger *zap.Logger, opts Options) *InferenceUseCase {
	if opts.JPEGQuality == 0 {
		opts.JPEGQuality = imagecodec.DefaultJPEGQuality
	}
	return &InferenceUseCase{
		detector: det,
		recorder: recorder,
		logger:   logger.Named("inference_usecase"),
		opts:     opts,
		now:      time.Now,
	}
}

// Run processes one base64 image. It never panics and never returns an
// error: every failure is reported as an ErrorResult inside the Outcome.
func (uc *InferenceUseCase) Run(ctx context.Context, encoded string) (out Outcome) {
	requestID := uuid.NewString()
	start := uc.now()
	opLogger := logging.WithOperation(uc.logger, "usecase.run_inference", requestID)
	var imageHash string

	defer func() {
		if r := recover(); r != nil {
			err := logging.NewOperationError("usecase.run_inference", requestID, fmt.Errorf("panic: %v", r))
			opLogger.Error("inference panicked", zap.Error(err), zap.Stack("stack"))
			out = failure(requestID, KindUnexpected, fmt.Errorf("unexpected failure: %v", r))
		}
		uc.audit(ctx, out, imageHash, uc.now().Sub(start), opLogger)
	}()

	decoded, err := imagecodec.DecodeWithLimit(encoded, uc.opts.MaxImagePixels)
	if err != nil {
		opLogger.Warn("image decode failed", zap.Error(logging.NewOperationError("imagecodec.decode", requestID, err)))
		return failure(requestID, KindDecode, err)
	}
	sum := sha1.Sum(decoded.Raw)
	imageHash = hex.EncodeToString(sum[:])

	artifactDir, cleanup := uc.artifactDir(requestID, opLogger)
	defer cleanup()

	pred, err := uc.detector.Detect(ctx, detector.Input{
		Image:       decoded.Image,
		Raw:         decoded.Raw,
		ArtifactDir: artifactDir,
	})
	if err != nil {
		opLogger.Error("detection failed", zap.Error(logging.NewOperationError("usecase.detect", requestID, err)))
		return failure(requestID, KindDetection, logging.Cause(err))
	}
	if pred == nil {
		pred = &detector.Prediction{}
	}

	result := &InferenceResult{Detections: normalize(pred)}
	if vis, ok := uc.visualize(pred, artifactDir, opLogger); ok {
		result.Visualization = &vis
	}

	opLogger.Info("inference complete",
		zap.Int("detections", len(result.Detections)),
		zap.Bool("visualization", result.Visualization != nil),
		zap.String("format", decoded.Format))
	return Outcome{RequestID: requestID, Result: result}
}

func failure(requestID, kind string, err error) Outcome {
	msg := "unknown error"
	if err != nil && err.Error() != "" {
		msg = err.Error()
	}
	return Outcome{RequestID: requestID, Failure: &ErrorResult{Error: msg, Kind: kind}}
}

func normalize(pred *detector.Prediction) []Detection {
	detections := make([]Detection, 0, len(pred.Boxes))
	for _, b := range pred.Boxes {
		detections = append(detections, Detection{
			Ripeness:   pred.Label(b.ClassID),
			Confidence: b.Confidence,
			Box:        b.XYXY,
		})
	}
	return detections
}

// Reasons a visualization was not taken from the detector overlay.
var (
	errNoOverlay     = errors.New("detector provides no overlay")
	errNoArtifactDir = errors.New("no artifact directory")
	errOverlayPanic  = errors.New("overlay panicked")
	errEmptyArtifact = errors.New("artifact is empty")
)

// visualize returns the base64 visualization and true, or false when
// neither the overlay nor the on-disk artifact could be used.
func (uc *InferenceUseCase) visualize(pred *detector.Prediction, artifactDir string, opLogger *zap.Logger) (string, bool) {
	encoded, overlayErr := uc.encodeOverlay(pred)
	if overlayErr == nil {
		return encoded, true
	}

	encoded, artifactErr := readArtifact(artifactDir)
	if artifactErr == nil {
		opLogger.Debug("visualization taken from artifact", zap.NamedError("overlay_error", overlayErr))
		return encoded, true
	}

	log := opLogger.Warn
	if errors.Is(overlayErr, errNoOverlay) && (errors.Is(artifactErr, os.ErrNotExist) || errors.Is(artifactErr, errNoArtifactDir)) {
		log = opLogger.Info
	}
	log("visualization unavailable",
		zap.NamedError("overlay_error", overlayErr),
		zap.NamedError("artifact_error", artifactErr))
	return "", false
}

func (uc *InferenceUseCase) encodeOverlay(pred *detector.Prediction) (encoded string, err error) {
	if pred.Overlay == nil {
		return "", errNoOverlay
	}
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("%w: %v", errOverlayPanic, r)
		}
	}()

	var img image.Image
	if img, err = pred.Overlay(); err != nil {
		return "", fmt.Errorf("render overlay: %w", err)
	}
	if img == nil {
		return "", errNoOverlay
	}
	return imagecodec.EncodeBase64JPEG(img, uc.opts.JPEGQuality)
}

func readArtifact(dir string) (string, error) {
	if dir == "" {
		return "", errNoArtifactDir
	}
	data, err := os.ReadFile(filepath.Join(dir, detector.ArtifactName))
	if err != nil {
		return "", err
	}
	if len(data) == 0 {
		return "", errEmptyArtifact
	}
	return imagecodec.EncodeBase64(data), nil
}

// artifactDir creates a directory private to this request. Failing to
// create one only disables the on-disk visualization fallback.
func (uc *InferenceUseCase) artifactDir(requestID string, opLogger *zap.Logger) (string, func()) {
	dir, err := os.MkdirTemp(uc.opts.ArtifactRoot, "inference-"+requestID+"-")
	if err != nil {
		opLogger.Warn("failed to create artifact directory", zap.Error(err))
		return "", func() {}
	}
	return dir, func() {
		if err := os.RemoveAll(dir); err != nil {
			opLogger.Warn("failed to remove artifact directory", zap.String("dir", dir), zap.Error(err))
		}
	}
}

func (uc *InferenceUseCase) audit(ctx context.Context, out Outcome, imageHash string, latency time.Duration, opLogger *zap.Logger) {
	if uc.recorder == nil {
		return
	}
	defer func() {
		if r := recover(); r != nil {
			opLogger.Error("inference log recorder panicked", zap.Any("panic", r))
		}
	}()
	entry := &repository.InferenceLog{
		RequestID: out.RequestID,
		ImageSHA1: imageHash,
		LatencyMs: latency.Milliseconds(),
		CreatedAt: uc.now().UTC(),
	}
	if out.Failure != nil {
		entry.ErrorKind = out.Failure.Kind
		entry.Error = out.Failure.Error
	} else if out.Result != nil {
		entry.DetectionCount = len(out.Result.Detections)
		entry.Visualization = out.Result.Visualization != nil
	}
	if err := uc.recorder.SaveLog(ctx, entry); err != nil {
		opLogger.Warn("failed to persist inference log", zap.Error(err))
	}
}
