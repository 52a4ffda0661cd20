package usecase

import (
	"context"
	"bytes"
	"encoding/base64"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"hash/crc32"
	"image"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"go.uber.org/zap"

	"github.com/example/ripeness-api/internal/detector"
	"github.com/example/ripeness-api/internal/imagecodec"
	"github.com/example/ripeness-api/internal/repository"
)

type stubDetector struct {
	detect func(ctx context.Context, in detector.Input) (*detector.Prediction, error)
	calls  int
	inputs []detector.Input
	mu     sync.Mutex
}

func (s *stubDetector) Detect(ctx context.Context, in detector.Input) (*detector.Prediction, error) {
	s.mu.Lock()
	s.calls++
	s.inputs = append(s.inputs, in)
	s.mu.Unlock()
	return s.detect(ctx, in)
}

type stubRecorder struct {
	mu   sync.Mutex
	logs []*repository.InferenceLog
	err  error
}

func (s *stubRecorder) SaveLog(ctx context.Context, log *repository.InferenceLog) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.logs = append(s.logs, log)
	return s.err
}

func encodedImage(t *testing.T, w, h int) string {
	t.Helper()
	encoded, err := imagecodec.EncodeBase64JPEG(image.NewRGBA(image.Rect(0, 0, w, h)), 90)
	if err != nil {
		t.Fatalf("encode test image: %v", err)
	}
	return encoded
}

func newUseCase(t *testing.T, det detector.Detector, recorder AuditRecorder) *InferenceUseCase {
	t.Helper()
	return NewInferenceUseCase(det, recorder, zap.NewNop(), Options{ArtifactRoot: t.TempDir()})
}

func overlayOf(in detector.Input) func() (image.Image, error) {
	return func() (image.Image, error) { return in.Image, nil }
}

func toJSONMap(t *testing.T, out Outcome) map[string]interface{} {
	t.Helper()
	raw, err := json.Marshal(out)
	if err != nil {
		t.Fatalf("marshal outcome: %v", err)
	}
	var m map[string]interface{}
	if err := json.Unmarshal(raw, &m); err != nil {
		t.Fatalf("unmarshal outcome: %v", err)
	}
	return m
}

func TestRunSingleDetection(t *testing.T) {
	det := &stubDetector{detect: func(ctx context.Context, in detector.Input) (*detector.Prediction, error) {
		return &detector.Prediction{
			Boxes:   []detector.Box{{ClassID: 0, Confidence: 0.92, XYXY: [4]float64{1, 1, 5, 5}}},
			Names:   map[int]string{0: "ripe"},
			Overlay: overlayOf(in),
		}, nil
	}}
	uc := newUseCase(t, det, nil)

	out := uc.Run(context.Background(), encodedImage(t, 10, 10))
	if !out.OK() {
		t.Fatalf("expected success, got %+v", out.Failure)
	}
	want := []Detection{{Ripeness: "ripe", Confidence: 0.92, Box: [4]float64{1, 1, 5, 5}}}
	if len(out.Result.Detections) != 1 || out.Result.Detections[0] != want[0] {
		t.Fatalf("expected %+v, got %+v", want, out.Result.Detections)
	}
	if out.Result.Visualization == nil {
		t.Fatal("expected visualization")
	}
	vis, err := imagecodec.Decode(*out.Result.Visualization)
	if err != nil {
		t.Fatalf("visualization is not a valid image: %v", err)
	}
	if vis.Image.Bounds().Dx() != 10 || vis.Image.Bounds().Dy() != 10 {
		t.Fatalf("unexpected visualization size %v", vis.Image.Bounds())
	}
	if out.RequestID == "" {
		t.Fatal("expected request id")
	}
}

func TestRunZeroDetectionsYieldsEmptyList(t *testing.T) {
	det := &stubDetector{detect: func(ctx context.Context, in detector.Input) (*detector.Prediction, error) {
		return &detector.Prediction{}, nil
	}}
	uc := newUseCase(t, det, nil)

	out := uc.Run(context.Background(), encodedImage(t, 4, 4))
	m := toJSONMap(t, out)

	detections, ok := m["detections"].([]interface{})
	if !ok || len(detections) != 0 {
		t.Fatalf("expected empty detections list, got %#v", m["detections"])
	}
	if v, present := m["visualization"]; !present || v != nil {
		t.Fatalf("expected visualization: null, got %#v (present=%v)", v, present)
	}
	if _, hasErr := m["error"]; hasErr {
		t.Fatal("unexpected error key")
	}
}

func TestRunNilPredictionIsZeroDetections(t *testing.T) {
	det := &stubDetector{detect: func(ctx context.Context, in detector.Input) (*detector.Prediction, error) {
		return nil, nil
	}}
	out := newUseCase(t, det, nil).Run(context.Background(), encodedImage(t, 4, 4))
	if !out.OK() || len(out.Result.Detections) != 0 {
		t.Fatalf("expected empty success, got %+v", out)
	}
}

func TestRunDecodeFailure(t *testing.T) {
	det := &stubDetector{detect: func(ctx context.Context, in detector.Input) (*detector.Prediction, error) {
		t.Fatal("detector must not be called")
		return nil, nil
	}}
	recorder := &stubRecorder{}
	uc := newUseCase(t, det, recorder)

	for _, input := range []string{"", "not base64!!", base64.StdEncoding.EncodeToString([]byte("plain text"))} {
		out := uc.Run(context.Background(), input)
		m := toJSONMap(t, out)
		if len(m) != 1 {
			t.Fatalf("expected only the error key, got %v", m)
		}
		msg, _ := m["error"].(string)
		if msg == "" {
			t.Fatalf("expected non-empty error for %q", input)
		}
		if out.Failure.Kind != KindDecode {
			t.Fatalf("expected decode kind, got %s", out.Failure.Kind)
		}
	}
	if len(recorder.logs) != 3 || recorder.logs[0].ErrorKind != KindDecode {
		t.Fatalf("expected 3 decode audit logs, got %+v", recorder.logs)
	}
}

// oversizedPNG declares a w x h RGBA raster in its IHDR but carries almost
// no pixel data.
func oversizedPNG(w, h uint32) string {
	var buf bytes.Buffer
	buf.Write([]byte{0x89, 'P', 'N', 'G', '\r', '\n', 0x1a, '\n'})
	for _, c := range []struct {
		kind string
		data []byte
	}{
		{"IHDR", append(binary.BigEndian.AppendUint32(binary.BigEndian.AppendUint32(nil, w), h), 8, 6, 0, 0, 0)},
		{"IDAT", make([]byte, 1024)},
		{"IEND", nil},
	} {
		body := append([]byte(c.kind), c.data...)
		buf.Write(binary.BigEndian.AppendUint32(nil, uint32(len(c.data))))
		buf.Write(body)
		buf.Write(binary.BigEndian.AppendUint32(nil, crc32.ChecksumIEEE(body)))
	}
	return base64.StdEncoding.EncodeToString(buf.Bytes())
}

func TestRunRejectsOversizedImage(t *testing.T) {
	det := &stubDetector{detect: func(ctx context.Context, in detector.Input) (*detector.Prediction, error) {
		t.Fatal("detector must not be called")
		return nil, nil
	}}
	uc := NewInferenceUseCase(det, nil, zap.NewNop(), Options{ArtifactRoot: t.TempDir(), MaxImagePixels: 50})

	for name, input := range map[string]string{
		"declared 40000x40000": oversizedPNG(40000, 40000),
		"10x10 over budget":    encodedImage(t, 10, 10),
	} {
		out := uc.Run(context.Background(), input)
		if out.OK() {
			t.Fatalf("%s: expected failure", name)
		}
		if out.Failure.Kind != KindDecode {
			t.Fatalf("%s: expected decode kind, got %s", name, out.Failure.Kind)
		}
		if !strings.Contains(out.Failure.Error, "exceeds") {
			t.Fatalf("%s: expected budget message, got %q", name, out.Failure.Error)
		}
	}
	if det.calls != 0 {
		t.Fatalf("expected no detector calls, got %d", det.calls)
	}
}

func TestRunDetectionFailure(t *testing.T) {
	det := &stubDetector{detect: func(ctx context.Context, in detector.Input) (*detector.Prediction, error) {
		return nil, errors.New("model exploded")
	}}
	out := newUseCase(t, det, nil).Run(context.Background(), encodedImage(t, 4, 4))

	if out.OK() || out.Failure.Kind != KindDetection {
		t.Fatalf("expected detection failure, got %+v", out)
	}
	if out.Failure.Error != "model exploded" {
		t.Fatalf("unexpected message: %s", out.Failure.Error)
	}
}

func TestRunRecoversDetectorPanic(t *testing.T) {
	det := &stubDetector{detect: func(ctx context.Context, in detector.Input) (*detector.Prediction, error) {
		panic("index out of range")
	}}
	recorder := &stubRecorder{}
	out := newUseCase(t, det, recorder).Run(context.Background(), encodedImage(t, 4, 4))

	if out.OK() || out.Failure.Kind != KindUnexpected {
		t.Fatalf("expected unexpected failure, got %+v", out)
	}
	if !strings.Contains(out.Failure.Error, "index out of range") {
		t.Fatalf("unexpected message: %s", out.Failure.Error)
	}
	if len(recorder.logs) != 1 || recorder.logs[0].ErrorKind != KindUnexpected {
		t.Fatalf("expected audit entry for the panic, got %+v", recorder.logs)
	}
}

func TestRunOverlayFailureKeepsDetections(t *testing.T) {
	cases := map[string]func() (image.Image, error){
		"error": func() (image.Image, error) { return nil, errors.New("font missing") },
		"panic": func() (image.Image, error) { panic("nil map") },
	}
	for name, overlay := range cases {
		t.Run(name, func(t *testing.T) {
			det := &stubDetector{detect: func(ctx context.Context, in detector.Input) (*detector.Prediction, error) {
				return &detector.Prediction{
					Boxes:   []detector.Box{{ClassID: 2, Confidence: 0.5, XYXY: [4]float64{0, 0, 2, 2}}},
					Names:   map[int]string{0: "ripe"},
					Overlay: overlay,
				}, nil
			}}
			out := newUseCase(t, det, nil).Run(context.Background(), encodedImage(t, 4, 4))

			if !out.OK() {
				t.Fatalf("expected success, got %+v", out.Failure)
			}
			if len(out.Result.Detections) != 1 || out.Result.Detections[0].Ripeness != "class_2" {
				t.Fatalf("expected detection with synthesized label, got %+v", out.Result.Detections)
			}
			if out.Result.Visualization != nil {
				t.Fatal("expected absent visualization")
			}
		})
	}
}

func TestRunFallsBackToArtifact(t *testing.T) {
	det := &stubDetector{detect: func(ctx context.Context, in detector.Input) (*detector.Prediction, error) {
		if in.ArtifactDir == "" {
			return nil, errors.New("expected artifact dir")
		}
		raw, err := imagecodec.EncodeJPEG(image.NewRGBA(image.Rect(0, 0, 6, 3)), 90)
		if err != nil {
			return nil, err
		}
		if err := os.WriteFile(filepath.Join(in.ArtifactDir, detector.ArtifactName), raw, 0o600); err != nil {
			return nil, err
		}
		return &detector.Prediction{}, nil
	}}
	uc := newUseCase(t, det, nil)
	out := uc.Run(context.Background(), encodedImage(t, 4, 4))

	if !out.OK() || out.Result.Visualization == nil {
		t.Fatalf("expected visualization from artifact, got %+v", out)
	}
	vis, err := imagecodec.Decode(*out.Result.Visualization)
	if err != nil {
		t.Fatalf("decode visualization: %v", err)
	}
	if vis.Image.Bounds().Dx() != 6 {
		t.Fatalf("expected artifact image, got %v", vis.Image.Bounds())
	}
	if _, err := os.Stat(det.inputs[0].ArtifactDir); !errors.Is(err, os.ErrNotExist) {
		t.Fatalf("expected artifact dir to be removed, stat err = %v", err)
	}
}

func TestRunIsolatesConcurrentRequests(t *testing.T) {
	// Each request writes an artifact whose width encodes the input width;
	// a shared path would mix them up.
	det := &stubDetector{detect: func(ctx context.Context, in detector.Input) (*detector.Prediction, error) {
		raw, err := imagecodec.EncodeJPEG(image.NewRGBA(image.Rect(0, 0, in.Image.Bounds().Dx(), 2)), 90)
		if err != nil {
			return nil, err
		}
		if err := os.WriteFile(filepath.Join(in.ArtifactDir, detector.ArtifactName), raw, 0o600); err != nil {
			return nil, err
		}
		return &detector.Prediction{}, nil
	}}
	uc := newUseCase(t, det, nil)

	inputs := make(map[int]string)
	for width := 1; width <= 16; width++ {
		inputs[width] = encodedImage(t, width, 2)
	}

	var wg sync.WaitGroup
	errs := make(chan error, len(inputs))
	for width, input := range inputs {
		wg.Add(1)
		go func(width int, input string) {
			defer wg.Done()
			out := uc.Run(context.Background(), input)
			if !out.OK() || out.Result.Visualization == nil {
				errs <- fmt.Errorf("width %d: unexpected outcome %+v", width, out)
				return
			}
			vis, err := imagecodec.Decode(*out.Result.Visualization)
			if err != nil {
				errs <- err
				return
			}
			if got := vis.Image.Bounds().Dx(); got != width {
				errs <- fmt.Errorf("width %d: got artifact of width %d", width, got)
			}
		}(width, input)
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		t.Error(err)
	}
}

func TestRunRecordsAudit(t *testing.T) {
	det := &stubDetector{detect: func(ctx context.Context, in detector.Input) (*detector.Prediction, error) {
		return &detector.Prediction{
			Boxes:   []detector.Box{{ClassID: 0, Confidence: 0.9}, {ClassID: 1, Confidence: 0.8}},
			Overlay: overlayOf(in),
		}, nil
	}}
	recorder := &stubRecorder{err: errors.New("db down")}
	out := newUseCase(t, det, recorder).Run(context.Background(), encodedImage(t, 4, 4))

	if !out.OK() {
		t.Fatalf("audit failure must not affect the result: %+v", out.Failure)
	}
	if len(recorder.logs) != 1 {
		t.Fatalf("expected one audit log, got %d", len(recorder.logs))
	}
	entry := recorder.logs[0]
	if entry.RequestID != out.RequestID || entry.DetectionCount != 2 || !entry.Visualization || entry.ErrorKind != "" {
		t.Fatalf("unexpected audit entry: %+v", entry)
	}
	if len(entry.ImageSHA1) != 40 {
		t.Fatalf("expected sha1 hex digest, got %q", entry.ImageSHA1)
	}
}
