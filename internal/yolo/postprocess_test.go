package yolo

import (
	"image"
	"math"
	"os"
	"path/filepath"
	"testing"

	"github.com/example/ripeness-api/internal/detector"
)

func TestPreprocessLetterboxesWideImage(t *testing.T) {
	src := image.NewRGBA(image.Rect(0, 0, 200, 100))
	for i := 0; i < len(src.Pix); i += 4 {
		src.Pix[i], src.Pix[i+1], src.Pix[i+2], src.Pix[i+3] = 255, 0, 0, 255
	}

	size := 64
	data := make([]float32, 3*size*size)
	lb := preprocess(src, size, data)

	if lb.scale != 0.32 {
		t.Fatalf("expected scale 0.32, got %v", lb.scale)
	}
	if lb.padX != 0 || lb.padY != 16 {
		t.Fatalf("expected padding (0,16), got (%v,%v)", lb.padX, lb.padY)
	}

	pad := float32(114) / 255
	if data[0] != pad {
		t.Fatalf("expected top-left to be padding, got %v", data[0])
	}
	centre := 32*size + 32
	if data[centre] != 1 || data[size*size+centre] != 0 {
		t.Fatalf("expected red centre pixel, got r=%v g=%v", data[centre], data[size*size+centre])
	}
}

func TestLetterboxToSourceInvertsAndClips(t *testing.T) {
	lb := letterbox{scale: 0.5, padX: 0, padY: 10, srcW: 100, srcH: 40}

	got := lb.toSource([4]float64{5, 15, 25, 25})
	want := [4]float64{10, 10, 50, 30}
	if got != want {
		t.Fatalf("expected %v, got %v", want, got)
	}

	clipped := lb.toSource([4]float64{-4, 0, 80, 60})
	if clipped != [4]float64{0, 0, 100, 40} {
		t.Fatalf("expected clipped box, got %v", clipped)
	}
}

func TestDecodeOutputPicksBestClassAboveThreshold(t *testing.T) {
	// Two anchors, two classes: layout is [cx, cy, w, h, s0, s1] x n.
	n := 2
	out := []float32{
		10, 50, // cx
		10, 50, // cy
		4, 20, // w
		6, 20, // h
		0.1, 0.2, // class 0
		0.8, 0.1, // class 1
	}

	boxes := decodeOutput(out, 2, n, 0.25)
	if len(boxes) != 1 {
		t.Fatalf("expected 1 box, got %d", len(boxes))
	}
	b := boxes[0]
	if b.ClassID != 1 {
		t.Fatalf("expected class 1, got %d", b.ClassID)
	}
	if math.Abs(b.Confidence-0.8) > 1e-6 {
		t.Fatalf("expected confidence 0.8, got %v", b.Confidence)
	}
	if b.XYXY != [4]float64{8, 7, 12, 13} {
		t.Fatalf("unexpected box: %v", b.XYXY)
	}
}

func TestNMSSuppressesOverlapsPerClass(t *testing.T) {
	boxes := []detector.Box{
		{ClassID: 0, Confidence: 0.6, XYXY: [4]float64{0, 0, 10, 10}},
		{ClassID: 0, Confidence: 0.9, XYXY: [4]float64{1, 1, 11, 11}},
		{ClassID: 1, Confidence: 0.7, XYXY: [4]float64{1, 1, 11, 11}},
		{ClassID: 0, Confidence: 0.5, XYXY: [4]float64{50, 50, 60, 60}},
	}

	kept := nms(boxes, 0.5)
	if len(kept) != 3 {
		t.Fatalf("expected 3 boxes, got %d: %+v", len(kept), kept)
	}
	if kept[0].Confidence != 0.9 || kept[1].ClassID != 1 || kept[2].Confidence != 0.5 {
		t.Fatalf("unexpected order: %+v", kept)
	}
}

func TestIoU(t *testing.T) {
	if got := iou([4]float64{0, 0, 2, 2}, [4]float64{1, 1, 3, 3}); math.Abs(got-1.0/7) > 1e-9 {
		t.Fatalf("expected 1/7, got %v", got)
	}
	if got := iou([4]float64{0, 0, 1, 1}, [4]float64{2, 2, 3, 3}); got != 0 {
		t.Fatalf("expected 0, got %v", got)
	}
}

func TestLoadMetadataAppliesDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "meta.json")
	body := `{"input_shape":[1,3,640,640],"output_shape":[1,7,8400],"classes":["ripe","unripe","overripe"]}`
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatalf("write: %v", err)
	}

	meta, err := LoadMetadata(path)
	if err != nil {
		t.Fatalf("expected metadata to load, got %v", err)
	}
	if meta.ImageSize != 640 || meta.InputName != "images" || meta.OutputName != "output0" {
		t.Fatalf("unexpected defaults: %+v", meta)
	}
	if meta.ConfidenceThreshold != 0.25 {
		t.Fatalf("unexpected confidence threshold: %v", meta.ConfidenceThreshold)
	}
	if meta.Names()[2] != "overripe" {
		t.Fatalf("unexpected names: %v", meta.Names())
	}
}

func TestLoadMetadataRejectsMismatchedOutput(t *testing.T) {
	path := filepath.Join(t.TempDir(), "meta.json")
	body := `{"input_shape":[1,3,640,640],"output_shape":[1,84,8400],"classes":["ripe"]}`
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatalf("write: %v", err)
	}
	if _, err := LoadMetadata(path); err == nil {
		t.Fatal("expected error for output shape mismatch")
	}
}
