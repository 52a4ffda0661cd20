package yolo

import (
	"image"
	"image/color"
	"image/draw"
	"sort"

	"github.com/nfnt/resize"

	"github.com/example/ripeness-api/internal/detector"
)

var padColor = color.RGBA{R: 114, G: 114, B: 114, A: 255}

// letterbox records how an image was fitted into the square model input.
type letterbox struct {
	scale      float64
	padX, padY float64
	srcW, srcH int
}

// preprocess letterboxes img into size x size and writes it to dst in CHW
// order scaled to [0,1]. dst must hold 3*size*size values.
func preprocess(img image.Image, size int, dst []float32) letterbox {
	b := img.Bounds()
	w, h := b.Dx(), b.Dy()
	scale := float64(size) / float64(w)
	if s := float64(size) / float64(h); s < scale {
		scale = s
	}
	nw, nh := int(float64(w)*scale+0.5), int(float64(h)*scale+0.5)
	if nw < 1 {
		nw = 1
	}
	if nh < 1 {
		nh = 1
	}
	padX, padY := (size-nw)/2, (size-nh)/2

	canvas := image.NewRGBA(image.Rect(0, 0, size, size))
	draw.Draw(canvas, canvas.Bounds(), image.NewUniform(padColor), image.Point{}, draw.Src)
	resized := resize.Resize(uint(nw), uint(nh), img, resize.Bilinear)
	draw.Draw(canvas, image.Rect(padX, padY, padX+nw, padY+nh), resized, resized.Bounds().Min, draw.Src)

	plane := size * size
	for y := 0; y < size; y++ {
		row := canvas.Pix[y*canvas.Stride:]
		for x := 0; x < size; x++ {
			i := y*size + x
			dst[i] = float32(row[x*4]) / 255
			dst[plane+i] = float32(row[x*4+1]) / 255
			dst[2*plane+i] = float32(row[x*4+2]) / 255
		}
	}

	return letterbox{scale: scale, padX: float64(padX), padY: float64(padY), srcW: w, srcH: h}
}

// toSource maps a box from model input space back to source pixels.
func (l letterbox) toSource(xyxy [4]float64) [4]float64 {
	out := [4]float64{
		(xyxy[0] - l.padX) / l.scale,
		(xyxy[1] - l.padY) / l.scale,
		(xyxy[2] - l.padX) / l.scale,
		(xyxy[3] - l.padY) / l.scale,
	}
	out[0], out[2] = clamp(out[0], float64(l.srcW)), clamp(out[2], float64(l.srcW))
	out[1], out[3] = clamp(out[1], float64(l.srcH)), clamp(out[3], float64(l.srcH))
	return out
}

func clamp(v, max float64) float64 {
	if v < 0 {
		return 0
	}
	if v > max {
		return max
	}
	return v
}

// decodeOutput reads a [1, 4+nc, n] YOLOv8 head: rows 0-3 are cx, cy, w, h
// and the remaining rows are per-class scores.
func decodeOutput(out []float32, numClasses, n int, confThreshold float64) []detector.Box {
	var boxes []detector.Box
	for i := 0; i < n; i++ {
		best, bestScore := -1, float32(0)
		for c := 0; c < numClasses; c++ {
			if s := out[(4+c)*n+i]; s > bestScore {
				best, bestScore = c, s
			}
		}
		if best < 0 || float64(bestScore) < confThreshold {
			continue
		}
		cx, cy := float64(out[i]), float64(out[n+i])
		w, h := float64(out[2*n+i]), float64(out[3*n+i])
		boxes = append(boxes, detector.Box{
			ClassID:    best,
			Confidence: float64(bestScore),
			XYXY:       [4]float64{cx - w/2, cy - h/2, cx + w/2, cy + h/2},
		})
	}
	return boxes
}

// nms applies greedy per-class non-maximum suppression and returns the kept
// boxes ordered by descending confidence.
func nms(boxes []detector.Box, iouThreshold float64) []detector.Box {
	sorted := append([]detector.Box(nil), boxes...)
	sort.SliceStable(sorted, func(i, j int) bool {
		return sorted[i].Confidence > sorted[j].Confidence
	})

	kept := make([]detector.Box, 0, len(sorted))
	suppressed := make([]bool, len(sorted))
	for i := range sorted {
		if suppressed[i] {
			continue
		}
		kept = append(kept, sorted[i])
		for j := i + 1; j < len(sorted); j++ {
			if !suppressed[j] && sorted[j].ClassID == sorted[i].ClassID && iou(sorted[i].XYXY, sorted[j].XYXY) > iouThreshold {
				suppressed[j] = true
			}
		}
	}
	return kept
}

func iou(a, b [4]float64) float64 {
	ix1, iy1 := max(a[0], b[0]), max(a[1], b[1])
	ix2, iy2 := min(a[2], b[2]), min(a[3], b[3])
	iw, ih := ix2-ix1, iy2-iy1
	if iw <= 0 || ih <= 0 {
		return 0
	}
	inter := iw * ih
	union := (a[2]-a[0])*(a[3]-a[1]) + (b[2]-b[0])*(b[3]-b[1]) - inter
	if union <= 0 {
		return 0
	}
	return inter / union
}
