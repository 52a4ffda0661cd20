// Package detector defines the object detection capability consumed by the
// inference pipeline. Backends live in their own packages.
package detector

import (
	"context"
	"fmt"
	"image"
)

// ArtifactName is the file a detector may write into Input.ArtifactDir when
// it can only produce its visualization on disk.
const ArtifactName = "visualization.jpg"

// Input is one detection request.
type Input struct {
	Image image.Image
	// Raw holds the encoded bytes Image was decoded from.
	Raw []byte
	// ArtifactDir is a directory unique to this request; empty when none
	// could be created.
	ArtifactDir string
}

// Box is one raw detection in absolute pixel coordinates.
type Box struct {
	ClassID    int
	Confidence float64
	XYXY       [4]float64
}

// Prediction is the output of a single Detect call.
type Prediction struct {
	Boxes []Box
	Names map[int]string
	// Overlay renders the input with the boxes drawn on it. Nil when the
	// backend cannot render in memory.
	Overlay func() (image.Image, error)
}

// Label resolves a class id through the label table.
func (p *Prediction) Label(classID int) string {
	if p != nil {
		if name, ok := p.Names[classID]; ok && name != "" {
			return name
		}
	}
	return fmt.Sprintf("class_%d", classID)
}

// Detector runs inference on one image. Implementations are not required to
// be safe for concurrent use; wrap several instances in a Pool for that.
type Detector interface {
	Detect(ctx context.Context, in Input) (*Prediction, error)
}
