package yolo

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
)

// Metadata describes an exported YOLO model.
type Metadata struct {
	InputName           string   `json:"input_name"`
	OutputName          string   `json:"output_name"`
	InputShape          []int64  `json:"input_shape"`
	OutputShape         []int64  `json:"output_shape"`
	Classes             []string `json:"classes"`
	ImageSize           int      `json:"image_size"`
	ConfidenceThreshold float64  `json:"confidence_threshold"`
	IoUThreshold        float64  `json:"iou_threshold"`
}

// LoadMetadata reads and validates a metadata file.
func LoadMetadata(path string) (*Metadata, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read metadata: %w", err)
	}
	var meta Metadata
	if err := json.Unmarshal(raw, &meta); err != nil {
		return nil, fmt.Errorf("parse metadata: %w", err)
	}
	meta.applyDefaults()
	if err := meta.validate(); err != nil {
		return nil, err
	}
	return &meta, nil
}

func (m *Metadata) applyDefaults() {
	if m.InputName == "" {
		m.InputName = "images"
	}
	if m.OutputName == "" {
		m.OutputName = "output0"
	}
	if m.ImageSize == 0 && len(m.InputShape) == 4 {
		m.ImageSize = int(m.InputShape[3])
	}
	if m.ConfidenceThreshold == 0 {
		m.ConfidenceThreshold = 0.25
	}
	if m.IoUThreshold == 0 {
		m.IoUThreshold = 0.7
	}
}

func (m *Metadata) validate() error {
	if len(m.Classes) == 0 {
		return errors.New("metadata: classes must not be empty")
	}
	if len(m.InputShape) != 4 || m.InputShape[0] != 1 || m.InputShape[1] != 3 {
		return fmt.Errorf("metadata: input shape %v, want [1 3 S S]", m.InputShape)
	}
	if m.InputShape[2] != m.InputShape[3] || int(m.InputShape[2]) != m.ImageSize {
		return fmt.Errorf("metadata: input shape %v does not match image size %d", m.InputShape, m.ImageSize)
	}
	if len(m.OutputShape) != 3 || m.OutputShape[0] != 1 {
		return fmt.Errorf("metadata: output shape %v, want [1 4+nc N]", m.OutputShape)
	}
	if int(m.OutputShape[1]) != 4+len(m.Classes) {
		return fmt.Errorf("metadata: output shape %v does not fit %d classes", m.OutputShape, len(m.Classes))
	}
	return nil
}

// Names returns the label table keyed by class id.
func (m *Metadata) Names() map[int]string {
	names := make(map[int]string, len(m.Classes))
	for i, c := range m.Classes {
		names[i] = c
	}
	return names
}
