package grpcclient

import (
	"fmt"
	"image"
	"sort"

	"github.com/spf13/cast"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/example/ripeness-api/internal/detector"
	"github.com/example/ripeness-api/internal/imagecodec"
)

// parseReply converts the sidecar reply:
//
//	{
//	  "names": {"0": "ripe", ...},
//	  "detections": [{"class_id": 0, "confidence": 0.9, "box": [x1, y1, x2, y2]}],
//	  "visualization": "<base64 jpeg>"   // optional
//	}
func parseReply(reply *structpb.Struct) (*detector.Prediction, error) {
	fields := reply.AsMap()
	pred := &detector.Prediction{Names: map[int]string{}}

	if rawNames, ok := fields["names"]; ok {
		names, err := cast.ToStringMapStringE(rawNames)
		if err != nil {
			return nil, fmt.Errorf("names: %w", err)
		}
		for key, name := range names {
			id, err := cast.ToIntE(key)
			if err != nil {
				return nil, fmt.Errorf("names: class id %q: %w", key, err)
			}
			pred.Names[id] = name
		}
	}

	if rawDetections, ok := fields["detections"]; ok && rawDetections != nil {
		items, ok := rawDetections.([]interface{})
		if !ok {
			return nil, fmt.Errorf("detections: expected list, got %T", rawDetections)
		}
		for i, item := range items {
			box, err := parseBox(item)
			if err != nil {
				return nil, fmt.Errorf("detections[%d]: %w", i, err)
			}
			pred.Boxes = append(pred.Boxes, box)
		}
	}

	if rawVis, ok := fields["visualization"]; ok && rawVis != nil {
		encoded, err := cast.ToStringE(rawVis)
		if err != nil {
			return nil, fmt.Errorf("visualization: %w", err)
		}
		if encoded != "" {
			pred.Overlay = func() (image.Image, error) {
				decoded, err := imagecodec.Decode(encoded)
				if err != nil {
					return nil, err
				}
				return decoded.Image, nil
			}
		}
	}
	return pred, nil
}

func parseBox(item interface{}) (detector.Box, error) {
	fields, err := cast.ToStringMapE(item)
	if err != nil {
		return detector.Box{}, err
	}
	classID, err := cast.ToIntE(fields["class_id"])
	if err != nil {
		return detector.Box{}, fmt.Errorf("class_id: %w", err)
	}
	confidence, err := cast.ToFloat64E(fields["confidence"])
	if err != nil {
		return detector.Box{}, fmt.Errorf("confidence: %w", err)
	}
	coords, ok := fields["box"].([]interface{})
	if !ok || len(coords) != 4 {
		return detector.Box{}, fmt.Errorf("box: expected 4 coordinates, got %v", fields["box"])
	}
	box := detector.Box{ClassID: classID, Confidence: confidence}
	for i, c := range coords {
		if box.XYXY[i], err = cast.ToFloat64E(c); err != nil {
			return detector.Box{}, fmt.Errorf("box[%d]: %w", i, err)
		}
	}
	return box, nil
}

// sortedClassIDs is used for stable log output.
func sortedClassIDs(names map[int]string) []int {
	ids := make([]int, 0, len(names))
	for id := range names {
		ids = append(ids, id)
	}
	sort.Ints(ids)
	return ids
}
