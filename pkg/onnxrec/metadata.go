package onnxrec

import (
	"encoding/json"
	"os"
	"strings"

	"github.com/gomlx/imagerec/pkg/imagerec"
	"github.com/pkg/errors"
)

// Supported input layouts.
const (
	LayoutNHWC = "NHWC"
	LayoutNCHW = "NCHW"
)

// Metadata describes the exported network: it is read from a JSON file stored next to the .onnx file.
type Metadata struct {
	// InputShape of the network, including the fixed batch size as its first dimension.
	InputShape []int64 `json:"input_shape"`

	// OutputShape is `[batch_size, num_classes]`.
	OutputShape []int64 `json:"output_shape"`

	// Classes indexed by the network output position.
	Classes []string `json:"classes"`

	// Layout of InputShape, either "NHWC" (default) or "NCHW".
	Layout string `json:"layout,omitempty"`

	// Mean RGB value subtracted from the pixels (values from 0 to 255), if set.
	Mean []float32 `json:"mean,omitempty"`

	// BGR reverses the channels after the mean is subtracted.
	BGR bool `json:"bgr,omitempty"`

	// Softmax is applied to the outputs if set, for networks that output logits.
	Softmax bool `json:"softmax,omitempty"`

	// InputName and OutputName of the network, default to "input" and "output".
	InputName  string `json:"input_name,omitempty"`
	OutputName string `json:"output_name,omitempty"`
}

// MetadataPath returns the default metadata file for modelPath: same name with a ".json" extension.
func MetadataPath(modelPath string) string {
	return strings.TrimSuffix(modelPath, ".onnx") + ".json"
}

// LoadMetadata reads and validates the metadata file.
func LoadMetadata(filePath string) (*Metadata, error) {
	contents, err := os.ReadFile(filePath)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to read ONNX model metadata")
	}
	md := &Metadata{}
	if err := json.Unmarshal(contents, md); err != nil {
		return nil, errors.Wrapf(err, "failed to parse ONNX model metadata %q", filePath)
	}
	if err := md.setDefaults(); err != nil {
		return nil, errors.WithMessagef(err, "invalid ONNX model metadata %q", filePath)
	}
	return md, nil
}

func (md *Metadata) setDefaults() error {
	if md.Layout == "" {
		md.Layout = LayoutNHWC
	}
	md.Layout = strings.ToUpper(md.Layout)
	if md.InputName == "" {
		md.InputName = "input"
	}
	if md.OutputName == "" {
		md.OutputName = "output"
	}
	if md.Layout != LayoutNHWC && md.Layout != LayoutNCHW {
		return errors.Errorf("unknown layout %q, must be %s or %s", md.Layout, LayoutNHWC, LayoutNCHW)
	}
	if len(md.InputShape) != 4 {
		return errors.Errorf("input_shape must have rank 4, got %v", md.InputShape)
	}
	for _, dim := range md.InputShape {
		if dim <= 0 {
			return errors.Errorf("input_shape must have fixed positive dimensions, got %v", md.InputShape)
		}
	}
	if md.Channels() != 3 {
		return errors.Errorf("input_shape %v (%s) must have 3 channels", md.InputShape, md.Layout)
	}
	if len(md.OutputShape) != 2 || md.OutputShape[0] != md.InputShape[0] {
		return errors.Errorf("output_shape must be [%d, num_classes], got %v", md.InputShape[0], md.OutputShape)
	}
	if int(md.OutputShape[1]) != len(md.Classes) {
		return errors.Errorf("output_shape %v doesn't match the %d classes", md.OutputShape, len(md.Classes))
	}
	if len(md.Mean) != 0 && len(md.Mean) != 3 {
		return errors.Errorf("mean must have 3 values (RGB), got %v", md.Mean)
	}
	if _, err := imagerec.NewClassIndexTable(md.classIndices()); err != nil {
		return err
	}
	return nil
}

func (md *Metadata) classIndices() map[string]int {
	indices := make(map[string]int, len(md.Classes))
	for ii, name := range md.Classes {
		indices[name] = ii
	}
	return indices
}

// BatchSize is the fixed batch size of the exported network.
func (md *Metadata) BatchSize() int { return int(md.InputShape[0]) }

// Height of the input images.
func (md *Metadata) Height() int {
	if md.Layout == LayoutNCHW {
		return int(md.InputShape[2])
	}
	return int(md.InputShape[1])
}

// Width of the input images.
func (md *Metadata) Width() int {
	if md.Layout == LayoutNCHW {
		return int(md.InputShape[3])
	}
	return int(md.InputShape[2])
}

// Channels of the input images.
func (md *Metadata) Channels() int {
	if md.Layout == LayoutNCHW {
		return int(md.InputShape[1])
	}
	return int(md.InputShape[3])
}

// ImageSize is the number of float32 values of one example.
func (md *Metadata) ImageSize() int { return md.Width() * md.Height() * md.Channels() }

// fillInput writes one image, given as HWC RGB values, into dst (the input of one example)
// in the network layout, subtracting the mean and reversing the channels as configured.
func (md *Metadata) fillInput(dst, rgb []float32) {
	width, height := md.Width(), md.Height()
	planeSize := width * height
	for y := range height {
		for x := range width {
			pixel := y*width + x
			for c := range 3 {
				v := rgb[pixel*3+c]
				if len(md.Mean) == 3 {
					v -= md.Mean[c]
				}
				toC := c
				if md.BGR {
					toC = 2 - c
				}
				if md.Layout == LayoutNCHW {
					dst[toC*planeSize+pixel] = v
				} else {
					dst[pixel*3+toC] = v
				}
			}
		}
	}
}
