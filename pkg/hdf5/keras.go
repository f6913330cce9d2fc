package hdf5

import (
	"path"
	"regexp"
	"slices"
	"strings"

	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// LayerWeights holds the kernel and bias datasets of one Keras layer. Either may be nil.
type LayerWeights struct {
	Name         string
	Kernel, Bias *Dataset
}

// KerasLayers groups the datasets by Keras layer name.
//
// Both the "weights only" files (`/<layer>/<layer>/kernel:0`, or the older `/<layer>/<layer>_W_1:0`)
// and full model files (`/model_weights/<layer>/...`) are understood. Datasets that are neither
// kernel nor bias (optimizer state, for instance) are ignored.
func (c Contents) KerasLayers() map[string]*LayerWeights {
	layers := make(map[string]*LayerWeights)
	for dsPath, ds := range c {
		parts := strings.Split(strings.TrimPrefix(dsPath, "/"), "/")
		if len(parts) > 0 && parts[0] == "model_weights" {
			parts = parts[1:]
		}
		if len(parts) < 2 {
			continue
		}
		name := parts[0]
		var isKernel bool
		switch kerasWeightKind(path.Base(dsPath)) {
		case "kernel":
			isKernel = true
		case "bias":
		default:
			continue
		}
		lw, found := layers[name]
		if !found {
			lw = &LayerWeights{Name: name}
			layers[name] = lw
		}
		if isKernel {
			lw.Kernel = ds
		} else {
			lw.Bias = ds
		}
	}
	return layers
}

// kerasWeightKind returns "kernel", "bias" or "" for a dataset name like "kernel:0" or "block1_conv1_W_1:0".
func kerasWeightKind(dsName string) string {
	if idx := strings.LastIndex(dsName, ":"); idx >= 0 {
		dsName = dsName[:idx]
	}
	switch {
	case dsName == "kernel", strings.HasSuffix(dsName, "_W"), strings.Contains(dsName, "_W_"):
		return "kernel"
	case dsName == "bias", strings.HasSuffix(dsName, "_b"), strings.Contains(dsName, "_b_"):
		return "bias"
	}
	return ""
}

// Layer returns the weights of the named Keras layer, requiring both kernel and bias.
func (c Contents) Layer(name string) (*LayerWeights, error) {
	lw, found := c.KerasLayers()[name]
	if !found {
		return nil, errors.Errorf("Keras layer %q not found in HDF5 file, layers available: %v", name, c.LayerNames())
	}
	if lw.Kernel == nil || lw.Bias == nil {
		return nil, errors.Errorf("Keras layer %q is missing its kernel or bias", name)
	}
	return lw, nil
}

// LayerNames returns the sorted names of the Keras layers with weights.
func (c Contents) LayerNames() []string {
	layers := c.KerasLayers()
	names := make([]string, 0, len(layers))
	for name := range layers {
		names = append(names, name)
	}
	slices.Sort(names)
	return names
}

// Keras data formats, the order of the axes of images and convolution features.
const (
	ChannelsFirst = "channels_first"
	ChannelsLast  = "channels_last"
)

// KerasFormat of a saved model, read from the attributes Keras stores in the root group of the file.
// Fields are empty if not recorded.
type KerasFormat struct {
	// Backend that saved the file: "tensorflow", "theano", ...
	Backend string

	// DataFormat is ChannelsFirst or ChannelsLast.
	DataFormat string
}

// ReadKerasFormat reads the "backend" and "model_config" attributes of the file. Missing attributes
// (files saved with the weights only, for instance) are not an error.
func ReadKerasFormat(filePath string) KerasFormat {
	var format KerasFormat
	if out, err := execH5Dump("--width=0", "--attribute=/backend", filePath); err == nil {
		format.Backend = parseStringAttribute(string(out))
	} else {
		klog.V(1).Infof("no Keras backend recorded in %q: %v", filePath, err)
	}
	if out, err := execH5Dump("--width=0", "--attribute=/model_config", filePath); err == nil {
		format.DataFormat = parseDataFormat(string(out))
	} else {
		klog.V(1).Infof("no Keras model configuration in %q: %v", filePath, err)
	}
	return format
}

var (
	stringAttributeRegexp = regexp.MustCompile(`\(0\):\s*"([^"]*)"`)

	// Keras 2 configures "data_format" per layer, Keras 1 "dim_ordering". The JSON quotes are escaped
	// in the h5dump output.
	dataFormatRegexp = regexp.MustCompile(`(data_format|dim_ordering)\W+(channels_first|channels_last|th|tf)\b`)
)

// parseStringAttribute returns the value of a scalar string attribute in the h5dump output.
func parseStringAttribute(out string) string {
	match := stringAttributeRegexp.FindStringSubmatch(out)
	if match == nil {
		return ""
	}
	return match[1]
}

// parseDataFormat returns the data format of the first layer configured with one in the h5dump output
// of a "model_config" attribute.
func parseDataFormat(out string) string {
	match := dataFormatRegexp.FindStringSubmatch(out)
	if match == nil {
		return ""
	}
	switch match[2] {
	case ChannelsFirst, "th":
		return ChannelsFirst
	default:
		return ChannelsLast
	}
}
