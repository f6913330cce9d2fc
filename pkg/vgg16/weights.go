package vgg16

import (
	"cmp"
	"fmt"
	"path/filepath"
	"slices"
	"strconv"
	"strings"

	"github.com/gomlx/exceptions"
	"github.com/gomlx/gomlx/pkg/core/shapes"
	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/gomlx/gomlx/pkg/support/fsutil"
	"github.com/gomlx/imagerec/pkg/download"
	"github.com/gomlx/imagerec/pkg/hdf5"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

const (
	// DefaultWeightsURL serves the Keras VGG16 ImageNet weights, TensorFlow dimension ordering, with the
	// top (fully connected) layers.
	DefaultWeightsURL = "https://storage.googleapis.com/tensorflow/keras-applications/vgg16/vgg16_weights_tf_dim_ordering_tf_kernels.h5"

	// DefaultWeightsDir where the downloaded weights are stored.
	DefaultWeightsDir = "~/.cache/imagerec"
)

// DownloadWeights downloads the pretrained weights from url into dir, if not there yet, and returns the local path.
// If checksum is set, the file is verified against its SHA256.
func DownloadWeights(url, dir, checksum string) (string, error) {
	dir, err := fsutil.ReplaceTildeInDir(dir)
	if err != nil {
		return "", err
	}
	filePath := filepath.Join(dir, filepath.Base(url))
	if err = download.IfMissing(url, filePath, checksum); err != nil {
		return "", errors.WithMessagef(err, "failed to obtain VGG16 pretrained weights")
	}
	return filePath, nil
}

// kerasLayer is a Keras layer with kernel and bias: the shapes are known before the values are read.
type kerasLayer struct {
	Name                   string
	KernelShape, BiasShape shapes.Shape
	Read                   func() (kernel, bias *tensors.Tensor, err error)
}

// KerasWeights are the layers of a Keras VGG16 file, and the format they were saved with.
type KerasWeights struct {
	layers map[string]*kerasLayer

	// Format of the file. An empty DataFormat is taken as hdf5.ChannelsLast for files with the Keras applications
	// layer names, and as hdf5.ChannelsFirst for automatically named layers (a Sequential model fed with
	// 3x224x224 images).
	Format hdf5.KerasFormat
}

// ReadKerasWeights lists the layers of the Keras ".h5" file at filePath. Values are only read when loaded.
func ReadKerasWeights(filePath string) (*KerasWeights, error) {
	contents, err := hdf5.ParseFile(filePath)
	if err != nil {
		return nil, err
	}
	w := &KerasWeights{layers: make(map[string]*kerasLayer), Format: hdf5.ReadKerasFormat(filePath)}
	for name, lw := range contents.KerasLayers() {
		if lw.Kernel == nil || lw.Bias == nil {
			continue
		}
		w.layers[name] = &kerasLayer{
			Name:        name,
			KernelShape: lw.Kernel.Shape,
			BiasShape:   lw.Bias.Shape,
			Read: func() (kernel, bias *tensors.Tensor, err error) {
				if kernel, err = lw.Kernel.ToTensor(); err != nil {
					return
				}
				bias, err = lw.Bias.ToTensor()
				return
			},
		}
	}
	klog.V(1).Infof("Keras file %q: %d layers with weights, format %+v", filePath, len(w.layers), w.Format)
	return w, nil
}

// LayerNames returns the sorted names of the layers with kernel and bias.
func (w *KerasWeights) LayerNames() []string {
	names := make([]string, 0, len(w.layers))
	for name := range w.layers {
		names = append(names, name)
	}
	slices.Sort(names)
	return names
}

// layerMapping of the model layers to the Keras layers of a file.
type layerMapping struct {
	// Base holds the Keras layer of each of Topology.LayerNames(), in the same order.
	Base []string

	// Head is the Keras layer of the classification head, if one was requested.
	Head string

	// ByPosition is set if the layers were matched in Keras creation order, not by name.
	ByPosition bool
}

// mapLayers matches the base layers of topology, and the classification head if withHead, to the Keras layers.
//
// Files with the Keras applications names (block1_conv1, ..., fc2) are matched by name: the head is the only
// other dense layer taking the base features. Otherwise, the layers are taken in creation order, the numeric
// suffix of Keras automatic names (conv2d_1, ..., dense_3): convolutions by kernel rank 4, dense layers by
// kernel rank 2, the head being the dense layer following the fully connected ones. The ImageNet predictions
// layer is never mapped.
func (w *KerasWeights) mapLayers(topology Topology, withHead bool) (layerMapping, error) {
	baseNames := topology.LayerNames()
	byName := true
	for _, name := range baseNames {
		if _, found := w.layers[name]; !found {
			byName = false
			break
		}
	}
	if byName {
		mapping := layerMapping{Base: baseNames}
		if !withHead {
			return mapping, nil
		}
		var candidates []string
		for _, name := range w.LayerNames() {
			if name == PredictionsLayerName || slices.Contains(baseNames, name) {
				continue
			}
			dims := w.layers[name].KernelShape.Dimensions
			if len(dims) == 2 && dims[0] == topology.FeaturesDim() {
				candidates = append(candidates, name)
			}
		}
		if len(candidates) != 1 {
			return layerMapping{}, errors.Errorf("expected exactly one fine-tuned dense layer with input dimension %d, found %v",
				topology.FeaturesDim(), candidates)
		}
		mapping.Head = candidates[0]
		return mapping, nil
	}

	var convs, denses []string
	for _, name := range w.creationOrder() {
		if name == PredictionsLayerName {
			continue
		}
		switch w.layers[name].KernelShape.Rank() {
		case 4:
			convs = append(convs, name)
		case 2:
			denses = append(denses, name)
		}
	}
	numConvs := len(baseNames) - len(topology.FCDims)
	numDenses := len(topology.FCDims)
	if withHead {
		numDenses++
	}
	densesOk := len(denses) == numDenses
	if !withHead && len(denses) == numDenses+1 {
		// Pretrained files may still hold the ImageNet classification layer, which is dropped.
		densesOk = true
	}
	if len(convs) != numConvs || !densesOk {
		return layerMapping{}, errors.Errorf("can't match Keras layers %v to VGG16: expected %d convolutions and %d dense layers, found convolutions %v and dense layers %v",
			w.LayerNames(), numConvs, numDenses, convs, denses)
	}
	mapping := layerMapping{ByPosition: true}
	mapping.Base = append(mapping.Base, convs...)
	mapping.Base = append(mapping.Base, denses[:len(topology.FCDims)]...)
	if withHead {
		mapping.Head = denses[len(topology.FCDims)]
	}
	return mapping, nil
}

// creationOrder sorts the layer names by the numeric suffix Keras appends to automatic names, then by name.
func (w *KerasWeights) creationOrder() []string {
	names := w.LayerNames()
	slices.SortStableFunc(names, func(a, b string) int {
		return cmp.Compare(layerNumber(a), layerNumber(b))
	})
	return names
}

// layerNumber returns the numeric suffix of a name like "conv2d_12", or -1.
func layerNumber(name string) int {
	idx := strings.LastIndex(name, "_")
	if idx < 0 {
		return -1
	}
	n, err := strconv.Atoi(name[idx+1:])
	if err != nil {
		return -1
	}
	return n
}

// LoadPretrained loads the weights of the base layers of topology. The ImageNet "predictions" layer,
// if present, is ignored. imageWidth and imageHeight are the input size of the model.
//
// ctx should be in the ModelScope.
func (w *KerasWeights) LoadPretrained(ctx *context.Context, topology Topology, imageWidth, imageHeight int) error {
	mapping, err := w.mapLayers(topology, false)
	if err != nil {
		return err
	}
	return w.load(ctx, topology, mapping, imageWidth, imageHeight, 0)
}

// LoadFineTuned loads a fine-tuned Keras model: the base layers of topology and the classification head
// with numClasses outputs.
//
// ctx should be in the ModelScope.
func (w *KerasWeights) LoadFineTuned(ctx *context.Context, topology Topology, imageWidth, imageHeight, numClasses int) error {
	mapping, err := w.mapLayers(topology, true)
	if err != nil {
		return err
	}
	return w.load(ctx, topology, mapping, imageWidth, imageHeight, numClasses)
}

func (w *KerasWeights) load(ctx *context.Context, topology Topology, mapping layerMapping, imageWidth, imageHeight, numClasses int) error {
	channelsFirst := w.Format.DataFormat == hdf5.ChannelsFirst ||
		(w.Format.DataFormat == "" && mapping.ByPosition)
	flipKernels := w.Format.Backend == "theano"
	if mapping.ByPosition || channelsFirst || flipKernels {
		klog.Infof("loading Keras weights matched by position=%v, channels first=%v, Theano kernels=%v",
			mapping.ByPosition, channelsFirst, flipKernels)
	}

	baseCtx := ctx.In(BaseScope)
	layerIdx := 0
	for blockIdx, filters := range topology.Blocks {
		for convIdx, numFilters := range filters {
			var transform kernelTransform
			if flipKernels {
				transform = flipSpatialAxes
			}
			err := w.loadLayer(baseCtx.In(ConvLayerName(blockIdx, convIdx)), mapping.Base[layerIdx], 4, numFilters, transform)
			if err != nil {
				return err
			}
			layerIdx++
		}
	}
	lastBlock := topology.Blocks[len(topology.Blocks)-1]
	channels := lastBlock[len(lastBlock)-1]
	height, width := imageHeight>>len(topology.Blocks), imageWidth>>len(topology.Blocks)
	for fcIdx, dim := range topology.FCDims {
		var transform kernelTransform
		if fcIdx == 0 && channelsFirst {
			transform = func(kernel *tensors.Tensor) (*tensors.Tensor, error) {
				return channelsFirstToLast(kernel, channels, height, width)
			}
		}
		if err := w.loadLayer(baseCtx.In(FCLayerName(fcIdx)), mapping.Base[layerIdx], 2, dim, transform); err != nil {
			return err
		}
		layerIdx++
	}
	klog.V(1).Infof("loaded %d VGG16 base layers", layerIdx)
	if mapping.Head == "" {
		return nil
	}
	return w.loadLayer(ctx.In(HeadScope), mapping.Head, 2, numClasses, nil)
}

// kernelTransform converts a Keras kernel to the layout of the model.
type kernelTransform func(kernel *tensors.Tensor) (*tensors.Tensor, error)

// loadLayer reads kernel and bias of the Keras layer into the "weights" and "biases" variables of ctx.
// The kernel must have the given rank and output dimension (its last).
func (w *KerasWeights) loadLayer(ctx *context.Context, layerName string, rank, outputDim int, transform kernelTransform) error {
	layer, found := w.layers[layerName]
	if !found {
		return errors.Errorf("Keras layer %q not found, layers available: %v", layerName, w.LayerNames())
	}
	kernelDims := layer.KernelShape.Dimensions
	if len(kernelDims) != rank || kernelDims[rank-1] != outputDim {
		return errors.Errorf("layer %q kernel has shape %s, expected rank %d and output dimension %d",
			layerName, layer.KernelShape, rank, outputDim)
	}
	if layer.BiasShape.Rank() != 1 || layer.BiasShape.Dimensions[0] != outputDim {
		return errors.Errorf("layer %q bias has shape %s, expected [%d]", layerName, layer.BiasShape, outputDim)
	}
	kernel, bias, err := layer.Read()
	if err != nil {
		return errors.WithMessagef(err, "layer %q", layerName)
	}
	if transform != nil {
		if kernel, err = transform(kernel); err != nil {
			return errors.WithMessagef(err, "layer %q", layerName)
		}
	}
	if err = setVariable(ctx, "weights", kernel); err != nil {
		return err
	}
	return setVariable(ctx, "biases", bias)
}

// setVariable creates or overwrites the variable in the current scope of ctx.
func setVariable(ctx *context.Context, name string, value *tensors.Tensor) error {
	if v := ctx.InspectVariable(ctx.Scope(), name); v != nil {
		if !v.Shape().Equal(value.Shape()) {
			return errors.Errorf("variable %s has shape %s, can't set it to a value shaped %s",
				fmt.Sprintf("%s/%s", ctx.Scope(), name), v.Shape(), value.Shape())
		}
		return v.SetValue(value)
	}
	return exceptions.TryCatch[error](func() { ctx.Checked(false).VariableWithValue(name, value) })
}

// channelsFirstToLast reorders the input features of a dense kernel shaped [channels*height*width, outputDim]
// from a channels first flattening of the convolution features to the channels last one used by the model.
func channelsFirstToLast(kernel *tensors.Tensor, channels, height, width int) (*tensors.Tensor, error) {
	dims := kernel.Shape().Dimensions
	if len(dims) != 2 || dims[0] != channels*height*width {
		return nil, errors.Errorf("kernel shaped %s doesn't take %dx%dx%d features", kernel.Shape(), channels, height, width)
	}
	return remapKernel(kernel, dims[1], func(src int) int {
		c, hw := src/(height*width), src%(height*width)
		return hw*channels + c
	})
}

// flipSpatialAxes reverses the two spatial axes of a convolution kernel shaped [height, width, inputs, outputs]:
// Theano convolutions flip the kernel, TensorFlow's (and GoMLX's) don't.
func flipSpatialAxes(kernel *tensors.Tensor) (*tensors.Tensor, error) {
	dims := kernel.Shape().Dimensions
	if len(dims) != 4 {
		return nil, errors.Errorf("convolution kernel shaped %s, expected rank 4", kernel.Shape())
	}
	height, width := dims[0], dims[1]
	return remapKernel(kernel, dims[2]*dims[3], func(src int) int {
		h, w := src/width, src%width
		return (height-1-h)*width + (width - 1 - w)
	})
}

// remapKernel moves the contiguous blocks of blockSize values of kernel: block src goes to position dst(src).
func remapKernel(kernel *tensors.Tensor, blockSize int, dst func(src int) int) (*tensors.Tensor, error) {
	dims := kernel.Shape().Dimensions
	var result *tensors.Tensor
	var dtypeErr error
	err := kernel.ConstFlatData(func(flatAny any) {
		switch flat := flatAny.(type) {
		case []float32:
			result = tensors.FromFlatDataAndDimensions(remapBlocks(flat, blockSize, dst), dims...)
		case []float64:
			result = tensors.FromFlatDataAndDimensions(remapBlocks(flat, blockSize, dst), dims...)
		default:
			dtypeErr = errors.Errorf("kernel dtype %s not supported", kernel.DType())
		}
	})
	if err == nil {
		err = dtypeErr
	}
	if err != nil {
		return nil, err
	}
	return result, nil
}

func remapBlocks[T any](flat []T, blockSize int, dst func(src int) int) []T {
	out := make([]T, len(flat))
	for src := range len(flat) / blockSize {
		to := dst(src) * blockSize
		copy(out[to:to+blockSize], flat[src*blockSize:(src+1)*blockSize])
	}
	return out
}
