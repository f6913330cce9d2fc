package vgg16

import (
	. "github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/core/shapes"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/gomlx/gomlx/pkg/ml/layers"
	"github.com/gomlx/gomlx/pkg/ml/layers/activations"
	"github.com/gomlx/gomlx/pkg/ml/nn"
)

const (
	// ModelScope is the context scope under which the model variables are created.
	ModelScope = "model"

	// BaseScope holds the pretrained (frozen) layers, under ModelScope.
	BaseScope = "vgg16"

	// HeadScope holds the new classification layer, under ModelScope.
	HeadScope = "predictions_finetuned"

	// ParamNumClasses is the number of classes of the classification layer.
	ParamNumClasses = "num_classes"

	// ParamDropoutRate is the dropout rate applied after each fully connected layer while training.
	ParamDropoutRate = "dropout_rate"

	// DefaultDropoutRate used if ParamDropoutRate is not set.
	DefaultDropoutRate = 0.5
)

// Preprocess subtracts the ImageNet Mean from images given in RGB order with values from 0 to 255,
// and converts them to BGR, the order used to train the pretrained network.
//
// images are shaped [batch, height, width, 3].
func Preprocess(images *Node) *Node {
	g := images.Graph()
	mean := Const(g, [][][][]float32{{{{Mean[0], Mean[1], Mean[2]}}}})
	x := Sub(images, ConvertDType(mean, images.DType()))
	return Reverse(x, x.Rank()-1)
}

// BaseGraph builds the convolution blocks and the fully connected layers, returning the features
// shaped [batch, topology.FeaturesDim()].
//
// ctx should be in the BaseScope.
func BaseGraph(ctx *context.Context, topology Topology, images *Node) *Node {
	x := Preprocess(images)
	for blockIdx, filters := range topology.Blocks {
		for convIdx, numFilters := range filters {
			x = layers.Convolution(ctx.In(ConvLayerName(blockIdx, convIdx)), x).
				Filters(numFilters).
				KernelSize(3).
				PadSame().
				UseBias(true).
				CurrentScope().
				Done()
			x = activations.Relu(x)
		}
		x = MaxPool(x).Window(2).Strides(2).NoPadding().Done()
	}
	x = Reshape(x, x.Shape().Dimensions[0], -1)

	dropoutRate := context.GetParamOr(ctx, ParamDropoutRate, DefaultDropoutRate)
	for fcIdx, dim := range topology.FCDims {
		x = dense(ctx.In(FCLayerName(fcIdx)), x, dim, activations.TypeRelu)
		x = layers.DropoutStatic(ctx, x, dropoutRate)
	}
	return x
}

// HeadGraph builds the classification layer over the features, returning the logits.
//
// ctx should be in the HeadScope.
func HeadGraph(ctx *context.Context, features *Node, numClasses int) *Node {
	return dense(ctx, features, numClasses, activations.TypeNone)
}

// ModelGraph builds the full model: the frozen base and the classification head. It returns the logits,
// shaped [batch, numClasses].
//
// ctx should be in the ModelScope.
func ModelGraph(ctx *context.Context, topology Topology, numClasses int, images *Node) *Node {
	features := BaseGraph(ctx.In(BaseScope), topology, images)
	features = StopGradient(features)
	return HeadGraph(ctx.In(HeadScope), features, numClasses)
}

// dense layer with the Keras layout: weights shaped [inputDim, outputDim] and biases shaped [outputDim].
func dense(ctx *context.Context, x *Node, outputDim int, activation activations.Type) *Node {
	g := x.Graph()
	dtype := x.DType()
	inputDim := x.Shape().Dimensions[x.Rank()-1]
	weights := ctx.VariableWithShape("weights", shapes.Make(dtype, inputDim, outputDim)).ValueGraph(g)
	biases := ctx.VariableWithValue("biases", make([]float32, outputDim)).ValueGraph(g)
	biases = ConvertDType(biases, dtype)
	return nn.Dense(x, weights, biases, activation)
}
