// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package vgg16 implements an imagerec.Model by fine-tuning the VGG16 ImageNet network with GoMLX:
// the convolutional base and the two fully connected layers are loaded from the Keras pretrained
// weights and frozen, and a new classification layer is trained for the classes of a training folder.
//
// Reference: "Very Deep Convolutional Networks for Large-Scale Image Recognition", K. Simonyan, A. Zisserman,
// https://arxiv.org/abs/1409.1556
package vgg16

import (
	"fmt"

	"github.com/pkg/errors"
)

// ImageSize is the width and height of the images the pretrained network was trained with.
const ImageSize = 224

// Mean of the ImageNet pixels, in RGB order, subtracted from the input images.
var Mean = [3]float32{123.68, 116.779, 103.939}

// Topology of the network: the number of filters of each 3x3 convolution, grouped by block
// (each block ends with a 2x2 max-pooling), followed by the dimensions of the fully connected layers.
type Topology struct {
	Blocks [][]int
	FCDims []int
}

// DefaultTopology is the standard VGG16 topology, matching the pretrained weights.
var DefaultTopology = Topology{
	Blocks: [][]int{{64, 64}, {128, 128}, {256, 256, 256}, {512, 512, 512}, {512, 512, 512}},
	FCDims: []int{4096, 4096},
}

// ConvLayerName returns the Keras name of the convolution convIdx of block blockIdx, both zero-based.
func ConvLayerName(blockIdx, convIdx int) string {
	return fmt.Sprintf("block%d_conv%d", blockIdx+1, convIdx+1)
}

// FCLayerName returns the Keras name of the fully connected layer fcIdx, zero-based.
func FCLayerName(fcIdx int) string {
	return fmt.Sprintf("fc%d", fcIdx+1)
}

// PredictionsLayerName is the Keras name of the original 1000 classes output layer, which is discarded.
const PredictionsLayerName = "predictions"

// LayerNames returns the Keras names of all the base layers (convolutions and fully connected), in order.
func (t Topology) LayerNames() []string {
	var names []string
	for blockIdx, filters := range t.Blocks {
		for convIdx := range filters {
			names = append(names, ConvLayerName(blockIdx, convIdx))
		}
	}
	for fcIdx := range t.FCDims {
		names = append(names, FCLayerName(fcIdx))
	}
	return names
}

// FeaturesDim is the dimension of the output of the base network, the input of the classification layer.
func (t Topology) FeaturesDim() int {
	if len(t.FCDims) == 0 {
		return 0
	}
	return t.FCDims[len(t.FCDims)-1]
}

// Validate checks the topology can be applied to images of the given size.
func (t Topology) Validate(width, height int) error {
	if len(t.Blocks) == 0 || len(t.FCDims) == 0 {
		return errors.Errorf("VGG16 topology needs at least one convolution block and one fully connected layer, got %+v", t)
	}
	for blockIdx, filters := range t.Blocks {
		if len(filters) == 0 {
			return errors.Errorf("VGG16 topology block #%d has no convolutions", blockIdx)
		}
	}
	factor := 1 << len(t.Blocks)
	if width <= 0 || height <= 0 || width%factor != 0 || height%factor != 0 {
		return errors.Errorf("image size %dx%d must be a positive multiple of %d for %d convolution blocks",
			width, height, factor, len(t.Blocks))
	}
	return nil
}
