// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package imagerec defines the image recognition Model interface, and the types used to request
// predictions and return results.
//
// A prediction call takes an ordered list of ImagePredictionRequest, stacks the images into one
// tensor (BatchImagePredictionRequestInfo), runs the model over it and maps each confidence vector
// back to an ImagePredictionResult, in the same order as the requests.
package imagerec

import (
	"github.com/gomlx/imagerec/pkg/imagefolder"
)

// Model is an image classifier that can be fine-tuned further.
type Model interface {
	// ImageWidth and ImageHeight are the input image dimensions expected by the model.
	ImageWidth() int
	ImageHeight() int

	// Predict classifies the images of requests, evaluating batchSize images at a time.
	// It returns one result per request, in the same order.
	Predict(requests []ImagePredictionRequest, batchSize int) ([]ImagePredictionResult, error)

	// RefineTraining trains the model for numEpochs more epochs.
	RefineTraining(numEpochs int) error
}

// ClassifierWithClasses is implemented by models that expose their class table.
type ClassifierWithClasses interface {
	Model
	Classes() ClassIndexTable
}

// ImagePredictionRequest identifies one image to classify.
type ImagePredictionRequest struct {
	// Path to the image file.
	Path string

	// ImageNumber identifies the image, usually its file name without extension.
	ImageNumber string
}

// NewRequest creates the request for the image file at imagePath.
func NewRequest(imagePath string) ImagePredictionRequest {
	return ImagePredictionRequest{Path: imagePath, ImageNumber: imagefolder.ImageNumber(imagePath)}
}

// RequestsFromDir creates one request for each "<dir>/*/<image>" file.
func RequestsFromDir(dir string) ([]ImagePredictionRequest, error) {
	samples, err := imagefolder.ScanImages(dir)
	if err != nil {
		return nil, err
	}
	requests := make([]ImagePredictionRequest, len(samples))
	for ii, sample := range samples {
		requests[ii] = NewRequest(sample.Path)
	}
	return requests, nil
}

// ImagePredictionResult is the classification of one image.
type ImagePredictionResult struct {
	Request ImagePredictionRequest

	// ClassIndex and ClassName of the most likely class.
	ClassIndex int
	ClassName  string

	// Confidence of the most likely class.
	Confidence float32

	// Confidences for all classes, indexed by class index.
	Confidences []float32
}

// ConfidenceFor returns the confidence the model assigned to classIndex, or 0 if out of range.
func (r ImagePredictionResult) ConfidenceFor(classIndex int) float32 {
	if classIndex < 0 || classIndex >= len(r.Confidences) {
		return 0
	}
	return r.Confidences[classIndex]
}
