// Package classifier runs an imagerec.Model over whole directories of images, producing summaries
// used by the submission writers and the performance visualizer.
package classifier

import (
	"fmt"

	"github.com/gomlx/imagerec/pkg/imagefolder"
	"github.com/gomlx/imagerec/pkg/imagerec"
	"github.com/pkg/errors"
	"github.com/schollz/progressbar/v3"
	"k8s.io/klog/v2"
)

// DefaultChunkSize is the number of images loaded in memory for each call to the model's Predict.
const DefaultChunkSize = 1024

// PredictionSummary is the prediction for one image of a directory.
type PredictionSummary struct {
	imagerec.ImagePredictionResult
}

// ImageNumber of the image predicted.
func (s PredictionSummary) ImageNumber() string { return s.Request.ImageNumber }

// TestResultSummary is a prediction for an image whose class is known.
type TestResultSummary struct {
	PredictionSummary

	ExpectedClass string

	// ExpectedIndex is -1 if the model classes are unknown, or don't include ExpectedClass.
	ExpectedIndex int

	Correct bool
}

// ExpectedConfidence returns the confidence the model assigned to the expected class, or 0 if it is unknown.
func (s TestResultSummary) ExpectedConfidence() float32 {
	return s.ConfidenceFor(s.ExpectedIndex)
}

// MasterImageClassifier classifies directories of images with a model.
type MasterImageClassifier struct {
	model imagerec.Model

	// ChunkSize is the maximum number of images given to each call of Predict.
	ChunkSize int

	// ProgressBar displays the progress over the chunks.
	ProgressBar bool
}

// New creates a MasterImageClassifier for model.
func New(model imagerec.Model) *MasterImageClassifier {
	return &MasterImageClassifier{model: model, ChunkSize: DefaultChunkSize}
}

// Model returns the underlying model.
func (c *MasterImageClassifier) Model() imagerec.Model { return c.model }

// Classes returns the classes of the model, if it exposes them.
func (c *MasterImageClassifier) Classes() (imagerec.ClassIndexTable, bool) {
	withClasses, ok := c.model.(imagerec.ClassifierWithClasses)
	if !ok {
		return nil, false
	}
	return withClasses.Classes(), true
}

// AllPredictions predicts every "<dir>/*/<image>" file, returning the summaries in scan order.
func (c *MasterImageClassifier) AllPredictions(dir string, batchSize int) ([]PredictionSummary, error) {
	requests, err := imagerec.RequestsFromDir(dir)
	if err != nil {
		return nil, err
	}
	return c.Predict(requests, batchSize)
}

// AllTestResults predicts the images of dir, all expected to be of class expectedClass.
// Images are taken directly from dir, or if there are none there, from its sub-directories.
func (c *MasterImageClassifier) AllTestResults(dir string, batchSize int, expectedClass string) ([]TestResultSummary, error) {
	paths, err := imagefolder.ListImages(dir)
	if err != nil {
		return nil, err
	}
	var requests []imagerec.ImagePredictionRequest
	if len(paths) > 0 {
		requests = make([]imagerec.ImagePredictionRequest, len(paths))
		for ii, p := range paths {
			requests[ii] = imagerec.NewRequest(p)
		}
	} else {
		requests, err = imagerec.RequestsFromDir(dir)
		if err != nil {
			return nil, err
		}
	}
	predictions, err := c.Predict(requests, batchSize)
	if err != nil {
		return nil, err
	}

	expectedIndex := -1
	if classes, ok := c.Classes(); ok {
		expectedIndex = classes.Index(expectedClass)
		if expectedIndex < 0 {
			klog.Warningf("expected class %q is not one of the model classes %v", expectedClass, classes)
		}
	}
	results := make([]TestResultSummary, len(predictions))
	for ii, prediction := range predictions {
		results[ii] = TestResultSummary{
			PredictionSummary: prediction,
			ExpectedClass:     expectedClass,
			ExpectedIndex:     expectedIndex,
			Correct:           prediction.ClassName == expectedClass,
		}
	}
	return results, nil
}

// Predict runs the model over the requests, in chunks of at most ChunkSize images.
func (c *MasterImageClassifier) Predict(requests []imagerec.ImagePredictionRequest, batchSize int) ([]PredictionSummary, error) {
	chunkSize := c.ChunkSize
	if chunkSize <= 0 {
		chunkSize = DefaultChunkSize
	}
	var bar *progressbar.ProgressBar
	if c.ProgressBar && len(requests) > 0 {
		bar = progressbar.NewOptions(len(requests),
			progressbar.OptionSetDescription("predicting"),
			progressbar.OptionShowCount(),
			progressbar.OptionShowIts(),
			progressbar.OptionSetItsString("images"),
			progressbar.OptionOnCompletion(func() { fmt.Println() }))
	}
	summaries := make([]PredictionSummary, 0, len(requests))
	for start := 0; start < len(requests); start += chunkSize {
		end := min(start+chunkSize, len(requests))
		results, err := c.model.Predict(requests[start:end], batchSize)
		if err != nil {
			return nil, errors.WithMessagef(err, "failed predicting images %d to %d", start, end-1)
		}
		if len(results) != end-start {
			return nil, errors.Errorf("model returned %d results for %d requests", len(results), end-start)
		}
		for _, result := range results {
			summaries = append(summaries, PredictionSummary{ImagePredictionResult: result})
		}
		if bar != nil {
			_ = bar.Add(end - start)
		}
	}
	return summaries, nil
}
