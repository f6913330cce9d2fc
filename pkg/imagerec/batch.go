package imagerec

import (
	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/gomlx/imagerec/pkg/imagefolder"
	"github.com/pkg/errors"
)

// BatchImagePredictionRequestInfo holds the images of a list of requests stacked in one tensor, along
// with the requests, to correlate the model outputs back to them.
type BatchImagePredictionRequestInfo struct {
	// Images shaped `[len(Requests), height, width, 3]`, float32 RGB values from 0 to 255.
	Images *tensors.Tensor

	Requests []ImagePredictionRequest
}

// NewBatchInfo loads all images of the requests, cropped and resized to width x height.
// A single image failing to load fails the whole batch.
func NewBatchInfo(requests []ImagePredictionRequest, width, height int) (*BatchImagePredictionRequestInfo, error) {
	if len(requests) == 0 {
		return nil, errors.New("no prediction requests given")
	}
	paths := make([]string, len(requests))
	for ii, r := range requests {
		paths[ii] = r.Path
	}
	images, err := imagefolder.LoadBatch(paths, width, height)
	if err != nil {
		return nil, errors.WithMessagef(err, "building batch of %d prediction requests", len(requests))
	}
	return &BatchImagePredictionRequestInfo{Images: images, Requests: requests}, nil
}

// Len returns the number of requests in the batch.
func (info *BatchImagePredictionRequestInfo) Len() int { return len(info.Requests) }

// GenerateResults zips the per-request confidences (one vector per request, in request order) with
// the requests and the class table.
func GenerateResults(confidences [][]float32, info *BatchImagePredictionRequestInfo, classes ClassIndexTable) ([]ImagePredictionResult, error) {
	if len(confidences) != info.Len() {
		return nil, errors.Errorf("model returned %d confidence vectors for %d requests", len(confidences), info.Len())
	}
	results := make([]ImagePredictionResult, len(confidences))
	for ii, conf := range confidences {
		if len(conf) != classes.Len() {
			return nil, errors.Errorf("request #%d (%q): got %d confidences for %d classes",
				ii, info.Requests[ii].Path, len(conf), classes.Len())
		}
		best := 0
		for classIdx, c := range conf {
			if c > conf[best] {
				best = classIdx
			}
		}
		results[ii] = ImagePredictionResult{
			Request:     info.Requests[ii],
			ClassIndex:  best,
			ClassName:   classes.Name(best),
			Confidence:  conf[best],
			Confidences: conf,
		}
	}
	return results, nil
}

// SplitConfidences converts a `[batch_size, num_classes]` float32 tensor to one slice per example.
func SplitConfidences(t *tensors.Tensor) ([][]float32, error) {
	if t.Shape().Rank() != 2 {
		return nil, errors.Errorf("expected confidences shaped [batch_size, num_classes], got %s", t.Shape())
	}
	flat, err := copyFloat32(t)
	if err != nil {
		return nil, err
	}
	batchSize, numClasses := t.Shape().Dimensions[0], t.Shape().Dimensions[1]
	out := make([][]float32, batchSize)
	for ii := range out {
		out[ii] = flat[ii*numClasses : (ii+1)*numClasses]
	}
	return out, nil
}

func copyFloat32(t *tensors.Tensor) (flat []float32, err error) {
	var dtypeErr error
	err = t.ConstFlatData(func(data any) {
		values, ok := data.([]float32)
		if !ok {
			dtypeErr = errors.Errorf("expected float32 confidences, got %s", t.Shape().DType)
			return
		}
		flat = make([]float32, len(values))
		copy(flat, values)
	})
	if err == nil {
		err = dtypeErr
	}
	return
}
