package experiment

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/gomlx/imagerec/pkg/classifier"
	"github.com/gomlx/imagerec/pkg/imagerec"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// prefixModel predicts "cats" for image numbers starting with "c", "dogs" otherwise.
type prefixModel struct{}

var classes = imagerec.ClassIndexTable{"cats", "dogs"}

func (prefixModel) ImageWidth() int { return 8 }
func (prefixModel) ImageHeight() int { return 8 }
func (prefixModel) Classes() imagerec.ClassIndexTable { return classes }
func (prefixModel) RefineTraining(int) error { return errors.New("not supported") }

func (prefixModel) Predict(requests []imagerec.ImagePredictionRequest, _ int) ([]imagerec.ImagePredictionResult, error) {
	results := make([]imagerec.ImagePredictionResult, len(requests))
	for ii, r := range requests {
		confidences := []float32{0.3, 0.7}
		if strings.HasPrefix(r.ImageNumber, "c") {
			confidences = []float32{0.6, 0.4}
		}
		idx := 0
		if confidences[1] > confidences[0] {
			idx = 1
		}
		results[ii] = imagerec.ImagePredictionResult{Request: r, ClassIndex: idx, ClassName: classes.Name(idx),
			Confidence: confidences[idx], Confidences: confidences}
	}
	return results, nil
}

func TestTestResults(t *testing.T) {
	validDir := t.TempDir()
	for _, p := range []string{"cats/c1.jpg", "cats/d2.jpg", "dogs/d3.jpg", "dogs/d4.jpg", "dogs/c5.jpg"} {
		p = filepath.Join(validDir, p)
		require.NoError(t, os.MkdirAll(filepath.Dir(p), 0755))
		require.NoError(t, os.WriteFile(p, nil, 0644))
	}
	c := classifier.New(prefixModel{})
	results, err := TestResults(c, validDir, classes, 64)
	require.NoError(t, err)
	require.Len(t, results, 5)

	var correct []string
	for _, r := range results {
		if r.Correct {
			correct = append(correct, r.ExpectedClass+"/"+r.ImageNumber())
		}
	}
	assert.Equal(t, []string{"cats/c1", "dogs/d3", "dogs/d4"}, correct)
	assert.Equal(t, "cats", results[0].ExpectedClass)
	assert.Equal(t, "dogs", results[4].ExpectedClass)
	PrintAccuracy(results)

	_, err = TestResults(c, validDir, []string{"cats", "birds"}, 64)
	require.ErrorContains(t, err, "birds")
}
