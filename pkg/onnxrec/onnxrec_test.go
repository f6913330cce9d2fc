package onnxrec

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/gomlx/imagerec/pkg/imagerec"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeMetadata(t *testing.T, contents string) string {
	filePath := filepath.Join(t.TempDir(), "model.json")
	require.NoError(t, os.WriteFile(filePath, []byte(contents), 0o644))
	return filePath
}

func TestLoadMetadata(t *testing.T) {
	assert.Equal(t, "/models/vgg.json", MetadataPath("/models/vgg.onnx"))

	md, err := LoadMetadata(writeMetadata(t, `{
		"input_shape": [4, 3, 2, 5],
		"output_shape": [4, 2],
		"classes": ["cats", "dogs"],
		"layout": "nchw",
		"mean": [1, 2, 3],
		"bgr": true
	}`))
	require.NoError(t, err)
	assert.Equal(t, LayoutNCHW, md.Layout)
	assert.Equal(t, 4, md.BatchSize())
	assert.Equal(t, 5, md.Width())
	assert.Equal(t, 2, md.Height())
	assert.Equal(t, 30, md.ImageSize())
	assert.Equal(t, "input", md.InputName)
	assert.Equal(t, "output", md.OutputName)

	md, err = LoadMetadata(writeMetadata(t, `{"input_shape": [1, 224, 224, 3], "output_shape": [1, 3], "classes": ["a", "b", "c"]}`))
	require.NoError(t, err)
	assert.Equal(t, LayoutNHWC, md.Layout)
	assert.Equal(t, 224, md.Width())

	for name, contents := range map[string]string{
		"rank":     `{"input_shape": [224, 224, 3], "output_shape": [1, 2], "classes": ["a", "b"]}`,
		"dynamic":  `{"input_shape": [-1, 224, 224, 3], "output_shape": [-1, 2], "classes": ["a", "b"]}`,
		"classes":  `{"input_shape": [1, 224, 224, 3], "output_shape": [1, 3], "classes": ["a", "b"]}`,
		"channels": `{"input_shape": [1, 224, 224, 1], "output_shape": [1, 2], "classes": ["a", "b"]}`,
		"layout":   `{"input_shape": [1, 224, 224, 3], "output_shape": [1, 2], "classes": ["a", "b"], "layout": "HWCN"}`,
		"mean":     `{"input_shape": [1, 224, 224, 3], "output_shape": [1, 2], "classes": ["a", "b"], "mean": [1]}`,
		"repeated": `{"input_shape": [1, 224, 224, 3], "output_shape": [1, 2], "classes": ["a", "a"]}`,
		"json":     `{"input_shape": `,
	} {
		t.Run(name, func(t *testing.T) {
			_, err := LoadMetadata(writeMetadata(t, contents))
			require.Error(t, err)
		})
	}

	_, err = LoadMetadata(filepath.Join(t.TempDir(), "missing.json"))
	require.Error(t, err)
}

func TestFillInput(t *testing.T) {
	// 1x2 image: pixel 0 = (1,2,3), pixel 1 = (4,5,6).
	rgb := []float32{1, 2, 3, 4, 5, 6}

	t.Run("NHWC", func(t *testing.T) {
		md := &Metadata{InputShape: []int64{1, 1, 2, 3}, Layout: LayoutNHWC}
		dst := make([]float32, 6)
		md.fillInput(dst, rgb)
		assert.Equal(t, rgb, dst)
	})

	t.Run("NCHW", func(t *testing.T) {
		md := &Metadata{InputShape: []int64{1, 3, 1, 2}, Layout: LayoutNCHW}
		dst := make([]float32, 6)
		md.fillInput(dst, rgb)
		assert.Equal(t, []float32{1, 4, 2, 5, 3, 6}, dst)
	})

	t.Run("MeanBGR", func(t *testing.T) {
		md := &Metadata{InputShape: []int64{1, 1, 2, 3}, Layout: LayoutNHWC, Mean: []float32{1, 1, 1}, BGR: true}
		dst := make([]float32, 6)
		md.fillInput(dst, rgb)
		assert.Equal(t, []float32{2, 1, 0, 5, 4, 3}, dst)
	})
}

func TestSoftmax(t *testing.T) {
	values := []float32{1000, 1000}
	softmax(values)
	assert.InDeltaSlice(t, []float32{0.5, 0.5}, values, 1e-6)

	values = []float32{0, 1, 2}
	softmax(values)
	assert.InDeltaSlice(t, []float32{0.0900306, 0.2447285, 0.6652410}, values, 1e-5)
}

func TestInferenceOnly(t *testing.T) {
	m := &Model{metadata: &Metadata{}}
	require.Error(t, m.RefineTraining(1))
	_, err := m.Predict([]imagerec.ImagePredictionRequest{imagerec.NewRequest("1.jpg")}, 1)
	require.ErrorContains(t, err, "closed")
	m.Close()
}

// TestModel runs an exported network given by $IMAGEREC_ONNX_MODEL over the images of the
// directory $IMAGEREC_ONNX_IMAGES. The ONNX Runtime library location can be set with
// $ONNXRUNTIME_SHARED_LIBRARY_PATH.
func TestModel(t *testing.T) {
	modelPath, imagesDir := os.Getenv("IMAGEREC_ONNX_MODEL"), os.Getenv("IMAGEREC_ONNX_IMAGES")
	if modelPath == "" || imagesDir == "" {
		t.Skip("IMAGEREC_ONNX_MODEL and IMAGEREC_ONNX_IMAGES not set")
	}
	m, err := New(Config{ModelPath: modelPath, SharedLibraryPath: os.Getenv("ONNXRUNTIME_SHARED_LIBRARY_PATH")})
	require.NoError(t, err)
	defer m.Close()

	requests, err := imagerec.RequestsFromDir(imagesDir)
	require.NoError(t, err)
	results, err := m.Predict(requests, m.Metadata().BatchSize())
	require.NoError(t, err)
	require.Len(t, results, len(requests))
	for ii, r := range results {
		assert.Equal(t, requests[ii], r.Request)
		assert.Len(t, r.Confidences, m.Classes().Len())
	}
}
