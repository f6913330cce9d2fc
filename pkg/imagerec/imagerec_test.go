package imagerec

import (
	"image/color"
	"os"
	"path/filepath"
	"testing"

	"github.com/disintegration/imaging"
	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestClassIndexTable(t *testing.T) {
	// Follows the loader's assignment, not alphabetical order.
	table, err := NewClassIndexTable(map[string]int{"dogs": 0, "cats": 1})
	require.NoError(t, err)
	assert.Equal(t, ClassIndexTable{"dogs", "cats"}, table)
	assert.Equal(t, "dogs", table.Name(0))
	assert.Equal(t, "cats", table.Name(1))
	assert.Equal(t, "#7", table.Name(7))
	assert.Equal(t, 1, table.Index("cats"))
	assert.Equal(t, -1, table.Index("birds"))

	_, err = NewClassIndexTable(map[string]int{"dogs": 0, "cats": 2})
	require.Error(t, err)
	_, err = NewClassIndexTable(map[string]int{"dogs": 1, "cats": 1})
	require.Error(t, err)
}

func TestGenerateResults(t *testing.T) {
	requests := []ImagePredictionRequest{
		NewRequest("test/unknown/3.jpg"),
		NewRequest("test/unknown/1.jpg"),
		NewRequest("test/unknown/2.jpg"),
	}
	info := &BatchImagePredictionRequestInfo{Requests: requests}
	table := ClassIndexTable{"dogs", "cats"}
	results, err := GenerateResults([][]float32{{0.9, 0.1}, {0.2, 0.8}, {0.45, 0.55}}, info, table)
	require.NoError(t, err)
	require.Len(t, results, 3)
	for ii, r := range results {
		assert.Equal(t, requests[ii], r.Request)
	}
	assert.Equal(t, "3", results[0].Request.ImageNumber)
	assert.Equal(t, "dogs", results[0].ClassName)
	assert.Equal(t, float32(0.9), results[0].Confidence)
	assert.Equal(t, 1, results[1].ClassIndex)
	assert.Equal(t, "cats", results[2].ClassName)
	assert.Equal(t, float32(0.45), results[2].ConfidenceFor(0))
	assert.Equal(t, float32(0), results[2].ConfidenceFor(2))

	_, err = GenerateResults([][]float32{{0.9, 0.1}}, info, table)
	require.Error(t, err)
	_, err = GenerateResults([][]float32{{1}, {1}, {1}}, info, table)
	require.Error(t, err)
}

func TestSplitConfidences(t *testing.T) {
	conf, err := SplitConfidences(tensors.FromValue([][]float32{{0.1, 0.9}, {0.7, 0.3}}))
	require.NoError(t, err)
	assert.Equal(t, [][]float32{{0.1, 0.9}, {0.7, 0.3}}, conf)

	_, err = SplitConfidences(tensors.FromValue([]float32{0.1, 0.9}))
	require.Error(t, err)
	_, err = SplitConfidences(tensors.FromValue([][]int32{{1, 2}}))
	require.Error(t, err)
}

func TestNewBatchInfo(t *testing.T) {
	dir := t.TempDir()
	classDir := filepath.Join(dir, "unknown")
	require.NoError(t, os.MkdirAll(classDir, 0755))
	for _, name := range []string{"7.jpg", "8.jpg", "9.jpg"} {
		require.NoError(t, imaging.Save(imaging.New(30, 20, color.White), filepath.Join(classDir, name)))
	}
	requests, err := RequestsFromDir(dir)
	require.NoError(t, err)
	require.Len(t, requests, 3)
	assert.Equal(t, "7", requests[0].ImageNumber)

	info, err := NewBatchInfo(requests, 16, 12)
	require.NoError(t, err)
	assert.Equal(t, 3, info.Len())
	assert.Equal(t, []int{3, 12, 16, 3}, info.Images.Shape().Dimensions)

	requests = append(requests, NewRequest(filepath.Join(classDir, "missing.jpg")))
	_, err = NewBatchInfo(requests, 16, 12)
	require.Error(t, err)

	_, err = NewBatchInfo(nil, 16, 12)
	require.Error(t, err)
}
