package imagefolder

import (
	"image"
	"image/color"
	"io"
	"math/rand/v2"
	"os"
	"path/filepath"
	"testing"

	"github.com/disintegration/imaging"
	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// writeImage writes a solid color JPEG of the given size at dir/class/name.
func writeImage(t *testing.T, dir, class, name string, width, height int, c color.Color) string {
	classDir := filepath.Join(dir, class)
	require.NoError(t, os.MkdirAll(classDir, 0755))
	img := imaging.New(width, height, c)
	p := filepath.Join(classDir, name)
	require.NoError(t, imaging.Save(img, p))
	return p
}

func createFolder(t *testing.T) string {
	dir := t.TempDir()
	writeImage(t, dir, "dogs", "1.jpg", 40, 30, color.White)
	writeImage(t, dir, "dogs", "2.jpg", 30, 40, color.White)
	writeImage(t, dir, "cats", "10.jpg", 32, 32, color.Black)
	writeImage(t, dir, "cats", "11.png", 10, 20, color.Black)
	writeImage(t, dir, "cats", "12.jpg", 50, 50, color.Black)
	require.NoError(t, os.WriteFile(filepath.Join(dir, "cats", "notes.txt"), []byte("x"), 0644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "README"), []byte("x"), 0644))
	return dir
}

func TestScan(t *testing.T) {
	dir := createFolder(t)
	f, err := Scan(dir)
	require.NoError(t, err)
	assert.Equal(t, map[string]int{"cats": 0, "dogs": 1}, f.ClassIndices)
	assert.Equal(t, []string{"cats", "dogs"}, f.ClassNames())
	require.Equal(t, 5, f.Len())
	assert.Equal(t, filepath.Join(dir, "cats", "10.jpg"), f.Samples[0].Path)
	assert.Equal(t, 0, f.Samples[0].ClassIndex)
	assert.Equal(t, filepath.Join(dir, "dogs", "2.jpg"), f.Samples[4].Path)
	assert.Equal(t, 1, f.Samples[4].ClassIndex)

	onlyJPG, err := Scan(dir, ".jpg")
	require.NoError(t, err)
	assert.Equal(t, 4, onlyJPG.Len())

	_, err = Scan(filepath.Join(dir, "missing"))
	require.Error(t, err)

	emptyDir := t.TempDir()
	_, err = Scan(emptyDir)
	require.Error(t, err)
	samples, err := ScanImages(emptyDir)
	require.NoError(t, err)
	assert.Empty(t, samples)

	paths, err := ListImages(filepath.Join(dir, "dogs"))
	require.NoError(t, err)
	require.NotEmpty(t, paths)
	assert.Equal(t, filepath.Join(dir, "dogs", "2.jpg"), paths[len(paths)-1])
	paths, err = ListImages(dir)
	require.NoError(t, err)
	assert.Empty(t, paths, "class directories are not images")
}

func TestImageNumber(t *testing.T) {
	assert.Equal(t, "1234", ImageNumber("data/test1/unknown/1234.jpg"))
	assert.Equal(t, "img_77", ImageNumber("img_77.JPG"))
	assert.Equal(t, "noext", ImageNumber("/a/b/noext"))
}

func TestCropAndResize(t *testing.T) {
	// Wide image: red on the left/right borders, blue center square.
	img := imaging.New(300, 100, color.NRGBA{R: 255, A: 255})
	center := imaging.New(100, 100, color.NRGBA{B: 255, A: 255})
	img = imaging.PasteCenter(img, center)
	resized := CropAndResize(img, 20, 20)
	assert.Equal(t, image.Pt(20, 20), resized.Bounds().Size())
	r, g, b, _ := resized.At(0, 10).RGBA()
	assert.Less(t, r, uint32(0x2000))
	assert.Less(t, g, uint32(0x2000))
	assert.Greater(t, b, uint32(0xE000))
}

func TestStepsPerEpoch(t *testing.T) {
	assert.Equal(t, 0, StepsPerEpoch(0, 64))
	assert.Equal(t, 1, StepsPerEpoch(1, 64))
	assert.Equal(t, 1, StepsPerEpoch(64, 64))
	assert.Equal(t, 2, StepsPerEpoch(65, 64))
	assert.Equal(t, int64(157), StepsPerEpoch(int64(10000), int64(64)))
	assert.Equal(t, 0, StepsPerEpoch(10, 0))
}

func TestDataset(t *testing.T) {
	dir := createFolder(t)
	f, err := Scan(dir)
	require.NoError(t, err)
	ds := NewDataset("test", f, 8, 6, 2)
	assert.Equal(t, 3, ds.StepsPerEpoch(2))

	var numBatches, numImages int
	var allLabels []int32
	for {
		_, inputs, labels, err := ds.Yield()
		if err == io.EOF {
			break
		}
		require.NoError(t, err)
		require.Len(t, inputs, 1)
		require.Len(t, labels, 1)
		batch := inputs[0].Shape().Dimensions[0]
		assert.Equal(t, []int{batch, 6, 8, 3}, inputs[0].Shape().Dimensions)
		assert.Equal(t, []int{batch, 1}, labels[0].Shape().Dimensions)
		allLabels = append(allLabels, tensors.MustCopyFlatData[int32](labels[0])...)
		numBatches++
		numImages += batch
	}
	assert.Equal(t, 3, numBatches)
	assert.Equal(t, 5, numImages)
	assert.Equal(t, []int32{0, 0, 0, 1, 1}, allLabels)

	// Black cats, white dogs: check pixel values are in the 0-255 range.
	ds.Reset()
	_, inputs, _, err := ds.Yield()
	require.NoError(t, err)
	pixels := tensors.MustCopyFlatData[float32](inputs[0])
	for _, v := range pixels {
		assert.LessOrEqual(t, v, float32(10))
	}
	_, _, _, err = ds.Yield()
	require.NoError(t, err)
	_, inputs, _, err = ds.Yield()
	require.NoError(t, err)
	pixels = tensors.MustCopyFlatData[float32](inputs[0])
	assert.Greater(t, pixels[0], float32(245))

	// Shuffled: same multiset of labels.
	ds.Shuffle(rand.New(rand.NewPCG(42, 0)))
	count := make(map[int32]int)
	for {
		_, _, labels, err := ds.Yield()
		if err == io.EOF {
			break
		}
		require.NoError(t, err)
		for _, l := range tensors.MustCopyFlatData[int32](labels[0]) {
			count[l]++
		}
	}
	assert.Equal(t, map[int32]int{0: 3, 1: 2}, count)
}
