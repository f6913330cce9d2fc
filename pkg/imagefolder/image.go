package imagefolder

import (
	"image"

	"github.com/disintegration/imaging"
	"github.com/gomlx/gomlx/pkg/core/dtypes"
	"github.com/gomlx/gomlx/pkg/core/tensors"
	timage "github.com/gomlx/gomlx/pkg/core/tensors/images"
	"github.com/pkg/errors"
)

// LoadImage decodes the image file at imagePath.
func LoadImage(imagePath string) (image.Image, error) {
	img, err := imaging.Open(imagePath)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to load image %q", imagePath)
	}
	return img, nil
}

// CropAndResize crops the center of img to the aspect ratio of width x height, and then resizes
// it to exactly width x height, using a Lanczos filter.
func CropAndResize(img image.Image, width, height int) image.Image {
	return imaging.Fill(img, width, height, imaging.Center, imaging.Lanczos)
}

// LoadResized loads the image at imagePath and crops/resizes it with CropAndResize.
func LoadResized(imagePath string, width, height int) (image.Image, error) {
	img, err := LoadImage(imagePath)
	if err != nil {
		return nil, err
	}
	return CropAndResize(img, width, height), nil
}

// toTensor converts images to float32 RGB values from 0 to 255.
var toTensor = timage.ToTensor(dtypes.Float32).MaxValue(255.0)

// BatchTensor converts images (all with the same size) to a tensor shaped `[batch_size, height, width, 3]`,
// with float32 RGB values from 0 to 255.
func BatchTensor(images []image.Image) (t *tensors.Tensor, err error) {
	if len(images) == 0 {
		return nil, errors.New("no images to convert to tensor")
	}
	size := images[0].Bounds().Size()
	for ii, img := range images[1:] {
		if img.Bounds().Size() != size {
			return nil, errors.Errorf("image #%d has size %v, but image #0 has size %v", ii+1, img.Bounds().Size(), size)
		}
	}
	return toTensor.Batch(images), nil
}

// LoadBatch loads, crops and resizes the images in imagePaths and returns them as one
// `[len(imagePaths), height, width, 3]` tensor. Any image failing to load fails the whole batch.
func LoadBatch(imagePaths []string, width, height int) (*tensors.Tensor, error) {
	images := make([]image.Image, len(imagePaths))
	for ii, imagePath := range imagePaths {
		img, err := LoadResized(imagePath, width, height)
		if err != nil {
			return nil, err
		}
		images[ii] = img
	}
	return BatchTensor(images)
}
