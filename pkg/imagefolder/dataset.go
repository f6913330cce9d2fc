package imagefolder

import (
	"image"
	"io"
	"math/rand/v2"
	"sync"

	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/gomlx/gomlx/pkg/ml/train"
	"github.com/pkg/errors"
	"golang.org/x/exp/constraints"
)

// Dataset implements train.Dataset over the images of a Folder.
//
// Each call to Yield returns one batch: the images cropped and resized to width x height, shaped
// `[batch_size, height, width, 3]` (float32 from 0 to 255), and the labels (class indices) shaped
// `[batch_size, 1]` (int32). The last batch of an epoch may be smaller. After the last batch it returns
// io.EOF, and it needs a Reset to start a new epoch.
type Dataset struct {
	name          string
	folder        *Folder
	width, height int
	batchSize     int
	shuffle       *rand.Rand

	// mu protects order and next.
	mu    sync.Mutex
	order []int
	next  int
}

var _ train.Dataset = (*Dataset)(nil)

// NewDataset creates a Dataset over the folder images, yielding batches of batchSize images.
func NewDataset(name string, folder *Folder, width, height, batchSize int) *Dataset {
	ds := &Dataset{
		name:      name,
		folder:    folder,
		width:     width,
		height:    height,
		batchSize: batchSize,
	}
	ds.Reset()
	return ds
}

// Shuffle configures the dataset to reshuffle the order of the images at every Reset, using rng.
//
// It returns itself, so configuration calls can be cascaded.
func (ds *Dataset) Shuffle(rng *rand.Rand) *Dataset {
	ds.shuffle = rng
	ds.Reset()
	return ds
}

// Name implements train.Dataset.
func (ds *Dataset) Name() string { return ds.name }

// Folder the dataset reads from.
func (ds *Dataset) Folder() *Folder { return ds.folder }

// BatchSize of the yielded batches.
func (ds *Dataset) BatchSize() int { return ds.batchSize }

// Len returns the number of images in one epoch.
func (ds *Dataset) Len() int { return ds.folder.Len() }

// StepsPerEpoch returns the number of batches in one epoch when using batchSize.
func (ds *Dataset) StepsPerEpoch(batchSize int) int {
	return StepsPerEpoch(ds.folder.Len(), batchSize)
}

// Reset implements train.Dataset.
func (ds *Dataset) Reset() {
	ds.mu.Lock()
	defer ds.mu.Unlock()
	ds.next = 0
	if len(ds.order) != ds.folder.Len() {
		ds.order = make([]int, ds.folder.Len())
		for ii := range ds.order {
			ds.order[ii] = ii
		}
	}
	if ds.shuffle != nil {
		ds.shuffle.Shuffle(len(ds.order), func(i, j int) {
			ds.order[i], ds.order[j] = ds.order[j], ds.order[i]
		})
	}
}

// nextSamples returns the samples for the next batch, or io.EOF at the end of the epoch.
func (ds *Dataset) nextSamples() ([]Sample, error) {
	ds.mu.Lock()
	defer ds.mu.Unlock()
	if ds.batchSize <= 0 {
		return nil, errors.Errorf("dataset %q: invalid batch size %d", ds.name, ds.batchSize)
	}
	if ds.next >= len(ds.order) {
		return nil, io.EOF
	}
	end := min(ds.next+ds.batchSize, len(ds.order))
	samples := make([]Sample, 0, end-ds.next)
	for _, idx := range ds.order[ds.next:end] {
		samples = append(samples, ds.folder.Samples[idx])
	}
	ds.next = end
	return samples, nil
}

// Yield implements train.Dataset. The spec returned is the Dataset itself.
func (ds *Dataset) Yield() (spec any, inputs, labels []*tensors.Tensor, err error) {
	samples, err := ds.nextSamples()
	if err != nil {
		return
	}
	images := make([]image.Image, len(samples))
	classes := make([]int32, len(samples))
	for ii, sample := range samples {
		images[ii], err = LoadResized(sample.Path, ds.width, ds.height)
		if err != nil {
			err = errors.WithMessagef(err, "dataset %q", ds.name)
			return
		}
		classes[ii] = int32(sample.ClassIndex)
	}
	imagesTensor, err := BatchTensor(images)
	if err != nil {
		return
	}
	spec = ds
	inputs = []*tensors.Tensor{imagesTensor}
	labels = []*tensors.Tensor{tensors.FromFlatDataAndDimensions(classes, len(classes), 1)}
	return
}

// StepsPerEpoch returns the number of batches of batchSize needed to cover numSamples: the ceiling
// of numSamples / batchSize. It returns 0 if batchSize is not positive.
func StepsPerEpoch[T constraints.Integer](numSamples, batchSize T) T {
	if batchSize <= 0 || numSamples <= 0 {
		return 0
	}
	return (numSamples + batchSize - 1) / batchSize
}
