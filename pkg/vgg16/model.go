package vgg16

import (
	"math/rand/v2"
	"slices"

	"github.com/gomlx/exceptions"
	"github.com/gomlx/gomlx/backends"
	. "github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/gomlx/gomlx/pkg/ml/context/checkpoints"
	"github.com/gomlx/gomlx/pkg/ml/train/optimizers"
	"github.com/gomlx/imagerec/pkg/checkpoint"
	"github.com/gomlx/imagerec/pkg/imagefolder"
	"github.com/gomlx/imagerec/pkg/imagerec"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// Config of a VGG16 fine-tuned Model.
type Config struct {
	// TrainDir and ValidDir hold the training and validation images, one sub-directory per class.
	TrainDir, ValidDir string

	// TrainBatchSize is also used to calculate the number of validation steps per epoch.
	TrainBatchSize, ValidBatchSize int

	// TrainStepsPerEpoch, if > 0, fixes the number of training steps of each epoch. Otherwise, each epoch
	// covers the training images once.
	TrainStepsPerEpoch int

	// CacheDir where the checkpoints are saved after each epoch. If LoadFromCache is set, the model
	// is loaded from the latest checkpoint in CacheDir.
	CacheDir      string
	LoadFromCache bool

	// WeightsURL, WeightsDir and WeightsChecksum (SHA256, optional) locate the pretrained weights.
	// Defaults to DefaultWeightsURL and DefaultWeightsDir.
	WeightsURL, WeightsDir, WeightsChecksum string

	// SkipPretrained leaves the base layers randomly initialized, instead of downloading the pretrained weights.
	SkipPretrained bool

	// Topology of the network, defaults to DefaultTopology. Only the default one matches the pretrained weights.
	Topology *Topology

	// ImageWidth and ImageHeight default to ImageSize.
	ImageWidth, ImageHeight int

	// Backend to use, defaults to backends.New().
	Backend backends.Backend

	// Context holds the hyperparameters, defaults to DefaultContext().
	Context *context.Context

	// ParamsSet are the hyperparameters set by the user: they are not overwritten when loading from, nor saved
	// into, a checkpoint.
	ParamsSet []string

	// Seed for the shuffling of the training images.
	Seed uint64

	// ProgressBar shows a progress bar while training.
	ProgressBar bool
}

// DefaultContext returns a context with the default hyperparameters of the fine-tuning.
func DefaultContext() *context.Context {
	ctx := context.New()
	ctx.SetParams(map[string]any{
		optimizers.ParamOptimizer:    "adam",
		optimizers.ParamLearningRate: 0.001,
		ParamDropoutRate:             DefaultDropoutRate,
	})
	return ctx
}

// Model is a VGG16 network fine-tuned to the classes of a training folder. It implements imagerec.ClassifierWithClasses.
type Model struct {
	cfg      Config
	topology Topology
	backend  backends.Backend

	// ctx is the root context, modelCtx is in the ModelScope and unchecked.
	ctx, modelCtx *context.Context

	trainFolder, validFolder *imagefolder.Folder
	classes                  imagerec.ClassIndexTable

	latest   checkpoint.File
	manifest *checkpoint.Manifest

	runner      *runner
	nextEpoch   int
	predictExec *context.Exec
}

var _ imagerec.ClassifierWithClasses = (*Model)(nil)

// New creates the model:
//
//   - If cfg.LoadFromCache is set and a checkpoint of an epoch > 0 exists in cfg.CacheDir, the whole model
//     is loaded from it.
//   - Otherwise the pretrained VGG16 weights are loaded (downloaded if needed), and a new classification
//     layer sized to the number of training classes is added.
//
// In both cases the base layers are frozen.
func New(cfg Config) (*Model, error) {
	m := &Model{cfg: cfg}
	if err := m.setDefaults(); err != nil {
		return nil, err
	}

	var err error
	m.trainFolder, err = imagefolder.Scan(m.cfg.TrainDir)
	if err != nil {
		return nil, errors.WithMessage(err, "training images")
	}
	m.classes, err = imagerec.NewClassIndexTable(m.trainFolder.ClassIndices)
	if err != nil {
		return nil, err
	}
	if m.cfg.ValidDir != "" {
		m.validFolder, err = imagefolder.Scan(m.cfg.ValidDir)
		if err != nil {
			return nil, errors.WithMessage(err, "validation images")
		}
		if !slices.Equal(m.validFolder.ClassNames(), m.trainFolder.ClassNames()) {
			return nil, errors.Errorf("validation classes %v differ from training classes %v",
				m.validFolder.ClassNames(), m.trainFolder.ClassNames())
		}
	}

	m.latest, err = checkpoint.Locate(m.cfg.CacheDir)
	if err != nil {
		return nil, err
	}
	m.manifest, err = checkpoint.LoadManifest(m.cfg.CacheDir)
	if err != nil {
		return nil, err
	}

	if m.canLoadFromCache() {
		err = m.loadFromCache()
	} else {
		err = m.loadFresh()
	}
	if err != nil {
		return nil, err
	}
	m.ctx.SetParam(ParamNumClasses, m.classes.Len())
	m.freezeBase()
	return m, nil
}

func (m *Model) setDefaults() error {
	cfg := &m.cfg
	if cfg.TrainDir == "" {
		return errors.New("VGG16 model requires a training directory")
	}
	if cfg.TrainBatchSize <= 0 {
		return errors.Errorf("invalid training batch size %d", cfg.TrainBatchSize)
	}
	if cfg.ValidBatchSize <= 0 {
		cfg.ValidBatchSize = cfg.TrainBatchSize
	}
	if cfg.CacheDir == "" {
		cfg.CacheDir = "./cache/"
	}
	if cfg.WeightsURL == "" {
		cfg.WeightsURL = DefaultWeightsURL
	}
	if cfg.WeightsDir == "" {
		cfg.WeightsDir = DefaultWeightsDir
	}
	m.topology = DefaultTopology
	if cfg.Topology != nil {
		m.topology = *cfg.Topology
	}
	if cfg.ImageWidth <= 0 {
		cfg.ImageWidth = ImageSize
	}
	if cfg.ImageHeight <= 0 {
		cfg.ImageHeight = ImageSize
	}
	if err := m.topology.Validate(cfg.ImageWidth, cfg.ImageHeight); err != nil {
		return err
	}

	m.backend = cfg.Backend
	if m.backend == nil {
		var err error
		m.backend, err = backends.New()
		if err != nil {
			return err
		}
	}
	m.ctx = cfg.Context
	if m.ctx == nil {
		m.ctx = DefaultContext()
	}
	m.modelCtx = m.ctx.In(ModelScope).Checked(false)
	return nil
}

// canLoadFromCache requires a located checkpoint: the epoch is 0 if none was found.
func (m *Model) canLoadFromCache() bool {
	return m.cfg.LoadFromCache && m.latest.Epoch > 0
}

func (m *Model) loadFromCache() error {
	klog.Infof("loading model from checkpoint %q (epoch %d)", m.latest.Path, m.latest.Epoch)
	if m.latest.IsLegacy() {
		weights, err := ReadKerasWeights(m.latest.Path)
		if err == nil {
			err = weights.LoadFineTuned(m.modelCtx, m.topology, m.cfg.ImageWidth, m.cfg.ImageHeight, m.classes.Len())
		}
		if err != nil {
			return errors.WithMessagef(err, "failed loading Keras checkpoint %q", m.latest.Path)
		}
		return nil
	}
	_, err := checkpoints.Load(m.ctx).
		Dir(m.latest.Path).
		ExcludeParams(m.cfg.ParamsSet...).
		Immediate().
		Done()
	if err != nil {
		return errors.WithMessagef(err, "failed loading checkpoint %q", m.latest.Path)
	}
	return m.checkLoaded()
}

// checkLoaded verifies the checkpoint set the weights and biases of every base layer and of the classification
// layer, the latter matching the number of classes.
func (m *Model) checkLoaded() error {
	baseCtx := m.modelCtx.In(BaseScope)
	for _, name := range m.topology.LayerNames() {
		layerCtx := baseCtx.In(name)
		for _, varName := range []string{"weights", "biases"} {
			if layerCtx.InspectVariable(layerCtx.Scope(), varName) == nil {
				return errors.Errorf("checkpoint %q is missing variable %s%s%s",
					m.latest.Path, layerCtx.Scope(), context.ScopeSeparator, varName)
			}
		}
	}
	headCtx := m.modelCtx.In(HeadScope)
	weights := headCtx.InspectVariable(headCtx.Scope(), "weights")
	biases := headCtx.InspectVariable(headCtx.Scope(), "biases")
	if weights == nil || biases == nil {
		return errors.Errorf("checkpoint %q has no classification layer in scope %s", m.latest.Path, headCtx.Scope())
	}
	dims := weights.Shape().Dimensions
	if len(dims) != 2 || dims[0] != m.topology.FeaturesDim() || dims[1] != m.classes.Len() {
		return errors.Errorf("checkpoint %q classification layer has shape %s, but the model has %d features and %d classes",
			m.latest.Path, weights.Shape(), m.topology.FeaturesDim(), m.classes.Len())
	}
	return nil
}

func (m *Model) loadFresh() error {
	if m.cfg.SkipPretrained {
		klog.Warningf("VGG16 base layers not loaded with pretrained weights")
		return nil
	}
	weightsPath, err := DownloadWeights(m.cfg.WeightsURL, m.cfg.WeightsDir, m.cfg.WeightsChecksum)
	if err != nil {
		return err
	}
	weights, err := ReadKerasWeights(weightsPath)
	if err == nil {
		err = weights.LoadPretrained(m.modelCtx, m.topology, m.cfg.ImageWidth, m.cfg.ImageHeight)
	}
	if err != nil {
		return errors.WithMessagef(err, "failed loading pretrained weights from %q", weightsPath)
	}
	klog.Infof("loaded VGG16 pretrained weights from %q", weightsPath)
	return nil
}

// freezeBase marks all the variables of the base layers as not trainable.
func (m *Model) freezeBase() {
	var count int
	for v := range m.modelCtx.In(BaseScope).IterVariablesInScope() {
		v.SetTrainable(false)
		count++
	}
	klog.V(2).Infof("froze %d VGG16 base variables", count)
}

// ImageWidth implements imagerec.Model.
func (m *Model) ImageWidth() int { return m.cfg.ImageWidth }

// ImageHeight implements imagerec.Model.
func (m *Model) ImageHeight() int { return m.cfg.ImageHeight }

// Classes implements imagerec.ClassifierWithClasses.
func (m *Model) Classes() imagerec.ClassIndexTable { return m.classes }

// Context returns the root context holding the model variables and hyperparameters.
func (m *Model) Context() *context.Context { return m.ctx }

// LatestCheckpoint located in the cache directory when the model was created.
func (m *Model) LatestCheckpoint() checkpoint.File { return m.latest }

// InitialEpoch is the zero-based epoch from which RefineTraining continues: the epoch of the latest checkpoint
// if loading from cache, 0 otherwise. After RefineTraining it is the epoch following the last one trained.
func (m *Model) InitialEpoch() int {
	if m.nextEpoch > 0 {
		return m.nextEpoch
	}
	if m.cfg.LoadFromCache {
		return max(m.latest.Epoch, 0)
	}
	return 0
}

// modelFn is the train.ModelFn: it returns the logits.
// Base variables created while building the graph (when not loaded) are frozen as well.
func (m *Model) modelFn(ctx *context.Context, _ any, inputs []*Node) []*Node {
	logits := ModelGraph(ctx, m.topology, m.classes.Len(), inputs[0])
	m.freezeBase()
	return []*Node{logits}
}

// Predict implements imagerec.Model. All images are loaded into one tensor and the network is executed
// on sub-batches of batchSize images.
func (m *Model) Predict(requests []imagerec.ImagePredictionRequest, batchSize int) ([]imagerec.ImagePredictionResult, error) {
	if batchSize <= 0 {
		return nil, errors.Errorf("invalid batch size %d", batchSize)
	}
	info, err := imagerec.NewBatchInfo(requests, m.ImageWidth(), m.ImageHeight())
	if err != nil {
		return nil, err
	}
	defer func() {
		if err := info.Images.FinalizeAll(); err != nil {
			klog.Warningf("failed to free images tensor: %v", err)
		}
	}()
	if m.predictExec == nil {
		m.predictExec, err = context.NewExec(m.backend, m.modelCtx, func(ctx *context.Context, images *Node) *Node {
			logits := ModelGraph(ctx, m.topology, m.classes.Len(), images)
			return Softmax(logits, -1)
		})
		if err != nil {
			return nil, errors.WithMessage(err, "failed to create VGG16 prediction executor")
		}
	}

	batches, err := subBatches(info.Images, batchSize)
	if err != nil {
		return nil, err
	}
	confidences := make([][]float32, 0, info.Len())
	for _, batch := range batches {
		var output *tensors.Tensor
		var execErr error
		err = exceptions.TryCatch[error](func() {
			output, execErr = m.predictExec.Exec1(batch)
		})
		if err == nil {
			err = execErr
		}
		if finalizeErr := batch.FinalizeAll(); finalizeErr != nil {
			klog.Warningf("failed to free batch tensor: %v", finalizeErr)
		}
		if err != nil {
			return nil, errors.WithMessage(err, "VGG16 prediction failed")
		}
		var batchConfidences [][]float32
		batchConfidences, err = imagerec.SplitConfidences(output)
		if finalizeErr := output.FinalizeAll(); finalizeErr != nil {
			klog.Warningf("failed to free predictions tensor: %v", finalizeErr)
		}
		if err != nil {
			return nil, err
		}
		confidences = append(confidences, batchConfidences...)
	}
	return imagerec.GenerateResults(confidences, info, m.classes)
}

// subBatches splits images, shaped [n, height, width, channels], into tensors of up to batchSize images.
func subBatches(images *tensors.Tensor, batchSize int) (batches []*tensors.Tensor, err error) {
	dims := images.Shape().Dimensions
	if len(dims) != 4 {
		return nil, errors.Errorf("images tensor must be shaped [batch, height, width, channels], got %s", images.Shape())
	}
	n := dims[0]
	imageSize := dims[1] * dims[2] * dims[3]
	var dtypeErr error
	err = images.ConstFlatData(func(flatAny any) {
		flat, ok := flatAny.([]float32)
		if !ok {
			dtypeErr = errors.Errorf("images tensor must be float32, got %s", images.Shape().DType)
			return
		}
		for start := 0; start < n; start += batchSize {
			end := min(start+batchSize, n)
			batches = append(batches, tensors.FromFlatDataAndDimensions(
				flat[start*imageSize:end*imageSize], end-start, dims[1], dims[2], dims[3]))
		}
	})
	if err == nil {
		err = dtypeErr
	}
	return
}

// RefineTraining implements imagerec.Model: it trains the classification layer for numEpochs more epochs,
// starting at InitialEpoch, saving a checkpoint after every epoch.
func (m *Model) RefineTraining(numEpochs int) error {
	_, err := m.RefineTrainingWithHistory(numEpochs)
	return err
}

// rng used to shuffle the training images.
func (m *Model) rng() *rand.Rand {
	return rand.New(rand.NewPCG(m.cfg.Seed, m.cfg.Seed^0x9e3779b97f4a7c15))
}
