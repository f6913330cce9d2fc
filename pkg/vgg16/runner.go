package vgg16

import (
	"io"
	"math"
	"os"
	"path/filepath"

	"github.com/gomlx/exceptions"
	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/gomlx/gomlx/pkg/ml/context/checkpoints"
	"github.com/gomlx/gomlx/pkg/ml/train"
	"github.com/gomlx/gomlx/pkg/ml/train/losses"
	"github.com/gomlx/gomlx/pkg/ml/train/metrics"
	"github.com/gomlx/gomlx/pkg/ml/train/optimizers"
	"github.com/gomlx/gomlx/pkg/support/fsutil"
	"github.com/gomlx/gomlx/ui/commandline"
	"github.com/gomlx/imagerec/pkg/checkpoint"
	"github.com/gomlx/imagerec/pkg/finetune"
	"github.com/gomlx/imagerec/pkg/imagefolder"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// RefineTrainingWithHistory is like RefineTraining, but also returns the metrics of each epoch.
func (m *Model) RefineTrainingWithHistory(numEpochs int) (*finetune.History, error) {
	if m.runner == nil {
		var err error
		m.runner, err = newRunner(m)
		if err != nil {
			return nil, err
		}
	}
	var validSamples int
	if m.validFolder != nil {
		validSamples = m.validFolder.Len()
	}
	history, err := finetune.Run(m.runner, m.runner, finetune.Config{
		InitialEpoch:  m.InitialEpoch(),
		NumEpochs:     numEpochs,
		TrainSamples:  m.trainFolder.Len(),
		ValidSamples:  validSamples,
		BatchSize:     m.cfg.TrainBatchSize,
		TrainSteps:    m.cfg.TrainStepsPerEpoch,
		EarlyStopping: finetune.NewEarlyStopping(),
	})
	if history != nil && len(history.Epochs) > 0 {
		m.nextEpoch = history.Epochs[len(history.Epochs)-1].Epoch + 1
	}
	return history, err
}

// runner implements finetune.Runner and finetune.Saver with a GoMLX trainer.
type runner struct {
	m       *Model
	trainer *train.Trainer
	loop    *train.Loop

	trainDS, validDS *imagefolder.Dataset
}

func newRunner(m *Model) (*runner, error) {
	r := &runner{m: m}
	width, height := m.ImageWidth(), m.ImageHeight()
	r.trainDS = imagefolder.NewDataset("train", m.trainFolder, width, height, m.cfg.TrainBatchSize).Shuffle(m.rng())
	if m.validFolder != nil {
		r.validDS = imagefolder.NewDataset("valid", m.validFolder, width, height, m.cfg.ValidBatchSize)
	}

	meanAccuracyMetric := metrics.NewSparseCategoricalAccuracy("Mean Accuracy", "#acc")
	movingAccuracyMetric := metrics.NewMovingAverageSparseCategoricalAccuracy("Moving Average Accuracy", "~acc", 0.01)
	err := exceptions.TryCatch[error](func() {
		r.trainer = train.NewTrainer(m.backend, m.modelCtx, m.modelFn,
			losses.SparseCategoricalCrossEntropyLogits,
			optimizers.FromContext(m.modelCtx),
			[]metrics.Interface{movingAccuracyMetric}, // trainMetrics
			[]metrics.Interface{meanAccuracyMetric})   // evalMetrics
	})
	if err != nil {
		return nil, errors.WithMessage(err, "failed to create VGG16 trainer")
	}
	r.loop = train.NewLoop(r.trainer)
	if m.cfg.ProgressBar {
		commandline.AttachProgressBar(r.loop)
	}
	return r, nil
}

// TrainEpoch implements finetune.Runner.
func (r *runner) TrainEpoch(epoch, steps int) (finetune.Metrics, error) {
	klog.V(1).Infof("training epoch %d (%d steps)", epoch, steps)
	r.trainDS.Reset()
	values, err := r.loop.RunSteps(&stepsDataset{Dataset: r.trainDS, steps: steps}, steps)
	if err != nil {
		return finetune.Metrics{}, err
	}
	return readMetrics(r.trainer.TrainMetrics(), values), nil
}

// Validate implements finetune.Runner.
func (r *runner) Validate(steps int) (finetune.Metrics, error) {
	if r.validDS == nil {
		return finetune.Metrics{Loss: math.NaN(), Accuracy: math.NaN()}, nil
	}
	r.validDS.Reset()
	values, err := r.trainer.Eval(&stepsDataset{Dataset: r.validDS, steps: steps})
	if err != nil {
		return finetune.Metrics{}, err
	}
	return readMetrics(r.trainer.EvalMetrics(), values), nil
}

// SaveCheckpoint implements finetune.Saver: the whole context is saved in a new checkpoint directory
// named after the epoch and validation metrics, and recorded in the manifest of the cache directory.
func (r *runner) SaveCheckpoint(epoch int, validation finetune.Metrics) error {
	m := r.m
	dir := filepath.Join(m.cfg.CacheDir, checkpoint.Name(epoch, validation.Loss, validation.Accuracy)+checkpoint.DirExt)
	exists, err := fsutil.FileExists(dir)
	if err != nil {
		return err
	}
	if exists {
		klog.Warningf("overwriting checkpoint %q", dir)
		if err = os.RemoveAll(dir); err != nil {
			return errors.Wrapf(err, "failed to remove previous checkpoint %q", dir)
		}
	}
	handler, err := checkpoints.Build(m.ctx).
		Dir(dir).
		Keep(-1).
		ExcludeParams(m.cfg.ParamsSet...).
		Done()
	if err != nil {
		return errors.WithMessagef(err, "failed to create checkpoint %q", dir)
	}
	if err = handler.Save(); err != nil {
		return errors.WithMessagef(err, "failed to save checkpoint %q", dir)
	}
	entry := m.manifest.Add(epoch, validation.Loss, validation.Accuracy, dir)
	if err = m.manifest.Save(); err != nil {
		return err
	}
	klog.Infof("saved checkpoint %s for epoch %d to %q", entry.ID, epoch, dir)
	return nil
}

// stepsDataset yields exactly steps batches of the wrapped dataset, restarting it when it is exhausted.
type stepsDataset struct {
	*imagefolder.Dataset
	steps, yielded int
}

// Reset restarts the count of steps, not the wrapped dataset.
func (ds *stepsDataset) Reset() { ds.yielded = 0 }

// Yield implements train.Dataset.
func (ds *stepsDataset) Yield() (spec any, inputs, labels []*tensors.Tensor, err error) {
	if ds.yielded >= ds.steps {
		return nil, nil, nil, io.EOF
	}
	spec, inputs, labels, err = ds.Dataset.Yield()
	if err == io.EOF {
		ds.Dataset.Reset()
		spec, inputs, labels, err = ds.Dataset.Yield()
	}
	if err != nil {
		return nil, nil, nil, err
	}
	ds.yielded++
	return
}

// readMetrics reads the last loss and accuracy metrics: for the training metrics these are the moving averages.
func readMetrics(metricsInterfaces []metrics.Interface, values []*tensors.Tensor) finetune.Metrics {
	result := finetune.Metrics{Loss: math.NaN(), Accuracy: math.NaN()}
	for ii, metric := range metricsInterfaces {
		if ii >= len(values) || values[ii] == nil {
			break
		}
		switch metric.MetricType() {
		case metrics.LossMetricType:
			result.Loss = scalarValue(values[ii])
		case metrics.AccuracyMetricType:
			result.Accuracy = scalarValue(values[ii])
		}
	}
	return result
}

func scalarValue(t *tensors.Tensor) float64 {
	switch v := t.Value().(type) {
	case float32:
		return float64(v)
	case float64:
		return v
	}
	return math.NaN()
}
