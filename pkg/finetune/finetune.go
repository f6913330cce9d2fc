// Package finetune drives the epochs of a fine-tuning run: steps per epoch, validation after every
// epoch, early stopping on the validation loss and a checkpoint saved after every epoch.
//
// The actual training and evaluation are delegated to a Runner, so the driver is independent of the
// ML framework.
package finetune

import (
	"fmt"
	"math"

	"github.com/gomlx/imagerec/pkg/imagefolder"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// Metrics measured over one pass of training or validation.
type Metrics struct {
	Loss, Accuracy float64
}

// Runner trains and evaluates a model.
type Runner interface {
	// TrainEpoch runs the given number of training steps. The epoch number is zero-based and
	// informative: it only matters to the Runner's logging.
	TrainEpoch(epoch, steps int) (Metrics, error)

	// Validate evaluates the model over the given number of validation steps.
	Validate(steps int) (Metrics, error)
}

// Saver persists the model after an epoch.
type Saver interface {
	SaveCheckpoint(epoch int, validation Metrics) error
}

// SaverFunc adapts a function to a Saver.
type SaverFunc func(epoch int, validation Metrics) error

// SaveCheckpoint implements Saver.
func (fn SaverFunc) SaveCheckpoint(epoch int, validation Metrics) error { return fn(epoch, validation) }

// Config of a fine-tuning run.
type Config struct {
	// InitialEpoch is the zero-based index of the first epoch to run, usually the epoch returned by
	// checkpoint.Locate.
	InitialEpoch int

	// NumEpochs is the number of epochs to run after InitialEpoch.
	NumEpochs int

	// TrainSamples and ValidSamples are the sizes of the training and validation sets: with BatchSize they
	// define the number of steps of each epoch.
	TrainSamples, ValidSamples, BatchSize int

	// TrainSteps, if > 0, is the number of training steps of each epoch, instead of one pass over TrainSamples.
	TrainSteps int

	// EarlyStopping, if not nil, stops the run when the validation loss stops improving. It is ignored
	// without validation samples.
	EarlyStopping *EarlyStopping
}

// EpochResult holds the metrics of one epoch.
type EpochResult struct {
	Epoch             int
	Train, Validation Metrics
}

// History of a run.
type History struct {
	Epochs []EpochResult

	// StoppedEarly is set if EarlyStopping ended the run before NumEpochs.
	StoppedEarly bool
}

// Best returns the epoch with the lowest validation loss, or false if no epoch was run.
func (h *History) Best() (EpochResult, bool) {
	if h == nil || len(h.Epochs) == 0 {
		return EpochResult{}, false
	}
	best := h.Epochs[0]
	for _, e := range h.Epochs[1:] {
		if e.Validation.Loss < best.Validation.Loss {
			best = e
		}
	}
	return best, true
}

// Run executes the fine-tuning run. The saver is called after every epoch, whether it improved or not.
//
// The history of the epochs that ran is returned even when an error interrupts the run.
func Run(runner Runner, saver Saver, cfg Config) (*History, error) {
	if cfg.BatchSize <= 0 {
		return nil, errors.Errorf("invalid batch size %d", cfg.BatchSize)
	}
	trainSteps := imagefolder.StepsPerEpoch(cfg.TrainSamples, cfg.BatchSize)
	validSteps := imagefolder.StepsPerEpoch(cfg.ValidSamples, cfg.BatchSize)
	if trainSteps == 0 {
		return nil, errors.Errorf("no training samples, can't fine-tune")
	}
	if cfg.TrainSteps > 0 {
		trainSteps = cfg.TrainSteps
	}
	initialEpoch := max(cfg.InitialEpoch, 0)
	earlyStopping := cfg.EarlyStopping
	if earlyStopping != nil && validSteps == 0 {
		klog.Warningf("no validation samples: early stopping disabled")
		earlyStopping = nil
	}
	if earlyStopping != nil {
		earlyStopping.Reset()
	}
	history := &History{}
	for epoch := initialEpoch; epoch < initialEpoch+cfg.NumEpochs; epoch++ {
		klog.V(1).Infof("epoch %d: %d training steps, %d validation steps", epoch, trainSteps, validSteps)
		trainMetrics, err := runner.TrainEpoch(epoch, trainSteps)
		if err != nil {
			return history, errors.WithMessagef(err, "training epoch %d", epoch)
		}
		validMetrics := Metrics{Loss: math.NaN(), Accuracy: math.NaN()}
		if validSteps > 0 {
			validMetrics, err = runner.Validate(validSteps)
			if err != nil {
				return history, errors.WithMessagef(err, "validating epoch %d", epoch)
			}
		}
		history.Epochs = append(history.Epochs, EpochResult{Epoch: epoch, Train: trainMetrics, Validation: validMetrics})
		fmt.Printf("Epoch %d/%d: loss=%.4f acc=%.4f val_loss=%.4f val_acc=%.4f\n",
			epoch+1, initialEpoch+cfg.NumEpochs,
			trainMetrics.Loss, trainMetrics.Accuracy, validMetrics.Loss, validMetrics.Accuracy)

		if saver != nil {
			if err = saver.SaveCheckpoint(epoch, validMetrics); err != nil {
				return history, errors.WithMessagef(err, "saving checkpoint of epoch %d", epoch)
			}
		}
		if earlyStopping != nil && earlyStopping.Update(validMetrics.Loss) {
			history.StoppedEarly = true
			fmt.Printf("Epoch %d: early stopping, val_loss hasn't improved for %d epochs\n",
				epoch+1, earlyStopping.Patience)
			break
		}
	}
	return history, nil
}
