package finetune

import (
	"math"
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeRunner struct {
	trainCalls   [][2]int // epoch, steps
	validSteps   []int
	validLosses  []float64
	failAtEpoch  int
	validateCall int
}

func (r *fakeRunner) TrainEpoch(epoch, steps int) (Metrics, error) {
	if r.failAtEpoch > 0 && epoch == r.failAtEpoch {
		return Metrics{}, errors.New("boom")
	}
	r.trainCalls = append(r.trainCalls, [2]int{epoch, steps})
	return Metrics{Loss: 1, Accuracy: 0.5}, nil
}

func (r *fakeRunner) Validate(steps int) (Metrics, error) {
	r.validSteps = append(r.validSteps, steps)
	loss := 1.0
	if r.validateCall < len(r.validLosses) {
		loss = r.validLosses[r.validateCall]
	}
	r.validateCall++
	return Metrics{Loss: loss, Accuracy: 0.75}, nil
}

func TestRun(t *testing.T) {
	t.Run("resume", func(t *testing.T) {
		runner := &fakeRunner{}
		var saved []int
		saver := SaverFunc(func(epoch int, _ Metrics) error {
			saved = append(saved, epoch)
			return nil
		})
		history, err := Run(runner, saver, Config{
			InitialEpoch: 5, NumEpochs: 3,
			TrainSamples: 130, ValidSamples: 64, BatchSize: 64,
		})
		require.NoError(t, err)
		assert.Equal(t, [][2]int{{5, 3}, {6, 3}, {7, 3}}, runner.trainCalls)
		assert.Equal(t, []int{1, 1, 1}, runner.validSteps)
		assert.Equal(t, []int{5, 6, 7}, saved)
		require.Len(t, history.Epochs, 3)
		assert.False(t, history.StoppedEarly)
	})

	t.Run("cold start", func(t *testing.T) {
		runner := &fakeRunner{}
		_, err := Run(runner, nil, Config{InitialEpoch: -1, NumEpochs: 1, TrainSamples: 10, BatchSize: 64})
		require.NoError(t, err)
		assert.Equal(t, [][2]int{{0, 1}}, runner.trainCalls)
		assert.Empty(t, runner.validSteps, "no validation samples")
	})

	t.Run("early stopping", func(t *testing.T) {
		runner := &fakeRunner{validLosses: []float64{1.0, 0.5, 0.49995, 0.6, 0.7}}
		var saved int
		saver := SaverFunc(func(int, Metrics) error { saved++; return nil })
		history, err := Run(runner, saver, Config{
			NumEpochs: 100, TrainSamples: 10, ValidSamples: 10, BatchSize: 5,
			EarlyStopping: &EarlyStopping{MinDelta: DefaultMinDelta, Patience: 3},
		})
		require.NoError(t, err)
		assert.True(t, history.StoppedEarly)
		assert.Len(t, history.Epochs, 5)
		// Every epoch is saved, including those after the best one.
		assert.Equal(t, 5, saved)
		best, ok := history.Best()
		require.True(t, ok)
		assert.Equal(t, 2, best.Epoch)
	})

	t.Run("fixed training steps", func(t *testing.T) {
		runner := &fakeRunner{}
		_, err := Run(runner, nil, Config{NumEpochs: 2, TrainSamples: 10, ValidSamples: 10, BatchSize: 5, TrainSteps: 200})
		require.NoError(t, err)
		assert.Equal(t, [][2]int{{0, 200}, {1, 200}}, runner.trainCalls)
		assert.Equal(t, []int{2, 2}, runner.validSteps)

		_, err = Run(&fakeRunner{}, nil, Config{NumEpochs: 1, BatchSize: 5, TrainSteps: 200})
		require.Error(t, err, "no training samples")
	})

	t.Run("no validation set", func(t *testing.T) {
		runner := &fakeRunner{}
		history, err := Run(runner, nil, Config{
			NumEpochs: 15, TrainSamples: 10, BatchSize: 5,
			EarlyStopping: &EarlyStopping{MinDelta: DefaultMinDelta, Patience: 3},
		})
		require.NoError(t, err)
		assert.False(t, history.StoppedEarly)
		assert.Len(t, history.Epochs, 15)
		assert.True(t, math.IsNaN(history.Epochs[0].Validation.Loss))
	})

	t.Run("errors", func(t *testing.T) {
		runner := &fakeRunner{failAtEpoch: 1}
		history, err := Run(runner, nil, Config{NumEpochs: 3, TrainSamples: 10, BatchSize: 5})
		require.Error(t, err)
		require.Len(t, history.Epochs, 1)

		saveErr := SaverFunc(func(int, Metrics) error { return errors.New("disk full") })
		_, err = Run(&fakeRunner{}, saveErr, Config{NumEpochs: 3, TrainSamples: 10, BatchSize: 5})
		require.ErrorContains(t, err, "disk full")

		_, err = Run(&fakeRunner{}, nil, Config{NumEpochs: 1, TrainSamples: 10})
		require.Error(t, err)
		_, err = Run(&fakeRunner{}, nil, Config{NumEpochs: 1, BatchSize: 5})
		require.Error(t, err)
	})
}

func TestEarlyStopping(t *testing.T) {
	es := NewEarlyStopping()
	assert.True(t, math.IsInf(es.Best(), 1))
	assert.False(t, es.Update(1.0))
	for i := range DefaultPatience - 1 {
		assert.False(t, es.Update(1.0-DefaultMinDelta/2), "update %d", i)
	}
	assert.True(t, es.Update(math.NaN()))
	assert.Equal(t, 1.0, es.Best())

	es.Reset()
	assert.False(t, es.Update(2.0))
	assert.Equal(t, 2.0, es.Best())
}
