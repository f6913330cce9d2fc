package finetune

import "math"

const (
	// DefaultMinDelta is the minimum improvement of the validation loss to reset the patience counter.
	DefaultMinDelta = 1e-4

	// DefaultPatience is the number of epochs without improvement after which training stops.
	DefaultPatience = 10
)

// EarlyStopping monitors a loss (lower is better) and signals when it stops improving.
type EarlyStopping struct {
	MinDelta float64
	Patience int

	best float64
	wait int
}

// NewEarlyStopping with DefaultMinDelta and DefaultPatience.
func NewEarlyStopping() *EarlyStopping {
	es := &EarlyStopping{MinDelta: DefaultMinDelta, Patience: DefaultPatience}
	es.Reset()
	return es
}

// Reset forgets the losses seen so far.
func (es *EarlyStopping) Reset() {
	es.best = math.Inf(1)
	es.wait = 0
}

// Update records the loss of one more epoch and returns whether training should stop.
// NaN losses count as no improvement.
func (es *EarlyStopping) Update(loss float64) (stop bool) {
	if loss < es.best-es.MinDelta {
		es.best = loss
		es.wait = 0
		return false
	}
	es.wait++
	return es.wait >= es.Patience
}

// Best loss seen so far, +Inf if none.
func (es *EarlyStopping) Best() float64 { return es.best }
