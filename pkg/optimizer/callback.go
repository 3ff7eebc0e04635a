package optimizer

import "fmt"

// CallbackResult is returned by progress callbacks; anything other than
// CallbackOK asks the optimizer to stop.
type CallbackResult int

const (
	CallbackOK CallbackResult = iota
	CallbackInterrupted
	CallbackTimeout
	CallbackFailed
)

func (r CallbackResult) String() string {
	switch r {
	case CallbackOK:
		return "ok"
	case CallbackInterrupted:
		return "interrupted"
	case CallbackTimeout:
		return "timeout"
	case CallbackFailed:
		return "failed"
	}
	return fmt.Sprintf("CallbackResult(%d)", int(r))
}

// Callback receives progress reports from optimizers and drivers.
type Callback interface {
	// Comment reports a free-form status message.
	Comment(msg string)
	// ExecutePercent reports progress without a new parameter vector. It is
	// polled after every trial evaluation.
	ExecutePercent(percent int) CallbackResult
	// Execute reports an accepted parameter vector and its objective value.
	Execute(v []float64, metric float64, percent int) CallbackResult
}

// NopCallback accepts every report.
type NopCallback struct{}

func (NopCallback) Comment(string) {}

func (NopCallback) ExecutePercent(int) CallbackResult { return CallbackOK }

func (NopCallback) Execute([]float64, float64, int) CallbackResult { return CallbackOK }
