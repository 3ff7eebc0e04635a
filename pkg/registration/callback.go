package registration

import (
	"context"
	"sync"

	"github.com/charmbracelet/log"

	"warpreg/pkg/optimizer"
)

// LoggingCallback reports optimizer progress through a structured logger
// and optionally records it in a History. It never asks for a stop.
type LoggingCallback struct {
	Logger  *log.Logger
	History *History
}

// NewLoggingCallback logs to logger, or to the default logger when nil.
func NewLoggingCallback(logger *log.Logger, history *History) *LoggingCallback {
	if logger == nil {
		logger = log.Default()
	}
	return &LoggingCallback{Logger: logger, History: history}
}

func (c *LoggingCallback) Comment(msg string) {
	c.Logger.Info(msg)
}

func (c *LoggingCallback) ExecutePercent(int) optimizer.CallbackResult {
	return optimizer.CallbackOK
}

func (c *LoggingCallback) Execute(v []float64, value float64, percent int) optimizer.CallbackResult {
	c.Logger.Debug("accepted step", "metric", value, "percent", percent, "params", len(v))
	if c.History != nil {
		c.History.Record(value, percent)
	}
	return optimizer.CallbackOK
}

// HistoryEntry is one accepted optimizer step.
type HistoryEntry struct {
	Step    int
	Level   int
	Metric  float64
	Percent int
}

// History collects accepted steps for convergence plots. It is safe for
// concurrent use.
type History struct {
	mu      sync.Mutex
	level   int
	entries []HistoryEntry
}

// SetLevel tags subsequent entries with a resolution level index.
func (h *History) SetLevel(level int) {
	h.mu.Lock()
	h.level = level
	h.mu.Unlock()
}

// Record appends an entry.
func (h *History) Record(value float64, percent int) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.entries = append(h.entries, HistoryEntry{
		Step:    len(h.entries),
		Level:   h.level,
		Metric:  value,
		Percent: percent,
	})
}

// Entries returns a copy of the recorded steps.
func (h *History) Entries() []HistoryEntry {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]HistoryEntry(nil), h.entries...)
}

// contextCallback turns a cancelled context into an interrupt.
type contextCallback struct {
	ctx   context.Context
	inner optimizer.Callback
}

func (c contextCallback) Comment(msg string) {
	c.inner.Comment(msg)
}

func (c contextCallback) ExecutePercent(percent int) optimizer.CallbackResult {
	if c.ctx.Err() != nil {
		return optimizer.CallbackInterrupted
	}
	return c.inner.ExecutePercent(percent)
}

func (c contextCallback) Execute(v []float64, value float64, percent int) optimizer.CallbackResult {
	if c.ctx.Err() != nil {
		return optimizer.CallbackInterrupted
	}
	return c.inner.Execute(v, value, percent)
}
