package engine

import (
	"github.com/sirupsen/logrus"
)

// ProgressReporter receives fan-out completion progress. The poller
// serializes calls and guarantees completed is strictly increasing, so
// implementations need no locking of their own.
type ProgressReporter interface {
	Report(completed, total int)
}

// NullProgress discards progress reports.
type NullProgress struct{}

func (NullProgress) Report(completed, total int) {}

// LogProgress reports progress as log lines on the given entry.
type LogProgress struct {
	Logger *logrus.Entry
	// Every controls how often a line is written: one line per Every
	// completions, plus always the final one. Zero or less means every
	// completion.
	Every int
}

func (p *LogProgress) Report(completed, total int) {
	every := p.Every
	if every <= 0 {
		every = 1
	}
	if completed%every == 0 || completed == total {
		p.Logger.Infof("sampled %d/%d queues", completed, total)
	}
}
