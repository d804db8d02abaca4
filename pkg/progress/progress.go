package progress

import (
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/schollz/progressbar/v3"
	"github.com/sirupsen/logrus"

	"github.com/Sriram-PR/image-downloader/pkg/models"
)

// Reporter is notified with a counter snapshot after every completed task
type Reporter interface {
	OnTaskComplete(counters models.Counters) error
}

// describe renders counters the way every reporter shows them
func describe(c models.Counters) string {
	return fmt.Sprintf("exists=%d succeeded=%d failed=%d", c.Existing, c.Succeeded, c.Failed)
}

// BarReporter renders a terminal progress bar
type BarReporter struct {
	bar *progressbar.ProgressBar
}

// NewBarReporter creates a bar sized to total records, writing to w
func NewBarReporter(total int, w io.Writer) *BarReporter {
	bar := progressbar.NewOptions(total,
		progressbar.OptionSetWriter(w),
		progressbar.OptionSetDescription(describe(models.Counters{})),
		progressbar.OptionSetWidth(30),
		progressbar.OptionShowCount(),
		progressbar.OptionShowIts(),
		progressbar.OptionSetItsString("img"),
		progressbar.OptionThrottle(100*time.Millisecond),
		progressbar.OptionOnCompletion(func() { fmt.Fprintln(w) }),
	)
	return &BarReporter{bar: bar}
}

// OnTaskComplete advances the bar by one and refreshes the counters. A nil bar does nothing.
func (b *BarReporter) OnTaskComplete(c models.Counters) error {
	if b == nil {
		return nil
	}
	b.bar.Describe(describe(c))
	return b.bar.Add(1)
}

// Finish completes the bar (fills it if the run was cancelled early)
func (b *BarReporter) Finish() error {
	if b == nil {
		return nil
	}
	return b.bar.Finish()
}

// LogReporter logs the counters every N completed tasks, for non-interactive output
type LogReporter struct {
	every int
	total int
	log   *logrus.Entry
}

// NewLogReporter creates a reporter that logs at Info level every `every` tasks and on the last one
func NewLogReporter(every, total int, log *logrus.Entry) *LogReporter {
	if every <= 0 {
		every = 1000
	}
	return &LogReporter{every: every, total: total, log: log}
}

// OnTaskComplete logs when a reporting boundary is crossed. A nil reporter does nothing.
func (l *LogReporter) OnTaskComplete(c models.Counters) error {
	if l == nil {
		return nil
	}
	done := c.Total()
	if done%l.every == 0 || done == l.total {
		l.log.WithFields(logrus.Fields{
			"done":      done,
			"total":     l.total,
			"existing":  c.Existing,
			"succeeded": c.Succeeded,
			"failed":    c.Failed,
		}).Info("Progress")
	}
	return nil
}

// Multi fans a snapshot out to several reporters, joining their errors.
// Nil entries are skipped; a nil *BarReporter or *LogReporter is also safe since their
// methods accept a nil receiver. Other reporter types must not be stored as typed nils.
type Multi []Reporter

// OnTaskComplete notifies every reporter even if an earlier one fails
func (m Multi) OnTaskComplete(c models.Counters) error {
	var errs []error
	for _, r := range m {
		if r == nil {
			continue
		}
		if err := r.OnTaskComplete(c); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Nop ignores every snapshot
type Nop struct{}

// OnTaskComplete does nothing
func (Nop) OnTaskComplete(models.Counters) error { return nil }
