package main

import (
	"os"
	"time"

	"github.com/cheggaaa/pb/v3"
	"github.com/mattn/go-isatty"
)

// progressBar renders the bytes written by a batch. A nil *progressBar
// renders nothing.
type progressBar struct {
	*pb.ProgressBar
	started bool
}

// newProgressBar returns a progress bar on stderr, or nil when disabled or
// stderr is not a terminal.
func newProgressBar(enabled bool) *progressBar {
	if !enabled || !showProgress() {
		return nil
	}
	bar := &progressBar{ProgressBar: pb.New64(0)}
	bar.Set(pb.Bytes, true)
	bar.SetTemplateString(`{{counters . }} {{bar . | green }} {{percent .}} {{speed . "%s/s"}} {{string . "status"}}`)
	bar.SetRefreshRate(200 * time.Millisecond)
	bar.SetWidth(100)
	if err := bar.Err(); err != nil {
		logger.Debug().Err(err).Msg("Progress bar disabled")
		return nil
	}
	return bar
}

func (b *progressBar) setTotal(n int64) {
	if b == nil {
		return
	}
	b.SetTotal(n)
	if !b.started {
		b.Start()
		b.started = true
	}
}

func (b *progressBar) setStatus(msg string) {
	if b != nil {
		b.Set("status", msg)
	}
}

func (b *progressBar) add(n int64) {
	if b != nil {
		b.Add64(n)
	}
}

func (b *progressBar) finish() {
	if b != nil && b.started {
		b.Finish()
	}
}

func showProgress() bool {
	// Both zerolog's console writer and pb use stderr.
	fd := os.Stderr.Fd()
	return isatty.IsTerminal(fd) || isatty.IsCygwinTerminal(fd)
}
