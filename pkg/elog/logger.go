// Package elog provides the terminal logger and progress plumbing shared
// by the format engines and the CLI: a Logger interface with
// debug/verbose gating, and mpb-backed progress bars that coexist with
// logrus output on the same terminal. Engines treat both as optional —
// a nil Logger or Progress in vfs.FormatOptions is always valid.
package elog

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"sync"
	"time"

	"github.com/fatih/color"
	"github.com/sirupsen/logrus"
	"github.com/vbauerster/mpb/v5"
	"github.com/vbauerster/mpb/v5/decor"
)

// Logger is the leveled logging surface every format and read path takes.
// Debugf and Infof are gated by the CLI's debug/verbose switches.
type Logger interface {
	Debugf(format string, x ...interface{})
	Errorf(format string, x ...interface{})
	Infof(format string, x ...interface{})
	Printf(format string, x ...interface{})
	Warnf(format string, x ...interface{})
	IsInfoEnabled() bool
	IsDebugEnabled() bool
}

// Progress reports a long-running operation. A format pipeline calls
// Increment at each milestone and Finish exactly once; the Write/Seek
// half lets a Progress double as an io.WriteSeeker so byte-counted bars
// can track a copy directly.
type Progress interface {
	Finish(success bool)
	Increment(n int64)
	Write(p []byte) (n int, err error)
	Seek(offset int64, whence int) (int64, error)
	ProxyReader(r io.Reader) io.ReadCloser
}

// ProgressReporter creates Progress bars.
type ProgressReporter interface {
	NewProgress(label string, units string, total int64) Progress
}

// View is a Logger that can also create progress bars — what a front-end
// hands to the engines.
type View interface {
	Logger
	ProgressReporter
}

// CLI logs to the terminal through logrus and renders progress with mpb.
// While any bar is live, log output is buffered so bars and log lines
// don't interleave mid-redraw; the buffer drains when the last bar ends.
type CLI struct {
	DisableColors bool
	DisableTTY    bool
	IsDebug       bool
	IsVerbose     bool

	mu        sync.Mutex
	bars      map[*mpb.Bar]bool
	logBuf    *bytes.Buffer
	container *mpb.Progress
}

// Debugf logs at trace level when debug output is enabled.
func (log *CLI) Debugf(format string, x ...interface{}) {
	if log.IsDebug {
		logrus.Tracef(format, x...)
	}
}

// Errorf logs an error.
func (log *CLI) Errorf(format string, x ...interface{}) {
	logrus.Errorf(format, x...)
}

// Infof logs progress detail when verbose output is enabled.
func (log *CLI) Infof(format string, x ...interface{}) {
	if log.IsVerbose {
		logrus.Debugf(format, x...)
	}
}

// Printf logs unconditionally.
func (log *CLI) Printf(format string, x ...interface{}) {
	logrus.Printf(format, x...)
}

// Warnf logs a warning.
func (log *CLI) Warnf(format string, x ...interface{}) {
	logrus.Warnf(format, x...)
}

// IsInfoEnabled reports whether info-level logging is enabled.
func (log *CLI) IsInfoEnabled() bool {
	return logrus.IsLevelEnabled(logrus.InfoLevel)
}

// IsDebugEnabled reports whether debug-level logging is enabled.
func (log *CLI) IsDebugEnabled() bool {
	return logrus.IsLevelEnabled(logrus.DebugLevel)
}

// NewProgress returns a bar (or a spinner when total is 0) labelled for
// one operation. Units picks the trailing decorator: "KiB" renders byte
// counters, anything else a percentage. With DisableTTY the returned
// Progress tracks its cursor but draws nothing.
func (log *CLI) NewProgress(label string, units string, total int64) Progress {
	if log.DisableTTY {
		return &discardProgress{total: total}
	}

	log.mu.Lock()
	defer log.mu.Unlock()

	if log.container == nil {
		// First live bar: buffer log output until the last bar finishes.
		log.logBuf = new(bytes.Buffer)
		logrus.SetOutput(log.logBuf)
		log.container = mpb.New(mpb.WithWidth(80))
		log.bars = make(map[*mpb.Bar]bool)
	}

	name := decor.Name(label, decor.WC{W: len(label) + 1, C: decor.DidentRight})

	var bar *mpb.Bar
	if total == 0 {
		bar = log.container.AddSpinner(0, mpb.SpinnerOnLeft, mpb.PrependDecorators(name))
	} else {
		var counter decor.Decorator
		if units == "KiB" {
			counter = decor.Counters(decor.UnitKiB, "% .1f / % .1f")
		} else {
			counter = decor.Percentage()
		}
		bar = log.container.AddBar(total,
			mpb.PrependDecorators(
				name,
				decor.OnComplete(decor.AverageETA(decor.ET_STYLE_GO, decor.WC{W: 4}), "done"),
			),
			mpb.AppendDecorators(counter),
		)
	}
	log.bars[bar] = true

	p := &barProgress{
		log:      log,
		bar:      bar,
		total:    total,
		interval: 100 * time.Millisecond,
	}
	p.nextFlush = time.Now().Add(p.interval)
	return p
}

// discardProgress satisfies Progress without drawing anything, so code
// written against a bar also runs when output is not a terminal or in tests.
type discardProgress struct {
	cursor int64
	total  int64
}

func (dp *discardProgress) Increment(n int64)   {}
func (dp *discardProgress) Finish(success bool) {}

func (dp *discardProgress) Write(p []byte) (n int, err error) {
	n = len(p)
	dp.cursor += int64(n)
	return
}

func (dp *discardProgress) Seek(offset int64, whence int) (int64, error) {
	switch whence {
	case io.SeekStart:
		dp.cursor = offset
	case io.SeekCurrent:
		dp.cursor += offset
	case io.SeekEnd:
		dp.cursor = dp.total + offset
	default:
		return 0, errors.New("elog: invalid whence")
	}
	return dp.cursor, nil
}

func (dp *discardProgress) ProxyReader(r io.Reader) io.ReadCloser {
	if rc, ok := r.(io.ReadCloser); ok {
		return rc
	}
	return io.NopCloser(r)
}

// barProgress drives one mpb bar, batching increments so a hot write loop
// doesn't redraw the terminal on every call.
type barProgress struct {
	log    *CLI
	bar    *mpb.Bar
	closed bool

	total    int64
	cursor   int64
	shown    int64
	buffered int64

	interval  time.Duration
	nextFlush time.Time
}

func (p *barProgress) Increment(n int64) {
	p.buffered += n
	p.shown += n
	if !time.Now().Before(p.nextFlush) {
		p.flush()
	}
}

func (p *barProgress) flush() {
	p.nextFlush = time.Now().Add(p.interval)
	p.bar.IncrInt64(p.buffered)
	p.buffered = 0
}

// Finish completes or aborts the bar and, when it was the last live bar,
// restores logrus to stdout and drains the buffered log lines.
func (p *barProgress) Finish(success bool) {
	if p.closed {
		return
	}
	p.flush()
	p.closed = true
	if !success || p.total == 0 || p.shown != p.total {
		p.bar.Abort(false)
	}

	p.log.mu.Lock()
	defer p.log.mu.Unlock()
	delete(p.log.bars, p.bar)
	if len(p.log.bars) > 0 {
		return
	}
	p.log.bars = nil
	p.log.container.Wait()
	p.log.container = nil
	logrus.SetOutput(os.Stdout)
	_, _ = p.log.logBuf.WriteTo(os.Stdout)
	p.log.logBuf = nil
}

func (p *barProgress) Write(buf []byte) (n int, err error) {
	n = len(buf)
	p.cursor += int64(n)
	if p.shown < p.cursor {
		p.Increment(p.cursor - p.shown)
	}
	return
}

func (p *barProgress) Seek(offset int64, whence int) (int64, error) {
	switch whence {
	case io.SeekStart:
		p.cursor = offset
	case io.SeekCurrent:
		p.cursor += offset
	case io.SeekEnd:
		p.cursor = p.total + offset
	default:
		return 0, errors.New("elog: invalid whence")
	}
	if p.shown < p.cursor {
		p.Increment(p.cursor - p.shown)
	}
	return p.cursor, nil
}

// ProxyReader wraps r so reads advance the bar, finishing it when the
// caller closes the reader.
func (p *barProgress) ProxyReader(r io.Reader) io.ReadCloser {
	pr := p.bar.ProxyReader(r)
	return &proxyReadCloser{
		r: pr,
		closeFn: func() error {
			p.flush()
			p.Finish(p.total == p.shown)
			if rc, ok := pr.(io.Closer); ok {
				return rc.Close()
			}
			return nil
		},
	}
}

// proxyReadCloser pairs a progress-tracked reader with the close hook
// that finalizes its bar.
type proxyReadCloser struct {
	r       io.Reader
	closeFn func() error
}

func (p *proxyReadCloser) Read(buf []byte) (int, error) { return p.r.Read(buf) }
func (p *proxyReadCloser) Close() error                 { return p.closeFn() }

// Format renders log entries for the terminal: bare messages, colored by
// level unless colors are disabled.
func (log *CLI) Format(entry *logrus.Entry) ([]byte, error) {
	msg := entry.Message
	if !log.DisableColors {
		switch entry.Level {
		case logrus.TraceLevel:
			msg = color.New(color.Faint).Sprint(msg)
		case logrus.DebugLevel:
			msg = color.New(color.FgBlue).Sprint(msg)
		case logrus.WarnLevel:
			msg = color.New(color.FgYellow).Sprint(msg)
		case logrus.ErrorLevel, logrus.FatalLevel, logrus.PanicLevel:
			msg = color.New(color.FgRed).Sprint(msg)
		}
	}
	return []byte(fmt.Sprintf("%s\n", msg)), nil
}
