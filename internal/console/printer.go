package console

import (
	"fmt"
	"io"
	"strings"
	"sync"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// Printer is a line-oriented console sink.
type Printer interface {
	Stdout(line string)
	Stderr(line string)
}

// LogPrinter writes lines to out/errOut and mirrors them into the structured log.
type LogPrinter struct {
	mu     sync.Mutex
	out    io.Writer
	errOut io.Writer
	logger zerolog.Logger
}

// NewLogPrinter builds a printer; nil writers only log.
func NewLogPrinter(out, errOut io.Writer, fields map[string]string) *LogPrinter {
	ctx := log.Logger.With()
	for k, v := range fields {
		ctx = ctx.Str(k, v)
	}
	return &LogPrinter{out: out, errOut: errOut, logger: ctx.Logger()}
}

func (p *LogPrinter) Stdout(line string) {
	p.write(p.out, line)
	p.logger.Debug().Msg(line)
}

func (p *LogPrinter) Stderr(line string) {
	p.write(p.errOut, line)
	p.logger.Warn().Msg(line)
}

func (p *LogPrinter) write(w io.Writer, line string) {
	if w == nil {
		return
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	_, _ = fmt.Fprintln(w, strings.TrimRight(line, "\n"))
}

// Line is one captured console line.
type Line struct {
	Stderr bool
	Text   string
}

// BufferPrinter captures lines in memory.
type BufferPrinter struct {
	mu    sync.Mutex
	lines []Line
}

func (b *BufferPrinter) Stdout(line string) { b.add(Line{Text: line}) }
func (b *BufferPrinter) Stderr(line string) { b.add(Line{Stderr: true, Text: line}) }

func (b *BufferPrinter) add(l Line) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.lines = append(b.lines, l)
}

// Lines returns a copy of everything printed.
func (b *BufferPrinter) Lines() []Line {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]Line, len(b.lines))
	copy(out, b.lines)
	return out
}

// Contains reports whether any line contains substr.
func (b *BufferPrinter) Contains(substr string) bool {
	for _, l := range b.Lines() {
		if strings.Contains(l.Text, substr) {
			return true
		}
	}
	return false
}

type prefixed struct {
	inner  Printer
	prefix string
}

// Prefixed prepends prefix to every line, e.g. the device serial in
// multi-device launches.
func Prefixed(inner Printer, prefix string) Printer {
	if prefix == "" {
		return inner
	}
	return &prefixed{inner: inner, prefix: prefix}
}

func (p *prefixed) Stdout(line string) { p.inner.Stdout(p.prefix + line) }
func (p *prefixed) Stderr(line string) { p.inner.Stderr(p.prefix + line) }

// Discard drops every line.
var Discard Printer = discard{}

type discard struct{}

func (discard) Stdout(string) {}
func (discard) Stderr(string) {}
