package installer

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"strings"
	"sync"
)

// Prompter asks whether a destructive uninstall-and-retry may proceed.
type Prompter interface {
	Confirm(ctx context.Context, f *Failure) bool
}

// StaticPrompter always answers the same.
type StaticPrompter bool

func (s StaticPrompter) Confirm(context.Context, *Failure) bool { return bool(s) }

// TerminalPrompter reads a y/n answer from In. A single goroutine owns In,
// so a prompt abandoned on cancellation leaves no reader behind and the next
// prompt receives the next line.
type TerminalPrompter struct {
	In  io.Reader
	Out io.Writer

	once  sync.Once
	lines chan string
	mu    sync.Mutex
}

func (t *TerminalPrompter) start() {
	t.lines = make(chan string)
	go func() {
		defer close(t.lines)
		reader := bufio.NewReader(t.In)
		for {
			line, err := reader.ReadString('\n')
			if line != "" {
				t.lines <- line
			}
			if err != nil {
				return
			}
		}
	}()
}

func (t *TerminalPrompter) Confirm(ctx context.Context, f *Failure) bool {
	t.once.Do(t.start)
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.Out != nil {
		fmt.Fprintf(t.Out, "%s\n%s\nUninstall %s from %s and retry? [y/N] ",
			f.Code.Hint(), strings.TrimSpace(f.Output), f.Package, f.Serial)
	}
	select {
	case <-ctx.Done():
		return false
	case line, ok := <-t.lines:
		if !ok {
			return false
		}
		switch strings.ToLower(strings.TrimSpace(line)) {
		case "y", "yes":
			return true
		}
		return false
	}
}
