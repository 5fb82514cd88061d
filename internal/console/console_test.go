package console

import (
	"bytes"
	"strings"
	"testing"
)

func TestStatusTerminateKeepsFirstReason(t *testing.T) {
	s := NewStatus()
	if s.IsTerminated() {
		t.Fatal("new status should be live")
	}
	s.Terminate("user stop")
	s.Terminate("second")
	if !s.IsTerminated() {
		t.Fatal("expected terminated")
	}
	if s.Reason() != "user stop" {
		t.Fatalf("unexpected reason: %s", s.Reason())
	}
	select {
	case <-s.Done():
	default:
		t.Fatal("done channel should be closed")
	}
}

func TestLogPrinterWritesStreams(t *testing.T) {
	var out, errOut bytes.Buffer
	p := NewLogPrinter(&out, &errOut, map[string]string{"session": "s1"})
	p.Stdout("installing")
	p.Stderr("failed\n")
	if strings.TrimSpace(out.String()) != "installing" {
		t.Fatalf("stdout mismatch: %q", out.String())
	}
	if errOut.String() != "failed\n" {
		t.Fatalf("stderr mismatch: %q", errOut.String())
	}
}

func TestPrefixedPrinter(t *testing.T) {
	buf := &BufferPrinter{}
	p := Prefixed(buf, "[emulator-5554] ")
	p.Stdout("hello")
	p.Stderr("oops")
	lines := buf.Lines()
	if len(lines) != 2 || lines[0].Text != "[emulator-5554] hello" || !lines[1].Stderr {
		t.Fatalf("unexpected lines: %+v", lines)
	}
	if !buf.Contains("oops") {
		t.Fatal("expected Contains to match")
	}
}

func TestLogProgressClampsFraction(t *testing.T) {
	p := &LogProgress{}
	p.SetFraction(1.7)
	if p.Fraction() != 1 {
		t.Fatalf("fraction not clamped: %v", p.Fraction())
	}
	p.SetFraction(-2)
	if p.Fraction() != 0 {
		t.Fatalf("fraction not clamped: %v", p.Fraction())
	}
	p.Cancel()
	if !p.IsCanceled() {
		t.Fatal("expected canceled")
	}
}
