package console

import (
	"sync"

	"github.com/rs/zerolog/log"
)

// Progress reports fractional progress and exposes an external cancel signal.
type Progress interface {
	SetFraction(f float64)
	SetText(text string)
	IsCanceled() bool
}

// LogProgress logs progress changes and can be cancelled programmatically.
type LogProgress struct {
	mu       sync.Mutex
	fraction float64
	text     string
	canceled bool
}

func (p *LogProgress) SetFraction(f float64) {
	if f < 0 {
		f = 0
	}
	if f > 1 {
		f = 1
	}
	p.mu.Lock()
	p.fraction = f
	text := p.text
	p.mu.Unlock()
	log.Debug().Float64("fraction", f).Str("text", text).Msg("launch progress")
}

func (p *LogProgress) SetText(text string) {
	p.mu.Lock()
	p.text = text
	p.mu.Unlock()
	log.Info().Str("text", text).Msg("launch progress")
}

func (p *LogProgress) IsCanceled() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.canceled
}

// Cancel flips IsCanceled.
func (p *LogProgress) Cancel() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.canceled = true
}

// Fraction returns the last reported fraction.
func (p *LogProgress) Fraction() float64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.fraction
}

// Text returns the last reported text.
func (p *LogProgress) Text() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.text
}

// NopProgress ignores progress and is never cancelled.
type NopProgress struct{}

func (NopProgress) SetFraction(float64) {}
func (NopProgress) SetText(string)      {}
func (NopProgress) IsCanceled() bool    { return false }
