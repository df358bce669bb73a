package main

import (
	"fmt"
	"io"
	"slices"
	"sync"
	"time"
)

var spinnerFrames = []string{"⠋", "⠙", "⠹", "⠸", "⠼", "⠴", "⠦", "⠧", "⠇", "⠏"}

const progressTick = 100 * time.Millisecond

// ProgressPrinter keeps a single status line on a terminal up to date:
//
//	⠹ Inspecting device C8:FD:19:12:7F:CD: Connecting (3s)
//
// The line is redrawn on every tick until Stop, or until the phase becomes one
// of the stop phases.
type ProgressPrinter struct {
	out        io.Writer
	prefix     string
	stopPhases []string

	mu      sync.Mutex
	phase   string
	started time.Time
	frame   int
	quit    chan struct{}
	done    chan struct{}
}

func NewProgressPrinter(out io.Writer, prefix, phase string, stopPhases ...string) *ProgressPrinter {
	return &ProgressPrinter{out: out, prefix: prefix, phase: phase, stopPhases: stopPhases}
}

// Start draws the first frame and keeps redrawing in the background.
func (p *ProgressPrinter) Start() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.quit != nil {
		return
	}

	p.started = time.Now()
	p.quit = make(chan struct{})
	p.done = make(chan struct{})
	p.drawLocked()

	go p.loop(p.quit, p.done)
}

func (p *ProgressPrinter) loop(quit <-chan struct{}, done chan<- struct{}) {
	defer close(done)

	t := time.NewTicker(progressTick)
	defer t.Stop()

	for {
		select {
		case <-quit:
			return
		case <-t.C:
			p.mu.Lock()
			p.frame++
			p.drawLocked()
			p.mu.Unlock()
		}
	}
}

func (p *ProgressPrinter) drawLocked() {
	elapsed := time.Since(p.started).Truncate(time.Second)
	fmt.Fprintf(p.out, "\r\033[K%s %s: %s", spinnerFrames[p.frame%len(spinnerFrames)], p.prefix, p.phase)
	if elapsed > 0 {
		fmt.Fprintf(p.out, " (%s)", elapsed)
	}
}

// Callback returns a function that switches the displayed phase; switching to
// a stop phase stops the printer.
func (p *ProgressPrinter) Callback() func(phase string) {
	return func(phase string) {
		p.mu.Lock()
		p.phase = phase
		p.mu.Unlock()

		if slices.Contains(p.stopPhases, phase) {
			p.Stop()
		}
	}
}

// Stop halts redrawing and erases the line. Extra calls do nothing.
func (p *ProgressPrinter) Stop() {
	p.mu.Lock()
	quit, done := p.quit, p.done
	p.quit = nil
	p.mu.Unlock()

	if quit == nil || done == nil {
		return
	}
	close(quit)
	<-done
	fmt.Fprint(p.out, "\r\033[K")
}
