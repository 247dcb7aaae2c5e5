package ccd

import (
	"fmt"
	"log"
	"sync"
)

// Trailer is the diagnostic message channel shared by every calibration
// step. The sink is injected so the CLI can route messages to a rotated
// trailer log alongside the science product and the tests can capture
// and assert on them.
type Trailer interface {
	Message(args ...any)
	Warn(args ...any)
	Error(args ...any)
}

// LogTrailer writes trailer messages through the standard logger.
type LogTrailer struct{}

func (LogTrailer) Message(args ...any) { log.Println(args...) }

func (LogTrailer) Warn(args ...any) {
	log.Println(append([]any{"Warning:"}, args...)...)
}

func (LogTrailer) Error(args ...any) {
	log.Println(append([]any{"ERROR:"}, args...)...)
}

// CaptureTrailer records every message for later inspection. Writers from
// the CTE column pool may be concurrent, so appends are serialised.
type CaptureTrailer struct {
	mu    sync.Mutex
	Lines []string
}

func (c *CaptureTrailer) Message(args ...any) { c.append("", args...) }
func (c *CaptureTrailer) Warn(args ...any)    { c.append("Warning: ", args...) }
func (c *CaptureTrailer) Error(args ...any)   { c.append("ERROR: ", args...) }

func (c *CaptureTrailer) append(prefix string, args ...any) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.Lines = append(c.Lines, prefix+fmt.Sprintln(args...))
}
