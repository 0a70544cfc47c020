// Package runtime executes one-shot tool containers through containerd.
package runtime

import (
	"bytes"
	"context"
	"errors"
	"io"
	"sync"
	"time"
)

// Mount binds a host path into the tool container
type Mount struct {
	Source      string
	Destination string
	ReadOnly    bool
}

// Spec describes a single tool invocation
type Spec struct {
	Name    string   // container ID, unique per step attempt
	Image   string   // image reference, e.g. docker.io/osgeo/gdal:3.8
	Command []string // fully assembled argv
	Env     []string // KEY=VALUE pairs
	WorkDir string   // working directory inside the container
	Mounts  []Mount

	// Resource limits; zero values mean unlimited
	CPUCores  float64
	MemoryMiB int64

	NetworkAccess bool // default deny: container gets an empty netns

	// UID/GID override; nil keeps the image default
	UID *uint32
	GID *uint32

	// Stdout/Stderr receive the process streams line by line
	Stdout io.Writer
	Stderr io.Writer
}

// Result is the outcome of one tool invocation
type Result struct {
	ExitCode int
	Duration time.Duration
}

// Runner executes tool containers
type Runner interface {
	// Run blocks until the container exits or ctx is cancelled. A non-zero
	// exit code is not an error; err is reserved for infrastructure
	// failures (pull, create, start).
	Run(ctx context.Context, spec Spec) (Result, error)
	Close() error
}

// NopRunner rejects every invocation. Dispatcher-only nodes use it so the
// engine never needs a containerd connection.
type NopRunner struct{}

func (NopRunner) Run(ctx context.Context, spec Spec) (Result, error) {
	return Result{}, errors.New("node does not execute containers")
}

func (NopRunner) Close() error { return nil }

// LineFunc consumes one complete output line
type LineFunc func(line string)

// LineWriter adapts a per-line callback into an io.Writer, buffering
// partial lines until a newline arrives.
type LineWriter struct {
	mu   sync.Mutex
	buf  bytes.Buffer
	emit LineFunc
}

// NewLineWriter creates a writer that calls emit for each complete line.
func NewLineWriter(emit LineFunc) *LineWriter {
	return &LineWriter{emit: emit}
}

func (w *LineWriter) Write(p []byte) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.buf.Write(p)
	for {
		line, err := w.buf.ReadString('\n')
		if err != nil {
			// No newline yet, keep the partial line buffered
			w.buf.WriteString(line)
			break
		}
		w.emit(line[:len(line)-1])
	}
	return len(p), nil
}

// Flush emits any buffered partial line.
func (w *LineWriter) Flush() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.buf.Len() > 0 {
		w.emit(w.buf.String())
		w.buf.Reset()
	}
}
