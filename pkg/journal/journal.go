// Package journal records the observable trail of one job: ordered log
// lines, coalesced progress, append-only exceptions, and the on-disk job
// directory mirror used for debugging.
package journal

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/telluric-io/tern/pkg/log"
	"github.com/telluric-io/tern/pkg/storage"
	"github.com/telluric-io/tern/pkg/types"
)

const (
	flushInterval    = 1 * time.Second
	progressInterval = 1 * time.Second
)

// ProgressFunc applies a coalesced progress update to the job record
type ProgressFunc func(progress int, message string)

// Journal buffers log lines and progress for one job and flushes them on a
// one second cadence. Exceptions bypass the buffer and are persisted
// immediately. A Journal is a view onto shared per-job state: Band derives
// views whose progress values map onto a slice of the job's progress band,
// so nested executions report 0-100 without knowing their place in the job.
type Journal struct {
	*core
	lo, hi int
}

// core is the per-job state every view shares.
type core struct {
	store  storage.Store
	jobID  string
	dir    string
	logger zerolog.Logger

	onProgress ProgressFunc

	mu           sync.Mutex
	batch        []types.LogEntry
	pendingPct   int
	pendingMsg   string
	progressSet  bool
	lastProgress time.Time

	done chan struct{}
	wg   sync.WaitGroup
}

// New opens a journal for jobID rooted at jobsDir, creating the job
// directory layout (inputs/, work/, outputs/).
func New(store storage.Store, jobsDir, jobID string, onProgress ProgressFunc) (*Journal, error) {
	dir := filepath.Join(jobsDir, jobID)
	for _, sub := range []string{"inputs", "work", "outputs"} {
		if err := os.MkdirAll(filepath.Join(dir, sub), 0o755); err != nil {
			return nil, fmt.Errorf("failed to create job directory: %w", err)
		}
	}

	c := &core{
		store:      store,
		jobID:      jobID,
		dir:        dir,
		logger:     log.WithJobID(jobID),
		onProgress: onProgress,
		done:       make(chan struct{}),
	}
	c.wg.Add(1)
	go c.flushLoop()
	return &Journal{core: c, lo: 0, hi: 100}, nil
}

// Band returns a view whose Progress values are mapped linearly onto the
// [lo, hi] slice of this view's band. Logs, exceptions and the directory
// layout are shared with the parent.
func (j *Journal) Band(lo, hi int) *Journal {
	span := j.hi - j.lo
	return &Journal{
		core: j.core,
		lo:   j.lo + span*clampPct(lo)/100,
		hi:   j.lo + span*clampPct(hi)/100,
	}
}

// Progress records the latest progress value mapped onto this view's band.
// Updates are coalesced to at most one store write per second; the final
// value always lands because Close flushes it.
func (j *Journal) Progress(pct int, message string) {
	j.core.progress(j.lo+(j.hi-j.lo)*clampPct(pct)/100, message)
}

func clampPct(pct int) int {
	if pct < 0 {
		return 0
	}
	if pct > 100 {
		return 100
	}
	return pct
}

// Dir returns the job directory root.
func (c *core) Dir() string { return c.dir }

// InputsDir is where complex inputs are staged.
func (c *core) InputsDir() string { return filepath.Join(c.dir, "inputs") }

// WorkDir is the tool working directory.
func (c *core) WorkDir() string { return filepath.Join(c.dir, "work") }

// OutputsDir is where collected outputs land.
func (c *core) OutputsDir() string { return filepath.Join(c.dir, "outputs") }

// Log records one line. Lines are batched and flushed in order.
func (c *core) Log(level string, source types.LogSource, text string) {
	entry := types.LogEntry{
		TS:     time.Now().UTC(),
		Level:  level,
		Source: source,
		Text:   text,
	}
	c.mu.Lock()
	c.batch = append(c.batch, entry)
	c.mu.Unlock()
}

// Logf records one formatted setup-level line.
func (c *core) Logf(level string, source types.LogSource, format string, args ...interface{}) {
	c.Log(level, source, fmt.Sprintf(format, args...))
}

func (c *core) progress(pct int, message string) {
	c.mu.Lock()
	c.pendingPct = pct
	c.pendingMsg = message
	c.progressSet = true
	immediate := time.Since(c.lastProgress) >= progressInterval
	if immediate {
		c.lastProgress = time.Now()
		c.progressSet = false
	}
	c.mu.Unlock()

	if immediate && c.onProgress != nil {
		c.onProgress(pct, message)
	}
}

// Exception persists a failure record immediately. Records are append-only.
func (c *core) Exception(kind, message, detail string) {
	rec := types.ExceptionRecord{Kind: kind, Message: message, Detail: detail}
	if _, err := c.store.UpdateJob(c.jobID, func(job *types.Job) error {
		job.Exceptions = append(job.Exceptions, rec)
		return nil
	}); err != nil {
		c.logger.Error().Err(err).Msg("failed to persist exception")
	}
	c.writeJSON("exceptions.json", c.loadExceptions())
	c.Log("error", types.SourceSystem, message)
}

// WriteStatus mirrors the job record to status.json in the job directory.
func (c *core) WriteStatus(job *types.Job) {
	c.writeJSON("status.json", job)
}

// Flush forces pending log lines and progress out now.
func (c *core) Flush() {
	c.flushLogs()
	c.flushProgress()
}

// Close flushes and stops the background flusher.
func (c *core) Close() {
	close(c.done)
	c.wg.Wait()
	c.Flush()
}

func (c *core) flushLoop() {
	defer c.wg.Done()
	ticker := time.NewTicker(flushInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			c.flushLogs()
			c.flushProgress()
		case <-c.done:
			return
		}
	}
}

func (c *core) flushLogs() {
	c.mu.Lock()
	batch := c.batch
	c.batch = nil
	c.mu.Unlock()
	if len(batch) == 0 {
		return
	}

	if err := c.store.AppendJobLog(c.jobID, batch); err != nil {
		c.logger.Error().Err(err).Msg("failed to append job log")
	}
	c.appendNDJSON("logs.ndjson", batch)
}

func (c *core) flushProgress() {
	c.mu.Lock()
	if !c.progressSet {
		c.mu.Unlock()
		return
	}
	pct, msg := c.pendingPct, c.pendingMsg
	c.progressSet = false
	c.lastProgress = time.Now()
	c.mu.Unlock()

	if c.onProgress != nil {
		c.onProgress(pct, msg)
	}
}

func (c *core) loadExceptions() []types.ExceptionRecord {
	job, err := c.store.GetJob(c.jobID)
	if err != nil {
		return nil
	}
	return job.Exceptions
}

func (c *core) writeJSON(name string, v interface{}) {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return
	}
	path := filepath.Join(c.dir, name)
	if err := os.WriteFile(path, data, 0o644); err != nil {
		c.logger.Warn().Str("file", name).Err(err).Msg("failed to write job file")
	}
}

func (c *core) appendNDJSON(name string, batch []types.LogEntry) {
	path := filepath.Join(c.dir, name)
	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		c.logger.Warn().Str("file", name).Err(err).Msg("failed to open job log file")
		return
	}
	defer f.Close()
	enc := json.NewEncoder(f)
	for _, e := range batch {
		if err := enc.Encode(e); err != nil {
			return
		}
	}
}

// Cleanup removes the staging subdirectories of a finished job unless
// retain is set. Outputs and the status mirror stay: result URLs resolve
// against outputs/ for as long as the job record exists.
func Cleanup(jobsDir, jobID string, retain bool) error {
	if retain {
		return nil
	}
	for _, sub := range []string{"inputs", "work"} {
		if err := os.RemoveAll(filepath.Join(jobsDir, jobID, sub)); err != nil {
			return err
		}
	}
	return nil
}
