// Package job owns the job lifecycle state machine. All status changes go
// through the Manager so ordering, timestamps and progress monotonicity hold
// no matter how many goroutines observe a job.
package job

import (
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/telluric-io/tern/pkg/events"
	"github.com/telluric-io/tern/pkg/fault"
	"github.com/telluric-io/tern/pkg/log"
	"github.com/telluric-io/tern/pkg/metrics"
	"github.com/telluric-io/tern/pkg/storage"
	"github.com/telluric-io/tern/pkg/types"
)

// transitions is the legal edge set of the lifecycle graph. dismissed is
// reachable from every non-terminal state.
var transitions = map[types.JobStatus][]types.JobStatus{
	types.StatusAccepted: {types.StatusStarted, types.StatusDismissed},
	types.StatusStarted:  {types.StatusRunning, types.StatusFailed, types.StatusDismissed},
	types.StatusRunning:  {types.StatusSucceeded, types.StatusFailed, types.StatusDismissed},
}

func legal(from, to types.JobStatus) bool {
	for _, t := range transitions[from] {
		if t == to {
			return true
		}
	}
	return false
}

// Manager applies lifecycle transitions through the store's serialized
// update path
type Manager struct {
	store  storage.Store
	broker *events.Broker
	logger zerolog.Logger
}

// NewManager creates a lifecycle manager.
func NewManager(store storage.Store, broker *events.Broker) *Manager {
	return &Manager{
		store:  store,
		broker: broker,
		logger: log.WithComponent("job"),
	}
}

// Create persists a new job in accepted state and returns it.
func (m *Manager) Create(processID string, inputs map[string]types.Value, mode types.ExecutionMode) (*types.Job, error) {
	now := time.Now().UTC()
	j := &types.Job{
		ID:            uuid.New().String(),
		ProcessID:     processID,
		Status:        types.StatusAccepted,
		Progress:      0,
		Created:       now,
		Updated:       now,
		Inputs:        inputs,
		ExecutionMode: mode,
	}
	if err := m.store.PutJob(j); err != nil {
		return nil, fault.Wrap(fault.KindInternal, err, "failed to persist job")
	}
	metrics.JobsSubmitted.Inc()
	m.publish(events.EventJobAccepted, j, "job accepted")
	return j, nil
}

// Transition moves a job to the given status. Illegal transitions are
// dropped: the job is returned unchanged together with a conflict error the
// caller may log or surface.
func (m *Manager) Transition(jobID string, to types.JobStatus, message string) (*types.Job, error) {
	var illegal bool
	j, err := m.store.UpdateJob(jobID, func(job *types.Job) error {
		if !legal(job.Status, to) {
			illegal = true
			return nil
		}
		now := time.Now().UTC()
		job.Status = to
		if message != "" {
			job.Message = message
		}
		switch to {
		case types.StatusStarted:
			job.Started = &now
		case types.StatusSucceeded:
			job.Progress = 100
			job.Finished = &now
		case types.StatusFailed, types.StatusDismissed:
			job.Finished = &now
		}
		return nil
	})
	if err != nil {
		if fault.KindOf(err) == fault.KindNotFound {
			return nil, err
		}
		return nil, fault.Wrap(fault.KindInternal, err, "failed to update job %s", jobID)
	}
	if illegal {
		m.logger.Warn().
			Str("job_id", jobID).
			Str("from", string(j.Status)).
			Str("to", string(to)).
			Msg("illegal transition dropped")
		return j, fault.New(fault.KindConflict, "cannot transition job from %s to %s", j.Status, to)
	}

	m.observe(j, to, message)
	return j, nil
}

// SetProgress applies a monotonic progress update. Values below the current
// progress are clamped; progress only moves while the job is running.
func (m *Manager) SetProgress(jobID string, pct int, message string) (*types.Job, error) {
	j, err := m.store.UpdateJob(jobID, func(job *types.Job) error {
		if job.Status != types.StatusRunning {
			return nil
		}
		if pct > 100 {
			pct = 100
		}
		if pct > job.Progress {
			job.Progress = pct
		}
		if message != "" {
			job.Message = message
		}
		return nil
	})
	if err != nil {
		if fault.KindOf(err) == fault.KindNotFound {
			return nil, err
		}
		return nil, fault.Wrap(fault.KindInternal, err, "failed to update job %s", jobID)
	}
	m.publish(events.EventJobProgress, j, message)
	return j, nil
}

// Dismiss cancels a job. Terminal jobs cannot be dismissed.
func (m *Manager) Dismiss(jobID string) (*types.Job, error) {
	j, err := m.store.GetJob(jobID)
	if err != nil {
		return nil, fault.Wrap(fault.KindNotFound, err, "job %s not found", jobID)
	}
	if j.Status.Terminal() {
		return j, fault.New(fault.KindConflict, "job %s already finished", jobID)
	}
	return m.Transition(jobID, types.StatusDismissed, "job dismissed by client")
}

func (m *Manager) observe(j *types.Job, to types.JobStatus, message string) {
	switch to {
	case types.StatusStarted:
		metrics.JobsRunning.Inc()
		m.publish(events.EventJobStarted, j, message)
	case types.StatusRunning:
		m.publish(events.EventJobRunning, j, message)
	case types.StatusSucceeded:
		metrics.JobsRunning.Dec()
		metrics.JobsTerminal.WithLabelValues(string(to)).Inc()
		m.observeDuration(j)
		m.publish(events.EventJobSucceeded, j, message)
	case types.StatusFailed:
		metrics.JobsRunning.Dec()
		metrics.JobsTerminal.WithLabelValues(string(to)).Inc()
		m.observeDuration(j)
		m.publish(events.EventJobFailed, j, message)
	case types.StatusDismissed:
		if j.Started != nil {
			metrics.JobsRunning.Dec()
		}
		metrics.JobsTerminal.WithLabelValues(string(to)).Inc()
		m.publish(events.EventJobDismissed, j, message)
	}
}

func (m *Manager) observeDuration(j *types.Job) {
	if j.Started == nil || j.Finished == nil {
		return
	}
	metrics.JobDuration.WithLabelValues(string(j.Status)).Observe(j.Finished.Sub(*j.Started).Seconds())
}

func (m *Manager) publish(t events.EventType, j *types.Job, message string) {
	if m.broker == nil {
		return
	}
	m.broker.Publish(&events.Event{
		Type:      t,
		JobID:     j.ID,
		ProcessID: j.ProcessID,
		Message:   message,
	})
}
