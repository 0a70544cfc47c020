package storage

import (
	"time"

	"github.com/telluric-io/tern/pkg/types"
)

// Page controls listing pagination and ordering
type Page struct {
	Limit int
	Page  int
	Sort  string // field name, "-" prefix for descending
}

// ProcessFilter narrows process listings
type ProcessFilter struct {
	Visibility types.Visibility
	Provider   string
}

// JobFilter narrows job listings
type JobFilter struct {
	Status     types.JobStatus
	ProcessID  string
	ProviderID string
	EmailToken string // scrypt token, matched exactly
	Tags       []string
	After      *time.Time
	Before     *time.Time
}

// Store is the persistence contract required by the engine. Guarantees:
// mutations of one job are serialized, Updated is monotonic, and log append
// preserves per-job order.
type Store interface {
	PutProcess(p *types.Process) error
	GetProcess(id string) (*types.Process, error)
	DeleteProcess(id string) error
	ListProcesses(filter ProcessFilter, page Page) ([]*types.Process, int, error)

	PutJob(j *types.Job) error
	GetJob(id string) (*types.Job, error)
	UpdateJob(id string, mutate func(*types.Job) error) (*types.Job, error)
	ListJobs(filter JobFilter, page Page, groupBy string) ([]*types.Job, map[string][]*types.Job, int, error)

	AppendJobLog(id string, batch []types.LogEntry) error
	GetJobLog(id string) ([]types.LogEntry, error)

	PutProvider(p *types.Provider) error
	GetProvider(id string) (*types.Provider, error)
	DeleteProvider(id string) error
	ListProviders() ([]*types.Provider, error)

	PutQuote(q *types.Quote) error
	GetQuote(id string) (*types.Quote, error)
	ListQuotes() ([]*types.Quote, error)

	Close() error
}
