package storage

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"path/filepath"
	"sort"
	"strings"
	"time"

	bolt "go.etcd.io/bbolt"

	"github.com/telluric-io/tern/pkg/fault"
	"github.com/telluric-io/tern/pkg/types"
)

var (
	// Bucket names
	bucketProcesses = []byte("processes")
	bucketJobs      = []byte("jobs")
	bucketJobLogs   = []byte("joblogs")
	bucketProviders = []byte("providers")
	bucketQuotes    = []byte("quotes")
)

// BoltStore implements Store using BoltDB
type BoltStore struct {
	db *bolt.DB
}

// NewBoltStore creates a new BoltDB-backed store
func NewBoltStore(dataDir string) (*BoltStore, error) {
	dbPath := filepath.Join(dataDir, "tern.db")

	db, err := bolt.Open(dbPath, 0600, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		buckets := [][]byte{
			bucketProcesses,
			bucketJobs,
			bucketJobLogs,
			bucketProviders,
			bucketQuotes,
		}
		for _, bucket := range buckets {
			if _, err := tx.CreateBucketIfNotExists(bucket); err != nil {
				return fmt.Errorf("failed to create bucket %s: %w", bucket, err)
			}
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, err
	}

	return &BoltStore{db: db}, nil
}

// Close closes the database
func (s *BoltStore) Close() error {
	return s.db.Close()
}

// Process operations

func (s *BoltStore) PutProcess(p *types.Process) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketProcesses)
		data, err := json.Marshal(p)
		if err != nil {
			return err
		}
		return b.Put([]byte(p.ID), data)
	})
}

func (s *BoltStore) GetProcess(id string) (*types.Process, error) {
	var p types.Process
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketProcesses)
		data := b.Get([]byte(id))
		if data == nil {
			return fault.New(fault.KindNotFound, "process not found: %s", id)
		}
		return json.Unmarshal(data, &p)
	})
	if err != nil {
		return nil, err
	}
	return &p, nil
}

func (s *BoltStore) DeleteProcess(id string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketProcesses)
		if b.Get([]byte(id)) == nil {
			return fault.New(fault.KindNotFound, "process not found: %s", id)
		}
		return b.Delete([]byte(id))
	})
}

func (s *BoltStore) ListProcesses(filter ProcessFilter, page Page) ([]*types.Process, int, error) {
	var procs []*types.Process
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketProcesses)
		return b.ForEach(func(k, v []byte) error {
			var p types.Process
			if err := json.Unmarshal(v, &p); err != nil {
				return err
			}
			if filter.Visibility != "" && p.Visibility != filter.Visibility {
				return nil
			}
			if filter.Provider != "" && p.Metadata["provider"] != filter.Provider {
				return nil
			}
			procs = append(procs, &p)
			return nil
		})
	})
	if err != nil {
		return nil, 0, err
	}

	sortProcesses(procs, page.Sort)
	total := len(procs)
	procs = paginate(procs, page)
	return procs, total, nil
}

// Job operations

func (s *BoltStore) PutJob(j *types.Job) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketJobs)
		data, err := json.Marshal(j)
		if err != nil {
			return err
		}
		return b.Put([]byte(j.ID), data)
	})
}

func (s *BoltStore) GetJob(id string) (*types.Job, error) {
	var j types.Job
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketJobs)
		data := b.Get([]byte(id))
		if data == nil {
			return fault.New(fault.KindNotFound, "job not found: %s", id)
		}
		return json.Unmarshal(data, &j)
	})
	if err != nil {
		return nil, err
	}
	return &j, nil
}

// UpdateJob applies mutate to the stored job inside a single write
// transaction. Updated is bumped monotonically, which is the compare-and-set
// other writers rely on to detect lost updates.
func (s *BoltStore) UpdateJob(id string, mutate func(*types.Job) error) (*types.Job, error) {
	var out *types.Job
	err := s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketJobs)
		data := b.Get([]byte(id))
		if data == nil {
			return fault.New(fault.KindNotFound, "job not found: %s", id)
		}
		var j types.Job
		if err := json.Unmarshal(data, &j); err != nil {
			return err
		}
		prev := j.Updated
		if err := mutate(&j); err != nil {
			return err
		}
		now := time.Now().UTC()
		if !now.After(prev) {
			now = prev.Add(time.Microsecond)
		}
		j.Updated = now
		updated, err := json.Marshal(&j)
		if err != nil {
			return err
		}
		if err := b.Put([]byte(id), updated); err != nil {
			return err
		}
		out = &j
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (s *BoltStore) ListJobs(filter JobFilter, page Page, groupBy string) ([]*types.Job, map[string][]*types.Job, int, error) {
	var jobs []*types.Job
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketJobs)
		return b.ForEach(func(k, v []byte) error {
			var j types.Job
			if err := json.Unmarshal(v, &j); err != nil {
				return err
			}
			if !matchJob(&j, filter) {
				return nil
			}
			jobs = append(jobs, &j)
			return nil
		})
	})
	if err != nil {
		return nil, nil, 0, err
	}

	sortJobs(jobs, page.Sort)
	total := len(jobs)

	if groupBy != "" {
		groups := make(map[string][]*types.Job)
		for _, j := range jobs {
			var key string
			switch groupBy {
			case "process":
				key = j.ProcessID
			case "provider":
				key = j.ProviderID
			case "status":
				key = string(j.Status)
			default:
				return nil, nil, 0, fault.New(fault.KindValidation, "unsupported groupBy: %s", groupBy)
			}
			groups[key] = append(groups[key], j)
		}
		return nil, groups, total, nil
	}

	jobs = paginate(jobs, page)
	return jobs, nil, total, nil
}

func matchJob(j *types.Job, f JobFilter) bool {
	if f.Status != "" && j.Status != f.Status {
		return false
	}
	if f.ProcessID != "" && j.ProcessID != f.ProcessID {
		return false
	}
	if f.ProviderID != "" && j.ProviderID != f.ProviderID {
		return false
	}
	if f.EmailToken != "" && j.EmailToken != f.EmailToken {
		return false
	}
	if f.After != nil && j.Created.Before(*f.After) {
		return false
	}
	if f.Before != nil && j.Created.After(*f.Before) {
		return false
	}
	for _, want := range f.Tags {
		found := false
		for _, tag := range j.Tags {
			if tag == want {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	return true
}

// Job log operations. Each job owns a nested bucket keyed by a monotonic
// sequence number, so append order is preserved across restarts.

func (s *BoltStore) AppendJobLog(id string, batch []types.LogEntry) error {
	if len(batch) == 0 {
		return nil
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		parent := tx.Bucket(bucketJobLogs)
		b, err := parent.CreateBucketIfNotExists([]byte(id))
		if err != nil {
			return fmt.Errorf("failed to create log bucket: %w", err)
		}
		for i := range batch {
			seq, err := b.NextSequence()
			if err != nil {
				return err
			}
			key := make([]byte, 8)
			binary.BigEndian.PutUint64(key, seq)
			data, err := json.Marshal(&batch[i])
			if err != nil {
				return err
			}
			if err := b.Put(key, data); err != nil {
				return err
			}
		}
		return nil
	})
}

func (s *BoltStore) GetJobLog(id string) ([]types.LogEntry, error) {
	var entries []types.LogEntry
	err := s.db.View(func(tx *bolt.Tx) error {
		parent := tx.Bucket(bucketJobLogs)
		b := parent.Bucket([]byte(id))
		if b == nil {
			return nil // no logs yet
		}
		c := b.Cursor()
		for k, v := c.First(); k != nil; k, v = c.Next() {
			var e types.LogEntry
			if err := json.Unmarshal(v, &e); err != nil {
				return err
			}
			entries = append(entries, e)
		}
		return nil
	})
	return entries, err
}

// Provider operations

func (s *BoltStore) PutProvider(p *types.Provider) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketProviders)
		data, err := json.Marshal(p)
		if err != nil {
			return err
		}
		return b.Put([]byte(p.ID), data)
	})
}

func (s *BoltStore) GetProvider(id string) (*types.Provider, error) {
	var p types.Provider
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketProviders)
		data := b.Get([]byte(id))
		if data == nil {
			return fault.New(fault.KindNotFound, "provider not found: %s", id)
		}
		return json.Unmarshal(data, &p)
	})
	if err != nil {
		return nil, err
	}
	return &p, nil
}

func (s *BoltStore) DeleteProvider(id string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketProviders)
		if b.Get([]byte(id)) == nil {
			return fault.New(fault.KindNotFound, "provider not found: %s", id)
		}
		return b.Delete([]byte(id))
	})
}

func (s *BoltStore) ListProviders() ([]*types.Provider, error) {
	var providers []*types.Provider
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketProviders)
		return b.ForEach(func(k, v []byte) error {
			var p types.Provider
			if err := json.Unmarshal(v, &p); err != nil {
				return err
			}
			providers = append(providers, &p)
			return nil
		})
	})
	return providers, err
}

// Quote operations

func (s *BoltStore) PutQuote(q *types.Quote) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketQuotes)
		data, err := json.Marshal(q)
		if err != nil {
			return err
		}
		return b.Put([]byte(q.ID), data)
	})
}

func (s *BoltStore) GetQuote(id string) (*types.Quote, error) {
	var q types.Quote
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketQuotes)
		data := b.Get([]byte(id))
		if data == nil {
			return fault.New(fault.KindNotFound, "quote not found: %s", id)
		}
		return json.Unmarshal(data, &q)
	})
	if err != nil {
		return nil, err
	}
	return &q, nil
}

func (s *BoltStore) ListQuotes() ([]*types.Quote, error) {
	var quotes []*types.Quote
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketQuotes)
		return b.ForEach(func(k, v []byte) error {
			var q types.Quote
			if err := json.Unmarshal(v, &q); err != nil {
				return err
			}
			quotes = append(quotes, &q)
			return nil
		})
	})
	return quotes, err
}

// Sorting and paging helpers

func sortProcesses(procs []*types.Process, key string) {
	desc := strings.HasPrefix(key, "-")
	key = strings.TrimPrefix(key, "-")
	less := func(a, b *types.Process) bool { return a.ID < b.ID }
	switch key {
	case "created":
		less = func(a, b *types.Process) bool { return a.CreatedAt.Before(b.CreatedAt) }
	case "title":
		less = func(a, b *types.Process) bool { return a.Title < b.Title }
	}
	sort.SliceStable(procs, func(i, j int) bool {
		if desc {
			return less(procs[j], procs[i])
		}
		return less(procs[i], procs[j])
	})
}

func sortJobs(jobs []*types.Job, key string) {
	desc := strings.HasPrefix(key, "-")
	key = strings.TrimPrefix(key, "-")
	less := func(a, b *types.Job) bool { return a.Created.Before(b.Created) }
	switch key {
	case "updated":
		less = func(a, b *types.Job) bool { return a.Updated.Before(b.Updated) }
	case "status":
		less = func(a, b *types.Job) bool { return a.Status < b.Status }
	case "process":
		less = func(a, b *types.Job) bool { return a.ProcessID < b.ProcessID }
	}
	sort.SliceStable(jobs, func(i, j int) bool {
		if desc {
			return less(jobs[j], jobs[i])
		}
		return less(jobs[i], jobs[j])
	})
}

func paginate[T any](items []T, page Page) []T {
	if page.Limit <= 0 {
		return items
	}
	start := page.Page * page.Limit
	if start >= len(items) {
		return nil
	}
	end := start + page.Limit
	if end > len(items) {
		end = len(items)
	}
	return items[start:end]
}
