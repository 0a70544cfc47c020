package dispatch

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/telluric-io/tern/pkg/fault"
	"github.com/telluric-io/tern/pkg/types"
)

func job(id string) *types.Job {
	return &types.Job{ID: id, ProcessID: "echo", Status: types.StatusAccepted}
}

func TestExecutesInSubmissionOrder(t *testing.T) {
	var mu sync.Mutex
	var ran []string
	d := New(16, 16, 1, time.Second, func(ctx context.Context, j *types.Job) {
		mu.Lock()
		ran = append(ran, j.ID)
		mu.Unlock()
	})
	defer d.Close()

	for _, id := range []string{"a", "b", "c", "d"} {
		require.NoError(t, d.Submit(job(id)))
	}
	for _, id := range []string{"a", "b", "c", "d"} {
		assert.True(t, d.WaitSync(id))
	}

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []string{"a", "b", "c", "d"}, ran)
}

func TestRefusesAboveHighWater(t *testing.T) {
	block := make(chan struct{})
	d := New(8, 2, 1, time.Second, func(ctx context.Context, j *types.Job) {
		<-block
	})
	defer func() {
		close(block)
		d.Close()
	}()

	// First job occupies the worker; two more fill the queue to the mark.
	require.NoError(t, d.Submit(job("w")))
	time.Sleep(20 * time.Millisecond)
	require.NoError(t, d.Submit(job("q1")))
	require.NoError(t, d.Submit(job("q2")))

	err := d.Submit(job("q3"))
	require.Error(t, err)
	assert.Equal(t, fault.KindServiceUnavailable, fault.KindOf(err))
}

func TestWaitSyncTimesOut(t *testing.T) {
	release := make(chan struct{})
	d := New(4, 4, 1, 50*time.Millisecond, func(ctx context.Context, j *types.Job) {
		<-release
	})
	defer d.Close()

	require.NoError(t, d.Submit(job("slow")))
	assert.False(t, d.WaitSync("slow"), "wait must give up at the sync cap")
	close(release)
}

func TestWaitSyncFastJob(t *testing.T) {
	d := New(4, 4, 2, time.Second, func(ctx context.Context, j *types.Job) {})
	defer d.Close()

	require.NoError(t, d.Submit(job("fast")))
	assert.True(t, d.WaitSync("fast"))
}

func TestCancelPropagatesToRunningJob(t *testing.T) {
	cancelled := make(chan struct{})
	started := make(chan struct{})
	d := New(4, 4, 1, time.Second, func(ctx context.Context, j *types.Job) {
		close(started)
		<-ctx.Done()
		close(cancelled)
	})
	defer d.Close()

	require.NoError(t, d.Submit(job("victim")))
	<-started
	d.Cancel("victim")

	select {
	case <-cancelled:
	case <-time.After(time.Second):
		t.Fatal("cancel did not reach the running job")
	}
}

func TestDuplicateSubmitConflicts(t *testing.T) {
	block := make(chan struct{})
	d := New(4, 4, 1, time.Second, func(ctx context.Context, j *types.Job) {
		<-block
	})
	defer func() {
		close(block)
		d.Close()
	}()

	require.NoError(t, d.Submit(job("dup")))
	err := d.Submit(job("dup"))
	require.Error(t, err)
	assert.Equal(t, fault.KindConflict, fault.KindOf(err))
}

func TestCloseWaitsForInFlight(t *testing.T) {
	var finished bool
	d := New(4, 4, 1, time.Second, func(ctx context.Context, j *types.Job) {
		time.Sleep(30 * time.Millisecond)
		finished = true
	})
	require.NoError(t, d.Submit(job("last")))
	time.Sleep(10 * time.Millisecond)
	d.Close()
	assert.True(t, finished)
}

func TestSubmitDuringCloseRefused(t *testing.T) {
	d := New(16, 16, 2, time.Second, func(ctx context.Context, j *types.Job) {})

	// Hammer Submit while Close runs; late submissions must be refused,
	// never panic on the closed queue.
	var wg sync.WaitGroup
	stop := make(chan struct{})
	for w := 0; w < 4; w++ {
		w := w
		wg.Add(1)
		go func() {
			defer wg.Done()
			for n := 0; ; n++ {
				select {
				case <-stop:
					return
				default:
				}
				_ = d.Submit(job(fmt.Sprintf("j-%d-%d", w, n)))
			}
		}()
	}

	time.Sleep(10 * time.Millisecond)
	d.Close()
	close(stop)
	wg.Wait()

	err := d.Submit(job("after-close"))
	require.Error(t, err)
	assert.Equal(t, fault.KindServiceUnavailable, fault.KindOf(err))
}
