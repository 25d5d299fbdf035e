package notify

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/panjf2000/ants/v2"
	"github.com/pkg/errors"
	"go.uber.org/zap"
)

// ErrBroadcastBusy is returned while another background broadcast runs.
var ErrBroadcastBusy = errors.New("notify: a broadcast is already running")

// BroadcastJob describes a background broadcast.
type BroadcastJob struct {
	ID         string          `json:"id"`
	Kind       string          `json:"kind"`
	Target     string          `json:"target"` // template name or event
	Running    bool            `json:"running"`
	StartedAt  time.Time       `json:"started_at"`
	FinishedAt time.Time       `json:"finished_at,omitempty"`
	Report     BroadcastReport `json:"report"`
}

// AsyncBroadcaster runs broadcasts off the request path, one at a time.
type AsyncBroadcaster struct {
	d      *Dispatcher
	pool   *ants.Pool
	ctx    context.Context
	cancel context.CancelFunc

	mu   sync.Mutex
	last *BroadcastJob
}

func NewAsyncBroadcaster(d *Dispatcher) (*AsyncBroadcaster, error) {
	// the Running guard in submit keeps the single worker free, so Submit
	// only ever waits for the worker to be recycled
	pool, err := ants.NewPool(1, ants.WithPanicHandler(func(r interface{}) {
		zap.S().Errorf("notify: broadcast worker panic: %v", r)
	}))
	if err != nil {
		return nil, errors.Wrap(err, "notify: broadcast pool")
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &AsyncBroadcaster{d: d, pool: pool, ctx: ctx, cancel: cancel}, nil
}

func (a *AsyncBroadcaster) BroadcastNamedTemplate(name string, vars map[string]interface{}) (BroadcastJob, error) {
	return a.submit(KindBroadcastTemplate, name, func(ctx context.Context) BroadcastReport {
		return a.d.BroadcastNamedTemplate(ctx, name, vars)
	})
}

func (a *AsyncBroadcaster) BroadcastSystemEventTemplate(event string, vars map[string]interface{}) (BroadcastJob, error) {
	return a.submit(KindBroadcastEvent, event, func(ctx context.Context) BroadcastReport {
		return a.d.BroadcastSystemEventTemplate(ctx, event, vars)
	})
}

func (a *AsyncBroadcaster) submit(kind, target string, run func(context.Context) BroadcastReport) (BroadcastJob, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.last != nil && a.last.Running {
		return *a.last, ErrBroadcastBusy
	}
	job := &BroadcastJob{
		ID:        uuid.NewString(),
		Kind:      kind,
		Target:    target,
		Running:   true,
		StartedAt: time.Now(),
	}
	err := a.pool.Submit(func() {
		var report BroadcastReport
		defer func() {
			a.mu.Lock()
			job.Running = false
			job.FinishedAt = time.Now()
			job.Report = report
			a.mu.Unlock()
		}()
		report = run(a.ctx)
	})
	if err != nil {
		return BroadcastJob{}, errors.Wrap(err, "notify: submit broadcast")
	}
	a.last = job
	return *job, nil
}

// Last returns the running or most recently finished job.
func (a *AsyncBroadcaster) Last() (BroadcastJob, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.last == nil {
		return BroadcastJob{}, false
	}
	return *a.last, true
}

// Release cancels a running broadcast and stops the worker.
func (a *AsyncBroadcaster) Release() {
	a.cancel()
	a.pool.Release()
}
