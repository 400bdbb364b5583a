package pool

import (
	"context"
	"flag"
	"sync"

	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.uber.org/atomic"
)

// ErrStopped is returned by RunJobs once the pool has shut down.
var ErrStopped = errors.New("pool is stopped")

var (
	metricQueueLength = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "sthdb",
		Name:      "work_queue_length",
		Help:      "Current length of the work queue.",
	})
	metricQueueMax = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "sthdb",
		Name:      "work_queue_max",
		Help:      "Maximum number of jobs in the work queue.",
	})
)

// JobFunc is one store subtask. It must honor ctx for its own timeouts but
// is never abandoned: a cancelled request does not stop in-flight jobs.
type JobFunc func(ctx context.Context, payload interface{}) error

type Config struct {
	MaxWorkers int `yaml:"max_workers"`
	QueueDepth int `yaml:"queue_depth"`
}

func (cfg *Config) RegisterFlagsAndApplyDefaults(prefix string, f *flag.FlagSet) {
	f.IntVar(&cfg.MaxWorkers, prefix+".max-workers", 30, "Number of workers executing store subtasks.")
	f.IntVar(&cfg.QueueDepth, prefix+".queue-depth", 10000, "Bound on queued store subtasks. Submitters wait when full.")
}

type job struct {
	ctx     context.Context
	payload interface{}
	fn      JobFunc

	wg       *sync.WaitGroup
	firstErr *atomic.Error
}

// Pool executes store subtasks on a bounded set of workers. When the queue
// is saturated, submitters wait; the pool never drops a job.
type Pool struct {
	cfg       *Config
	workQueue chan *job
	size      *atomic.Int32

	// stoppedMtx keeps submission and shutdown mutually exclusive so a
	// late RunJobs never sends on the closed queue.
	stoppedMtx sync.RWMutex
	stopped    bool
}

func NewPool(cfg *Config) *Pool {
	if cfg == nil {
		cfg = &Config{}
		cfg.RegisterFlagsAndApplyDefaults("", &flag.FlagSet{})
	}

	q := make(chan *job, cfg.QueueDepth)
	p := &Pool{
		cfg:       cfg,
		workQueue: q,
		size:      atomic.NewInt32(0),
	}

	for i := 0; i < cfg.MaxWorkers; i++ {
		go p.worker(q)
	}

	metricQueueMax.Set(float64(cfg.QueueDepth))
	return p
}

// RunJobs executes fn once per payload and waits for every subtask to settle,
// success or failure. It returns the first observed error, or nil when all
// subtasks succeed, or ErrStopped after Shutdown. Completion is independent
// of ctx cancellation.
func (p *Pool) RunJobs(ctx context.Context, payloads []interface{}, fn JobFunc) error {
	p.stoppedMtx.RLock()
	if p.stopped {
		p.stoppedMtx.RUnlock()
		return ErrStopped
	}

	wg := &sync.WaitGroup{}
	firstErr := atomic.NewError(nil)

	wg.Add(len(payloads))
	for _, payload := range payloads {
		j := &job{
			ctx:      ctx,
			payload:  payload,
			fn:       fn,
			wg:       wg,
			firstErr: firstErr,
		}
		p.workQueue <- j
		p.size.Inc()
		metricQueueLength.Set(float64(p.size.Load()))
	}
	p.stoppedMtx.RUnlock()

	wg.Wait()
	return firstErr.Load()
}

// Shutdown closes the queue once every in-flight submission has finished
// enqueueing. Workers drain the queue before exiting.
func (p *Pool) Shutdown() {
	p.stoppedMtx.Lock()
	defer p.stoppedMtx.Unlock()
	if p.stopped {
		return
	}
	p.stopped = true
	close(p.workQueue)
}

func (p *Pool) worker(q <-chan *job) {
	for j := range q {
		err := j.fn(j.ctx, j.payload)
		if err != nil {
			j.firstErr.CompareAndSwap(nil, err)
		}
		j.wg.Done()
		p.size.Dec()
		metricQueueLength.Set(float64(p.size.Load()))
	}
}
